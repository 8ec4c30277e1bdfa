// Package blobstore stores video payloads and hands out opaque handles for
// playback. It defines the Store interface, an in-memory implementation for
// testing and development, and filesystem and S3 backends for real
// deployments.
//
// A handle is valid from Put until Release. Release is terminal: once a
// handle is released it never resolves again, so a deleted video can never
// serve stale bytes.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrBlobReleased       = errors.New("blob handle has been released")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// IsGone reports whether err means the handle no longer resolves, for any
// reason. Cascade retries treat a gone handle as already-released.
func IsGone(err error) bool {
	return errors.Is(err, ErrBlobNotFound) || errors.Is(err, ErrBlobReleased)
}

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// DefaultMaxSize is the fallback blob size limit (200 MB).
const DefaultMaxSize = 200 * 1024 * 1024

// AllowedContentTypes lists the video MIME types accepted for upload.
var AllowedContentTypes = map[string]bool{
	"video/mp4":                true,
	"video/webm":               true,
	"video/ogg":                true,
	"video/quicktime":          true,
	"video/x-msvideo":          true,
	"application/octet-stream": true,
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Info describes a stored blob.
type Info struct {
	Handle      string    `json:"handle"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the contract every blob backend implements.
type Store interface {
	// Put validates and stores the content, returning a fresh handle.
	Put(ctx context.Context, fileName, contentType string, content io.Reader) (Info, error)
	// Open returns the blob's bytes and metadata. A released or unknown
	// handle fails with ErrBlobReleased / ErrBlobNotFound.
	Open(ctx context.Context, handle string) (io.ReadCloser, *Info, error)
	// Release invalidates the handle. Releasing an already-gone handle
	// reports ErrBlobReleased or ErrBlobNotFound so retrying callers can
	// recognise it as already done.
	Release(ctx context.Context, handle string) error
}

func validateUpload(fileName, contentType string) error {
	if fileName == "" {
		return ErrMissingFileName
	}
	if contentType != "" && !AllowedContentTypes[contentType] {
		return fmt.Errorf("%w: %s", ErrInvalidContentType, contentType)
	}
	return nil
}

func newHandle() string {
	return uuid.NewString()
}

// checkHandle rejects strings that cannot be handles we minted. Filesystem
// and S3 backends join handles into paths/keys, so separators and traversal
// sequences are refused outright.
func checkHandle(handle string) error {
	if handle == "" {
		return ErrBlobNotFound
	}
	if strings.ContainsAny(handle, `/\`) || strings.Contains(handle, "..") {
		return ErrBlobNotFound
	}
	return nil
}

// readBounded reads content up to max bytes, failing if it is longer.
func readBounded(content io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(content, max+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > max {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	info Info
	data []byte
}

// MemoryStore is a thread-safe, in-memory Store for testing and development.
// Released handles are tombstoned so a re-used handle can be told apart from
// one that never existed.
type MemoryStore struct {
	mu       sync.RWMutex
	maxSize  int64
	blobs    map[string]*storedBlob
	released map[string]bool
}

// NewMemoryStore returns a ready-to-use MemoryStore. maxSize <= 0 selects
// DefaultMaxSize.
func NewMemoryStore(maxSize int64) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryStore{
		maxSize:  maxSize,
		blobs:    make(map[string]*storedBlob),
		released: make(map[string]bool),
	}
}

func (s *MemoryStore) Put(_ context.Context, fileName, contentType string, content io.Reader) (Info, error) {
	if err := validateUpload(fileName, contentType); err != nil {
		return Info{}, err
	}
	data, err := readBounded(content, s.maxSize)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Handle:      newHandle(),
		FileName:    fileName,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[info.Handle] = &storedBlob{info: info, data: data}
	s.mu.Unlock()

	return info, nil
}

func (s *MemoryStore) Open(_ context.Context, handle string) (io.ReadCloser, *Info, error) {
	s.mu.RLock()
	blob, ok := s.blobs[handle]
	gone := s.released[handle]
	s.mu.RUnlock()

	if !ok {
		if gone {
			return nil, nil, ErrBlobReleased
		}
		return nil, nil, ErrBlobNotFound
	}

	info := blob.info // copy
	return io.NopCloser(bytes.NewReader(blob.data)), &info, nil
}

func (s *MemoryStore) Release(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[handle]; !ok {
		if s.released[handle] {
			return ErrBlobReleased
		}
		return ErrBlobNotFound
	}
	delete(s.blobs, handle)
	s.released[handle] = true
	return nil
}

// Len reports the number of live blobs. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
