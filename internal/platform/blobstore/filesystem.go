package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FilesystemStore keeps blobs as files under a root directory with a JSON
// metadata sidecar per blob. Release removes both files and leaves a
// tombstone so a released handle stays distinguishable from an unknown one
// across process restarts.
type FilesystemStore struct {
	root    string
	maxSize int64
}

// NewFilesystemStore returns a filesystem-backed Store rooted at root,
// creating the directory if needed. maxSize <= 0 selects DefaultMaxSize.
func NewFilesystemStore(root string, maxSize int64) (*FilesystemStore, error) {
	if root == "" {
		root = "./data/videos"
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FilesystemStore{root: root, maxSize: maxSize}, nil
}

type sidecar struct {
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *FilesystemStore) dataPath(handle string) string {
	return filepath.Join(s.root, handle)
}

func (s *FilesystemStore) metaPath(handle string) string {
	return filepath.Join(s.root, handle+".meta")
}

func (s *FilesystemStore) tombstonePath(handle string) string {
	return filepath.Join(s.root, handle+".released")
}

func (s *FilesystemStore) Put(_ context.Context, fileName, contentType string, content io.Reader) (Info, error) {
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

	if err := os.WriteFile(s.dataPath(info.Handle), data, 0o644); err != nil {
		return Info{}, fmt.Errorf("write blob: %w", err)
	}
	meta, err := json.Marshal(sidecar{
		FileName:    info.FileName,
		ContentType: info.ContentType,
		Size:        info.Size,
		CreatedAt:   info.CreatedAt,
	})
	if err != nil {
		return Info{}, fmt.Errorf("marshal blob metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(info.Handle), meta, 0o644); err != nil {
		os.Remove(s.dataPath(info.Handle))
		return Info{}, fmt.Errorf("write blob metadata: %w", err)
	}

	return info, nil
}

func (s *FilesystemStore) Open(_ context.Context, handle string) (io.ReadCloser, *Info, error) {
	if err := checkHandle(handle); err != nil {
		return nil, nil, err
	}
	metaBytes, err := os.ReadFile(s.metaPath(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, s.goneErr(handle)
		}
		return nil, nil, fmt.Errorf("read blob metadata: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(metaBytes, &sc); err != nil {
		return nil, nil, fmt.Errorf("decode blob metadata: %w", err)
	}

	f, err := os.Open(s.dataPath(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, s.goneErr(handle)
		}
		return nil, nil, fmt.Errorf("open blob: %w", err)
	}

	info := Info{
		Handle:      handle,
		FileName:    sc.FileName,
		ContentType: sc.ContentType,
		Size:        sc.Size,
		CreatedAt:   sc.CreatedAt,
	}
	return f, &info, nil
}

func (s *FilesystemStore) Release(_ context.Context, handle string) error {
	if err := checkHandle(handle); err != nil {
		return err
	}
	if _, err := os.Stat(s.dataPath(handle)); err != nil {
		if os.IsNotExist(err) {
			return s.goneErr(handle)
		}
		return fmt.Errorf("stat blob: %w", err)
	}

	// Tombstone first so a crash between the two removals still reads as
	// released, never as a live handle.
	if err := os.WriteFile(s.tombstonePath(handle), nil, 0o644); err != nil {
		return fmt.Errorf("write tombstone: %w", err)
	}
	if err := os.Remove(s.dataPath(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob: %w", err)
	}
	if err := os.Remove(s.metaPath(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob metadata: %w", err)
	}
	return nil
}

func (s *FilesystemStore) goneErr(handle string) error {
	if _, err := os.Stat(s.tombstonePath(handle)); err == nil {
		return ErrBlobReleased
	}
	return ErrBlobNotFound
}
