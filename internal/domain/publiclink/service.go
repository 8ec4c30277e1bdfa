// Package publiclink is the unauthenticated read path. Anyone holding a
// patient's link may view that patient's videos; no session is involved.
// The resolver validates the id shape before touching storage and reports
// a single indistinguishable failure for malformed and unknown ids, so the
// public surface never confirms whether an identifier exists.
package publiclink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/cinebaby/cinebaby/internal/domain/registry"
	"github.com/cinebaby/cinebaby/internal/platform/blobstore"
	"github.com/cinebaby/cinebaby/internal/platform/ident"
)

// ErrNotResolvable is the only failure the public surface reports for a
// patient link, whatever the underlying cause.
var ErrNotResolvable = errors.New("link cannot be resolved")

// Page is everything the public patient page needs.
type Page struct {
	PatientID   string      `json:"patient_id"`
	PatientName string      `json:"patient_name"`
	ClinicName  string      `json:"clinic_name,omitempty"`
	Videos      []PageVideo `json:"videos"`
}

// PageVideo is the public projection of a video record.
type PageVideo struct {
	ID          string    `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	FileURL     string    `json:"file_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Service resolves public links against the authoritative store.
type Service struct {
	clinics  registry.ClinicRepository
	patients registry.PatientRepository
	videos   registry.VideoRepository
	blobs    blobstore.Store
	log      zerolog.Logger
}

func NewService(store registry.Store, blobs blobstore.Store, log zerolog.Logger) *Service {
	return &Service{
		clinics:  store.Clinics(),
		patients: store.Patients(),
		videos:   store.Videos(),
		blobs:    blobs,
		log:      log,
	}
}

// Resolve turns a patient id from a shared link into the public page.
// Malformed ids are rejected without a storage lookup; the caller cannot
// tell that case apart from an unknown id.
func (s *Service) Resolve(ctx context.Context, patientID string) (*Page, error) {
	if !ident.IsValidID(patientID) {
		s.log.Debug().Str("patient_id", patientID).Msg("public link: malformed id")
		return nil, ErrNotResolvable
	}

	p, err := s.patients.Get(ctx, patientID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			s.log.Debug().Str("patient_id", patientID).Msg("public link: unknown patient")
			return nil, ErrNotResolvable
		}
		return nil, err
	}

	page := &Page{PatientID: p.ID, PatientName: p.Name, Videos: []PageVideo{}}

	if c, err := s.clinics.Get(ctx, p.ClinicID); err == nil {
		page.ClinicName = c.Name
	}

	videos, err := s.videos.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, v := range videos {
		if v.FileHandle == "" {
			// Media is gone; the record is invisible here.
			continue
		}
		page.Videos = append(page.Videos, PageVideo{
			ID:          v.ID,
			FileName:    v.FileName,
			ContentType: v.ContentType,
			FileURL:     v.FileURL,
			CreatedAt:   v.CreatedAt,
		})
	}
	return page, nil
}

// OpenVideo streams a video's media for the public page. The same collapsed
// failure covers malformed ids, unknown videos, and released media.
func (s *Service) OpenVideo(ctx context.Context, videoID string) (io.ReadCloser, *registry.Video, error) {
	if !ident.IsValidID(videoID) {
		return nil, nil, ErrNotResolvable
	}
	v, err := s.videos.Get(ctx, videoID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, nil, ErrNotResolvable
		}
		return nil, nil, err
	}
	if v.FileHandle == "" {
		return nil, nil, ErrNotResolvable
	}
	rc, _, err := s.blobs.Open(ctx, v.FileHandle)
	if err != nil {
		if blobstore.IsGone(err) {
			return nil, nil, ErrNotResolvable
		}
		return nil, nil, fmt.Errorf("open media for video %s: %w", v.ID, err)
	}
	return rc, v, nil
}
