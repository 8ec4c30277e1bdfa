package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cinebaby/cinebaby/internal/platform/auth"
	"github.com/cinebaby/cinebaby/internal/platform/blobstore"
	"github.com/cinebaby/cinebaby/internal/platform/ident"
)

const qrEndpoint = "https://api.qrserver.com/v1/create-qr-code/"

// Service is the lifecycle engine over one authoritative Store. It owns id
// validation, parent checks, session scoping, and the cascading deletes
// that keep the three record kinds referentially consistent.
type Service struct {
	store   Store
	blobs   blobstore.Store
	baseURL string
	log     zerolog.Logger
}

func NewService(store Store, blobs blobstore.Store, publicBaseURL string, log zerolog.Logger) *Service {
	return &Service{
		store:   store,
		blobs:   blobs,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		log:     log,
	}
}

// Store exposes the authoritative store for read-only wiring (health
// checks, transfer).
func (s *Service) Store() Store { return s.store }

// ClinicCredentialByEmail resolves a clinic login. Satisfies the session
// gate's credential source.
func (s *Service) ClinicCredentialByEmail(ctx context.Context, email string) (string, string, error) {
	c, err := s.store.Clinics().GetByLoginEmail(ctx, email)
	if err != nil {
		return "", "", err
	}
	return c.ID, c.LoginSecretHash, nil
}

// --- clinics ---

func (s *Service) CreateClinic(ctx context.Context, sess auth.Session, name, address, city, loginEmail, secret string) (*Clinic, error) {
	if !sess.IsAdmin() {
		return nil, ErrForbidden
	}
	name = strings.TrimSpace(name)
	loginEmail = strings.ToLower(strings.TrimSpace(loginEmail))
	if name == "" || loginEmail == "" || secret == "" {
		return nil, fmt.Errorf("%w: name, login email and secret are required", ErrValidation)
	}

	hash, err := auth.HashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("hash clinic secret: %w", err)
	}

	now := time.Now().UTC()
	c := &Clinic{
		ID:              ident.New(),
		Name:            name,
		Address:         strings.TrimSpace(address),
		City:            strings.TrimSpace(city),
		LoginEmail:      loginEmail,
		LoginSecretHash: hash,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Clinics().Create(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info().Str("clinic_id", c.ID).Str("name", c.Name).Msg("clinic created")
	return c, nil
}

func (s *Service) GetClinic(ctx context.Context, sess auth.Session, id string) (*Clinic, error) {
	if !ident.IsValidID(id) {
		return nil, ErrInvalidID
	}
	if !sess.CanActOn(id) {
		return nil, ErrForbidden
	}
	return s.store.Clinics().Get(ctx, id)
}

func (s *Service) ListClinics(ctx context.Context, sess auth.Session) ([]*Clinic, error) {
	if !sess.IsAdmin() {
		return nil, ErrForbidden
	}
	return s.store.Clinics().List(ctx)
}

// UpdateClinic renames a clinic, changes its address, and optionally
// rotates its credentials. Empty fields leave the stored values untouched.
func (s *Service) UpdateClinic(ctx context.Context, sess auth.Session, id, name, address, city, loginEmail, secret string) (*Clinic, error) {
	if !ident.IsValidID(id) {
		return nil, ErrInvalidID
	}
	if !sess.IsAdmin() {
		return nil, ErrForbidden
	}

	c, err := s.store.Clinics().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if name = strings.TrimSpace(name); name != "" {
		c.Name = name
	}
	if address = strings.TrimSpace(address); address != "" {
		c.Address = address
	}
	if city = strings.TrimSpace(city); city != "" {
		c.City = city
	}
	if loginEmail = strings.ToLower(strings.TrimSpace(loginEmail)); loginEmail != "" {
		c.LoginEmail = loginEmail
	}
	if secret != "" {
		hash, err := auth.HashSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("hash clinic secret: %w", err)
		}
		c.LoginSecretHash = hash
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Clinics().Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteClinic removes a clinic together with all of its patients and their
// videos. Deleting an absent clinic succeeds. A failure midway returns
// ErrPartialDeletion; the records already removed stay removed and a retry
// resumes with whatever is left.
func (s *Service) DeleteClinic(ctx context.Context, sess auth.Session, id string) error {
	if !ident.IsValidID(id) {
		return ErrInvalidID
	}
	if !sess.IsAdmin() {
		return ErrForbidden
	}

	patients, err := s.store.Patients().ListByClinic(ctx, id)
	if err != nil {
		return err
	}
	var failed int
	for _, p := range patients {
		if err := s.deletePatientCascade(ctx, p.ID); err != nil {
			failed++
			s.log.Error().Err(err).Str("patient_id", p.ID).Str("clinic_id", id).
				Msg("cascade: patient deletion failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d patients not removed", ErrPartialDeletion, failed, len(patients))
	}

	if err := s.store.Clinics().Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: clinic record remains: %v", ErrPartialDeletion, err)
	}
	s.log.Info().Str("clinic_id", id).Int("patients", len(patients)).Msg("clinic deleted")
	return nil
}

// Stats counts a clinic's patients and videos.
func (s *Service) Stats(ctx context.Context, sess auth.Session, clinicID string) (*ClinicStats, error) {
	if !ident.IsValidID(clinicID) {
		return nil, ErrInvalidID
	}
	if !sess.CanActOn(clinicID) {
		return nil, ErrForbidden
	}
	if _, err := s.store.Clinics().Get(ctx, clinicID); err != nil {
		return nil, err
	}

	patients, err := s.store.Patients().ListByClinic(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	stats := &ClinicStats{ClinicID: clinicID, PatientCount: len(patients)}
	for _, p := range patients {
		videos, err := s.store.Videos().ListByPatient(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		stats.VideoCount += len(videos)
	}
	return stats, nil
}

// --- patients ---

func (s *Service) CreatePatient(ctx context.Context, sess auth.Session, clinicID, name, phone string) (*Patient, error) {
	if !ident.IsValidID(clinicID) {
		return nil, ErrInvalidID
	}
	if !sess.CanActOn(clinicID) {
		return nil, ErrForbidden
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: patient name is required", ErrValidation)
	}

	if _, err := s.store.Clinics().Get(ctx, clinicID); err != nil {
		if isNotFound(err) {
			return nil, ErrParentNotFound
		}
		return nil, err
	}

	now := time.Now().UTC()
	p := &Patient{
		ID:        ident.New(),
		ClinicID:  clinicID,
		Name:      name,
		Phone:     strings.TrimSpace(phone),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Patients().Create(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info().Str("patient_id", p.ID).Str("clinic_id", clinicID).Msg("patient created")
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, sess auth.Session, id string) (*Patient, error) {
	if !ident.IsValidID(id) {
		return nil, ErrInvalidID
	}
	p, err := s.store.Patients().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.CanActOn(p.ClinicID) {
		return nil, ErrForbidden
	}
	return p, nil
}

func (s *Service) ListPatients(ctx context.Context, sess auth.Session, clinicID string) ([]*Patient, error) {
	if !ident.IsValidID(clinicID) {
		return nil, ErrInvalidID
	}
	if !sess.CanActOn(clinicID) {
		return nil, ErrForbidden
	}
	return s.store.Patients().ListByClinic(ctx, clinicID)
}

// SearchPatients filters a clinic's patients by case-insensitive substring
// match on name or phone. An empty query returns everything.
func (s *Service) SearchPatients(ctx context.Context, sess auth.Session, clinicID, query string) ([]*Patient, error) {
	patients, err := s.ListPatients(ctx, sess, clinicID)
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return patients, nil
	}
	out := patients[:0]
	for _, p := range patients {
		if strings.Contains(strings.ToLower(p.Name), query) || strings.Contains(p.Phone, query) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) UpdatePatient(ctx context.Context, sess auth.Session, id, name, phone string) (*Patient, error) {
	p, err := s.GetPatient(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: patient name is required", ErrValidation)
	}
	p.Name = name
	if phone = strings.TrimSpace(phone); phone != "" {
		p.Phone = phone
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.Patients().Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePatient removes a patient and every video under them, media first.
// Deleting an absent patient succeeds.
func (s *Service) DeletePatient(ctx context.Context, sess auth.Session, id string) error {
	if !ident.IsValidID(id) {
		return ErrInvalidID
	}
	p, err := s.store.Patients().Get(ctx, id)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !sess.CanActOn(p.ClinicID) {
		return ErrForbidden
	}
	return s.deletePatientCascade(ctx, id)
}

func (s *Service) deletePatientCascade(ctx context.Context, id string) error {
	videos, err := s.store.Videos().ListByPatient(ctx, id)
	if err != nil {
		return err
	}
	var failed int
	for _, v := range videos {
		if err := s.deleteVideoRecord(ctx, v); err != nil {
			failed++
			s.log.Error().Err(err).Str("video_id", v.ID).Str("patient_id", id).
				Msg("cascade: video deletion failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d videos not removed", ErrPartialDeletion, failed, len(videos))
	}

	if err := s.store.Patients().Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: patient record remains: %v", ErrPartialDeletion, err)
	}
	s.log.Info().Str("patient_id", id).Int("videos", len(videos)).Msg("patient deleted")
	return nil
}

// GeneratePublicLink derives the shareable URL for a patient, persists it
// on the record, and returns it together with a QR image URL.
func (s *Service) GeneratePublicLink(ctx context.Context, sess auth.Session, patientID string) (link, qrURL string, err error) {
	p, err := s.GetPatient(ctx, sess, patientID)
	if err != nil {
		return "", "", err
	}

	link = s.baseURL + "/patient/" + p.ID
	if p.PublicLink != link {
		p.PublicLink = link
		p.UpdatedAt = time.Now().UTC()
		if err := s.store.Patients().Update(ctx, p); err != nil {
			return "", "", err
		}
	}
	qrURL = qrEndpoint + "?size=300x300&data=" + url.QueryEscape(link)
	return link, qrURL, nil
}

// --- videos ---

// UploadVideo stores the media first and the record second. The parent
// patient is checked before any byte is written; if the record write fails
// the stored blob is released again.
func (s *Service) UploadVideo(ctx context.Context, sess auth.Session, patientID, fileName, contentType string, content io.Reader) (*Video, error) {
	if !ident.IsValidID(patientID) {
		return nil, ErrInvalidID
	}
	p, err := s.store.Patients().Get(ctx, patientID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrParentNotFound
		}
		return nil, err
	}
	if !sess.CanActOn(p.ClinicID) {
		return nil, ErrForbidden
	}

	info, err := s.blobs.Put(ctx, fileName, contentType, content)
	if err != nil {
		return nil, err
	}

	v := &Video{
		ID:          ident.New(),
		PatientID:   patientID,
		FileName:    info.FileName,
		ContentType: info.ContentType,
		Size:        info.Size,
		FileHandle:  info.Handle,
		CreatedAt:   time.Now().UTC(),
	}
	v.FileURL = s.baseURL + "/public/videos/" + v.ID
	if err := s.store.Videos().Create(ctx, v); err != nil {
		if relErr := s.blobs.Release(ctx, info.Handle); relErr != nil && !blobstore.IsGone(relErr) {
			s.log.Error().Err(relErr).Str("handle", info.Handle).
				Msg("orphaned blob after failed video create")
		}
		return nil, err
	}
	s.log.Info().Str("video_id", v.ID).Str("patient_id", patientID).
		Int64("size", v.Size).Msg("video uploaded")
	return v, nil
}

func (s *Service) GetVideo(ctx context.Context, sess auth.Session, id string) (*Video, error) {
	if !ident.IsValidID(id) {
		return nil, ErrInvalidID
	}
	v, err := s.store.Videos().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.store.Patients().Get(ctx, v.PatientID)
	if err != nil {
		return nil, err
	}
	if !sess.CanActOn(p.ClinicID) {
		return nil, ErrForbidden
	}
	return v, nil
}

func (s *Service) ListVideos(ctx context.Context, sess auth.Session, patientID string) ([]*Video, error) {
	if _, err := s.GetPatient(ctx, sess, patientID); err != nil {
		return nil, err
	}
	return s.store.Videos().ListByPatient(ctx, patientID)
}

// OpenVideo streams the media of a video the session may see.
func (s *Service) OpenVideo(ctx context.Context, sess auth.Session, id string) (io.ReadCloser, *Video, error) {
	v, err := s.GetVideo(ctx, sess, id)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Open(ctx, v.FileHandle)
	if err != nil {
		return nil, nil, err
	}
	return rc, v, nil
}

// DeleteVideo releases the media first, then removes the record. Deleting
// an absent video succeeds; a record left behind after its media went away
// reports ErrPartialDeletion and a retry finishes the job.
func (s *Service) DeleteVideo(ctx context.Context, sess auth.Session, id string) error {
	if !ident.IsValidID(id) {
		return ErrInvalidID
	}
	v, err := s.store.Videos().Get(ctx, id)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	switch p, err := s.store.Patients().Get(ctx, v.PatientID); {
	case err == nil:
		if !sess.CanActOn(p.ClinicID) {
			return ErrForbidden
		}
	case isNotFound(err):
		// Dangling record, no parent left to scope against.
	default:
		return err
	}
	return s.deleteVideoRecord(ctx, v)
}

func (s *Service) deleteVideoRecord(ctx context.Context, v *Video) error {
	if v.FileHandle != "" {
		if err := s.blobs.Release(ctx, v.FileHandle); err != nil && !blobstore.IsGone(err) {
			return fmt.Errorf("release media for video %s: %w", v.ID, err)
		}
	}
	if err := s.store.Videos().Delete(ctx, v.ID); err != nil {
		return fmt.Errorf("%w: media released but record remains: %v", ErrPartialDeletion, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
