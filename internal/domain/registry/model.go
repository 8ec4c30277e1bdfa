// Package registry holds the record store and the lifecycle engine for the
// three record kinds the portal manages: clinics, the patients they enroll,
// and the videos uploaded for each patient. Referential integrity between
// the kinds is enforced here, not in any one backend, so every storage
// backend behaves the same way.
package registry

import "time"

// Clinic is a tenant of the portal. LoginSecretHash is a bcrypt hash; the
// raw secret is never stored and never leaves the login path.
type Clinic struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Address         string    `json:"address"`
	City            string    `json:"city"`
	LoginEmail      string    `json:"login_email"`
	LoginSecretHash string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Patient belongs to exactly one clinic. PublicLink is the shareable URL
// for the patient's video page; empty until a link has been generated.
type Patient struct {
	ID         string    `json:"id"`
	ClinicID   string    `json:"clinic_id"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	PublicLink string    `json:"public_link,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Video is the record of one uploaded ultrasound clip. FileHandle is the
// opaque reference into the blob store; FileURL is the serving path handed
// to clients. A video whose FileHandle is empty has lost its media and is
// hidden from the public surface.
type Video struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	FileHandle  string    `json:"-"`
	FileURL     string    `json:"file_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClinicStats is the per-clinic summary shown on the admin dashboard.
type ClinicStats struct {
	ClinicID     string `json:"clinic_id"`
	PatientCount int    `json:"patient_count"`
	VideoCount   int    `json:"video_count"`
}
