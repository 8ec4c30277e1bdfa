package registry

import "context"

// ClinicRepository persists clinic records. Delete is idempotent: removing
// an absent record is not an error.
type ClinicRepository interface {
	Create(ctx context.Context, c *Clinic) error
	Get(ctx context.Context, id string) (*Clinic, error)
	GetByLoginEmail(ctx context.Context, email string) (*Clinic, error)
	List(ctx context.Context) ([]*Clinic, error)
	Update(ctx context.Context, c *Clinic) error
	Delete(ctx context.Context, id string) error
}

// PatientRepository persists patient records. ListByClinic returns patients
// ordered by creation time, oldest first.
type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	Get(ctx context.Context, id string) (*Patient, error)
	ListByClinic(ctx context.Context, clinicID string) ([]*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id string) error
}

// VideoRepository persists video records. ListByPatient returns videos
// ordered by creation time, newest first.
type VideoRepository interface {
	Create(ctx context.Context, v *Video) error
	Get(ctx context.Context, id string) (*Video, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Video, error)
	Delete(ctx context.Context, id string) error
}

// Store bundles the three repositories of one storage backend. Exactly one
// Store is authoritative for a running server.
type Store interface {
	Clinics() ClinicRepository
	Patients() PatientRepository
	Videos() VideoRepository
	Ping(ctx context.Context) error
	Close() error
}
