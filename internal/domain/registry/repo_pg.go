package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore is the Postgres backend. All driver errors are translated into
// the package sentinels at this boundary.
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGStore builds a Store over an existing connection pool. The pool is
// closed by Close.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Clinics() ClinicRepository { return &clinicRepoPG{pool: s.pool} }
func (s *pgStore) Patients() PatientRepository { return &patientRepoPG{pool: s.pool} }
func (s *pgStore) Videos() VideoRepository { return &videoRepoPG{pool: s.pool} }

func (s *pgStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

// pgErr maps a driver error onto the package taxonomy.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) && pge.Code == "23505" {
		return ErrDuplicateID
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

type clinicRepoPG struct{ pool *pgxpool.Pool }

const clinicCols = `id, name, address, city, login_email, login_secret_hash, created_at, updated_at`

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.City, &c.LoginEmail, &c.LoginSecretHash, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, pgErr(err)
	}
	return &c, nil
}

func (r *clinicRepoPG) Create(ctx context.Context, c *Clinic) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO clinics (id, name, address, city, login_email, login_secret_hash, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.Name, c.Address, c.City, c.LoginEmail, c.LoginSecretHash, c.CreatedAt, c.UpdatedAt)
	return pgErr(err)
}

func (r *clinicRepoPG) Get(ctx context.Context, id string) (*Clinic, error) {
	return scanClinic(r.pool.QueryRow(ctx, `SELECT `+clinicCols+` FROM clinics WHERE id = $1`, id))
}

func (r *clinicRepoPG) GetByLoginEmail(ctx context.Context, email string) (*Clinic, error) {
	return scanClinic(r.pool.QueryRow(ctx, `SELECT `+clinicCols+` FROM clinics WHERE login_email = $1`, email))
}

func (r *clinicRepoPG) List(ctx context.Context) ([]*Clinic, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+clinicCols+` FROM clinics ORDER BY created_at, id`)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []*Clinic
	for rows.Next() {
		c, err := scanClinic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, pgErr(rows.Err())
}

func (r *clinicRepoPG) Update(ctx context.Context, c *Clinic) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE clinics SET name=$2, address=$3, city=$4, login_email=$5, login_secret_hash=$6, updated_at=$7
		WHERE id = $1`,
		c.ID, c.Name, c.Address, c.City, c.LoginEmail, c.LoginSecretHash, c.UpdatedAt)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *clinicRepoPG) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM clinics WHERE id = $1`, id)
	return pgErr(err)
}

type patientRepoPG struct{ pool *pgxpool.Pool }

const patientCols = `id, clinic_id, name, phone, public_link, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.ClinicID, &p.Name, &p.Phone, &p.PublicLink, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, pgErr(err)
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patients (id, clinic_id, name, phone, public_link, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.ClinicID, p.Name, p.Phone, p.PublicLink, p.CreatedAt, p.UpdatedAt)
	return pgErr(err)
}

func (r *patientRepoPG) Get(ctx context.Context, id string) (*Patient, error) {
	return scanPatient(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) ListByClinic(ctx context.Context, clinicID string) ([]*Patient, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+patientCols+` FROM patients WHERE clinic_id = $1 ORDER BY created_at, id`, clinicID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, pgErr(rows.Err())
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE patients SET name=$2, phone=$3, public_link=$4, updated_at=$5 WHERE id = $1`,
		p.ID, p.Name, p.Phone, p.PublicLink, p.UpdatedAt)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	return pgErr(err)
}

type videoRepoPG struct{ pool *pgxpool.Pool }

const videoCols = `id, patient_id, file_name, content_type, size, file_handle, file_url, created_at`

func scanVideo(row pgx.Row) (*Video, error) {
	var v Video
	err := row.Scan(&v.ID, &v.PatientID, &v.FileName, &v.ContentType, &v.Size, &v.FileHandle, &v.FileURL, &v.CreatedAt)
	if err != nil {
		return nil, pgErr(err)
	}
	return &v, nil
}

func (r *videoRepoPG) Create(ctx context.Context, v *Video) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO videos (id, patient_id, file_name, content_type, size, file_handle, file_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		v.ID, v.PatientID, v.FileName, v.ContentType, v.Size, v.FileHandle, v.FileURL, v.CreatedAt)
	return pgErr(err)
}

func (r *videoRepoPG) Get(ctx context.Context, id string) (*Video, error) {
	return scanVideo(r.pool.QueryRow(ctx, `SELECT `+videoCols+` FROM videos WHERE id = $1`, id))
}

func (r *videoRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*Video, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+videoCols+` FROM videos WHERE patient_id = $1 ORDER BY created_at DESC, id`, patientID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	var out []*Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, pgErr(rows.Err())
}

func (r *videoRepoPG) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	return pgErr(err)
}
