package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cinebaby/cinebaby/internal/platform/ident"
)

func newTestKV(t *testing.T) Store {
	t.Helper()
	store, err := NewKVStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKVStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKVClinicRoundTrip(t *testing.T) {
	store := newTestKV(t)
	ctx := context.Background()

	c := &Clinic{
		ID:              ident.New(),
		Name:            "Clinica Aurora",
		Address:         "Rua das Flores 12",
		City:            "Lisboa",
		LoginEmail:      "aurora@example.com",
		LoginSecretHash: "$2a$10$hash",
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
		UpdatedAt:       time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := store.Clinics().Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Clinics().Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != c.Name || got.LoginSecretHash != c.LoginSecretHash {
		t.Fatalf("got %+v", got)
	}
	if got.Address != c.Address || got.City != c.City {
		t.Fatalf("contact fields lost: %+v", got)
	}

	byEmail, err := store.Clinics().GetByLoginEmail(ctx, "aurora@example.com")
	if err != nil {
		t.Fatalf("GetByLoginEmail: %v", err)
	}
	if byEmail.ID != c.ID {
		t.Fatalf("email index resolved %q", byEmail.ID)
	}

	if err := store.Clinics().Create(ctx, c); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate create: got %v", err)
	}
}

func TestKVClinicEmailIndexFollowsUpdate(t *testing.T) {
	store := newTestKV(t)
	ctx := context.Background()

	c := &Clinic{ID: ident.New(), Name: "Aurora", LoginEmail: "old@example.com", CreatedAt: time.Now()}
	if err := store.Clinics().Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	c.LoginEmail = "new@example.com"
	if err := store.Clinics().Update(ctx, c); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := store.Clinics().GetByLoginEmail(ctx, "old@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale index survived: %v", err)
	}
	if got, err := store.Clinics().GetByLoginEmail(ctx, "new@example.com"); err != nil || got.ID != c.ID {
		t.Fatalf("new index: %v", err)
	}
}

func TestKVPatientListOrderAndIndexCleanup(t *testing.T) {
	store := newTestKV(t)
	ctx := context.Background()
	clinicID := ident.New()

	base := time.Now().UTC()
	older := &Patient{ID: ident.New(), ClinicID: clinicID, Name: "First", Phone: "912345678", CreatedAt: base.Add(-time.Hour)}
	newer := &Patient{ID: ident.New(), ClinicID: clinicID, Name: "Second", CreatedAt: base}
	// Insert newest first so list order cannot come from insertion order.
	for _, p := range []*Patient{newer, older} {
		if err := store.Patients().Create(ctx, p); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := store.Patients().ListByClinic(ctx, clinicID)
	if err != nil {
		t.Fatalf("ListByClinic: %v", err)
	}
	if len(got) != 2 || got[0].Name != "First" || got[1].Name != "Second" {
		t.Fatalf("wrong order: %+v", got)
	}
	if got[0].Phone != "912345678" {
		t.Fatalf("phone lost: %+v", got[0])
	}

	if err := store.Patients().Delete(ctx, older.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	// Idempotent.
	if err := store.Patients().Delete(ctx, older.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	got, err = store.Patients().ListByClinic(ctx, clinicID)
	if err != nil {
		t.Fatalf("ListByClinic after delete: %v", err)
	}
	if len(got) != 1 || got[0].ID != newer.ID {
		t.Fatalf("index not cleaned: %+v", got)
	}
}

func TestKVVideoNewestFirstAndHandleSurvives(t *testing.T) {
	store := newTestKV(t)
	ctx := context.Background()
	patientID := ident.New()

	base := time.Now().UTC()
	v1 := &Video{ID: ident.New(), PatientID: patientID, FileName: "a.mp4", FileHandle: "h1", CreatedAt: base.Add(-time.Minute)}
	v2 := &Video{ID: ident.New(), PatientID: patientID, FileName: "b.mp4", FileHandle: "h2", CreatedAt: base}
	for _, v := range []*Video{v1, v2} {
		if err := store.Videos().Create(ctx, v); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := store.Videos().ListByPatient(ctx, patientID)
	if err != nil {
		t.Fatalf("ListByPatient: %v", err)
	}
	if len(got) != 2 || got[0].ID != v2.ID {
		t.Fatalf("want newest first, got %+v", got)
	}
	if got[0].FileHandle != "h2" {
		t.Fatal("blob handle lost on round trip")
	}
}

func TestKVNotFound(t *testing.T) {
	store := newTestKV(t)
	ctx := context.Background()

	if _, err := store.Clinics().Get(ctx, ident.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("clinic: %v", err)
	}
	if _, err := store.Patients().Get(ctx, ident.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("patient: %v", err)
	}
	if _, err := store.Videos().Get(ctx, ident.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("video: %v", err)
	}
}
