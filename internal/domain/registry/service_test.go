package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cinebaby/cinebaby/internal/platform/auth"
	"github.com/cinebaby/cinebaby/internal/platform/blobstore"
	"github.com/cinebaby/cinebaby/internal/platform/ident"
)

// memStore is an in-memory Store for service tests. failDelete and failGet
// let a test inject a bounded number of failures for a given record id to
// exercise the partial-deletion and backend-error paths.
type memStore struct {
	clinics    map[string]*Clinic
	patients   map[string]*Patient
	videos     map[string]*Video
	failDelete map[string]int
	failGet    map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		clinics:    map[string]*Clinic{},
		patients:   map[string]*Patient{},
		videos:     map[string]*Video{},
		failDelete: map[string]int{},
		failGet:    map[string]int{},
	}
}

func (m *memStore) deleteShouldFail(id string) bool {
	if m.failDelete[id] > 0 {
		m.failDelete[id]--
		return true
	}
	return false
}

func (m *memStore) Clinics() ClinicRepository   { return memClinics{m} }
func (m *memStore) Patients() PatientRepository { return memPatients{m} }
func (m *memStore) Videos() VideoRepository     { return memVideos{m} }
func (m *memStore) Ping(context.Context) error  { return nil }
func (m *memStore) Close() error                { return nil }

type memClinics struct{ s *memStore }

func (r memClinics) Create(_ context.Context, c *Clinic) error {
	if _, ok := r.s.clinics[c.ID]; ok {
		return ErrDuplicateID
	}
	cp := *c
	r.s.clinics[c.ID] = &cp
	return nil
}

func (r memClinics) Get(_ context.Context, id string) (*Clinic, error) {
	c, ok := r.s.clinics[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r memClinics) GetByLoginEmail(_ context.Context, email string) (*Clinic, error) {
	for _, c := range r.s.clinics {
		if c.LoginEmail == email {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r memClinics) List(_ context.Context) ([]*Clinic, error) {
	var out []*Clinic
	for _, c := range r.s.clinics {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memClinics) Update(_ context.Context, c *Clinic) error {
	if _, ok := r.s.clinics[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	r.s.clinics[c.ID] = &cp
	return nil
}

func (r memClinics) Delete(_ context.Context, id string) error {
	if r.s.deleteShouldFail(id) {
		return errors.New("injected clinic delete failure")
	}
	delete(r.s.clinics, id)
	return nil
}

type memPatients struct{ s *memStore }

func (r memPatients) Create(_ context.Context, p *Patient) error {
	if _, ok := r.s.patients[p.ID]; ok {
		return ErrDuplicateID
	}
	cp := *p
	r.s.patients[p.ID] = &cp
	return nil
}

func (r memPatients) Get(_ context.Context, id string) (*Patient, error) {
	if r.s.failGet[id] > 0 {
		r.s.failGet[id]--
		return nil, errors.New("injected patient get failure")
	}
	p, ok := r.s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r memPatients) ListByClinic(_ context.Context, clinicID string) ([]*Patient, error) {
	var out []*Patient
	for _, p := range r.s.patients {
		if p.ClinicID == clinicID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r memPatients) Update(_ context.Context, p *Patient) error {
	if _, ok := r.s.patients[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	r.s.patients[p.ID] = &cp
	return nil
}

func (r memPatients) Delete(_ context.Context, id string) error {
	if r.s.deleteShouldFail(id) {
		return errors.New("injected patient delete failure")
	}
	delete(r.s.patients, id)
	return nil
}

type memVideos struct{ s *memStore }

func (r memVideos) Create(_ context.Context, v *Video) error {
	if _, ok := r.s.videos[v.ID]; ok {
		return ErrDuplicateID
	}
	if r.s.failDelete["create:"+v.PatientID] > 0 {
		r.s.failDelete["create:"+v.PatientID]--
		return errors.New("injected video create failure")
	}
	cp := *v
	r.s.videos[v.ID] = &cp
	return nil
}

func (r memVideos) Get(_ context.Context, id string) (*Video, error) {
	v, ok := r.s.videos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (r memVideos) ListByPatient(_ context.Context, patientID string) ([]*Video, error) {
	var out []*Video
	for _, v := range r.s.videos {
		if v.PatientID == patientID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r memVideos) Delete(_ context.Context, id string) error {
	if r.s.deleteShouldFail(id) {
		return errors.New("injected video delete failure")
	}
	delete(r.s.videos, id)
	return nil
}

var (
	adminSess = auth.Session{UserID: "admin", Role: auth.RoleAdmin}
)

func newTestService(t *testing.T) (*Service, *memStore, *blobstore.MemoryStore) {
	t.Helper()
	store := newMemStore()
	blobs := blobstore.NewMemoryStore(0)
	svc := NewService(store, blobs, "https://cinebaby.online", zerolog.Nop())
	return svc, store, blobs
}

func mustCreateClinic(t *testing.T, svc *Service) *Clinic {
	t.Helper()
	c, err := svc.CreateClinic(context.Background(), adminSess, "Clinica Aurora", "Rua das Flores 12", "Lisboa", "aurora@example.com", "s3cret")
	if err != nil {
		t.Fatalf("CreateClinic: %v", err)
	}
	return c
}

func mustCreatePatient(t *testing.T, svc *Service, sess auth.Session, clinicID, name string) *Patient {
	t.Helper()
	p, err := svc.CreatePatient(context.Background(), sess, clinicID, name, "")
	if err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	return p
}

func mustUpload(t *testing.T, svc *Service, sess auth.Session, patientID string) *Video {
	t.Helper()
	v, err := svc.UploadVideo(context.Background(), sess, patientID, "scan.mp4", "video/mp4", strings.NewReader("frames"))
	if err != nil {
		t.Fatalf("UploadVideo: %v", err)
	}
	return v
}

func TestCreateClinicMintsUUID(t *testing.T) {
	svc, store, _ := newTestService(t)

	c := mustCreateClinic(t, svc)
	if !ident.IsUUID(c.ID) {
		t.Fatalf("clinic id %q is not a UUID", c.ID)
	}
	if stored := store.clinics[c.ID]; stored == nil {
		t.Fatal("clinic not persisted")
	} else if stored.LoginSecretHash == "" || stored.LoginSecretHash == "s3cret" {
		t.Fatal("secret must be stored as a hash")
	}
}

func TestClinicAndPatientContactFields(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	c := mustCreateClinic(t, svc)
	if c.Address != "Rua das Flores 12" || c.City != "Lisboa" {
		t.Fatalf("clinic contact fields not kept: %+v", c)
	}

	c, err := svc.UpdateClinic(ctx, adminSess, c.ID, "", "Av. Nova 3", "Braga", "", "")
	if err != nil {
		t.Fatalf("UpdateClinic: %v", err)
	}
	if c.Address != "Av. Nova 3" || c.City != "Braga" {
		t.Fatalf("clinic contact fields not updated: %+v", c)
	}

	p, err := svc.CreatePatient(ctx, adminSess, c.ID, "Maria", "+351 912 345 678")
	if err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if p.Phone != "+351 912 345 678" {
		t.Fatalf("phone = %q", p.Phone)
	}

	p, err = svc.UpdatePatient(ctx, adminSess, p.ID, "Maria", "+351 913 000 000")
	if err != nil {
		t.Fatalf("UpdatePatient: %v", err)
	}
	if p.Phone != "+351 913 000 000" {
		t.Fatalf("phone after update = %q", p.Phone)
	}
}

func TestCreatePatientRequiresParent(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreatePatient(context.Background(), adminSess, ident.New(), "Maria", "")
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("got %v, want ErrParentNotFound", err)
	}
}

func TestUploadRequiresParentBeforeBlobWrite(t *testing.T) {
	svc, _, blobs := newTestService(t)

	_, err := svc.UploadVideo(context.Background(), adminSess, ident.New(), "scan.mp4", "video/mp4", strings.NewReader("x"))
	if !errors.Is(err, ErrParentNotFound) {
		t.Fatalf("got %v, want ErrParentNotFound", err)
	}
	if blobs.Len() != 0 {
		t.Fatalf("blob written despite missing parent: %d blobs", blobs.Len())
	}
}

func TestUploadReleasesBlobWhenRecordCreateFails(t *testing.T) {
	svc, store, blobs := newTestService(t)
	c := mustCreateClinic(t, svc)
	p := mustCreatePatient(t, svc, adminSess, c.ID, "Maria")

	store.failDelete["create:"+p.ID] = 1
	_, err := svc.UploadVideo(context.Background(), adminSess, p.ID, "scan.mp4", "video/mp4", strings.NewReader("x"))
	if err == nil {
		t.Fatal("expected create failure")
	}
	if blobs.Len() != 0 {
		t.Fatalf("orphan blob left behind: %d blobs", blobs.Len())
	}
}

func TestDeletePatientCascades(t *testing.T) {
	svc, store, blobs := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)
	p := mustCreatePatient(t, svc, adminSess, c.ID, "Maria")
	v1 := mustUpload(t, svc, adminSess, p.ID)
	v2 := mustUpload(t, svc, adminSess, p.ID)

	if err := svc.DeletePatient(ctx, adminSess, p.ID); err != nil {
		t.Fatalf("DeletePatient: %v", err)
	}

	if _, ok := store.patients[p.ID]; ok {
		t.Fatal("patient record survived")
	}
	for _, id := range []string{v1.ID, v2.ID} {
		if _, ok := store.videos[id]; ok {
			t.Fatalf("video %s survived cascade", id)
		}
	}
	for _, v := range []*Video{v1, v2} {
		if _, _, err := blobs.Open(ctx, v.FileHandle); !blobstore.IsGone(err) {
			t.Fatalf("blob %s not released: %v", v.FileHandle, err)
		}
	}
	if _, ok := store.clinics[c.ID]; !ok {
		t.Fatal("clinic must survive a patient deletion")
	}
}

func TestDeleteClinicCascades(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)
	p1 := mustCreatePatient(t, svc, adminSess, c.ID, "Maria")
	p2 := mustCreatePatient(t, svc, adminSess, c.ID, "Joana")
	mustUpload(t, svc, adminSess, p1.ID)
	mustUpload(t, svc, adminSess, p2.ID)

	if err := svc.DeleteClinic(ctx, adminSess, c.ID); err != nil {
		t.Fatalf("DeleteClinic: %v", err)
	}
	if len(store.clinics)+len(store.patients)+len(store.videos) != 0 {
		t.Fatalf("records survived: %d clinics, %d patients, %d videos",
			len(store.clinics), len(store.patients), len(store.videos))
	}
}

func TestPartialDeletionIsRetriable(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)
	p := mustCreatePatient(t, svc, adminSess, c.ID, "Maria")
	v1 := mustUpload(t, svc, adminSess, p.ID)
	v2 := mustUpload(t, svc, adminSess, p.ID)

	store.failDelete[v2.ID] = 1
	err := svc.DeletePatient(ctx, adminSess, p.ID)
	if !errors.Is(err, ErrPartialDeletion) {
		t.Fatalf("got %v, want ErrPartialDeletion", err)
	}
	if _, ok := store.patients[p.ID]; !ok {
		t.Fatal("patient record must remain while children exist")
	}
	if _, ok := store.videos[v1.ID]; ok {
		t.Fatal("successfully deleted video should stay deleted")
	}

	// The retry finishes the cascade, releasing nothing twice.
	if err := svc.DeletePatient(ctx, adminSess, p.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(store.patients)+len(store.videos) != 0 {
		t.Fatal("retry did not complete the cascade")
	}
}

func TestDeletesAreIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)
	p := mustCreatePatient(t, svc, adminSess, c.ID, "Maria")
	v := mustUpload(t, svc, adminSess, p.ID)

	for i := 0; i < 2; i++ {
		if err := svc.DeleteVideo(ctx, adminSess, v.ID); err != nil {
			t.Fatalf("DeleteVideo #%d: %v", i+1, err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := svc.DeletePatient(ctx, adminSess, p.ID); err != nil {
			t.Fatalf("DeletePatient #%d: %v", i+1, err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := svc.DeleteClinic(ctx, adminSess, c.ID); err != nil {
			t.Fatalf("DeleteClinic #%d: %v", i+1, err)
		}
	}
}

func TestDeleteVideoBlockedOnParentLookupError(t *testing.T) {
	svc, store, blobs := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)
	p := mustCreatePatient(t, svc, adminSess, c.ID, "Maria")
	v := mustUpload(t, svc, adminSess, p.ID)

	// A backend error while resolving the parent must stop the delete;
	// proceeding would skip the clinic scope check.
	store.failGet[p.ID] = 1
	clinicSess := auth.Session{UserID: c.ID, Role: auth.RoleClinic, ClinicID: c.ID}
	if err := svc.DeleteVideo(ctx, clinicSess, v.ID); err == nil || errors.Is(err, ErrForbidden) {
		t.Fatalf("got %v, want the lookup error", err)
	}
	if _, ok := store.videos[v.ID]; !ok {
		t.Fatal("video removed despite failed parent lookup")
	}
	if blobs.Len() != 1 {
		t.Fatal("media released despite failed parent lookup")
	}

	// Once the backend recovers the same call goes through.
	if err := svc.DeleteVideo(ctx, clinicSess, v.ID); err != nil {
		t.Fatalf("DeleteVideo after recovery: %v", err)
	}
}

func TestInvalidIDRejectedBeforeStore(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"", "123", "abc", "not-a-uuid", "12345678-1234-6234-1234-123456789012"} {
		if _, err := svc.GetPatient(ctx, adminSess, id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("GetPatient(%q): got %v, want ErrInvalidID", id, err)
		}
		if err := svc.DeletePatient(ctx, adminSess, id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("DeletePatient(%q): got %v, want ErrInvalidID", id, err)
		}
	}
}

func TestLegacyIDReadable(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)

	// A record imported from the old timestamp scheme stays addressable.
	legacy := &Patient{ID: "1700000000000", ClinicID: c.ID, Name: "Old Record", CreatedAt: time.Now()}
	store.patients[legacy.ID] = legacy

	got, err := svc.GetPatient(ctx, adminSess, legacy.ID)
	if err != nil {
		t.Fatalf("GetPatient(legacy): %v", err)
	}
	if got.Name != "Old Record" {
		t.Fatalf("got %+v", got)
	}
}

func TestClinicScoping(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c1 := mustCreateClinic(t, svc)
	c2, err := svc.CreateClinic(ctx, adminSess, "Clinica Boreal", "Av. Central 5", "Porto", "boreal@example.com", "s3cret")
	if err != nil {
		t.Fatalf("CreateClinic: %v", err)
	}
	p2 := mustCreatePatient(t, svc, adminSess, c2.ID, "Joana")

	sess1 := auth.Session{UserID: c1.ID, Role: auth.RoleClinic, ClinicID: c1.ID}

	if _, err := svc.GetPatient(ctx, sess1, p2.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-clinic read: got %v, want ErrForbidden", err)
	}
	if _, err := svc.ListPatients(ctx, sess1, c2.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-clinic list: got %v, want ErrForbidden", err)
	}
	if _, err := svc.CreatePatient(ctx, sess1, c2.ID, "Eve", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-clinic create: got %v, want ErrForbidden", err)
	}
	if _, err := svc.ListClinics(ctx, sess1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("clinic listing clinics: got %v, want ErrForbidden", err)
	}

	// Own records stay reachable.
	own := mustCreatePatient(t, svc, sess1, c1.ID, "Maria")
	if _, err := svc.GetPatient(ctx, sess1, own.ID); err != nil {
		t.Fatalf("own read: %v", err)
	}
}

func TestGeneratePublicLink(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)
	p := mustCreatePatient(t, svc, adminSess, c.ID, "Maria")

	link, qrURL, err := svc.GeneratePublicLink(ctx, adminSess, p.ID)
	if err != nil {
		t.Fatalf("GeneratePublicLink: %v", err)
	}
	want := "https://cinebaby.online/patient/" + p.ID
	if link != want {
		t.Fatalf("link = %q, want %q", link, want)
	}
	if !strings.HasPrefix(qrURL, "https://api.qrserver.com/v1/create-qr-code/?size=300x300&data=") {
		t.Fatalf("qr url = %q", qrURL)
	}
	if !strings.Contains(qrURL, "cinebaby.online%2Fpatient%2F") {
		t.Fatalf("qr url does not embed the escaped link: %q", qrURL)
	}
	if store.patients[p.ID].PublicLink != want {
		t.Fatal("public link not persisted")
	}
}

func TestStats(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)
	p1 := mustCreatePatient(t, svc, adminSess, c.ID, "Maria")
	p2 := mustCreatePatient(t, svc, adminSess, c.ID, "Joana")
	mustUpload(t, svc, adminSess, p1.ID)
	mustUpload(t, svc, adminSess, p1.ID)
	mustUpload(t, svc, adminSess, p2.ID)

	stats, err := svc.Stats(ctx, adminSess, c.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PatientCount != 2 || stats.VideoCount != 3 {
		t.Fatalf("got %+v", stats)
	}
}

func TestSearchPatients(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	c := mustCreateClinic(t, svc)
	if _, err := svc.CreatePatient(ctx, adminSess, c.ID, "Maria Silva", "912345678"); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if _, err := svc.CreatePatient(ctx, adminSess, c.ID, "Joana Costa", "936111222"); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}

	got, err := svc.SearchPatients(ctx, adminSess, c.ID, "silva")
	if err != nil {
		t.Fatalf("SearchPatients: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Maria Silva" {
		t.Fatalf("got %d results", len(got))
	}

	byPhone, err := svc.SearchPatients(ctx, adminSess, c.ID, "936111")
	if err != nil {
		t.Fatalf("SearchPatients(phone): %v", err)
	}
	if len(byPhone) != 1 || byPhone[0].Name != "Joana Costa" {
		t.Fatalf("phone search returned %d results", len(byPhone))
	}

	all, err := svc.SearchPatients(ctx, adminSess, c.ID, "")
	if err != nil {
		t.Fatalf("SearchPatients(empty): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("empty query returned %d", len(all))
	}
}

func TestClinicCredentialByEmail(t *testing.T) {
	svc, _, _ := newTestService(t)
	c := mustCreateClinic(t, svc)

	id, hash, err := svc.ClinicCredentialByEmail(context.Background(), "aurora@example.com")
	if err != nil {
		t.Fatalf("ClinicCredentialByEmail: %v", err)
	}
	if id != c.ID || hash == "" {
		t.Fatalf("got id=%q hash=%q", id, hash)
	}
	if _, _, err := svc.ClinicCredentialByEmail(context.Background(), "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
