package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// kvStore is the embedded key-value backend over LevelDB. Records are JSON
// values under a type prefix; parent-child lookups go through index keys
// written in the same batch as the record they point at.
//
// Key layout:
//
//	clinic/<id>                         clinic JSON
//	clinic.byemail/<email>              clinic id
//	patient/<id>                        patient JSON
//	patient.byclinic/<clinicID>/<id>    (empty)
//	video/<id>                          video JSON
//	video.bypatient/<patientID>/<id>    (empty)
type kvStore struct {
	db *leveldb.DB
}

// NewKVStore opens (or creates) the LevelDB database at path.
func NewKVStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open leveldb %s: %v", ErrBackendUnavailable, path, err)
	}
	return &kvStore{db: db}, nil
}

func (s *kvStore) Clinics() ClinicRepository { return &clinicRepoKV{db: s.db} }
func (s *kvStore) Patients() PatientRepository { return &patientRepoKV{db: s.db} }
func (s *kvStore) Videos() VideoRepository { return &videoRepoKV{db: s.db} }

func (s *kvStore) Ping(_ context.Context) error {
	// A point read on a key that cannot exist exercises the backend.
	if _, err := s.db.Has([]byte("\x00ping"), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (s *kvStore) Close() error { return s.db.Close() }

func kvErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, leveldb.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

func kvGet(db *leveldb.DB, key string, out interface{}) error {
	raw, err := db.Get([]byte(key), nil)
	if err != nil {
		return kvErr(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrBackendUnavailable, key, err)
	}
	return nil
}

func kvExists(db *leveldb.DB, key string) (bool, error) {
	ok, err := db.Has([]byte(key), nil)
	if err != nil {
		return false, kvErr(err)
	}
	return ok, nil
}

type clinicRepoKV struct{ db *leveldb.DB }

// clinicDoc carries the secret hash, which the public JSON tags of Clinic
// deliberately drop.
type clinicDoc struct {
	Clinic
	SecretHash string `json:"secret_hash"`
}

func (r *clinicRepoKV) Create(ctx context.Context, c *Clinic) error {
	if ok, err := kvExists(r.db, "clinic/"+c.ID); err != nil {
		return err
	} else if ok {
		return ErrDuplicateID
	}
	if ok, err := kvExists(r.db, "clinic.byemail/"+c.LoginEmail); err != nil {
		return err
	} else if ok {
		return ErrDuplicateID
	}

	raw, err := json.Marshal(clinicDoc{Clinic: *c, SecretHash: c.LoginSecretHash})
	if err != nil {
		return fmt.Errorf("%w: encode clinic: %v", ErrBackendUnavailable, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte("clinic/"+c.ID), raw)
	batch.Put([]byte("clinic.byemail/"+c.LoginEmail), []byte(c.ID))
	return kvErr(r.db.Write(batch, nil))
}

func (r *clinicRepoKV) Get(ctx context.Context, id string) (*Clinic, error) {
	var doc clinicDoc
	if err := kvGet(r.db, "clinic/"+id, &doc); err != nil {
		return nil, err
	}
	c := doc.Clinic
	c.LoginSecretHash = doc.SecretHash
	return &c, nil
}

func (r *clinicRepoKV) GetByLoginEmail(ctx context.Context, email string) (*Clinic, error) {
	id, err := r.db.Get([]byte("clinic.byemail/"+email), nil)
	if err != nil {
		return nil, kvErr(err)
	}
	return r.Get(ctx, string(id))
}

func (r *clinicRepoKV) List(ctx context.Context) ([]*Clinic, error) {
	iter := r.db.NewIterator(util.BytesPrefix([]byte("clinic/")), nil)
	defer iter.Release()

	var out []*Clinic
	for iter.Next() {
		var doc clinicDoc
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrBackendUnavailable, iter.Key(), err)
		}
		c := doc.Clinic
		c.LoginSecretHash = doc.SecretHash
		out = append(out, &c)
	}
	if err := iter.Error(); err != nil {
		return nil, kvErr(err)
	}
	sortByCreated(out, func(c *Clinic) (int64, string) { return c.CreatedAt.UnixNano(), c.ID })
	return out, nil
}

func (r *clinicRepoKV) Update(ctx context.Context, c *Clinic) error {
	prev, err := r.Get(ctx, c.ID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(clinicDoc{Clinic: *c, SecretHash: c.LoginSecretHash})
	if err != nil {
		return fmt.Errorf("%w: encode clinic: %v", ErrBackendUnavailable, err)
	}
	batch := new(leveldb.Batch)
	if prev.LoginEmail != c.LoginEmail {
		batch.Delete([]byte("clinic.byemail/" + prev.LoginEmail))
		batch.Put([]byte("clinic.byemail/"+c.LoginEmail), []byte(c.ID))
	}
	batch.Put([]byte("clinic/"+c.ID), raw)
	return kvErr(r.db.Write(batch, nil))
}

func (r *clinicRepoKV) Delete(ctx context.Context, id string) error {
	prev, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte("clinic/" + id))
	batch.Delete([]byte("clinic.byemail/" + prev.LoginEmail))
	return kvErr(r.db.Write(batch, nil))
}

type patientRepoKV struct{ db *leveldb.DB }

func (r *patientRepoKV) Create(ctx context.Context, p *Patient) error {
	if ok, err := kvExists(r.db, "patient/"+p.ID); err != nil {
		return err
	} else if ok {
		return ErrDuplicateID
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encode patient: %v", ErrBackendUnavailable, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte("patient/"+p.ID), raw)
	batch.Put([]byte("patient.byclinic/"+p.ClinicID+"/"+p.ID), nil)
	return kvErr(r.db.Write(batch, nil))
}

func (r *patientRepoKV) Get(ctx context.Context, id string) (*Patient, error) {
	var p Patient
	if err := kvGet(r.db, "patient/"+id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoKV) ListByClinic(ctx context.Context, clinicID string) ([]*Patient, error) {
	iter := r.db.NewIterator(util.BytesPrefix([]byte("patient.byclinic/"+clinicID+"/")), nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		key := string(iter.Key())
		ids = append(ids, key[len("patient.byclinic/"+clinicID+"/"):])
	}
	if err := iter.Error(); err != nil {
		return nil, kvErr(err)
	}

	out := make([]*Patient, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // dangling index entry
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sortByCreated(out, func(p *Patient) (int64, string) { return p.CreatedAt.UnixNano(), p.ID })
	return out, nil
}

func (r *patientRepoKV) Update(ctx context.Context, p *Patient) error {
	if _, err := r.Get(ctx, p.ID); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encode patient: %v", ErrBackendUnavailable, err)
	}
	return kvErr(r.db.Put([]byte("patient/"+p.ID), raw, nil))
}

func (r *patientRepoKV) Delete(ctx context.Context, id string) error {
	prev, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte("patient/" + id))
	batch.Delete([]byte("patient.byclinic/" + prev.ClinicID + "/" + id))
	return kvErr(r.db.Write(batch, nil))
}

type videoRepoKV struct{ db *leveldb.DB }

func (r *videoRepoKV) Create(ctx context.Context, v *Video) error {
	if ok, err := kvExists(r.db, "video/"+v.ID); err != nil {
		return err
	} else if ok {
		return ErrDuplicateID
	}

	raw, err := json.Marshal(videoDoc{Video: *v, Handle: v.FileHandle})
	if err != nil {
		return fmt.Errorf("%w: encode video: %v", ErrBackendUnavailable, err)
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte("video/"+v.ID), raw)
	batch.Put([]byte("video.bypatient/"+v.PatientID+"/"+v.ID), nil)
	return kvErr(r.db.Write(batch, nil))
}

// videoDoc persists the blob handle, which Video's JSON tags hide from
// API responses.
type videoDoc struct {
	Video
	Handle string `json:"handle"`
}

func (r *videoRepoKV) Get(ctx context.Context, id string) (*Video, error) {
	var doc videoDoc
	if err := kvGet(r.db, "video/"+id, &doc); err != nil {
		return nil, err
	}
	v := doc.Video
	v.FileHandle = doc.Handle
	return &v, nil
}

func (r *videoRepoKV) ListByPatient(ctx context.Context, patientID string) ([]*Video, error) {
	iter := r.db.NewIterator(util.BytesPrefix([]byte("video.bypatient/"+patientID+"/")), nil)
	defer iter.Release()

	var ids []string
	for iter.Next() {
		key := string(iter.Key())
		ids = append(ids, key[len("video.bypatient/"+patientID+"/"):])
	}
	if err := iter.Error(); err != nil {
		return nil, kvErr(err)
	}

	out := make([]*Video, 0, len(ids))
	for _, id := range ids {
		v, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	// Newest first.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *videoRepoKV) Delete(ctx context.Context, id string) error {
	prev, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte("video/" + id))
	batch.Delete([]byte("video.bypatient/" + prev.PatientID + "/" + id))
	return kvErr(r.db.Write(batch, nil))
}

// sortByCreated orders records oldest first, breaking timestamp ties by id
// so list order is stable across backends.
func sortByCreated[T any](xs []T, key func(T) (int64, string)) {
	sort.SliceStable(xs, func(i, j int) bool {
		ti, idi := key(xs[i])
		tj, idj := key(xs[j])
		if ti != tj {
			return ti < tj
		}
		return idi < idj
	})
}
