// Package transfer copies the full record set from one storage backend to
// another, parents before children, preserving ids and timestamps. It is
// the explicit replacement for live mirroring between backends: exactly one
// store is authoritative and a migration between backends is a deliberate,
// resumable copy.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cinebaby/cinebaby/internal/domain/registry"
)

// Report summarizes one transfer run. Skipped counts records that already
// existed in the destination, which makes reruns safe.
type Report struct {
	Clinics  int `json:"clinics"`
	Patients int `json:"patients"`
	Videos   int `json:"videos"`
	Skipped  int `json:"skipped"`
}

// Copier moves records between two stores.
type Copier struct {
	src registry.Store
	dst registry.Store
	log zerolog.Logger
}

func NewCopier(src, dst registry.Store, log zerolog.Logger) *Copier {
	return &Copier{src: src, dst: dst, log: log}
}

// Run copies everything. Order is clinics, then patients, then videos, so
// the destination never holds a child without its parent. A record that is
// already present in the destination is skipped, not overwritten.
func (c *Copier) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}

	clinics, err := c.src.Clinics().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source clinics: %w", err)
	}
	for _, clinic := range clinics {
		if err := c.copyClinic(ctx, clinic, rep); err != nil {
			return rep, err
		}
	}

	c.log.Info().Int("clinics", rep.Clinics).Int("patients", rep.Patients).
		Int("videos", rep.Videos).Int("skipped", rep.Skipped).Msg("transfer complete")
	return rep, nil
}

func (c *Copier) copyClinic(ctx context.Context, clinic *registry.Clinic, rep *Report) error {
	switch err := c.dst.Clinics().Create(ctx, clinic); {
	case err == nil:
		rep.Clinics++
	case errors.Is(err, registry.ErrDuplicateID):
		rep.Skipped++
	default:
		return fmt.Errorf("copy clinic %s: %w", clinic.ID, err)
	}

	patients, err := c.src.Patients().ListByClinic(ctx, clinic.ID)
	if err != nil {
		return fmt.Errorf("list patients of clinic %s: %w", clinic.ID, err)
	}
	for _, p := range patients {
		switch err := c.dst.Patients().Create(ctx, p); {
		case err == nil:
			rep.Patients++
		case errors.Is(err, registry.ErrDuplicateID):
			rep.Skipped++
		default:
			return fmt.Errorf("copy patient %s: %w", p.ID, err)
		}

		videos, err := c.src.Videos().ListByPatient(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("list videos of patient %s: %w", p.ID, err)
		}
		for _, v := range videos {
			switch err := c.dst.Videos().Create(ctx, v); {
			case err == nil:
				rep.Videos++
			case errors.Is(err, registry.ErrDuplicateID):
				rep.Skipped++
			default:
				return fmt.Errorf("copy video %s: %w", v.ID, err)
			}
		}
	}
	return nil
}
