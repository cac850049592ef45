package storage

import (
	"context"
	"fmt"
)

// Mode selects which Store backs the storage feature.
type Mode string

const (
	ModeFile Mode = "file"
	ModeS3   Mode = "s3"
)

// Config drives Feature construction from the `storage` config section.
type Config struct {
	Mode Mode
	Path string // ModeFile
	S3   S3Config
}

// Feature wraps a Store behind the feature registry's Start/Stop/
// IsRunning contract. "Starting" a store means establishing it (opening
// the local directory, or validating S3 credentials/connectivity);
// there is no listening socket involved — the storage plane here is a
// client-facing dependency the backup service (and future large-blob
// document fields) consumes, not a server of its own (SigV4 request
// verification is out of scope).
type Feature struct {
	cfg     Config
	store   Store
	running bool
}

func NewFeature(cfg Config) *Feature {
	return &Feature{cfg: cfg}
}

func (f *Feature) Start(ctx context.Context) error {
	switch f.cfg.Mode {
	case ModeS3:
		store, err := NewS3Store(ctx, f.cfg.S3)
		if err != nil {
			return err
		}

		f.store = store
	case ModeFile, "":
		store, err := NewFileStore(f.cfg.Path)
		if err != nil {
			return err
		}

		f.store = store
	default:
		return fmt.Errorf("storage: unknown mode %q", f.cfg.Mode)
	}

	f.running = true

	return nil
}

func (f *Feature) Stop(ctx context.Context) error {
	f.store = nil
	f.running = false

	return nil
}

func (f *Feature) IsRunning() bool { return f.running }

// Store returns the active Store, or nil if the feature hasn't started.
func (f *Feature) Store() Store { return f.store }
