// Package history records the outcome of finished builds. It serves status
// reporting and the admin build list; it is never consulted when deciding
// whether to build.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/vyvo/bundlecdn/pkg/bundle"
)

// ErrNotFound reports that no build was recorded for a key.
var ErrNotFound = errors.New("history: no recorded build")

// Record describes one finished build attempt.
type Record struct {
	ID           string        `json:"id" yaml:"id"`
	Key          bundle.Key    `json:"key" yaml:"key"`
	Status       bundle.Status `json:"status" yaml:"status"`
	ErrorKind    bundle.Kind   `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ErrorMessage string        `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorPackage string        `json:"error_package,omitempty" yaml:"error_package,omitempty"`
	CreatedAt    time.Time     `json:"created_at" yaml:"created_at"`
	StartedAt    time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt   time.Time     `json:"finished_at" yaml:"finished_at"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
}

// Err rebuilds the structured error of a failed record.
func (r Record) Err() *bundle.Error {
	if r.Status != bundle.StatusFailed {
		return nil
	}
	return &bundle.Error{Kind: r.ErrorKind, Message: r.ErrorMessage, Package: r.ErrorPackage}
}

// State renders the record as a terminal build state.
func (r Record) State() bundle.BuildState {
	return bundle.BuildState{
		Key:        r.Key,
		BuildID:    r.ID,
		Status:     r.Status,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Err(),
	}
}

// NewRecord builds the record of a finished build. err is nil on success.
func NewRecord(id string, key bundle.Key, createdAt, startedAt, finishedAt time.Time, err *bundle.Error) Record {
	rec := Record{
		ID:         id,
		Key:        key,
		Status:     bundle.StatusReady,
		CreatedAt:  createdAt.UTC(),
		StartedAt:  startedAt.UTC(),
		FinishedAt: finishedAt.UTC(),
	}
	if !startedAt.IsZero() {
		rec.Duration = finishedAt.Sub(startedAt)
	}
	if err != nil {
		rec.Status = bundle.StatusFailed
		rec.ErrorKind = err.Kind
		rec.ErrorMessage = err.Message
		rec.ErrorPackage = err.Package
	}
	return rec
}

// Store persists build records.
type Store interface {
	Record(ctx context.Context, rec Record) error
	// Last returns the most recent record for key or ErrNotFound.
	Last(ctx context.Context, key bundle.Key) (Record, error)
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
