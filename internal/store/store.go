// Package store defines the transactional storage contract used by the
// reference resolver and the call coordinator.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"radio-transcription-service/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateKey is returned when an insert violates a unique key.
	ErrDuplicateKey = errors.New("store: duplicate key")
	// ErrTxDone is returned by operations on a committed or rolled back Tx.
	ErrTxDone = errors.New("store: transaction already finished")
	// ErrCommitUnknown is returned when a commit may or may not have been
	// applied. Rerunning the transaction can duplicate its inserts.
	ErrCommitUnknown = errors.New("store: commit outcome unknown")
)

// Store opens transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

// Tx is a unit of work. Rollback after Commit is a no-op, so callers may
// always defer Rollback.
type Tx interface {
	GetSystem(ctx context.Context, id int64) (*models.System, error)
	FindSystemByName(ctx context.Context, name string) (*models.System, error)
	InsertSystem(ctx context.Context, s *models.System) error
	UpdateSystem(ctx context.Context, s *models.System) error
	ListSystems(ctx context.Context) ([]models.System, error)

	GetTalkgroup(ctx context.Context, id int64) (*models.Talkgroup, error)
	FindTalkgroup(ctx context.Context, systemID int64, number int) (*models.Talkgroup, error)
	InsertTalkgroup(ctx context.Context, tg *models.Talkgroup) error
	UpdateTalkgroup(ctx context.Context, tg *models.Talkgroup) error
	ListTalkgroups(ctx context.Context, systemID int64) ([]models.Talkgroup, error)

	GetUnit(ctx context.Context, id int64) (*models.RadioUnit, error)
	FindUnit(ctx context.Context, systemID int64, number int) (*models.RadioUnit, error)
	InsertUnit(ctx context.Context, u *models.RadioUnit) error
	UpdateUnit(ctx context.Context, u *models.RadioUnit) error
	ListUnits(ctx context.Context, systemID int64) ([]models.RadioUnit, error)

	InsertCall(ctx context.Context, c *models.Call) error
	GetCall(ctx context.Context, id int64) (*models.Call, error)
	UpdateCall(ctx context.Context, c *models.Call) error
	SearchCalls(ctx context.Context, f CallFilter) ([]models.Call, int, error)
	CallExistsForAudioPath(ctx context.Context, path string) (bool, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// CallFilter narrows SearchCalls. Nil fields are not applied. Results are
// ordered newest first.
type CallFilter struct {
	SystemID      *int64
	TalkgroupID   *int64
	UnitID        *int64
	Since         *time.Time
	Until         *time.Time
	MinConfidence *float64
	MaxConfidence *float64
	NeedsReview   *bool
	Offset        int
	Limit         int
}

// Match reports whether c satisfies every set field of f.
func (f CallFilter) Match(c *models.Call) bool {
	if f.SystemID != nil && c.SystemID != *f.SystemID {
		return false
	}
	if f.TalkgroupID != nil && (c.TalkgroupID == nil || *c.TalkgroupID != *f.TalkgroupID) {
		return false
	}
	if f.UnitID != nil && (c.UnitID == nil || *c.UnitID != *f.UnitID) {
		return false
	}
	if f.Since != nil && c.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && c.Timestamp.After(*f.Until) {
		return false
	}
	if f.MinConfidence != nil && (c.Confidence == nil || *c.Confidence < *f.MinConfidence) {
		return false
	}
	if f.MaxConfidence != nil && (c.Confidence == nil || *c.Confidence > *f.MaxConfidence) {
		return false
	}
	if f.NeedsReview != nil && c.NeedsReview != *f.NeedsReview {
		return false
	}
	return true
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
