// Package reference maps radio identifiers (system names, talkgroup and unit
// numbers) to durable row ids, creating rows on first sight.
package reference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/observability/metrics"
	"radio-transcription-service/internal/store"
)

// DefaultMaxAttempts bounds the insert/re-read loop under contention.
const DefaultMaxAttempts = 5

var ErrEmptySystemName = errors.New("system name is required")

// Resolver is safe for concurrent use. Concurrent resolves of the same key
// converge on one row.
type Resolver struct {
	store       store.Store
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	maxAttempts int
}

func New(s store.Store) *Resolver {
	return &Resolver{
		store:       s,
		logger:      logging.WithComponent("reference"),
		metrics:     metrics.DefaultMetrics,
		maxAttempts: DefaultMaxAttempts,
	}
}

// ResolveSystem returns the id of the system named name. description only
// fills an empty description.
func (r *Resolver) ResolveSystem(ctx context.Context, name string, description *string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, ErrEmptySystemName
	}
	return resolve(ctx, r, "system", func(tx store.Tx) (int64, error) {
		sys, err := tx.FindSystemByName(ctx, name)
		switch {
		case err == nil:
			if description != nil && sys.Description == nil {
				sys.Description = description
				if err := tx.UpdateSystem(ctx, sys); err != nil {
					return 0, err
				}
			}
			return sys.ID, nil
		case errors.Is(err, store.ErrNotFound):
			sys = &models.System{Name: name, Description: description}
			if err := tx.InsertSystem(ctx, sys); err != nil {
				return 0, err
			}
			r.logger.Info().Int64("systemId", sys.ID).Str("name", name).Msg("Created system")
			return sys.ID, nil
		default:
			return 0, err
		}
	})
}

// ResolveTalkgroup returns the id for (systemID, number), or nil when number
// is nil. alias and prompt overwrite stored values when set and different.
func (r *Resolver) ResolveTalkgroup(ctx context.Context, systemID int64, number *int, alias, prompt *string) (*int64, error) {
	if number == nil {
		return nil, nil
	}
	id, err := resolve(ctx, r, "talkgroup", func(tx store.Tx) (int64, error) {
		tg, err := tx.FindTalkgroup(ctx, systemID, *number)
		switch {
		case err == nil:
			changed := false
			if differs(alias, tg.Alias) {
				tg.Alias, changed = alias, true
			}
			if differs(prompt, tg.WhisperPrompt) {
				tg.WhisperPrompt, changed = prompt, true
			}
			if changed {
				if err := tx.UpdateTalkgroup(ctx, tg); err != nil {
					return 0, err
				}
			}
			return tg.ID, nil
		case errors.Is(err, store.ErrNotFound):
			tg = &models.Talkgroup{SystemID: systemID, Number: *number, Alias: alias, WhisperPrompt: prompt}
			if err := tx.InsertTalkgroup(ctx, tg); err != nil {
				return 0, err
			}
			return tg.ID, nil
		default:
			return 0, err
		}
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// ResolveUnit returns the id for (systemID, number), or nil when number is
// nil.
func (r *Resolver) ResolveUnit(ctx context.Context, systemID int64, number *int, alias *string) (*int64, error) {
	if number == nil {
		return nil, nil
	}
	id, err := resolve(ctx, r, "unit", func(tx store.Tx) (int64, error) {
		u, err := tx.FindUnit(ctx, systemID, *number)
		switch {
		case err == nil:
			if differs(alias, u.Alias) {
				u.Alias = alias
				if err := tx.UpdateUnit(ctx, u); err != nil {
					return 0, err
				}
			}
			return u.ID, nil
		case errors.Is(err, store.ErrNotFound):
			u = &models.RadioUnit{SystemID: systemID, Number: *number, Alias: alias}
			if err := tx.InsertUnit(ctx, u); err != nil {
				return 0, err
			}
			return u.ID, nil
		default:
			return 0, err
		}
	})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// TalkgroupPrompt returns the whisper prompt stored for a talkgroup, or ""
// if the system, talkgroup or prompt is unknown. It never creates rows.
func (r *Resolver) TalkgroupPrompt(ctx context.Context, systemName string, number int) (string, error) {
	var prompt string
	err := r.read(ctx, func(tx store.Tx) error {
		sys, err := tx.FindSystemByName(ctx, strings.TrimSpace(systemName))
		if err != nil {
			return err
		}
		tg, err := tx.FindTalkgroup(ctx, sys.ID, number)
		if err != nil {
			return err
		}
		if tg.WhisperPrompt != nil {
			prompt = *tg.WhisperPrompt
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return prompt, err
}

// ImportResult counts the outcome of an alias import.
type ImportResult struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"skipped"`
}

// ImportTalkgroupAliases upserts aliases for systemID in one transaction.
func (r *Resolver) ImportTalkgroupAliases(ctx context.Context, systemID int64, aliases map[int]string) (ImportResult, error) {
	res, err := resolve(ctx, r, "talkgroup", func(tx store.Tx) (ImportResult, error) {
		var res ImportResult
		if _, err := tx.GetSystem(ctx, systemID); err != nil {
			return res, fmt.Errorf("system %d: %w", systemID, err)
		}
		for number, alias := range aliases {
			tg, err := tx.FindTalkgroup(ctx, systemID, number)
			switch {
			case err == nil:
				if tg.Alias != nil && *tg.Alias == alias {
					res.Unchanged++
					continue
				}
				tg.Alias = &alias
				if err := tx.UpdateTalkgroup(ctx, tg); err != nil {
					return res, err
				}
				res.Updated++
			case errors.Is(err, store.ErrNotFound):
				if err := tx.InsertTalkgroup(ctx, &models.Talkgroup{SystemID: systemID, Number: number, Alias: &alias}); err != nil {
					return res, err
				}
				res.Created++
			default:
				return res, err
			}
		}
		return res, nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	r.logger.Info().
		Int64("systemId", systemID).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("skipped", res.Unchanged).
		Msg("Imported talkgroup aliases")
	return res, nil
}

func (r *Resolver) ListSystems(ctx context.Context) ([]models.System, error) {
	var out []models.System
	err := r.read(ctx, func(tx store.Tx) (err error) {
		out, err = tx.ListSystems(ctx)
		return err
	})
	return out, err
}

func (r *Resolver) ListTalkgroups(ctx context.Context, systemID int64) ([]models.Talkgroup, error) {
	var out []models.Talkgroup
	err := r.read(ctx, func(tx store.Tx) (err error) {
		out, err = tx.ListTalkgroups(ctx, systemID)
		return err
	})
	return out, err
}

func (r *Resolver) ListUnits(ctx context.Context, systemID int64) ([]models.RadioUnit, error) {
	var out []models.RadioUnit
	err := r.read(ctx, func(tx store.Tx) (err error) {
		out, err = tx.ListUnits(ctx, systemID)
		return err
	})
	return out, err
}

// read runs fn in a transaction that is always rolled back.
func (r *Resolver) read(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	return fn(tx)
}

// resolve runs fn in its own transaction, retrying from scratch when a
// concurrent writer wins a unique key.
func resolve[T any](ctx context.Context, r *Resolver, kind string, fn func(store.Tx) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		var out T
		err := store.WithTx(ctx, r.store, func(tx store.Tx) error {
			v, err := fn(tx)
			out = v
			return err
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) || attempt >= r.maxAttempts || ctx.Err() != nil {
			return zero, fmt.Errorf("resolve %s: %w", kind, err)
		}
		r.metrics.RecordReferenceConflict(kind)
		r.logger.Debug().Err(err).Str("kind", kind).Int("attempt", attempt).Msg("Reference insert lost race, re-reading")
	}
}

// differs reports whether want is set and not equal to have.
func differs(want, have *string) bool {
	return want != nil && (have == nil || *have != *want)
}
