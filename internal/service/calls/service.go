// Package calls persists transcribed calls and broadcasts a CallEvent after
// each committed change.
package calls

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/observability/metrics"
	"radio-transcription-service/internal/schema"
	"radio-transcription-service/internal/service/stt"
	"radio-transcription-service/internal/store"
)

var (
	ErrInvalidCall  = errors.New("invalid call")
	ErrInvalidPatch = errors.New("invalid call patch")
	ErrCallNotFound = fmt.Errorf("call %w", store.ErrNotFound)
)

const (
	DefaultReviewThreshold = 0.5
	DefaultPageSize        = 50
	MaxPageSize            = 500
)

// Publisher receives one event per committed change.
type Publisher interface {
	Publish(ev models.CallEvent)
}

// CallCreate is the input to CreateCall. Confidence is derived from Chunks.
type CallCreate struct {
	SystemID    int64
	TalkgroupID *int64
	UnitID      *int64
	Timestamp   time.Time
	Duration    float64 // seconds
	AudioPath   string
	Transcript  string
	Chunks      []stt.Chunk
	Transcriber string
}

// CallPatch is a reviewer update. Nil fields are left alone.
type CallPatch struct {
	CorrectedTranscript *string `json:"correctedTranscript,omitempty"`
	NeedsReview         *bool   `json:"needsReview,omitempty"`
	ReviewedBy          *int64  `json:"reviewedBy,omitempty"`
}

// SearchParams filters SearchCalls. Page is 1-based.
type SearchParams struct {
	Filter  store.CallFilter
	Page    int
	PerPage int
}

// Page is one page of search results.
type Page struct {
	Items   []models.Call `json:"items"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"perPage"`
}

type Config struct {
	// ReviewThreshold flags calls whose confidence is below it. Zero turns
	// flagging off; negative or NaN selects DefaultReviewThreshold.
	ReviewThreshold float64
}

// Service is the persistence coordinator. Each operation runs in one
// transaction; nothing is published unless it commits.
type Service struct {
	store     store.Store
	bus       Publisher
	validator *schema.Validator
	threshold float64
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates a coordinator. bus may be nil.
func NewService(s store.Store, bus Publisher, cfg Config) *Service {
	if cfg.ReviewThreshold < 0 || math.IsNaN(cfg.ReviewThreshold) {
		cfg.ReviewThreshold = DefaultReviewThreshold
	}
	return &Service{
		store:     s,
		bus:       bus,
		validator: schema.New(),
		threshold: cfg.ReviewThreshold,
		logger:    logging.WithComponent("calls"),
		metrics:   metrics.DefaultMetrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateCall inserts a call and publishes its event.
func (s *Service) CreateCall(ctx context.Context, in CallCreate) (*models.Call, error) {
	conf := AggregateConfidence(in.Chunks)
	call := &models.Call{
		SystemID:    in.SystemID,
		TalkgroupID: in.TalkgroupID,
		UnitID:      in.UnitID,
		Timestamp:   in.Timestamp,
		Duration:    in.Duration,
		AudioPath:   in.AudioPath,
		Transcript:  strings.TrimSpace(in.Transcript),
		Confidence:  conf,
		NeedsReview: NeedsReview(conf, s.threshold),
		Transcriber: in.Transcriber,
	}
	if call.Timestamp.IsZero() {
		call.Timestamp = s.now()
	}
	if err := s.validator.ValidateCall(call); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCall, err)
	}

	var ev models.CallEvent
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if err := tx.InsertCall(ctx, call); err != nil {
			return err
		}
		var err error
		ev, err = s.project(ctx, tx, call)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}

	s.metrics.RecordCallCreated(call.NeedsReview)
	log := logging.WithCall(call.ID, call.SystemID)
	log.Info().
		Str("audioPath", call.AudioPath).
		Bool("needsReview", call.NeedsReview).
		Msg("Call created")
	s.publish(ev)
	return call.Clone(), nil
}

// PatchCall applies a reviewer update and publishes the new state. Repeating
// a patch yields the same row and publishes again.
func (s *Service) PatchCall(ctx context.Context, id int64, patch CallPatch) (*models.Call, error) {
	var corrected string
	if patch.CorrectedTranscript != nil {
		corrected = strings.TrimSpace(*patch.CorrectedTranscript)
		if corrected == "" {
			return nil, fmt.Errorf("%w: corrected transcript is empty", ErrInvalidPatch)
		}
	}

	var (
		call *models.Call
		ev   models.CallEvent
	)
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		var err error
		call, err = tx.GetCall(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrCallNotFound, id)
		}
		if err != nil {
			return err
		}

		if patch.CorrectedTranscript != nil {
			now := s.now()
			call.CorrectedTranscript = &corrected
			call.ReviewedAt = &now
			if patch.ReviewedBy != nil {
				reviewer := *patch.ReviewedBy
				call.ReviewedBy = &reviewer
			}
		}
		if patch.NeedsReview != nil {
			call.NeedsReview = *patch.NeedsReview
		}
		if err := s.validator.ValidateCall(call); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPatch, err)
		}
		if err := tx.UpdateCall(ctx, call); err != nil {
			return err
		}
		ev, err = s.project(ctx, tx, call)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("patch call %d: %w", id, err)
	}

	s.metrics.RecordCallPatched()
	log := logging.WithCall(call.ID, call.SystemID)
	log.Info().Bool("corrected", patch.CorrectedTranscript != nil).Msg("Call patched")
	s.publish(ev)
	return call.Clone(), nil
}

// GetCall returns one call.
func (s *Service) GetCall(ctx context.Context, id int64) (*models.Call, error) {
	var call *models.Call
	err := s.read(ctx, func(tx store.Tx) (err error) {
		call, err = tx.GetCall(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrCallNotFound, id)
	}
	return call, err
}

// AudioProcessed reports whether a call already exists for the recording at
// path.
func (s *Service) AudioProcessed(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := s.read(ctx, func(tx store.Tx) (err error) {
		ok, err = tx.CallExistsForAudioPath(ctx, path)
		return err
	})
	return ok, err
}

// SearchCalls returns one page of matching calls, newest first.
func (s *Service) SearchCalls(ctx context.Context, p SearchParams) (*Page, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage <= 0 {
		p.PerPage = DefaultPageSize
	}
	p.PerPage = min(p.PerPage, MaxPageSize)

	f := p.Filter
	f.Offset = (p.Page - 1) * p.PerPage
	f.Limit = p.PerPage

	page := &Page{Page: p.Page, PerPage: p.PerPage, Items: []models.Call{}}
	err := s.read(ctx, func(tx store.Tx) error {
		items, total, err := tx.SearchCalls(ctx, f)
		if err != nil {
			return err
		}
		if items != nil {
			page.Items = items
		}
		page.Total = total
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search calls: %w", err)
	}
	return page, nil
}

// project builds the event for call inside tx so aliases match the
// committed state.
func (s *Service) project(ctx context.Context, tx store.Tx, call *models.Call) (models.CallEvent, error) {
	ev := models.NewCallEvent(call)

	sys, err := tx.GetSystem(ctx, call.SystemID)
	if err != nil {
		return ev, fmt.Errorf("load system %d: %w", call.SystemID, err)
	}
	ev.SystemName = sys.Name

	if call.TalkgroupID != nil {
		tg, err := tx.GetTalkgroup(ctx, *call.TalkgroupID)
		if err != nil {
			return ev, fmt.Errorf("load talkgroup %d: %w", *call.TalkgroupID, err)
		}
		ev.TalkgroupAlias = tg.Alias
	}
	if call.UnitID != nil {
		u, err := tx.GetUnit(ctx, *call.UnitID)
		if err != nil {
			return ev, fmt.Errorf("load unit %d: %w", *call.UnitID, err)
		}
		ev.UnitAlias = u.Alias
	}
	if err := s.validator.ValidateEvent(ev); err != nil {
		return ev, err
	}
	return ev, nil
}

func (s *Service) publish(ev models.CallEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ev)
}

func (s *Service) read(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)
	return fn(tx)
}
