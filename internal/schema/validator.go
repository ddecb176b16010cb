// Package schema checks calls and call events before they are persisted or
// broadcast.
package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"

	"radio-transcription-service/internal/models"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("schema validation failed")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// ValidateCall checks a call about to be written.
func (v *Validator) ValidateCall(c *models.Call) error {
	if c == nil {
		return fmt.Errorf("%w: nil call", ErrInvalid)
	}
	var errs []error
	if c.SystemID <= 0 {
		errs = append(errs, errors.New("systemId must be set"))
	}
	if c.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp must be set"))
	}
	if c.Duration < 0 || math.IsNaN(c.Duration) {
		errs = append(errs, fmt.Errorf("duration %v must be non-negative", c.Duration))
	}
	if strings.TrimSpace(c.AudioPath) == "" {
		errs = append(errs, errors.New("audioPath must be set"))
	}
	if c.Transcriber == "" {
		errs = append(errs, errors.New("transcriber must be set"))
	}
	errs = append(errs, checkConfidence(c.Confidence)...)
	if c.CorrectedTranscript != nil && strings.TrimSpace(*c.CorrectedTranscript) == "" {
		errs = append(errs, errors.New("correctedTranscript must not be blank"))
	}
	if c.ReviewedBy != nil && c.ReviewedAt == nil {
		errs = append(errs, errors.New("reviewedBy requires reviewedAt"))
	}
	return v.result("call", errs)
}

// ValidateEvent checks an event about to be published.
func (v *Validator) ValidateEvent(ev models.CallEvent) error {
	var errs []error
	if ev.EventType != models.EventTypeCallUpdated {
		errs = append(errs, fmt.Errorf("unknown eventType %q", ev.EventType))
	}
	if ev.CallID <= 0 {
		errs = append(errs, errors.New("callId must be set"))
	}
	if ev.SystemID <= 0 {
		errs = append(errs, errors.New("systemId must be set"))
	}
	if ev.TalkgroupAlias != nil && ev.TalkgroupID == nil {
		errs = append(errs, errors.New("talkgroupAlias without talkgroupId"))
	}
	if ev.UnitAlias != nil && ev.UnitID == nil {
		errs = append(errs, errors.New("unitAlias without unitId"))
	}
	errs = append(errs, checkConfidence(ev.Confidence)...)
	return v.result("event", errs)
}

func checkConfidence(c *float64) []error {
	if c == nil {
		return nil
	}
	if math.IsNaN(*c) || *c < 0 || *c > 1 {
		return []error{fmt.Errorf("confidence %v outside [0, 1]", *c)}
	}
	return nil
}

func (v *Validator) result(kind string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	err := fmt.Errorf("%w: %s: %w", ErrInvalid, kind, errors.Join(errs...))
	log.Debug().Err(err).Str("kind", kind).Msg("Schema validation failed")
	return err
}
