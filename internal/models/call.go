// Package models defines the persisted radio entities and the call event
// payload broadcast to subscribers.
package models

import "time"

// EventTypeCallUpdated is the event type of every CallEvent.
const EventTypeCallUpdated = "call.updated"

// Call is one transcribed radio transmission.
type Call struct {
	ID                  int64      `json:"id" bson:"_id"`
	SystemID            int64      `json:"systemId" bson:"system_id"`
	TalkgroupID         *int64     `json:"talkgroupId,omitempty" bson:"talkgroup_id,omitempty"`
	UnitID              *int64     `json:"unitId,omitempty" bson:"unit_id,omitempty"`
	Timestamp           time.Time  `json:"timestamp" bson:"timestamp"`
	Duration            float64    `json:"duration" bson:"duration"` // seconds
	AudioPath           string     `json:"audioPath" bson:"audio_path"`
	Transcript          string     `json:"transcript" bson:"transcript"`
	CorrectedTranscript *string    `json:"correctedTranscript,omitempty" bson:"corrected_transcript,omitempty"`
	Confidence          *float64   `json:"confidence,omitempty" bson:"confidence,omitempty"`
	NeedsReview         bool       `json:"needsReview" bson:"needs_review"`
	Transcriber         string     `json:"transcriber" bson:"transcriber"`
	ReviewedBy          *int64     `json:"reviewedBy,omitempty" bson:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time `json:"reviewedAt,omitempty" bson:"reviewed_at,omitempty"`
}

// Clone returns a deep copy of c.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.TalkgroupID = cloneInt64(c.TalkgroupID)
	out.UnitID = cloneInt64(c.UnitID)
	out.ReviewedBy = cloneInt64(c.ReviewedBy)
	if c.CorrectedTranscript != nil {
		s := *c.CorrectedTranscript
		out.CorrectedTranscript = &s
	}
	if c.Confidence != nil {
		f := *c.Confidence
		out.Confidence = &f
	}
	if c.ReviewedAt != nil {
		ts := *c.ReviewedAt
		out.ReviewedAt = &ts
	}
	return &out
}

// CallEvent is the denormalized view of a Call pushed to subscribers after
// every create or update.
type CallEvent struct {
	EventType           string     `json:"eventType"`
	CallID              int64      `json:"callId"`
	SystemID            int64      `json:"systemId"`
	SystemName          string     `json:"systemName,omitempty"`
	TalkgroupID         *int64     `json:"talkgroupId,omitempty"`
	TalkgroupAlias      *string    `json:"talkgroupAlias,omitempty"`
	UnitID              *int64     `json:"unitId,omitempty"`
	UnitAlias           *string    `json:"unitAlias,omitempty"`
	Timestamp           time.Time  `json:"timestamp"`
	Duration            float64    `json:"duration"`
	Transcript          string     `json:"transcript"`
	CorrectedTranscript *string    `json:"correctedTranscript,omitempty"`
	Confidence          *float64   `json:"confidence,omitempty"`
	NeedsReview         bool       `json:"needsReview"`
	Transcriber         string     `json:"transcriber"`
	ReviewedBy          *int64     `json:"reviewedBy,omitempty"`
	ReviewedAt          *time.Time `json:"reviewedAt,omitempty"`
}

// NewCallEvent projects a call into its event form. Alias fields are filled
// by the caller.
func NewCallEvent(c *Call) CallEvent {
	cc := c.Clone()
	return CallEvent{
		EventType:           EventTypeCallUpdated,
		CallID:              cc.ID,
		SystemID:            cc.SystemID,
		TalkgroupID:         cc.TalkgroupID,
		UnitID:              cc.UnitID,
		Timestamp:           cc.Timestamp,
		Duration:            cc.Duration,
		Transcript:          cc.Transcript,
		CorrectedTranscript: cc.CorrectedTranscript,
		Confidence:          cc.Confidence,
		NeedsReview:         cc.NeedsReview,
		Transcriber:         cc.Transcriber,
		ReviewedBy:          cc.ReviewedBy,
		ReviewedAt:          cc.ReviewedAt,
	}
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
