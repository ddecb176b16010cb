package calls

import (
	"context"
	"errors"
	"fmt"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/reference"
	"radio-transcription-service/internal/service/stt"
	"radio-transcription-service/internal/store"
)

// Pipeline turns a finished transcription into a persisted call. It is the
// dispatcher's result handler.
type Pipeline struct {
	resolver *reference.Resolver
	calls    *Service
	provider string
}

// NewPipeline labels created calls with the transcriber provider name.
func NewPipeline(resolver *reference.Resolver, svc *Service, provider string) *Pipeline {
	return &Pipeline{resolver: resolver, calls: svc, provider: provider}
}

var _ dispatch.ResultHandler = (*Pipeline)(nil)

// HandleTranscription resolves the job's radio references and creates the
// call. Validation failures are marked permanent so they are not retried.
func (p *Pipeline) HandleTranscription(ctx context.Context, req *dispatch.Request, res *stt.Result) (*models.Call, error) {
	h := req.Job.Hints

	systemID, err := p.resolver.ResolveSystem(ctx, h.SystemName, nil)
	if errors.Is(err, reference.ErrEmptySystemName) {
		return nil, dispatch.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	talkgroupID, err := p.resolver.ResolveTalkgroup(ctx, systemID, h.TalkgroupNumber, h.TalkgroupAlias, nil)
	if err != nil {
		return nil, err
	}
	unitID, err := p.resolver.ResolveUnit(ctx, systemID, h.UnitNumber, h.UnitAlias)
	if err != nil {
		return nil, err
	}

	dur := req.Job.Duration
	if dur <= 0 {
		dur = res.Duration
	}
	audioPath := req.Job.Audio.Path
	if audioPath == "" {
		audioPath = req.Job.Key
	}
	ts := h.Timestamp
	if ts.IsZero() {
		ts = req.SubmittedAt
	}

	call, err := p.calls.CreateCall(ctx, CallCreate{
		SystemID:    systemID,
		TalkgroupID: talkgroupID,
		UnitID:      unitID,
		Timestamp:   ts.UTC(),
		Duration:    dur.Seconds(),
		AudioPath:   audioPath,
		Transcript:  res.Text(),
		Chunks:      res.Chunks,
		Transcriber: p.label(res),
	})
	// A call insert whose commit may have landed is not rerun, so a retry
	// never creates a second row for one recording.
	if errors.Is(err, ErrInvalidCall) || errors.Is(err, store.ErrCommitUnknown) {
		return nil, dispatch.Permanent(err)
	}
	return call, err
}

// label is "provider" or "provider/model".
func (p *Pipeline) label(res *stt.Result) string {
	if res.Model == "" || res.Model == p.provider {
		return p.provider
	}
	return fmt.Sprintf("%s/%s", p.provider, res.Model)
}

