package calls

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/service/stt"
	"radio-transcription-service/internal/store"
	"radio-transcription-service/internal/store/memory"
)

func ptr[T any](v T) *T { return &v }

type recordingBus struct {
	mu     sync.Mutex
	events []models.CallEvent
}

func (b *recordingBus) Publish(ev models.CallEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) Events() []models.CallEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.CallEvent(nil), b.events...)
}

type fixture struct {
	store    *memory.Store
	bus      *recordingBus
	svc      *Service
	systemID int64
	tgID     int64
	unitID   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: memory.New(), bus: &recordingBus{}}
	f.svc = NewService(f.store, f.bus, Config{ReviewThreshold: 0.5})
	f.svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	err := store.WithTx(ctx, f.store, func(tx store.Tx) error {
		sys := &models.System{Name: "metro"}
		if err := tx.InsertSystem(ctx, sys); err != nil {
			return err
		}
		tg := &models.Talkgroup{SystemID: sys.ID, Number: 100, Alias: ptr("Fire Dispatch")}
		if err := tx.InsertTalkgroup(ctx, tg); err != nil {
			return err
		}
		u := &models.RadioUnit{SystemID: sys.ID, Number: 7, Alias: ptr("Engine 7")}
		if err := tx.InsertUnit(ctx, u); err != nil {
			return err
		}
		f.systemID, f.tgID, f.unitID = sys.ID, tg.ID, u.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return f
}

func (f *fixture) create(t *testing.T, logProb float64) *models.Call {
	t.Helper()
	call, err := f.svc.CreateCall(context.Background(), CallCreate{
		SystemID:    f.systemID,
		TalkgroupID: &f.tgID,
		UnitID:      &f.unitID,
		Timestamp:   time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
		Duration:    4.2,
		AudioPath:   "/recordings/a.wav",
		Transcript:  " engine 7 responding ",
		Chunks:      []stt.Chunk{{Text: "engine 7 responding", AvgLogProb: logProb}},
		Transcriber: "mock",
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	return call
}

func TestCreateCall_PublishesProjectedEvent(t *testing.T) {
	f := newFixture(t)
	call := f.create(t, math.Log(0.9))

	if call.ID == 0 || call.Transcript != "engine 7 responding" {
		t.Errorf("unexpected call %+v", call)
	}
	if call.Confidence == nil || math.Abs(*call.Confidence-0.9) > 1e-9 || call.NeedsReview {
		t.Errorf("expected confidence 0.9 without review, got %v %v", call.Confidence, call.NeedsReview)
	}

	events := f.bus.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != models.EventTypeCallUpdated || ev.CallID != call.ID {
		t.Errorf("unexpected event %+v", ev)
	}
	if ev.SystemName != "metro" || *ev.TalkgroupAlias != "Fire Dispatch" || *ev.UnitAlias != "Engine 7" {
		t.Errorf("expected aliases projected, got %+v", ev)
	}
}

func TestCreateCall_LowConfidenceNeedsReview(t *testing.T) {
	f := newFixture(t)
	call := f.create(t, math.Log(0.2))
	if !call.NeedsReview {
		t.Error("expected low confidence call to need review")
	}
}

func TestNewService_ReviewThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		want      bool
	}{
		{"zero disables flagging", 0, false},
		{"negative uses default", -1, true},
		{"NaN uses default", math.NaN(), true},
		{"below confidence", 0.1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.svc = NewService(f.store, f.bus, Config{ReviewThreshold: tt.threshold})
			if call := f.create(t, math.Log(0.2)); call.NeedsReview != tt.want {
				t.Errorf("threshold %v: expected needsReview %v, got %v", tt.threshold, tt.want, call.NeedsReview)
			}
		})
	}
}

func TestCreateCall_NoChunks(t *testing.T) {
	f := newFixture(t)
	call, err := f.svc.CreateCall(context.Background(), CallCreate{
		SystemID:    f.systemID,
		AudioPath:   "/recordings/silent.wav",
		Transcriber: "mock",
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if call.Confidence != nil || call.NeedsReview {
		t.Errorf("expected nil confidence without review, got %v %v", call.Confidence, call.NeedsReview)
	}
	if !call.Timestamp.Equal(f.svc.now()) {
		t.Errorf("expected timestamp defaulted to now, got %v", call.Timestamp)
	}
}

func TestCreateCall_InvalidIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateCall(context.Background(), CallCreate{SystemID: f.systemID})
	if !errors.Is(err, ErrInvalidCall) {
		t.Fatalf("expected ErrInvalidCall, got %v", err)
	}
	if _, _, _, calls := f.store.Counts(); calls != 0 {
		t.Errorf("expected nothing persisted, got %d calls", calls)
	}
	if len(f.bus.Events()) != 0 {
		t.Error("expected no event for invalid call")
	}
}

func TestCreateCall_CommitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.FailNextCommit(errors.New("disk full"))

	_, err := f.svc.CreateCall(context.Background(), CallCreate{
		SystemID:    f.systemID,
		AudioPath:   "/recordings/a.wav",
		Transcriber: "mock",
	})
	if err == nil {
		t.Fatal("expected commit error")
	}
	if _, _, _, calls := f.store.Counts(); calls != 0 {
		t.Errorf("expected rollback, got %d calls", calls)
	}
	if len(f.bus.Events()) != 0 {
		t.Error("expected no event after failed commit")
	}
}

func TestCreateCall_UnknownTalkgroupRollsBack(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateCall(context.Background(), CallCreate{
		SystemID:    f.systemID,
		TalkgroupID: ptr(int64(999)),
		AudioPath:   "/recordings/a.wav",
		Transcriber: "mock",
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, _, calls := f.store.Counts(); calls != 0 {
		t.Errorf("expected insert rolled back, got %d calls", calls)
	}
}

func TestPatchCall_IdempotentAndPublishesEachTime(t *testing.T) {
	f := newFixture(t)
	call := f.create(t, math.Log(0.2))
	ctx := context.Background()

	patch := CallPatch{
		CorrectedTranscript: ptr("  Engine 7 responding to Main  "),
		NeedsReview:         ptr(false),
		ReviewedBy:          ptr(int64(42)),
	}
	first, err := f.svc.PatchCall(ctx, call.ID, patch)
	if err != nil {
		t.Fatalf("PatchCall: %v", err)
	}
	second, err := f.svc.PatchCall(ctx, call.ID, patch)
	if err != nil {
		t.Fatalf("PatchCall: %v", err)
	}

	if *first.CorrectedTranscript != "Engine 7 responding to Main" {
		t.Errorf("expected trimmed correction, got %q", *first.CorrectedTranscript)
	}
	if first.ReviewedAt == nil || *first.ReviewedBy != 42 || first.NeedsReview {
		t.Errorf("expected review stamped, got %+v", first)
	}
	if *second.CorrectedTranscript != *first.CorrectedTranscript || !second.ReviewedAt.Equal(*first.ReviewedAt) ||
		second.NeedsReview != first.NeedsReview || *second.ReviewedBy != *first.ReviewedBy {
		t.Errorf("expected identical state after repeat patch, got %+v vs %+v", second, first)
	}

	events := f.bus.Events()
	if len(events) != 3 {
		t.Fatalf("expected create + 2 patch events, got %d", len(events))
	}
	if *events[2].CorrectedTranscript != "Engine 7 responding to Main" || events[2].ReviewedAt == nil {
		t.Errorf("expected patch event to carry the correction, got %+v", events[2])
	}

	got, err := f.svc.GetCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if *got.CorrectedTranscript != "Engine 7 responding to Main" || got.Transcript != "engine 7 responding" {
		t.Errorf("expected original transcript kept alongside correction, got %+v", got)
	}
}

func TestPatchCall_NeedsReviewOnly(t *testing.T) {
	f := newFixture(t)
	call := f.create(t, math.Log(0.9))

	got, err := f.svc.PatchCall(context.Background(), call.ID, CallPatch{NeedsReview: ptr(true)})
	if err != nil {
		t.Fatalf("PatchCall: %v", err)
	}
	if !got.NeedsReview || got.ReviewedAt != nil || got.CorrectedTranscript != nil {
		t.Errorf("expected only needs_review changed, got %+v", got)
	}
}

func TestPatchCall_Errors(t *testing.T) {
	f := newFixture(t)
	call := f.create(t, 0)
	ctx := context.Background()

	if _, err := f.svc.PatchCall(ctx, call.ID, CallPatch{CorrectedTranscript: ptr("   ")}); !errors.Is(err, ErrInvalidPatch) {
		t.Errorf("expected ErrInvalidPatch for blank correction, got %v", err)
	}
	if _, err := f.svc.PatchCall(ctx, 999, CallPatch{NeedsReview: ptr(true)}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.svc.GetCall(ctx, 999); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("expected ErrCallNotFound, got %v", err)
	}
	if n := len(f.bus.Events()); n != 1 {
		t.Errorf("expected only the create event, got %d", n)
	}
}

func TestPatchCall_CommitFailurePublishesNothing(t *testing.T) {
	f := newFixture(t)
	call := f.create(t, 0)
	f.store.FailNextCommit(errors.New("lost connection"))

	if _, err := f.svc.PatchCall(context.Background(), call.ID, CallPatch{CorrectedTranscript: ptr("fixed")}); err == nil {
		t.Fatal("expected error")
	}
	got, _ := f.svc.GetCall(context.Background(), call.ID)
	if got.CorrectedTranscript != nil {
		t.Error("expected correction rolled back")
	}
	if n := len(f.bus.Events()); n != 1 {
		t.Errorf("expected no patch event, got %d events", n)
	}
}

func TestSearchCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := f.svc.CreateCall(ctx, CallCreate{
			SystemID:    f.systemID,
			TalkgroupID: &f.tgID,
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			AudioPath:   "/recordings/x.wav",
			Chunks:      []stt.Chunk{{AvgLogProb: math.Log(0.1 + 0.2*float64(i))}},
			Transcriber: "mock",
		})
		if err != nil {
			t.Fatalf("CreateCall %d: %v", i, err)
		}
	}

	page, err := f.svc.SearchCalls(ctx, SearchParams{Page: 1, PerPage: 2})
	if err != nil {
		t.Fatalf("SearchCalls: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 {
		t.Fatalf("expected 2 of 5, got %d of %d", len(page.Items), page.Total)
	}
	if !page.Items[0].Timestamp.After(page.Items[1].Timestamp) {
		t.Error("expected newest first")
	}

	last, _ := f.svc.SearchCalls(ctx, SearchParams{Page: 3, PerPage: 2})
	if len(last.Items) != 1 {
		t.Errorf("expected 1 item on the last page, got %d", len(last.Items))
	}

	filtered, _ := f.svc.SearchCalls(ctx, SearchParams{Filter: store.CallFilter{
		MinConfidence: ptr(0.4),
		Since:         ptr(base.Add(90 * time.Minute)),
	}})
	if filtered.Total != 3 || filtered.PerPage != DefaultPageSize {
		t.Errorf("expected 3 matches on a default page, got %d (perPage %d)", filtered.Total, filtered.PerPage)
	}

	none, _ := f.svc.SearchCalls(ctx, SearchParams{Filter: store.CallFilter{UnitID: ptr(int64(12345))}})
	if none.Total != 0 || none.Items == nil {
		t.Errorf("expected empty non-nil page, got %+v", none)
	}
}

func TestAudioProcessed(t *testing.T) {
	f := newFixture(t)
	call := f.create(t, -0.1)

	ok, err := f.svc.AudioProcessed(context.Background(), call.AudioPath)
	if err != nil || !ok {
		t.Errorf("expected %s processed, got %v %v", call.AudioPath, ok, err)
	}
	ok, err = f.svc.AudioProcessed(context.Background(), "/recordings/never-seen.wav")
	if err != nil || ok {
		t.Errorf("expected unseen path unprocessed, got %v %v", ok, err)
	}
}
