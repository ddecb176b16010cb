package reference

import (
	"context"
	"errors"
	"sync"
	"testing"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/store"
	"radio-transcription-service/internal/store/memory"
)

func ptr[T any](v T) *T { return &v }

// racingStore lets a competing writer commit the same key right before the
// first insert of each kind, so that insert loses the race.
type racingStore struct {
	*memory.Store
	mu    sync.Mutex
	raced map[string]bool
}

func newRacingStore() *racingStore {
	return &racingStore{Store: memory.New(), raced: map[string]bool{}}
}

func (s *racingStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &racingTx{Tx: tx, s: s}, nil
}

func (s *racingStore) once(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raced[kind] {
		return false
	}
	s.raced[kind] = true
	return true
}

type racingTx struct {
	store.Tx
	s *racingStore
}

func (t *racingTx) InsertSystem(ctx context.Context, sys *models.System) error {
	if t.s.once("system") {
		_ = store.WithTx(ctx, t.s.Store, func(tx store.Tx) error {
			return tx.InsertSystem(ctx, &models.System{Name: sys.Name})
		})
	}
	return t.Tx.InsertSystem(ctx, sys)
}

func (t *racingTx) InsertTalkgroup(ctx context.Context, tg *models.Talkgroup) error {
	if t.s.once("talkgroup") {
		_ = store.WithTx(ctx, t.s.Store, func(tx store.Tx) error {
			return tx.InsertTalkgroup(ctx, &models.Talkgroup{SystemID: tg.SystemID, Number: tg.Number, Alias: ptr("winner")})
		})
	}
	return t.Tx.InsertTalkgroup(ctx, tg)
}

func TestResolveSystem_CreatesOnce(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s)

	id1, err := r.ResolveSystem(ctx, "metro", nil)
	if err != nil {
		t.Fatalf("ResolveSystem: %v", err)
	}
	id2, err := r.ResolveSystem(ctx, " metro ", ptr("Metro P25"))
	if err != nil {
		t.Fatalf("ResolveSystem: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same id, got %d and %d", id1, id2)
	}

	systems, err := r.ListSystems(ctx)
	if err != nil {
		t.Fatalf("ListSystems: %v", err)
	}
	if len(systems) != 1 || systems[0].Description == nil || *systems[0].Description != "Metro P25" {
		t.Errorf("expected one system with filled description, got %+v", systems)
	}

	if _, err := r.ResolveSystem(ctx, "  ", nil); !errors.Is(err, ErrEmptySystemName) {
		t.Errorf("expected ErrEmptySystemName, got %v", err)
	}
}

func TestResolveSystem_RereadsAfterLostRace(t *testing.T) {
	ctx := context.Background()
	s := newRacingStore()
	r := New(s)

	id, err := r.ResolveSystem(ctx, "county", nil)
	if err != nil {
		t.Fatalf("ResolveSystem: %v", err)
	}

	var winner *models.System
	_ = store.WithTx(ctx, s.Store, func(tx store.Tx) (err error) {
		winner, err = tx.FindSystemByName(ctx, "county")
		return err
	})
	if winner == nil || winner.ID != id {
		t.Errorf("expected the winner's id %v, got %d", winner, id)
	}
	if systems, _, _, _ := s.Counts(); systems != 1 {
		t.Errorf("expected 1 system, got %d", systems)
	}
}

func TestResolveTalkgroup_RereadsAfterLostRace(t *testing.T) {
	ctx := context.Background()
	s := newRacingStore()
	r := New(s)

	sysID, err := r.ResolveSystem(ctx, "county", nil)
	if err != nil {
		t.Fatalf("ResolveSystem: %v", err)
	}
	id, err := r.ResolveTalkgroup(ctx, sysID, ptr(100), nil, nil)
	if err != nil {
		t.Fatalf("ResolveTalkgroup: %v", err)
	}
	tgs, _ := r.ListTalkgroups(ctx, sysID)
	if len(tgs) != 1 || tgs[0].ID != *id || *tgs[0].Alias != "winner" {
		t.Errorf("expected to converge on the winner row, got %+v (id %d)", tgs, *id)
	}
}

func TestResolve_ConcurrentConverges(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := New(s)

	const n = 20
	ids := make([]int64, n)
	tgIDs := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sysID, err := r.ResolveSystem(ctx, "metro", nil)
			if err != nil {
				t.Errorf("ResolveSystem: %v", err)
				return
			}
			tg, err := r.ResolveTalkgroup(ctx, sysID, ptr(42), nil, nil)
			if err != nil {
				t.Errorf("ResolveTalkgroup: %v", err)
				return
			}
			ids[i], tgIDs[i] = sysID, *tg
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] || tgIDs[i] != tgIDs[0] {
			t.Fatalf("resolvers diverged: systems %v talkgroups %v", ids, tgIDs)
		}
	}
	if systems, talkgroups, _, _ := s.Counts(); systems != 1 || talkgroups != 1 {
		t.Errorf("expected 1 system and 1 talkgroup, got %d and %d", systems, talkgroups)
	}
}

func TestResolveTalkgroup_UpdatesAliasAndPrompt(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	sysID, _ := r.ResolveSystem(ctx, "metro", nil)

	if id, err := r.ResolveTalkgroup(ctx, sysID, nil, ptr("x"), nil); id != nil || err != nil {
		t.Fatalf("expected nil id for nil number, got %v %v", id, err)
	}

	id1, err := r.ResolveTalkgroup(ctx, sysID, ptr(7), ptr("Fire Dispatch"), nil)
	if err != nil {
		t.Fatalf("ResolveTalkgroup: %v", err)
	}
	// nil alias keeps the stored alias.
	if _, err := r.ResolveTalkgroup(ctx, sysID, ptr(7), nil, ptr("Engine, Ladder")); err != nil {
		t.Fatalf("ResolveTalkgroup: %v", err)
	}
	id2, err := r.ResolveTalkgroup(ctx, sysID, ptr(7), ptr("Fire Ops"), nil)
	if err != nil {
		t.Fatalf("ResolveTalkgroup: %v", err)
	}
	if *id1 != *id2 {
		t.Errorf("expected stable id, got %d and %d", *id1, *id2)
	}

	tgs, _ := r.ListTalkgroups(ctx, sysID)
	if len(tgs) != 1 {
		t.Fatalf("expected 1 talkgroup, got %d", len(tgs))
	}
	if *tgs[0].Alias != "Fire Ops" || *tgs[0].WhisperPrompt != "Engine, Ladder" {
		t.Errorf("unexpected talkgroup %+v", tgs[0])
	}

	prompt, err := r.TalkgroupPrompt(ctx, "metro", 7)
	if err != nil || prompt != "Engine, Ladder" {
		t.Errorf("TalkgroupPrompt = %q, %v", prompt, err)
	}
}

func TestResolveUnit(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	sysID, _ := r.ResolveSystem(ctx, "metro", nil)

	id1, err := r.ResolveUnit(ctx, sysID, ptr(1201), nil)
	if err != nil {
		t.Fatalf("ResolveUnit: %v", err)
	}
	id2, err := r.ResolveUnit(ctx, sysID, ptr(1201), ptr("Medic 12"))
	if err != nil {
		t.Fatalf("ResolveUnit: %v", err)
	}
	if *id1 != *id2 {
		t.Errorf("expected stable id, got %d and %d", *id1, *id2)
	}
	units, _ := r.ListUnits(ctx, sysID)
	if len(units) != 1 || units[0].Alias == nil || *units[0].Alias != "Medic 12" {
		t.Errorf("expected alias set, got %+v", units)
	}

	if id, err := r.ResolveUnit(ctx, sysID, nil, nil); id != nil || err != nil {
		t.Errorf("expected nil for nil number, got %v %v", id, err)
	}
}

func TestResolveTalkgroup_UnknownSystem(t *testing.T) {
	r := New(memory.New())
	if _, err := r.ResolveTalkgroup(context.Background(), 99, ptr(1), nil, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTalkgroupPrompt_Unknown(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())

	if p, err := r.TalkgroupPrompt(ctx, "nowhere", 1); p != "" || err != nil {
		t.Errorf("expected empty prompt for unknown system, got %q %v", p, err)
	}
	sysID, _ := r.ResolveSystem(ctx, "metro", nil)
	_, _ = r.ResolveTalkgroup(ctx, sysID, ptr(5), ptr("Police"), nil)
	if p, err := r.TalkgroupPrompt(ctx, "metro", 5); p != "" || err != nil {
		t.Errorf("expected empty prompt when unset, got %q %v", p, err)
	}
	if systems, talkgroups, _, _ := r.store.(*memory.Store).Counts(); systems != 1 || talkgroups != 1 {
		t.Errorf("expected lookups not to create rows, got %d systems %d talkgroups", systems, talkgroups)
	}
}

func TestImportTalkgroupAliases(t *testing.T) {
	ctx := context.Background()
	r := New(memory.New())
	sysID, _ := r.ResolveSystem(ctx, "metro", nil)
	_, _ = r.ResolveTalkgroup(ctx, sysID, ptr(100), ptr("Old Name"), ptr("keep me"))
	_, _ = r.ResolveTalkgroup(ctx, sysID, ptr(200), ptr("Same"), nil)

	res, err := r.ImportTalkgroupAliases(ctx, sysID, map[int]string{100: "Fire Dispatch", 200: "Same", 300: "EMS"})
	if err != nil {
		t.Fatalf("ImportTalkgroupAliases: %v", err)
	}
	if res != (ImportResult{Created: 1, Updated: 1, Unchanged: 1}) {
		t.Errorf("unexpected result %+v", res)
	}

	tgs, _ := r.ListTalkgroups(ctx, sysID)
	byNumber := map[int]models.Talkgroup{}
	for _, tg := range tgs {
		byNumber[tg.Number] = tg
	}
	if *byNumber[100].Alias != "Fire Dispatch" || *byNumber[100].WhisperPrompt != "keep me" {
		t.Errorf("expected alias updated with prompt kept, got %+v", byNumber[100])
	}
	if *byNumber[300].Alias != "EMS" {
		t.Errorf("expected new talkgroup, got %+v", byNumber[300])
	}

	if _, err := r.ImportTalkgroupAliases(ctx, 999, map[int]string{1: "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown system, got %v", err)
	}
}
