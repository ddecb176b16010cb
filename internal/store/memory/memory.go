// Package memory is an in-process Store used for development and tests.
//
// Writes apply immediately and are undone on Rollback. Concurrent
// transactions therefore observe each other's uncommitted rows, which is
// enough for the resolver's insert-or-reread loop since unique keys are
// checked against the live maps on every insert. Rolling back an update
// leaves the row alone if another transaction has overwritten it since, so
// a committed concurrent update is never lost.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/store"
)

type refKey struct {
	systemID int64
	number   int
}

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	nextID map[string]int64

	systems    map[int64]*models.System
	talkgroups map[int64]*models.Talkgroup
	units      map[int64]*models.RadioUnit
	calls      map[int64]*models.Call

	systemByName map[string]int64
	tgByKey      map[refKey]int64
	unitByKey    map[refKey]int64

	commitErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		nextID:       make(map[string]int64),
		systems:      make(map[int64]*models.System),
		talkgroups:   make(map[int64]*models.Talkgroup),
		units:        make(map[int64]*models.RadioUnit),
		calls:        make(map[int64]*models.Call),
		systemByName: make(map[string]int64),
		tgByKey:      make(map[refKey]int64),
		unitByKey:    make(map[refKey]int64),
	}
}

// FailNextCommit makes the next Commit roll back and return err.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

// Counts reports the number of rows per table.
func (s *Store) Counts() (systems, talkgroups, units, calls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.systems), len(s.talkgroups), len(s.units), len(s.calls)
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{s: s}, nil
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) id(table string) int64 {
	s.nextID[table]++
	return s.nextID[table]
}

type tx struct {
	s    *Store
	undo []func()
	done bool
}

// lock acquires the store mutex and fails if the tx is finished.
func (t *tx) lock() error {
	t.s.mu.Lock()
	if t.done {
		t.s.mu.Unlock()
		return store.ErrTxDone
	}
	return nil
}

func (t *tx) Commit(context.Context) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()

	if err := t.s.commitErr; err != nil {
		t.s.commitErr = nil
		t.rollbackLocked()
		return err
	}
	t.done = true
	t.undo = nil
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done {
		return nil
	}
	t.rollbackLocked()
	return nil
}

func (t *tx) rollbackLocked() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.done = true
}

// Systems

func (t *tx) GetSystem(_ context.Context, id int64) (*models.System, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	sys, ok := t.s.systems[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sys
	return &cp, nil
}

func (t *tx) FindSystemByName(_ context.Context, name string) (*models.System, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	id, ok := t.s.systemByName[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t.s.systems[id]
	return &cp, nil
}

func (t *tx) InsertSystem(_ context.Context, sys *models.System) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	if _, ok := t.s.systemByName[sys.Name]; ok {
		return store.ErrDuplicateKey
	}
	sys.ID = t.s.id("systems")
	cp := *sys
	t.s.systems[sys.ID] = &cp
	t.s.systemByName[sys.Name] = sys.ID
	id, name := sys.ID, sys.Name
	t.undo = append(t.undo, func() {
		delete(t.s.systems, id)
		delete(t.s.systemByName, name)
	})
	return nil
}

func (t *tx) UpdateSystem(_ context.Context, sys *models.System) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	old, ok := t.s.systems[sys.ID]
	if !ok {
		return store.ErrNotFound
	}
	if other, taken := t.s.systemByName[sys.Name]; taken && other != sys.ID {
		return store.ErrDuplicateKey
	}
	prev := *old
	cp := *sys
	t.s.systems[sys.ID] = &cp
	delete(t.s.systemByName, prev.Name)
	t.s.systemByName[sys.Name] = sys.ID
	t.undo = append(t.undo, func() {
		if t.s.systems[prev.ID] != &cp {
			return
		}
		delete(t.s.systemByName, cp.Name)
		t.s.systems[prev.ID] = &prev
		t.s.systemByName[prev.Name] = prev.ID
	})
	return nil
}

func (t *tx) ListSystems(context.Context) ([]models.System, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	out := make([]models.System, 0, len(t.s.systems))
	for _, sys := range t.s.systems {
		out = append(out, *sys)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Talkgroups

func (t *tx) GetTalkgroup(_ context.Context, id int64) (*models.Talkgroup, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	tg, ok := t.s.talkgroups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tg
	return &cp, nil
}

func (t *tx) FindTalkgroup(_ context.Context, systemID int64, number int) (*models.Talkgroup, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	id, ok := t.s.tgByKey[refKey{systemID, number}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t.s.talkgroups[id]
	return &cp, nil
}

func (t *tx) InsertTalkgroup(_ context.Context, tg *models.Talkgroup) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	if _, ok := t.s.systems[tg.SystemID]; !ok {
		return store.ErrNotFound
	}
	key := refKey{tg.SystemID, tg.Number}
	if _, ok := t.s.tgByKey[key]; ok {
		return store.ErrDuplicateKey
	}
	tg.ID = t.s.id("talkgroups")
	cp := *tg
	t.s.talkgroups[tg.ID] = &cp
	t.s.tgByKey[key] = tg.ID
	id := tg.ID
	t.undo = append(t.undo, func() {
		delete(t.s.talkgroups, id)
		delete(t.s.tgByKey, key)
	})
	return nil
}

func (t *tx) UpdateTalkgroup(_ context.Context, tg *models.Talkgroup) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	old, ok := t.s.talkgroups[tg.ID]
	if !ok {
		return store.ErrNotFound
	}
	if old.SystemID != tg.SystemID || old.Number != tg.Number {
		return errors.New("memory: talkgroup key is immutable")
	}
	prev := *old
	cp := *tg
	t.s.talkgroups[tg.ID] = &cp
	t.undo = append(t.undo, func() {
		if t.s.talkgroups[prev.ID] == &cp {
			t.s.talkgroups[prev.ID] = &prev
		}
	})
	return nil
}

func (t *tx) ListTalkgroups(_ context.Context, systemID int64) ([]models.Talkgroup, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	var out []models.Talkgroup
	for _, tg := range t.s.talkgroups {
		if tg.SystemID == systemID {
			out = append(out, *tg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Units

func (t *tx) GetUnit(_ context.Context, id int64) (*models.RadioUnit, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	u, ok := t.s.units[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *tx) FindUnit(_ context.Context, systemID int64, number int) (*models.RadioUnit, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	id, ok := t.s.unitByKey[refKey{systemID, number}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t.s.units[id]
	return &cp, nil
}

func (t *tx) InsertUnit(_ context.Context, u *models.RadioUnit) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	if _, ok := t.s.systems[u.SystemID]; !ok {
		return store.ErrNotFound
	}
	key := refKey{u.SystemID, u.Number}
	if _, ok := t.s.unitByKey[key]; ok {
		return store.ErrDuplicateKey
	}
	u.ID = t.s.id("radio_units")
	cp := *u
	t.s.units[u.ID] = &cp
	t.s.unitByKey[key] = u.ID
	id := u.ID
	t.undo = append(t.undo, func() {
		delete(t.s.units, id)
		delete(t.s.unitByKey, key)
	})
	return nil
}

func (t *tx) UpdateUnit(_ context.Context, u *models.RadioUnit) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	old, ok := t.s.units[u.ID]
	if !ok {
		return store.ErrNotFound
	}
	if old.SystemID != u.SystemID || old.Number != u.Number {
		return errors.New("memory: unit key is immutable")
	}
	prev := *old
	cp := *u
	t.s.units[u.ID] = &cp
	t.undo = append(t.undo, func() {
		if t.s.units[prev.ID] == &cp {
			t.s.units[prev.ID] = &prev
		}
	})
	return nil
}

func (t *tx) ListUnits(_ context.Context, systemID int64) ([]models.RadioUnit, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	var out []models.RadioUnit
	for _, u := range t.s.units {
		if u.SystemID == systemID {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Calls

func (t *tx) InsertCall(_ context.Context, c *models.Call) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	if _, ok := t.s.systems[c.SystemID]; !ok {
		return store.ErrNotFound
	}
	c.ID = t.s.id("calls")
	t.s.calls[c.ID] = c.Clone()
	id := c.ID
	t.undo = append(t.undo, func() { delete(t.s.calls, id) })
	return nil
}

func (t *tx) GetCall(_ context.Context, id int64) (*models.Call, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.s.mu.Unlock()
	c, ok := t.s.calls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.Clone(), nil
}

func (t *tx) UpdateCall(_ context.Context, c *models.Call) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.s.mu.Unlock()
	old, ok := t.s.calls[c.ID]
	if !ok {
		return store.ErrNotFound
	}
	written := c.Clone()
	t.s.calls[c.ID] = written
	t.undo = append(t.undo, func() {
		if t.s.calls[old.ID] == written {
			t.s.calls[old.ID] = old
		}
	})
	return nil
}

func (t *tx) SearchCalls(_ context.Context, f store.CallFilter) ([]models.Call, int, error) {
	if err := t.lock(); err != nil {
		return nil, 0, err
	}
	defer t.s.mu.Unlock()
	var matched []*models.Call
	for _, c := range t.s.calls {
		if f.Match(c) {
			matched = append(matched, c)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := len(matched)
	start := min(max(f.Offset, 0), total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}
	out := make([]models.Call, 0, end-start)
	for _, c := range matched[start:end] {
		out = append(out, *c.Clone())
	}
	return out, total, nil
}

func (t *tx) CallExistsForAudioPath(_ context.Context, path string) (bool, error) {
	if err := t.lock(); err != nil {
		return false, err
	}
	defer t.s.mu.Unlock()
	for _, c := range t.s.calls {
		if c.AudioPath == path {
			return true, nil
		}
	}
	return false, nil
}
