// Package watcher submits radio recordings dropped into a directory tree.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/service/audio"
	"radio-transcription-service/internal/service/dispatch"
)

// FileSubmitter submits a finished recording.
type FileSubmitter interface {
	SubmitFile(ctx context.Context, source, path string, hints dispatch.Hints) (*dispatch.Request, error)
}

// ProcessedChecker reports whether a recording already has a call.
type ProcessedChecker interface {
	AudioProcessed(ctx context.Context, path string) (bool, error)
}

// Config configures a Watcher.
type Config struct {
	Dir string
	// SettleDelay is how long a file must go without writes before it is
	// submitted.
	SettleDelay time.Duration
	// CatchUp submits unprocessed recordings already in Dir on start.
	CatchUp bool
	// CatchUpInterval repeats the catch-up scan. Zero scans only on start.
	CatchUpInterval time.Duration
	// DefaultSystem names the radio system for files directly under Dir.
	DefaultSystem string
}

// Watcher watches Dir recursively with fsnotify.
type Watcher struct {
	cfg       Config
	files     FileSubmitter
	processed ProcessedChecker
	logger    zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
}

func New(cfg Config, files FileSubmitter, processed ProcessedChecker) *Watcher {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	return &Watcher{
		cfg:       cfg,
		files:     files,
		processed: processed,
		logger:    logging.WithComponent("watcher"),
		pending:   make(map[string]*time.Timer),
		ready:     make(chan string, 64),
	}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() {
		if err := fw.Close(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to close watcher")
		}
		w.stopTimers()
	}()

	if err := w.addTree(fw, w.cfg.Dir); err != nil {
		return err
	}
	w.logger.Info().Str("dir", w.cfg.Dir).Dur("settleDelay", w.cfg.SettleDelay).Msg("Recording watcher started")

	if w.cfg.CatchUp {
		w.catchUp(ctx)
	}
	var rescan <-chan time.Time
	if w.cfg.CatchUp && w.cfg.CatchUpInterval > 0 {
		t := time.NewTicker(w.cfg.CatchUpInterval)
		defer t.Stop()
		rescan = t.C
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Recording watcher stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("fsnotify event channel closed")
			}
			w.handle(ctx, fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("fsnotify error channel closed")
			}
			w.logger.Error().Err(err).Msg("fsnotify error")
		case path := <-w.ready:
			w.submit(ctx, path)
		case <-rescan:
			w.catchUp(ctx)
		}
	}
}

func (w *Watcher) catchUp(ctx context.Context) {
	n, err := w.CatchUp(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Catch-up scan failed")
		return
	}
	if n > 0 {
		w.logger.Info().Int("submitted", n).Msg("Catch-up scan submitted unprocessed recordings")
	}
}

// CatchUp submits every supported recording under Dir that has no call yet
// and returns how many were submitted.
func (w *Watcher) CatchUp(ctx context.Context) (int, error) {
	var submitted int
	err := filepath.WalkDir(w.cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !audio.Supported(path) {
			return nil
		}
		if w.submit(ctx, path) {
			submitted++
		}
		return nil
	})
	return submitted, err
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(fw, ev.Name); err != nil {
				w.logger.Error().Err(err).Str("dir", ev.Name).Msg("Failed to watch new directory")
			}
			return
		}
	}
	if !audio.Supported(ev.Name) {
		return
	}
	w.settle(ctx, ev.Name)
}

// settle (re)starts the quiet-period timer for path.
func (w *Watcher) settle(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.cfg.SettleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(w.cfg.SettleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// submit hands path to the ingestor unless it was already processed, and
// reports whether it was submitted.
func (w *Watcher) submit(ctx context.Context, path string) bool {
	log := w.logger.With().Str("path", path).Logger()

	if w.processed != nil {
		done, err := w.processed.AudioProcessed(ctx, path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to check recording")
			return false
		}
		if done {
			log.Debug().Msg("Recording already processed")
			return false
		}
	}

	_, err := w.files.SubmitFile(ctx, "watcher", path, ParseHints(w.cfg.Dir, path, w.cfg.DefaultSystem))
	switch {
	case err == nil:
		return true
	case errors.Is(err, dispatch.ErrAlreadyInFlight):
		log.Debug().Msg("Recording already in flight")
	default:
		log.Warn().Err(err).Msg("Failed to submit recording")
	}
	return false
}

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// recorderName matches trunk-recorder file names: <talkgroup>-<unix>_<freq>.
var recorderName = regexp.MustCompile(`^(\d+)-(\d{9,10})(?:_[\d.]+)?(?:[-_].*)?$`)

// ParseHints derives radio hints from a recording's location. The first
// directory under root names the system; otherwise defaultSystem is used. A
// trunk-recorder style file name supplies the talkgroup and timestamp.
func ParseHints(root, path, defaultSystem string) dispatch.Hints {
	h := dispatch.Hints{SystemName: defaultSystem}

	if rel, err := filepath.Rel(root, path); err == nil {
		if dir := filepath.Dir(rel); dir != "." && !filepath.IsAbs(dir) && dir != ".." {
			first := dir
			for parent := filepath.Dir(first); parent != "."; parent = filepath.Dir(first) {
				first = parent
			}
			if first != ".." {
				h.SystemName = first
			}
		}
	}

	base := filepath.Base(path)
	base = base[:len(base)-len(filepath.Ext(base))]
	if m := recorderName.FindStringSubmatch(base); m != nil {
		if tg, err := strconv.Atoi(m[1]); err == nil {
			h.TalkgroupNumber = &tg
		}
		if sec, err := strconv.ParseInt(m[2], 10, 64); err == nil {
			h.Timestamp = time.Unix(sec, 0).UTC()
		}
	}
	return h
}
