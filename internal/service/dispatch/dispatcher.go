// Package dispatch runs transcription requests on a bounded worker pool with
// per-attempt timeouts and retry with backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/observability/logging"
	"radio-transcription-service/internal/observability/metrics"
	"radio-transcription-service/internal/service/stt"
)

var (
	ErrAlreadyInFlight  = errors.New("request already in flight for segment")
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrClosed           = errors.New("dispatcher closed")
	ErrRetriesExhausted = errors.New("transcription retries exhausted")
	ErrPersistFailed    = errors.New("persisting transcription failed")
	// ErrPermanent marks result handler errors that must not be retried.
	ErrPermanent = errors.New("permanent result handler failure")
)

// Drop reasons recorded on failed requests.
const (
	ReasonPermanent        = "permanent"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonShutdown         = "shutdown"
	ReasonPersistFailed    = "persist_failed"
	ReasonInternal         = "internal"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent marks a result handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Hints are the radio metadata that travel with a segment.
type Hints struct {
	SystemName      string
	TalkgroupNumber *int
	TalkgroupAlias  *string
	UnitNumber      *int
	UnitAlias       *string
	Timestamp       time.Time
}

// Job is one unit of transcription work.
type Job struct {
	// Key identifies the segment. At most one request per key is live.
	Key      string
	Audio    stt.Audio
	Options  stt.Options
	Hints    Hints
	Duration time.Duration
}

// ResultHandler consumes successful transcriptions, typically by persisting
// them. Errors wrapped with Permanent are not retried.
type ResultHandler interface {
	HandleTranscription(ctx context.Context, req *Request, res *stt.Result) (*models.Call, error)
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(ctx context.Context, req *Request, res *stt.Result) (*models.Call, error)

func (f ResultHandlerFunc) HandleTranscription(ctx context.Context, req *Request, res *stt.Result) (*models.Call, error) {
	return f(ctx, req, res)
}

// Request is the handle returned by Submit. It completes once the request
// reaches SUCCEEDED or FAILED.
type Request struct {
	ID          string
	Job         Job
	SubmittedAt time.Time

	lc       lifecycle
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	result *stt.Result
	call   *models.Call
	err    error
	reason string
}

// Done is closed when the request finishes.
func (r *Request) Done() <-chan struct{} { return r.done }

// Wait blocks until the request finishes or ctx is done and returns the
// request error.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Request) State() State  { return r.lc.State() }
func (r *Request) Attempts() int { return r.lc.Attempts() }

// Result returns the transcription, nil unless SUCCEEDED.
func (r *Request) Result() *stt.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Call returns the persisted call, if any.
func (r *Request) Call() *models.Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.call
}

func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Reason returns the drop reason of a failed request.
func (r *Request) Reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Config sizes the pool and retry policy.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	AttemptTimeout time.Duration
	// PersistTimeout bounds each ResultHandler call.
	PersistTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig returns conservative defaults for a single ASR backend.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		QueueSize:      64,
		MaxAttempts:    3,
		AttemptTimeout: 2 * time.Minute,
		PersistTimeout: 30 * time.Second,
		BackoffBase:    2 * time.Second,
		BackoffMax:     30 * time.Second,
	}
}

// Dispatcher owns the queue and the workers.
type Dispatcher struct {
	cfg     Config
	tr      stt.Transcriber
	handler ResultHandler
	logger  zerolog.Logger
	metrics *metrics.Metrics

	queue chan *Request

	mu       sync.Mutex
	inflight map[string]*Request
	closed   bool

	// ctx is canceled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts cfg.Workers workers. handler may be nil.
func New(cfg Config, tr stt.Transcriber, handler ResultHandler) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		tr:       tr,
		handler:  handler,
		logger:   logging.WithComponent("dispatcher"),
		metrics:  metrics.DefaultMetrics,
		queue:    make(chan *Request, cfg.QueueSize),
		inflight: make(map[string]*Request),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info().
		Int("workers", cfg.Workers).
		Int("queueSize", cfg.QueueSize).
		Int("maxAttempts", cfg.MaxAttempts).
		Str("sttProvider", tr.Name()).
		Msg("Dispatcher started")
	return d
}

// Submit enqueues job without blocking.
func (d *Dispatcher) Submit(ctx context.Context, job Job) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if job.Key == "" {
		return nil, errors.New("job key is required")
	}

	r := &Request{
		ID:          uuid.NewString(),
		Job:         job,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.metrics.RecordSubmit("closed")
		return nil, ErrClosed
	}
	if _, ok := d.inflight[job.Key]; ok {
		d.metrics.RecordSubmit("in_flight")
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInFlight, job.Key)
	}
	select {
	case d.queue <- r:
	default:
		d.metrics.RecordSubmit("queue_full")
		return nil, ErrQueueFull
	}
	d.inflight[job.Key] = r
	d.metrics.RecordSubmit("accepted")
	d.metrics.SetQueueDepth(len(d.queue))
	return r, nil
}

// InFlight returns the number of live requests.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Close stops accepting work and waits for queued requests to finish. If
// ctx ends first, running attempts are canceled and the remaining requests
// fail with reason shutdown.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info().Msg("Dispatcher drained")
		return nil
	case <-ctx.Done():
		d.logger.Warn().Int("inFlight", d.InFlight()).Msg("Dispatcher drain timed out, canceling")
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for r := range d.queue {
		d.metrics.SetQueueDepth(len(d.queue))
		d.process(r)
	}
}

func (d *Dispatcher) process(r *Request) {
	log := logging.WithRequest(r.ID, r.Job.Key, d.tr.Name())

	for {
		if d.ctx.Err() != nil {
			d.fail(r, log, ReasonShutdown, ErrClosed)
			return
		}
		if err := r.lc.dispatch(); err != nil {
			d.fail(r, log, ReasonInternal, err)
			return
		}
		attempt, err := r.lc.beginAttempt()
		if err != nil {
			d.fail(r, log, ReasonInternal, err)
			return
		}

		res, err := d.attempt(r, attempt)
		if err == nil {
			if err := r.lc.succeed(); err != nil {
				d.fail(r, log, ReasonInternal, err)
				return
			}
			d.persist(r, log, res)
			return
		}

		ev := log.Warn().Err(err).Int("attempt", attempt)
		switch {
		case d.ctx.Err() != nil:
			ev.Msg("Transcription interrupted by shutdown")
			d.fail(r, log, ReasonShutdown, err)
			return
		case stt.IsPermanent(err):
			ev.Msg("Transcription failed permanently")
			d.fail(r, log, ReasonPermanent, err)
			return
		case attempt >= d.cfg.MaxAttempts:
			ev.Msg("Transcription retries exhausted")
			d.fail(r, log, ReasonRetriesExhausted, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err))
			return
		}

		wait := d.backoff(attempt)
		ev.Dur("backoff", wait).Msg("Transcription failed, retrying")
		d.metrics.RecordRetry()
		if !d.sleep(wait) {
			d.fail(r, log, ReasonShutdown, err)
			return
		}
	}
}

// attempt runs one Transcribe call under the attempt timeout.
func (d *Dispatcher) attempt(r *Request, n int) (*stt.Result, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	res, err := d.tr.Transcribe(ctx, r.Job.Audio, r.Job.Options)
	latency := time.Since(start).Seconds()

	if err == nil && res == nil {
		err = stt.Transient(errors.New("transcriber returned no result"))
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && d.ctx.Err() == nil {
		err = stt.Transient(fmt.Errorf("attempt %d timed out after %v: %w", n, d.cfg.AttemptTimeout, err))
	}

	outcome := "success"
	if err != nil {
		outcome = stt.Classify(err)
		d.metrics.RecordSTTError(d.tr.Name(), outcome)
	}
	d.metrics.RecordAttempt(d.tr.Name(), outcome, latency)
	return res, err
}

// persist hands res to the result handler, retrying non-permanent errors with
// the same backoff and attempt budget as transcription. The request stays
// SUCCEEDED either way; a persistence failure is reported through Err.
func (d *Dispatcher) persist(r *Request, log zerolog.Logger, res *stt.Result) {
	r.mu.Lock()
	r.result = res
	r.mu.Unlock()

	if d.handler == nil {
		d.finish(r, StateSucceeded)
		return
	}

	var err error
	for n := 1; ; n++ {
		var call *models.Call
		call, err = d.handle(r, res)
		if err == nil {
			r.mu.Lock()
			r.call = call
			r.mu.Unlock()
			if call != nil {
				log.Info().Int64("callId", call.ID).Msg("Transcription persisted")
			}
			d.finish(r, StateSucceeded)
			return
		}
		if errors.Is(err, ErrPermanent) || n >= d.cfg.MaxAttempts || d.ctx.Err() != nil {
			break
		}
		wait := d.backoff(n)
		log.Warn().Err(err).Int("attempt", n).Dur("backoff", wait).Msg("Persisting transcription failed, retrying")
		if !d.sleep(wait) {
			break
		}
	}

	log.Error().Err(err).Msg("Persisting transcription failed, dropping")
	r.mu.Lock()
	r.err = fmt.Errorf("%w: %w", ErrPersistFailed, err)
	r.reason = ReasonPersistFailed
	r.mu.Unlock()
	d.metrics.RecordSegmentDropped(ReasonPersistFailed)
	d.finish(r, StateSucceeded)
}

func (d *Dispatcher) handle(r *Request, res *stt.Result) (*models.Call, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.PersistTimeout)
	defer cancel()
	call, err := d.handler.HandleTranscription(ctx, r, res)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && d.ctx.Err() == nil {
		err = fmt.Errorf("persist timed out after %v: %w", d.cfg.PersistTimeout, err)
	}
	return call, err
}

// fail marks r FAILED and finishes it. A request already terminal is still
// released so its key and Done channel never leak.
func (d *Dispatcher) fail(r *Request, log zerolog.Logger, reason string, err error) {
	if !r.lc.fail() {
		log.Error().Err(err).Str("state", r.lc.State().String()).Msg("Unexpected request state")
		d.finish(r, r.lc.State())
		return
	}
	r.mu.Lock()
	r.err = err
	r.reason = reason
	r.mu.Unlock()

	log.Error().
		Err(err).
		Str("reason", reason).
		Int("attempts", r.Attempts()).
		Msg("Transcription request failed")
	d.metrics.RecordSegmentDropped(reason)
	d.finish(r, StateFailed)
}

func (d *Dispatcher) finish(r *Request, state State) {
	r.doneOnce.Do(func() {
		d.mu.Lock()
		if d.inflight[r.Job.Key] == r {
			delete(d.inflight, r.Job.Key)
		}
		d.mu.Unlock()
		d.metrics.RecordRequestFinished(state.String())
		close(r.done)
	})
}

// backoff returns base*2^(n-1) capped at BackoffMax plus up to 25% jitter.
func (d *Dispatcher) backoff(n int) time.Duration {
	if d.cfg.BackoffBase <= 0 {
		return 0
	}
	wait := d.cfg.BackoffBase
	for i := 1; i < n && wait < d.cfg.BackoffMax; i++ {
		wait *= 2
	}
	wait = min(wait, d.cfg.BackoffMax)
	if quarter := int64(wait / 4); quarter > 0 {
		wait += time.Duration(rand.Int64N(quarter))
	}
	return wait
}

// sleep waits for wait or shutdown and reports whether it slept fully.
func (d *Dispatcher) sleep(wait time.Duration) bool {
	if wait <= 0 {
		return d.ctx.Err() == nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}
