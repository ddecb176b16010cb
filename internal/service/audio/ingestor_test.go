package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"radio-transcription-service/internal/service/audio/wav"
	"radio-transcription-service/internal/service/dispatch"
	"radio-transcription-service/internal/service/segment"
)

var testFormat = segment.Format{SampleRate: 8000, Channels: 1, BitsPerSample: 16}

// tone returns an alternating +/-16000 square wave.
func tone(d time.Duration) []byte {
	frames := testFormat.Frames(d)
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		v := int16(16000)
		if i%2 == 1 {
			v = -16000
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func silence(d time.Duration) []byte {
	return make([]byte, testFormat.Frames(d)*2)
}

// fakeSubmitter records jobs and fails with errs in order.
type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	errs []error
}

func (f *fakeSubmitter) Submit(_ context.Context, job dispatch.Job) (*dispatch.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.jobs = append(f.jobs, job)
	return &dispatch.Request{ID: fmt.Sprintf("req-%d", len(f.jobs)), Job: job}, nil
}

func (f *fakeSubmitter) Jobs() []dispatch.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Job(nil), f.jobs...)
}

type fakePrompts struct {
	prompt string
	err    error
	calls  int
}

func (f *fakePrompts) TalkgroupPrompt(_ context.Context, _ string, _ int) (string, error) {
	f.calls++
	return f.prompt, f.err
}

func testIngestor(sub Submitter, prompts PromptSource, outDir string) *Ingestor {
	return NewIngestor(Config{
		Segmenter: segment.Config{
			Format:           testFormat,
			MinDuration:      time.Second,
			MinSilence:       500 * time.Millisecond,
			SilenceThreshold: -40,
			Step:             time.Millisecond,
		},
		OutputDir: outDir,
		Language:  "en-US",
	}, sub, prompts)
}

func ptr[T any](v T) *T { return &v }

func TestSession_SubmitsSegmentsInOrder(t *testing.T) {
	sub := &fakeSubmitter{}
	prompts := &fakePrompts{prompt: "engine ladder battalion"}
	dir := t.TempDir()
	in := testIngestor(sub, prompts, dir)

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s, err := in.NewSession(context.Background(), "scanner-1", dispatch.Hints{
		SystemName:      "metro",
		TalkgroupNumber: ptr(100),
		Timestamp:       start,
	}, TrackSubmissions())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	// Write in small chunks the way a network reader would.
	audio := bytes.Join([][]byte{
		tone(1500 * time.Millisecond),
		silence(700 * time.Millisecond),
		tone(300 * time.Millisecond),
	}, nil)
	for off := 0; off < len(audio); off += 320 {
		end := min(off+320, len(audio))
		if _, err := s.Write(audio[off:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := len(sub.Jobs()); got != 1 {
		t.Fatalf("expected 1 job before close, got %d", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	jobs := sub.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	first, last := jobs[0], jobs[1]
	if first.Key != "scanner-1-seg-1" || last.Key != "scanner-1-seg-2" {
		t.Errorf("unexpected keys %s, %s", first.Key, last.Key)
	}
	if first.Duration != 1500*time.Millisecond || last.Duration != 300*time.Millisecond {
		t.Errorf("unexpected durations %v, %v", first.Duration, last.Duration)
	}
	if !first.Hints.Timestamp.Equal(start) || !last.Hints.Timestamp.Equal(start.Add(2200*time.Millisecond)) {
		t.Errorf("unexpected timestamps %v, %v", first.Hints.Timestamp, last.Hints.Timestamp)
	}
	if first.Options.Prompt != "engine ladder battalion" || first.Options.Language != "en-US" {
		t.Errorf("unexpected options %+v", first.Options)
	}
	if prompts.calls != 1 {
		t.Errorf("expected one prompt lookup per session, got %d", prompts.calls)
	}

	wantPath := filepath.Join(dir, "scanner-1-seg-1-"+in.cfg.RunID+".wav")
	if first.Audio.Path != wantPath || len(first.Audio.Data) == 0 || first.Audio.SampleRate != 8000 {
		t.Errorf("unexpected audio %+v", first.Audio.Path)
	}
	h, pcm, err := wav.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("segment file: %v", err)
	}
	if h.Duration() != 1500*time.Millisecond || !bytes.Equal(pcm, first.Audio.Data) {
		t.Errorf("segment file does not match submitted audio")
	}

	st := s.Stats()
	if st.Segments != 2 || st.Submitted != 2 || st.Rejected != 0 || st.Bytes != int64(len(audio)) {
		t.Errorf("unexpected stats %+v", st)
	}
	subs := s.Submissions()
	if len(subs) != 2 || subs[0] != (Submission{RequestID: "req-1", SegmentID: "scanner-1-seg-1"}) {
		t.Errorf("unexpected submissions %+v", subs)
	}
}

func TestSession_LongStreamKeepsNoAudio(t *testing.T) {
	sub := &fakeSubmitter{}
	s, err := testIngestor(sub, nil, "").NewSession(context.Background(), "feed-1", dispatch.Hints{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()

	burst := bytes.Join([][]byte{tone(1500 * time.Millisecond), silence(600 * time.Millisecond)}, nil)
	for i := 0; i < 50; i++ {
		if _, err := s.Write(burst); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if got := s.Stats().Submitted; got != 50 {
		t.Fatalf("expected 50 submitted, got %d", got)
	}
	s.mu.Lock()
	held := len(s.submissions)
	s.mu.Unlock()
	if held != 0 || len(s.Submissions()) != 0 {
		t.Errorf("expected an untracked session to hold nothing, got %d entries", held)
	}
}

func TestSession_SegmentFilesUniqueAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for run := 0; run < 2; run++ {
		sub := &fakeSubmitter{}
		s, err := testIngestor(sub, nil, dir).NewSession(context.Background(), "http-sys", dispatch.Hints{})
		if err != nil {
			t.Fatalf("NewSession: %v", err)
		}
		if _, err := s.Write(tone(1200 * time.Millisecond)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		s.Close()
		jobs := sub.Jobs()
		if len(jobs) != 1 || jobs[0].Key != "http-sys-seg-1" {
			t.Fatalf("expected one http-sys-seg-1 job, got %+v", jobs)
		}
		paths = append(paths, jobs[0].Audio.Path)
	}
	if paths[0] == paths[1] {
		t.Fatalf("expected distinct segment files, both runs wrote %s", paths[0])
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("segment file missing: %v", err)
		}
	}
}

func TestSession_ForgetOnCloseRestartsNumbering(t *testing.T) {
	tests := []struct {
		name string
		opts []SessionOption
		want string
	}{
		{"reused id keeps counting", nil, "radio-seg-2"},
		{"forgotten id starts over", []SessionOption{ForgetOnClose()}, "radio-seg-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			in := testIngestor(sub, nil, "")
			for i := 0; i < 2; i++ {
				s, err := in.NewSession(context.Background(), "radio", dispatch.Hints{}, tt.opts...)
				if err != nil {
					t.Fatalf("NewSession: %v", err)
				}
				_, _ = s.Write(tone(1200 * time.Millisecond))
				s.Close()
			}
			jobs := sub.Jobs()
			if len(jobs) != 2 || jobs[1].Key != tt.want {
				t.Errorf("expected second key %s, got %+v", tt.want, jobs)
			}
		})
	}
}

func TestSession_RejectedSegmentDoesNotStopStream(t *testing.T) {
	sub := &fakeSubmitter{errs: []error{dispatch.ErrQueueFull}}
	s, err := testIngestor(sub, nil, "").NewSession(context.Background(), "scanner-2", dispatch.Hints{SystemName: "metro"})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.Write(tone(1200 * time.Millisecond)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if _, err := s.Write(silence(600 * time.Millisecond)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	_ = s.Close()

	st := s.Stats()
	if st.Segments != 2 || st.Rejected != 1 || st.Submitted != 1 {
		t.Errorf("expected one rejected and one submitted segment, got %+v", st)
	}
	jobs := sub.Jobs()
	if len(jobs) != 1 || jobs[0].Key != "scanner-2-seg-2" {
		t.Errorf("expected the second segment submitted, got %+v", jobs)
	}
	if jobs[0].Audio.Path != "" {
		t.Errorf("expected in-memory segment without output dir, got path %s", jobs[0].Audio.Path)
	}
}

func TestSession_WriteAfterClose(t *testing.T) {
	s, err := testIngestor(&fakeSubmitter{}, nil, "").NewSession(context.Background(), "scanner-3", dispatch.Hints{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	_ = s.Close()
	if _, err := s.Write(tone(time.Second)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("expected second Close to be a no-op, got %v", err)
	}
}

func TestSession_SilentStreamSubmitsNothing(t *testing.T) {
	sub := &fakeSubmitter{}
	s, err := testIngestor(sub, nil, "").NewSession(context.Background(), "scanner-4", dispatch.Hints{})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	_, _ = s.Write(silence(3 * time.Second))
	_ = s.Close()
	if n := len(sub.Jobs()); n != 0 {
		t.Errorf("expected no jobs, got %d", n)
	}
}

func TestNewSession_InvalidFormat(t *testing.T) {
	in := NewIngestor(Config{Segmenter: segment.Config{Format: segment.Format{SampleRate: 8000, Channels: 1, BitsPerSample: 8}, MinSilence: time.Second}}, &fakeSubmitter{}, nil)
	if _, err := in.NewSession(context.Background(), "bad", dispatch.Hints{}); !errors.Is(err, segment.ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestSubmitFile_WAV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "call.wav")
	if err := wav.WriteFile(path, tone(2*time.Second), 8000, 1, 16); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	mtime := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	sub := &fakeSubmitter{}
	prompts := &fakePrompts{prompt: "station 4"}
	req, err := testIngestor(sub, prompts, "").SubmitFile(context.Background(), "upload", path, dispatch.Hints{
		SystemName:      "metro",
		TalkgroupNumber: ptr(200),
	})
	if err != nil {
		t.Fatalf("SubmitFile: %v", err)
	}
	if req.ID == "" {
		t.Error("expected a request")
	}

	job := sub.Jobs()[0]
	if job.Key != path || job.Audio.Path != path || len(job.Audio.Data) != 0 {
		t.Errorf("expected a path-only job keyed by path, got %+v", job.Audio)
	}
	if job.Duration != 2*time.Second || job.Audio.SampleRate != 8000 {
		t.Errorf("expected probed duration and format, got %v %d", job.Duration, job.Audio.SampleRate)
	}
	if !job.Hints.Timestamp.Equal(mtime) {
		t.Errorf("expected mtime timestamp, got %v", job.Hints.Timestamp)
	}
	if job.Options.Prompt != "station 4" {
		t.Errorf("expected talkgroup prompt, got %q", job.Options.Prompt)
	}
}

func TestSubmitFile_MP3KeepsHintTimestamp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.MP3")
	if err := os.WriteFile(path, []byte("ID3"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	sub := &fakeSubmitter{}
	prompts := &fakePrompts{err: errors.New("store down")}
	if _, err := testIngestor(sub, prompts, "").SubmitFile(context.Background(), "watcher", path, dispatch.Hints{
		SystemName:      "metro",
		TalkgroupNumber: ptr(1),
		Timestamp:       ts,
	}); err != nil {
		t.Fatalf("SubmitFile: %v", err)
	}
	job := sub.Jobs()[0]
	if job.Duration != 0 || !job.Hints.Timestamp.Equal(ts) {
		t.Errorf("unexpected job %+v", job)
	}
	if job.Options.Prompt != "" {
		t.Errorf("expected no prompt when lookup fails, got %q", job.Options.Prompt)
	}
}

func TestSubmitFile_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.wav")
	if err := os.WriteFile(bad, []byte("not a wav file at all, definitely not"), 0o644); err != nil {
		t.Fatal(err)
	}
	in := testIngestor(&fakeSubmitter{errs: []error{dispatch.ErrAlreadyInFlight}}, nil, "")

	if _, err := in.SubmitFile(context.Background(), "upload", filepath.Join(dir, "notes.txt"), dispatch.Hints{}); !errors.Is(err, ErrUnsupportedFile) {
		t.Errorf("expected ErrUnsupportedFile, got %v", err)
	}
	if _, err := in.SubmitFile(context.Background(), "upload", filepath.Join(dir, "missing.wav"), dispatch.Hints{}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if _, err := in.SubmitFile(context.Background(), "upload", bad, dispatch.Hints{}); !errors.Is(err, wav.ErrNotWAV) {
		t.Errorf("expected ErrNotWAV, got %v", err)
	}

	good := filepath.Join(dir, "good.wav")
	if err := wav.WriteFile(good, tone(time.Second), 8000, 1, 16); err != nil {
		t.Fatal(err)
	}
	if _, err := in.SubmitFile(context.Background(), "upload", good, dispatch.Hints{}); !errors.Is(err, dispatch.ErrAlreadyInFlight) {
		t.Errorf("expected ErrAlreadyInFlight, got %v", err)
	}
}

func TestSupported(t *testing.T) {
	tests := map[string]bool{
		"a.wav":     true,
		"a.WAV":     true,
		"b.mp3":     true,
		"c.flac":    false,
		"noext":     false,
		"x.wav.tmp": false,
	}
	for path, want := range tests {
		if got := Supported(path); got != want {
			t.Errorf("Supported(%q) = %v, want %v", path, got, want)
		}
	}
}
