package whisper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"radio-transcription-service/internal/service/stt"
)

const verboseBody = `{
  "text": " Engine 5 responding.",
  "language": "en",
  "duration": 2.5,
  "segments": [
    {"start": 0.0, "end": 1.2, "text": " Engine 5", "avg_logprob": -0.2, "no_speech_prob": 0.01},
    {"start": 1.2, "end": 2.5, "text": " responding.", "avg_logprob": -0.4, "no_speech_prob": 0.05}
  ]
}`

type captured struct {
	auth     string
	filename string
	fileSize int
	fields   map[string]string
}

func newServer(t *testing.T, status int, body string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			got.auth = r.Header.Get("Authorization")
			got.fields = map[string]string{}
			mr, err := r.MultipartReader()
			if err != nil {
				t.Errorf("multipart reader: %v", err)
				return
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Errorf("next part: %v", err)
					return
				}
				data, _ := io.ReadAll(part)
				if part.FormName() == "file" {
					got.filename = part.FileName()
					got.fileSize = len(data)
				} else {
					got.fields[part.FormName()] = string(data)
				}
			}
		} else {
			_, _ = io.Copy(io.Discard, r.Body)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribe_ParsesVerboseJSON(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, verboseBody, &got)
	c := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret", Model: "base.en"})

	res, err := c.Transcribe(context.Background(),
		stt.Audio{Data: make([]byte, 1600), SampleRate: 8000, Channels: 1, BitsPerSample: 16},
		stt.Options{Language: "en-US", Prompt: "Engine 5"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if len(res.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(res.Chunks))
	}
	if res.Chunks[1].AvgLogProb != -0.4 || res.Chunks[1].NoSpeechProb != 0.05 {
		t.Errorf("unexpected chunk probabilities %+v", res.Chunks[1])
	}
	if res.Chunks[0].End != 1200*time.Millisecond {
		t.Errorf("expected first chunk end 1.2s, got %v", res.Chunks[0].End)
	}
	if res.Duration != 2500*time.Millisecond || res.Language != "en" || res.Model != "base.en" {
		t.Errorf("unexpected result metadata %+v", res)
	}
	if res.Text() != "Engine 5 responding." {
		t.Errorf("unexpected text %q", res.Text())
	}

	if got.auth != "Bearer secret" {
		t.Errorf("expected bearer token, got %q", got.auth)
	}
	if got.filename != "segment.wav" || got.fileSize != 44+1600 {
		t.Errorf("expected WAV-wrapped upload, got %s (%d bytes)", got.filename, got.fileSize)
	}
	if got.fields["language"] != "en" {
		t.Errorf("expected ISO-639-1 language, got %q", got.fields["language"])
	}
	if got.fields["prompt"] != "Engine 5" || got.fields["response_format"] != "verbose_json" {
		t.Errorf("unexpected form fields %v", got.fields)
	}
}

func TestTranscribe_UploadsFilePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call-17.mp3")
	if err := os.WriteFile(path, []byte("ID3-fake-mp3"), 0o644); err != nil {
		t.Fatal(err)
	}
	var got captured
	srv := newServer(t, http.StatusOK, `{"text":"copy that","duration":1.0}`, &got)
	c := NewClient(Config{BaseURL: srv.URL})

	res, err := c.Transcribe(context.Background(), stt.Audio{Path: path}, stt.Options{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.filename != "call-17.mp3" {
		t.Errorf("expected original file name, got %s", got.filename)
	}
	if _, ok := got.fields["language"]; ok {
		t.Error("expected no language field without a hint")
	}
	if len(res.Chunks) != 1 || res.Text() != "copy that" {
		t.Errorf("expected text-only reply as one chunk, got %+v", res.Chunks)
	}
}

func TestTranscribe_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"server error", http.StatusBadGateway, "upstream down", false},
		{"rate limited", http.StatusTooManyRequests, "slow down", false},
		{"bad request", http.StatusBadRequest, "invalid file", true},
		{"unauthorized", http.StatusUnauthorized, "no", true},
		{"garbage json", http.StatusOK, "{not json", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.status, tt.body, nil)
			c := NewClient(Config{BaseURL: srv.URL})
			_, err := c.Transcribe(context.Background(),
				stt.Audio{Data: make([]byte, 160), SampleRate: 8000}, stt.Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			if stt.IsPermanent(err) != tt.permanent {
				t.Errorf("permanent = %v, want %v (%v)", stt.IsPermanent(err), tt.permanent, err)
			}
		})
	}
}

func TestTranscribe_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Timeout: time.Second})
	_, err := c.Transcribe(context.Background(), stt.Audio{Data: make([]byte, 160), SampleRate: 8000}, stt.Options{})
	if err == nil || !stt.IsTransient(err) || stt.IsPermanent(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestTranscribe_InvalidInputIsPermanent(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	inputs := []stt.Audio{
		{},
		{Data: make([]byte, 10)},
		{Path: filepath.Join(t.TempDir(), "missing.wav")},
	}
	for _, in := range inputs {
		if _, err := c.Transcribe(context.Background(), in, stt.Options{}); !stt.IsPermanent(err) {
			t.Errorf("expected permanent error for %+v, got %v", in.Path, err)
		}
	}
}

func TestWhisperLanguage(t *testing.T) {
	for in, want := range map[string]string{"en-US": "en", "es": "es", "PT-br": "pt"} {
		if got := whisperLanguage(in); got != want {
			t.Errorf("whisperLanguage(%q) = %q, want %q", in, got, want)
		}
	}
	if !strings.HasSuffix(truncate([]byte(strings.Repeat("x", 300)), 10), "...") {
		t.Error("expected truncation marker")
	}
}
