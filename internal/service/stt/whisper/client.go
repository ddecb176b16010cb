// Package whisper is a Transcriber that calls a remote Whisper server
// speaking the OpenAI-compatible /v1/audio/transcriptions API
// (faster-whisper-server, whisper.cpp server, speaches).
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"radio-transcription-service/internal/service/audio/wav"
	"radio-transcription-service/internal/service/stt"
)

// Config configures the client.
type Config struct {
	BaseURL string
	Token   string // optional, sent as Bearer
	Model   string // default "small"
	Timeout time.Duration
}

// Client implements stt.Transcriber. It makes one HTTP request per call;
// retries belong to the caller.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a remote Whisper client.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "small"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Name() string { return "whisper" }

// verboseResponse mirrors response_format=verbose_json.
type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		Text         string  `json:"text"`
		AvgLogProb   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe uploads the audio and parses the verbose JSON reply.
func (c *Client) Transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (*stt.Result, error) {
	name, body, err := openAudio(audio)
	if err != nil {
		return nil, stt.Permanent(err)
	}
	defer body.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()

		part, err := writer.CreateFormFile("file", name)
		if err != nil {
			errCh <- fmt.Errorf("create form file: %w", err)
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, body); err != nil {
			errCh <- fmt.Errorf("copy audio data: %w", err)
			pw.CloseWithError(err)
			return
		}
		_ = writer.WriteField("model", c.cfg.Model)
		_ = writer.WriteField("response_format", "verbose_json")
		if opts.Language != "" {
			_ = writer.WriteField("language", whisperLanguage(opts.Language))
		}
		if opts.Prompt != "" {
			_ = writer.WriteField("prompt", opts.Prompt)
		}
		errCh <- writer.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/audio/transcriptions", pr)
	if err != nil {
		pr.Close()
		return nil, stt.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		pr.Close()
		return nil, stt.Transient(fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if writeErr := <-errCh; writeErr != nil {
		return nil, stt.Transient(fmt.Errorf("multipart write: %w", writeErr))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, stt.Transient(fmt.Errorf("read response body: %w", err))
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, stt.Transient(fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(data, 200)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, stt.Permanent(fmt.Errorf("http %d: %s", resp.StatusCode, truncate(data, 200)))
	}

	var parsed verboseResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, stt.Transient(fmt.Errorf("decode response: %w", err))
	}

	res := &stt.Result{
		Language: parsed.Language,
		Duration: floatSecToDuration(parsed.Duration),
		Model:    c.cfg.Model,
	}
	for _, s := range parsed.Segments {
		res.Chunks = append(res.Chunks, stt.Chunk{
			Text:         s.Text,
			Start:        floatSecToDuration(s.Start),
			End:          floatSecToDuration(s.End),
			AvgLogProb:   s.AvgLogProb,
			NoSpeechProb: s.NoSpeechProb,
		})
	}
	// Servers that omit segments still return the text.
	if len(res.Chunks) == 0 && strings.TrimSpace(parsed.Text) != "" {
		res.Chunks = []stt.Chunk{{Text: parsed.Text, End: res.Duration}}
	}
	return res, nil
}

// openAudio returns the upload name and body for audio. Raw PCM is wrapped
// in a WAV header.
func openAudio(audio stt.Audio) (string, io.ReadCloser, error) {
	if len(audio.Data) > 0 {
		bits := audio.BitsPerSample
		if bits == 0 {
			bits = 16
		}
		channels := max(audio.Channels, 1)
		if audio.SampleRate <= 0 {
			return "", nil, errors.New("raw audio without a sample rate")
		}
		data := wav.Encode(audio.Data, audio.SampleRate, channels, bits)
		return "segment.wav", io.NopCloser(bytes.NewReader(data)), nil
	}
	if audio.Path == "" {
		return "", nil, errors.New("no audio data or path")
	}
	f, err := os.Open(audio.Path)
	if err != nil {
		return "", nil, fmt.Errorf("open audio file: %w", err)
	}
	return filepath.Base(audio.Path), f, nil
}

// whisperLanguage reduces a BCP-47 tag such as "en-US" to the ISO-639-1
// code Whisper expects.
func whisperLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

func floatSecToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
