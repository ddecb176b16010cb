package http

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"radio-transcription-service/internal/service/audio"
	"radio-transcription-service/internal/service/dispatch"
)

type transcribeResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"taskId"`
	File    string `json:"file"`
}

// transcribe accepts a multipart "file" upload (.wav or .mp3), stores it
// under UploadDir and queues it. Optional form fields: system, talkgroup,
// talkgroup_alias, unit, unit_alias, timestamp (RFC 3339).
func (h *handler) transcribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		h.fail(w, r, fmt.Errorf("%w: parse upload: %v", errBadRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: file is required", errBadRequest))
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !audio.Supported(name) {
		h.fail(w, r, fmt.Errorf("%w: only .wav and .mp3 files are accepted", errBadRequest))
		return
	}
	hints, err := h.uploadHints(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	path, err := h.saveUpload(file, name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := h.Files.SubmitFile(r.Context(), "upload", path, hints)
	if err != nil {
		_ = os.Remove(path)
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, transcribeResponse{
		Message: "Transcription started",
		TaskID:  req.ID,
		File:    filepath.Base(path),
	})
}

func (h *handler) saveUpload(src io.Reader, name string) (string, error) {
	if err := os.MkdirAll(h.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(h.UploadDir, uuid.NewString()+"_"+name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return path, nil
}

func (h *handler) uploadHints(r *http.Request) (dispatch.Hints, error) {
	hints := dispatch.Hints{SystemName: r.FormValue("system")}
	if hints.SystemName == "" {
		hints.SystemName = h.DefaultSystem
	}
	optInt := func(key string) (*int, error) {
		v := r.FormValue(key)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
		}
		return &n, nil
	}
	optStr := func(key string) *string {
		if v := r.FormValue(key); v != "" {
			return &v
		}
		return nil
	}

	var err error
	if hints.TalkgroupNumber, err = optInt("talkgroup"); err != nil {
		return hints, err
	}
	if hints.UnitNumber, err = optInt("unit"); err != nil {
		return hints, err
	}
	hints.TalkgroupAlias = optStr("talkgroup_alias")
	hints.UnitAlias = optStr("unit_alias")
	if v := r.FormValue("timestamp"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return hints, fmt.Errorf("%w: timestamp must be RFC 3339", errBadRequest)
		}
		hints.Timestamp = ts.UTC()
	}
	return hints, nil
}
