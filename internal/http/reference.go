package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"radio-transcription-service/internal/models"
	"radio-transcription-service/internal/service/reference"
)

const maxAliasXMLBytes = 10 << 20

type systemRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

func (h *handler) listSystems(w http.ResponseWriter, r *http.Request) {
	systems, err := h.Reference.ListSystems(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if systems == nil {
		systems = []models.System{}
	}
	writeJSON(w, http.StatusOK, systems)
}

// createSystem gets or creates a system by name.
func (h *handler) createSystem(w http.ResponseWriter, r *http.Request) {
	var req systemRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.Reference.ResolveSystem(r.Context(), req.Name, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.System{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
	})
}

func (h *handler) listTalkgroups(w http.ResponseWriter, r *http.Request) {
	systemID, err := requiredSystemID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	tgs, err := h.Reference.ListTalkgroups(r.Context(), systemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if tgs == nil {
		tgs = []models.Talkgroup{}
	}
	writeJSON(w, http.StatusOK, tgs)
}

func (h *handler) listUnits(w http.ResponseWriter, r *http.Request) {
	systemID, err := requiredSystemID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	units, err := h.Reference.ListUnits(r.Context(), systemID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if units == nil {
		units = []models.RadioUnit{}
	}
	writeJSON(w, http.StatusOK, units)
}

func requiredSystemID(r *http.Request) (int64, error) {
	q := &query{values: r.URL.Query()}
	id := q.id("system_id")
	if q.err != nil {
		return 0, q.err
	}
	if id == nil {
		return 0, fmt.Errorf("%w: system_id is required", errBadRequest)
	}
	return *id, nil
}

type ingestResponse struct {
	Message    string                 `json:"message"`
	System     string                 `json:"system"`
	SystemID   int64                  `json:"systemId"`
	Counts     reference.ImportResult `json:"counts"`
	Talkgroups int                    `json:"talkgroups"`
}

// ingestAliases imports an SDRTrunk alias list posted as the request body.
// The target system is named by the "system" query parameter and created
// when missing.
func (h *handler) ingestAliases(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAliasXMLBytes))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: read body: %v", errBadRequest, err))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		h.fail(w, r, fmt.Errorf("%w: empty body", errBadRequest))
		return
	}
	aliases, err := reference.ParseSDRTrunkAliases(bytes.NewReader(body))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	name := r.URL.Query().Get("system")
	if name == "" {
		name = h.DefaultSystem
	}
	systemID, err := h.Reference.ResolveSystem(r.Context(), name, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Reference.ImportTalkgroupAliases(r.Context(), systemID, aliases)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Message:    "Imported talkgroup aliases",
		System:     name,
		SystemID:   systemID,
		Counts:     res,
		Talkgroups: len(aliases),
	})
}
