package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"radio-transcription-service/internal/service/calls"
	"radio-transcription-service/internal/store"
)

// searchCalls serves GET /v1/calls. Filters: system_id, talkgroup_id,
// unit_id, since, until (RFC 3339), min_confidence, max_confidence,
// needs_review, page and per_page.
func (h *handler) searchCalls(w http.ResponseWriter, r *http.Request) {
	p, err := parseSearch(r.URL.Query())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, err := h.Calls.SearchCalls(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) getCall(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	call, err := h.Calls.GetCall(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func (h *handler) patchCall(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var patch calls.CallPatch
	if err := decodeJSON(r.Body, &patch); err != nil {
		h.fail(w, r, err)
		return
	}
	call, err := h.Calls.PatchCall(r.Context(), id, patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, call)
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, raw)
	}
	return id, nil
}

// query parses optional URL parameters, remembering the first error.
type query struct {
	values url.Values
	err    error
}

func (q *query) id(key string) *int64 {
	v := q.values.Get(key)
	if v == "" || q.err != nil {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		q.err = fmt.Errorf("%w: %s must be an integer", errBadRequest, key)
		return nil
	}
	return &n
}

func (q *query) num(key string) int {
	if n := q.id(key); n != nil {
		return int(*n)
	}
	return 0
}

func (q *query) float(key string) *float64 {
	v := q.values.Get(key)
	if v == "" || q.err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		q.err = fmt.Errorf("%w: %s must be a number", errBadRequest, key)
		return nil
	}
	return &f
}

func (q *query) flag(key string) *bool {
	v := q.values.Get(key)
	if v == "" || q.err != nil {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		q.err = fmt.Errorf("%w: %s must be true or false", errBadRequest, key)
		return nil
	}
	return &b
}

func (q *query) timestamp(key string) *time.Time {
	v := q.values.Get(key)
	if v == "" || q.err != nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		q.err = fmt.Errorf("%w: %s must be an RFC 3339 timestamp", errBadRequest, key)
		return nil
	}
	t = t.UTC()
	return &t
}

func parseSearch(values url.Values) (calls.SearchParams, error) {
	q := &query{values: values}
	p := calls.SearchParams{
		Filter: store.CallFilter{
			SystemID:      q.id("system_id"),
			TalkgroupID:   q.id("talkgroup_id"),
			UnitID:        q.id("unit_id"),
			Since:         q.timestamp("since"),
			Until:         q.timestamp("until"),
			MinConfidence: q.float("min_confidence"),
			MaxConfidence: q.float("max_confidence"),
			NeedsReview:   q.flag("needs_review"),
		},
		Page:    q.num("page"),
		PerPage: q.num("per_page"),
	}
	return p, q.err
}
