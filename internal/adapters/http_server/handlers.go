// internal/adapters/http_server/handlers.go
package httpserver

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"reviewhub/internal/adapters/export"
	"reviewhub/internal/app"
	"reviewhub/internal/domain"
)

type Handlers struct {
	Q    *app.QueryService
	Jobs *app.Orchestrator
	// Businesses resolves configured businesses for jobs that name no sources; optional.
	Businesses func(id string) (domain.BusinessRef, bool)
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	s.mux.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", h.startJob)
		r.Get("/jobs/{id}", h.getJob)
		r.Delete("/jobs/{id}", h.cancelJob)
		r.Get("/businesses/{id}/reviews", h.listReviews)
		r.Get("/businesses/{id}/reviews.csv", h.exportReviews)
		r.Get("/businesses/{id}/summary", h.summary)
	})
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

/********** jobs **********/

type startJobRequest struct {
	BusinessID       string                     `json:"business_id"`
	Name             string                     `json:"name"`
	Location         string                     `json:"location"`
	Sources          map[domain.SourceID]string `json:"sources"`
	MaxPages         int                        `json:"max_pages"`
	PerSourceTimeout string                     `json:"per_source_timeout"` // Go duration, e.g. "90s"
	JobTimeout       string                     `json:"job_timeout"`
	Since            *time.Time                 `json:"since"`
	Resume           bool                       `json:"resume"`
}

type startJobResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

func (h *Handlers) startJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid body", err.Error())
		return
	}
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	if req.BusinessID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid body", "business_id is required")
		return
	}

	biz := domain.BusinessRef{ID: req.BusinessID, Name: req.Name, Location: req.Location, External: map[domain.SourceID]string{}}
	if len(req.Sources) == 0 && h.Businesses != nil {
		if known, ok := h.Businesses(req.BusinessID); ok {
			biz = known
		}
	}
	for id, ref := range req.Sources {
		if id != domain.SourceYandex && id != domain.SourceTwoGIS {
			writeProblem(w, http.StatusBadRequest, "Invalid source", "unknown source "+strconv.Quote(string(id)))
			return
		}
		if ref = strings.TrimSpace(ref); ref != "" {
			biz.External[id] = ref
		}
	}

	opts := domain.JobOptions{MaxPages: req.MaxPages, Since: req.Since, Resume: req.Resume}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{{req.PerSourceTimeout, &opts.PerSourceTimeout}, {req.JobTimeout, &opts.JobTimeout}} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v < 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid timeout", "timeouts are Go durations such as 90s or 5m")
			return
		}
		*d.dst = v
	}

	id, err := h.Jobs.StartJob(r.Context(), biz, nil, opts)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Cannot start job", err.Error())
		return
	}
	loc := "/v1/jobs/" + id
	w.Header().Set("Location", loc)
	writeJSON(w, http.StatusAccepted, startJobResponse{JobID: id, StatusURL: loc})
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	res, err := h.Jobs.Result(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "job not found")
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.Jobs.Cancel(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Not Found", "job not found")
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Internal Error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

/********** reviews **********/

// reviewQuery reads limit and source; limit defaults to def and may not exceed most.
func reviewQuery(w http.ResponseWriter, r *http.Request, def, most int) (domain.PageQuery, bool) {
	pq := domain.PageQuery{Limit: def, Sort: "newest"}
	if ls := r.URL.Query().Get("limit"); ls != "" {
		l, err := strconv.Atoi(ls)
		if err != nil || l <= 0 || l > most {
			writeProblem(w, http.StatusBadRequest, "Invalid limit", fmt.Sprintf("limit must be an integer between 1 and %d", most))
			return pq, false
		}
		pq.Limit = l
	}
	pq.Source = domain.SourceID(r.URL.Query().Get("source"))
	if pq.Source != "" && pq.Source != domain.SourceYandex && pq.Source != domain.SourceTwoGIS {
		writeProblem(w, http.StatusBadRequest, "Invalid source", "source must be yandex or twogis")
		return pq, false
	}
	return pq, true
}

func (h *Handlers) listReviews(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	pq, ok := reviewQuery(w, r, 50, 200)
	if !ok {
		return
	}

	// Newest first; aligns with the (business_id, published_at) index
	out, err := h.Q.ListReviews(r.Context(), id, pq)
	if err != nil {
		log.Error().Err(err).Str("business", id).Msg("list reviews failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "could not load reviews")
		return
	}
	writeCached(w, r, out)
}

// exportReviews serves the cached listing as CSV with a sentiment column.
func (h *Handlers) exportReviews(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	pq, ok := reviewQuery(w, r, app.MaxListed, app.MaxListed)
	if !ok {
		return
	}
	out, err := h.Q.ListReviews(r.Context(), id, pq)
	if err != nil {
		log.Error().Err(err).Str("business", id).Msg("export reviews failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "could not load reviews")
		return
	}

	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, out.Items, export.WithBOM(), export.WithSentiment(h.Q.Sentiment)); err != nil {
		log.Error().Err(err).Str("business", id).Msg("csv encoding failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "could not encode reviews")
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+"-reviews.csv"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Error().Err(err).Msg("failed to write csv body")
	}
}

func (h *Handlers) summary(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	pq, ok := reviewQuery(w, r, app.MaxListed, app.MaxListed)
	if !ok {
		return
	}
	sum, err := h.Q.Summary(r.Context(), id, pq.Source)
	if err != nil {
		log.Error().Err(err).Str("business", id).Msg("summary failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Error", "could not load reviews")
		return
	}
	writeCached(w, r, sum)
}

// writeCached writes v as JSON with a weak ETag, answering 304 when the
// client already has it.
func writeCached(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("failed to write response body")
	}
}
