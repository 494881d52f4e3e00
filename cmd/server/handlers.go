package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/medgraph"
	"github.com/brunobiangulo/medgraph/graph"
	"github.com/brunobiangulo/medgraph/parser"
	"github.com/brunobiangulo/medgraph/store"
)

const (
	diagnoseLimit      = 5
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	maxUploadBytes     = 100 << 20
)

type handler struct {
	engine    medgraph.Engine
	parsers   *parser.Registry
	maxUpload int64 // request body cap for POST /import
}

func newHandler(e medgraph.Engine) *handler {
	return &handler{engine: e, parsers: parser.NewRegistry(), maxUpload: maxUploadBytes}
}

// POST /query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question          string `json:"question"`
		MaxHops           int    `json:"max_hops"`
		WithoutGeneration bool   `json:"without_generation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	var opts []medgraph.QueryOption
	if req.MaxHops > 0 {
		opts = append(opts, medgraph.WithMaxHops(req.MaxHops))
	}
	if req.WithoutGeneration {
		opts = append(opts, medgraph.WithoutGeneration())
	}

	// Query reports failures in the answer text, so this is always 200.
	res := h.engine.Query(r.Context(), req.Question, opts...)
	if res.Trace != nil && res.Trace.Error != "" {
		slog.Warn("query answered with error",
			"request_id", requestID(r.Context()),
			"error", res.Trace.Error)
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /diagnose
// Symptoms may be a JSON array or one comma separated string.
func (h *handler) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symptoms json.RawMessage `json:"symptoms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	symptoms := symptomList(req.Symptoms)
	if len(symptoms) == 0 {
		writeError(w, http.StatusBadRequest, "symptoms are required")
		return
	}

	matches, err := h.engine.Store().FindDiseasesBySymptoms(r.Context(), symptoms, diagnoseLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "diagnosis failed")
		slog.Error("diagnose error", "symptoms", symptoms, "error", err)
		return
	}
	if matches == nil {
		matches = []graph.DiseaseMatch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symptoms": symptoms,
		"diseases": matches,
	})
}

// POST /import
// Accepts a multipart dataset upload (.json, .jsonl or .xlsx) in "file".
func (h *handler) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	importer, ok := h.engine.Store().(graph.Importer)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store does not support imports")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "multipart form with a file is required")
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// Sanitise filename to prevent path traversal.
	safeName := filepath.Base(header.Filename)
	p, err := h.parsers.ForPath(safeName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tmp, err := os.CreateTemp("", "medgraph-*"+filepath.Ext(safeName))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process file")
		slog.Error("creating temp file", "error", err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, "failed to save file")
		slog.Error("saving uploaded file", "error", err)
		return
	}
	tmp.Close()

	parsed, err := p.Parse(ctx, tmp.Name())
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not parse dataset")
		slog.Error("parsing dataset", "file", safeName, "error", err)
		return
	}

	stats, err := graph.NewBuilder(importer, nil, nil, 0).Import(ctx, parsed.Records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "import failed")
		slog.Error("import error", "file", safeName, "error", err)
		return
	}

	slog.Info("dataset imported",
		"file", safeName,
		"method", parsed.Method,
		"imported", stats.Succeeded,
		"failed", stats.Failed,
		"skipped", parsed.Skipped,
		"elapsed", stats.Elapsed.Round(time.Millisecond))
	writeJSON(w, http.StatusOK, map[string]any{
		"file":     safeName,
		"format":   parsed.Method,
		"imported": stats.Succeeded,
		"failed":   stats.Failed,
		"skipped":  parsed.Skipped,
	})
}

// GET /diseases/{name}
func (h *handler) handleDisease(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d, ok, err := h.engine.Store().Disease(r.Context(), name)
	if !h.found(w, "disease", name, ok, err) {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /diseases/{name}/context
func (h *handler) handleDiseaseContext(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	dc, ok, err := h.engine.Store().DiseaseContext(r.Context(), name)
	if !h.found(w, "disease", name, ok, err) {
		return
	}
	writeJSON(w, http.StatusOK, dc)
}

// GET /diseases/{name}/drugs
func (h *handler) handleDiseaseDrugs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	drugs, err := h.engine.Store().DrugsByDisease(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		slog.Error("drugs by disease error", "disease", name, "error", err)
		return
	}
	if drugs == nil {
		drugs = []graph.DrugUse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"disease": name,
		"drugs":   drugs,
	})
}

// GET /drugs/{name}
func (h *handler) handleDrug(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d, ok, err := h.engine.Store().Drug(r.Context(), name)
	if !h.found(w, "drug", name, ok, err) {
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /search?keyword=&type=&limit=
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keyword := strings.TrimSpace(q.Get("keyword"))
	if keyword == "" {
		writeError(w, http.StatusBadRequest, "keyword is required")
		return
	}

	var label graph.Label
	if t := q.Get("type"); t != "" {
		if label = graph.ParseLabel(t); label == graph.LabelUnknown {
			writeError(w, http.StatusBadRequest, "unknown type: "+t)
			return
		}
	}

	limit := defaultSearchLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxSearchLimit)
	}

	nodes, err := h.engine.Store().SearchNodes(r.Context(), keyword, label, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		slog.Error("search error", "keyword", keyword, "error", err)
		return
	}
	if nodes == nil {
		nodes = []graph.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keyword": keyword,
		"results": nodes,
	})
}

// GET /queries?n=
func (h *handler) handleRecentQueries(w http.ResponseWriter, r *http.Request) {
	s, ok := h.engine.Store().(interface {
		RecentQueries(ctx context.Context, n int) ([]store.QueryLogRow, error)
	})
	if !ok {
		writeError(w, http.StatusNotImplemented, "store keeps no query log")
		return
	}
	n := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 && v <= 200 {
		n = v
	}
	rows, err := s.RecentQueries(r.Context(), n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list queries")
		slog.Error("recent queries error", "error", err)
		return
	}
	if rows == nil {
		rows = []store.QueryLogRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queries": rows})
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	s, ok := h.engine.Store().(interface {
		DBStats(ctx context.Context) (*store.DBStats, error)
	})
	if !ok {
		writeError(w, http.StatusNotImplemented, "store reports no statistics")
		return
	}
	stats, err := s.DBStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read stats")
		slog.Error("stats error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// found writes the error response for a failed or empty lookup and
// reports whether the handler should go on.
func (h *handler) found(w http.ResponseWriter, kind, name string, ok bool, err error) bool {
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, "lookup failed")
		slog.Error("lookup error", "kind", kind, "name", name, "error", err)
		return false
	case !ok:
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s %q", medgraph.ErrNotFound, kind, name).Error())
		return false
	}
	return true
}

// symptomList accepts ["a","b"] or "a,b，c、d".
func symptomList(raw json.RawMessage) []string {
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		parts = strings.FieldsFunc(s, func(r rune) bool {
			return r == ',' || r == '，' || r == '、' || r == ';' || r == '；' || r == ' '
		})
	}
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
