package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/pipeline"
	"github.com/sells-group/uwdash/internal/reconcile"
	"github.com/sells-group/uwdash/internal/resilience"
	"github.com/sells-group/uwdash/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// reserved query parameters; everything else is a column filter.
var reserved = map[string]bool{
	"q": true, "order": true, "desc": true, "limit": true, "offset": true,
	"names": true, "group_by": true, "metric": true, "type": true,
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Count(r.Context()); err != nil {
		zap.L().Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseFilter reads column filters, search, ordering and paging from the
// query string. Column names may be canonical or storage names.
func (s *Server) parseFilter(q url.Values, paged bool) (store.Filter, error) {
	f := store.Filter{Search: strings.TrimSpace(q.Get("q"))}
	for key, vals := range q {
		if reserved[key] || len(vals) == 0 {
			continue
		}
		if f.Equals == nil {
			f.Equals = make(map[string][]string)
		}
		col := s.mapper.ToStorage(key)
		f.Equals[col] = append(f.Equals[col], vals...)
	}
	if order := q.Get("order"); order != "" {
		f.OrderBy = s.mapper.ToStorage(order)
	}
	f.Desc, _ = strconv.ParseBool(q.Get("desc"))
	if !paged {
		return f, nil
	}

	f.Limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, eris.Errorf("invalid limit %q", v)
		}
		f.Limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, eris.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}

type dealsResponse struct {
	Rows   []any `json:"rows"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

func (s *Server) present(row model.Row, storageNames bool) any {
	if storageNames {
		return row.Columns
	}
	return s.mapper.Present(row)
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r.URL.Query(), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.store.Query(r.Context(), f)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	storageNames := r.URL.Query().Get("names") == "storage"
	out := dealsResponse{Rows: make([]any, 0, len(page.Rows)), Total: page.Total, Limit: page.Limit, Offset: page.Offset}
	for _, row := range page.Rows {
		out.Rows = append(out.Rows, s.present(row, storageNames))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeal(w http.ResponseWriter, r *http.Request) {
	path, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || path == "" {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if !strings.HasPrefix(path, "/") && !strings.Contains(path, ":") {
		path = "/" + path
	}
	row, err := s.store.Get(r.Context(), path)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.present(*row, r.URL.Query().Get("names") == "storage"))
}

type columnInfo struct {
	Name      string           `json:"name"`
	Canonical string           `json:"canonical"`
	Label     string           `json:"label"`
	Type      store.ColumnType `json:"type"`
}

func (s *Server) handleColumns(w http.ResponseWriter, r *http.Request) {
	cols, err := s.store.Columns(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	out := make([]columnInfo, 0, len(cols))
	for _, c := range cols {
		out = append(out, columnInfo{
			Name:      c.Name,
			Canonical: s.mapper.ToCanonical(c.Name),
			Label:     s.mapper.Label(c.Name),
			Type:      c.Type,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleColumnValues(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid column")
		return
	}
	col := s.mapper.ToStorage(name)
	vals, err := s.store.ColumnValues(r.Context(), col)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if vals == nil {
		vals = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"column": col, "values": vals})
}

// parseMetrics reads metric=column:func pairs. A bare column counts.
func (s *Server) parseMetrics(q url.Values) ([]store.Metric, error) {
	var out []store.Metric
	for _, raw := range q["metric"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			col, fn, found := strings.Cut(part, ":")
			agg := store.AggCount
			if found {
				var ok bool
				if agg, ok = store.ParseAggFunc(fn); !ok {
					return nil, eris.Errorf("unknown aggregate %q", fn)
				}
			}
			out = append(out, store.Metric{Column: s.mapper.ToStorage(col), Func: agg})
		}
	}
	if len(out) == 0 {
		return nil, eris.New("at least one metric is required")
	}
	return out, nil
}

func (s *Server) splitColumns(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, s.mapper.ToStorage(c))
		}
	}
	return out
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	metrics, err := s.parseMetrics(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := s.parseFilter(q, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	groups, err := store.Aggregate(r.Context(), s.store, s.splitColumns(q.Get("group_by")), metrics, f)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

type stageCount struct {
	Stage string `json:"stage"`
	Deals int    `json:"deals"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	stages, err := s.stageCounts(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": snap,
		"stages":   stages,
		"running":  s.refresher != nil && s.refresher.Running(),
	})
}

func (s *Server) stageCounts(ctx context.Context) ([]stageCount, error) {
	groups, err := store.Aggregate(ctx, s.store,
		[]string{reconcile.ColStageName},
		[]store.Metric{{Column: reconcile.ColPath, Func: store.AggCount}},
		store.Filter{})
	if eris.Is(err, store.ErrUnknownColumn) {
		// Nothing has been stored yet.
		return []stageCount{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]stageCount, 0, len(groups))
	for _, g := range groups {
		out = append(out, stageCount{Stage: g.Keys[reconcile.ColStageName], Deals: g.Count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	f := resilience.FailureFilter{ErrorType: r.URL.Query().Get("type")}
	switch f.ErrorType {
	case "", resilience.Transient, resilience.Permanent:
	default:
		writeError(w, http.StatusBadRequest, "type must be transient or permanent")
		return
	}
	entries, err := s.store.ListFailures(r.Context(), f)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if entries == nil {
		entries = []resilience.FailureEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type refreshRequest struct {
	Paths []string `json:"paths"`
}

// handleRefresh starts a batch in the background and returns immediately.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusNotImplemented, "refresh is disabled")
		return
	}
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if s.refresher.Running() {
		writeError(w, http.StatusConflict, "a batch is already running")
		return
	}
	if !s.refresh.Allow() {
		writeError(w, http.StatusTooManyRequests, "refresh requested too recently")
		return
	}

	scope := pipeline.Scope{Paths: req.Paths, Trigger: pipeline.TriggerAPI}
	go func() {
		report, err := s.refresher.Run(s.base, scope)
		switch {
		case eris.Is(err, pipeline.ErrBatchRunning):
			zap.L().Info("refresh skipped, batch already running")
		case err != nil:
			zap.L().Error("refresh failed", zap.Error(err))
		default:
			zap.L().Info("refresh complete", zap.String("run_id", report.ID), zap.Int("stored", report.Stored))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "paths": len(req.Paths)})
}
