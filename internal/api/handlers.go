package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/adaptive-price-monitor/internal/crawler"
	"github.com/JakeFAU/adaptive-price-monitor/internal/scheduler"
)

type enqueueRequest struct {
	URL      string            `json:"url"`
	Domain   string            `json:"domain"`
	Metadata map[string]string `json:"metadata"`
}

type strategyRequest struct {
	Type       string            `json:"type"`
	Selector   string            `json:"selector"`
	Field      string            `json:"field"`
	Confidence float64           `json:"confidence"`
	Priority   int               `json:"priority"`
	Children   []strategyRequest `json:"children"`
}

func (r strategyRequest) strategy(domain string) crawler.Strategy {
	s := crawler.Strategy{
		Domain:     domain,
		Type:       crawler.StrategyType(strings.ToLower(r.Type)),
		Selector:   r.Selector,
		Field:      r.Field,
		Confidence: r.Confidence,
		Priority:   r.Priority,
		Source:     crawler.SourceConfig,
	}
	for _, child := range r.Children {
		s.Children = append(s.Children, child.strategy(domain))
	}
	return s
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for _, check := range s.deps.Ready {
		if err := check.Check(ctx); err != nil {
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failures", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) enqueueItem(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	item, err := s.deps.Monitor.Enqueue(r.Context(), req.URL, req.Domain, req.Metadata)
	if err != nil {
		writeError(w, enqueueStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func enqueueStatus(err error) int {
	switch {
	case errors.Is(err, crawler.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrBlockedDomain):
		return http.StatusForbidden
	case errors.Is(err, scheduler.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) itemHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "history not configured")
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	normalized, err := crawler.NormalizeURL(url)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	records, err := s.deps.History.GetHistory(r.Context(), normalized, limit)
	if err != nil {
		s.logger.Error("load history failed", zap.String("url", normalized), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if records == nil {
		records = []crawler.PriceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": normalized, "records": records})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"domains": s.deps.Monitor.Domains()})
}

func domainParam(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(chi.URLParam(r, "domain")))
}

func (s *Server) domainStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.DomainStats(domainParam(r)))
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request) {
	domain := domainParam(r)
	s.deps.Monitor.ResetCircuit(domain)
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "state": string(crawler.CircuitClosed)})
}

func (s *Server) addStrategy(w http.ResponseWriter, r *http.Request) {
	if s.deps.Strategies == nil {
		writeError(w, http.StatusNotFound, "strategy registration not configured")
		return
	}
	var req strategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	added, err := s.deps.Strategies.AddStrategy(r.Context(), req.strategy(domainParam(r)))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) pauseQueue(w http.ResponseWriter, _ *http.Request) {
	s.deps.Monitor.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeQueue(w http.ResponseWriter, _ *http.Request) {
	s.deps.Monitor.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) flushQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"dropped": s.deps.Monitor.Flush()})
}
