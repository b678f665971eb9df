// Package httpserver exposes the relay's read-only monitoring surface and the
// rules administration endpoint.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/marketrelay/internal/app/distributor"
	"github.com/coachpo/marketrelay/internal/app/monitor"
	"github.com/coachpo/marketrelay/internal/app/rules"
	"github.com/coachpo/marketrelay/internal/domain/errs"
	"github.com/coachpo/marketrelay/internal/domain/schema"
	"github.com/coachpo/marketrelay/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	dashboardPath    = "/dashboard"
	alertsPath       = "/alerts"
	alertHistoryPath = "/alerts/history"
	channelsPath     = "/channels"
	buffersPath      = "/buffers"
	rulesPath        = "/rules"
	healthPath       = "/healthz"

	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	archiveTimeout      = 5 * time.Second
)

// Dashboard exposes monitor snapshots and alerts.
type Dashboard interface {
	GetDashboardData(ctx context.Context) monitor.DashboardSnapshot
	ActiveAlerts() []schema.Alert
	History() []schema.Alert
}

// BufferReader exposes distributor buffers for peeking.
type BufferReader interface {
	Frequencies() []string
	Pull(freqs []string, clear bool) (map[schema.SignalType][]schema.ResolvedEvent, distributor.Stats)
}

// RulesService reads and replaces the active source rules.
type RulesService interface {
	Rules() rules.Set
	Replace(set rules.Set) error
}

// AlertArchive serves persisted alert history.
type AlertArchive interface {
	Recent(ctx context.Context, limit int) ([]schema.Alert, error)
}

// Option customises the handler.
type Option func(*httpServer)

// WithAlertArchive enables GET /alerts/history.
func WithAlertArchive(archive AlertArchive) Option {
	return func(s *httpServer) { s.archive = archive }
}

// WithReadiness sets the check behind GET /healthz; a non-nil error reports 503.
func WithReadiness(check func() error) Option {
	return func(s *httpServer) { s.ready = check }
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	dashboard   Dashboard
	buffers     BufferReader
	rules       RulesService
	archive     AlertArchive
	ready       func() error
}

// NewHandler creates the HTTP handler for the monitoring surface.
func NewHandler(environment config.Environment, dashboard Dashboard, buffers BufferReader, rulesSvc RulesService, opts ...Option) http.Handler {
	server := &httpServer{environment: environment, dashboard: dashboard, buffers: buffers, rules: rulesSvc}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	mux := http.NewServeMux()

	mux.Handle(dashboardPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getDashboard,
	}))
	mux.Handle(alertsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getAlerts,
	}))
	mux.Handle(alertHistoryPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getAlertHistory,
	}))
	mux.Handle(channelsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getChannels,
	}))
	mux.Handle(buffersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.peekBuffers,
	}))
	mux.Handle(rulesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRules,
		http.MethodPut: server.replaceRules,
	}))
	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dashboard.GetDashboardData(r.Context()))
}

func (s *httpServer) getAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": nonNilAlerts(s.dashboard.ActiveAlerts()),
		"recent": nonNilAlerts(s.dashboard.History()),
	})
}

func (s *httpServer) getAlertHistory(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "alert archive not configured")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	ctx, cancel := context.WithTimeout(r.Context(), archiveTimeout)
	defer cancel()
	alerts, err := s.archive.Recent(ctx, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("load alert history: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNilAlerts(alerts)})
}

func (s *httpServer) getChannels(w http.ResponseWriter, r *http.Request) {
	snap := s.dashboard.GetDashboardData(r.Context())
	channels := snap.Channels
	if channels == nil {
		channels = []monitor.ChannelDetail{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels, "system": snap.System})
}

// peekBuffers never clears: draining is reserved for the distribution phase.
func (s *httpServer) peekBuffers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	freqs, err := s.parseFrequencies(query["frequency"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	types, err := parseTypes(query["type"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, stats := s.buffers.Pull(freqs, false)
	if len(types) > 0 {
		for typ := range events {
			if _, keep := types[typ]; !keep {
				delete(events, typ)
			}
		}
	}
	if events == nil {
		events = map[schema.SignalType][]schema.ResolvedEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"frequencies": freqs,
		"events":      events,
		"stats":       stats,
	})
}

func (s *httpServer) parseFrequencies(values []string) ([]string, error) {
	known := s.buffers.Frequencies()
	requested := splitValues(values)
	if len(requested) == 0 {
		return known, nil
	}
	out := make([]string, 0, len(requested))
	for _, raw := range requested {
		freq := strings.ToLower(raw)
		match := false
		for _, k := range known {
			if k == freq {
				match = true
				break
			}
		}
		if !match {
			return nil, fmt.Errorf("unknown frequency %q", raw)
		}
		out = append(out, freq)
	}
	return out, nil
}

func parseTypes(values []string) (map[schema.SignalType]struct{}, error) {
	requested := splitValues(values)
	if len(requested) == 0 {
		return nil, nil
	}
	out := make(map[schema.SignalType]struct{}, len(requested))
	for _, raw := range requested {
		typ, ok := schema.ParseSignalType(raw)
		if !ok {
			return nil, fmt.Errorf("unknown event type %q", raw)
		}
		out[typ] = struct{}{}
	}
	return out, nil
}

func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

func (s *httpServer) getRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.rules.Rules()})
}

func (s *httpServer) replaceRules(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	set, err := decodeRules(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.rules.Replace(set); err != nil {
		if errs.IsCode(err, errs.CodeInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("replace rules: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.rules.Rules()})
}

type rulesPayload struct {
	Rules map[string]rules.Thresholds `json:"rules"`
}

func decodeRules(r *http.Request) (rules.Set, error) {
	var payload rulesPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid JSON payload: %w", err)
	}
	if payload.Rules == nil {
		return nil, errors.New("rules required")
	}
	set := make(rules.Set, len(payload.Rules))
	for raw, thresholds := range payload.Rules {
		source, err := schema.ParseSource(raw)
		if err != nil {
			return nil, err
		}
		set[source] = thresholds
	}
	return set, nil
}

func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

func nonNilAlerts(alerts []schema.Alert) []schema.Alert {
	if alerts == nil {
		return []schema.Alert{}
	}
	return alerts
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
