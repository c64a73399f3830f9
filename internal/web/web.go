package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"slotcal/internal/calendar"
	"slotcal/internal/config"
	"slotcal/internal/ics"
	appLog "slotcal/internal/log"
	"slotcal/internal/metrics"
	"slotcal/internal/model"
	"slotcal/internal/origami"
	"slotcal/internal/schedule"
)

const (
	dateLayout      = calendar.DateLayout
	maxRequestBytes = 1 << 20
	refreshTimeout  = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Proxy forwards a client body upstream with the service credential added.
type Proxy interface {
	Post(ctx context.Context, body map[string]any) (*origami.Response, error)
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Schedule *schedule.Service
	Proxy    Proxy
	Metrics  *metrics.Manager
}

// Server provides the HTTP API, the upstream passthrough and the static UI.
type Server struct {
	cfg     *config.Config
	svc     *schedule.Service
	proxy   Proxy
	metrics *metrics.Manager
	limiter *clientLimiter
	mux     *http.ServeMux
}

// embeddedStatic contains the browser UI.
//
//go:embed all:static
var embeddedStatic embed.FS

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		svc:     deps.Schedule,
		proxy:   deps.Proxy,
		metrics: deps.Metrics,
		limiter: newClientLimiter(cfg.Proxy.RatePerSecond, cfg.Proxy.Burst),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Run serves on cfg.Listen until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="slotcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.HandleFunc("/api/proxy", instrument(s.metrics, "proxy", s.limiter.limit(s.handleProxy)))
	s.mux.HandleFunc("/api/slots", instrument(s.metrics, "slots", s.handleSlots))
	s.mux.HandleFunc("/api/slots.ics", instrument(s.metrics, "slots_ics", s.handleSlotsICS))
	s.mux.HandleFunc("/api/templates", instrument(s.metrics, "templates", s.handleTemplates))
	s.mux.HandleFunc("/api/refresh", instrument(s.metrics, "refresh", s.limiter.limit(s.handleRefresh)))

	// All other paths fall back to the embedded UI.
	s.mux.Handle("/", s.staticFileServer())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// staticFileServer serves internal/web/static. /api/* never falls through
// to HTML.
func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static UI not available", http.StatusServiceUnavailable)
		})
	}

	fileServer := http.FileServer(http.FS(sub))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/api" || strings.HasPrefix(path, "/api/") {
			http.NotFound(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}

// handleProxy is the same-origin passthrough to Origami: the client body
// is forwarded with the service credential injected, and the upstream
// answer is relayed.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	var body map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		appLog.Error("proxy: invalid client body", err)
		writeProxyInternal(w, err)
		return
	}

	resp, err := s.proxy.Post(r.Context(), body)
	if err != nil {
		if errors.Is(err, origami.ErrMissingCredentials) {
			appLog.Error("proxy: upstream credentials are not set", err)
			writeError(w, http.StatusInternalServerError, "Server configuration error: Missing Secrets.")
			return
		}
		appLog.Error("proxy internal error", err)
		writeProxyInternal(w, err)
		return
	}

	if !resp.OK() {
		var detail any
		if err := json.Unmarshal(resp.Body, &detail); err != nil {
			detail = map[string]any{"message": string(resp.Body)}
		}
		writeJSON(w, resp.Status, map[string]any{"error": detail})
		return
	}

	if !json.Valid(resp.Body) {
		writeProxyInternal(w, errors.New("upstream returned invalid JSON"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, max-age=0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bytes.TrimSpace(resp.Body))
}

func writeProxyInternal(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "Internal Proxy Error",
		"details": err.Error(),
	})
}

// slotDTO is the read-only render shape of a concrete slot.
type slotDTO struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	StartTime  int64     `json:"startTime"`
	EndTime    int64     `json:"endTime"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	TemplateID string    `json:"templateId,omitempty"`
}

// slotsResponse is the JSON response shape for /api/slots.
type slotsResponse struct {
	View          string     `json:"view"`
	Date          string     `json:"date"`
	RangeStart    string     `json:"range_start"`
	RangeEnd      string     `json:"range_end"`
	Prev          string     `json:"prev"`
	Next          string     `json:"next"`
	Today         string     `json:"today"`
	Timezone      string     `json:"timezone"`
	WeekStart     string     `json:"week_start"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	Hint          string     `json:"hint,omitempty"`
	FetchedAt     *time.Time `json:"fetched_at,omitempty"`
	TemplateCount int        `json:"template_count"`
	Slots         []slotDTO  `json:"slots"`
}

// handleSlots returns concrete slots for a view window.
//
// GET /api/slots?view=week&date=2024-01-03
//   - view: day | week | month (default week)
//   - date: anchor date, YYYY-MM-DD in the display timezone (default today)
func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	view, date, ok := s.parseWindowQuery(w, r)
	if !ok {
		return
	}

	win := s.svc.Slots(view, date)
	snap := win.Snapshot

	dtos := make([]slotDTO, 0, len(win.Slots))
	for _, sl := range win.Slots {
		dtos = append(dtos, toSlotDTO(sl))
	}

	resp := slotsResponse{
		View:          string(win.View),
		Date:          win.Date.Format(dateLayout),
		RangeStart:    win.Start.Format(dateLayout),
		RangeEnd:      win.End.Format(dateLayout),
		Prev:          win.Prev.Format(dateLayout),
		Next:          win.Next.Format(dateLayout),
		Today:         s.svc.Now().Format(dateLayout),
		Timezone:      s.svc.Location().String(),
		WeekStart:     s.cfg.WeekStart,
		Status:        string(snap.Status),
		Error:         snap.Err,
		Hint:          snap.Hint,
		TemplateCount: len(snap.Templates),
		Slots:         dtos,
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt
		resp.FetchedAt = &t
	}

	writeJSON(w, snapshotStatusCode(snap), resp)
}

// handleSlotsICS serves the same window as /api/slots as an iCalendar feed.
func (s *Server) handleSlotsICS(w http.ResponseWriter, r *http.Request) {
	view, date, ok := s.parseWindowQuery(w, r)
	if !ok {
		return
	}

	win := s.svc.Slots(view, date)
	if code := snapshotStatusCode(win.Snapshot); code != http.StatusOK {
		writeError(w, code, "schedule not available: "+string(win.Snapshot.Status))
		return
	}

	var buf bytes.Buffer
	err := ics.WriteCalendar(&buf, win.Slots, ics.ExportOptions{
		Name:     "slotcal " + string(view) + " " + win.Start.Format(dateLayout),
		Timezone: s.svc.Location().String(),
		Stamp:    s.svc.Now(),
	})
	if err != nil {
		appLog.Error("ics export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="slots.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// templatesResponse is the JSON response shape for /api/templates and /api/refresh.
type templatesResponse struct {
	Status    string               `json:"status"`
	Error     string               `json:"error,omitempty"`
	Hint      string               `json:"hint,omitempty"`
	FetchedAt *time.Time           `json:"fetched_at,omitempty"`
	Templates []model.SlotTemplate `json:"templates"`
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	snap := s.svc.Snapshot()
	writeJSON(w, http.StatusOK, toTemplatesResponse(snap))
}

// handleRefresh re-fetches the templates now.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	snap, err := s.svc.Refresh(ctx)
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, toTemplatesResponse(snap))
}

func (s *Server) parseWindowQuery(w http.ResponseWriter, r *http.Request) (calendar.View, time.Time, bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return "", time.Time{}, false
	}

	q := r.URL.Query()
	view, err := calendar.ParseView(q.Get("view"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", time.Time{}, false
	}

	date := s.svc.Now()
	if raw := strings.TrimSpace(q.Get("date")); raw != "" {
		d, err := calendar.ParseDate(raw, s.svc.Location())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date; expected YYYY-MM-DD")
			return "", time.Time{}, false
		}
		date = d
	}
	return view, date, true
}

// snapshotStatusCode distinguishes loading (503) and failed-without-data
// (502) from a usable, possibly empty, template set (200).
func snapshotStatusCode(snap *schedule.Snapshot) int {
	switch {
	case snap.Status == schedule.StatusLoading:
		return http.StatusServiceUnavailable
	case snap.Status == schedule.StatusError && len(snap.Templates) == 0:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func toSlotDTO(sl model.Slot) slotDTO {
	dto := slotDTO{
		ID:        sl.ID,
		Title:     sl.Title,
		StartTime: sl.Start.UnixMilli(),
		EndTime:   sl.End.UnixMilli(),
		Start:     sl.Start,
		End:       sl.End,
	}
	if sl.Template != nil {
		dto.TemplateID = sl.Template.ID
	}
	return dto
}

func toTemplatesResponse(snap *schedule.Snapshot) templatesResponse {
	resp := templatesResponse{
		Status:    string(snap.Status),
		Error:     snap.Err,
		Hint:      snap.Hint,
		Templates: snap.Templates,
	}
	if resp.Templates == nil {
		resp.Templates = []model.SlotTemplate{}
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt
		resp.FetchedAt = &t
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
