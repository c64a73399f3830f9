package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotcal/internal/config"
	"slotcal/internal/metrics"
	"slotcal/internal/origami"
	"slotcal/internal/schedule"
)

var plusTwo = time.FixedZone("UTC+2", 2*60*60)

type stubFetcher struct {
	body string
	err  error
}

func (f *stubFetcher) FetchRecords(context.Context) ([]byte, error) {
	return []byte(f.body), f.err
}

type stubProxy struct {
	resp *origami.Response
	err  error
	got  map[string]any
}

func (p *stubProxy) Post(_ context.Context, body map[string]any) (*origami.Response, error) {
	p.got = body
	return p.resp, p.err
}

type harness struct {
	cfg     *config.Config
	fetcher *stubFetcher
	proxy   *stubProxy
	svc     *schedule.Service
	handler http.Handler
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	parser := origami.NewParser(origami.Options{
		Fields: origami.Fields{
			Start:        cfg.Fields.Start,
			End:          cfg.Fields.End,
			GroupPrefix:  cfg.Fields.GroupPrefix,
			ID:           cfg.Fields.ID,
			DefaultTitle: cfg.Fields.DefaultTitle,
		},
		EnvelopeKeys: cfg.Parser.EnvelopeKeys,
		Location:     plusTwo,
	})
	fetcher := &stubFetcher{}
	m := metrics.New()
	svc := schedule.NewService(fetcher, parser, schedule.Options{
		Location:  plusTwo,
		WeekStart: time.Sunday,
		Metrics:   m,
		Now:       func() time.Time { return time.Date(2024, 3, 6, 12, 0, 0, 0, plusTwo) },
	})
	proxy := &stubProxy{}

	srv := NewServer(cfg, Deps{Schedule: svc, Proxy: proxy, Metrics: m})
	return &harness{cfg: cfg, fetcher: fetcher, proxy: proxy, svc: svc, handler: srv.Handler()}
}

func (h *harness) refresh(t *testing.T, body string, err error) {
	t.Helper()
	h.fetcher.body, h.fetcher.err = body, err
	_, _ = h.svc.Refresh(context.Background())
}

func (h *harness) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestSlots_Loading(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/api/slots", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "loading", body["status"])
	assert.Empty(t, body["slots"])
}

func TestSlots_WeekView(t *testing.T) {
	h := newHarness(t, nil)
	h.refresh(t, `{"instanceList":[{"_id":"t1","fld_1544":"09:00","fld_1545":"10:00"}]}`, nil)

	rec := h.do(http.MethodGet, "/api/slots?view=week&date=2024-03-06", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	var resp slotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "week", resp.View)
	assert.Equal(t, "2024-03-03", resp.RangeStart)
	assert.Equal(t, "2024-03-09", resp.RangeEnd)
	assert.Equal(t, "2024-02-28", resp.Prev)
	assert.Equal(t, "2024-03-13", resp.Next)
	assert.Equal(t, "2024-03-06", resp.Today)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, 1, resp.TemplateCount)
	require.NotNil(t, resp.FetchedAt)

	require.Len(t, resp.Slots, 7)
	for i, sl := range resp.Slots {
		start := sl.Start.In(plusTwo)
		assert.Equal(t, 3+i, start.Day())
		assert.Equal(t, 9, start.Hour())
		assert.Equal(t, int64(time.Hour/time.Millisecond), sl.EndTime-sl.StartTime)
		assert.Equal(t, "t1", sl.TemplateID)
		assert.Equal(t, "פגישה", sl.Title)
	}
	firstDay := time.Date(2024, 3, 3, 0, 0, 0, 0, plusTwo).UnixMilli()
	assert.Equal(t, "t1@"+strconv.FormatInt(firstDay, 10), resp.Slots[0].ID)
}

func TestSlots_ViewsAndValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.refresh(t, `[{"fld_1544":"09:00","fld_1545":"10:00"}]`, nil)

	var day slotsResponse
	rec := h.do(http.MethodGet, "/api/slots?view=day&date=2024-03-06", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &day))
	assert.Len(t, day.Slots, 1)

	var month slotsResponse
	rec = h.do(http.MethodGet, "/api/slots?view=month&date=2024-02-10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &month))
	assert.Len(t, month.Slots, 29)
	assert.Equal(t, "2024-01-10", month.Prev)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/slots?view=year", "").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/api/slots?date=06/03/2024", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodPost, "/api/slots", "").Code)
}

func TestSlots_EmptyIsNotAnError(t *testing.T) {
	h := newHarness(t, nil)
	h.refresh(t, `{"instanceList":[]}`, nil)

	rec := h.do(http.MethodGet, "/api/slots", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, []any{}, body["slots"])
}

func TestSlots_ErrorStates(t *testing.T) {
	h := newHarness(t, nil)
	h.refresh(t, "", &origami.UpstreamError{Status: 401, Message: "bad token", Hint: "check ORIGAMI_API_KEY"})

	rec := h.do(http.MethodGet, "/api/slots", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "bad token", body["error"])
	assert.Equal(t, "check ORIGAMI_API_KEY", body["hint"])

	// Earlier templates keep the view usable while the error is reported.
	h.refresh(t, `[{"fld_1544":"09:00","fld_1545":"10:00"}]`, nil)
	h.refresh(t, "", errors.New("timeout"))
	rec = h.do(http.MethodGet, "/api/slots?view=day", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "error", body["status"])
	assert.Len(t, body["slots"], 1)
}

func TestSlotsICS(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/api/slots.ics", "").Code)

	h.refresh(t, `[{"fld_1544":"09:00","fld_1545":"10:00"}]`, nil)
	rec := h.do(http.MethodGet, "/api/slots.ics?view=week&date=2024-03-06", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, 7, strings.Count(rec.Body.String(), "BEGIN:VEVENT"))
}

func TestTemplatesAndRefresh(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.body = `[{"_id":"a","fld_1544":"09:00","fld_1545":"10:00"}]`

	rec := h.do(http.MethodGet, "/api/templates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "loading", body["status"])
	assert.Equal(t, []any{}, body["templates"])

	assert.Equal(t, http.StatusMethodNotAllowed, h.do(http.MethodGet, "/api/refresh", "").Code)

	rec = h.do(http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "ready", body["status"])
	templates := body["templates"].([]any)
	require.Len(t, templates, 1)
	tpl := templates[0].(map[string]any)
	assert.Equal(t, "a", tpl["id"])

	h.fetcher.err = errors.New("down")
	rec = h.do(http.MethodPost, "/api/refresh", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "error", decode(t, rec)["status"])
}

func TestProxy(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		resp       *origami.Response
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "method not allowed",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantBody:   `{"error":"Method Not Allowed"}`,
		},
		{
			name:       "missing secrets",
			method:     http.MethodPost,
			body:       `{"entity_data_name":"e_90"}`,
			err:        origami.ErrMissingCredentials,
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Server configuration error: Missing Secrets."}`,
		},
		{
			name:       "transport failure",
			method:     http.MethodPost,
			body:       `{}`,
			err:        errors.New("dial tcp: refused"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Internal Proxy Error","details":"dial tcp: refused"}`,
		},
		{
			name:       "upstream json error relayed",
			method:     http.MethodPost,
			body:       `{}`,
			resp:       &origami.Response{Status: http.StatusForbidden, Body: []byte(`{"message":"denied"}`)},
			wantStatus: http.StatusForbidden,
			wantBody:   `{"error":{"message":"denied"}}`,
		},
		{
			name:       "upstream text error wrapped",
			method:     http.MethodPost,
			body:       `{}`,
			resp:       &origami.Response{Status: http.StatusBadGateway, Body: []byte(`gateway down`)},
			wantStatus: http.StatusBadGateway,
			wantBody:   `{"error":{"message":"gateway down"}}`,
		},
		{
			name:       "upstream success passthrough",
			method:     http.MethodPost,
			body:       `{"entity_data_name":"e_90"}`,
			resp:       &origami.Response{Status: http.StatusOK, Body: []byte(`{"instanceList":[]}`)},
			wantStatus: http.StatusOK,
			wantBody:   `{"instanceList":[]}`,
		},
		{
			name:       "upstream success not json",
			method:     http.MethodPost,
			body:       `{}`,
			resp:       &origami.Response{Status: http.StatusOK, Body: []byte(`<html>`)},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"Internal Proxy Error","details":"upstream returned invalid JSON"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.proxy.resp, h.proxy.err = tt.resp, tt.err

			rec := h.do(tt.method, "/api/proxy", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestProxy_Success(t *testing.T) {
	h := newHarness(t, nil)
	h.proxy.resp = &origami.Response{Status: http.StatusOK, Body: []byte(`{"ok":true}`)}

	rec := h.do(http.MethodPost, "/api/proxy", `{"entity_data_name":"e_90","normalized":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store, max-age=0", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "e_90", h.proxy.got["entity_data_name"])
	assert.Equal(t, json.Number("1"), h.proxy.got["normalized"])
}

func TestProxy_BadBody(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/api/proxy", `{not json`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Internal Proxy Error", body["error"])
	assert.NotEmpty(t, body["details"])
	assert.Nil(t, h.proxy.got)
}

func TestProxy_RateLimited(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Proxy.RatePerSecond = 0.001
		c.Proxy.Burst = 2
	})
	h.proxy.resp = &origami.Response{Status: http.StatusOK, Body: []byte(`{}`)}

	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/proxy", `{}`).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/proxy", `{}`).Code)

	rec := h.do(http.MethodPost, "/api/proxy", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestBasicAuth(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	})
	h.refresh(t, `[]`, nil)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "").Code)

	rec := h.do(http.MethodGet, "/api/slots", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/slots", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/slots", nil)
	req.SetBasicAuth("admin", "pw")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStaticAndUnknownAPI(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/nope", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.refresh(t, `[]`, nil)
	h.do(http.MethodGet, "/api/slots", "")

	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `slotcal_http_requests_total{code="200",endpoint="slots",method="GET"} 1`)
	assert.Contains(t, rec.Body.String(), `slotcal_upstream_fetches_total{result="ok"} 1`)
}
