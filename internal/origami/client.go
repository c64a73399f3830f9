package origami

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appLog "slotcal/internal/log"
)

// ErrMissingCredentials is returned when no service token is configured.
var ErrMissingCredentials = errors.New("origami: credentials are not set")

// maxBodyBytes caps how much of an upstream response is read.
const maxBodyBytes = 32 << 20

// UpstreamError is a non-2xx response, or a 2xx body carrying an "error" key.
type UpstreamError struct {
	Status  int
	Message string
	// Hint is a secondary explanation when the upstream supplies one.
	Hint string
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("origami: upstream error (status %d): %s", e.Status, e.Message)
	}
	return "origami: upstream error: " + e.Message
}

// Credentials is the shared service credential injected into every request.
type Credentials struct {
	Username string
	Token    string
}

// ClientConfig configures a Client.
type ClientConfig struct {
	URL         string
	DataName    string
	Credentials Credentials
	// Timeout bounds one request. Zero means no timeout.
	Timeout time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Response is a raw upstream reply.
type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client talks to the Origami instance-data API.
type Client struct {
	url      string
	dataName string
	creds    Credentials
	http     *http.Client
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		url:      cfg.URL,
		dataName: cfg.DataName,
		creds: Credentials{
			Username: strings.TrimSpace(cfg.Credentials.Username),
			Token:    strings.TrimSpace(cfg.Credentials.Token),
		},
		http: hc,
	}
}

// Post sends body to the upstream with the service credential merged in as
// username/token/api_key/api_secret and as a Bearer header. The response is
// returned without interpretation; only transport failures are errors.
func (c *Client) Post(ctx context.Context, body map[string]any) (*Response, error) {
	if c.creds.Token == "" {
		return nil, ErrMissingCredentials
	}

	payload := make(map[string]any, len(body)+4)
	for k, v := range body {
		payload[k] = v
	}
	payload["username"] = c.creds.Username
	payload["token"] = c.creds.Token
	payload["api_key"] = c.creds.Token
	payload["api_secret"] = c.creds.Token

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("origami: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("origami: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.creds.Token)

	appLog.Debug("origami request start", "url", RedactURL(c.url))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origami: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("origami: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		appLog.Error("origami upstream non-OK", errors.New(resp.Status),
			"url", RedactURL(c.url), "status", resp.StatusCode, "body_bytes", len(respBody))
	}
	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}

// FetchRecords requests the configured data source and returns the raw
// JSON payload. Upstream failures come back as *UpstreamError.
func (c *Client) FetchRecords(ctx context.Context) ([]byte, error) {
	resp, err := c.Post(ctx, map[string]any{
		"entity_data_name": c.dataName,
		"normalized":       1,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, upstreamErrorFrom(resp)
	}

	// A 2xx body may still carry {"error": ...}.
	var envelope map[string]any
	if json.Unmarshal(resp.Body, &envelope) == nil {
		if v, ok := envelope["error"]; ok && v != nil {
			ue := &UpstreamError{Status: resp.Status, Message: describe(v)}
			ue.Hint = hintFrom(envelope)
			return nil, ue
		}
	}
	return resp.Body, nil
}

func upstreamErrorFrom(resp *Response) *UpstreamError {
	ue := &UpstreamError{Status: resp.Status, Message: http.StatusText(resp.Status)}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		if text := strings.TrimSpace(string(resp.Body)); text != "" {
			ue.Message = text
		}
		return ue
	}
	for _, key := range []string{"error", "message"} {
		if v, ok := body[key]; ok && v != nil {
			ue.Message = describe(v)
			break
		}
	}
	ue.Hint = hintFrom(body)
	return ue
}

func hintFrom(body map[string]any) string {
	for _, key := range []string{"hint", "details"} {
		if v, ok := body[key]; ok && v != nil {
			return describe(v)
		}
	}
	if inner, ok := body["error"].(map[string]any); ok {
		for _, key := range []string{"hint", "details"} {
			if v, ok := inner[key]; ok && v != nil {
				return describe(v)
			}
		}
	}
	return ""
}

// describe renders an error-ish JSON value as a message.
func describe(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if m, ok := val["message"].(string); ok && m != "" {
			return m
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// RedactURL keeps only scheme and host of u for logging.
//
//	https://acme.origami.ms/entities/api/instance_data?token=x
//	-> https://acme.origami.ms/...(redacted)
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := strings.Index(u, "://")
	if i == -1 {
		return "origami://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '?'); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.LastIndexByte(rest, '@'); j >= 0 {
		rest = rest[j+1:]
	}
	return u[:i+3] + rest + redactedSuffix
}
