// Package prober asks a tenant's device-management API how many devices it
// manages. The remote API surface differs between deployments, so a fixed
// list of candidate paths is tried in order until one answers sensibly.
package prober

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/skypass/fleetwatch/internal/resolver"
	"github.com/skypass/fleetwatch/internal/version"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 64 << 20
)

// CandidatePaths are appended to the API base, in the order they are tried.
var CandidatePaths = []string{
	"/devices",
	"/api/v1/devices",
	"/api/devices",
}

var (
	errUnexpectedShape = errors.New("unexpected response shape")
	errNoHost          = errors.New("address has no host")
)

// Target is the minimum a probe needs: something to call it in logs and the
// address the operator entered.
type Target struct {
	Name    string
	Address string
}

// Attempt records how one candidate request went.
type Attempt struct {
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Result is the outcome of a probe. Reachable is false when no candidate
// produced a count; Count is then 0.
type Result struct {
	Count     int       `json:"count"`
	Reachable bool      `json:"reachable"`
	URL       string    `json:"url,omitempty"`
	Attempts  []Attempt `json:"attempts"`
}

// DeviceCount is the stored count: the real count, or 0 when unreachable.
func (r Result) DeviceCount() int {
	if !r.Reachable {
		return 0
	}
	return r.Count
}

// LastError returns the failure reason of the final attempt, if any.
func (r Result) LastError() string {
	if r.Reachable || len(r.Attempts) == 0 {
		return ""
	}
	return r.Attempts[len(r.Attempts)-1].Error
}

// Option configures a Prober.
type Option func(*Prober)

// WithTimeout bounds each candidate request.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithAPIPort overrides the port the device API is expected on.
func WithAPIPort(port int) Option {
	return func(p *Prober) {
		if port > 0 {
			p.apiPort = port
		}
	}
}

// WithHTTPClient swaps the HTTP client, mostly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) {
		if c != nil {
			p.client = c
		}
	}
}

// Prober queries device counts. It is safe for concurrent use.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	apiPort int
	logger  zerolog.Logger
}

// New creates a Prober with a 10s per-candidate timeout on port 7557.
func New(logger zerolog.Logger, opts ...Option) *Prober {
	p := &Prober{
		client:  &http.Client{},
		timeout: defaultTimeout,
		apiPort: resolver.DefaultAPIPort,
		logger:  logger.With().Str("component", "prober").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe walks the candidate paths and returns the first count it can read.
// Failures are logged and swallowed; the caller decides what a zero means.
func (p *Prober) Probe(ctx context.Context, t Target) Result {
	ep := resolver.ResolveWithPort(t.Address, p.apiPort)
	log := p.logger.With().
		Str("endpoint", t.Name).
		Str("api", ep.API).
		Logger()

	log.Debug().
		Str("address", t.Address).
		Str("ui", ep.UI).
		Msg("Resolved endpoint address")

	result := Result{Attempts: make([]Attempt, 0, len(CandidatePaths))}
	if !ep.HasHost() {
		for _, path := range CandidatePaths {
			result.Attempts = append(result.Attempts, Attempt{URL: ep.API + path, Error: errNoHost.Error()})
		}
		log.Warn().Str("address", t.Address).Msg("Address has no host, reporting zero devices")
		return result
	}

	for _, path := range CandidatePaths {
		if ctx.Err() != nil {
			log.Debug().Err(ctx.Err()).Msg("Probe cancelled")
			break
		}

		url := ep.API + path
		count, status, err := p.fetch(ctx, url)
		attempt := Attempt{URL: url, Status: status}
		if err != nil {
			attempt.Error = err.Error()
			result.Attempts = append(result.Attempts, attempt)
			log.Info().
				Err(err).
				Str("url", url).
				Int("status", status).
				Msg("Candidate failed, trying next")
			continue
		}

		result.Attempts = append(result.Attempts, attempt)
		result.Count = count
		result.Reachable = true
		result.URL = url
		log.Info().
			Str("url", url).
			Int("count", count).
			Msg("Device count retrieved")
		return result
	}

	log.Warn().
		Int("attempts", len(result.Attempts)).
		Str("last_error", result.LastError()).
		Msg("Could not reach device API on any candidate, reporting zero devices")
	return result
}

// fetch performs a single bounded GET and extracts the device count.
func (p *Prober) fetch(ctx context.Context, url string) (int, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	count, err := CountDevices(body)
	if err != nil {
		return 0, resp.StatusCode, err
	}
	return count, resp.StatusCode, nil
}

// CountDevices extracts the device count from a response body: either a
// bare JSON array, or an object whose "devices" field is an array.
func CountDevices(body []byte) (int, error) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		return 0, fmt.Errorf("response is not valid JSON")
	}

	switch trimmed[0] {
	case '[':
		var devices []json.RawMessage
		if err := json.Unmarshal(trimmed, &devices); err != nil {
			return 0, fmt.Errorf("failed to parse device list: %w", err)
		}
		return len(devices), nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return 0, fmt.Errorf("failed to parse response object: %w", err)
		}
		raw, ok := obj["devices"]
		if !ok {
			return 0, fmt.Errorf("%w: object without devices field", errUnexpectedShape)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '[' {
			return 0, fmt.Errorf("%w: devices field is not a list", errUnexpectedShape)
		}
		var devices []json.RawMessage
		if err := json.Unmarshal(raw, &devices); err != nil {
			return 0, fmt.Errorf("failed to parse devices field: %w", err)
		}
		return len(devices), nil
	default:
		return 0, fmt.Errorf("%w: %.20s", errUnexpectedShape, trimmed)
	}
}
