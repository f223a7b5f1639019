// Package modelclient implements the request/stream interface to a single
// external model server (a llama.cpp-style HTTP endpoint).
//
// Each client owns one logical connection: Health() is a cheap liveness probe
// with minimal stats, Generate() returns a lazy, finite token stream, and
// cancellation is propagated through the request context. Retry with
// exponential backoff applies only to transient connection errors, never to
// model-level errors (bad params, oversized context).
package modelclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/synapsehq/synapse/pkg/models"
	"github.com/synapsehq/synapse/pkg/synerr"
)

const (
	defaultTimeout  = 2 * time.Minute
	healthTimeout   = 3 * time.Second
	maxConnAttempts = 3
)

// Client talks to one external model server.
type Client struct {
	id       string
	endpoint string
	client   *http.Client
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker

	// Per-request counters, read by the fleet manager.
	requests atomic.Uint64
	errors   atomic.Uint64
}

// Option configures a client.
type Option func(*Client)

// WithTimeout sets the per-call generation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient swaps the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// New creates a client for the model server at endpoint.
func New(id, endpoint string, opts ...Option) *Client {
	c := &Client{
		id:       id,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{},
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c
}

// ID returns the model id this client serves.
func (c *Client) ID() string { return c.id }

// Counters returns the cumulative request and error counts.
func (c *Client) Counters() (requests, errs uint64) {
	return c.requests.Load(), c.errors.Load()
}

// ── Health ───────────────────────────────────────────────────

// HealthStats is the minimal stats payload of a liveness probe.
type HealthStats struct {
	Latency      time.Duration
	TokensPerSec float64
	VRAMGB       float64
	SlotsIdle    int
}

type healthResponse struct {
	Status       string  `json:"status"`
	SlotsIdle    int     `json:"slots_idle"`
	TokensPerSec float64 `json:"tokens_per_second"`
	VRAMBytes    int64   `json:"vram_bytes"`
}

// Health probes GET /health. Any non-OK status or connection error counts as
// a failed check; the caller (the fleet health loop) tracks consecutive
// failures.
func (c *Client) Health(ctx context.Context) (HealthStats, error) {
	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(hctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return HealthStats{}, fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return HealthStats{}, synerr.Wrap(synerr.KindModelTransient, err, "health probe")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthStats{}, synerr.Newf(synerr.KindModelTransient, "health status %d", resp.StatusCode)
	}

	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return HealthStats{}, synerr.Wrap(synerr.KindModelTransient, err, "decode health response")
	}
	if hr.Status != "" && hr.Status != "ok" {
		return HealthStats{}, synerr.Newf(synerr.KindModelTransient, "server reports status %q", hr.Status)
	}

	return HealthStats{
		Latency:      time.Since(start),
		TokensPerSec: hr.TokensPerSec,
		VRAMGB:       float64(hr.VRAMBytes) / (1 << 30),
		SlotsIdle:    hr.SlotsIdle,
	}, nil
}

// ── Generation ───────────────────────────────────────────────

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream"`
	CachePrompt bool     `json:"cache_prompt"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
	Timings struct {
		PredictedN         int     `json:"predicted_n"`
		PredictedPerSecond float64 `json:"predicted_per_second"`
	} `json:"timings"`
}

// Generate starts a streaming completion. The returned stream is finite and
// not restartable; closing it (or cancelling ctx) terminates generation on
// the server within the request's grace period.
//
// Connection-level failures are retried with exponential backoff up to
// maxConnAttempts; once the server has accepted the request no retry occurs.
func (c *Client) Generate(ctx context.Context, prompt string, p models.GenParams) (*Stream, error) {
	c.requests.Add(1)

	body, err := json.Marshal(completionRequest{
		Prompt:      prompt,
		NPredict:    p.MaxTokens,
		Temperature: p.Temperature,
		Stop:        p.Stop,
		Stream:      true,
		CachePrompt: true,
	})
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, c.timeout)

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < maxConnAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond):
			case <-genCtx.Done():
				cancel()
				c.errors.Add(1)
				return nil, genCtx.Err()
			}
		}

		result, err := c.breaker.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(genCtx, http.MethodPost, c.endpoint+"/completion", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return c.client.Do(req)
		})
		if err != nil {
			if !transientConnErr(err) {
				cancel()
				c.errors.Add(1)
				return nil, synerr.Wrap(synerr.KindModelTransient, err, "connect to model server")
			}
			lastErr = err
			continue
		}

		resp = result.(*http.Response)
		if resp.StatusCode == http.StatusOK {
			lastErr = nil
			break
		}

		// Model-level rejection: never retried.
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		c.errors.Add(1)
		if resp.StatusCode >= 500 {
			return nil, synerr.Newf(synerr.KindModelTransient, "model server status %d: %s", resp.StatusCode, respBody)
		}
		return nil, synerr.Newf(synerr.KindModelFatal, "model rejected request: status %d: %s", resp.StatusCode, respBody)
	}

	if resp == nil {
		cancel()
		c.errors.Add(1)
		return nil, synerr.Wrap(synerr.KindModelTransient, lastErr,
			fmt.Sprintf("model server unreachable after %d attempts", maxConnAttempts))
	}

	return &Stream{
		client:  c,
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
		start:   time.Now(),
	}, nil
}

// transientConnErr reports whether err is a connection-level failure worth
// retrying (refused, reset, timeout before the request was accepted).
func transientConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ── Stream ───────────────────────────────────────────────────

// Token is one streamed fragment.
type Token struct {
	Content string
	Final   bool
}

// Stream is a lazy, finite token sequence for one generation.
type Stream struct {
	client  *Client
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	start   time.Time
	tokens  int
	tps     float64
	done    bool
}

// Recv returns the next token. io.EOF signals normal completion.
func (s *Stream) Recv() (Token, error) {
	if s.done {
		return Token{}, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")

		var chunk completionChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			s.fail()
			return Token{}, synerr.Wrap(synerr.KindModelTransient, err, "decode stream chunk")
		}

		if chunk.Content != "" {
			s.tokens++
		}
		if chunk.Stop {
			s.done = true
			if chunk.Timings.PredictedN > 0 {
				s.tokens = chunk.Timings.PredictedN
			}
			s.tps = chunk.Timings.PredictedPerSecond
			s.Close()
			return Token{Content: chunk.Content, Final: true}, nil
		}
		return Token{Content: chunk.Content}, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.fail()
		return Token{}, synerr.Wrap(synerr.KindModelTransient, err, "read stream")
	}
	s.done = true
	s.Close()
	return Token{}, io.EOF
}

// Collect drains the stream and returns the assembled result.
func (s *Stream) Collect() (models.GenResult, error) {
	var sb strings.Builder
	for {
		tok, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return models.GenResult{}, err
		}
		sb.WriteString(tok.Content)
		if tok.Final {
			break
		}
	}
	return s.Result(sb.String()), nil
}

// Result assembles a GenResult from collected content.
func (s *Stream) Result(content string) models.GenResult {
	elapsed := time.Since(s.start)
	tps := s.tps
	if tps == 0 && elapsed > 0 {
		tps = float64(s.tokens) / elapsed.Seconds()
	}
	return models.GenResult{
		Content:      content,
		TokensUsed:   s.tokens,
		TokensPerSec: tps,
		Elapsed:      elapsed,
		ModelID:      s.client.id,
	}
}

// Close cancels the generation and releases the connection.
func (s *Stream) Close() {
	if s.body != nil {
		s.body.Close()
		s.body = nil
	}
	s.cancel()
}

func (s *Stream) fail() {
	s.client.errors.Add(1)
	log.Debug().Str("model", s.client.id).Msg("generation stream failed")
	s.done = true
	s.Close()
}
