package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gbtami/fairyfishnet/internal/protocol"
)

const (
	// DefaultTimeout bounds every exchange with the work server.
	DefaultTimeout = 15 * time.Second

	// rateLimitPenalty is the extra delay after an HTTP 429.
	rateLimitPenalty = 60 * time.Second

	// maxBodyBytes caps how much of a response is read into memory.
	maxBodyBytes = 1 << 20
)

// Config carries what the client needs to reach the work server.
type Config struct {
	Endpoint string
	Key      string
	Version  string
	Timeout  time.Duration
}

// Client speaks the acquire/report/abort protocol with the work server.
// It is safe for concurrent use; all workers of a pool share one
// instance.
type Client struct {
	http   *http.Client
	base   *url.URL
	info   protocol.ClientInfo
	logger *slog.Logger
}

// New builds a client for the given endpoint.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	base, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		http:   &http.Client{Timeout: timeout},
		base:   base,
		info:   protocol.ClientInfo{Version: cfg.Version, APIKey: cfg.Key},
		logger: logger,
	}, nil
}

// Request assembles the identity envelope sent with every call.
func (c *Client) Request(engine protocol.EngineInfo) protocol.Request {
	return protocol.Request{Fishnet: c.info, Engine: engine}
}

// Acquire asks the server for work. It returns (nil, nil) when the queue
// is empty.
func (c *Client) Acquire(ctx context.Context, engine protocol.EngineInfo) (*protocol.Job, error) {
	return c.exchange(ctx, "acquire", "acquire", c.Request(engine))
}

// SubmitAnalysis posts a finished analysis. When the server has more work
// it hands the next job back on the same response.
func (c *Client) SubmitAnalysis(ctx context.Context, jobID string, engine protocol.EngineInfo, analysis []*protocol.AnalysisRecord) (*protocol.Job, error) {
	body := protocol.AnalysisReport{Request: c.Request(engine), Analysis: analysis}
	return c.exchange(ctx, "analysis", "analysis/"+jobID, body)
}

// SubmitMove posts the move chosen for a play request.
func (c *Client) SubmitMove(ctx context.Context, jobID string, engine protocol.EngineInfo, move protocol.MoveResult) (*protocol.Job, error) {
	body := protocol.MoveReport{Request: c.Request(engine), Move: move}
	return c.exchange(ctx, "move", "move/"+jobID, body)
}

// Abort hands a job back to the server. The server requeues the job on
// its own timeout if the call never arrives, so callers treat failures as
// best effort.
func (c *Client) Abort(ctx context.Context, jobID string, engine protocol.EngineInfo) error {
	_, err := c.exchange(ctx, "abort", "abort/"+jobID, c.Request(engine))
	return err
}

// SendProgress posts a partial analysis in place. The server never
// assigns work on progress posts, so the response body is ignored.
func (c *Client) SendProgress(ctx context.Context, jobID string, engine protocol.EngineInfo, analysis []*protocol.AnalysisRecord) error {
	body := protocol.AnalysisReport{Request: c.Request(engine), Analysis: analysis}
	resp, err := c.post(ctx, "analysis/"+jobID, body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Op: "progress", Err: err}
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusTooManyRequests {
		return &TransientError{
			Op:         "progress",
			Status:     resp.StatusCode,
			Err:        errors.New("rate limited"),
			RetryAfter: rateLimitPenalty,
		}
	}
	return nil
}

// CheckKey asks the server whether the configured key is active. A 404
// means the key is unknown or disabled.
func (c *Client) CheckKey(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("key", c.info.APIKey).String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Op: "key", Err: err}
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &CredentialsError{Status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &TransientError{Op: "key", Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return nil
}

// exchange posts body and interprets the protocol response: 202 carries a
// job, 204 carries nothing, everything else is classified per the error
// taxonomy.
func (c *Client) exchange(ctx context.Context, op, path string, body any) (*protocol.Job, error) {
	resp, err := c.post(ctx, path, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransientError{Op: op, Status: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil

	case resp.StatusCode == http.StatusAccepted:
		job := new(protocol.Job)
		if err := json.Unmarshal(data, job); err != nil {
			return nil, &TransientError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("undecodable job: %w", err)}
		}
		if err := job.Validate(); err != nil {
			return nil, &TransientError{Op: op, Status: resp.StatusCode, Err: err}
		}
		c.logger.Debug("got job",
			slog.String("op", op),
			slog.String("job_id", job.Work.ID),
			slog.String("type", job.Work.Type))
		return job, nil

	case resp.StatusCode >= 500:
		return nil, &TransientError{Op: op, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}

	case resp.StatusCode >= 400:
		msg := serverError(data)
		if strings.Contains(msg, upgradeSentence) {
			c.logger.Error("server requests an upgrade", slog.String("op", op), slog.String("error", msg))
			return nil, ErrUpdateRequired
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, &CredentialsError{Status: resp.StatusCode}
		}
		cause := errors.New(http.StatusText(resp.StatusCode))
		if msg != "" {
			cause = errors.New(msg)
		}
		var retryAfter time.Duration
		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter = rateLimitPenalty
		}
		return nil, &TransientError{Op: op, Status: resp.StatusCode, Err: cause, RetryAfter: retryAfter}

	default:
		return nil, &TransientError{Op: op, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(path).String(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.http.Do(req)
}

// serverError extracts the error message from a 4xx body, falling back to
// the raw text.
func serverError(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		return strings.TrimSpace(string(data))
	}
	return payload.Error
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()
}
