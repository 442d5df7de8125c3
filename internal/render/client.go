// Package render talks to the external render service: it submits bundle
// archives, polls their progress and downloads the produced PDFs.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mtr002/render-queue/internal/metrics"
)

// Mode selects which artifacts the renderer produces.
type Mode string

const (
	ModePrint   Mode = "print"
	ModePreview Mode = "preview"
)

// Progress stages reported by the renderer. Only done and error are terminal.
const (
	StageInit    = "init"
	StageUpscale = "upscale"
	StagePDF     = "pdf"
	StageDone    = "done"
	StageError   = "error"
)

// Submission is the renderer's answer to a submit: the work id and where to
// poll and download.
type Submission struct {
	WorkID      string `json:"workId"`
	PollURL     string `json:"pollUrl"`
	DownloadURL string `json:"downloadUrl"`
}

// Progress is the renderer's view of a work unit.
type Progress struct {
	Stage   string  `json:"stage"`
	Message string  `json:"message"`
	Percent float64 `json:"percent"`
}

// Terminal reports whether polling can stop.
func (p Progress) Terminal() bool {
	return p.Stage == StageDone || p.Stage == StageError
}

type Config struct {
	BaseURL string
	Token   string
	// RequestTimeout bounds submit and progress calls.
	RequestTimeout time.Duration
	// DownloadTimeout bounds the artifact download.
	DownloadTimeout time.Duration
	PollInterval    time.Duration
	// PollTimeout bounds the whole wait for a terminal stage.
	PollTimeout       time.Duration
	RequestsPerSecond float64
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 20 * time.Minute
	}
}

// Client is safe for concurrent use by several pipeline runs.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client for the renderer at cfg.BaseURL.
func NewClient(cfg Config, httpClient *http.Client) (*Client, error) {
	cfg.setDefaults()

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid render service url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *Client) resolve(ref, fallback string) string {
	if ref == "" {
		ref = fallback
	}
	u, err := url.Parse(ref)
	if err != nil {
		return c.base.String() + strings.TrimLeft(fallback, "/")
	}
	if u.IsAbs() {
		return u.String()
	}
	return c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(u.Path, "/"), RawQuery: u.RawQuery}).String()
}

func (c *Client) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("render %s: %w", op, err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RenderRequestsTotal.WithLabelValues(op, "transport_error").Inc()
		return nil, &ServiceError{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RenderRequestsTotal.WithLabelValues(op, "transport_error").Inc()
		return nil, &ServiceError{Op: op, StatusCode: resp.StatusCode, Message: "failed to read response body", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RenderRequestsTotal.WithLabelValues(op, "http_error").Inc()
		return nil, &ServiceError{Op: op, StatusCode: resp.StatusCode, Message: truncate(string(body), 512)}
	}

	metrics.RenderRequestsTotal.WithLabelValues(op, "ok").Inc()
	return body, nil
}

// Submit uploads a bundle archive as multipart form data.
func (c *Client) Submit(ctx context.Context, archive []byte, mode Mode, label string) (*Submission, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("mode", string(mode)); err != nil {
		return nil, fmt.Errorf("failed to write mode field: %w", err)
	}
	if label != "" {
		if err := mw.WriteField("label", label); err != nil {
			return nil, fmt.Errorf("failed to write label field: %w", err)
		}
	}
	part, err := mw.CreateFormFile("archive", "bundle.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive part: %w", err)
	}
	if _, err := part.Write(archive); err != nil {
		return nil, fmt.Errorf("failed to write archive part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve("generate", "generate"), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build submit request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.do(ctx, "submit", req)
	if err != nil {
		return nil, err
	}

	var sub Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, &ServiceError{Op: "submit", Message: "invalid submit response: " + err.Error()}
	}
	if sub.WorkID == "" {
		return nil, &ServiceError{Op: "submit", Message: "submit response has no workId"}
	}
	return &sub, nil
}

// Progress fetches the current progress of a submission.
func (c *Client) Progress(ctx context.Context, sub *Submission) (*Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.resolve(sub.PollURL, "progress/"+url.PathEscape(sub.WorkID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build progress request: %w", err)
	}

	body, err := c.do(ctx, "progress", req)
	if err != nil {
		return nil, err
	}

	var p Progress
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &ServiceError{Op: "progress", Message: "invalid progress response: " + err.Error()}
	}
	return &p, nil
}

// Download fetches the output archive of a finished submission.
func (c *Client) Download(ctx context.Context, sub *Submission) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.resolve(sub.DownloadURL, "download/"+url.PathEscape(sub.WorkID)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	return c.do(ctx, "download", req)
}

// Render runs a full submit, wait and download cycle for one archive.
func (c *Client) Render(ctx context.Context, archive []byte, mode Mode, label string, onProgress func(Progress)) ([]byte, error) {
	sub, err := c.Submit(ctx, archive, mode, label)
	if err != nil {
		return nil, err
	}
	if _, err := c.Wait(ctx, sub, onProgress); err != nil {
		return nil, err
	}
	return c.Download(ctx, sub)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
