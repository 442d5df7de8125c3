// Package generation wraps the AI image backends behind one contract, with a
// mock backend selected by configuration for offline development.
package generation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"
)

// SizeHints are advisory output dimensions.
type SizeHints struct {
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Aspect string `json:"aspect,omitempty"`
}

// Request is one generation call.
type Request struct {
	Prompt          string
	ReferenceImages []string
	ModelID         string
	Size            SizeHints
}

// Output carries either the bytes or a URL to fetch them from.
type Output struct {
	URL         string
	Data        []byte
	ContentType string
}

// Backend generates an image for a prompt.
type Backend interface {
	Generate(ctx context.Context, req Request) (*Output, error)
}

// Config selects and configures the backend. Mock must be set explicitly.
type Config struct {
	Mock    bool
	BaseURL string
	APIKey  string
	ModelID string
	Timeout time.Duration
}

// New returns the mock backend when cfg.Mock is set, the HTTP backend otherwise.
func New(cfg Config, httpClient *http.Client) (Backend, error) {
	if cfg.Mock {
		return &MockBackend{}, nil
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("generation base url is required unless mock mode is enabled")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	// The injected client may be shared; the timeout goes on a copy.
	c := http.Client{}
	if httpClient != nil {
		c = *httpClient
	}
	c.Timeout = timeout
	httpClient = &c
	return &HTTPBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.ModelID,
		http:    httpClient,
	}, nil
}

// StatusError is a non-2xx answer from a backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation backend returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the call may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPBackend calls a JSON image generation endpoint.
type HTTPBackend struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

type generateRequest struct {
	Prompt          string    `json:"prompt"`
	ReferenceImages []string  `json:"referenceImages,omitempty"`
	Model           string    `json:"model"`
	Size            SizeHints `json:"size"`
}

type generateResponse struct {
	URL         string `json:"url"`
	B64         string `json:"b64"`
	ContentType string `json:"contentType"`
}

func (h *HTTPBackend) Generate(ctx context.Context, req Request) (*Output, error) {
	model := req.ModelID
	if model == "" {
		model = h.model
	}
	body, err := json.Marshal(generateRequest{
		Prompt:          req.Prompt,
		ReferenceImages: req.ReferenceImages,
		Model:           model,
		Size:            req.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/images/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read generation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("invalid generation response: %w", err)
	}

	result := &Output{URL: out.URL, ContentType: out.ContentType}
	if out.B64 != "" {
		data, err := base64.StdEncoding.DecodeString(out.B64)
		if err != nil {
			return nil, fmt.Errorf("invalid image encoding: %w", err)
		}
		result.Data = data
	}
	if result.URL == "" && len(result.Data) == 0 {
		return nil, fmt.Errorf("generation response has neither url nor image data")
	}
	if result.ContentType == "" {
		result.ContentType = "image/png"
	}
	return result, nil
}

// maxMockSide caps either dimension of a placeholder image.
const maxMockSide = 1024

// MockBackend returns a flat PNG whose color is derived from the prompt, so
// the same prompt always yields the same bytes.
type MockBackend struct{}

func (MockBackend) Generate(_ context.Context, req Request) (*Output, error) {
	w, h := req.Size.Width, req.Size.Height
	if w <= 0 || h <= 0 {
		w, h = 64, 64
	}
	w, h = min(w, maxMockSide), min(h, maxMockSide)

	sum := sha256.Sum256([]byte(req.ModelID + "\x00" + req.Prompt))
	fill := color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode placeholder: %w", err)
	}
	return &Output{Data: buf.Bytes(), ContentType: "image/png"}, nil
}
