package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPEngine synthesizes speech through a remote synthesis server that keeps
// the model resident. One POST per chunk; the server answers with the WAV
// payload for the chunk.
type HTTPEngine struct {
	baseURL    string
	sampleRate int
	httpClient *http.Client
}

// EngineOption is a function that configures an HTTPEngine.
type EngineOption func(*HTTPEngine)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) EngineOption {
	return func(e *HTTPEngine) {
		e.httpClient = c
	}
}

// NewHTTPEngine creates an engine backed by the synthesis server at baseURL.
// The default client carries no timeout; synthesis of a long chunk takes as
// long as it takes, and cancellation arrives through the request context.
func NewHTTPEngine(baseURL string, sampleRate int, opts ...EngineOption) (*HTTPEngine, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	e := &HTTPEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		sampleRate: sampleRate,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type synthesizeRequest struct {
	Text       string  `json:"text"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Synthesize implements Engine by posting the chunk to the server.
func (e *HTTPEngine) Synthesize(ctx context.Context, text string, speed float64) ([]byte, error) {
	body, err := json.Marshal(synthesizeRequest{
		Text:       text,
		Speed:      speed,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("synth: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("synth: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &SynthesisError{Engine: "http", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SynthesisError{Engine: "http", Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(respBody))
		var parsed errorResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != "" {
			msg = parsed.Error
		}
		return nil, &SynthesisError{
			Engine: "http",
			Err:    fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, msg),
		}
	}

	if len(respBody) == 0 {
		return nil, &SynthesisError{Engine: "http", Err: ErrEmptyAudio}
	}
	return respBody, nil
}

// SampleRate implements Engine.
func (e *HTTPEngine) SampleRate() int {
	return e.sampleRate
}

// Ping checks that the synthesis server is reachable and healthy.
func (e *HTTPEngine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("synth: create request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("synth: ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w with status %d", ErrRequestFailed, resp.StatusCode)
	}
	return nil
}

// Verify interface implementation at compile time.
var _ Engine = (*HTTPEngine)(nil)
