package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// ErrStreamUnsupported is returned when a successful response cannot be read
// as a newline-delimited stream. An empty body is still a stream.
var ErrStreamUnsupported = errors.New("streaming response body not supported")

// TransportError is a network or HTTP level failure reaching the server.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: server error: %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: server error: %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": transport error"
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// GenerateRequest is the JSON body of a streaming generation call.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Client talks to an Ollama-style inference server. Endpoints are injected so
// the caller decides how they resolve.
type Client struct {
	generateURL string
	statusURL   string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewClient creates a client for the given generation and status endpoints.
// The underlying http.Client has no timeout; only the caller's context ends a
// generation early.
func NewClient(generateURL, statusURL string, logger *slog.Logger) *Client {
	return &Client{
		generateURL: generateURL,
		statusURL:   statusURL,
		httpClient:  &http.Client{},
		logger:      logger,
	}
}

// Generate issues POST {generateURL} with stream enabled and returns the open
// response body. The caller must close it. Cancelling ctx aborts the read.
func (c *Client) Generate(ctx context.Context, endpoint, model, prompt string) (io.ReadCloser, error) {
	if endpoint == "" {
		endpoint = c.generateURL
	}
	body, err := json.Marshal(GenerateRequest{Model: model, Prompt: prompt, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "generate", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{
			Op:         "generate",
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
	}

	if !streamableMediaType(resp.Header.Get("Content-Type")) {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: content type %q", ErrStreamUnsupported, resp.Header.Get("Content-Type"))
	}

	c.logger.Debug("generation stream opened", "endpoint", endpoint, "model", model, "status", resp.StatusCode)
	return resp.Body, nil
}

// Probe issues GET {statusURL} and reports whether it answered with 2xx. The
// caller bounds it with a context deadline.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "probe", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: "probe", StatusCode: resp.StatusCode}
	}
	return nil
}

// errorMessage extracts {"error": "..."} from a server reply, falling back to
// the trimmed body text.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

// streamableMediaType reports whether a response body can be consumed line by
// line. A missing Content-Type is accepted.
func streamableMediaType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/x-ndjson", "application/ndjson", "application/jsonl", "application/json", "text/plain":
		return true
	default:
		return false
	}
}
