// Package kandinsky provides an image generation client for the
// FusionBrain text-to-image API.
package kandinsky

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

const (
	// DefaultBaseURL is the production text-to-image endpoint.
	DefaultBaseURL = "https://api.fusionbrain.ai/web/api/v1/text2image"
	// defaultPollInterval spaces generation status checks.
	defaultPollInterval = 5 * time.Second
	// defaultModelID selects the Kandinsky model.
	defaultModelID = 1
)

// Opts holds configuration options for the Kandinsky client.
type Opts struct {
	AuthToken    string
	BaseURL      string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Option configures Kandinsky client construction.
type Option func(*Opts)

// WithAuthToken sets the FusionBrain bearer token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithPollInterval overrides the status polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client calls the FusionBrain API to generate images from text
// prompts.
type Client struct {
	baseURL      string
	authToken    string
	pollInterval time.Duration
	http         *http.Client
}

// NewClient creates a Kandinsky client from the provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("FusionBrain auth token not set")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		authToken:    cfg.AuthToken,
		pollInterval: cfg.PollInterval,
		http:         cfg.HTTPClient,
	}, nil
}

// runRequest is the generation request payload.
type runRequest struct {
	Type           string         `json:"type"`
	Style          string         `json:"style"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	GenerateParams generateParams `json:"generateParams"`
}

type generateParams struct {
	Query string `json:"query"`
}

type runResponse struct {
	UUID string `json:"uuid"`
}

type statusResponse struct {
	Status string   `json:"status"`
	Images []string `json:"images"`
}

// Generate produces an image for the prompt, blocking until the API
// reports completion. Returns the decoded image bytes.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	uuid, err := c.run(ctx, prompt)
	if err != nil {
		return nil, err
	}
	slog.Info("Kandinsky.Generate: generation started", "uuid", uuid)

	encoded, err := c.waitForResult(ctx, uuid)
	if err != nil {
		return nil, err
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode generated image: %w", err)
	}
	slog.Info("Kandinsky.Generate: image generated", "uuid", uuid, "bytes", len(image))
	return image, nil
}

// run submits the generation request and returns the job UUID.
func (c *Client) run(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(runRequest{
		Type:           "GENERATE",
		Style:          "DEFAULT",
		Width:          1024,
		Height:         1024,
		GenerateParams: generateParams{Query: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generation request: %w", err)
	}

	// The API expects the JSON payload as a multipart field named
	// "params" with an application/json content type.
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="params"; filename="blob"`)
	header.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart field: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return "", fmt.Errorf("failed to write multipart field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := fmt.Sprintf("%s/run?model_id=%d", c.baseURL, defaultModelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("failed to build generation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		slog.Error("Kandinsky.run: generation rejected", "status", resp.StatusCode, "body", string(raw))
		return "", fmt.Errorf("generation rejected with status %d", resp.StatusCode)
	}
	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode generation response: %w", err)
	}
	if out.UUID == "" {
		return "", fmt.Errorf("generation response missing uuid")
	}
	return out.UUID, nil
}

// waitForResult polls the job status until the image is ready.
func (c *Client) waitForResult(ctx context.Context, uuid string) (string, error) {
	url := fmt.Sprintf("%s/status/%s", c.baseURL, uuid)
	for {
		status, err := c.checkStatus(ctx, url)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case "DONE":
			if len(status.Images) == 0 {
				return "", fmt.Errorf("generation finished without images")
			}
			return status.Images[0], nil
		case "INITIAL", "IN_PROGRESS":
			slog.Debug("Kandinsky.waitForResult: still generating", "uuid", uuid, "status", status.Status)
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		default:
			return "", fmt.Errorf("generation failed with status %q", status.Status)
		}
	}
}

func (c *Client) checkStatus(ctx context.Context, url string) (statusResponse, error) {
	var out statusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return out, fmt.Errorf("status check failed with status %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("failed to decode status response: %w", err)
	}
	return out, nil
}
