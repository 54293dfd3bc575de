// Package imagegen calls an OpenAI-compatible image backend for the
// generate-image tool.
//
// The backend is POSTed at {baseURL}/v1/images/generations. A result URL is
// returned as-is; a b64_json result is written into the image directory and
// returned as {publicURL}/img/{name}, which the relay serves.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyPrompt is returned when Generate is called without a prompt.
var ErrEmptyPrompt = errors.New("image prompt is empty")

// Config configures a Client.
type Config struct {
	BaseURL   string // e.g. https://api.openai.com
	APIKey    string // optional bearer token
	Model     string // optional; omitted from the request when empty
	Size      string // e.g. 1024x1024
	Dir       string // where b64 results are written
	PublicURL string // relay base URL used to build /img/ links
	Timeout   time.Duration
}

// Client generates images.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New creates a Client. The HTTP client's timeout is cfg.Timeout.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Size == "" {
		cfg.Size = "1024x1024"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Configured reports whether a backend URL is set.
func (c *Client) Configured() bool { return c.cfg.BaseURL != "" }

// Dir returns the directory generated files are written to.
func (c *Client) Dir() string { return c.cfg.Dir }

type generationRequest struct {
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Model          string `json:"model,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type generationResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Generate produces one image for prompt and returns a URL for it.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if !c.Configured() {
		return "", errors.New("image backend not configured (RELAY_IMAGE_API_URL)")
	}

	body, err := json.Marshal(generationRequest{
		Prompt: prompt,
		N:      1,
		Size:   c.cfg.Size,
		Model:  c.cfg.Model,
	})
	if err != nil {
		return "", fmt.Errorf("encoding image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("image generation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image generation failed: %s", backendError(resp))
	}

	var result generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding image response: %w", err)
	}
	if len(result.Data) == 0 {
		return "", errors.New("image backend returned no data")
	}

	img := result.Data[0]
	c.logger.Info("image generated", "duration_ms", time.Since(start).Milliseconds(), "b64", img.B64JSON != "")

	switch {
	case img.URL != "":
		return img.URL, nil
	case img.B64JSON != "":
		name, err := c.save(img.B64JSON)
		if err != nil {
			return "", err
		}
		return c.cfg.PublicURL + "/img/" + name, nil
	default:
		return "", errors.New("image backend returned neither url nor b64_json")
	}
}

// backendError extracts a message from an error response. Backends use
// either {"error":"..."}, {"message":"..."} or {"error":{"message":"..."}}.
func backendError(resp *http.Response) string {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return resp.Status
	}

	var s string
	if json.Unmarshal(raw["message"], &s) == nil && s != "" {
		return s
	}
	if json.Unmarshal(raw["error"], &s) == nil && s != "" {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw["error"], &nested) == nil && nested.Message != "" {
		return nested.Message
	}
	return resp.Status
}

func (c *Client) save(b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decoding b64_json: %w", err)
	}
	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating image dir: %w", err)
	}

	name := uuid.NewString() + extensionFor(data)
	if err := os.WriteFile(filepath.Join(c.cfg.Dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("writing image: %w", err)
	}
	return name, nil
}

func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
