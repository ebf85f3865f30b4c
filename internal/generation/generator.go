package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GenerateParams describes one area rendering call to the external
// generation capability.
type GenerateParams struct {
	AreaID         string `json:"area_id"`
	Style          string `json:"style"`
	SourceImageRef string `json:"source_image_ref"`
	CustomPrompt   string `json:"custom_prompt,omitempty"`
}

// GenerateError is a terminal failure from the generation capability. It is a
// normal per-area outcome, not an infrastructure failure of this service.
type GenerateError struct {
	Code    string
	Message string
}

func (e *GenerateError) Error() string {
	return fmt.Sprintf("generation failed (%s): %s", e.Code, e.Message)
}

// Generator is the external image-generation capability: long-running, called
// at most once per area job, returns exactly one terminal outcome.
type Generator interface {
	Generate(ctx context.Context, params GenerateParams) (imageURL string, err error)
}

// HTTPGenerator calls the generation capability over HTTP.
type HTTPGenerator struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPGenerator creates a client for the capability at baseURL. The HTTP
// client carries no timeout of its own; the orchestrator bounds each call via
// context.
func NewHTTPGenerator(baseURL string) *HTTPGenerator {
	return &HTTPGenerator{
		BaseURL: baseURL,
		Client:  &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 5 * time.Minute}},
	}
}

type generateResponse struct {
	ImageURL string `json:"image_url"`
	Error    string `json:"error,omitempty"`
	Code     string `json:"code,omitempty"`
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, params GenerateParams) (string, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generation call failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("failed to decode generation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || decoded.Error != "" {
		code := decoded.Code
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return "", &GenerateError{Code: code, Message: decoded.Error}
	}
	if decoded.ImageURL == "" {
		return "", &GenerateError{Code: "empty_result", Message: "capability returned no image URL"}
	}
	return decoded.ImageURL, nil
}
