// Package genai holds the narrow request/response contracts with the external
// language-model and image capability providers. Inference itself is out of
// scope; this package only shapes requests and interprets responses.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
)

const defaultBaseURL = "https://api.openai.com"

// SettingsRefImages is the remediation hint surfaced when the image
// capability is disabled at the account level.
const SettingsRefImages = "settings/image-providers"

// Client implements core.ContentGenerator and core.ImageGenerator against an
// OpenAI-compatible HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewClient builds a provider client. httpClient may be nil.
func NewClient(p core.AIParams, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{baseURL: base, apiKey: p.APIKey, model: p.Model, http: httpClient}
}

// NewImageClient builds a client for the image capability, which may use a
// separate credential from the content one.
func NewImageClient(ai core.AIParams, p core.ImageParams, httpClient *http.Client) *Client {
	key := p.APIKey
	if key == "" {
		key = ai.APIKey
	}
	model := p.Model
	if model == "" {
		model = "dall-e-3"
	}
	return NewClient(core.AIParams{BaseURL: ai.BaseURL, APIKey: key, Model: model}, httpClient)
}

const articleSystemPrompt = `You are a publishing assistant that writes complete blog articles.
Respond with a single JSON object with these keys:
  "title": article title
  "body": article body in HTML
  "excerpt": one- or two-sentence summary
  "tags": array of tag names
  "categories": array of category names
  "images": array of planned illustrations, each with
    "id", "description", "placement" ("featured" or "inline"),
    "prompt", "alt_text", "caption"
Where an inline image belongs, put the placeholder {{image:<id>}} on its own
line in the body. Plan no images if none were requested.`

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// GenerateContent asks the model for a full article matching the request.
func (c *Client) GenerateContent(ctx context.Context, req core.ContentRequest) (*core.GeneratedContent, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: articleSystemPrompt},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	var out chatResponse
	if err := c.post(ctx, "/v1/chat/completions", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}
	var content core.GeneratedContent
	if err := json.Unmarshal([]byte(out.Choices[0].Message.Content), &content); err != nil {
		return nil, fmt.Errorf("decode article json: %w", err)
	}
	if strings.TrimSpace(content.Title) == "" || strings.TrimSpace(content.Body) == "" {
		return nil, fmt.Errorf("model returned an empty article")
	}
	if !req.WantImages {
		content.Images = nil
	}
	return &content, nil
}

func buildUserPrompt(req core.ContentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write an article about: %s\n", req.Topic)
	if req.Audience != "" {
		fmt.Fprintf(&b, "Target audience: %s\n", req.Audience)
	}
	if req.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", req.Tone)
	}
	if req.Length != "" {
		fmt.Fprintf(&b, "Length: %s\n", req.Length)
	}
	if len(req.Keywords) > 0 {
		fmt.Fprintf(&b, "Work in these keywords: %s\n", strings.Join(req.Keywords, ", "))
	}
	if len(req.Categories) > 0 {
		fmt.Fprintf(&b, "Site categories to consider: %s\n", strings.Join(req.Categories, ", "))
	}
	if req.WantImages {
		n := req.ImageCount
		if n <= 0 {
			n = 1
		}
		fmt.Fprintf(&b, "Plan up to %d illustrations including one featured image.\n", n)
	} else {
		b.WriteString("Do not plan any illustrations.\n")
	}
	return b.String()
}

type imageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateImage fulfils one image plan and returns the provider-hosted URL.
func (c *Client) GenerateImage(ctx context.Context, plan core.ImagePlan, p core.ImageParams) (*core.GeneratedImage, error) {
	prompt := plan.Prompt
	if prompt == "" {
		prompt = plan.Description
	}
	if p.Style != "" && !strings.Contains(strings.ToLower(prompt), strings.ToLower(p.Style)) {
		prompt += ", " + p.Style + " style"
	}
	if p.AspectRatio != "" {
		prompt += ", aspect ratio " + p.AspectRatio
	}
	payload := imageRequest{
		Model:   c.model,
		Prompt:  prompt,
		N:       1,
		Size:    p.Size,
		Quality: p.Quality,
		Style:   p.Style,
	}
	var out imageResponse
	if err := c.post(ctx, "/v1/images/generations", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || out.Data[0].URL == "" {
		return nil, fmt.Errorf("image provider returned no url")
	}
	return &core.GeneratedImage{ImagePlan: plan, URL: out.Data[0].URL}, nil
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseAPIError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// parseAPIError maps provider error payloads onto the pipeline's error
// taxonomy. The account-disabled condition is distinct and detectable so the
// pipeline can surface a remediation hint instead of a generic failure.
func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		if isCapabilityDisabled(status, apiErr) {
			return &core.CapabilityDisabledError{
				Capability:  "image generation",
				SettingsRef: SettingsRefImages,
			}
		}
		return fmt.Errorf("provider returned status %d: %s", status, apiErr.Error.Message)
	}
	return fmt.Errorf("provider returned status %d", status)
}

func isCapabilityDisabled(status int, e apiError) bool {
	if status != http.StatusForbidden && status != http.StatusUnauthorized {
		return false
	}
	switch e.Error.Code {
	case "image_generation_user_error", "billing_hard_limit_reached":
		return true
	}
	msg := strings.ToLower(e.Error.Message)
	return strings.Contains(msg, "must be verified") || strings.Contains(msg, "not allowed to generate images")
}
