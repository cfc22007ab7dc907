package core

import (
	"strings"
	"time"
)

// ExecutionStatus describes the state of an individual pipeline run.
type ExecutionStatus string

// Executions are created already running; there is no queued state.
const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Task is a persisted publishing job: what to generate, where to publish it,
// and on what cadence. (TemplateID, SiteID) is unique across tasks so that
// re-submitting the same job definition updates instead of duplicating.
type Task struct {
	ID          string
	Name        string
	Description string
	TemplateID  string
	SiteID      string
	Schedule    string
	Enabled     bool
	Params      PipelineParams
	LastRunAt   *time.Time
	NextRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Execution captures a single run of a task's pipeline.
type Execution struct {
	ID        string
	TaskID    string
	Status    ExecutionStatus
	StartedAt time.Time
	EndedAt   *time.Time
	Output    string
	Error     *string
	CreatedAt time.Time
}

// SiteParams identifies the target content backend and its credentials.
// The password is an application password paired with the username for
// basic auth on every backend call.
type SiteParams struct {
	URL         string `json:"url"`
	Username    string `json:"username"`
	AppPassword string `json:"app_password"`
}

// AIParams selects the language-model capability used for article generation.
type AIParams struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// ImageParams configures optional illustration generation.
type ImageParams struct {
	Enabled     bool   `json:"enabled"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	Count       int    `json:"count,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Size        string `json:"size,omitempty"`
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// PipelineParams is the typed request a task carries into the pipeline,
// validated once at the boundary instead of parsed inside it.
type PipelineParams struct {
	Topic      string   `json:"topic"`
	Audience   string   `json:"audience,omitempty"`
	Tone       string   `json:"tone,omitempty"`
	Length     string   `json:"length,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	PostStatus string   `json:"post_status,omitempty"`

	AI     AIParams    `json:"ai"`
	Images ImageParams `json:"images"`
	Site   SiteParams  `json:"site"`
}

// Validate checks the parameters a pipeline run cannot start without.
// Schedule validation happens separately via ParseSchedule.
func (p PipelineParams) Validate() error {
	if strings.TrimSpace(p.Topic) == "" {
		return &ValidationError{Field: "topic", Message: "topic is required"}
	}
	if strings.TrimSpace(p.Site.URL) == "" {
		return &ValidationError{Field: "site.url", Message: "site url is required"}
	}
	if strings.TrimSpace(p.Site.Username) == "" {
		return &CredentialError{Field: "site.username"}
	}
	if strings.TrimSpace(p.Site.AppPassword) == "" {
		return &CredentialError{Field: "site.app_password"}
	}
	if strings.TrimSpace(p.AI.Model) == "" {
		return &ValidationError{Field: "ai.model", Message: "model is required"}
	}
	if strings.TrimSpace(p.AI.APIKey) == "" {
		return &CredentialError{Field: "ai.api_key"}
	}
	if p.Images.Enabled {
		if p.Images.Count < 0 {
			return &ValidationError{Field: "images.count", Message: "count must not be negative"}
		}
		if p.Images.APIKey == "" && p.AI.APIKey == "" {
			return &CredentialError{Field: "images.api_key"}
		}
	}
	return nil
}

// ImagePlacement distinguishes the featured image from in-body illustrations.
type ImagePlacement string

const (
	PlacementFeatured ImagePlacement = "featured"
	PlacementInline   ImagePlacement = "inline"
)

// GeneratedContent is the article produced by stage A.
type GeneratedContent struct {
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	Excerpt    string      `json:"excerpt"`
	Tags       []string    `json:"tags"`
	Categories []string    `json:"categories"`
	Images     []ImagePlan `json:"images,omitempty"`
}

// ImagePlan is the article's request for one illustration. The body refers to
// it through a {{image:<id>}} placeholder.
type ImagePlan struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Placement   ImagePlacement `json:"placement"`
	Prompt      string         `json:"prompt"`
	AltText     string         `json:"alt_text"`
	Caption     string         `json:"caption"`
}

// GeneratedImage is an image plan fulfilled by the image provider: the plan
// plus the provider-hosted URL.
type GeneratedImage struct {
	ImagePlan
	URL string `json:"url"`
}

// MaterializedImage is a generated image fetched down to raw bytes, ready for
// upload to the site.
type MaterializedImage struct {
	GeneratedImage
	Data     []byte
	MimeType string
	Size     int64
}

// MediaAsset is the backend's record of an uploaded image.
type MediaAsset struct {
	ID        int    `json:"id"`
	SourceURL string `json:"source_url"`
	MimeType  string `json:"mime_type"`
}

// Post is the created-post descriptor returned by stage E.
type Post struct {
	ID     int    `json:"id"`
	Link   string `json:"link"`
	Status string `json:"status"`
}
