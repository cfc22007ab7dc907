package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// ContentRequest is the narrow contract with the language-model capability.
type ContentRequest struct {
	Topic      string
	Audience   string
	Tone       string
	Length     string
	Keywords   []string
	Categories []string
	WantImages bool
	ImageCount int
}

// ContentGenerator produces an article from a content request. Implemented by
// an external capability provider client; inference itself lives elsewhere.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, req ContentRequest) (*GeneratedContent, error)
}

// ImageGenerator fulfils a single image plan against the image capability.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, plan ImagePlan, p ImageParams) (*GeneratedImage, error)
}

// PostInput is the payload for creating a post on the content backend.
type PostInput struct {
	Title         string
	Content       string
	Excerpt       string
	Status        string
	Categories    []int
	Tags          []int
	FeaturedMedia int
}

// SitePublisher covers the backend operations the pipeline performs directly.
type SitePublisher interface {
	UploadMedia(ctx context.Context, img MaterializedImage) (*MediaAsset, error)
	CreatePost(ctx context.Context, in PostInput) (*Post, error)
}

// TermResolver maps category and tag names to backend term IDs, creating
// missing terms. Implementations swallow per-term failures: taxonomy never
// blocks publishing.
type TermResolver interface {
	ResolveCategories(ctx context.Context, names []string) ([]int, error)
	ResolveTags(ctx context.Context, names []string) ([]int, error)
}

// ProgressRecorder appends informational progress lines to an execution.
type ProgressRecorder interface {
	RecordOutput(ctx context.Context, executionID, line string) error
}

// Outcome summarizes a completed pipeline run.
type Outcome struct {
	PostID         int    `json:"post_id"`
	PostURL        string `json:"post_url"`
	Title          string `json:"title"`
	ImagesPlanned  int    `json:"images_planned"`
	ImagesUploaded int    `json:"images_uploaded"`
	Degraded       bool   `json:"degraded"`
}

// Pipeline runs the five ordered publishing stages: generate the article,
// generate illustrations, materialize them to raw bytes, upload them, and
// create the post. Stages A and E are fatal; per-image failures in B/C/D only
// reduce the final post's media.
//
// Dependencies are constructors keyed by the task's own credentials, since
// model keys and site targets differ per task.
type Pipeline struct {
	Content  func(p AIParams) ContentGenerator
	Images   func(ai AIParams, p ImageParams) ImageGenerator
	Backend  func(p SiteParams) (SitePublisher, TermResolver)
	Courier  *http.Client
	Progress ProgressRecorder
	Logger   *slog.Logger
}

var imagePlaceholder = regexp.MustCompile(`\{\{image:([A-Za-z0-9_-]+)\}\}`)

// Run executes the pipeline for one task. Cancellation is cooperative and
// honored between stages, not inside one.
func (p *Pipeline) Run(ctx context.Context, task *Task, exec *Execution) (*Outcome, error) {
	params := task.Params
	if err := params.Validate(); err != nil {
		return nil, err
	}
	publisher, terms := p.Backend(params.Site)

	// Stage A: article generation. Fatal on failure.
	p.record(ctx, exec.ID, "generating article for topic "+strings.TrimSpace(params.Topic))
	content, err := p.Content(params.AI).GenerateContent(ctx, ContentRequest{
		Topic:      params.Topic,
		Audience:   params.Audience,
		Tone:       params.Tone,
		Length:     params.Length,
		Keywords:   params.Keywords,
		Categories: params.Categories,
		WantImages: params.Images.Enabled,
		ImageCount: params.Images.Count,
	})
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	p.record(ctx, exec.ID, "article generated: "+content.Title)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage B: image generation. Zero images is a valid, degraded outcome.
	plans := imagePlans(content, params.Images)
	var generated []GeneratedImage
	for _, plan := range plans {
		img, genErr := p.Images(params.AI, params.Images).GenerateImage(ctx, plan, params.Images)
		if genErr != nil {
			var disabled *CapabilityDisabledError
			if errors.As(genErr, &disabled) {
				return nil, genErr
			}
			p.Logger.Warn("image generation failed", "task_id", task.ID, "image_id", plan.ID, "err", genErr)
			p.record(ctx, exec.ID, "image "+plan.ID+" skipped: "+genErr.Error())
			continue
		}
		generated = append(generated, *img)
	}
	if len(plans) > 0 {
		p.record(ctx, exec.ID, fmt.Sprintf("generated %d of %d images", len(generated), len(plans)))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage C: materialization, per image, concurrent.
	materialized := p.materializeAll(ctx, task.ID, generated)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage D: media upload, per image, concurrent.
	assets, err := p.uploadAll(ctx, task.ID, publisher, materialized)
	if err != nil {
		return nil, err
	}
	if len(assets) > 0 {
		p.record(ctx, exec.ID, fmt.Sprintf("uploaded %d images", len(assets)))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stage E: taxonomy, placeholder substitution, post creation. Fatal.
	categories := p.resolveTerms(ctx, task.ID, "categories", terms.ResolveCategories, mergeNames(params.Categories, content.Categories))
	tags := p.resolveTerms(ctx, task.ID, "tags", terms.ResolveTags, mergeNames(params.Tags, content.Tags))

	body := substituteImages(content.Body, plans, assets)
	status := params.PostStatus
	if status == "" {
		status = "publish"
	}
	post, err := publisher.CreatePost(ctx, PostInput{
		Title:         content.Title,
		Content:       body,
		Excerpt:       content.Excerpt,
		Status:        status,
		Categories:    categories,
		Tags:          tags,
		FeaturedMedia: featuredAsset(plans, assets),
	})
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}

	outcome := &Outcome{
		PostID:         post.ID,
		PostURL:        post.Link,
		Title:          content.Title,
		ImagesPlanned:  len(plans),
		ImagesUploaded: len(assets),
		Degraded:       len(assets) < len(plans),
	}
	p.record(ctx, exec.ID, "post created: "+post.Link)
	return outcome, nil
}

// materializeAll fetches each generated image down to raw bytes through the
// courier client. Per-image failures are isolated; one failure does not block
// the others.
func (p *Pipeline) materializeAll(ctx context.Context, taskID string, images []GeneratedImage) []MaterializedImage {
	results := make([]*MaterializedImage, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		wg.Add(1)
		go func(i int, img GeneratedImage) {
			defer wg.Done()
			mat, err := p.materialize(ctx, img)
			if err != nil {
				p.Logger.Warn("materialize image", "task_id", taskID, "image_id", img.ID, "err", err)
				return
			}
			results[i] = mat
		}(i, img)
	}
	wg.Wait()

	out := make([]MaterializedImage, 0, len(images))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (p *Pipeline) materialize(ctx context.Context, img GeneratedImage) (*MaterializedImage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := p.Courier.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}
	return &MaterializedImage{
		GeneratedImage: img,
		Data:           data,
		MimeType:       mime,
		Size:           int64(len(data)),
	}, nil
}

// uploadAll pushes each materialized image to the backend. Per-image failures
// are logged and the image dropped; an account-disabled capability halts the
// run instead.
func (p *Pipeline) uploadAll(ctx context.Context, taskID string, publisher SitePublisher, images []MaterializedImage) (map[string]*MediaAsset, error) {
	type result struct {
		planID string
		asset  *MediaAsset
		err    error
	}
	results := make([]result, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		wg.Add(1)
		go func(i int, img MaterializedImage) {
			defer wg.Done()
			asset, err := publisher.UploadMedia(ctx, img)
			results[i] = result{planID: img.ID, asset: asset, err: err}
		}(i, img)
	}
	wg.Wait()

	assets := make(map[string]*MediaAsset)
	for _, r := range results {
		if r.err != nil {
			var disabled *CapabilityDisabledError
			if errors.As(r.err, &disabled) {
				return nil, r.err
			}
			p.Logger.Warn("upload image", "task_id", taskID, "image_id", r.planID, "err", r.err)
			continue
		}
		assets[r.planID] = r.asset
	}
	return assets, nil
}

func (p *Pipeline) resolveTerms(ctx context.Context, taskID, kind string, resolve func(context.Context, []string) ([]int, error), names []string) []int {
	if len(names) == 0 {
		return nil
	}
	ids, err := resolve(ctx, names)
	if err != nil {
		p.Logger.Warn("resolve taxonomy", "task_id", taskID, "kind", kind, "err", err)
	}
	return ids
}

func (p *Pipeline) record(ctx context.Context, executionID, line string) {
	if p.Progress == nil {
		return
	}
	if err := p.Progress.RecordOutput(ctx, executionID, line); err != nil {
		p.Logger.Warn("record progress", "execution_id", executionID, "err", err)
	}
}

// imagePlans returns the illustrations to attempt, capped at the configured
// count. When the article did not plan any but images are enabled, a single
// featured image is synthesized from the title.
func imagePlans(content *GeneratedContent, p ImageParams) []ImagePlan {
	if !p.Enabled {
		return nil
	}
	plans := content.Images
	if len(plans) == 0 {
		plans = []ImagePlan{{
			ID:          "featured",
			Description: content.Title,
			Placement:   PlacementFeatured,
			Prompt:      `Illustration for an article titled "` + strings.ReplaceAll(content.Title, `"`, "'") + `"`,
			AltText:     content.Title,
		}}
	}
	if p.Count > 0 && len(plans) > p.Count {
		plans = plans[:p.Count]
	}
	return plans
}

// substituteImages replaces {{image:<id>}} placeholders with markup for the
// uploaded assets and strips placeholders whose image failed upstream.
func substituteImages(body string, plans []ImagePlan, assets map[string]*MediaAsset) string {
	alts := make(map[string]string, len(plans))
	for _, plan := range plans {
		alts[plan.ID] = plan.AltText
	}
	return imagePlaceholder.ReplaceAllStringFunc(body, func(match string) string {
		id := imagePlaceholder.FindStringSubmatch(match)[1]
		asset, ok := assets[id]
		if !ok {
			return ""
		}
		return fmt.Sprintf(`<img src="%s" alt="%s" />`, asset.SourceURL, alts[id])
	})
}

func featuredAsset(plans []ImagePlan, assets map[string]*MediaAsset) int {
	for _, plan := range plans {
		if plan.Placement != PlacementFeatured {
			continue
		}
		if asset, ok := assets[plan.ID]; ok {
			return asset.ID
		}
	}
	return 0
}

func mergeNames(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	var out []string
	for _, name := range append(append([]string{}, base...), extra...) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}
