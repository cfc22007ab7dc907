// Package wordpress is a minimal client for the WordPress REST API surface
// the publishing pipeline needs: taxonomy terms, media, and posts.
package wordpress

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/core"
)

// TermKind selects the taxonomy endpoint.
type TermKind string

const (
	KindCategories TermKind = "categories"
	KindTags       TermKind = "tags"
)

// Term is a category or tag recognized by the backend.
type Term struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// BackendError is a non-2xx response from the content backend.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// Client talks to one site's REST API. Every request carries the site
// username and application password base64-encoded in the Authorization
// header.
type Client struct {
	baseURL string
	auth    string
	http    *http.Client
}

// NewClient builds a client for the site. httpClient may be nil.
func NewClient(site core.SiteParams, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	base := strings.TrimRight(site.URL, "/")
	if !strings.HasSuffix(base, "/wp-json/wp/v2") {
		base += "/wp-json/wp/v2"
	}
	creds := site.Username + ":" + site.AppPassword
	return &Client{
		baseURL: base,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(creds)),
		http:    httpClient,
	}
}

// SearchTerms queries existing terms matching the name.
func (c *Client) SearchTerms(ctx context.Context, kind TermKind, query string) ([]Term, error) {
	endpoint := fmt.Sprintf("%s/%s?search=%s&per_page=100", c.baseURL, kind, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var terms []Term
	if err := c.do(req, &terms); err != nil {
		return nil, fmt.Errorf("search %s: %w", kind, err)
	}
	return terms, nil
}

// CreateTerm creates a new taxonomy term.
func (c *Client) CreateTerm(ctx context.Context, kind TermKind, name, slug string) (*Term, error) {
	payload, err := json.Marshal(map[string]string{"name": name, "slug": slug})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.baseURL, kind), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var term Term
	if err := c.do(req, &term); err != nil {
		return nil, fmt.Errorf("create %s term: %w", kind, err)
	}
	return &term, nil
}

type mediaResponse struct {
	ID        int    `json:"id"`
	SourceURL string `json:"source_url"`
	MimeType  string `json:"mime_type"`
}

// UploadMedia uploads the image bytes and sets its title, alt text, and
// caption in a follow-up update, matching how the media endpoint accepts
// metadata.
func (c *Client) UploadMedia(ctx context.Context, img core.MaterializedImage) (*core.MediaAsset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/media", bytes.NewReader(img.Data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", img.MimeType)
	req.Header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, mediaFilename(img)))
	var created mediaResponse
	if err := c.do(req, &created); err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	meta := map[string]any{
		"title":       img.Description,
		"alt_text":    img.AltText,
		"caption":     img.Caption,
		"description": img.Description,
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	metaReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/media/%d", c.baseURL, created.ID), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	metaReq.Header.Set("Content-Type", "application/json")
	var updated mediaResponse
	if err := c.do(metaReq, &updated); err != nil {
		// The binary is already stored; a metadata failure should not drop
		// the asset from the post.
		return &core.MediaAsset{ID: created.ID, SourceURL: created.SourceURL, MimeType: created.MimeType}, nil
	}
	return &core.MediaAsset{ID: updated.ID, SourceURL: updated.SourceURL, MimeType: updated.MimeType}, nil
}

type postPayload struct {
	Title         string `json:"title"`
	Content       string `json:"content"`
	Excerpt       string `json:"excerpt,omitempty"`
	Status        string `json:"status"`
	Categories    []int  `json:"categories,omitempty"`
	Tags          []int  `json:"tags,omitempty"`
	FeaturedMedia int    `json:"featured_media,omitempty"`
}

// CreatePost submits the finished article.
func (c *Client) CreatePost(ctx context.Context, in core.PostInput) (*core.Post, error) {
	payload, err := json.Marshal(postPayload{
		Title:         in.Title,
		Content:       in.Content,
		Excerpt:       in.Excerpt,
		Status:        in.Status,
		Categories:    in.Categories,
		Tags:          in.Tags,
		FeaturedMedia: in.FeaturedMedia,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/posts", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var post core.Post
	if err := c.do(req, &post); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &post, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", c.auth)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &BackendError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func mediaFilename(img core.MaterializedImage) string {
	ext := ".png"
	if exts, err := mime.ExtensionsByType(img.MimeType); err == nil && len(exts) > 0 {
		ext = exts[len(exts)-1]
	}
	name := img.ID
	if name == "" {
		name = "image"
	}
	return name + ext
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
