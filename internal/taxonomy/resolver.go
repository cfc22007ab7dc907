// Package taxonomy resolves category and tag names to backend term IDs with
// get-or-create semantics.
package taxonomy

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/minseochh02/egdesk-scratch-sub005/internal/wordpress"
)

var whitespace = regexp.MustCompile(`\s+`)

// Slugify lowercases the name and collapses whitespace runs into hyphens.
func Slugify(name string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Resolver maps term names to remote IDs for one site. The lookup is
// case-insensitive and cached per resolver instance only; nothing persists
// across runs, so concurrent external edits are picked up on the next run.
type Resolver struct {
	client *wordpress.Client
	logger *slog.Logger
	cache  map[wordpress.TermKind]map[string]int
}

// NewResolver builds a resolver over the site client.
func NewResolver(client *wordpress.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		logger: logger,
		cache:  make(map[wordpress.TermKind]map[string]int),
	}
}

// ResolveCategories resolves category names to IDs.
func (r *Resolver) ResolveCategories(ctx context.Context, names []string) ([]int, error) {
	return r.resolve(ctx, wordpress.KindCategories, names)
}

// ResolveTags resolves tag names to IDs.
func (r *Resolver) ResolveTags(ctx context.Context, names []string) ([]int, error) {
	return r.resolve(ctx, wordpress.KindTags, names)
}

// resolve reuses the first existing term whose name matches case-insensitively
// and creates the term otherwise. A transient search failure falls back to
// create rather than aborting: the duplicate risk is accepted and logged, and
// taxonomy failures never block publishing.
func (r *Resolver) resolve(ctx context.Context, kind wordpress.TermKind, names []string) ([]int, error) {
	ids := make([]int, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		id, ok := r.resolveOne(ctx, kind, name)
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Resolver) resolveOne(ctx context.Context, kind wordpress.TermKind, name string) (int, bool) {
	folded := strings.ToLower(name)
	if id, ok := r.cached(kind, folded); ok {
		return id, true
	}

	terms, err := r.client.SearchTerms(ctx, kind, name)
	if err != nil {
		r.logger.Warn("term search failed, falling back to create", "kind", kind, "name", name, "err", err)
	} else {
		for _, term := range terms {
			if strings.EqualFold(term.Name, name) {
				r.remember(kind, folded, term.ID)
				return term.ID, true
			}
		}
	}

	created, err := r.client.CreateTerm(ctx, kind, name, Slugify(name))
	if err != nil {
		r.logger.Warn("term create failed, dropping term", "kind", kind, "name", name, "err", err)
		return 0, false
	}
	r.remember(kind, folded, created.ID)
	return created.ID, true
}

func (r *Resolver) cached(kind wordpress.TermKind, folded string) (int, bool) {
	byName, ok := r.cache[kind]
	if !ok {
		return 0, false
	}
	id, ok := byName[folded]
	return id, ok
}

func (r *Resolver) remember(kind wordpress.TermKind, folded string, id int) {
	byName, ok := r.cache[kind]
	if !ok {
		byName = make(map[string]int)
		r.cache[kind] = byName
	}
	byName[folded] = id
}
