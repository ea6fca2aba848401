// Package sitemap implements the sitemap/robots aggregator of §4.6: it
// streams a site's snapshots, filters them by robots policy and
// variant, paginates the result, and renders the matching XML schema.
package sitemap

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fenivana/kasha/internal/model"
	"github.com/fenivana/kasha/internal/siteconfig"
	"github.com/fenivana/kasha/internal/snapshot"
)

// Variant names one of the sitemap flavors §4.6 describes.
type Variant string

const (
	VariantPlain Variant = "plain"
	VariantNews  Variant = "news"
	VariantImage Variant = "image"
	VariantVideo Variant = "video"
)

const (
	pageSize     = 50_000
	newsPageSize = 25_000
)

func (v Variant) pageSize() int64 {
	if v == VariantNews {
		return newsPageSize
	}
	return pageSize
}

// ErrNoSuchPage is returned when a requested page is beyond the last
// page of a variant's filtered result, per §4.6 step 3.
var ErrNoSuchPage = fmt.Errorf("sitemap: no such page")

// Scanner is the subset of *snapshot.Store the aggregator depends on.
type Scanner interface {
	ScanBySite(ctx context.Context, site, cursor string, pageSize int64) (*snapshot.Page, error)
}

// Aggregator implements the §4.6 pipeline.
type Aggregator struct {
	scanner   Scanner
	resolver  *siteconfig.Resolver
	pageCache *siteconfig.Cache
}

var _ Scanner = (*snapshot.Store)(nil)

// Config configures an Aggregator.
type Config struct {
	Scanner    Scanner
	Resolver   *siteconfig.Resolver
	MemoizeTTL time.Duration
}

// New constructs an Aggregator. When cfg.MemoizeTTL is zero, per-page
// memoization is disabled.
func New(cfg Config) *Aggregator {
	a := &Aggregator{scanner: cfg.Scanner, resolver: cfg.Resolver}
	if cfg.MemoizeTTL > 0 {
		a.pageCache = siteconfig.NewCache(cfg.MemoizeTTL, 1000)
	}
	return a
}

func variantPredicate(v Variant) func(model.Snapshot) bool {
	switch v {
	case VariantNews:
		cutoff := 48 * time.Hour
		return func(s model.Snapshot) bool {
			return !s.Meta.PublishedAt.IsZero() && time.Since(s.Meta.PublishedAt) <= cutoff
		}
	case VariantImage:
		return func(s model.Snapshot) bool { return len(s.Meta.Images) > 0 }
	case VariantVideo:
		return func(s model.Snapshot) bool { return len(s.Meta.Videos) > 0 }
	default:
		return func(s model.Snapshot) bool { return s.Status == 200 }
	}
}

// IsIndexable reports whether path is allowed by policy's robots
// directives (longest-match allow overriding a shorter disallow),
// shared with the coordinator's pre-dispatch robots gate (§4.5 step 1).
func IsIndexable(policy *model.RobotsPolicy, path string) bool {
	if policy == nil {
		return true
	}
	disallowLen := -1
	for _, d := range policy.Disallow {
		if strings.HasPrefix(path, d) && len(d) > disallowLen {
			disallowLen = len(d)
		}
	}
	if disallowLen < 0 {
		return true
	}
	for _, a := range policy.Allow {
		if strings.HasPrefix(path, a) && len(a) > disallowLen {
			return true
		}
	}
	return false
}

// filtered streams every snapshot of site matching variant and the
// robots policy, across as many ScanBySite pages as needed.
func (a *Aggregator) filtered(ctx context.Context, site string, policy *model.RobotsPolicy, variant Variant) ([]model.Snapshot, error) {
	predicate := variantPredicate(variant)

	var out []model.Snapshot
	cursor := ""
	for {
		page, err := a.scanner.ScanBySite(ctx, site, cursor, 1000)
		if err != nil {
			return nil, fmt.Errorf("sitemap: scanning site %s: %w", site, err)
		}
		for _, snap := range page.Snapshots {
			if snap.Key.Type != model.RenderHTML {
				continue
			}
			if !IsIndexable(policy, snap.Key.Path) {
				continue
			}
			if predicate(snap) {
				out = append(out, snap)
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return out, nil
}

// Page renders one page of a variant's sitemap.
func (a *Aggregator) Page(ctx context.Context, site string, variant Variant, page int) ([]byte, error) {
	if page < 1 {
		return nil, ErrNoSuchPage
	}

	cacheKey := fmt.Sprintf("page\x00%s\x00%s\x00%d", site, variant, page)
	if a.pageCache != nil {
		if v, ok := a.pageCache.Get(cacheKey); ok {
			return v.([]byte), nil
		}
	}

	cfg, err := a.resolver.Resolve(ctx, site)
	if err != nil {
		return nil, err
	}

	snaps, err := a.filtered(ctx, site, cfg.Robots, variant)
	if err != nil {
		return nil, err
	}

	size := variant.pageSize()
	start := int64(page-1) * size
	if start >= int64(len(snaps)) {
		return nil, ErrNoSuchPage
	}
	end := start + size
	if end > int64(len(snaps)) {
		end = int64(len(snaps))
	}

	body, err := renderURLSet(site, variant, snaps[start:end])
	if err != nil {
		return nil, err
	}

	if a.pageCache != nil {
		a.pageCache.Put(cacheKey, body)
	}
	return body, nil
}

// Index renders the sitemapindex referencing every page of variant.
// pageURL builds the URL an eventual client should fetch page p of
// variant's sitemap at, letting the HTTP front (api vs proxy mode,
// embedded site segment or not) own the URL shape.
func (a *Aggregator) Index(ctx context.Context, site string, variant Variant, pageURL func(page int) string) ([]byte, error) {
	cfg, err := a.resolver.Resolve(ctx, site)
	if err != nil {
		return nil, err
	}

	snaps, err := a.filtered(ctx, site, cfg.Robots, variant)
	if err != nil {
		return nil, err
	}

	pages := int(math.Ceil(float64(len(snaps)) / float64(variant.pageSize())))
	if pages == 0 {
		pages = 1
	}
	return renderSitemapIndex(pageURL, pages)
}

// Robots renders robots.txt for site, including Sitemap: lines for
// every variant's index, per §4.6 step 6. indexURL builds the URL of
// a variant's sitemapindex document, mirroring Index's pageURL.
func (a *Aggregator) Robots(ctx context.Context, site string, indexURL func(variant Variant) string) ([]byte, error) {
	cfg, err := a.resolver.Resolve(ctx, site)
	if err != nil {
		return nil, err
	}
	return renderRobotsTxt(cfg.Robots, indexURL), nil
}
