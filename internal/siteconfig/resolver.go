// Package siteconfig resolves per-origin rendering policy from the
// document store, with an in-memory TTL cache and single-flight
// de-duplication of concurrent lookups for the same host (§4.1).
package siteconfig

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/singleflight"

	"github.com/fenivana/kasha/internal/model"
)

// ErrNotFound is returned (and cached as a negative result) when no
// SiteConfig exists for a host.
var ErrNotFound = errors.New("siteconfig: not found")

// cachedResult is stored in the TTL cache for both hits and misses, so
// a NotFound answer is cached just as a positive one is.
type cachedResult struct {
	cfg *model.SiteConfig
	err error
}

// fetchFunc performs the actual document-store lookup. It is a function
// value rather than a hard dependency on *mongo.Collection so the
// single-flight/cache/normalization logic can be exercised in tests
// without a live document store, the way the teacher's qdrant client
// tests swap in an httptest.Server instead of a real Qdrant.
type fetchFunc func(ctx context.Context, host string) (*model.SiteConfig, error)

// Resolver implements §4.1: resolve(host) → SiteConfig | NotFound.
type Resolver struct {
	fetch               fetchFunc
	cache               *ttlCache
	group               singleflight.Group
	disallowUnknownSite bool
}

// New creates a Resolver backed by the given collection. ttl is the
// cache lifetime for both positive and negative results; a ttl <= 0 is
// replaced by 60s.
func New(collection *mongo.Collection, ttl time.Duration, disallowUnknownSite bool) *Resolver {
	return newWithFetch(mongoFetch(collection), ttl, disallowUnknownSite)
}

// NewWithFetch builds a Resolver backed by an arbitrary lookup function
// instead of a live document store, for exercising the sitemap/render
// front ends (internal/server, internal/sitemap) without a document
// store, the way the teacher's provider tests swap in an
// httptest.Server instead of a live upstream.
func NewWithFetch(fetch func(ctx context.Context, host string) (*model.SiteConfig, error), ttl time.Duration, disallowUnknownSite bool) *Resolver {
	return newWithFetch(fetch, ttl, disallowUnknownSite)
}

func newWithFetch(fetch fetchFunc, ttl time.Duration, disallowUnknownSite bool) *Resolver {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Resolver{
		fetch:               fetch,
		cache:               newTTLCache(ttl, 0),
		disallowUnknownSite: disallowUnknownSite,
	}
}

// mongoFetch adapts a *mongo.Collection into a fetchFunc. It is the
// real implementation the Resolver uses outside tests.
func mongoFetch(collection *mongo.Collection) fetchFunc {
	return func(ctx context.Context, host string) (*model.SiteConfig, error) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var cfg model.SiteConfig
		err := collection.FindOne(ctx, bson.M{"host": host}).Decode(&cfg)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("fetching site config for %s: %w", host, err)
		}
		return &cfg, nil
	}
}

// Resolve normalizes host, serves from cache when possible, and
// otherwise performs a single-flight document-store lookup shared by
// all concurrent callers for that host.
func (r *Resolver) Resolve(ctx context.Context, host string) (*model.SiteConfig, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, model.NewError(model.ErrClientEmptyHostHeader, "empty host header")
	}

	if v, ok := r.cache.get(host); ok {
		cr := v.(cachedResult)
		return r.finish(cr, host)
	}

	v, err, _ := r.group.Do(host, func() (any, error) {
		cfg, ferr := r.fetch(ctx, host)
		cr := cachedResult{cfg: cfg, err: ferr}
		r.cache.put(host, cr)
		return cr, nil
	})
	if err != nil {
		return nil, err
	}
	return r.finish(v.(cachedResult), host)
}

func (r *Resolver) finish(cr cachedResult, host string) (*model.SiteConfig, error) {
	if cr.err != nil {
		if errors.Is(cr.err, ErrNotFound) {
			if r.disallowUnknownSite {
				return nil, model.NewError(model.ErrClientHostConfigNotExist, "no configuration for host "+host)
			}
			return nil, ErrNotFound
		}
		return nil, cr.err
	}
	return cr.cfg, nil
}

// normalizeHost lowercases the host and strips a default port (80/443).
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if port == "80" || port == "443" {
		return h
	}
	return host
}
