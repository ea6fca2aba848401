package siteconfig

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fenivana/kasha/internal/model"
)

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"Example.COM":      "example.com",
		"example.com:443":  "example.com",
		"example.com:80":   "example.com",
		"example.com:8080": "example.com:8080",
		"  example.com  ":  "example.com",
		"":                 "",
	}
	for in, want := range cases {
		if got := normalizeHost(in); got != want {
			t.Errorf("normalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolve_CachesPositiveResult(t *testing.T) {
	var calls atomic.Int32
	r := newWithFetch(func(ctx context.Context, host string) (*model.SiteConfig, error) {
		calls.Add(1)
		return &model.SiteConfig{Host: host}, nil
	}, time.Minute, false)

	for i := 0; i < 5; i++ {
		cfg, err := r.Resolve(context.Background(), "ex.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Host != "ex.com" {
			t.Errorf("expected host ex.com, got %s", cfg.Host)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 document-store call, got %d", got)
	}
}

func TestResolve_CachesNegativeResult(t *testing.T) {
	var calls atomic.Int32
	r := newWithFetch(func(ctx context.Context, host string) (*model.SiteConfig, error) {
		calls.Add(1)
		return nil, ErrNotFound
	}, time.Minute, false)

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "missing.com")
		if err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 document-store call, got %d", got)
	}
}

func TestResolve_DisallowUnknownSite(t *testing.T) {
	r := newWithFetch(func(ctx context.Context, host string) (*model.SiteConfig, error) {
		return nil, ErrNotFound
	}, time.Minute, true)

	_, err := r.Resolve(context.Background(), "missing.com")
	gwErr, ok := err.(*model.GatewayError)
	if !ok {
		t.Fatalf("expected *model.GatewayError, got %T (%v)", err, err)
	}
	if gwErr.Code != model.ErrClientHostConfigNotExist {
		t.Errorf("expected %s, got %s", model.ErrClientHostConfigNotExist, gwErr.Code)
	}
}

func TestResolve_EmptyHost(t *testing.T) {
	r := newWithFetch(func(ctx context.Context, host string) (*model.SiteConfig, error) {
		t.Fatal("fetch should not be called for an empty host")
		return nil, nil
	}, time.Minute, false)

	_, err := r.Resolve(context.Background(), "  ")
	gwErr, ok := err.(*model.GatewayError)
	if !ok || gwErr.Code != model.ErrClientEmptyHostHeader {
		t.Fatalf("expected CLIENT_EMPTY_HOST_HEADER, got %v", err)
	}
}

func TestResolve_SingleFlightUnderConcurrentMiss(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := newWithFetch(func(ctx context.Context, host string) (*model.SiteConfig, error) {
		calls.Add(1)
		<-release
		return &model.SiteConfig{Host: host}, nil
	}, time.Minute, false)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "ex.com"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 document-store call under concurrent miss, got %d", got)
	}
}

func TestResolve_TTLExpiration(t *testing.T) {
	var calls atomic.Int32
	r := newWithFetch(func(ctx context.Context, host string) (*model.SiteConfig, error) {
		calls.Add(1)
		return &model.SiteConfig{Host: host}, nil
	}, 10*time.Millisecond, false)

	if _, err := r.Resolve(context.Background(), "ex.com"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := r.Resolve(context.Background(), "ex.com"); err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 calls after TTL expiry, got %d", got)
	}
}
