package sitemap

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fenivana/kasha/internal/model"
)

func htmlSnapshot(site, path string, status int) model.Snapshot {
	return model.Snapshot{
		Key:    model.SnapshotKey{Site: site, Path: path, DeviceType: model.DeviceDesktop, Type: model.RenderHTML},
		Status: status,
		Times:  model.SnapshotTimes{UpdatedAt: time.Now()},
	}
}

func TestIsIndexable(t *testing.T) {
	policy := &model.RobotsPolicy{Disallow: []string{"/private"}, Allow: []string{"/private/public"}}
	cases := map[string]bool{
		"/a":                true,
		"/private/x":        false,
		"/private/public/x": true,
	}
	for path, want := range cases {
		if got := IsIndexable(policy, path); got != want {
			t.Errorf("IsIndexable(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestVariantPredicate_Plain(t *testing.T) {
	pred := variantPredicate(VariantPlain)
	if !pred(htmlSnapshot("ex.com", "/a", 200)) {
		t.Error("expected status=200 snapshot to match plain variant")
	}
	if pred(htmlSnapshot("ex.com", "/a", 404)) {
		t.Error("expected status=404 snapshot to not match plain variant")
	}
}

func TestVariantPredicate_News(t *testing.T) {
	pred := variantPredicate(VariantNews)
	recent := htmlSnapshot("ex.com", "/a", 200)
	recent.Meta.PublishedAt = time.Now().Add(-time.Hour)
	if !pred(recent) {
		t.Error("expected recently published snapshot to match news variant")
	}

	old := htmlSnapshot("ex.com", "/b", 200)
	old.Meta.PublishedAt = time.Now().Add(-72 * time.Hour)
	if pred(old) {
		t.Error("expected snapshot published >48h ago to not match news variant")
	}
}

func TestVariantPredicate_ImageAndVideo(t *testing.T) {
	withImages := htmlSnapshot("ex.com", "/a", 200)
	withImages.Meta.Images = []string{"https://ex.com/i.jpg"}
	if !variantPredicate(VariantImage)(withImages) {
		t.Error("expected snapshot with images to match image variant")
	}

	withVideos := htmlSnapshot("ex.com", "/b", 200)
	withVideos.Meta.Videos = []string{"https://ex.com/v.mp4"}
	if !variantPredicate(VariantVideo)(withVideos) {
		t.Error("expected snapshot with videos to match video variant")
	}
}

func TestRenderURLSet_ProducesExpectedLocs(t *testing.T) {
	snaps := []model.Snapshot{htmlSnapshot("ex.com", "/a", 200), htmlSnapshot("ex.com", "/b", 200)}
	body, err := renderURLSet("ex.com", VariantPlain, snaps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(body)
	if !strings.Contains(s, "<loc>https://ex.com/a</loc>") || !strings.Contains(s, "<loc>https://ex.com/b</loc>") {
		t.Errorf("expected both locs present, got: %s", s)
	}
}

func TestRenderSitemapIndex_ReferencesEachPage(t *testing.T) {
	pageURL := func(p int) string { return fmt.Sprintf("https://gw.example.com/sitemap.%d.xml", p) }
	body, err := renderSitemapIndex(pageURL, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(body)
	for p := 1; p <= 3; p++ {
		want := fmt.Sprintf("sitemap.%d.xml", p)
		if !strings.Contains(s, want) {
			t.Errorf("expected index to reference page %d, got: %s", p, s)
		}
	}
}

func TestRenderRobotsTxt_EmitsSitemapLines(t *testing.T) {
	indexURL := func(v Variant) string { return fmt.Sprintf("https://gw.example.com/sitemap-%s.index.1.xml", v) }
	body := renderRobotsTxt(&model.RobotsPolicy{Disallow: []string{"/admin"}}, indexURL)
	s := string(body)
	if !strings.Contains(s, "Disallow: /admin") {
		t.Errorf("expected disallow directive, got: %s", s)
	}
	if !strings.Contains(s, "Sitemap: https://gw.example.com/sitemap-plain.index.1.xml") {
		t.Errorf("expected sitemap index line, got: %s", s)
	}
}
