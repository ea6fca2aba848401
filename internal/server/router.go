package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fenivana/kasha/internal/coordinator"
	"github.com/fenivana/kasha/internal/sitemap"
)

// Deps are the components the HTTP front dispatches into, per §4.8.
type Deps struct {
	Coordinator    *coordinator.Coordinator
	Sitemap        *sitemap.Aggregator
	APIHosts       map[string]struct{}
	EnableHomepage bool
	BaseURL        string
	Logger         *slog.Logger
}

// NewRouter builds the top-level handler: request ID, logging, panic
// recovery, and method filtering wrap a host-dependent dispatch between
// the API-mode and proxy-mode sub-routers, per §4.8.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	h := &handler{deps: deps}

	api := buildAPIRouter(h)
	proxy := buildProxyRouter(h)

	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if isAPIHost(deps.APIHosts, r.Host) {
			api.ServeHTTP(w, r)
		} else {
			proxy.ServeHTTP(w, r)
		}
	})

	return Chain(dispatch, RequestID, Logger(deps.Logger), Recovery(deps.Logger), MethodFilter)
}

// sitemapVariants lists every variant routed with a "-<variant>"
// prefix; the plain variant alone is unprefixed, per §4.6/§8 scenario 6.
var sitemapVariants = []sitemap.Variant{sitemap.VariantNews, sitemap.VariantImage, sitemap.VariantVideo}

func buildAPIRouter(h *handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/render", h.handleRenderAPI).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/cache", h.handleCacheAPI).Methods(http.MethodGet, http.MethodHead)

	// Variant routes go first: {site} matches any non-slash text, so the
	// plain routes would otherwise claim "ex.com-news.1.xml" as site
	// "ex.com-news".
	for _, v := range sitemapVariants {
		r.HandleFunc(fmt.Sprintf("/sitemap/{site}-%s.index.{page:[0-9]+}.xml", v), h.sitemapIndexAPI(v)).Methods(http.MethodGet, http.MethodHead)
		r.HandleFunc(fmt.Sprintf("/sitemap/{site}-%s.{page:[0-9]+}.xml", v), h.sitemapPageAPI(v)).Methods(http.MethodGet, http.MethodHead)
	}
	r.HandleFunc("/sitemap/{site}.index.{page:[0-9]+}.xml", h.sitemapIndexAPI(sitemap.VariantPlain)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/sitemap/{site}.{page:[0-9]+}.xml", h.sitemapPageAPI(sitemap.VariantPlain)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/robots/{site}.txt", h.handleRobotsAPI).Methods(http.MethodGet, http.MethodHead)

	if h.deps.EnableHomepage {
		r.HandleFunc("/", h.handleHomepage).Methods(http.MethodGet, http.MethodHead)
	}
	r.NotFoundHandler = http.HandlerFunc(h.handleStaticFetch)
	return r
}

func buildProxyRouter(h *handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sitemap.index.{page:[0-9]+}.xml", h.sitemapIndexProxy(sitemap.VariantPlain)).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/sitemap.{page:[0-9]+}.xml", h.sitemapPageProxy(sitemap.VariantPlain)).Methods(http.MethodGet, http.MethodHead)
	for _, v := range sitemapVariants {
		r.HandleFunc(fmt.Sprintf("/sitemap-%s.index.{page:[0-9]+}.xml", v), h.sitemapIndexProxy(v)).Methods(http.MethodGet, http.MethodHead)
		r.HandleFunc(fmt.Sprintf("/sitemap-%s.{page:[0-9]+}.xml", v), h.sitemapPageProxy(v)).Methods(http.MethodGet, http.MethodHead)
	}
	r.HandleFunc("/robots.txt", h.handleRobotsProxy).Methods(http.MethodGet, http.MethodHead)
	r.PathPrefix("/").HandlerFunc(h.handleRenderProxy).Methods(http.MethodGet, http.MethodHead)
	return r
}
