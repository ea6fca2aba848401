package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fenivana/kasha/internal/coordinator"
	"github.com/fenivana/kasha/internal/model"
	"github.com/fenivana/kasha/internal/sitemap"
)

type handler struct {
	deps Deps
}

func (h *handler) handleHomepage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>kasha</h1><p>prerender gateway</p></body></html>")
}

// handleRenderAPI serves GET /render per §6.
func (h *handler) handleRenderAPI(w http.ResponseWriter, r *http.Request) {
	req, err := parseRenderRequestAPI(r)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	h.render(w, r, req)
}

// handleCacheAPI serves GET /cache: identical to /render but forces noWait.
func (h *handler) handleCacheAPI(w http.ResponseWriter, r *http.Request) {
	req, err := parseRenderRequestAPI(r)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	req.NoWait = true
	h.render(w, r, req)
}

func parseRenderRequestAPI(r *http.Request) (coordinator.Request, error) {
	q := r.URL.Query()
	rawURL := q.Get("url")
	if rawURL == "" {
		return coordinator.Request{}, model.NewError(model.ErrClientInvalidParam, "missing required query parameter: url")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return coordinator.Request{}, model.NewError(model.ErrClientInvalidParam, "malformed url parameter")
	}

	req := coordinator.Request{
		Site:        u.Host,
		Path:        u.Path,
		CallbackURL: q.Get("callbackUrl"),
	}
	if req.Path == "" {
		req.Path = "/"
	}
	if u.RawQuery != "" {
		req.Path += "?" + u.RawQuery
	}

	if err := applyCommonParams(&req, q); err != nil {
		return coordinator.Request{}, err
	}
	return req, nil
}

func applyCommonParams(req *coordinator.Request, q url.Values) error {
	switch dt := q.Get("deviceType"); dt {
	case "", "desktop":
		req.DeviceType = model.DeviceDesktop
	case "mobile":
		req.DeviceType = model.DeviceMobile
	default:
		return model.NewError(model.ErrClientInvalidParam, "invalid deviceType: "+dt)
	}

	switch t := q.Get("type"); t {
	case "", "html":
		req.Type = model.RenderHTML
	case "static":
		req.Type = model.RenderStatic
	default:
		return model.NewError(model.ErrClientInvalidParam, "invalid type: "+t)
	}

	req.NoWait = hasFlag(q, "noWait")
	req.Refresh = hasFlag(q, "refresh")
	req.MetaOnly = hasFlag(q, "metaOnly")
	return nil
}

func hasFlag(q url.Values, name string) bool {
	if !q.Has(name) {
		return false
	}
	v := q.Get(name)
	return v == "" || v == "1" || v == "true"
}

// handleStaticFetch serves GET /<http(s)-url> (API mode static fetch).
func (h *handler) handleStaticFetch(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/")
	if r.URL.RawQuery != "" {
		raw += "?" + r.URL.RawQuery
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		h.writeGatewayError(w, r, model.NewError(model.ErrClientNoSuchAPI, "no such API"))
		return
	}

	req := coordinator.Request{Site: u.Host, Path: u.Path, Type: model.RenderStatic, DeviceType: model.DeviceDesktop}
	if req.Path == "" {
		req.Path = "/"
	}
	if u.RawQuery != "" {
		req.Path += "?" + u.RawQuery
	}
	if err := applyCommonParams(&req, r.URL.Query()); err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	req.Type = model.RenderStatic

	h.render(w, r, req)
}

// handleRenderProxy serves proxy-mode rendering: the host (adjusted for
// forwarding headers) plus the request path select the target, per §4.8.
func (h *handler) handleRenderProxy(w http.ResponseWriter, r *http.Request) {
	site, err := resolveSite(r)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	req := coordinator.Request{Site: site, Path: r.URL.Path, DeviceType: model.DeviceDesktop, Type: model.RenderHTML}
	if req.Path == "" {
		req.Path = "/"
	}
	if r.URL.RawQuery != "" {
		req.Path += "?" + r.URL.RawQuery
	}
	if err := applyCommonParams(&req, r.URL.Query()); err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	h.render(w, r, req)
}

func (h *handler) render(w http.ResponseWriter, r *http.Request, req coordinator.Request) {
	resp, err := h.deps.Coordinator.Render(r.Context(), req)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", cacheControlFor(string(resp.State)))
	w.Header().Set("X-Kasha-Cache", string(resp.State))
	w.WriteHeader(resp.Status)

	body := map[string]any{"status": resp.Status}
	if resp.Snapshot != nil {
		body["meta"] = resp.Snapshot.Meta
		body["openGraph"] = resp.Snapshot.OpenGraph
		if resp.Snapshot.Redirect != "" {
			body["redirect"] = resp.Snapshot.Redirect
		}
		if len(resp.Snapshot.Content) > 0 && !req.MetaOnly {
			body["content"] = string(resp.Snapshot.Content)
		}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func cacheControlFor(state string) string {
	if state == string(coordinator.CacheUpdating) {
		return "no-store"
	}
	return "private, must-revalidate"
}

// sitemapIndexPage is the (only) page number a *.index.*.xml document
// is served at: Index renders every referenced page into one document,
// so it is never itself paginated, but the URL still carries a page
// number for consistency with the literal scenario in §8.
const sitemapIndexPage = 1

// apiPageURL builds the URL of page p of variant's sitemap under the
// embedded-site-segment form API mode uses, per §4.8.
func apiPageURL(baseURL, site string, variant sitemap.Variant) func(page int) string {
	return func(page int) string {
		if variant == sitemap.VariantPlain {
			return fmt.Sprintf("%s/sitemap/%s.%d.xml", baseURL, site, page)
		}
		return fmt.Sprintf("%s/sitemap/%s-%s.%d.xml", baseURL, site, variant, page)
	}
}

// apiIndexURL builds the URL of variant's sitemapindex document, API mode.
func apiIndexURL(baseURL, site string) func(variant sitemap.Variant) string {
	return func(variant sitemap.Variant) string {
		if variant == sitemap.VariantPlain {
			return fmt.Sprintf("%s/sitemap/%s.index.%d.xml", baseURL, site, sitemapIndexPage)
		}
		return fmt.Sprintf("%s/sitemap/%s-%s.index.%d.xml", baseURL, site, variant, sitemapIndexPage)
	}
}

// proxyPageURL builds the URL of page p of variant's sitemap under the
// bare form proxy mode uses (host implies site), per §4.8/§8 scenario 6.
func proxyPageURL(baseURL string, variant sitemap.Variant) func(page int) string {
	return func(page int) string {
		if variant == sitemap.VariantPlain {
			return fmt.Sprintf("%s/sitemap.%d.xml", baseURL, page)
		}
		return fmt.Sprintf("%s/sitemap-%s.%d.xml", baseURL, variant, page)
	}
}

// proxyIndexURL builds the URL of variant's sitemapindex document, proxy mode.
func proxyIndexURL(baseURL string) func(variant sitemap.Variant) string {
	return func(variant sitemap.Variant) string {
		if variant == sitemap.VariantPlain {
			return fmt.Sprintf("%s/sitemap.index.%d.xml", baseURL, sitemapIndexPage)
		}
		return fmt.Sprintf("%s/sitemap-%s.index.%d.xml", baseURL, variant, sitemapIndexPage)
	}
}

// sitemapPageAPI returns the GET /sitemap/{site}.{page}.xml (and
// variant-prefixed) handler for a fixed variant, API mode.
func (h *handler) sitemapPageAPI(variant sitemap.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		h.servePage(w, r, vars["site"], variant, vars["page"])
	}
}

func (h *handler) sitemapIndexAPI(variant sitemap.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		site := vars["site"]
		h.serveIndex(w, r, site, variant, apiPageURL(h.deps.BaseURL, site, variant), vars["page"])
	}
}

func (h *handler) handleRobotsAPI(w http.ResponseWriter, r *http.Request) {
	site := mux.Vars(r)["site"]
	h.serveRobots(w, r, site, apiIndexURL(h.deps.BaseURL, site))
}

// sitemapPageProxy returns the GET /sitemap.{page}.xml (and
// variant-prefixed) handler for a fixed variant, proxy mode.
func (h *handler) sitemapPageProxy(variant sitemap.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, err := resolveSite(r)
		if err != nil {
			h.writeGatewayError(w, r, err)
			return
		}
		h.servePage(w, r, site, variant, mux.Vars(r)["page"])
	}
}

func (h *handler) sitemapIndexProxy(variant sitemap.Variant) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site, err := resolveSite(r)
		if err != nil {
			h.writeGatewayError(w, r, err)
			return
		}
		baseURL := "https://" + site
		h.serveIndex(w, r, site, variant, proxyPageURL(baseURL, variant), mux.Vars(r)["page"])
	}
}

func (h *handler) handleRobotsProxy(w http.ResponseWriter, r *http.Request) {
	site, err := resolveSite(r)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}
	h.serveRobots(w, r, site, proxyIndexURL("https://"+site))
}

func (h *handler) servePage(w http.ResponseWriter, r *http.Request, site string, variant sitemap.Variant, pageStr string) {
	page, err := strconv.Atoi(pageStr)
	if err != nil {
		h.writeGatewayError(w, r, model.NewError(model.ErrClientInvalidParam, "invalid page number"))
		return
	}

	body, err := h.deps.Sitemap.Page(r.Context(), site, variant, page)
	if err != nil {
		if err == sitemap.ErrNoSuchPage {
			http.NotFound(w, r)
			return
		}
		h.writeGatewayError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(body)
}

func (h *handler) serveIndex(w http.ResponseWriter, r *http.Request, site string, variant sitemap.Variant, pageURL func(page int) string, pageStr string) {
	page, err := strconv.Atoi(pageStr)
	if err != nil || page != sitemapIndexPage {
		http.NotFound(w, r)
		return
	}

	body, err := h.deps.Sitemap.Index(r.Context(), site, variant, pageURL)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Write(body)
}

func (h *handler) serveRobots(w http.ResponseWriter, r *http.Request, site string, indexURL func(variant sitemap.Variant) string) {
	body, err := h.deps.Sitemap.Robots(r.Context(), site, indexURL)
	if err != nil {
		h.writeGatewayError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(body)
}

// writeGatewayError writes err as a JSON {code, message, timestamp,
// eventId} body with the Kasha-Code header and mapped HTTP status, per
// §7. An err that isn't already a *model.GatewayError is unexpected:
// h generates an eventId, logs it alongside the underlying error for
// later correlation, and maps it to SERVER_INTERNAL_ERROR.
func (h *handler) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	gwErr, ok := err.(*model.GatewayError)
	if !ok {
		eventID := uuid.NewString()
		h.deps.Logger.Error("unexpected error",
			"eventId", eventID,
			"error", err,
			"request_id", GetRequestID(r.Context()),
		)
		gwErr = model.NewError(model.ErrServerInternalError, err.Error())
		gwErr.EventID = eventID
	}
	writeGatewayErrorBody(w, gwErr)
}

// writeGatewayErrorBody writes an already-classified GatewayError.
// Used directly by middleware that runs outside a *handler (Recovery,
// MethodFilter), which build their GatewayError themselves.
func writeGatewayErrorBody(w http.ResponseWriter, gwErr *model.GatewayError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Kasha-Code", string(gwErr.Code))
	w.WriteHeader(gwErr.Status())
	_ = json.NewEncoder(w).Encode(gwErr)
}
