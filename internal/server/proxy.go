package server

import (
	"net/http"
	"strings"

	"github.com/fenivana/kasha/internal/model"
)

// resolveSite determines the target site for a proxy-mode request from
// the Forwarded header (RFC 7239, first element only per the deployment
// trust-boundary decision recorded for this gateway), falling back to
// X-Forwarded-Host, then Host, per §6.
func resolveSite(r *http.Request) (string, error) {
	if fwd := r.Header.Get("Forwarded"); fwd != "" {
		host, err := parseForwardedHost(fwd)
		if err != nil {
			return "", model.NewError(model.ErrClientInvalidHeader, "unparsable Forwarded header: "+err.Error())
		}
		if host != "" {
			return host, nil
		}
	}

	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		return firstCommaElement(h), nil
	}

	if r.Host != "" {
		return r.Host, nil
	}

	return "", model.NewError(model.ErrClientEmptyHostHeader, "empty host header")
}

// parseForwardedHost extracts the "host" parameter of the first element
// of a Forwarded header. Returns an error only for syntactically
// malformed elements, per §6/§9's Forwarded error mapping.
func parseForwardedHost(header string) (string, error) {
	first := strings.TrimSpace(strings.Split(header, ",")[0])
	if first == "" {
		return "", errMalformedForwarded
	}

	for _, part := range strings.Split(first, ";") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(kv[0]), "host") {
			v := strings.Trim(strings.TrimSpace(kv[1]), `"`)
			if v == "" {
				return "", errMalformedForwarded
			}
			return v, nil
		}
	}
	return "", errMalformedForwarded
}

var errMalformedForwarded = malformedForwardedError{}

type malformedForwardedError struct{}

func (malformedForwardedError) Error() string { return "no host parameter in Forwarded element" }

func firstCommaElement(s string) string {
	return strings.TrimSpace(strings.Split(s, ",")[0])
}

// isAPIHost reports whether host activates API mode, per the
// configured apiHost set.
func isAPIHost(apiHosts map[string]struct{}, host string) bool {
	// Strip any port, so "api.ex.com:3000" still matches an apiHost entry
	// of "api.ex.com".
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	_, ok := apiHosts[strings.ToLower(host)]
	return ok
}
