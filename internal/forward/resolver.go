package forward

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ZephrFish/OmniProx/internal/types"
)

// TargetHeader carries a fully qualified target URL on backends that allow
// per-request header inspection.
const TargetHeader = "X-Target-URL"

// Control query parameters stripped from the forwarded query string. "url"
// addresses the target itself; "_cb" and "_t" are client cache busters.
var controlParams = map[string]bool{
	"url": true,
	"_cb": true,
	"_t":  true,
}

// ResolvedTarget holds the absolute URL a request forwards to. Computed once
// per request and discarded after the request completes.
type ResolvedTarget struct {
	URL *url.URL

	// PreservePath is set when the inbound path was appended to a configured
	// base target URL rather than supplied explicitly by the client.
	PreservePath bool
}

// Resolver derives a forwarding target from an inbound request. Resolution
// order: "url" query parameter, X-Target-URL header (where enabled), a full
// URL embedded in the request path, then the configured base target URL.
type Resolver struct {
	// BaseTargetURL is the default forwarding target configured at endpoint
	// creation time. Empty means a target must be supplied per request.
	BaseTargetURL string

	// AllowHeaderTarget enables the X-Target-URL form. Managed gateway
	// backends cannot inspect arbitrary headers and leave this off.
	AllowHeaderTarget bool

	// BaseTargetOnly restricts resolution to the configured base target
	// URL. Managed gateway deployments route statically: the query, header
	// and path addressing forms are unavailable there and must not let a
	// client redirect traffic off the fixed target.
	BaseTargetOnly bool
}

// Resolve parses the request into a ResolvedTarget, or fails with
// types.ErrUnresolvableTarget when no addressing form applies.
func (r *Resolver) Resolve(req *http.Request) (*ResolvedTarget, error) {
	query := req.URL.Query()

	if !r.BaseTargetOnly {
		if raw := query.Get("url"); raw != "" {
			target, err := parseAbsoluteURL(raw)
			if err != nil {
				return nil, err
			}
			appendQuery(target, query)
			return &ResolvedTarget{URL: target}, nil
		}

		if r.AllowHeaderTarget {
			if raw := req.Header.Get(TargetHeader); raw != "" {
				target, err := parseAbsoluteURL(raw)
				if err != nil {
					return nil, err
				}
				appendQuery(target, query)
				return &ResolvedTarget{URL: target}, nil
			}
		}

		if raw := extractPathURL(req.URL.Path); raw != "" {
			target, err := parseAbsoluteURL(raw)
			if err != nil {
				return nil, err
			}
			appendQuery(target, query)
			return &ResolvedTarget{URL: target}, nil
		}
	}

	if r.BaseTargetURL != "" {
		target, err := parseAbsoluteURL(joinBasePath(r.BaseTargetURL, req.URL.Path))
		if err != nil {
			return nil, err
		}
		appendQuery(target, query)
		return &ResolvedTarget{URL: target, PreservePath: true}, nil
	}

	return nil, types.ErrUnresolvableTarget
}

// extractPathURL pulls a full target URL out of the request path. Handles
// proxies that collapse the double slash after the scheme ("/https:/host").
func extractPathURL(path string) string {
	p := strings.TrimPrefix(path, "/")
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p
	}
	if strings.HasPrefix(p, "http:/") {
		return "http://" + p[len("http:/"):]
	}
	if strings.HasPrefix(p, "https:/") {
		return "https://" + p[len("https:/"):]
	}
	return ""
}

// joinBasePath appends an inbound path to the base target URL with exactly
// one separating slash. A path of "/" forwards to the base unchanged.
func joinBasePath(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" || path == "/" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// appendQuery appends the inbound query parameters, minus control params, to
// the target's query string. The target's own query string is kept verbatim.
func appendQuery(target *url.URL, inbound url.Values) {
	forwarded := url.Values{}
	for key, values := range inbound {
		if controlParams[key] {
			continue
		}
		for _, v := range values {
			forwarded.Add(key, v)
		}
	}
	if len(forwarded) == 0 {
		return
	}
	if target.RawQuery == "" {
		target.RawQuery = forwarded.Encode()
	} else {
		target.RawQuery += "&" + forwarded.Encode()
	}
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target URL %q: %w", raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("invalid target URL %q: not absolute", raw)
	}
	return u, nil
}
