package forward

import (
	"fmt"
	"math/rand"
	"net/http"
	"strings"
)

// OverrideHeader lets the caller pin the outbound X-Forwarded-For chain.
// Its value is forwarded as supplied; validation is the target's problem.
const OverrideHeader = "X-My-X-Forwarded-For"

// Headers never copied to the outbound request. Host is set from the
// resolved target; the rest are connection-management headers.
var excludedHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// ipTemplates is the fixed table of realistic public-range prefixes the
// rotating generator draws from. An octet with choices picks one of them; a
// nil octet is randomized across 1-254. No private or loopback ranges, so a
// generated address can never collide with the executing backend's own.
var ipTemplates = [][4][]int{
	// Residential ISP ranges
	{{73}, {245}, {68}, {98}},
	{{24}, {143}, {72}, {56}},
	{{71}, {192}, {84}, {103}},
	{{47}, {156}, {92}, {201}},
	// Cloud and hosting ranges
	{{104}, {16}, nil, nil},
	{{172}, {217}, nil, nil},
	{{151}, {101}, nil, nil},
	{{13}, {107}, nil, nil},
	// International ranges
	{{185}, nil, nil, nil},
	{{103}, nil, nil, nil},
	{{41}, nil, nil, nil},
}

// RandomIP produces a syntactically valid dotted-quad drawn from the
// declared prefix table.
func RandomIP() string {
	template := ipTemplates[rand.Intn(len(ipTemplates))]
	var octets [4]int
	for i, choices := range template {
		if len(choices) > 0 {
			octets[i] = choices[rand.Intn(len(choices))]
		} else {
			octets[i] = rand.Intn(254) + 1
		}
	}
	return fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3])
}

// Rewriter derives the outbound identity-header set from inbound headers.
type Rewriter struct {
	// Rotate generates a fresh plausible X-Forwarded-For chain on every
	// request. Backends without per-request computation ability (managed
	// gateways) leave this off and pass inbound values through unmodified.
	Rotate bool
}

// Rewrite produces the outbound header set for the resolved target. The
// inbound headers are never mutated.
func (rw *Rewriter) Rewrite(inbound http.Header) http.Header {
	outbound := make(http.Header, len(inbound))
	for key, values := range inbound {
		if excludedHeaders[http.CanonicalHeaderKey(key)] || http.CanonicalHeaderKey(key) == OverrideHeader {
			continue
		}
		for _, v := range values {
			outbound.Add(key, v)
		}
	}

	if override := inbound.Get(OverrideHeader); override != "" {
		// Unconditional: replaces whatever the client or an upstream hop set.
		outbound.Set("X-Forwarded-For", override)
		outbound.Set("X-Real-IP", strings.TrimSpace(strings.Split(override, ",")[0]))
		return outbound
	}

	if rw.Rotate {
		outbound.Set("X-Forwarded-For", RandomIP()+", "+RandomIP())
		outbound.Set("X-Real-IP", RandomIP())
		outbound.Set("X-Original-IP", RandomIP())
	}

	return outbound
}
