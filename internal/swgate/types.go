package swgate

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Request is the part of an intercepted request the router decides on.
type Request struct {
	Method string
	URL    *url.URL

	// Destination and Mode mirror the Sec-Fetch-Dest / Sec-Fetch-Mode hints
	// a browser attaches to every fetch.
	Destination string
	Mode        string

	Header http.Header
}

// NewGetRequest builds a plain GET for u, as used by install and the offline
// document lookup.
func NewGetRequest(u *url.URL) Request {
	return Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
}

// IsNavigation reports whether the request loads a page rather than data.
func (r Request) IsNavigation() bool {
	if r.Mode == "navigate" || r.Destination == "document" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/html")
}

// Key is the store key for r: method plus the normalized URL.
func (r Request) Key() string {
	return strings.ToUpper(r.Method) + " " + normalizeURL(r.URL)
}

func normalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	n := url.URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Host),
		Path:   u.Path,
	}
	if n.Path == "" {
		n.Path = "/"
	}
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vs := q[k]
			for _, v := range vs {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		n.RawQuery = b.String()
	}
	return n.String()
}

// Snapshot is a captured response, as stored and as served.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// cacheable reports whether a network response may be persisted. Stores are
// shared by every client, so only complete public answers qualify.
func (s Snapshot) cacheable() bool {
	if s.Status != http.StatusOK {
		return false
	}
	cc := strings.ToLower(s.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	for _, v := range s.Header.Values("Vary") {
		if strings.TrimSpace(v) == "*" {
			return false
		}
	}
	return true
}

// clientOnlyHeaders are per-client response headers that never enter a store.
var clientOnlyHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// conditionalHeaders make the origin answer with a partial or empty body.
// They are dropped from any fetch whose result may be stored.
var conditionalHeaders = []string{
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
}

// forStore returns a copy of r without conditional headers.
func (r Request) forStore() Request {
	r.Header = cloneHeader(r.Header)
	for _, h := range conditionalHeaders {
		r.Header.Del(h)
	}
	return r
}

// Outcome values reported in the X-Swgate response header.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeNetwork     = "network"
	OutcomeStale       = "stale"
	OutcomeFallback    = "fallback"
	OutcomeOffline     = "offline"
	OutcomeMaintenance = "maintenance"
	OutcomePassthrough = "passthrough"
	OutcomeBadGateway  = "bad-gateway"
	OutcomeForbidden   = "forbidden"
)

// Result is what a strategy answers with.
type Result struct {
	Snapshot
	Outcome string
}
