package swgate

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher performs the network transfer for a request.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Snapshot, error)
}

// HTTPFetcher fetches over an *http.Client. Any completed exchange is a
// success, whatever its status.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL.String(), nil)
	if err != nil {
		return Snapshot{}, err
	}
	copyHeaders(req.Header, r.Header)
	// Stored bodies are served to any client, keep them unencoded.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.Client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	snap.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		snap.Header.Del(h)
	}
	return snap, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
