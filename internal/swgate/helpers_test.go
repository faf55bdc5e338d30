package swgate

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"
)

const testOrigin = "https://ppdsb.test"

var errOffline = errors.New("dial tcp: network is unreachable")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func getReq(t *testing.T, raw string) Request {
	t.Helper()
	return NewGetRequest(mustURL(t, raw))
}

func navReq(t *testing.T, raw string) Request {
	t.Helper()
	r := getReq(t, raw)
	r.Mode = "navigate"
	r.Destination = "document"
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	return r
}

func snapOf(status int, body string) Snapshot {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return Snapshot{
		Status:   status,
		Header:   h,
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE([]byte(body)),
	}
}

// fakeFetcher answers from a URL-keyed table and counts calls.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	answers map[string]Snapshot
	headers map[string]http.Header // last request headers per URL
	offline bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: map[string]int{}, answers: map[string]Snapshot{}, headers: map[string]http.Header{}}
}

func (f *fakeFetcher) set(rawURL string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[rawURL] = snapOf(status, body)
}

func (f *fakeFetcher) setSnap(rawURL string, s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[rawURL] = s
}

func (f *fakeFetcher) lastHeader(rawURL string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[rawURL]
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeFetcher) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) Fetch(ctx context.Context, req Request) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := req.URL.String()
	f.calls[key]++
	f.headers[key] = cloneHeader(req.Header)
	if f.offline {
		return Snapshot{}, errOffline
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s, ok := f.answers[key]
	if !ok {
		return snapOf(http.StatusNotFound, "not found"), nil
	}
	s.Header = cloneHeader(s.Header)
	return s, nil
}

func newTestStores(t *testing.T) *Stores {
	t.Helper()
	s, err := OpenStores("", 0, 0, testLogger())
	if err != nil {
		t.Fatalf("OpenStores: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

type testRig struct {
	stores *Stores
	fetch  *fakeFetcher
	exec   *Executor
	core   *Store
	api    *Store
	images *Store
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	stores := newTestStores(t)
	f := newFakeFetcher()
	rig := &testRig{
		stores: stores,
		fetch:  f,
		core:   stores.Open("test-core-v1"),
		api:    stores.Open("test-api-v1"),
		images: stores.Open("test-img-v1"),
	}
	rig.exec = NewExecutor(f, ExecutorConfig{
		Core:              rig.core,
		API:               rig.api,
		Images:            rig.images,
		OfflineURL:        mustURL(t, testOrigin+"/offline.html"),
		NavigationTimeout: time.Second,
	}, testLogger(), nil)
	t.Cleanup(rig.exec.Wait)
	return rig
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
