package swgate

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	req := getReq(t, testOrigin+"/logo.png")
	rig.core.Insert(req, snapOf(http.StatusOK, "cached-png-bytes"))
	rig.fetch.set(testOrigin+"/logo.png", http.StatusOK, "network-png-bytes")

	res, err := rig.exec.Execute(context.Background(), req, ClassImage)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Body) != "cached-png-bytes" || res.Outcome != OutcomeHit {
		t.Fatalf("got %q (%s), want cached bytes as hit", res.Body, res.Outcome)
	}
	if n := rig.fetch.total(); n != 0 {
		t.Fatalf("network calls = %d, want 0", n)
	}
}

func TestCacheFirstMissStoresResponse(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	const u = "https://abc.supabase.co/storage/v1/object/public/hero-images/slide.webp"
	rig.fetch.set(u, http.StatusOK, "webp")
	req := getReq(t, u)

	res, err := rig.exec.Execute(context.Background(), req, ClassExternalImage)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeMiss {
		t.Fatalf("outcome = %s, want miss", res.Outcome)
	}
	if _, ok := rig.images.Lookup(req); !ok {
		t.Fatal("external image not stored in the image store")
	}
	if _, ok := rig.core.Lookup(req); ok {
		t.Fatal("external image leaked into the core store")
	}

	if _, err := rig.exec.Execute(context.Background(), req, ClassExternalImage); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if n := rig.fetch.count(u); n != 1 {
		t.Fatalf("network calls = %d, want 1", n)
	}
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	req := getReq(t, testOrigin+"/missing.png")

	res, err := rig.exec.CacheFirst(context.Background(), req, rig.core)
	if err != nil {
		t.Fatalf("CacheFirst: %v", err)
	}
	if res.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 passed through", res.Status)
	}
	if _, ok := rig.core.Lookup(req); ok {
		t.Fatal("404 response was stored")
	}
}

func TestCacheFirstStoresOnlyCompleteAnswers(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	const u = testOrigin + "/logo.png"
	partial := snapOf(http.StatusPartialContent, "0123456789")
	partial.Header.Set("Content-Range", "bytes 0-9/1000")
	rig.fetch.setSnap(u, partial)

	req := getReq(t, u)
	req.Header.Set("Range", "bytes=0-9")
	req.Header.Set("If-None-Match", `"v1"`)
	req.Header.Set("If-Modified-Since", "Sat, 01 Mar 2025 08:00:00 GMT")
	if _, err := rig.exec.CacheFirst(context.Background(), req, rig.core); err != nil {
		t.Fatalf("CacheFirst: %v", err)
	}

	sent := rig.fetch.lastHeader(u)
	for _, h := range []string{"Range", "If-None-Match", "If-Modified-Since"} {
		if sent.Get(h) != "" {
			t.Fatalf("%s forwarded on a storable fetch", h)
		}
	}
	if req.Header.Get("Range") == "" {
		t.Fatal("caller's request headers were modified")
	}
	if _, ok := rig.core.Lookup(getReq(t, u)); ok {
		t.Fatal("206 response was stored")
	}

	rig.fetch.set(u, http.StatusNotModified, "")
	if _, err := rig.exec.CacheFirst(context.Background(), getReq(t, u), rig.core); err != nil {
		t.Fatalf("CacheFirst: %v", err)
	}
	if _, ok := rig.core.Lookup(getReq(t, u)); ok {
		t.Fatal("304 response was stored")
	}
}

func TestPerClientResponsesAreNotShared(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	private := snapOf(http.StatusOK, "mine")
	private.Header.Set("Cache-Control", "private, max-age=60")
	rig.fetch.setSnap(testOrigin+"/assets/js/me.js", private)
	varyAll := snapOf(http.StatusOK, "depends")
	varyAll.Header.Set("Vary", "*")
	rig.fetch.setSnap(testOrigin+"/assets/js/vary.js", varyAll)

	for _, u := range []string{testOrigin + "/assets/js/me.js", testOrigin + "/assets/js/vary.js"} {
		if _, err := rig.exec.StaleWhileRevalidate(ctx, getReq(t, u), rig.core); err != nil {
			t.Fatalf("%s: %v", u, err)
		}
		if _, ok := rig.core.Lookup(getReq(t, u)); ok {
			t.Fatalf("%s stored", u)
		}
	}

	const u = testOrigin + "/assets/css/app.css"
	withCookie := snapOf(http.StatusOK, "body{}")
	withCookie.Header.Set("Set-Cookie", "session=alice-secret")
	rig.fetch.setSnap(u, withCookie)

	res, err := rig.exec.StaleWhileRevalidate(ctx, getReq(t, u), rig.core)
	if err != nil {
		t.Fatalf("StaleWhileRevalidate: %v", err)
	}
	if res.Header.Get("Set-Cookie") == "" {
		t.Fatal("first client lost its own cookie")
	}
	res, err = rig.exec.StaleWhileRevalidate(ctx, getReq(t, u), rig.core)
	if err != nil {
		t.Fatalf("StaleWhileRevalidate: %v", err)
	}
	if res.Outcome != OutcomeStale || res.Header.Get("Set-Cookie") != "" {
		t.Fatalf("stored answer = %s with Set-Cookie %q", res.Outcome, res.Header.Get("Set-Cookie"))
	}
}

func TestRevalidateDropsConditionalHeaders(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	const u = testOrigin + "/api/berita_items"
	rig.api.Insert(getReq(t, u), snapOf(http.StatusOK, `{"v":1}`))
	rig.fetch.set(u, http.StatusOK, `{"v":2}`)

	req := getReq(t, u)
	req.Header.Set("If-None-Match", `"v1"`)
	if _, err := rig.exec.StaleWhileRevalidate(context.Background(), req, rig.api); err != nil {
		t.Fatalf("StaleWhileRevalidate: %v", err)
	}
	rig.exec.Wait()

	if rig.fetch.lastHeader(u).Get("If-None-Match") != "" {
		t.Fatal("refresh sent If-None-Match")
	}
	if got, _ := rig.api.Lookup(getReq(t, u)); string(got.Body) != `{"v":2}` {
		t.Fatalf("entry after refresh = %q", got.Body)
	}
}

func TestCacheFirstNetworkFailure(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.fetch.setOffline(true)

	_, err := rig.exec.CacheFirst(context.Background(), getReq(t, testOrigin+"/logo.png"), rig.core)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	res, err := rig.exec.CacheFirst(context.Background(), navReq(t, testOrigin+"/logo.png"), rig.core)
	if err != nil {
		t.Fatalf("navigation CacheFirst: %v", err)
	}
	if res.Outcome != OutcomeOffline {
		t.Fatalf("navigation outcome = %s, want offline", res.Outcome)
	}
}

func TestNetworkFirst(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	req := navReq(t, testOrigin+"/biaya.html")
	rig.fetch.set(testOrigin+"/biaya.html", http.StatusOK, "biaya v1")

	res, err := rig.exec.NetworkFirst(context.Background(), req)
	if err != nil || res.Outcome != OutcomeNetwork || string(res.Body) != "biaya v1" {
		t.Fatalf("online: %q %s %v", res.Body, res.Outcome, err)
	}
	if _, ok := rig.core.Lookup(req); !ok {
		t.Fatal("fresh page not stored in the core store")
	}

	rig.fetch.setOffline(true)
	res, err = rig.exec.NetworkFirst(context.Background(), req)
	if err != nil || res.Outcome != OutcomeFallback || string(res.Body) != "biaya v1" {
		t.Fatalf("offline with copy: %q %s %v", res.Body, res.Outcome, err)
	}
}

func TestNetworkFirstOfflineDocument(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.fetch.setOffline(true)
	req := navReq(t, testOrigin+"/kontak.html")

	res, err := rig.exec.NetworkFirst(context.Background(), req)
	if err != nil {
		t.Fatalf("NetworkFirst: %v", err)
	}
	if res.Outcome != OutcomeOffline || res.Status != http.StatusServiceUnavailable {
		t.Fatalf("without stored offline page: %d %s", res.Status, res.Outcome)
	}

	rig.core.Insert(getReq(t, testOrigin+"/offline.html"), snapOf(http.StatusOK, "offline page"))
	res, err = rig.exec.NetworkFirst(context.Background(), req)
	if err != nil {
		t.Fatalf("NetworkFirst: %v", err)
	}
	if string(res.Body) != "offline page" || res.Outcome != OutcomeOffline {
		t.Fatalf("with stored offline page: %q %s", res.Body, res.Outcome)
	}
}

func TestStaleWhileRevalidateServesCachedThenRefreshes(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	const u = testOrigin + "/api/berita_items"
	req := getReq(t, u)
	rig.api.Insert(req, snapOf(http.StatusOK, `{"v":1}`))
	rig.fetch.set(u, http.StatusOK, `{"v":2}`)

	res, err := rig.exec.Execute(context.Background(), req, ClassCacheableAPI)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Body) != `{"v":1}` || res.Outcome != OutcomeStale {
		t.Fatalf("first answer = %q (%s), want cached value", res.Body, res.Outcome)
	}

	rig.exec.Wait()

	res, err = rig.exec.Execute(context.Background(), req, ClassCacheableAPI)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Body) != `{"v":2}` {
		t.Fatalf("after refresh = %q, want new value", res.Body)
	}
	if _, ok := rig.core.Lookup(req); ok {
		t.Fatal("api payload leaked into the core store")
	}
}

func TestStaleWhileRevalidateKeepsEntryOnFailedRefresh(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	const u = testOrigin + "/assets/js/navbar.js"
	req := getReq(t, u)
	rig.core.Insert(req, snapOf(http.StatusOK, "js v1"))
	rig.fetch.set(u, http.StatusInternalServerError, "boom")

	if _, err := rig.exec.StaleWhileRevalidate(context.Background(), req, rig.core); err != nil {
		t.Fatalf("StaleWhileRevalidate: %v", err)
	}
	rig.exec.Wait()

	got, ok := rig.core.Lookup(req)
	if !ok || string(got.Body) != "js v1" {
		t.Fatalf("entry after failed refresh = %q (ok=%v), want js v1", got.Body, ok)
	}
}

func TestStaleWhileRevalidateMiss(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	const u = testOrigin + "/assets/css/tailwind.css"
	req := getReq(t, u)
	rig.fetch.set(u, http.StatusOK, "css")

	res, err := rig.exec.StaleWhileRevalidate(context.Background(), req, rig.core)
	if err != nil || res.Outcome != OutcomeMiss {
		t.Fatalf("miss: %s %v", res.Outcome, err)
	}
	if _, ok := rig.core.Lookup(req); !ok {
		t.Fatal("miss response not stored")
	}

	rig.fetch.setOffline(true)
	other := getReq(t, testOrigin+"/assets/css/print.css")
	if _, err := rig.exec.StaleWhileRevalidate(context.Background(), other, rig.core); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("offline miss err = %v, want ErrUnavailable", err)
	}
}

func TestNetworkOnlyStoresNothing(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	const u = testOrigin + "/api/pendaftar_list?page=1"
	req := getReq(t, u)
	rig.fetch.set(u, http.StatusOK, `{"rows":[]}`)

	for i := 0; i < 2; i++ {
		res, err := rig.exec.Execute(context.Background(), req, ClassNoncacheableAPI)
		if err != nil || res.Outcome != OutcomePassthrough {
			t.Fatalf("call %d: %s %v", i, res.Outcome, err)
		}
	}
	if n := rig.fetch.count(u); n != 2 {
		t.Fatalf("network calls = %d, want 2", n)
	}
	for _, s := range []*Store{rig.core, rig.api, rig.images} {
		if _, ok := s.Lookup(req); ok {
			t.Fatalf("network-only response stored in %s", s.Name())
		}
	}

	rig.fetch.setOffline(true)
	if _, err := rig.exec.Execute(context.Background(), req, ClassNoncacheableAPI); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("offline err = %v, want ErrUnavailable", err)
	}
}

func TestPassThroughFallsBackToPrewarmedCopy(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	req := getReq(t, testOrigin+"/manifest.webmanifest")
	rig.core.Insert(req, snapOf(http.StatusOK, "{}"))
	rig.fetch.setOffline(true)

	res, err := rig.exec.Execute(context.Background(), req, ClassExternalOther)
	if err != nil || res.Outcome != OutcomeFallback {
		t.Fatalf("got %s %v, want fallback", res.Outcome, err)
	}

	_, err = rig.exec.Execute(context.Background(), getReq(t, "https://cdn.example/x.js"), ClassExternalOther)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
