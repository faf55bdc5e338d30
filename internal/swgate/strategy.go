package swgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrUnavailable is returned when the network failed and no stored copy
// could stand in for it.
var ErrUnavailable = errors.New("network unavailable")

const (
	revalidateTimeout  = 30 * time.Second
	maxRevalidateInFly = 32
)

// Executor runs the caching strategies against the three stores.
type Executor struct {
	fetch Fetcher

	core   *Store
	api    *Store
	images *Store

	offline    Request
	navTimeout time.Duration

	bgSem chan struct{}
	wg    sync.WaitGroup

	log   *slog.Logger
	stats *statsCollector
}

type ExecutorConfig struct {
	Core, API, Images *Store

	// OfflineURL is the document served when a navigation cannot be
	// answered at all.
	OfflineURL *url.URL

	// NavigationTimeout bounds the network attempt of NetworkFirst.
	NavigationTimeout time.Duration
}

func NewExecutor(f Fetcher, cfg ExecutorConfig, log *slog.Logger, stats *statsCollector) *Executor {
	return &Executor{
		fetch:      f,
		core:       cfg.Core,
		api:        cfg.API,
		images:     cfg.Images,
		offline:    NewGetRequest(cfg.OfflineURL),
		navTimeout: cfg.NavigationTimeout,
		bgSem:      make(chan struct{}, maxRevalidateInFly),
		log:        log,
		stats:      stats,
	}
}

// Wait blocks until every background refresh has finished.
func (e *Executor) Wait() { e.wg.Wait() }

// Execute applies the strategy bound to class.
func (e *Executor) Execute(ctx context.Context, req Request, class Class) (Result, error) {
	switch class {
	case ClassNavigation:
		return e.NetworkFirst(ctx, req)
	case ClassImage:
		return e.CacheFirst(ctx, req, e.core)
	case ClassExternalImage:
		return e.CacheFirst(ctx, req, e.images)
	case ClassStyleOrScript:
		return e.StaleWhileRevalidate(ctx, req, e.core)
	case ClassCacheableAPI:
		return e.StaleWhileRevalidate(ctx, req, e.api)
	case ClassNoncacheableAPI:
		return e.NetworkOnly(ctx, req)
	default:
		return e.PassThrough(ctx, req)
	}
}

// CacheFirst answers from store when it can and only goes to the network on
// a miss.
func (e *Executor) CacheFirst(ctx context.Context, req Request, store *Store) (Result, error) {
	if snap, ok := store.Lookup(req); ok {
		return Result{Snapshot: snap, Outcome: OutcomeHit}, nil
	}
	snap, err := e.fetch.Fetch(ctx, req.forStore())
	if err != nil {
		if req.IsNavigation() {
			return e.offlineDocument(), nil
		}
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if snap.cacheable() {
		store.Insert(req, snap)
	}
	return Result{Snapshot: snap, Outcome: OutcomeMiss}, nil
}

// NetworkFirst prefers a live page, then the stored copy, then the offline
// document. It never fails.
func (e *Executor) NetworkFirst(ctx context.Context, req Request) (Result, error) {
	fctx := ctx
	if e.navTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, e.navTimeout)
		defer cancel()
	}
	snap, err := e.fetch.Fetch(fctx, req.forStore())
	if err == nil {
		if snap.cacheable() {
			e.core.Insert(req, snap)
		}
		return Result{Snapshot: snap, Outcome: OutcomeNetwork}, nil
	}
	e.log.Debug("navigation fetch failed", "url", req.URL.String(), "error", err)
	if cached, ok := e.core.Lookup(req); ok {
		return Result{Snapshot: cached, Outcome: OutcomeFallback}, nil
	}
	return e.offlineDocument(), nil
}

// StaleWhileRevalidate serves a stored copy at once and refreshes it in the
// background; a miss waits for the network.
func (e *Executor) StaleWhileRevalidate(ctx context.Context, req Request, store *Store) (Result, error) {
	if snap, ok := store.Lookup(req); ok {
		e.revalidateAsync(req, store)
		return Result{Snapshot: snap, Outcome: OutcomeStale}, nil
	}
	snap, err := e.fetch.Fetch(ctx, req.forStore())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if snap.cacheable() {
		store.Insert(req, snap)
	}
	return Result{Snapshot: snap, Outcome: OutcomeMiss}, nil
}

// NetworkOnly returns the network outcome verbatim and stores nothing.
func (e *Executor) NetworkOnly(ctx context.Context, req Request) (Result, error) {
	snap, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Result{Snapshot: snap, Outcome: OutcomePassthrough}, nil
}

// PassThrough is NetworkOnly with a safety net: a copy pre-warmed into the
// core store, then the offline document for navigations.
func (e *Executor) PassThrough(ctx context.Context, req Request) (Result, error) {
	res, err := e.NetworkOnly(ctx, req)
	if err == nil {
		return res, nil
	}
	if cached, ok := e.core.Lookup(req); ok {
		return Result{Snapshot: cached, Outcome: OutcomeFallback}, nil
	}
	if req.IsNavigation() {
		return e.offlineDocument(), nil
	}
	return Result{}, err
}

func (e *Executor) revalidateAsync(req Request, store *Store) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		return
	}
	// The refresh outlives the request that triggered it.
	req = req.forStore()
	ctx, cancel := context.WithTimeout(context.Background(), revalidateTimeout)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		defer cancel()

		e.revalidateOnce(ctx, req, store)
	}()
}

func (e *Executor) revalidateOnce(ctx context.Context, req Request, store *Store) {
	snap, err := e.fetch.Fetch(ctx, req)
	if err != nil {
		e.log.Debug("revalidate failed", "store", store.Name(), "url", req.URL.String(), "error", err)
		return
	}
	if !snap.cacheable() {
		return
	}
	if cur, ok := store.peek(req); ok && cur.Hash32 == snap.Hash32 && cur.Status == snap.Status {
		return
	}
	store.Insert(req, snap)
	if e.stats != nil {
		e.stats.Revalidated()
	}
}

const builtinOffline = `<!DOCTYPE html>
<html lang="id">
<head><meta charset="UTF-8"><title>Offline</title></head>
<body><h1>Anda sedang offline</h1><p>Periksa koneksi internet lalu muat ulang halaman.</p></body>
</html>
`

func (e *Executor) offlineDocument() Result {
	if snap, ok := e.core.Lookup(e.offline); ok {
		return Result{Snapshot: snap, Outcome: OutcomeOffline}
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return Result{
		Snapshot: Snapshot{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(builtinOffline)},
		Outcome:  OutcomeOffline,
	}
}
