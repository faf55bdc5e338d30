package swgate

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Phase int32

const (
	PhaseNew Phase = iota
	PhaseInstalling
	PhaseInstalled
	PhaseActivating
	PhaseActivated
)

func (p Phase) String() string {
	switch p {
	case PhaseInstalling:
		return "installing"
	case PhaseInstalled:
		return "installed"
	case PhaseActivating:
		return "activating"
	case PhaseActivated:
		return "activated"
	default:
		return "new"
	}
}

// InstallReport summarizes one pre-warm run.
type InstallReport struct {
	Stored int
	Failed int
}

// Lifecycle pre-warms the core store on install and prunes stale store
// generations on activation.
type Lifecycle struct {
	origin   *url.URL
	stores   *Stores
	core     *Store
	retained []string
	fetch    Fetcher

	manifest      []string
	sitemaps      []string
	maxDiscovered int
	concurrency   int

	phase atomic.Int32
	log   *slog.Logger
}

type LifecycleConfig struct {
	Origin *url.URL
	Core   *Store

	// Retained names every store of the current generation.
	Retained []string

	Manifest      []string
	Sitemaps      []string
	MaxDiscovered int
	Concurrency   int
}

func NewLifecycle(stores *Stores, f Fetcher, cfg LifecycleConfig, log *slog.Logger) *Lifecycle {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Lifecycle{
		origin:        cfg.Origin,
		stores:        stores,
		core:          cfg.Core,
		retained:      cfg.Retained,
		fetch:         f,
		manifest:      cfg.Manifest,
		sitemaps:      cfg.Sitemaps,
		maxDiscovered: cfg.MaxDiscovered,
		concurrency:   cfg.Concurrency,
		log:           log,
	}
}

func (l *Lifecycle) Phase() Phase { return Phase(l.phase.Load()) }

// Active reports whether requests are routed through the strategies.
func (l *Lifecycle) Active() bool { return l.Phase() == PhaseActivated }

// Install fetches every core asset and stores the ones that succeed. A failed
// asset is logged and skipped; Install itself only fails on cancellation.
func (l *Lifecycle) Install(ctx context.Context) (InstallReport, error) {
	l.phase.Store(int32(PhaseInstalling))

	paths := l.manifest
	if len(l.sitemaps) > 0 {
		found, err := l.discover(ctx)
		if err != nil {
			l.log.Warn("install: sitemap discovery failed", "error", err)
		}
		paths = mergePaths(paths, found)
	}

	var stored, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, p := range paths {
		g.Go(func() error {
			if err := l.installOne(gctx, p); err != nil {
				failed.Add(1)
				l.log.Warn("install: asset skipped", "path", p, "error", err)
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	rep := InstallReport{Stored: int(stored.Load()), Failed: int(failed.Load())}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	l.phase.Store(int32(PhaseInstalled))
	l.log.Info("install complete", "stored", rep.Stored, "failed", rep.Failed, "store", l.core.Name())
	return rep, nil
}

func (l *Lifecycle) installOne(ctx context.Context, p string) error {
	u, err := l.origin.Parse(p)
	if err != nil {
		return err
	}
	req := NewGetRequest(u)
	// Skip any HTTP cache between us and the origin.
	req.Header.Set("Cache-Control", "no-cache")
	snap, err := l.fetch.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !snap.cacheable() {
		return fmt.Errorf("status %d", snap.Status)
	}
	l.core.Insert(req, snap)
	return nil
}

// Activate drops every store outside the current generation and takes over
// routing. It does not wait for anything else.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.phase.Store(int32(PhaseActivating))
	if err := ctx.Err(); err != nil {
		return err
	}
	purged, err := l.stores.Purge(l.retained)
	if err != nil {
		return err
	}
	if len(purged) > 0 {
		l.log.Info("activate: purged stale stores", "stores", purged)
	}
	l.phase.Store(int32(PhaseActivated))
	l.log.Info("activated", "stores", l.retained)
	return nil
}

func mergePaths(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
