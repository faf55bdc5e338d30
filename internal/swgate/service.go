package swgate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Service wires the stores, classifier, strategies, maintenance gate and
// lifecycle behind one http.Handler.
type Service struct {
	cfg Config
	log *slog.Logger

	stores     *Stores
	classifier *Classifier
	exec       *Executor
	gate       *Gate
	life       *Lifecycle
	proxy      *httputil.ReverseProxy

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, log *slog.Logger) (*Service, error) {
	statusURL, err := cfg.origin.Parse(cfg.Maintenance.StatusURL)
	if err != nil {
		return nil, fmt.Errorf("maintenance.statusURL: %w", err)
	}
	source := &HTTPStatusSource{
		URL:    statusURL.String(),
		Client: &http.Client{Timeout: statusPollTimeout},
	}
	return newService(cfg, log, NewHTTPFetcher(30*time.Second), source)
}

func newService(cfg Config, log *slog.Logger, f Fetcher, source StatusSource) (*Service, error) {
	stores, err := OpenStores(cfg.dataPath(), cfg.ramMax, cfg.diskMax, log)
	if err != nil {
		return nil, err
	}
	coreName, apiName, imgName := cfg.StoreNames()
	core := stores.Open(coreName)
	api := stores.Open(apiName)
	images := stores.Open(imgName)

	offlineURL, err := cfg.origin.Parse(cfg.Routing.OfflinePath)
	if err != nil {
		stores.Close()
		return nil, fmt.Errorf("routing.offlinePath: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		stores:     stores,
		classifier: NewClassifier(cfg.origin, cfg.Routing),
		gate:       NewGate(source, cfg.Maintenance, log),
		stats:      newStatsCollector(),
		stopCh:     make(chan struct{}),
	}
	s.exec = NewExecutor(f, ExecutorConfig{
		Core:              core,
		API:               api,
		Images:            images,
		OfflineURL:        offlineURL,
		NavigationTimeout: cfg.Routing.networkTimeoutDur,
	}, log, s.stats)
	s.life = NewLifecycle(stores, f, LifecycleConfig{
		Origin:        cfg.origin,
		Core:          core,
		Retained:      []string{coreName, apiName, imgName},
		Manifest:      cfg.Install.CoreAssets,
		Sitemaps:      cfg.Install.Sitemaps,
		MaxDiscovered: cfg.Install.MaxDiscovered,
		Concurrency:   cfg.Install.Concurrency,
	}, log)
	s.proxy = s.newPassThroughProxy()

	if every := cfg.Logging.statsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return s, nil
}

// Start installs the core assets and activates. Until it returns, requests
// go straight to the network.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.life.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := s.life.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.exec.Wait()
	s.stores.Close()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	core, api, img := s.cfg.StoreNames()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			s.log.Info("stats",
				"core_entries", s.stores.Count(core),
				"api_entries", s.stores.Count(api),
				"image_entries", s.stores.Count(img),
				"ram", humanize.IBytes(uint64(s.stores.RAMBytes())),
				"disk", humanize.IBytes(uint64(s.stores.DiskBytes())),
				"resp_min_avg_max", humanize.IBytes(ss.MinRespBytes)+"/"+humanize.IBytes(ss.AvgRespBytes)+"/"+humanize.IBytes(ss.MaxRespBytes),
				"revalidated", ss.Revalidated,
				"outcomes", ss.Outcomes,
			)
		}
	}
}
