package swgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const statusPollTimeout = 10 * time.Second

// MaintenanceState is the last known answer of the status source.
type MaintenanceState struct {
	Active    bool
	Message   string
	UpdatedAt *time.Time
	UpdatedBy string
}

// StatusSource reports whether the site is under maintenance.
type StatusSource interface {
	Status(ctx context.Context) (MaintenanceState, error)
}

// HTTPStatusSource polls a JSON endpoint of the form
// {"ok": true, "data": {"active", "message", "updated_at", "updated_by"}}.
type HTTPStatusSource struct {
	URL    string
	Client *http.Client
}

type statusEnvelope struct {
	OK   bool `json:"ok"`
	Data *struct {
		Active    bool   `json:"active"`
		Message   string `json:"message"`
		UpdatedAt string `json:"updated_at"`
		UpdatedBy string `json:"updated_by"`
	} `json:"data"`
}

func (s *HTTPStatusSource) Status(ctx context.Context) (MaintenanceState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return MaintenanceState{}, err
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return MaintenanceState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return MaintenanceState{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var env statusEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err != nil {
		return MaintenanceState{}, fmt.Errorf("decode status: %w", err)
	}
	if !env.OK || env.Data == nil {
		return MaintenanceState{}, errors.New("status source answered ok=false")
	}

	st := MaintenanceState{
		Active:    env.Data.Active,
		Message:   env.Data.Message,
		UpdatedBy: env.Data.UpdatedBy,
	}
	if env.Data.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, env.Data.UpdatedAt); err == nil {
			st.UpdatedAt = &t
		}
	}
	return st, nil
}

// gateState is every piece of mutable maintenance state. It is owned by one
// Gate and lives only in memory.
type gateState struct {
	mu sync.Mutex

	current       MaintenanceState
	lastCheckedAt time.Time // last successful poll
	lastAttemptAt time.Time // last poll, successful or not
	bypassUntil   time.Time
}

// Decision is the gate's verdict for one navigation.
type Decision struct {
	// Bypass names why the gate was skipped: "path", "token" or "window".
	Bypass      string
	Maintenance bool
	State       MaintenanceState
}

// Gate decides per navigation whether to substitute the maintenance page.
type Gate struct {
	source StatusSource

	ttl         time.Duration
	window      time.Duration
	bypassPaths []string
	param       string
	token       string

	state *gateState
	sf    singleflight.Group
	now   func() time.Time
	log   *slog.Logger
}

func NewGate(source StatusSource, mc MaintenanceConfig, log *slog.Logger) *Gate {
	paths := make([]string, 0, len(mc.BypassPaths))
	for _, p := range mc.BypassPaths {
		paths = append(paths, strings.ToLower(p))
	}
	return &Gate{
		source:      source,
		ttl:         mc.ttlDur,
		window:      mc.windowDur,
		bypassPaths: paths,
		param:       mc.BypassParam,
		token:       mc.BypassToken,
		state:       &gateState{},
		now:         time.Now,
		log:         log,
	}
}

// Decide runs the gate for a navigation request.
func (g *Gate) Decide(ctx context.Context, req Request) Decision {
	now := g.now()

	// The token opens the window even on paths that bypass anyway.
	if g.token != "" && req.URL.Query().Get(g.param) == g.token {
		until := now.Add(g.window)
		g.state.mu.Lock()
		g.state.bypassUntil = until
		g.state.mu.Unlock()
		g.log.Info("maintenance bypass granted", "until", until.Format(time.RFC3339))
		return Decision{Bypass: "token"}
	}
	if g.isBypassPath(req.URL.Path) {
		return Decision{Bypass: "path"}
	}
	g.state.mu.Lock()
	inWindow := now.Before(g.state.bypassUntil)
	g.state.mu.Unlock()
	if inWindow {
		return Decision{Bypass: "window"}
	}

	st := g.State(ctx)
	return Decision{Maintenance: st.Active, State: st}
}

func (g *Gate) isBypassPath(p string) bool {
	if p == "" {
		p = "/"
	}
	p = strings.ToLower(path.Clean(p))
	for _, prefix := range g.bypassPaths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// State returns the maintenance state, polling the source at most once per
// TTL. A failed poll keeps the previous state.
func (g *Gate) State(ctx context.Context) MaintenanceState {
	if st, fresh := g.fresh(g.now()); fresh {
		return st
	}
	v, _, _ := g.sf.Do("status", func() (any, error) {
		now := g.now()
		if st, fresh := g.fresh(now); fresh {
			return st, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusPollTimeout)
		defer cancel()
		st, err := g.source.Status(pctx)

		g.state.mu.Lock()
		defer g.state.mu.Unlock()
		g.state.lastAttemptAt = now
		if err != nil {
			g.log.Warn("maintenance poll failed, keeping last state", "error", err, "active", g.state.current.Active)
			return g.state.current, nil
		}
		if st.Active != g.state.current.Active {
			g.log.Info("maintenance state changed", "active", st.Active, "updated_by", st.UpdatedBy)
		}
		g.state.current = st
		g.state.lastCheckedAt = now
		return st, nil
	})
	return v.(MaintenanceState)
}

func (g *Gate) fresh(now time.Time) (MaintenanceState, bool) {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	if !g.state.lastAttemptAt.IsZero() && now.Sub(g.state.lastAttemptAt) < g.ttl {
		return g.state.current, true
	}
	return MaintenanceState{}, false
}

// Cached returns the last known state without polling.
func (g *Gate) Cached() MaintenanceState {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	return g.state.current
}

// BypassUntil reports when the current bypass window closes.
func (g *Gate) BypassUntil() time.Time {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	return g.state.bypassUntil
}

// LastChecked reports the time of the last successful poll.
func (g *Gate) LastChecked() time.Time {
	g.state.mu.Lock()
	defer g.state.mu.Unlock()
	return g.state.lastCheckedAt
}
