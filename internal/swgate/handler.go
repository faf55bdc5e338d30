package swgate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const (
	HealthPath  = "/__swgate/health"
	gateHeader  = "X-Swgate"
	reqIDHeader = "X-Request-Id"
)

type requestIDKey struct{}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withRequestID)
	r.Get(HealthPath, s.handleHealth)
	r.Handle("/*", http.HandlerFunc(s.intercept))
	return r
}

// withRequestID tags each request with an ID that is logged and forwarded
// upstream.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(reqIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(reqIDHeader, id)
		}
		w.Header().Set(reqIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	if !s.allowTarget(r) {
		s.log.Warn("target refused", "req", requestIDFrom(r.Context()), "method", r.Method, "host", r.URL.Host)
		setGateHeaders(w.Header(), OutcomeForbidden)
		s.stats.Observe(OutcomeForbidden, 0)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.life.Active() || r.Method != http.MethodGet {
		s.proxy.ServeHTTP(w, r)
		return
	}
	req := s.requestFrom(r)
	class, ok := s.classifier.Classify(req)
	if !ok {
		s.proxy.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	var (
		res Result
		err error
	)
	if class == ClassNavigation {
		d := s.gate.Decide(ctx, req)
		if d.Maintenance {
			s.serveMaintenance(w, r, d.State)
			return
		}
		res, err = s.exec.NetworkFirst(ctx, req)
	} else {
		res, err = s.exec.Execute(ctx, req, class)
	}
	if err != nil {
		s.log.Warn("request failed",
			"req", requestIDFrom(ctx),
			"class", class.String(),
			"url", req.URL.String(),
			"error", err,
		)
		s.writeBadGateway(w, err)
		return
	}
	s.log.Debug("served", "req", requestIDFrom(ctx), "class", class.String(), "url", req.URL.String(), "outcome", res.Outcome)
	s.writeResult(w, res)
}

func (s *Service) serveMaintenance(w http.ResponseWriter, r *http.Request, st MaintenanceState) {
	snap, err := renderMaintenancePage(st, s.cfg.Maintenance.Status, s.cfg.Maintenance.ttlDur)
	if err != nil {
		s.log.Error("render maintenance page", "req", requestIDFrom(r.Context()), "error", err)
		setGateHeaders(w.Header(), OutcomeMaintenance)
		http.Error(w, "service under maintenance", http.StatusServiceUnavailable)
		return
	}
	s.writeResult(w, Result{Snapshot: snap, Outcome: OutcomeMaintenance})
}

// allowTarget reports whether r may be relayed. Absolute-form request URIs
// are limited to the origin and, for GET only, the storage provider.
func (s *Service) allowTarget(r *http.Request) bool {
	if !r.URL.IsAbs() {
		return true
	}
	if s.classifier.sameOrigin(r.URL) {
		return true
	}
	return r.Method == http.MethodGet && s.classifier.isStorageHost(r.URL)
}

// requestFrom resolves r against the origin. Absolute-form request URIs
// (forward-proxy use) keep their own origin.
func (s *Service) requestFrom(r *http.Request) Request {
	return Request{
		Method:      r.Method,
		URL:         s.targetURL(r),
		Destination: r.Header.Get("Sec-Fetch-Dest"),
		Mode:        r.Header.Get("Sec-Fetch-Mode"),
		Header:      cloneHeader(r.Header),
	}
}

func (s *Service) targetURL(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		u.Fragment = ""
		return &u
	}
	return s.cfg.origin.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	})
}

func (s *Service) newPassThroughProxy() *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target := s.targetURL(pr.In)
			pr.Out.URL = target
			pr.Out.Host = target.Host
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			setGateHeaders(resp.Header, OutcomePassthrough)
			s.stats.Observe(OutcomePassthrough, int(resp.ContentLength))
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("pass-through failed", "req", requestIDFrom(r.Context()), "method", r.Method, "error", err)
			s.writeBadGateway(w, err)
		},
	}
}

func (s *Service) writeResult(w http.ResponseWriter, res Result) {
	writeEntry(w, res.Snapshot, res.Outcome)
	s.stats.Observe(res.Outcome, len(res.Body))
}

func (s *Service) writeBadGateway(w http.ResponseWriter, err error) {
	setGateHeaders(w.Header(), OutcomeBadGateway)
	s.stats.Observe(OutcomeBadGateway, 0)
	if errors.Is(err, context.Canceled) {
		// Client went away; nobody reads the answer.
		return
	}
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func writeEntry(w http.ResponseWriter, ent Snapshot, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, gateHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setGateHeaders(w.Header(), outcome)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(ent.Body)
}

func setGateHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(gateHeader, outcome)
	}
	// Browsers only let scripts read custom headers that are exposed.
	ensureExposedHeader(h, gateHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

type healthReport struct {
	Phase       string            `json:"phase"`
	Stores      map[string]int    `json:"stores"`
	Maintenance healthMaintenance `json:"maintenance"`
	Outcomes    map[string]uint64 `json:"outcomes"`
}

type healthMaintenance struct {
	Active      bool       `json:"active"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
	BypassUntil *time.Time `json:"bypass_until,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := healthReport{
		Phase:    s.life.Phase().String(),
		Stores:   map[string]int{},
		Outcomes: s.stats.Snapshot().Outcomes,
	}
	for _, name := range s.stores.Names() {
		rep.Stores[name] = s.stores.Count(name)
	}
	rep.Maintenance.Active = s.gate.Cached().Active
	if t := s.gate.LastChecked(); !t.IsZero() {
		rep.Maintenance.LastChecked = &t
	}
	if t := s.gate.BypassUntil(); !t.IsZero() {
		rep.Maintenance.BypassUntil = &t
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(rep)
}
