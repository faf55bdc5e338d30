package swgate

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Stores struct {
		Prefix  string `yaml:"prefix"`
		Version string `yaml:"version"`
	} `yaml:"stores"`

	Install struct {
		CoreAssets    []string `yaml:"coreAssets"`
		Sitemaps      []string `yaml:"sitemaps"`
		MaxDiscovered int      `yaml:"maxDiscovered"`
		Concurrency   int      `yaml:"concurrency"`
	} `yaml:"install"`

	Routing RoutingConfig `yaml:"routing"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`

	origin  *url.URL
	ramMax  int64
	diskMax int64
}

type RoutingConfig struct {
	APIPrefix      string       `yaml:"apiPrefix"`
	CacheableAPI   []APIPattern `yaml:"cacheableAPI"`
	ImageExts      []string     `yaml:"imageExtensions"`
	AssetExts      []string     `yaml:"assetExtensions"`
	StorageDomain  string       `yaml:"storageDomain"`
	PublicSegment  string       `yaml:"publicSegment"`
	Buckets        []string     `yaml:"buckets"`
	OfflinePath    string       `yaml:"offlinePath"`
	NetworkTimeout string       `yaml:"networkTimeout"`

	networkTimeoutDur time.Duration
}

// APIPattern matches one cacheable endpoint. When Param is set the query
// parameter must carry Value as well.
type APIPattern struct {
	Path  string `yaml:"path"`
	Param string `yaml:"param"`
	Value string `yaml:"value"`
}

type MaintenanceConfig struct {
	StatusURL    string   `yaml:"statusURL"`
	TTL          string   `yaml:"ttl"`
	BypassPaths  []string `yaml:"bypassPaths"`
	BypassParam  string   `yaml:"bypassParam"`
	BypassToken  string   `yaml:"bypassToken"`
	BypassWindow string   `yaml:"bypassWindow"`

	// Status is the HTTP status of the maintenance page, 503 by default.
	Status int `yaml:"status"`

	ttlDur    time.Duration
	windowDur time.Duration
}

type envOverrides struct {
	Origin    string `env:"SWGATE_ORIGIN"`
	Port      int    `env:"SWGATE_PORT"`
	DataDir   string `env:"SWGATE_DATA_DIR"`
	StatusURL string `env:"SWGATE_MAINTENANCE_STATUS_URL"`
	LogLevel  string `env:"SWGATE_LOG_LEVEL"`
}

var (
	defaultCoreAssets = []string{
		"/",
		"/index.html",
		"/alur-pendaftaran.html",
		"/admin.html",
		"/biaya.html",
		"/brosur.html",
		"/cek-status.html",
		"/daftar.html",
		"/kontak.html",
		"/login.html",
		"/pembayaran.html",
		"/syarat-pendaftaran.html",
		"/offline.html",
		"/assets/css/tailwind.css",
		"/assets/js/navbar.js",
		"/assets/js/pwa.js",
		"/i18n.js",
		"/locales/id.json",
		"/locales/en.json",
		"/favicon.ico",
		"/favicon.png",
		"/apple-touch-icon.png",
		"/logo-bimi.svg",
		"/manifest.webmanifest",
	}

	// Public, read-mostly endpoints. Everything else under the API prefix
	// carries applicant or admin data and is never cached.
	defaultCacheableAPI = []APIPattern{
		{Path: "/api/hero_images_list"},
		{Path: "/api/hero_carousel_list"},
		{Path: "/api/why_section_list"},
		{Path: "/api/get_gelombang_list"},
		{Path: "/api/gelombang_active"},
		{Path: "/api/berita_items"},
		{Path: "/api/brosur_items"},
		{Path: "/api/biaya_items"},
		{Path: "/api/kontak_items"},
		{Path: "/api/kontak_settings"},
		{Path: "/api/syarat_items"},
		{Path: "/api/alur_steps"},
		{Path: "/api/supa_proxy", Param: "table", Value: "berita"},
		{Path: "/api/supa_proxy", Param: "table", Value: "prestasi"},
		{Path: "/api/index", Param: "action", Value: "hero_images_list"},
	}

	defaultImageExts = []string{"jpg", "jpeg", "png", "gif", "webp", "svg", "ico", "bmp"}
	defaultAssetExts = []string{"css", "js", "json"}

	// Public buckets the site serves images from. pendaftar-files holds
	// applicant uploads and stays out.
	defaultBuckets = []string{"hero-images", "brosur-files"}

	defaultBypassPaths = []string{
		"/admin",
		"/admin.html",
		"/login",
		"/login.html",
		"/admin/index.html",
		"/login/index.html",
	}
)

// LoadConfig reads the YAML file at path, applies SWGATE_* environment
// overrides and fills defaults.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if ov.Origin != "" {
		cfg.Server.Origin = ov.Origin
	}
	if ov.Port != 0 {
		cfg.Server.Port = ov.Port
	}
	if ov.DataDir != "" {
		cfg.Storage.Path = ov.DataDir
	}
	if ov.StatusURL != "" {
		cfg.Maintenance.StatusURL = ov.StatusURL
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}

	if err := cfg.finish(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) finish() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: want absolute URL, got %q", cfg.Server.Origin)
	}
	cfg.origin = u

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "512mb"
	}
	if cfg.ramMax, err = parseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMax, err = parseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Stores.Prefix == "" {
		cfg.Stores.Prefix = "ppdsb"
	}
	if cfg.Stores.Version == "" {
		cfg.Stores.Version = "v4"
	}

	if cfg.Install.CoreAssets == nil {
		cfg.Install.CoreAssets = defaultCoreAssets
	}
	if cfg.Install.Concurrency <= 0 {
		cfg.Install.Concurrency = 4
	}
	if cfg.Install.MaxDiscovered <= 0 {
		cfg.Install.MaxDiscovered = 200
	}

	if err := cfg.Routing.finish(); err != nil {
		return err
	}
	if err := cfg.Maintenance.finish(); err != nil {
		return err
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}
	return nil
}

func (r *RoutingConfig) finish() error {
	if r.APIPrefix == "" {
		r.APIPrefix = "/api/"
	}
	if r.CacheableAPI == nil {
		r.CacheableAPI = defaultCacheableAPI
	}
	for i, p := range r.CacheableAPI {
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("routing.cacheableAPI[%d].path: must start with /, got %q", i, p.Path)
		}
		if p.Param == "" && p.Value != "" {
			return fmt.Errorf("routing.cacheableAPI[%d]: value without param", i)
		}
	}
	if r.ImageExts == nil {
		r.ImageExts = defaultImageExts
	}
	if r.AssetExts == nil {
		r.AssetExts = defaultAssetExts
	}
	if r.StorageDomain == "" {
		r.StorageDomain = "supabase.co"
	}
	if r.PublicSegment == "" {
		r.PublicSegment = "/storage/v1/object/public/"
	}
	if r.Buckets == nil {
		r.Buckets = defaultBuckets
	}
	if r.OfflinePath == "" {
		r.OfflinePath = "/offline.html"
	}
	if r.NetworkTimeout == "" {
		r.NetworkTimeout = "8s"
	}
	d, err := time.ParseDuration(r.NetworkTimeout)
	if err != nil {
		return fmt.Errorf("routing.networkTimeout: %w", err)
	}
	r.networkTimeoutDur = d
	return nil
}

func (m *MaintenanceConfig) finish() error {
	if m.StatusURL == "" {
		m.StatusURL = "/api/maintenance_status"
	}
	if m.TTL == "" {
		m.TTL = "60s"
	}
	if m.BypassPaths == nil {
		m.BypassPaths = defaultBypassPaths
	}
	if m.BypassParam == "" {
		m.BypassParam = "preview"
	}
	if m.BypassToken == "" {
		m.BypassToken = "admin"
	}
	if m.BypassWindow == "" {
		m.BypassWindow = "15m"
	}
	if m.Status == 0 {
		m.Status = http.StatusServiceUnavailable
	}
	if m.Status < 200 || m.Status > 599 {
		return fmt.Errorf("maintenance.status: want an HTTP status, got %d", m.Status)
	}
	var err error
	if m.ttlDur, err = time.ParseDuration(m.TTL); err != nil {
		return fmt.Errorf("maintenance.ttl: %w", err)
	}
	if m.windowDur, err = time.ParseDuration(m.BypassWindow); err != nil {
		return fmt.Errorf("maintenance.bypassWindow: %w", err)
	}
	return nil
}

// StoreNames returns the current generation's core, API and external-image
// store names.
func (cfg Config) StoreNames() (core, api, images string) {
	p, v := cfg.Stores.Prefix, cfg.Stores.Version
	return p + "-core-" + v, p + "-api-" + v, p + "-img-" + v
}

// dataPath is the store database location; ":memory:" keeps it in memory.
func (cfg Config) dataPath() string {
	if cfg.Storage.Path == ":memory:" {
		return ""
	}
	return cfg.Storage.Path
}

// Origin is the parsed server.origin.
func (cfg Config) Origin() *url.URL { return cfg.origin }
