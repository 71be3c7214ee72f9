package cachegate

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cachegate/internal/storage"
)

type Config struct {
	// Version tags every store name. When empty the build version is used.
	Version string `yaml:"version"`

	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"storage"`

	Fetch struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"fetch"`

	Stores map[string]StoreConfig `yaml:"stores"`

	Classify ClassifyConfig `yaml:"classify"`

	Rules []Rule `yaml:"rules"`

	Lifecycle struct {
		SkipWaiting   bool     `yaml:"skipWaiting"`
		Manifest      []string `yaml:"manifest"`
		Sitemaps      []string `yaml:"sitemaps"`
		MaxDiscovered int      `yaml:"maxDiscovered"`
	} `yaml:"lifecycle"`

	Sweep struct {
		Interval string `yaml:"interval"`
	} `yaml:"sweep"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	fetchTimeout time.Duration
	sweepEvery   time.Duration
	statsEvery   time.Duration
	policies     map[storage.Kind]StorePolicy
	originHost   string
}

type StoreConfig struct {
	MaxAge   string `yaml:"maxAge"`
	MaxBytes string `yaml:"maxBytes"`
}

// StorePolicy is the compiled expiration and size policy of one store.
type StorePolicy struct {
	MaxAge   time.Duration
	MaxBytes int64
}

type ClassifyConfig struct {
	APIPrefixes    []string `yaml:"apiPrefixes"`
	APIMediaRoutes []string `yaml:"apiMediaRoutes"`
	StaticPrefixes []string `yaml:"staticPrefixes"`
}

type Rule struct {
	Match    string `yaml:"match"`
	Priority int    `yaml:"priority"`
	Strategy string `yaml:"strategy"`

	// compiled
	matchers []pathPrefixMatcher
	strategy Strategy
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

var defaultPolicies = map[storage.Kind]StorePolicy{
	storage.KindStatic: {MaxAge: 24 * time.Hour, MaxBytes: 50 * 1024 * 1024},
	storage.KindAPI:    {MaxAge: time.Hour, MaxBytes: 10 * 1024 * 1024},
	storage.KindImage:  {MaxAge: 7 * 24 * time.Hour, MaxBytes: 100 * 1024 * 1024},
	storage.KindVideo:  {MaxAge: 30 * 24 * time.Hour, MaxBytes: 500 * 1024 * 1024},
	storage.KindAudio:  {MaxAge: 7 * 24 * time.Hour, MaxBytes: 50 * 1024 * 1024},
}

var defaultRules = []Rule{
	{Match: "PathPrefix(/api/products)|PathPrefix(/api/categories)", Priority: 10, Strategy: "cache-first"},
	{Match: "PathPrefix(/api/content)|PathPrefix(/api/translations)", Priority: 20, Strategy: "stale-while-revalidate"},
	{Match: "PathPrefix(/api/auth)|PathPrefix(/api/admin)|PathPrefix(/api/orders)", Priority: 30, Strategy: "network-first"},
	{Match: "PathPrefix(/api/cart)|PathPrefix(/api/checkout)", Priority: 40, Strategy: "none"},
}

// LoadConfig reads and compiles the YAML config at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig compiles a YAML config document and fills in defaults.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	u, err := url.Parse(cfg.Server.Origin)
	if err != nil || u.Host == "" {
		return fmt.Errorf("server.origin: invalid url %q", cfg.Server.Origin)
	}
	cfg.originHost = u.Host

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	switch cfg.Storage.Backend {
	case "memory", "leveldb", "sqlite":
	default:
		return fmt.Errorf("storage.backend: unsupported %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/cachegate"
	}

	if cfg.fetchTimeout, err = parseDurationDefault(cfg.Fetch.Timeout, 10*time.Second); err != nil {
		return fmt.Errorf("fetch.timeout: %w", err)
	}
	if cfg.sweepEvery, err = parseDurationDefault(cfg.Sweep.Interval, 24*time.Hour); err != nil {
		return fmt.Errorf("sweep.interval: %w", err)
	}
	if cfg.statsEvery, err = parseDurationDefault(cfg.Logging.StatsEvery, 0); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}

	cfg.policies = make(map[storage.Kind]StorePolicy, len(defaultPolicies))
	for k, p := range defaultPolicies {
		cfg.policies[k] = p
	}
	for name, sc := range cfg.Stores {
		kind, ok := storage.ParseKind(name)
		if !ok {
			return fmt.Errorf("stores.%s: unknown store", name)
		}
		p := cfg.policies[kind]
		if sc.MaxAge != "" {
			if p.MaxAge, err = time.ParseDuration(sc.MaxAge); err != nil {
				return fmt.Errorf("stores.%s.maxAge: %w", name, err)
			}
		}
		if sc.MaxBytes != "" {
			if p.MaxBytes, err = parseBytes(sc.MaxBytes); err != nil {
				return fmt.Errorf("stores.%s.maxBytes: %w", name, err)
			}
		}
		cfg.policies[kind] = p
	}

	if len(cfg.Classify.APIPrefixes) == 0 {
		cfg.Classify.APIPrefixes = []string{"/api/"}
	}
	if cfg.Classify.APIMediaRoutes == nil {
		cfg.Classify.APIMediaRoutes = []string{"/api/media/", "/api/uploads/"}
	}
	if cfg.Classify.StaticPrefixes == nil {
		cfg.Classify.StaticPrefixes = []string{"/_next/static/", "/static/"}
	}

	if cfg.Lifecycle.Manifest == nil {
		cfg.Lifecycle.Manifest = []string{"/", "/favicon.ico", "/logo.png"}
	}
	for i, p := range cfg.Lifecycle.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("lifecycle.manifest[%d]: path %q must start with /", i, p)
		}
	}
	if cfg.Lifecycle.MaxDiscovered == 0 {
		cfg.Lifecycle.MaxDiscovered = 200
	}

	if cfg.Rules == nil {
		cfg.Rules = append([]Rule(nil), defaultRules...)
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.strategy, err = parseStrategy(r.Strategy); err != nil {
			return fmt.Errorf("rules[%d].strategy: %w", i, err)
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	return nil
}

// Policy returns the compiled policy of a store kind.
func (cfg *Config) Policy(k storage.Kind) StorePolicy {
	return cfg.policies[k]
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
