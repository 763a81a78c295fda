// Package config loads configuration from environment variables, optionally
// layered over a YAML file named by LZY_CONFIG.
//
// YAML keys are the environment names without the LZY_ prefix, lower case:
//
//	scheme: lzy
//	allowed_roots: /home/me/src
//	cache_max_entries: 128
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "LZY_"

// Host holds the privileged process configuration.
type Host struct {
	// Transport
	SocketPath  string
	RuntimeDir  string
	Scheme      string
	MetricsAddr string
	Auth        bool

	// Logging
	LogLevel  string
	LogFormat string

	// Files
	AllowedRoots       []string
	Workspace          string
	Picker             string // "prompt" or "fixed"
	TreeIgnore         []string
	TreeMaxDepth       int
	DefaultContentPath string
	Watch              bool

	// Terminals
	Shell string
}

// Client holds the presentation process configuration.
type Client struct {
	SocketPath  string
	TokenFile   string
	Scheme      string
	CallTimeout time.Duration

	LogLevel  string
	LogFormat string

	CacheMaxEntries int
	CacheMaxBytes   int64
}

// LockPath is the single-instance lock file of the host.
func (h *Host) LockPath() string {
	return filepath.Join(h.RuntimeDir, "hostd.lock")
}

// TokenPath is where the host writes the session token.
func (h *Host) TokenPath() string {
	return filepath.Join(h.RuntimeDir, "session.token")
}

// LoadHost reads the host configuration.
func LoadHost() (*Host, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}

	runtimeDir := src.str("RUNTIME_DIR", defaultRuntimeDir())
	cfg := &Host{
		SocketPath:         src.str("SOCKET", filepath.Join(runtimeDir, "hostd.sock")),
		RuntimeDir:         runtimeDir,
		Scheme:             src.str("SCHEME", "lzy"),
		MetricsAddr:        src.str("METRICS_ADDR", ""),
		Auth:               src.boolean("AUTH", true),
		LogLevel:           src.str("LOG_LEVEL", "info"),
		LogFormat:          src.str("LOG_FORMAT", "console"),
		AllowedRoots:       src.list("ALLOWED_ROOTS"),
		Workspace:          src.str("WORKSPACE", ""),
		Picker:             src.str("PICKER", "prompt"),
		TreeIgnore:         src.listOr("TREE_IGNORE", []string{".git", "node_modules"}),
		TreeMaxDepth:       src.integer("TREE_MAX_DEPTH", 0),
		DefaultContentPath: src.str("DEFAULT_CONTENT_PATH", ""),
		Watch:              src.boolean("WATCH", true),
		Shell:              src.str("SHELL", envOr("SHELL", "/bin/sh")),
	}

	if cfg.Scheme == "" || strings.ContainsAny(cfg.Scheme, ":/") {
		return nil, fmt.Errorf("invalid scheme %q", cfg.Scheme)
	}
	switch cfg.Picker {
	case "prompt":
	case "fixed":
		if cfg.Workspace == "" {
			return nil, fmt.Errorf("LZY_WORKSPACE is required with the fixed picker")
		}
	default:
		return nil, fmt.Errorf("unknown picker %q", cfg.Picker)
	}
	for i, root := range cfg.AllowedRoots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("allowed root %s: %w", root, err)
		}
		cfg.AllowedRoots[i] = abs
	}
	return cfg, nil
}

// LoadClient reads the presentation process configuration.
func LoadClient() (*Client, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}

	runtimeDir := src.str("RUNTIME_DIR", defaultRuntimeDir())
	cfg := &Client{
		SocketPath:      src.str("SOCKET", filepath.Join(runtimeDir, "hostd.sock")),
		TokenFile:       src.str("TOKEN_FILE", filepath.Join(runtimeDir, "session.token")),
		Scheme:          src.str("SCHEME", "lzy"),
		CallTimeout:     src.duration("CALL_TIMEOUT", 30*time.Second),
		LogLevel:        src.str("LOG_LEVEL", "warn"),
		LogFormat:       src.str("LOG_FORMAT", "console"),
		CacheMaxEntries: src.integer("CACHE_MAX_ENTRIES", 256),
		CacheMaxBytes:   src.int64("CACHE_MAX_BYTES", 256<<20),
	}
	if cfg.CacheMaxEntries < 0 || cfg.CacheMaxBytes < 0 {
		return nil, fmt.Errorf("cache limits must not be negative")
	}
	return cfg, nil
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "lzy")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("lzy-%d", os.Getuid()))
}

// source resolves a key from the environment first, then the YAML file.
type source struct {
	file map[string]string
}

func newSource() (*source, error) {
	s := &source{file: map[string]string{}}
	path := os.Getenv(envPrefix + "CONFIG")
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for k, v := range raw {
		key := strings.ToUpper(k)
		switch val := v.(type) {
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			s.file[key] = strings.Join(parts, string(os.PathListSeparator))
		case nil:
		default:
			s.file[key] = fmt.Sprint(val)
		}
	}
	return s, nil
}

func (s *source) lookup(key string) (string, bool) {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v, true
	}
	v, ok := s.file[key]
	return v, ok && v != ""
}

func (s *source) str(key, fallback string) string {
	if v, ok := s.lookup(key); ok {
		return v
	}
	return fallback
}

func (s *source) boolean(key string, fallback bool) bool {
	v, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func (s *source) integer(key string, fallback int) int {
	v, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func (s *source) int64(key string, fallback int64) int64 {
	v, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func (s *source) duration(key string, fallback time.Duration) time.Duration {
	v, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// list splits a path-list separated value.
func (s *source) list(key string) []string {
	return s.listOr(key, nil)
}

func (s *source) listOr(key string, fallback []string) []string {
	v, ok := s.lookup(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, p := range strings.Split(v, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
