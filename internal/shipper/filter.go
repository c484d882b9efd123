package shipper

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"logmesh/internal/event"
)

// DropPattern names a noise pattern. The reason is carried for auditability
// and has no runtime effect.
type DropPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// FilterConfig is the YAML filter rule file.
type FilterConfig struct {
	Enabled            bool          `yaml:"enabled"`
	AlwaysKeepLevels   []string      `yaml:"always_keep_levels"`
	AlwaysKeepServices []string      `yaml:"always_keep_services"`
	DropPatterns       []DropPattern `yaml:"drop_patterns"`
}

// Filter applies drop rules to events before they are buffered. Keep rules
// win over drop rules: protected levels and services are never dropped.
type Filter struct {
	enabled      bool
	keepLevels   map[string]bool
	keepServices map[string]bool
	patterns     []compiledPattern

	mu      sync.Mutex
	seen    int64
	dropped map[string]int64
}

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// LoadFilter reads and compiles a YAML filter file. An empty path yields a
// disabled filter.
func LoadFilter(path string) (*Filter, error) {
	if path == "" {
		return NewFilter(FilterConfig{}), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter config: %w", err)
	}
	var cfg FilterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse filter config: %w", err)
	}
	return CompileFilter(cfg)
}

// CompileFilter builds a filter from parsed config, validating every regex.
func CompileFilter(cfg FilterConfig) (*Filter, error) {
	f := NewFilter(cfg)
	for _, p := range cfg.DropPatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("drop pattern %q: %w", p.Name, err)
		}
		f.patterns = append(f.patterns, compiledPattern{name: p.Name, re: re})
	}
	return f, nil
}

// NewFilter builds a filter without drop patterns.
func NewFilter(cfg FilterConfig) *Filter {
	f := &Filter{
		enabled:      cfg.Enabled,
		keepLevels:   make(map[string]bool, len(cfg.AlwaysKeepLevels)),
		keepServices: make(map[string]bool, len(cfg.AlwaysKeepServices)),
		dropped:      make(map[string]int64),
	}
	for _, l := range cfg.AlwaysKeepLevels {
		f.keepLevels[l] = true
	}
	for _, s := range cfg.AlwaysKeepServices {
		f.keepServices[s] = true
	}
	return f
}

// Keep reports whether the event should be forwarded, and the drop pattern
// name when it should not.
func (f *Filter) Keep(ev event.Event) (bool, string) {
	f.mu.Lock()
	f.seen++
	f.mu.Unlock()

	if !f.enabled {
		return true, ""
	}
	if f.keepLevels[string(ev.Level)] {
		return true, ""
	}
	if f.keepServices[ev.Service] {
		return true, ""
	}
	for _, p := range f.patterns {
		if p.re.MatchString(ev.Message) {
			f.mu.Lock()
			f.dropped[p.name]++
			f.mu.Unlock()
			return false, p.name
		}
	}
	return true, ""
}

// Stats returns total seen and total dropped counts.
func (f *Filter) Stats() (seen, dropped int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.dropped {
		dropped += n
	}
	return f.seen, dropped
}
