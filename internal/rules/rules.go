// Package rules holds the per-keyword resolution rules for d6 rolls.
package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKeyword governs any roll whose keyword is unknown.
const DefaultKeyword = "default"

// Rule describes how dice are resolved for one keyword.
type Rule struct {
	AllowKarma        bool `yaml:"allow_karma"`
	AllowConfirm      bool `yaml:"allow_confirm"`
	CriticalThreshold int  `yaml:"critical_threshold"` // minimum face value counted as a critical (2..6)
	OnesAlwaysFail    bool `yaml:"ones_always_fail"`
	AllowBurnOnes     bool `yaml:"allow_burn_ones"`
}

// Table maps keywords to rules. Lookup is case-insensitive.
type Table struct {
	byKeyword map[string]Rule
}

func builtins() map[string]Rule {
	return map[string]Rule{
		"default": {AllowKarma: true, AllowConfirm: true, CriticalThreshold: 6},
		"attack":  {AllowKarma: true, AllowConfirm: true, CriticalThreshold: 6},
		"brutal":  {AllowKarma: true, AllowConfirm: true, CriticalThreshold: 5},
		"magick":  {AllowKarma: true, AllowConfirm: true, CriticalThreshold: 6, OnesAlwaysFail: true, AllowBurnOnes: true},
		"miracle": {AllowConfirm: true, CriticalThreshold: 6, OnesAlwaysFail: true},
	}
}

// Builtin returns the compiled-in table.
func Builtin() *Table {
	return &Table{byKeyword: builtins()}
}

type configFile struct {
	Keywords map[string]Rule `yaml:"keywords"`
}

// Load reads keyword rules from a YAML file and merges them over the builtins.
// An empty path or a missing file yields the builtin table.
func Load(path string) (*Table, error) {
	t := Builtin()
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, err
	}
	var cfg configFile
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("keywords.yaml: %w", err)
	}
	for kw, r := range cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if r.CriticalThreshold < 2 || r.CriticalThreshold > 6 {
			return nil, fmt.Errorf("keywords.yaml: keyword %q: critical_threshold %d out of range 2..6", kw, r.CriticalThreshold)
		}
		t.byKeyword[kw] = r
	}
	return t, nil
}

// Resolve returns the rule for the given keyword, falling back to the default
// rule when the keyword is unknown or empty.
func (t *Table) Resolve(keyword string) Rule {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if r, ok := t.byKeyword[kw]; ok {
		return r
	}
	return t.byKeyword[DefaultKeyword]
}

// Known reports whether the keyword has an explicit rule.
func (t *Table) Known(keyword string) bool {
	_, ok := t.byKeyword[strings.ToLower(strings.TrimSpace(keyword))]
	return ok
}

// Keywords lists all keywords with explicit rules, sorted.
func (t *Table) Keywords() []string {
	out := make([]string, 0, len(t.byKeyword))
	for kw := range t.byKeyword {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}
