// Package federation decides whether fetched items are retained under the
// configured instance allow/block policy.
package federation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/SleeplessOne1917/lemmy-bot-sub000/internal/lemmy"
)

var (
	ErrBothListsConfigured = errors.New("federation allow list and block list are mutually exclusive")
	ErrNoListConfigured    = errors.New("federation section configured without an allow list or a block list")
)

// InstanceSpec names a remote instance, optionally restricted to specific
// communities on it. In YAML it is either a bare hostname or an object:
//
//	allowed:
//	  - alpha.example
//	  - instance: beta.example
//	    communities: [cats, dogs]
type InstanceSpec struct {
	Instance    string   `yaml:"instance"`
	Communities []string `yaml:"communities"`
}

func (s *InstanceSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s.Instance = strings.TrimSpace(value.Value)
		s.Communities = nil
		return nil
	}
	type plain InstanceSpec
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	p.Instance = strings.TrimSpace(p.Instance)
	*s = InstanceSpec(p)
	return nil
}

// Options is the federation section of the bot config. Exactly one of the
// two lists may be non-empty; a section with both (or neither) is a
// configuration error, never resolved by precedence.
type Options struct {
	Allowed []InstanceSpec `yaml:"allowed"`
	Blocked []InstanceSpec `yaml:"blocked"`
}

// IsZero reports whether no federation policy is configured at all.
func (o Options) IsZero() bool {
	return len(o.Allowed) == 0 && len(o.Blocked) == 0
}

// Validate enforces the exactly-one-list invariant.
func (o Options) Validate() error {
	if len(o.Allowed) > 0 && len(o.Blocked) > 0 {
		return ErrBothListsConfigured
	}
	if o.IsZero() {
		return ErrNoListConfigured
	}
	for _, spec := range append(append([]InstanceSpec{}, o.Allowed...), o.Blocked...) {
		if spec.Instance == "" {
			return fmt.Errorf("federation entry with empty instance")
		}
	}
	return nil
}

// Matcher is one compiled pattern over an item's origin-bearing URI.
type Matcher struct {
	re *regexp.Regexp
}

// NewMatcher compiles a single pattern from a mix of bare-instance entries
// and community-restricted entries.
func NewMatcher(specs []InstanceSpec) (*Matcher, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no instances to match")
	}
	alternatives := make([]string, 0, len(specs))
	for _, spec := range specs {
		host := strings.TrimSpace(spec.Instance)
		if host == "" {
			return nil, fmt.Errorf("federation entry with empty instance")
		}
		hostPattern := regexp.QuoteMeta(host) + `(?::\d+)?`
		if len(spec.Communities) == 0 {
			alternatives = append(alternatives, hostPattern+`(?:/|$)`)
			continue
		}
		names := make([]string, 0, len(spec.Communities))
		for _, name := range spec.Communities {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			names = append(names, regexp.QuoteMeta(name))
		}
		if len(names) == 0 {
			alternatives = append(alternatives, hostPattern+`(?:/|$)`)
			continue
		}
		alternatives = append(alternatives, hostPattern+`/c/(?:`+strings.Join(names, "|")+`)(?:$|[/?#@])`)
	}
	re, err := regexp.Compile(`^https?://(?:` + strings.Join(alternatives, "|") + `)`)
	if err != nil {
		return nil, fmt.Errorf("compile federation matcher: %w", err)
	}
	return &Matcher{re: re}, nil
}

// Match reports whether the URI's origin is covered by the matcher.
func (m *Matcher) Match(actorURI string) bool {
	if m == nil || actorURI == "" {
		return false
	}
	return m.re.MatchString(actorURI)
}

// Policy is the per-runtime compiled form of Options: validated once,
// matchers built once, reused for every entry until the configuration
// changes.
type Policy struct {
	home  string
	allow *Matcher // nil when allow filtering is trivially "everything"
	block *Matcher
}

// NewPolicy validates opts and compiles its matchers. The home instance is
// implicitly part of an allow-list policy. A zero Options yields a policy
// that retains everything.
func NewPolicy(opts Options, home string) (*Policy, error) {
	home = strings.TrimSpace(home)
	p := &Policy{home: home}
	if opts.IsZero() {
		return p, nil
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch {
	case len(opts.Allowed) > 0:
		specs := opts.Allowed
		if home != "" && !containsBareInstance(specs, home) {
			specs = append(append([]InstanceSpec{}, specs...), InstanceSpec{Instance: home})
		}
		if onlyHome(specs, home) {
			// An allow list of just the home instance filters nothing.
			return p, nil
		}
		allow, err := NewMatcher(specs)
		if err != nil {
			return nil, err
		}
		p.allow = allow
	case len(opts.Blocked) > 0:
		block, err := NewMatcher(opts.Blocked)
		if err != nil {
			return nil, err
		}
		p.block = block
	}
	return p, nil
}

// Filter retains the entries permitted under the policy. Allow is applied
// before block; entries without an origin-bearing URI are treated as local
// and retained.
func (p *Policy) Filter(entries []lemmy.Entry) []lemmy.Entry {
	if p == nil || (p.allow == nil && p.block == nil) {
		return entries
	}
	out := make([]lemmy.Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.ActorURI == "" {
			out = append(out, entry)
			continue
		}
		if p.allow != nil && !p.allow.Match(entry.ActorURI) {
			continue
		}
		if p.block != nil && p.block.Match(entry.ActorURI) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func containsBareInstance(specs []InstanceSpec, host string) bool {
	for _, spec := range specs {
		if spec.Instance == host && len(spec.Communities) == 0 {
			return true
		}
	}
	return false
}

func onlyHome(specs []InstanceSpec, home string) bool {
	if home == "" {
		return false
	}
	for _, spec := range specs {
		if spec.Instance != home || len(spec.Communities) > 0 {
			return false
		}
	}
	return true
}
