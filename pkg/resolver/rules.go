package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aviate-labs/agent-go/principal"

)

// Rule maps a dotted name suffix to a canister. An alias rule names the
// canister directly; a suffix rule takes it from the label just before the
// suffix.
type Rule struct {
	labels     []string
	canisterID principal.Principal
}

// ParseAlias parses "name:canister-id".
func ParseAlias(s string) (Rule, error) {
	name, id, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Rule{}, fmt.Errorf("alias %q: expected name:canister-id", s)
	}
	p, err := decodeID(id)
	if err != nil {
		return Rule{}, fmt.Errorf("alias %q: %w", s, err)
	}
	return Rule{labels: splitLabels(name), canisterID: p}, nil
}

// Suffix builds a suffix rule.
func Suffix(s string) Rule {
	return Rule{labels: splitLabels(s)}
}

func splitLabels(s string) []string {
	s = strings.Trim(strings.ToLower(s), ".")
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// IsAlias reports whether r names its canister.
func (r Rule) IsAlias() bool { return r.canisterID.Raw != nil }

func (r Rule) String() string {
	if r.IsAlias() {
		return strings.Join(r.labels, ".") + ":" + r.canisterID.String()
	}
	return strings.Join(r.labels, ".")
}

// Match tests lowercase labels against r.
func (r Rule) Match(labels []string) (principal.Principal, bool) {
	n := len(r.labels)
	if len(labels) < n || !equalLabels(labels[len(labels)-n:], r.labels) {
		return principal.Principal{}, false
	}
	if r.IsAlias() {
		return r.canisterID, true
	}
	if len(labels) == n {
		return principal.Principal{}, false
	}
	id, err := decodeID(labels[len(labels)-n-1])
	if err != nil {
		return principal.Principal{}, false
	}
	return id, true
}

func equalLabels(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Rules is the ordered rule table. It is read-only once built.
type Rules []Rule

// NewRules builds the table from alias and suffix strings, longest suffix
// first. Rules of equal length keep suffixes ahead of aliases, in the order
// given.
func NewRules(aliases, suffixes []string) (Rules, error) {
	rules := make(Rules, 0, len(aliases)+len(suffixes))
	for _, s := range suffixes {
		rules = append(rules, Suffix(s))
	}
	for _, a := range aliases {
		r, err := ParseAlias(a)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return len(rules[i].labels) > len(rules[j].labels) })
	return rules, nil
}

// Name implements Lookup.
func (Rules) Name() string { return SourceRules }

// Lookup returns the canister of the first matching rule.
func (rs Rules) Lookup(_ context.Context, name string) (principal.Principal, bool) {
	labels := splitLabels(name)
	if len(labels) == 0 {
		return principal.Principal{}, false
	}
	for _, r := range rs {
		if id, ok := r.Match(labels); ok {
			return id, true
		}
	}
	return principal.Principal{}, false
}

// Aliases returns the alias rules in table order.
func (rs Rules) Aliases() []string {
	var out []string
	for _, r := range rs {
		if r.IsAlias() {
			out = append(out, r.String())
		}
	}
	return out
}

// Suffixes returns the suffix rules in table order.
func (rs Rules) Suffixes() []string {
	var out []string
	for _, r := range rs {
		if !r.IsAlias() {
			out = append(out, r.String())
		}
	}
	return out
}
