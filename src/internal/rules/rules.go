// Package rules holds the protected-process rule set consulted before bulk kills.
package rules

import (
	"slices"
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// KnownTools are process-name substrings of editors, IDEs and desktop tools.
// They drive ide-tool classification and seed the default protected set.
var KnownTools = []string{
	"antigravi",
	"cursor",
	"trae",
	"code helper",
	"xcode",
	"electron",
	"google chrome",
	"slack",
	"intellij",
	"idea",
	"pycharm",
	"webstorm",
	"phpstorm",
	"goland",
	"rider",
	"rubymine",
	"datagrip",
	"appcode",
	"clion",
	"android studio",
	"sublime text",
	"atom",
	"nova",
	"bbedit",
	"coteditor",
	"textmate",
	"zed",
	"fleet",
	"windsurf",
}

// Defaults returns a fresh copy of the default protected rules.
func Defaults() []string {
	return slices.Clone(KnownTools)
}

// Normalize case-folds and trims a rule or process name.
func Normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Matches reports whether name contains any of the rules, ignoring case.
func Matches(name string, rules []string) bool {
	folded := Normalize(name)
	for _, r := range rules {
		if r = Normalize(r); r != "" && strings.Contains(folded, r) {
			return true
		}
	}
	return false
}

// Set is a mutable, concurrency-safe protected rule set.
type Set struct {
	mu    sync.RWMutex
	rules []string
}

// NewSet builds a Set. A nil slice seeds the defaults; an empty non-nil slice means no protection.
func NewSet(initial []string) *Set {
	s := &Set{}
	if initial == nil {
		initial = Defaults()
	}
	for _, r := range initial {
		s.add(r)
	}
	return s
}

// Rules returns the rules in insertion order.
func (s *Set) Rules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rules)
}

// Add inserts a rule. It reports false for empty or duplicate rules.
func (s *Set) Add(rule string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(rule)
}

func (s *Set) add(rule string) bool {
	r := Normalize(rule)
	if r == "" || slices.Contains(s.rules, r) {
		return false
	}
	s.rules = append(s.rules, r)
	return true
}

// Remove deletes a rule. It reports false when the rule was absent.
func (s *Set) Remove(rule string) bool {
	r := Normalize(rule)
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.rules, r)
	if i < 0 {
		return false
	}
	s.rules = slices.Delete(s.rules, i, i+1)
	return true
}

// Reset restores the default rules.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = nil
	for _, r := range KnownTools {
		s.add(r)
	}
}

// IsProtected reports whether name matches any rule.
func (s *Set) IsProtected(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Matches(name, s.rules)
}
