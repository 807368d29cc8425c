package matcher

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// predicate reports whether content matches. An error means the rule could
// not be evaluated (regex timeout) and is treated as no match.
type predicate func(content string) (bool, error)

// regexCache shares compiled patterns across entities and rebuilds.
type regexCache struct {
	mu      sync.Mutex
	entries map[string]*regexp2.Regexp
	timeout time.Duration
}

func newRegexCache(timeout time.Duration) *regexCache {
	return &regexCache{entries: make(map[string]*regexp2.Regexp), timeout: timeout}
}

func (c *regexCache) get(pattern string, caseSensitive bool) (*regexp2.Regexp, error) {
	opts := regexp2.RegexOptions(regexp2.None)
	if !caseSensitive {
		opts |= regexp2.IgnoreCase
	}
	key := fmt.Sprintf("%d/%s", opts, pattern)

	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.entries[key]; ok {
		return re, nil
	}

	re, err := regexp2.Compile(pattern, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern %q: %w", pattern, err)
	}
	re.MatchTimeout = c.timeout
	c.entries[key] = re
	return re, nil
}

func (c *regexCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ValidateRule reports whether rule can be compiled and carries the
// parameters its action needs.
func ValidateRule(rule *models.StringMatchRule) error {
	if !rule.MatchType.IsValid() {
		return fmt.Errorf("unsupported match type %q", rule.MatchType)
	}
	if !rule.Action.IsValid() {
		return fmt.Errorf("unsupported action %q", rule.Action)
	}
	if _, err := compileRule(rule, newRegexCache(time.Second)); err != nil {
		return err
	}

	action := Action{Type: rule.Action, Params: rule.ActionParams}
	switch rule.Action {
	case models.RuleActionCommand:
		if action.CommandName() == "" {
			return fmt.Errorf("command action requires action_params.command")
		}
	case models.RuleActionWebhook:
		if action.WebhookTarget() == "" {
			return fmt.Errorf("webhook action requires action_params.target")
		}
	}
	return nil
}

// compileRule builds the predicate for one rule.
func compileRule(rule *models.StringMatchRule, regexes *regexCache) (predicate, error) {
	fold := func(s string) string { return s }
	if !rule.CaseSensitive {
		fold = strings.ToLower
	}
	pattern := fold(rule.Pattern)

	switch rule.MatchType {
	case models.MatchAny:
		return func(string) (bool, error) { return true, nil }, nil

	case models.MatchExact:
		return func(content string) (bool, error) {
			return fold(strings.TrimSpace(content)) == pattern, nil
		}, nil

	case models.MatchContains:
		if pattern == "" {
			return nil, fmt.Errorf("contains rule %s has an empty pattern", rule.ID)
		}
		return func(content string) (bool, error) {
			return strings.Contains(fold(content), pattern), nil
		}, nil

	case models.MatchWord:
		if pattern == "" {
			return nil, fmt.Errorf("word rule %s has an empty pattern", rule.ID)
		}
		return func(content string) (bool, error) {
			return containsWord(fold(content), pattern), nil
		}, nil

	case models.MatchRegex:
		re, err := regexes.get(rule.Pattern, rule.CaseSensitive)
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}

	return nil, fmt.Errorf("rule %s has unsupported match type %q", rule.ID, rule.MatchType)
}

// containsWord reports whether word occurs in s delimited by non-word
// characters or the ends of s.
func containsWord(s, word string) bool {
	for offset := 0; offset <= len(s)-len(word); {
		i := strings.Index(s[offset:], word)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(word)

		if isBoundaryBefore(s, start) && isBoundaryAfter(s, end) {
			return true
		}

		_, size := utf8.DecodeRuneInString(s[start:])
		offset = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isBoundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func isBoundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}
