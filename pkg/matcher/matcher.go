// Package matcher evaluates content-pattern rules against chat messages.
//
// Rules are compiled once per entity into an ordered RuleSet (priority
// ascending, ties by rule id). Evaluation stops at the first matching
// non-additive rule; additive rules contribute their action and let
// evaluation continue.
package matcher

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// RuleSource supplies the active rules for an entity, global rules included.
// RulesVersion changes whenever any rule is written, so compiled sets built
// under an older version are stale.
type RuleSource interface {
	ActiveRules(ctx context.Context, entityID uuid.UUID) ([]*models.StringMatchRule, error)
	RulesVersion() uint64
}

// StatsRecorder persists match counters.
type StatsRecorder interface {
	RecordMatches(ctx context.Context, ruleIDs []uuid.UUID, matchedAt time.Time) error
}

// Options configures a Matcher.
type Options struct {
	// RegexTimeout bounds a single regex evaluation.
	RegexTimeout time.Duration
	// MessageBudget bounds the evaluation of one message across all rules.
	// Rules left when it runs out are treated as no match. Defaults to
	// twice RegexTimeout.
	MessageBudget time.Duration
	// MaxSetAge forces a rebuild of compiled sets after this long so that
	// writes made on other instances are picked up.
	MaxSetAge time.Duration
	// StatsBuffer is the number of pending stat batches kept before new ones are dropped.
	StatsBuffer int
}

type compiledRule struct {
	rule  *models.StringMatchRule
	match predicate
}

// RuleSet is an immutable, ordered set of compiled rules.
type RuleSet struct {
	rules    []compiledRule
	version  uint64
	builtAt  time.Time
	entityID uuid.UUID
}

// Len returns the number of compiled rules.
func (s *RuleSet) Len() int { return len(s.rules) }

// Matcher caches compiled RuleSets per entity.
type Matcher struct {
	source  RuleSource
	stats   StatsRecorder
	opts    Options
	logger  *zap.Logger
	regexes *regexCache
	now     func() time.Time

	mu   sync.RWMutex
	sets map[uuid.UUID]*RuleSet

	statsCh chan statBatch
}

type statBatch struct {
	ruleIDs   []uuid.UUID
	matchedAt time.Time
}

// New creates a Matcher. stats may be nil to disable match counters.
func New(source RuleSource, stats StatsRecorder, opts Options, logger *zap.Logger) *Matcher {
	if opts.RegexTimeout <= 0 {
		opts.RegexTimeout = 50 * time.Millisecond
	}
	if opts.MessageBudget <= 0 {
		opts.MessageBudget = 2 * opts.RegexTimeout
	}
	if opts.MaxSetAge <= 0 {
		opts.MaxSetAge = time.Minute
	}
	if opts.StatsBuffer <= 0 {
		opts.StatsBuffer = 1024
	}

	return &Matcher{
		source:  source,
		stats:   stats,
		opts:    opts,
		logger:  logger.Named("matcher"),
		regexes: newRegexCache(opts.RegexTimeout),
		now:     time.Now,
		sets:    make(map[uuid.UUID]*RuleSet),
		statsCh: make(chan statBatch, opts.StatsBuffer),
	}
}

// Compile orders rules and builds their predicates. Rules that fail to
// compile are skipped and logged.
func (m *Matcher) Compile(entityID uuid.UUID, rules []*models.StringMatchRule, version uint64) *RuleSet {
	ordered := make([]*models.StringMatchRule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive && r.AppliesTo(entityID) {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return bytes.Compare(ordered[i].ID[:], ordered[j].ID[:]) < 0
	})

	set := &RuleSet{
		rules:    make([]compiledRule, 0, len(ordered)),
		version:  version,
		builtAt:  m.now(),
		entityID: entityID,
	}
	for _, r := range ordered {
		p, err := compileRule(r, m.regexes)
		if err != nil {
			m.logger.Warn("Skipping rule that failed to compile",
				zap.String("rule_id", r.ID.String()),
				zap.String("match_type", string(r.MatchType)),
				zap.Error(err))
			continue
		}
		set.rules = append(set.rules, compiledRule{rule: r, match: p})
	}
	return set
}

// Evaluate runs content through set and returns the collected actions.
// Evaluation stops once the message budget is spent; a rule already running
// at that point may overrun it by up to RegexTimeout.
func (m *Matcher) Evaluate(set *RuleSet, content string) []Action {
	var actions []Action
	deadline := m.now().Add(m.opts.MessageBudget)
	for i, cr := range set.rules {
		if !m.now().Before(deadline) {
			m.logger.Warn("Message evaluation budget spent, skipping remaining rules",
				zap.String("entity_id", set.entityID.String()),
				zap.Duration("budget", m.opts.MessageBudget),
				zap.Int("skipped", len(set.rules)-i))
			break
		}

		ok, err := cr.match(content)
		if err != nil {
			m.logger.Warn("Rule evaluation timed out, treating as no match",
				zap.String("rule_id", cr.rule.ID.String()),
				zap.String("entity_id", set.entityID.String()),
				zap.Duration("timeout", m.opts.RegexTimeout),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		actions = append(actions, Action{
			RuleID:   cr.rule.ID,
			Type:     cr.rule.Action,
			Params:   cr.rule.ActionParams,
			Priority: cr.rule.Priority,
			Additive: cr.rule.Additive,
		})
		if !cr.rule.Additive {
			break
		}
	}
	return actions
}

// Match evaluates content for entityID, compiling the entity's rules on
// first use or when they are stale.
func (m *Matcher) Match(ctx context.Context, entityID uuid.UUID, content string) ([]Action, error) {
	set, err := m.ruleSet(ctx, entityID)
	if err != nil {
		return nil, err
	}

	actions := m.Evaluate(set, content)
	if len(actions) > 0 {
		m.enqueueStats(actions)
	}
	return actions, nil
}

func (m *Matcher) ruleSet(ctx context.Context, entityID uuid.UUID) (*RuleSet, error) {
	version := m.source.RulesVersion()

	m.mu.RLock()
	set, ok := m.sets[entityID]
	m.mu.RUnlock()

	if ok && set.version == version && m.now().Sub(set.builtAt) < m.opts.MaxSetAge {
		return set, nil
	}

	rules, err := m.source.ActiveRules(ctx, entityID)
	if err != nil {
		return nil, err
	}
	set = m.Compile(entityID, rules, version)

	m.mu.Lock()
	m.sets[entityID] = set
	m.mu.Unlock()

	return set, nil
}

// Sweep drops compiled sets older than MaxSetAge and returns how many were
// removed. Entities that stop sending messages would otherwise keep their
// sets forever.
func (m *Matcher) Sweep() int {
	cutoff := m.now().Add(-m.opts.MaxSetAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, set := range m.sets {
		if !set.builtAt.After(cutoff) {
			delete(m.sets, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Matcher) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.opts.MaxSetAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug("Evicted stale rule sets", zap.Int("count", n))
			}
		}
	}
}

// Invalidate drops the compiled set for entityID.
func (m *Matcher) Invalidate(entityID uuid.UUID) {
	m.mu.Lock()
	delete(m.sets, entityID)
	m.mu.Unlock()
}

func (m *Matcher) enqueueStats(actions []Action) {
	if m.stats == nil {
		return
	}
	ids := make([]uuid.UUID, len(actions))
	for i, a := range actions {
		ids[i] = a.RuleID
	}

	select {
	case m.statsCh <- statBatch{ruleIDs: ids, matchedAt: m.now()}:
	default:
		m.logger.Debug("Match stats buffer full, dropping batch", zap.Int("rules", len(ids)))
	}
}

// RunStatsWriter persists queued match counters until ctx is done.
// Failures are logged and dropped.
func (m *Matcher) RunStatsWriter(ctx context.Context) {
	if m.stats == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-m.statsCh:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := m.stats.RecordMatches(writeCtx, batch.ruleIDs, batch.matchedAt); err != nil {
				m.logger.Warn("Failed to record rule match stats",
					zap.Int("rules", len(batch.ruleIDs)),
					zap.Error(err))
			}
			cancel()
		}
	}
}
