package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/cache"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
	"github.com/ekaya-inc/ekaya-router/pkg/retry"
)

// DefaultRuleCacheTTL bounds how stale a resolution may be on instances that
// did not perform the write.
const DefaultRuleCacheTTL = 60 * time.Second

const ruleCachePrefix = "rules:"

// Resolution is the set of commands that may run for one event on one
// entity. Permissions are keyed by command id; a command without an entry
// exists but is not installed on the entity.
type Resolution struct {
	Commands    []*models.Command                       `json:"commands"`
	Permissions map[uuid.UUID]*models.CommandPermission `json:"permissions"`
}

// Permission returns the permission row of cmd, or nil.
func (r *Resolution) Permission(cmd *models.Command) *models.CommandPermission {
	if r == nil || r.Permissions == nil {
		return nil
	}
	return r.Permissions[cmd.ID]
}

// IsEmpty reports whether nothing resolved.
func (r *Resolution) IsEmpty() bool {
	return r == nil || len(r.Commands) == 0
}

// RuleStore is the read-through cache over commands, permissions and
// string-match rules used by the dispatch path.
type RuleStore interface {
	// Resolve returns the installed commands that fire for event's type.
	// Storage failures fail open with an empty resolution.
	Resolve(ctx context.Context, entityID uuid.UUID, event *models.Event) (*Resolution, error)
	// ResolveByName returns the active command invoked by name, together with
	// its permission on the entity if installed.
	ResolveByName(ctx context.Context, entityID uuid.UUID, name string, prefix models.PrefixClass) (*Resolution, error)
	// Installed returns the active version of name installed on the entity,
	// or nil. Trigger type is not considered.
	Installed(ctx context.Context, entityID uuid.UUID, name string) (*models.InstalledCommand, error)
	// ActiveRules returns the string-match rules in scope for the entity.
	ActiveRules(ctx context.Context, entityID uuid.UUID) ([]*models.StringMatchRule, error)
	// RulesVersion increases on every invalidation.
	RulesVersion() uint64

	Invalidate(ctx context.Context, entityID uuid.UUID)
	// InvalidateCommand drops every entity holding a permission on name.
	InvalidateCommand(ctx context.Context, name string)
	InvalidateAll(ctx context.Context)
}

type entitySnapshot struct {
	Active    bool                       `json:"active"`
	Installed []*models.InstalledCommand `json:"installed"`
}

type nameLookup struct {
	Command *models.Command `json:"command,omitempty"`
}

type ruleStore struct {
	entityRepo     repositories.EntityRepository
	commandRepo    repositories.CommandRepository
	permissionRepo repositories.PermissionRepository
	ruleRepo       repositories.RuleRepository
	cache          cache.Cache
	ttl            time.Duration
	retryCfg       *retry.Config
	version        atomic.Uint64
	logger         *zap.Logger
}

var _ RuleStore = (*ruleStore)(nil)

// NewRuleStore creates a RuleStore. A ttl of zero uses DefaultRuleCacheTTL.
func NewRuleStore(
	entityRepo repositories.EntityRepository,
	commandRepo repositories.CommandRepository,
	permissionRepo repositories.PermissionRepository,
	ruleRepo repositories.RuleRepository,
	c cache.Cache,
	ttl time.Duration,
	logger *zap.Logger,
) RuleStore {
	if ttl <= 0 {
		ttl = DefaultRuleCacheTTL
	}
	return &ruleStore{
		entityRepo:     entityRepo,
		commandRepo:    commandRepo,
		permissionRepo: permissionRepo,
		ruleRepo:       ruleRepo,
		cache:          c,
		ttl:            ttl,
		retryCfg:       retry.DefaultConfig(),
		logger:         logger.Named("rule-store"),
	}
}

func entityKey(entityID uuid.UUID) string {
	return ruleCachePrefix + entityID.String()
}

// nameKey holds global name lookups, negative results included.
func nameKey(name string, prefix models.PrefixClass) string {
	return fmt.Sprintf("%scmd:%s:%s", ruleCachePrefix, prefix, name)
}

func (s *ruleStore) Resolve(ctx context.Context, entityID uuid.UUID, event *models.Event) (*Resolution, error) {
	key := entityKey(entityID) + ":" + string(event.MessageType)

	var res Resolution
	if s.cacheGet(ctx, key, &res) {
		return &res, nil
	}

	snap, err := s.snapshot(ctx, entityID)
	if err != nil {
		s.logger.Warn("Rule store unavailable, resolving nothing",
			zap.String("entity_id", entityID.String()),
			zap.String("message_type", string(event.MessageType)),
			zap.Error(err))
		return &Resolution{}, nil
	}

	res = Resolution{Permissions: make(map[uuid.UUID]*models.CommandPermission)}
	if snap.Active {
		for _, ic := range snap.Installed {
			if ic.Command.IsActive && ic.Command.RespondsToEvent(event.MessageType) {
				res.Commands = append(res.Commands, ic.Command)
				res.Permissions[ic.Command.ID] = ic.Permission
			}
		}
	}

	s.cacheSet(ctx, key, &res)
	return &res, nil
}

func (s *ruleStore) ResolveByName(ctx context.Context, entityID uuid.UUID, name string, prefix models.PrefixClass) (*Resolution, error) {
	snap, err := s.snapshot(ctx, entityID)
	if err != nil {
		s.logger.Warn("Rule store unavailable, resolving nothing",
			zap.String("entity_id", entityID.String()),
			zap.String("command", name),
			zap.Error(err))
		return &Resolution{}, nil
	}
	if !snap.Active {
		return &Resolution{}, nil
	}

	for _, ic := range snap.Installed {
		cmd := ic.Command
		if cmd.Name == name && cmd.PrefixClass == prefix && cmd.IsActive && cmd.RespondsToCommand() {
			return &Resolution{
				Commands:    []*models.Command{cmd},
				Permissions: map[uuid.UUID]*models.CommandPermission{cmd.ID: ic.Permission},
			}, nil
		}
	}

	// Not installed here. Look the name up globally so the caller can tell
	// "not permitted" from "unknown".
	key := nameKey(name, prefix)
	var lookup nameLookup
	if !s.cacheGet(ctx, key, &lookup) {
		err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
			cmd, err := s.commandRepo.GetActiveByName(ctx, name, prefix)
			if err != nil {
				return err
			}
			lookup.Command = cmd
			return nil
		})
		if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.Warn("Command lookup failed, resolving nothing",
				zap.String("command", name),
				zap.Error(err))
			return &Resolution{}, nil
		}
		s.cacheSet(ctx, key, &lookup)
	}

	if lookup.Command == nil || !lookup.Command.RespondsToCommand() {
		return &Resolution{}, nil
	}
	return &Resolution{Commands: []*models.Command{lookup.Command}}, nil
}

func (s *ruleStore) Installed(ctx context.Context, entityID uuid.UUID, name string) (*models.InstalledCommand, error) {
	snap, err := s.snapshot(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if !snap.Active {
		return nil, nil
	}
	for _, ic := range snap.Installed {
		if ic.Command.Name == name && ic.Command.IsActive {
			return ic, nil
		}
	}
	return nil, nil
}

func (s *ruleStore) ActiveRules(ctx context.Context, entityID uuid.UUID) ([]*models.StringMatchRule, error) {
	key := entityKey(entityID) + ":match"

	var rules []*models.StringMatchRule
	if s.cacheGet(ctx, key, &rules) {
		return rules, nil
	}

	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		var err error
		rules, err = s.ruleRepo.ListActive(ctx, entityID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load match rules: %w", err)
	}

	s.cacheSet(ctx, key, rules)
	return rules, nil
}

func (s *ruleStore) RulesVersion() uint64 {
	return s.version.Load()
}

func (s *ruleStore) Invalidate(ctx context.Context, entityID uuid.UUID) {
	s.version.Add(1)
	// The trailing ":" variants and the bare snapshot key share this prefix.
	if err := s.cache.DeleteByPrefix(ctx, entityKey(entityID)); err != nil {
		s.logger.Error("Failed to invalidate entity rules",
			zap.String("entity_id", entityID.String()),
			zap.Error(err))
	}
}

func (s *ruleStore) InvalidateCommand(ctx context.Context, name string) {
	entityIDs, err := s.permissionRepo.ListEntityIDsForCommandName(ctx, name)
	if err != nil {
		s.logger.Warn("Failed to list entities for command, invalidating all",
			zap.String("command", name),
			zap.Error(err))
		s.InvalidateAll(ctx)
		return
	}
	for _, id := range entityIDs {
		s.Invalidate(ctx, id)
	}
	s.version.Add(1)
	for _, prefix := range []models.PrefixClass{models.PrefixLocal, models.PrefixCommunity} {
		if err := s.cache.DeleteByPrefix(ctx, nameKey(name, prefix)); err != nil {
			s.logger.Error("Failed to invalidate command lookup",
				zap.String("command", name),
				zap.Error(err))
		}
	}
}

func (s *ruleStore) InvalidateAll(ctx context.Context) {
	s.version.Add(1)
	if err := s.cache.DeleteByPrefix(ctx, ruleCachePrefix); err != nil {
		s.logger.Error("Failed to invalidate rule cache", zap.Error(err))
	}
}

// snapshot returns the entity's active flag and installed commands.
func (s *ruleStore) snapshot(ctx context.Context, entityID uuid.UUID) (*entitySnapshot, error) {
	key := entityKey(entityID)

	var snap entitySnapshot
	if s.cacheGet(ctx, key, &snap) {
		return &snap, nil
	}

	err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
		entity, err := s.entityRepo.Get(ctx, entityID)
		if errors.Is(err, apperrors.ErrNotFound) {
			snap = entitySnapshot{}
			return nil
		}
		if err != nil {
			return err
		}
		snap.Active = entity.IsActive
		if !entity.IsActive {
			snap.Installed = nil
			return nil
		}
		snap.Installed, err = s.commandRepo.ListInstalled(ctx, entityID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load entity rules: %w", err)
	}

	s.cacheSet(ctx, key, &snap)
	return &snap, nil
}

func (s *ruleStore) cacheGet(ctx context.Context, key string, dest any) bool {
	ok, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.logger.Debug("Rule cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (s *ruleStore) cacheSet(ctx context.Context, key string, value any) {
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.logger.Debug("Rule cache write failed", zap.String("key", key), zap.Error(err))
	}
}
