package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/matcher"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
)

// RuleAdminService manages commands, permissions, string-match rules and
// entity activation. Every write invalidates the affected Rule Store entries.
type RuleAdminService interface {
	CreateCommand(ctx context.Context, cmd *models.Command) (*models.Command, error)
	GetCommand(ctx context.Context, id uuid.UUID) (*models.Command, error)
	ListCommands(ctx context.Context, activeOnly bool) ([]*models.Command, error)
	ListCommandVersions(ctx context.Context, name string) ([]*models.Command, error)
	UpdateCommand(ctx context.Context, cmd *models.Command) (*models.Command, error)
	// ActivateCommand makes id the single active version of its name.
	ActivateCommand(ctx context.Context, id uuid.UUID) (*models.Command, error)
	DeactivateCommand(ctx context.Context, id uuid.UUID) error
	DeleteCommand(ctx context.Context, id uuid.UUID) error

	InstallCommand(ctx context.Context, perm *models.CommandPermission) (*models.CommandPermission, error)
	UninstallCommand(ctx context.Context, commandID, entityID uuid.UUID) error
	UpdatePermission(ctx context.Context, perm *models.CommandPermission) (*models.CommandPermission, error)
	ListPermissions(ctx context.Context, entityID uuid.UUID) ([]*models.CommandPermission, error)

	CreateRule(ctx context.Context, rule *models.StringMatchRule) (*models.StringMatchRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*models.StringMatchRule, error)
	ListRules(ctx context.Context) ([]*models.StringMatchRule, error)
	UpdateRule(ctx context.Context, rule *models.StringMatchRule) (*models.StringMatchRule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) error

	SetEntityActive(ctx context.Context, entityID uuid.UUID, active bool) (*models.Entity, error)

	// Import loads a YAML bundle of commands and rules in one transaction.
	Import(ctx context.Context, r io.Reader) (*ImportResult, error)
}

// ImportResult lists what an import created.
type ImportResult struct {
	Commands []*models.Command         `json:"commands"`
	Rules    []*models.StringMatchRule `json:"rules"`
}

// importBundle is the YAML document accepted by Import.
type importBundle struct {
	Commands []importCommand `yaml:"commands"`
	Rules    []importRule    `yaml:"rules"`
}

type importCommand struct {
	Name              string               `yaml:"name"`
	PrefixClass       models.PrefixClass   `yaml:"prefix_class"`
	BackendType       models.BackendType   `yaml:"backend_type"`
	Location          string               `yaml:"location"`
	TimeoutMs         int                  `yaml:"timeout_ms"`
	RateLimit         int                  `yaml:"rate_limit"`
	RateWindowSeconds int                  `yaml:"rate_window_seconds"`
	TriggerType       models.TriggerType   `yaml:"trigger_type"`
	EventTypes        []models.MessageType `yaml:"event_types"`
	Priority          int                  `yaml:"priority"`
	ExecutionMode     models.ExecutionMode `yaml:"execution_mode"`
	Activate          bool                 `yaml:"activate"`
}

type importRule struct {
	Pattern       string            `yaml:"pattern"`
	MatchType     models.MatchType  `yaml:"match_type"`
	CaseSensitive bool              `yaml:"case_sensitive"`
	EntityIDs     []uuid.UUID       `yaml:"entity_ids"`
	Action        models.RuleAction `yaml:"action"`
	ActionParams  map[string]any    `yaml:"action_params"`
	Additive      bool              `yaml:"additive"`
	Priority      int               `yaml:"priority"`
	Inactive      bool              `yaml:"inactive"`
}

func (c importCommand) command() *models.Command {
	return &models.Command{
		Name:              c.Name,
		PrefixClass:       c.PrefixClass,
		BackendType:       c.BackendType,
		Location:          c.Location,
		TimeoutMs:         c.TimeoutMs,
		RateLimit:         c.RateLimit,
		RateWindowSeconds: c.RateWindowSeconds,
		TriggerType:       c.TriggerType,
		EventTypes:        c.EventTypes,
		Priority:          c.Priority,
		ExecutionMode:     c.ExecutionMode,
	}
}

func (r importRule) rule() *models.StringMatchRule {
	return &models.StringMatchRule{
		Pattern:       r.Pattern,
		MatchType:     r.MatchType,
		CaseSensitive: r.CaseSensitive,
		EntityIDs:     r.EntityIDs,
		Action:        r.Action,
		ActionParams:  r.ActionParams,
		Additive:      r.Additive,
		Priority:      r.Priority,
		IsActive:      !r.Inactive,
	}
}

type ruleAdminService struct {
	tx             TxRunner
	entityRepo     repositories.EntityRepository
	commandRepo    repositories.CommandRepository
	permissionRepo repositories.PermissionRepository
	ruleRepo       repositories.RuleRepository
	store          RuleStore
	logger         *zap.Logger
}

var _ RuleAdminService = (*ruleAdminService)(nil)

// NewRuleAdminService creates a RuleAdminService.
func NewRuleAdminService(
	tx TxRunner,
	entityRepo repositories.EntityRepository,
	commandRepo repositories.CommandRepository,
	permissionRepo repositories.PermissionRepository,
	ruleRepo repositories.RuleRepository,
	store RuleStore,
	logger *zap.Logger,
) RuleAdminService {
	return &ruleAdminService{
		tx:             tx,
		entityRepo:     entityRepo,
		commandRepo:    commandRepo,
		permissionRepo: permissionRepo,
		ruleRepo:       ruleRepo,
		store:          store,
		logger:         logger.Named("rule-admin"),
	}
}

// applyCommandDefaults fills optional fields left empty by the caller.
func applyCommandDefaults(cmd *models.Command) {
	if cmd.PrefixClass == "" {
		cmd.PrefixClass = models.PrefixLocal
	}
	if cmd.TriggerType == "" {
		cmd.TriggerType = models.TriggerCommand
	}
	if cmd.ExecutionMode == "" {
		cmd.ExecutionMode = models.ExecutionSequential
	}
}

func validateCommand(cmd *models.Command) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidInput, fmt.Sprintf(format, args...))
	}

	if cmd.Name == "" || strings.ContainsAny(cmd.Name, " \t\r\n") {
		return invalid("command name must be a single non-empty word")
	}
	if cmd.PrefixClass != models.PrefixLocal && cmd.PrefixClass != models.PrefixCommunity {
		return invalid("unsupported prefix class %q", cmd.PrefixClass)
	}
	if !cmd.BackendType.IsValid() {
		return invalid("unsupported backend type %q", cmd.BackendType)
	}
	if strings.TrimSpace(cmd.Location) == "" {
		return invalid("location is required")
	}
	if cmd.TimeoutMs < 0 {
		return invalid("timeout_ms must not be negative")
	}
	if cmd.RateLimit < 0 || cmd.RateWindowSeconds < 0 {
		return invalid("rate limit values must not be negative")
	}
	if cmd.RateLimit > 0 && cmd.RateWindowSeconds == 0 {
		return invalid("rate_limit requires rate_window_seconds")
	}
	switch cmd.TriggerType {
	case models.TriggerCommand, models.TriggerEvent, models.TriggerBoth:
	default:
		return invalid("unsupported trigger type %q", cmd.TriggerType)
	}
	for _, t := range cmd.EventTypes {
		if !t.IsKnown() {
			return invalid("unknown event type %q", t)
		}
	}
	switch cmd.ExecutionMode {
	case models.ExecutionSequential, models.ExecutionParallel:
	default:
		return invalid("unsupported execution mode %q", cmd.ExecutionMode)
	}
	return nil
}

func validateRule(rule *models.StringMatchRule) error {
	if err := matcher.ValidateRule(rule); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidInput, err)
	}
	return nil
}

func (s *ruleAdminService) CreateCommand(ctx context.Context, cmd *models.Command) (*models.Command, error) {
	applyCommandDefaults(cmd)
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	if err := s.commandRepo.Create(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to create command: %w", err)
	}

	s.logger.Info("Created command",
		zap.String("command", cmd.Name),
		zap.Int("version", cmd.Version),
		zap.String("command_id", cmd.ID.String()))
	return cmd, nil
}

func (s *ruleAdminService) GetCommand(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	return s.commandRepo.Get(ctx, id)
}

func (s *ruleAdminService) ListCommands(ctx context.Context, activeOnly bool) ([]*models.Command, error) {
	return s.commandRepo.List(ctx, activeOnly)
}

func (s *ruleAdminService) ListCommandVersions(ctx context.Context, name string) ([]*models.Command, error) {
	return s.commandRepo.ListVersions(ctx, name)
}

func (s *ruleAdminService) UpdateCommand(ctx context.Context, cmd *models.Command) (*models.Command, error) {
	existing, err := s.commandRepo.Get(ctx, cmd.ID)
	if err != nil {
		return nil, err
	}

	// Name and version identify the row and cannot change.
	cmd.Name = existing.Name
	cmd.Version = existing.Version
	cmd.IsActive = existing.IsActive
	applyCommandDefaults(cmd)
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}

	if err := s.commandRepo.Update(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to update command: %w", err)
	}
	s.store.InvalidateCommand(ctx, cmd.Name)
	return cmd, nil
}

func (s *ruleAdminService) ActivateCommand(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	cmd, err := s.commandRepo.Activate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store.InvalidateCommand(ctx, cmd.Name)

	s.logger.Info("Activated command version",
		zap.String("command", cmd.Name),
		zap.Int("version", cmd.Version))
	return cmd, nil
}

func (s *ruleAdminService) DeactivateCommand(ctx context.Context, id uuid.UUID) error {
	cmd, err := s.commandRepo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.commandRepo.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("failed to deactivate command: %w", err)
	}
	s.store.InvalidateCommand(ctx, cmd.Name)
	return nil
}

func (s *ruleAdminService) DeleteCommand(ctx context.Context, id uuid.UUID) error {
	cmd, err := s.commandRepo.Get(ctx, id)
	if err != nil {
		return err
	}
	// Entities must be collected before the permission rows cascade away.
	entityIDs, listErr := s.permissionRepo.ListEntityIDsForCommandName(ctx, cmd.Name)

	if err := s.commandRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete command: %w", err)
	}

	if listErr != nil {
		s.store.InvalidateAll(ctx)
	} else {
		for _, entityID := range entityIDs {
			s.store.Invalidate(ctx, entityID)
		}
		s.store.InvalidateCommand(ctx, cmd.Name)
	}

	s.logger.Info("Deleted command",
		zap.String("command", cmd.Name),
		zap.Int("version", cmd.Version))
	return nil
}

func (s *ruleAdminService) InstallCommand(ctx context.Context, perm *models.CommandPermission) (*models.CommandPermission, error) {
	if _, err := s.commandRepo.Get(ctx, perm.CommandID); err != nil {
		return nil, err
	}
	if _, err := s.entityRepo.Get(ctx, perm.EntityID); err != nil {
		return nil, err
	}

	if err := s.permissionRepo.Install(ctx, perm); err != nil {
		return nil, fmt.Errorf("failed to install command: %w", err)
	}
	s.store.Invalidate(ctx, perm.EntityID)
	return perm, nil
}

func (s *ruleAdminService) UninstallCommand(ctx context.Context, commandID, entityID uuid.UUID) error {
	if err := s.permissionRepo.Uninstall(ctx, commandID, entityID); err != nil {
		return err
	}
	s.store.Invalidate(ctx, entityID)
	return nil
}

func (s *ruleAdminService) UpdatePermission(ctx context.Context, perm *models.CommandPermission) (*models.CommandPermission, error) {
	if err := s.permissionRepo.Update(ctx, perm); err != nil {
		return nil, err
	}
	s.store.Invalidate(ctx, perm.EntityID)
	return perm, nil
}

func (s *ruleAdminService) ListPermissions(ctx context.Context, entityID uuid.UUID) ([]*models.CommandPermission, error) {
	return s.permissionRepo.ListByEntity(ctx, entityID)
}

func (s *ruleAdminService) CreateRule(ctx context.Context, rule *models.StringMatchRule) (*models.StringMatchRule, error) {
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	if err := s.ruleRepo.Create(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.invalidateRuleScope(ctx, rule.EntityIDs)
	return rule, nil
}

func (s *ruleAdminService) GetRule(ctx context.Context, id uuid.UUID) (*models.StringMatchRule, error) {
	return s.ruleRepo.Get(ctx, id)
}

func (s *ruleAdminService) ListRules(ctx context.Context) ([]*models.StringMatchRule, error) {
	return s.ruleRepo.List(ctx)
}

func (s *ruleAdminService) UpdateRule(ctx context.Context, rule *models.StringMatchRule) (*models.StringMatchRule, error) {
	existing, err := s.ruleRepo.Get(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	if err := validateRule(rule); err != nil {
		return nil, err
	}
	if err := s.ruleRepo.Update(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}

	// A rule moving between scopes must leave both.
	if existing.IsGlobal() || rule.IsGlobal() {
		s.store.InvalidateAll(ctx)
		return rule, nil
	}
	s.invalidateRuleScope(ctx, append(existing.EntityIDs, rule.EntityIDs...))
	return rule, nil
}

func (s *ruleAdminService) DeleteRule(ctx context.Context, id uuid.UUID) error {
	existing, err := s.ruleRepo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.ruleRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	s.invalidateRuleScope(ctx, existing.EntityIDs)
	return nil
}

// invalidateRuleScope drops cached rule sets for the given entities, or for
// every entity when the scope is global.
func (s *ruleAdminService) invalidateRuleScope(ctx context.Context, entityIDs []uuid.UUID) {
	if len(entityIDs) == 0 {
		s.store.InvalidateAll(ctx)
		return
	}
	seen := make(map[uuid.UUID]bool, len(entityIDs))
	for _, id := range entityIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		s.store.Invalidate(ctx, id)
	}
}

func (s *ruleAdminService) SetEntityActive(ctx context.Context, entityID uuid.UUID, active bool) (*models.Entity, error) {
	entity, err := s.entityRepo.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	entity.IsActive = active
	if err := s.entityRepo.Update(ctx, entity); err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}
	s.store.Invalidate(ctx, entityID)

	s.logger.Info("Changed entity activation",
		zap.String("entity_id", entityID.String()),
		zap.Bool("active", active))
	return entity, nil
}

func (s *ruleAdminService) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read import bundle: %w", err)
	}

	var bundle importBundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&bundle); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: invalid import bundle: %v", apperrors.ErrInvalidInput, err)
	}

	commands := make([]*models.Command, len(bundle.Commands))
	for i, c := range bundle.Commands {
		cmd := c.command()
		applyCommandDefaults(cmd)
		if err := validateCommand(cmd); err != nil {
			return nil, fmt.Errorf("command %d (%s): %w", i, c.Name, err)
		}
		commands[i] = cmd
	}
	rules := make([]*models.StringMatchRule, len(bundle.Rules))
	for i, ir := range bundle.Rules {
		rule := ir.rule()
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules[i] = rule
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		for i, cmd := range commands {
			if err := s.commandRepo.Create(ctx, cmd); err != nil {
				return fmt.Errorf("failed to import command %s: %w", cmd.Name, err)
			}
			if !bundle.Commands[i].Activate {
				continue
			}
			activated, err := s.commandRepo.Activate(ctx, cmd.ID)
			if err != nil {
				return fmt.Errorf("failed to activate command %s: %w", cmd.Name, err)
			}
			commands[i] = activated
		}
		for _, rule := range rules {
			if err := s.ruleRepo.Create(ctx, rule); err != nil {
				return fmt.Errorf("failed to import rule %q: %w", rule.Pattern, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.store.InvalidateAll(ctx)

	s.logger.Info("Imported rule bundle",
		zap.Int("commands", len(commands)),
		zap.Int("rules", len(rules)))
	return &ImportResult{Commands: commands, Rules: rules}, nil
}
