package services

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
)

// mockRouterData is the shared in-memory backing for the repository mocks,
// so joins such as ListInstalled see the same rows the other mocks wrote.
type mockRouterData struct {
	mu          sync.Mutex
	entities    map[uuid.UUID]*models.Entity
	commands    map[uuid.UUID]*models.Command
	permissions map[uuid.UUID]*models.CommandPermission
	rules       map[uuid.UUID]*models.StringMatchRule
	executions  map[uuid.UUID]*models.CommandExecution
	sessions    map[uuid.UUID]*models.Session
	responses   map[uuid.UUID]*models.ModuleResponse
	claims      map[uuid.UUID]*models.CoordinationClaim

	// failReads makes every read return this error.
	failReads error
	reads     int
	usage     map[uuid.UUID]int64
	matches   []uuid.UUID
}

func newMockRouterData() *mockRouterData {
	return &mockRouterData{
		entities:    make(map[uuid.UUID]*models.Entity),
		commands:    make(map[uuid.UUID]*models.Command),
		permissions: make(map[uuid.UUID]*models.CommandPermission),
		rules:       make(map[uuid.UUID]*models.StringMatchRule),
		executions:  make(map[uuid.UUID]*models.CommandExecution),
		sessions:    make(map[uuid.UUID]*models.Session),
		responses:   make(map[uuid.UUID]*models.ModuleResponse),
		claims:      make(map[uuid.UUID]*models.CoordinationClaim),
		usage:       make(map[uuid.UUID]int64),
	}
}

func (d *mockRouterData) read() error {
	d.reads++
	return d.failReads
}

func (d *mockRouterData) addEntity(active bool) *models.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := &models.Entity{
		ID:        uuid.New(),
		Platform:  "twitch",
		ServerID:  "srv-" + uuid.NewString()[:8],
		ChannelID: "chan",
		IsActive:  active,
		CreatedAt: time.Now(),
	}
	d.entities[e.ID] = e
	return e
}

func (d *mockRouterData) addCommand(cmd *models.Command) *models.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	if cmd.PrefixClass == "" {
		cmd.PrefixClass = models.PrefixLocal
	}
	if cmd.TriggerType == "" {
		cmd.TriggerType = models.TriggerCommand
	}
	if cmd.BackendType == "" {
		cmd.BackendType = models.BackendContainer
	}
	if cmd.ExecutionMode == "" {
		cmd.ExecutionMode = models.ExecutionSequential
	}
	if cmd.Location == "" {
		cmd.Location = "/modules/" + cmd.Name
	}
	if cmd.Version == 0 {
		cmd.Version = 1
	}
	d.commands[cmd.ID] = cmd
	return cmd
}

func (d *mockRouterData) install(cmd *models.Command, entity *models.Entity, enabled bool) *models.CommandPermission {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := &models.CommandPermission{
		ID:        uuid.New(),
		CommandID: cmd.ID,
		EntityID:  entity.ID,
		IsEnabled: enabled,
	}
	d.permissions[p.ID] = p
	return p
}

func (d *mockRouterData) addRule(rule *models.StringMatchRule) *models.StringMatchRule {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.MatchType == "" {
		rule.MatchType = models.MatchContains
	}
	rule.IsActive = true
	d.rules[rule.ID] = rule
	return rule
}

func (d *mockRouterData) executionsFor(sessionID uuid.UUID) []*models.CommandExecution {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*models.CommandExecution
	for _, e := range d.executions {
		if e.SessionID == sessionID {
			c := *e
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *models.CommandExecution) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

func (d *mockRouterData) execution(id uuid.UUID) *models.CommandExecution {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.executions[id]; ok {
		c := *e
		return &c
	}
	return nil
}

// ---------------------------------------------------------------------------

type mockEntityRepository struct{ d *mockRouterData }

var _ repositories.EntityRepository = (*mockEntityRepository)(nil)

func (m *mockEntityRepository) Upsert(ctx context.Context, entity *models.Entity) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, e := range m.d.entities {
		if e.Platform == entity.Platform && e.ServerID == entity.ServerID && e.ChannelID == entity.ChannelID {
			*entity = *e
			return nil
		}
	}
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	entity.IsActive = true
	entity.CreatedAt = time.Now()
	c := *entity
	m.d.entities[entity.ID] = &c
	return nil
}

func (m *mockEntityRepository) Get(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if err := m.d.read(); err != nil {
		return nil, err
	}
	e, ok := m.d.entities[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *mockEntityRepository) GetByIdentity(ctx context.Context, platform, serverID, channelID string) (*models.Entity, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, e := range m.d.entities {
		if e.Platform == platform && e.ServerID == serverID && e.ChannelID == channelID {
			c := *e
			return &c, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockEntityRepository) Update(ctx context.Context, entity *models.Entity) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	e, ok := m.d.entities[entity.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	e.OwnerID = entity.OwnerID
	e.IsActive = entity.IsActive
	e.Config = entity.Config
	return nil
}

// ---------------------------------------------------------------------------

type mockCommandRepository struct{ d *mockRouterData }

var _ repositories.CommandRepository = (*mockCommandRepository)(nil)

func (m *mockCommandRepository) Create(ctx context.Context, cmd *models.Command) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	maxVersion := 0
	for _, c := range m.d.commands {
		if c.Name == cmd.Name {
			if c.Version == cmd.Version {
				return apperrors.ErrConflict
			}
			maxVersion = max(maxVersion, c.Version)
		}
	}
	if cmd.Version == 0 {
		cmd.Version = maxVersion + 1
	}
	cmd.ID = uuid.New()
	cmd.IsActive = false
	c := *cmd
	m.d.commands[cmd.ID] = &c
	return nil
}

func (m *mockCommandRepository) Get(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	c, ok := m.d.commands[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (m *mockCommandRepository) GetActiveByName(ctx context.Context, name string, prefix models.PrefixClass) (*models.Command, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if err := m.d.read(); err != nil {
		return nil, err
	}
	for _, c := range m.d.commands {
		if c.Name == name && c.PrefixClass == prefix && c.IsActive {
			cc := *c
			return &cc, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockCommandRepository) ListVersions(ctx context.Context, name string) ([]*models.Command, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var out []*models.Command
	for _, c := range m.d.commands {
		if c.Name == name {
			cc := *c
			out = append(out, &cc)
		}
	}
	slices.SortFunc(out, func(a, b *models.Command) int { return b.Version - a.Version })
	return out, nil
}

func (m *mockCommandRepository) List(ctx context.Context, activeOnly bool) ([]*models.Command, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var out []*models.Command
	for _, c := range m.d.commands {
		if !activeOnly || c.IsActive {
			cc := *c
			out = append(out, &cc)
		}
	}
	slices.SortFunc(out, func(a, b *models.Command) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), b.Version-a.Version)
	})
	return out, nil
}

func (m *mockCommandRepository) ListInstalled(ctx context.Context, entityID uuid.UUID) ([]*models.InstalledCommand, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if err := m.d.read(); err != nil {
		return nil, err
	}
	var out []*models.InstalledCommand
	for _, p := range m.d.permissions {
		if p.EntityID != entityID {
			continue
		}
		installedAs, ok := m.d.commands[p.CommandID]
		if !ok {
			continue
		}
		for _, c := range m.d.commands {
			if c.Name == installedAs.Name && c.IsActive {
				cc, pc := *c, *p
				out = append(out, &models.InstalledCommand{Command: &cc, Permission: &pc})
			}
		}
	}
	slices.SortFunc(out, func(a, b *models.InstalledCommand) int {
		return strings.Compare(a.Command.Name, b.Command.Name)
	})
	return out, nil
}

func (m *mockCommandRepository) Update(ctx context.Context, cmd *models.Command) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	existing, ok := m.d.commands[cmd.ID]
	if !ok {
		return apperrors.ErrNotFound
	}
	c := *cmd
	c.Name = existing.Name
	c.Version = existing.Version
	c.IsActive = existing.IsActive
	m.d.commands[cmd.ID] = &c
	return nil
}

func (m *mockCommandRepository) Activate(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	target, ok := m.d.commands[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	for _, c := range m.d.commands {
		if c.Name == target.Name {
			c.IsActive = c.ID == id
		}
	}
	cc := *target
	return &cc, nil
}

func (m *mockCommandRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	c, ok := m.d.commands[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.IsActive = false
	return nil
}

func (m *mockCommandRepository) Delete(ctx context.Context, id uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.commands[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.d.commands, id)
	for pid, p := range m.d.permissions {
		if p.CommandID == id {
			delete(m.d.permissions, pid)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------

type mockPermissionRepository struct{ d *mockRouterData }

var _ repositories.PermissionRepository = (*mockPermissionRepository)(nil)

func (m *mockPermissionRepository) Install(ctx context.Context, perm *models.CommandPermission) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.commands[perm.CommandID]; !ok {
		return apperrors.ErrNotFound
	}
	if _, ok := m.d.entities[perm.EntityID]; !ok {
		return apperrors.ErrNotFound
	}
	for _, p := range m.d.permissions {
		if p.CommandID == perm.CommandID && p.EntityID == perm.EntityID {
			p.IsEnabled = perm.IsEnabled
			p.ConfigOverrides = perm.ConfigOverrides
			*perm = *p
			return nil
		}
	}
	perm.ID = uuid.New()
	c := *perm
	m.d.permissions[perm.ID] = &c
	return nil
}

func (m *mockPermissionRepository) Uninstall(ctx context.Context, commandID, entityID uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for id, p := range m.d.permissions {
		if p.CommandID == commandID && p.EntityID == entityID {
			delete(m.d.permissions, id)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *mockPermissionRepository) Update(ctx context.Context, perm *models.CommandPermission) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, p := range m.d.permissions {
		if p.CommandID == perm.CommandID && p.EntityID == perm.EntityID {
			p.IsEnabled = perm.IsEnabled
			p.ConfigOverrides = perm.ConfigOverrides
			*perm = *p
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *mockPermissionRepository) Get(ctx context.Context, commandID, entityID uuid.UUID) (*models.CommandPermission, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	for _, p := range m.d.permissions {
		if p.CommandID == commandID && p.EntityID == entityID {
			c := *p
			return &c, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockPermissionRepository) ListByEntity(ctx context.Context, entityID uuid.UUID) ([]*models.CommandPermission, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var out []*models.CommandPermission
	for _, p := range m.d.permissions {
		if p.EntityID == entityID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockPermissionRepository) ListEntityIDsForCommandName(ctx context.Context, name string) ([]uuid.UUID, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var out []uuid.UUID
	for _, p := range m.d.permissions {
		if c, ok := m.d.commands[p.CommandID]; ok && c.Name == name && !slices.Contains(out, p.EntityID) {
			out = append(out, p.EntityID)
		}
	}
	return out, nil
}

func (m *mockPermissionRepository) RecordUsage(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	m.d.usage[id]++
	if p, ok := m.d.permissions[id]; ok {
		p.UsageCount++
		p.LastUsedAt = &usedAt
	}
	return nil
}

// ---------------------------------------------------------------------------

type mockRuleRepository struct{ d *mockRouterData }

var _ repositories.RuleRepository = (*mockRuleRepository)(nil)

func (m *mockRuleRepository) Create(ctx context.Context, rule *models.StringMatchRule) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	rule.ID = uuid.New()
	c := *rule
	m.d.rules[rule.ID] = &c
	return nil
}

func (m *mockRuleRepository) Get(ctx context.Context, id uuid.UUID) (*models.StringMatchRule, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	r, ok := m.d.rules[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *mockRuleRepository) Update(ctx context.Context, rule *models.StringMatchRule) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.rules[rule.ID]; !ok {
		return apperrors.ErrNotFound
	}
	c := *rule
	m.d.rules[rule.ID] = &c
	return nil
}

func (m *mockRuleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.rules[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.d.rules, id)
	return nil
}

func (m *mockRuleRepository) List(ctx context.Context) ([]*models.StringMatchRule, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var out []*models.StringMatchRule
	for _, r := range m.d.rules {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockRuleRepository) ListActive(ctx context.Context, entityID uuid.UUID) ([]*models.StringMatchRule, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if err := m.d.read(); err != nil {
		return nil, err
	}
	var out []*models.StringMatchRule
	for _, r := range m.d.rules {
		if r.IsActive && r.AppliesTo(entityID) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockRuleRepository) RecordMatches(ctx context.Context, ruleIDs []uuid.UUID, matchedAt time.Time) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	m.d.matches = append(m.d.matches, ruleIDs...)
	return nil
}

// ---------------------------------------------------------------------------

type mockExecutionRepository struct {
	d *mockRouterData
	// createErr, when set, fails every Create.
	createErr error
}

var _ repositories.ExecutionRepository = (*mockExecutionRepository)(nil)

func (m *mockExecutionRepository) Create(ctx context.Context, exec *models.CommandExecution) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, e := range m.d.executions {
		if e.IdempotencyKey == exec.IdempotencyKey {
			return apperrors.ErrConflict
		}
	}
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}
	if exec.Status == "" {
		exec.Status = models.ExecutionPending
	}
	c := *exec
	m.d.executions[exec.ID] = &c
	return nil
}

func (m *mockExecutionRepository) Finalize(ctx context.Context, exec *models.CommandExecution) (bool, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	e, ok := m.d.executions[exec.ID]
	if !ok || e.Status != models.ExecutionPending {
		return false, nil
	}
	completedAt := time.Now()
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}
	duration := max(0, completedAt.Sub(e.StartedAt).Milliseconds())
	e.Status = exec.Status
	e.ErrorDetail = exec.ErrorDetail
	e.CompletedAt = &completedAt
	e.DurationMs = &duration
	exec.CompletedAt = &completedAt
	exec.DurationMs = &duration
	return true, nil
}

func (m *mockExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*models.CommandExecution, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	e, ok := m.d.executions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *e
	return &c, nil
}

func (m *mockExecutionRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.CommandExecution, error) {
	return m.d.executionsFor(sessionID), nil
}

func (m *mockExecutionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var n int64
	for id, e := range m.d.executions {
		if e.StartedAt.Before(cutoff) {
			delete(m.d.executions, id)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------

type mockSessionRepository struct {
	d         *mockRouterData
	createErr error
}

var _ repositories.SessionRepository = (*mockSessionRepository)(nil)

func (m *mockSessionRepository) Create(ctx context.Context, session *models.Session) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	c := *session
	m.d.sessions[session.ID] = &c
	return nil
}

func (m *mockSessionRepository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	s, ok := m.d.sessions[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *mockSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	var n int64
	for id, s := range m.d.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(m.d.sessions, id)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------

type mockModuleResponseRepository struct{ d *mockRouterData }

var _ repositories.ModuleResponseRepository = (*mockModuleResponseRepository)(nil)

func (m *mockModuleResponseRepository) Create(ctx context.Context, resp *models.ModuleResponse) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.responses[resp.ExecutionID]; ok {
		return apperrors.ErrConflict
	}
	if resp.ID == uuid.Nil {
		resp.ID = uuid.New()
	}
	c := *resp
	m.d.responses[resp.ExecutionID] = &c
	return nil
}

func (m *mockModuleResponseRepository) GetByExecution(ctx context.Context, executionID uuid.UUID) (*models.ModuleResponse, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	r, ok := m.d.responses[executionID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *r
	return &c, nil
}

// ---------------------------------------------------------------------------

// mockClaimRepository mirrors the conditional-UPDATE semantics of the SQL
// implementation under a single lock, with an injectable clock.
type mockClaimRepository struct {
	d   *mockRouterData
	now func() time.Time
	err error
}

var _ repositories.ClaimRepository = (*mockClaimRepository)(nil)

func (m *mockClaimRepository) Register(ctx context.Context, claim *models.CoordinationClaim) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if claim.HeartbeatIntervalSeconds == 0 {
		claim.HeartbeatIntervalSeconds = 300
	}
	if existing, ok := m.d.claims[claim.EntityID]; ok {
		existing.Priority = claim.Priority
		existing.HeartbeatIntervalSeconds = claim.HeartbeatIntervalSeconds
		*claim = *existing
		return nil
	}
	claim.Status = models.ClaimUnclaimed
	c := *claim
	m.d.claims[claim.EntityID] = &c
	return nil
}

func (m *mockClaimRepository) Get(ctx context.Context, entityID uuid.UUID) (*models.CoordinationClaim, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	c, ok := m.d.claims[entityID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (m *mockClaimRepository) available(c *models.CoordinationClaim, now time.Time, grace time.Duration) bool {
	if e, ok := m.d.entities[c.EntityID]; ok && !e.IsActive {
		return false
	}
	return c.CollectorID == nil || (c.ClaimExpires != nil && c.ClaimExpires.Before(now.Add(-grace)))
}

func (m *mockClaimRepository) Claim(ctx context.Context, req models.ClaimRequest) ([]*models.CoordinationClaim, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	now := m.now()
	threshold := req.ErrorThreshold
	if threshold <= 0 {
		threshold = math.MaxInt32
	}

	var candidates []*models.CoordinationClaim
	for _, c := range m.d.claims {
		if m.available(c, now, req.GracePeriod) {
			candidates = append(candidates, c)
		}
	}
	slices.SortFunc(candidates, func(a, b *models.CoordinationClaim) int {
		return cmp.Or(
			cmp.Compare(boolRank(a.ErrorCount >= threshold), boolRank(b.ErrorCount >= threshold)),
			cmp.Compare(b.Priority, a.Priority),
			cmp.Compare(boolRank(b.IsLive), boolRank(a.IsLive)),
			cmp.Compare(b.ViewerCount, a.ViewerCount),
			strings.Compare(a.EntityID.String()+req.RotationKey, b.EntityID.String()+req.RotationKey),
		)
	})

	var out []*models.CoordinationClaim
	for _, c := range candidates {
		if len(out) >= req.MaxClaims {
			break
		}
		collector := req.CollectorID
		expires := now.Add(req.LeaseDuration)
		c.CollectorID = &collector
		c.Status = models.ClaimClaimed
		c.ClaimedAt = &now
		c.ClaimExpires = &expires
		c.LastCheckin = &now
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (m *mockClaimRepository) Checkin(ctx context.Context, collectorID string, lease, grace time.Duration) (int64, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	now := m.now()
	var n int64
	for _, c := range m.d.claims {
		if c.IsHeldBy(collectorID, now, grace) {
			expires := now.Add(lease)
			c.ClaimExpires = &expires
			c.LastCheckin = &now
			n++
		}
	}
	return n, nil
}

func (m *mockClaimRepository) Heartbeat(ctx context.Context, collectorID string, entityID uuid.UUID, fields models.ClaimStatusFields, grace time.Duration) (bool, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	c, ok := m.d.claims[entityID]
	if !ok || !c.IsHeldBy(collectorID, m.now(), grace) {
		return false, nil
	}
	c.IsLive = fields.IsLive
	c.ViewerCount = fields.ViewerCount
	c.LastActivity = fields.LastActivity
	if fields.MarkOffline && !fields.IsLive {
		c.Status = models.ClaimOffline
	} else {
		c.Status = models.ClaimClaimed
	}
	return true, nil
}

func (m *mockClaimRepository) release(c *models.CoordinationClaim) {
	c.CollectorID = nil
	c.ClaimExpires = nil
	c.ClaimedAt = nil
	c.Status = models.ClaimUnclaimed
}

func (m *mockClaimRepository) Release(ctx context.Context, collectorID string, entityIDs []uuid.UUID) (int64, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for _, id := range entityIDs {
		if c, ok := m.d.claims[id]; ok && c.CollectorID != nil && *c.CollectorID == collectorID {
			m.release(c)
			n++
		}
	}
	return n, nil
}

func (m *mockClaimRepository) ReleaseOffline(ctx context.Context, collectorID string) ([]uuid.UUID, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []uuid.UUID
	for _, c := range m.d.claims {
		if c.CollectorID != nil && *c.CollectorID == collectorID && c.Status == models.ClaimOffline {
			m.release(c)
			out = append(out, c.EntityID)
		}
	}
	return out, nil
}

func (m *mockClaimRepository) CountHeld(ctx context.Context, collectorID string, grace time.Duration) (int, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	now := m.now()
	n := 0
	for _, c := range m.d.claims {
		if c.IsHeldBy(collectorID, now, grace) {
			n++
		}
	}
	return n, nil
}

func (m *mockClaimRepository) ReportError(ctx context.Context, collectorID string, entityID uuid.UUID, policy repositories.ErrorPolicy) (*repositories.ErrorReport, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.d.claims[entityID]
	if !ok || !c.IsHeldBy(collectorID, m.now(), policy.Grace) {
		return nil, apperrors.ErrNotClaimOwner
	}
	c.ErrorCount++
	report := &repositories.ErrorReport{ErrorCount: c.ErrorCount}
	if policy.AutoRelease && policy.Threshold > 0 && c.ErrorCount >= policy.Threshold {
		m.release(c)
		report.Released = true
	}
	return report, nil
}

func (m *mockClaimRepository) ExpireStale(ctx context.Context, grace time.Duration) ([]*models.CoordinationClaim, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	now := m.now()
	var out []*models.CoordinationClaim
	for _, c := range m.d.claims {
		if c.CollectorID != nil && c.ClaimExpires != nil && c.ClaimExpires.Before(now.Add(-grace)) {
			prev := *c
			m.release(c)
			out = append(out, &prev)
		}
	}
	return out, nil
}

func (m *mockClaimRepository) Stats(ctx context.Context, grace time.Duration, errorThreshold int) (*models.CoordinationStats, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	now := m.now()
	stats := &models.CoordinationStats{ClaimsPerWorker: make(map[string]int)}
	for _, c := range m.d.claims {
		stats.TotalEntities++
		switch {
		case c.CollectorID == nil:
			stats.Unclaimed++
		case c.ClaimExpires != nil && c.ClaimExpires.Before(now.Add(-grace)):
			stats.Expired++
		default:
			stats.Claimed++
			stats.ClaimsPerWorker[*c.CollectorID]++
		}
		if c.Status == models.ClaimOffline {
			stats.Offline++
		}
		if c.IsLive {
			stats.Live++
		}
		if errorThreshold > 0 && c.ErrorCount >= errorThreshold {
			stats.Deprioritized++
		}
	}
	return stats, nil
}

func (m *mockClaimRepository) List(ctx context.Context, filter models.ClaimFilter) ([]*models.CoordinationClaim, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.CoordinationClaim
	for _, c := range m.d.claims {
		if filter.CollectorID != "" && (c.CollectorID == nil || *c.CollectorID != filter.CollectorID) {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Platform != "" && c.Platform != filter.Platform {
			continue
		}
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

// mockTxRunner runs fn inline.
type mockTxRunner struct{ calls int }

func (m *mockTxRunner) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}
