package handlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/auth"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
	"github.com/ekaya-inc/ekaya-router/pkg/services"
	"github.com/ekaya-inc/ekaya-router/pkg/testhelpers"
)

// newTestMiddleware returns auth middleware that accepts unsigned test tokens.
func newTestMiddleware(t *testing.T) *auth.Middleware {
	t.Helper()
	client, err := auth.NewJWKSClient(&auth.JWKSConfig{EnableVerification: false})
	if err != nil {
		t.Fatalf("failed to create JWKS client: %v", err)
	}
	return auth.NewMiddleware(auth.NewAuthService(client, zap.NewNop()), zap.NewNop())
}

// serve sends a request through mux with a token for subject holding roles.
// An empty subject sends no Authorization header.
func serve(mux *http.ServeMux, method, path, body, subject string, roles ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if subject != "" {
		req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer(subject, roles...))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// mockIngressService is a mock for IngressService.
type mockIngressService struct {
	events    []*models.Event
	batches   [][]*models.Event
	submitErr error
}

func (m *mockIngressService) SubmitEvent(ctx context.Context, event *models.Event) (*services.DispatchResult, error) {
	m.events = append(m.events, event)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &services.DispatchResult{SessionID: uuid.New()}, nil
}

func (m *mockIngressService) SubmitBatch(ctx context.Context, events []*models.Event) ([]services.BatchItem, error) {
	m.batches = append(m.batches, events)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	items := make([]services.BatchItem, len(events))
	for i := range events {
		items[i] = services.BatchItem{Result: &services.DispatchResult{SessionID: uuid.New()}}
	}
	return items, nil
}

// mockCorrelatorService is a mock for CorrelatorService.
type mockCorrelatorService struct {
	sessionID  uuid.UUID
	submission services.ResponseSubmission
	submitErr  error
}

func (m *mockCorrelatorService) OpenSession(ctx context.Context, entityID uuid.UUID, event *models.Event) (*models.Session, error) {
	return &models.Session{ID: uuid.New(), EntityID: entityID}, nil
}

func (m *mockCorrelatorService) SubmitResponse(ctx context.Context, sessionID uuid.UUID, sub services.ResponseSubmission) (*models.ModuleResponse, error) {
	m.sessionID = sessionID
	m.submission = sub
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &models.ModuleResponse{
		ID:           uuid.New(),
		SessionID:    sessionID,
		ExecutionID:  sub.ExecutionID,
		ResponseKind: sub.ResponseKind,
		Success:      sub.Success,
	}, nil
}

func (m *mockCorrelatorService) SweepExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

func (m *mockCorrelatorService) RunSweeper(ctx context.Context, interval time.Duration) {}

// mockDispatchService is a mock for DispatchService.
type mockDispatchService struct {
	retried []uuid.UUID
}

func (m *mockDispatchService) Dispatch(ctx context.Context, session *models.Session, event *models.Event) (*services.DispatchResult, error) {
	return &services.DispatchResult{SessionID: session.ID}, nil
}

func (m *mockDispatchService) Retry(ctx context.Context, executionID uuid.UUID) (*services.ExecutionOutcome, error) {
	m.retried = append(m.retried, executionID)
	return &services.ExecutionOutcome{
		ExecutionID: uuid.New(),
		Status:      models.ExecutionSuccess,
		Attempt:     2,
	}, nil
}

// mockCoordinationService is a mock for CoordinationService.
type mockCoordinationService struct {
	collectorID string
	maxClaims   int
	entityID    uuid.UUID
	entityIDs   []uuid.UUID
	fields      models.ClaimStatusFields
	filter      models.ClaimFilter
	register    services.RegisterRequest
	err         error
}

func (m *mockCoordinationService) Register(ctx context.Context, req services.RegisterRequest) (*models.CoordinationClaim, error) {
	m.register = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.CoordinationClaim{
		EntityID:  uuid.New(),
		Platform:  req.Platform,
		ServerID:  req.ServerID,
		ChannelID: req.ChannelID,
		Status:    models.ClaimUnclaimed,
		Priority:  req.Priority,
	}, nil
}

func (m *mockCoordinationService) Claim(ctx context.Context, collectorID string, maxClaims int) ([]*models.CoordinationClaim, error) {
	m.collectorID = collectorID
	m.maxClaims = maxClaims
	if m.err != nil {
		return nil, m.err
	}
	return []*models.CoordinationClaim{{
		EntityID:    uuid.New(),
		CollectorID: &collectorID,
		Status:      models.ClaimClaimed,
	}}, nil
}

func (m *mockCoordinationService) Checkin(ctx context.Context, collectorID string) (int64, error) {
	m.collectorID = collectorID
	return 3, m.err
}

func (m *mockCoordinationService) Heartbeat(ctx context.Context, collectorID string, entityID uuid.UUID, fields models.ClaimStatusFields) error {
	m.collectorID = collectorID
	m.entityID = entityID
	m.fields = fields
	return m.err
}

func (m *mockCoordinationService) Release(ctx context.Context, collectorID string, entityIDs []uuid.UUID) (int64, error) {
	m.collectorID = collectorID
	m.entityIDs = entityIDs
	return int64(len(entityIDs)), m.err
}

func (m *mockCoordinationService) ReportError(ctx context.Context, collectorID string, entityID uuid.UUID) (*repositories.ErrorReport, error) {
	m.collectorID = collectorID
	m.entityID = entityID
	if m.err != nil {
		return nil, m.err
	}
	return &repositories.ErrorReport{ErrorCount: 5, Released: true}, nil
}

func (m *mockCoordinationService) ReleaseOfflineAndReclaim(ctx context.Context, collectorID string, maxClaims int) (*services.ReclaimResult, error) {
	m.collectorID = collectorID
	m.maxClaims = maxClaims
	if m.err != nil {
		return nil, m.err
	}
	return &services.ReclaimResult{Released: []uuid.UUID{uuid.New()}}, nil
}

func (m *mockCoordinationService) Stats(ctx context.Context) (*models.CoordinationStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.CoordinationStats{TotalEntities: 4, Claimed: 3, Unclaimed: 1}, nil
}

func (m *mockCoordinationService) ListEntities(ctx context.Context, filter models.ClaimFilter) ([]*models.CoordinationClaim, error) {
	m.filter = filter
	return nil, m.err
}

func (m *mockCoordinationService) SweepExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (m *mockCoordinationService) RunSweeper(ctx context.Context, interval time.Duration) {}

// mockRuleAdminService is a mock for RuleAdminService backed by maps.
type mockRuleAdminService struct {
	commands    map[uuid.UUID]*models.Command
	rules       map[uuid.UUID]*models.StringMatchRule
	permissions []*models.CommandPermission
	activeOnly  bool
	imported    string
	entity      *models.Entity
}

func newMockRuleAdminService() *mockRuleAdminService {
	return &mockRuleAdminService{
		commands: make(map[uuid.UUID]*models.Command),
		rules:    make(map[uuid.UUID]*models.StringMatchRule),
	}
}

func (m *mockRuleAdminService) CreateCommand(ctx context.Context, cmd *models.Command) (*models.Command, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: command name is required", apperrors.ErrInvalidInput)
	}
	cmd.ID = uuid.New()
	cmd.Version = 1
	m.commands[cmd.ID] = cmd
	return cmd, nil
}

func (m *mockRuleAdminService) GetCommand(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	cmd, ok := m.commands[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cmd, nil
}

func (m *mockRuleAdminService) ListCommands(ctx context.Context, activeOnly bool) ([]*models.Command, error) {
	m.activeOnly = activeOnly
	var out []*models.Command
	for _, cmd := range m.commands {
		if !activeOnly || cmd.IsActive {
			out = append(out, cmd)
		}
	}
	return out, nil
}

func (m *mockRuleAdminService) ListCommandVersions(ctx context.Context, name string) ([]*models.Command, error) {
	var out []*models.Command
	for _, cmd := range m.commands {
		if cmd.Name == name {
			out = append(out, cmd)
		}
	}
	return out, nil
}

func (m *mockRuleAdminService) UpdateCommand(ctx context.Context, cmd *models.Command) (*models.Command, error) {
	existing, ok := m.commands[cmd.ID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cmd.Name = existing.Name
	cmd.Version = existing.Version
	m.commands[cmd.ID] = cmd
	return cmd, nil
}

func (m *mockRuleAdminService) ActivateCommand(ctx context.Context, id uuid.UUID) (*models.Command, error) {
	cmd, ok := m.commands[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cmd.IsActive = true
	return cmd, nil
}

func (m *mockRuleAdminService) DeactivateCommand(ctx context.Context, id uuid.UUID) error {
	cmd, ok := m.commands[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	cmd.IsActive = false
	return nil
}

func (m *mockRuleAdminService) DeleteCommand(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.commands[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.commands, id)
	return nil
}

func (m *mockRuleAdminService) InstallCommand(ctx context.Context, perm *models.CommandPermission) (*models.CommandPermission, error) {
	if _, ok := m.commands[perm.CommandID]; !ok {
		return nil, apperrors.ErrNotFound
	}
	perm.ID = uuid.New()
	m.permissions = append(m.permissions, perm)
	return perm, nil
}

func (m *mockRuleAdminService) UninstallCommand(ctx context.Context, commandID, entityID uuid.UUID) error {
	for i, perm := range m.permissions {
		if perm.CommandID == commandID && perm.EntityID == entityID {
			m.permissions = append(m.permissions[:i], m.permissions[i+1:]...)
			return nil
		}
	}
	return apperrors.ErrNotFound
}

func (m *mockRuleAdminService) UpdatePermission(ctx context.Context, perm *models.CommandPermission) (*models.CommandPermission, error) {
	for i, existing := range m.permissions {
		if existing.CommandID == perm.CommandID && existing.EntityID == perm.EntityID {
			perm.ID = existing.ID
			m.permissions[i] = perm
			return perm, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockRuleAdminService) ListPermissions(ctx context.Context, entityID uuid.UUID) ([]*models.CommandPermission, error) {
	var out []*models.CommandPermission
	for _, perm := range m.permissions {
		if perm.EntityID == entityID {
			out = append(out, perm)
		}
	}
	return out, nil
}

func (m *mockRuleAdminService) CreateRule(ctx context.Context, rule *models.StringMatchRule) (*models.StringMatchRule, error) {
	if !rule.MatchType.IsValid() {
		return nil, fmt.Errorf("%w: unknown match type", apperrors.ErrInvalidInput)
	}
	rule.ID = uuid.New()
	m.rules[rule.ID] = rule
	return rule, nil
}

func (m *mockRuleAdminService) GetRule(ctx context.Context, id uuid.UUID) (*models.StringMatchRule, error) {
	rule, ok := m.rules[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return rule, nil
}

func (m *mockRuleAdminService) ListRules(ctx context.Context) ([]*models.StringMatchRule, error) {
	var out []*models.StringMatchRule
	for _, rule := range m.rules {
		out = append(out, rule)
	}
	return out, nil
}

func (m *mockRuleAdminService) UpdateRule(ctx context.Context, rule *models.StringMatchRule) (*models.StringMatchRule, error) {
	if _, ok := m.rules[rule.ID]; !ok {
		return nil, apperrors.ErrNotFound
	}
	m.rules[rule.ID] = rule
	return rule, nil
}

func (m *mockRuleAdminService) DeleteRule(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.rules[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *mockRuleAdminService) SetEntityActive(ctx context.Context, entityID uuid.UUID, active bool) (*models.Entity, error) {
	m.entity = &models.Entity{ID: entityID, IsActive: active}
	return m.entity, nil
}

func (m *mockRuleAdminService) Import(ctx context.Context, r io.Reader) (*services.ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m.imported = string(data)
	if !strings.Contains(m.imported, "commands:") {
		return nil, fmt.Errorf("%w: invalid import bundle", apperrors.ErrInvalidInput)
	}
	return &services.ImportResult{Commands: []*models.Command{{Name: "ping"}}}, nil
}
