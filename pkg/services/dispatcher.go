package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/backend"
	"github.com/ekaya-inc/ekaya-router/pkg/logging"
	"github.com/ekaya-inc/ekaya-router/pkg/matcher"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
	"github.com/ekaya-inc/ekaya-router/pkg/ratelimit"
	"github.com/ekaya-inc/ekaya-router/pkg/repositories"
	"github.com/ekaya-inc/ekaya-router/pkg/services/workqueue"
)

// PatternMatcher supplies fallback triggers for chat content.
type PatternMatcher interface {
	Match(ctx context.Context, entityID uuid.UUID, content string) ([]matcher.Action, error)
}

// AdmissionLimiter decides whether one more invocation under key is allowed.
type AdmissionLimiter interface {
	Admit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ExecutionOutcome reports one recorded execution.
type ExecutionOutcome struct {
	ExecutionID   uuid.UUID              `json:"execution_id"`
	CommandID     *uuid.UUID             `json:"command_id,omitempty"`
	Command       string                 `json:"command,omitempty"`
	RuleID        *uuid.UUID             `json:"rule_id,omitempty"`
	Action        models.RuleAction      `json:"action,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Status        models.ExecutionStatus `json:"status"`
	Error         string                 `json:"error,omitempty"`
	DurationMs    int64                  `json:"duration_ms"`
	BackendStatus int                    `json:"backend_status,omitempty"`
	Body          json.RawMessage        `json:"body,omitempty"`
	Attempt       int                    `json:"attempt"`
}

func (o ExecutionOutcome) err() error {
	switch o.Status {
	case models.ExecutionFailed, models.ExecutionTimeout:
		return fmt.Errorf("%s %s: %s", o.Command, o.Status, o.Error)
	}
	return nil
}

// Rejection reports a candidate dropped by admission control. Rejections are
// not failures: nothing was invoked.
type Rejection struct {
	ExecutionID uuid.UUID              `json:"execution_id,omitempty"`
	CommandID   *uuid.UUID             `json:"command_id,omitempty"`
	Command     string                 `json:"command,omitempty"`
	RuleID      *uuid.UUID             `json:"rule_id,omitempty"`
	Reason      models.RejectionReason `json:"reason"`
}

// DispatchResult is everything that happened for one event.
type DispatchResult struct {
	SessionID    uuid.UUID          `json:"session_id"`
	Executions   []ExecutionOutcome `json:"executions"`
	Rejections   []Rejection        `json:"rejections"`
	MatchedRules []matcher.Action   `json:"matched_rules,omitempty"`
	// Blocked is set when a matched rule asked for the message to be blocked.
	Blocked bool `json:"blocked"`
}

// DispatchService turns an event into recorded executions.
type DispatchService interface {
	// Dispatch resolves, admits and invokes everything event triggers.
	// Only a malformed event is an error; per-candidate failures are
	// reported in the result.
	Dispatch(ctx context.Context, session *models.Session, event *models.Event) (*DispatchResult, error)
	// Retry re-invokes a failed command execution as a new attempt.
	Retry(ctx context.Context, executionID uuid.UUID) (*ExecutionOutcome, error)
}

type dispatchService struct {
	store          RuleStore
	matcher        PatternMatcher
	limiter        AdmissionLimiter
	invoker        backend.Invoker
	pool           *workqueue.Pool
	maxTimeout     time.Duration
	executionRepo  repositories.ExecutionRepository
	permissionRepo repositories.PermissionRepository
	commandRepo    repositories.CommandRepository
	sessionRepo    repositories.SessionRepository
	now            func() time.Time
	logger         *zap.Logger
}

var _ DispatchService = (*dispatchService)(nil)

// NewDispatchService creates a DispatchService. A positive maxTimeout caps
// every command's declared timeout.
func NewDispatchService(
	store RuleStore,
	patternMatcher PatternMatcher,
	limiter AdmissionLimiter,
	invoker backend.Invoker,
	pool *workqueue.Pool,
	maxTimeout time.Duration,
	executionRepo repositories.ExecutionRepository,
	permissionRepo repositories.PermissionRepository,
	commandRepo repositories.CommandRepository,
	sessionRepo repositories.SessionRepository,
	logger *zap.Logger,
) DispatchService {
	return &dispatchService{
		store:          store,
		matcher:        patternMatcher,
		limiter:        limiter,
		invoker:        invoker,
		pool:           pool,
		maxTimeout:     maxTimeout,
		executionRepo:  executionRepo,
		permissionRepo: permissionRepo,
		commandRepo:    commandRepo,
		sessionRepo:    sessionRepo,
		now:            time.Now,
		logger:         logger.Named("dispatcher"),
	}
}

// execScope identifies who an execution is recorded against.
type execScope struct {
	sessionID uuid.UUID
	entityID  uuid.UUID
	userID    string
}

// dispatchJob is one admitted invocation.
type dispatchJob struct {
	name        string
	command     *models.Command
	ruleID      *uuid.UUID
	action      models.RuleAction
	message     string
	backendType models.BackendType
	target      string
	timeout     time.Duration
	priority    int
	mode        models.ExecutionMode
	attempt     int
	payload     map[string]any
}

func (j *dispatchJob) commandID() *uuid.UUID {
	if j.command == nil {
		return nil
	}
	id := j.command.ID
	return &id
}

func (j *dispatchJob) idempotencyKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%d", sessionID, j.name, j.attempt)
}

type dispatchPlan struct {
	scope   execScope
	event   *models.Event
	result  *DispatchResult
	notices []*dispatchJob
	jobs    []*dispatchJob
	// seen holds lower-cased command names already admitted or rejected.
	seen map[string]bool
}

// once reports whether name is new to the plan and marks it seen.
func (p *dispatchPlan) once(name string) bool {
	key := strings.ToLower(name)
	if p.seen[key] {
		return false
	}
	p.seen[key] = true
	return true
}

func (s *dispatchService) Dispatch(ctx context.Context, session *models.Session, event *models.Event) (*DispatchResult, error) {
	if err := event.Validate(); err != nil {
		s.logger.Error("Dropping malformed event",
			zap.String("session_id", session.ID.String()),
			zap.Error(err))
		return nil, err
	}

	plan := &dispatchPlan{
		scope: execScope{
			sessionID: session.ID,
			entityID:  session.EntityID,
			userID:    event.UserID,
		},
		event: event,
		result: &DispatchResult{
			SessionID:  session.ID,
			Executions: []ExecutionOutcome{},
			Rejections: []Rejection{},
		},
		seen: make(map[string]bool),
	}

	if event.MessageType.IsChat() {
		s.planChat(ctx, plan)
	}
	s.planEvent(ctx, plan)

	s.run(ctx, plan)

	s.logger.Debug("Event dispatched",
		zap.String("session_id", session.ID.String()),
		zap.String("entity_id", session.EntityID.String()),
		zap.String("message_type", string(event.MessageType)),
		zap.Int("executions", len(plan.result.Executions)),
		zap.Int("rejections", len(plan.result.Rejections)))

	return plan.result, nil
}

// planChat resolves an explicit command, falling back to the pattern matcher.
// Event-triggered commands are planned separately by planEvent.
func (s *dispatchService) planChat(ctx context.Context, plan *dispatchPlan) {
	if inv, ok := models.ParseCommand(plan.event.Content); ok {
		res, err := s.store.ResolveByName(ctx, plan.scope.entityID, inv.Name, inv.Prefix)
		if err != nil {
			s.logger.Warn("Failed to resolve command", zap.String("command", inv.Name), zap.Error(err))
		}
		if !res.IsEmpty() {
			cmd := res.Commands[0]
			s.admit(ctx, plan, cmd, res.Permission(cmd), inv.Args, nil)
			return
		}
	}

	actions, err := s.matcher.Match(ctx, plan.scope.entityID, plan.event.Content)
	if err != nil {
		s.logger.Warn("Pattern matching unavailable, skipping rules",
			zap.String("entity_id", plan.scope.entityID.String()),
			zap.Error(err))
		return
	}
	plan.result.MatchedRules = actions
	s.planActions(ctx, plan, actions)
}

// planEvent adds commands triggered by the event type. For chat events these
// are only commands listing the chat type, and a blocked message rejects them.
func (s *dispatchService) planEvent(ctx context.Context, plan *dispatchPlan) {
	res, err := s.store.Resolve(ctx, plan.scope.entityID, plan.event)
	if err != nil {
		s.logger.Warn("Failed to resolve event commands",
			zap.String("message_type", string(plan.event.MessageType)),
			zap.Error(err))
		return
	}
	for _, cmd := range res.Commands {
		if plan.result.Blocked {
			if plan.once(cmd.Name) {
				s.reject(ctx, plan, &dispatchJob{name: cmd.Name, command: cmd}, models.RejectBlocked)
			}
			continue
		}
		s.admit(ctx, plan, cmd, res.Permission(cmd), nil, nil)
	}
}

func (s *dispatchService) planActions(ctx context.Context, plan *dispatchPlan, actions []matcher.Action) {
	plan.result.Blocked = slices.ContainsFunc(actions, func(a matcher.Action) bool {
		return a.Type == models.RuleActionBlock
	})

	for _, a := range actions {
		ruleID := a.RuleID
		name := "rule-" + ruleID.String()

		switch a.Type {
		case models.RuleActionWarn, models.RuleActionBlock:
			plan.notices = append(plan.notices, &dispatchJob{
				name:     name,
				ruleID:   &ruleID,
				action:   a.Type,
				message:  a.Message(),
				priority: a.Priority,
				payload:  s.requestPayload(plan, nil, nil, &ruleID),
			})

		case models.RuleActionCommand:
			cmdName := strings.ToLower(strings.TrimSpace(a.CommandName()))
			if plan.seen[cmdName] {
				s.logger.Debug("Command already planned for this event",
					zap.String("rule_id", ruleID.String()),
					zap.String("command", cmdName))
				continue
			}
			if plan.result.Blocked {
				plan.once(cmdName)
				s.reject(ctx, plan, &dispatchJob{name: cmdName, ruleID: &ruleID}, models.RejectBlocked)
				continue
			}
			ic, err := s.store.Installed(ctx, plan.scope.entityID, cmdName)
			if err != nil {
				s.logger.Warn("Failed to resolve rule command",
					zap.String("rule_id", ruleID.String()),
					zap.String("command", cmdName),
					zap.Error(err))
				continue
			}
			if ic == nil {
				plan.once(cmdName)
				s.reject(ctx, plan, &dispatchJob{name: cmdName, ruleID: &ruleID}, models.RejectNoPermission)
				continue
			}
			s.admit(ctx, plan, ic.Command, ic.Permission, a.CommandArgs(), &ruleID)

		case models.RuleActionWebhook:
			job := &dispatchJob{
				name:        name,
				ruleID:      &ruleID,
				action:      a.Type,
				backendType: models.BackendWebhook,
				target:      a.WebhookTarget(),
				timeout:     models.DefaultCommandTimeout,
				priority:    a.Priority,
				mode:        models.ExecutionParallel,
				payload:     s.requestPayload(plan, nil, nil, &ruleID),
			}
			if plan.result.Blocked {
				s.reject(ctx, plan, job, models.RejectBlocked)
				continue
			}
			plan.jobs = append(plan.jobs, job)
		}
	}
}

// admit applies permission and rate-limit checks to a command candidate.
func (s *dispatchService) admit(ctx context.Context, plan *dispatchPlan, cmd *models.Command, perm *models.CommandPermission, args []string, ruleID *uuid.UUID) {
	if !plan.once(cmd.Name) {
		s.logger.Debug("Command already planned for this event", zap.String("command", cmd.Name))
		return
	}

	job := s.commandJob(cmd, s.requestPayload(plan, cmd, perm, ruleID), 0)
	job.ruleID = ruleID
	job.payload["args"] = emptyArgs(args)

	if reason, ok := s.checkAdmission(ctx, plan.scope, cmd, perm); !ok {
		s.reject(ctx, plan, job, reason)
		return
	}

	plan.jobs = append(plan.jobs, job)
}

// checkAdmission returns the rejection reason, or ok.
func (s *dispatchService) checkAdmission(ctx context.Context, scope execScope, cmd *models.Command, perm *models.CommandPermission) (models.RejectionReason, bool) {
	if perm == nil {
		return models.RejectNoPermission, false
	}
	if !perm.IsEnabled {
		return models.RejectDisabled, false
	}

	if cmd.HasRateLimit() {
		key := ratelimit.Key(cmd.Name, scope.entityID.String(), scope.userID)
		allowed, err := s.limiter.Admit(ctx, key, cmd.RateLimit, cmd.RateWindow())
		if err != nil {
			s.logger.Warn("Rate limit check failed, admitting",
				zap.String("command", cmd.Name),
				zap.Error(err))
			allowed = true
		}
		if !allowed {
			return models.RejectRateLimited, false
		}
	}

	if err := s.permissionRepo.RecordUsage(ctx, perm.ID, s.now()); err != nil {
		s.logger.Warn("Failed to record command usage",
			zap.String("command", cmd.Name),
			zap.String("permission_id", perm.ID.String()),
			zap.Error(err))
	}
	return "", true
}

func (s *dispatchService) commandJob(cmd *models.Command, payload map[string]any, attempt int) *dispatchJob {
	mode := cmd.ExecutionMode
	if mode == "" {
		mode = models.ExecutionSequential
	}
	timeout := cmd.Timeout()
	if s.maxTimeout > 0 && timeout > s.maxTimeout {
		timeout = s.maxTimeout
	}
	return &dispatchJob{
		name:        cmd.Name,
		command:     cmd,
		backendType: cmd.BackendType,
		target:      cmd.Location,
		timeout:     timeout,
		priority:    cmd.Priority,
		mode:        mode,
		attempt:     attempt,
		payload:     payload,
	}
}

func (s *dispatchService) requestPayload(plan *dispatchPlan, cmd *models.Command, perm *models.CommandPermission, ruleID *uuid.UUID) map[string]any {
	e := plan.event
	p := map[string]any{
		"session_id":   plan.scope.sessionID.String(),
		"entity_id":    plan.scope.entityID.String(),
		"message_type": string(e.MessageType),
		"user_id":      e.UserID,
		"username":     e.Username,
		"content":      e.Content,
	}
	if !e.ReceivedAt.IsZero() {
		p["received_at"] = e.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(e.Payload) > 0 {
		p["event"] = e.Payload
	}
	if cmd != nil {
		p["command"] = cmd.Name
	}
	if perm != nil && len(perm.ConfigOverrides) > 0 {
		p["config"] = perm.ConfigOverrides
	}
	if ruleID != nil {
		p["rule_id"] = ruleID.String()
	}
	return p
}

func emptyArgs(args []string) []string {
	if args == nil {
		return []string{}
	}
	return args
}

// reject records a rejected execution and reports it.
func (s *dispatchService) reject(ctx context.Context, plan *dispatchPlan, job *dispatchJob, reason models.RejectionReason) {
	rejection := s.recordRejection(ctx, plan.scope, job, reason)
	plan.result.Rejections = append(plan.result.Rejections, rejection)
}

func (s *dispatchService) recordRejection(ctx context.Context, scope execScope, job *dispatchJob, reason models.RejectionReason) Rejection {
	now := s.now()
	var zero int64
	exec := &models.CommandExecution{
		ID:             uuid.New(),
		SessionID:      scope.sessionID,
		CommandID:      job.commandID(),
		RuleID:         job.ruleID,
		EntityID:       scope.entityID,
		UserID:         scope.userID,
		RequestPayload: job.payload,
		Status:         models.ExecutionRejected,
		ErrorDetail:    string(reason),
		StartedAt:      now,
		CompletedAt:    &now,
		DurationMs:     &zero,
		RetryCount:     job.attempt,
		IdempotencyKey: job.idempotencyKey(scope.sessionID),
	}

	rejection := Rejection{
		CommandID: job.commandID(),
		Command:   job.name,
		RuleID:    job.ruleID,
		Reason:    reason,
	}

	if err := s.executionRepo.Create(context.WithoutCancel(ctx), exec); err != nil {
		s.logger.Error("Failed to record rejected execution",
			zap.String("session_id", scope.sessionID.String()),
			zap.String("command", job.name),
			zap.String("reason", string(reason)),
			zap.Error(err))
		return rejection
	}

	s.logger.Debug("Candidate rejected",
		zap.String("session_id", scope.sessionID.String()),
		zap.String("command", job.name),
		zap.String("reason", string(reason)))

	rejection.ExecutionID = exec.ID
	return rejection
}

// run records notices, then invokes parallel jobs on the pool while
// sequential jobs run in order on the caller.
func (s *dispatchService) run(ctx context.Context, plan *dispatchPlan) {
	for _, n := range plan.notices {
		plan.result.Executions = append(plan.result.Executions, s.recordNotice(ctx, plan.scope, n))
	}

	var sequential, parallel []*dispatchJob
	for _, job := range plan.jobs {
		if job.mode == models.ExecutionParallel {
			parallel = append(parallel, job)
		} else {
			sequential = append(sequential, job)
		}
	}
	sortJobs(sequential)
	sortJobs(parallel)

	outcomes := make([]ExecutionOutcome, len(parallel))
	handles := make([]*workqueue.Handle, len(parallel))
	for i, job := range parallel {
		h, err := s.pool.Submit(ctx, workqueue.TaskFunc("dispatch:"+job.name, func(taskCtx context.Context) error {
			outcomes[i] = s.execute(taskCtx, plan.scope, job)
			return outcomes[i].err()
		}))
		if err != nil {
			s.logger.Warn("Failed to schedule parallel execution",
				zap.String("command", job.name),
				zap.Error(err))
			outcomes[i] = s.recordUnscheduled(ctx, plan.scope, job, err)
			continue
		}
		handles[i] = h
	}

	for _, job := range sequential {
		plan.result.Executions = append(plan.result.Executions, s.execute(ctx, plan.scope, job))
	}

	for i, h := range handles {
		if h != nil {
			<-h.Done()
		}
		plan.result.Executions = append(plan.result.Executions, outcomes[i])
	}
}

// sortJobs orders by ascending priority, ties by name.
func sortJobs(jobs []*dispatchJob) {
	slices.SortStableFunc(jobs, func(a, b *dispatchJob) int {
		if a.priority != b.priority {
			return a.priority - b.priority
		}
		return strings.Compare(a.name, b.name)
	})
}

// execute records a pending execution, invokes the backend and finalizes the
// record with the outcome.
func (s *dispatchService) execute(ctx context.Context, scope execScope, job *dispatchJob) ExecutionOutcome {
	outcome, _ := s.executeJob(ctx, scope, job)
	return outcome
}

func (s *dispatchService) executeJob(ctx context.Context, scope execScope, job *dispatchJob) (ExecutionOutcome, error) {
	writeCtx := context.WithoutCancel(ctx)

	exec := &models.CommandExecution{
		ID:             uuid.New(),
		SessionID:      scope.sessionID,
		CommandID:      job.commandID(),
		RuleID:         job.ruleID,
		EntityID:       scope.entityID,
		UserID:         scope.userID,
		Status:         models.ExecutionPending,
		StartedAt:      s.now(),
		RetryCount:     job.attempt,
		IdempotencyKey: job.idempotencyKey(scope.sessionID),
	}
	payload := maps.Clone(job.payload)
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["execution_id"] = exec.ID.String()
	payload["attempt"] = job.attempt
	exec.RequestPayload = payload

	outcome := ExecutionOutcome{
		ExecutionID: exec.ID,
		CommandID:   exec.CommandID,
		Command:     job.name,
		RuleID:      job.ruleID,
		Action:      job.action,
		Attempt:     job.attempt,
	}

	if err := s.executionRepo.Create(writeCtx, exec); err != nil {
		s.logger.Error("Failed to record execution, not invoking",
			zap.String("session_id", scope.sessionID.String()),
			zap.String("command", job.name),
			zap.Error(err))
		outcome.ExecutionID = uuid.Nil
		outcome.Status = models.ExecutionFailed
		outcome.Error = "failed to record execution"
		return outcome, err
	}

	callCtx, cancel := context.WithTimeout(ctx, job.timeout)
	res, err := s.invoker.Invoke(callCtx, backend.Request{
		Type:           job.backendType,
		Target:         job.target,
		Payload:        payload,
		Timeout:        job.timeout,
		IdempotencyKey: exec.IdempotencyKey,
	})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	switch {
	case err == nil && res.Success():
		exec.Status = models.ExecutionSuccess
	case err == nil:
		exec.Status = models.ExecutionFailed
		exec.ErrorDetail = fmt.Sprintf("backend returned status %d", res.Status)
	case backend.IsTimeout(err) || timedOut:
		exec.Status = models.ExecutionTimeout
		exec.ErrorDetail = fmt.Sprintf("no reply within %s", job.timeout)
	default:
		exec.Status = models.ExecutionFailed
		exec.ErrorDetail = logging.SanitizeError(err)
	}

	completedAt := s.now()
	exec.CompletedAt = &completedAt

	finalized, ferr := s.executionRepo.Finalize(writeCtx, exec)
	switch {
	case ferr != nil:
		s.logger.Error("Failed to finalize execution",
			zap.String("execution_id", exec.ID.String()),
			zap.Error(ferr))
	case !finalized:
		// A module response arrived first and finalized the row.
		if stored, gerr := s.executionRepo.Get(writeCtx, exec.ID); gerr == nil {
			exec.Status = stored.Status
			exec.ErrorDetail = stored.ErrorDetail
			exec.DurationMs = stored.DurationMs
		}
	}

	outcome.Status = exec.Status
	outcome.Error = exec.ErrorDetail
	outcome.BackendStatus = res.Status
	if exec.DurationMs != nil {
		outcome.DurationMs = *exec.DurationMs
	} else {
		outcome.DurationMs = completedAt.Sub(exec.StartedAt).Milliseconds()
	}
	if len(res.Body) > 0 && json.Valid(res.Body) {
		outcome.Body = json.RawMessage(res.Body)
	}

	if exec.Status == models.ExecutionSuccess {
		s.logger.Debug("Execution succeeded",
			zap.String("execution_id", exec.ID.String()),
			zap.String("command", job.name),
			zap.Int64("duration_ms", outcome.DurationMs))
	} else {
		s.logger.Warn("Execution did not succeed",
			zap.String("execution_id", exec.ID.String()),
			zap.String("command", job.name),
			zap.String("backend", string(job.backendType)),
			zap.String("target", logging.SanitizeURL(job.target)),
			zap.String("status", string(exec.Status)),
			zap.String("error", exec.ErrorDetail),
			zap.String("payload", logging.TruncatePayload(job.payload)))
	}

	return outcome, nil
}

// recordNotice records a warn or block rule action. Nothing is invoked.
func (s *dispatchService) recordNotice(ctx context.Context, scope execScope, job *dispatchJob) ExecutionOutcome {
	now := s.now()
	var zero int64
	exec := &models.CommandExecution{
		ID:             uuid.New(),
		SessionID:      scope.sessionID,
		RuleID:         job.ruleID,
		EntityID:       scope.entityID,
		UserID:         scope.userID,
		RequestPayload: job.payload,
		Status:         models.ExecutionSuccess,
		StartedAt:      now,
		CompletedAt:    &now,
		DurationMs:     &zero,
		IdempotencyKey: job.idempotencyKey(scope.sessionID),
	}

	outcome := ExecutionOutcome{
		ExecutionID: exec.ID,
		Command:     job.name,
		RuleID:      job.ruleID,
		Action:      job.action,
		Message:     job.message,
		Status:      models.ExecutionSuccess,
	}

	if err := s.executionRepo.Create(context.WithoutCancel(ctx), exec); err != nil {
		s.logger.Error("Failed to record rule action",
			zap.String("rule_id", job.ruleID.String()),
			zap.String("action", string(job.action)),
			zap.Error(err))
		outcome.ExecutionID = uuid.Nil
	}
	return outcome
}

// recordUnscheduled records a job the worker pool refused as failed.
func (s *dispatchService) recordUnscheduled(ctx context.Context, scope execScope, job *dispatchJob, cause error) ExecutionOutcome {
	now := s.now()
	var zero int64
	exec := &models.CommandExecution{
		ID:             uuid.New(),
		SessionID:      scope.sessionID,
		CommandID:      job.commandID(),
		RuleID:         job.ruleID,
		EntityID:       scope.entityID,
		UserID:         scope.userID,
		RequestPayload: job.payload,
		Status:         models.ExecutionFailed,
		ErrorDetail:    cause.Error(),
		StartedAt:      now,
		CompletedAt:    &now,
		DurationMs:     &zero,
		RetryCount:     job.attempt,
		IdempotencyKey: job.idempotencyKey(scope.sessionID),
	}

	outcome := ExecutionOutcome{
		ExecutionID: exec.ID,
		CommandID:   exec.CommandID,
		Command:     job.name,
		RuleID:      job.ruleID,
		Action:      job.action,
		Status:      models.ExecutionFailed,
		Error:       exec.ErrorDetail,
		Attempt:     job.attempt,
	}

	if err := s.executionRepo.Create(context.WithoutCancel(ctx), exec); err != nil {
		s.logger.Error("Failed to record unscheduled execution",
			zap.String("command", job.name),
			zap.Error(err))
		outcome.ExecutionID = uuid.Nil
	}
	return outcome
}

func (s *dispatchService) Retry(ctx context.Context, executionID uuid.UUID) (*ExecutionOutcome, error) {
	prev, err := s.executionRepo.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if prev.CommandID == nil {
		return nil, fmt.Errorf("%w: only command executions can be retried", apperrors.ErrInvalidInput)
	}
	if prev.Status != models.ExecutionFailed {
		return nil, fmt.Errorf("%w: execution is %s, only failed executions can be retried", apperrors.ErrInvalidInput, prev.Status)
	}

	session, err := s.sessionRepo.Get(ctx, prev.SessionID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if session.IsExpired(s.now()) {
		return nil, apperrors.ErrInvalidSession
	}

	ran, err := s.commandRepo.Get(ctx, *prev.CommandID)
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}

	scope := execScope{sessionID: prev.SessionID, entityID: prev.EntityID, userID: prev.UserID}
	attempt := prev.RetryCount + 1

	// Permissions follow the active version of the command name.
	ic, err := s.store.Installed(ctx, prev.EntityID, ran.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve command: %w", err)
	}

	cmd := ran
	var perm *models.CommandPermission
	if ic != nil {
		cmd, perm = ic.Command, ic.Permission
	}
	job := s.commandJob(cmd, prev.RequestPayload, attempt)

	if reason, ok := s.checkAdmission(ctx, scope, cmd, perm); !ok {
		rejection := s.recordRejection(ctx, scope, job, reason)
		return &ExecutionOutcome{
			ExecutionID: rejection.ExecutionID,
			CommandID:   rejection.CommandID,
			Command:     rejection.Command,
			Status:      models.ExecutionRejected,
			Error:       string(reason),
			Attempt:     attempt,
		}, nil
	}

	outcome, err := s.executeJob(ctx, scope, job)
	if errors.Is(err, apperrors.ErrConflict) {
		return nil, fmt.Errorf("%w: attempt %d already exists", apperrors.ErrConflict, attempt)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("Execution retried",
		zap.String("previous_execution_id", prev.ID.String()),
		zap.String("execution_id", outcome.ExecutionID.String()),
		zap.Int("attempt", attempt),
		zap.String("status", string(outcome.Status)))

	return &outcome, nil
}
