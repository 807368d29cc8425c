package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-router/pkg/display"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

type mockForwarder struct {
	mu       sync.Mutex
	messages []display.Message
	err      error
}

func (m *mockForwarder) Forward(ctx context.Context, msg display.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.err
}

type correlatorFixture struct {
	data      *mockRouterData
	svc       *correlatorService
	forwarder *mockForwarder
	tx        *mockTxRunner
	entity    *models.Entity
	clock     time.Time
}

func newCorrelatorFixture(t *testing.T) *correlatorFixture {
	t.Helper()
	data := newMockRouterData()
	f := &correlatorFixture{
		data:      data,
		forwarder: &mockForwarder{},
		tx:        &mockTxRunner{},
		entity:    data.addEntity(true),
		clock:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc := NewCorrelatorService(
		&mockSessionRepository{d: data},
		&mockExecutionRepository{d: data},
		&mockModuleResponseRepository{d: data},
		f.tx,
		f.forwarder,
		time.Minute,
		zap.NewNop(),
	).(*correlatorService)
	svc.now = func() time.Time { return f.clock }
	f.svc = svc
	return f
}

func (f *correlatorFixture) open(t *testing.T) *models.Session {
	t.Helper()
	session, err := f.svc.OpenSession(context.Background(), f.entity.ID, &models.Event{
		MessageType: models.MessageTypeChat,
		UserID:      "user-1",
	})
	require.NoError(t, err)
	return session
}

func (f *correlatorFixture) pendingExecution(t *testing.T, session *models.Session) *models.CommandExecution {
	t.Helper()
	exec := &models.CommandExecution{
		SessionID:      session.ID,
		EntityID:       session.EntityID,
		Status:         models.ExecutionPending,
		StartedAt:      f.clock,
		IdempotencyKey: session.ID.String() + ":ping:0",
	}
	require.NoError(t, (&mockExecutionRepository{d: f.data}).Create(context.Background(), exec))
	return exec
}

func TestCorrelator_OpenSessionAppliesTTL(t *testing.T) {
	f := newCorrelatorFixture(t)

	session := f.open(t)
	assert.Equal(t, f.entity.ID, session.EntityID)
	assert.Equal(t, models.MessageTypeChat, session.MessageType)
	assert.Equal(t, f.clock.Add(time.Minute), session.ExpiresAt)

	stored, ok := f.data.sessions[session.ID]
	require.True(t, ok)
	assert.Equal(t, session.ExpiresAt, stored.ExpiresAt)
}

func TestCorrelator_SubmitFinalizesPendingExecution(t *testing.T) {
	f := newCorrelatorFixture(t)
	session := f.open(t)
	exec := f.pendingExecution(t, session)

	resp, err := f.svc.SubmitResponse(context.Background(), session.ID, ResponseSubmission{
		ExecutionID:  exec.ID,
		ResponseKind: models.ResponseChat,
		Success:      true,
		Body:         map[string]any{"text": "pong"},
	})
	require.NoError(t, err)
	assert.Equal(t, exec.ID, resp.ExecutionID)
	assert.Equal(t, 1, f.tx.calls)

	stored := f.data.execution(exec.ID)
	assert.Equal(t, models.ExecutionSuccess, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	// Chat replies are not display traffic.
	assert.Empty(t, f.forwarder.messages)
}

func TestCorrelator_FailedResponseMarksExecutionFailed(t *testing.T) {
	f := newCorrelatorFixture(t)
	session := f.open(t)
	exec := f.pendingExecution(t, session)

	_, err := f.svc.SubmitResponse(context.Background(), session.ID, ResponseSubmission{
		ExecutionID:  exec.ID,
		ResponseKind: models.ResponseGeneral,
		Success:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, f.data.execution(exec.ID).Status)
}

func TestCorrelator_TerminalExecutionIsNotRewritten(t *testing.T) {
	f := newCorrelatorFixture(t)
	session := f.open(t)
	exec := f.pendingExecution(t, session)
	f.data.executions[exec.ID].Status = models.ExecutionTimeout

	_, err := f.svc.SubmitResponse(context.Background(), session.ID, ResponseSubmission{
		ExecutionID:  exec.ID,
		ResponseKind: models.ResponseChat,
		Success:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionTimeout, f.data.execution(exec.ID).Status)
	assert.Contains(t, f.data.responses, exec.ID)
}

func TestCorrelator_DuplicateResponseConflicts(t *testing.T) {
	f := newCorrelatorFixture(t)
	session := f.open(t)
	exec := f.pendingExecution(t, session)
	sub := ResponseSubmission{ExecutionID: exec.ID, ResponseKind: models.ResponseChat, Success: true}

	_, err := f.svc.SubmitResponse(context.Background(), session.ID, sub)
	require.NoError(t, err)

	_, err = f.svc.SubmitResponse(context.Background(), session.ID, sub)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCorrelator_ForwardsDisplayKinds(t *testing.T) {
	for _, kind := range []models.ResponseKind{models.ResponseMedia, models.ResponseTicker, models.ResponseGeneral, models.ResponseForm} {
		t.Run(string(kind), func(t *testing.T) {
			f := newCorrelatorFixture(t)
			session := f.open(t)
			exec := f.pendingExecution(t, session)

			_, err := f.svc.SubmitResponse(context.Background(), session.ID, ResponseSubmission{
				ExecutionID:  exec.ID,
				ResponseKind: kind,
				Success:      true,
				Body:         map[string]any{"url": "https://cdn.example.com/clip.mp4"},
			})
			require.NoError(t, err)

			require.Len(t, f.forwarder.messages, 1)
			msg := f.forwarder.messages[0]
			assert.Equal(t, kind, msg.ResponseKind)
			assert.Equal(t, f.entity.ID, msg.EntityID)
			assert.Equal(t, exec.ID, msg.ExecutionID)
		})
	}
}

func TestCorrelator_DisplayFailureDoesNotFailSubmit(t *testing.T) {
	f := newCorrelatorFixture(t)
	f.forwarder.err = errors.New("display service returned status 503")
	session := f.open(t)
	exec := f.pendingExecution(t, session)

	_, err := f.svc.SubmitResponse(context.Background(), session.ID, ResponseSubmission{
		ExecutionID:  exec.ID,
		ResponseKind: models.ResponseTicker,
		Success:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, f.data.execution(exec.ID).Status)
}

func TestCorrelator_InvalidSession(t *testing.T) {
	f := newCorrelatorFixture(t)

	t.Run("unknown", func(t *testing.T) {
		_, err := f.svc.SubmitResponse(context.Background(), uuid.New(), ResponseSubmission{
			ExecutionID:  uuid.New(),
			ResponseKind: models.ResponseChat,
		})
		assert.ErrorIs(t, err, apperrors.ErrInvalidSession)
	})

	t.Run("expired", func(t *testing.T) {
		session := f.open(t)
		exec := f.pendingExecution(t, session)
		f.clock = f.clock.Add(2 * time.Minute)

		_, err := f.svc.SubmitResponse(context.Background(), session.ID, ResponseSubmission{
			ExecutionID:  exec.ID,
			ResponseKind: models.ResponseChat,
		})
		assert.ErrorIs(t, err, apperrors.ErrInvalidSession)
		assert.Equal(t, models.ExecutionPending, f.data.execution(exec.ID).Status)
	})
}

func TestCorrelator_SessionOpenedElsewhereIsLoadedFromStorage(t *testing.T) {
	f := newCorrelatorFixture(t)
	session := &models.Session{
		ID:        uuid.New(),
		EntityID:  f.entity.ID,
		OpenedAt:  f.clock,
		ExpiresAt: f.clock.Add(time.Minute),
	}
	f.data.sessions[session.ID] = session
	exec := f.pendingExecution(t, session)

	_, err := f.svc.SubmitResponse(context.Background(), session.ID, ResponseSubmission{
		ExecutionID:  exec.ID,
		ResponseKind: models.ResponseChat,
		Success:      true,
	})
	require.NoError(t, err)
}

func TestCorrelator_ExecutionMustBelongToSession(t *testing.T) {
	f := newCorrelatorFixture(t)
	mine := f.open(t)
	other := f.open(t)
	exec := f.pendingExecution(t, other)

	_, err := f.svc.SubmitResponse(context.Background(), mine.ID, ResponseSubmission{
		ExecutionID:  exec.ID,
		ResponseKind: models.ResponseChat,
	})
	assert.ErrorIs(t, err, apperrors.ErrExecutionMismatch)

	_, err = f.svc.SubmitResponse(context.Background(), mine.ID, ResponseSubmission{
		ExecutionID:  uuid.New(),
		ResponseKind: models.ResponseChat,
	})
	assert.ErrorIs(t, err, apperrors.ErrExecutionMismatch)
	assert.Empty(t, f.data.responses)
}

func TestCorrelator_RejectsUnknownKind(t *testing.T) {
	f := newCorrelatorFixture(t)
	session := f.open(t)

	_, err := f.svc.SubmitResponse(context.Background(), session.ID, ResponseSubmission{
		ExecutionID:  uuid.New(),
		ResponseKind: "hologram",
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCorrelator_SweepExpired(t *testing.T) {
	f := newCorrelatorFixture(t)
	expired := f.open(t)
	f.clock = f.clock.Add(30 * time.Second)
	live := f.open(t)

	f.clock = f.clock.Add(45 * time.Second)
	n, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := f.svc.sessions.Load(expired.ID)
	assert.False(t, ok)
	_, ok = f.svc.sessions.Load(live.ID)
	assert.True(t, ok)
	assert.NotContains(t, f.data.sessions, expired.ID)
	assert.Contains(t, f.data.sessions, live.ID)
}
