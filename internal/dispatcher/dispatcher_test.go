package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"salonpro-notify/internal/model"
	"salonpro-notify/internal/quota"
	"salonpro-notify/internal/sms"
)

type retryCall struct {
	id              uuid.UUID
	currentAttempts int
	reason          string
}

type fakeStore struct {
	mu           sync.Mutex
	pending      []*model.ScheduledNotification
	claimErr     error
	retryErr     error
	failErr      error
	claimStarted chan struct{}
	claimBlock   chan struct{}
	claimCalls   int
	sent         map[uuid.UUID]string
	failed       map[uuid.UUID]string
	retries      []retryCall
	quotaRetries []retryCall
}

func newFakeStore(pending ...*model.ScheduledNotification) *fakeStore {
	return &fakeStore{
		pending: pending,
		sent:    make(map[uuid.UUID]string),
		failed:  make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) ClaimDueBatch(ctx context.Context, limit int) ([]*model.ScheduledNotification, error) {
	if s.claimStarted != nil {
		close(s.claimStarted)
		s.claimStarted = nil
	}
	if s.claimBlock != nil {
		<-s.claimBlock
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.claimCalls++
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	if limit > len(s.pending) {
		limit = len(s.pending)
	}
	batch := s.pending[:limit]
	s.pending = s.pending[limit:]
	return batch, nil
}

func (s *fakeStore) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[id] = providerMessageID
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.failed[id] = reason
	return nil
}

func (s *fakeStore) ScheduleRetry(ctx context.Context, id uuid.UUID, currentAttempts int, reason string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryErr != nil {
		return time.Time{}, s.retryErr
	}
	s.retries = append(s.retries, retryCall{id, currentAttempts, reason})
	return time.Now().Add(time.Minute), nil
}

func (s *fakeStore) ScheduleQuotaRetry(ctx context.Context, id uuid.UUID, currentAttempts int, reason string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaRetries = append(s.quotaRetries, retryCall{id, currentAttempts, reason})
	return time.Now().Add(30 * time.Minute), nil
}

type quotaCall struct {
	salonID uuid.UUID
	purpose string
}

type fakeQuota struct {
	mu        sync.Mutex
	remaining int64
	err       error
	calls     []quotaCall
}

func (q *fakeQuota) Consume(ctx context.Context, salonID uuid.UUID, relatedID *uuid.UUID, purpose string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, quotaCall{salonID, purpose})
	if q.err != nil {
		return 0, q.err
	}
	return q.remaining, nil
}

type fakeChannel struct {
	mu          sync.Mutex
	primaryErr  error
	directErr   error
	sendCalls   int
	directCalls int
}

func (c *fakeChannel) Send(ctx context.Context, salonID uuid.UUID, recipient, text string) (*sms.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	if c.primaryErr != nil {
		return nil, c.primaryErr
	}
	return &sms.SendResult{ProviderMessageID: "prov-123", Channel: "primary"}, nil
}

func (c *fakeChannel) SendDirect(ctx context.Context, recipient, text string) (*sms.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directCalls++
	if c.directErr != nil {
		return nil, c.directErr
	}
	return &sms.SendResult{ProviderMessageID: "direct-456", Channel: "direct"}, nil
}

type fakeRenderer struct {
	err      error
	panicMsg string
}

func (r *fakeRenderer) Render(n *model.ScheduledNotification) (string, error) {
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	if r.err != nil {
		return "", r.err
	}
	return "rendered text", nil
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []*model.DeliveryRecord
}

func (a *fakeAuditor) Record(ctx context.Context, rec *model.DeliveryRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *fakeAuditor) byOutcome(outcome string) []*model.DeliveryRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*model.DeliveryRecord
	for _, r := range a.records {
		if r.Outcome == outcome {
			out = append(out, r)
		}
	}
	return out
}

func notification(t model.NotificationType, attempts int) *model.ScheduledNotification {
	apptID := uuid.New()
	return &model.ScheduledNotification{
		ID:            uuid.New(),
		SalonID:       uuid.New(),
		Type:          t,
		Recipient:     "+358401234567",
		Variables:     model.AppointmentVariables{CustomerName: "Maija", SalonName: "Studio Hius", ServiceName: "Haircut", StartsAt: time.Now().Add(24 * time.Hour)},
		AppointmentID: &apptID,
		Status:        model.StatusPending,
		AttemptCount:  attempts,
		NextAttemptAt: time.Now().Add(-time.Minute),
	}
}

func newTestDispatcher(store Store, q QuotaGate, ch Channel, r Renderer, a Auditor) *Dispatcher {
	return NewDispatcher(store, q, ch, r, a, zap.NewNop()).
		WithBatchSize(20).
		WithSendTimeout(time.Second)
}

func TestRunTickSuccess(t *testing.T) {
	// Scenario: attempts=2/3, not quota gated, send succeeds.
	n := notification(model.TypeReminder24H, 2)
	store := newFakeStore(n)
	q := &fakeQuota{}
	ch := &fakeChannel{}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, q, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	assert.Equal(t, "prov-123", store.sent[n.ID])
	assert.Empty(t, store.failed)
	assert.Empty(t, store.retries)
	assert.Empty(t, q.calls, "non-gated type must not touch the quota gate")

	sent := auditor.byOutcome(model.OutcomeSent)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Success)
	assert.Equal(t, "prov-123", sent[0].ProviderMessageID)
	assert.Equal(t, 3, sent[0].AttemptNumber)
}

func TestRunTickTransientFailureSchedulesRetry(t *testing.T) {
	n := notification(model.TypeReminder24H, 1)
	store := newFakeStore(n)
	ch := &fakeChannel{primaryErr: &sms.SendError{Class: sms.ClassTransient, Message: "send request failed", Err: context.DeadlineExceeded}}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	require.Len(t, store.retries, 1)
	assert.Equal(t, n.ID, store.retries[0].id)
	assert.Equal(t, 1, store.retries[0].currentAttempts)
	assert.Empty(t, store.failed)
	assert.Empty(t, store.sent)
	assert.Equal(t, 0, ch.directCalls, "a timeout must not trigger fallback")

	failed := auditor.byOutcome(model.OutcomeRetry)
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Success)
	assert.NotNil(t, failed[0].NextAttemptAt)
}

func TestRunTickFinalAttemptFailureIsTerminal(t *testing.T) {
	// The third failure of three is terminal in the same pass.
	n := notification(model.TypeReminder24H, 2)
	store := newFakeStore(n)
	ch := &fakeChannel{primaryErr: &sms.SendError{Class: sms.ClassTransient, Message: "gateway 5xx: 503"}}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	require.Contains(t, store.failed, n.ID)
	assert.Contains(t, store.failed[n.ID], "max attempts exceeded")
	assert.Empty(t, store.retries)

	terminal := auditor.byOutcome(model.OutcomeFailed)
	require.Len(t, terminal, 1)
	assert.Equal(t, 3, terminal[0].AttemptNumber)
}

func TestRunTickAttemptCeilingSkipsSend(t *testing.T) {
	n := notification(model.TypeReminder24H, 3)
	store := newFakeStore(n)
	ch := &fakeChannel{}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	assert.Equal(t, 0, ch.sendCalls)
	assert.Equal(t, "max attempts exceeded", store.failed[n.ID])
}

func TestRunTickPerRecordMaxAttemptsOverride(t *testing.T) {
	n := notification(model.TypeReminder24H, 4)
	override := 5
	n.MaxAttempts = &override
	store := newFakeStore(n)
	ch := &fakeChannel{}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, &fakeAuditor{})
	d.RunTick(context.Background())

	// 4 < 5: the override grants another send.
	assert.Equal(t, 1, ch.sendCalls)
	assert.Contains(t, store.sent, n.ID)
}

func TestRunTickMissingRecipientIsTerminal(t *testing.T) {
	n := notification(model.TypeReminder24H, 0)
	n.Recipient = ""
	store := newFakeStore(n)
	ch := &fakeChannel{}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, &fakeAuditor{})
	d.RunTick(context.Background())

	assert.Equal(t, 0, ch.sendCalls)
	assert.Equal(t, "recipient has no usable address", store.failed[n.ID])
}

func TestRunTickQuotaBlocked(t *testing.T) {
	// Scenario: CONFIRMATION with quota exceeded, attempts=0/3.
	n := notification(model.TypeConfirmation, 0)
	store := newFakeStore(n)
	q := &fakeQuota{err: quota.ErrQuotaExceeded}
	ch := &fakeChannel{}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, q, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	assert.Equal(t, 0, ch.sendCalls, "no send may occur on a quota block")
	assert.Equal(t, 0, ch.directCalls)
	require.Len(t, store.quotaRetries, 1)
	assert.Equal(t, 0, store.quotaRetries[0].currentAttempts)
	assert.Empty(t, store.retries)
	assert.Empty(t, store.failed)

	blocked := auditor.byOutcome(model.OutcomeQuotaBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, 1, blocked[0].AttemptNumber)
}

func TestRunTickQuotaExhaustedNoAttemptsLeft(t *testing.T) {
	n := notification(model.TypeConfirmation, 2)
	store := newFakeStore(n)
	q := &fakeQuota{err: quota.ErrQuotaExceeded}
	ch := &fakeChannel{}

	d := newTestDispatcher(store, q, ch, &fakeRenderer{}, &fakeAuditor{})
	d.RunTick(context.Background())

	assert.Equal(t, 0, ch.sendCalls)
	assert.Empty(t, store.quotaRetries)
	assert.Contains(t, store.failed[n.ID], "quota exhausted")
}

func TestRunTickQuotaGateTechnicalErrorProceeds(t *testing.T) {
	n := notification(model.TypeConfirmation, 0)
	store := newFakeStore(n)
	q := &fakeQuota{err: errors.New("redis: connection refused")}
	ch := &fakeChannel{}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, q, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	// Availability wins over strict accounting for gate outages.
	assert.Equal(t, 1, ch.sendCalls)
	assert.Contains(t, store.sent, n.ID)

	sent := auditor.byOutcome(model.OutcomeSent)
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].QuotaRemaining)
}

func TestRunTickQuotaConsumedBeforeSend(t *testing.T) {
	n := notification(model.TypeConfirmation, 0)
	store := newFakeStore(n)
	q := &fakeQuota{remaining: 7}
	ch := &fakeChannel{}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, q, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	require.Len(t, q.calls, 1)
	assert.Equal(t, n.SalonID, q.calls[0].salonID)
	assert.Equal(t, "appointment_confirmation", q.calls[0].purpose)
	assert.Equal(t, 1, ch.sendCalls)

	sent := auditor.byOutcome(model.OutcomeSent)
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].QuotaRemaining)
	assert.Equal(t, int64(7), *sent[0].QuotaRemaining)
}

func TestRunTickFallbackOnNotConfigured(t *testing.T) {
	n := notification(model.TypeReminder24H, 0)
	store := newFakeStore(n)
	ch := &fakeChannel{primaryErr: &sms.SendError{Class: sms.ClassNotConfigured, Message: "channel not usable: channel_disabled"}}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	assert.Equal(t, 1, ch.sendCalls)
	assert.Equal(t, 1, ch.directCalls)
	assert.Equal(t, "direct-456", store.sent[n.ID])

	sent := auditor.byOutcome(model.OutcomeSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "direct", sent[0].Channel)
}

func TestRunTickNoFallbackOnRejection(t *testing.T) {
	n := notification(model.TypeReminder24H, 0)
	store := newFakeStore(n)
	ch := &fakeChannel{primaryErr: &sms.SendError{Class: sms.ClassRejected, Message: "invalid recipient"}}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, &fakeAuditor{})
	d.RunTick(context.Background())

	assert.Equal(t, 0, ch.directCalls)
	require.Len(t, store.retries, 1)
}

func TestRunTickFallbackFailureSchedulesRetry(t *testing.T) {
	n := notification(model.TypeReminder24H, 0)
	store := newFakeStore(n)
	ch := &fakeChannel{
		primaryErr: &sms.SendError{Class: sms.ClassNotConfigured, Message: "channel not usable: missing_credentials"},
		directErr:  &sms.SendError{Class: sms.ClassTransient, Message: "gateway 5xx: 502"},
	}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	assert.Equal(t, 1, ch.directCalls)
	require.Len(t, store.retries, 1)
	assert.Contains(t, store.retries[0].reason, "direct fallback failed")
}

func TestRunTickClaimErrorEndsTickQuietly(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("connection refused")

	d := newTestDispatcher(store, &fakeQuota{}, &fakeChannel{}, &fakeRenderer{}, &fakeAuditor{})
	d.RunTick(context.Background())

	assert.Equal(t, 1, store.claimCalls)
	assert.Empty(t, store.sent)
	assert.Empty(t, store.failed)
}

func TestRunTickEmptyClaimIsNoop(t *testing.T) {
	store := newFakeStore()
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, &fakeChannel{}, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	assert.Empty(t, auditor.records)
}

func TestRunTickSkipsWhileInFlight(t *testing.T) {
	store := newFakeStore()
	store.claimStarted = make(chan struct{})
	store.claimBlock = make(chan struct{})

	d := newTestDispatcher(store, &fakeQuota{}, &fakeChannel{}, &fakeRenderer{}, &fakeAuditor{})

	started := store.claimStarted
	done := make(chan struct{})
	go func() {
		d.RunTick(context.Background())
		close(done)
	}()

	<-started

	// Second tick while the first is still claiming: must be a no-op.
	d.RunTick(context.Background())

	close(store.claimBlock)
	<-done

	assert.Equal(t, 1, store.claimCalls)
}

func TestRunTickPanicInOneMessageDoesNotAbortBatch(t *testing.T) {
	bad := notification(model.TypeReminder24H, 0)
	good := notification(model.TypeReminder24H, 0)
	store := newFakeStore(bad, good)
	auditor := &fakeAuditor{}

	renderer := &selectiveRenderer{panicFor: bad.ID}
	d := newTestDispatcher(store, &fakeQuota{}, &fakeChannel{}, renderer, auditor)
	d.RunTick(context.Background())

	assert.Contains(t, store.sent, good.ID)
	require.Len(t, store.retries, 1)
	assert.Equal(t, bad.ID, store.retries[0].id)
	assert.Contains(t, store.retries[0].reason, "panic")
}

type selectiveRenderer struct {
	panicFor uuid.UUID
}

func (r *selectiveRenderer) Render(n *model.ScheduledNotification) (string, error) {
	if n.ID == r.panicFor {
		panic("boom")
	}
	return "rendered text", nil
}

func TestConcurrentDispatchersClaimDisjointSets(t *testing.T) {
	// Scenario: two dispatcher instances tick against the same store state
	// with 5 eligible rows; the union of their batches has exactly 5 ids
	// and no duplicates.
	var pending []*model.ScheduledNotification
	for i := 0; i < 5; i++ {
		pending = append(pending, notification(model.TypeReminder24H, 0))
	}
	store := newFakeStore(pending...)
	auditor := &fakeAuditor{}

	d1 := newTestDispatcher(store, &fakeQuota{}, &fakeChannel{}, &fakeRenderer{}, auditor)
	d2 := newTestDispatcher(store, &fakeQuota{}, &fakeChannel{}, &fakeRenderer{}, auditor)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); d1.RunTick(context.Background()) }()
	go func() { defer wg.Done(); d2.RunTick(context.Background()) }()
	wg.Wait()

	assert.Len(t, store.sent, 5)
	for _, n := range pending {
		if _, ok := store.sent[n.ID]; !ok {
			t.Errorf("notification %s was never processed", n.ID)
		}
	}
	// Exactly one audit record per notification means no double-claims.
	assert.Len(t, auditor.byOutcome(model.OutcomeSent), 5)
}

func TestRetryStoreErrorStillAudits(t *testing.T) {
	// The audit trail records the attempt even when the retry write fails.
	n := notification(model.TypeReminder24H, 0)
	store := newFakeStore(n)
	store.retryErr = errors.New("connection refused")
	ch := &fakeChannel{primaryErr: &sms.SendError{Class: sms.ClassTransient, Message: "gateway 5xx: 502"}}
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, ch, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	recs := auditor.byOutcome(model.OutcomeRetry)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Nil(t, recs[0].NextAttemptAt, "no retry time was persisted")
}

func TestTerminalStoreErrorStillAudits(t *testing.T) {
	n := notification(model.TypeReminder24H, 3)
	store := newFakeStore(n)
	store.failErr = errors.New("connection refused")
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, &fakeChannel{}, &fakeRenderer{}, auditor)
	d.RunTick(context.Background())

	recs := auditor.byOutcome(model.OutcomeFailed)
	require.Len(t, recs, 1)
	assert.Equal(t, n.ID, recs[0].NotificationID)
}

func TestRenderFailureRoutesToRetry(t *testing.T) {
	n := notification(model.TypeReminder24H, 0)
	store := newFakeStore(n)
	auditor := &fakeAuditor{}

	d := newTestDispatcher(store, &fakeQuota{}, &fakeChannel{}, &fakeRenderer{err: fmt.Errorf("unknown notification type")}, auditor)
	d.RunTick(context.Background())

	require.Len(t, store.retries, 1)
	assert.Empty(t, store.sent)
}
