package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/apperr"
)

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []*Alert
}

func (p *recordingPublisher) PublishAlert(a *Alert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.alerts)
}

func newTestService() (*Service, *MemoryStore, *recordingPublisher) {
	store := NewMemoryStore()
	pub := &recordingPublisher{}
	return NewService(store).WithPublisher(pub), store, pub
}

func raise(t *testing.T, svc *Service) *Alert {
	t.Helper()
	a, err := svc.RaiseAlert(context.Background(), AlertRequest{
		Type:     AlertSecurity,
		Severity: SeverityMedium,
		Title:    "kiosk tamper switch",
	})
	require.NoError(t, err)
	return a
}

func TestRaiseAlert(t *testing.T) {
	svc, _, pub := newTestService()

	a := raise(t, svc)
	assert.Equal(t, AlertOpen, a.Status)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, 1, pub.count())

	got, err := svc.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Title, got.Title)
}

func TestRaiseAlert_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name string
		req  AlertRequest
	}{
		{"bad type", AlertRequest{Type: "NOISE", Severity: SeverityLow, Title: "x"}},
		{"bad severity", AlertRequest{Type: AlertSystem, Severity: "URGENT", Title: "x"}},
		{"missing title", AlertRequest{Type: AlertSystem, Severity: SeverityLow, Title: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RaiseAlert(ctx, tt.req)
			require.ErrorIs(t, err, ErrInvalidAlert)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestAlertLifecycle(t *testing.T) {
	svc, _, pub := newTestService()
	ctx := context.Background()
	a := raise(t, svc)

	acked, err := svc.Acknowledge(ctx, a.ID, "adm_1")
	require.NoError(t, err)
	assert.Equal(t, AlertAcknowledged, acked.Status)
	assert.Equal(t, "adm_1", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)

	resolved, err := svc.Resolve(ctx, a.ID, "adm_2", "replaced panel")
	require.NoError(t, err)
	assert.Equal(t, AlertResolved, resolved.Status)
	assert.Equal(t, "adm_2", resolved.ResolvedBy)
	assert.Equal(t, "replaced panel", resolved.ResolutionNotes)
	assert.Equal(t, "adm_1", resolved.AcknowledgedBy)

	assert.Equal(t, 3, pub.count())

	stored, err := svc.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, AlertResolved, stored.Status)
}

func TestResolveOpenAlertRejected(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	a := raise(t, svc)

	_, err := svc.Resolve(ctx, a.ID, "adm_1", "")
	require.ErrorIs(t, err, ErrInvalidAlertTransition)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	stored, err := svc.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, AlertOpen, stored.Status)
}

func TestTerminalAlertsRejectTransitions(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	a := raise(t, svc)
	_, err := svc.Dismiss(ctx, a.ID, "adm_1", "false positive")
	require.NoError(t, err)

	_, err = svc.Acknowledge(ctx, a.ID, "adm_1")
	assert.ErrorIs(t, err, ErrInvalidAlertTransition)
	assert.Contains(t, err.Error(), "already DISMISSED")
	_, err = svc.Resolve(ctx, a.ID, "adm_1", "")
	assert.ErrorIs(t, err, ErrInvalidAlertTransition)
	_, err = svc.Dismiss(ctx, a.ID, "adm_1", "")
	assert.ErrorIs(t, err, ErrInvalidAlertTransition)
}

func TestTransitionUnknownAlert(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Acknowledge(context.Background(), "alr_missing", "adm_1")
	require.ErrorIs(t, err, ErrAlertNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestConcurrentAcknowledgeSingleWinner(t *testing.T) {
	svc, _, _ := newTestService()
	a := raise(t, svc)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Acknowledge(context.Background(), a.ID, "adm_1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(AlertOpen, AlertAcknowledged))
	assert.True(t, CanTransition(AlertOpen, AlertDismissed))
	assert.True(t, CanTransition(AlertAcknowledged, AlertResolved))
	assert.True(t, CanTransition(AlertAcknowledged, AlertDismissed))
	assert.False(t, CanTransition(AlertOpen, AlertResolved))
	assert.False(t, CanTransition(AlertResolved, AlertOpen))
	assert.False(t, CanTransition(AlertDismissed, AlertAcknowledged))
	assert.True(t, AlertResolved.IsTerminal())
	assert.False(t, AlertAcknowledged.IsTerminal())
}

func TestLogVerification_GeographicViolationRaisesAlert(t *testing.T) {
	svc, store, pub := newTestService()
	ctx := context.Background()

	v, err := svc.LogVerification(ctx, VerificationRequest{
		ClientID:            "cli_1",
		ProgramID:           "prg_1",
		KioskID:             "ksk_9",
		Status:              VerificationFlagged,
		FailureReason:       "kiosk outside client area",
		GeographicViolation: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)

	alerts, err := store.ListAlerts(ctx, AlertFilter{Type: AlertViolation})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "cli_1", alerts[0].AffectedClientID)
	assert.Equal(t, v.ID, alerts[0].SourceID)
	assert.Equal(t, 1, pub.count())
}

func TestLogVerification_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	score := 1.5

	tests := []struct {
		name string
		req  VerificationRequest
	}{
		{"missing client", VerificationRequest{KioskID: "k", Status: VerificationSuccess}},
		{"missing kiosk", VerificationRequest{ClientID: "c", Status: VerificationSuccess}},
		{"bad status", VerificationRequest{ClientID: "c", KioskID: "k", Status: "MAYBE"}},
		{"score out of range", VerificationRequest{ClientID: "c", KioskID: "k", Status: VerificationSuccess, ConfidenceScore: &score}},
		{"failure without reason", VerificationRequest{ClientID: "c", KioskID: "k", Status: VerificationFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.LogVerification(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidVerification)
		})
	}
}

func TestRecord_StampsEntry(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := access.WithIdentity(context.Background(), access.Identity{CallerID: "adm_7", Role: access.RoleAdmin})

	e := &Entry{Operation: OpTokenIssued, SubjectID: "tok_1"}
	require.NoError(t, svc.Record(ctx, e))

	entries, err := store.ListEntries(ctx, EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "adm_7", entries[0].ActorID)
	assert.Equal(t, OutcomeApplied, entries[0].Outcome)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestRecord_StorageFailure(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()
	store.FailAppends(apperr.Unavailable(errors.New("connection refused")))

	err := svc.Record(ctx, &Entry{Operation: OpTokenRedeemed, SubjectID: "tok_1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))

	// Best effort swallows the failure after logging it.
	svc.RecordBestEffort(ctx, &Entry{Operation: OpTokenRedeemRejected, SubjectID: "tok_1"})

	store.FailAppends(nil)
	require.NoError(t, svc.Record(ctx, &Entry{Operation: OpTokenRedeemed, SubjectID: "tok_1"}))
}

func TestListEntries_Pagination(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	for _, subject := range []string{"tok_a", "tok_b", "tok_c"} {
		require.NoError(t, svc.Record(ctx, &Entry{Operation: OpTokenIssued, SubjectID: subject}))
	}

	first, err := svc.ListEntries(ctx, EntryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)
	assert.NotEmpty(t, first.NextCursor)

	second, err := svc.ListEntries(ctx, EntryFilter{After: first.Items[1].ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, "tok_c", second.Items[0].SubjectID)
}
