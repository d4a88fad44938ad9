package tokens

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/money"
)

type fakePrograms struct {
	mu     sync.Mutex
	active map[string]string
}

func (f *fakePrograms) IssuableArea(_ context.Context, programID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	area, ok := f.active[programID]
	return area, ok, nil
}

func (f *fakePrograms) deactivate(programID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, programID)
}

type fakeViolations struct {
	mu      sync.Mutex
	reasons map[string][]string
}

func (f *fakeViolations) RecordViolation(_ context.Context, programID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reasons == nil {
		f.reasons = make(map[string][]string)
	}
	f.reasons[programID] = append(f.reasons[programID], reason)
	return nil
}

type fakeKiosks map[string]string

func (f fakeKiosks) KioskArea(_ context.Context, kioskID string) (string, bool, error) {
	area, ok := f[kioskID]
	return area, ok, nil
}

type testEnv struct {
	svc        *Service
	store      *MemoryStore
	auditStore *audit.MemoryStore
	programs   *fakePrograms
	violations *fakeViolations
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	store := NewMemoryStore(auditStore)
	programs := &fakePrograms{active: map[string]string{"prg_1": "NRB-01"}}
	violations := &fakeViolations{}
	svc := NewService(store, audit.NewService(auditStore)).
		WithPrograms(programs).
		WithViolations(violations).
		WithKiosks(fakeKiosks{"ksk_nrb": "NRB-01", "ksk_msa": "MSA-02"})
	svc.now = func() time.Time { return wednesday }
	return &testEnv{svc: svc, store: store, auditStore: auditStore, programs: programs, violations: violations}
}

func (e *testEnv) issue(t *testing.T, amount, weekly string) *Token {
	t.Helper()
	tok, err := e.svc.Issue(context.Background(), IssueRequest{
		ClientID:    "cli_1",
		ProgramID:   "prg_1",
		Amount:      money.MustParse(amount),
		WeeklyLimit: money.MustParse(weekly),
	})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) entries(t *testing.T, op string) []*audit.Entry {
	t.Helper()
	entries, err := e.auditStore.ListEntries(context.Background(), audit.EntryFilter{Operation: op})
	require.NoError(t, err)
	return entries
}

func TestIssue(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issue(t, "500.00", "100.00")

	assert.Equal(t, StatusActive, tok.Status)
	assert.Equal(t, "NRB-01", tok.AreaCode, "area defaults to the program's")
	assert.True(t, tok.WeeklyRedeemed.IsZero())
	assert.Len(t, env.entries(t, audit.OpTokenIssued), 1)
}

func TestIssue_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     IssueRequest
		wantErr error
	}{
		{"largest storable amount", IssueRequest{ClientID: "c", ProgramID: "prg_1", Amount: money.MaxAmount, WeeklyLimit: money.MaxAmount}, nil},
		{"zero amount", IssueRequest{ClientID: "c", ProgramID: "prg_1", Amount: 0, WeeklyLimit: 100}, ErrInvalidAmount},
		{"zero weekly limit", IssueRequest{ClientID: "c", ProgramID: "prg_1", Amount: 100, WeeklyLimit: 0}, ErrInvalidAmount},
		{"missing client", IssueRequest{ProgramID: "prg_1", Amount: 100, WeeklyLimit: 100}, ErrInvalidToken},
		{"bad area", IssueRequest{ClientID: "c", ProgramID: "prg_1", Amount: 100, WeeklyLimit: 100, AreaCode: "nairobi central"}, ErrInvalidAreaCode},
		{"inactive program", IssueRequest{ClientID: "c", ProgramID: "prg_gone", Amount: 100, WeeklyLimit: 100}, ErrProgramNotActive},
		{"amount past column range", IssueRequest{ClientID: "c", ProgramID: "prg_1", Amount: money.MaxAmount + 1, WeeklyLimit: 100}, ErrInvalidAmount},
		{"weekly limit past column range", IssueRequest{ClientID: "c", ProgramID: "prg_1", Amount: 100, WeeklyLimit: money.FromCents(math.MaxInt64)}, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Issue(ctx, tt.req)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRedeem_InclusiveWeeklyLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issue(t, "500.00", "100.00")

	_, err := env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("80.00")})
	require.NoError(t, err)

	res, err := env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("20.00")})
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("100.00"), res.Token.WeeklyRedeemed)
	assert.Equal(t, StatusRedeemed, res.Token.Status)

	_, err = env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("0.01")})
	require.ErrorIs(t, err, ErrWeeklyLimitExceeded)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	stored, err := env.svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("100.00"), stored.WeeklyRedeemed)

	assert.Len(t, env.entries(t, audit.OpTokenRedeemed), 2)
	rejected := env.entries(t, audit.OpTokenRedeemRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "weekly_limit_exceeded", rejected[0].Code)
	assert.Equal(t, audit.OutcomeRejected, rejected[0].Outcome)
}

func TestRedeem_OversizedAmountLeavesCountersAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issue(t, "500.00", "100.00")

	_, err := env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("80.00")})
	require.NoError(t, err)

	_, err = env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.FromCents(math.MaxInt64 - 7999)})
	require.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MaxAmount})
	require.ErrorIs(t, err, ErrWeeklyLimitExceeded)

	stored, err := env.svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("80.00"), stored.WeeklyRedeemed)
	assert.Equal(t, money.MustParse("80.00"), stored.TotalRedeemed)
	assert.Equal(t, StatusActive, stored.Status)
	assert.Len(t, env.entries(t, audit.OpTokenRedeemRejected), 2)
}

func TestRedeem_NextWeekReactivates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issue(t, "500.00", "100.00")

	_, err := env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("100.00")})
	require.NoError(t, err)

	env.svc.now = func() time.Time { return wednesday.AddDate(0, 0, 7) }
	res, err := env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("60.00")})
	require.NoError(t, err)
	assert.True(t, res.Decision.RolledOver)
	assert.Equal(t, money.MustParse("60.00"), res.Token.WeeklyRedeemed)
	assert.Equal(t, money.MustParse("160.00"), res.Token.TotalRedeemed)
	assert.Equal(t, StatusActive, res.Token.Status)
}

func TestRedeem_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Redeem(context.Background(), "tok_missing", RedeemRequest{Amount: 100})
	require.ErrorIs(t, err, ErrTokenNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRedeem_KioskAreaMismatchReportsViolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issue(t, "500.00", "100.00")

	_, err := env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("5.00"), KioskID: "ksk_msa"})
	require.ErrorIs(t, err, ErrAreaMismatch)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Len(t, env.violations.reasons["prg_1"], 1)

	// Same kiosk area passes; unknown kiosks skip the area check.
	_, err = env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("5.00"), KioskID: "ksk_nrb"})
	require.NoError(t, err)
	_, err = env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("5.00"), KioskID: "ksk_unknown"})
	require.NoError(t, err)
}

func TestRedeem_ProgramNoLongerActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issue(t, "500.00", "100.00")
	env.programs.deactivate("prg_1")

	_, err := env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("5.00")})
	require.ErrorIs(t, err, ErrProgramNotActive)

	stored, err := env.svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.True(t, stored.TotalRedeemed.IsZero())
}

func TestRedeem_AuditFailureLeavesTokenUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issue(t, "500.00", "100.00")

	env.auditStore.FailAppends(apperr.Unavailable(errors.New("disk full")))
	_, err := env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("10.00")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))

	env.auditStore.FailAppends(nil)
	stored, err := env.svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.True(t, stored.WeeklyRedeemed.IsZero())
	assert.Equal(t, tok.Version, stored.Version)
}

func TestRedeem_ConcurrentOverLimitSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	tok := env.issue(t, "500.00", "100.00")

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, limited := 0, 0
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.Redeem(context.Background(), tok.ID, RedeemRequest{Amount: money.MustParse("60.00")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrWeeklyLimitExceeded):
				limited++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, limited)

	stored, err := env.svc.Get(context.Background(), tok.ID)
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("60.00"), stored.WeeklyRedeemed)
}

// Random redemption sequences never break the weekly or face value caps.
func TestRedeem_RandomSequencesKeepCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 25; run++ {
		env := newTestEnv(t)
		ctx := context.Background()
		tok := env.issue(t, "300.00", "75.00")
		clock := wednesday

		for step := 0; step < 60; step++ {
			if rng.Intn(8) == 0 {
				clock = clock.AddDate(0, 0, 1+rng.Intn(6))
				at := clock
				env.svc.now = func() time.Time { return at }
			}
			amount := money.FromCents(int64(1 + rng.Intn(5000)))
			_, _ = env.svc.Redeem(ctx, tok.ID, RedeemRequest{Amount: amount})

			got, err := env.svc.Get(ctx, tok.ID)
			require.NoError(t, err)
			require.LessOrEqual(t, got.WeeklyRedeemed.Cents(), got.WeeklyLimit.Cents(), "run %d step %d", run, step)
			require.LessOrEqual(t, got.TotalRedeemed.Cents(), got.Amount.Cents(), "run %d step %d", run, step)
			if got.Status == StatusActive {
				require.Less(t, got.WeeklyRedeemed.Cents(), got.WeeklyLimit.Cents())
			}
		}
	}
}

func TestEvaluate_NoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tok := env.issue(t, "500.00", "100.00")

	d, err := env.svc.Evaluate(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("100.00")})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = env.svc.Evaluate(ctx, tok.ID, RedeemRequest{Amount: money.MustParse("100.01")})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "weekly_limit_exceeded", d.Code)

	stored, err := env.svc.Get(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.Version, stored.Version)
	assert.Empty(t, env.entries(t, audit.OpTokenRedeemRejected))
}

func TestRetireRedeemed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	spent := env.issue(t, "100.00", "100.00")
	fresh := env.issue(t, "100.00", "100.00")

	_, err := env.svc.Redeem(ctx, spent.ID, RedeemRequest{Amount: money.MustParse("100.00")})
	require.NoError(t, err)

	n, err := env.svc.RetireRedeemed(ctx, "prg_1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.svc.Get(ctx, spent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	got, err = env.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	n, err = env.svc.RetireRedeemed(ctx, "prg_1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListByClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		env.issue(t, "10.00", "10.00")
	}

	page, err := env.svc.ListByClient(ctx, "cli_1", "", 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	page, err = env.svc.ListByClient(ctx, "cli_1", page.Items[1].ID, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
}
