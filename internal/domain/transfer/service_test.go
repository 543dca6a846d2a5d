package transfer_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bizgrid/credits-api/internal/domain/ledger"
	"github.com/bizgrid/credits-api/internal/domain/transfer"
)

type fakeStore struct {
	mu        sync.Mutex
	transfers map[uuid.UUID]transfer.Transfer
	rules     []transfer.ApprovalRule
}

func newFakeStore(rules ...transfer.ApprovalRule) *fakeStore {
	return &fakeStore{transfers: map[uuid.UUID]transfer.Transfer{}, rules: rules}
}

func (f *fakeStore) Create(_ context.Context, t *transfer.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[t.ID] = *t
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*transfer.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[id]
	if !ok {
		return nil, transfer.ErrTransferNotFound
	}
	return &t, nil
}

func (f *fakeStore) Transition(_ context.Context, id uuid.UUID, from, to transfer.Status, decidedBy uuid.NullUUID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[id]
	if !ok || t.Status != from {
		return transfer.ErrTransferStateInvalid
	}
	t.Status = to
	if decidedBy.Valid {
		t.DecidedBy = decidedBy
	}
	f.transfers[id] = t
	return nil
}

func (f *fakeStore) MarkExecuted(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[id]
	if !ok || t.ExecutedAt.Valid {
		return transfer.ErrTransferStateInvalid
	}
	t.ExecutedAt = sql.NullTime{Time: at, Valid: true}
	f.transfers[id] = t
	return nil
}

func (f *fakeStore) DueForCompletion(_ context.Context, now time.Time) ([]transfer.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []transfer.Transfer{}
	for _, t := range f.transfers {
		if t.Status == transfer.StatusApproved && t.IsTemporary &&
			t.ExecutedAt.Valid && t.RecallDeadline.Valid && !t.RecallDeadline.Time.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) ListByTenant(_ context.Context, tenantID uuid.UUID, status *transfer.Status, _, _ int) ([]transfer.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []transfer.Transfer{}
	for _, t := range f.transfers {
		if t.TenantID == tenantID && (status == nil || t.Status == *status) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) LoadRules(_ context.Context, tenantID uuid.UUID) ([]transfer.ApprovalRule, error) {
	out := []transfer.ApprovalRule{}
	for _, r := range f.rules {
		if !r.TenantID.Valid || r.TenantID.UUID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertRule(_ context.Context, rule *transfer.ApprovalRule) error {
	f.rules = append(f.rules, *rule)
	return nil
}

type fakeLedger struct {
	tenantID  uuid.UUID
	balances  map[uuid.UUID]decimal.Decimal
	executed  []uuid.UUID
	frozenIDs map[uuid.UUID]bool
}

func newFakeLedger(tenantID uuid.UUID, accounts ...uuid.UUID) *fakeLedger {
	f := &fakeLedger{tenantID: tenantID, balances: map[uuid.UUID]decimal.Decimal{}, frozenIDs: map[uuid.UUID]bool{}}
	for _, id := range accounts {
		f.balances[id] = decimal.Zero
	}
	return f
}

func (f *fakeLedger) GetAccount(_ context.Context, id uuid.UUID) (*ledger.Account, error) {
	if _, ok := f.balances[id]; !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{ID: id, TenantID: f.tenantID, Available: f.balances[id]}, nil
}

func (f *fakeLedger) ExecuteTransfer(_ context.Context, transferID, sourceID, destID uuid.UUID,
	amount, fee decimal.Decimal, _ *time.Time) (*ledger.TransferResult, error) {

	if f.frozenIDs[sourceID] || f.frozenIDs[destID] {
		return nil, ledger.ErrAccountFrozen
	}
	if f.balances[sourceID].LessThan(amount) {
		return nil, ledger.ErrInsufficientCredits
	}
	f.balances[sourceID] = f.balances[sourceID].Sub(amount)
	f.balances[destID] = f.balances[destID].Add(amount.Sub(fee))
	f.executed = append(f.executed, transferID)
	return &ledger.TransferResult{
		SourceNewBalance: f.balances[sourceID],
		DestNewBalance:   f.balances[destID],
	}, nil
}

func ruleFor(tenantID uuid.UUID, autoBelow, maxAmount, feeRate string, requiredRole string) transfer.ApprovalRule {
	return transfer.ApprovalRule{
		ID:               uuid.New(),
		TenantID:         uuid.NullUUID{UUID: tenantID, Valid: true},
		AutoApproveBelow: decimal.RequireFromString(autoBelow),
		AutoApproveRoles: []string{"ops"},
		RequiredRole:     requiredRole,
		MaxAmount:        decimal.RequireFromString(maxAmount),
		FeeRate:          decimal.RequireFromString(feeRate),
		Active:           true,
		UpdatedAt:        time.Now(),
	}
}

func request(tenant uuid.UUID, requester uuid.UUID, source, dest uuid.UUID, amount int64) transfer.RequestParams {
	return transfer.RequestParams{
		TenantID:        tenant,
		RequestedBy:     requester,
		RequesterRoles:  []string{"ops"},
		SourceAccountID: source,
		DestAccountID:   dest,
		Amount:          decimal.NewFromInt(amount),
	}
}

func TestSmallTransferAutoApprovesAndExecutes(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	l.balances[source] = decimal.NewFromInt(100)
	store := newFakeStore(ruleFor(tenant, "50", "0", "0.05", "finance_admin"))
	svc := transfer.NewService(store, l, nil)

	got, err := svc.Request(context.Background(), request(tenant, uuid.New(), source, dest, 40))
	require.NoError(t, err)
	require.Equal(t, transfer.StatusCompleted, got.Status)
	require.Equal(t, "2", got.Fee.String())
	require.Equal(t, "60", l.balances[source].String())
	require.Equal(t, "38", l.balances[dest].String())
}

func TestLargeTransferWaitsForApproval(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	l.balances[source] = decimal.NewFromInt(500)
	store := newFakeStore(ruleFor(tenant, "50", "0", "0", "finance_admin"))
	svc := transfer.NewService(store, l, nil)

	requester := uuid.New()
	got, err := svc.Request(context.Background(), request(tenant, requester, source, dest, 200))
	require.NoError(t, err)
	require.Equal(t, transfer.StatusPending, got.Status)
	require.Empty(t, l.executed, "credits must not move before approval")

	// requester cannot decide their own transfer
	_, err = svc.Approve(context.Background(), got.ID, requester, []string{"finance_admin"})
	require.ErrorIs(t, err, transfer.ErrApprovalNotAuthorized)

	// an actor without the required role is refused
	_, err = svc.Approve(context.Background(), got.ID, uuid.New(), []string{"viewer"})
	require.ErrorIs(t, err, transfer.ErrApprovalNotAuthorized)

	approved, err := svc.Approve(context.Background(), got.ID, uuid.New(), []string{"finance_admin"})
	require.NoError(t, err)
	require.Equal(t, transfer.StatusCompleted, approved.Status)
	require.Equal(t, "300", l.balances[source].String())
}

func TestTransferOverCapIsRejected(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	store := newFakeStore(ruleFor(tenant, "0", "1000", "0", "finance_admin"))
	svc := transfer.NewService(store, l, nil)

	_, err := svc.Request(context.Background(), request(tenant, uuid.New(), source, dest, 5000))
	require.ErrorIs(t, err, transfer.ErrRuleViolation)
}

func TestApprovedTransferFailsOnInsufficientCredits(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	l.balances[source] = decimal.NewFromInt(10)
	store := newFakeStore(ruleFor(tenant, "1000", "0", "0", ""))
	svc := transfer.NewService(store, l, nil)

	_, err := svc.Request(context.Background(), request(tenant, uuid.New(), source, dest, 500))
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	list, err := svc.List(context.Background(), tenant, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, transfer.StatusFailed, list[0].Status)
	require.Equal(t, "10", l.balances[source].String(), "failed transfer must not move credits")
}

func TestDoubleApprovalRaceLosesGracefully(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	l.balances[source] = decimal.NewFromInt(100)
	store := newFakeStore(ruleFor(tenant, "0", "0", "0", "finance_admin"))
	svc := transfer.NewService(store, l, nil)

	got, err := svc.Request(context.Background(), request(tenant, uuid.New(), source, dest, 50))
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), got.ID, uuid.New(), []string{"finance_admin"})
	require.NoError(t, err)

	_, err = svc.Approve(context.Background(), got.ID, uuid.New(), []string{"finance_admin"})
	require.ErrorIs(t, err, transfer.ErrTransferStateInvalid)
	require.Len(t, l.executed, 1, "credits must move exactly once")
}

func TestTemporaryTransferRecallReversesNetAmount(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	l.balances[source] = decimal.NewFromInt(100)
	store := newFakeStore(ruleFor(tenant, "1000", "0", "0.1", "finance_admin"))
	svc := transfer.NewService(store, l, nil)

	deadline := time.Now().UTC().Add(time.Hour)
	p := request(tenant, uuid.New(), source, dest, 50)
	p.IsTemporary = true
	p.RecallDeadline = &deadline

	got, err := svc.Request(context.Background(), p)
	require.NoError(t, err)
	// temporary transfers execute but stay approved for the recall window
	require.Equal(t, transfer.StatusApproved, got.Status)
	require.True(t, got.ExecutedAt.Valid)
	require.Equal(t, "45", l.balances[dest].String())

	recalled, err := svc.Recall(context.Background(), got.ID, uuid.New(), []string{"finance_admin"})
	require.NoError(t, err)
	require.Equal(t, transfer.StatusRecalled, recalled.Status)
	// the fee stays spent: the source gets the net back
	require.Equal(t, "95", l.balances[source].String())
	require.Equal(t, "0", l.balances[dest].String())

	_, err = svc.Recall(context.Background(), got.ID, uuid.New(), []string{"finance_admin"})
	require.ErrorIs(t, err, transfer.ErrTransferStateInvalid)
}

func TestPermanentTransferCannotBeRecalled(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	l.balances[source] = decimal.NewFromInt(100)
	store := newFakeStore(ruleFor(tenant, "1000", "0", "0", "finance_admin"))
	svc := transfer.NewService(store, l, nil)

	got, err := svc.Request(context.Background(), request(tenant, uuid.New(), source, dest, 50))
	require.NoError(t, err)
	require.Equal(t, transfer.StatusCompleted, got.Status)

	_, err = svc.Recall(context.Background(), got.ID, uuid.New(), []string{"finance_admin"})
	require.ErrorIs(t, err, transfer.ErrTransferStateInvalid)
}

func TestRecallWindowClosesAtDeadline(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	l.balances[source] = decimal.NewFromInt(100)
	store := newFakeStore(ruleFor(tenant, "1000", "0", "0", "finance_admin"))
	svc := transfer.NewService(store, l, nil)

	deadline := time.Now().UTC().Add(30 * time.Millisecond)
	p := request(tenant, uuid.New(), source, dest, 50)
	p.IsTemporary = true
	p.RecallDeadline = &deadline

	got, err := svc.Request(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, transfer.StatusApproved, got.Status)

	time.Sleep(50 * time.Millisecond)

	_, err = svc.Recall(context.Background(), got.ID, uuid.New(), []string{"finance_admin"})
	require.ErrorIs(t, err, transfer.ErrTransferStateInvalid)

	finalized, err := svc.FinalizeDue(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, finalized)

	final, err := svc.Get(context.Background(), got.ID)
	require.NoError(t, err)
	require.Equal(t, transfer.StatusCompleted, final.Status)
	// finalization only flips the status; the credits moved at execution
	require.Len(t, l.executed, 1)
}

func TestTemporaryTransferRequiresFutureDeadline(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	svc := transfer.NewService(newFakeStore(ruleFor(tenant, "1000", "0", "0", "")), l, nil)

	p := request(tenant, uuid.New(), source, dest, 10)
	p.IsTemporary = true
	_, err := svc.Request(context.Background(), p)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	past := time.Now().UTC().Add(-time.Hour)
	p.RecallDeadline = &past
	_, err = svc.Request(context.Background(), p)
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestRejectLeavesBalancesUntouched(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	l.balances[source] = decimal.NewFromInt(100)
	store := newFakeStore(ruleFor(tenant, "0", "0", "0", "finance_admin"))
	svc := transfer.NewService(store, l, nil)

	got, err := svc.Request(context.Background(), request(tenant, uuid.New(), source, dest, 50))
	require.NoError(t, err)

	rejected, err := svc.Reject(context.Background(), got.ID, uuid.New(), []string{"finance_admin"}, "not budgeted")
	require.NoError(t, err)
	require.Equal(t, transfer.StatusRejected, rejected.Status)
	require.Empty(t, l.executed)
}

func TestNoRuleConfiguredBlocksTransfers(t *testing.T) {
	tenant := uuid.New()
	source, dest := uuid.New(), uuid.New()
	l := newFakeLedger(tenant, source, dest)
	svc := transfer.NewService(newFakeStore(), l, nil)

	_, err := svc.Request(context.Background(), request(tenant, uuid.New(), source, dest, 10))
	require.ErrorIs(t, err, transfer.ErrNoRuleConfigured)
}
