package usecase_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

func (f *fixture) orchestrator(p *fakeProvider) *usecase.Orchestrator {
	return f.orchestratorOn(f.store, p)
}

func (f *fixture) orchestratorOn(store usecase.LedgerStore, p *fakeProvider) *usecase.Orchestrator {
	return usecase.NewOrchestrator(f.ledger, store, []usecase.Provider{p}, usecase.OrchestratorOptions{
		OnlineProvider: p.kind,
		RetryBackoff:   time.Millisecond,
	}, f.metrics, f.logger)
}

// paidHosted 建立收據並完成一筆 hosted 付款
func (f *fixture) paidHosted(t *testing.T, o *usecase.Orchestrator, p *fakeProvider) (*domain.Receipt, *domain.ReceiptTransaction) {
	t.Helper()
	ctx := context.Background()
	receipt := f.receiptFor(t, "a1")
	prepared, err := o.PreparePayment(ctx, usecase.ChargeRequest{ReceiptID: receipt.ID, Description: "Badge"})
	require.NoError(t, err)
	p.status = &usecase.StatusResult{State: usecase.StateRefundable, ChargeID: "ch_1"}
	txns, err := o.CompleteHostedPayment(ctx, prepared.Intent.ID)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	return receipt, txns[0]
}

func TestPreparePaymentHosted(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	o := f.orchestrator(p)
	receipt := f.receiptFor(t, "a1")

	prepared, err := o.PreparePayment(context.Background(), usecase.ChargeRequest{ReceiptID: receipt.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), prepared.Intent.Amount)
	assert.Equal(t, domain.StateIntentPending, prepared.Attempt.State)
	assert.Equal(t, prepared.Intent.ID, prepared.Txn.IntentID)
	assert.Equal(t, domain.MethodHostedCard, prepared.Txn.Method)
	assert.False(t, prepared.Txn.IsConfirmed())
}

func TestPreparePaymentRetriesConnectivity(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{
		kind:       domain.ProviderHosted,
		intentErrs: []error{fmt.Errorf("dial: %w", domain.ErrProviderUnavailable)},
	}
	o := f.orchestrator(p)
	receipt := f.receiptFor(t, "a1")

	_, err := o.PreparePayment(context.Background(), usecase.ChargeRequest{ReceiptID: receipt.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, p.intentCalls)
}

func TestPreparePaymentRejectsAmount(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	o := f.orchestrator(p)
	receipt := f.receiptFor(t, "a1")

	_, err := o.PreparePayment(context.Background(), usecase.ChargeRequest{ReceiptID: receipt.ID, Amount: usecase.MaxChargeAmount + 1})
	assert.ErrorIs(t, err, domain.ErrAmountTooLarge)
	assert.Equal(t, 0, p.intentCalls)
}

func TestCompleteHostedPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	o := f.orchestrator(p)
	receipt, txn := f.paidHosted(t, o, p)

	assert.Equal(t, "ch_1", txn.ChargeID)
	assert.Equal(t, int64(0), f.receipt(t, receipt.ID).CurrentAmountOwed())

	txns, err := o.CompleteHostedPayment(context.Background(), txn.IntentID)
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Len(t, f.notifier.Events(), 1)
}

func TestRefundPartialThenOverLimit(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	o := f.orchestrator(p)
	receipt, txn := f.paidHosted(t, o, p)
	ctx := context.Background()

	out, err := o.Refund(ctx, usecase.RefundRequest{TxnID: txn.ID, Amount: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(-1000), out.Refund.Amount)
	assert.Equal(t, "re_1", out.Refund.RefundID)
	assert.Equal(t, "Automatic refund of transaction ch_1", out.Refund.Desc)
	assert.Equal(t, domain.StateLedgerUpdated, out.Attempt.State)
	assert.Equal(t, int64(1000), f.txn(t, txn.ID).Refunded)
	assert.Equal(t, int64(1000), f.receipt(t, receipt.ID).CurrentAmountOwed())

	statusCalls := p.statusCalls
	_, err = o.Refund(ctx, usecase.RefundRequest{TxnID: txn.ID, Amount: 4500})
	assert.ErrorIs(t, err, domain.ErrRefundExceedsRemaining)
	// 驗證失敗不呼叫金流商
	assert.Equal(t, statusCalls, p.statusCalls)
	assert.Equal(t, []int64{1000}, p.refunds)

	events := f.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventRefundIssued, events[1].Type)
	assert.Equal(t, int64(1000), events[1].Amount)
}

func TestRefundRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	o := f.orchestrator(p)
	receipt, txn := f.paidHosted(t, o, p)
	statusCalls := p.statusCalls

	for _, amount := range []int64{0, -500} {
		out, err := o.Refund(context.Background(), usecase.RefundRequest{TxnID: txn.ID, Amount: amount})
		assert.True(t, domain.IsKind(err, domain.KindValidation))
		assert.ErrorIs(t, err, domain.ErrAmountMustBePositive)
		assert.Equal(t, domain.StateRejected, out.Attempt.State)
	}

	assert.Equal(t, statusCalls, p.statusCalls)
	assert.Empty(t, p.refunds)
	assert.Equal(t, int64(0), f.txn(t, txn.ID).Refunded)
	assert.Len(t, f.receipt(t, receipt.ID).Txns, 1)
}

func TestRefundRecordedAgainAfterLedgerFailure(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	_, txn := f.paidHosted(t, f.orchestrator(p), p)

	flaky := &flakyStore{LedgerStore: f.store, refundWrites: 1}
	out, err := f.orchestratorOn(flaky, p).Refund(context.Background(), usecase.RefundRequest{TxnID: txn.ID, Amount: 2000})
	require.NoError(t, err)
	// 金流商只被呼叫一次
	assert.Equal(t, []int64{2000}, p.refunds)
	assert.Equal(t, domain.StateLedgerUpdated, out.Attempt.State)
	assert.Equal(t, "re_1", out.Refund.RefundID)
	assert.Equal(t, int64(2000), f.txn(t, txn.ID).Refunded)
	assert.Len(t, f.receipt(t, txn.ReceiptID).Txns, 2)
	assert.Len(t, f.notifier.Events(), 2)
}

func TestRefundIssuedButNotRecordedIsIntegrityError(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	_, txn := f.paidHosted(t, f.orchestrator(p), p)

	flaky := &flakyStore{LedgerStore: f.store, refundWrites: 2}
	out, err := f.orchestratorOn(flaky, p).Refund(context.Background(), usecase.RefundRequest{TxnID: txn.ID, Amount: 2000})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindIntegrity))
	assert.ErrorIs(t, err, errStoreDown)
	var pe *domain.PaymentError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Detail(), "re_1")
	assert.Equal(t, domain.StateProviderIssued, out.Attempt.State)
	assert.Equal(t, []int64{2000}, p.refunds)
	assert.Equal(t, int64(0), f.txn(t, txn.ID).Refunded)
	assert.Len(t, f.notifier.Events(), 1)
}

func TestRefundUnconfirmedTransaction(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	o := f.orchestrator(p)
	receipt := f.receiptFor(t, "a1")
	prepared, err := o.PreparePayment(context.Background(), usecase.ChargeRequest{ReceiptID: receipt.ID})
	require.NoError(t, err)

	_, err = o.Refund(context.Background(), usecase.RefundRequest{TxnID: prepared.Txn.ID, Amount: 5000})
	assert.ErrorIs(t, err, domain.ErrNotConfirmed)
	assert.Equal(t, 0, p.statusCalls)
}

func directPaid(t *testing.T, f *fixture, p *fakeProvider, o *usecase.Orchestrator) *domain.ReceiptTransaction {
	t.Helper()
	ctx := context.Background()
	receipt := f.receiptFor(t, "a1")
	prepared, err := o.PreparePayment(ctx, usecase.ChargeRequest{ReceiptID: receipt.ID})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCreated, prepared.Attempt.State)

	p.chargeResult = &usecase.ChargeResult{ChargeID: "60001", Approved: true}
	txns, err := o.ChargeDirect(ctx, prepared.Intent.ID, usecase.PaymentDetails{Token: "tok"})
	require.NoError(t, err)
	require.Len(t, txns, 1)
	return txns[0]
}

func TestChargeDirectDeclined(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderDirect}
	o := f.orchestrator(p)
	receipt := f.receiptFor(t, "a1")
	prepared, err := o.PreparePayment(context.Background(), usecase.ChargeRequest{ReceiptID: receipt.ID})
	require.NoError(t, err)

	p.chargeResult = &usecase.ChargeResult{Approved: false, Message: "This transaction has been declined."}
	_, err = o.ChargeDirect(context.Background(), prepared.Intent.ID, usecase.PaymentDetails{Token: "tok"})
	assert.True(t, domain.IsKind(err, domain.KindProviderRejection))
	assert.Equal(t, "This transaction has been declined.", err.Error())
	assert.False(t, f.txn(t, prepared.Txn.ID).IsConfirmed())
}

func TestRefundUnsettledIsVoidOnly(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderDirect}
	o := f.orchestrator(p)
	txn := directPaid(t, f, p, o)
	ctx := context.Background()
	p.status = &usecase.StatusResult{State: usecase.StateUnsettled, ChargeID: "60001", AuthAmount: 5000}

	_, err := o.Refund(ctx, usecase.RefundRequest{TxnID: txn.ID, Amount: 1000})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	assert.Empty(t, p.voids)

	out, err := o.Refund(ctx, usecase.RefundRequest{TxnID: txn.ID, Amount: 5000})
	require.NoError(t, err)
	assert.True(t, out.Voided)
	assert.Equal(t, []string{"60001"}, p.voids)
	assert.Empty(t, p.refunds)
	assert.Equal(t, int64(5000), f.txn(t, txn.ID).Refunded)
}

func TestRefundSettledTooOld(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderDirect}
	o := f.orchestrator(p)
	txn := directPaid(t, f, p, o)
	p.status = &usecase.StatusResult{
		State:        usecase.StateSettled,
		SettleAmount: 5000,
		SubmittedAt:  time.Now().Add(-200 * 24 * time.Hour),
	}

	_, err := o.Refund(context.Background(), usecase.RefundRequest{TxnID: txn.ID, Amount: 5000})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	assert.Contains(t, err.Error(), "180 days")
	assert.Empty(t, p.refunds)
	assert.Equal(t, int64(0), f.txn(t, txn.ID).Refunded)
}

func TestRefundAllSkipsValidationFailures(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderDirect}
	o := f.orchestrator(p)
	txn := directPaid(t, f, p, o)
	p.status = &usecase.StatusResult{State: usecase.StateSettled, SubmittedAt: time.Now().Add(-365 * 24 * time.Hour)}

	core := usecase.NewCoreUseCase(f.ledger, o, nil)
	cash, err := core.RecordManualPayment(context.Background(), txn.ReceiptID, domain.MethodCash, 500, "Cash at the desk")
	require.NoError(t, err)
	assert.True(t, cash.IsConfirmed())

	summary, err := o.RefundAll(context.Background(), txn.ReceiptID)
	require.NoError(t, err)
	require.Len(t, summary.Refunds, 1)
	assert.Equal(t, int64(-500), summary.Refunds[0].Amount)
	assert.Contains(t, summary.Skipped, txn.ID)
}

func TestCoreRefundRequiresTerminalsForTerminalPayments(t *testing.T) {
	f := newFixture(t)
	p := &fakeProvider{kind: domain.ProviderHosted}
	o := f.orchestrator(p)
	receipt := f.receiptFor(t, "a1")
	txn, err := f.ledger.RecordPayment(context.Background(), receipt.ID, usecase.PaymentRecord{
		IntentID: "RP2615",
		ChargeID: "T1-RP2615",
		Amount:   5000,
		Method:   domain.MethodTerminal,
	})
	require.NoError(t, err)

	core := usecase.NewCoreUseCase(f.ledger, o, nil)
	_, err = core.Refund(context.Background(), txn.ID, 5000, "ws1")
	assert.ErrorIs(t, err, domain.ErrProviderNotConfigured)
}
