package usecase_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

func TestStartSaleSplitPartialApproval(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{saleReplies: []gatewayReply{approved(8000)}}
	board := memory.NewBoard()
	c := f.terminals(gw, board, usecase.TerminalOptions{})
	r1 := f.receiptFor(t, "a1")
	r2 := f.receiptFor(t, "a2")

	result, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws1",
		Charges:     []usecase.SaleCharge{{ReceiptID: r1.ID}, {ReceiptID: r2.ID}},
		Description: "Group checkout",
	})
	require.NoError(t, err)

	refID := usecase.ReferenceID(false, "2026", 1)
	assert.Equal(t, refID, result.ReferenceID)
	assert.Equal(t, "Partial approval", result.Warning)
	require.Len(t, gw.sales, 1)
	assert.Equal(t, "T1", gw.sales[0].TerminalID)
	assert.Equal(t, int64(10000), gw.sales[0].Amount)
	assert.Equal(t, "Credit", gw.sales[0].PaymentType)

	require.Len(t, result.Txns, 2)
	assert.Equal(t, int64(5000), result.Txns[0].Amount)
	assert.Equal(t, int64(3000), result.Txns[1].Amount)
	for _, txn := range result.Txns {
		assert.Equal(t, "T1-"+refID, txn.ChargeID)
		assert.Equal(t, int64(8000), txn.TxnTotal)
		require.NotNil(t, txn.ReceiptInfoID)
	}
	assert.NotEqual(t, *result.Txns[0].ReceiptInfoID, *result.Txns[1].ReceiptInfoID)

	assert.Equal(t, int64(0), f.receipt(t, r1.ID).CurrentAmountOwed())
	assert.Equal(t, int64(2000), f.receipt(t, r2.ID).CurrentAmountOwed())
	assert.True(t, f.owner(t, r1.Owner).IsPaid())
	assert.False(t, f.owner(t, r2.Owner).IsPaid())

	tracking := f.tracking(t, 1)
	assert.True(t, tracking.Success)
	assert.NotNil(t, tracking.ResolvedAt)

	st, err := board.Status(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, refID, st.IntentID)
	assert.Equal(t, "Partial approval", st.LastError)
	assert.Equal(t, "Approved", st.LastResponse["Message"])
}

func TestStartSaleDropsUnfundedSplit(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{saleReplies: []gatewayReply{approved(5000)}}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	r1 := f.receiptFor(t, "a1")
	r2 := f.receiptFor(t, "a2")

	result, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws1",
		Charges:     []usecase.SaleCharge{{ReceiptID: r1.ID}, {ReceiptID: r2.ID}},
	})
	require.NoError(t, err)
	require.Len(t, result.Txns, 1)
	assert.Equal(t, r1.ID, result.Txns[0].ReceiptID)
	assert.Empty(t, f.receipt(t, r2.ID).Txns)
}

func TestStartSaleSignatureSkippedVoids(t *testing.T) {
	f := newFixture(t)
	unsigned := approved(5000)
	unsigned.resp.Signature = ""
	unsigned.resp.InsecureEntry = true
	gw := &fakeGateway{
		saleReplies: []gatewayReply{unsigned},
		voidResp:    &usecase.TerminalResponse{Approved: true, Raw: map[string]string{"Message": "Voided"}},
	}
	board := memory.NewBoard()
	c := f.terminals(gw, board, usecase.TerminalOptions{SignatureThreshold: 1000})
	receipt := f.receiptFor(t, "a1")

	_, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws1",
		Charges:     []usecase.SaleCharge{{ReceiptID: receipt.ID}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSignatureRequired)
	assert.True(t, domain.IsKind(err, domain.KindProviderRejection))
	assert.True(t, gw.sales[0].CaptureSignature)
	require.Len(t, gw.voids, 1)
	assert.Equal(t, int64(5000), gw.voids[0].Amount)

	updated := f.receipt(t, receipt.ID)
	require.Len(t, updated.Txns, 1)
	assert.NotNil(t, updated.Txns[0].CancelledAt)
	assert.False(t, updated.Txns[0].IsConfirmed())
	assert.Equal(t, int64(5000), updated.CurrentAmountOwed())

	tracking := f.tracking(t, 1)
	assert.False(t, tracking.Success)
	assert.Equal(t, "Signature was skipped so transaction was voided. Please retry payment", tracking.InternalError)

	st, err := board.Status(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, tracking.InternalError, st.LastError)
}

func TestStartSaleRetriesWhileBusy(t *testing.T) {
	f := newFixture(t)
	busy := gatewayReply{resp: &usecase.TerminalResponse{Busy: true}}
	gw := &fakeGateway{saleReplies: []gatewayReply{busy, busy, approved(0)}}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	receipt := f.receiptFor(t, "a1")

	result, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws1",
		Charges:     []usecase.SaleCharge{{ReceiptID: receipt.ID}},
	})
	require.NoError(t, err)
	assert.Len(t, gw.sales, 3)
	assert.Equal(t, int64(5000), result.ApprovedAmount)
	assert.Empty(t, result.Warning)
}

func TestStartSaleTimeoutCap(t *testing.T) {
	f := newFixture(t)
	timeout := gatewayReply{err: fmt.Errorf("read: %w", domain.ErrProviderTimeout)}
	gw := &fakeGateway{saleReplies: []gatewayReply{timeout}}
	board := memory.NewBoard()
	c := f.terminals(gw, board, usecase.TerminalOptions{MaxTimeoutRetries: 3})
	receipt := f.receiptFor(t, "a1")

	_, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws1",
		Charges:     []usecase.SaleCharge{{ReceiptID: receipt.ID}},
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConnectivity))
	assert.Equal(t, "The request timed out.", err.Error())
	assert.Len(t, gw.sales, 3)

	// 終端機可能已處理，交易保持待確認
	pending := f.receipt(t, receipt.ID).Txns
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].CancelledAt)

	// 看板顯示錯誤且沒有回應時，輪詢取消待確認交易
	st, err := c.PollTerminal(context.Background(), "ws1")
	require.NoError(t, err)
	assert.True(t, st.Errored())
	assert.NotNil(t, f.receipt(t, receipt.ID).Txns[0].CancelledAt)
}

func TestStartSaleStaleReferenceMintsNewTracking(t *testing.T) {
	f := newFixture(t)
	stale := gatewayReply{resp: &usecase.TerminalResponse{StaleReference: true, Raw: map[string]string{"Message": "Invalid Reference Id"}}}
	gw := &fakeGateway{saleReplies: []gatewayReply{stale, approved(0)}}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	receipt := f.receiptFor(t, "a1")

	result, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws1",
		Charges:     []usecase.SaleCharge{{ReceiptID: receipt.ID}},
	})
	require.NoError(t, err)

	first := usecase.ReferenceID(false, "2026", 1)
	second := usecase.ReferenceID(false, "2026", 2)
	require.Len(t, gw.sales, 2)
	assert.Equal(t, first, gw.sales[0].ReferenceID)
	assert.Equal(t, second, gw.sales[1].ReferenceID)
	assert.Equal(t, second, result.ReferenceID)
	assert.Equal(t, second, result.Txns[0].IntentID)

	old := f.tracking(t, 1)
	assert.False(t, old.Success)
	assert.Equal(t, "Invalid Reference Id", old.Response["Message"])
	assert.True(t, f.tracking(t, 2).Success)
}

func TestStartSaleDeclined(t *testing.T) {
	f := newFixture(t)
	declined := gatewayReply{resp: &usecase.TerminalResponse{Approved: false, Message: "DECLINED"}}
	gw := &fakeGateway{saleReplies: []gatewayReply{declined}}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	receipt := f.receiptFor(t, "a1")

	_, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws1",
		Charges:     []usecase.SaleCharge{{ReceiptID: receipt.ID}},
	})
	assert.True(t, domain.IsKind(err, domain.KindProviderRejection))
	assert.Equal(t, "DECLINED", err.Error())
	assert.NotNil(t, f.receipt(t, receipt.ID).Txns[0].CancelledAt)
}

func TestStartSaleUnknownWorkstation(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{saleReplies: []gatewayReply{approved(0)}}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	receipt := f.receiptFor(t, "a1")

	_, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws9",
		Charges:     []usecase.SaleCharge{{ReceiptID: receipt.ID}},
	})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	assert.Empty(t, gw.sales)
	assert.Empty(t, f.receipt(t, receipt.ID).Txns)
}

// terminalPaid 以終端機全額付款，回傳已確認的交易
func terminalPaid(t *testing.T, f *fixture, c *usecase.TerminalController) *domain.ReceiptTransaction {
	t.Helper()
	receipt := f.receiptFor(t, "a1")
	result, err := c.StartSale(context.Background(), usecase.SaleRequest{
		Workstation: "ws1",
		Charges:     []usecase.SaleCharge{{ReceiptID: receipt.ID}},
	})
	require.NoError(t, err)
	require.Len(t, result.Txns, 1)
	return result.Txns[0]
}

func TestTerminalRefundVoidAndResale(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0), approved(0)},
		statusResp:  &usecase.TerminalResponse{Approved: true},
		voidResp:    &usecase.TerminalResponse{Approved: true},
	}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	txn := terminalPaid(t, f, c)

	out, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: 2000, Workstation: "ws2"})
	require.NoError(t, err)
	assert.True(t, out.Voided)

	require.Len(t, gw.statuses, 1)
	assert.Equal(t, txn.IntentID, gw.statuses[0].ReferenceID)
	require.Len(t, gw.voids, 1)
	assert.Equal(t, "T1", gw.voids[0].TerminalID)
	assert.Equal(t, int64(5000), gw.voids[0].Amount)

	assert.Equal(t, int64(-5000), out.Refund.Amount)
	assert.Equal(t, "Automatic refund of transaction "+txn.ChargeID, out.Refund.Desc)
	assert.Equal(t, int64(5000), f.txn(t, txn.ID).Refunded)

	require.NotNil(t, out.Resale)
	require.Len(t, gw.sales, 2)
	assert.Equal(t, "T2", gw.sales[1].TerminalID)
	assert.Equal(t, int64(3000), gw.sales[1].Amount)
	require.Len(t, out.Resale.Txns, 1)
	assert.Equal(t, "Payment for partial refund of transaction "+txn.ChargeID, out.Resale.Txns[0].Desc)

	// 實際退了 $20，仍欠 $20
	assert.Equal(t, int64(2000), f.receipt(t, txn.ReceiptID).CurrentAmountOwed())
}

func TestTerminalRefundResaleFailureKeepsVoid(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0), {resp: &usecase.TerminalResponse{Message: "DECLINED"}}},
		statusResp:  &usecase.TerminalResponse{Approved: true},
		voidResp:    &usecase.TerminalResponse{Approved: true},
	}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	txn := terminalPaid(t, f, c)

	out, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: 2000, Workstation: "ws1"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindProviderRejection))
	assert.Equal(t, "Void successful, but partial re-payment failed: DECLINED", err.Error())
	require.NotNil(t, out)
	assert.True(t, out.Voided)
	assert.NotNil(t, out.Refund)
	assert.Equal(t, int64(5000), f.txn(t, txn.ID).Refunded)
	assert.Equal(t, int64(5000), f.receipt(t, txn.ReceiptID).CurrentAmountOwed())
}

func TestTerminalRefundSettledRunsReturn(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0)},
		statusResp:  &usecase.TerminalResponse{NotFound: true, Message: "No open batch"},
		returnResp:  &usecase.TerminalResponse{Approved: true},
	}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	txn := terminalPaid(t, f, c)

	out, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: 2000, Workstation: "ws2"})
	require.NoError(t, err)
	assert.False(t, out.Voided)
	assert.Nil(t, out.Resale)
	require.Len(t, gw.returns, 1)
	assert.Equal(t, "T2", gw.returns[0].TerminalID)
	assert.Equal(t, int64(2000), gw.returns[0].Amount)
	assert.Equal(t, usecase.ReferenceID(false, "2026", out.Tracking.IncrID), gw.returns[0].ReferenceID)
	assert.Equal(t, int64(-2000), out.Refund.Amount)
	assert.Equal(t, int64(2000), f.txn(t, txn.ID).Refunded)
	assert.Equal(t, int64(2000), f.receipt(t, txn.ReceiptID).CurrentAmountOwed())
}

func TestTerminalRefundLookupErrorWritesNothing(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0)},
		statusResp:  &usecase.TerminalResponse{Message: "Terminal offline"},
	}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	txn := terminalPaid(t, f, c)

	out, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: 5000, Workstation: "ws1"})
	require.Error(t, err)
	assert.Equal(t, "Error while looking up transaction: Terminal offline", err.Error())
	assert.Len(t, f.receipt(t, txn.ReceiptID).Txns, 1)
	assert.Equal(t, int64(0), f.txn(t, txn.ID).Refunded)

	// 失敗的請求仍留下 tracking
	tracking := f.tracking(t, out.Tracking.IncrID)
	assert.False(t, tracking.Success)
	assert.NotEmpty(t, tracking.InternalError)
}

func TestTerminalRefundRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0)},
		statusResp:  &usecase.TerminalResponse{Approved: true},
		voidResp:    &usecase.TerminalResponse{Approved: true},
	}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	txn := terminalPaid(t, f, c)

	for _, amount := range []int64{0, -100} {
		out, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: amount, Workstation: "ws1"})
		assert.True(t, domain.IsKind(err, domain.KindValidation))
		assert.ErrorIs(t, err, domain.ErrAmountMustBePositive)
		assert.Nil(t, out.Tracking)
	}
	assert.Empty(t, gw.statuses)
	assert.Empty(t, gw.voids)
	assert.Equal(t, int64(0), f.txn(t, txn.ID).Refunded)
	assert.Len(t, f.receipt(t, txn.ReceiptID).Txns, 1)
}

func TestTerminalRefundTrackingSavedBeforeTerminalCall(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0)},
		statusResp:  &usecase.TerminalResponse{Message: "Terminal offline"},
	}
	txn := terminalPaid(t, f, f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{}))

	// 之後所有結束 tracking 的寫入都失敗
	flaky := &flakyStore{LedgerStore: f.store, trackingResolves: true}
	c := f.terminalsOn(flaky, gw, memory.NewBoard(), usecase.TerminalOptions{})

	out, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: 5000, Workstation: "ws1"})
	require.Error(t, err)
	require.NotNil(t, out.Tracking)
	require.Len(t, gw.statuses, 1)

	stored := f.tracking(t, out.Tracking.IncrID)
	assert.Equal(t, "T1", stored.TerminalID)
	assert.Equal(t, "ws1", stored.Workstation)
	assert.Nil(t, stored.ResolvedAt)
	assert.Equal(t, int64(0), f.txn(t, txn.ID).Refunded)
}

func TestTerminalRefundRecordedAgainAfterLedgerFailure(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0)},
		statusResp:  &usecase.TerminalResponse{NotFound: true},
		returnResp:  &usecase.TerminalResponse{Approved: true},
	}
	txn := terminalPaid(t, f, f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{}))

	flaky := &flakyStore{LedgerStore: f.store, refundWrites: 1}
	c := f.terminalsOn(flaky, gw, memory.NewBoard(), usecase.TerminalOptions{})

	out, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: 2000, Workstation: "ws2"})
	require.NoError(t, err)
	require.Len(t, gw.returns, 1)
	assert.Equal(t, int64(-2000), out.Refund.Amount)
	assert.Equal(t, int64(2000), f.txn(t, txn.ID).Refunded)
	assert.Equal(t, int64(2000), f.receipt(t, txn.ReceiptID).CurrentAmountOwed())
	assert.True(t, f.tracking(t, out.Tracking.IncrID).Success)
}

func TestTerminalRefundApprovedButNotRecorded(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0)},
		statusResp:  &usecase.TerminalResponse{NotFound: true},
		returnResp:  &usecase.TerminalResponse{Approved: true},
	}
	txn := terminalPaid(t, f, f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{}))

	flaky := &flakyStore{LedgerStore: f.store, refundWrites: 2}
	c := f.terminalsOn(flaky, gw, memory.NewBoard(), usecase.TerminalOptions{})

	out, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: 2000, Workstation: "ws2"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindIntegrity))
	assert.ErrorIs(t, err, errStoreDown)
	require.Len(t, gw.returns, 1)
	assert.Equal(t, int64(0), f.txn(t, txn.ID).Refunded)

	// 終端機已退款，tracking 記為成功並留下錯誤
	stored := f.tracking(t, out.Tracking.IncrID)
	assert.True(t, stored.Success)
	assert.NotEmpty(t, stored.InternalError)
}

func TestTerminalPartialRefundNeedsWorkstation(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{saleReplies: []gatewayReply{approved(0)}}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	txn := terminalPaid(t, f, c)

	_, err := c.Refund(context.Background(), usecase.TerminalRefundRequest{TxnID: txn.ID, Amount: 1000})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
	assert.Empty(t, gw.statuses)
}

func TestCoreRefundDispatchesTerminal(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{
		saleReplies: []gatewayReply{approved(0)},
		statusResp:  &usecase.TerminalResponse{Approved: true},
		voidResp:    &usecase.TerminalResponse{Approved: true},
	}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})
	txn := terminalPaid(t, f, c)
	o := f.orchestrator(&fakeProvider{kind: domain.ProviderHosted})

	core := usecase.NewCoreUseCase(f.ledger, o, c)
	refund, err := core.Refund(context.Background(), txn.ID, 5000, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(-5000), refund.Amount)
	assert.Len(t, gw.voids, 1)
}

func TestCloseOutTerminal(t *testing.T) {
	f := newFixture(t)
	gw := &fakeGateway{}
	c := f.terminals(gw, memory.NewBoard(), usecase.TerminalOptions{})

	_, err := c.CloseOutTerminal(context.Background(), "ws2")
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, gw.settles)

	_, err = c.CloseOutTerminal(context.Background(), "")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
