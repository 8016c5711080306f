package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/pricing"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-receipt-ledger/pkg/metrics"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.PaymentEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, event domain.PaymentEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []domain.PaymentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.PaymentEvent(nil), n.events...)
}

type fixture struct {
	store    *memory.MutexLedger
	ledger   *usecase.LedgerManager
	notifier *recordingNotifier
	metrics  *metrics.Payments
	logger   *zap.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	prices := pricing.Prices{
		BadgePrices: map[string]int64{"attendee": 50, "vip": 100},
		PromoCodes:  map[string]int64{"SAVE10": 10},
	}
	store := memory.NewMutexLedger()
	notifier := &recordingNotifier{}
	m := metrics.NewPayments(prometheus.NewRegistry())
	logger := zap.NewNop()
	return &fixture{
		store:    store,
		ledger:   usecase.NewLedgerManager(store, pricing.NewDefaultRegistry(prices), notifier, nil, m, logger),
		notifier: notifier,
		metrics:  m,
		logger:   logger,
	}
}

func newAttendee(id string) *domain.Attendee {
	return &domain.Attendee{
		Record: domain.Record{
			ID:     id,
			Name:   "Attendee " + id,
			Email:  id + "@example.com",
			Paid:   domain.PaidNotPaid,
			Fields: map[string]string{"badge_type": "attendee"},
		},
		BadgeStatus: domain.BadgePending,
	}
}

// receiptFor 建立一張 $50 badge 的收據
func (f *fixture) receiptFor(t *testing.T, id string) *domain.Receipt {
	t.Helper()
	receipt, _, err := f.ledger.CreateReceipt(context.Background(), newAttendee(id), true)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	return receipt
}

func (f *fixture) receipt(t *testing.T, id int64) *domain.Receipt {
	t.Helper()
	receipt, err := f.ledger.ReceiptByID(context.Background(), id)
	require.NoError(t, err)
	return receipt
}

func (f *fixture) owner(t *testing.T, ref domain.OwnerRef) domain.Owner {
	t.Helper()
	var owner domain.Owner
	err := f.store.Atomic(context.Background(), func(tx usecase.LedgerTx) error {
		var err error
		owner, err = tx.Owner(context.Background(), ref)
		return err
	})
	require.NoError(t, err)
	return owner
}

func (f *fixture) tracking(t *testing.T, incrID int64) *domain.TxnRequestTracking {
	t.Helper()
	var tracking *domain.TxnRequestTracking
	err := f.store.Atomic(context.Background(), func(tx usecase.LedgerTx) error {
		var err error
		tracking, err = tx.Tracking(context.Background(), incrID)
		return err
	})
	require.NoError(t, err)
	return tracking
}

func (f *fixture) txn(t *testing.T, id int64) *domain.ReceiptTransaction {
	t.Helper()
	var txn *domain.ReceiptTransaction
	err := f.store.Atomic(context.Background(), func(tx usecase.LedgerTx) error {
		var err error
		txn, err = tx.Transaction(context.Background(), id)
		return err
	})
	require.NoError(t, err)
	return txn
}

// fakeProvider 可設定回應的線上金流商
type fakeProvider struct {
	mu   sync.Mutex
	kind domain.ProviderKind

	intentErrs   []error
	intentCalls  int
	chargeResult *usecase.ChargeResult
	chargeErr    error
	status       *usecase.StatusResult
	statusCalls  int
	refunds      []int64
	voids        []string
}

func (p *fakeProvider) Kind() domain.ProviderKind { return p.kind }

func (p *fakeProvider) CreateChargeIntent(ctx context.Context, amount int64, desc string, customer usecase.CustomerRef) (*domain.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intentCalls++
	if len(p.intentErrs) > 0 {
		err := p.intentErrs[0]
		p.intentErrs = p.intentErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &domain.PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", p.intentCalls),
		Amount:       amount,
		Description:  desc,
		ReceiptEmail: customer.Email,
		ClientSecret: "secret",
	}, nil
}

func (p *fakeProvider) Charge(ctx context.Context, intent *domain.PaymentIntent, details usecase.PaymentDetails) (*usecase.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chargeResult, p.chargeErr
}

func (p *fakeProvider) Refund(ctx context.Context, ref string, amount int64) (*usecase.RefundResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, amount)
	return &usecase.RefundResult{RefundID: fmt.Sprintf("re_%d", len(p.refunds)), Amount: amount}, nil
}

func (p *fakeProvider) Void(ctx context.Context, ref string) (*usecase.VoidResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.voids = append(p.voids, ref)
	return &usecase.VoidResult{RefID: "void_" + ref}, nil
}

func (p *fakeProvider) Status(ctx context.Context, ref string) (*usecase.StatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	st := *p.status
	return &st, nil
}

type gatewayReply struct {
	resp *usecase.TerminalResponse
	err  error
}

// fakeGateway 依序回傳預先設定的 sale 回應，最後一筆重複使用
type fakeGateway struct {
	mu sync.Mutex

	saleReplies []gatewayReply
	sales       []usecase.TerminalRequest

	voidResp   *usecase.TerminalResponse
	voids      []usecase.TerminalRequest
	returnResp *usecase.TerminalResponse
	returns    []usecase.TerminalRequest
	statusResp *usecase.TerminalResponse
	statuses   []usecase.TerminalRequest
	settles    []string
}

func (g *fakeGateway) Sale(ctx context.Context, req usecase.TerminalRequest) (*usecase.TerminalResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sales = append(g.sales, req)
	reply := g.saleReplies[0]
	if len(g.saleReplies) > 1 {
		g.saleReplies = g.saleReplies[1:]
	}
	return reply.resp, reply.err
}

func (g *fakeGateway) Void(ctx context.Context, req usecase.TerminalRequest) (*usecase.TerminalResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.voids = append(g.voids, req)
	return g.voidResp, nil
}

func (g *fakeGateway) Return(ctx context.Context, req usecase.TerminalRequest) (*usecase.TerminalResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.returns = append(g.returns, req)
	return g.returnResp, nil
}

func (g *fakeGateway) Status(ctx context.Context, req usecase.TerminalRequest) (*usecase.TerminalResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses = append(g.statuses, req)
	return g.statusResp, nil
}

func (g *fakeGateway) Settle(ctx context.Context, terminalID string) (*usecase.TerminalResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settles = append(g.settles, terminalID)
	return &usecase.TerminalResponse{Approved: true}, nil
}

func approved(amount int64) gatewayReply {
	return gatewayReply{resp: &usecase.TerminalResponse{
		Approved:       true,
		ApprovedAmount: amount,
		Signature:      "sig",
		CardData:       map[string]string{"last4": "4242"},
		Raw:            map[string]string{"Message": "Approved"},
	}}
}

func (f *fixture) terminals(gw *fakeGateway, board *memory.Board, opts usecase.TerminalOptions) *usecase.TerminalController {
	return f.terminalsOn(f.store, gw, board, opts)
}

func (f *fixture) terminalsOn(store usecase.LedgerStore, gw *fakeGateway, board *memory.Board, opts usecase.TerminalOptions) *usecase.TerminalController {
	if opts.EventYear == "" {
		opts.EventYear = "2026"
	}
	if opts.SignatureThreshold == 0 {
		opts.SignatureThreshold = 1_000_000
	}
	if opts.BusyInterval == 0 {
		opts.BusyInterval = time.Millisecond
	}
	directory := memory.Directory{"ws1": "T1", "ws2": "T2"}
	return usecase.NewTerminalController(f.ledger, store, gw, board, directory, opts, f.metrics, f.logger)
}

var errStoreDown = errors.New("connection reset by peer")

// flakyStore 包住真正的帳本，依設定讓特定寫入失敗 (整個 Atomic 隨之回滾)
type flakyStore struct {
	usecase.LedgerStore

	mu sync.Mutex
	// refundWrites 新增退款交易時失敗的次數
	refundWrites int
	// trackingResolves 為 true 時，寫入已結束的 tracking 一律失敗
	trackingResolves bool
}

func (s *flakyStore) Atomic(ctx context.Context, fn func(tx usecase.LedgerTx) error) error {
	return s.LedgerStore.Atomic(ctx, func(tx usecase.LedgerTx) error {
		return fn(&flakyTx{LedgerTx: tx, store: s})
	})
}

func (s *flakyStore) failRefundWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refundWrites == 0 {
		return false
	}
	s.refundWrites--
	return true
}

type flakyTx struct {
	usecase.LedgerTx
	store *flakyStore
}

func (t *flakyTx) SaveTransaction(ctx context.Context, txn *domain.ReceiptTransaction) error {
	if txn.ID == 0 && txn.IsRefund() && t.store.failRefundWrite() {
		return errStoreDown
	}
	return t.LedgerTx.SaveTransaction(ctx, txn)
}

func (t *flakyTx) SaveTracking(ctx context.Context, tracking *domain.TxnRequestTracking) error {
	if tracking.ResolvedAt != nil && t.store.trackingResolves {
		return errStoreDown
	}
	return t.LedgerTx.SaveTracking(ctx, tracking)
}
