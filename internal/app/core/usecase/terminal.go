package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/pkg/metrics"
)

// approvalTolerance 核准金額與請求金額可接受的差距 (分)，超過時標記 partial approval
const approvalTolerance = 5

const (
	msgSignatureSkipped = "Signature was skipped so transaction was voided. Please retry payment"
	msgPartialApproval  = "Partial approval"
	msgNoMatchingTxns   = "Payment was successful, but did not have any matching transactions"
)

// TerminalOptions 實體終端機設定
type TerminalOptions struct {
	DevBox    bool
	EventYear string
	// SignatureThreshold 金額 (分) 達到門檻時要求簽名
	SignatureThreshold int64
	PaymentType        string
	// BusyInterval 終端機忙碌時的重送間隔
	BusyInterval time.Duration
	// BusyDeadline 呼叫端沒有 deadline 時的預設上限
	BusyDeadline time.Duration
	// MaxTimeoutRetries 逾時重試上限
	MaxTimeoutRetries int
	// MaxStaleRetries reference id 失效時最多換幾次
	MaxStaleRetries int
}

func (o *TerminalOptions) setDefaults() {
	if o.PaymentType == "" {
		o.PaymentType = "Credit"
	}
	if o.BusyInterval == 0 {
		o.BusyInterval = time.Second
	}
	if o.BusyDeadline == 0 {
		o.BusyDeadline = 2 * time.Minute
	}
	if o.MaxTimeoutRetries == 0 {
		o.MaxTimeoutRetries = 10
	}
	if o.MaxStaleRetries == 0 {
		o.MaxStaleRetries = 3
	}
}

// SaleCharge 一張收據要收的金額，Amount 為 0 表示應付金額
type SaleCharge struct {
	ReceiptID int64
	Amount    int64
}

// SaleRequest 終端機收款
type SaleRequest struct {
	Workstation string
	// TerminalID 空白時使用工作站目前連接的終端機
	TerminalID  string
	Charges     []SaleCharge
	Description string
	// CaptureSignature nil 時依金額門檻決定
	CaptureSignature *bool
}

// SaleResult 終端機收款結果
type SaleResult struct {
	Tracking       *domain.TxnRequestTracking
	ReferenceID    string
	Txns           []*domain.ReceiptTransaction
	ApprovedAmount int64
	// Warning 非致命的提示 (partial approval)
	Warning string
}

// TerminalRefundRequest 終端機付款退款
type TerminalRefundRequest struct {
	TxnID       int64
	Amount      int64
	Workstation string
}

// TerminalRefundResult 終端機退款結果
type TerminalRefundResult struct {
	Tracking *domain.TxnRequestTracking
	Refund   *domain.ReceiptTransaction
	// Voided 尚未結帳，原交易整筆作廢
	Voided bool
	// Resale 部分退款時在目前終端機重新收取的款項
	Resale *SaleResult
}

// TerminalController 實體終端機付款流程
type TerminalController struct {
	ledger    *LedgerManager
	store     LedgerStore
	gateway   TerminalGateway
	board     TerminalBoard
	directory TerminalDirectory
	actors    ActorLookup
	opts      TerminalOptions
	metrics   *metrics.Payments
	logger    *zap.Logger
	now       func() time.Time
}

// NewTerminalController 建立 TerminalController
func NewTerminalController(ledger *LedgerManager, store LedgerStore, gateway TerminalGateway, board TerminalBoard, directory TerminalDirectory, opts TerminalOptions, m *metrics.Payments, logger *zap.Logger) *TerminalController {
	opts.setDefaults()
	return &TerminalController{
		ledger:    ledger,
		store:     store,
		gateway:   gateway,
		board:     board,
		directory: directory,
		actors:    ledger.actors,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// saleState 一次收款在重試之間共用的狀態
type saleState struct {
	workstation string
	terminalID  string
	total       int64
	capture     bool
	tracking    *domain.TxnRequestTracking
	refID       string
}

func (s *saleState) request() TerminalRequest {
	return TerminalRequest{
		TerminalID:       s.terminalID,
		Amount:           s.total,
		ReferenceID:      s.refID,
		CaptureSignature: s.capture,
	}
}

// StartSale 在終端機上收款
//
// tracking 與待確認交易在送出請求前就寫入，reference id 由 tracking 的序號產生。
func (c *TerminalController) StartSale(ctx context.Context, req SaleRequest) (*SaleResult, error) {
	if len(req.Charges) == 0 {
		return nil, domain.NewValidationError(nil, "There is nothing to charge")
	}
	terminalID := req.TerminalID
	if terminalID == "" {
		var err error
		terminalID, err = c.directory.AssignedTerminal(ctx, req.Workstation)
		if err != nil {
			return nil, domain.NewValidationError(err, "Could not find a payment terminal: %v", err)
		}
	}
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	sale := &saleState{workstation: req.Workstation, terminalID: terminalID}
	err := c.store.Atomic(ctx, func(tx LedgerTx) error {
		receipts := make([]*domain.Receipt, len(req.Charges))
		amounts := make([]int64, len(req.Charges))
		var total int64
		for i, ch := range req.Charges {
			receipt, err := tx.Receipt(ctx, ch.ReceiptID)
			if err != nil {
				return err
			}
			amount := ch.Amount
			if amount == 0 {
				amount = receipt.CurrentAmountOwed()
			}
			if amount <= 0 {
				return domain.NewValidationError(domain.ErrAmountMustBePositive, "There is nothing to pay for on receipt %d", receipt.ID)
			}
			receipts[i], amounts[i] = receipt, amount
			total += amount
		}

		tracking := &domain.TxnRequestTracking{
			Workstation: req.Workstation,
			TerminalID:  terminalID,
			Who:         c.actors.Actor(ctx),
			CreatedAt:   c.now(),
		}
		if err := tx.SaveTracking(ctx, tracking); err != nil {
			return err
		}
		sale.tracking = tracking
		sale.refID = ReferenceID(c.opts.DevBox, c.opts.EventYear, tracking.IncrID)
		sale.total = total

		for i, receipt := range receipts {
			_, err := c.ledger.recordPaymentInTx(ctx, tx, receipt, PaymentRecord{
				IntentID: sale.refID,
				Amount:   amounts[i],
				TxnTotal: total,
				Method:   domain.MethodTerminal,
				Desc:     req.Description,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sale.capture = sale.total >= c.opts.SignatureThreshold
	if req.CaptureSignature != nil {
		sale.capture = *req.CaptureSignature
	}
	c.beginBoard(ctx, sale)
	c.logger.Info("terminal sale started",
		zap.String("terminal_id", terminalID),
		zap.String("reference_id", sale.refID),
		zap.Int64("amount", sale.total))

	return c.runSale(ctx, sale)
}

func (c *TerminalController) runSale(ctx context.Context, sale *saleState) (*SaleResult, error) {
	for stale := 0; ; stale++ {
		resp, err := c.send(ctx, func(ctx context.Context) (*TerminalResponse, error) {
			return c.gateway.Sale(ctx, c.withPaymentType(sale.request()))
		})
		if err != nil {
			sale.tracking.InternalError = err.Error()
			c.finishTracking(ctx, sale.tracking, false)
			c.failBoard(ctx, sale.terminalID, err.Error())
			c.metrics.Charge(string(domain.ProviderTerminal), "error")
			return nil, err
		}
		if resp.StaleReference && stale < c.opts.MaxStaleRetries {
			c.metrics.TerminalRetry("stale_reference")
			if err := c.remintReference(ctx, sale, resp); err != nil {
				return nil, err
			}
			continue
		}
		return c.processSaleResponse(ctx, sale, resp)
	}
}

// remintReference 舊的 reference id 不能再用，建立新的 tracking 並把待確認交易指到新 id
func (c *TerminalController) remintReference(ctx context.Context, sale *saleState, resp *TerminalResponse) error {
	oldRef := sale.refID
	err := c.store.Atomic(ctx, func(tx LedgerTx) error {
		old := *sale.tracking
		old.Response = resp.Raw
		old.Resolve(c.now(), false)
		if err := tx.SaveTracking(ctx, &old); err != nil {
			return err
		}
		next := &domain.TxnRequestTracking{
			Workstation: old.Workstation,
			TerminalID:  old.TerminalID,
			Who:         old.Who,
			CreatedAt:   c.now(),
		}
		if err := tx.SaveTracking(ctx, next); err != nil {
			return err
		}
		newRef := ReferenceID(c.opts.DevBox, c.opts.EventYear, next.IncrID)

		txns, err := tx.TransactionsByIntent(ctx, oldRef)
		if err != nil {
			return err
		}
		for _, txn := range txns {
			if txn.IsConfirmed() || txn.CancelledAt != nil {
				continue
			}
			txn.IntentID = newRef
			if err := tx.SaveTransaction(ctx, txn); err != nil {
				return err
			}
		}
		sale.tracking = next
		sale.refID = newRef
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("terminal reference id replaced",
		zap.String("old_reference_id", oldRef),
		zap.String("reference_id", sale.refID))
	c.beginBoard(ctx, sale)
	return nil
}

func (c *TerminalController) processSaleResponse(ctx context.Context, sale *saleState, resp *TerminalResponse) (*SaleResult, error) {
	sale.tracking.Response = resp.Raw

	if !resp.Approved {
		msg := resp.Message
		if msg == "" {
			msg = "The payment was declined"
		}
		err := c.store.Atomic(ctx, func(tx LedgerTx) error {
			sale.tracking.Resolve(c.now(), false)
			if err := tx.SaveTracking(ctx, sale.tracking); err != nil {
				return err
			}
			_, err := c.cancelPending(ctx, tx, sale.refID)
			return err
		})
		if err != nil {
			c.logger.Error("failed to record declined terminal sale", zap.String("reference_id", sale.refID), zap.Error(err))
		}
		c.failBoard(ctx, sale.terminalID, msg)
		c.metrics.Charge(string(domain.ProviderTerminal), "declined")
		return nil, domain.NewProviderRejection(msg, nil)
	}

	if sale.capture && resp.Signature == "" && resp.InsecureEntry {
		return nil, c.voidUnsigned(ctx, sale)
	}

	approved := resp.ApprovedAmount
	if approved == 0 {
		approved = sale.total
	}
	result := &SaleResult{ReferenceID: sale.refID, ApprovedAmount: approved}
	if approved != sale.total && abs(approved-sale.total) > approvalTolerance {
		result.Warning = msgPartialApproval
		c.logger.Warn("terminal partial approval",
			zap.String("reference_id", sale.refID),
			zap.Int64("requested", sale.total),
			zap.Int64("approved", approved))
	}

	var events []domain.PaymentEvent
	err := c.store.Atomic(ctx, func(tx LedgerTx) error {
		tracking := *sale.tracking
		tracking.Resolve(c.now(), true)
		if err := tx.SaveTracking(ctx, &tracking); err != nil {
			return err
		}

		all, err := tx.TransactionsByIntent(ctx, sale.refID)
		if err != nil {
			return err
		}
		var pending []*domain.ReceiptTransaction
		for _, txn := range all {
			if !txn.IsConfirmed() && txn.CancelledAt == nil {
				pending = append(pending, txn)
			}
		}
		if len(pending) == 0 {
			return domain.NewIntegrityError(fmt.Sprintf("%s: reference %s", msgNoMatchingTxns, sale.refID))
		}

		domain.DistributeApproval(pending, approved)
		infos := make(map[domain.OwnerRef]*domain.ReceiptInfo)
		for _, txn := range pending {
			if txn.Amount == 0 {
				if err := tx.DeleteTransaction(ctx, txn.ID); err != nil {
					return err
				}
				continue
			}
			receipt, err := tx.Receipt(ctx, txn.ReceiptID)
			if err != nil {
				return err
			}
			info, ok := infos[receipt.Owner]
			if !ok {
				info = receiptInfoFrom(receipt.Owner, sale.terminalID, sale.refID, resp, approved, c.now())
				if err := tx.SaveReceiptInfo(ctx, info); err != nil {
					return err
				}
				infos[receipt.Owner] = info
			}
			id := info.ID
			txn.ReceiptInfoID = &id
			if err := tx.SaveTransaction(ctx, txn); err != nil {
				return err
			}
		}

		confirmed, evs, err := c.ledger.confirmInTx(ctx, tx, sale.refID, sale.terminalID+"-"+sale.refID)
		if err != nil {
			return err
		}
		events = evs
		result.Txns = confirmed
		result.Tracking = &tracking
		return nil
	})
	if err != nil {
		msg := err.Error()
		if domain.IsKind(err, domain.KindIntegrity) {
			var pe *domain.PaymentError
			if errors.As(err, &pe) {
				c.logger.Error("terminal sale approved but ledger update failed",
					zap.String("reference_id", sale.refID),
					zap.String("detail", pe.Detail()))
			}
			msg = msgNoMatchingTxns
		}
		sale.tracking.InternalError = msg
		c.finishTracking(ctx, sale.tracking, true)
		c.failBoard(ctx, sale.terminalID, msg)
		return nil, err
	}

	c.ledger.publish(ctx, events)
	if err := c.board.Succeed(ctx, sale.terminalID, resp.Raw, result.Warning); err != nil {
		c.logger.Warn("failed to update terminal board", zap.String("terminal_id", sale.terminalID), zap.Error(err))
	}
	c.metrics.Charge(string(domain.ProviderTerminal), "approved")
	return result, nil
}

// voidUnsigned 要求簽名但刷卡未簽名，立即作廢並取消交易
func (c *TerminalController) voidUnsigned(ctx context.Context, sale *saleState) error {
	c.failBoard(ctx, sale.terminalID, msgSignatureSkipped)
	sale.tracking.InternalError = msgSignatureSkipped

	voidResp, err := c.send(ctx, func(ctx context.Context) (*TerminalResponse, error) {
		return c.gateway.Void(ctx, c.withPaymentType(sale.request()))
	})
	if err == nil && !voidResp.Approved {
		err = domain.NewProviderRejection(voidResp.Message, nil)
	}
	if err != nil {
		c.finishTracking(ctx, sale.tracking, false)
		c.logger.Error("unsigned terminal payment could not be voided",
			zap.String("reference_id", sale.refID),
			zap.Error(err))
		return &domain.PaymentError{
			Kind:    domain.KindProviderRejection,
			Message: "Signature was skipped and the payment could not be voided: " + err.Error(),
			Err:     errors.Join(domain.ErrSignatureRequired, err),
		}
	}
	c.metrics.Charge(string(domain.ProviderTerminal), "voided_unsigned")

	err = c.store.Atomic(ctx, func(tx LedgerTx) error {
		sale.tracking.Response = voidResp.Raw
		sale.tracking.Resolve(c.now(), false)
		if err := tx.SaveTracking(ctx, sale.tracking); err != nil {
			return err
		}
		now := c.now()
		infos := make(map[domain.OwnerRef]*domain.ReceiptInfo)
		txns, err := tx.TransactionsByIntent(ctx, sale.refID)
		if err != nil {
			return err
		}
		for _, txn := range txns {
			if txn.IsConfirmed() || txn.CancelledAt != nil {
				continue
			}
			receipt, err := tx.Receipt(ctx, txn.ReceiptID)
			if err != nil {
				return err
			}
			info, ok := infos[receipt.Owner]
			if !ok {
				info = receiptInfoFrom(receipt.Owner, sale.terminalID, sale.refID, voidResp, sale.total, now)
				voided := now
				info.Voided = &voided
				if err := tx.SaveReceiptInfo(ctx, info); err != nil {
					return err
				}
				infos[receipt.Owner] = info
			}
			id := info.ID
			txn.ReceiptInfoID = &id
			cancelled := now
			txn.CancelledAt = &cancelled
			if err := tx.SaveTransaction(ctx, txn); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Error("failed to cancel voided terminal transactions", zap.String("reference_id", sale.refID), zap.Error(err))
	}
	return &domain.PaymentError{Kind: domain.KindProviderRejection, Message: msgSignatureSkipped, Err: domain.ErrSignatureRequired}
}

// Refund 終端機付款退款
//
// 尚未結帳: 在原終端機整筆作廢，部分退款再於工作站目前的終端機重新收取差額。
// 已結帳: 在目前的終端機執行 return。
// tracking 在呼叫終端機前先獨立寫入。終端機失敗時退款交易不會寫入；
// 終端機已作廢/退款但帳本交易失敗時另開交易重記，仍失敗回傳 integrity 錯誤。
// 作廢成功但重新收款失敗時保留作廢結果並回報錯誤。
func (c *TerminalController) Refund(ctx context.Context, req TerminalRefundRequest) (*TerminalRefundResult, error) {
	out := &TerminalRefundResult{}
	if req.Amount <= 0 {
		return out, domain.NewValidationError(domain.ErrAmountMustBePositive, "Refund amount must be positive")
	}
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	err := c.store.Atomic(ctx, func(tx LedgerTx) error {
		target, err := c.lockRefundTarget(ctx, tx, req)
		if err != nil {
			return err
		}
		tracking := &domain.TxnRequestTracking{
			Workstation: req.Workstation,
			TerminalID:  target.info.TerminalID,
			Who:         c.actors.Actor(ctx),
			CreatedAt:   c.now(),
		}
		if err := tx.SaveTracking(ctx, tracking); err != nil {
			return err
		}
		out.Tracking = tracking
		return nil
	})
	if err != nil {
		c.metrics.Refund(string(domain.ProviderTerminal), "failed")
		return out, err
	}
	refundRef := ReferenceID(c.opts.DevBox, c.opts.EventYear, out.Tracking.IncrID)

	var (
		original *domain.ReceiptTransaction
		issued   *issuedTerminalRefund
		event    *domain.PaymentEvent
	)
	err = c.store.Atomic(ctx, func(tx LedgerTx) error {
		// 重新鎖定並驗證，期間其他退款已寫入時以最新的 Refunded 為準
		target, err := c.lockRefundTarget(ctx, tx, req)
		if err != nil {
			return err
		}
		original = target.txn
		issued, err = c.issueTerminalRefund(ctx, target, req, refundRef, out.Tracking)
		if err != nil {
			return err
		}
		out.Refund, event, err = c.recordTerminalRefund(ctx, tx, target, refundRef, issued, out.Tracking)
		return err
	})
	if err != nil && issued != nil {
		out.Refund, event, err = c.rerecordTerminalRefund(ctx, req, refundRef, issued, out.Tracking, err)
	}
	if err != nil {
		out.Tracking.InternalError = err.Error()
		c.finishTracking(ctx, out.Tracking, issued != nil)
		c.failBoard(ctx, out.Tracking.TerminalID, err.Error())
		c.metrics.Refund(string(domain.ProviderTerminal), "failed")
		if issued != nil {
			out.Voided = issued.voided
		}
		return out, err
	}
	out.Voided = issued.voided
	c.metrics.Refund(string(domain.ProviderTerminal), "issued")
	c.ledger.publish(ctx, []domain.PaymentEvent{*event})

	if issued.resaleAmount <= 0 {
		return out, nil
	}
	resale, err := c.StartSale(ctx, SaleRequest{
		Workstation: req.Workstation,
		Charges:     []SaleCharge{{ReceiptID: original.ReceiptID, Amount: issued.resaleAmount}},
		Description: "Payment for partial refund of transaction " + original.ChargeID,
	})
	if err != nil {
		kind := domain.KindOf(err)
		if kind == 0 {
			kind = domain.KindProviderRejection
		}
		c.logger.Warn("void succeeded but partial re-payment failed",
			zap.Int64("txn_id", original.ID),
			zap.Int64("amount", issued.resaleAmount),
			zap.Error(err))
		return out, &domain.PaymentError{
			Kind:    kind,
			Message: "Void successful, but partial re-payment failed: " + err.Error(),
			Err:     err,
		}
	}
	out.Resale = resale
	return out, nil
}

// refundTarget 鎖定中的原交易與其收據、終端機資訊
type refundTarget struct {
	txn     *domain.ReceiptTransaction
	receipt *domain.Receipt
	info    *domain.ReceiptInfo
}

// issuedTerminalRefund 終端機已核准的作廢或 return
type issuedTerminalRefund struct {
	terminalID   string
	resp         *TerminalResponse
	refundAmount int64
	voided       bool
	resaleAmount int64
}

func (c *TerminalController) lockRefundTarget(ctx context.Context, tx LedgerTx, req TerminalRefundRequest) (*refundTarget, error) {
	txn, err := tx.Transaction(ctx, req.TxnID)
	if err != nil {
		return nil, err
	}
	receipt, err := tx.Receipt(ctx, txn.ReceiptID)
	if err != nil {
		return nil, domain.NewIntegrityError(fmt.Sprintf("txn %d references missing receipt %d: %v", txn.ID, txn.ReceiptID, err))
	}
	if err := ValidateRefund(txn, req.Amount); err != nil {
		return nil, err
	}
	if txn.ReceiptInfoID == nil {
		return nil, domain.NewIntegrityError(fmt.Sprintf("transaction %d has no terminal receipt information", txn.ID))
	}
	if req.Amount != txn.TxnTotal && req.Workstation == "" {
		return nil, domain.NewValidationError(nil, "This is a partial refund, which requires a connected payment terminal. Please set your workstation number and try again.")
	}
	info, err := tx.ReceiptInfo(ctx, *txn.ReceiptInfoID)
	if err != nil {
		return nil, err
	}
	return &refundTarget{txn: txn, receipt: receipt, info: info}, nil
}

// issueTerminalRefund 查詢原交易狀態後作廢或 return，回傳 nil 表示終端機沒有動作
func (c *TerminalController) issueTerminalRefund(ctx context.Context, target *refundTarget, req TerminalRefundRequest, refundRef string, tracking *domain.TxnRequestTracking) (*issuedTerminalRefund, error) {
	txn, info := target.txn, target.info
	status, err := c.send(ctx, func(ctx context.Context) (*TerminalResponse, error) {
		return c.gateway.Status(ctx, c.withPaymentType(TerminalRequest{TerminalID: info.TerminalID, ReferenceID: txn.IntentID}))
	})
	if err != nil {
		return nil, err
	}

	switch {
	case status.Approved:
		// 尚未結帳，在原終端機作廢
		if txn.Amount != txn.TxnTotal {
			return nil, domain.NewValidationError(nil, "This payment was split across several receipts and cannot be voided from one of them")
		}
		resp, err := c.send(ctx, func(ctx context.Context) (*TerminalResponse, error) {
			return c.gateway.Void(ctx, c.withPaymentType(TerminalRequest{TerminalID: info.TerminalID, Amount: txn.TxnTotal, ReferenceID: txn.IntentID}))
		})
		if err != nil {
			return nil, err
		}
		tracking.Response = resp.Raw
		if !resp.Approved {
			return nil, domain.NewProviderRejection("Error while voiding transaction: "+resp.Message, nil)
		}
		return &issuedTerminalRefund{
			terminalID:   info.TerminalID,
			resp:         resp,
			refundAmount: txn.TxnTotal,
			voided:       true,
			resaleAmount: txn.TxnTotal - req.Amount,
		}, nil
	case status.NotFound:
		// 已結帳，在目前連接的終端機退款
		terminalID, err := c.directory.AssignedTerminal(ctx, req.Workstation)
		if err != nil {
			return nil, domain.NewValidationError(err, "Error while running return: %v", err)
		}
		tracking.TerminalID = terminalID
		resp, err := c.send(ctx, func(ctx context.Context) (*TerminalResponse, error) {
			return c.gateway.Return(ctx, c.withPaymentType(TerminalRequest{TerminalID: terminalID, Amount: req.Amount, ReferenceID: refundRef}))
		})
		if err != nil {
			return nil, err
		}
		tracking.Response = resp.Raw
		if !resp.Approved {
			return nil, domain.NewProviderRejection("Error while running return: "+resp.Message, nil)
		}
		return &issuedTerminalRefund{terminalID: terminalID, resp: resp, refundAmount: req.Amount}, nil
	default:
		tracking.Response = status.Raw
		return nil, domain.NewProviderRejection("Error while looking up transaction: "+status.Message, nil)
	}
}

// recordTerminalRefund 寫入 tracking 結果、退款交易與原交易的 Refunded
func (c *TerminalController) recordTerminalRefund(ctx context.Context, tx LedgerTx, target *refundTarget, refundRef string, issued *issuedTerminalRefund, tracking *domain.TxnRequestTracking) (*domain.ReceiptTransaction, *domain.PaymentEvent, error) {
	txn, receipt, info := target.txn, target.receipt, target.info
	now := c.now()
	if issued.voided {
		voided := now
		info.Voided = &voided
		if err := tx.SaveReceiptInfo(ctx, info); err != nil {
			return nil, nil, err
		}
	}
	resolved := *tracking
	resolved.Resolve(now, true)
	if err := tx.SaveTracking(ctx, &resolved); err != nil {
		return nil, nil, err
	}
	refundInfo := receiptInfoFrom(domain.OwnerRef{Kind: info.OwnerKind, ID: info.OwnerID}, issued.terminalID, refundRef, issued.resp, issued.refundAmount, now)
	if err := tx.SaveReceiptInfo(ctx, refundInfo); err != nil {
		return nil, nil, err
	}
	refund, err := c.ledger.recordRefundInTx(ctx, tx, receipt, RefundRecord{
		Desc:     RefundDescription(txn),
		RefundID: refundRef,
		Amount:   issued.refundAmount,
		Method:   domain.MethodTerminal,
	})
	if err != nil {
		return nil, nil, err
	}
	id := refundInfo.ID
	refund.ReceiptInfoID = &id
	if err := tx.SaveTransaction(ctx, refund); err != nil {
		return nil, nil, err
	}
	txn.Refunded += issued.refundAmount
	if err := tx.SaveTransaction(ctx, txn); err != nil {
		return nil, nil, err
	}
	*tracking = resolved
	ev := refundEvent(receipt, txn, refund, now)
	return refund, &ev, nil
}

// rerecordTerminalRefund 終端機已核准，前一個帳本交易已回滾，重新鎖定後再寫一次
func (c *TerminalController) rerecordTerminalRefund(ctx context.Context, req TerminalRefundRequest, refundRef string, issued *issuedTerminalRefund, tracking *domain.TxnRequestTracking, cause error) (*domain.ReceiptTransaction, *domain.PaymentEvent, error) {
	c.logger.Warn("terminal refund approved but ledger transaction failed, recording again",
		zap.Int64("txn_id", req.TxnID),
		zap.String("reference_id", refundRef),
		zap.Error(cause))
	var (
		refund *domain.ReceiptTransaction
		event  *domain.PaymentEvent
	)
	err := c.store.Atomic(context.WithoutCancel(ctx), func(tx LedgerTx) error {
		txn, err := tx.Transaction(ctx, req.TxnID)
		if err != nil {
			return err
		}
		receipt, err := tx.Receipt(ctx, txn.ReceiptID)
		if err != nil {
			return err
		}
		if txn.ReceiptInfoID == nil {
			return fmt.Errorf("transaction %d has no terminal receipt information", txn.ID)
		}
		info, err := tx.ReceiptInfo(ctx, *txn.ReceiptInfoID)
		if err != nil {
			return err
		}
		refund, event, err = c.recordTerminalRefund(ctx, tx, &refundTarget{txn: txn, receipt: receipt, info: info}, refundRef, issued, tracking)
		return err
	})
	if err != nil {
		c.logger.Error("terminal refund approved but ledger update failed",
			zap.Int64("txn_id", req.TxnID),
			zap.String("reference_id", refundRef),
			zap.Int64("amount", issued.refundAmount),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return nil, nil, &domain.PaymentError{
			Kind:    domain.KindIntegrity,
			Message: domain.IntegrityMessage,
			Err: fmt.Errorf("terminal refund %s of %s for txn %d was approved but not recorded: %w",
				refundRef, FormatCents(issued.refundAmount), req.TxnID, errors.Join(cause, err)),
		}
	}
	return refund, event, nil
}

// CloseOutTerminal 結帳 (settle) 工作站目前連接的終端機
func (c *TerminalController) CloseOutTerminal(ctx context.Context, workstation string) (*TerminalResponse, error) {
	terminalID, err := c.directory.AssignedTerminal(ctx, workstation)
	if err != nil {
		return nil, domain.NewValidationError(err, "Could not find a payment terminal: %v", err)
	}
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	resp, err := c.send(ctx, func(ctx context.Context) (*TerminalResponse, error) {
		return c.gateway.Settle(ctx, terminalID)
	})
	if err != nil {
		return nil, err
	}
	if !resp.Approved {
		return resp, domain.NewProviderRejection("Error while closing out terminal: "+resp.Message, nil)
	}
	c.logger.Info("terminal closed out", zap.String("terminal_id", terminalID))
	return resp, nil
}

// CheckStatus 查詢終端機上的交易狀態
func (c *TerminalController) CheckStatus(ctx context.Context, terminalID, referenceID string) (*TerminalResponse, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()
	return c.send(ctx, func(ctx context.Context) (*TerminalResponse, error) {
		return c.gateway.Status(ctx, c.withPaymentType(TerminalRequest{TerminalID: terminalID, ReferenceID: referenceID}))
	})
}

// PollTerminal 取得工作站終端機的看板狀態
//
// 請求出錯且沒有任何終端機回應時，取消該 intent 下的待確認交易。
func (c *TerminalController) PollTerminal(ctx context.Context, workstation string) (*domain.TerminalStatus, error) {
	terminalID, err := c.directory.AssignedTerminal(ctx, workstation)
	if err != nil {
		return nil, domain.NewValidationError(err, "Could not find a payment terminal: %v", err)
	}
	st, err := c.board.Status(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	if st.Errored() && st.IntentID != "" {
		var cancelled int
		err := c.store.Atomic(ctx, func(tx LedgerTx) error {
			var err error
			cancelled, err = c.cancelPending(ctx, tx, st.IntentID)
			return err
		})
		if err != nil {
			return st, err
		}
		if cancelled > 0 {
			c.logger.Info("cancelled pending terminal transactions",
				zap.String("intent_id", st.IntentID),
				zap.Int("count", cancelled))
		}
	}
	return st, nil
}

func (c *TerminalController) cancelPending(ctx context.Context, tx LedgerTx, intentID string) (int, error) {
	txns, err := tx.TransactionsByIntent(ctx, intentID)
	if err != nil {
		return 0, err
	}
	n := 0
	now := c.now()
	for _, txn := range txns {
		if txn.IsConfirmed() || txn.CancelledAt != nil {
			continue
		}
		cancelled := now
		txn.CancelledAt = &cancelled
		if err := tx.SaveTransaction(ctx, txn); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// send 送出終端機請求，處理 busy 與逾時重試
//
// busy: 固定間隔重送直到 ctx 結束；逾時: 最多 MaxTimeoutRetries 次。
func (c *TerminalController) send(ctx context.Context, call func(context.Context) (*TerminalResponse, error)) (*TerminalResponse, error) {
	timeouts := 0
	for {
		resp, err := call(ctx)
		switch {
		case errors.Is(err, domain.ErrProviderTimeout):
			timeouts++
			c.metrics.TerminalRetry("timeout")
			if timeouts >= c.opts.MaxTimeoutRetries {
				c.metrics.ProviderError(string(domain.ProviderTerminal), domain.KindConnectivity.String())
				return nil, domain.NewConnectivityError("The request timed out.", err)
			}
			if ctx.Err() != nil {
				return nil, domain.NewConnectivityError("The request timed out.", ctx.Err())
			}
			continue
		case err != nil:
			c.metrics.ProviderError(string(domain.ProviderTerminal), domain.KindConnectivity.String())
			if domain.KindOf(err) != 0 {
				return nil, err
			}
			return nil, domain.NewConnectivityError("Could not connect to the payment terminal.", err)
		case resp.Busy:
			c.metrics.TerminalRetry("busy")
			timer := time.NewTimer(c.opts.BusyInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, domain.NewConnectivityError("The payment terminal is busy. Please try again.", ctx.Err())
			case <-timer.C:
			}
			continue
		default:
			return resp, nil
		}
	}
}

func (c *TerminalController) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.BusyDeadline)
}

func (c *TerminalController) withPaymentType(req TerminalRequest) TerminalRequest {
	if req.PaymentType == "" {
		req.PaymentType = c.opts.PaymentType
	}
	return req
}

func (c *TerminalController) beginBoard(ctx context.Context, sale *saleState) {
	if err := c.board.Begin(ctx, sale.terminalID, sale.workstation, sale.refID); err != nil {
		c.logger.Warn("failed to update terminal board", zap.String("terminal_id", sale.terminalID), zap.Error(err))
	}
}

func (c *TerminalController) failBoard(ctx context.Context, terminalID, message string) {
	if err := c.board.Fail(ctx, terminalID, message); err != nil {
		c.logger.Warn("failed to update terminal board", zap.String("terminal_id", terminalID), zap.Error(err))
	}
}

// finishTracking 在獨立交易內寫入 tracking 結果
func (c *TerminalController) finishTracking(ctx context.Context, tracking *domain.TxnRequestTracking, success bool) {
	tracking.Resolve(c.now(), success)
	err := c.store.Atomic(context.WithoutCancel(ctx), func(tx LedgerTx) error {
		return tx.SaveTracking(ctx, tracking)
	})
	if err != nil {
		c.logger.Error("failed to save terminal request tracking", zap.Int64("incr_id", tracking.IncrID), zap.Error(err))
	}
}

func receiptInfoFrom(owner domain.OwnerRef, terminalID, refID string, resp *TerminalResponse, amount int64, now time.Time) *domain.ReceiptInfo {
	txnInfo := make(map[string]string, len(resp.TxnInfo)+1)
	for k, v := range resp.TxnInfo {
		txnInfo[k] = v
	}
	if v := txnInfo["amount"]; v == "" || v == "0" {
		txnInfo["amount"] = strconv.FormatInt(amount, 10)
	}
	ref := resp.ReferenceID
	if ref == "" {
		ref = refID
	}
	return &domain.ReceiptInfo{
		OwnerKind:   owner.Kind,
		OwnerID:     owner.ID,
		TerminalID:  terminalID,
		ReferenceID: ref,
		CardData:    resp.CardData,
		TxnInfo:     txnInfo,
		EMVData:     resp.EMVData,
		Signature:   resp.Signature,
		ReceiptHTML: resp.ReceiptHTML,
		Charged:     now,
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
