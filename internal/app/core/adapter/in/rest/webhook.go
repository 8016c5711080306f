package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/journal"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/adapter/out/stripe"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

// maxWebhookBody Stripe 事件上限 64KB
const maxWebhookBody = 64 << 10

// WebhookParser 驗證並解析 Stripe webhook
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*stripe.WebhookEvent, error)
}

// PaymentConfirmer 付款成功通知的處理者
type PaymentConfirmer interface {
	HandlePaymentSucceeded(ctx context.Context, intentID, chargeID string) ([]*domain.ReceiptTransaction, error)
}

// ConfirmationJournal 確認先落地再套用
type ConfirmationJournal interface {
	Record(ctx context.Context, intentID, chargeID, source string, apply journal.ApplyFunc) error
}

type WebhookHandler struct {
	parser    WebhookParser
	confirmer PaymentConfirmer
	journal   ConfirmationJournal
	logger    *zap.Logger
}

func NewWebhookHandler(parser WebhookParser, confirmer PaymentConfirmer, j ConfirmationJournal, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		parser:    parser,
		confirmer: confirmer,
		journal:   j,
		logger:    logger,
	}
}

// ApplyConfirmation 把日誌中的確認套用到帳本 (啟動 replay 也用這個)
func ApplyConfirmation(confirmer PaymentConfirmer) journal.ApplyFunc {
	return func(ctx context.Context, c journal.Confirmation) error {
		_, err := confirmer.HandlePaymentSucceeded(ctx, c.IntentID, c.ChargeID)
		return err
	}
}

// HandleStripe 處理 payment_intent.succeeded
//
// 回應 2xx 代表 Stripe 不需要重送；帳本寫入失敗回 500 讓 Stripe 重試。
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("failed to read webhook payload", zap.Error(err))
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return
	}

	event, err := h.parser.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, stripe.ErrUnhandledEvent) {
		h.logger.Debug("ignored stripe event", zap.String("event_id", event.ID), zap.String("type", event.Type))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.logger.Warn("rejected stripe webhook", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	h.logger.Info("received stripe webhook",
		zap.String("event_id", event.ID),
		zap.String("intent_id", event.IntentID),
		zap.String("charge_id", event.ChargeID))

	err = h.journal.Record(r.Context(), event.IntentID, event.ChargeID, "stripe_webhook", ApplyConfirmation(h.confirmer))
	if err != nil {
		h.logger.Error("failed to apply stripe confirmation",
			zap.String("intent_id", event.IntentID),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "confirmation not recorded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
