package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

// Config Kafka 設定
type Config struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Notifier 把付款事件發到 Kafka (寄收據信、報表等下游使用)
//
// Writer 以 Async 模式運作，送出失敗只記 log，不影響帳本。
type Notifier struct {
	writer messageWriter
	logger *zap.Logger
}

func NewNotifier(cfg Config, logger *zap.Logger) *Notifier {
	if cfg.Topic == "" {
		cfg.Topic = "payment_events"
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to publish payment events",
					zap.Int("count", len(messages)),
					zap.Error(err))
			}
		},
	}
	return newNotifier(w, logger)
}

func newNotifier(w messageWriter, logger *zap.Logger) *Notifier {
	return &Notifier{writer: w, logger: logger}
}

// Notify 以收據 id 為 key，同一張收據的事件保持順序
func (n *Notifier) Notify(ctx context.Context, event domain.PaymentEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.ReceiptID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
		Time: event.OccurredAt,
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	n.logger.Debug("payment event queued",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Int64("receipt_id", event.ReceiptID))
	return nil
}

// Close 等待 Async buffer 送完
func (n *Notifier) Close() error {
	return n.writer.Close()
}

var _ usecase.Notifier = (*Notifier)(nil)
