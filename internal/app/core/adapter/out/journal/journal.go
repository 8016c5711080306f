package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-receipt-ledger/pkg/wal"
)

type entryKind string

const (
	kindConfirm entryKind = "confirm"
	kindAck     entryKind = "ack"
)

// Confirmation 金流商送來的付款確認
type Confirmation struct {
	ID         string    `json:"id"`
	IntentID   string    `json:"intent_id"`
	ChargeID   string    `json:"charge_id"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
}

type entry struct {
	Kind entryKind `json:"kind"`
	Confirmation
}

// ApplyFunc 把確認寫進帳本，必須是冪等的
type ApplyFunc func(ctx context.Context, c Confirmation) error

// Journal 付款確認的預寫日誌
//
// 流程: 寫入 confirm -> 套用到帳本 -> 寫入 ack。
// 套用前 crash 的確認在啟動時由 Replay 重新套用。
type Journal struct {
	wal    *wal.WAL
	logger *zap.Logger
	now    func() time.Time
}

// Open 開啟 (或建立) path 的日誌檔
func Open(path string, logger *zap.Logger) (*Journal, error) {
	w, err := wal.NewWAL(path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{wal: w, logger: logger, now: time.Now}, nil
}

// Record 先落地再套用；套用失敗時保留紀錄等待下次 Replay
func (j *Journal) Record(ctx context.Context, intentID, chargeID, source string, apply ApplyFunc) error {
	c := Confirmation{
		ID:         ulid.Make().String(),
		IntentID:   intentID,
		ChargeID:   chargeID,
		Source:     source,
		ReceivedAt: j.now().UTC(),
	}
	if err := j.wal.Write(entry{Kind: kindConfirm, Confirmation: c}); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	if err := apply(ctx, c); err != nil {
		j.logger.Warn("confirmation left pending in journal",
			zap.String("id", c.ID),
			zap.String("intent_id", intentID),
			zap.Error(err))
		return err
	}
	return j.ack(c)
}

func (j *Journal) ack(c Confirmation) error {
	if err := j.wal.Write(entry{Kind: kindAck, Confirmation: Confirmation{ID: c.ID}}); err != nil {
		return fmt.Errorf("journal ack %s: %w", c.ID, err)
	}
	return nil
}

// Pending 依寫入順序回傳尚未 ack 的確認
func (j *Journal) Pending() ([]Confirmation, error) {
	var order []string
	pending := make(map[string]Confirmation)
	err := j.wal.ReadAll(func(raw []byte) error {
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode journal entry: %w", err)
		}
		switch e.Kind {
		case kindConfirm:
			if _, ok := pending[e.ID]; !ok {
				order = append(order, e.ID)
			}
			pending[e.ID] = e.Confirmation
		case kindAck:
			delete(pending, e.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Confirmation, 0, len(pending))
	for _, id := range order {
		if c, ok := pending[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// Replay 重新套用所有未 ack 的確認，並把日誌壓縮成只剩仍失敗的部分
//
// 回傳:
//
//	int: 成功套用的筆數
//	error: 讀取或壓縮失敗 (單筆套用失敗只記 log)
func (j *Journal) Replay(ctx context.Context, apply ApplyFunc) (int, error) {
	pending, err := j.Pending()
	if err != nil {
		return 0, err
	}

	applied := 0
	var remaining []any
	for _, c := range pending {
		if err := apply(ctx, c); err != nil {
			j.logger.Error("journal replay failed",
				zap.String("id", c.ID),
				zap.String("intent_id", c.IntentID),
				zap.Error(err))
			remaining = append(remaining, entry{Kind: kindConfirm, Confirmation: c})
			continue
		}
		applied++
	}

	if err := j.wal.Rewrite(remaining); err != nil {
		return applied, fmt.Errorf("journal compact: %w", err)
	}
	if applied > 0 || len(remaining) > 0 {
		j.logger.Info("journal replayed",
			zap.Int("applied", applied),
			zap.Int("remaining", len(remaining)))
	}
	return applied, nil
}

func (j *Journal) Close() error {
	return j.wal.Close()
}
