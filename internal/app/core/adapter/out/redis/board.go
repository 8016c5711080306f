package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

const (
	fieldWorkstation  = "workstation"
	fieldTerminalID   = "terminal_id"
	fieldIntentID     = "intent_id"
	fieldRequestedAt  = "request_timestamp"
	fieldLastResponse = "last_response"
	fieldLastError    = "last_error"
)

// Config Redis 連線設定
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix 所有 key 的前綴
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// NewClient 建立 client 並 ping 一次
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Board 多台主機共用的終端機狀態看板
//
// 每台終端機一個 hash: {prefix}spin_terminal_txns:{terminal_id}
type Board struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewBoard(client redis.Cmdable, cfg Config) *Board {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Board{client: client, prefix: cfg.Prefix, ttl: cfg.TTL, now: time.Now}
}

func (b *Board) key(terminalID string) string {
	return b.prefix + "spin_terminal_txns:" + terminalID
}

// Begin 新請求開始，清掉上一次的結果
func (b *Board) Begin(ctx context.Context, terminalID, workstation, intentID string) error {
	key := b.key(terminalID)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			fieldWorkstation, workstation,
			fieldTerminalID, terminalID,
			fieldIntentID, intentID,
			fieldRequestedAt, b.now().UTC().Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("board begin %s: %w", terminalID, err)
	}
	return nil
}

// Succeed 記錄終端機回應；warning 非空時一併寫入 last_error
func (b *Board) Succeed(ctx context.Context, terminalID string, response map[string]string, warning string) error {
	raw, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("marshal terminal response: %w", err)
	}
	key := b.key(terminalID)
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldTerminalID, terminalID, fieldLastResponse, string(raw))
		if warning != "" {
			pipe.HSet(ctx, key, fieldLastError, warning)
		} else {
			pipe.HDel(ctx, key, fieldLastError)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("board succeed %s: %w", terminalID, err)
	}
	return nil
}

func (b *Board) Fail(ctx context.Context, terminalID, message string) error {
	if err := b.client.HSet(ctx, b.key(terminalID), fieldTerminalID, terminalID, fieldLastError, message).Err(); err != nil {
		return fmt.Errorf("board fail %s: %w", terminalID, err)
	}
	return nil
}

func (b *Board) Status(ctx context.Context, terminalID string) (*domain.TerminalStatus, error) {
	fields, err := b.client.HGetAll(ctx, b.key(terminalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("board status %s: %w", terminalID, err)
	}
	return decodeStatus(terminalID, fields)
}

func decodeStatus(terminalID string, fields map[string]string) (*domain.TerminalStatus, error) {
	st := &domain.TerminalStatus{
		TerminalID:  terminalID,
		Workstation: fields[fieldWorkstation],
		IntentID:    fields[fieldIntentID],
		LastError:   fields[fieldLastError],
	}
	if ts := fields[fieldRequestedAt]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse request timestamp %q: %w", ts, err)
		}
		st.RequestTimestamp = t
	}
	if raw := fields[fieldLastResponse]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.LastResponse); err != nil {
			return nil, fmt.Errorf("decode last response: %w", err)
		}
	}
	return st, nil
}

var _ usecase.TerminalBoard = (*Board)(nil)
