package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

// Board 單機版終端機狀態看板
type Board struct {
	mu       sync.RWMutex
	statuses map[string]*domain.TerminalStatus
	now      func() time.Time
}

func NewBoard() *Board {
	return &Board{statuses: make(map[string]*domain.TerminalStatus), now: time.Now}
}

func (b *Board) Begin(ctx context.Context, terminalID, workstation, intentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[terminalID] = &domain.TerminalStatus{
		Workstation:      workstation,
		TerminalID:       terminalID,
		IntentID:         intentID,
		RequestTimestamp: b.now(),
	}
	return nil
}

func (b *Board) Succeed(ctx context.Context, terminalID string, response map[string]string, warning string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(terminalID)
	st.LastResponse = response
	st.LastError = warning
	return nil
}

func (b *Board) Fail(ctx context.Context, terminalID, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entry(terminalID).LastError = message
	return nil
}

func (b *Board) Status(ctx context.Context, terminalID string) (*domain.TerminalStatus, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.statuses[terminalID]
	if !ok {
		return &domain.TerminalStatus{TerminalID: terminalID}, nil
	}
	cp := *st
	return &cp, nil
}

func (b *Board) entry(terminalID string) *domain.TerminalStatus {
	st, ok := b.statuses[terminalID]
	if !ok {
		st = &domain.TerminalStatus{TerminalID: terminalID}
		b.statuses[terminalID] = st
	}
	return st
}

// Directory 由設定檔決定的工作站 -> 終端機對應
type Directory map[string]string

func (d Directory) AssignedTerminal(ctx context.Context, workstation string) (string, error) {
	if workstation == "" {
		return "", fmt.Errorf("no workstation set")
	}
	terminalID, ok := d[workstation]
	if !ok || terminalID == "" {
		return "", fmt.Errorf("workstation %s has no assigned terminal", workstation)
	}
	return terminalID, nil
}

var _ usecase.TerminalBoard = (*Board)(nil)
var _ usecase.TerminalDirectory = Directory(nil)
