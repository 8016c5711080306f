package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

var testOwner = domain.OwnerRef{Kind: domain.OwnerKindAttendee, ID: "a1"}

func newReceipt(t *testing.T, m *MutexLedger) int64 {
	t.Helper()
	ctx := context.Background()
	receipt := &domain.Receipt{Owner: testOwner, CreatedAt: time.Now()}
	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		return tx.CreateReceipt(ctx, receipt)
	}))
	return receipt.ID
}

func TestMutexLedger_RollbackDiscardsChanges(t *testing.T) {
	m := NewMutexLedger()
	ctx := context.Background()
	id := newReceipt(t, m)
	boom := errors.New("boom")

	err := m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		if err := tx.SaveItem(ctx, &domain.ReceiptItem{ReceiptID: id, Desc: "Badge", Amount: 5000, Count: 1}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		r, err := tx.Receipt(ctx, id)
		if err != nil {
			return err
		}
		assert.Empty(t, r.Items)
		return nil
	}))
}

func TestMutexLedger_ReturnsCopies(t *testing.T) {
	m := NewMutexLedger()
	ctx := context.Background()
	id := newReceipt(t, m)

	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		return tx.SaveItem(ctx, &domain.ReceiptItem{ReceiptID: id, Desc: "Badge", Amount: 5000, Count: 1})
	}))

	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		r, err := tx.Receipt(ctx, id)
		if err != nil {
			return err
		}
		r.Items[0].Amount = 1
		return nil
	}))

	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		r, err := tx.ReceiptForOwner(ctx, testOwner)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(5000), r.Items[0].Amount)
		return nil
	}))
}

func TestMutexLedger_ConfirmedTransaction(t *testing.T) {
	m := NewMutexLedger()
	ctx := context.Background()
	id := newReceipt(t, m)

	txn := &domain.ReceiptTransaction{ReceiptID: id, IntentID: "pi_1", Method: domain.MethodHostedCard, Amount: 5000, TxnTotal: 5000}
	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		if err := tx.SaveTransaction(ctx, txn); err != nil {
			return err
		}
		txn.ChargeID = "ch_1"
		return tx.SaveTransaction(ctx, txn)
	}))

	err := m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		return tx.DeleteTransaction(ctx, txn.ID)
	})
	assert.ErrorIs(t, err, domain.ErrImmutableTransaction)

	err = m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		changed := txn.Clone()
		changed.Amount = 1
		return tx.SaveTransaction(ctx, changed)
	})
	assert.ErrorIs(t, err, domain.ErrImmutableTransaction)

	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		txns, err := tx.TransactionsByIntent(ctx, "pi_1")
		if err != nil {
			return err
		}
		assert.Len(t, txns, 1)
		none, err := tx.TransactionsByIntent(ctx, "")
		assert.Empty(t, none)
		return err
	}))
}

func TestMutexLedger_TrackingSequenceSurvivesResave(t *testing.T) {
	m := NewMutexLedger()
	ctx := context.Background()

	kept := &domain.TxnRequestTracking{IncrID: 7, Workstation: "ws1"}
	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		return tx.SaveTracking(ctx, kept)
	}))

	next := &domain.TxnRequestTracking{Workstation: "ws1"}
	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		return tx.SaveTracking(ctx, next)
	}))
	assert.Equal(t, int64(8), next.IncrID)
}

func TestMutexLedger_ConcurrentAtomic(t *testing.T) {
	m := NewMutexLedger()
	ctx := context.Background()
	id := newReceipt(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Atomic(ctx, func(tx usecase.LedgerTx) error {
				return tx.SaveItem(ctx, &domain.ReceiptItem{ReceiptID: id, Desc: "Donation", Amount: 100, Count: 1})
			})
		}()
	}
	wg.Wait()

	require.NoError(t, m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		r, err := tx.Receipt(ctx, id)
		if err != nil {
			return err
		}
		assert.Len(t, r.Items, 50)
		assert.Equal(t, int64(5000), r.ItemTotal())
		return nil
	}))
}

func TestMutexLedger_CancelledContext(t *testing.T) {
	m := NewMutexLedger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := m.Atomic(ctx, func(tx usecase.LedgerTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
