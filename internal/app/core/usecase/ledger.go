package usecase

import (
	"context"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
)

// LedgerStore 是收據帳本的持久化介面
type LedgerStore interface {
	// Atomic 在單一交易內執行 fn，fn 回傳錯誤時全部回滾
	// 透過 LedgerTx 讀到的收據在交易結束前都持有排他鎖
	Atomic(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx 交易範圍內可用的操作
type LedgerTx interface {
	// Receipt 讀取並鎖定收據 (含 items / txns)
	Receipt(ctx context.Context, id int64) (*domain.Receipt, error)
	// ReceiptForOwner 讀取並鎖定擁有者的收據，不存在時回傳 domain.ErrReceiptNotFound
	ReceiptForOwner(ctx context.Context, owner domain.OwnerRef) (*domain.Receipt, error)
	// CreateReceipt 建立收據並回填 ID
	CreateReceipt(ctx context.Context, receipt *domain.Receipt) error

	// SaveItem 新增或更新項目 (ID 為 0 時新增)
	SaveItem(ctx context.Context, item *domain.ReceiptItem) error
	DeleteItem(ctx context.Context, id int64) error

	// SaveTransaction 新增或更新交易，已確認的交易只允許更新 Refunded
	SaveTransaction(ctx context.Context, txn *domain.ReceiptTransaction) error
	DeleteTransaction(ctx context.Context, id int64) error
	Transaction(ctx context.Context, id int64) (*domain.ReceiptTransaction, error)
	// TransactionsByIntent 依建立順序回傳同一 intent 的所有交易
	TransactionsByIntent(ctx context.Context, intentID string) ([]*domain.ReceiptTransaction, error)

	SaveReceiptInfo(ctx context.Context, info *domain.ReceiptInfo) error
	ReceiptInfo(ctx context.Context, id int64) (*domain.ReceiptInfo, error)

	// SaveTracking 新增時回填遞增的 IncrID
	SaveTracking(ctx context.Context, tracking *domain.TxnRequestTracking) error
	Tracking(ctx context.Context, incrID int64) (*domain.TxnRequestTracking, error)

	Owner(ctx context.Context, ref domain.OwnerRef) (domain.Owner, error)
	SaveOwner(ctx context.Context, owner domain.Owner) error
}

// Notifier 付款確認後的通知 (fire-and-forget)，失敗只記錄不回滾
type Notifier interface {
	Notify(ctx context.Context, event domain.PaymentEvent) error
}

// ActorLookup 取得目前操作者名稱
type ActorLookup interface {
	Actor(ctx context.Context) string
}
