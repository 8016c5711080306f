package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
)

// MutexLedger 是一個使用 Mutex 實現的收據帳本
//
// 結構:
//
//	mu: 整個帳本共用一把鎖，Atomic 期間獨佔
//	state: 已提交的資料，Atomic 在副本上操作，成功後整份替換
type MutexLedger struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	receipts  map[int64]*domain.Receipt
	items     map[int64]*domain.ReceiptItem
	txns      map[int64]*domain.ReceiptTransaction
	infos     map[int64]*domain.ReceiptInfo
	trackings map[int64]*domain.TxnRequestTracking
	owners    map[domain.OwnerRef]domain.Owner

	receiptSeq  int64
	itemSeq     int64
	txnSeq      int64
	infoSeq     int64
	trackingSeq int64
}

// NewMutexLedger 建立空的 MutexLedger
//
// 參數:
//
//	owners: 初始擁有者資料 (可為 nil)
func NewMutexLedger(owners ...domain.Owner) *MutexLedger {
	s := &state{
		receipts:  make(map[int64]*domain.Receipt),
		items:     make(map[int64]*domain.ReceiptItem),
		txns:      make(map[int64]*domain.ReceiptTransaction),
		infos:     make(map[int64]*domain.ReceiptInfo),
		trackings: make(map[int64]*domain.TxnRequestTracking),
		owners:    make(map[domain.OwnerRef]domain.Owner),
	}
	for _, o := range owners {
		s.owners[o.Ref()] = domain.CloneOwner(o)
	}
	return &MutexLedger{state: s}
}

// Atomic 取得獨佔鎖後在資料副本上執行 fn，成功才提交
//
// 參數:
//
//	ctx: 上下文
//	fn: 交易內容
//
// 回傳:
//
//	error: fn 的錯誤 (此時所有變更捨棄)
func (m *MutexLedger) Atomic(ctx context.Context, fn func(tx usecase.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	working := m.state.clone()
	if err := fn(&memoryTx{s: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (s *state) clone() *state {
	c := &state{
		receipts:    make(map[int64]*domain.Receipt, len(s.receipts)),
		items:       make(map[int64]*domain.ReceiptItem, len(s.items)),
		txns:        make(map[int64]*domain.ReceiptTransaction, len(s.txns)),
		infos:       make(map[int64]*domain.ReceiptInfo, len(s.infos)),
		trackings:   make(map[int64]*domain.TxnRequestTracking, len(s.trackings)),
		owners:      make(map[domain.OwnerRef]domain.Owner, len(s.owners)),
		receiptSeq:  s.receiptSeq,
		itemSeq:     s.itemSeq,
		txnSeq:      s.txnSeq,
		infoSeq:     s.infoSeq,
		trackingSeq: s.trackingSeq,
	}
	for id, r := range s.receipts {
		c.receipts[id] = r.Clone()
	}
	for id, item := range s.items {
		c.items[id] = item.Clone()
	}
	for id, txn := range s.txns {
		c.txns[id] = txn.Clone()
	}
	for id, info := range s.infos {
		cp := *info
		c.infos[id] = &cp
	}
	for id, t := range s.trackings {
		cp := *t
		c.trackings[id] = &cp
	}
	for ref, o := range s.owners {
		c.owners[ref] = domain.CloneOwner(o)
	}
	return c
}

// memoryTx 實作 usecase.LedgerTx，回傳的物件一律是副本
type memoryTx struct {
	s *state
}

func (t *memoryTx) Receipt(ctx context.Context, id int64) (*domain.Receipt, error) {
	r, ok := t.s.receipts[id]
	if !ok {
		return nil, domain.ErrReceiptNotFound
	}
	return t.assemble(r), nil
}

func (t *memoryTx) ReceiptForOwner(ctx context.Context, owner domain.OwnerRef) (*domain.Receipt, error) {
	ids := make([]int64, 0)
	for id, r := range t.s.receipts {
		if r.Owner == owner {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, domain.ErrReceiptNotFound
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return t.assemble(t.s.receipts[ids[0]]), nil
}

func (t *memoryTx) assemble(r *domain.Receipt) *domain.Receipt {
	out := &domain.Receipt{ID: r.ID, Owner: r.Owner, CreatedAt: r.CreatedAt}
	for _, item := range t.s.items {
		if item.ReceiptID == r.ID {
			out.Items = append(out.Items, item.Clone())
		}
	}
	for _, txn := range t.s.txns {
		if txn.ReceiptID == r.ID {
			out.Txns = append(out.Txns, txn.Clone())
		}
	}
	sort.Slice(out.Items, func(i, j int) bool { return out.Items[i].ID < out.Items[j].ID })
	sort.Slice(out.Txns, func(i, j int) bool { return out.Txns[i].ID < out.Txns[j].ID })
	return out
}

func (t *memoryTx) CreateReceipt(ctx context.Context, receipt *domain.Receipt) error {
	t.s.receiptSeq++
	receipt.ID = t.s.receiptSeq
	t.s.receipts[receipt.ID] = &domain.Receipt{ID: receipt.ID, Owner: receipt.Owner, CreatedAt: receipt.CreatedAt}
	return nil
}

func (t *memoryTx) SaveItem(ctx context.Context, item *domain.ReceiptItem) error {
	if _, ok := t.s.receipts[item.ReceiptID]; !ok {
		return domain.ErrReceiptNotFound
	}
	if item.ID == 0 {
		t.s.itemSeq++
		item.ID = t.s.itemSeq
	} else if _, ok := t.s.items[item.ID]; !ok {
		return domain.ErrItemNotFound
	}
	t.s.items[item.ID] = item.Clone()
	return nil
}

func (t *memoryTx) DeleteItem(ctx context.Context, id int64) error {
	if _, ok := t.s.items[id]; !ok {
		return domain.ErrItemNotFound
	}
	delete(t.s.items, id)
	return nil
}

func (t *memoryTx) SaveTransaction(ctx context.Context, txn *domain.ReceiptTransaction) error {
	if _, ok := t.s.receipts[txn.ReceiptID]; !ok {
		return domain.ErrReceiptNotFound
	}
	if txn.ID == 0 {
		t.s.txnSeq++
		txn.ID = t.s.txnSeq
	} else {
		old, ok := t.s.txns[txn.ID]
		if !ok {
			return domain.ErrTransactionNotFound
		}
		if err := domain.CheckTransactionUpdate(old, txn); err != nil {
			return err
		}
	}
	t.s.txns[txn.ID] = txn.Clone()
	return nil
}

func (t *memoryTx) DeleteTransaction(ctx context.Context, id int64) error {
	txn, ok := t.s.txns[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if txn.IsConfirmed() {
		return domain.ErrImmutableTransaction
	}
	delete(t.s.txns, id)
	return nil
}

func (t *memoryTx) Transaction(ctx context.Context, id int64) (*domain.ReceiptTransaction, error) {
	txn, ok := t.s.txns[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return txn.Clone(), nil
}

func (t *memoryTx) TransactionsByIntent(ctx context.Context, intentID string) ([]*domain.ReceiptTransaction, error) {
	var out []*domain.ReceiptTransaction
	for _, txn := range t.s.txns {
		if intentID != "" && txn.IntentID == intentID {
			out = append(out, txn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) SaveReceiptInfo(ctx context.Context, info *domain.ReceiptInfo) error {
	if info.ID == 0 {
		t.s.infoSeq++
		info.ID = t.s.infoSeq
	}
	cp := *info
	t.s.infos[info.ID] = &cp
	return nil
}

func (t *memoryTx) ReceiptInfo(ctx context.Context, id int64) (*domain.ReceiptInfo, error) {
	info, ok := t.s.infos[id]
	if !ok {
		return nil, domain.NewIntegrityError("receipt info not found")
	}
	cp := *info
	return &cp, nil
}

func (t *memoryTx) SaveTracking(ctx context.Context, tracking *domain.TxnRequestTracking) error {
	if tracking.IncrID == 0 {
		t.s.trackingSeq++
		tracking.IncrID = t.s.trackingSeq
	} else if tracking.IncrID > t.s.trackingSeq {
		t.s.trackingSeq = tracking.IncrID
	}
	cp := *tracking
	t.s.trackings[tracking.IncrID] = &cp
	return nil
}

func (t *memoryTx) Tracking(ctx context.Context, incrID int64) (*domain.TxnRequestTracking, error) {
	tracking, ok := t.s.trackings[incrID]
	if !ok {
		return nil, domain.ErrTrackingNotFound
	}
	cp := *tracking
	return &cp, nil
}

func (t *memoryTx) Owner(ctx context.Context, ref domain.OwnerRef) (domain.Owner, error) {
	o, ok := t.s.owners[ref]
	if !ok {
		return nil, domain.ErrOwnerNotFound
	}
	return domain.CloneOwner(o), nil
}

func (t *memoryTx) SaveOwner(ctx context.Context, owner domain.Owner) error {
	t.s.owners[owner.Ref()] = domain.CloneOwner(owner)
	return nil
}

var _ usecase.LedgerStore = (*MutexLedger)(nil)
var _ usecase.LedgerTx = (*memoryTx)(nil)
