package domain

import "time"

// Receipt 擁有者的 append-only 帳本
type Receipt struct {
	ID        int64
	Owner     OwnerRef
	CreatedAt time.Time
	Items     []*ReceiptItem
	Txns      []*ReceiptTransaction
}

// ItemTotal 所有項目金額加總
func (r *Receipt) ItemTotal() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.Total()
	}
	return total
}

// TxnTotal 計入餘額的交易淨額加總
func (r *Receipt) TxnTotal() int64 {
	var total int64
	for _, txn := range r.Txns {
		if txn.Counted() {
			total += txn.Amount
		}
	}
	return total
}

// CurrentAmountOwed 目前應付金額
func (r *Receipt) CurrentAmountOwed() int64 {
	return r.ItemTotal() - r.TxnTotal()
}

// OpenItems 尚未結清的項目
func (r *Receipt) OpenItems() []*ReceiptItem {
	var open []*ReceiptItem
	for _, item := range r.Items {
		if item.ClosedAt == nil {
			open = append(open, item)
		}
	}
	return open
}

// Item 依 ID 取得項目
func (r *Receipt) Item(id int64) *ReceiptItem {
	for _, item := range r.Items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// ItemAttempted 是否已有交易嘗試過該項目
func (r *Receipt) ItemAttempted(id int64) bool {
	for _, txn := range r.Txns {
		for _, itemID := range txn.ItemIDs {
			if itemID == id {
				return true
			}
		}
	}
	return false
}

func (r *Receipt) Clone() *Receipt {
	c := *r
	c.Items = make([]*ReceiptItem, len(r.Items))
	for i, item := range r.Items {
		c.Items[i] = item.Clone()
	}
	c.Txns = make([]*ReceiptTransaction, len(r.Txns))
	for i, txn := range r.Txns {
		c.Txns[i] = txn.Clone()
	}
	return &c
}

// ReceiptItem 收據上的一筆計價項目 (借或貸)
type ReceiptItem struct {
	ID           int64
	ReceiptID    int64
	Desc         string
	Amount       int64
	Count        int
	Who          string
	RevertChange map[string]string
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

func (i *ReceiptItem) Total() int64 {
	count := i.Count
	if count == 0 {
		count = 1
	}
	return i.Amount * int64(count)
}

func (i *ReceiptItem) Closed() bool { return i.ClosedAt != nil }

func (i *ReceiptItem) Clone() *ReceiptItem {
	c := *i
	if i.RevertChange != nil {
		c.RevertChange = make(map[string]string, len(i.RevertChange))
		for k, v := range i.RevertChange {
			c.RevertChange[k] = v
		}
	}
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// ItemPreview 未持久化的預覽項目 (desc, amount, count)
type ItemPreview struct {
	Desc   string `json:"desc"`
	Amount int64  `json:"amount"`
	Count  int    `json:"count"`
}
