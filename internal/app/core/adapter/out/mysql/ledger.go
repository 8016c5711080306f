package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-receipt-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-receipt-ledger/pkg/mysql"
)

// MySQLLedger 以 GORM 實作的收據帳本
//
// 讀取收據、交易、擁有者時使用 SELECT ... FOR UPDATE (悲觀鎖)，鎖持續到 Atomic 結束。
type MySQLLedger struct {
	client *mysql.Client
}

func NewMySQLLedger(client *mysql.Client) *MySQLLedger {
	return &MySQLLedger{
		client: client,
	}
}

// Migrate 建立/更新所有資料表
func (ledger *MySQLLedger) Migrate(ctx context.Context) error {
	return ledger.client.DB().WithContext(ctx).AutoMigrate(Models()...)
}

// Atomic 在單一 DB transaction 內執行 fn
func (ledger *MySQLLedger) Atomic(ctx context.Context, fn func(tx usecase.LedgerTx) error) error {
	return ledger.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) locked() *gorm.DB {
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) Receipt(ctx context.Context, id int64) (*domain.Receipt, error) {
	var row sqlReceipt
	err := t.locked().Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select receipt %d: %w", id, err)
	}
	return t.assemble(&row)
}

func (t *gormTx) ReceiptForOwner(ctx context.Context, owner domain.OwnerRef) (*domain.Receipt, error) {
	var row sqlReceipt
	err := t.locked().
		Where("owner_kind = ? AND owner_id = ?", string(owner.Kind), owner.ID).
		Order("id").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select receipt for %s: %w", owner, err)
	}
	return t.assemble(&row)
}

func (t *gormTx) assemble(row *sqlReceipt) (*domain.Receipt, error) {
	receipt := row.toDomain()

	var items []sqlReceiptItem
	if err := t.db.Where("receipt_id = ?", row.ID).Order("id").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("select items of receipt %d: %w", row.ID, err)
	}
	for i := range items {
		receipt.Items = append(receipt.Items, items[i].toDomain())
	}

	var txns []sqlReceiptTxn
	if err := t.db.Where("receipt_id = ?", row.ID).Order("id").Find(&txns).Error; err != nil {
		return nil, fmt.Errorf("select txns of receipt %d: %w", row.ID, err)
	}
	for i := range txns {
		receipt.Txns = append(receipt.Txns, txns[i].toDomain())
	}
	return receipt, nil
}

func (t *gormTx) CreateReceipt(ctx context.Context, receipt *domain.Receipt) error {
	row := sqlReceipt{
		OwnerKind: string(receipt.Owner.Kind),
		OwnerID:   receipt.Owner.ID,
		CreatedAt: receipt.CreatedAt,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	receipt.ID = row.ID
	return nil
}

func (t *gormTx) SaveItem(ctx context.Context, item *domain.ReceiptItem) error {
	row := fromItem(item)
	if item.ID == 0 {
		if err := t.db.Create(row).Error; err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		item.ID = row.ID
		return nil
	}
	var count int64
	if err := t.db.Model(&sqlReceiptItem{}).Where("id = ?", item.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("select item %d: %w", item.ID, err)
	}
	if count == 0 {
		return domain.ErrItemNotFound
	}
	if err := t.db.Model(&sqlReceiptItem{}).Where("id = ?", item.ID).Select("*").Updates(row).Error; err != nil {
		return fmt.Errorf("update item %d: %w", item.ID, err)
	}
	return nil
}

func (t *gormTx) DeleteItem(ctx context.Context, id int64) error {
	res := t.db.Delete(&sqlReceiptItem{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete item %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (t *gormTx) SaveTransaction(ctx context.Context, txn *domain.ReceiptTransaction) error {
	row := fromTxn(txn)
	if txn.ID == 0 {
		if err := t.db.Create(row).Error; err != nil {
			return fmt.Errorf("insert txn: %w", err)
		}
		txn.ID = row.ID
		return nil
	}
	old, err := t.Transaction(ctx, txn.ID)
	if err != nil {
		return err
	}
	if err := domain.CheckTransactionUpdate(old, txn); err != nil {
		return err
	}
	if err := t.db.Model(&sqlReceiptTxn{}).Where("id = ?", txn.ID).Select("*").Updates(row).Error; err != nil {
		return fmt.Errorf("update txn %d: %w", txn.ID, err)
	}
	return nil
}

func (t *gormTx) DeleteTransaction(ctx context.Context, id int64) error {
	old, err := t.Transaction(ctx, id)
	if err != nil {
		return err
	}
	if old.IsConfirmed() {
		return domain.ErrImmutableTransaction
	}
	if err := t.db.Delete(&sqlReceiptTxn{}, id).Error; err != nil {
		return fmt.Errorf("delete txn %d: %w", id, err)
	}
	return nil
}

func (t *gormTx) Transaction(ctx context.Context, id int64) (*domain.ReceiptTransaction, error) {
	var row sqlReceiptTxn
	err := t.locked().Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select txn %d: %w", id, err)
	}
	return row.toDomain(), nil
}

func (t *gormTx) TransactionsByIntent(ctx context.Context, intentID string) ([]*domain.ReceiptTransaction, error) {
	if intentID == "" {
		return nil, nil
	}
	var rows []sqlReceiptTxn
	if err := t.locked().Where("intent_id = ?", intentID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("select txns for intent %s: %w", intentID, err)
	}
	out := make([]*domain.ReceiptTransaction, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (t *gormTx) SaveReceiptInfo(ctx context.Context, info *domain.ReceiptInfo) error {
	row := fromInfo(info)
	if err := t.db.Save(row).Error; err != nil {
		return fmt.Errorf("save receipt info: %w", err)
	}
	info.ID = row.ID
	return nil
}

func (t *gormTx) ReceiptInfo(ctx context.Context, id int64) (*domain.ReceiptInfo, error) {
	var row sqlReceiptInfo
	err := t.db.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewIntegrityError(fmt.Sprintf("receipt info %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("select receipt info %d: %w", id, err)
	}
	return row.toDomain(), nil
}

func (t *gormTx) SaveTracking(ctx context.Context, tracking *domain.TxnRequestTracking) error {
	row := fromTracking(tracking)
	if err := t.db.Save(row).Error; err != nil {
		return fmt.Errorf("save tracking: %w", err)
	}
	tracking.IncrID = row.IncrID
	return nil
}

func (t *gormTx) Tracking(ctx context.Context, incrID int64) (*domain.TxnRequestTracking, error) {
	var row sqlTracking
	err := t.db.Where("incr_id = ?", incrID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTrackingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select tracking %d: %w", incrID, err)
	}
	return row.toDomain(), nil
}

func (t *gormTx) Owner(ctx context.Context, ref domain.OwnerRef) (domain.Owner, error) {
	var row sqlOwner
	err := t.locked().Where("kind = ? AND id = ?", string(ref.Kind), ref.ID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOwnerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select owner %s: %w", ref, err)
	}
	return row.toDomain()
}

func (t *gormTx) SaveOwner(ctx context.Context, owner domain.Owner) error {
	row, err := fromOwner(owner)
	if err != nil {
		return err
	}
	if err := t.db.Save(row).Error; err != nil {
		return fmt.Errorf("save owner %s: %w", owner.Ref(), err)
	}
	return nil
}

var _ usecase.LedgerStore = (*MySQLLedger)(nil)
var _ usecase.LedgerTx = (*gormTx)(nil)
