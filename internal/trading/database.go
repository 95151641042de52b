package trading

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-router/internal/exposure"
	"github.com/ksred/klear-router/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateOrderWithIdempotency creates a new order and its idempotency record
// in one transaction.
func (d *Database) CreateOrderWithIdempotency(order *types.Order) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := types.IdempotencyRecord{
		Account:        order.Account,
		IdempotencyKey: order.ClientOrderKey,
		ResourceID:     order.OrderID,
		ResourceType:   "order",
		CreatedAt:      time.Now(),
	}
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// FindByClientKey resolves an idempotency key to its order. It returns nil
// when the key has never been used.
func (d *Database) FindByClientKey(account, key string) (*types.Order, error) {
	var record types.IdempotencyRecord
	err := d.db.Where("account = ? AND idempotency_key = ?", account, key).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.GetOrder(record.ResourceID)
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// SaveOrder writes an order update together with its outbox event and, for
// fills, the fill record. Either all of them are stored or none is.
func (d *Database) SaveOrder(order *types.Order, ev *types.OrderEvent, fill *types.Fill) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if fill != nil {
		if err := tx.Create(fill).Error; err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Save(order).Error; err != nil {
		tx.Rollback()
		return err
	}
	if ev != nil {
		if err := tx.Create(ev).Error; err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit().Error
}

// ListOrders returns an account's orders, newest first. An empty status
// matches every status.
func (d *Database) ListOrders(account string, status types.OrderStatus, limit int) ([]types.Order, error) {
	q := d.db.Where("account = ?", account)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 {
		limit = 100
	}
	var orders []types.Order
	if err := q.Order("created_at DESC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// OpenOrders returns every order that has not reached a terminal state.
func (d *Database) OpenOrders() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("status IN ?", []types.OrderStatus{
		types.StatusReceived,
		types.StatusRiskChecked,
		types.StatusRouted,
		types.StatusPartiallyFilled,
	}).Order("created_at").Find(&orders).Error
	return orders, err
}

func (d *Database) FillsForOrder(orderID string) ([]types.Fill, error) {
	var fills []types.Fill
	err := d.db.Where("order_id = ?", orderID).Order("venue, seq").Find(&fills).Error
	return fills, err
}

func (d *Database) AllFills() ([]types.Fill, error) {
	var fills []types.Fill
	err := d.db.Order("id").Find(&fills).Error
	return fills, err
}

// Positions folds the persisted fill history into positions. It is the
// feed the exposure refresher reconciles against.
func (d *Database) Positions(ctx context.Context) ([]exposure.Position, error) {
	var fills []types.Fill
	if err := d.db.WithContext(ctx).Find(&fills).Error; err != nil {
		return nil, err
	}
	return exposure.Fold(fills), nil
}
