package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus описывает локальный статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusProcessed OrderStatus = "processed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// Order представляет локальную копию удалённого заказа.
// ExternalID - ключ upsert-а, уникален в рамках аккаунта.
type Order struct {
	ID                uuid.UUID       `db:"id"`
	ExternalID        string          `db:"external_id"`
	OrderNumber       string          `db:"order_number"`
	Channel           string          `db:"channel"`
	ChannelNormalized string          `db:"channel_normalized"`
	SubSource         string          `db:"sub_source"`
	Currency          string          `db:"currency"`
	TotalCharge       decimal.Decimal `db:"total_charge"`
	TotalPaid         decimal.Decimal `db:"total_paid"`
	PostageCost       decimal.Decimal `db:"postage_cost"`
	Tax               decimal.Decimal `db:"tax"`
	ProfitMargin      decimal.Decimal `db:"profit_margin"`
	RemoteStatus      int             `db:"remote_status"`
	Status            OrderStatus     `db:"status"`
	IsOpen            bool            `db:"is_open"`
	IsProcessed       bool            `db:"is_processed"`
	IsCancelled       bool            `db:"is_cancelled"`
	HasRefund         bool            `db:"has_refund"`
	ReceivedAt        *time.Time      `db:"received_at"`
	ProcessedAt       *time.Time      `db:"processed_at"`
	LastSyncedAt      *time.Time      `db:"last_synced_at"`
	SyncMetadata      Metadata        `db:"sync_metadata"`
	ItemCount         int             `db:"-"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// OrderItem - строка заказа. Принадлежит ровно одному Order.
type OrderItem struct {
	ID           uuid.UUID       `db:"id"`
	OrderID      uuid.UUID       `db:"order_id"`
	RemoteItemID string          `db:"remote_item_id"`
	SKU          string          `db:"sku"`
	Title        string          `db:"title"`
	Quantity     int             `db:"quantity"`
	UnitCost     decimal.Decimal `db:"unit_cost"`
	PricePerUnit decimal.Decimal `db:"price_per_unit"`
	LineTotal    decimal.Decimal `db:"line_total"`
	CategoryName string          `db:"category_name"`
	ParentSKU    *string         `db:"parent_sku"`
}

// StatusFlags - результат маппинга удалённого кода статуса.
type StatusFlags struct {
	Status      OrderStatus
	IsProcessed bool
	IsCancelled bool
	HasRefund   bool
}

// MapRemoteStatus единая таблица соответствия удалённых кодов локальным статусам.
// Используется всеми путями импорта (обычная синхронизация, исторический импорт, реимпорт).
// Второе значение false означает неизвестный код.
func MapRemoteStatus(code int) (StatusFlags, bool) {
	switch code {
	case 0, 3:
		return StatusFlags{Status: OrderStatusPending}, true
	case 1:
		return StatusFlags{Status: OrderStatusProcessed, IsProcessed: true}, true
	case 2:
		return StatusFlags{Status: OrderStatusCancelled, IsProcessed: true, IsCancelled: true}, true
	case 4:
		return StatusFlags{Status: OrderStatusRefunded, IsProcessed: true, HasRefund: true}, true
	default:
		return StatusFlags{}, false
	}
}

// ApplyStatus проставляет статус и флаги по удалённому коду.
func (o *Order) ApplyStatus(code int) bool {
	flags, ok := MapRemoteStatus(code)
	if !ok {
		return false
	}
	o.RemoteStatus = code
	o.Status = flags.Status
	o.IsProcessed = flags.IsProcessed
	o.IsCancelled = flags.IsCancelled
	o.HasRefund = flags.HasRefund
	return true
}

// LacksDetails сообщает, что у заказа не хватает полей, которые заполняет импорт.
func (o *Order) LacksDetails() bool {
	return o.ProcessedAt == nil || o.Currency == "" || o.Channel == "" || o.ItemCount == 0
}
