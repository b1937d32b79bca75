package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

// MaxDetailBatch - ограничение удалённого API на число id в одном запросе деталей.
const MaxDetailBatch = 200

// DateField выбирает, по какой дате ищутся обработанные заказы.
type DateField string

const (
	DateFieldReceived  DateField = "received"
	DateFieldProcessed DateField = "processed"
)

// ProcessedQuery - параметры одной страницы поиска обработанных заказов.
type ProcessedQuery struct {
	From       time.Time
	To         time.Time
	DateField  DateField
	PageNumber int
	PageSize   int
}

// IDPage - одна страница id обработанных заказов.
type IDPage struct {
	PageNumber   int
	TotalPages   int
	TotalEntries int
	IDs          []string
}

// OrderDetail - полные данные заказа, как их отдаёт удалённая система.
type OrderDetail struct {
	OrderID           string            `json:"OrderId"`
	NumOrderID        int64             `json:"NumOrderId"`
	Processed         bool              `json:"Processed"`
	ProcessedDateTime *time.Time        `json:"ProcessedDateTime"`
	GeneralInfo       OrderGeneralInfo  `json:"GeneralInfo"`
	TotalsInfo        OrderTotalsInfo   `json:"TotalsInfo"`
	Items             []OrderDetailItem `json:"Items"`
}

type OrderGeneralInfo struct {
	Status       int        `json:"Status"`
	Source       string     `json:"Source"`
	SubSource    string     `json:"SubSource"`
	ReferenceNum string     `json:"ReferenceNum"`
	ReceivedDate *time.Time `json:"ReceivedDate"`
	HasRefund    bool       `json:"HasRefund"`
}

type OrderTotalsInfo struct {
	Subtotal     decimal.Decimal `json:"Subtotal"`
	PostageCost  decimal.Decimal `json:"PostageCost"`
	Tax          decimal.Decimal `json:"Tax"`
	TotalCharge  decimal.Decimal `json:"TotalCharge"`
	TotalPaid    decimal.Decimal `json:"TotalPaid"`
	ProfitMargin decimal.Decimal `json:"ProfitMargin"`
	Currency     string          `json:"Currency"`
}

type OrderDetailItem struct {
	ItemID       string          `json:"ItemId"`
	SKU          string          `json:"SKU"`
	Title        string          `json:"Title"`
	Quantity     int             `json:"Quantity"`
	UnitCost     decimal.Decimal `json:"UnitCost"`
	PricePerUnit decimal.Decimal `json:"PricePerUnit"`
	CostIncTax   decimal.Decimal `json:"CostIncTax"`
	CategoryName string          `json:"CategoryName"`
	ParentSKU    string          `json:"ParentSKU"`
}
