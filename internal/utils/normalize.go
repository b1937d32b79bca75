package utils

import (
	"strings"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
)

// NormalizeChannel приводит имя канала к виду lowercase_underscore ("Amazon UK" -> "amazon_uk").
func NormalizeChannel(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}

// LineTotal возвращает сумму строки; при отсутствии удалённого значения считает quantity * price.
func LineTotal(remote decimal.Decimal, quantity int, pricePerUnit decimal.Decimal) decimal.Decimal {
	if !remote.IsZero() {
		return remote
	}
	return pricePerUnit.Mul(decimal.NewFromInt(int64(quantity)))
}
