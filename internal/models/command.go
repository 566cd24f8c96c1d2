package models

import (
	"github.com/shopspring/decimal"
)

// ProductCommand is a validated row ready to be written as a product plus its
// initial inventory record. It is never persisted itself.
type ProductCommand struct {
	RowNumber     int
	DataRowNumber int

	Name             string
	Code             string
	Category         string
	SellingPrice     decimal.Decimal
	CostPrice        *decimal.Decimal
	DeclaredQuantity int
	ReorderLevel     *int
	Description      *string
	Brand            *string
	Barcode          *string
}
