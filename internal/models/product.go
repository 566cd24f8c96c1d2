package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductStatus represents the status of a product
type ProductStatus string

const (
	ProductStatusDraft    ProductStatus = "DRAFT"
	ProductStatusActive   ProductStatus = "ACTIVE"
	ProductStatusInactive ProductStatus = "INACTIVE"
)

// DefaultProductCategories is the category list used when none is configured.
var DefaultProductCategories = []string{
	"ELECTRONICS",
	"APPAREL",
	"HOME",
	"GROCERY",
	"BEAUTY",
	"SPORTS",
	"TOYS",
	"BOOKS",
	"OTHER",
}

// Product is the catalog record created for every imported row.
// Code is unique per tenant; a race between two imports surfaces as a
// unique-constraint violation on idx_products_tenant_code.
type Product struct {
	ID               uuid.UUID        `json:"id" gorm:"type:uuid;primary_key"`
	TenantID         string           `json:"tenantId" gorm:"not null;index:idx_products_tenant_code,unique;index:idx_products_tenant_category"`
	Name             string           `json:"name" gorm:"not null"`
	Code             string           `json:"code" gorm:"not null;index:idx_products_tenant_code,unique"`
	Category         string           `json:"category" gorm:"not null;index:idx_products_tenant_category"`
	SellingPrice     decimal.Decimal  `json:"sellingPrice" gorm:"type:decimal(18,4);not null"`
	CostPrice        *decimal.Decimal `json:"costPrice,omitempty" gorm:"type:decimal(18,4)"`
	DeclaredQuantity int              `json:"declaredQuantity" gorm:"not null;default:0"`
	Description      *string          `json:"description,omitempty"`
	Brand            *string          `json:"brand,omitempty"`
	Barcode          *string          `json:"barcode,omitempty"`
	Status           ProductStatus    `json:"status" gorm:"not null;default:'DRAFT'"`
	ImportJobID      *uuid.UUID       `json:"importJobId,omitempty" gorm:"type:uuid;index"`
	CreatedBy        *string          `json:"createdBy,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Inventory is the stock record created alongside every new product.
type Inventory struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID     string    `json:"tenantId" gorm:"not null;index"`
	ProductID    uuid.UUID `json:"productId" gorm:"type:uuid;not null;uniqueIndex"`
	Quantity     int       `json:"quantity" gorm:"not null;default:0"`
	ReorderLevel *int      `json:"reorderLevel,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TableName returns the table name for the Product model
func (Product) TableName() string {
	return "products"
}

// TableName returns the table name for the Inventory model
func (Inventory) TableName() string {
	return "inventories"
}

type PaginationInfo struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
	HasNext    bool  `json:"hasNext"`
	HasPrev    bool  `json:"hasPrev"`
}

// NewPaginationInfo fills the derived pagination fields.
func NewPaginationInfo(page, limit int, total int64) PaginationInfo {
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return PaginationInfo{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     Error  `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message *string     `json:"message,omitempty"`
}
