package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"product-import-service/internal/models"
)

// ErrDuplicateCode is reported for a command whose code was created by
// someone else after validation ran (typically a concurrent import).
var ErrDuplicateCode = errors.New("product code already exists for tenant")

// maxCodesPerLookup bounds the IN list of a single existence query
const maxCodesPerLookup = 1000

// ProductWriterInterface creates imported products and answers code lookups
type ProductWriterInterface interface {
	WriteChunk(ctx context.Context, tenantID string, jobID uuid.UUID, createdBy *string, cmds []models.ProductCommand) ([]WriteOutcome, error)
	CodeExists(ctx context.Context, tenantID, code string) (bool, error)
	ExistingCodes(ctx context.Context, tenantID string, codes []string) (map[string]struct{}, error)
}

var _ ProductWriterInterface = (*ProductsRepository)(nil)

type ProductsRepository struct {
	db *gorm.DB
}

func NewProductsRepository(db *gorm.DB) *ProductsRepository {
	return &ProductsRepository{db: db}
}

// WriteOutcome is the per-command result of WriteChunk, aligned by index
type WriteOutcome struct {
	Index     int
	ProductID uuid.UUID
	Err       error
}

// Succeeded reports whether the command was persisted.
func (o WriteOutcome) Succeeded() bool {
	return o.Err == nil
}

// WriteChunk persists every command as a Product plus an Inventory row with
// zero quantity. The chunk shares one transaction; each command runs in its
// own savepoint so a failing command never discards its siblings.
// The returned error is reserved for failures that are not attributable to a
// single command (connection loss, commit failure, cancellation).
// SECURITY: All products are assigned the provided tenantID regardless of command data
func (r *ProductsRepository) WriteChunk(ctx context.Context, tenantID string, jobID uuid.UUID, createdBy *string, cmds []models.ProductCommand) ([]WriteOutcome, error) {
	outcomes := make([]WriteOutcome, len(cmds))
	if len(cmds) == 0 {
		return outcomes, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range cmds {
			cmd := &cmds[i]
			productID := uuid.New()

			itemErr := tx.Transaction(func(sp *gorm.DB) error {
				now := time.Now()
				product := &models.Product{
					ID:               productID,
					TenantID:         tenantID,
					Name:             cmd.Name,
					Code:             cmd.Code,
					Category:         cmd.Category,
					SellingPrice:     cmd.SellingPrice,
					CostPrice:        cmd.CostPrice,
					DeclaredQuantity: cmd.DeclaredQuantity,
					Description:      cmd.Description,
					Brand:            cmd.Brand,
					Barcode:          cmd.Barcode,
					Status:           models.ProductStatusDraft,
					ImportJobID:      &jobID,
					CreatedBy:        createdBy,
					CreatedAt:        now,
					UpdatedAt:        now,
				}
				if err := sp.Create(product).Error; err != nil {
					return err
				}

				inventory := &models.Inventory{
					ID:           uuid.New(),
					TenantID:     tenantID,
					ProductID:    productID,
					Quantity:     0,
					ReorderLevel: cmd.ReorderLevel,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				return sp.Create(inventory).Error
			})

			if itemErr != nil {
				if IsInfrastructureError(itemErr) {
					return fmt.Errorf("write row %d: %w", cmd.RowNumber, itemErr)
				}
				if IsDuplicateKey(itemErr) {
					itemErr = fmt.Errorf("%w: %s", ErrDuplicateCode, cmd.Code)
				}
				outcomes[i] = WriteOutcome{Index: i, Err: itemErr}
				continue
			}

			outcomes[i] = WriteOutcome{Index: i, ProductID: productID}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunk transaction: %w", err)
	}

	return outcomes, nil
}

// CodeExists checks if a product code already exists for a tenant
func (r *ProductsRepository) CodeExists(ctx context.Context, tenantID, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("tenant_id = ? AND code = ?", tenantID, code).
		Count(&count).Error
	return count > 0, err
}

// ExistingCodes returns the subset of codes already persisted for a tenant.
func (r *ProductsRepository) ExistingCodes(ctx context.Context, tenantID string, codes []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	for start := 0; start < len(codes); start += maxCodesPerLookup {
		end := start + maxCodesPerLookup
		if end > len(codes) {
			end = len(codes)
		}

		var found []string
		if err := r.db.WithContext(ctx).Model(&models.Product{}).
			Where("tenant_id = ? AND code IN ?", tenantID, codes[start:end]).
			Pluck("code", &found).Error; err != nil {
			return nil, err
		}
		for _, code := range found {
			existing[code] = struct{}{}
		}
	}
	return existing, nil
}

// CountByImportJob returns how many products a job created
func (r *ProductsRepository) CountByImportJob(ctx context.Context, tenantID string, jobID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("tenant_id = ? AND import_job_id = ?", tenantID, jobID).
		Count(&count).Error
	return count, err
}

// GetProductByCode retrieves a product and is used to inspect import results
func (r *ProductsRepository) GetProductByCode(ctx context.Context, tenantID, code string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND code = ?", tenantID, code).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

// GetInventoryByProductID retrieves the inventory row of a product
func (r *ProductsRepository) GetInventoryByProductID(ctx context.Context, tenantID string, productID uuid.UUID) (*models.Inventory, error) {
	var inventory models.Inventory
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND product_id = ?", tenantID, productID).
		First(&inventory).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inventory, nil
}

// IsDuplicateKey reports whether err is a unique-constraint violation.
// TranslateError covers postgres and sqlite; the message check is a fallback
// for drivers that do not translate.
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

// IsInfrastructureError reports whether err means the store itself is
// unusable, as opposed to one record being rejected.
func IsInfrastructureError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, gorm.ErrInvalidTransaction) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "database is closed")
}
