package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ImportFormat represents the file format for import
type ImportFormat string

const (
	ImportFormatCSV  ImportFormat = "csv"
	ImportFormatXLSX ImportFormat = "xlsx"
)

// ImportStatus represents the status of an import job
type ImportStatus string

const (
	ImportStatusPending             ImportStatus = "PENDING"
	ImportStatusRunning             ImportStatus = "RUNNING"
	ImportStatusCompleted           ImportStatus = "COMPLETED"
	ImportStatusCompletedWithErrors ImportStatus = "COMPLETED_WITH_ERRORS"
	ImportStatusFailed              ImportStatus = "FAILED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s ImportStatus) IsTerminal() bool {
	switch s {
	case ImportStatusCompleted, ImportStatusCompletedWithErrors, ImportStatusFailed:
		return true
	}
	return false
}

// CanTransitionTo enforces PENDING -> RUNNING -> terminal. A PENDING job may
// also fail directly when the file cannot be opened.
func (s ImportStatus) CanTransitionTo(next ImportStatus) bool {
	switch s {
	case ImportStatusPending:
		return next == ImportStatusRunning || next == ImportStatusFailed
	case ImportStatusRunning:
		return next.IsTerminal()
	}
	return false
}

// ImportErrorType classifies a row that could not be imported
type ImportErrorType string

const (
	ErrorTypeMissingRequiredField ImportErrorType = "MISSING_REQUIRED_FIELD"
	ErrorTypeInvalidFormat        ImportErrorType = "INVALID_FORMAT"
	ErrorTypeInvalidEnumValue     ImportErrorType = "INVALID_ENUM_VALUE"
	ErrorTypeOutOfRange           ImportErrorType = "OUT_OF_RANGE"
	ErrorTypeDuplicateInFile      ImportErrorType = "DUPLICATE_IN_FILE"
	ErrorTypeDuplicateExisting    ImportErrorType = "DUPLICATE_EXISTING"
	ErrorTypeUnknown              ImportErrorType = "UNKNOWN"
)

// importErrorSuggestions are the fixed remediation templates shown next to each error.
var importErrorSuggestions = map[ImportErrorType]string{
	ErrorTypeMissingRequiredField: "Fill in the %s column for this row",
	ErrorTypeInvalidFormat:        "Check the %s column for the expected format: plain numbers without currency symbols or thousand separators, text within the length limit",
	ErrorTypeInvalidEnumValue:     "Check the %s column against the allowed list",
	ErrorTypeOutOfRange:           "Check the %s column: the value must be zero or greater",
	ErrorTypeDuplicateInFile:      "Remove the repeated row or give it a unique %s",
	ErrorTypeDuplicateExisting:    "A product with this %s already exists; use a different code or update the existing product",
	ErrorTypeUnknown:              "Retry the import; contact support if the problem persists",
}

// Suggestion renders the remediation template for a classification and column.
func (t ImportErrorType) Suggestion(column string) string {
	tmpl, ok := importErrorSuggestions[t]
	if !ok {
		tmpl = importErrorSuggestions[ErrorTypeUnknown]
	}
	if t == ErrorTypeUnknown {
		return tmpl
	}
	if column == "" {
		column = "highlighted"
	}
	return fmt.Sprintf(tmpl, column)
}

// ImportJob is one execution of the import pipeline against one uploaded file.
// Errors are owned by the job and looked up by JobID; the job holds no slice of them.
type ImportJob struct {
	ID                 uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	TenantID           string         `json:"tenantId" gorm:"not null;index:idx_import_jobs_tenant_status"`
	CreatedBy          *string        `json:"createdBy,omitempty"`
	FileName           string         `json:"fileName" gorm:"not null"`
	FileSize           int64          `json:"fileSize" gorm:"not null;default:0"`
	FilePath           string         `json:"-" gorm:"not null"`
	Format             ImportFormat   `json:"format" gorm:"not null"`
	Status             ImportStatus   `json:"status" gorm:"not null;default:'PENDING';index:idx_import_jobs_tenant_status"`
	TotalRowCount      int            `json:"totalRowCount" gorm:"not null;default:0"`
	SuccessfulRowCount int            `json:"successfulRowCount" gorm:"not null;default:0"`
	FailedRowCount     int            `json:"failedRowCount" gorm:"not null;default:0"`
	HeaderRowIndex     int            `json:"headerRowIndex" gorm:"not null;default:1"`
	ChunkSize          int            `json:"chunkSize" gorm:"not null"`
	CurrentPhase       string         `json:"currentPhase"`
	FailureReason      *string        `json:"failureReason,omitempty"`
	ColumnMapping      datatypes.JSON `json:"columnMapping,omitempty"`
	StartTime          *time.Time     `json:"startTime,omitempty"`
	EndTime            *time.Time     `json:"endTime,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// ProcessedRowCount is the number of rows that reached a final outcome so far.
func (j *ImportJob) ProcessedRowCount() int {
	return j.SuccessfulRowCount + j.FailedRowCount
}

// ImportError records why one row was not imported.
type ImportError struct {
	ID            uuid.UUID       `json:"id" gorm:"type:uuid;primary_key"`
	JobID         uuid.UUID       `json:"jobId" gorm:"type:uuid;not null;index:idx_import_errors_job_row"`
	RowNumber     int             `json:"rowNumber" gorm:"not null;index:idx_import_errors_job_row"`
	DataRowNumber int             `json:"dataRowNumber" gorm:"not null"`
	Field         *string         `json:"field,omitempty"`
	Value         *string         `json:"value,omitempty" gorm:"type:text"`
	ErrorType     ImportErrorType `json:"errorType" gorm:"not null"`
	Message       string          `json:"message" gorm:"not null"`
	Suggestion    *string         `json:"suggestion,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// TableName returns the table name for the ImportJob model
func (ImportJob) TableName() string {
	return "import_jobs"
}

// TableName returns the table name for the ImportError model
func (ImportError) TableName() string {
	return "import_errors"
}

// ImportTemplateColumn defines a column in the import template
type ImportTemplateColumn struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Type        string `json:"type"` // string, number, integer, enum
	Example     string `json:"example"`
}

// ImportTemplate defines the structure of an import template
type ImportTemplate struct {
	Entity  string                 `json:"entity"`
	Version string                 `json:"version"`
	Columns []ImportTemplateColumn `json:"columns"`
}

// ProductImportColumns returns the column definitions for product import
func ProductImportColumns() []ImportTemplateColumn {
	return []ImportTemplateColumn{
		{Name: "name", Description: "Product name", Required: true, Type: "string", Example: "Blue Cotton T-Shirt"},
		{Name: "code", Description: "Unique product code for this account", Required: true, Type: "string", Example: "TSH-BLU-001"},
		{Name: "category", Description: "Product category from the allowed list", Required: true, Type: "enum", Example: "APPAREL"},
		{Name: "sellingPrice", Description: "Selling price", Required: true, Type: "number", Example: "29.99"},
		{Name: "quantity", Description: "Declared stock quantity", Required: true, Type: "integer", Example: "10"},
		{Name: "costPrice", Description: "Cost price", Required: false, Type: "number", Example: "12.50"},
		{Name: "description", Description: "Product description", Required: false, Type: "string", Example: ""},
		{Name: "brand", Description: "Brand name", Required: false, Type: "string", Example: ""},
		{Name: "barcode", Description: "EAN/UPC barcode", Required: false, Type: "string", Example: ""},
		{Name: "reorderLevel", Description: "Stock level that triggers a reorder alert", Required: false, Type: "integer", Example: ""},
	}
}

// ProductImportTemplate returns the template definition for products
func ProductImportTemplate() ImportTemplate {
	return ImportTemplate{
		Entity:  "products",
		Version: "2.0",
		Columns: ProductImportColumns(),
	}
}

// ImportJobListResponse is the paginated job listing payload
type ImportJobListResponse struct {
	Success    bool           `json:"success"`
	Data       []ImportJob    `json:"data"`
	Pagination PaginationInfo `json:"pagination"`
}

// ImportErrorListResponse is the paginated error listing payload
type ImportErrorListResponse struct {
	Success    bool           `json:"success"`
	Data       []ImportError  `json:"data"`
	Pagination PaginationInfo `json:"pagination"`
}
