package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"product-import-service/internal/config"
	"product-import-service/internal/models"
)

// Maximum lengths of text fields, in characters
const (
	maxNameLength        = 255
	maxCodeLength        = 100
	maxCategoryLength    = 100
	maxDescriptionLength = 5000
	maxBrandLength       = 100
	maxBarcodeLength     = 64
)

// maxWholeNumber is the largest accepted quantity or reorder level
const maxWholeNumber = math.MaxInt32 - 1

// requiredFieldOrder fixes the order in which missing fields are reported
var requiredFieldOrder = []string{FieldName, FieldCode, FieldCategory, FieldSellingPrice, FieldQuantity}

// fieldLabels are the human names used in error messages
var fieldLabels = map[string]string{
	FieldName:         "Name",
	FieldCode:         "Code",
	FieldCategory:     "Category",
	FieldSellingPrice: "Selling price",
	FieldQuantity:     "Quantity",
	FieldCostPrice:    "Cost price",
	FieldDescription:  "Description",
	FieldBrand:        "Brand",
	FieldBarcode:      "Barcode",
	FieldReorderLevel: "Reorder level",
}

// ValidationRules are the business rules applied to every row of a job
type ValidationRules struct {
	RequiredColumns   []string
	AllowedCategories []string
	MaxPrice          *decimal.Decimal
}

// DefaultValidationRules returns the rules used when nothing is configured
func DefaultValidationRules() ValidationRules {
	return ValidationRules{
		RequiredColumns:   append([]string(nil), requiredFieldOrder...),
		AllowedCategories: append([]string(nil), models.DefaultProductCategories...),
	}
}

// ValidationRulesFromConfig builds rules from the import configuration
func ValidationRulesFromConfig(cfg config.ImportConfig) (ValidationRules, error) {
	rules := ValidationRules{
		RequiredColumns:   cfg.RequiredColumns,
		AllowedCategories: cfg.AllowedCategories,
	}
	if cfg.MaxPrice != "" {
		maxPrice, err := decimal.NewFromString(cfg.MaxPrice)
		if err != nil {
			return ValidationRules{}, fmt.Errorf("invalid max price %q: %w", cfg.MaxPrice, err)
		}
		rules.MaxPrice = &maxPrice
	}
	return rules, nil
}

// CodeLookup answers whether product codes already exist for a tenant
type CodeLookup interface {
	CodeExists(ctx context.Context, tenantID, code string) (bool, error)
	ExistingCodes(ctx context.Context, tenantID string, codes []string) (map[string]struct{}, error)
}

// RowValidator validates rows of one job and maps them to product commands.
// It owns the job's in-file code set and must not be shared between jobs.
type RowValidator struct {
	rules      ValidationRules
	lookup     CodeLookup
	tenantID   string
	required   []string
	categories map[string]string

	// seen maps an accepted code to the row that claimed it
	seen map[string]int
	// known caches existence answers primed for the current chunk
	known map[string]bool
}

// NewRowValidator creates a validator for a single job
func NewRowValidator(rules ValidationRules, lookup CodeLookup, tenantID string) *RowValidator {
	v := &RowValidator{
		rules:      rules,
		lookup:     lookup,
		tenantID:   tenantID,
		categories: make(map[string]string, len(rules.AllowedCategories)),
		seen:       make(map[string]int),
		known:      make(map[string]bool),
	}
	for _, c := range rules.AllowedCategories {
		canonical := strings.ToUpper(strings.TrimSpace(c))
		v.categories[canonical] = canonical
	}
	v.required = orderRequired(rules.RequiredColumns)
	return v
}

// orderRequired lists the core required fields first in their fixed order,
// followed by any configured extras in configuration order.
func orderRequired(columns []string) []string {
	wanted := make(map[string]bool, len(columns))
	var extras []string
	for _, column := range columns {
		field := CanonicalField(column)
		if field == "" {
			field = column
		}
		if wanted[field] {
			continue
		}
		wanted[field] = true
		if !isCoreField(field) {
			extras = append(extras, field)
		}
	}
	var ordered []string
	for _, field := range requiredFieldOrder {
		if wanted[field] {
			ordered = append(ordered, field)
		}
	}
	return append(ordered, extras...)
}

func isCoreField(field string) bool {
	for _, f := range requiredFieldOrder {
		if f == field {
			return true
		}
	}
	return false
}

// PrimeExisting looks up the codes of a batch of rows in one query so that
// Validate does not hit the store per row. The cache only lives until the
// next call, since later chunks create new products.
func (v *RowValidator) PrimeExisting(ctx context.Context, rows []*RawRow) error {
	v.known = make(map[string]bool)
	if v.lookup == nil {
		return nil
	}

	codes := make([]string, 0, len(rows))
	for _, row := range rows {
		if code := row.Get(FieldCode); code != "" {
			if _, dup := v.known[code]; !dup {
				v.known[code] = false
				codes = append(codes, code)
			}
		}
	}
	if len(codes) == 0 {
		return nil
	}

	existing, err := v.lookup.ExistingCodes(ctx, v.tenantID, codes)
	if err != nil {
		v.known = make(map[string]bool)
		return err
	}
	for code := range existing {
		v.known[code] = true
	}
	return nil
}

// Validate runs the checks in fixed order and stops at the first failure:
// required, format, range, category, duplicate in file, duplicate existing.
// The returned error has no JobID; the collector assigns it.
func (v *RowValidator) Validate(ctx context.Context, row *RawRow) (cmd *models.ProductCommand, importErr *models.ImportError) {
	defer func() {
		if r := recover(); r != nil {
			cmd = nil
			importErr = newRowError(row, "", "", models.ErrorTypeUnknown,
				fmt.Sprintf("Unexpected error while processing row: %v", r))
		}
	}()

	for _, field := range v.required {
		if row.Get(field) == "" {
			return nil, newRowError(row, field, "", models.ErrorTypeMissingRequiredField,
				fmt.Sprintf("%s is required", label(field)))
		}
	}

	cmd, importErr = v.mapRow(row)
	if importErr != nil {
		return nil, importErr
	}

	if importErr = v.checkRanges(row, cmd); importErr != nil {
		return nil, importErr
	}

	category, ok := v.categories[strings.ToUpper(cmd.Category)]
	if !ok {
		return nil, newRowError(row, FieldCategory, row.Get(FieldCategory), models.ErrorTypeInvalidEnumValue,
			fmt.Sprintf("Category %q is not one of: %s", row.Get(FieldCategory), strings.Join(v.rules.AllowedCategories, ", ")))
	}
	cmd.Category = category

	if first, dup := v.seen[cmd.Code]; dup && first != row.RowNumber {
		return nil, newRowError(row, FieldCode, cmd.Code, models.ErrorTypeDuplicateInFile,
			fmt.Sprintf("Code %q already appears on row %d of this file", cmd.Code, first))
	}

	exists, err := v.codeExists(ctx, cmd.Code)
	if err != nil {
		return nil, newRowError(row, FieldCode, cmd.Code, models.ErrorTypeUnknown,
			fmt.Sprintf("Could not check whether code %q exists: %v", cmd.Code, err))
	}
	if exists {
		return nil, newRowError(row, FieldCode, cmd.Code, models.ErrorTypeDuplicateExisting,
			fmt.Sprintf("A product with code %q already exists", cmd.Code))
	}

	v.seen[cmd.Code] = row.RowNumber
	return cmd, nil
}

func (v *RowValidator) codeExists(ctx context.Context, code string) (bool, error) {
	if exists, ok := v.known[code]; ok {
		return exists, nil
	}
	if v.lookup == nil {
		return false, nil
	}
	return v.lookup.CodeExists(ctx, v.tenantID, code)
}

// mapRow parses every present value into the command, reporting format errors.
func (v *RowValidator) mapRow(row *RawRow) (*models.ProductCommand, *models.ImportError) {
	cmd := &models.ProductCommand{
		RowNumber:     row.RowNumber,
		DataRowNumber: row.DataRowNumber,
		Name:          row.Get(FieldName),
		Code:          row.Get(FieldCode),
		Category:      row.Get(FieldCategory),
	}

	if err := checkLength(row, FieldName, maxNameLength); err != nil {
		return nil, err
	}
	if err := checkLength(row, FieldCode, maxCodeLength); err != nil {
		return nil, err
	}
	if err := checkLength(row, FieldCategory, maxCategoryLength); err != nil {
		return nil, err
	}

	if raw := row.Get(FieldSellingPrice); raw != "" {
		price, err := parseDecimal(row, FieldSellingPrice)
		if err != nil {
			return nil, err
		}
		cmd.SellingPrice = price
	}
	if raw := row.Get(FieldQuantity); raw != "" {
		qty, err := parseWholeNumber(row, FieldQuantity)
		if err != nil {
			return nil, err
		}
		cmd.DeclaredQuantity = qty
	}
	if raw := row.Get(FieldCostPrice); raw != "" {
		cost, err := parseDecimal(row, FieldCostPrice)
		if err != nil {
			return nil, err
		}
		cmd.CostPrice = &cost
	}
	if raw := row.Get(FieldReorderLevel); raw != "" {
		level, err := parseWholeNumber(row, FieldReorderLevel)
		if err != nil {
			return nil, err
		}
		cmd.ReorderLevel = &level
	}

	for _, f := range []struct {
		field  string
		max    int
		target **string
	}{
		{FieldDescription, maxDescriptionLength, &cmd.Description},
		{FieldBrand, maxBrandLength, &cmd.Brand},
		{FieldBarcode, maxBarcodeLength, &cmd.Barcode},
	} {
		if err := checkLength(row, f.field, f.max); err != nil {
			return nil, err
		}
		*f.target = optionalString(row.Get(f.field))
	}

	return cmd, nil
}

func (v *RowValidator) checkRanges(row *RawRow, cmd *models.ProductCommand) *models.ImportError {
	if cmd.SellingPrice.IsNegative() {
		return outOfRange(row, FieldSellingPrice, "must be zero or greater")
	}
	if v.rules.MaxPrice != nil && cmd.SellingPrice.GreaterThan(*v.rules.MaxPrice) {
		return outOfRange(row, FieldSellingPrice, "must not exceed "+v.rules.MaxPrice.String())
	}
	if cmd.DeclaredQuantity < 0 {
		return outOfRange(row, FieldQuantity, "must be zero or greater")
	}
	if cmd.DeclaredQuantity > maxWholeNumber {
		return outOfRange(row, FieldQuantity, "is too large")
	}
	if cmd.CostPrice != nil && cmd.CostPrice.IsNegative() {
		return outOfRange(row, FieldCostPrice, "must be zero or greater")
	}
	if cmd.ReorderLevel != nil && *cmd.ReorderLevel < 0 {
		return outOfRange(row, FieldReorderLevel, "must be zero or greater")
	}
	if cmd.ReorderLevel != nil && *cmd.ReorderLevel > maxWholeNumber {
		return outOfRange(row, FieldReorderLevel, "is too large")
	}
	return nil
}

func parseDecimal(row *RawRow, field string) (decimal.Decimal, *models.ImportError) {
	raw := row.Get(field)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newRowError(row, field, raw, models.ErrorTypeInvalidFormat,
			fmt.Sprintf("%s %q is not a valid number", label(field), raw))
	}
	return d, nil
}

// parseWholeNumber accepts "10" and "10.0" but not "10.5". Magnitudes past
// maxWholeNumber are clamped just beyond it and rejected by checkRanges.
func parseWholeNumber(row *RawRow, field string) (int, *models.ImportError) {
	raw := row.Get(field)
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsInteger() {
		return 0, newRowError(row, field, raw, models.ErrorTypeInvalidFormat,
			fmt.Sprintf("%s %q is not a whole number", label(field), raw))
	}
	limit := decimal.NewFromInt(maxWholeNumber)
	switch {
	case d.GreaterThan(limit):
		return maxWholeNumber + 1, nil
	case d.LessThan(limit.Neg()):
		return -(maxWholeNumber + 1), nil
	}
	return int(d.IntPart()), nil
}

func checkLength(row *RawRow, field string, max int) *models.ImportError {
	raw := row.Get(field)
	if n := utf8.RuneCountInString(raw); n > max {
		return newRowError(row, field, raw, models.ErrorTypeInvalidFormat,
			fmt.Sprintf("%s is %d characters long; the limit is %d", label(field), n, max))
	}
	return nil
}

func outOfRange(row *RawRow, field, reason string) *models.ImportError {
	raw := row.Get(field)
	return newRowError(row, field, raw, models.ErrorTypeOutOfRange,
		fmt.Sprintf("%s %q %s", label(field), raw, reason))
}

func newRowError(row *RawRow, field, value string, errType models.ImportErrorType, message string) *models.ImportError {
	suggestion := errType.Suggestion(field)
	e := &models.ImportError{
		ErrorType:  errType,
		Message:    message,
		Suggestion: &suggestion,
		Field:      optionalString(field),
		Value:      optionalString(value),
	}
	if row != nil {
		e.RowNumber = row.RowNumber
		e.DataRowNumber = row.DataRowNumber
	}
	return e
}

func label(field string) string {
	if l, ok := fieldLabels[field]; ok {
		return l
	}
	return field
}

// optionalString returns nil for empty strings, pointer otherwise
func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
