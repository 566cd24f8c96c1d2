package services

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"product-import-service/internal/models"
)

func openCSV(t *testing.T, content string, headerRow int) RowSource {
	t.Helper()
	file := writeCSV(t, content)
	src, err := OpenRowSource(file.Path, models.ImportFormatCSV, headerRow)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func readAll(t *testing.T, src RowSource) []*RawRow {
	t.Helper()
	var rows []*RawRow
	for {
		row, err := src.Next(context.Background())
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		cell     string
		expected string
		field    string
	}{
		{"name", "name", FieldName},
		{"  Selling Price * ", "sellingprice", FieldSellingPrice},
		{"selling_price", "sellingprice", FieldSellingPrice},
		{"Product-Code", "productcode", FieldCode},
		{"SKU", "sku", FieldCode},
		{"Qty*", "qty", FieldQuantity},
		{"Reorder Level", "reorderlevel", FieldReorderLevel},
		{"Colour", "colour", ""},
	}

	for _, tt := range tests {
		t.Run(tt.cell, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeHeader(tt.cell))
			assert.Equal(t, tt.field, CanonicalField(tt.cell))
		})
	}
}

func TestCSVSource_RowsAndNumbering(t *testing.T) {
	src := openCSV(t, "\ufeffName,Code,Colour,Category,Selling Price,Quantity\n"+
		"Widget, W1 ,red,HOME,1.50,3\n"+
		"\n"+
		",,,,,\n"+
		"Gadget,G1\n", 1)

	assert.Equal(t, []string{FieldName, FieldCode, FieldCategory, FieldSellingPrice, FieldQuantity}, src.Header())
	assert.Equal(t, "Selling Price", src.ColumnMapping()[FieldSellingPrice])
	assert.NotContains(t, src.ColumnMapping(), "colour")

	rows := readAll(t, src)
	require.Len(t, rows, 2)

	assert.Equal(t, 2, rows[0].RowNumber)
	assert.Equal(t, 1, rows[0].DataRowNumber)
	assert.Equal(t, "W1", rows[0].Get(FieldCode))
	assert.Equal(t, "1.50", rows[0].Get(FieldSellingPrice))

	assert.Equal(t, 5, rows[1].RowNumber)
	assert.Equal(t, 2, rows[1].DataRowNumber)
	assert.Equal(t, "G1", rows[1].Get(FieldCode))
	value, present := rows[1].Fields[FieldQuantity]
	assert.True(t, present)
	assert.Empty(t, value)
}

func TestCSVSource_DuplicateHeaderFirstColumnWins(t *testing.T) {
	src := openCSV(t, "code,sku,name\nA,B,Widget\n", 1)

	rows := readAll(t, src)
	require.Len(t, rows, 1)
	assert.Equal(t, "A", rows[0].Get(FieldCode))
	assert.Equal(t, "code", src.ColumnMapping()[FieldCode])
}

func TestCSVSource_QuotedFields(t *testing.T) {
	src := openCSV(t, "name,description\n\"Shirt, blue\",\"Line one\nline two\"\nHat,plain\n", 1)

	rows := readAll(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, "Shirt, blue", rows[0].Get(FieldName))
	assert.Equal(t, "Line one\nline two", rows[0].Get(FieldDescription))
	assert.Equal(t, 2, rows[0].RowNumber)
	assert.Equal(t, 4, rows[1].RowNumber)
}

func TestCountDataRowsAndReset(t *testing.T) {
	src := openCSV(t, "title\nname,code\nA,1\n\nB,2\nC,3\n", 2)

	count, err := CountDataRows(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	rows := readAll(t, src)
	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[0].DataRowNumber)
	assert.Equal(t, "A", rows[0].Get(FieldName))
	assert.Equal(t, 3, rows[2].DataRowNumber)
}

func TestOpenRowSource_StructuralErrors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		headerRow int
		message   string
	}{
		{"empty file", "", 1, "no rows"},
		{"header beyond end", "name\nA\n", 5, "header row 5 not found"},
		{"blank header row", "name\n,,\nA\n", 2, "header row 2 is empty"},
		{"unrecognised header", "colour,size\nred,M\n", 1, "no recognised columns"},
		{"invalid header row", "name\n", 0, "header row must be 1 or greater"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeCSV(t, tt.content)
			_, err := OpenRowSource(file.Path, models.ImportFormatCSV, tt.headerRow)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrStructural)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	_, err := OpenRowSource(filepath.Join(t.TempDir(), "missing.csv"), models.ImportFormatCSV, 1)
	assert.ErrorIs(t, err, ErrStructural)

	_, err = OpenRowSource("products.json", models.ImportFormat("json"), 1)
	assert.ErrorIs(t, err, ErrStructural)
}

func TestRequireColumns(t *testing.T) {
	src := openCSV(t, "Product Name,SKU,Price\nA,B,1\n", 1)

	assert.NoError(t, RequireColumns(src, []string{"name", "code", "sellingPrice"}))

	err := RequireColumns(src, []string{"name", "category", "quantity"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStructural)
	assert.Contains(t, err.Error(), "category, quantity")
}

func writeXLSX(t *testing.T, sheet string, rows [][]interface{}) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	if sheet != "Sheet1" {
		_, err := f.NewSheet(sheet)
		require.NoError(t, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}

	path := filepath.Join(t.TempDir(), "products.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestXLSXSource_PrefersProductsSheet(t *testing.T) {
	path := writeXLSX(t, "Products", [][]interface{}{
		{"Name *", "Code *", "Category *", "Selling Price *", "Quantity *"},
		{"Widget", "W1", "HOME", 9.99, 4},
		{"", "", "", "", ""},
		{"Gadget", "G1", "TOYS", "12", "1"},
	})

	src, err := OpenRowSource(path, models.ImportFormatXLSX, 1)
	require.NoError(t, err)
	defer src.Close()

	count, err := CountDataRows(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rows := readAll(t, src)
	require.Len(t, rows, 2)
	assert.Equal(t, "W1", rows[0].Get(FieldCode))
	assert.Equal(t, "9.99", rows[0].Get(FieldSellingPrice))
	assert.Equal(t, 2, rows[0].RowNumber)
	assert.Equal(t, "G1", rows[1].Get(FieldCode))
	assert.Equal(t, 4, rows[1].RowNumber)
	assert.Equal(t, 2, rows[1].DataRowNumber)
}

// writeFormattedXLSX saves a Products sheet whose numeric cells carry
// currency and thousands-separator number formats.
func writeFormattedXLSX(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Products"
	require.NoError(t, f.SetSheetName("Sheet1", sheet))
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"Name", "Code", "Category", "Selling Price", "Quantity", "Cost Price"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"Sofa", "S1", "HOME", 1234.5, 1200, 899.99}))

	currency, err := f.NewStyle(&excelize.Style{NumFmt: 7})
	require.NoError(t, err)
	thousands, err := f.NewStyle(&excelize.Style{NumFmt: 3})
	require.NoError(t, err)
	custom := "#,##0.00"
	grouped, err := f.NewStyle(&excelize.Style{CustomNumFmt: &custom})
	require.NoError(t, err)
	require.NoError(t, f.SetCellStyle(sheet, "D2", "D2", currency))
	require.NoError(t, f.SetCellStyle(sheet, "E2", "E2", thousands))
	require.NoError(t, f.SetCellStyle(sheet, "F2", "F2", grouped))

	path := filepath.Join(t.TempDir(), "formatted.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestXLSXSource_ReadsNumbersIgnoringDisplayFormat(t *testing.T) {
	src, err := OpenRowSource(writeFormattedXLSX(t), models.ImportFormatXLSX, 1)
	require.NoError(t, err)
	defer src.Close()

	rows := readAll(t, src)
	require.Len(t, rows, 1)
	assert.Equal(t, "Sofa", rows[0].Get(FieldName))
	assert.Equal(t, "1234.5", rows[0].Get(FieldSellingPrice))
	assert.Equal(t, "1200", rows[0].Get(FieldQuantity))
	assert.Equal(t, "899.99", rows[0].Get(FieldCostPrice))
}

func TestXLSXSource_NotAWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("name,code\n"), 0o600))

	_, err := OpenRowSource(path, models.ImportFormatXLSX, 1)
	assert.ErrorIs(t, err, ErrStructural)
}
