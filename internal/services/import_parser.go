package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"product-import-service/internal/models"
)

// ErrStructural marks a file that cannot be imported at all: unreadable,
// empty, or without a usable header row.
var ErrStructural = errors.New("file structure is not importable")

// ctxCheckInterval is how many physical rows are read between context checks
const ctxCheckInterval = 64

// productsSheetName is preferred over the first sheet when present
const productsSheetName = "Products"

// Canonical field names produced by the parser and consumed by the validator
const (
	FieldName         = "name"
	FieldCode         = "code"
	FieldCategory     = "category"
	FieldSellingPrice = "sellingPrice"
	FieldQuantity     = "quantity"
	FieldCostPrice    = "costPrice"
	FieldDescription  = "description"
	FieldBrand        = "brand"
	FieldBarcode      = "barcode"
	FieldReorderLevel = "reorderLevel"
)

// headerAliases maps a normalised header cell to its canonical field
var headerAliases = map[string]string{
	"name":         FieldName,
	"productname":  FieldName,
	"code":         FieldCode,
	"sku":          FieldCode,
	"productcode":  FieldCode,
	"category":     FieldCategory,
	"sellingprice": FieldSellingPrice,
	"price":        FieldSellingPrice,
	"quantity":     FieldQuantity,
	"qty":          FieldQuantity,
	"costprice":    FieldCostPrice,
	"cost":         FieldCostPrice,
	"description":  FieldDescription,
	"brand":        FieldBrand,
	"barcode":      FieldBarcode,
	"reorderlevel": FieldReorderLevel,
}

// NormalizeHeader lower-cases a header cell and strips the required marker
// and word separators, so "Selling Price *" and "selling_price" compare equal.
func NormalizeHeader(cell string) string {
	h := strings.ToLower(strings.TrimSpace(cell))
	h = strings.TrimSuffix(h, "*")
	h = strings.TrimSpace(h)
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(h)
}

// CanonicalField resolves a header cell or configured column name to the
// field it feeds, or "" when it is not recognised.
func CanonicalField(cell string) string {
	return headerAliases[NormalizeHeader(cell)]
}

// RawRow is one non-blank data row keyed by canonical field name.
// Recognised fields missing from a short row are present with "".
type RawRow struct {
	RowNumber     int
	DataRowNumber int
	Fields        map[string]string
}

// Get returns the trimmed value of a field
func (r *RawRow) Get(field string) string {
	return r.Fields[field]
}

// RowSource is a lazy, restartable sequence of data rows.
type RowSource interface {
	// Header returns the canonical fields recognised in the header, in column order.
	Header() []string
	// ColumnMapping returns the raw header text of every recognised column.
	ColumnMapping() map[string]string
	// Next returns the next non-blank data row or io.EOF.
	Next(ctx context.Context) (*RawRow, error)
	// Reset rewinds to the first data row.
	Reset() error
	Close() error
}

// recordReader yields physical rows together with their 1-based row number.
type recordReader interface {
	read() (cells []string, rowNumber int, err error)
	rewind() error
	close() error
}

// OpenRowSource opens a staged file and positions it after the header row.
func OpenRowSource(path string, format models.ImportFormat, headerRow int) (RowSource, error) {
	if headerRow < 1 {
		return nil, fmt.Errorf("%w: header row must be 1 or greater, got %d", ErrStructural, headerRow)
	}

	var (
		reader recordReader
		err    error
	)
	switch format {
	case models.ImportFormatCSV:
		reader, err = newCSVRecordReader(path)
	case models.ImportFormatXLSX:
		reader, err = newXLSXRecordReader(path)
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrStructural, format)
	}
	if err != nil {
		return nil, err
	}

	src := &rowSource{reader: reader, headerRow: headerRow}
	if err := src.readHeader(); err != nil {
		reader.close()
		return nil, err
	}
	return src, nil
}

type rowSource struct {
	reader    recordReader
	headerRow int

	columns []string // canonical field per column, "" when ignored
	fields  []string
	mapping map[string]string

	dataRows int
	reads    int
}

func (s *rowSource) readHeader() error {
	for {
		cells, rowNumber, err := s.reader.read()
		if err == io.EOF {
			if rowNumber == 0 {
				return fmt.Errorf("%w: file contains no rows", ErrStructural)
			}
			return fmt.Errorf("%w: header row %d not found", ErrStructural, s.headerRow)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStructural, err)
		}
		if rowNumber < s.headerRow {
			continue
		}
		if rowNumber > s.headerRow || isBlank(cells) {
			return fmt.Errorf("%w: header row %d is empty", ErrStructural, s.headerRow)
		}

		s.columns = make([]string, len(cells))
		s.mapping = make(map[string]string)
		for i, cell := range cells {
			field := CanonicalField(cell)
			if field == "" {
				continue
			}
			if _, taken := s.mapping[field]; taken {
				continue // first column wins
			}
			s.columns[i] = field
			s.fields = append(s.fields, field)
			s.mapping[field] = strings.TrimSpace(cell)
		}
		if len(s.fields) == 0 {
			return fmt.Errorf("%w: header row %d has no recognised columns", ErrStructural, s.headerRow)
		}
		return nil
	}
}

func (s *rowSource) Header() []string {
	return append([]string(nil), s.fields...)
}

func (s *rowSource) ColumnMapping() map[string]string {
	out := make(map[string]string, len(s.mapping))
	for k, v := range s.mapping {
		out[k] = v
	}
	return out
}

func (s *rowSource) Next(ctx context.Context) (*RawRow, error) {
	for {
		s.reads++
		if s.reads%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cells, rowNumber, err := s.reader.read()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read row after %d: %w", rowNumber, err)
		}
		if rowNumber <= s.headerRow || isBlank(cells) {
			continue
		}

		s.dataRows++
		row := &RawRow{
			RowNumber:     rowNumber,
			DataRowNumber: s.dataRows,
			Fields:        make(map[string]string, len(s.fields)),
		}
		for _, field := range s.fields {
			row.Fields[field] = ""
		}
		for i, field := range s.columns {
			if field == "" || i >= len(cells) {
				continue
			}
			row.Fields[field] = strings.TrimSpace(cells[i])
		}
		return row, nil
	}
}

func (s *rowSource) Reset() error {
	if err := s.reader.rewind(); err != nil {
		return fmt.Errorf("rewind source: %w", err)
	}
	s.dataRows = 0
	// skip up to and including the header; it was validated on open
	for {
		_, rowNumber, err := s.reader.read()
		if err != nil {
			return fmt.Errorf("rewind source: %w", err)
		}
		if rowNumber >= s.headerRow {
			return nil
		}
	}
}

func (s *rowSource) Close() error {
	return s.reader.close()
}

// RequireColumns fails structurally when a required field has no column.
func RequireColumns(src RowSource, required []string) error {
	present := make(map[string]bool)
	for _, field := range src.Header() {
		present[field] = true
	}
	var missing []string
	for _, column := range required {
		field := CanonicalField(column)
		if field == "" {
			field = column
		}
		if !present[field] {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required columns: %s", ErrStructural, strings.Join(missing, ", "))
	}
	return nil
}

// CountDataRows reads the source to the end and rewinds it.
func CountDataRows(ctx context.Context, src RowSource) (int, error) {
	count := 0
	for {
		_, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		count++
	}
	if err := src.Reset(); err != nil {
		return 0, err
	}
	return count, nil
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// --- CSV ---

const utf8BOM = "\ufeff"

type csvRecordReader struct {
	file   *os.File
	reader *csv.Reader
	first  bool
	last   int
}

func newCSVRecordReader(path string) (*csvRecordReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open CSV file: %v", ErrStructural, err)
	}
	r := &csvRecordReader{file: file}
	r.reset()
	return r, nil
}

func (r *csvRecordReader) reset() {
	r.reader = csv.NewReader(r.file)
	r.reader.FieldsPerRecord = -1
	r.reader.LazyQuotes = true
	r.reader.ReuseRecord = true
	r.first = true
	r.last = 0
}

// read reports the physical line a record starts on; encoding/csv drops
// empty lines, so numbering by record count would drift.
func (r *csvRecordReader) read() ([]string, int, error) {
	record, err := r.reader.Read()
	if err != nil {
		return nil, r.last, err
	}
	if r.first {
		r.first = false
		if len(record) > 0 {
			record[0] = strings.TrimPrefix(record[0], utf8BOM)
		}
	}
	line, _ := r.reader.FieldPos(0)
	r.last = line
	return record, line, nil
}

func (r *csvRecordReader) rewind() error {
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.reset()
	return nil
}

func (r *csvRecordReader) close() error {
	return r.file.Close()
}

// --- XLSX ---

type xlsxRecordReader struct {
	file  *excelize.File
	sheet string
	rows  *excelize.Rows
	row   int
}

func newXLSXRecordReader(path string) (*xlsxRecordReader, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open Excel file: %v", ErrStructural, err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: no sheets found in Excel file", ErrStructural)
	}
	sheet := sheets[0]
	for _, name := range sheets {
		if strings.EqualFold(name, productsSheetName) {
			sheet = name
			break
		}
	}

	r := &xlsxRecordReader{file: f, sheet: sheet}
	if err := r.rewind(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: failed to read sheet %q: %v", ErrStructural, sheet, err)
	}
	return r, nil
}

func (r *xlsxRecordReader) read() ([]string, int, error) {
	if !r.rows.Next() {
		if err := r.rows.Error(); err != nil {
			return nil, r.row, err
		}
		return nil, r.row, io.EOF
	}
	r.row++
	// raw values: a number format would turn 1234.5 into "$1,234.50"
	cells, err := r.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, r.row, err
	}
	return cells, r.row, nil
}

func (r *xlsxRecordReader) rewind() error {
	if r.rows != nil {
		r.rows.Close()
	}
	rows, err := r.file.Rows(r.sheet)
	if err != nil {
		return err
	}
	r.rows = rows
	r.row = 0
	return nil
}

func (r *xlsxRecordReader) close() error {
	if r.rows != nil {
		r.rows.Close()
	}
	return r.file.Close()
}
