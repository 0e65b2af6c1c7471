/*
Package grid decodes uploaded roster files into a roster.Grid.

PURPOSE:
  The engine works on untyped positional rows. This package is the only
  place that knows about file formats: the first worksheet of an .xlsx
  workbook, or a CSV file.

CELL VALUES:
  Workbook cells are read raw (RawCellValue), so dates arrive as serial
  numbers and amounts without display formatting. The engine's normalizers
  handle both. CSV cells arrive as written.

USAGE:
  g, err := grid.ReadFile("uploads/march.xlsx")
  g, err := grid.Read(r, header.Filename)
*/
package grid

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/warp/roster-engine/roster"
)

// ErrUnsupportedFormat is returned for file types other than xlsx and csv.
var ErrUnsupportedFormat = errors.New("unsupported file type")

// Format is a supported upload format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

var extensions = map[string]Format{
	".xlsx": FormatXLSX,
	".xlsm": FormatXLSX,
	".xltx": FormatXLSX,
	".csv":  FormatCSV,
}

// DetectFormat picks the format from a file name's extension.
func DetectFormat(name string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if f, ok := extensions[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// Supported reports whether name has a readable extension.
func Supported(name string) bool {
	_, err := DetectFormat(name)
	return err == nil
}

// ReadFile opens and decodes path.
func ReadFile(path string) (roster.Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, filepath.Base(path))
}

// Read decodes r according to the extension of name.
func Read(r io.Reader, name string) (roster.Grid, error) {
	format, err := DetectFormat(name)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	switch format {
	case FormatXLSX:
		rows, err = readWorkbook(r)
	case FormatCSV:
		rows, err = readCSV(r)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return roster.GridFromStrings(rows), nil
}

// readWorkbook returns the rows of the first worksheet.
func readWorkbook(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, nil
	}
	return f.GetRows(sheet, excelize.Options{RawCellValue: true})
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func readCSV(r io.Reader) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1 // banner rows are narrower than the table
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr.ReadAll()
}
