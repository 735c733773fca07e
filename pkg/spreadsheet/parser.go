// Package spreadsheet reads uploaded migration files and writes result files.
package spreadsheet

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

// Row is one data row of a sheet. Number is the 1-based row number in the
// file (the header is row 1), used when reporting row errors.
type Row struct {
	Number int
	Cells  []string
}

// Sheet is the first sheet of an uploaded file: a header row plus data rows
// padded or cut to the header width. Fully empty rows are dropped.
type Sheet struct {
	Headers []string
	Rows    []Row
}

// Cells returns the cell values of every data row.
func (s *Sheet) Cells() [][]string {
	out := make([][]string, len(s.Rows))
	for i, r := range s.Rows {
		out[i] = r.Cells
	}
	return out
}

// SupportedExtension reports whether a file name can be parsed.
func SupportedExtension(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".csv":
		return true
	}
	return false
}

// Parse reads the first sheet of an .xlsx or .csv file.
func Parse(fileName string, r io.Reader) (*Sheet, error) {
	switch ext := strings.ToLower(filepath.Ext(fileName)); ext {
	case ".csv":
		return parseCSV(r)
	case ".xlsx":
		return parseExcel(r)
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnsupportedFormat, ext)
	}
}

func parseCSV(r io.Reader) (*Sheet, error) {
	reader := bufio.NewReader(r)
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalize(records)
}

func parseExcel(r io.Reader) (*Sheet, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", apperrors.ErrEmptySheet)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalize(rows)
}

func normalize(records [][]string) (*Sheet, error) {
	if len(records) == 0 || isEmptyRow(records[0]) {
		return nil, apperrors.ErrEmptySheet
	}

	headers := trimTrailingEmpty(records[0])
	sheet := &Sheet{Headers: make([]string, len(headers))}
	for i, h := range headers {
		sheet.Headers[i] = strings.TrimSpace(h)
	}

	for i, rec := range records[1:] {
		if isEmptyRow(rec) {
			continue
		}
		sheet.Rows = append(sheet.Rows, Row{Number: i + 2, Cells: padRow(rec, len(headers))})
	}
	return sheet, nil
}

func trimTrailingEmpty(row []string) []string {
	end := len(row)
	for end > 0 && strings.TrimSpace(row[end-1]) == "" {
		end--
	}
	return row[:end]
}

func padRow(row []string, length int) []string {
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
