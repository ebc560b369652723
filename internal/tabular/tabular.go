// Package tabular reads and writes the row tables used by table batch chat.
//
// Workbooks (.xlsx, .xlsm) are handled with excelize and only the first sheet
// is read; .csv files are handled with encoding/csv. The first row is always
// the header.
package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/knd3dayo/ai-chat-util/pkg/apperr"
)

// ErrUnknownFormat is returned for file extensions other than .xlsx, .xlsm
// and .csv.
var ErrUnknownFormat = errors.New("tabular: unsupported table format")

// Table is a header plus data rows. Rows may be shorter than the header;
// missing cells read as "".
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the index of the header named name, or -1.
func (t *Table) Column(name string) int {
	for i, h := range t.Header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

// Cell returns the value at row, col or "" when out of range.
func (t *Table) Cell(row, col int) string {
	if row < 0 || row >= len(t.Rows) || col < 0 || col >= len(t.Rows[row]) {
		return ""
	}
	return t.Rows[row][col]
}

// SetColumn writes values into the column named name, appending the column
// when it does not exist. values must have one entry per row.
func (t *Table) SetColumn(name string, values []string) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("tabular: set column %q: %d values for %d rows", name, len(values), len(t.Rows))
	}
	col := t.Column(name)
	if col < 0 {
		t.Header = append(t.Header, name)
		col = len(t.Header) - 1
	}
	for i := range t.Rows {
		for len(t.Rows[i]) <= col {
			t.Rows[i] = append(t.Rows[i], "")
		}
		t.Rows[i][col] = values[i]
	}
	return nil
}

// Read loads the table at path, choosing the format from its extension.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tabular: %w", err)
	}
	defer f.Close()

	switch format(path) {
	case "xlsx":
		return ReadXLSX(f)
	case "csv":
		return ReadCSV(f)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Ext(path))
}

// Write stores t at path, choosing the format from its extension.
func Write(path string, t *Table) error {
	kind := format(path)
	if kind == "" {
		return fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Ext(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tabular: %w", err)
	}
	if kind == "xlsx" {
		err = WriteXLSX(f, t)
	} else {
		err = WriteCSV(f, t)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return "xlsx"
	case ".csv":
		return "csv"
	}
	return ""
}

// ReadXLSX reads the first sheet of a workbook.
func ReadXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("tabular: open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &Table{}, nil
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("tabular: read sheet %q: %w", sheets[0], err)
	}
	return fromRecords(rows), nil
}

// WriteXLSX writes t as a single-sheet workbook.
func WriteXLSX(w io.Writer, t *Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, rec := range t.records() {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("tabular: %w", err)
		}
		row := make([]any, len(rec))
		for j, v := range rec {
			row[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("tabular: write row %d: %w", i+1, err)
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("tabular: write workbook: %w", err)
	}
	return nil
}

// ReadCSV reads a comma-separated table. Rows may have varying lengths.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("tabular: read csv: %w", err)
	}
	if len(records) > 0 && len(records[0]) > 0 {
		records[0][0] = strings.TrimPrefix(records[0][0], "﻿")
	}
	return fromRecords(records), nil
}

// WriteCSV writes t as CSV.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(t.records()); err != nil {
		return fmt.Errorf("tabular: write csv: %w", err)
	}
	return nil
}

func fromRecords(records [][]string) *Table {
	if len(records) == 0 {
		return &Table{}
	}
	return &Table{Header: records[0], Rows: records[1:]}
}

func (t *Table) records() [][]string {
	out := make([][]string, 0, len(t.Rows)+1)
	out = append(out, t.Header)
	return append(out, t.Rows...)
}

// FormatError renders a failed row's output cell as "ERROR[<Kind>]: <message>".
func FormatError(err error) string {
	return fmt.Sprintf("ERROR[%s]: %s", apperr.KindOf(err), apperr.Message(err))
}
