package ingest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

var header = []string{
	"number", "vendor_id", "line_no", "sku", "description",
	"quantity", "unit_price", "currency", "ordered_at", "expected_at",
	"promised_lead_days",
}

func createPOBook(t *testing.T, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("PO Book")
	require.NoError(t, err)
	for _, rowData := range append([][]string{header}, rows...) {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "book.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadPOBook_GroupsRowsByNumber(t *testing.T) {
	path := createPOBook(t, [][]string{
		{"PO-1001", "vendor-a", "1", "SKU-1", "Widget", "100", "10", "USD", "2026-08-01", "2026-08-20", "14"},
		{"PO-1001", "vendor-a", "2", "SKU-2", "Gadget", "50", "4", "USD", "2026-08-01", "2026-08-20", "14"},
		{"PO-1002", "vendor-b", "1", "SKU-9", "", "10", "25.50", "EUR", "2026-08-05", "2026-09-01", ""},
	})

	pos, err := ReadPOBook(path)
	require.NoError(t, err)
	require.Len(t, pos, 2)

	first := pos[0]
	assert.Equal(t, "PO-1001", first.Number)
	assert.Equal(t, "vendor-a", first.VendorID)
	assert.Equal(t, "USD", first.Currency)
	assert.Equal(t, 14, first.PromisedLeadDays)
	require.Len(t, first.Lines, 2)
	assert.Equal(t, "SKU-1", first.Lines[0].SKU)
	assert.Equal(t, 100.0, first.Lines[0].Quantity)
	assert.Equal(t, "SKU-2", first.Lines[1].SKU)
	assert.Equal(t, 1200.0, first.Total, "100*10 + 50*4")
	assert.Equal(t, first.ExpectedAt, first.NextFollowUpDue)
	assert.NotEmpty(t, first.ID)

	second := pos[1]
	assert.Equal(t, "PO-1002", second.Number)
	require.Len(t, second.Lines, 1)
	assert.Equal(t, 255.0, second.Total)
	assert.Zero(t, second.PromisedLeadDays)
}

func TestReadPOBook_PreservesFirstAppearanceOrder(t *testing.T) {
	path := createPOBook(t, [][]string{
		{"PO-B", "vendor-a", "1", "SKU-1", "", "1", "1", "USD", "2026-08-01", "2026-08-20", ""},
		{"PO-A", "vendor-a", "1", "SKU-1", "", "1", "1", "USD", "2026-08-01", "2026-08-20", ""},
		{"PO-B", "vendor-a", "2", "SKU-2", "", "1", "1", "USD", "2026-08-01", "2026-08-20", ""},
	})

	pos, err := ReadPOBook(path)
	require.NoError(t, err)
	require.Len(t, pos, 2)
	assert.Equal(t, "PO-B", pos[0].Number)
	assert.Equal(t, "PO-A", pos[1].Number)
	assert.Len(t, pos[0].Lines, 2)
}

func TestReadPOBook_SkipsShortAndBlankRows(t *testing.T) {
	path := createPOBook(t, [][]string{
		{"PO-1001", "vendor-a", "1", "SKU-1", "", "10", "5", "USD", "2026-08-01", "2026-08-20", ""},
		{"", "", ""},
		{"only", "three", "cells"},
	})

	pos, err := ReadPOBook(path)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "PO-1001", pos[0].Number)
}

func TestReadPOBook_BadCellReportsRow(t *testing.T) {
	path := createPOBook(t, [][]string{
		{"PO-1001", "vendor-a", "1", "SKU-1", "", "not-a-number", "5", "USD", "2026-08-01", "2026-08-20", ""},
	})

	_, err := ReadPOBook(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2")
	assert.Contains(t, err.Error(), "quantity")
}

func TestReadPOBook_BadDateRejected(t *testing.T) {
	path := createPOBook(t, [][]string{
		{"PO-1001", "vendor-a", "1", "SKU-1", "", "10", "5", "USD", "08/01/2026", "2026-08-20", ""},
	})

	_, err := ReadPOBook(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ordered_at")
}

func TestReadPOBook_MissingFile(t *testing.T) {
	_, err := ReadPOBook(filepath.Join(t.TempDir(), "nope.xlsx"))
	require.Error(t, err)
}
