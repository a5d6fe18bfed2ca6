// Package ingest loads purchase-order books from vendor-supplied XLSX
// workbooks. One worksheet row per PO line; rows sharing a PO number are
// grouped into a single order.
package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/procureflow/po-recon/internal/model"
)

// Column layout of a PO book worksheet. The first row is a header.
const (
	colNumber = iota
	colVendorID
	colLineNo
	colSKU
	colDescription
	colQuantity
	colUnitPrice
	colCurrency
	colOrderedAt
	colExpectedAt
	colPromisedLeadDays
	colCount
)

const dateLayout = "2006-01-02"

// ReadPOBook parses an XLSX workbook into purchase orders. Orders come out
// in first-appearance order with their lines in row order.
func ReadPOBook(path string) ([]model.PurchaseOrder, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open workbook")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("ingest: workbook %s has no sheets", path)
	}

	byNumber := make(map[string]*model.PurchaseOrder)
	var order []string

	for i, row := range f.Sheets[0].Rows {
		if i == 0 {
			continue
		}
		cells := rowToStrings(row)
		if len(cells) < colCount || cells[colNumber] == "" {
			continue
		}

		po, ok := byNumber[cells[colNumber]]
		if !ok {
			po, err = parseOrder(cells)
			if err != nil {
				return nil, eris.Wrapf(err, "ingest: row %d", i+1)
			}
			byNumber[po.Number] = po
			order = append(order, po.Number)
		}

		line, err := parseLine(cells)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: row %d", i+1)
		}
		po.Lines = append(po.Lines, line)
		po.Total += line.LineTotal()
	}

	pos := make([]model.PurchaseOrder, 0, len(order))
	for _, number := range order {
		pos = append(pos, *byNumber[number])
	}
	return pos, nil
}

func parseOrder(cells []string) (*model.PurchaseOrder, error) {
	orderedAt, err := time.Parse(dateLayout, cells[colOrderedAt])
	if err != nil {
		return nil, eris.Wrapf(err, "ordered_at %q", cells[colOrderedAt])
	}
	expectedAt, err := time.Parse(dateLayout, cells[colExpectedAt])
	if err != nil {
		return nil, eris.Wrapf(err, "expected_at %q", cells[colExpectedAt])
	}

	leadDays := 0
	if cells[colPromisedLeadDays] != "" {
		leadDays, err = strconv.Atoi(cells[colPromisedLeadDays])
		if err != nil {
			return nil, eris.Wrapf(err, "promised_lead_days %q", cells[colPromisedLeadDays])
		}
	}

	return &model.PurchaseOrder{
		ID:               uuid.New().String(),
		Number:           cells[colNumber],
		VendorID:         cells[colVendorID],
		Status:           model.POStatusOpen,
		Currency:         cells[colCurrency],
		OrderedAt:        orderedAt,
		ExpectedAt:       expectedAt,
		NextFollowUpDue:  expectedAt,
		PromisedLeadDays: leadDays,
	}, nil
}

func parseLine(cells []string) (model.POLine, error) {
	lineNo, err := strconv.Atoi(cells[colLineNo])
	if err != nil {
		return model.POLine{}, eris.Wrapf(err, "line_no %q", cells[colLineNo])
	}
	qty, err := strconv.ParseFloat(cells[colQuantity], 64)
	if err != nil {
		return model.POLine{}, eris.Wrapf(err, "quantity %q", cells[colQuantity])
	}
	price, err := strconv.ParseFloat(cells[colUnitPrice], 64)
	if err != nil {
		return model.POLine{}, eris.Wrapf(err, "unit_price %q", cells[colUnitPrice])
	}

	return model.POLine{
		LineNo:      lineNo,
		SKU:         cells[colSKU],
		Description: cells[colDescription],
		Quantity:    qty,
		UnitPrice:   price,
	}, nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		cells[i] = strings.TrimSpace(cell.String())
	}
	return cells
}
