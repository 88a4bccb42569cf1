package transfers

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/carbontrack/carbontrack/internal/shared"
)

var exportHeader = []any{
	"created_at", "token_id", "batch_id", "direction", "from_address", "to_address", "quantity",
	"transfer_type", "transfer_reason", "carbon_footprint_kgco2e", "tx_hash", "block_number", "gas_used",
	"from_location", "to_location", "transport_method", "estimated_delivery", "actual_delivery",
}

// ExportXLSX writes the movements of address as a spreadsheet.
func (s *Service) ExportXLSX(ctx context.Context, address string, w io.Writer) error {
	items, err := s.TransfersFor(ctx, address)
	if err != nil {
		return err
	}
	address = shared.NormalizeAddress(address)

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := "Transfers"
	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), sheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A1", &exportHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, t := range items {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := exportRow(t, address)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	return f.Write(w)
}

func exportRow(t Transfer, address string) []any {
	direction := "in"
	if t.From == address {
		direction = "out"
	}
	footprint, _ := t.CarbonFootprint.Float64()
	return []any{
		t.CreatedAt.UTC().Format(time.RFC3339),
		t.TokenID,
		t.BatchID,
		direction,
		t.From,
		t.To,
		t.Quantity,
		string(t.Type),
		t.Reason,
		footprint,
		t.TxHash,
		optional(t.BlockNumber),
		optional(t.GasUsed),
		t.FromLocation,
		t.ToLocation,
		t.TransportMethod,
		optionalTime(t.EstimatedDelivery),
		optionalTime(t.ActualDelivery),
	}
}

func optional(v *uint64) any {
	if v == nil {
		return ""
	}
	return *v
}

func optionalTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
