package analytics

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ExportXLSX renders a report as a spreadsheet for educator download.
// Scalar metrics produce a single summary sheet; breakdown metrics add one
// row per surviving bucket.
func ExportXLSX(report *Report) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("report is nil")
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Report"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("renaming sheet: %w", err)
	}

	summary := [][]interface{}{
		{"Report ID", report.ID},
		{"Course", report.CourseID},
		{"Metric", report.Metric},
		{"Generated", report.GeneratedAt.Format("2006-01-02 15:04:05 UTC")},
		{"Cohort size", report.CohortSize},
	}
	if report.Buckets == nil {
		summary = append(summary, []interface{}{"Value", report.Value})
	}
	for i, row := range summary {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, fmt.Errorf("addressing summary row %d: %w", i+1, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("writing summary row %d: %w", i+1, err)
		}
	}

	if report.Buckets != nil {
		start := len(summary) + 2
		header := []interface{}{"Section", "Cohort size", "Mastery rate"}
		cell, err := excelize.CoordinatesToCellName(1, start)
		if err != nil {
			return nil, fmt.Errorf("addressing breakdown header: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &header); err != nil {
			return nil, fmt.Errorf("writing breakdown header: %w", err)
		}
		for i, bucket := range report.Buckets {
			row := []interface{}{bucket.SectionID, bucket.CohortSize, bucket.MasteryRate}
			cell, err := excelize.CoordinatesToCellName(1, start+1+i)
			if err != nil {
				return nil, fmt.Errorf("addressing bucket row %d: %w", i, err)
			}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				return nil, fmt.Errorf("writing bucket %s: %w", bucket.SectionID, err)
			}
		}
		if report.SuppressedBuckets > 0 {
			note := []interface{}{fmt.Sprintf("%d sections withheld (cohort below minimum)", report.SuppressedBuckets)}
			cell, err := excelize.CoordinatesToCellName(1, start+1+len(report.Buckets)+1)
			if err != nil {
				return nil, fmt.Errorf("addressing suppression note: %w", err)
			}
			if err := f.SetSheetRow(sheet, cell, &note); err != nil {
				return nil, fmt.Errorf("writing suppression note: %w", err)
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("serializing workbook: %w", err)
	}
	return buf.Bytes(), nil
}
