package shell

import (
	"fmt"
	"io"
	"strconv"

	"github.com/agentic-research/tabula/api"
	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
)

func renderTable(w io.Writer, data pterm.TableData) error {
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

// RenderRows prints a result set as a table. Nothing is printed for a
// result without columns.
func RenderRows(w io.Writer, columns []string, rows []api.Row) error {
	if len(columns) == 0 {
		return nil
	}
	data := pterm.TableData{columns}
	for _, r := range rows {
		cells := make([]string, len(r))
		for i, v := range r {
			cells[i] = formatValue(v)
		}
		data = append(data, cells)
	}
	return renderTable(w, data)
}

// RenderReport prints a one-line summary and a row per analysed column.
// Failed columns follow as warnings.
func RenderReport(w io.Writer, r *api.AnalysisReport) error {
	fmt.Fprintf(w, "%s: %s rows, %d columns, %.1f%% missing\n", r.DatasetID,
		humanize.Comma(r.RowCount), r.ColumnCount, r.Missing.Percentage)

	data := pterm.TableData{{"column", "type", "missing", "distinct", "min", "max", "mean", "median", "top"}}
	for _, c := range r.Columns {
		row := []string{c.Name, string(c.Type),
			fmt.Sprintf("%s (%.1f%%)", humanize.Comma(c.Missing), c.MissingPct),
			humanize.Comma(c.Distinct), "", "", "", "", ""}
		if n := c.Numeric; n != nil {
			row[4], row[5], row[6], row[7] = num(n.Min), num(n.Max), num(n.Mean), num(n.Median)
		}
		if len(c.TopValues) > 0 {
			row[8] = fmt.Sprintf("%s (%s)", c.TopValues[0].Value, humanize.Comma(c.TopValues[0].Count))
		}
		data = append(data, row)
	}
	if err := renderTable(w, data); err != nil {
		return err
	}
	for _, c := range r.Columns {
		if c.Numeric != nil && c.Numeric.NonNumeric > 0 {
			pterm.Warning.WithWriter(w).Printfln("%s: %s non-numeric values skipped", c.Name, humanize.Comma(c.Numeric.NonNumeric))
		}
	}
	for _, f := range r.Failures {
		pterm.Warning.WithWriter(w).Println(f.Name + ": " + f.Error)
	}
	return nil
}

func RenderViews(w io.Writer, views []api.ViewSummary) error {
	data := pterm.TableData{{"name", "updated"}}
	for _, v := range views {
		data = append(data, []string{v.Name, humanize.Time(v.UpdatedAt)})
	}
	return renderTable(w, data)
}

func num(v *float64) string {
	if v == nil {
		return ""
	}
	return humanize.FormatFloat("#,###.##", *v)
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
