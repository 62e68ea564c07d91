package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rowsync/internal/sheet"
)

// maxCellWidth bounds one column in the text table.
const maxCellWidth = 24

func newRowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rows",
		Short: "Print the cached rows",
		Long:  "Print the rows saved by the last sync. Does not contact the server.",
		Args:  cobra.NoArgs,
		RunE:  runRows,
	}

	cmd.Flags().Int("limit", 50, "maximum rows to print (0 for all)")

	return cmd
}

func runRows(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	limit, _ := cmd.Flags().GetInt("limit")

	cache, closeFn, err := openCache(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer closeFn()

	snap, err := cache.LoadSnapshot(cmd.Context())
	if err != nil {
		return err
	}

	var rows []sheet.Row
	if snap != nil {
		rows = snap.Rows
	}

	total := len(rows)
	if limit > 0 && total > limit {
		rows = rows[:limit]
	}

	out := cmd.OutOrStdout()

	if cc.Flags.JSON {
		if rows == nil {
			rows = []sheet.Row{}
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(rows)
	}

	if total == 0 {
		fmt.Fprintln(out, "No cached rows.")
		return nil
	}

	printTable(out, rowHeaders(rows), rowCells(rows))

	if len(rows) < total {
		fmt.Fprintf(out, "(%d of %d rows)\n", len(rows), total)
	}

	return nil
}

// rowHeaders returns "ROW" followed by a zero-based column index for the
// widest row.
func rowHeaders(rows []sheet.Row) []string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}

	headers := make([]string, width+1)
	headers[0] = "ROW"

	for i := range width {
		headers[i+1] = strconv.Itoa(i)
	}

	return headers
}

// rowCells renders rows for printTable, padding ragged rows with blanks.
func rowCells(rows []sheet.Row) [][]string {
	width := len(rowHeaders(rows))
	out := make([][]string, len(rows))

	for i, r := range rows {
		cells := make([]string, width)
		cells[0] = strconv.Itoa(i)

		for j, v := range r {
			cells[j+1] = truncate(sheet.FormatCell(v), maxCellWidth)
		}

		out[i] = cells
	}

	return out
}
