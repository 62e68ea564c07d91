package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rowsync/internal/sheet"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List local changes waiting to be pushed",
		Args:  cobra.NoArgs,
		RunE:  runQueue,
	}

	cmd.AddCommand(newQueueClearCmd())

	return cmd
}

func runQueue(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	cache, closeFn, err := openCache(cmd.Context(), cc)
	if err != nil {
		return err
	}
	defer closeFn()

	queue, err := cache.LoadQueue(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if cc.Flags.JSON {
		if queue == nil {
			queue = []sheet.ChangeRecord{}
		}

		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(queue)
	}

	if len(queue) == 0 {
		fmt.Fprintln(out, "No pending changes.")
		return nil
	}

	now := time.Now()
	rows := make([][]string, len(queue))

	for i := range queue {
		rows[i] = changeColumns(&queue[i], now)
	}

	printTable(out, []string{"ID", "TYPE", "ROW", "COL", "VALUE", "AGE"}, rows)

	return nil
}

func changeColumns(rec *sheet.ChangeRecord, now time.Time) []string {
	col, value := "", ""

	switch rec.Type {
	case sheet.ChangeUpdate:
		col = strconv.Itoa(rec.Data.Col)
		value = sheet.FormatCell(rec.Data.Value)
	case sheet.ChangeCreate:
		value = fmt.Sprintf("%d cells", len(rec.Data.Values))
	}

	return []string{
		rec.ID,
		string(rec.Type),
		strconv.Itoa(rec.Data.Row),
		col,
		truncate(value, maxCellWidth),
		formatAge(rec.Timestamp, now),
	}
}

func newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard every pending change",
		Long: `Drop all queued local changes. The next sync replaces local edits with
the server's rows. Refuses while a sync daemon is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if err := refuseIfDaemon(cc.Cfg); err != nil {
				return err
			}

			cache, closeFn, err := openCache(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer closeFn()

			queue, err := cache.LoadQueue(cmd.Context())
			if err != nil {
				return err
			}

			if err := cache.SaveQueue(cmd.Context(), nil); err != nil {
				return err
			}

			cc.Statusf("Discarded %d pending change(s)\n", len(queue))

			return nil
		},
	}
}
