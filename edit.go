package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/rowsync/internal/engine"
	"github.com/tonimelisma/rowsync/internal/sheet"
)

func newEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <row> <col> <value>",
		Short: "Change one cell and push it",
		Long: `Write a value into one cell of the local copy and queue the change.

The value is parsed like a spreadsheet entry: numbers become numbers,
true/false become booleans, anything else is text. Unless --no-push is
given the change is pushed right away; if the server is unreachable it
stays queued for the next sync.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, col, err := parseCellRef(args[0], args[1])
			if err != nil {
				return err
			}

			value := sheet.ParseCell(strings.Join(args[2:], " "))

			return withLocalEngine(cmd, func(ctx context.Context, eng *engine.Engine) (string, error) {
				return eng.Edit(ctx, row, col, value)
			})
		},
	}

	cmd.Flags().Bool("no-push", false, "queue the change without contacting the server")

	return cmd
}

func newInsertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert <row> <v1,v2,...>",
		Short: "Insert a row before the given index",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseIndex("row", args[0])
			if err != nil {
				return err
			}

			values := parseValues(strings.Join(args[1:], " "))

			return withLocalEngine(cmd, func(ctx context.Context, eng *engine.Engine) (string, error) {
				return eng.InsertRow(ctx, row, values)
			})
		},
	}

	cmd.Flags().Bool("no-push", false, "queue the change without contacting the server")

	return cmd
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <row>",
		Short: "Delete the row at the given index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseIndex("row", args[0])
			if err != nil {
				return err
			}

			return withLocalEngine(cmd, func(ctx context.Context, eng *engine.Engine) (string, error) {
				return eng.DeleteRow(ctx, row)
			})
		},
	}

	cmd.Flags().Bool("no-push", false, "queue the change without contacting the server")

	return cmd
}

// withLocalEngine opens a short-lived engine, applies one local change, and
// pushes it unless --no-push is set. A failed push leaves the change queued
// and is reported, not returned.
func withLocalEngine(cmd *cobra.Command, change func(context.Context, *engine.Engine) (string, error)) error {
	cc := mustCLIContext(cmd.Context())

	if err := refuseIfDaemon(cc.Cfg); err != nil {
		return err
	}

	ctx := cmd.Context()

	eng, err := engine.New(ctx, engine.Options{Config: cc.Cfg, Logger: cc.Logger})
	if err != nil {
		return err
	}
	defer eng.Close()

	id, err := change(ctx, eng)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if noPush, _ := cmd.Flags().GetBool("no-push"); noPush {
		fmt.Fprintf(out, "queued %s (%d pending)\n", id, len(eng.Pending()))
		return nil
	}

	if err := eng.SyncOnce(ctx); err != nil {
		cc.Logger.Debug("push after edit failed", "error", err)
		fmt.Fprintf(out, "queued %s; server unreachable, %d change(s) will sync later\n", id, len(eng.Pending()))

		return nil
	}

	if pending := len(eng.Pending()); pending > 0 {
		fmt.Fprintf(out, "queued %s; %d change(s) still pending\n", id, pending)
		return nil
	}

	fmt.Fprintf(out, "synced %s at version %s\n", id, eng.Stats().Version)

	return nil
}
