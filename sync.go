package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/rowsync/internal/activity"
	"github.com/tonimelisma/rowsync/internal/config"
	"github.com/tonimelisma/rowsync/internal/engine"
	"github.com/tonimelisma/rowsync/internal/sheet"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep the local rows in sync with the server",
		Long: `Run the sync engine until interrupted.

The engine polls at a rate driven by recent activity, pushes queued local
edits, and uses the realtime socket when one is configured. Use --once to
run a single fetch-and-push cycle and exit.

When stdin is a terminal, sync also reads commands:
  set <row> <col> <value>   edit a cell
  insert <row> <v1,v2,...>  insert a row
  delete <row>              delete a row
  sync                      request an update now
  hide | show               suspend or resume polling
  stats                     print engine counters
  quit                      stop syncing`,
		RunE: runSync,
	}

	cmd.Flags().Bool("once", false, "run one sync cycle and exit")
	cmd.Flags().Bool("no-realtime", false, "disable the realtime socket for this run")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	once, _ := cmd.Flags().GetBool("once")

	cleanup, err := writePIDFile(cc.Cfg.PIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := shutdownContext(cmd.Context(), cc.Logger)
	out := cmd.OutOrStdout()

	opts := engine.Options{
		Config:   cc.Cfg,
		Renderer: rowsRenderer(cc),
		Notifier: func(level, message string) { cc.Statusf("[%s] %s\n", level, message) },
		Logger:   cc.Logger,
	}

	if !once {
		opts.Holder = config.NewHolder(cc.Cfg, cc.CfgPath)
		opts.Holder.SetOverrides(cc.env, cc.cli)
	}

	eng, err := engine.New(ctx, opts)
	if err != nil {
		return err
	}
	defer eng.Close()

	if once {
		syncErr := eng.SyncOnce(ctx)
		printSyncSummary(out, eng.Stats())

		return syncErr
	}

	reloadSignals(ctx, cc.Logger, func() { reloadConfig(opts.Holder, eng, cc.Logger) })

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		go func() {
			interactive(runCtx, eng, os.Stdin, out)
			stop()
		}()
	}

	cc.Statusf("Syncing as %s (Ctrl-C to stop)\n", eng.ClientID())

	return eng.Run(runCtx)
}

// rowsRenderer reports row-set changes on stderr.
func rowsRenderer(cc *CLIContext) func(rows []sheet.Row, kind string) {
	return func(rows []sheet.Row, kind string) {
		cc.Statusf("rows updated (%s): %d rows\n", kind, len(rows))
	}
}

// reloadConfig re-reads the config file on SIGHUP and applies the settings
// that can change at runtime. Environment and flag overrides still win over
// the file. An invalid file keeps the current config.
func reloadConfig(holder *config.Holder, eng reconfigurer, logger *slog.Logger) {
	cfg, err := holder.Reload()
	if err != nil {
		logger.Warn("config reload failed, keeping current config", slog.String("error", err.Error()))
		return
	}

	eng.Reconfigure(cfg)
}

// reconfigurer applies a reloaded config to a running engine.
type reconfigurer interface {
	Reconfigure(cfg *config.Config)
}

// printSyncSummary writes the one-line result of "sync --once".
func printSyncSummary(w io.Writer, s engine.Stats) {
	version := s.Version
	if version == "" {
		version = "(none)"
	}

	fmt.Fprintf(w, "version %s, %d rows, %d pending, %d pushed, %d conflicts\n",
		version, s.Rows, s.Offline.Queued, s.Offline.Synced, s.Delta.Conflicts+s.Offline.Conflicts)
}

// editor is the engine surface the interactive loop drives.
type editor interface {
	Record(kind activity.Kind)
	SetVisible(visible bool)
	Edit(ctx context.Context, row, col int, value any) (string, error)
	InsertRow(ctx context.Context, row int, values sheet.Row) (string, error)
	DeleteRow(ctx context.Context, row int) (string, error)
	RequestSync(ctx context.Context) error
	Stats() engine.Stats
}

var errQuit = errors.New("quit")

// interactive reads commands from in until EOF, "quit", or ctx is done.
// Every line counts as keyboard activity.
func interactive(ctx context.Context, ed editor, in io.Reader, out io.Writer) {
	lines := make(chan string)

	go func() {
		defer close(lines)

		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}

			ed.Record(activity.Keyboard)

			err := runInteractive(ctx, ed, strings.Fields(line), out)
			if errors.Is(err, errQuit) {
				return
			}

			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func runInteractive(ctx context.Context, ed editor, args []string, out io.Writer) error {
	if len(args) == 0 {
		return nil
	}

	switch args[0] {
	case "set":
		if len(args) < 4 {
			return errors.New("usage: set <row> <col> <value>")
		}

		row, col, err := parseCellRef(args[1], args[2])
		if err != nil {
			return err
		}

		id, err := ed.Edit(ctx, row, col, sheet.ParseCell(strings.Join(args[3:], " ")))
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "queued %s\n", id)
	case "insert":
		if len(args) < 3 {
			return errors.New("usage: insert <row> <v1,v2,...>")
		}

		row, err := parseIndex("row", args[1])
		if err != nil {
			return err
		}

		id, err := ed.InsertRow(ctx, row, parseValues(strings.Join(args[2:], " ")))
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "queued %s\n", id)
	case "delete":
		if len(args) != 2 {
			return errors.New("usage: delete <row>")
		}

		row, err := parseIndex("row", args[1])
		if err != nil {
			return err
		}

		id, err := ed.DeleteRow(ctx, row)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "queued %s\n", id)
	case "sync":
		return ed.RequestSync(ctx)
	case "hide":
		ed.SetVisible(false)
	case "show":
		ed.SetVisible(true)
	case "stats":
		printStats(out, ed.Stats())
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	return nil
}

func printStats(w io.Writer, s engine.Stats) {
	fmt.Fprintf(w, "client:    %s\n", s.ClientID)
	fmt.Fprintf(w, "version:   %s (%d rows)\n", s.Version, s.Rows)
	fmt.Fprintf(w, "activity:  %s (score %.2f)\n", s.Activity.State, s.Activity.Score)
	fmt.Fprintf(w, "polling:   %d polls every %s, %d saved\n", s.Poll.TotalPolls, s.Poll.Interval, s.Poll.PollsSaved)
	fmt.Fprintf(w, "deltas:    %d full, %d incremental, %d dropped\n",
		s.Delta.FullSyncs, s.Delta.IncrementalSyncs, s.Delta.DroppedDeltas)
	fmt.Fprintf(w, "queue:     %d pending, %d synced, %d failed (%s)\n",
		s.Offline.Queued, s.Offline.Synced, s.Offline.Failed, s.Offline.State)

	if s.Realtime != nil {
		fmt.Fprintf(w, "realtime:  %s, %d in, %d out, latency %s\n",
			s.Realtime.State, s.Realtime.MessagesIn, s.Realtime.MessagesOut, s.Realtime.Latency)
	}
}

func parseIndex(name, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative integer", name, s)
	}

	return n, nil
}

func parseCellRef(rowArg, colArg string) (row, col int, err error) {
	if row, err = parseIndex("row", rowArg); err != nil {
		return 0, 0, err
	}

	if col, err = parseIndex("column", colArg); err != nil {
		return 0, 0, err
	}

	return row, col, nil
}

// parseValues splits a comma-separated row into typed cells.
func parseValues(s string) sheet.Row {
	parts := strings.Split(s, ",")
	row := make(sheet.Row, len(parts))

	for i, p := range parts {
		row[i] = sheet.ParseCell(strings.TrimSpace(p))
	}

	return row
}
