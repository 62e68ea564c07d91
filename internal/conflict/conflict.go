// Package conflict holds the resolution policy shared by the delta apply
// path and the offline reconciler.
package conflict

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tonimelisma/rowsync/internal/sheet"
)

// Strategy selects how a cell collision is resolved.
type Strategy string

// Supported strategies.
const (
	ServerWins Strategy = "server-wins"
	ClientWins Strategy = "client-wins"
	Merge      Strategy = "merge"
)

// DefaultStrategy is used when nothing is configured.
const DefaultStrategy = ServerWins

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case ServerWins, ClientWins, Merge:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("conflict: unknown strategy %q (want server-wins, client-wins, or merge)", s)
	}
}

// Resolve picks the value to keep for rec under strategy. It is a pure
// function: the same inputs always produce the same output.
func Resolve(strategy Strategy, rec sheet.ConflictRecord) any {
	switch strategy {
	case ClientWins:
		return rec.LocalValue
	case Merge:
		return merge(rec.LocalValue, rec.ServerValue)
	default:
		return rec.ServerValue
	}
}

// merge averages numeric pairs and concatenates everything else as
// "local | server". Equal values collapse to one.
func merge(local, server any) any {
	if sheet.CellsEqual(local, server) {
		return server
	}

	ln, lok := sheet.ToFloat(local)
	sn, sok := sheet.ToFloat(server)

	if lok && sok {
		return (ln + sn) / 2
	}

	return sheet.FormatCell(local) + " | " + sheet.FormatCell(server)
}

// Resolver is the runtime-switchable policy handed to components. Safe for
// concurrent use; SetStrategy takes effect for the next resolution.
type Resolver struct {
	strategy atomic.Value // Strategy
	logger   *slog.Logger

	resolved atomic.Int64
}

// NewResolver creates a resolver with the given starting strategy. An empty
// strategy selects DefaultStrategy.
func NewResolver(strategy Strategy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	if strategy == "" {
		strategy = DefaultStrategy
	}

	r := &Resolver{logger: logger}
	r.strategy.Store(strategy)

	return r
}

// Strategy returns the active strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy.Load().(Strategy)
}

// SetStrategy switches the active strategy.
func (r *Resolver) SetStrategy(s Strategy) {
	old := r.Strategy()
	if old == s {
		return
	}

	r.strategy.Store(s)
	r.logger.Info("conflict strategy changed",
		slog.String("from", string(old)),
		slog.String("to", string(s)),
	)
}

// Resolve applies the active strategy to rec.
func (r *Resolver) Resolve(rec sheet.ConflictRecord) any {
	s := r.Strategy()
	v := Resolve(s, rec)
	r.resolved.Add(1)

	r.logger.Debug("conflict resolved",
		slog.Int("row", rec.Row),
		slog.Int("col", rec.Col),
		slog.String("strategy", string(s)),
	)

	return v
}

// Resolved returns how many conflicts this resolver has decided.
func (r *Resolver) Resolved() int64 {
	return r.resolved.Load()
}
