// Package castlog wraps a *zap.SugaredLogger in the small set of calls the rest of
// this module needs: a leveled, structured logger threaded through each
// component for dropped frames, socket errors, and heartbeat misses.
package castlog

import "go.uber.org/zap"

// Logger is the subset of *zap.SugaredLogger this module calls. Kept as an
// interface so tests can substitute Nop() or a recording logger.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// sugared adapts *zap.SugaredLogger to Logger.
type sugared struct{ s *zap.SugaredLogger }

func (l sugared) Debugw(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l sugared) Infow(msg string, kv ...any)  { l.s.Infow(msg, kv...) }
func (l sugared) Warnw(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l sugared) Errorw(msg string, kv ...any) { l.s.Errorw(msg, kv...) }

// NewProduction returns a Logger backed by zap's production config
// (JSON, info level and above).
func NewProduction() Logger {
	z, err := zap.NewProduction()
	if err != nil {
		z = zap.NewNop()
	}
	return sugared{z.Sugar()}
}

// Nop returns a Logger that discards everything, for tests and for callers
// that don't want log output.
func Nop() Logger {
	return sugared{zap.NewNop().Sugar()}
}
