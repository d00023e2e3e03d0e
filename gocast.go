// Package gocast is the root convenience surface over the lower-level
// packages in this module: dial a Cast device and get back a ready
// session.Session in one call, for callers who don't need session.New's
// separate construct and connect steps.
package gocast

import (
	"context"

	"github.com/castmaster/gocast/castlog"
	"github.com/castmaster/gocast/config"
	"github.com/castmaster/gocast/session"
)

// Dial connects to the Cast device at host using cfg (config.New()'s
// defaults if nil) and log (a no-op logger if nil), returning a ready
// Session or the error from the first failed step.
func Dial(ctx context.Context, host string, cfg *config.Config, log castlog.Logger) (*session.Session, error) {
	sess := session.New(cfg, log)
	if err := sess.Connect(ctx, host); err != nil {
		return nil, err
	}
	return sess, nil
}
