package commands

import (
	"context"
	"fmt"
	"time"
)

type PingCmd struct {
	ConnectionFlags `embed:""`
	Timeout         time.Duration `help:"Heartbeat timeout" default:"300s"`
}

func (p *PingCmd) Run(ctx context.Context, globals *Globals) error {
	setup(globals)

	sess, err := newSession(&p.ConnectionFlags)
	if err != nil {
		return err
	}

	started := time.Now()

	if err := sess.Open(ctx); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer sess.Close(ctx) //nolint:errcheck

	if err := sess.CallHeartbeat(ctx, p.Timeout); err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}

	fmt.Printf("session %s alive (%.2fs)\n", sess.SessionID(), time.Since(started).Seconds())
	return nil
}
