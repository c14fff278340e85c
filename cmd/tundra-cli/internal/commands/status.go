package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/tundradb/tundra-go/pkg/session"
)

type StatusCmd struct {
	ConnectionFlags `embed:""`
	QueryID         string        `arg:"" help:"Query ID to look up"`
	Watch           bool          `help:"Poll until the query reaches a terminal state" default:"false"`
	Interval        time.Duration `help:"Poll interval when watching" default:"5s"`
}

func (s *StatusCmd) Run(ctx context.Context, globals *Globals) error {
	setup(globals)

	sess, err := newSession(&s.ConnectionFlags)
	if err != nil {
		return err
	}

	if err := sess.Open(ctx); err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer sess.Close(ctx) //nolint:errcheck

	if s.Watch {
		return s.watchQuery(ctx, sess)
	}

	status, err := sess.GetQueryStatus(ctx, s.QueryID)
	if err != nil {
		return fmt.Errorf("failed to get query status: %w", err)
	}

	printStatus(s.QueryID, status)
	return nil
}

func (s *StatusCmd) watchQuery(ctx context.Context, sess *session.Session) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		status, err := sess.GetQueryStatus(ctx, s.QueryID)
		if err != nil {
			return fmt.Errorf("failed to get query status: %w", err)
		}

		printStatus(s.QueryID, status)

		if !status.State.IsStillRunning() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func printStatus(queryID string, status session.QueryStatus) {
	if status.State.IsAnError() {
		fmt.Printf("%s  %s  code=%d  %s\n", queryID, status.State, status.ErrorCode, status.ErrorMessage)
		return
	}
	fmt.Printf("%s  %s\n", queryID, status.State)
}
