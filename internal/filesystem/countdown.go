package filesystem

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	notifySignals = signal.Notify
	stopSignals   = signal.Stop
	countdownTick = time.Second
)

// countdown gives the user the chance to abort before the first
// destructive step. Interrupts during the countdown are held back and
// followed by a question whether to really abort.
func (h *Handler) countdown(ctx context.Context) error {
	if h.Countdown <= 0 {
		return nil
	}

	signals := make(chan os.Signal, 1)
	notifySignals(signals, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(signals)

	fmt.Fprint(h.Out, "Starting device modifications in ")
	for remaining := h.Countdown; remaining > 0; remaining-- {
		if err := ctx.Err(); err != nil {
			fmt.Fprintln(h.Out)
			return err
		}
		fmt.Fprintf(h.Out, "%d...", remaining)
		timer := time.NewTimer(countdownTick)
		select {
		case <-ctx.Done():
			timer.Stop()
			fmt.Fprintln(h.Out)
			return ctx.Err()
		case <-timer.C:
		}
	}
	fmt.Fprintln(h.Out)

	select {
	case sig := <-signals:
		logrus.Debugf("Received %s during countdown", sig)
	default:
		return nil
	}

	if h.Prompter == nil {
		return ErrAborted
	}
	abort, err := h.Prompter.ConfirmAbort("Do you really want to abort?")
	if err != nil {
		return fmt.Errorf("cannot ask whether to abort: %w", err)
	}
	if abort {
		return ErrAborted
	}
	return nil
}
