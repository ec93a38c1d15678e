package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/session"
	"github.com/go-go-golems/branchchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"
)

// runner ties a controller to an event router that prints the stream.
type runner struct {
	c       *session.Controller
	printer *streamPrinter
	sink    events.EventSink
	cancel  context.CancelFunc
	wait    func() error
}

// exchangeContext attaches the printing sink to the context an exchange is started with.
func (r *runner) exchangeContext(ctx context.Context) context.Context {
	return events.WithEventSinks(ctx, r.sink)
}

func newRunner(ctx context.Context, t transport.Transport, out io.Writer, dumpRaw bool, options ...session.Option) (*runner, error) {
	ctx, cancel := context.WithCancel(ctx)
	printer := newStreamPrinter(out)
	router, wait, err := startRouter(ctx, map[string]func(events.Event) error{
		"printer": printer.handle,
	}, dumpRaw)
	if err != nil {
		cancel()
		return nil, err
	}

	return &runner{
		c:       session.NewController(t, options...),
		printer: printer,
		sink:    router.Sink(sessionTopic),
		cancel:  cancel,
		wait:    wait,
	}, nil
}

func (r *runner) Close() error {
	r.c.Stop()
	r.cancel()
	return r.wait()
}

// ApprovalMode decides how tool approval requests are answered.
type ApprovalMode string

const (
	ApprovalAsk     ApprovalMode = "ask"
	ApprovalApprove ApprovalMode = "approve"
	ApprovalDeny    ApprovalMode = "deny"
)

func parseApprovalMode(s string) (ApprovalMode, error) {
	switch m := ApprovalMode(s); m {
	case ApprovalAsk, ApprovalApprove, ApprovalDeny:
		return m, nil
	}
	return "", errors.Errorf("invalid approval mode %q, expected ask, approve or deny", s)
}

// decide answers one approval request.
func (m ApprovalMode) decide(e *events.EventApproval) (bool, string, error) {
	switch m {
	case ApprovalApprove:
		return true, "", nil
	case ApprovalDeny:
		return false, "denied by policy", nil
	}

	tty, err := openTTY()
	if err != nil {
		return false, "", errors.Wrap(err, "cannot ask for tool approval without a terminal")
	}
	defer func() {
		if err := tty.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close tty")
		}
	}()

	ui := &input.UI{
		Writer: os.Stderr,
		Reader: tty,
	}
	query := fmt.Sprintf("Run tool %s with %s? [y/n]", e.ToolName, string(e.Input))
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch strings.ToLower(answer) {
			case "y", "n":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, "", err
	}
	if strings.ToLower(answer) == "y" {
		return true, "", nil
	}
	return false, "denied by user", nil
}

// await waits for an exchange, answering approval requests as they arrive. An interrupt stops the
// exchange instead of the program. Stream and stop errors end the exchange, not the command, so
// they are only logged.
func (r *runner) await(ctx context.Context, h *session.ExecutionHandle, mode ApprovalMode) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	for {
		select {
		case <-h.Done():
			id, err := h.Wait()
			switch {
			case err == nil:
				log.Debug().Str("assistant_id", id.String()).Msg("Exchange complete")
			case errors.Is(err, session.ErrStopped):
				log.Info().Msg("Exchange stopped")
			default:
				log.Warn().Err(err).Msg("Exchange failed")
			}
			return nil

		case e := <-r.printer.approvals:
			approved, reason, err := mode.decide(e)
			if err != nil {
				r.c.Stop()
				return err
			}
			if err := r.c.ResolveToolApproval(e.ApprovalID, approved, reason); err != nil {
				log.Warn().Err(err).Str("approval_id", e.ApprovalID).Msg("Could not resolve approval")
			}

		case <-sigs:
			r.c.Stop()

		case <-ctx.Done():
			r.c.Stop()
		}
	}
}
