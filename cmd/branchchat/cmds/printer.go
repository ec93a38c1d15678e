package cmds

import (
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const sessionTopic = "session"

// streamPrinter writes streamed text to the terminal as it arrives and forwards approval requests.
// It runs on the router goroutine and never calls back into the controller.
type streamPrinter struct {
	out       io.Writer
	approvals chan *events.EventApproval
	inText    bool
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{
		out:       out,
		approvals: make(chan *events.EventApproval, 16),
	}
}

func (p *streamPrinter) handle(e events.Event) error {
	switch v := e.(type) {
	case *events.EventFragment:
		f, err := v.Decode()
		if err != nil {
			return nil
		}
		return p.fragment(f)

	case *events.EventApproval:
		p.endText()
		select {
		case p.approvals <- v:
		default:
			log.Warn().Str("approval_id", v.ApprovalID).Msg("approval queue full")
		}

	case *events.EventFinish:
		p.endText()
		if v.Stopped {
			_, _ = fmt.Fprintln(p.out, "[stopped]")
		}

	case *events.EventToolResult:
		log.Debug().
			Str("tool_name", v.ToolName).
			Str("tool_call_id", v.ToolCallID).
			Int64("duration_ms", v.DurationMs).
			Str("error", v.ErrorString).
			Msg("Tool ran")

	case *events.EventError:
		p.endText()
		_, _ = fmt.Fprintf(p.out, "[error] %s\n", v.ErrorString)
	}
	return nil
}

func (p *streamPrinter) fragment(f events.Fragment) error {
	switch v := f.(type) {
	case *events.FragmentPartDelta:
		if v.Type() == events.FragmentTypeTextDelta {
			p.inText = true
			_, err := fmt.Fprint(p.out, v.Delta)
			return err
		}
	case *events.FragmentToolInputAvailable:
		p.endText()
		_, err := fmt.Fprintf(p.out, "[tool %s %s]\n", v.ToolName, string(v.Input))
		return err
	case *events.FragmentToolOutputAvailable:
		p.endText()
		_, err := fmt.Fprintf(p.out, "[tool result %s]\n", string(v.Output))
		return err
	case *events.FragmentToolOutputError:
		p.endText()
		_, err := fmt.Fprintf(p.out, "[tool error %s]\n", v.ErrorText)
		return err
	}
	return nil
}

func (p *streamPrinter) endText() {
	if p.inText {
		_, _ = fmt.Fprintln(p.out)
		p.inText = false
	}
}

// startRouter runs an event router with the given handlers until ctx is done. It returns once the
// router accepts events, along with a wait function.
func startRouter(ctx context.Context, handlers map[string]func(events.Event) error, dumpRaw bool) (*events.EventRouter, func() error, error) {
	router, err := events.NewEventRouter(events.WithLogger(helpers.NewWatermill(log.Logger)))
	if err != nil {
		return nil, nil, err
	}
	for name, h := range handlers {
		router.AddHandler(name, sessionTopic, events.HandleEvents(h))
	}
	if dumpRaw {
		router.AddHandler("raw-events", sessionTopic, router.DumpRawEvents)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	select {
	case <-router.Running():
	case <-ctx.Done():
		_ = router.Close()
		return nil, nil, eg.Wait()
	}

	wait := func() error {
		defer func() {
			_ = router.Close()
		}()
		return eg.Wait()
	}
	return router, wait, nil
}
