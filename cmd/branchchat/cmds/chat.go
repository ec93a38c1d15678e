package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/history"
	"github.com/go-go-golems/branchchat/pkg/render"
	"github.com/go-go-golems/branchchat/pkg/session"
	"github.com/go-go-golems/branchchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	input "github.com/tcnksm/go-input"
)

const chatHelp = `Type a message to send it. Commands:
  /attach <path>...      attach files to the next message
  /regen [id]            regenerate an assistant reply (default: the last one)
  /edit <id> <text>      send an edited version of a user message
  /prev [id] /next [id]  show the previous or next version of a message
  /switch <id>           make a message version active
  /branches [id]         list the versions of a message
  /show                  print the active path
  /load                  load the newest history page
  /older                 load the next older history page
  /delete <id>           delete a message and its replies
  /new [conversation-id] start over
  /save <file>           save the tree (yaml or json)
  /quit                  leave
`

type chatSession struct {
	r        *runner
	out      io.Writer
	renderer *render.Renderer
	mode     ApprovalMode

	fetcher   history.Fetcher
	pageSize  int
	olderPage int

	attachments []*transport.Attachment
}

func NewChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively, with branching, regeneration and tool approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, _ := cmd.Flags().GetString("conversation-id")
			historyFile, _ := cmd.Flags().GetString("history-file")
			pageSize, _ := cmd.Flags().GetInt("page-size")
			approvals, _ := cmd.Flags().GetString("approvals")

			mode, err := parseApprovalMode(approvals)
			if err != nil {
				return err
			}
			t, err := NewTransport()
			if err != nil {
				return err
			}

			uploader, err := NewUploader()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			r, err := newRunner(ctx, t, os.Stdout, false,
				session.WithConversationID(conversationID),
				session.WithUploader(uploader),
			)
			if err != nil {
				return err
			}
			defer func() {
				if err := r.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to stop event router")
				}
			}()

			s := &chatSession{
				r:        r,
				out:      os.Stdout,
				renderer: NewRenderer(),
				mode:     mode,
				pageSize: pageSize,
			}
			fetcher, err := NewFetcher(historyFile)
			if err != nil {
				log.Debug().Err(err).Msg("History disabled")
			} else {
				s.fetcher = fetcher
				if conversationID != "" {
					if err := s.load(ctx); err != nil {
						return err
					}
				}
			}
			return s.loop(ctx)
		},
	}
	cmd.Flags().String("conversation-id", "", "Conversation to continue")
	cmd.Flags().String("history-file", "", "Read history from a file instead of --history-url")
	cmd.Flags().Int("page-size", 50, "Messages per history page")
	cmd.Flags().String("approvals", string(ApprovalAsk), "How to answer tool approvals (ask, approve, deny)")
	return cmd
}

func (s *chatSession) loop(ctx context.Context) error {
	tty, err := openTTY()
	if err != nil {
		return errors.Wrap(err, "chat needs a terminal")
	}
	defer func() {
		_ = tty.Close()
	}()
	ui := &input.UI{Writer: s.out, Reader: tty}

	_, _ = fmt.Fprint(s.out, chatHelp)
	for {
		line, err := ui.Ask(">", &input.Options{HideOrder: true})
		if err != nil {
			if errors.Is(err, input.ErrInterrupted) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := s.handle(ctx, line); err != nil {
			_, _ = fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *chatSession) handle(ctx context.Context, line string) error {
	c := s.r.c
	if !strings.HasPrefix(line, "/") {
		h, err := c.Send(s.r.exchangeContext(ctx), line, session.WithAttachments(s.attachments...))
		if err != nil {
			return err
		}
		s.attachments = nil
		return s.r.await(ctx, h, s.mode)
	}

	name, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)
	switch name {
	case "/attach":
		if len(args) == 0 {
			return errors.New("usage: /attach <path>...")
		}
		for _, p := range args {
			if _, err := os.Stat(p); err != nil {
				return err
			}
			s.attachments = append(s.attachments, &transport.Attachment{Path: p})
		}
		_, _ = fmt.Fprintf(s.out, "%d attachment(s) pending\n", len(s.attachments))

	case "/regen":
		id, err := s.target(args, conversation.RoleAssistant)
		if err != nil {
			return err
		}
		h, err := c.Regenerate(s.r.exchangeContext(ctx), id)
		if err != nil {
			return err
		}
		return s.r.await(ctx, h, s.mode)

	case "/edit":
		if len(args) < 2 {
			return errors.New("usage: /edit <id> <text>")
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), args[0]))
		h, err := c.Edit(s.r.exchangeContext(ctx), conversation.NodeID(args[0]), text, session.WithAttachments(s.attachments...))
		if err != nil {
			return err
		}
		s.attachments = nil
		return s.r.await(ctx, h, s.mode)

	case "/prev", "/next":
		id, err := s.target(args, conversation.RoleAssistant)
		if err != nil {
			return err
		}
		if name == "/prev" {
			_, err = c.PreviousBranch(id)
		} else {
			_, err = c.NextBranch(id)
		}
		if err != nil {
			return err
		}
		return s.show()

	case "/switch":
		if len(args) != 1 {
			return errors.New("usage: /switch <id>")
		}
		if err := c.SwitchBranch(conversation.NodeID(args[0])); err != nil {
			return err
		}
		return s.show()

	case "/branches":
		id, err := s.target(args, conversation.RoleAssistant)
		if err != nil {
			return err
		}
		info, err := c.Branches(id)
		if err != nil {
			return err
		}
		for i, sibling := range info.SiblingIDs {
			marker := " "
			if sibling == id {
				marker = "*"
			}
			_, _ = fmt.Fprintf(s.out, "%s %d/%d %s\n", marker, i+1, info.BranchCount, sibling)
		}

	case "/show":
		return s.show()

	case "/load":
		return s.load(ctx)

	case "/older":
		if s.fetcher == nil {
			return errors.New("no history source configured")
		}
		hasMore, err := c.LoadOlder(ctx, s.fetcher, s.olderPage, s.pageSize)
		if err != nil {
			return err
		}
		s.olderPage++
		if !hasMore {
			_, _ = fmt.Fprintln(s.out, "no older messages")
		}
		return s.show()

	case "/delete":
		if len(args) != 1 {
			return errors.New("usage: /delete <id>")
		}
		n, err := c.Delete(conversation.NodeID(args[0]))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(s.out, "deleted %d message(s)\n", n)

	case "/new":
		conversationID := ""
		if len(args) > 0 {
			conversationID = args[0]
		}
		c.Reset(conversationID)
		s.olderPage = 0
		s.attachments = nil
		if conversationID != "" && s.fetcher != nil {
			return s.load(ctx)
		}

	case "/save":
		if len(args) != 1 {
			return errors.New("usage: /save <file>")
		}
		return c.Snapshot().SaveToFile(args[0])

	case "/help":
		_, _ = fmt.Fprint(s.out, chatHelp)

	default:
		return errors.Errorf("unknown command %s", name)
	}
	return nil
}

// target returns the message named by args, or the last message of role on the active path.
// A number n picks the n-th message of the active path, starting at 1.
func (s *chatSession) target(args []string, role conversation.Role) (conversation.NodeID, error) {
	path := s.r.c.ActivePath()
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n >= 1 && n <= len(path) {
			return path[n-1].ID, nil
		}
		return conversation.NodeID(args[0]), nil
	}
	if m := path.Last(role); m != nil {
		return m.ID, nil
	}
	return "", errors.Errorf("no %s message on the active path", role)
}

func (s *chatSession) load(ctx context.Context) error {
	if s.fetcher == nil {
		return errors.New("no history source configured")
	}
	hasMore, err := s.r.c.LoadHistory(ctx, s.fetcher, s.pageSize)
	if err != nil {
		return err
	}
	s.olderPage = 0
	if hasMore {
		s.olderPage = 1
	}
	return s.show()
}

func (s *chatSession) show() error {
	return s.renderer.Render(s.out, s.r.c.ConversationID(), s.r.c.ActivePathWithBranchInfo())
}
