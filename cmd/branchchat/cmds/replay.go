package cmds

import (
	"io"
	"os"

	"github.com/go-go-golems/branchchat/pkg/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewReplayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <fixture.yaml>",
		Short: "Run messages against scripted backend answers and print the resulting conversation",
		Long: `replay answers each request with the next script of the fixture file. Messages are sent in
order; --regenerate N regenerates the N-th message of the active path afterwards.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			messages, _ := cmd.Flags().GetStringArray("message")
			regenerate, _ := cmd.Flags().GetIntSlice("regenerate")
			approvals, _ := cmd.Flags().GetString("approvals")
			dumpEvents, _ := cmd.Flags().GetBool("events")
			save, _ := cmd.Flags().GetString("save")
			conversationID, _ := cmd.Flags().GetString("conversation-id")

			if len(messages) == 0 {
				return errors.New("replay needs at least one --message")
			}
			mode, err := parseApprovalMode(approvals)
			if err != nil {
				return err
			}
			t, err := NewFixtureTransport(args[0])
			if err != nil {
				return err
			}

			var out io.Writer = os.Stdout
			if dumpEvents {
				out = io.Discard
			}
			uploader, err := NewUploader()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			r, err := newRunner(ctx, t, out, dumpEvents,
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

			for _, m := range messages {
				h, err := r.c.Send(r.exchangeContext(ctx), m)
				if err != nil {
					return err
				}
				if err := r.await(ctx, h, mode); err != nil {
					return err
				}
			}
			for _, n := range regenerate {
				path := r.c.ActivePath()
				if n < 1 || n > len(path) {
					return errors.Errorf("--regenerate %d is outside the active path of %d messages", n, len(path))
				}
				h, err := r.c.Regenerate(r.exchangeContext(ctx), path[n-1].ID)
				if err != nil {
					return err
				}
				if err := r.await(ctx, h, mode); err != nil {
					return err
				}
			}
			if left := t.Remaining(); left > 0 {
				log.Warn().Int("scripts", left).Msg("Fixture scripts left unused")
			}

			if save != "" {
				if err := r.c.Snapshot().SaveToFile(save); err != nil {
					return err
				}
			}
			if err := NewRenderer().Render(os.Stdout, r.c.ConversationID(), r.c.ActivePathWithBranchInfo()); err != nil {
				return err
			}
			if err := r.c.Error(); err != nil && r.c.Status() == session.StatusError {
				return errors.Wrap(err, "last exchange failed")
			}
			return nil
		},
	}
	cmd.Flags().StringArrayP("message", "m", nil, "User message to send, repeatable")
	cmd.Flags().IntSlice("regenerate", nil, "Regenerate the n-th message of the active path after sending")
	cmd.Flags().String("approvals", string(ApprovalApprove), "How to answer tool approvals (ask, approve, deny)")
	cmd.Flags().Bool("events", false, "Print the raw session events instead of the streamed text")
	cmd.Flags().String("save", "", "Save the conversation tree to a yaml or json file")
	cmd.Flags().String("conversation-id", "", "Conversation id to start with")
	return cmd
}
