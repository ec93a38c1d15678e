package cmds

import (
	"os"

	"github.com/go-go-golems/branchchat/pkg/conversation/importer"
	"github.com/go-go-golems/branchchat/pkg/history"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [file]",
		Short: "Load the stored messages of a conversation and print the newest branch",
		Long: `history reads pages from a history file or from --history-url. Pages are fetched
concurrently, merged oldest first and shown with the newest version at every fork.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, _ := cmd.Flags().GetString("conversation-id")
			pages, _ := cmd.Flags().GetInt("pages")
			pageSize, _ := cmd.Flags().GetInt("page-size")
			save, _ := cmd.Flags().GetString("save")

			file := ""
			if len(args) > 0 {
				file = args[0]
			}
			if file == "" && conversationID == "" {
				return errors.New("history needs a file or --conversation-id")
			}
			fetcher, err := NewFetcher(file)
			if err != nil {
				return err
			}

			records, hasMore, err := history.LoadPages(cmd.Context(), fetcher, conversationID, pages, pageSize)
			if err != nil {
				return err
			}
			repo := importer.NewRepository()
			res, err := repo.ImportFull(records, true)
			if err != nil {
				return err
			}
			log.Debug().
				Int("records", len(records)).
				Int("created", len(res.Created)).
				Bool("has_more", hasMore).
				Msg("Loaded history")

			if save != "" {
				if err := repo.Tree().Export().SaveToFile(save); err != nil {
					return err
				}
			}
			if err := NewRenderer().Render(os.Stdout, conversationID, repo.ActivePathWithBranchInfo()); err != nil {
				return err
			}
			if hasMore {
				log.Info().Int("pages", pages).Msg("Older messages not loaded, raise --pages to see them")
			}
			return nil
		},
	}
	cmd.Flags().String("conversation-id", "", "Conversation to load")
	cmd.Flags().Int("pages", 1, "Number of history pages to load")
	cmd.Flags().Int("page-size", 50, "Messages per page")
	cmd.Flags().String("save", "", "Save the loaded tree to a yaml or json file")
	return cmd
}
