package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"socialchat/pkg/protocol"
	"socialchat/pkg/store"
)

func init() {
	historyCmd.Flags().Int("limit", 0, "page size (default from config)")
	historyCmd.Flags().Bool("refresh", false, "bypass the local cache")
	rootCmd.AddCommand(historyCmd, uploadCmd)
}

func historyKey(conversationID string) string {
	return "history:" + conversationID
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the newest messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = cli.cfg.Client.HistoryPageSize
		}
		refresh, _ := cmd.Flags().GetBool("refresh")

		if n, err := cli.store.PurgeExpiredFeeds(); err == nil && n > 0 {
			cli.log.Sugar().Debugf("purged %d expired feed entries", n)
		}

		var messages []protocol.ServerMessage
		cached := false
		if !refresh {
			raw, err := cli.store.Feed(historyKey(conversationID))
			switch {
			case err == nil:
				if err := json.Unmarshal(raw, &messages); err == nil {
					cached = true
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		if !cached {
			token, err := cli.token()
			if err != nil {
				return err
			}
			messages, err = cli.restClient(token).FetchHistory(cmd.Context(), conversationID, protocol.Cursor{}, limit)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(messages)
			if err != nil {
				return err
			}
			if err := cli.store.PutFeed(historyKey(conversationID), raw); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if cached {
			fmt.Fprintln(out, "(cached)")
		}
		for i := len(messages) - 1; i >= 0; i-- {
			fmt.Fprintln(out, formatServerMessage(messages[i]))
		}
		return nil
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload an image or GIF and print its media reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := cli.token()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		media, err := cli.restClient(token).UploadMedia(cmd.Context(), filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(media)
	},
}
