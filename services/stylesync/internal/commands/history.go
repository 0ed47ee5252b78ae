package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"styleai/pkg/favorites"
	"styleai/pkg/history"
	"styleai/services/stylesync/internal/app"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and rebuild generated-image history",
}

var historyRecentCmd = &cobra.Command{
	Use:   "recent <user-id>",
	Short: "Print the user's history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			for _, p := range a.RecentHistory(cmd.Context(), args[0]) {
				printf(cmd.OutOrStdout(), "%s\n", p)
			}
			return nil
		})
	},
}

var historyResyncCmd = &cobra.Command{
	Use:   "resync <user-id>",
	Short: "Rebuild the user's history from remote storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			list, err := a.ResyncHistory(cmd.Context(), args[0])
			var rl *app.RateLimitError
			if errors.As(err, &rl) {
				return fmt.Errorf("resync quota exhausted; retry in %s", rl.RetryAfter.Round(time.Second))
			}
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%d entries\n", len(list))
			return nil
		})
	},
}

var historySaveCmd = &cobra.Command{
	Use:   "save <user-id> <url>",
	Short: "Download an image into the user's history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			if err := a.CheckImageURL(args[1]); err != nil {
				return err
			}
			local, ok := a.SaveGenerated(cmd.Context(), args[0], args[1])
			if !ok {
				return errors.New("image not saved; see log for the cause")
			}
			printf(cmd.OutOrStdout(), "%s\n", local)
			return nil
		})
	},
}

var keyCmd = &cobra.Command{
	Use:   "key <user-id>",
	Short: "Print the storage keys derived from a user id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		printf(cmd.OutOrStdout(), "history\t%s\nfavorites\t%s\n", history.StorageKey(args[0]), favorites.StorageKey(args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd, keyCmd)
	historyCmd.AddCommand(historyRecentCmd, historyResyncCmd, historySaveCmd)
}
