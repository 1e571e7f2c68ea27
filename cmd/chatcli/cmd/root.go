package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"socialchat/pkg/api"
	"socialchat/pkg/config"
	"socialchat/pkg/logger"
	"socialchat/pkg/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

// app is the state shared by every subcommand, set up before each run.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
}

var cli app

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for socialchat conversations",
	Long: `chatcli connects to a socialchat relay, keeps the session token and a
short-lived history cache in a local store, and offers an interactive
conversation view with typing indicators, reactions and retries.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if path, _ := cmd.Flags().GetString("store"); path != "" {
			cfg.Client.StorePath = path
		}

		level := "error"
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = cfg.LogLevel
		}
		lg, err := logger.New(level)
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.Client.StorePath, store.Options{FeedTTL: cfg.Client.FeedCacheTTL})
		if err != nil {
			return err
		}
		cli = app{cfg: cfg, log: lg, store: st}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		_ = cli.log.Sync()
		return cli.store.Close()
	},
}

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log at the configured level instead of errors only")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().String("store", "", "local store directory (default from config)")
}

var errNotLoggedIn = errors.New("not logged in: run `chatcli login` first")

// token returns the configured token, falling back to the stored one.
func (a *app) token() (string, error) {
	if a.cfg.Client.Token != "" {
		return a.cfg.Client.Token, nil
	}
	token, err := a.store.Token()
	if errors.Is(err, store.ErrNotFound) {
		return "", errNotLoggedIn
	}
	return token, err
}

func (a *app) restClient(token string) *api.Client {
	return api.New(api.Options{BaseURL: a.cfg.Client.APIURL, Token: token, Logger: a.log})
}
