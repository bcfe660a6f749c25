package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DoyleJ11/quiz-sync/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// NewRootCmd builds the quizclient command tree. Every persistent flag is
// bound to the viper key of the same dotted name.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "quizclient",
		Short:         "Quiz battle room and match synchronizer",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			return v.BindPFlags(cmd.Flags())
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api.base_url", "", "room API base URL")
	flags.String("api.token", "", "access token")
	flags.String("channel.kind", "", "push channel: stomp or redis")
	flags.String("channel.url", "", "STOMP websocket URL")
	flags.String("redis.addr", "", "redis address when channel.kind=redis")
	flags.String("bridge.addr", "", "listen address of the bridge HTTP server")
	flags.String("history.dsn", "", "postgres DSN for match history; empty disables it")
	flags.String("log.level", "", "debug, info, warn or error")
	flags.Bool("log.dev", false, "human readable logs")

	rootCmd.AddCommand(newRunCmd(v), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
