package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/fieldqueue/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fieldqueue",
		Short: "Offline edit queue and sync coordinator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newGCCommand(), newStatusCommand(), newTokenCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString(config.KeyHTTPAddress), "Local API listen address")
	flags.String("database-path", defaults.GetString(config.KeyDatabasePath), "SQLite database path")
	flags.String("log-level", defaults.GetString(config.KeyLogLevel), "Log level (debug, info, warn, error)")
	flags.String("log-file", defaults.GetString(config.KeyLogFile), "Optional rotated log file")
	flags.String("signing-secret", "", "Local API signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt(config.KeyTokenTTLMinutes), "Local API token TTL in minutes")
	flags.Int("retention-hours", defaults.GetInt(config.KeyRetentionHours), "Synced edits older than this are removed")
	flags.Int("gc-interval-minutes", defaults.GetInt(config.KeyGCIntervalMinutes), "Period of the background cleanup")
	flags.Int("changeset-max-age-minutes", defaults.GetInt(config.KeyChangesetAgeMinutes), "Reuse window of an open changeset")
	flags.Bool("only-question-notes", defaults.GetBool(config.KeyOnlyQuestionNotes), "Only surface notes phrased as questions")

	bindFlag(cmd, config.KeyHTTPAddress, "http-address")
	bindFlag(cmd, config.KeyDatabasePath, "database-path")
	bindFlag(cmd, config.KeyLogLevel, "log-level")
	bindFlag(cmd, config.KeyLogFile, "log-file")
	bindFlag(cmd, config.KeySigningSecret, "signing-secret")
	bindFlag(cmd, config.KeyTokenTTLMinutes, "token-ttl-minutes")
	bindFlag(cmd, config.KeyRetentionHours, "retention-hours")
	bindFlag(cmd, config.KeyGCIntervalMinutes, "gc-interval-minutes")
	bindFlag(cmd, config.KeyChangesetAgeMinutes, "changeset-max-age-minutes")
	bindFlag(cmd, config.KeyOnlyQuestionNotes, "only-question-notes")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("fieldqueue")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
