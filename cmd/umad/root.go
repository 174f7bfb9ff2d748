package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"umagate.org/internal/config"
	"umagate.org/internal/obs"
)

// set via -ldflags
var (
	version = "dev"
	commit  = "none"
)

const (
	LogLevelKey        = "log.level"
	LogFormatKey       = "log.format"
	DSNKey             = "database.dsn"
	MigrationsTableKey = "database.migrations_table"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:     "umad",
	Short:   fmt.Sprintf("UMA 2.0 authorization server (version: %s, commit: %s)", version, commit),
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", cfgFile, err)
			}
		}
		logger, err := obs.NewLogger(os.Stderr, v.GetString(LogLevelKey), v.GetString(LogFormatKey))
		if err != nil {
			return err
		}
		obs.SetLogger(logger)
		log.Logger = logger
		if cfgFile != "" {
			log.Debug().Str("path", v.ConfigFileUsed()).Msg("config.loaded")
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execution failed")
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Configuration file (yaml, json or toml)")

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = v.BindPFlag(LogLevelKey, rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("log-format", "json", "Log format (console, json)")
	_ = v.BindPFlag(LogFormatKey, rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}
