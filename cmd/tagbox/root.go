package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kode4food/tagbox"
)

const Version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "tagbox",
		Short: "dynamic consistency boundary event sourcing",
		Long: fmt.Sprintf(`tagbox (v%s)

An event sourcing runtime where write consistency is enforced per tag
rather than per aggregate, with projections that stay deterministic for
settled events and live for recent ones.`, Version),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of tagbox",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("tagbox v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(demoCmd)

	rootCmd.PersistentFlags().String("log-level", "warn",
		"log level (debug, info, warn, error)",
	)
	rootCmd.PersistentFlags().Bool("metrics", false,
		"print metrics in Prometheus format on exit",
	)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("tagbox")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// loadConfig reads TAGBOX_* variables and applies flag overrides
func loadConfig() (tagbox.Config, error) {
	cfg, err := tagbox.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	if viper.IsSet("safe-window") {
		cfg.SafeWindow = viper.GetDuration("safe-window")
	}
	if viper.IsSet("offload-threshold") {
		cfg.Snapshot.OffloadThreshold = viper.GetInt("offload-threshold")
	}
	return cfg, nil
}
