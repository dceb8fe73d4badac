package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Account-Link/oauth3-tee-proxy-sub000/cmd/teeproxy/cmd/users"
	"github.com/Account-Link/oauth3-tee-proxy-sub000/internal/config"
)

var (
	cfg     *config.Config
	logger  *zap.Logger
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "teeproxy",
	Short: "OAuth3 TEE proxy for delegated access to social accounts",
	Long: `teeproxy keeps service credentials sealed inside a trusted execution
environment and lets scoped, revocable tokens act on them through
policy checked plugin routes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger, err = newLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		zap.ReplaceGlobals(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// newLogger builds a development logger in debug mode and a JSON production
// logger otherwise.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Debug {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.InitialFields = map[string]any{"service": cfg.Observability.ServiceName}
	return zc.Build()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (YAML, TOML or JSON)")
	flags.String("db-url", "", "Database connection URL (env: TEEPROXY_DATABASE_URL)")
	flags.String("server-addr", "", "Server bind address (env: TEEPROXY_SERVER_ADDR)")
	flags.String("server-url", "", "Public base URL (env: TEEPROXY_SERVER_URL)")
	flags.Bool("debug", false, "Enable debug logging (env: TEEPROXY_DEBUG)")

	for key, flag := range map[string]string{
		"database.url": "db-url",
		"server.addr":  "server-addr",
		"server.url":   "server-url",
		"debug":        "debug",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	rootCmd.AddCommand(users.UsersCmd)
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
