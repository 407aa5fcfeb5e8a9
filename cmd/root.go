package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"db-recon/internal/logging"
)

var (
	cfgFile string

	// Log is the process logger, built in PersistentPreRunE.
	Log *zap.Logger
)

var RootCmd = &cobra.Command{
	Use:   "db-recon",
	Short: "A replication drift detection tool",
	Long: `
      _ _
   __| | |__        _ __ ___  ___ ___  _ __
  / _' | '_ \ _____| '__/ _ \/ __/ _ \| '_ \
 | (_| | |_) |_____| | |  __/ (_| (_) | | | |
  \__,_|_.__/      |_|  \___|\___\___/|_| |_|

DB-RECON - Source/Target Reconciliation & Drift Detection
`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Log, err = logging.New(logging.Config{
			Level:  viper.GetString("logging.level"),
			Format: viper.GetString("logging.format"),
			File:   viper.GetString("logging.file"),
		})
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Log != nil {
			_ = Log.Sync()
		}
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Define flags
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./db-recon.yaml)")
	RootCmd.PersistentFlags().String("state-dir", "", "Directory for persisted checksum state")
	RootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().String("log-format", "", "Log format (console, json)")

	viper.BindPFlag("settings.state_dir", RootCmd.PersistentFlags().Lookup("state-dir"))
	viper.BindPFlag("logging.level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", RootCmd.PersistentFlags().Lookup("log-format"))

	// Defaults (fallback if no config/flag)
	viper.SetDefault("settings.state_dir", ".db-recon-state")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// 1. Executable Directory (Priority 1)
		ex, err := os.Executable()
		if err == nil {
			exePath := filepath.Dir(ex)
			viper.AddConfigPath(exePath)
		}

		// 2. Current Directory (Priority 2)
		viper.AddConfigPath(".")

		viper.SetConfigName("db-recon")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
