// Command requestd runs the task manager as a standalone service on top
// of a simulated host.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	v      *viper.Viper
	config *Config
	logger *slog.Logger

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is requestd.yaml in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initRequestd

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(e2eCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("requestd failed", "err", err)
		stop()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "requestd",
	Short:        "Background download and upload task manager",
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(v.AllSettings())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "requestd: version info not available")
			return
		}
		if path := v.ConfigFileUsed(); path != "" {
			fmt.Fprintf(out, "config:   %s\n", path)
		}
		fmt.Fprintf(out, "requestd: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:     %s\n", s.Value)
			}
		}
	},
}

func initRequestd(cmd *cobra.Command, _ []string) error {
	var err error
	v, err = newViper(flagConfigFilePath)
	if err != nil {
		return err
	}
	// --verbose has a precedence over config file and environment
	if flagVerbose {
		v.Set("log.level", "debug")
	}
	config, err = loadConfig(v)
	if err != nil {
		return err
	}
	logger = newLogger(cmd.ErrOrStderr(), config.Log)
	slog.SetDefault(logger)
	return nil
}
