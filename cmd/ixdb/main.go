package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/andreyvit/ixdb"
	"github.com/spf13/cobra"
)

var (
	flagDir     string
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "ixdb",
	Short:         "Inspect ixdb engine directories",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagConfig != "" {
			fo, err := ixdb.LoadOptionsFile(flagConfig)
			if err != nil {
				return err
			}
			if flagDir == "" {
				flagDir = fo.Dir
			}
			fo.Apply(&inspectOptions)
		}
		if flagVerbose {
			inspectOptions.Verbose = true
			inspectOptions.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		}
		if flagDir == "" {
			return fmt.Errorf("--dir is required")
		}
		return nil
	},
}

var inspectOptions ixdb.Options

func openInspector() (*ixdb.Inspector, error) {
	return ixdb.Inspect(flagDir, inspectOptions)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDir, "dir", "", "engine directory")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "TOML options file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ixdb: %v\n", err)
		os.Exit(1)
	}
}
