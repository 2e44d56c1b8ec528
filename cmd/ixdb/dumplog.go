package main

import (
	"github.com/spf13/cobra"
)

var dumpLogCmd = &cobra.Command{
	Use:   "dump-log [index...]",
	Short: "Print the operation log of each index",
	Long: `Print every operation log entry and rebuild marker of the given indexes,
or of every index found in the directory when none are named.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := openInspector()
		if err != nil {
			return err
		}
		defer in.Close()

		names := args
		if len(names) == 0 {
			if names, err = in.IndexNames(); err != nil {
				return err
			}
		}
		for _, name := range names {
			if err := in.DumpLog(name, cmd.OutOrStdout()); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dumpLogCmd)
}
