package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats [index...]",
	Short: "Print index store and log statistics",
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
		w := cmd.OutOrStdout()
		for _, name := range names {
			s, err := in.Stats(name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			fmt.Fprintf(w, "%s: %v\n", name, s)
		}
		staged, err := in.StagedCount()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "staged payloads: %d\n", staged)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
