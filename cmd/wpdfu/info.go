package main

import (
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Connect and show the receiver mode and firmware version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd.Context(), func(s *session) error {
			s.describe(cmd.Context(), cmd.OutOrStdout())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
