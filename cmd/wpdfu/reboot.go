package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Restart the receiver",
	Long: `Restart the receiver. Legacy receivers are sent the OTA close-connection
command, which makes the bootloader start the application.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		wait, _ := cmd.Flags().GetBool("wait")
		return withSession(ctx, func(s *session) error {
			if err := s.conn.Client.Reboot(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Receiver is restarting.")
			if !wait {
				return nil
			}
			if err := s.reconnect(ctx); err != nil {
				return err
			}
			s.describe(ctx, out)
			return nil
		})
	},
}

func init() {
	rebootCmd.Flags().Bool("wait", false, "reconnect after the restart and print the new mode")
	rootCmd.AddCommand(rebootCmd)
}
