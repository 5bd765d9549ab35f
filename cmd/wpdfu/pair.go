package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Start or stop controller pairing",
}

var pairStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Put the receiver into pairing mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			m, err := s.management()
			if err != nil {
				return err
			}
			if err := m.BeginPairing(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Pairing started. Press the pairing buttons on the controller.")
			return nil
		})
	},
}

var pairStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Leave pairing mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withSession(ctx, func(s *session) error {
			m, err := s.management()
			if err != nil {
				return err
			}
			return m.EndPairing(ctx)
		})
	},
}

func init() {
	pairCmd.AddCommand(pairStartCmd, pairStopCmd)
	rootCmd.AddCommand(pairCmd)
}
