package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/kabili207/wavephoenix-go/device/migration"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <app.bin> <bootloader.bin>",
	Short: "Replace the legacy bootloader with MCUboot",
	Long: `Upload a WavePhoenix MCUboot application and the MCUboot bootloader to a
receiver running the migration firmware.

Ctrl-C cancels the application upload. Once the bootloader upload has
started it runs to completion and interrupts are ignored.`,
	Args: cobra.ExactArgs(2),
	RunE: runMigrate,
}

func init() {
	addTransferFlags(migrateCmd)
	migrateCmd.Flags().Bool("reboot", false, "reboot into MCUboot when the migration completes and reconnect")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	app, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	btl, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}
	listen, useMQTT, err := applyTransferFlags(cmd)
	if err != nil {
		return err
	}
	reboot, _ := cmd.Flags().GetBool("reboot")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	bar := newProgressBar(cmd.ErrOrStderr(), "Uploading")
	s := newSession(cfg, bar)
	defer s.Close()

	var running atomic.Pointer[migration.Workflow]
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				if wf := running.Load(); wf != nil && wf.Critical() {
					s.log.Warn("bootloader upload in progress, do not unplug the receiver")
					continue
				}
				cancel()
			}
		}
	}()

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	svcCtx, stopServices := context.WithCancel(gctx)
	defer func() {
		stopServices()
		if err := g.Wait(); err != nil {
			s.log.Warn("service stopped with error", "error", err)
		}
	}()
	if err := s.serve(svcCtx, g, listen, useMQTT); err != nil {
		return err
	}

	if err := s.connect(ctx); err != nil {
		return err
	}
	dev, ok := s.conn.Client.(*client.Migration)
	if !ok {
		return fmt.Errorf("receiver is in %s mode, migrate needs the migration firmware", s.conn.Mode)
	}

	wf := migration.New(dev, migration.Config{
		Options:    s.dfuOptions(),
		Attempts:   cfg.Migration.Attempts,
		RetryDelay: cfg.Migration.Backoff,
		Device:     s.device,
		Events:     s.sinks,
		Logger:     s.log,
	})
	if _, err := wf.SelectApp(app); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if _, err := wf.SelectBootloader(btl); err != nil {
		return fmt.Errorf("%s: %w", args[1], err)
	}
	running.Store(wf)

	state, err := wf.Run(ctx)
	out := cmd.OutOrStdout()
	switch {
	case err != nil:
		return err
	case state == migration.StateFailedApp:
		return fmt.Errorf("app upload failed, the receiver is unchanged: %w", wf.LastError())
	case state == migration.StateFailedBootloader:
		fmt.Fprintln(cmd.ErrOrStderr(), wf.Warning())
		return errors.Join(errors.New("bootloader upload failed"), wf.LastError())
	}
	fmt.Fprintln(out, "Migration complete. Reboot the receiver to install MCUboot.")

	if !reboot {
		return nil
	}
	if err := wf.Reboot(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	fmt.Fprintln(out, "Receiver is restarting.")
	if err := s.reconnect(ctx); err != nil {
		return err
	}
	s.describe(ctx, out)
	return nil
}
