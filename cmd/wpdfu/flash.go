package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kabili207/wavephoenix-go/core/semver"
	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/kabili207/wavephoenix-go/device/update"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var flashCmd = &cobra.Command{
	Use:   "flash <file>",
	Short: "Upload a firmware image to the receiver",
	Long: `Upload a firmware image. Management firmware takes a signed MCUboot .bin,
the legacy and migration bootloaders take a .gbl file.

Ctrl-C cancels the upload.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

func init() {
	addTransferFlags(flashCmd)
	flashCmd.Flags().Bool("reboot", false, "reboot into the new firmware when the upload completes and reconnect")
	rootCmd.AddCommand(flashCmd)
}

// addTransferFlags registers the flags shared by flash and migrate.
func addTransferFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool("reliable", false, "use acknowledged writes for every chunk")
	f.Int("chunk-size", 0, "bytes per write (default from config)")
	f.Bool("api", false, "serve the status API on api.listen while running")
	f.String("listen", "", "serve the status API on this address instead of api.listen")
	f.Bool("mqtt", false, "publish events to the configured MQTT broker")
}

// applyTransferFlags copies changed transfer flags into the configuration.
func applyTransferFlags(cmd *cobra.Command) (listen string, useMQTT bool, err error) {
	f := cmd.Flags()
	if f.Changed("reliable") {
		cfg.DFU.Reliable, _ = f.GetBool("reliable")
	}
	if f.Changed("chunk-size") {
		cfg.DFU.ChunkSize, _ = f.GetInt("chunk-size")
	}
	if err := cfg.Validate(); err != nil {
		return "", false, err
	}
	if serveAPI, _ := f.GetBool("api"); serveAPI {
		listen = cfg.API.Listen
	}
	if f.Changed("listen") {
		listen, _ = f.GetString("listen")
	}
	useMQTT, _ = f.GetBool("mqtt")
	return listen, useMQTT, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	listen, useMQTT, err := applyTransferFlags(cmd)
	if err != nil {
		return err
	}
	reboot, _ := cmd.Flags().GetBool("reboot")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := newProgressBar(cmd.ErrOrStderr(), "Uploading")
	s := newSession(cfg, bar)
	defer s.Close()

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
	if s.conn.Mode == client.ModeMigration {
		return update.ErrMigrationMode
	}
	flasher, ok := s.conn.Client.(client.Flasher)
	if !ok {
		return fmt.Errorf("receiver in %s mode cannot be flashed", s.conn.Mode)
	}

	wf := update.New(flasher, update.Config{
		Options: s.dfuOptions(),
		Device:  s.device,
		Events:  s.sinks,
		Logger:  s.log,
	})
	fw, err := wf.Select(data)
	if err != nil {
		return err
	}
	warnDowngrade(ctx, s, fw)

	state, err := wf.Run(ctx)
	out := cmd.OutOrStdout()
	switch {
	case err != nil:
		return err
	case state == update.StateFailed:
		return fmt.Errorf("upload failed: %w", wf.LastError())
	}
	fmt.Fprintf(out, "Uploaded %s firmware %s.\n", fw.Kind, fw.Version)

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

// warnDowngrade logs when the selected firmware is older than the one
// running on the receiver.
func warnDowngrade(ctx context.Context, s *session, fw *update.Firmware) {
	v, ok := s.conn.Client.(client.Versioner)
	if !ok {
		return
	}
	current, err := v.Version(ctx)
	if err != nil || current == nil {
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Debug("could not read running version", "error", err)
		}
		return
	}
	if semver.Compare(fw.Version, *current) < 0 {
		s.log.Warn("downgrading firmware", "running", current.String(), "selected", fw.Version.String())
	}
}
