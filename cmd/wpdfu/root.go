package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kabili207/wavephoenix-go/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "wpdfu",
	Short:         "WavePhoenix receiver update tool",
	Long:          `Flash firmware, migrate bootloaders and change settings on WavePhoenix receivers over Bluetooth LE.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is wpdfu.yaml in ., ~/.config/wpdfu or /etc/wpdfu)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("transport", "", "link to the receiver: bluez or serial")
	flags.String("adapter", "", "Bluetooth adapter (bluez transport)")
	flags.StringP("address", "a", "", "receiver address; scans for the nearest receiver when empty")
	flags.String("port", "", "serial port of the bridge dongle (serial transport)")
}

// initConfig loads the configuration and applies flags set on the command
// line on top of it.
func initConfig(cmd *cobra.Command) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	overrides := []struct {
		flag string
		dst  *string
	}{
		{"log-level", &c.Log.Level},
		{"log-format", &c.Log.Format},
		{"transport", &c.Transport.Kind},
		{"adapter", &c.Transport.Adapter},
		{"address", &c.Transport.Address},
		{"port", &c.Transport.Serial.Port},
	}
	for _, o := range overrides {
		if flags.Changed(o.flag) {
			*o.dst, _ = flags.GetString(o.flag)
		}
	}

	if err := c.Validate(); err != nil {
		return err
	}
	if err := setupLogging(os.Stderr, c); err != nil {
		return err
	}
	cfg = c
	return nil
}

func setupLogging(w io.Writer, c *config.Config) error {
	level, err := c.LogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
