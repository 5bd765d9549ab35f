package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/spf13/cobra"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or change receiver settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the receiver settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withSession(cmd.Context(), func(s *session) error {
			m, err := s.management()
			if err != nil {
				return err
			}
			settings, err := m.Settings(cmd.Context())
			if err != nil {
				return err
			}
			return printSettings(cmd.OutOrStdout(), settings, asJSON)
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change receiver settings",
	Long: `Change one or more receiver settings. Unless --no-apply is given the
receiver leaves settings mode afterwards and restarts to apply them.`,
	Example: `  wpdfu settings set --channel 4
  wpdfu settings set --controller wired --pairing-buttons X+Y+Start`,
	Args: cobra.NoArgs,
	RunE: runSettingsSet,
}

func init() {
	settingsGetCmd.Flags().Bool("json", false, "print settings as JSON")

	addSettingFlags(settingsSetCmd)

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd)
	rootCmd.AddCommand(settingsCmd)
}

func addSettingFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("channel", 0, "wireless channel, 1-16")
	f.String("controller", "", "controller type: wavebird, wired or wired-no-motor")
	f.Bool("pin-wireless-id", false, "pin the wireless id of the first paired controller")
	f.String("pairing-buttons", "", "button combination that starts pairing, e.g. X+Y")
	f.Bool("no-apply", false, "keep the receiver in settings mode")
}

// settingChange is one validated write.
type settingChange struct {
	name  string
	apply func(ctx context.Context, m *client.Management) error
}

// settingChanges validates the changed flags of cmd.
func settingChanges(cmd *cobra.Command) ([]settingChange, error) {
	f := cmd.Flags()
	var changes []settingChange

	if f.Changed("channel") {
		n, _ := f.GetInt("channel")
		ch, err := client.ChannelFromDisplay(n)
		if err != nil {
			return nil, err
		}
		changes = append(changes, settingChange{"channel", func(ctx context.Context, m *client.Management) error {
			return m.SetWirelessChannel(ctx, ch)
		}})
	}
	if f.Changed("controller") {
		s, _ := f.GetString("controller")
		ct, err := client.ParseControllerType(s)
		if err != nil {
			return nil, err
		}
		changes = append(changes, settingChange{"controller", func(ctx context.Context, m *client.Management) error {
			return m.SetControllerType(ctx, ct)
		}})
	}
	if f.Changed("pin-wireless-id") {
		pinned, _ := f.GetBool("pin-wireless-id")
		changes = append(changes, settingChange{"pin-wireless-id", func(ctx context.Context, m *client.Management) error {
			return m.SetPinWirelessID(ctx, pinned)
		}})
	}
	if f.Changed("pairing-buttons") {
		s, _ := f.GetString("pairing-buttons")
		b, err := client.ParseButtons(s)
		if err != nil {
			return nil, err
		}
		if b == 0 {
			return nil, errors.New("pairing-buttons needs at least one button")
		}
		changes = append(changes, settingChange{"pairing-buttons", func(ctx context.Context, m *client.Management) error {
			return m.SetPairingButtons(ctx, b)
		}})
	}

	if len(changes) == 0 {
		return nil, errors.New("nothing to change, see --help")
	}
	return changes, nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	changes, err := settingChanges(cmd)
	if err != nil {
		return err
	}
	noApply, _ := cmd.Flags().GetBool("no-apply")

	ctx := cmd.Context()
	return withSession(ctx, func(s *session) error {
		m, err := s.management()
		if err != nil {
			return err
		}
		if err := m.EnterSettings(ctx); err != nil {
			return err
		}
		for _, c := range changes {
			if err := c.apply(ctx, m); err != nil {
				return fmt.Errorf("setting %s: %w", c.name, err)
			}
			s.log.Info("setting changed", "name", c.name)
		}

		settings, err := m.Settings(ctx)
		if err != nil {
			return err
		}
		if err := printSettings(cmd.OutOrStdout(), settings, false); err != nil {
			return err
		}
		if noApply {
			return nil
		}
		return m.LeaveSettings(ctx)
	})
}

func printSettings(w io.Writer, s client.Settings, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	pinned := "no"
	if s.PinWirelessID {
		pinned = "yes"
	}
	fmt.Fprintf(w, "Wireless channel: %d\n", client.DisplayChannel(s.WirelessChannel))
	fmt.Fprintf(w, "Controller type:  %s\n", s.ControllerType)
	fmt.Fprintf(w, "Pin wireless id:  %s\n", pinned)
	fmt.Fprintf(w, "Pairing buttons:  %s\n", s.PairingButtons)
	return nil
}
