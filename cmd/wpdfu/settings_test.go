package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settingsCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "set"}
	addSettingFlags(cmd)
	require.NoError(t, cmd.Flags().Parse(args))
	return cmd
}

func TestSettingChanges(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr bool
	}{
		{name: "none", wantErr: true},
		{name: "channel", args: []string{"--channel", "4"}, want: []string{"channel"}},
		{name: "channel zero", args: []string{"--channel", "0"}, wantErr: true},
		{name: "channel too high", args: []string{"--channel", "17"}, wantErr: true},
		{name: "controller", args: []string{"--controller", "wired-no-motor"}, want: []string{"controller"}},
		{name: "bad controller", args: []string{"--controller", "dreamcast"}, wantErr: true},
		{name: "unpin", args: []string{"--pin-wireless-id=false"}, want: []string{"pin-wireless-id"}},
		{name: "buttons", args: []string{"--pairing-buttons", "X+Y+Start"}, want: []string{"pairing-buttons"}},
		{name: "bad button", args: []string{"--pairing-buttons", "X+Turbo"}, wantErr: true},
		{name: "empty buttons", args: []string{"--pairing-buttons", ""}, wantErr: true},
		{
			name: "several",
			args: []string{"--channel", "16", "--controller", "wavebird", "--pin-wireless-id"},
			want: []string{"channel", "controller", "pin-wireless-id"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, err := settingChanges(settingsCommand(t, tt.args...))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var names []string
			for _, c := range changes {
				names = append(names, c.name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestPrintSettings(t *testing.T) {
	s := client.Settings{
		WirelessChannel: 3,
		ControllerType:  client.ControllerWired,
		PinWirelessID:   true,
		PairingButtons:  client.ButtonX | client.ButtonY,
	}

	var buf bytes.Buffer
	require.NoError(t, printSettings(&buf, s, false))
	out := buf.String()
	assert.Contains(t, out, "Wireless channel: 4\n")
	assert.Contains(t, out, "Controller type:  Wired Controller\n")
	assert.Contains(t, out, "Pin wireless id:  yes\n")
	assert.Contains(t, out, "Pairing buttons:  X+Y\n")

	buf.Reset()
	require.NoError(t, printSettings(&buf, s, true))
	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.EqualValues(t, 3, got["wireless_channel"])
	assert.Equal(t, true, got["pin_wireless_id"])
}
