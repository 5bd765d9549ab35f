package bluez

import (
	"context"
	"errors"
	"fmt"

	sdbus "github.com/coreos/go-systemd/v22/dbus"
)

// BluetoothUnit is the systemd unit running bluetoothd.
const BluetoothUnit = "bluetooth.service"

// ErrServiceInactive is returned by CheckService when bluetoothd is not
// running.
var ErrServiceInactive = errors.New("bluetooth service is not active")

// CheckService verifies through systemd that bluetooth.service is active.
func CheckService(ctx context.Context) error {
	conn, err := sdbus.NewWithContext(ctx)
	if err != nil {
		return fmt.Errorf("connecting to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, BluetoothUnit)
	if err != nil {
		return fmt.Errorf("querying %s: %w", BluetoothUnit, err)
	}
	return checkActiveState(props)
}

func checkActiveState(props map[string]interface{}) error {
	state, _ := props["ActiveState"].(string)
	if state != "active" {
		if state == "" {
			state = "unknown"
		}
		return fmt.Errorf("%w: %s is %s", ErrServiceInactive, BluetoothUnit, state)
	}
	return nil
}
