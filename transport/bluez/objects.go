package bluez

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/transport"
)

// devicePath converts a MAC address to a BlueZ object path.
// Example: "AA:BB:CC:DD:EE:FF" → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter, address string) dbus.ObjectPath {
	dev := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, dev))
}

func adapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// ValidateAddress checks the XX:XX:XX:XX:XX:XX MAC address format.
func ValidateAddress(address string) error {
	if address == "" {
		return errors.New("BLE address is required")
	}
	parts := strings.Split(address, ":")
	if len(parts) != 6 {
		return fmt.Errorf("invalid BLE address %q (expected XX:XX:XX:XX:XX:XX)", address)
	}
	for _, part := range parts {
		if len(part) != 2 {
			return fmt.Errorf("invalid BLE address %q (expected XX:XX:XX:XX:XX:XX)", address)
		}
		for _, c := range part {
			if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')) {
				return fmt.Errorf("invalid BLE address %q (non-hex character)", address)
			}
		}
	}
	return nil
}

// sanitizeAdapter validates the adapter name so it cannot escape the
// /org/bluez namespace.
func sanitizeAdapter(adapter string) (string, error) {
	if adapter == "" {
		return DefaultAdapter, nil
	}
	clean := filepath.Base(adapter)
	for _, c := range clean {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return "", fmt.Errorf("invalid adapter name: %s", adapter)
		}
	}
	return clean, nil
}

func variantString(props map[string]dbus.Variant, key string) (string, bool) {
	v, ok := props[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

// gattTree extracts the services of one device, ordered by object path
// (which follows attribute handle order), and indexes its characteristics.
func gattTree(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, device dbus.ObjectPath) ([]uuid.UUID, map[transport.Attribute]dbus.ObjectPath) {
	prefix := string(device) + "/"

	servicePaths := make([]dbus.ObjectPath, 0)
	serviceUUIDs := make(map[dbus.ObjectPath]uuid.UUID)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattService]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		s, ok := variantString(props, "UUID")
		if !ok {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		if primary, ok := props["Primary"]; ok {
			if p, ok := primary.Value().(bool); ok && !p {
				continue
			}
		}
		servicePaths = append(servicePaths, path)
		serviceUUIDs[path] = id
	}
	sort.Slice(servicePaths, func(i, j int) bool { return servicePaths[i] < servicePaths[j] })

	services := make([]uuid.UUID, 0, len(servicePaths))
	for _, p := range servicePaths {
		services = append(services, serviceUUIDs[p])
	}

	chars := make(map[transport.Attribute]dbus.ObjectPath)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		s, ok := variantString(props, "UUID")
		if !ok {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		svcVar, ok := props["Service"]
		if !ok {
			continue
		}
		svcPath, ok := svcVar.Value().(dbus.ObjectPath)
		if !ok {
			continue
		}
		svc, ok := serviceUUIDs[svcPath]
		if !ok {
			continue
		}
		chars[transport.Attribute{Service: svc, Characteristic: id}] = path
	}

	return services, chars
}

// isDisconnectSignal reports whether sig is a Device1 PropertiesChanged
// signal for path with Connected set to false.
func isDisconnectSignal(sig *dbus.Signal, path dbus.ObjectPath) bool {
	if sig == nil || sig.Path != path || sig.Name != dbusProperties+".PropertiesChanged" {
		return false
	}
	if len(sig.Body) < 2 {
		return false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezDevice1 {
		return false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false
	}
	v, ok := changed["Connected"]
	if !ok {
		return false
	}
	connected, ok := v.Value().(bool)
	return ok && !connected
}

// mapError converts BlueZ errors into the transport error classes.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	name, msg := dbusErrorName(err)
	switch {
	case name == "org.bluez.Error.NotConnected",
		name == "org.bluez.Error.NotSupported",
		name == "org.freedesktop.DBus.Error.UnknownObject",
		name == "org.bluez.Error.Failed" && strings.Contains(strings.ToLower(msg), "not connected"):
		return fmt.Errorf("%w: %v", transport.ErrNotConnected, err)
	case name == "org.freedesktop.DBus.Error.NoReply",
		name == "org.bluez.Error.Failed" && strings.Contains(strings.ToLower(msg), "timeout"):
		return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
	}
	return err
}

func dbusErrorName(err error) (name, msg string) {
	var val dbus.Error
	var ptr *dbus.Error
	switch {
	case errors.As(err, &val):
	case errors.As(err, &ptr) && ptr != nil:
		val = *ptr
	default:
		return "", ""
	}
	if len(val.Body) > 0 {
		if s, ok := val.Body[0].(string); ok {
			msg = s
		}
	}
	return val.Name, msg
}
