package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

// DefaultScanTimeout is how long Scan keeps discovery running.
const DefaultScanTimeout = 5 * time.Second

// ErrNoDevice is returned when a scan finds no matching device.
var ErrNoDevice = errors.New("no matching device found")

// ScanConfig filters a scan.
//
// A device matches when its name starts with NamePrefix or it advertises
// one of Services. With neither set every LE device matches.
type ScanConfig struct {
	Adapter    string
	NamePrefix string
	Services   []uuid.UUID
	// Timeout defaults to DefaultScanTimeout.
	Timeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Device is a discovered peripheral.
type Device struct {
	Address  string      `json:"address"`
	Name     string      `json:"name"`
	RSSI     int16       `json:"rssi"`
	Services []uuid.UUID `json:"services,omitempty"`
}

// Scan runs LE discovery on the adapter and returns the matching devices,
// strongest signal first.
func Scan(ctx context.Context, cfg ScanConfig) ([]Device, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return scan(ctx, conn, cfg, logger.WithGroup("bluez"))
}

func scan(ctx context.Context, conn *dbus.Conn, cfg ScanConfig, log *slog.Logger) ([]Device, error) {
	adapter, err := sanitizeAdapter(cfg.Adapter)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	path := adapterPath(adapter)
	powered, err := getProperty[bool](conn, path, bluezAdapter1, "Powered")
	if err != nil {
		return nil, fmt.Errorf("adapter %s unavailable: %w", adapter, err)
	}
	if !powered {
		return nil, fmt.Errorf("adapter %s is not powered", adapter)
	}

	obj := conn.Object(bluezBus, path)
	if call := obj.Call(bluezAdapter1+".SetDiscoveryFilter", 0, discoveryFilter(cfg.Services)); call.Err != nil {
		return nil, fmt.Errorf("setting discovery filter: %w", call.Err)
	}

	if call := obj.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		// Discovery may already be running; cached devices are still listed.
		log.Debug("start discovery failed, using cached devices", "error", call.Err)
	} else {
		log.Debug("scanning", "adapter", adapter, "timeout", timeout)
		t := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
		obj.Call(bluezAdapter1+".StopDiscovery", 0)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("listing objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decoding objects: %w", err)
	}

	devices := matchDevices(objects, adapter, cfg)
	log.Debug("scan complete", "found", len(devices))
	return devices, nil
}

func findDevice(ctx context.Context, conn *dbus.Conn, cfg ScanConfig, log *slog.Logger) (Device, error) {
	devices, err := scan(ctx, conn, cfg, log)
	if err != nil {
		return Device{}, err
	}
	if len(devices) == 0 {
		return Device{}, fmt.Errorf("%w: name prefix %q", ErrNoDevice, cfg.NamePrefix)
	}
	log.Info("found device", "address", devices[0].Address, "name", devices[0].Name, "rssi", devices[0].RSSI)
	return devices[0], nil
}

func discoveryFilter(services []uuid.UUID) map[string]dbus.Variant {
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if len(services) > 0 {
		ids := make([]string, len(services))
		for i, s := range services {
			ids[i] = s.String()
		}
		filter["UUIDs"] = dbus.MakeVariant(ids)
	}
	return filter
}

// matchDevices filters the Device1 objects under the adapter.
func matchDevices(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapter string, cfg ScanConfig) []Device {
	prefix := string(adapterPath(adapter)) + "/"
	var out []Device
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		addr, ok := variantString(props, "Address")
		if !ok {
			continue
		}
		dev := Device{Address: addr}
		dev.Name, _ = variantString(props, "Name")
		if v, ok := props["RSSI"]; ok {
			dev.RSSI, _ = v.Value().(int16)
		}
		if v, ok := props["UUIDs"]; ok {
			if ids, ok := v.Value().([]string); ok {
				for _, s := range ids {
					if id, err := uuid.Parse(s); err == nil {
						dev.Services = append(dev.Services, id)
					}
				}
			}
		}
		if matches(dev, cfg) {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func matches(dev Device, cfg ScanConfig) bool {
	if cfg.NamePrefix == "" && len(cfg.Services) == 0 {
		return true
	}
	if cfg.NamePrefix != "" && strings.HasPrefix(dev.Name, cfg.NamePrefix) {
		return true
	}
	for _, s := range dev.Services {
		if slices.Contains(cfg.Services, s) {
			return true
		}
	}
	return false
}
