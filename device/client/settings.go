package client

import (
	"errors"
	"fmt"
	"strings"
)

// NumChannels is the number of wireless channels a receiver supports.
const NumChannels = 16

var (
	ErrInvalidChannel        = errors.New("wireless channel out of range")
	ErrInvalidControllerType = errors.New("unknown controller type")
)

// ControllerType selects what the receiver presents to the console.
type ControllerType uint8

const (
	ControllerWaveBird ControllerType = iota
	ControllerWired
	ControllerWiredNoMotor
)

func (c ControllerType) String() string {
	switch c {
	case ControllerWaveBird:
		return "WaveBird"
	case ControllerWired:
		return "Wired Controller"
	case ControllerWiredNoMotor:
		return "Wired Controller (No Motor)"
	default:
		return fmt.Sprintf("ControllerType(%d)", uint8(c))
	}
}

// Valid reports whether c is a known controller type.
func (c ControllerType) Valid() bool {
	return c <= ControllerWiredNoMotor
}

// ParseControllerType accepts the short names wavebird, wired and
// wired-no-motor.
func ParseControllerType(s string) (ControllerType, error) {
	switch strings.ToLower(s) {
	case "wavebird":
		return ControllerWaveBird, nil
	case "wired":
		return ControllerWired, nil
	case "wired-no-motor":
		return ControllerWiredNoMotor, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidControllerType, s)
	}
}

// Buttons is the pairing button combination bitmask.
type Buttons uint16

const (
	ButtonLeft Buttons = 1 << iota
	ButtonRight
	ButtonDown
	ButtonUp
	ButtonZ
	ButtonR
	ButtonL
	_
	ButtonA
	ButtonB
	ButtonX
	ButtonY
	ButtonStart
)

var buttonNames = []struct {
	b    Buttons
	name string
}{
	{ButtonLeft, "Left"},
	{ButtonRight, "Right"},
	{ButtonDown, "Down"},
	{ButtonUp, "Up"},
	{ButtonZ, "Z"},
	{ButtonR, "R"},
	{ButtonL, "L"},
	{ButtonA, "A"},
	{ButtonB, "B"},
	{ButtonX, "X"},
	{ButtonY, "Y"},
	{ButtonStart, "Start"},
}

// String joins the set button names with "+", e.g. "X+Y+Start".
func (b Buttons) String() string {
	if b == 0 {
		return "none"
	}
	var parts []string
	for _, bn := range buttonNames {
		if b&bn.b != 0 {
			parts = append(parts, bn.name)
		}
	}
	if rest := b &^ allButtons(); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%04x", uint16(rest)))
	}
	return strings.Join(parts, "+")
}

func allButtons() Buttons {
	var all Buttons
	for _, bn := range buttonNames {
		all |= bn.b
	}
	return all
}

// ParseButtons parses a "+" or "," separated list of button names.
func ParseButtons(s string) (Buttons, error) {
	var out Buttons
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' })
	for _, f := range fields {
		f = strings.TrimSpace(f)
		found := false
		for _, bn := range buttonNames {
			if strings.EqualFold(f, bn.name) {
				out |= bn.b
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown button %q", f)
		}
	}
	return out, nil
}

// DisplayChannel converts a 0-based wire channel to the 1-based number shown
// to users.
func DisplayChannel(ch uint8) int {
	return int(ch) + 1
}

// ChannelFromDisplay converts a 1-based channel number to its wire value.
func ChannelFromDisplay(n int) (uint8, error) {
	if n < 1 || n > NumChannels {
		return 0, fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidChannel, n, NumChannels)
	}
	return uint8(n - 1), nil
}

// Settings is a snapshot of all management settings.
type Settings struct {
	WirelessChannel uint8          `json:"wireless_channel"`
	ControllerType  ControllerType `json:"controller_type"`
	PinWirelessID   bool           `json:"pin_wireless_id"`
	PairingButtons  Buttons        `json:"pairing_buttons"`
}
