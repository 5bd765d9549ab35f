package codec

import (
	"testing"
)

func TestFletcher16(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{name: "empty data", data: []byte{}, expected: 0x0000},
		{name: "single byte 0x01", data: []byte{0x01}, expected: 0x0101},
		{name: "abcde", data: []byte("abcde"), expected: 0xC8F0},
		{name: "abcdef", data: []byte("abcdef"), expected: 0x2057},
		{name: "abcdefgh", data: []byte("abcdefgh"), expected: 0x0627},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fletcher16(tt.data); got != tt.expected {
				t.Errorf("Fletcher16(%q) = %04x, want %04x", tt.data, got, tt.expected)
			}
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("firmware chunk")
	sum := Fletcher16(data)

	if !ValidateChecksum(data, sum) {
		t.Error("ValidateChecksum() = false for matching checksum")
	}
	if ValidateChecksum(data, sum^0x0100) {
		t.Error("ValidateChecksum() = true for wrong checksum")
	}
}
