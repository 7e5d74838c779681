package serialmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptions_Normalise_Defaults(t *testing.T) {
	got, err := PortOptions{}.Normalise()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N", FlowControl: "none"}, got)
}

func TestPortOptions_Normalise_ExplicitValues(t *testing.T) {
	got, err := PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even", FlowControl: "OFF"}.Normalise()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E", FlowControl: "none"}, got)
}

func TestPortOptions_Normalise_NegativeBaudRate(t *testing.T) {
	got, err := PortOptions{BaudRate: -5}.Normalise()
	require.NoError(t, err)
	assert.Equal(t, 115200, got.BaudRate)
}

func TestPortOptions_Normalise_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
	}{
		{"data bits too low", PortOptions{DataBits: 4}},
		{"data bits too high", PortOptions{DataBits: 9}},
		{"stop bits", PortOptions{StopBits: 3}},
		{"parity", PortOptions{Parity: "X"}},
		{"hardware flow control", PortOptions{FlowControl: "rtscts"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.opts.Normalise()
			assert.Error(t, err)
		})
	}
}

func TestPortOptions_Normalise_ParityVariations(t *testing.T) {
	tests := map[string]string{
		"N": "N", "n": "N", "NONE": "N", "none": "N",
		"E": "E", "e": "E", "EVEN": "E",
		"O": "O", "odd": "O",
		"  N  ": "N",
	}
	for input, want := range tests {
		t.Run(input, func(t *testing.T) {
			got, err := PortOptions{Parity: input}.Normalise()
			require.NoError(t, err)
			assert.Equal(t, want, got.Parity)
		})
	}
}

func TestPortOptions_Equal(t *testing.T) {
	assert.True(t, PortOptions{}.Equal(PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}))
	assert.False(t, PortOptions{BaudRate: 9600}.Equal(PortOptions{BaudRate: 19200}))
	assert.False(t, PortOptions{Parity: "E"}.Equal(PortOptions{Parity: "O"}))
	assert.False(t, PortOptions{Parity: "X"}.Equal(PortOptions{Parity: "X"}), "invalid options never compare equal")
}

func TestPortOptions_SerialMode(t *testing.T) {
	tests := []struct {
		name string
		opts PortOptions
		want serial.Mode
	}{
		{"default", PortOptions{}, serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}},
		{"even parity", PortOptions{Parity: "E"}, serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.EvenParity, StopBits: serial.OneStopBit}},
		{"odd parity", PortOptions{Parity: "O"}, serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.OddParity, StopBits: serial.OneStopBit}},
		{"two stop bits", PortOptions{StopBits: 2}, serial.Mode{BaudRate: 115200, DataBits: 8, Parity: serial.NoParity, StopBits: serial.TwoStopBits}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mode, err := tc.opts.SerialMode()
			require.NoError(t, err)
			assert.Equal(t, tc.want, *mode)
		})
	}

	_, err := PortOptions{DataBits: 9}.SerialMode()
	assert.Error(t, err)
}

func TestPortOptions_PortMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 57600, StopBits: 2, Parity: "O"}.PortMode()
	require.NoError(t, err)
	assert.Equal(t, SerialPortMode{BaudRate: 57600, DataBits: 8, Parity: OddParity, StopBits: TwoStopBits}, *mode)

	_, err = PortOptions{Parity: "X"}.PortMode()
	assert.Error(t, err)
}
