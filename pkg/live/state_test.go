package live

import (
	"testing"

	"github.com/gridsense/gridsense/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from types.ConnectionState
		sig  signal
		to   types.ConnectionState
		ok   bool
	}{
		{types.ConnectionStateClosed, signalDial, types.ConnectionStateConnecting, true},
		{types.ConnectionStateConnecting, signalHandshakeOK, types.ConnectionStateOpen, true},
		{types.ConnectionStateConnecting, signalHandshakeFailed, types.ConnectionStateClosed, true},
		{types.ConnectionStateOpen, signalLost, types.ConnectionStateClosed, true},

		{types.ConnectionStateClosed, signalHandshakeOK, "", false},
		{types.ConnectionStateOpen, signalDial, "", false},
		{types.ConnectionStateConnecting, signalLost, "", false},
		{types.ConnectionStateClosed, signalLost, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+tt.sig.String(), func(t *testing.T) {
			to, ok := next(tt.from, tt.sig)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.to, to)
		})
	}
}
