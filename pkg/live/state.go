package live

import "github.com/gridsense/gridsense/pkg/types"

type signal int

const (
	signalDial signal = iota
	signalHandshakeOK
	signalHandshakeFailed
	signalLost
)

func (s signal) String() string {
	switch s {
	case signalDial:
		return "dial"
	case signalHandshakeOK:
		return "handshakeOK"
	case signalHandshakeFailed:
		return "handshakeFailed"
	case signalLost:
		return "lost"
	}
	return "unknown"
}

var transitions = map[types.ConnectionState]map[signal]types.ConnectionState{
	types.ConnectionStateClosed: {
		signalDial: types.ConnectionStateConnecting,
	},
	types.ConnectionStateConnecting: {
		signalHandshakeOK:     types.ConnectionStateOpen,
		signalHandshakeFailed: types.ConnectionStateClosed,
	},
	types.ConnectionStateOpen: {
		signalLost: types.ConnectionStateClosed,
	},
}

// next returns the state reached from from on sig, and false if the table has
// no such transition.
func next(from types.ConnectionState, sig signal) (types.ConnectionState, bool) {
	to, ok := transitions[from][sig]
	return to, ok
}
