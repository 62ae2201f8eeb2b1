package tuya

import "errors"

// Error kinds surfaced by the engine. Transport and handshake failures are
// retried internally under the reconnect policy; callers normally only see
// ErrNotConnected, ErrTimeout and ErrBadValue.
var (
	ErrConfig       = errors.New("invalid device configuration")
	ErrNotConnected = errors.New("device not connected")
	ErrTimeout      = errors.New("request timed out")
	ErrHandshake    = errors.New("session key negotiation failed")
	ErrProtocol     = errors.New("protocol error")
	ErrBadValue     = errors.New("bad DP value")
	ErrSuperseded   = errors.New("request superseded")
	ErrClosed       = errors.New("device closed")
)
