package tuya

import (
	"crypto/hmac"
	"fmt"
	"time"
)

// handshakeTimeout bounds SESS_KEY_START -> SESS_KEY_RESP. On expiry the
// session resets to disconnected and the connection is torn down.
const handshakeTimeout = 750 * time.Millisecond

type sessionStep int

const (
	stepDisconnected sessionStep = iota
	stepKeyStartSent
	stepKeyRespReceived
	stepEstablished
)

// session holds per-connection key state. 3.1/3.3 connections are
// established as soon as TCP connect succeeds; 3.4 walks the three-step
// negotiation and swaps the local key for a derived session key.
type session struct {
	version     Version
	localKey    []byte
	sessionKey  []byte
	localNonce  []byte
	remoteNonce []byte
	step        sessionStep
}

func newSession(v Version, localKey []byte) *session {
	return &session{version: v, localKey: localKey}
}

// key returns the key in force for cryptography on this connection.
func (s *session) key() []byte {
	if len(s.sessionKey) == KeySize {
		return s.sessionKey
	}
	return s.localKey
}

func (s *session) established() bool { return s.step == stepEstablished }

// reset discards all per-connection state ahead of a reconnect.
func (s *session) reset() {
	s.sessionKey = nil
	s.localNonce = nil
	s.remoteNonce = nil
	s.step = stepDisconnected
}

// begin prepares session state for a fresh TCP connection. For 3.1/3.3 the
// session is immediately established; for 3.4 it returns the SESS_KEY_START
// body (the new local nonce) for the caller to send.
func (s *session) begin() (Command, []byte, bool) {
	s.reset()
	if s.version != Version34 {
		s.step = stepEstablished
		return 0, nil, false
	}
	s.localNonce = newNonce()
	s.step = stepKeyStartSent
	return CmdSessKeyStart, s.localNonce, true
}

// handleKeyResp consumes the decrypted SESS_KEY_RESP body
// (remoteNonce(16) || HMAC(localKey, localNonce)(32)) and returns the
// SESS_KEY_FINISH body.
func (s *session) handleKeyResp(plain []byte) ([]byte, error) {
	if s.step != stepKeyStartSent {
		return nil, fmt.Errorf("%w: unexpected SESS_KEY_RESP in step %d", ErrHandshake, s.step)
	}
	if len(plain) < 48 {
		return nil, fmt.Errorf("%w: short SESS_KEY_RESP body (%d bytes)", ErrHandshake, len(plain))
	}
	remoteNonce := plain[:16]
	if !hmac.Equal(plain[16:48], hmacSHA256(s.localKey, s.localNonce)) {
		return nil, fmt.Errorf("%w: local nonce hmac mismatch", ErrHandshake)
	}
	s.remoteNonce = append([]byte(nil), remoteNonce...)
	s.step = stepKeyRespReceived
	return hmacSHA256(s.localKey, s.remoteNonce), nil
}

// finish derives the session key once SESS_KEY_FINISH has been sent.
func (s *session) finish() error {
	if s.step != stepKeyRespReceived {
		return fmt.Errorf("%w: finish in step %d", ErrHandshake, s.step)
	}
	key, err := deriveSessionKey(s.localKey, s.localNonce, s.remoteNonce)
	if err != nil {
		return fmt.Errorf("derive session key: %w", err)
	}
	s.sessionKey = key
	s.step = stepEstablished
	return nil
}
