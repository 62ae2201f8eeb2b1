package tuya

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"
)

// testOptions returns a binding against addr with timers shrunk so retry
// and watchdog behavior is observable in test time.
func testOptions(addr string, v Version) Options {
	return Options{
		Address:         addr,
		DeviceID:        "bf1234567890abcdef12",
		LocalKey:        testKey,
		Version:         v,
		AutoReconnect:   false,
		DialTimeout:     2 * time.Second,
		ResponseTimeout: 60 * time.Millisecond,
		MaxRetries:      5,
		IdleTimeout:     2 * time.Second,
		ReconnectMin:    10 * time.Millisecond,
		ReconnectMax:    50 * time.Millisecond,
	}
}

func newTestListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func acceptConn(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type res struct {
		conn net.Conn
		err  error
	}
	ch := make(chan res, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- res{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("accept: %v", r.err)
		}
		t.Cleanup(func() { r.conn.Close() })
		return r.conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// recvFrame reads from the fake device's side until one frame decodes.
func recvFrame(t *testing.T, conn net.Conn, dec *Decoder, key []byte) *Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if f, err := dec.Next(key); err != nil {
			t.Fatalf("decode client frame: %v", err)
		} else if f != nil {
			return f
		}
		_ = conn.SetReadDeadline(deadline)
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("fake device read: %v", err)
		}
		dec.Feed(buf[:n])
	}
}

// recvFrameOrClose is recvFrame that also tolerates the client hanging up,
// returning nil in that case.
func recvFrameOrClose(t *testing.T, conn net.Conn, dec *Decoder, key []byte) *Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if f, err := dec.Next(key); err != nil {
			t.Fatalf("decode client frame: %v", err)
		} else if f != nil {
			return f
		}
		_ = conn.SetReadDeadline(deadline)
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil {
			return nil
		}
		dec.Feed(buf[:n])
	}
}

func sendFrame(t *testing.T, conn net.Conn, v Version, key []byte, seq uint32, cmd Command, body []byte) {
	t.Helper()
	frame, err := EncodeFrame(v, key, seq, cmd, body)
	if err != nil {
		t.Fatalf("encode device frame: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("fake device write: %v", err)
	}
}

func openBody(t *testing.T, v Version, key []byte, f *Frame) map[string]any {
	t.Helper()
	plain, err := OpenPayload(v, key, f.Cmd, f.Payload)
	if err != nil {
		t.Fatalf("open client payload: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(plain, &m); err != nil {
		t.Fatalf("unmarshal client payload %q: %v", plain, err)
	}
	return m
}

func TestDevice_QueryHappyPath33(t *testing.T) {
	ln := newTestListener(t)
	dev, err := NewDevice(testOptions(ln.Addr().String(), Version33))
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	conn := acceptConn(t, ln)
	dec := NewDecoder(Version33)

	done := make(chan struct{})
	var dps map[string]any
	var qerr error
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dps, qerr = dev.Query(ctx)
	}()

	f := recvFrame(t, conn, dec, testKey)
	if f.Cmd != CmdDPQuery {
		t.Fatalf("expected DP_QUERY, got %v", f.Cmd)
	}
	body := openBody(t, Version33, testKey, f)
	if body["gwId"] != "bf1234567890abcdef12" {
		t.Errorf("query body missing gwId: %v", body)
	}

	sendFrame(t, conn, Version33, testKey, f.Seq, CmdDPQuery,
		[]byte(`{"devId":"bf1234567890abcdef12","dps":{"1":true,"3":22}}`))

	<-done
	if qerr != nil {
		t.Fatalf("Query: %v", qerr)
	}
	if dps["1"] != true {
		t.Errorf("unexpected dps: %v", dps)
	}
}

func TestDevice_RetryThenTimeout(t *testing.T) {
	ln := newTestListener(t)
	dev, err := NewDevice(testOptions(ln.Addr().String(), Version33))
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	conn := acceptConn(t, ln)
	dec := NewDecoder(Version33)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := dev.Set(ctx, map[string]any{"1": true})
		done <- err
	}()

	// The device stays silent: expect the initial send plus retries, each
	// under the next sequence number, then a hangup.
	var seqs []uint32
	for {
		f := recvFrameOrClose(t, conn, dec, testKey)
		if f == nil {
			break
		}
		if f.Cmd != CmdControl {
			t.Fatalf("expected CONTROL, got %v", f.Cmd)
		}
		seqs = append(seqs, f.Seq)
	}

	if len(seqs) != 5 {
		t.Fatalf("expected 5 sends before giving up, got %d (%v)", len(seqs), seqs)
	}
	for i, s := range seqs {
		if s != uint32(i+1) {
			t.Errorf("send %d has seq %d, want %d", i, s, i+1)
		}
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Set did not return")
	}
	if dev.Connected() {
		t.Error("device should be marked not connected after retry exhaustion")
	}
}

func TestDevice_StatusPushOutOfBand(t *testing.T) {
	ln := newTestListener(t)
	dev, err := NewDevice(testOptions(ln.Addr().String(), Version33))
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	events := make(chan Event, 16)
	dev.Subscribe(func(ev Event) { events <- ev })

	conn := acceptConn(t, ln)

	// Spontaneous push with an arbitrary sequence number and no pending op.
	sendFrame(t, conn, Version33, testKey, 999, CmdStatus,
		[]byte(`{"devId":"bf1234567890abcdef12","dps":{"1":true,"2":720,"4":"cold"}}`))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != EventDPS {
				continue
			}
			if ev.DPS["1"] != true || ev.DPS["4"] != "cold" {
				t.Fatalf("unexpected dps event: %v", ev.DPS)
			}
			return
		case <-deadline:
			t.Fatal("no DPS event delivered")
		}
	}
}

func TestDevice_Supersession(t *testing.T) {
	ln := newTestListener(t)
	opts := testOptions(ln.Addr().String(), Version33)
	opts.ResponseTimeout = time.Second // keep retries out of this test
	dev, err := NewDevice(opts)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	conn := acceptConn(t, ln)
	dec := NewDecoder(Version33)

	first := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := dev.Set(ctx, map[string]any{"4": "cold"})
		first <- err
	}()

	f1 := recvFrame(t, conn, dec, testKey)
	if dps := openBody(t, Version33, testKey, f1)["dps"].(map[string]any); dps["4"] != "cold" {
		t.Fatalf("first frame dps: %v", dps)
	}

	second := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := dev.Set(ctx, map[string]any{"4": "hot"})
		second <- err
	}()

	f2 := recvFrame(t, conn, dec, testKey)
	if dps := openBody(t, Version33, testKey, f2)["dps"].(map[string]any); dps["4"] != "hot" {
		t.Fatalf("second frame dps: %v", dps)
	}
	if f2.Seq != f1.Seq+1 {
		t.Errorf("sequence numbers must increment: %d then %d", f1.Seq, f2.Seq)
	}

	// The superseded command is abandoned, not failed with a timeout.
	select {
	case err := <-first:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("first Set: expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded Set did not unblock")
	}

	// Only the replacement is in flight; answering it completes the op.
	sendFrame(t, conn, Version33, testKey, f2.Seq, CmdControl,
		[]byte(`{"dps":{"4":"hot"}}`))
	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("second Set: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second Set did not return")
	}
}

func TestDevice_Handshake34(t *testing.T) {
	ln := newTestListener(t)
	dev, err := NewDevice(testOptions(ln.Addr().String(), Version34))
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	conn := acceptConn(t, ln)
	dec := NewDecoder(Version34)

	// Step 1: SESS_KEY_START carries the client nonce under the local key.
	start := recvFrame(t, conn, dec, testKey)
	if start.Cmd != CmdSessKeyStart {
		t.Fatalf("expected SESS_KEY_START first, got %v", start.Cmd)
	}
	localNonce, err := OpenPayload(Version34, testKey, start.Cmd, start.Payload)
	if err != nil {
		t.Fatalf("open SESS_KEY_START: %v", err)
	}
	if len(localNonce) != 16 {
		t.Fatalf("local nonce length %d", len(localNonce))
	}

	// Step 2: respond with our nonce and the proof over theirs.
	remoteNonce := bytes.Repeat([]byte{0x24}, 16)
	resp := append(append([]byte{}, remoteNonce...), hmacSHA256(testKey, localNonce)...)
	sendFrame(t, conn, Version34, testKey, start.Seq, CmdSessKeyResp, resp)

	// Step 3: SESS_KEY_FINISH proves the client saw our nonce.
	finish := recvFrame(t, conn, dec, testKey)
	if finish.Cmd != CmdSessKeyFinish {
		t.Fatalf("expected SESS_KEY_FINISH, got %v", finish.Cmd)
	}
	finishBody, err := OpenPayload(Version34, testKey, finish.Cmd, finish.Payload)
	if err != nil {
		t.Fatalf("open SESS_KEY_FINISH: %v", err)
	}
	if !bytes.Equal(finishBody, hmacSHA256(testKey, remoteNonce)) {
		t.Fatal("SESS_KEY_FINISH body is not HMAC(localKey, remoteNonce)")
	}

	// All traffic from here runs under the derived session key.
	sessionKey, err := deriveSessionKey(testKey, localNonce, remoteNonce)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, err := dev.Query(ctx)
		done <- err
	}()

	q := recvFrame(t, conn, dec, sessionKey)
	if q.Cmd != CmdDPQueryNew {
		t.Fatalf("expected DP_QUERY_NEW, got %v", q.Cmd)
	}
	qBody, err := OpenPayload(Version34, sessionKey, q.Cmd, q.Payload)
	if err != nil {
		t.Fatalf("open DP_QUERY_NEW under session key: %v", err)
	}
	if len(qBody) != 0 {
		t.Errorf("DP_QUERY_NEW body should be empty, got %q", qBody)
	}
	sendFrame(t, conn, Version34, sessionKey, q.Seq, CmdDPQueryNew,
		[]byte(`{"dps":{"1":false}}`))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Query over session key: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Query did not return")
	}
}

func TestDevice_ActiveHeartbeat(t *testing.T) {
	ln := newTestListener(t)
	opts := testOptions(ln.Addr().String(), Version33)
	opts.UseHeartbeat = true
	opts.HeartbeatInterval = 50 * time.Millisecond
	dev, err := NewDevice(opts)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	conn := acceptConn(t, ln)
	dec := NewDecoder(Version33)

	f := recvFrame(t, conn, dec, testKey)
	if f.Cmd != CmdHeartBeat {
		t.Fatalf("expected HEART_BEAT, got %v", f.Cmd)
	}
	body := openBody(t, Version33, testKey, f)
	if body["gwId"] != "bf1234567890abcdef12" {
		t.Errorf("heartbeat body: %v", body)
	}
}

func TestDevice_IdleWatchdogDisconnects(t *testing.T) {
	ln := newTestListener(t)
	opts := testOptions(ln.Addr().String(), Version33)
	opts.IdleTimeout = 80 * time.Millisecond
	dev, err := NewDevice(opts)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	acceptConn(t, ln)

	waitFor := func(want bool, what string) {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if dev.Connected() == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %s", what)
	}
	waitFor(true, "session establishment")
	waitFor(false, "watchdog teardown")
}

func TestDevice_RejectsBadConfig(t *testing.T) {
	if _, err := NewDevice(Options{Address: "1.2.3.4", DeviceID: "x", LocalKey: []byte("short"), Version: Version33}); !errors.Is(err, ErrConfig) {
		t.Errorf("short key: expected ErrConfig, got %v", err)
	}
	if _, err := NewDevice(Options{Address: "1.2.3.4", DeviceID: "x", LocalKey: testKey, Version: "3.2"}); !errors.Is(err, ErrConfig) {
		t.Errorf("bad version: expected ErrConfig, got %v", err)
	}
}
