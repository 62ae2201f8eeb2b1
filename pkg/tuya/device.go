package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPort is the Tuya local-control TCP port.
const DefaultPort = 6668

// Options configures a device binding. Address, DeviceID, LocalKey and
// Version are required; the timing fields default to the protocol values
// and exist so tests can shrink them.
type Options struct {
	Address  string
	DeviceID string
	LocalKey []byte
	Version  Version

	AutoReconnect bool
	UseHeartbeat  bool // active HEART_BEAT schedule instead of passive watchdog

	DialTimeout       time.Duration
	ResponseTimeout   time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	HandshakeTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ResponseTimeout == 0 {
		o.ResponseTimeout = time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 20 * time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.ReconnectMin == 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = handshakeTimeout
	}
}

// EventType classifies engine events.
type EventType int

const (
	// EventDPS carries a DP snapshot or delta from a STATUS frame.
	EventDPS EventType = iota
	// EventOnline and EventOffline report connection presence.
	EventOnline
	EventOffline
)

// Event is delivered to subscribers in frame order, before the response of
// any later request is completed.
type Event struct {
	Type EventType
	DPS  map[string]any
}

type requestKind int

const (
	reqQuery requestKind = iota
	reqSet
	reqHeartbeat
)

type result struct {
	dps map[string]any
	err error
}

type request struct {
	kind  requestKind
	dps   map[string]any
	reply chan result
}

func (r *request) complete(dps map[string]any, err error) {
	r.reply <- result{dps: dps, err: err}
}

// pendingReq is the single in-flight request. A new submission supersedes
// it; retry resends the same body under a fresh sequence number.
type pendingReq struct {
	req     *request
	cmd     Command
	body    []byte
	seq     uint32
	retries int
}

// Device is a local client for one Tuya device. All socket and session
// state is owned by a single event-loop goroutine; the exported methods
// communicate with it over channels.
type Device struct {
	opts Options
	log  zerolog.Logger

	requests chan *request
	closed   chan struct{}
	once     sync.Once
	online   atomic.Bool

	subMu sync.Mutex
	subs  []func(Event)
}

// NewDevice validates the binding and starts the connection loop.
func NewDevice(opts Options) (*Device, error) {
	if len(opts.LocalKey) != KeySize {
		return nil, fmt.Errorf("%w: local key must be %d bytes, got %d", ErrConfig, KeySize, len(opts.LocalKey))
	}
	switch opts.Version {
	case Version31, Version33, Version34:
	default:
		return nil, fmt.Errorf("%w: unsupported protocol version %q", ErrConfig, opts.Version)
	}
	if opts.Address == "" || opts.DeviceID == "" {
		return nil, fmt.Errorf("%w: address and device id are required", ErrConfig)
	}
	if !strings.Contains(opts.Address, ":") {
		opts.Address = fmt.Sprintf("%s:%d", opts.Address, DefaultPort)
	}
	opts.setDefaults()

	d := &Device{
		opts:     opts,
		log:      log.With().Str("device_id", opts.DeviceID).Str("addr", opts.Address).Logger(),
		requests: make(chan *request, 4),
		closed:   make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// Connected reports whether a session is currently established.
func (d *Device) Connected() bool { return d.online.Load() }

// Subscribe registers a callback for DP and presence events. Callbacks run
// on the event loop and must not block.
func (d *Device) Subscribe(fn func(Event)) {
	d.subMu.Lock()
	d.subs = append(d.subs, fn)
	d.subMu.Unlock()
}

func (d *Device) publish(ev Event) {
	d.subMu.Lock()
	subs := d.subs
	d.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Query requests a full DP snapshot.
func (d *Device) Query(ctx context.Context) (map[string]any, error) {
	return d.submit(ctx, &request{kind: reqQuery, reply: make(chan result, 1)})
}

// Set writes one or more DPs and returns the device's acknowledgement.
func (d *Device) Set(ctx context.Context, dps map[string]any) (map[string]any, error) {
	if len(dps) == 0 {
		return nil, fmt.Errorf("%w: empty dps", ErrBadValue)
	}
	return d.submit(ctx, &request{kind: reqSet, dps: dps, reply: make(chan result, 1)})
}

// Heartbeat sends an explicit HEART_BEAT and waits for the reply.
func (d *Device) Heartbeat(ctx context.Context) error {
	_, err := d.submit(ctx, &request{kind: reqHeartbeat, reply: make(chan result, 1)})
	return err
}

func (d *Device) submit(ctx context.Context, req *request) (map[string]any, error) {
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, ErrClosed
	}
	select {
	case res := <-req.reply:
		return res.dps, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, ErrClosed
	}
}

// Close tears down the connection and stops the loop. Safe to call twice.
func (d *Device) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// run owns the reconnect policy: bounded exponential backoff with jitter,
// reset after any established session.
func (d *Device) run() {
	backoff := d.opts.ReconnectMin
	for {
		select {
		case <-d.closed:
			return
		default:
		}

		established, err := d.runConnection()
		if errors.Is(err, ErrClosed) {
			return
		}
		if established {
			backoff = d.opts.ReconnectMin
		}
		if err != nil {
			d.log.Warn().Err(err).Msg("connection lost")
		}
		if !d.opts.AutoReconnect {
			d.drainForever()
			return
		}

		sleep := backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
		d.log.Debug().Dur("backoff", sleep).Msg("reconnecting")
		timer := time.NewTimer(sleep)
		if !d.sleepDraining(timer) {
			timer.Stop()
			return
		}
		if backoff *= 2; backoff > d.opts.ReconnectMax {
			backoff = d.opts.ReconnectMax
		}
	}
}

// sleepDraining waits out a backoff period while failing incoming requests.
func (d *Device) sleepDraining(timer *time.Timer) bool {
	for {
		select {
		case <-d.closed:
			return false
		case req := <-d.requests:
			req.complete(nil, ErrNotConnected)
		case <-timer.C:
			return true
		}
	}
}

// drainForever rejects requests after a terminal disconnect.
func (d *Device) drainForever() {
	for {
		select {
		case <-d.closed:
			return
		case req := <-d.requests:
			req.complete(nil, ErrNotConnected)
		}
	}
}

// reader moves socket bytes onto a channel so the loop can select on them.
func reader(conn net.Conn, raw chan<- []byte, readErr chan<- error, closed <-chan struct{}) {
	for {
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case raw <- buf[:n]:
			case <-closed:
				return
			}
		}
		if err != nil {
			select {
			case readErr <- err:
			case <-closed:
			}
			return
		}
	}
}

// connState wraps per-connection dispatcher state.
type connState struct {
	d       *Device
	conn    net.Conn
	sess    *session
	dec     *Decoder
	seq     uint32
	pending *pendingReq
	retry   *time.Timer
}

// nextSeq yields 1, 2, ... wrapping at 16 bits.
func (c *connState) nextSeq() uint32 {
	c.seq++
	if c.seq > 0xffff {
		c.seq = 1
	}
	return c.seq
}

func (c *connState) send(cmd Command, body []byte) (uint32, error) {
	seq := c.nextSeq()
	frame, err := EncodeFrame(c.d.opts.Version, c.sess.key(), seq, cmd, body)
	if err != nil {
		return 0, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return 0, fmt.Errorf("write %s: %w", cmd, err)
	}
	c.d.log.Debug().Uint32("seq", seq).Stringer("cmd", cmd).Int("len", len(frame)).Msg("frame sent")
	return seq, nil
}

// runConnection drives one TCP connection from dial to teardown. It
// returns whether a session was established, plus the terminating error.
func (d *Device) runConnection() (bool, error) {
	nc, err := net.DialTimeout("tcp", d.opts.Address, d.opts.DialTimeout)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer nc.Close()

	c := &connState{
		d:    d,
		conn: nc,
		sess: newSession(d.opts.Version, d.opts.LocalKey),
		dec:  NewDecoder(d.opts.Version),
	}

	raw := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go reader(nc, raw, readErr, d.closed)

	if err := c.handshake(raw, readErr); err != nil {
		return false, err
	}
	d.log.Info().Str("version", string(d.opts.Version)).Msg("session established")
	d.online.Store(true)
	d.publish(Event{Type: EventOnline})
	defer func() {
		d.online.Store(false)
		d.publish(Event{Type: EventOffline})
	}()

	err = c.loop(raw, readErr)
	if c.pending != nil {
		c.pending.req.complete(nil, ErrNotConnected)
		c.pending = nil
	}
	return true, err
}

// handshake performs 3.4 key negotiation; a no-op for 3.1/3.3.
func (c *connState) handshake(raw <-chan []byte, readErr <-chan error) error {
	cmd, body, need := c.sess.begin()
	if !need {
		return nil
	}
	if _, err := c.send(cmd, body); err != nil {
		return err
	}

	deadline := time.NewTimer(c.d.opts.HandshakeTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-c.d.closed:
			return ErrClosed
		case <-deadline.C:
			c.sess.reset()
			return fmt.Errorf("%w: timed out waiting for SESS_KEY_RESP", ErrHandshake)
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case b := <-raw:
			c.dec.Feed(b)
			for {
				f, err := c.dec.Next(c.sess.key())
				if err != nil {
					c.d.log.Warn().Err(err).Msg("dropping bad frame during handshake")
					continue
				}
				if f == nil {
					break
				}
				if f.Cmd != CmdSessKeyResp {
					c.d.log.Debug().Stringer("cmd", f.Cmd).Msg("ignoring frame during handshake")
					continue
				}
				plain, err := OpenPayload(c.d.opts.Version, c.sess.key(), f.Cmd, f.Payload)
				if err != nil {
					c.sess.reset()
					return fmt.Errorf("open SESS_KEY_RESP: %w", err)
				}
				finish, err := c.sess.handleKeyResp(plain)
				if err != nil {
					c.sess.reset()
					return err
				}
				// SESS_KEY_FINISH still goes out under the local key.
				if _, err := c.send(CmdSessKeyFinish, finish); err != nil {
					c.sess.reset()
					return err
				}
				if err := c.sess.finish(); err != nil {
					return err
				}
				c.d.log.Debug().Str("session_key", KeyFingerprint(c.sess.key())).Msg("session key derived")
				return nil
			}
		}
	}
}

// loop is the established-session dispatcher: one in-flight request,
// retry timer, heartbeat schedule, idle watchdog.
func (c *connState) loop(raw <-chan []byte, readErr <-chan error) error {
	c.retry = time.NewTimer(time.Hour)
	c.retry.Stop()
	defer c.retry.Stop()

	watchdog := time.NewTimer(c.d.opts.IdleTimeout)
	defer watchdog.Stop()

	var hb <-chan time.Time
	if c.d.opts.UseHeartbeat {
		ticker := time.NewTicker(c.d.opts.HeartbeatInterval)
		defer ticker.Stop()
		hb = ticker.C
	}

	for {
		select {
		case <-c.d.closed:
			return ErrClosed

		case err := <-readErr:
			return fmt.Errorf("read: %w", err)

		case req := <-c.d.requests:
			if err := c.dispatch(req); err != nil {
				return err
			}

		case b := <-raw:
			c.dec.Feed(b)
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(c.d.opts.IdleTimeout)
			for {
				f, err := c.dec.Next(c.sess.key())
				if err != nil {
					c.d.log.Warn().Err(err).Msg("dropping bad frame")
					continue
				}
				if f == nil {
					break
				}
				c.handleFrame(f)
			}

		case <-c.retry.C:
			done, err := c.retryPending()
			if err != nil {
				return err
			}
			if done {
				return fmt.Errorf("%w: retries exhausted", ErrTimeout)
			}

		case <-hb:
			// Skip while a request is in flight; replies to it feed the
			// watchdog just as well.
			if c.pending == nil {
				cmd, body := BuildHeartbeat(c.d.opts.DeviceID)
				if _, err := c.send(cmd, body); err != nil {
					return err
				}
			}

		case <-watchdog.C:
			return fmt.Errorf("%w: no frames within %s", ErrTimeout, c.d.opts.IdleTimeout)
		}
	}
}

// dispatch sends a request, superseding any in-flight one. The superseded
// request is abandoned without an error surfaced to its issuer's domain
// state; its waiter unblocks with ErrSuperseded.
func (c *connState) dispatch(req *request) error {
	if c.pending != nil {
		c.retry.Stop()
		c.pending.req.complete(nil, ErrSuperseded)
		c.pending = nil
	}

	var cmd Command
	var body []byte
	switch req.kind {
	case reqQuery:
		cmd, body = BuildQuery(c.d.opts.Version, c.d.opts.DeviceID)
	case reqSet:
		cmd, body = BuildSet(c.d.opts.Version, c.d.opts.DeviceID, req.dps)
	case reqHeartbeat:
		cmd, body = BuildHeartbeat(c.d.opts.DeviceID)
	}

	seq, err := c.send(cmd, body)
	if err != nil {
		req.complete(nil, ErrNotConnected)
		return err
	}
	c.pending = &pendingReq{req: req, cmd: cmd, body: body, seq: seq, retries: c.d.opts.MaxRetries}
	c.retry.Reset(c.d.opts.ResponseTimeout)
	return nil
}

// retryPending resends the in-flight body under a fresh sequence number.
// done is true when the retries are exhausted.
func (c *connState) retryPending() (done bool, err error) {
	if c.pending == nil {
		return false, nil
	}
	c.pending.retries--
	if c.pending.retries <= 0 {
		c.pending.req.complete(nil, ErrTimeout)
		c.pending = nil
		return true, nil
	}
	seq, err := c.send(c.pending.cmd, c.pending.body)
	if err != nil {
		c.pending.req.complete(nil, ErrNotConnected)
		c.pending = nil
		return false, err
	}
	c.d.log.Debug().Uint32("seq", seq).Int("retries_left", c.pending.retries).Msg("resending request")
	c.pending.seq = seq
	c.retry.Reset(c.d.opts.ResponseTimeout)
	return false, nil
}

func (c *connState) handleFrame(f *Frame) {
	matched := c.pending != nil &&
		(f.Seq == c.pending.seq || (f.Cmd == CmdHeartBeat && c.pending.cmd == CmdHeartBeat))

	switch {
	case matched:
		c.retry.Stop()
		pending := c.pending
		c.pending = nil
		plain, err := OpenPayload(c.d.opts.Version, c.sess.key(), f.Cmd, f.Payload)
		if err != nil {
			c.d.log.Warn().Err(err).Uint32("seq", f.Seq).Msg("bad response payload")
			pending.req.complete(nil, fmt.Errorf("open response: %w", err))
			return
		}
		dps := parseDPS(plain)
		if dps != nil {
			// DP state flows to subscribers before the response completes.
			c.d.publish(Event{Type: EventDPS, DPS: dps})
		}
		pending.req.complete(dps, nil)

	case f.Cmd == CmdStatus:
		// Spontaneous status push; any sequence number is accepted.
		plain, err := OpenPayload(c.d.opts.Version, c.sess.key(), f.Cmd, f.Payload)
		if err != nil {
			c.d.log.Warn().Err(err).Msg("bad status push payload")
			return
		}
		if dps := parseDPS(plain); dps != nil {
			c.d.publish(Event{Type: EventDPS, DPS: dps})
		}

	case f.Cmd == CmdHeartBeat:
		c.d.log.Debug().Uint32("seq", f.Seq).Msg("heartbeat reply")

	default:
		c.d.log.Debug().Stringer("cmd", f.Cmd).Uint32("seq", f.Seq).Msg("unmatched frame dropped")
	}
}

// parseDPS digs the dps object out of the response shapes the dialects
// produce: {"dps":{...}}, {"devId":...,"dps":{...}} and the 3.4
// {"protocol":N,"data":{"dps":{...}}} wrapper.
func parseDPS(plain []byte) map[string]any {
	if len(plain) == 0 {
		return nil
	}
	var outer struct {
		DPS  map[string]any `json:"dps"`
		Data struct {
			DPS map[string]any `json:"dps"`
		} `json:"data"`
	}
	if err := json.Unmarshal(plain, &outer); err != nil {
		return nil
	}
	if outer.DPS != nil {
		return outer.DPS
	}
	if outer.Data.DPS != nil {
		return outer.Data.DPS
	}
	return nil
}
