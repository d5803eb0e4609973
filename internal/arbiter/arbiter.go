// Package arbiter owns the half-duplex RS-485 bus: it serializes requests
// onto the UART, frames and disambiguates inverter responses from a
// possible second bus master, and drives the inverter-identity probe.
package arbiter

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/kestrelgrid/invbridge/internal/guard"
	"github.com/kestrelgrid/invbridge/internal/metrics"
	"github.com/kestrelgrid/invbridge/internal/serialcodec"
)

// SerialPort is the subset of github.com/tarm/serial's *Port used here,
// narrowed to an interface so tests can substitute a fake bus.
type SerialPort interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// State is the arbiter's half-duplex state.
type State int

const (
	Idle State = iota
	AwaitingResponse
)

// maxReceiveBufferBytes is the desync threshold (§4.5): once the
// in-flight receive buffer grows past this without resolving into a
// frame, the transaction is abandoned as lost on a noisy bus.
const maxReceiveBufferBytes = 1024

// identityProbeRegisterCount is the width, in registers, of the inverter's
// own serial-number block read by the identity probe.
const identityProbeRegisterCount = 5

var (
	ErrResponseTimeout = errors.New("arbiter: response timeout")
	ErrDesync          = errors.New("arbiter: receive buffer exceeded desync threshold")
	ErrFrameMismatch   = errors.New("arbiter: no frame matched the expected function/start")
)

// Result is the outcome of one completed bus transaction.
type Result struct {
	Response *serialcodec.Response
	RawBytes []byte
	Err      error
	At       time.Time
}

type pendingRequest struct {
	kind             guard.ActivityKind
	expectedFunction byte
	expectedStart    uint16
	expectedCount    uint16
	txTime           time.Time
	token            *guard.Guard
}

// Arbiter is the half-duplex bus state machine described in §4.5.
type Arbiter struct {
	port    SerialPort
	clock   clock.Clock
	guard   *guard.OperationGuard
	log     *logrus.Logger
	metrics *metrics.Metrics

	responseTimeout      time.Duration
	interFrameGap        time.Duration
	probeStartRegister   uint16

	mu             sync.Mutex
	state          State
	pending        *pendingRequest
	recvBuf        []byte
	lastByteAt     time.Time
	ignoredPackets int

	detectedSerial string
	linkUp         bool
	nextProbeAt    time.Time
	backoffState   *backoff.ExponentialBackOff

	lastResult *Result
}

// Config bundles the tunables §6 exposes for the arbiter.
type Config struct {
	ResponseTimeout    time.Duration
	InterFrameGap      time.Duration
	ProbeBackoffBase   time.Duration
	ProbeBackoffMax    time.Duration
	ProbeStartRegister uint16
}

type backoffClock struct{ clk clock.Clock }

func (c backoffClock) Now() time.Time { return c.clk.Now() }

// New constructs an Arbiter bound to port, using clk for all timing so
// tests can control elapsed time deterministically. met records probe
// failures as they occur.
func New(port SerialPort, clk clock.Clock, g *guard.OperationGuard, log *logrus.Logger, met *metrics.Metrics, cfg Config) *Arbiter {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.ProbeBackoffBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         cfg.ProbeBackoffMax,
		MaxElapsedTime:      0,
		Clock:               backoffClock{clk},
	}
	bo.Reset()

	return &Arbiter{
		port:               port,
		clock:              clk,
		guard:              g,
		log:                log,
		metrics:            met,
		responseTimeout:    cfg.ResponseTimeout,
		interFrameGap:      cfg.InterFrameGap,
		probeStartRegister: cfg.ProbeStartRegister,
		state:              Idle,
		backoffState:       bo,
		lastByteAt:         clk.Now(),
	}
}

// IsBusy reports whether a bus transaction is in flight.
func (a *Arbiter) IsBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == AwaitingResponse
}

// LastResult returns the most recently completed transaction's result, or
// nil if none has completed yet.
func (a *Arbiter) LastResult() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResult
}

// LastRawBytes returns the raw bytes of the most recently completed
// transaction, regardless of whether it succeeded.
func (a *Arbiter) LastRawBytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastResult == nil {
		return nil
	}
	return a.lastResult.RawBytes
}

// IgnoredPackets reports how many foreign-master request packets have been
// observed and discarded while awaiting a response.
func (a *Arbiter) IgnoredPackets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ignoredPackets
}

// LinkUp reports whether the inverter's identity has been detected.
func (a *Arbiter) LinkUp() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.linkUp
}

// DetectedSerial returns the inverter serial learned by the identity
// probe, or "" if the link is not yet up.
func (a *Arbiter) DetectedSerial() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detectedSerial
}

// SendRead dispatches a read request. It returns false immediately if the
// arbiter is already mid-transaction, the guard is held by an incompatible
// activity, or the write itself fails; the caller (bridge coordinator)
// falls back to cache on a false return, per §4.7.
func (a *Arbiter) SendRead(function byte, start, count uint16) bool {
	frame, err := serialcodec.EncodeRead(function, start, count, a.serialField())
	if err != nil {
		a.log.WithError(err).Warn("arbiter: encode_read rejected request")
		return false
	}
	return a.dispatch(guard.SerialIO, "read", function, start, count, frame)
}

// SendWrite dispatches a write request (single or multiple register).
func (a *Arbiter) SendWrite(start uint16, values []uint16) bool {
	frame, err := serialcodec.EncodeWrite(start, values, a.serialField())
	if err != nil {
		a.log.WithError(err).Warn("arbiter: encode_write rejected request")
		return false
	}
	fn := byte(serialcodec.FuncWriteSingle)
	if len(values) > 1 {
		fn = serialcodec.FuncWriteMultiple
	}
	return a.dispatch(guard.SerialIO, "write", fn, start, uint16(len(values)), frame)
}

func (a *Arbiter) serialField() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detectedSerial
}

func (a *Arbiter) dispatch(kind guard.ActivityKind, reason string, expectedFunction byte, expectedStart, expectedCount uint16, frame []byte) bool {
	a.mu.Lock()
	if a.state != Idle {
		a.mu.Unlock()
		return false
	}
	a.mu.Unlock()

	token, ok := a.guard.TryAcquire(kind, reason)
	if !ok {
		return false
	}

	if _, err := a.port.Write(frame); err != nil {
		token.Release()
		a.log.WithError(err).Warn("arbiter: serial write failed")
		return false
	}

	now := a.clock.Now()
	a.mu.Lock()
	a.state = AwaitingResponse
	a.pending = &pendingRequest{
		kind:             kind,
		expectedFunction: expectedFunction,
		expectedStart:    expectedStart,
		expectedCount:    expectedCount,
		txTime:           now,
		token:            token,
	}
	a.recvBuf = a.recvBuf[:0]
	a.lastByteAt = now
	a.mu.Unlock()
	return true
}

// Tick advances the arbiter by one non-blocking poll: it drains any
// available bytes, attempts framing once the inter-frame gap has elapsed,
// enforces the response timeout and desync threshold, and — when idle —
// considers starting an identity probe.
func (a *Arbiter) Tick() {
	now := a.clock.Now()

	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	if state == Idle {
		a.maybeStartProbe(now)
		return
	}

	buf := make([]byte, 256)
	n, _ := a.port.Read(buf)

	a.mu.Lock()
	if n > 0 {
		a.recvBuf = append(a.recvBuf, buf[:n]...)
		a.lastByteAt = now
	}
	pending := a.pending
	recvLen := len(a.recvBuf)
	gapElapsed := recvLen > 0 && now.Sub(a.lastByteAt) >= a.interFrameGap
	timedOut := now.Sub(pending.txTime) >= a.responseTimeout
	desynced := recvLen > maxReceiveBufferBytes
	a.mu.Unlock()

	switch {
	case desynced:
		a.completeFailure(pending, ErrDesync)
	case gapElapsed:
		a.handleFramedBuffer(pending)
	case timedOut:
		a.completeFailure(pending, ErrResponseTimeout)
	}
}

func (a *Arbiter) handleFramedBuffer(pending *pendingRequest) {
	a.mu.Lock()
	buf := append([]byte{}, a.recvBuf...)
	a.mu.Unlock()

	if len(buf) == 0 {
		return
	}

	if resp, err := serialcodec.DecodeResponse(buf); err == nil {
		a.completeSuccess(pending, resp, buf)
		return
	}

	frames := serialcodec.SplitFrames(buf)
	if idx := serialcodec.FindMatchingResponse(frames, pending.expectedFunction, pending.expectedStart); idx >= 0 {
		fd := frames[idx]
		a.completeSuccess(pending, fd.Response, fd.Raw)
		return
	}

	if buf[0] == serialcodec.AddrRequest {
		// A foreign master's request with no reply of ours present yet.
		// Discard it and keep waiting within the same transaction.
		a.mu.Lock()
		a.ignoredPackets++
		a.recvBuf = a.recvBuf[:0]
		a.mu.Unlock()
		return
	}

	a.completeFailure(pending, ErrFrameMismatch)
}

func (a *Arbiter) completeSuccess(pending *pendingRequest, resp *serialcodec.Response, raw []byte) {
	now := a.clock.Now()

	if !resp.CRCValid {
		a.log.WithField("function", resp.Function).Info("arbiter: response CRC mismatch, proceeding with parsed frame")
	}

	if pending.kind == guard.LinkProbe && !resp.Exception {
		serial := decodeIdentitySerial(resp.Values)
		a.mu.Lock()
		a.detectedSerial = serial
		a.linkUp = true
		a.mu.Unlock()
		a.backoffState.Reset()
	}

	a.mu.Lock()
	a.state = Idle
	a.pending = nil
	a.recvBuf = a.recvBuf[:0]
	a.lastResult = &Result{Response: resp, RawBytes: raw, At: now}
	a.mu.Unlock()

	pending.token.Release()
}

func (a *Arbiter) completeFailure(pending *pendingRequest, err error) {
	now := a.clock.Now()

	if pending.kind == guard.LinkProbe {
		next := a.backoffState.NextBackOff()
		a.mu.Lock()
		a.nextProbeAt = now.Add(next)
		a.mu.Unlock()
		a.metrics.ProbeFailuresTotal.Inc()
		a.log.WithError(err).Info("arbiter: identity probe failed")
	}

	a.mu.Lock()
	raw := append([]byte{}, a.recvBuf...)
	a.state = Idle
	a.pending = nil
	a.recvBuf = a.recvBuf[:0]
	a.lastResult = &Result{Err: err, RawBytes: raw, At: now}
	a.mu.Unlock()

	pending.token.Release()
}
