// Package bridge implements the coordinator that ties the TCP codec, the
// serial arbiter, the fallback cache, and the operation guard into the
// single-request-at-a-time pipeline described in §4.7.
package bridge

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/kestrelgrid/invbridge/internal/arbiter"
	"github.com/kestrelgrid/invbridge/internal/cache"
	"github.com/kestrelgrid/invbridge/internal/crcbyte"
	"github.com/kestrelgrid/invbridge/internal/guard"
	"github.com/kestrelgrid/invbridge/internal/metrics"
	"github.com/kestrelgrid/invbridge/internal/serialcodec"
	"github.com/kestrelgrid/invbridge/internal/tcpcodec"
)

// SerialArbiter is the subset of *arbiter.Arbiter the coordinator depends
// on, narrowed to an interface so tests can drive a fake arbiter directly.
type SerialArbiter interface {
	SendRead(function byte, start, count uint16) bool
	SendWrite(start uint16, values []uint16) bool
	IsBusy() bool
	LastResult() *arbiter.Result
}

// ClientSender delivers bytes to (or closes) the TCP client that
// originated the in-flight request. The TCP listener implements this.
type ClientSender interface {
	Send(clientHandle any, b []byte) error
	Close(clientHandle any) error
}

// activeRequest is the bridge's sole in-flight record (§3 "Active request
// record"): at most one exists at a time, enforced by checking c.active
// and the arbiter's busy state before creating a new one.
type activeRequest struct {
	clientHandle     any
	startedAt        time.Time
	expectedFunction byte
	expectedStart    uint16
	expectedCount    uint16
	isRead           bool
	inverterSerial   string // echoed inverter-serial field from the originating request
}

func (r *activeRequest) fingerprint() serialcodec.Fingerprint {
	return serialcodec.Fingerprint{Function: r.expectedFunction, StartRegister: r.expectedStart, RegisterCount: r.expectedCount}
}

// Config bundles coordinator tunables.
type Config struct {
	// DongleSerial is the bridge's own fixed 10-byte ASCII serial, echoed
	// in the outer header of every TCP response regardless of request
	// content (§6 "dongle_serial").
	DongleSerial   string
	RequestTimeout time.Duration
}

// Coordinator is the bridge described in §4.7. It holds non-owning handles
// to the arbiter and the client sender, and exclusively owns the active
// request record and the fallback cache, per §9's ownership discipline.
type Coordinator struct {
	arbiter SerialArbiter
	cache   *cache.Cache
	guard   *guard.OperationGuard
	sender  ClientSender
	clock   clock.Clock
	log     *logrus.Logger
	metrics *metrics.Metrics
	cfg     Config

	active *activeRequest
}

// New constructs a Coordinator. arb, g, and sender are non-owning
// references shared with the rest of the composition root; c is the
// fallback cache, which the coordinator owns.
func New(arb SerialArbiter, c *cache.Cache, g *guard.OperationGuard, sender ClientSender, clk clock.Clock, log *logrus.Logger, met *metrics.Metrics, cfg Config) *Coordinator {
	return &Coordinator{arbiter: arb, cache: c, guard: g, sender: sender, clock: clk, log: log, metrics: met, cfg: cfg}
}

// Exception codes used for bridge-synthesized errors, distinguished from
// genuine inverter exception codes for diagnostic legibility on the
// client side.
const (
	excCodeBridgeBusy       = 0xE0
	excCodeSerialSendFailed = 0xE1
	excCodeMismatch         = 0xE2
)

// encodeError builds a synthesized error response: an exception-shaped
// inverter frame wrapped in a TCP envelope. Used when no request got far
// enough to talk to the bus at all, or the bus outcome cannot be
// reconciled with what the client asked for. inverterSerial is echoed
// inside the embedded data frame; dongleSerial is the bridge's own fixed
// serial, echoed in the outer TCP header.
func encodeError(function byte, inverterSerial, dongleSerial string, code byte) []byte {
	raw := make([]byte, 13, 15)
	raw[0] = serialcodec.AddrResponse
	raw[1] = function | 0x80
	copy(raw[2:12], inverterSerial)
	raw[12] = code
	raw = crcbyte.AppendCRC(raw)

	resp, err := tcpcodec.EncodeResponse(raw, dongleSerial)
	if err != nil {
		return nil
	}
	return resp
}

// ProcessClientBytes decodes one accumulated client request and dispatches
// it, per §4.7 steps 1-7. Completion is driven later by Tick.
func (c *Coordinator) ProcessClientBytes(b []byte, clientHandle any) {
	req, err := tcpcodec.DecodeRequest(b)
	if err != nil {
		c.log.WithError(err).Warn("bridge: dropping undecodable client request")
		return
	}

	if !c.guard.RequestHandlingAllowed() {
		c.log.Warn("bridge: rejecting request, guard held by an incompatible activity")
		c.rejectBusy(req, clientHandle)
		return
	}

	token, ok := c.guard.TryAcquire(guard.TCPRequestHandling, "client request")
	if !ok {
		c.rejectBusy(req, clientHandle)
		return
	}
	defer token.Release()

	if c.active != nil || c.arbiter.IsBusy() {
		c.rejectBusy(req, clientHandle)
		return
	}

	isRead := req.InverterFunction == serialcodec.FuncReadHolding || req.InverterFunction == serialcodec.FuncReadInput
	expectedCount := req.RegisterCount
	var dispatched bool

	switch req.InverterFunction {
	case serialcodec.FuncReadHolding, serialcodec.FuncReadInput:
		dispatched = c.arbiter.SendRead(req.InverterFunction, req.StartRegister, req.RegisterCount)
	case serialcodec.FuncWriteSingle:
		expectedCount = 1
		dispatched = c.arbiter.SendWrite(req.StartRegister, []uint16{req.Value})
	default: // FuncWriteMultiple
		dispatched = c.arbiter.SendWrite(req.StartRegister, req.Values)
	}

	if !dispatched {
		if isRead && c.tryCacheFallback(req.InverterFunction, req.StartRegister, req.RegisterCount, clientHandle) {
			return
		}
		c.sendOrDrop(clientHandle, encodeError(req.InverterFunction, req.InverterSerial, c.cfg.DongleSerial, excCodeSerialSendFailed))
		return
	}

	c.active = &activeRequest{
		clientHandle:     clientHandle,
		startedAt:        c.clock.Now(),
		expectedFunction: req.InverterFunction,
		expectedStart:    req.StartRegister,
		expectedCount:    expectedCount,
		isRead:           isRead,
		inverterSerial:   req.InverterSerial,
	}
}

// Tick drives completion of the active request, per §4.7's tick contract.
func (c *Coordinator) Tick() {
	if c.active == nil {
		return
	}
	active := c.active

	if c.clock.Now().Sub(active.startedAt) >= c.cfg.RequestTimeout {
		c.observeOutcome(active, "timeout")
		c.finishWithFallbackOrError(active, excCodeSerialSendFailed)
		c.active = nil
		return
	}

	if c.arbiter.IsBusy() {
		return
	}

	result := c.arbiter.LastResult()
	if result == nil {
		// The arbiter has gone idle without ever recording a result for
		// this active request (should not happen in practice); treat it
		// the same as a failure so the client is not left hanging.
		c.observeOutcome(active, "error")
		c.finishWithFallbackOrError(active, excCodeSerialSendFailed)
		c.active = nil
		return
	}

	c.active = nil

	if result.Err != nil {
		c.observeOutcome(active, "error")
		c.finishWithFallbackOrError(active, excCodeSerialSendFailed)
		return
	}

	if !c.responseMatches(active, result.Response) {
		c.observeOutcome(active, "mismatch")
		c.finishWithFallbackOrError(active, excCodeMismatch)
		return
	}

	resp, err := tcpcodec.EncodeResponse(result.RawBytes, c.cfg.DongleSerial)
	if err != nil {
		c.log.WithError(err).Error("bridge: failed to encode successful response")
		c.sendOrDrop(active.clientHandle, nil)
		return
	}

	c.observeOutcome(active, "success")
	c.sendOrDrop(active.clientHandle, resp)

	if active.isRead && !result.Response.Exception {
		c.cache.Put(active.fingerprint(), resp)
	}
}

// observeOutcome records a completed request's result and end-to-end
// latency, per §4.12's requests_total{function,outcome} and
// request_duration_seconds.
func (c *Coordinator) observeOutcome(active *activeRequest, outcome string) {
	c.metrics.RequestsTotal.WithLabelValues(fmt.Sprintf("0x%02X", active.expectedFunction), outcome).Inc()
	c.metrics.RequestDuration.Observe(c.clock.Now().Sub(active.startedAt).Seconds())
}

// responseMatches implements the validation policy repeated in §4.7: the
// response's function (modulo the exception bit) must match the originating
// request, and — for non-exception responses — the start register and the
// register count must match too. Exception frames carry no start register,
// so they match on function alone.
func (c *Coordinator) responseMatches(active *activeRequest, resp *serialcodec.Response) bool {
	if resp.Function != active.expectedFunction {
		return false
	}
	if resp.Exception {
		return true
	}
	if resp.StartRegister != active.expectedStart {
		return false
	}
	return resp.RegisterCount == active.expectedCount
}

// finishWithFallbackOrError tries the fallback cache for reads on any bus
// failure or mismatch; writes fail honestly, per §4.6 and §7.
func (c *Coordinator) finishWithFallbackOrError(active *activeRequest, code byte) {
	if active.isRead && c.tryCacheFallback(active.expectedFunction, active.expectedStart, active.expectedCount, active.clientHandle) {
		return
	}
	c.sendOrDrop(active.clientHandle, encodeError(active.expectedFunction, active.inverterSerial, c.cfg.DongleSerial, code))
}

func (c *Coordinator) tryCacheFallback(function byte, start, count uint16, clientHandle any) bool {
	fp := serialcodec.Fingerprint{Function: function, StartRegister: start, RegisterCount: count}
	entry, ok := c.cache.Get(fp)
	if !ok {
		c.metrics.CacheMissesTotal.Inc()
		return false
	}
	c.metrics.CacheHitsTotal.Inc()
	c.sendOrDrop(clientHandle, entry.EncodedResponse)
	return true
}

// rejectBusy sends a busy-exception response for req and records the
// rejection, whatever already held the guard or the arbiter at the time.
func (c *Coordinator) rejectBusy(req *tcpcodec.Request, clientHandle any) {
	c.metrics.BusyRejectionsTotal.Inc()
	c.sendOrDrop(clientHandle, encodeError(req.InverterFunction, req.InverterSerial, c.cfg.DongleSerial, excCodeBridgeBusy))
}

func (c *Coordinator) sendOrDrop(clientHandle any, b []byte) {
	if b == nil {
		_ = c.sender.Close(clientHandle)
		return
	}
	if err := c.sender.Send(clientHandle, b); err != nil {
		c.log.WithError(err).Warn("bridge: failed to deliver response, closing session")
		_ = c.sender.Close(clientHandle)
	}
}
