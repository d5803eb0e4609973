package arbiter

import (
	"strings"
	"time"

	"github.com/kestrelgrid/invbridge/internal/guard"
	"github.com/kestrelgrid/invbridge/internal/serialcodec"
)

// maybeStartProbe dispatches an inverter-identity read if the link is down,
// the arbiter is idle, and the backoff-governed probe cadence has elapsed.
func (a *Arbiter) maybeStartProbe(now time.Time) {
	a.mu.Lock()
	linkUp := a.linkUp
	due := !now.Before(a.nextProbeAt)
	a.mu.Unlock()

	if linkUp || !due {
		return
	}

	frame, err := serialcodec.EncodeRead(serialcodec.FuncReadHolding, a.probeStartRegister, identityProbeRegisterCount, "")
	if err != nil {
		a.log.WithError(err).Error("arbiter: failed to build identity probe frame")
		return
	}
	a.dispatch(guard.LinkProbe, "identity probe", serialcodec.FuncReadHolding, a.probeStartRegister, identityProbeRegisterCount, frame)
}

// decodeIdentitySerial extracts the ASCII inverter serial from the register
// payload of a successful identity probe response, trimming trailing NUL
// padding some inverters emit for unused serial-number characters.
func decodeIdentitySerial(values []byte) string {
	return strings.TrimRight(string(values), "\x00")
}
