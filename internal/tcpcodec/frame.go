// Package tcpcodec implements the client-facing TCP wire format: the
// envelope a monitoring client speaks to the bridge, wrapping an embedded
// inverter-protocol data frame.
package tcpcodec

import (
	"fmt"

	"github.com/kestrelgrid/invbridge/internal/serialcodec"
)

const (
	magicByte0 = 0xA1
	magicByte1 = 0x1A

	versionRequest  = 2
	versionResponse = 5

	reservedByte  = 1
	functionByte  = 0xC2
	actionRequest = 0

	// HeaderLen is the number of bytes preceding the embedded data frame.
	HeaderLen = 20

	// DongleSerialLen is the fixed width of the ASCII dongle serial field.
	DongleSerialLen = 10

	// MinRequestLen is the shortest a valid request frame can be (the
	// fixed 16-byte data frame plus the 20-byte header and 2-byte CRC).
	MinRequestLen = 38
)

// Request is a decoded client request.
type Request struct {
	DongleSerial     string
	InverterFunction byte
	InverterSerial   string
	StartRegister    uint16
	RegisterCount    uint16   // valid for reads (0x03/0x04) and writes-multiple (0x10)
	Value            uint16   // valid for write-single (0x06)
	Values           []uint16 // valid for write-multiple (0x10)
	Raw              []byte

	// InverterEncoding is the equivalent inverter-protocol request frame,
	// pre-built so the arbiter can dispatch it directly.
	InverterEncoding []byte
}

var (
	ErrFrameTooShort        = fmt.Errorf("tcpcodec: frame too short")
	ErrBadMagic             = fmt.Errorf("tcpcodec: bad magic prefix")
	ErrBadVersion           = fmt.Errorf("tcpcodec: bad protocol version")
	ErrBadFunction          = fmt.Errorf("tcpcodec: bad function byte")
	ErrBadDataFrameLength   = fmt.Errorf("tcpcodec: data frame length does not match total length")
	ErrCRCMismatch          = fmt.Errorf("tcpcodec: CRC mismatch")
	ErrInvalidRegisterCount = fmt.Errorf("tcpcodec: register count out of range [1,%d]", serialcodec.MaxRegisters)
	ErrUnknownFunction      = fmt.Errorf("tcpcodec: unrecognized inverter function code")
	ErrEmbeddedFrameTooShort = fmt.Errorf("tcpcodec: embedded inverter frame too short to carry a CRC")
)

func asciiField(s string, n int) []byte {
	out := make([]byte, n)
	copy(out, s)
	return out
}
