package serialcodec

import (
	"fmt"

	"github.com/kestrelgrid/invbridge/internal/crcbyte"
)

// EncodeRead builds an 18-byte read request (function 0x03 read holding or
// 0x04 read input) for count registers starting at start, addressed with
// the given inverter serial. count must be in [1, MaxRegisters].
func EncodeRead(function byte, start uint16, count uint16, serial string) ([]byte, error) {
	if function != FuncReadHolding && function != FuncReadInput {
		return nil, fmt.Errorf("serialcodec: encode_read: %w", ErrUnknownFunction)
	}
	if count < 1 || count > MaxRegisters {
		return nil, ErrInvalidRegisterCount
	}
	buf := make([]byte, 16, 18)
	buf[0] = AddrRequest
	buf[1] = function
	copy(buf[2:12], serialField(serial)[:])
	crcbyte.PutUint16LE(buf, 12, start)
	crcbyte.PutUint16LE(buf, 14, count)
	return crcbyte.AppendCRC(buf), nil
}

// EncodeWrite builds a write request. A single value produces an 18-byte
// function-0x06 frame; multiple values produce a function-0x10 frame of
// length 17+2*len(values)+2. len(values) must be in [1, MaxRegisters].
func EncodeWrite(start uint16, values []uint16, serial string) ([]byte, error) {
	n := len(values)
	if n < 1 || n > MaxRegisters {
		return nil, ErrInvalidRegisterCount
	}
	if n == 1 {
		buf := make([]byte, 16, 18)
		buf[0] = AddrRequest
		buf[1] = FuncWriteSingle
		copy(buf[2:12], serialField(serial)[:])
		crcbyte.PutUint16LE(buf, 12, start)
		crcbyte.PutUint16LE(buf, 14, values[0])
		return crcbyte.AppendCRC(buf), nil
	}

	byteCount := 2 * n
	buf := make([]byte, 17, 17+byteCount+2)
	buf[0] = AddrRequest
	buf[1] = FuncWriteMultiple
	copy(buf[2:12], serialField(serial)[:])
	crcbyte.PutUint16LE(buf, 12, start)
	crcbyte.PutUint16LE(buf, 14, uint16(n))
	buf[16] = byte(byteCount)
	for _, v := range values {
		buf = append(buf, 0, 0)
		crcbyte.PutUint16LE(buf, len(buf)-2, v)
	}
	return crcbyte.AppendCRC(buf), nil
}

// FrameLength returns the total length a frame beginning with buf is
// expected to have, or 0 if that cannot yet be decided from the bytes
// available. buf need not contain the whole frame.
func FrameLength(buf []byte) int {
	if len(buf) < 2 {
		return 0
	}
	addr, fc := buf[0], buf[1]
	switch addr {
	case AddrRequest:
		return RequestFrameLen
	case AddrResponse:
		if fc&0x80 != 0 {
			return ExceptionFrameLen
		}
		switch fc {
		case FuncReadHolding, FuncReadInput:
			if len(buf) < 15 {
				return 0
			}
			return 17 + int(buf[14])
		case FuncWriteSingle, FuncWriteMultiple:
			return WriteResponseLen
		}
	}
	return 0
}

// DecodeResponse parses an inverter response frame. It accepts both
// exception responses (exactly 15 bytes, high bit set on the function byte)
// and normal responses; b must hold exactly one frame. A CRC mismatch is not fatal: the parsed result is
// still returned, with CRCValid set to false, so the caller can log and let
// downstream validation be the correctness gate.
func DecodeResponse(b []byte) (*Response, error) {
	if len(b) < ExceptionFrameLen {
		return nil, ErrFrameTooShort
	}
	if b[0] != AddrResponse {
		return nil, ErrBadAddress
	}

	raw := append([]byte{}, b...)
	fc := b[1]
	resp := &Response{
		Raw:      raw,
		CRCValid: crcbyte.VerifyCRC(b),
	}

	if fc&0x80 != 0 {
		base := fc &^ 0x80
		if !isKnownFunction(base) {
			return nil, fmt.Errorf("serialcodec: %w: %#x", ErrUnknownFunction, base)
		}
		if len(b) != ExceptionFrameLen {
			return nil, ErrFrameTooShort
		}
		resp.Function = base
		resp.Exception = true
		resp.ExceptionCode = b[12]
		return resp, nil
	}

	if !isKnownFunction(fc) {
		return nil, fmt.Errorf("serialcodec: %w: %#x", ErrUnknownFunction, fc)
	}
	resp.Function = fc
	resp.Serial = string(b[2:12])
	resp.StartRegister = crcbyte.Uint16LE(b, 12)

	switch fc {
	case FuncReadHolding, FuncReadInput:
		if len(b) < 15 {
			return nil, ErrFrameTooShort
		}
		byteCount := int(b[14])
		want := 17 + byteCount
		if len(b) != want {
			return nil, ErrFrameTooShort
		}
		resp.RegisterCount = uint16(byteCount / 2)
		resp.Values = append([]byte{}, b[15:15+byteCount]...)
	case FuncWriteSingle:
		if len(b) != WriteResponseLen {
			return nil, ErrFrameTooShort
		}
		resp.RegisterCount = 1
		resp.Values = append([]byte{}, b[14:16]...)
	case FuncWriteMultiple:
		if len(b) != WriteResponseLen {
			return nil, ErrFrameTooShort
		}
		resp.RegisterCount = crcbyte.Uint16LE(b, 14)
	}

	return resp, nil
}

func isKnownFunction(fc byte) bool {
	switch fc {
	case FuncReadHolding, FuncReadInput, FuncWriteSingle, FuncWriteMultiple:
		return true
	}
	return false
}
