package serialcodec

import (
	"bytes"
	"testing"

	"github.com/kestrelgrid/invbridge/internal/crcbyte"
)

func encodeReadResponse(t *testing.T, function byte, start uint16, values []byte, serial string) []byte {
	t.Helper()
	buf := make([]byte, 15, 15+len(values)+2)
	buf[0] = AddrResponse
	buf[1] = function
	copy(buf[2:12], serial)
	crcbyte.PutUint16LE(buf, 12, start)
	buf[14] = byte(len(values))
	buf = append(buf, values...)
	return crcbyte.AppendCRC(buf)
}

func TestEncodeDecodeReadDuality(t *testing.T) {
	values := []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x03}
	raw := encodeReadResponse(t, FuncReadInput, 40, values, "SN00000001")

	resp, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !resp.CRCValid {
		t.Error("expected CRC to validate")
	}
	if resp.Function != FuncReadInput {
		t.Errorf("function = %#x, want %#x", resp.Function, FuncReadInput)
	}
	if resp.StartRegister != 40 {
		t.Errorf("start = %d, want 40", resp.StartRegister)
	}
	if int(resp.RegisterCount) != len(values)/2 {
		t.Errorf("count = %d, want %d", resp.RegisterCount, len(values)/2)
	}
	if !bytes.Equal(resp.Values, values) {
		t.Errorf("values = % x, want % x", resp.Values, values)
	}
}

func TestEncodeReadRejectsOutOfRangeCount(t *testing.T) {
	if _, err := EncodeRead(FuncReadHolding, 0, 0, "x"); err == nil {
		t.Error("expected error for count=0")
	}
	if _, err := EncodeRead(FuncReadHolding, 0, 128, "x"); err == nil {
		t.Error("expected error for count=128")
	}
	b, err := EncodeRead(FuncReadHolding, 10, 127, "0123456789")
	if err != nil {
		t.Fatalf("EncodeRead: %v", err)
	}
	if len(b) != RequestFrameLen {
		t.Errorf("len = %d, want %d", len(b), RequestFrameLen)
	}
	if !crcbyte.VerifyCRC(b) {
		t.Error("expected valid CRC")
	}
}

func TestEncodeWriteSingleAndMultiple(t *testing.T) {
	single, err := EncodeWrite(21, []uint16{3}, "SN1")
	if err != nil {
		t.Fatalf("EncodeWrite single: %v", err)
	}
	if len(single) != RequestFrameLen {
		t.Errorf("single len = %d, want %d", len(single), RequestFrameLen)
	}
	if single[1] != FuncWriteSingle {
		t.Errorf("function = %#x, want 0x06", single[1])
	}

	multi, err := EncodeWrite(0, []uint16{1, 2, 3}, "SN1")
	if err != nil {
		t.Fatalf("EncodeWrite multi: %v", err)
	}
	wantLen := 17 + 2*3 + 2
	if len(multi) != wantLen {
		t.Errorf("multi len = %d, want %d", len(multi), wantLen)
	}
	if multi[1] != FuncWriteMultiple {
		t.Errorf("function = %#x, want 0x10", multi[1])
	}
	if !crcbyte.VerifyCRC(multi) {
		t.Error("expected valid CRC")
	}

	if _, err := EncodeWrite(0, nil, "SN1"); err == nil {
		t.Error("expected error for empty values")
	}
	big := make([]uint16, 128)
	if _, err := EncodeWrite(0, big, "SN1"); err == nil {
		t.Error("expected error for 128 values")
	}
}

func TestDecodeResponseCRCMismatchIsNotFatal(t *testing.T) {
	raw := encodeReadResponse(t, FuncReadHolding, 0, []byte{0x00, 0x01}, "SN1")
	raw[len(raw)-1] ^= 0xFF // corrupt CRC

	resp, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("expected CRC mismatch to still parse, got error: %v", err)
	}
	if resp.CRCValid {
		t.Error("expected CRCValid=false")
	}
	if resp.StartRegister != 0 || int(resp.RegisterCount) != 1 {
		t.Error("expected structural fields to still be populated")
	}
}

func TestDecodeResponseException(t *testing.T) {
	buf := make([]byte, 13, 15)
	buf[0] = AddrResponse
	buf[1] = FuncWriteSingle | 0x80
	copy(buf[2:12], "SN00000001")
	buf[12] = 0x02 // illegal data address
	raw := crcbyte.AppendCRC(buf)

	resp, err := DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if !resp.Exception {
		t.Error("expected Exception=true")
	}
	if resp.Function != FuncWriteSingle {
		t.Errorf("function = %#x, want 0x06", resp.Function)
	}
	if resp.ExceptionCode != 0x02 {
		t.Errorf("exception code = %#x, want 0x02", resp.ExceptionCode)
	}
}

func TestDecodeResponseRejectsBadAddress(t *testing.T) {
	buf := encodeReadResponse(t, FuncReadHolding, 0, []byte{0, 1}, "SN1")
	buf[0] = AddrRequest
	if _, err := DecodeResponse(buf); err == nil {
		t.Error("expected error for request-addressed frame")
	}
}

func TestFrameLength(t *testing.T) {
	req, _ := EncodeRead(FuncReadHolding, 0, 1, "SN1")
	if n := FrameLength(req); n != RequestFrameLen {
		t.Errorf("request frame length = %d, want %d", n, RequestFrameLen)
	}

	resp := encodeReadResponse(t, FuncReadHolding, 0, []byte{0, 1, 0, 2}, "SN1")
	if n := FrameLength(resp); n != len(resp) {
		t.Errorf("read response length = %d, want %d", n, len(resp))
	}

	if n := FrameLength(resp[:3]); n != 0 {
		t.Errorf("expected 0 for undecidable prefix, got %d", n)
	}

	if n := FrameLength(nil); n != 0 {
		t.Errorf("expected 0 for empty buffer, got %d", n)
	}
}

func TestSplitFramesIdempotence(t *testing.T) {
	a, _ := EncodeRead(FuncReadHolding, 0, 1, "AAAAAAAAAA")
	b := encodeReadResponse(t, FuncReadHolding, 0, []byte{0, 9}, "AAAAAAAAAA")
	c, _ := EncodeWrite(5, []uint16{7}, "AAAAAAAAAA")

	full := append(append(append([]byte{}, a...), b...), c...)
	frames := SplitFrames(full)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}

	consumed := 0
	for _, f := range frames {
		consumed += len(f.Raw)
	}
	if consumed != len(full) {
		t.Errorf("consumed %d bytes, want %d", consumed, len(full))
	}

	prefix := full[:len(a)+len(b)]
	prefixFrames := SplitFrames(prefix)
	if len(prefixFrames) != 2 {
		t.Fatalf("got %d frames for prefix, want 2", len(prefixFrames))
	}
	for i := range prefixFrames {
		if !bytes.Equal(prefixFrames[i].Raw, frames[i].Raw) {
			t.Errorf("prefix frame %d diverges from full-buffer frame", i)
		}
	}
}

func TestFindMatchingResponseMultiMaster(t *testing.T) {
	foreignReq, _ := EncodeRead(FuncReadHolding, 500, 1, "FFFFFFFFFF")
	foreignResp := encodeReadResponse(t, FuncReadHolding, 500, []byte{0xAA, 0xBB}, "FFFFFFFFFF")
	ourResp := encodeReadResponse(t, FuncReadHolding, 100, []byte{0, 1, 0, 2, 0, 3, 0, 4, 0, 5}, "0000000001")

	buf := append(append(append([]byte{}, foreignReq...), foreignResp...), ourResp...)
	frames := SplitFrames(buf)

	idx := FindMatchingResponse(frames, FuncReadHolding, 100)
	if idx < 0 {
		t.Fatal("expected a match")
	}
	if !bytes.Equal(frames[idx].Raw, ourResp) {
		t.Errorf("matched wrong frame at index %d", idx)
	}
}

func TestFindMatchingResponseException(t *testing.T) {
	buf := make([]byte, 13, 15)
	buf[0] = AddrResponse
	buf[1] = FuncWriteSingle | 0x80
	copy(buf[2:12], "SN00000001")
	buf[12] = 0x02
	exResp := crcbyte.AppendCRC(buf)

	frames := SplitFrames(exResp)
	idx := FindMatchingResponse(frames, FuncWriteSingle, 999)
	if idx != 0 {
		t.Fatalf("expected exception response to match regardless of start register, got idx=%d", idx)
	}
}
