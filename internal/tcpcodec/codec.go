package tcpcodec

import (
	"github.com/kestrelgrid/invbridge/internal/crcbyte"
	"github.com/kestrelgrid/invbridge/internal/serialcodec"
)

// DecodeRequest validates and parses a client request frame. The CRC is
// computed over the data frame excluding its own trailing two bytes; a
// mismatch fails the decode outright (unlike the serial codec's lenient
// CRC handling — this boundary is client-controlled and has no reason to
// tolerate corruption).
func DecodeRequest(buf []byte) (*Request, error) {
	if len(buf) < MinRequestLen {
		return nil, ErrFrameTooShort
	}
	if buf[0] != magicByte0 || buf[1] != magicByte1 {
		return nil, ErrBadMagic
	}
	if crcbyte.Uint16LE(buf, 2) != versionRequest {
		return nil, ErrBadVersion
	}
	if buf[7] != functionByte {
		return nil, ErrBadFunction
	}

	dataFrameLen := int(crcbyte.Uint16LE(buf, 18))
	if len(buf) != HeaderLen+dataFrameLen {
		return nil, ErrBadDataFrameLength
	}
	if dataFrameLen < 2 {
		return nil, ErrFrameTooShort
	}

	content := buf[HeaderLen : HeaderLen+dataFrameLen-2]
	crcOff := HeaderLen + dataFrameLen - 2
	if crcbyte.CRC16(content) != crcbyte.Uint16LE(buf, crcOff) {
		return nil, ErrCRCMismatch
	}

	// content layout: action(1) inverterFunction(1) inverterSerial(10)
	// start(2) countOrValue(2) [byteCount(1) values(2*N)]
	if len(content) < 16 {
		return nil, ErrFrameTooShort
	}

	req := &Request{
		DongleSerial:     string(buf[8:18]),
		InverterFunction: content[1],
		InverterSerial:   string(content[2:12]),
		StartRegister:    crcbyte.Uint16LE(content, 12),
		Raw:              append([]byte{}, buf...),
	}

	countOrValue := crcbyte.Uint16LE(content, 14)

	var err error
	switch req.InverterFunction {
	case serialcodec.FuncReadHolding, serialcodec.FuncReadInput:
		if countOrValue < 1 || countOrValue > serialcodec.MaxRegisters {
			return nil, ErrInvalidRegisterCount
		}
		req.RegisterCount = countOrValue
		req.InverterEncoding, err = serialcodec.EncodeRead(req.InverterFunction, req.StartRegister, req.RegisterCount, req.InverterSerial)
	case serialcodec.FuncWriteSingle:
		req.Value = countOrValue
		req.InverterEncoding, err = serialcodec.EncodeWrite(req.StartRegister, []uint16{req.Value}, req.InverterSerial)
	case serialcodec.FuncWriteMultiple:
		n := int(countOrValue)
		if n < 1 || n > serialcodec.MaxRegisters {
			return nil, ErrInvalidRegisterCount
		}
		if len(content) < 17+2*n {
			return nil, ErrFrameTooShort
		}
		byteCount := int(content[16])
		if byteCount != 2*n {
			return nil, ErrBadDataFrameLength
		}
		req.RegisterCount = countOrValue
		req.Values = make([]uint16, n)
		for i := 0; i < n; i++ {
			req.Values[i] = crcbyte.Uint16LE(content, 17+2*i)
		}
		req.InverterEncoding, err = serialcodec.EncodeWrite(req.StartRegister, req.Values, req.InverterSerial)
	default:
		return nil, ErrUnknownFunction
	}
	if err != nil {
		return nil, err
	}

	return req, nil
}

// EncodeResponse wraps an inverter response frame (raw bytes including its
// own trailing CRC) into a client response frame. The inverter's trailing
// CRC is dropped and a fresh CRC is computed over the embedded data frame,
// so the embedded header, serial, and payload — including any exception
// code — survive bit-for-bit.
func EncodeResponse(inverterRaw []byte, dongleSerial string) ([]byte, error) {
	if len(inverterRaw) < 2 {
		return nil, ErrEmbeddedFrameTooShort
	}
	content := inverterRaw[:len(inverterRaw)-2]
	dataFrameLen := len(content) + 2
	total := HeaderLen + dataFrameLen

	buf := make([]byte, total)
	buf[0] = magicByte0
	buf[1] = magicByte1
	crcbyte.PutUint16LE(buf, 2, versionResponse)
	crcbyte.PutUint16LE(buf, 4, uint16(total-6))
	buf[6] = reservedByte
	buf[7] = functionByte
	copy(buf[8:18], asciiField(dongleSerial, DongleSerialLen))
	crcbyte.PutUint16LE(buf, 18, uint16(dataFrameLen))
	copy(buf[HeaderLen:HeaderLen+len(content)], content)

	crc := crcbyte.CRC16(content)
	crcbyte.PutUint16LE(buf, HeaderLen+len(content), crc)

	return buf, nil
}
