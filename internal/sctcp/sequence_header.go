package sctcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SequenceHeaderSize is the fixed size of the sequence header:
// SequenceNumber[u32] RequestId[u32].
const SequenceHeaderSize = 8

// SequenceHeader follows the security header on every chunk.
type SequenceHeader struct {
	SequenceNumber uint32
	RequestID      uint32
}

// WriteSequenceHeader writes the 8-byte sequence header.
func WriteSequenceHeader(w io.Writer, h SequenceHeader) error {
	var buf [SequenceHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.SequenceNumber)
	binary.LittleEndian.PutUint32(buf[4:8], h.RequestID)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing sequence header: %w", err)
	}
	return nil
}

// ReadSequenceHeader reads the 8-byte sequence header.
func ReadSequenceHeader(r io.Reader) (SequenceHeader, error) {
	var buf [SequenceHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SequenceHeader{}, fmt.Errorf("reading sequence header: %w", err)
	}
	return SequenceHeader{
		SequenceNumber: binary.LittleEndian.Uint32(buf[0:4]),
		RequestID:      binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}
