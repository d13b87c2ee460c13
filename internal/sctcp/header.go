package sctcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteHeader writes the 12-byte common message header.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	copy(buf[0:3], h.Type[:])
	buf[3] = byte(h.Final)
	binary.LittleEndian.PutUint32(buf[4:8], h.MessageSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.SecureChannelId)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing message header: %w", err)
	}
	return nil
}

// ReadHeader reads and minimally validates the 12-byte common message
// header. It does not validate MessageSize against any buffer limit —
// that is the chunk engine's job.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("reading message header: %w", err)
	}
	var h Header
	copy(h.Type[:], buf[0:3])
	h.Final = IsFinal(buf[3])
	h.MessageSize = binary.LittleEndian.Uint32(buf[4:8])
	h.SecureChannelId = binary.LittleEndian.Uint32(buf[8:12])
	return h, nil
}

// PatchMessageSize overwrites the MessageSize field of an already
// written header in place.
func PatchMessageSize(buf []byte, size uint32) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("patching message size: buffer shorter than header (%d bytes)", len(buf))
	}
	binary.LittleEndian.PutUint32(buf[4:8], size)
	return nil
}
