package sctcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MinBufferSize is the protocol floor for the negotiated receive and
// send buffer sizes (OPC UA Part 6).
const MinBufferSize = 8192

// MaxURLLength bounds the EndpointUrl field of a HEL message.
const MaxURLLength = 4096

// Hello is the HEL message body (Client -> Server).
type Hello struct {
	ProtocolVersion       uint32
	ReceiveBufferSize     uint32
	SendBufferSize        uint32
	ReceiveMaxMessageSize uint32
	ReceiveMaxChunkCount  uint32
	EndpointURL           string
}

// Acknowledge is the ACK message body (Server -> Client): same fields
// as Hello minus EndpointURL.
type Acknowledge struct {
	ProtocolVersion       uint32
	ReceiveBufferSize     uint32
	SendBufferSize        uint32
	ReceiveMaxMessageSize uint32
	ReceiveMaxChunkCount  uint32
}

// ErrorMessage is the ERR message body: StatusCode + Reason string.
// A reason is blanked by the sender before this is ever constructed
// when the root cause is a security check failure.
type ErrorMessage struct {
	Code   StatusCode
	Reason string
}

// WriteHello writes the HEL body. An EndpointURL longer than
// MaxURLLength bytes is rejected with an error and nothing is written.
func WriteHello(w io.Writer, h Hello) error {
	if len(h.EndpointURL) > MaxURLLength {
		return fmt.Errorf("writing hello: endpoint url exceeds %d bytes", MaxURLLength)
	}
	var fixed [20]byte
	binary.LittleEndian.PutUint32(fixed[0:4], h.ProtocolVersion)
	binary.LittleEndian.PutUint32(fixed[4:8], h.ReceiveBufferSize)
	binary.LittleEndian.PutUint32(fixed[8:12], h.SendBufferSize)
	binary.LittleEndian.PutUint32(fixed[12:16], h.ReceiveMaxMessageSize)
	binary.LittleEndian.PutUint32(fixed[16:20], h.ReceiveMaxChunkCount)
	if _, err := w.Write(fixed[:]); err != nil {
		return fmt.Errorf("writing hello fixed fields: %w", err)
	}
	if err := writeUAString(w, h.EndpointURL); err != nil {
		return fmt.Errorf("writing hello endpoint url: %w", err)
	}
	return nil
}

// ReadHello reads a HEL body from r.
func ReadHello(r io.Reader) (Hello, error) {
	var fixed [20]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Hello{}, fmt.Errorf("reading hello fixed fields: %w", err)
	}
	url, err := readUAString(r, MaxURLLength)
	if err != nil {
		return Hello{}, fmt.Errorf("reading hello endpoint url: %w", err)
	}
	return Hello{
		ProtocolVersion:       binary.LittleEndian.Uint32(fixed[0:4]),
		ReceiveBufferSize:     binary.LittleEndian.Uint32(fixed[4:8]),
		SendBufferSize:        binary.LittleEndian.Uint32(fixed[8:12]),
		ReceiveMaxMessageSize: binary.LittleEndian.Uint32(fixed[12:16]),
		ReceiveMaxChunkCount:  binary.LittleEndian.Uint32(fixed[16:20]),
		EndpointURL:           url,
	}, nil
}

// WriteAcknowledge writes the ACK body.
func WriteAcknowledge(w io.Writer, a Acknowledge) error {
	var buf [20]byte
	binary.LittleEndian.PutUint32(buf[0:4], a.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], a.ReceiveBufferSize)
	binary.LittleEndian.PutUint32(buf[8:12], a.SendBufferSize)
	binary.LittleEndian.PutUint32(buf[12:16], a.ReceiveMaxMessageSize)
	binary.LittleEndian.PutUint32(buf[16:20], a.ReceiveMaxChunkCount)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing acknowledge: %w", err)
	}
	return nil
}

// ReadAcknowledge reads an ACK body from r.
func ReadAcknowledge(r io.Reader) (Acknowledge, error) {
	var buf [20]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Acknowledge{}, fmt.Errorf("reading acknowledge: %w", err)
	}
	return Acknowledge{
		ProtocolVersion:       binary.LittleEndian.Uint32(buf[0:4]),
		ReceiveBufferSize:     binary.LittleEndian.Uint32(buf[4:8]),
		SendBufferSize:        binary.LittleEndian.Uint32(buf[8:12]),
		ReceiveMaxMessageSize: binary.LittleEndian.Uint32(buf[12:16]),
		ReceiveMaxChunkCount:  binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// WriteErrorMessage writes the ERR body: StatusCode[u32] Reason[String].
func WriteErrorMessage(w io.Writer, e ErrorMessage) error {
	var code [4]byte
	binary.LittleEndian.PutUint32(code[:], uint32(e.Code))
	if _, err := w.Write(code[:]); err != nil {
		return fmt.Errorf("writing error status: %w", err)
	}
	if err := writeUAString(w, e.Reason); err != nil {
		return fmt.Errorf("writing error reason: %w", err)
	}
	return nil
}

// ReadErrorMessage reads an ERR body from r.
func ReadErrorMessage(r io.Reader) (ErrorMessage, error) {
	var code [4]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return ErrorMessage{}, fmt.Errorf("reading error status: %w", err)
	}
	reason, err := readUAString(r, MaxURLLength)
	if err != nil {
		return ErrorMessage{}, fmt.Errorf("reading error reason: %w", err)
	}
	return ErrorMessage{Code: StatusCode(binary.LittleEndian.Uint32(code[:])), Reason: reason}, nil
}

// writeUAString writes an OPC UA String: Length[i32, -1 for null] followed
// by the UTF-8 bytes (no terminator).
func writeUAString(w io.Writer, s string) error {
	var lenBuf [4]byte
	if s == "" {
		binary.LittleEndian.PutUint32(lenBuf[:], 0xFFFFFFFF) // -1 as i32
		_, err := w.Write(lenBuf[:])
		return err
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// readUAString reads an OPC UA String, rejecting lengths above maxLen.
func readUAString(r io.Reader, maxLen int) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if n <= 0 {
		return "", nil
	}
	if int(n) > maxLen {
		return "", fmt.Errorf("string length %d exceeds limit %d", n, maxLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
