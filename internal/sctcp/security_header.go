package sctcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// AsymmetricSecurityHeader precedes an OPN chunk's sequence header:
// PolicyUri[String] SenderCert[ByteString] ReceiverCertThumbprint[ByteString].
type AsymmetricSecurityHeader struct {
	PolicyURI                     string
	SenderCertificate             []byte
	ReceiverCertificateThumbprint []byte
}

// SymmetricSecurityHeader precedes a MSG/CLO chunk's sequence header:
// TokenId[u32].
const SymmetricSecurityHeaderSize = 4

type SymmetricSecurityHeader struct {
	TokenID uint32
}

// WriteAsymmetricSecurityHeader writes the OPN security header.
func WriteAsymmetricSecurityHeader(w io.Writer, h AsymmetricSecurityHeader) error {
	if err := writeUAString(w, h.PolicyURI); err != nil {
		return fmt.Errorf("writing policy uri: %w", err)
	}
	if err := writeByteString(w, h.SenderCertificate); err != nil {
		return fmt.Errorf("writing sender certificate: %w", err)
	}
	if err := writeByteString(w, h.ReceiverCertificateThumbprint); err != nil {
		return fmt.Errorf("writing receiver cert thumbprint: %w", err)
	}
	return nil
}

// ReadAsymmetricSecurityHeader reads the OPN security header.
func ReadAsymmetricSecurityHeader(r io.Reader) (AsymmetricSecurityHeader, error) {
	policy, err := readUAString(r, MaxURLLength)
	if err != nil {
		return AsymmetricSecurityHeader{}, fmt.Errorf("reading policy uri: %w", err)
	}
	cert, err := readByteString(r)
	if err != nil {
		return AsymmetricSecurityHeader{}, fmt.Errorf("reading sender certificate: %w", err)
	}
	thumb, err := readByteString(r)
	if err != nil {
		return AsymmetricSecurityHeader{}, fmt.Errorf("reading receiver cert thumbprint: %w", err)
	}
	return AsymmetricSecurityHeader{PolicyURI: policy, SenderCertificate: cert, ReceiverCertificateThumbprint: thumb}, nil
}

// WriteSymmetricSecurityHeader writes the MSG/CLO security header.
func WriteSymmetricSecurityHeader(w io.Writer, h SymmetricSecurityHeader) error {
	var buf [SymmetricSecurityHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[:], h.TokenID)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("writing token id: %w", err)
	}
	return nil
}

// ReadSymmetricSecurityHeader reads the MSG/CLO security header.
func ReadSymmetricSecurityHeader(r io.Reader) (SymmetricSecurityHeader, error) {
	var buf [SymmetricSecurityHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return SymmetricSecurityHeader{}, fmt.Errorf("reading token id: %w", err)
	}
	return SymmetricSecurityHeader{TokenID: binary.LittleEndian.Uint32(buf[:])}, nil
}

func writeByteString(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	if b == nil {
		binary.LittleEndian.PutUint32(lenBuf[:], 0xFFFFFFFF)
		_, err := w.Write(lenBuf[:])
		return err
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readByteString(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int32(binary.LittleEndian.Uint32(lenBuf[:]))
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
