package chunk

import (
	"bytes"
	"fmt"
	"io"

	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// Decoder turns a sequence of framed wire chunks read from one
// connection into assembled Messages. A Decoder is stateful: it
// accumulates the bodies of a multi-chunk message across calls and
// must not be shared across connections.
type Decoder struct {
	sc             SecurityContext
	recvBufSize    uint32
	maxMessageSize uint32
	maxChunkCount  uint32

	assembling bool
	msgType    sctcp.MessageType
	requestID  uint32
	bodies     [][]byte
	bodyLen    int
	chunkCount uint32
	lastSeq    uint32
	haveSeq    bool
}

// NewDecoder returns a Decoder bound to one connection's security
// context and the limits negotiated on that connection. recvBufSize
// caps a single frame, maxMessageSize and maxChunkCount cap the
// assembled message; zero disables the corresponding check.
func NewDecoder(sc SecurityContext, recvBufSize, maxMessageSize, maxChunkCount uint32) *Decoder {
	return &Decoder{sc: sc, recvBufSize: recvBufSize, maxMessageSize: maxMessageSize, maxChunkCount: maxChunkCount}
}

// ReadMessage reads chunks from r, one at a time, until either a
// Final chunk completes a message (returned) or an error occurs.
// Intended for stream-oriented callers and tests; the event-driven
// connection uses PushFrame instead.
func (d *Decoder) ReadMessage(r io.Reader) (*Message, error) {
	for {
		hdr, err := sctcp.ReadHeader(r)
		if err != nil {
			return nil, fmt.Errorf("reading chunk header: %w", err)
		}
		if hdr.MessageSize < sctcp.HeaderSize {
			return nil, sctcp.NewError(sctcp.BadTcpMessageTooLarge, "message size smaller than header")
		}
		if d.recvBufSize > 0 && hdr.MessageSize > d.recvBufSize {
			return nil, sctcp.NewError(sctcp.BadTcpMessageTooLarge, "chunk exceeds negotiated receive buffer size")
		}
		bodyLen := hdr.MessageSize - sctcp.HeaderSize
		rest := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, rest); err != nil {
			return nil, fmt.Errorf("reading chunk body: %w", err)
		}
		if !hdr.Final.Valid() {
			return nil, sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "invalid chunk finality byte")
		}

		msg, err := d.decodeChunk(hdr, rest, false)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		// nil, nil: either accumulated (intermediate) or discarded
		// (abort) — either way, read the next chunk.
	}
}

// PushFrame decodes exactly one complete wire frame that the caller
// has already buffered and length-checked against the header. It is
// the entry point the event-driven connection uses: socket bytes
// accumulate on the connection until one full frame is available,
// then each frame is pushed here. A nil, nil return means the chunk
// was an intermediate or abort chunk and no message completed.
//
// opnSymmetric selects the security header layout for OPN frames: a
// renewal OPN on an established channel is protected with the current
// symmetric token, while the initial OPN of a handshake carries the
// asymmetric header.
func (d *Decoder) PushFrame(frame []byte, opnSymmetric bool) (*Message, error) {
	hdr, err := sctcp.ReadHeader(bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	if hdr.MessageSize != uint32(len(frame)) {
		return nil, sctcp.NewError(sctcp.BadTcpInternalError, "frame length does not match message size")
	}
	if d.recvBufSize > 0 && hdr.MessageSize > d.recvBufSize {
		return nil, sctcp.NewError(sctcp.BadTcpMessageTooLarge, "chunk exceeds negotiated receive buffer size")
	}
	if !hdr.Final.Valid() {
		return nil, sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "invalid chunk finality byte")
	}
	return d.decodeChunk(hdr, frame[sctcp.HeaderSize:], opnSymmetric)
}

// decodeChunk runs the security and assembly stages on one chunk
// whose header has already been read and validated for shape.
func (d *Decoder) decodeChunk(hdr sctcp.Header, rest []byte, opnSymmetric bool) (*Message, error) {
	switch hdr.Type {
	case sctcp.MsgHello, sctcp.MsgAck, sctcp.MsgError:
		// No security header, no sequence header, no padding or
		// signature: these are the unsecured handshake messages.
		return &Message{Type: hdr.Type, Body: append([]byte(nil), rest...)}, nil

	case sctcp.MsgOpen:
		if opnSymmetric {
			return d.decodeSymmetricChunk(hdr, rest)
		}
		return d.decodeAsymmetricChunk(hdr, rest)

	case sctcp.MsgSecure, sctcp.MsgClose:
		return d.decodeSymmetricChunk(hdr, rest)

	default:
		return nil, sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "unrecognized message type "+hdr.Type.String())
	}
}

// decodeAsymmetricChunk handles an OPN chunk protected with the
// asymmetric header: decrypt with the local private key, verify with
// the sender's certificate.
func (d *Decoder) decodeAsymmetricChunk(hdr sctcp.Header, rest []byte) (*Message, error) {
	body := bytes.NewReader(rest)
	asymHdr, err := sctcp.ReadAsymmetricSecurityHeader(body)
	if err != nil {
		return nil, fmt.Errorf("reading asymmetric security header: %w", err)
	}
	if err := d.sc.ValidateAsymmetricHeader(asymHdr); err != nil {
		return nil, blankedSecurityError(err)
	}
	provider, material, err := d.sc.AsymmetricSecurity()
	if err != nil {
		return nil, blankedSecurityError(err)
	}

	headerLen := len(rest) - body.Len()
	cipherRest := rest[headerLen:]
	rawPrefixLen := sctcp.HeaderSize + headerLen

	if d.sc.Mode() == cryptoprovider.ModeNone {
		return d.finishPlainChunk(hdr, cipherRest, nil)
	}

	plaintext, err := provider.DecryptWithPrivateKey(cipherRest, material.LocalKeys.PrivateKey)
	if err != nil {
		return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
	}
	sigLen, err := provider.SignatureLengthOfCertificate(asymHdr.SenderCertificate)
	if err != nil || len(plaintext) < sigLen {
		return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
	}
	signedPart := plaintext[:len(plaintext)-sigLen]
	sig := plaintext[len(plaintext)-sigLen:]

	// The signature covers the message header, the security header
	// and the decrypted region up to the signature itself.
	signed := make([]byte, 0, rawPrefixLen+len(signedPart))
	signed = append(signed, rebuildRawPrefix(hdr, rest[:headerLen])...)
	signed = append(signed, signedPart...)
	if err := provider.VerifyWithCertificate(signed, sig, asymHdr.SenderCertificate); err != nil {
		return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
	}

	plainBlock, _, err := provider.AsymmetricBlockSizes(material.LocalKeys.CertificateDER)
	if err != nil {
		return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
	}
	return d.finishPlainChunk(hdr, stripPadding(signedPart, plainBlock), &asymHdr)
}

// decodeSymmetricChunk handles a MSG/CLO chunk (or a renewal OPN)
// protected with the symmetric header.
func (d *Decoder) decodeSymmetricChunk(hdr sctcp.Header, rest []byte) (*Message, error) {
	body := bytes.NewReader(rest)
	symHdr, err := sctcp.ReadSymmetricSecurityHeader(body)
	if err != nil {
		return nil, fmt.Errorf("reading symmetric security header: %w", err)
	}
	provider, keys, err := d.sc.KeysForToken(symHdr.TokenID, true)
	if err != nil {
		return nil, sctcp.NewError(sctcp.BadSecureChannelTokenUnknown, "")
	}
	cipherRest := rest[sctcp.SymmetricSecurityHeaderSize:]

	switch d.sc.Mode() {
	case cryptoprovider.ModeNone:
		return d.finishTokenChunk(hdr, symHdr.TokenID, cipherRest)

	case cryptoprovider.ModeSign:
		sigLen := provider.Policy().SignatureLength
		if len(cipherRest) < sigLen {
			return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
		}
		signedPart := cipherRest[:len(cipherRest)-sigLen]
		sig := cipherRest[len(cipherRest)-sigLen:]
		signed := append(rebuildRawPrefix(hdr, rest[:sctcp.SymmetricSecurityHeaderSize]), signedPart...)
		if err := provider.VerifySignature(signed, sig, keys); err != nil {
			return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
		}
		return d.finishTokenChunk(hdr, symHdr.TokenID, signedPart)

	default: // ModeSignAndEncrypt
		blockSize := provider.Policy().BlockSize
		if blockSize > 1 && len(cipherRest)%blockSize != 0 {
			return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
		}
		plaintext, err := provider.Decrypt(cipherRest, keys)
		if err != nil {
			return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
		}
		sigLen := provider.Policy().SignatureLength
		if len(plaintext) < sigLen {
			return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
		}
		signedPart := plaintext[:len(plaintext)-sigLen]
		sig := plaintext[len(plaintext)-sigLen:]
		signed := append(rebuildRawPrefix(hdr, rest[:sctcp.SymmetricSecurityHeaderSize]), signedPart...)
		if err := provider.VerifySignature(signed, sig, keys); err != nil {
			return nil, sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
		}
		return d.finishTokenChunk(hdr, symHdr.TokenID, stripPadding(signedPart, blockSize))
	}
}

// finishPlainChunk parses the sequence header from plain, validates
// the sequence number and feeds the chunk to assembly.
func (d *Decoder) finishPlainChunk(hdr sctcp.Header, plain []byte, asymHdr *sctcp.AsymmetricSecurityHeader) (*Message, error) {
	seqHdr, err := sctcp.ReadSequenceHeader(bytes.NewReader(plain))
	if err != nil {
		return nil, fmt.Errorf("reading sequence header: %w", err)
	}
	if err := d.checkSequence(seqHdr.SequenceNumber); err != nil {
		return nil, err
	}
	msg, err := d.assemble(hdr, seqHdr.RequestID, plain[sctcp.SequenceHeaderSize:])
	if msg != nil {
		msg.Security = asymHdr
		msg.ChannelID = hdr.SecureChannelId
	}
	return msg, err
}

func (d *Decoder) finishTokenChunk(hdr sctcp.Header, tokenID uint32, plain []byte) (*Message, error) {
	msg, err := d.finishPlainChunk(hdr, plain, nil)
	if msg != nil {
		msg.TokenID = tokenID
	}
	return msg, err
}

// rebuildRawPrefix reconstructs the signed wire prefix: the 12-byte
// message header followed by the security header bytes.
func rebuildRawPrefix(hdr sctcp.Header, securityHeader []byte) []byte {
	var buf bytes.Buffer
	_ = sctcp.WriteHeader(&buf, hdr)
	buf.Write(securityHeader)
	return buf.Bytes()
}

// checkSequence enforces the strictly-increasing rule with the
// 32-bit rollover window: once the previous value passed
// 2^32 - 1024, the counter may restart at any value up to 1024.
func (d *Decoder) checkSequence(seq uint32) error {
	if !d.haveSeq {
		d.lastSeq = seq
		d.haveSeq = true
		return nil
	}
	if seq > d.lastSeq {
		d.lastSeq = seq
		return nil
	}
	if d.lastSeq > (1<<32)-1024 && seq <= 1024 {
		d.lastSeq = seq
		return nil
	}
	return sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
}

func (d *Decoder) assemble(hdr sctcp.Header, requestID uint32, payload []byte) (*Message, error) {
	if !d.assembling {
		d.assembling = true
		d.msgType = hdr.Type
		d.requestID = requestID
		d.bodies = nil
		d.bodyLen = 0
		d.chunkCount = 0
	} else if hdr.Type != d.msgType || requestID != d.requestID {
		d.resetAssembly()
		return nil, sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "chunk does not belong to in-progress message")
	}

	d.chunkCount++
	if d.chunkCount > d.maxChunkCount && d.maxChunkCount > 0 {
		d.resetAssembly()
		return nil, sctcp.NewError(sctcp.BadTcpMessageTooLarge, "chunk count exceeds negotiated maximum")
	}
	d.bodyLen += len(payload)
	if uint32(d.bodyLen) > d.maxMessageSize && d.maxMessageSize > 0 {
		d.resetAssembly()
		return nil, sctcp.NewError(sctcp.BadTcpMessageTooLarge, "assembled message exceeds negotiated maximum size")
	}
	d.bodies = append(d.bodies, payload)

	switch hdr.Final {
	case sctcp.ChunkAbort:
		d.resetAssembly()
		return nil, nil
	case sctcp.ChunkIntermediate:
		return nil, nil
	case sctcp.ChunkFinal:
		full := make([]byte, 0, d.bodyLen)
		for _, b := range d.bodies {
			full = append(full, b...)
		}
		msg := &Message{Type: d.msgType, RequestID: d.requestID, Body: full}
		d.resetAssembly()
		return msg, nil
	default:
		return nil, sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "invalid chunk finality byte")
	}
}

func (d *Decoder) resetAssembly() {
	d.assembling = false
	d.bodies = nil
	d.bodyLen = 0
	d.chunkCount = 0
}

func stripPadding(payload []byte, blockSize int) []byte {
	if blockSize <= 1 || len(payload) == 0 {
		return payload
	}
	padByte := payload[len(payload)-1]
	padLen := int(padByte) + 1
	if padLen > len(payload) {
		return payload
	}
	return payload[:len(payload)-padLen]
}

func blankedSecurityError(err error) error {
	if se, ok := err.(*sctcp.Error); ok {
		return se.Blanked()
	}
	return sctcp.NewError(sctcp.BadSecurityChecksFailed, "").Blanked()
}
