package chunk

import (
	"bytes"
	"fmt"

	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// InitialSequenceNumber is the value of the first sequence number
// emitted on a freshly opened channel (OPC UA Part 6).
const InitialSequenceNumber = 51

// Encoder splits an outgoing message into wire chunks, applying
// padding, signature and encryption per chunk. An Encoder is
// stateful: it owns the outgoing sequence number counter for one
// connection and must not be shared across connections.
type Encoder struct {
	sc            SecurityContext
	sendBufSize   uint32
	maxChunkCount uint32
	nextSeq       uint32
	haveSeq       bool
}

// NewEncoder returns an Encoder bound to one connection's security
// context, negotiated send buffer size and negotiated chunk-count
// budget (zero disables the chunk-count check).
func NewEncoder(sc SecurityContext, sendBufSize, maxChunkCount uint32) *Encoder {
	return &Encoder{sc: sc, sendBufSize: sendBufSize, maxChunkCount: maxChunkCount}
}

// EncodeUnsecured builds a single-chunk HEL/ACK/ERR wire message.
// These message types carry no security header, sequence header,
// padding or signature.
func EncodeUnsecured(msgType sctcp.MessageType, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	hdr := sctcp.Header{Type: msgType, Final: sctcp.ChunkFinal, MessageSize: sctcp.HeaderSize + uint32(len(body))}
	if err := sctcp.WriteHeader(&buf, hdr); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// EncodeOpen builds the single-chunk OPN message carrying the
// asymmetric security header. Under any mode except None the chunk is
// signed with the local private key and encrypted for the peer
// certificate; the signature itself is part of the encrypted region.
func (e *Encoder) EncodeOpen(channelID, requestID uint32, body []byte) ([]byte, error) {
	provider, material, err := e.sc.AsymmetricSecurity()
	if err != nil {
		return nil, err
	}
	secured := e.sc.Mode() != cryptoprovider.ModeNone

	var secBuf bytes.Buffer
	asymHdr := sctcp.AsymmetricSecurityHeader{PolicyURI: material.PolicyURI}
	if secured {
		asymHdr.SenderCertificate = material.LocalKeys.CertificateDER
		asymHdr.ReceiverCertificateThumbprint = cryptoprovider.CertificateThumbprint(material.PeerCertificate)
	}
	if err := sctcp.WriteAsymmetricSecurityHeader(&secBuf, asymHdr); err != nil {
		return nil, fmt.Errorf("writing asymmetric security header: %w", err)
	}

	var plain bytes.Buffer
	seq := e.nextSequence()
	if err := sctcp.WriteSequenceHeader(&plain, sctcp.SequenceHeader{SequenceNumber: seq, RequestID: requestID}); err != nil {
		return nil, err
	}
	plain.Write(body)

	if !secured {
		total := sctcp.HeaderSize + secBuf.Len() + plain.Len()
		return assembleChunk(sctcp.Header{Type: sctcp.MsgOpen, Final: sctcp.ChunkFinal, MessageSize: uint32(total), SecureChannelId: channelID},
			secBuf.Bytes(), plain.Bytes(), nil)
	}

	sigLen := provider.AsymmetricSignatureLength(material.LocalKeys.PrivateKey)
	plainBlock, cipherBlock, err := provider.AsymmetricBlockSizes(material.PeerCertificate)
	if err != nil {
		return nil, err
	}
	padded := applyPadding(plain.Bytes(), plainBlock, sigLen)
	cipherLen := (len(padded) + sigLen) / plainBlock * cipherBlock
	total := sctcp.HeaderSize + secBuf.Len() + cipherLen

	// The header, with its final message size, is under the signature,
	// so the size must be known before signing.
	var hdrBuf bytes.Buffer
	if err := sctcp.WriteHeader(&hdrBuf, sctcp.Header{Type: sctcp.MsgOpen, Final: sctcp.ChunkFinal, MessageSize: uint32(total), SecureChannelId: channelID}); err != nil {
		return nil, err
	}
	signed := append(append(append([]byte(nil), hdrBuf.Bytes()...), secBuf.Bytes()...), padded...)
	sig, err := provider.SignWithPrivateKey(signed, material.LocalKeys.PrivateKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := provider.EncryptWithCertificate(append(padded, sig...), material.PeerCertificate)
	if err != nil {
		return nil, err
	}

	out := hdrBuf.Bytes()
	out = append(out, secBuf.Bytes()...)
	out = append(out, ciphertext...)
	return out, nil
}

// Encode splits body into one or more MSG/CLO chunks, each protected
// with the current token's keys per the channel mode, respecting the
// negotiated send buffer size and chunk-count budget.
func (e *Encoder) Encode(msgType sctcp.MessageType, channelID, requestID uint32, body []byte) ([][]byte, error) {
	tokenID := e.sc.CurrentToken()
	provider, keys, err := e.sc.KeysForToken(tokenID, false)
	if err != nil {
		return nil, err
	}

	// Chunk planning: fixed headers plus signature plus worst-case
	// padding of one cipher block.
	overhead := sctcp.HeaderSize + sctcp.SymmetricSecurityHeaderSize + sctcp.SequenceHeaderSize
	mode := e.sc.Mode()
	if mode != cryptoprovider.ModeNone {
		overhead += provider.Policy().SignatureLength
	}
	if mode == cryptoprovider.ModeSignAndEncrypt {
		overhead += provider.Policy().BlockSize
	}
	maxBody := int(e.sendBufSize) - overhead
	if maxBody <= 0 {
		return nil, fmt.Errorf("encoding message: negotiated send buffer size %d too small for overhead %d", e.sendBufSize, overhead)
	}
	if e.maxChunkCount > 0 {
		needed := (len(body) + maxBody - 1) / maxBody
		if needed == 0 {
			needed = 1
		}
		if uint32(needed) > e.maxChunkCount {
			return nil, sctcp.NewError(sctcp.BadResponseTooLarge, "message body exceeds send chunk budget")
		}
	}

	var chunks [][]byte
	offset := 0
	for {
		end := offset + maxBody
		final := sctcp.ChunkIntermediate
		if end >= len(body) {
			end = len(body)
			final = sctcp.ChunkFinal
		}
		chunk, err := e.encodeChunk(msgType, final, channelID, requestID, tokenID, body[offset:end], provider, keys)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
		offset = end
		if final == sctcp.ChunkFinal {
			break
		}
	}
	return chunks, nil
}

func (e *Encoder) encodeChunk(msgType sctcp.MessageType, final sctcp.IsFinal, channelID, requestID, tokenID uint32, payload []byte, provider cryptoprovider.Provider, keys cryptoprovider.KeySet) ([]byte, error) {
	var secBuf bytes.Buffer
	if err := sctcp.WriteSymmetricSecurityHeader(&secBuf, sctcp.SymmetricSecurityHeader{TokenID: tokenID}); err != nil {
		return nil, fmt.Errorf("writing symmetric security header: %w", err)
	}

	var plain bytes.Buffer
	seq := e.nextSequence()
	if err := sctcp.WriteSequenceHeader(&plain, sctcp.SequenceHeader{SequenceNumber: seq, RequestID: requestID}); err != nil {
		return nil, err
	}
	plain.Write(payload)

	mode := e.sc.Mode()
	hdr := sctcp.Header{Type: msgType, Final: final, SecureChannelId: channelID}

	switch mode {
	case cryptoprovider.ModeNone:
		hdr.MessageSize = uint32(sctcp.HeaderSize + secBuf.Len() + plain.Len())
		return assembleChunk(hdr, secBuf.Bytes(), plain.Bytes(), nil)

	case cryptoprovider.ModeSign:
		sigLen := provider.Policy().SignatureLength
		hdr.MessageSize = uint32(sctcp.HeaderSize + secBuf.Len() + plain.Len() + sigLen)
		var hdrBuf bytes.Buffer
		if err := sctcp.WriteHeader(&hdrBuf, hdr); err != nil {
			return nil, err
		}
		signed := append(append(append([]byte(nil), hdrBuf.Bytes()...), secBuf.Bytes()...), plain.Bytes()...)
		sig, err := provider.Sign(signed, keys)
		if err != nil {
			return nil, err
		}
		out := append(signed, sig...)
		return out, nil

	default: // ModeSignAndEncrypt
		sigLen := provider.Policy().SignatureLength
		blockSize := provider.Policy().BlockSize
		padded := applyPadding(plain.Bytes(), blockSize, sigLen)
		hdr.MessageSize = uint32(sctcp.HeaderSize + secBuf.Len() + len(padded) + sigLen)
		var hdrBuf bytes.Buffer
		if err := sctcp.WriteHeader(&hdrBuf, hdr); err != nil {
			return nil, err
		}
		signed := append(append(append([]byte(nil), hdrBuf.Bytes()...), secBuf.Bytes()...), padded...)
		sig, err := provider.Sign(signed, keys)
		if err != nil {
			return nil, err
		}
		ciphertext, err := provider.Encrypt(append(padded, sig...), keys)
		if err != nil {
			return nil, err
		}
		out := hdrBuf.Bytes()
		out = append(out, secBuf.Bytes()...)
		out = append(out, ciphertext...)
		return out, nil
	}
}

func assembleChunk(hdr sctcp.Header, security, plain, trailer []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := sctcp.WriteHeader(&buf, hdr); err != nil {
		return nil, err
	}
	buf.Write(security)
	buf.Write(plain)
	buf.Write(trailer)
	return buf.Bytes(), nil
}

func (e *Encoder) nextSequence() uint32 {
	if !e.haveSeq {
		e.nextSeq = InitialSequenceNumber
		e.haveSeq = true
		return e.nextSeq
	}
	if e.nextSeq > (1<<32)-1024 {
		// Rollover window: restart low while the peer still accepts
		// a reset after the counter passed 2^32 - 1024.
		e.nextSeq = InitialSequenceNumber
		return e.nextSeq
	}
	e.nextSeq++
	return e.nextSeq
}

// applyPadding extends data so len(data)+reserve is a multiple of
// blockSize. At least one padding byte is always appended (the last
// byte encodes the padding length), matching the strip on decode.
func applyPadding(data []byte, blockSize, reserve int) []byte {
	if blockSize <= 1 {
		return data
	}
	padLen := blockSize - (len(data)+reserve)%blockSize
	if padLen == 0 {
		padLen = blockSize
	}
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen - 1)
	}
	return padded
}
