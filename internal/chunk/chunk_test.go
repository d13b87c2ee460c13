package chunk

import (
	"bytes"
	"testing"

	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// fakeContext is a SecurityContext fake for a single-token connection
// running under one policy: minimal, in-memory, no I/O.
type fakeContext struct {
	provider cryptoprovider.Provider
	mode     cryptoprovider.SecurityMode
	keys     cryptoprovider.KeySet
	tokenID  uint32
	policy   string
}

func newFakeContext(t *testing.T, policyURI string) *fakeContext {
	t.Helper()
	p, err := cryptoprovider.NewProvider(policyURI)
	if err != nil {
		t.Fatalf("cryptoprovider.NewProvider: %v", err)
	}
	mode := cryptoprovider.ModeNone
	var keys cryptoprovider.KeySet
	if policyURI != cryptoprovider.PolicyNone {
		mode = cryptoprovider.ModeSignAndEncrypt
		clientNonce, _ := p.GenerateNonce(32)
		serverNonce, _ := p.GenerateNonce(32)
		dir, err := p.DeriveKeys(clientNonce, serverNonce)
		if err != nil {
			t.Fatalf("DeriveKeys: %v", err)
		}
		keys = dir.Local
	}
	return &fakeContext{provider: p, mode: mode, keys: keys, tokenID: 7, policy: policyURI}
}

func (f *fakeContext) Mode() cryptoprovider.SecurityMode { return f.mode }

func (f *fakeContext) KeysForToken(tokenID uint32, incoming bool) (cryptoprovider.Provider, cryptoprovider.KeySet, error) {
	return f.provider, f.keys, nil
}

func (f *fakeContext) CurrentToken() uint32 { return f.tokenID }

func (f *fakeContext) AsymmetricSecurity() (cryptoprovider.Provider, AsymmetricMaterial, error) {
	return f.provider, AsymmetricMaterial{PolicyURI: f.policy}, nil
}

func (f *fakeContext) ValidateAsymmetricHeader(h sctcp.AsymmetricSecurityHeader) error {
	return nil
}

func TestEncodeDecode_SingleChunk_PolicyNone(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	enc := NewEncoder(ctx, sctcp.MinBufferSize, 0)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	body := []byte("GetEndpointsRequest payload")
	chunks, err := enc.Encode(sctcp.MsgSecure, 33, 42, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Encode produced %d chunks, want 1", len(chunks))
	}

	msg, err := dec.ReadMessage(bytes.NewReader(chunks[0]))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg == nil {
		t.Fatal("ReadMessage: got nil message")
	}
	if msg.RequestID != 42 || !bytes.Equal(msg.Body, body) {
		t.Fatalf("ReadMessage = %+v, want RequestID=42 Body=%q", msg, body)
	}
	if msg.ChannelID != 33 || msg.TokenID != 7 {
		t.Fatalf("ReadMessage channel/token = %d/%d, want 33/7", msg.ChannelID, msg.TokenID)
	}
}

func TestEncodeDecode_MultiChunk_PolicyNone(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	sendBuf := uint32(64)
	enc := NewEncoder(ctx, sendBuf, 0)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	body := bytes.Repeat([]byte("x"), 500)
	chunks, err := enc.Encode(sctcp.MsgSecure, 33, 1, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("Encode produced %d chunks, want more than 1 for a %d-byte body over a %d-byte buffer", len(chunks), len(body), sendBuf)
	}
	for i, c := range chunks[:len(chunks)-1] {
		if sctcp.IsFinal(c[3]) != sctcp.ChunkIntermediate {
			t.Fatalf("chunk %d finality = %c, want C", i, c[3])
		}
	}
	if sctcp.IsFinal(chunks[len(chunks)-1][3]) != sctcp.ChunkFinal {
		t.Fatal("last chunk not marked final")
	}

	var wire bytes.Buffer
	for _, c := range chunks {
		wire.Write(c)
	}
	msg, err := dec.ReadMessage(&wire)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(msg.Body, body) {
		t.Fatalf("ReadMessage reassembled %d bytes, want %d", len(msg.Body), len(body))
	}
}

func TestEncodeDecode_SingleChunk_Basic256Sha256(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyBasic256Sha256)
	enc := NewEncoder(ctx, 2048, 0)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	body := []byte("a signed and encrypted payload")
	chunks, err := enc.Encode(sctcp.MsgSecure, 5, 9, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := dec.ReadMessage(bytes.NewReader(chunks[0]))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !bytes.Equal(msg.Body, body) {
		t.Fatalf("ReadMessage = %q, want %q", msg.Body, body)
	}
}

func TestEncodeDecode_MultiChunk_Basic256Sha256(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyBasic256Sha256)
	enc := NewEncoder(ctx, 512, 0)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	body := bytes.Repeat([]byte("secured-multi-chunk-"), 100)
	chunks, err := enc.Encode(sctcp.MsgSecure, 5, 2, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("Encode produced %d chunks, want at least 2", len(chunks))
	}
	var msg *Message
	for _, c := range chunks {
		msg, err = dec.PushFrame(c, false)
		if err != nil {
			t.Fatalf("PushFrame: %v", err)
		}
	}
	if msg == nil || !bytes.Equal(msg.Body, body) {
		t.Fatal("reassembled body does not match original")
	}
}

func TestDecode_TamperedSignature_IsRejected(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyBasic256Sha256)
	enc := NewEncoder(ctx, 2048, 0)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	chunks, err := enc.Encode(sctcp.MsgSecure, 5, 1, []byte("payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tampered := append([]byte(nil), chunks[0]...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = dec.ReadMessage(bytes.NewReader(tampered))
	if err == nil {
		t.Fatal("ReadMessage: expected error for tampered signature, got nil")
	}
	secErr, ok := err.(*sctcp.Error)
	if !ok {
		t.Fatalf("ReadMessage error type = %T, want *sctcp.Error", err)
	}
	if secErr.Code != sctcp.BadSecurityChecksFailed {
		t.Fatalf("ReadMessage error code = %v, want BadSecurityChecksFailed", secErr.Code)
	}
	if secErr.Reason != "" {
		t.Fatalf("ReadMessage error reason = %q, want blanked", secErr.Reason)
	}
}

func TestDecode_UnsecuredHello_PassesThrough(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	var body bytes.Buffer
	if err := sctcp.WriteHello(&body, sctcp.Hello{ProtocolVersion: 0, ReceiveBufferSize: sctcp.MinBufferSize, SendBufferSize: sctcp.MinBufferSize, ReceiveMaxMessageSize: 1 << 20}); err != nil {
		t.Fatalf("WriteHello: %v", err)
	}
	wire, err := EncodeUnsecured(sctcp.MsgHello, body.Bytes())
	if err != nil {
		t.Fatalf("EncodeUnsecured: %v", err)
	}
	msg, err := dec.ReadMessage(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Type != sctcp.MsgHello {
		t.Fatalf("ReadMessage message type = %v, want MsgHello", msg.Type)
	}
	gotHello, err := sctcp.ReadHello(bytes.NewReader(msg.Body))
	if err != nil {
		t.Fatalf("ReadHello: %v", err)
	}
	if gotHello.ReceiveBufferSize != sctcp.MinBufferSize {
		t.Fatalf("ReadHello.ReceiveBufferSize = %d, want %d", gotHello.ReceiveBufferSize, sctcp.MinBufferSize)
	}
}

func TestEncode_SequenceStartsAtInitialValue(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	enc := NewEncoder(ctx, sctcp.MinBufferSize, 0)

	chunks, err := enc.Encode(sctcp.MsgSecure, 1, 1, []byte("first"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	seq, err := sctcp.ReadSequenceHeader(bytes.NewReader(chunks[0][sctcp.HeaderSize+sctcp.SymmetricSecurityHeaderSize:]))
	if err != nil {
		t.Fatalf("ReadSequenceHeader: %v", err)
	}
	if seq.SequenceNumber != InitialSequenceNumber {
		t.Fatalf("first sequence number = %d, want %d", seq.SequenceNumber, InitialSequenceNumber)
	}

	chunks, err = enc.Encode(sctcp.MsgSecure, 1, 2, []byte("second"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	seq, _ = sctcp.ReadSequenceHeader(bytes.NewReader(chunks[0][sctcp.HeaderSize+sctcp.SymmetricSecurityHeaderSize:]))
	if seq.SequenceNumber != InitialSequenceNumber+1 {
		t.Fatalf("second sequence number = %d, want %d", seq.SequenceNumber, InitialSequenceNumber+1)
	}
}

func TestEncode_ChunkBudgetExceeded(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	enc := NewEncoder(ctx, 64, 2) // tiny chunks, budget of 2

	_, err := enc.Encode(sctcp.MsgSecure, 1, 1, bytes.Repeat([]byte("x"), 500))
	if err == nil {
		t.Fatal("Encode: expected error for body exceeding chunk budget, got nil")
	}
	secErr, ok := err.(*sctcp.Error)
	if !ok || secErr.Code != sctcp.BadResponseTooLarge {
		t.Fatalf("Encode error = %v, want BadResponseTooLarge", err)
	}
}

func TestPushFrame_OversizeFrameRejected(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	enc := NewEncoder(ctx, 1<<16, 0)
	dec := NewDecoder(ctx, 64, 1<<20, 0) // 64-byte receive buffer

	chunks, err := enc.Encode(sctcp.MsgSecure, 1, 1, bytes.Repeat([]byte("y"), 200))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = dec.PushFrame(chunks[0], false)
	secErr, ok := err.(*sctcp.Error)
	if !ok || secErr.Code != sctcp.BadTcpMessageTooLarge {
		t.Fatalf("PushFrame error = %v, want BadTcpMessageTooLarge", err)
	}
}

func TestPushFrame_AbortDiscardsAccumulation(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	enc := NewEncoder(ctx, 64, 0)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	chunks, err := enc.Encode(sctcp.MsgSecure, 1, 5, bytes.Repeat([]byte("z"), 120))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("Encode produced %d chunks, want at least 2", len(chunks))
	}

	// Feed the first (intermediate) chunk, then an abort chunk built
	// by rewriting the finality byte of the final chunk.
	if msg, err := dec.PushFrame(chunks[0], false); err != nil || msg != nil {
		t.Fatalf("PushFrame intermediate = (%v, %v), want (nil, nil)", msg, err)
	}
	abort := append([]byte(nil), chunks[len(chunks)-1]...)
	abort[3] = byte(sctcp.ChunkAbort)
	if msg, err := dec.PushFrame(abort, false); err != nil || msg != nil {
		t.Fatalf("PushFrame abort = (%v, %v), want (nil, nil)", msg, err)
	}

	// A fresh message from the same encoder (abort does not reset the
	// sequence counter) decodes cleanly afterwards.
	chunks, err = enc.Encode(sctcp.MsgSecure, 1, 6, []byte("after abort"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := dec.PushFrame(chunks[0], false)
	if err != nil {
		t.Fatalf("PushFrame after abort: %v", err)
	}
	if msg == nil || string(msg.Body) != "after abort" {
		t.Fatalf("PushFrame after abort = %+v, want body %q", msg, "after abort")
	}
}

func TestDecode_ReplayedSequenceRejected(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	enc := NewEncoder(ctx, sctcp.MinBufferSize, 0)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	chunks, err := enc.Encode(sctcp.MsgSecure, 1, 1, []byte("once"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := dec.PushFrame(chunks[0], false); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	_, err = dec.PushFrame(chunks[0], false) // replay
	secErr, ok := err.(*sctcp.Error)
	if !ok || secErr.Code != sctcp.BadSecurityChecksFailed {
		t.Fatalf("PushFrame replay error = %v, want BadSecurityChecksFailed", err)
	}
	if ok && secErr.Reason != "" {
		t.Fatalf("PushFrame replay reason = %q, want blanked", secErr.Reason)
	}
}

func TestDecode_SequenceRolloverWindowAccepted(t *testing.T) {
	ctx := newFakeContext(t, cryptoprovider.PolicyNone)
	dec := NewDecoder(ctx, 0, 1<<20, 0)

	if err := dec.checkSequence((1 << 32) - 100); err != nil {
		t.Fatalf("checkSequence(high): %v", err)
	}
	if err := dec.checkSequence(51); err != nil {
		t.Fatalf("checkSequence(51) after rollover window: %v", err)
	}
	if err := dec.checkSequence(52); err != nil {
		t.Fatalf("checkSequence(52): %v", err)
	}
	if err := dec.checkSequence(52); err == nil {
		t.Fatal("checkSequence(52) replay: expected error, got nil")
	}
}
