package secureconn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// Channel-open request types.
const (
	openRequestIssue uint32 = 0
	openRequestRenew uint32 = 1
)

// openRequest is the body of an OPN request chunk.
type openRequest struct {
	RequestHandle     uint32
	RequestType       uint32 // openRequestIssue or openRequestRenew
	SecurityMode      cryptoprovider.SecurityMode
	RequestedLifetime uint32 // milliseconds
	ClientNonce       []byte
}

// openResponse is the body of an OPN response chunk.
type openResponse struct {
	RequestHandle   uint32
	ServiceResult   sctcp.StatusCode
	ChannelID       uint32
	TokenID         uint32
	RevisedLifetime uint32 // milliseconds
	ServerNonce     []byte
}

func (r openRequest) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeU32(&buf, r.RequestHandle)
	writeU32(&buf, r.RequestType)
	writeU32(&buf, uint32(r.SecurityMode))
	writeU32(&buf, r.RequestedLifetime)
	if err := sctcp.WriteByteString(&buf, r.ClientNonce); err != nil {
		return nil, fmt.Errorf("writing client nonce: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeOpenRequest(body []byte) (openRequest, error) {
	r := bytes.NewReader(body)
	var req openRequest
	var mode uint32
	for _, f := range []*uint32{&req.RequestHandle, &req.RequestType, &mode, &req.RequestedLifetime} {
		if err := readU32(r, f); err != nil {
			return openRequest{}, fmt.Errorf("reading channel-open request: %w", err)
		}
	}
	req.SecurityMode = cryptoprovider.SecurityMode(mode)
	nonce, err := sctcp.ReadByteString(r)
	if err != nil {
		return openRequest{}, fmt.Errorf("reading client nonce: %w", err)
	}
	req.ClientNonce = nonce
	return req, nil
}

func (r openResponse) encode() ([]byte, error) {
	var buf bytes.Buffer
	writeU32(&buf, r.RequestHandle)
	writeU32(&buf, uint32(r.ServiceResult))
	writeU32(&buf, r.ChannelID)
	writeU32(&buf, r.TokenID)
	writeU32(&buf, r.RevisedLifetime)
	if err := sctcp.WriteByteString(&buf, r.ServerNonce); err != nil {
		return nil, fmt.Errorf("writing server nonce: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeOpenResponse(body []byte) (openResponse, error) {
	r := bytes.NewReader(body)
	var resp openResponse
	var result uint32
	for _, f := range []*uint32{&resp.RequestHandle, &result, &resp.ChannelID, &resp.TokenID, &resp.RevisedLifetime} {
		if err := readU32(r, f); err != nil {
			return openResponse{}, fmt.Errorf("reading channel-open response: %w", err)
		}
	}
	resp.ServiceResult = sctcp.StatusCode(result)
	nonce, err := sctcp.ReadByteString(r)
	if err != nil {
		return openResponse{}, fmt.Errorf("reading server nonce: %w", err)
	}
	resp.ServerNonce = nonce
	return resp, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r io.Reader, out *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*out = binary.LittleEndian.Uint32(b[:])
	return nil
}
