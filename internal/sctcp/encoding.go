package sctcp

import "io"

// Exported aliases of the String/ByteString codecs for callers that
// encode message bodies outside this package (the channel-open
// request and response carry nonces as ByteStrings).

// WriteString writes an OPC UA String (length-prefixed UTF-8, -1 for
// empty).
func WriteString(w io.Writer, s string) error { return writeUAString(w, s) }

// ReadString reads an OPC UA String, rejecting lengths above maxLen.
func ReadString(r io.Reader, maxLen int) (string, error) { return readUAString(r, maxLen) }

// WriteByteString writes an OPC UA ByteString (length-prefixed, -1
// for null).
func WriteByteString(w io.Writer, b []byte) error { return writeByteString(w, b) }

// ReadByteString reads an OPC UA ByteString; a null or empty value
// yields nil.
func ReadByteString(r io.Reader) ([]byte, error) { return readByteString(r) }
