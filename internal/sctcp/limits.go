package sctcp

// Fixed-size wire sections used by the chunk engine's encode planning
// step to compute how much body a chunk can carry within a negotiated
// buffer size.
const (
	SecureMessageHeaderSize = HeaderSize // 12B: MessageType+IsFinal+MessageSize+SecureChannelId
)

// MaxTokenIDCollisionRetries is the number of attempts a server makes
// to draw a non-colliding id. The runtime's id allocator (internal/core)
// applies the same bound through its own idAllocationRetries constant,
// for channel and token ids alike; it does not read this constant.
const MaxTokenIDCollisionRetries = 5
