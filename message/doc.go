// Package message implements the text wire format of the throughput benchmark.
//
// A frame is three bracketed fields:
//
//	[<peer>_M_<n>][KIND][payload]
//
// KIND is one of DATA, RTS or CTS. Control frames (RTS, CTS) carry an empty payload,
// data frames carry PING or PONG. Field values must not contain '[' or ']'; there is no escaping.
//
// Outbound DATA frames are padded to a target size by appending '1' characters to the payload
// before its closing bracket. Frames whose natural size already meets or exceeds the target are
// emitted unchanged, never truncated.
//
// Decode also accepts the legacy four field layout [id][createdAtMs][KIND][payload], which carries
// the sender's creation timestamp and allows one-way latency to be computed.
package message
