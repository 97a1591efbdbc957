// Package protocol implements the wire format spoken with the wearable:
// command, response and notification frames, device status codes, the
// CRC16 used by firmware transfers, and the protobuf-encoded payloads
// carried inside frames.
//
// Frame layout (multi-byte integers little-endian):
//
//	Command:      [0x01][component][correlation][domain][opcode][len u16][payload]
//	Response:     [0x02][correlation][status][len u16][payload]
//	Notification: [0x03][component][domain][event][len u16][payload]
package protocol
