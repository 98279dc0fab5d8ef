// Package picolink bridges the local bus to a microcontroller over a serial
// line, typically the observatory's Raspberry Pi Pico board.
//
// The wire protocol is byte oriented. Both ends exchange frames laid out as:
//
//	offset  size  field
//	0       1     start marker, always 0xA5
//	1       1     property code, 1..254
//	2       1     payload length N, 0..255
//	3       N     payload, ASCII value bytes
//	3+N     2     CRC-16/CCITT-FALSE over code, length and payload,
//	              big endian
//
// Codes 0 and 255 are reserved so a run of idle-line bytes can never start a
// frame. A receiver that fails the CRC drops the marker byte and scans for
// the next 0xA5, which recovers from a corrupted byte without resetting the
// link. Payloads are the element value in wire spelling: switches send "1"
// or "0", numbers their decimal text, lights a state name.
//
// Commands expect the microcontroller to echo a frame with the same code
// carrying the resulting value. One frame is in flight at a time; further
// commands queue in arrival order. A command that is not acknowledged in
// time is retransmitted once and then reported as an alert.
package picolink
