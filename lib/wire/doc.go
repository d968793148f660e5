// Package wire is the single source of truth for the overlay's byte layout.
//
// # Primitives
//
// Every message is built from a small set of primitives, packed back to back
// with no padding or alignment:
//
//   - unsigned integers of 8, 16, 32 and 64 bits, big-endian
//   - booleans as exactly one byte, 0x00 or 0x01
//   - variable-length byte strings as a 2-byte big-endian length followed by
//     the raw bytes ("varlenH")
//   - IPv4 endpoints as 4 address bytes followed by a 2-byte port ("4sH")
//
// # Framing
//
//	+----+----+----//----+----+---------//---------+
//	| 00 | 02 | community id | kind |   payload    |
//	+----+----+----//----+----+---------//---------+
//	  version     20 bytes    1 byte
//
// The payload layout depends on the kind's envelope. Signed kinds carry the
// sender's public key and global time ahead of the payload and a 64-byte
// Ed25519 signature after it. Unsigned discovery kinds carry only the global
// time. Circuit kinds carry the payload directly, and always start it with
// the 4-byte circuit identifier.
//
// # Cells
//
// Data travelling along a circuit is wrapped in a Cell. Each onion layer's
// plaintext starts with a flag byte: LayerForward means the rest is another
// layer to pass along, LayerDeliver means the rest is an inner message for
// the hop that removed the layer.
package wire
