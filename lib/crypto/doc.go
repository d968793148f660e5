/*
Package crypto implements per-hop key agreement and the onion layering used on
circuits.

Each hop of a circuit agrees a shared secret with the originator using X25519
over two ephemeral keys: the originator's travels in CREATE or EXTEND, the
hop's comes back in CREATED or EXTENDED. HKDF-SHA256 expands the secret into
three keys:

	forward   originator -> hop cells
	backward  hop -> originator cells and the sealed candidate list
	auth      HMAC-SHA256 tag returned by the hop as proof of agreement

Every layer is ChaCha20-Poly1305. Its 96-bit nonce is a per-direction
counter carried in front of the sealed bytes; only one side of a circuit ever
seals under a given direction key. A layer's plaintext starts with a flag
byte, 0x00 to forward the remainder or 0x01 to deliver it at this hop.
*/
package crypto
