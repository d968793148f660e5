// Package tunnel builds and maintains onion-routed circuits and carries the
// relay and exit roles for other nodes' circuits.
//
// An originator picks 1 to 3 hops from the peer registry, sends CREATE to the
// first and grows the circuit with EXTEND messages tunnelled through the hops
// already established. Every hop holds its own forward and backward keys; a
// cell gains one layer per hop going backward and loses one per hop going
// forward. A pool of circuits is kept established and heartbeated, and
// failed circuits are replaced.
//
// Anonymous channels are reliable byte streams multiplexed over a pooled
// circuit and terminated by the circuit's last hop, which dials TCP on the
// originator's behalf.
package tunnel
