// Package transport moves raw overlay datagrams.
//
// A Transport owns one socket and runs a single receive loop that hands every
// inbound datagram to a Handler, normally a Mux that decodes the header and
// dispatches on message kind. Sends are fire-and-forget. Reliability is the
// caller's concern and is built with RetryPolicy.
//
// UDPTransport is the production implementation. MemoryNetwork connects
// MemoryTransports in process, with hooks to drop or filter traffic.
package transport
