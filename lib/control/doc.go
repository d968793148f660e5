// Package control serves a JSON-RPC 2.0 API for inspecting a running node.
//
// The service is registered as "node" and exposes:
//
//	node.Status        identity, addresses and summary counts
//	node.Circuits      originated circuits with their hops
//	node.Bandwidth     ledger totals, rates and relay contribution
//	node.Peers         the peer registry
//	node.CloseCircuit  tear down one circuit, {"id": 1234}
//
// Requests use raw JSON framing over TCP or a unix socket. Client is the
// matching caller used by the status command.
package control
