// Package node assembles a tunnelfin participant from its configuration:
// the transport and packet mux, peer discovery, the circuit pool with its
// relay and exit roles, bandwidth accounting and attestation, metrics and
// the control API. Run drives every loop under one errgroup.
package node
