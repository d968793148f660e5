// Package peers is the registry of known overlay peers: their addresses,
// reliability, NAT classification and relay eligibility.
package peers
