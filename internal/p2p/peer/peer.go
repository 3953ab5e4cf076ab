// Package peer defines the persistent peer record: the durable state a
// node keeps about another node it has connected to or accepted, stored as
// one JSON file per peer IP.
//
// Grounded on original_source's src/lib/p2p/networking/peer_manager.rs,
// translated from the Rust serde-JSON-per-file layout into Go's
// encoding/json, matching the teacher's config package's yaml-tagged-struct
// idiom for on-disk records.
package peer

import "net"

// Record is the persisted state for one peer, addressed by IP.
type Record struct {
	Address             net.IP `json:"address"`
	LastConnectionFailMs int64  `json:"last_connection_fail_ms,omitempty"`
	AuthorizedVersion   uint32 `json:"authorized_version,omitempty"`
	ListeningPort       uint16 `json:"listening_port,omitempty"`
	Connected           bool   `json:"connected"`
}

// HasFailed reports whether this peer has ever recorded a connection
// failure.
func (r Record) HasFailed() bool {
	return r.LastConnectionFailMs != 0
}

// HasListeningPort reports whether a listening port is known for this
// peer, required before it can be offered as a connect candidate.
func (r Record) HasListeningPort() bool {
	return r.ListeningPort != 0
}
