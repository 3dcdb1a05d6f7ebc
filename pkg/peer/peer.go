// Package peer holds the set of known peers, keyed by UUID and by base
// URL, plus the consistent-hash ring used to route requests among them.
package peer

import "github.com/ryandielhenn/distcache/pkg/upstream"

// Peer is a single entry in the table: a stable UUID generated once at
// startup, a base URL (host:port of that peer's HTTP listener), and
// the upstream-HTTP-backend handle used to issue requests against it.
// The distinguished *self* entry binds the local UUID to the
// direct-upstream (origin) backend, so routing needs no special case
// for "is this me".
type Peer struct {
	UUID    string
	URL     string
	Backend upstream.Backend
}
