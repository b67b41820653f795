// Package bootstrap resolves the set of existing peers a node should try
// to join a ring through, and optionally advertises this node once it is
// servicing.
package bootstrap

import "context"

// Bootstrap discovers candidate join points and advertises this node's own
// address for other nodes to discover. An empty Discover result means "start
// a new ring".
type Bootstrap interface {
	Discover(ctx context.Context) ([]string, error)
	Register(ctx context.Context, ip string, appPort int) error
	Deregister(ctx context.Context, ip string) error
}

// StaticBootstrap returns a fixed, operator-supplied peer list and performs
// no registration: the deployment's own orchestration (compose file,
// Kubernetes manifest, ...) is the source of truth for membership.
type StaticBootstrap struct {
	peers []string
}

// NewStaticBootstrap builds a Bootstrap backed by a fixed peer list.
func NewStaticBootstrap(peers []string) *StaticBootstrap {
	cp := make([]string, len(peers))
	copy(cp, peers)
	return &StaticBootstrap{peers: cp}
}

func (b *StaticBootstrap) Discover(ctx context.Context) ([]string, error) {
	return b.peers, nil
}

func (b *StaticBootstrap) Register(ctx context.Context, ip string, appPort int) error {
	return nil
}

func (b *StaticBootstrap) Deregister(ctx context.Context, ip string) error {
	return nil
}
