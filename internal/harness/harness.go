// Package harness drives a ring of chordnode containers for
// integration testing: start N nodes pointed at a shared join address,
// wait for them to come up, and tear the whole ring down afterward.
// Exercising join/stabilize/lookup/map-traversal against real separate
// processes catches bugs a single-process unit test can't, since every
// node in this protocol listens on the same configured Chord port and
// genuinely distinct processes are the only faithful way to test that.
package harness

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Node is a running chordnode container and its host-mapped ports.
type Node struct {
	ContainerID string
	ChordPort   int
	AppPort     int
	HTTPPort    int
}

// Ring manages a set of chordnode containers sharing one Docker
// network, so they can reach each other by container name.
type Ring struct {
	cli       *client.Client
	image     string
	network   string
	nodes     []Node
	ownedNet  bool
	networkID string
}

// NewRing builds a Ring driver. image is the chordnode image to run;
// network is an existing Docker network name to attach nodes to, or ""
// to create a private one for this ring.
func NewRing(cli *client.Client, image, network string) *Ring {
	return &Ring{cli: cli, image: image, network: network}
}

// Start launches n containers: the first with no join point (it starts
// a new ring) and the rest joining through the first node's container
// name. It blocks until every container reports Running.
func (r *Ring) Start(ctx context.Context, n int) ([]Node, error) {
	if n < 1 {
		return nil, fmt.Errorf("harness: ring size must be >= 1, got %d", n)
	}
	if err := r.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	var joinPoint string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("chordring-node-%d", i)
		env := []string{
			"CHORDRING_BIND=0.0.0.0",
			"CHORDRING_HOST=" + name,
		}
		if joinPoint != "" {
			env = append(env, "CHORDRING_JOIN_POINT="+joinPoint)
		}

		resp, err := r.cli.ContainerCreate(ctx, &container.Config{
			Image: r.image,
			Env:   env,
			ExposedPorts: nat.PortSet{
				"9000/udp": struct{}{},
				"9001/tcp": struct{}{},
				"9100/tcp": struct{}{},
			},
		}, &container.HostConfig{
			NetworkMode: container.NetworkMode(r.network),
			PortBindings: nat.PortMap{
				"9000/udp": []nat.PortBinding{{}},
				"9001/tcp": []nat.PortBinding{{}},
				"9100/tcp": []nat.PortBinding{{}},
			},
		}, &network.NetworkingConfig{}, nil, name)
		if err != nil {
			return nil, fmt.Errorf("harness: create container %s: %w", name, err)
		}

		if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("harness: start container %s: %w", name, err)
		}

		if joinPoint == "" {
			joinPoint = name
		}

		ports, err := r.mappedPorts(ctx, resp.ID)
		if err != nil {
			return nil, err
		}
		r.nodes = append(r.nodes, Node{ContainerID: resp.ID, ChordPort: ports["9000/udp"], AppPort: ports["9001/tcp"], HTTPPort: ports["9100/tcp"]})
	}

	return r.nodes, nil
}

func (r *Ring) mappedPorts(ctx context.Context, id string) (map[string]int, error) {
	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("harness: inspect container %s: %w", id, err)
	}
	out := make(map[string]int)
	for port, bindings := range inspect.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		var hostPort int
		fmt.Sscanf(bindings[0].HostPort, "%d", &hostPort)
		out[string(port)] = hostPort
	}
	return out, nil
}

func (r *Ring) ensureNetwork(ctx context.Context) error {
	if r.network != "" {
		return nil
	}
	name := fmt.Sprintf("chordring-ring-%d", time.Now().UnixNano())
	resp, err := r.cli.NetworkCreate(ctx, name, network.CreateOptions{})
	if err != nil {
		return fmt.Errorf("harness: create network: %w", err)
	}
	r.network = name
	r.networkID = resp.ID
	r.ownedNet = true
	return nil
}

// PullImage pulls r.image if it isn't present locally, streaming the
// pull log to discard.
func (r *Ring) PullImage(ctx context.Context) error {
	rc, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("harness: pull image %s: %w", r.image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// Stop removes every container started by this ring and, if a private
// network was created for it, removes that too.
func (r *Ring) Stop(ctx context.Context) error {
	var firstErr error
	for _, n := range r.nodes {
		if err := r.cli.ContainerRemove(ctx, n.ContainerID, container.RemoveOptions{Force: true}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("harness: remove container %s: %w", n.ContainerID, err)
		}
	}
	r.nodes = nil
	if r.ownedNet {
		if err := r.cli.NetworkRemove(ctx, r.networkID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("harness: remove network %s: %w", r.networkID, err)
		}
	}
	return firstErr
}
