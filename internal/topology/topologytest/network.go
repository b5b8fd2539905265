// Package topologytest provides an in-process network for tests that drive
// several operators without gRPC.
package topologytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zde37/rangedht/internal/topology"
)

// ErrUnreachable is returned for detached or downed nodes.
var ErrUnreachable = errors.New("node unreachable")

// Node is the part of an operator the network delivers to.
type Node interface {
	Self() string
	Process(ctx context.Context, req *topology.Request) *topology.Response
	ProcessResponse(ctx context.Context, resp *topology.Response)
}

// LoggedRequest is one request seen by a LocalNetwork.
type LoggedRequest struct {
	From   string
	To     string
	Method string
}

// LocalNetwork connects operators living in one process.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[string]Node
	down  map[string]bool
	log   []LoggedRequest
}

// NewLocalNetwork creates an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: make(map[string]Node),
		down:  make(map[string]bool),
	}
}

// Transport returns the endpoint used by the node at self.
func (n *LocalNetwork) Transport(self string) topology.Transport {
	return &localTransport{net: n, self: self}
}

// Attach makes a node reachable at its address.
func (n *LocalNetwork) Attach(node Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[node.Self()] = node
}

// Detach removes a node from the network.
func (n *LocalNetwork) Detach(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

// SetDown makes every packet to or from addr fail.
func (n *LocalNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// Requests returns the logged requests for method, or all when method is empty.
func (n *LocalNetwork) Requests(method string) []LoggedRequest {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var out []LoggedRequest
	for _, r := range n.log {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (n *LocalNetwork) route(from, to string) (Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	target, ok := n.nodes[to]
	if !ok || n.down[to] || n.down[from] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	return target, nil
}

type localTransport struct {
	net  *LocalNetwork
	self string
}

func (t *localTransport) Send(ctx context.Context, addr string, req *topology.Request) (*topology.Response, error) {
	target, err := t.net.route(t.self, addr)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.net.mu.Lock()
	t.net.log = append(t.net.log, LoggedRequest{From: t.self, To: addr, Method: req.Method})
	t.net.mu.Unlock()

	resp := target.Process(ctx, req.Clone())
	cp := *resp
	return &cp, nil
}

func (t *localTransport) Deliver(ctx context.Context, addr string, resp *topology.Response) error {
	target, err := t.net.route(t.self, addr)
	if err != nil {
		return err
	}
	cp := *resp
	target.ProcessResponse(ctx, &cp)
	return nil
}
