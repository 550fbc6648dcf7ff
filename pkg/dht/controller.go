package dht

import (
	"context"
	"fmt"
)

// Controller is a cheaply cloneable handle onto a running MainLoop. All
// methods block until the command completes or ctx is cancelled; none of
// them touch the table directly, they only round-trip a Command over the
// loop's command channel.
type Controller struct {
	commands chan<- Command
}

// NewController wraps a MainLoop's command channel.
func NewController(loop *MainLoop) *Controller {
	return &Controller{commands: loop.Commands()}
}

func (c *Controller) send(ctx context.Context, cmd Command) (CommandReply, error) {
	cmd.ReplyTo = make(chan CommandReply, 1)
	select {
	case c.commands <- cmd:
	case <-ctx.Done():
		return CommandReply{}, ctx.Err()
	}
	select {
	case reply := <-cmd.ReplyTo:
		if reply.Err != nil {
			return reply, reply.Err
		}
		return reply, nil
	case <-ctx.Done():
		return CommandReply{}, ctx.Err()
	}
}

// Bootstrap seeds the routing table with seeds and runs a self-lookup.
func (c *Controller) Bootstrap(ctx context.Context, seeds []PeerID) ([]PeerID, error) {
	reply, err := c.send(ctx, Command{Kind: CmdBootstrap, Seeds: seeds})
	if err != nil {
		return nil, err
	}
	return reply.Peers, nil
}

// FindPeer runs an iterative FindNode lookup for peer, returning the
// closest known peers (which may or may not include peer itself; the
// caller checks for an exact match).
func (c *Controller) FindPeer(ctx context.Context, peer PeerID) ([]PeerID, error) {
	reply, err := c.send(ctx, Command{Kind: CmdFindPeer, Peer: peer})
	if err != nil {
		return nil, err
	}
	return reply.Peers, nil
}

// FindProviders runs an iterative GetProviders lookup for key.
func (c *Controller) FindProviders(ctx context.Context, key []byte) ([]ProviderInfo, error) {
	reply, err := c.send(ctx, Command{Kind: CmdFindProviders, Key: key})
	if err != nil {
		return nil, err
	}
	return reply.Providers, nil
}

// GetValue runs an iterative GetValue lookup for key.
func (c *Controller) GetValue(ctx context.Context, key []byte) (*Record, error) {
	reply, err := c.send(ctx, Command{Kind: CmdGetValue, Key: key})
	if err != nil {
		return nil, err
	}
	return reply.Record, nil
}

// PutValue runs the two-phase FindNode-then-write for a value record.
func (c *Controller) PutValue(ctx context.Context, key, value []byte) error {
	_, err := c.send(ctx, Command{Kind: CmdPutValue, Key: key, Value: value})
	return err
}

// AddProvider runs the two-phase FindNode-then-write announcing the local
// node as a provider of key.
func (c *Controller) AddProvider(ctx context.Context, key []byte, addrs []string) error {
	_, err := c.send(ctx, Command{Kind: CmdAddProvider, Key: key, Addrs: addrs})
	return err
}

// AddAddress inserts or updates a peer's address set directly, bypassing
// any lookup (used by the admin API's add-peer endpoint).
func (c *Controller) AddAddress(ctx context.Context, peer PeerID, addrs []string) error {
	_, err := c.send(ctx, Command{Kind: CmdAddAddress, Peer: peer, Addrs: addrs})
	return err
}

// RemovePeer deletes peer from the routing table.
func (c *Controller) RemovePeer(ctx context.Context, peer PeerID) error {
	_, err := c.send(ctx, Command{Kind: CmdRemovePeer, Peer: peer})
	return err
}

// Dump returns a snapshot of the table, connected set, and active queries.
func (c *Controller) Dump(ctx context.Context) (*Dump, error) {
	reply, err := c.send(ctx, Command{Kind: CmdDump})
	if err != nil {
		return nil, err
	}
	return reply.Dump, nil
}

// Stats returns a snapshot of process-wide counters.
func (c *Controller) Stats(ctx context.Context) (*Stats, error) {
	reply, err := c.send(ctx, Command{Kind: CmdStats})
	if err != nil {
		return nil, err
	}
	return reply.Stats, nil
}

// String implements fmt.Stringer for debug logging of a Controller handle.
func (c *Controller) String() string {
	return fmt.Sprintf("Controller{commands=%p}", c.commands)
}
