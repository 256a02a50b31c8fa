// Package client implements the controller side of the command
// protocol. Each call opens one connection, negotiates the protocol,
// exchanges the command body, and closes.
package client

import (
	"fmt"
	"strconv"

	"github.com/marmos91/blockcdp/pkg/server"
	"github.com/marmos91/blockcdp/pkg/transport"
)

// Client issues commands to one daemon.
type Client struct {
	addr   string
	nodeID string
	opts   transport.SocketOptions
}

// New builds a client. nodeID identifies the controller on the wire.
func New(addr, nodeID string, opts transport.SocketOptions) *Client {
	return &Client{addr: addr, nodeID: nodeID, opts: opts}
}

// run dials, negotiates protocol, and hands the packet to fn.
func (c *Client) run(protocol string, fn func(pkt *transport.Packet) error) error {
	conn, err := transport.Dial(c.addr, c.opts)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := transport.Negotiate(conn, c.nodeID, protocol); err != nil {
		return err
	}
	return fn(transport.NewPacket(conn))
}

// command sends the parameter vector and reads the ok/error reply.
// The returned packet helpers continue the protocol-specific tail.
func (c *Client) command(protocol string, params []string, tail func(pkt *transport.Packet) error) error {
	return c.run(protocol, func(pkt *transport.Packet) error {
		if err := pkt.WriteStrVec(params); err != nil {
			return err
		}
		reply, err := pkt.ReadString()
		if err != nil {
			return err
		}
		if reply != server.MsgOk {
			return fmt.Errorf("%s: %s", protocol, reply)
		}
		if tail == nil {
			return nil
		}
		return tail(pkt)
	})
}

// ackCommand is a command whose tail is a single ack.
func (c *Client) ackCommand(protocol string, params ...string) error {
	return c.command(protocol, params, func(pkt *transport.Packet) error {
		return pkt.ReadAck()
	})
}

// vecCommand is a command whose tail is a string vector.
func (c *Client) vecCommand(protocol string, params ...string) ([]string, error) {
	var out []string
	err := c.command(protocol, params, func(pkt *transport.Packet) error {
		var err error
		out, err = pkt.ReadStrVec()
		return err
	})
	return out, err
}

// strCommand is a command whose tail is a single string.
func (c *Client) strCommand(protocol string, params ...string) (string, error) {
	var out string
	err := c.command(protocol, params, func(pkt *transport.Packet) error {
		var err error
		out, err = pkt.ReadString()
		return err
	})
	return out, err
}

// InitVol creates a volume. On storage daemons wdevPath names the WAL
// device; archives ignore it.
func (c *Client) InitVol(volID string, wdevPath string) error {
	params := []string{volID}
	if wdevPath != "" {
		params = append(params, wdevPath)
	}
	return c.ackCommand(server.CmdInitVol, params...)
}

// ClearVol destroys a volume.
func (c *Client) ClearVol(volID string) error {
	return c.ackCommand(server.CmdClearVol, volID)
}

// ResetVol returns a stopped volume to SyncReady at the given gid.
func (c *Client) ResetVol(volID string, gid *uint64) error {
	params := []string{volID}
	if gid != nil {
		params = append(params, strconv.FormatUint(*gid, 10))
	}
	return c.ackCommand(server.CmdResetVol, params...)
}

// Start resumes a stopped volume.
func (c *Client) Start(volID string, role string) error {
	params := []string{volID}
	if role != "" {
		params = append(params, role)
	}
	return c.ackCommand(server.CmdStart, params...)
}

// Stop requests a graceful or forced stop.
func (c *Client) Stop(volID string, force bool) error {
	f := "0"
	if force {
		f = "1"
	}
	return c.ackCommand(server.CmdStop, volID, f)
}

// Status returns the daemon's volume list (empty volID) or one
// volume's detail lines.
func (c *Client) Status(volID string) ([]string, error) {
	if volID == "" {
		return c.vecCommand(server.CmdStatus)
	}
	return c.vecCommand(server.CmdStatus, volID)
}

// FullBkp runs a full backup on a storage daemon.
func (c *Client) FullBkp(volID string, bulkLb uint64) error {
	params := []string{volID}
	if bulkLb != 0 {
		params = append(params, strconv.FormatUint(bulkLb, 10))
	}
	return c.ackCommand(server.CmdFullBkp, params...)
}

// HashBkp runs a hash backup on a storage daemon.
func (c *Client) HashBkp(volID string) error {
	return c.ackCommand(server.CmdHashBkp, volID)
}

// Snapshot takes a snapshot and returns the new gid.
func (c *Client) Snapshot(volID string) (uint64, error) {
	out, err := c.strCommand(server.CmdSnapshot, volID)
	if err != nil {
		return 0, err
	}
	gid, err := strconv.ParseUint(out, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("snapshot: bad gid reply %q", out)
	}
	return gid, nil
}

// ArchiveInfo drives the proxy archive registry.
// op is one of list, get, add, update, delete.
func (c *Client) ArchiveInfo(op, volID string, args ...string) ([]string, error) {
	params := append([]string{op, volID}, args...)
	switch op {
	case "list", "get":
		return c.vecCommand(server.CmdArchiveInfo, params...)
	case "delete":
		return c.vecCommand(server.CmdArchiveInfo, params...)
	default:
		return nil, c.ackCommand(server.CmdArchiveInfo, params...)
	}
}

// Restore materializes a clean snapshot on the archive.
func (c *Client) Restore(volID string, gid uint64) error {
	return c.command(server.CmdRestore, []string{volID, strconv.FormatUint(gid, 10)}, nil)
}

// DelRestored removes a restored image.
func (c *Client) DelRestored(volID string, gid uint64) error {
	return c.command(server.CmdDelRestored, []string{volID, strconv.FormatUint(gid, 10)}, nil)
}

// Apply folds diffs up to gid into the base image.
func (c *Client) Apply(volID string, gid uint64) error {
	return c.command(server.CmdApply, []string{volID, strconv.FormatUint(gid, 10)}, nil)
}

// Merge folds a mergeable diff run; returns the composite diff name.
func (c *Client) Merge(volID string, gidB, gidE uint64, maxSizeMb uint64) (string, error) {
	params := []string{volID, strconv.FormatUint(gidB, 10), strconv.FormatUint(gidE, 10)}
	if maxSizeMb != 0 {
		params = append(params, strconv.FormatUint(maxSizeMb, 10))
	}
	return c.strCommand(server.CmdMerge, params...)
}

// Resize grows a volume. size uses k/m/g/t suffixes.
func (c *Client) Resize(volID, size string) error {
	return c.command(server.CmdResize, []string{volID, size}, nil)
}

// HostType asks the daemon kind.
func (c *Client) HostType() (string, error) {
	return c.strCommand(server.CmdHostType)
}

// Kick wakes the daemon's background work.
func (c *Client) Kick() error {
	return c.command(server.CmdKick, nil, nil)
}

// Get queries one read-only target.
func (c *Client) Get(target string, args ...string) ([]string, error) {
	return c.vecCommand(server.CmdGet, append([]string{target}, args...)...)
}

// Shutdown stops the daemon.
func (c *Client) Shutdown(force bool) error {
	return c.run(server.CmdShutdown, func(pkt *transport.Packet) error {
		if err := pkt.WriteBool(force); err != nil {
			return err
		}
		reply, err := pkt.ReadString()
		if err != nil {
			return err
		}
		if reply != server.MsgAccept {
			return fmt.Errorf("shutdown: %s", reply)
		}
		return nil
	})
}
