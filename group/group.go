// Package group implements Group (spec §4.3, C3): rank plus P-1
// Connections, constructed via the three-phase handshake of §4.3, and the
// point-to-point primitives the collectives in this package build on.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package group

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/diaflow/diaflow/cmn/cos"
	"github.com/diaflow/diaflow/cmn/debug"
	"github.com/diaflow/diaflow/cmn/nlog"
	"github.com/diaflow/diaflow/conn"
	"golang.org/x/sync/errgroup"
)

// magic is a fixed 64-bit constant hard-coded identically across the
// cluster (spec §6); it guards against a stray TCP client landing on our
// listener and being mistaken for a peer.
const magic uint64 = 0xD1A5_106A_11C0_DE42

const welcomeMsgSize = 24 // magic:8, group_id:8, sender_rank:8 (spec §6)

const (
	backoffStart = 10 * time.Millisecond
	backoffMax   = 40 * time.Second
)

// Group is {my_rank, Connection[P]}; connection[my_rank] is always nil.
type Group struct {
	myRank int
	size   int
	name   string
	groupID uint64
	conns  []*conn.Connection
}

func groupIDOf(name string) uint64 { return xxhash.ChecksumString64(name) }

func (g *Group) Rank() int               { return g.myRank }
func (g *Group) Size() int               { return g.size }
func (g *Group) Conn(rank int) *conn.Connection { return g.conns[rank] }

// ParseHosts validates the "host:port" list per spec §6: every entry must
// carry an explicit port, and the caller's rank must be in range.
func ParseHosts(myRank int, hosts []string) error {
	if myRank < 0 || myRank >= len(hosts) {
		return fmt.Errorf("rank %d out of range for %d hosts", myRank, len(hosts))
	}
	for i, h := range hosts {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(h)); err != nil {
			return fmt.Errorf("malformed endpoint %q (index %d): %w", h, i, err)
		}
	}
	return nil
}

// Connect runs the three-phase handshake of spec §4.3 and returns a Group
// with every connection in the Connected state.
func Connect(myRank int, hosts []string, name string) (*Group, error) {
	if err := ParseHosts(myRank, hosts); err != nil {
		return nil, err
	}
	P := len(hosts)
	g := &Group{myRank: myRank, size: P, name: name, groupID: groupIDOf(name), conns: make([]*conn.Connection, P)}

	ln, err := net.Listen("tcp", strings.TrimSpace(hosts[myRank]))
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	eg := new(errgroup.Group)

	// passive side: accept connections from every lower rank.
	eg.Go(func() error { return g.acceptLowerRanks(ln) })

	// active side: dial every higher rank.
	for j := myRank + 1; j < P; j++ {
		j := j
		eg.Go(func() error { return g.dialHigherRank(j, strings.TrimSpace(hosts[j])) })
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for r := 0; r < P; r++ {
		if r == myRank {
			continue
		}
		if g.conns[r] == nil || g.conns[r].State() != conn.Connected {
			return nil, cos.Fatal(&cos.BadHandshake{Reason: fmt.Sprintf("rank %d never reached Connected", r)})
		}
	}
	nlog.Infof("group %q: rank %d connected to %d peers", name, myRank, P-1)
	return g, nil
}

func (g *Group) acceptLowerRanks(ln net.Listener) error {
	for i := 0; i < g.myRank; i++ {
		tcp, err := ln.Accept()
		if err != nil {
			return err
		}
		c, err := conn.New(tcp.(*net.TCPConn), -1, g.name, 0, 0)
		if err != nil {
			return err
		}
		peerRank, err := g.passiveHandshake(c)
		if err != nil {
			return err
		}
		c.SetState(conn.Connected)
		g.conns[peerRank] = c
	}
	return nil
}

func (g *Group) dialHigherRank(peer int, addr string) error {
	backoff := backoffStart
	for {
		tcp, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			c, err := conn.New(tcp.(*net.TCPConn), peer, g.name, 0, 0)
			if err != nil {
				return err
			}
			if err := g.activeHandshake(c, peer); err != nil {
				return err
			}
			c.SetState(conn.Connected)
			g.conns[peer] = c
			return nil
		}
		if backoff > backoffMax {
			return cos.Fatal(&cos.ConnectRefused{Addr: addr})
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

// activeHandshake: send our WelcomeMsg first, then await the peer's.
func (g *Group) activeHandshake(c *conn.Connection, peer int) error {
	c.SetState(conn.TransportConnected)
	if err := g.sendWelcome(c); err != nil {
		return err
	}
	c.SetState(conn.HelloSent)
	peerRank, err := g.recvWelcome(c)
	if err != nil {
		return err
	}
	if peerRank != peer {
		return cos.Fatal(&cos.BadHandshake{Reason: fmt.Sprintf("expected rank %d, peer announced %d", peer, peerRank)})
	}
	c.SetState(conn.HelloReceived)
	return nil
}

// passiveHandshake: read the peer's WelcomeMsg first, then reply with ours.
func (g *Group) passiveHandshake(c *conn.Connection) (peerRank int, err error) {
	c.SetState(conn.TransportConnected)
	peerRank, err = g.recvWelcome(c)
	if err != nil {
		return 0, err
	}
	c.SetState(conn.HelloReceived)
	if err := g.sendWelcome(c); err != nil {
		return 0, err
	}
	c.SetState(conn.HelloSent)
	return peerRank, nil
}

func (g *Group) sendWelcome(c *conn.Connection) error {
	var buf [welcomeMsgSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], magic)
	binary.LittleEndian.PutUint64(buf[8:16], g.groupID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(g.myRank))
	return c.Send(buf[:])
}

func (g *Group) recvWelcome(c *conn.Connection) (rank int, err error) {
	var buf [welcomeMsgSize]byte
	if err := c.Recv(buf[:]); err != nil {
		return 0, err
	}
	gotMagic := binary.LittleEndian.Uint64(buf[0:8])
	gotGroup := binary.LittleEndian.Uint64(buf[8:16])
	if gotMagic != magic {
		return 0, cos.Fatal(&cos.BadHandshake{Reason: "magic mismatch"})
	}
	if gotGroup != g.groupID {
		return 0, cos.Fatal(&cos.BadHandshake{Reason: "group id mismatch"})
	}
	return int(binary.LittleEndian.Uint64(buf[16:24])), nil
}

//
// point-to-point (spec §4.3.1)
//

func (g *Group) SendTo(rank int, data []byte) error {
	debug.Assert(rank != g.myRank)
	c := g.conns[rank]
	if c == nil || c.State() != conn.Connected {
		return &cos.TransportError{Peer: rank, Op: "send-to", Errno: fmt.Errorf("not connected")}
	}
	return c.Send(data)
}

func (g *Group) RecvFrom(rank int, buf []byte) error {
	debug.Assert(rank != g.myRank)
	c := g.conns[rank]
	if c == nil || c.State() != conn.Connected {
		return &cos.TransportError{Peer: rank, Op: "recv-from", Errno: fmt.Errorf("not connected")}
	}
	return c.Recv(buf)
}

func (g *Group) SendReceive(rank int, out, in []byte) error {
	c := g.conns[rank]
	if c == nil || c.State() != conn.Connected {
		return &cos.TransportError{Peer: rank, Op: "send-receive", Errno: fmt.Errorf("not connected")}
	}
	return c.SendReceive(g.myRank, out, in)
}

func (g *Group) Close() error {
	var errs cos.Errs
	for r, c := range g.conns {
		if r == g.myRank || c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs.Add(err)
		}
	}
	if errs.Cnt() > 0 {
		return &errs
	}
	return nil
}
