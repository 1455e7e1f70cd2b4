// Package replication implements both halves of the master-replica
// protocol: the master's replica registry, write-command fan-out and WAIT
// barrier (this file), and the replica's outbound handshake and stream
// consumption (replica.go).
package replication

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kvrepl/internal/logging"
	"kvrepl/internal/protocol"

	"go.uber.org/zap"
)

// getAckFrameLen is the exact length, in bytes, of the "REPLCONF GETACK *"
// command as this server serializes it — used to derive the offset a
// replica reports in response to GETACK, computed once from the real
// encoding rather than hard-coded.
var getAckFrameLen = len(protocol.EncodeCommand("REPLCONF", "GETACK", "*"))

// Link is one registered replica connection. Its writer half is serialized
// (only one task may be emitting bytes on a link at a time) by wmu,
// which covers both write propagation and the GETACK probe.
type Link struct {
	Handle uint64
	Conn   net.Conn

	wmu sync.Mutex
	w   *bufio.Writer
	r   *bufio.Reader

	once sync.Once
	done chan struct{}
}

func (l *Link) markDone() {
	l.once.Do(func() { close(l.done) })
}

// Done returns a channel closed once this link is removed from the
// registry, so its parked connection goroutine can return and clean up.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Manager owns the master-side replication state: fixed replication id and
// the replica registry.
type Manager struct {
	ReplID string

	mu     sync.RWMutex
	links  map[uint64]*Link
	nextID uint64
}

func NewManager(replID string) *Manager {
	return &Manager{
		ReplID: replID,
		links:  make(map[uint64]*Link),
	}
}

// Register inserts conn into the replica registry under a fresh, stable,
// orderable handle. It must only be called after the PSYNC handshake's
// snapshot has been fully written (I3).
func (m *Manager) Register(conn net.Conn, w *bufio.Writer, r *bufio.Reader) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	link := &Link{Handle: m.nextID, Conn: conn, w: w, r: r, done: make(chan struct{})}
	m.links[link.Handle] = link
	logging.Info("replica registered", zap.Uint64("handle", link.Handle), zap.String("addr", conn.RemoteAddr().String()))
	return link
}

// Remove drops a link from the registry, e.g. on connection teardown.
func (m *Manager) Remove(handle uint64) {
	m.mu.Lock()
	link, ok := m.links[handle]
	delete(m.links, handle)
	m.mu.Unlock()
	if ok {
		link.markDone()
		logging.Info("replica removed", zap.Uint64("handle", handle))
	}
}

// Count returns the current registry size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.links)
}

// sortedLinks returns a snapshot of the registry ordered by handle, the
// deterministic iteration order required for both propagation and WAIT
// probing.
func (m *Manager) sortedLinks() []*Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Propagate forwards the exact raw frame bytes of a write command to every
// registered replica, in registry order, preserving per-link ordering (I1).
// A write failure removes that link from the registry in a separate
// goroutine rather than inside this loop.
func (m *Manager) Propagate(raw []byte) {
	for _, link := range m.sortedLinks() {
		link.wmu.Lock()
		_, err := link.w.Write(raw)
		if err == nil {
			err = link.w.Flush()
		}
		link.wmu.Unlock()
		if err != nil {
			logging.Warn("propagation failed, marking replica dead", zap.Uint64("handle", link.Handle), zap.Error(err))
			go m.Remove(link.Handle)
		}
	}
}

// Wait implements the WAIT barrier. Callers have already resolved
// the trivial "no writes since last WAIT" case; target is the write-byte
// count accumulated on the issuing client connection. Replicas are probed
// concurrently (the design notes explicitly permit this), each bounded by
// the full timeout — not a shared deadline.
func (m *Manager) Wait(ctx context.Context, target int64, timeout time.Duration) int {
	links := m.sortedLinks()
	var upToDate int32
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, link := range links {
		link := link
		g.Go(func() error {
			ok, err := probeReplica(gctx, link, target, timeout)
			if err != nil {
				logging.Warn("WAIT probe failed", zap.Uint64("handle", link.Handle), zap.Error(err))
				go m.Remove(link.Handle)
				return nil
			}
			if ok {
				mu.Lock()
				upToDate++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(upToDate)
}

// probeReplica sends REPLCONF GETACK * on link and waits up to timeout for a
// REPLCONF ACK <n> reply, reporting whether n >= target. A timeout is not an
// error: the replica is simply skipped for this WAIT.
func probeReplica(ctx context.Context, link *Link, target int64, timeout time.Duration) (bool, error) {
	link.wmu.Lock()
	defer link.wmu.Unlock()

	getAck := protocol.EncodeCommand("REPLCONF", "GETACK", "*")
	if _, err := link.w.Write(getAck); err != nil {
		return false, fmt.Errorf("send GETACK: %w", err)
	}
	if err := link.w.Flush(); err != nil {
		return false, fmt.Errorf("flush GETACK: %w", err)
	}

	type result struct {
		cmd *protocol.Command
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cmd, _, err := protocol.DecodeOne(link.r)
		ch <- result{cmd, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return false, res.err
		}
		if res.cmd.Name != "REPLCONF" || len(res.cmd.Args) < 2 || res.cmd.Args[0] != "ACK" {
			return false, fmt.Errorf("expected REPLCONF ACK, got %v", res.cmd)
		}
		var n int64
		if _, err := fmt.Sscanf(res.cmd.Args[1], "%d", &n); err != nil {
			return false, fmt.Errorf("malformed ACK offset %q: %w", res.cmd.Args[1], err)
		}
		return n >= target, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, nil
	}
}
