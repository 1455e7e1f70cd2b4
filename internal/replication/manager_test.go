package replication

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"kvrepl/internal/protocol"

	"github.com/stretchr/testify/require"
)

// fakeReplica drives the "other end" of a registered link: it reads
// REPLCONF GETACK probes and answers with a fixed ACK offset, simulating a
// caught-up replica. respond=false simulates one that reads the probes but
// never answers.
func fakeReplica(t *testing.T, conn net.Conn, ackOffset int64, respond bool) {
	t.Helper()
	go func() {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		for {
			cmd, _, err := protocol.DecodeOne(r)
			if err != nil {
				return
			}
			if respond && cmd.Name == "REPLCONF" && len(cmd.Args) > 0 && cmd.Args[0] == "GETACK" {
				ack := protocol.EncodeCommand("REPLCONF", "ACK", strconv.FormatInt(ackOffset, 10))
				if _, err := w.Write(ack); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}()
}

func registerLink(t *testing.T, m *Manager) (*Link, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	link := m.Register(serverConn, bufio.NewWriter(serverConn), bufio.NewReader(serverConn))
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	return link, clientConn
}

func TestCountAndRemove(t *testing.T) {
	m := NewManager("replid")
	require.Equal(t, 0, m.Count())

	link, _ := registerLink(t, m)
	require.Equal(t, 1, m.Count())

	m.Remove(link.Handle)
	require.Equal(t, 0, m.Count())
}

// WAIT convergence: with k replicas that all ack by the deadline, the reply
// equals k.
func TestWaitConvergesWhenReplicasAck(t *testing.T) {
	m := NewManager("replid")
	_, conn1 := registerLink(t, m)
	_, conn2 := registerLink(t, m)
	fakeReplica(t, conn1, 100, true)
	fakeReplica(t, conn2, 100, true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	count := m.Wait(ctx, 50, time.Second)
	require.Equal(t, 2, count)
}

func TestWaitExcludesReplicaThatNeverAcks(t *testing.T) {
	m := NewManager("replid")
	_, conn1 := registerLink(t, m)
	_, conn2 := registerLink(t, m)
	fakeReplica(t, conn1, 100, true)
	fakeReplica(t, conn2, 0, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	count := m.Wait(ctx, 50, 150*time.Millisecond)
	require.Equal(t, 1, count)
}

func TestWaitExcludesReplicaBehindTarget(t *testing.T) {
	m := NewManager("replid")
	_, conn := registerLink(t, m)
	fakeReplica(t, conn, 10, true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	count := m.Wait(ctx, 50, 150*time.Millisecond)
	require.Equal(t, 0, count)
}

func TestPropagateWritesRawFrameToEveryLink(t *testing.T) {
	m := NewManager("replid")
	_, conn := registerLink(t, m)

	raw := protocol.EncodeCommand("SET", "x", "1")
	done := make(chan []byte, 1)
	go func() {
		r := bufio.NewReader(conn)
		_, frame, err := protocol.DecodeOne(r)
		if err != nil {
			done <- nil
			return
		}
		done <- frame
	}()

	m.Propagate(raw)

	select {
	case got := <-done:
		require.Equal(t, raw, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for propagated frame")
	}
}
