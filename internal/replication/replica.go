package replication

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"kvrepl/internal/logging"
	"kvrepl/internal/protocol"

	"go.uber.org/zap"
)

// ReplicaClient is the outbound side of the protocol: the connection a
// replica process opens to its configured master.
type ReplicaClient struct {
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	// totalBytesProcessed is incremented by the raw byte count of every
	// frame decoded from the master after the snapshot has been consumed
	// offset accounting.
	totalBytesProcessed int64
}

// DialMaster opens a TCP connection to host:port and drives the replica
// handshake: PING, REPLCONF listening-port, REPLCONF capa psync2,
// PSYNC ? -1, followed by consuming the snapshot envelope. It returns the
// connected client and the master's advertised replication id.
func DialMaster(host string, port int, ownPort int) (*ReplicaClient, string, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, "", fmt.Errorf("dial master %s: %w", addr, err)
	}

	c := &ReplicaClient{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}

	send := func(name string, args ...string) error {
		if _, err := c.w.Write(protocol.EncodeCommand(name, args...)); err != nil {
			return err
		}
		return c.w.Flush()
	}
	expect := func(prefix string) error {
		line, err := protocol.ReadReplyLine(c.r)
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		if !strings.HasPrefix(line, prefix) {
			return fmt.Errorf("handshake: expected %q, got %q", prefix, line)
		}
		return nil
	}

	if err := send("PING"); err != nil {
		return nil, "", err
	}
	if err := expect("+PONG"); err != nil {
		return nil, "", err
	}

	if err := send("REPLCONF", "listening-port", strconv.Itoa(ownPort)); err != nil {
		return nil, "", err
	}
	if err := expect("+OK"); err != nil {
		return nil, "", err
	}

	if err := send("REPLCONF", "capa", "psync2"); err != nil {
		return nil, "", err
	}
	if err := expect("+OK"); err != nil {
		return nil, "", err
	}

	if err := send("PSYNC", "?", "-1"); err != nil {
		return nil, "", err
	}
	line, err := protocol.ReadReplyLine(c.r)
	if err != nil {
		return nil, "", fmt.Errorf("handshake: reading FULLRESYNC: %w", err)
	}
	if !strings.HasPrefix(line, "+FULLRESYNC") {
		return nil, "", fmt.Errorf("handshake: expected +FULLRESYNC, got %q", line)
	}
	fields := strings.Fields(line)
	replID := ""
	if len(fields) >= 2 {
		replID = fields[1]
	}

	// The snapshot bytes do not count toward total_bytes_processed;
	// accounting begins with the first frame after the snapshot.
	if _, err := protocol.ReadSnapshotEnvelope(c.r); err != nil {
		return nil, "", fmt.Errorf("handshake: reading snapshot: %w", err)
	}

	logging.Info("replica handshake complete", zap.String("master_replid", replID))
	return c, replID, nil
}

// Offset returns the replica's current total_bytes_processed.
func (c *ReplicaClient) Offset() int64 {
	return atomic.LoadInt64(&c.totalBytesProcessed)
}

// Run consumes the propagated stream until the connection closes or ctx is
// done. apply is invoked for every decoded frame other than a GETACK probe,
// write or not (applied silently — a replica never answers its master for
// SET/PING/ECHO/INFO). A REPLCONF
// GETACK probe is answered inline with the current offset, computed as the
// post-increment counter minus the GETACK frame's own length.
func (c *ReplicaClient) Run(apply func(cmd *protocol.Command)) error {
	for {
		cmd, raw, err := protocol.DecodeOne(c.r)
		if err != nil {
			return err
		}
		atomic.AddInt64(&c.totalBytesProcessed, int64(len(raw)))

		if cmd.Name == "REPLCONF" && len(cmd.Args) > 0 && strings.ToUpper(cmd.Args[0]) == "GETACK" {
			offset := atomic.LoadInt64(&c.totalBytesProcessed) - int64(getAckFrameLen)
			ack := protocol.EncodeCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10))
			c.wmu.Lock()
			_, werr := c.w.Write(ack)
			if werr == nil {
				werr = c.w.Flush()
			}
			c.wmu.Unlock()
			if werr != nil {
				return fmt.Errorf("sending ACK: %w", werr)
			}
			continue
		}

		apply(cmd)
	}
}

func (c *ReplicaClient) Close() error {
	return c.conn.Close()
}
