// Package handler drives the per-connection loop: decode, account for
// offsets, propagate writes, dispatch, and (for a replica) suppress the
// response.
package handler

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"kvrepl/internal/command"
	"kvrepl/internal/config"
	"kvrepl/internal/logging"
	"kvrepl/internal/protocol"
	"kvrepl/internal/rdb"
	"kvrepl/internal/replication"
	"kvrepl/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps are the process-wide collaborators every connection shares. Role is
// fixed for process lifetime; Manager is non-nil only on a
// master, ReplicaOffset only on a replica.
type Deps struct {
	Store         *store.Store
	Role          config.Role
	ReplID        string
	Manager       *replication.Manager
	ReplicaOffset func() int64
	Config        *config.Config
}

// Connection is one accepted socket, either a plain client or (on a master)
// a not-yet-classified replica link mid-handshake.
type Connection struct {
	deps *Deps
	id   string
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	// Offset accounting for writes issued on THIS client connection
	// scoped per connection, not global to the master.
	writeBytesProcessed    int64
	writeCommandsSinceWait int64
}

func NewConnection(deps *Deps, conn net.Conn) *Connection {
	return &Connection{
		deps: deps,
		id:   uuid.NewString(),
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}
}

// Serve runs the connection loop until the peer closes the socket, a fatal
// protocol-invariant violation occurs (which aborts the process), or
// ctx is cancelled.
func (c *Connection) Serve(ctx context.Context) {
	defer c.conn.Close()
	logging.Debug("connection accepted", zap.String("conn_id", c.id), zap.String("addr", c.conn.RemoteAddr().String()))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd, raw, err := protocol.DecodeOne(c.r)
		if err != nil {
			if isClose(err) {
				logging.Debug("connection closed", zap.String("conn_id", c.id), zap.String("addr", c.conn.RemoteAddr().String()))
				return
			}
			logging.Fatal("decode error: malformed frame on the wire", zap.String("conn_id", c.id), zap.Error(err))
			return
		}

		if !command.Known(cmd.Name) {
			logging.Fatal("unknown command", zap.String("conn_id", c.id), zap.String("name", cmd.Name))
			return
		}
		if err := c.checkRoleViolation(cmd); err != nil {
			logging.Fatal("role violation", zap.String("conn_id", c.id), zap.Error(err))
			return
		}

		isWrite := command.IsWrite(cmd.Name)
		if c.deps.Role == config.RoleMaster && isWrite {
			c.writeBytesProcessed += int64(len(raw))
			c.writeCommandsSinceWait++
			c.deps.Manager.Propagate(raw)
		}

		resp, becomesReplica := c.dispatch(cmd)

		if !c.suppressResponse(cmd.Name) && resp != nil {
			if _, err := c.w.Write(resp); err != nil {
				return
			}
			if err := c.w.Flush(); err != nil {
				return
			}
		}

		if becomesReplica {
			link := c.deps.Manager.Register(c.conn, c.w, c.r)
			c.parkAsReplica(ctx, link)
			return
		}
	}
}

// suppressResponse implements the response-suppression rule: on a
// replica, PING/ECHO/SET/INFO never answer the caller (they are assumed to
// arrive from the master and must be silent), regardless of which
// connection actually issued them.
func (c *Connection) suppressResponse(name string) bool {
	if c.deps.Role != config.RoleReplica {
		return false
	}
	switch name {
	case command.Ping, command.Echo, command.Set, command.Info:
		return true
	default:
		return false
	}
}

func (c *Connection) checkRoleViolation(cmd *protocol.Command) error {
	switch cmd.Name {
	case command.PSync:
		if c.deps.Role != config.RoleMaster {
			return errors.New("PSYNC received on a replica")
		}
	case command.Wait:
		if c.deps.Role != config.RoleMaster {
			return errors.New("WAIT received on a replica")
		}
	case command.ReplConf:
		if len(cmd.Args) > 0 && strings.ToUpper(cmd.Args[0]) == "GETACK" && c.deps.Role != config.RoleReplica {
			return errors.New("REPLCONF GETACK received on a master")
		}
	}
	return nil
}

// parkAsReplica runs once a link is classified as a replica:
// its own loop stops decoding the stream (the Manager's Link owns all
// further reads, during WAIT probes) and simply waits for teardown.
func (c *Connection) parkAsReplica(ctx context.Context, link *replication.Link) {
	select {
	case <-ctx.Done():
	case <-link.Done():
	}
	c.deps.Manager.Remove(link.Handle)
}

func isClose(err error) bool {
	return errors.Is(err, protocol.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (c *Connection) dispatch(cmd *protocol.Command) (resp []byte, becomesReplica bool) {
	switch cmd.Name {
	case command.Ping:
		return protocol.EncodeSimpleString("PONG"), false
	case command.Echo:
		return c.handleEcho(cmd)
	case command.Set:
		return c.handleSet(cmd)
	case command.Get:
		return c.handleGet(cmd)
	case command.Info:
		return c.handleInfo(cmd)
	case command.Config:
		return c.handleConfigGet(cmd)
	case command.Keys:
		return c.handleKeys(cmd)
	case command.ReplConf:
		return c.handleReplConf(cmd)
	case command.PSync:
		return c.handlePSync(cmd)
	case command.Wait:
		return c.handleWait(cmd)
	default:
		return protocol.EncodeError("ERR unknown command"), false
	}
}

func (c *Connection) handleEcho(cmd *protocol.Command) ([]byte, bool) {
	if len(cmd.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'echo' command"), false
	}
	return protocol.EncodeBulkString(cmd.Args[0]), false
}

func (c *Connection) handleSet(cmd *protocol.Command) ([]byte, bool) {
	key, value, deadline, err := command.ParseSet(cmd.Args)
	if err != nil {
		return protocol.EncodeError(err.Error()), false
	}
	c.deps.Store.Set(key, value, deadline)
	return protocol.EncodeSimpleString("OK"), false
}

func (c *Connection) handleGet(cmd *protocol.Command) ([]byte, bool) {
	if len(cmd.Args) != 1 {
		return protocol.EncodeError("ERR wrong number of arguments for 'get' command"), false
	}
	value, ok := c.deps.Store.Get(cmd.Args[0])
	if !ok {
		return protocol.EncodeNullBulkString(), false
	}
	return protocol.EncodeBulkString(value), false
}

func (c *Connection) handleInfo(cmd *protocol.Command) ([]byte, bool) {
	var sb strings.Builder
	if c.deps.Role == config.RoleMaster {
		sb.WriteString("role:master\n")
		sb.WriteString("master_replid:" + c.deps.ReplID + "\n")
		sb.WriteString("master_repl_offset:0\n")
	} else {
		sb.WriteString("role:slave\n")
	}
	return protocol.EncodeBulkString(sb.String()), false
}

func (c *Connection) handleConfigGet(cmd *protocol.Command) ([]byte, bool) {
	if len(cmd.Args) != 2 || strings.ToUpper(cmd.Args[0]) != "GET" {
		return protocol.EncodeError("ERR syntax error"), false
	}
	param := cmd.Args[1]
	var value string
	switch strings.ToLower(param) {
	case "dir":
		value = c.deps.Config.Dir
	case "dbfilename":
		value = c.deps.Config.DBFilename
	default:
		return protocol.EncodeError("ERR unsupported CONFIG parameter"), false
	}
	return protocol.EncodeArray([]string{param, value}), false
}

func (c *Connection) handleKeys(cmd *protocol.Command) ([]byte, bool) {
	// Only "*" is supported: the pattern argument is not inspected, and
	// every key in the store is returned whatever pattern is given.
	return protocol.EncodeArray(c.deps.Store.Keys()), false
}

func (c *Connection) handleReplConf(cmd *protocol.Command) ([]byte, bool) {
	if len(cmd.Args) == 0 {
		return protocol.EncodeError("ERR wrong number of arguments for 'replconf' command"), false
	}
	switch strings.ToUpper(cmd.Args[0]) {
	case "LISTENING-PORT", "CAPA":
		return protocol.EncodeSimpleString("OK"), false
	case "GETACK":
		offset := int64(0)
		if c.deps.ReplicaOffset != nil {
			offset = c.deps.ReplicaOffset()
		}
		return protocol.EncodeCommand("REPLCONF", "ACK", strconv.FormatInt(offset, 10)), false
	default:
		return protocol.EncodeSimpleString("OK"), false
	}
}

// handlePSync drives the master-side handshake completion: reply
// FULLRESYNC, push a snapshot envelope of the current store, and signal
// that this connection becomes a registered replica link.
func (c *Connection) handlePSync(cmd *protocol.Command) ([]byte, bool) {
	data, expiry := c.deps.Store.Snapshot()
	snapshot := rdb.Generate(data, expiry)

	var resp []byte
	resp = append(resp, []byte("+FULLRESYNC "+c.deps.ReplID+" 0\r\n")...)
	resp = append(resp, protocol.EncodeSnapshotEnvelope(snapshot)...)
	return resp, true
}

// handleWait implements the WAIT barrier.
func (c *Connection) handleWait(cmd *protocol.Command) ([]byte, bool) {
	if len(cmd.Args) != 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'wait' command"), false
	}
	timeoutMs, err := strconv.Atoi(cmd.Args[1])
	if err != nil {
		return protocol.EncodeError("ERR timeout is not an integer or out of range"), false
	}

	if c.writeCommandsSinceWait == 0 {
		count := c.deps.Manager.Count()
		return protocol.EncodeInteger(int64(count)), false
	}

	target := c.writeBytesProcessed
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	count := c.deps.Manager.Wait(ctx, target, time.Duration(timeoutMs)*time.Millisecond)

	c.writeCommandsSinceWait = 0
	return protocol.EncodeInteger(int64(count)), false
}
