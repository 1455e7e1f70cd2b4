package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) (*Command, []byte) {
	t.Helper()
	cmd, consumed, err := DecodeOne(bufio.NewReader(bytes.NewBufferString(raw)))
	require.NoError(t, err)
	return cmd, consumed
}

func TestDecodeOnePing(t *testing.T) {
	raw := "*1\r\n$4\r\nPING\r\n"
	cmd, consumed := decode(t, raw)
	require.Equal(t, "PING", cmd.Name)
	require.Empty(t, cmd.Args)
	require.Equal(t, len(raw), len(consumed))
}

func TestDecodeOneEcho(t *testing.T) {
	raw := "*2\r\n$4\r\nECHO\r\n$3\r\nhey\r\n"
	cmd, consumed := decode(t, raw)
	require.Equal(t, "ECHO", cmd.Name)
	require.Equal(t, []string{"hey"}, cmd.Args)
	require.Equal(t, len(raw), len(consumed))
}

func TestDecodeOneSetWithExpiry(t *testing.T) {
	raw := "*5\r\n$3\r\nSET\r\n$3\r\nfoo\r\n$3\r\nbar\r\n$2\r\nPX\r\n$3\r\n100\r\n"
	cmd, consumed := decode(t, raw)
	require.Equal(t, "SET", cmd.Name)
	require.Equal(t, []string{"foo", "bar", "PX", "100"}, cmd.Args)
	require.Equal(t, len(raw), len(consumed))
}

func TestDecodeOneLowercasesNameUppercased(t *testing.T) {
	raw := "*1\r\n$4\r\nping\r\n"
	cmd, _ := decode(t, raw)
	require.Equal(t, "PING", cmd.Name)
}

// Codec round-trip: decode_one(encode(c)) reproduces the same command and
// reports the exact number of bytes the encoding occupies.
func TestCodecRoundTrip(t *testing.T) {
	cases := [][]string{
		{"PING"},
		{"ECHO", "hey"},
		{"SET", "foo", "bar"},
		{"SET", "foo", "bar", "PX", "100"},
		{"GET", "foo"},
		{"REPLCONF", "GETACK", "*"},
		{"WAIT", "1", "500"},
	}
	for _, parts := range cases {
		encoded := EncodeCommand(parts[0], parts[1:]...)
		cmd, consumed, err := DecodeOne(bufio.NewReader(bytes.NewReader(encoded)))
		require.NoError(t, err)
		require.Equal(t, parts[0], cmd.Name)
		require.Equal(t, parts[1:], cmd.Args)
		require.Equal(t, len(encoded), len(consumed))
	}
}

func TestDecodeOneRejectsNonArrayFrame(t *testing.T) {
	_, _, err := DecodeOne(bufio.NewReader(bytes.NewBufferString("+PONG\r\n")))
	require.Error(t, err)
}

func TestDecodeOneOnClosedConnection(t *testing.T) {
	_, _, err := DecodeOne(bufio.NewReader(bytes.NewBufferString("")))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSnapshotEnvelopeRoundTrip(t *testing.T) {
	data := []byte("some snapshot bytes")
	envelope := EncodeSnapshotEnvelope(data)
	require.Equal(t, "$19\r\n", string(envelope[:5]))

	got, err := ReadSnapshotEnvelope(bufio.NewReader(bytes.NewReader(envelope)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestEncodeNullBulkString(t *testing.T) {
	require.Equal(t, "$-1\r\n", string(EncodeNullBulkString()))
}
