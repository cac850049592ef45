package tcp

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func readHandshakeResponse(t *testing.T, client net.Conn) []byte {
	t.Helper()

	buf := make([]byte, 19)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)

	return buf
}

func TestWriteHandshakeResponseZeroesSessionIDOnVersionMismatch(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go writeHandshakeResponse(server, statusVersionMismatch, 0)

	resp := readHandshakeResponse(t, client)
	require.Equal(t, statusVersionMismatch, resp[0])
	require.Equal(t, byte(protocolVer), resp[1])
	require.Equal(t, byte(0), resp[2])
	require.Equal(t, make([]byte, 16), resp[3:19], "a rejected handshake establishes no session, so its id must be all zero")
}

func TestWriteHandshakeResponseZeroesSessionIDOnAuthFailed(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go writeHandshakeResponse(server, statusAuthFailed, flagJSON)

	resp := readHandshakeResponse(t, client)
	require.Equal(t, statusAuthFailed, resp[0])
	require.Equal(t, make([]byte, 16), resp[3:19])
}

func TestWriteHandshakeResponseGeneratesSessionIDOnSuccess(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go writeHandshakeResponse(server, statusOK, flagMsgpack)

	resp := readHandshakeResponse(t, client)
	require.Equal(t, statusOK, resp[0])
	require.NotEqual(t, make([]byte, 16), resp[3:19], "a successful handshake must carry a real session id")
}
