// Package redistest provides test helpers to manage a redis server,
// the way the teacher's internal/redistest package does for redigo:
// spawn a real redis-server on a free port and skip the test if one
// isn't on $PATH, rather than faking the protocol.
package redistest

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// StartServer starts a redis-server instance on a free port. It
// returns the started *exec.Cmd and the address to connect to. The
// caller should arrange to stop the command (t.Cleanup is typical).
// If redis-server is not found in $PATH, the test is skipped.
//
// If w is not nil, both stdout and stderr of the server are written
// to it.
func StartServer(t *testing.T, w io.Writer) (*exec.Cmd, string) {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}

	port := getFreePort(t)
	cmd := exec.Command("redis-server", "--port", port, "--save", "")
	if w != nil {
		cmd.Stdout = w
		cmd.Stderr = w
	}
	require.NoError(t, cmd.Start(), "start redis-server")

	var ok bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", ":"+port, time.Second)
		if err == nil {
			ok = true
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, ok, "wait for redis-server to start")

	t.Logf("redis-server started on port %s", port)
	return cmd, "redis://127.0.0.1:" + port + "/0"
}

func getFreePort(t *testing.T) string {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "listen on port 0")
	defer l.Close()
	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "parse host and port")
	return p
}

// NewClient builds a ready-to-use *redis.Client against addr, the
// value StartServer returned.
func NewClient(t *testing.T, addr string) *redis.Client {
	opts, err := redis.ParseURL(addr)
	require.NoError(t, err, "parse redis address %q", addr)
	return redis.NewClient(opts)
}

// ConnectedClients returns the server's current connected_clients
// count, used by tests asserting that opening and closing N
// transports leaves the server's connection count unchanged.
func ConnectedClients(t *testing.T, client *redis.Client) int {
	info, err := client.Info(context.Background(), "clients").Result()
	require.NoError(t, err, "INFO clients")

	var n int
	_, err = fmt.Sscanf(grepLine(info, "connected_clients:"), "connected_clients:%d", &n)
	require.NoError(t, err, "parse connected_clients from INFO output")
	return n
}

func grepLine(info, prefix string) string {
	start := 0
	for start < len(info) {
		end := start
		for end < len(info) && info[end] != '\n' {
			end++
		}
		line := info[start:end]
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return trimCR(line)
		}
		start = end + 1
	}
	return ""
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}
