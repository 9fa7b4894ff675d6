package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLocalEcho runs a line-based upper-casing echo server and returns its
// address.
func startLocalEcho(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					fmt.Fprintf(conn, "echo:%s\n", scanner.Text())
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func startTCPFixture(t *testing.T, opts ServerOptions) (*Server, string, string) {
	t.Helper()

	server, ts := newTestServer(t, opts)
	server.EnableTCP("127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.TCP().Serve(ctx) }()

	var publicAddr string
	require.Eventually(t, func() bool {
		addr := server.TCP().ListenerAddr()
		if addr == nil {
			return false
		}
		publicAddr = addr.String()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return server, ts.URL, publicAddr
}

func TestTCPRelay_EndToEndEcho(t *testing.T) {
	server, serverURL, publicAddr := startTCPFixture(t, ServerOptions{})
	localAddr := startLocalEcho(t)

	client := NewTCPClient(TCPClientOptions{ServerURL: serverURL, LocalAddr: localAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return server.TCP().occupied()
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.DialTimeout("tcp", publicAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintln(conn, "hello")
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:hello\n", line)

	// A second public connection gets its own sub-stream.
	conn2, err := net.DialTimeout("tcp", publicAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn2.Close()

	_, err = fmt.Fprintln(conn2, "world")
	require.NoError(t, err)
	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err = bufio.NewReader(conn2).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:world\n", line)
}

func TestTCPRelay_ConcurrentStreamsDoNotInterleave(t *testing.T) {
	server, serverURL, publicAddr := startTCPFixture(t, ServerOptions{})

	// Raw byte echo.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	client := NewTCPClient(TCPClientOptions{ServerURL: serverURL, LocalAddr: ln.Addr().String()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		return server.TCP().occupied()
	}, 2*time.Second, 10*time.Millisecond)

	const streams = 5
	const payloadSize = 64 * 1024

	errs := make(chan error, streams)
	for i := 0; i < streams; i++ {
		go func(seed byte) {
			payload := make([]byte, payloadSize)
			for j := range payload {
				payload[j] = seed ^ byte(j)
			}

			conn, err := net.DialTimeout("tcp", publicAddr, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()

			go func() { _, _ = conn.Write(payload) }()

			got := make([]byte, payloadSize)
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			if _, err := io.ReadFull(conn, got); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(payload, got) {
				errs <- fmt.Errorf("stream %d: echoed payload differs", seed)
				return
			}
			errs <- nil
		}(byte(i + 1))
	}

	for i := 0; i < streams; i++ {
		require.NoError(t, <-errs)
	}
}

// startRawAccept returns a listener address and a channel delivering the
// first accepted connection.
func startRawAccept(t *testing.T) (string, chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	return ln.Addr().String(), accepted
}

func TestTCPClient_DataBehindInitReachesLocalService(t *testing.T) {
	localAddr, accepted := startRawAccept(t)

	client := NewTCPClient(TCPClientOptions{ServerURL: "ws://unused", LocalAddr: localAddr})
	ctrl := NewControlConn(nil)

	init := &TCPEnvelope{Type: TCPTypeInit, ConnectionID: "stream-1", Timestamp: time.Now()}
	data := &TCPEnvelope{Type: TCPTypeData, ConnectionID: "stream-1"}
	data.SetPayload([]byte("hello"))

	// The frame loop's ordering: the data frame is processed immediately
	// after the init, before the local dial can have finished.
	client.handleEnvelope(context.Background(), ctrl, init)
	client.handleEnvelope(context.Background(), ctrl, data)

	var local net.Conn
	select {
	case local = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("local service was never dialed")
	}
	defer local.Close()

	require.NoError(t, local.SetReadDeadline(time.Now().Add(2*time.Second)))
	got := make([]byte, 5)
	_, err := io.ReadFull(local, got)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestTCPClient_CloseBehindInitTearsDownStream(t *testing.T) {
	localAddr, accepted := startRawAccept(t)

	client := NewTCPClient(TCPClientOptions{ServerURL: "ws://unused", LocalAddr: localAddr})
	ctrl := NewControlConn(nil)

	client.handleEnvelope(context.Background(), ctrl, &TCPEnvelope{Type: TCPTypeInit, ConnectionID: "stream-1"})
	client.handleEnvelope(context.Background(), ctrl, &TCPEnvelope{Type: TCPTypeClose, ConnectionID: "stream-1"})

	_, ok := client.getStream("stream-1")
	assert.False(t, ok)

	// When the dial lands it finds the stream already closed and hangs up.
	select {
	case local := <-accepted:
		defer local.Close()
		require.NoError(t, local.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 1)
		_, err := local.Read(buf)
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("local service was never dialed")
	}
}

func TestTCPRelay_RefusesConnectionsWithoutClient(t *testing.T) {
	_, _, publicAddr := startTCPFixture(t, ServerOptions{})

	conn, err := net.DialTimeout("tcp", publicAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// The relay closes unattached connections immediately.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestTCPRelay_SecondClientRejectedWithConflict(t *testing.T) {
	server, serverURL, _ := startTCPFixture(t, ServerOptions{})
	localAddr := startLocalEcho(t)

	first := NewTCPClient(TCPClientOptions{ServerURL: serverURL, LocalAddr: localAddr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.Run(ctx) }()

	require.Eventually(t, func() bool {
		return server.TCP().occupied()
	}, 2*time.Second, 10*time.Millisecond)

	second := NewTCPClient(TCPClientOptions{ServerURL: serverURL, LocalAddr: localAddr})
	err := second.Run(ctx)
	var policyErr *PolicyRejectionError
	require.ErrorAs(t, err, &policyErr)
	assert.Contains(t, policyErr.Reason, "occupied")
}

func TestTCPRelay_AttachWithoutRelayEnabledIsRejected(t *testing.T) {
	_, ts := newTestServer(t, ServerOptions{})

	resp, err := http.Get(ts.URL + "/tunnel?type=tcp")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTCPRelay_ClientDisconnectClosesStreams(t *testing.T) {
	server, serverURL, publicAddr := startTCPFixture(t, ServerOptions{})
	localAddr := startLocalEcho(t)

	client := NewTCPClient(TCPClientOptions{ServerURL: serverURL, LocalAddr: localAddr})

	clientCtx, stopClient := context.WithCancel(context.Background())
	defer stopClient()
	go func() { _ = client.Run(clientCtx) }()

	require.Eventually(t, func() bool {
		return server.TCP().occupied()
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.DialTimeout("tcp", publicAddr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprintln(conn, "ping")
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)

	// Drop the client; its public sub-stream must be torn down too.
	stopClient()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return !server.TCP().occupied()
	}, 2*time.Second, 10*time.Millisecond)
}
