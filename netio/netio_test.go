package netio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ygrebnov/loom"
)

func TestConnectReadWrite_RoundTripsOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	got, err := loom.Run(nil, func(tc *loom.Context) ([]byte, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetIOManager(mgr)

		sock, err := loom.AwaitCancellable(tc, Connect(loop, mgr, "tcp", ln.Addr().String(), time.Second))
		if err != nil {
			return nil, err
		}
		defer sock.Close()

		if _, err := loom.AwaitCancellable(tc, Write(loop, mgr, sock, []byte("hello"))); err != nil {
			return nil, err
		}
		return loom.AwaitCancellable(tc, Read(loop, mgr, sock, 5))
	})

	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
	<-serverDone
}

func TestConnect_FailsOnRefusedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listens now

	_, err = loom.Run(nil, func(tc *loom.Context) (struct{}, error) {
		loop := tc.Loop()
		mgr := NewManager(loop)
		loop.SetIOManager(mgr)
		_, connErr := loom.AwaitCancellable(tc, Connect(loop, mgr, "tcp", addr, 500*time.Millisecond))
		return struct{}{}, connErr
	})

	require.ErrorIs(t, err, loom.ErrConnection)
}

func TestRead_OnClosedSocketRejects(t *testing.T) {
	loop := loom.NewLoop()
	mgr := NewManager(loop)
	s := &Socket{closed: true}

	p := Read(loop, mgr, s, 4)
	require.Equal(t, loom.Rejected, p.State())
}

func TestSocket_CloseIsIdempotent(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	s := &Socket{conn: c1}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.True(t, s.isClosed())
}
