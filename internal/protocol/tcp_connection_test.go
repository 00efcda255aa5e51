package protocol

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseSocketResource(t *testing.T) {
	hostPort, err := parseSocketResource("TCPIP0::192.168.1.20::5025::SOCKET")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20:5025", hostPort)

	for _, bad := range []string{
		"TCPIP0::192.168.1.20::inst0::INSTR",
		"TCPIP0::192.168.1.20::99999::SOCKET",
		"USB0::0x1313::0x8078::P1::INSTR",
	} {
		_, err := parseSocketResource(bad)
		assert.Error(t, err, bad)
	}
}

func TestSocketResourceQuery(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if line == "*IDN?\n" {
			_, _ = conn.Write([]byte("Thorlabs,PM100D,P0012345,2.4.0\n"))
		}
		_, _ = r.ReadString('\n')
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	resource := "TCPIP0::127.0.0.1::" + port + "::SOCKET"

	bus := NewVISABus(nil, NewSocketBus(&TCPConfig{Resources: []string{resource, "bogus"}}, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	tr := NewTransport(bus)
	ctx := context.Background()

	candidates, err := tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, resource, candidates[0].Address)

	sess, err := tr.Open(ctx, resource, SessionOptions{Timeout: time.Second, Terminator: "\n"})
	require.NoError(t, err)

	resp, err := sess.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "Thorlabs,PM100D,P0012345,2.4.0", resp)

	require.NoError(t, sess.Close())
	<-done
}

func TestVISABusRejectsUnknownResource(t *testing.T) {
	bus := NewVISABus(nil, nil, zaptest.NewLogger(t))
	_, err := bus.Open(context.Background(), "GPIB0::5::INSTR", 0, time.Second)
	assert.Error(t, err)
	_, err = bus.Open(context.Background(), "USB0::0x1313::0x8078::P1::INSTR", 0, time.Second)
	assert.Error(t, err)
}
