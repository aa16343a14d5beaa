package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestServerDispatchesToRegisteredHandler(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer srv.Close()

	srv.Handle(OpHello, func(conn *Conn, req Frame) (Frame, error) {
		return Frame{Opcode: OpWelcome, Payload: []byte("nodo1")}, nil
	})
	go srv.Serve()

	conn, err := Dial(srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Request(Frame{Opcode: OpHello, CorrelationID: 5})
	require.NoError(t, err)
	require.Equal(t, OpWelcome, resp.Opcode)
	require.Equal(t, uint32(5), resp.CorrelationID)
	require.Equal(t, "nodo1", string(resp.Payload))
}

func TestServerClosesOnUnknownOpcode(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer srv.Close()
	go srv.Serve()

	conn, err := Dial(srv.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(Frame{Opcode: 999}))
	_, err = conn.Receive()
	require.Error(t, err, "server must close the connection on protocol_error")
}

func TestUDPHeartbeatRoundTrip(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	received := make(chan Heartbeat, 1)
	go listener.Serve(func(from net.Addr, hb Heartbeat) {
		received <- hb
	})

	sender, err := NewUDPSender()
	require.NoError(t, err)
	defer sender.Close()

	want := Heartbeat{Label: "nodo7", Sequence: 1, CapacityBytes: 100, UsedBytes: 10}
	require.NoError(t, sender.SendTo(listener.Addr().String(), want))

	select {
	case got := <-received:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}
