package chat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arqchat/gbnchat/gbn"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return conn
}

func connectClient(t *testing.T, serverAddr net.Addr, id gbn.ConnID) *gbn.Endpoint {
	t.Helper()
	conn := listenUDP(t)
	msgs := make(chan string, 32)
	ep, err := gbn.Open(gbn.EndpointConfig{
		Conn:              conn,
		Remote:            serverAddr,
		ConnID:            id,
		RetransmitTimeout: 100 * time.Millisecond,
		ConnectTimeout:    2 * time.Second,
		Deliver:           func(p []byte) { msgs <- string(p) },
	})
	require.NoError(t, err)
	require.NoError(t, ep.Connect(context.Background()))
	t.Cleanup(func() { ep.Close(context.Background()) })

	// The inbox is kept in the package-level clientInboxes map, keyed by
	// endpoint pointer, where recvLine looks it up.
	clientInboxes[ep] = msgs
	return ep
}

var clientInboxes = map[*gbn.Endpoint]chan string{}

func recvLine(t *testing.T, ep *gbn.Endpoint, timeout time.Duration) string {
	t.Helper()
	select {
	case line := <-clientInboxes[ep]:
		return line
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func sendLine(t *testing.T, ep *gbn.Endpoint, line string) {
	t.Helper()
	for {
		if _, err := ep.Send([]byte(line)); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinBroadcastAndHistory(t *testing.T) {
	serverConn := listenUDP(t)
	srv := NewServer(ServerConfig{ListenAddr: serverConn.LocalAddr().String(), HistorySize: 10}, serverConn, nil)
	t.Cleanup(func() { srv.Close() })

	alice := connectClient(t, serverConn.LocalAddr(), 1)
	bob := connectClient(t, serverConn.LocalAddr(), 2)

	recvLine(t, alice, time.Second) // welcome
	recvLine(t, bob, time.Second)   // welcome

	sendLine(t, alice, "NAME alice")
	recvLine(t, alice, time.Second) // ok: name set

	sendLine(t, bob, "NAME bob")
	recvLine(t, bob, time.Second)

	sendLine(t, alice, "JOIN lobby")
	recvLine(t, alice, time.Second) // ok: joined

	sendLine(t, bob, "JOIN lobby")
	recvLine(t, bob, time.Second)               // ok: joined
	presence := recvLine(t, alice, time.Second) // bob's join presence notice
	require.Contains(t, presence, "bob joined lobby")

	sendLine(t, alice, "MSG lobby hello there")
	got := recvLine(t, bob, time.Second)
	require.Contains(t, got, "alice: hello there")

	sendLine(t, bob, "HISTORY lobby")
	hist := recvLine(t, bob, time.Second)
	require.Contains(t, hist, "alice: hello there")
}

func TestDirectMessage(t *testing.T) {
	serverConn := listenUDP(t)
	srv := NewServer(ServerConfig{ListenAddr: serverConn.LocalAddr().String()}, serverConn, nil)
	t.Cleanup(func() { srv.Close() })

	alice := connectClient(t, serverConn.LocalAddr(), 1)
	bob := connectClient(t, serverConn.LocalAddr(), 2)
	recvLine(t, alice, time.Second)
	recvLine(t, bob, time.Second)

	sendLine(t, alice, "NAME alice")
	recvLine(t, alice, time.Second)
	sendLine(t, bob, "NAME bob")
	recvLine(t, bob, time.Second)

	sendLine(t, alice, "DM bob psst")
	got := recvLine(t, bob, time.Second)
	require.Contains(t, got, "dm from alice")
	require.Contains(t, got, "psst")
}

func TestRosterOrdersOperatorsFirst(t *testing.T) {
	serverConn := listenUDP(t)
	srv := NewServer(ServerConfig{ListenAddr: serverConn.LocalAddr().String()}, serverConn, nil)
	t.Cleanup(func() { srv.Close() })

	alice := connectClient(t, serverConn.LocalAddr(), 1)
	bob := connectClient(t, serverConn.LocalAddr(), 2)
	recvLine(t, alice, time.Second)
	recvLine(t, bob, time.Second)

	sendLine(t, alice, "NAME alice")
	recvLine(t, alice, time.Second)
	sendLine(t, bob, "NAME --op bob")
	recvLine(t, bob, time.Second)

	sendLine(t, alice, "JOIN lobby")
	recvLine(t, alice, time.Second)
	sendLine(t, bob, "JOIN lobby")
	recvLine(t, bob, time.Second)
	recvLine(t, alice, time.Second) // presence notice for bob

	sendLine(t, alice, "ROSTER lobby")
	roster := recvLine(t, alice, time.Second)
	require.Contains(t, roster, "bob*")
	require.Less(t, indexOf(roster, "bob*"), indexOf(roster, "alice"))
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
