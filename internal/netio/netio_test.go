package netio

import (
	"net"
	"testing"
	"time"

	"github.com/Conni2461/admission-handler/internal/protocol"
)

func TestDedupWindowDropsRepeatsWithinWindow(t *testing.T) {
	w := newDedupWindow(2)

	if w.Observe("a") {
		t.Fatal("first observation reported as duplicate")
	}
	if !w.Observe("a") {
		t.Fatal("repeat within the window not detected")
	}

	w.Observe("b")
	w.Observe("c") // evicts "a"
	if w.Observe("a") {
		t.Fatal("id evicted from the window still treated as seen")
	}
	if !w.Observe("c") {
		t.Fatal("id still in the window not detected")
	}
}

func TestTCPSendRoundTrip(t *testing.T) {
	got := make(chan protocol.Message, 1)
	l, err := NewTCPListener(func(msg protocol.Message, _ net.Addr) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("bind listener: %v", err)
	}
	defer l.Close()
	go l.Run()

	dest := protocol.Addr{Address: "127.0.0.1", Port: l.Port()}
	ok := TCPSender{}.Send(protocol.Message{Intention: protocol.Ping, UUID: "a"}, dest)
	if !ok {
		t.Fatal("send to local listener failed")
	}

	select {
	case msg := <-got:
		if msg.Intention != protocol.Ping || msg.UUID != "a" {
			t.Fatalf("unexpected message: %#v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestTCPSendToClosedPortFails(t *testing.T) {
	l, err := NewTCPListener(func(protocol.Message, net.Addr) {})
	if err != nil {
		t.Fatalf("bind listener: %v", err)
	}
	port := l.Port()
	l.Close()

	dest := protocol.Addr{Address: "127.0.0.1", Port: port}
	if (TCPSender{}).Send(protocol.Message{Intention: protocol.Ping}, dest) {
		t.Fatal("send to a closed port reported success")
	}
}

func TestTCPListenerIgnoresMalformedPayload(t *testing.T) {
	got := make(chan protocol.Message, 1)
	l, err := NewTCPListener(func(msg protocol.Message, _ net.Addr) {
		got <- msg
	})
	if err != nil {
		t.Fatalf("bind listener: %v", err)
	}
	defer l.Close()
	go l.Run()

	conn, err := net.DialTimeout("tcp", protocol.Addr{Address: "127.0.0.1", Port: l.Port()}.HostPort(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.Close()

	select {
	case msg := <-got:
		t.Fatalf("malformed payload was handed to the callback: %#v", msg)
	case <-time.After(300 * time.Millisecond):
	}
}
