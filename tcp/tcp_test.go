package tcp

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/capture"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// echoHandler answers every chunk with its reversed bytes.
type echoHandler struct {
	mu     sync.Mutex
	resets int
}

func (h *echoHandler) HandleRequest(data []byte) ([]byte, error) {
	ret := make([]byte, len(data))
	for i, b := range data {
		ret[len(data)-1-i] = b
	}
	return ret, nil
}

func (h *echoHandler) Reset() {
	h.mu.Lock()
	h.resets++
	h.mu.Unlock()
}

func (h *echoHandler) SetLogger(*zap.SugaredLogger) {}

func (h *echoHandler) resetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

func start(t *testing.T, config Config, h base.RequestHandler, w *capture.Writer) *Listener {
	t.Helper()
	config.Address = "127.0.0.1:0"
	l := New(config, func(string) (base.RequestHandler, error) { return h, nil })
	l.SetLogger(zaptest.NewLogger(t).Sugar())
	if w != nil {
		l.SetCapture(w)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestListener(t *testing.T) {
	h := &echoHandler{}
	var pcap bytes.Buffer
	w, err := capture.NewWriter(&pcap)
	if err != nil {
		t.Fatal(err)
	}
	l := start(t, DefaultConfig(), h, w)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 3)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{3, 2, 1}) {
		t.Fatalf("unexpected reply % X", got)
	}
	if n := l.Stats().TotalConnections.Load(); n != 1 {
		t.Fatalf("expected one connection, got %d", n)
	}
	if n := l.Stats().BytesSent.Load(); n != 3 {
		t.Fatalf("expected 3 bytes sent, got %d", n)
	}
	conn.Close()
	l.Stop()
	if pcap.Len() == 0 {
		t.Fatalf("nothing captured")
	}
}

func TestListenerIdleTimeout(t *testing.T) {
	h := &echoHandler{}
	l := start(t, Config{IdleTimeout: 50 * time.Millisecond}, h, nil)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected the idle connection to be closed")
	}
	deadline := time.Now().Add(5 * time.Second)
	for h.resetCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.resetCount() != 1 {
		t.Fatalf("expected one reset, got %d", h.resetCount())
	}
}

func TestPush(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		received <- b
	}()

	frames := [][]byte{{0x00, 0x01}, {0x0f, 0x00}}
	if err := Push(context.Background(), ln.Addr().String(), frames, time.Second, zaptest.NewLogger(t).Sugar()); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-received:
		if !bytes.Equal(b, []byte{0x00, 0x01, 0x0f, 0x00}) {
			t.Fatalf("unexpected push % X", b)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("push not received")
	}
}

func TestConnectionAcceptedWhileStopping(t *testing.T) {
	l := start(t, DefaultConfig(), &echoHandler{}, nil)
	l.Stop()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	if l.track(server) {
		t.Fatal("connection tracked after stop")
	}
	l.connMu.Lock()
	n := len(l.conns)
	l.connMu.Unlock()
	if n != 0 {
		t.Fatalf("%d connections left after stop", n)
	}
}
