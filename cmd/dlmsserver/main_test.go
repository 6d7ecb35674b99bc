package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cybroslabs/libdlms-server-go/buffer"
	"github.com/cybroslabs/libdlms-server-go/config"
	"github.com/cybroslabs/libdlms-server-go/cosem"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

const (
	aarq       = "60 1D A1 09 06 07 60 85 74 05 08 01 01 BE 10 04 0E 01 00 00 00 06 5F 1F 04 00 00 7E 1F 04 B0"
	getLdn     = "C0 01 C1 00 01 00 00 2A 00 00 FF 02 00"
	ldnReply   = "C4 01 C1 00 09 10 44 4C 4D 53 53 45 52 56 45 52 30 30 30 30 30 31"
	pushObject = "0-0:25.9.0.255"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := buffer.HexToBytes(s)
	if err != nil {
		t.Fatalf("invalid hex %q: %v", s, err)
	}
	return b
}

func wrapperFrame(t *testing.T, apdu string) []byte {
	t.Helper()
	p := unhex(t, apdu)
	return append([]byte{0, 1, 0, 0x10, 0, 1, byte(len(p) >> 8), byte(len(p))}, p...)
}

func newTestApp(t *testing.T, c *config.Config) *app {
	t.Helper()
	a, err := newApp(c, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.close() })
	return a
}

func TestSessionOverDefaultTable(t *testing.T) {
	c, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	a := newTestApp(t, c)
	if a.session.Handler.NewCipher != nil {
		t.Fatal("cipher factory without security settings")
	}

	h, err := a.factory("test")
	if err != nil {
		t.Fatal(err)
	}
	reply, err := h.HandleRequest(wrapperFrame(t, aarq))
	if err != nil {
		t.Fatal(err)
	}
	if len(reply) < 9 || reply[8] != 0x61 {
		t.Fatalf("expected AARE, got %X", reply)
	}
	reply, err = h.HandleRequest(wrapperFrame(t, getLdn))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(unhex(t, ldnReply), reply[8:]); diff != "" {
		t.Fatalf("unexpected Get reply:\n%s", diff)
	}
}

func TestLowAuthenticationUsesAssociationSecret(t *testing.T) {
	c, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Security.Authentication = "low"
	a := newTestApp(t, c)
	if a.session.Handler.NewCipher == nil {
		t.Fatal("low authentication needs a cipher factory")
	}
	if got := string(a.secret()); got != "12345678" {
		t.Fatalf("unexpected secret %q", got)
	}
	cipher, err := a.session.Handler.NewCipher()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(defaultSystemTitle, cipher.SystemTitle()); diff != "" {
		t.Fatalf("unexpected system title:\n%s", diff)
	}
}

func TestInvalidKeysRejectedAtStartup(t *testing.T) {
	c, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Security.Authentication = "gmac"
	if _, err := newApp(c, zaptest.NewLogger(t).Sugar()); err == nil {
		t.Fatal("gmac without keys accepted")
	}
}

func TestPush(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	objects := fmt.Sprintf(`
objects:
  - class: data
    ln: 0-0:96.1.0.255
    value: {type: visible-string, value: "ABC"}
  - class: push
    ln: %s
    destination: %s
    push:
      - {class: 1, ln: 0-0:96.1.0.255, attribute: 2}
`, pushObject, ln.Addr())
	path := filepath.Join(t.TempDir(), "objects.yaml")
	if err := os.WriteFile(path, []byte(objects), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Objects = path
	a := newTestApp(t, c)

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		b, _ := io.ReadAll(conn)
		received <- b
	}()

	p := a.table.FindByLogicalName(dlmsal.ClassPushSetup, dlmsal.MustObis(pushObject)).(*cosem.PushSetup)
	if _, err := p.Invoke(nil, &dlmsal.ValueEventArgs{Target: p, Index: 1}); err != nil {
		t.Fatal(err)
	}
	b := <-received
	if len(b) < 9 || b[8] != 0x0f {
		t.Fatalf("expected Data-Notification, got %X", b)
	}
	if !bytes.HasSuffix(b, []byte{0x02, 0x01, 0x0a, 0x03, 'A', 'B', 'C'}) {
		t.Fatalf("pushed value missing in %X", b)
	}
}

func TestObjectsCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"objects"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"association-ln", "1-0:99.1.0.255", "FD08", "00000001"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in\n%s", want, out.String())
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "dlmsserver version dev") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
