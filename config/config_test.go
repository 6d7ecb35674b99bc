package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"k8s.io/utils/ptr"
)

func TestDefaults(t *testing.T) {
	c, err := Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Interface != "wrapper" || c.Referencing != "ln" || c.TCP.Address != ":4059" {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if ptr.Deref(c.TCP.MaxConnections, 0) != 16 {
		t.Fatalf("unexpected max connections %v", c.TCP.MaxConnections)
	}
	if c.Persistence.Slots != nil {
		t.Fatalf("slots should stay unset")
	}
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlms.yaml")
	data := `
interface: HDLC
address:
  logical: 17
  physical: 100
hdlc:
  max_info_tx: 256
tcp:
  idle_timeout: 30s
  max_connections: 4
security:
  authentication: gmac
  system_title: 4d4d4d0000bc614e
persistence:
  type: mmap
  path: /var/lib/dlms/values.bin
  slots: 64
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DLMS_LOG_LEVEL", "debug")
	t.Setenv("DLMS_HDLC_WINDOW_TX", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("tcp-address", ":4059", "")
	if err := flags.Parse([]string{"--tcp-address", "127.0.0.1:5000"}); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path, flags)
	if err != nil {
		t.Fatal(err)
	}
	if c.Interface != "hdlc" {
		t.Fatalf("interface not normalized: %q", c.Interface)
	}
	want := HdlcConfig{MaxInfoTX: 256, MaxInfoRX: 128, WindowTX: 7, WindowRX: 1}
	if diff := cmp.Diff(want, c.HDLC); diff != "" {
		t.Fatalf("hdlc config differs:\n%s", diff)
	}
	if c.Address != (AddressConfig{Logical: 17, Physical: 100}) {
		t.Fatalf("unexpected address %+v", c.Address)
	}
	if c.TCP.Address != "127.0.0.1:5000" || c.TCP.IdleTimeout != 30*time.Second || *c.TCP.MaxConnections != 4 {
		t.Fatalf("unexpected tcp config %+v", c.TCP)
	}
	if c.Log.Level != "debug" {
		t.Fatalf("environment not applied: %q", c.Log.Level)
	}
	if ptr.Deref(c.Persistence.Slots, 0) != 64 || c.Persistence.SlotSize != nil {
		t.Fatalf("unexpected persistence %+v", c.Persistence)
	}
	auth, err := c.Authentication()
	if err != nil || auth != base.AuthenticationHighGmac {
		t.Fatalf("unexpected authentication %v, %v", auth, err)
	}
	if len(Key(c.Security.SystemTitle)) != 8 {
		t.Fatalf("system title not decoded")
	}
}

func TestValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	data := `
interface: plc
tcp:
  address: ""
security:
  authentication: ecdsa
  encryption_key: xyz
persistence:
  type: mmap
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path, nil)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"unknown interface", "neither tcp nor serial", "unsupported authentication", "encryption_key is not hex", "needs a path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
