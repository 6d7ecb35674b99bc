package ciphering

import (
	"bytes"
	"testing"

	"github.com/cybroslabs/libdlms-server-go/base"
)

var (
	testEK     = []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f}
	testAK     = []byte{0xd0, 0xd1, 0xd2, 0xd3, 0xd4, 0xd5, 0xd6, 0xd7, 0xd8, 0xd9, 0xda, 0xdb, 0xdc, 0xdd, 0xde, 0xdf}
	serverST   = []byte("SRV00001")
	clientST   = []byte("CLI00001")
	clientCtoS = []byte("K56iVagY")
)

// peer builds the client side counterpart, its own title takes the server title slot.
func peer(t *testing.T, title []byte, ctos []byte, stoc []byte) Ciphering {
	t.Helper()
	c, err := NewCipheringNist(&CipheringSettings{
		EncryptionKey:             testEK,
		AuthenticationKey:         testAK,
		ServerTitle:               title,
		AuthenticationMechanismId: base.AuthenticationHighGmac,
		StoC:                      stoc,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Setup(nil, ctos); err != nil {
		t.Fatal(err)
	}
	return c
}

func newServer(t *testing.T) Ciphering {
	t.Helper()
	s, err := NewCipheringNist(&CipheringSettings{
		EncryptionKey:             testEK,
		AuthenticationKey:         testAK,
		ServerTitle:               serverST,
		AuthenticationMechanismId: base.AuthenticationHighGmac,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Setup(clientST, clientCtoS); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDecryptClientApdu(t *testing.T) {
	srv := newServer(t)
	cli := peer(t, clientST, nil, clientCtoS)
	apdu := []byte{0xc0, 0x01, 0xc1, 0x00, 0x08, 0x00, 0x00, 0x01, 0x00, 0x00, 0xff, 0x02, 0x00}

	for _, sc := range []byte{0x10, 0x30} {
		enc, err := cli.Encrypt(nil, sc, 5, apdu)
		if err != nil {
			t.Fatal(err)
		}
		if l, _ := cli.GetEncryptLength(sc, apdu); l != len(enc) {
			t.Fatalf("sc %02x: expected length %d, got %d", sc, l, len(enc))
		}
		dec, err := srv.Decrypt(nil, sc, 5, enc)
		if err != nil {
			t.Fatalf("sc %02x: %v", sc, err)
		}
		if !bytes.Equal(dec, apdu) {
			t.Fatalf("sc %02x: decrypted %x", sc, dec)
		}
		if _, err := srv.Decrypt(nil, sc, 6, enc); err == nil {
			t.Fatalf("sc %02x: wrong frame counter accepted", sc)
		}
	}
}

func TestGmacAuthentication(t *testing.T) {
	srv := newServer(t)
	cli := peer(t, clientST, srv.Challenge(), nil)

	// client answers f(StoC) computed with its own title
	resp, err := cli.Hash(0x10, 7)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := srv.Verify(0x10, 7, resp)
	if err != nil || !ok {
		t.Fatalf("client response rejected: %v %v", ok, err)
	}
	ok, _ = srv.Verify(0x10, 8, resp)
	if ok {
		t.Fatal("response with other frame counter accepted")
	}

	// server f(CtoS) must verify on the client side
	sh, err := srv.Hash(0x10, 1)
	if err != nil {
		t.Fatal(err)
	}
	chk := peer(t, serverST, clientCtoS, nil)
	want, _ := chk.Hash(0x10, 1)
	if !bytes.Equal(sh, want) {
		t.Fatalf("server hash %x, client expects %x", sh, want)
	}
}

func TestLowAuthentication(t *testing.T) {
	c, err := NewCipheringNist(&CipheringSettings{
		ServerTitle:               serverST,
		Password:                  []byte("12345678"),
		AuthenticationMechanismId: base.AuthenticationLow,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Verify(0, 0, []byte("12345678")); !ok {
		t.Fatal("valid password rejected")
	}
	if ok, _ := c.Verify(0, 0, []byte("1234567")); ok {
		t.Fatal("invalid password accepted")
	}
	if _, err := c.Encrypt(nil, 0x30, 1, []byte{1}); err == nil {
		t.Fatal("encryption without key succeeded")
	}
	if len(c.Challenge()) != 16 {
		t.Fatalf("generated challenge length %d", len(c.Challenge()))
	}
}

func TestValidate(t *testing.T) {
	cases := []CipheringSettings{
		{ServerTitle: []byte{1, 2, 3}},
		{ServerTitle: serverST, EncryptionKey: []byte{1}},
		{ServerTitle: serverST, AuthenticationMechanismId: base.AuthenticationHighGmac},
		{ServerTitle: serverST, AuthenticationMechanismId: base.AuthenticationHighMD5},
		{ServerTitle: serverST, StoC: []byte{1, 2}},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
