package dlmsal

import (
	"bytes"
	"crypto/md5"
	"testing"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/ciphering"
	"go.uber.org/zap/zaptest"
)

const (
	aarqContextLN = "A1 09 06 07 60 85 74 05 08 01 01"
	aarqInitiate  = "BE 10 04 0E 01 00 00 00 06 5F 1F 04 00 00 7E 1F 04 B0"
	aareAccepted  = "61 29 A1 09 06 07 60 85 74 05 08 01 01 A2 03 02 01 00 A3 05 A1 03 02 01 00" +
		" BE 10 04 0E 08 00 06 5F 1F 04 00 00 3E 1D 04 00 00 07"
)

var serverTitle = []byte("SRV00001")

type recordHook struct {
	connected    int
	disconnected int
	invalid      int
}

func (r *recordHook) Connected(*Settings)                { r.connected++ }
func (r *recordHook) Disconnected(*Settings)             { r.disconnected++ }
func (r *recordHook) InvalidConnection(*Settings, error) { r.invalid++ }

func newServerHandler(t *testing.T, auth base.Authentication, cs *ciphering.CipheringSettings, objects ...Object) (*Handler, *recordHook) {
	t.Helper()
	hook := &recordHook{}
	cfg := HandlerConfig{Resolver: ObjectList(objects), Hook: hook, Authentication: auth}
	if cs != nil {
		cfg.NewCipher = func() (ciphering.Ciphering, error) {
			return ciphering.NewCipheringNist(cs)
		}
	}
	h, err := NewHandler(newTestSettings(t, true), cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	h.SetLogger(zaptest.NewLogger(t).Sugar())
	return h, hook
}

func TestAARQNoAuthentication(t *testing.T) {
	h, hook := newServerHandler(t, base.AuthenticationNone, nil)
	reply, _ := exchange(t, h, nil, unhex(t, "60 1D "+aarqContextLN+" "+aarqInitiate))
	expectReply(t, reply, unhex(t, aareAccepted))

	s := h.Settings()
	if !s.Associated() || !s.Authenticated {
		t.Fatal("association not established")
	}
	if s.NegotiatedConformance != 0x3E1D {
		t.Fatalf("negotiated conformance %06X", s.NegotiatedConformance)
	}
	if s.MaxPduSize() != 1200 {
		t.Fatalf("max pdu size %d", s.MaxPduSize())
	}
	if hook.connected != 1 {
		t.Fatalf("connected hook called %d times", hook.connected)
	}
}

func TestAARQUnsupportedContext(t *testing.T) {
	h, hook := newServerHandler(t, base.AuthenticationNone, nil)
	reply, _ := exchange(t, h, nil, unhex(t, "60 1D A1 09 06 07 60 85 74 05 08 01 02 "+aarqInitiate))
	expectReply(t, reply, unhex(t, "61 17 A1 09 06 07 60 85 74 05 08 01 02 A2 03 02 01 01 A3 05 A1 03 02 01 02"))
	if h.Settings().Associated() {
		t.Fatal("rejected association is active")
	}
	if hook.invalid != 1 || hook.connected != 0 {
		t.Fatalf("unexpected hook calls %+v", hook)
	}
}

func TestAARQInitiateErrors(t *testing.T) {
	tests := []struct {
		name     string
		initiate string
		want     string
	}{
		{"version too low", "BE 10 04 0E 01 00 00 00 05 5F 1F 04 00 00 7E 1F 04 B0", "0E 01 06 01"},
		{"no common conformance", "BE 10 04 0E 01 00 00 00 06 5F 1F 04 00 00 00 00 04 B0", "0E 01 06 02"},
		{"pdu too short", "BE 10 04 0E 01 00 00 00 06 5F 1F 04 00 00 7E 1F 00 20", "0E 01 06 03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newServerHandler(t, base.AuthenticationNone, nil)
			reply, _ := exchange(t, h, nil, unhex(t, "60 1D "+aarqContextLN+" "+tt.initiate))
			expectReply(t, reply, unhex(t, "61 1F "+aarqContextLN+" A2 03 02 01 01 A3 05 A1 03 02 01 01 BE 06 04 04 "+tt.want))
			if h.Settings().Associated() {
				t.Fatal("rejected association is active")
			}
		})
	}
}

func TestAARQMalformed(t *testing.T) {
	h, _ := newServerHandler(t, base.AuthenticationNone, nil)
	reply, _ := exchange(t, h, nil, unhex(t, "60 05 A1 09 06 07 60"))
	expectReply(t, reply, unhex(t, "61 17 "+aarqContextLN+" A2 03 02 01 01 A3 05 A1 03 02 01 01"))
}

func lowAuthAARQ(t *testing.T, password string) []byte {
	pw := []byte(password)
	body := concat(
		unhex(t, aarqContextLN+" 8A 02 07 80 8B 07 60 85 74 05 08 02 01"),
		[]byte{0xAC, byte(2 + len(pw)), 0x80, byte(len(pw))}, pw,
		unhex(t, aarqInitiate),
	)
	return concat([]byte{0x60, byte(len(body))}, body)
}

func TestAARQLowAuthentication(t *testing.T) {
	cs := &ciphering.CipheringSettings{ServerTitle: serverTitle, Password: []byte("12345678"), AuthenticationMechanismId: base.AuthenticationLow}

	h, hook := newServerHandler(t, base.AuthenticationLow, cs)
	reply, _ := exchange(t, h, nil, lowAuthAARQ(t, "12345678"))
	expectReply(t, reply, unhex(t, aareAccepted))
	if !h.Settings().Authenticated || hook.connected != 1 {
		t.Fatal("low level authentication not completed")
	}

	h, hook = newServerHandler(t, base.AuthenticationLow, cs)
	reply, _ = exchange(t, h, nil, lowAuthAARQ(t, "87654321"))
	expectReply(t, reply, unhex(t, "61 17 "+aarqContextLN+" A2 03 02 01 01 A3 05 A1 03 02 01 0D"))
	if h.Settings().Associated() || hook.invalid != 1 {
		t.Fatal("wrong password accepted")
	}

	// no mechanism name at all
	h, _ = newServerHandler(t, base.AuthenticationLow, cs)
	reply, _ = exchange(t, h, nil, unhex(t, "60 1D "+aarqContextLN+" "+aarqInitiate))
	expectReply(t, reply, unhex(t, "61 17 "+aarqContextLN+" A2 03 02 01 01 A3 05 A1 03 02 01 0C"))
}

func TestAARQHighMD5(t *testing.T) {
	stoc := []byte("0123456789ABCDEF")
	ctos := []byte("ABCDEFGH")
	password := []byte("secret")
	cs := &ciphering.CipheringSettings{ServerTitle: serverTitle, Password: password, StoC: stoc, AuthenticationMechanismId: base.AuthenticationHighMD5}

	association := newTestObject(ClassAssociationLN, "0-0:40.0.0.255")
	association.methods = 1
	association.invoke = func(s *Settings, e *ValueEventArgs) (DlmsData, error) {
		p, _ := e.Parameters.(OctetString)
		ret, err := ReplyToHlsAuthentication(s, p)
		if err != nil {
			return nil, err
		}
		return OctetString(ret), nil
	}
	h, hook := newServerHandler(t, base.AuthenticationHighMD5, cs, association, newDataObject())

	body := concat(
		unhex(t, aarqContextLN+" 8A 02 07 80 8B 07 60 85 74 05 08 02 03 AC 0A 80 08"), ctos,
		unhex(t, aarqInitiate),
	)
	reply, _ := exchange(t, h, nil, concat([]byte{0x60, byte(len(body))}, body))
	want := concat(
		unhex(t, "61 4A "+aarqContextLN+" A2 03 02 01 00 A3 05 A1 03 02 01 0E"),
		unhex(t, "88 02 07 80 89 07 60 85 74 05 08 02 03 AA 12 80 10"), stoc,
		unhex(t, "BE 10 04 0E 08 00 06 5F 1F 04 00 00 3E 1D 04 00 00 07"),
	)
	expectReply(t, reply, want)
	s := h.Settings()
	if !s.HlsPending() || hook.connected != 0 {
		t.Fatal("association should wait for the hls reply")
	}

	reply, _ = exchange(t, h, nil, unhex(t, "C0 01 C1 00 01 "+dataLN+" 02 00"))
	expectReply(t, reply, unhex(t, "C4 01 C1 01 03"))

	fstoc := md5.Sum(concat(stoc, password))
	req := concat(unhex(t, "C3 01 C1 00 0F 00 00 28 00 00 FF 01 01 09 10"), fstoc[:])
	reply, _ = exchange(t, h, nil, req)
	fctos := md5.Sum(concat(ctos, password))
	expectReply(t, reply, concat(unhex(t, "C7 01 C1 00 01 00 09 10"), fctos[:]))
	if !s.Authenticated || hook.connected != 1 {
		t.Fatal("hls not completed")
	}

	reply, _ = exchange(t, h, nil, unhex(t, "C0 01 C1 00 01 "+dataLN+" 02 00"))
	expectReply(t, reply, unhex(t, "C4 01 C1 00 0A 03 41 42 43"))
}

func TestHlsWrongResponse(t *testing.T) {
	cs := &ciphering.CipheringSettings{ServerTitle: serverTitle, Password: []byte("secret"), AuthenticationMechanismId: base.AuthenticationHighMD5}
	association := newTestObject(ClassAssociationLN, "0-0:40.0.0.255")
	association.methods = 1
	association.invoke = func(s *Settings, e *ValueEventArgs) (DlmsData, error) {
		p, _ := e.Parameters.(OctetString)
		ret, err := ReplyToHlsAuthentication(s, p)
		return OctetString(ret), err
	}
	h, hook := newServerHandler(t, base.AuthenticationHighMD5, cs, association)
	body := concat(
		unhex(t, aarqContextLN+" 8A 02 07 80 8B 07 60 85 74 05 08 02 03 AC 0A 80 08 41 42 43 44 45 46 47 48"),
		unhex(t, aarqInitiate),
	)
	_, _ = exchange(t, h, nil, concat([]byte{0x60, byte(len(body))}, body))

	req := concat(unhex(t, "C3 01 C1 00 0F 00 00 28 00 00 FF 01 01 09 10"), bytes.Repeat([]byte{0x55}, 16))
	reply, _ := exchange(t, h, nil, req)
	expectReply(t, reply, unhex(t, "C7 01 C1 03 00"))
	if h.Settings().Authenticated || hook.invalid != 1 {
		t.Fatal("wrong hls response accepted")
	}
}

func TestRelease(t *testing.T) {
	h, hook := newServerHandler(t, base.AuthenticationNone, nil, newDataObject())
	_, _ = exchange(t, h, nil, unhex(t, "60 1D "+aarqContextLN+" "+aarqInitiate))

	reply, _ := exchange(t, h, nil, unhex(t, "62 03 80 01 00"))
	expectReply(t, reply, unhex(t, "63 03 80 01 00"))
	if h.Settings().Associated() || hook.disconnected != 1 {
		t.Fatal("association not released")
	}
	reply, _ = exchange(t, h, nil, unhex(t, "C0 01 C1 00 01 "+dataLN+" 02 00"))
	expectReply(t, reply, unhex(t, "0E 01 03 02"))

	// releasing twice does not notify again
	_, _ = exchange(t, h, nil, unhex(t, "62 00"))
	if hook.disconnected != 1 {
		t.Fatalf("disconnected hook called %d times", hook.disconnected)
	}
}

func TestProtectUnprotect(t *testing.T) {
	clientTitle := []byte("CLI00001")
	ek := bytes.Repeat([]byte{0x11}, 16)
	ak := bytes.Repeat([]byte{0x22}, 16)

	h, _ := newServerHandler(t, base.AuthenticationNone, nil)
	server, err := ciphering.NewCipheringNist(&ciphering.CipheringSettings{EncryptionKey: ek, AuthenticationKey: ak, ServerTitle: serverTitle})
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Setup(clientTitle, nil); err != nil {
		t.Fatal(err)
	}
	h.Settings().Cipher = server

	client, err := ciphering.NewCipheringNist(&ciphering.CipheringSettings{EncryptionKey: ek, AuthenticationKey: ak, ServerTitle: clientTitle})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Setup(serverTitle, nil); err != nil {
		t.Fatal(err)
	}

	plain := unhex(t, "C0 01 C1 00 01 "+dataLN+" 02 00")
	ct, err := client.Encrypt(nil, 0x30, 5, plain)
	if err != nil {
		t.Fatal(err)
	}
	apdu := concat([]byte{byte(base.TagGloGetRequest), byte(5 + len(ct)), 0x30, 0, 0, 0, 5}, ct)
	got, err := h.Unprotect(apdu)
	if err != nil {
		t.Fatal(err)
	}
	expectReply(t, got, plain)
	if _, err := h.Unprotect(apdu); base.KindOf(err) != base.KindCipher {
		t.Fatalf("replayed frame counter accepted: %v", err)
	}
	if h.Settings().ExpectedClientFrameCounter() != 6 {
		t.Fatalf("expected client frame counter %d", h.Settings().ExpectedClientFrameCounter())
	}

	resp := unhex(t, "C4 01 C1 00 11 05")
	out, err := h.Protect(resp)
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != byte(base.TagGloGetResponse) || out[2] != 0x30 {
		t.Fatalf("unexpected protected header %X", out[:7])
	}
	fc := uint32(out[3])<<24 | uint32(out[4])<<16 | uint32(out[5])<<8 | uint32(out[6])
	dec, err := client.Decrypt(nil, out[2], fc, out[7:])
	if err != nil {
		t.Fatal(err)
	}
	expectReply(t, dec, resp)
}
