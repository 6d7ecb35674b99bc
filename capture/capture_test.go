package capture

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func TestFlow(t *testing.T) {
	var out bytes.Buffer
	w, err := NewWriter(&out)
	if err != nil {
		t.Fatal(err)
	}
	client := &net.TCPAddr{IP: net.IPv4(192, 168, 1, 10), Port: 50123}
	f := w.Flow(client, nil)
	request := []byte{0x00, 0x01, 0x00, 0x10, 0x00, 0x01, 0x00, 0x02, 0xc0, 0x01}
	reply := []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x10, 0x00, 0x02, 0xc4, 0x01}
	if err := f.Received(request); err != nil {
		t.Fatal(err)
	}
	if err := f.Sent(reply); err != nil {
		t.Fatal(err)
	}

	r, err := pcapgo.NewReader(&out)
	if err != nil {
		t.Fatal(err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		t.Fatalf("unexpected link type %v", r.LinkType())
	}
	type packet struct {
		SrcPort, DstPort uint16
		Seq              uint32
		Payload          []byte
	}
	var got []packet
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		tcp, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			t.Fatalf("packet without tcp layer")
		}
		got = append(got, packet{uint16(tcp.SrcPort), uint16(tcp.DstPort), tcp.Seq, tcp.Payload})
	}
	want := []packet{
		{50123, dlmsPort, 1, request},
		{dlmsPort, 50123, 1, reply},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("captured packets differ:\n%s", diff)
	}
}
