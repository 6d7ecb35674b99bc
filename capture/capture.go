// Package capture writes session traffic into pcap files readable by Wireshark.
//
// Every payload is wrapped into a synthetic Ethernet/IPv4/TCP packet so the DLMS
// dissector picks it up on port 4059, whatever the real transport was. Serial sessions
// get fixed addresses.
package capture

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	snapLen  = 65536
	dlmsPort = 4059
	// largest payload of one synthetic segment, IPv4 total length is 16 bits
	maxSegment = 0xffff - 20 - 20
)

var (
	defaultClient = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 50000}
	defaultServer = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: dlmsPort}
)

// Writer serializes packets of any number of flows into one pcap stream.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
}

// NewWriter writes the pcap file header into w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{w: pw, now: time.Now}, nil
}

// Create truncates the file at path and starts a capture into it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

// Flow is one captured session. Client and server are the TCP endpoints, nil for the
// fixed serial addresses.
func (w *Writer) Flow(client net.Addr, server net.Addr) *Flow {
	f := &Flow{w: w, client: defaultClient, server: defaultServer, clientSeq: 1, serverSeq: 1}
	if a, ok := client.(*net.TCPAddr); ok && a.IP.To4() != nil {
		f.client = a
	}
	if a, ok := server.(*net.TCPAddr); ok && a.IP.To4() != nil {
		f.server = a
	}
	return f
}

// Flow tracks the sequence numbers of one direction pair.
type Flow struct {
	w         *Writer
	client    *net.TCPAddr
	server    *net.TCPAddr
	clientSeq uint32
	serverSeq uint32
}

// Received records bytes sent by the client.
func (f *Flow) Received(data []byte) error {
	return f.write(data, false)
}

// Sent records bytes sent by the server.
func (f *Flow) Sent(data []byte) error {
	return f.write(data, true)
}

func (f *Flow) write(data []byte, fromServer bool) error {
	for len(data) > 0 {
		n := min(len(data), maxSegment)
		if err := f.segment(data[:n], fromServer); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (f *Flow) segment(data []byte, fromServer bool) error {
	src, dst := f.client, f.server
	seq, ack := &f.clientSeq, f.serverSeq
	if fromServer {
		src, dst = f.server, f.client
		seq, ack = &f.serverSeq, f.clientSeq
	}

	ethernet := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC:       net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    src.IP.To4(),
		DstIP:    dst.IP.To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port),
		DstPort: layers.TCPPort(dst.Port),
		ACK:     true,
		PSH:     true,
		Seq:     *seq,
		Ack:     ack,
		Window:  0xffff,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ethernet, ip, tcp, gopacket.Payload(data)); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}
	*seq += uint32(len(data))

	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	b := buf.Bytes()
	return f.w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     f.w.now(),
		CaptureLength: len(b),
		Length:        len(b),
	}, b)
}
