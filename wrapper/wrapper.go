// Package wrapper implements the DLMS Wrapper framing used over TCP/IP and UDP.
//
// Every APDU is prefixed by an 8-byte header:
//   - Version (2 bytes): always 0x0001
//   - Source WPORT (2 bytes): logical address of the sender
//   - Destination WPORT (2 bytes): logical address of the receiver
//   - Length (2 bytes): payload length
//
// Parse works on the accumulated receive buffer, so a frame split across reads is reported
// as incomplete and picked up once the rest has arrived.
package wrapper

import (
	"fmt"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

const (
	Version    = 1
	HeaderSize = 8
	MaxPayload = 0xffff
)

type Frame struct {
	Source      uint16
	Destination uint16
	Payload     []byte
}

// Parse reads one frame at the cursor of src. While the frame is incomplete the cursor
// is left untouched and an error of kind base.KindInsufficientData is returned.
func Parse(src *buffer.ByteBuffer) (*Frame, error) {
	if src.Available() < HeaderSize {
		return nil, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	start := src.Position()
	version, _ := src.GetUInt16()
	if version != Version {
		_ = src.SetPosition(start + 1)
		return nil, base.WrapError(base.KindInvalidFrame, fmt.Errorf("%w: invalid header version %d", base.ErrInvalidFrame, version))
	}
	f := &Frame{}
	f.Source, _ = src.GetUInt16()
	f.Destination, _ = src.GetUInt16()
	length, _ := src.GetUInt16()
	if src.Available() < int(length) {
		_ = src.SetPosition(start)
		return nil, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	f.Payload, _ = src.GetBytes(int(length))
	return f, nil
}

// Encode appends header and payload to dst.
func (f *Frame) Encode(dst *buffer.ByteBuffer) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("packet too big: size=%d max=%d", len(f.Payload), MaxPayload)
	}
	dst.SetUInt16(Version)
	dst.SetUInt16(f.Source)
	dst.SetUInt16(f.Destination)
	dst.SetUInt16(uint16(len(f.Payload)))
	dst.Set(f.Payload)
	return nil
}

func (f *Frame) Bytes() ([]byte, error) {
	b := buffer.NewWithCapacity(HeaderSize + len(f.Payload))
	if err := f.Encode(b); err != nil {
		return nil, err
	}
	return b.Array(), nil
}
