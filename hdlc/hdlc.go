// Package hdlc implements the HDLC frame layer of a DLMS server (IEC 62056-46).
//
// Frames are parsed out of a ByteBuffer that accumulates received bytes, so a frame split
// across several reads is reported as incomplete (base.KindInsufficientData) and parsed
// once the rest arrives. Garbage in front of an opening flag is skipped.
//
// A frame looks like:
//
//	7E | format A0|S|len | destination | source | control | HCS | information | FCS | 7E
//
// Addresses are 1, 2 or 4 bytes, the last byte of an address carries bit 0 set. Send and
// receive sequence numbers are not kept here, the session settings own them.
package hdlc

import (
	"fmt"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

const (
	Flag          = 0x7e
	maxLength     = 0x7ff
	formatType    = 0xa0
	segmentedFlag = 0x08

	ControlSNRM = 0x93
	ControlUA   = 0x73
	ControlDISC = 0x53
	ControlDM   = 0x1f
	ControlFRMR = 0x97
	ControlUI   = 0x13
	finalBit    = 0x10

	// DefaultMaxInfo is the information field size both sides use before negotiation.
	DefaultMaxInfo = 128
)

// Address is an HDLC address, logical and physical parts for a server, logical only for a client.
type Address struct {
	Logical  uint16
	Physical uint16
	Size     int // encoded length, 0 picks the smallest fitting one
}

func (a Address) size() int {
	if a.Size != 0 {
		return a.Size
	}
	if a.Logical <= 0x7f {
		if a.Physical == 0 {
			return 1
		}
		if a.Physical <= 0x7f {
			return 2
		}
	}
	return 4
}

func (a Address) Validate() error {
	switch a.size() {
	case 1:
		if a.Logical > 0x7f || a.Physical != 0 {
			return fmt.Errorf("address %v does not fit one byte", a)
		}
	case 2:
		if a.Logical > 0x7f || a.Physical > 0x7f {
			return fmt.Errorf("address %v does not fit two bytes", a)
		}
	case 4:
		if a.Logical > 0x3fff || a.Physical > 0x3fff {
			return fmt.Errorf("address %v does not fit four bytes", a)
		}
	default:
		return fmt.Errorf("invalid address size %d", a.Size)
	}
	return nil
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d", a.Logical, a.Physical)
}

func (a Address) encode(dst *buffer.ByteBuffer) {
	switch a.size() {
	case 1:
		dst.SetUInt8(byte(a.Logical<<1) | 1)
	case 2:
		dst.SetUInt8(byte(a.Logical << 1))
		dst.SetUInt8(byte(a.Physical<<1) | 1)
	default:
		dst.SetUInt8(byte(a.Logical>>7) << 1)
		dst.SetUInt8(byte(a.Logical << 1))
		dst.SetUInt8(byte(a.Physical>>7) << 1)
		dst.SetUInt8(byte(a.Physical<<1) | 1)
	}
}

// decodeaddress returns the address and the count of bytes it used.
func decodeaddress(ori []byte) (a Address, n int, err error) {
	switch {
	case len(ori) < 1:
		return a, 0, fmt.Errorf("too short packet for address")
	case ori[0]&1 != 0:
		return Address{Logical: uint16(ori[0] >> 1), Size: 1}, 1, nil
	case len(ori) < 2:
		return a, 0, fmt.Errorf("too short packet for address")
	case ori[1]&1 != 0:
		return Address{Logical: uint16(ori[0] >> 1), Physical: uint16(ori[1] >> 1), Size: 2}, 2, nil
	case len(ori) < 4:
		return a, 0, fmt.Errorf("too short packet for whole address")
	case ori[2]&1 != 0:
		return a, 0, fmt.Errorf("invalid address field, premature termination bit")
	case ori[3]&1 == 0:
		return a, 0, fmt.Errorf("there is no termination bit in address field")
	}
	return Address{
		Logical:  uint16(ori[0]>>1)<<7 | uint16(ori[1]>>1),
		Physical: uint16(ori[2]>>1)<<7 | uint16(ori[3]>>1),
		Size:     4,
	}, 4, nil
}

type Frame struct {
	Destination Address
	Source      Address
	Control     byte
	Segmented   bool
	Info        []byte
}

// IsFinal reports the poll/final bit.
func (f *Frame) IsFinal() bool {
	return f.Control&finalBit != 0
}

// IsIFrame reports an information frame.
func (f *Frame) IsIFrame() bool {
	return f.Control&1 == 0
}

// IsSFrame reports a supervisory frame (RR, RNR).
func (f *Frame) IsSFrame() bool {
	return f.Control&3 == 1
}

// IsUFrame reports an unnumbered frame (SNRM, DISC, UA, DM, UI, FRMR).
func (f *Frame) IsUFrame() bool {
	return f.Control&3 == 3
}

var fcstab = [...]uint16{
	0x0000, 0x1189, 0x2312, 0x329b, 0x4624, 0x57ad, 0x6536, 0x74bf,
	0x8c48, 0x9dc1, 0xaf5a, 0xbed3, 0xca6c, 0xdbe5, 0xe97e, 0xf8f7,
	0x1081, 0x0108, 0x3393, 0x221a, 0x56a5, 0x472c, 0x75b7, 0x643e,
	0x9cc9, 0x8d40, 0xbfdb, 0xae52, 0xdaed, 0xcb64, 0xf9ff, 0xe876,
	0x2102, 0x308b, 0x0210, 0x1399, 0x6726, 0x76af, 0x4434, 0x55bd,
	0xad4a, 0xbcc3, 0x8e58, 0x9fd1, 0xeb6e, 0xfae7, 0xc87c, 0xd9f5,
	0x3183, 0x200a, 0x1291, 0x0318, 0x77a7, 0x662e, 0x54b5, 0x453c,
	0xbdcb, 0xac42, 0x9ed9, 0x8f50, 0xfbef, 0xea66, 0xd8fd, 0xc974,
	0x4204, 0x538d, 0x6116, 0x709f, 0x0420, 0x15a9, 0x2732, 0x36bb,
	0xce4c, 0xdfc5, 0xed5e, 0xfcd7, 0x8868, 0x99e1, 0xab7a, 0xbaf3,
	0x5285, 0x430c, 0x7197, 0x601e, 0x14a1, 0x0528, 0x37b3, 0x263a,
	0xdecd, 0xcf44, 0xfddf, 0xec56, 0x98e9, 0x8960, 0xbbfb, 0xaa72,
	0x6306, 0x728f, 0x4014, 0x519d, 0x2522, 0x34ab, 0x0630, 0x17b9,
	0xef4e, 0xfec7, 0xcc5c, 0xddd5, 0xa96a, 0xb8e3, 0x8a78, 0x9bf1,
	0x7387, 0x620e, 0x5095, 0x411c, 0x35a3, 0x242a, 0x16b1, 0x0738,
	0xffcf, 0xee46, 0xdcdd, 0xcd54, 0xb9eb, 0xa862, 0x9af9, 0x8b70,
	0x8408, 0x9581, 0xa71a, 0xb693, 0xc22c, 0xd3a5, 0xe13e, 0xf0b7,
	0x0840, 0x19c9, 0x2b52, 0x3adb, 0x4e64, 0x5fed, 0x6d76, 0x7cff,
	0x9489, 0x8500, 0xb79b, 0xa612, 0xd2ad, 0xc324, 0xf1bf, 0xe036,
	0x18c1, 0x0948, 0x3bd3, 0x2a5a, 0x5ee5, 0x4f6c, 0x7df7, 0x6c7e,
	0xa50a, 0xb483, 0x8618, 0x9791, 0xe32e, 0xf2a7, 0xc03c, 0xd1b5,
	0x2942, 0x38cb, 0x0a50, 0x1bd9, 0x6f66, 0x7eef, 0x4c74, 0x5dfd,
	0xb58b, 0xa402, 0x9699, 0x8710, 0xf3af, 0xe226, 0xd0bd, 0xc134,
	0x39c3, 0x284a, 0x1ad1, 0x0b58, 0x7fe7, 0x6e6e, 0x5cf5, 0x4d7c,
	0xc60c, 0xd785, 0xe51e, 0xf497, 0x8028, 0x91a1, 0xa33a, 0xb2b3,
	0x4a44, 0x5bcd, 0x6956, 0x78df, 0x0c60, 0x1de9, 0x2f72, 0x3efb,
	0xd68d, 0xc704, 0xf59f, 0xe416, 0x90a9, 0x8120, 0xb3bb, 0xa232,
	0x5ac5, 0x4b4c, 0x79d7, 0x685e, 0x1ce1, 0x0d68, 0x3ff3, 0x2e7a,
	0xe70e, 0xf687, 0xc41c, 0xd595, 0xa12a, 0xb0a3, 0x8238, 0x93b1,
	0x6b46, 0x7acf, 0x4854, 0x59dd, 0x2d62, 0x3ceb, 0x0e70, 0x1ff9,
	0xf78f, 0xe606, 0xd49d, 0xc514, 0xb1ab, 0xa022, 0x92b9, 0x8330,
	0x7bc7, 0x6a4e, 0x58d5, 0x495c, 0x3de3, 0x2c6a, 0x1ef1, 0x0f78,
}

func mac_crc16(d []byte) uint16 {
	c := uint16(0xffff)
	for _, b := range d {
		c = fcstab[byte(c)^b] ^ (c >> 8)
	}
	return c ^ 0xffff
}

func mac_crc16_r(d []byte, ih int) (hcs uint16, fcs uint16) {
	c := uint16(0xffff)
	for i := 0; i < ih; i++ {
		c = fcstab[byte(c)^d[i]] ^ (c >> 8)
	}
	hcs = c ^ 0xffff
	for i := ih; i < len(d); i++ {
		c = fcstab[byte(c)^d[i]] ^ (c >> 8)
	}
	return hcs, c ^ 0xffff
}

func invalid(format string, v ...any) error {
	return base.WrapError(base.KindInvalidFrame, fmt.Errorf("%w: %s", base.ErrInvalidFrame, fmt.Sprintf(format, v...)))
}

// Parse reads one frame from the cursor of src. Incomplete input leaves the cursor on the
// opening flag and returns an error of kind base.KindInsufficientData. A malformed frame
// is consumed and reported with kind base.KindInvalidFrame.
func Parse(src *buffer.ByteBuffer) (*Frame, error) {
	data := src.Array()
	pos := src.Position()
	for pos < len(data) && data[pos] != Flag {
		pos++
	}
	for pos+1 < len(data) && data[pos+1] == Flag { // repeated flags between frames
		pos++
	}
	_ = src.SetPosition(pos)
	if len(data)-pos < 3 {
		return nil, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	if data[pos+1]&0xf0 != formatType {
		_ = src.SetPosition(pos + 1)
		return nil, invalid("invalid frame format %02X", data[pos+1])
	}
	length := int(data[pos+1]&7)<<8 | int(data[pos+2])
	if len(data)-pos < length+2 {
		return nil, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	if data[pos+1+length] != Flag {
		_ = src.SetPosition(pos + 1)
		return nil, invalid("there is no closing flag found")
	}
	end := pos + length + 2
	if end < len(data) && data[end] != Flag {
		end-- // closing flag shared as the opening one of the next frame
	}
	_ = src.SetPosition(end)
	return parsepacket(data[pos+1 : pos+1+length])
}

func parsepacket(ori []byte) (*Frame, error) {
	if len(ori) < 7 {
		return nil, invalid("too short packet")
	}
	f := &Frame{Segmented: ori[0]&segmentedFlag != 0}
	offset := 2
	var n int
	var err error
	if f.Destination, n, err = decodeaddress(ori[offset:]); err != nil {
		return nil, invalid("%v", err)
	}
	offset += n
	if f.Source, n, err = decodeaddress(ori[offset:]); err != nil {
		return nil, invalid("%v", err)
	}
	offset += n
	if offset >= len(ori) {
		return nil, invalid("too short packet")
	}
	f.Control = ori[offset]

	rem := len(ori) - offset
	switch {
	case rem < 3:
		return nil, invalid("too short packet")
	case rem == 3: // just fcs and no info
		fcs := mac_crc16(ori[:len(ori)-2])
		if fcs != uint16(ori[len(ori)-2])|(uint16(ori[len(ori)-1])<<8) {
			return nil, invalid("fcs mismatch")
		}
	case rem <= 5:
		return nil, invalid("invalid packet length")
	default:
		hcs, fcs := mac_crc16_r(ori[:len(ori)-2], offset+1)
		if hcs != uint16(ori[offset+1])|(uint16(ori[offset+2])<<8) {
			return nil, invalid("hcs mismatch")
		}
		if fcs != uint16(ori[len(ori)-2])|(uint16(ori[len(ori)-1])<<8) {
			return nil, invalid("fcs mismatch")
		}
		f.Info = append([]byte(nil), ori[offset+3:len(ori)-2]...)
	}
	return f, nil
}

// Encode appends the complete frame, flags included, to dst.
func (f *Frame) Encode(dst *buffer.ByteBuffer) error {
	if err := f.Destination.Validate(); err != nil {
		return err
	}
	if err := f.Source.Validate(); err != nil {
		return err
	}
	hdr := 2 + f.Destination.size() + f.Source.size() + 1
	leni := hdr + 2
	if len(f.Info) > 0 {
		leni += 2 + len(f.Info)
	}
	if leni > maxLength {
		return fmt.Errorf("too long packet to encode")
	}

	start := dst.Size()
	dst.SetUInt8(Flag)
	format := byte(formatType) | byte(leni>>8)
	if f.Segmented {
		format |= segmentedFlag
	}
	dst.SetUInt8(format)
	dst.SetUInt8(byte(leni))
	f.Destination.encode(dst)
	f.Source.encode(dst)
	dst.SetUInt8(f.Control)
	if len(f.Info) > 0 {
		hcs := mac_crc16(dst.Array()[start+1:])
		dst.SetUInt8(byte(hcs))
		dst.SetUInt8(byte(hcs >> 8))
		dst.Set(f.Info)
	}
	fcs := mac_crc16(dst.Array()[start+1:])
	dst.SetUInt8(byte(fcs))
	dst.SetUInt8(byte(fcs >> 8))
	dst.SetUInt8(Flag)
	return nil
}

// Bytes encodes the frame into a new slice.
func (f *Frame) Bytes() ([]byte, error) {
	b := buffer.New()
	if err := f.Encode(b); err != nil {
		return nil, err
	}
	return b.Array(), nil
}
