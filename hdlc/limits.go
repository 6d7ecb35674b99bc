package hdlc

import (
	"fmt"

	"github.com/cybroslabs/libdlms-server-go/buffer"
)

// Limits are the HDLC parameters negotiated by SNRM/UA, seen from the server side.
type Limits struct {
	MaxInfoTX uint // largest information field the server sends
	MaxInfoRX uint // largest information field the server accepts
	WindowTX  uint
	WindowRX  uint
}

func DefaultLimits() Limits {
	return Limits{MaxInfoTX: DefaultMaxInfo, MaxInfoRX: DefaultMaxInfo, WindowTX: 1, WindowRX: 1}
}

func readsnrmuatag(t []byte) (int, uint, error) {
	if len(t) < 2 {
		return 0, 0, fmt.Errorf("too short tag")
	}
	switch t[0] {
	case 1:
		return 2, uint(t[1]), nil
	case 2:
		if len(t) < 3 {
			return 0, 0, fmt.Errorf("too short tag")
		}
		return 3, (uint(t[1]) << 8) | uint(t[2]), nil
	case 4:
		if len(t) < 5 {
			return 0, 0, fmt.Errorf("too short tag")
		}
		return 5, (uint(t[1]) << 24) | (uint(t[2]) << 16) | (uint(t[3]) << 8) | uint(t[4]), nil
	default:
		return 0, 0, fmt.Errorf("invalid tag length")
	}
}

// Negotiate applies the SNRM information field to the server limits. The client proposal
// is from its own perspective, so its transmit values bound what the server receives.
// An empty SNRM keeps the defaults of the standard.
func (l Limits) Negotiate(snrm []byte) (Limits, error) {
	ret := DefaultLimits()
	if len(snrm) == 0 {
		ret.MaxInfoTX = min(ret.MaxInfoTX, l.MaxInfoTX)
		ret.MaxInfoRX = min(ret.MaxInfoRX, l.MaxInfoRX)
		return ret, nil
	}
	if len(snrm) < 3 || snrm[0] != 0x81 || snrm[1] != 0x80 {
		return ret, fmt.Errorf("invalid snrm parameter header")
	}
	if len(snrm) != int(snrm[2])+3 {
		return ret, fmt.Errorf("invalid snrm parameter length")
	}
	for i := 3; i < len(snrm); i++ {
		con, t, err := readsnrmuatag(snrm[i+1:])
		if err != nil {
			return ret, err
		}
		switch snrm[i] {
		case 5:
			ret.MaxInfoRX = t
		case 6:
			ret.MaxInfoTX = t
		case 7:
			ret.WindowRX = t
		case 8:
			ret.WindowTX = t
		default:
			return ret, fmt.Errorf("invalid snrm parameter tag: %v", snrm[i])
		}
		i += con
	}
	ret.MaxInfoTX = min(ret.MaxInfoTX, l.MaxInfoTX)
	ret.MaxInfoRX = min(ret.MaxInfoRX, l.MaxInfoRX)
	ret.WindowTX = max(min(ret.WindowTX, l.WindowTX), 1)
	ret.WindowRX = max(min(ret.WindowRX, l.WindowRX), 1)
	if ret.MaxInfoTX < 32 || ret.MaxInfoRX < 32 {
		return ret, fmt.Errorf("negotiated information field too short: %d/%d", ret.MaxInfoTX, ret.MaxInfoRX)
	}
	return ret, nil
}

func writeparam(dst *buffer.ByteBuffer, tag byte, v uint, wide bool) {
	dst.SetUInt8(tag)
	switch {
	case wide:
		dst.SetUInt8(4)
		dst.SetUInt32(uint32(v))
	case v > 0xff:
		dst.SetUInt8(2)
		dst.SetUInt16(uint16(v))
	default:
		dst.SetUInt8(1)
		dst.SetUInt8(byte(v))
	}
}

// UA encodes the information field of the UA answer.
func (l Limits) UA() []byte {
	b := buffer.NewWithCapacity(23)
	b.SetUInt8(0x81)
	b.SetUInt8(0x80)
	b.SetUInt8(0)
	writeparam(b, 5, l.MaxInfoTX, false)
	writeparam(b, 6, l.MaxInfoRX, false)
	writeparam(b, 7, l.WindowTX, true)
	writeparam(b, 8, l.WindowRX, true)
	_ = b.SetAt(2, byte(b.Size()-3))
	return b.Array()
}

// Split cuts an information payload into chunks of at most maxinfo bytes.
func Split(info []byte, maxinfo uint) [][]byte {
	if maxinfo == 0 {
		maxinfo = DefaultMaxInfo
	}
	if len(info) == 0 {
		return [][]byte{nil}
	}
	ret := make([][]byte, 0, (uint(len(info))+maxinfo-1)/maxinfo)
	for len(info) > 0 {
		n := min(uint(len(info)), maxinfo)
		ret = append(ret, info[:n])
		info = info[n:]
	}
	return ret
}
