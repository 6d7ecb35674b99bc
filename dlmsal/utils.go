package dlmsal

import (
	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

func codedlength(len uint) int {
	if len < 128 {
		return 1
	}
	if len < 256 {
		return 2
	}
	if len < 65536 {
		return 3
	}
	if len < 16777216 {
		return 4
	}
	return 5
}

// EncodeCaptureObject builds one capture object definition as found in profile generic attribute 3.
func EncodeCaptureObject(classId uint16, obis DlmsObis, attribute int8, version uint16) DlmsData {
	return Structure{LongUnsigned(classId), OctetString(obis.Bytes()), Integer(attribute), LongUnsigned(version)}
}

// EncodeSimpleRangeAccess builds range descriptor parameters (selector 1) over the clock column.
func EncodeSimpleRangeAccess(from DlmsDateTime, to DlmsDateTime) DlmsData {
	return Structure{
		EncodeCaptureObject(8, DlmsObis{A: 0, B: 0, C: 1, D: 0, E: 0, F: 255}, 2, 0),
		OctetString(from.Bytes()),
		OctetString(to.Bytes()),
		Array{},
	}
}

func encodelength(dst *buffer.ByteBuffer, len uint) {
	if len < 128 {
		dst.SetUInt8(byte(len))
		return
	}
	if len < 256 {
		dst.SetUInt8(0x81)
		dst.SetUInt8(byte(len))
		return
	}
	if len < 65536 {
		dst.SetUInt8(0x82)
		dst.SetUInt16(uint16(len))
		return
	}
	if len < 16777216 {
		dst.SetUInt8(0x83)
		dst.SetUInt24(uint32(len))
		return
	}
	dst.SetUInt8(0x84)
	dst.SetUInt32(uint32(len))
}

func encodetag(dst *buffer.ByteBuffer, tag byte, data []byte) {
	dst.SetUInt8(tag)
	encodelength(dst, uint(len(data)))
	dst.Set(data)
}

func encodetag2(dst *buffer.ByteBuffer, tag byte, innertag byte, data []byte) {
	dst.SetUInt8(tag)
	encodelength(dst, uint(len(data)+1+codedlength(uint(len(data)))))
	dst.SetUInt8(innertag)
	encodelength(dst, uint(len(data)))
	dst.Set(data)
}

func decodelength(src *buffer.ByteBuffer) (uint, error) {
	b, err := src.GetUInt8()
	if err != nil {
		return 0, err
	}
	if b < 128 {
		return uint(b), nil
	}
	if b == 128 {
		return 0, base.NewError(base.KindMalformed, "unsupported infinite length")
	}
	c := int(b & 0x7f)
	if c > 4 {
		return 0, base.NewError(base.KindMalformed, "too much bytes for length")
	}
	r := uint(0)
	for range c {
		v, err := src.GetUInt8()
		if err != nil {
			return 0, err
		}
		r = (r << 8) | uint(v)
	}
	return r, nil
}

// decodetag reads one BER tag with its content.
func decodetag(src *buffer.ByteBuffer) (byte, []byte, error) {
	tag, err := src.GetUInt8()
	if err != nil {
		return 0, nil, err
	}
	l, err := decodelength(src)
	if err != nil {
		return 0, nil, err
	}
	data, err := getbytes(src, l)
	return tag, data, err
}

var _units = [...]string{"unknown",
	// 1
	"a",
	"mo",
	"wk",
	"d",
	"h",
	"min.",
	"s",
	"°",
	"°C",
	// 10
	"currency",
	"m",
	"m/s",
	"m³",
	"m³",
	"m³/h",
	"m³/h",
	"m³/d",
	"m³/d",
	"l",
	// 20
	"kg",
	"N",
	"Nm",
	"Pa",
	"bar",
	"J",
	"J/h",
	"W",
	"VA",
	"var",
	// 30
	"Wh",
	"VAh",
	"varh",
	"A",
	"C",
	"V",
	"V/m",
	"F",
	"Ω",
	"Ωm²/m",
	// 40
	"Wb",
	"T",
	"A/m",
	"H",
	"Hz",
	"1/(Wh)",
	"1/(varh)",
	"1/(VAh)",
	"V²h",
	"A²h",
	// 50
	"kg/s",
	"S",
	"K",
	"1/(V²h)",
	"1/(A²h)",
	"1/m³",
	"%",
	"Ah",
	"unknown",
	"unknown",
	// 60
	"Wh/m³",
	"J/m³",
	"Mol %",
	"g/m³",
	"Pa s",
	"J/kg",
	"g/cm²",
	"atm",
	"unknown",
	"unknown",
	// 70
	"dBm",
	"dbµV",
	"dB"}

func GetUnit(u uint8) string {
	if int(u) >= len(_units) {
		return _units[0]
	}
	return _units[u]
}
