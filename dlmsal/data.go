package dlmsal

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

type DataTag byte

const (
	TagNull               DataTag = 0
	TagArray              DataTag = 1
	TagStructure          DataTag = 2
	TagBoolean            DataTag = 3
	TagBitString          DataTag = 4
	TagDoubleLong         DataTag = 5
	TagDoubleLongUnsigned DataTag = 6
	TagFloatingPoint      DataTag = 7
	TagOctetString        DataTag = 9
	TagVisibleString      DataTag = 10
	TagUTF8String         DataTag = 12
	TagBCD                DataTag = 13
	TagInteger            DataTag = 15
	TagLong               DataTag = 16
	TagUnsigned           DataTag = 17
	TagLongUnsigned       DataTag = 18
	TagCompactArray       DataTag = 19
	TagLong64             DataTag = 20
	TagLong64Unsigned     DataTag = 21
	TagEnum               DataTag = 22
	TagFloat32            DataTag = 23
	TagFloat64            DataTag = 24
	TagDateTime           DataTag = 25
	TagDate               DataTag = 26
	TagTime               DataTag = 27
	TagDontCare           DataTag = 255
)

// DlmsData is one attribute or parameter value. The set of implementations is closed,
// only types of this package satisfy it.
type DlmsData interface {
	Tag() DataTag
	encode(dst *buffer.ByteBuffer) error
}

type (
	Null               struct{}
	Boolean            bool
	BitString          []bool
	DoubleLong         int32
	DoubleLongUnsigned uint32
	FloatingPoint      float32
	OctetString        []byte
	VisibleString      string
	UTF8String         string
	BCD                int8
	Integer            int8
	Long               int16
	Unsigned           uint8
	LongUnsigned       uint16
	Long64             int64
	Long64Unsigned     uint64
	Enum               uint8
	Float32            float32
	Float64            float64
	Array              []DlmsData
	Structure          []DlmsData
)

// TypeDescription describes the element layout of a compact array.
type TypeDescription struct {
	Tag      DataTag
	Count    int               // array element count, TagArray only
	Elements []TypeDescription // TagArray has one, TagStructure one per member
}

type CompactArray struct {
	Description TypeDescription
	Values      []DlmsData
}

func (Null) Tag() DataTag               { return TagNull }
func (Boolean) Tag() DataTag            { return TagBoolean }
func (BitString) Tag() DataTag          { return TagBitString }
func (DoubleLong) Tag() DataTag         { return TagDoubleLong }
func (DoubleLongUnsigned) Tag() DataTag { return TagDoubleLongUnsigned }
func (FloatingPoint) Tag() DataTag      { return TagFloatingPoint }
func (OctetString) Tag() DataTag        { return TagOctetString }
func (VisibleString) Tag() DataTag      { return TagVisibleString }
func (UTF8String) Tag() DataTag         { return TagUTF8String }
func (BCD) Tag() DataTag                { return TagBCD }
func (Integer) Tag() DataTag            { return TagInteger }
func (Long) Tag() DataTag               { return TagLong }
func (Unsigned) Tag() DataTag           { return TagUnsigned }
func (LongUnsigned) Tag() DataTag       { return TagLongUnsigned }
func (Long64) Tag() DataTag             { return TagLong64 }
func (Long64Unsigned) Tag() DataTag     { return TagLong64Unsigned }
func (Enum) Tag() DataTag               { return TagEnum }
func (Float32) Tag() DataTag            { return TagFloat32 }
func (Float64) Tag() DataTag            { return TagFloat64 }
func (Array) Tag() DataTag              { return TagArray }
func (Structure) Tag() DataTag          { return TagStructure }
func (CompactArray) Tag() DataTag       { return TagCompactArray }
func (DlmsDateTime) Tag() DataTag       { return TagDateTime }
func (DlmsDate) Tag() DataTag           { return TagDate }
func (DlmsTime) Tag() DataTag           { return TagTime }

func (Null) encode(*buffer.ByteBuffer) error { return nil }

func (v Boolean) encode(dst *buffer.ByteBuffer) error {
	if v {
		dst.SetUInt8(1)
	} else {
		dst.SetUInt8(0)
	}
	return nil
}

func (v BitString) encode(dst *buffer.ByteBuffer) error {
	encodelength(dst, uint(len(v)))
	var c byte
	for i, b := range v {
		if b {
			c |= 1 << (7 - (i & 7))
		}
		if i&7 == 7 {
			dst.SetUInt8(c)
			c = 0
		}
	}
	if len(v)&7 != 0 {
		dst.SetUInt8(c)
	}
	return nil
}

func (v DoubleLong) encode(dst *buffer.ByteBuffer) error {
	dst.SetInt32(int32(v))
	return nil
}

func (v DoubleLongUnsigned) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt32(uint32(v))
	return nil
}

func (v FloatingPoint) encode(dst *buffer.ByteBuffer) error {
	dst.SetFloat(float32(v))
	return nil
}

func (v OctetString) encode(dst *buffer.ByteBuffer) error {
	encodelength(dst, uint(len(v)))
	dst.Set(v)
	return nil
}

func (v VisibleString) encode(dst *buffer.ByteBuffer) error {
	for i := 0; i < len(v); i++ {
		if v[i] > 127 {
			return fmt.Errorf("visible string contains non ascii byte 0x%02x", v[i])
		}
	}
	encodelength(dst, uint(len(v)))
	dst.Set([]byte(v))
	return nil
}

func (v UTF8String) encode(dst *buffer.ByteBuffer) error {
	if !utf8.ValidString(string(v)) {
		return fmt.Errorf("invalid utf8 string")
	}
	encodelength(dst, uint(len(v)))
	dst.Set([]byte(v))
	return nil
}

func (v BCD) encode(dst *buffer.ByteBuffer) error {
	dst.SetInt8(int8(v))
	return nil
}

func (v Integer) encode(dst *buffer.ByteBuffer) error {
	dst.SetInt8(int8(v))
	return nil
}

func (v Long) encode(dst *buffer.ByteBuffer) error {
	dst.SetInt16(int16(v))
	return nil
}

func (v Unsigned) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt8(uint8(v))
	return nil
}

func (v LongUnsigned) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt16(uint16(v))
	return nil
}

func (v Long64) encode(dst *buffer.ByteBuffer) error {
	dst.SetInt64(int64(v))
	return nil
}

func (v Long64Unsigned) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt64(uint64(v))
	return nil
}

func (v Enum) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt8(uint8(v))
	return nil
}

func (v Float32) encode(dst *buffer.ByteBuffer) error {
	dst.SetFloat(float32(v))
	return nil
}

func (v Float64) encode(dst *buffer.ByteBuffer) error {
	dst.SetDouble(float64(v))
	return nil
}

func encodelist(dst *buffer.ByteBuffer, v []DlmsData) error {
	encodelength(dst, uint(len(v)))
	for i, d := range v {
		if err := EncodeData(dst, d); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}

func (v Array) encode(dst *buffer.ByteBuffer) error {
	return encodelist(dst, v)
}

func (v Structure) encode(dst *buffer.ByteBuffer) error {
	return encodelist(dst, v)
}

func (v DlmsDateTime) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt16(v.Date.Year)
	dst.SetUInt8(v.Date.Month)
	dst.SetUInt8(v.Date.Day)
	dst.SetUInt8(v.Date.DayOfWeek)
	_ = v.Time.encode(dst)
	dst.SetInt16(v.Deviation)
	dst.SetUInt8(v.Status)
	return nil
}

func (v DlmsDate) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt16(v.Year)
	dst.SetUInt8(v.Month)
	dst.SetUInt8(v.Day)
	dst.SetUInt8(v.DayOfWeek)
	return nil
}

func (v DlmsTime) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt8(v.Hour)
	dst.SetUInt8(v.Minute)
	dst.SetUInt8(v.Second)
	dst.SetUInt8(v.Hundredths)
	return nil
}

func (d TypeDescription) encode(dst *buffer.ByteBuffer) error {
	dst.SetUInt8(byte(d.Tag))
	switch d.Tag {
	case TagArray:
		if len(d.Elements) != 1 {
			return fmt.Errorf("array type description needs exactly one element type")
		}
		dst.SetUInt16(uint16(d.Count))
		return d.Elements[0].encode(dst)
	case TagStructure:
		encodelength(dst, uint(len(d.Elements)))
		for _, e := range d.Elements {
			if err := e.encode(dst); err != nil {
				return err
			}
		}
	}
	return nil
}

// encodevalue writes v without its own tag following description.
func encodevalue(dst *buffer.ByteBuffer, d TypeDescription, v DlmsData) error {
	switch d.Tag {
	case TagArray, TagStructure:
		var items []DlmsData
		switch t := v.(type) {
		case Array:
			items = t
		case Structure:
			items = t
		default:
			return fmt.Errorf("compact array expects %d, got %T", d.Tag, v)
		}
		for i, it := range items {
			ed := d.Elements[0]
			if d.Tag == TagStructure {
				if i >= len(d.Elements) {
					return fmt.Errorf("structure has more members than its description")
				}
				ed = d.Elements[i]
			}
			if err := encodevalue(dst, ed, it); err != nil {
				return err
			}
		}
		return nil
	}
	if v.Tag() != d.Tag {
		return fmt.Errorf("compact array expects %d, got %d", d.Tag, v.Tag())
	}
	return v.encode(dst)
}

func (v CompactArray) encode(dst *buffer.ByteBuffer) error {
	if err := v.Description.encode(dst); err != nil {
		return err
	}
	content := buffer.New()
	for _, it := range v.Values {
		if err := encodevalue(content, v.Description, it); err != nil {
			return err
		}
	}
	encodelength(dst, uint(content.Size()))
	dst.Set(content.Array())
	return nil
}

// EncodeData appends the tagged encoding of d. A nil d is written as null-data.
func EncodeData(dst *buffer.ByteBuffer, d DlmsData) error {
	if d == nil {
		d = Null{}
	}
	dst.SetUInt8(byte(d.Tag()))
	return d.encode(dst)
}

// EncodeDataBytes is EncodeData into a fresh slice.
func EncodeDataBytes(d DlmsData) ([]byte, error) {
	b := buffer.New()
	if err := EncodeData(b, d); err != nil {
		return nil, err
	}
	return b.Array(), nil
}

// DecodeData reads one tagged value from the cursor of src.
func DecodeData(src *buffer.ByteBuffer) (DlmsData, error) {
	t, err := src.GetUInt8()
	if err != nil {
		return nil, err
	}
	return decodeData(src, DataTag(t))
}

// DecodeDataBytes decodes one tagged value from raw bytes.
func DecodeDataBytes(src []byte) (DlmsData, error) {
	return DecodeData(buffer.NewFrom(src))
}

func getbytes(src *buffer.ByteBuffer, n uint) ([]byte, error) {
	if n > uint(src.Available()) {
		return nil, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	return src.GetBytes(int(n))
}

func decodeData(src *buffer.ByteBuffer, tag DataTag) (DlmsData, error) {
	switch tag {
	case TagNull:
		return Null{}, nil
	case TagArray, TagStructure:
		l, err := decodelength(src)
		if err != nil {
			return nil, err
		}
		if l > uint(src.Available()) { // every item takes at least one byte
			return nil, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
		}
		d := make([]DlmsData, l)
		for i := range d {
			d[i], err = DecodeData(src)
			if err != nil {
				return nil, err
			}
		}
		if tag == TagArray {
			return Array(d), nil
		}
		return Structure(d), nil
	case TagBoolean:
		v, err := src.GetUInt8()
		return Boolean(v != 0), err
	case TagBitString:
		l, err := decodelength(src)
		if err != nil {
			return nil, err
		}
		tmp, err := getbytes(src, (l+7)>>3)
		if err != nil {
			return nil, err
		}
		val := make(BitString, l)
		for i := range val {
			val[i] = tmp[i>>3]&(1<<(7-(i&7))) != 0
		}
		return val, nil
	case TagDoubleLong:
		v, err := src.GetInt32()
		return DoubleLong(v), err
	case TagDoubleLongUnsigned:
		v, err := src.GetUInt32()
		return DoubleLongUnsigned(v), err
	case TagFloatingPoint:
		v, err := src.GetFloat()
		return FloatingPoint(v), err
	case TagOctetString:
		l, err := decodelength(src)
		if err != nil {
			return nil, err
		}
		v, err := getbytes(src, l)
		return OctetString(v), err
	case TagVisibleString:
		l, err := decodelength(src)
		if err != nil {
			return nil, err
		}
		v, err := getbytes(src, l)
		return VisibleString(v), err
	case TagUTF8String:
		l, err := decodelength(src)
		if err != nil {
			return nil, err
		}
		v, err := getbytes(src, l)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(v) {
			return nil, base.NewError(base.KindMalformed, "invalid utf8 string")
		}
		return UTF8String(v), nil
	case TagBCD:
		v, err := src.GetInt8()
		return BCD(v), err
	case TagInteger:
		v, err := src.GetInt8()
		return Integer(v), err
	case TagLong:
		v, err := src.GetInt16()
		return Long(v), err
	case TagUnsigned:
		v, err := src.GetUInt8()
		return Unsigned(v), err
	case TagLongUnsigned:
		v, err := src.GetUInt16()
		return LongUnsigned(v), err
	case TagCompactArray:
		return decodeCompactArray(src)
	case TagLong64:
		v, err := src.GetInt64()
		return Long64(v), err
	case TagLong64Unsigned:
		v, err := src.GetUInt64()
		return Long64Unsigned(v), err
	case TagEnum:
		v, err := src.GetUInt8()
		return Enum(v), err
	case TagFloat32:
		v, err := src.GetFloat()
		return Float32(v), err
	case TagFloat64:
		v, err := src.GetDouble()
		return Float64(v), err
	case TagDateTime:
		tmp, err := getbytes(src, 12)
		if err != nil {
			return nil, err
		}
		return NewDlmsDateTimeFromSlice(tmp)
	case TagDate:
		tmp, err := getbytes(src, 5)
		if err != nil {
			return nil, err
		}
		return DlmsDate{Year: uint16(tmp[0])<<8 | uint16(tmp[1]), Month: tmp[2], Day: tmp[3], DayOfWeek: tmp[4]}, nil
	case TagTime:
		tmp, err := getbytes(src, 4)
		if err != nil {
			return nil, err
		}
		return DlmsTime{Hour: tmp[0], Minute: tmp[1], Second: tmp[2], Hundredths: tmp[3]}, nil
	}
	return nil, base.NewError(base.KindMalformed, "unknown data tag %d", tag)
}

func decodeTypeDescription(src *buffer.ByteBuffer) (d TypeDescription, err error) {
	t, err := src.GetUInt8()
	if err != nil {
		return
	}
	d.Tag = DataTag(t)
	switch d.Tag {
	case TagArray:
		var c uint16
		if c, err = src.GetUInt16(); err != nil {
			return
		}
		d.Count = int(c)
		var e TypeDescription
		if e, err = decodeTypeDescription(src); err != nil {
			return
		}
		d.Elements = []TypeDescription{e}
	case TagStructure:
		var l uint
		if l, err = decodelength(src); err != nil {
			return
		}
		if l > uint(src.Available()) {
			return d, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
		}
		d.Elements = make([]TypeDescription, l)
		for i := range d.Elements {
			if d.Elements[i], err = decodeTypeDescription(src); err != nil {
				return
			}
		}
	case TagNull:
		err = base.NewError(base.KindMalformed, "compact array with null type")
	}
	return
}

// saturation bound of minEncodedSize, far above any PDU
const maxEncodedSize = 1 << 30

// minEncodedSize is the least number of content bytes one value of d takes in a compact
// array, scalars are encoded without their tag.
func minEncodedSize(d TypeDescription) int {
	switch d.Tag {
	case TagArray:
		if len(d.Elements) == 0 {
			return 0
		}
		e := minEncodedSize(d.Elements[0])
		if e != 0 && d.Count > maxEncodedSize/e {
			return maxEncodedSize
		}
		return d.Count * e
	case TagStructure:
		n := 0
		for _, e := range d.Elements {
			n = min(n+minEncodedSize(e), maxEncodedSize)
		}
		return n
	case TagNull:
		return 0
	case TagLong, TagLongUnsigned:
		return 2
	case TagDoubleLong, TagDoubleLongUnsigned, TagFloatingPoint, TagFloat32, TagTime:
		return 4
	case TagLong64, TagLong64Unsigned, TagFloat64:
		return 8
	case TagDate:
		return 5
	case TagDateTime:
		return 12
	}
	return 1
}

func decodevalue(src *buffer.ByteBuffer, d TypeDescription) (DlmsData, error) {
	switch d.Tag {
	case TagArray:
		if minEncodedSize(d) > src.Available() {
			return nil, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
		}
		ret := make(Array, d.Count)
		for i := range ret {
			v, err := decodevalue(src, d.Elements[0])
			if err != nil {
				return nil, err
			}
			ret[i] = v
		}
		return ret, nil
	case TagStructure:
		ret := make(Structure, len(d.Elements))
		for i, e := range d.Elements {
			v, err := decodevalue(src, e)
			if err != nil {
				return nil, err
			}
			ret[i] = v
		}
		return ret, nil
	}
	return decodeData(src, d.Tag)
}

func decodeCompactArray(src *buffer.ByteBuffer) (DlmsData, error) {
	desc, err := decodeTypeDescription(src)
	if err != nil {
		return nil, err
	}
	if minEncodedSize(desc) == 0 {
		return nil, base.NewError(base.KindMalformed, "compact array of elements without content")
	}
	l, err := decodelength(src)
	if err != nil {
		return nil, err
	}
	raw, err := getbytes(src, l)
	if err != nil {
		return nil, err
	}
	content := buffer.NewFrom(raw)
	ret := CompactArray{Description: desc}
	for content.Available() > 0 {
		start := content.Position()
		v, err := decodevalue(content, desc)
		if err != nil {
			return nil, err
		}
		if content.Position() == start {
			return nil, base.NewError(base.KindMalformed, "compact array element without content")
		}
		ret.Values = append(ret.Values, v)
	}
	return ret, nil
}

// DataFromValue builds a DlmsData from plain Go values, used by YAML tables and tests.
func DataFromValue(v any) (DlmsData, error) {
	switch t := v.(type) {
	case nil:
		return Null{}, nil
	case DlmsData:
		return t, nil
	case bool:
		return Boolean(t), nil
	case int8:
		return Integer(t), nil
	case int16:
		return Long(t), nil
	case int32:
		return DoubleLong(t), nil
	case int:
		if t >= math.MinInt32 && t <= math.MaxInt32 {
			return DoubleLong(t), nil
		}
		return Long64(t), nil
	case int64:
		return Long64(t), nil
	case uint8:
		return Unsigned(t), nil
	case uint16:
		return LongUnsigned(t), nil
	case uint32:
		return DoubleLongUnsigned(t), nil
	case uint64:
		return Long64Unsigned(t), nil
	case float32:
		return Float32(t), nil
	case float64:
		return Float64(t), nil
	case string:
		return VisibleString(t), nil
	case []byte:
		return OctetString(t), nil
	case DlmsObis:
		return OctetString(t.Bytes()), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}
