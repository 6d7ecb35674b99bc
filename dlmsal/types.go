package dlmsal

import (
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cybroslabs/libdlms-server-go/buffer"
)

type GetRequestTag byte

const (
	TagGetRequestNormal   GetRequestTag = 0x1
	TagGetRequestNext     GetRequestTag = 0x2
	TagGetRequestWithList GetRequestTag = 0x3
)

type GetResponseTag byte

const (
	TagGetResponseNormal        GetResponseTag = 0x1
	TagGetResponseWithDataBlock GetResponseTag = 0x2
	TagGetResponseWithList      GetResponseTag = 0x3
)

type SetRequestTag byte

const (
	TagSetRequestNormal                    SetRequestTag = 0x1
	TagSetRequestWithFirstDataBlock        SetRequestTag = 0x2
	TagSetRequestWithDataBlock             SetRequestTag = 0x3
	TagSetRequestWithList                  SetRequestTag = 0x4
	TagSetRequestWithListAndFirstDataBlock SetRequestTag = 0x5
)

type SetResponseTag byte

const (
	TagSetResponseNormal                SetResponseTag = 0x1
	TagSetResponseDataBlock             SetResponseTag = 0x2
	TagSetResponseLastDataBlock         SetResponseTag = 0x3
	TagSetResponseLastDataBlockWithList SetResponseTag = 0x4
	TagSetResponseWithList              SetResponseTag = 0x5
)

type ActionRequestTag byte

const (
	TagActionRequestNormal                 ActionRequestTag = 0x1
	TagActionRequestNextPBlock             ActionRequestTag = 0x2
	TagActionRequestWithList               ActionRequestTag = 0x3
	TagActionRequestWithFirstPBlock        ActionRequestTag = 0x4
	TagActionRequestWithListAndFirstPBlock ActionRequestTag = 0x5
	TagActionRequestWithPBlock             ActionRequestTag = 0x6
)

type ActionResponseTag byte

const (
	TagActionResponseNormal     ActionResponseTag = 0x1
	TagActionResponseWithPBlock ActionResponseTag = 0x2
	TagActionResponseWithList   ActionResponseTag = 0x3
	TagActionResponseNextPBlock ActionResponseTag = 0x4
)

// AccessServiceTag selects the kind of one Access-Request specification entry.
type AccessServiceTag byte

const (
	TagAccessGet    AccessServiceTag = 1
	TagAccessSet    AccessServiceTag = 2
	TagAccessAction AccessServiceTag = 3
)

// VariableAccessTag is the choice of one SN Read/Write variable access specification.
type VariableAccessTag byte

const (
	TagVariableName          VariableAccessTag = 2
	TagDetailedAccess        VariableAccessTag = 3
	TagParameterisedAccess   VariableAccessTag = 4
	TagBlockNumberAccess     VariableAccessTag = 5
	TagReadDataBlockAccess   VariableAccessTag = 6
	TagWriteDataBlockAccess  VariableAccessTag = 7
	TagReadResponseData      byte              = 0
	TagReadResponseError     byte              = 1
	TagReadResponseBlock     byte              = 2
	TagReadResponseBlockNum  byte              = 3
	TagWriteResponseSuccess  byte              = 0
	TagWriteResponseError    byte              = 1
	TagWriteResponseBlockNum byte              = 2
)

const (
	ObisHasA = 0x20
	ObisHasB = 0x10
	ObisHasC = 0x08
	ObisHasD = 0x04
	ObisHasE = 0x02
	ObisHasF = 0x01
)

type DlmsDateTime struct {
	Date      DlmsDate
	Time      DlmsTime
	Deviation int16
	Status    byte
}

const (
	DateTimeInvalidDeviation int16 = -32768
)

func (t DlmsDateTime) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%02d UTC%+03d Status: %02x",
		t.Date.Year, t.Date.Month, t.Date.Day,
		t.Time.Hour, t.Time.Minute, t.Time.Second, t.Time.Hundredths, t.Deviation, t.Status)
}

func (t DlmsDateTime) ToTime() (tt time.Time, err error) {
	if t.Date.Year == 0xffff || t.Date.Month == 0xff || t.Date.Day == 0xff || t.Time.Hour == 0xff || t.Time.Minute == 0xff {
		return tt, fmt.Errorf("invalid date or time")
	}
	ns := 0
	if t.Time.Hundredths != 0xff {
		ns = int(t.Time.Hundredths) * 10000000
	}
	sec := 0
	if t.Time.Second != 0xff {
		sec = int(t.Time.Second)
	}
	dev := 0
	if t.Deviation != DateTimeInvalidDeviation {
		dev = int(t.Deviation)
	}
	tt = time.Date(int(t.Date.Year), time.Month(t.Date.Month), int(t.Date.Day), int(t.Time.Hour), int(t.Time.Minute), sec, ns, time.FixedZone("", dev*60))
	return
}

// Bytes renders the 12 byte octet-string form used by profile rows and range access.
func (t DlmsDateTime) Bytes() []byte {
	return []byte{
		byte(t.Date.Year >> 8), byte(t.Date.Year), t.Date.Month, t.Date.Day, t.Date.DayOfWeek,
		t.Time.Hour, t.Time.Minute, t.Time.Second, t.Time.Hundredths,
		byte(t.Deviation >> 8), byte(t.Deviation), t.Status,
	}
}

func NewDlmsDateTimeFromTime(src time.Time) DlmsDateTime {
	wd := byte(src.Weekday())
	if wd == 0 {
		wd = 7
	}
	_, off := src.Zone()
	return DlmsDateTime{
		Date:      DlmsDate{Year: uint16(src.Year()), Month: byte(src.Month()), Day: byte(src.Day()), DayOfWeek: wd},
		Time:      DlmsTime{Hour: byte(src.Hour()), Minute: byte(src.Minute()), Second: byte(src.Second()), Hundredths: byte(src.Nanosecond() / 10000000)},
		Deviation: int16(off / 60),
		Status:    0,
	}
}

func NewDlmsDateTimeFromSlice(src []byte) (val DlmsDateTime, err error) {
	if len(src) < 12 {
		err = fmt.Errorf("invalid length")
		return
	}
	return DlmsDateTime{
		Date:      DlmsDate{Year: uint16(src[0])<<8 | uint16(src[1]), Month: src[2], Day: src[3], DayOfWeek: src[4]},
		Time:      DlmsTime{Hour: src[5], Minute: src[6], Second: src[7], Hundredths: src[8]},
		Deviation: int16(src[9])<<8 | int16(src[10]),
		Status:    src[11],
	}, nil
}

type DlmsDate struct {
	Year      uint16
	Month     byte
	Day       byte
	DayOfWeek byte
}

type DlmsTime struct {
	Hour       byte
	Minute     byte
	Second     byte
	Hundredths byte
}

type DlmsObis struct {
	A byte
	B byte
	C byte
	D byte
	E byte
	F byte
}

func (o DlmsObis) String() string {
	return fmt.Sprintf("%d-%d:%d.%d.%d.%d", o.A, o.B, o.C, o.D, o.E, o.F)
}

func (o DlmsObis) Bytes() []byte {
	return []byte{o.A, o.B, o.C, o.D, o.E, o.F}
}

func (o DlmsObis) EqualTo(o2 DlmsObis) bool {
	return o == o2
}

func NewDlmsObisFromSlice(src []byte) (ob DlmsObis, err error) {
	if len(src) < 6 {
		err = fmt.Errorf("invalid length")
		return
	}
	return DlmsObis{A: src[0], B: src[1], C: src[2], D: src[3], E: src[4], F: src[5]}, nil
}

func readobis(src *buffer.ByteBuffer) (ob DlmsObis, err error) {
	var tmp [6]byte
	if err = src.Get(tmp[:]); err != nil {
		return
	}
	return NewDlmsObisFromSlice(tmp[:])
}

func mustatoi(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		panic(err) // regexp only lets digits through
	}
	return i
}

var obisregexp = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^((\d+)-(\d+):)?(\d+)\.(\d+)(\.(\d+)(\.(\d+))?)?$`)
})

func NewDlmsObisFromString(src string) (ob DlmsObis, err error) {
	ob, _, err = NewDlmsObisFromStringComp(src)
	return
}

func NewDlmsObisFromStringComp(src string) (ob DlmsObis, cmp int, err error) {
	rg := obisregexp()
	m := rg.FindStringSubmatch(src)
	if m == nil {
		err = fmt.Errorf("invalid format")
		return
	}
	cmp = ObisHasC | ObisHasD
	a, b := 0, 0
	if len(m[1]) > 0 {
		a = mustatoi(m[2])
		b = mustatoi(m[3])
		cmp |= ObisHasA | ObisHasB
	}
	c := mustatoi(m[4])
	d := mustatoi(m[5])
	e, f := 255, 255
	if len(m[6]) > 0 {
		e = mustatoi(m[7])
		cmp |= ObisHasE
		if len(m[8]) > 0 {
			f = mustatoi(m[9])
			cmp |= ObisHasF
		}
	}
	if a > 255 || b > 255 || c > 255 || d > 255 || e > 255 || f > 255 {
		err = fmt.Errorf("invalid value")
		return
	}
	ob.A = byte(a)
	ob.B = byte(b)
	ob.C = byte(c)
	ob.D = byte(d)
	ob.E = byte(e)
	ob.F = byte(f)
	return
}

// MustObis is NewDlmsObisFromString for constants known to be valid.
func MustObis(src string) DlmsObis {
	ob, err := NewDlmsObisFromString(src)
	if err != nil {
		panic(fmt.Sprintf("invalid obis %q: %v", src, err))
	}
	return ob
}
