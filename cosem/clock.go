package cosem

import (
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
)

const (
	clockStatusInvalid = 0x01
	clockStatusDST     = 0x80
	clockBaseCrystal   = 1
)

// Clock is interface class 8. The meter time is the host time shifted by an offset
// adjusted whenever the client sets the time.
type Clock struct {
	header
	now    func() time.Time
	offset time.Duration
	zone   *time.Location

	dstBegin     []byte
	dstEnd       []byte
	dstDeviation int8
	dstEnabled   bool
	status       byte
}

func NewClock(ln dlmsal.DlmsObis, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	unspecified := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x80, 0x00, 0xff}
	c := &Clock{
		header:   header{class: dlmsal.ClassClock, ln: ln},
		now:      now,
		zone:     time.UTC,
		dstBegin: unspecified,
		dstEnd:   unspecified,
	}
	for _, i := range []int{2, 3, 5, 6, 7, 8} {
		c.SetAttributeAccess(i, base.AccessReadWrite)
	}
	for _, i := range []int{1, 3, 6} {
		c.SetMethodAccess(i, base.MethodAccessAllowed)
	}
	return c
}

func (c *Clock) AttributeCount() int { return 9 }
func (c *Clock) MethodCount() int    { return 6 }

func (c *Clock) AttributeType(index int) dlmsal.DataTag {
	switch index {
	case 3:
		return dlmsal.TagLong
	case 4:
		return dlmsal.TagUnsigned
	case 7:
		return dlmsal.TagInteger
	case 8:
		return dlmsal.TagBoolean
	case 9:
		return dlmsal.TagEnum
	}
	return dlmsal.TagOctetString
}

// Time returns the meter time.
func (c *Clock) Time() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time()
}

func (c *Clock) time() time.Time {
	return c.now().Add(c.offset).In(c.zone)
}

// DateTime returns the meter time in the 12 byte form.
func (c *Clock) DateTime() dlmsal.DlmsDateTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	dt := dlmsal.NewDlmsDateTimeFromTime(c.time())
	dt.Status = c.status
	if c.dstEnabled && c.time().IsDST() {
		dt.Status |= clockStatusDST
	}
	return dt
}

func (c *Clock) GetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	if e.Index == 2 {
		return dlmsal.OctetString(c.DateTime().Bytes()), nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Index {
	case 1:
		return c.lnValue(), nil
	case 3:
		_, off := c.time().Zone()
		return dlmsal.Long(off / 60), nil
	case 4:
		return dlmsal.Unsigned(c.status), nil
	case 5:
		return dlmsal.OctetString(c.dstBegin), nil
	case 6:
		return dlmsal.OctetString(c.dstEnd), nil
	case 7:
		return dlmsal.Integer(c.dstDeviation), nil
	case 8:
		return dlmsal.Boolean(c.dstEnabled), nil
	case 9:
		return dlmsal.Enum(clockBaseCrystal), nil
	}
	return nil, base.TagResultObjectUndefined
}

func (c *Clock) SetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Index {
	case 2:
		t, err := dateTimeOf(e.Value)
		if err != nil {
			return base.TagResultTypeUnmatched
		}
		c.offset = t.Sub(c.now())
		c.status &^= clockStatusInvalid
	case 3:
		var minutes int16
		if err := dlmsal.Cast(&minutes, e.Value); err != nil {
			return base.TagResultTypeUnmatched
		}
		c.zone = time.FixedZone("", int(minutes)*60)
	case 5, 6:
		b, ok := e.Value.(dlmsal.OctetString)
		if !ok || len(b) != 12 {
			return base.TagResultTypeUnmatched
		}
		if e.Index == 5 {
			c.dstBegin = append([]byte(nil), b...)
		} else {
			c.dstEnd = append([]byte(nil), b...)
		}
	case 7:
		if err := dlmsal.Cast(&c.dstDeviation, e.Value); err != nil {
			return base.TagResultTypeUnmatched
		}
	case 8:
		if err := dlmsal.Cast(&c.dstEnabled, e.Value); err != nil {
			return base.TagResultTypeUnmatched
		}
	default:
		return base.TagResultReadWriteDenied
	}
	return nil
}

// Invoke supports adjust_to_quarter (1), adjust_to_minute (3) and shift_time (6).
func (c *Clock) Invoke(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.time()
	switch e.Index {
	case 1:
		c.offset += t.Round(15*time.Minute).Sub(t)
	case 3:
		c.offset += t.Round(time.Minute).Sub(t)
	case 6:
		var seconds int16
		if err := dlmsal.Cast(&seconds, e.Parameters); err != nil || seconds < -900 || seconds > 900 {
			return nil, base.TagResultOtherReason
		}
		c.offset += time.Duration(seconds) * time.Second
	default:
		return nil, base.TagResultOtherReason
	}
	return nil, nil
}

// dateTimeOf accepts the octet string and the date-time encodings of a point in time.
func dateTimeOf(v dlmsal.DlmsData) (time.Time, error) {
	switch x := v.(type) {
	case dlmsal.OctetString:
		dt, err := dlmsal.NewDlmsDateTimeFromSlice(x)
		if err != nil {
			return time.Time{}, err
		}
		return dt.ToTime()
	case dlmsal.DlmsDateTime:
		return x.ToTime()
	}
	return time.Time{}, base.TagResultTypeUnmatched
}
