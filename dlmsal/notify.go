package dlmsal

import (
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

func putdatetime(dst *buffer.ByteBuffer, t *time.Time) {
	if t == nil {
		dst.SetUInt8(0)
		return
	}
	dst.SetUInt8(12)
	dst.Set(NewDlmsDateTimeFromTime(*t).Bytes())
}

// DataNotification builds a Data-Notification APDU carrying value. The long invoke id of
// the session is advanced.
func DataNotification(s *Settings, t *time.Time, value DlmsData) ([]byte, error) {
	dst := buffer.NewWithCapacity(64)
	dst.SetUInt8(byte(base.TagDataNotification))
	dst.SetUInt32(s.NextLongInvokeId())
	putdatetime(dst, t)
	if err := EncodeData(dst, value); err != nil {
		return nil, err
	}
	if dst.Size() > int(s.MaxPduSize()) {
		return nil, base.NewError(base.KindRange, "data notification of %d bytes exceeds max pdu size %d", dst.Size(), s.MaxPduSize())
	}
	return dst.Array(), nil
}

// ReportItem is one variable of an Information-Report.
type ReportItem struct {
	ShortName uint16
	Value     DlmsData
}

// InformationReport builds the SN unsolicited report of the given variables.
func InformationReport(s *Settings, t *time.Time, items []ReportItem) ([]byte, error) {
	dst := buffer.NewWithCapacity(64)
	dst.SetUInt8(byte(base.TagInformationReportRequest))
	putdatetime(dst, t)
	encodelength(dst, uint(len(items)))
	for _, it := range items {
		dst.SetUInt8(byte(TagVariableName))
		dst.SetUInt16(it.ShortName)
	}
	encodelength(dst, uint(len(items)))
	for _, it := range items {
		if err := EncodeData(dst, it.Value); err != nil {
			return nil, err
		}
	}
	if dst.Size() > int(s.MaxPduSize()) {
		return nil, base.NewError(base.KindRange, "information report of %d bytes exceeds max pdu size %d", dst.Size(), s.MaxPduSize())
	}
	return dst.Array(), nil
}
