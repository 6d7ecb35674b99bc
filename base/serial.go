package base

import "time"

type SerialDataBits int
type SerialParity int
type SerialStopBits int

const (
	Serial5DataBits          SerialDataBits = 5
	Serial6DataBits          SerialDataBits = 6
	Serial7DataBits          SerialDataBits = 7
	Serial8DataBits          SerialDataBits = 8
	SerialNoParity           SerialParity   = 1
	SerialOddParity          SerialParity   = 2
	SerialEvenParity         SerialParity   = 3
	SerialMarkParity         SerialParity   = 4
	SerialSpaceParity        SerialParity   = 5
	SerialOneStopBit         SerialStopBits = 1
	SerialTwoStopBits        SerialStopBits = 2
	SerialOneAndHalfStopBits SerialStopBits = 3
)

// SerialStreamSettings describes the local port a serial listener opens.
type SerialStreamSettings struct {
	Device      string
	BaudRate    int
	DataBits    SerialDataBits
	Parity      SerialParity
	StopBits    SerialStopBits
	ReadTimeout time.Duration // poll granularity, also drives inactivity accounting
}

func ParseSerialParity(s string) (SerialParity, bool) {
	switch s {
	case "", "N", "n", "none":
		return SerialNoParity, true
	case "O", "o", "odd":
		return SerialOddParity, true
	case "E", "e", "even":
		return SerialEvenParity, true
	case "M", "m", "mark":
		return SerialMarkParity, true
	case "S", "s", "space":
		return SerialSpaceParity, true
	}
	return 0, false
}
