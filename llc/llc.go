// Package llc handles the three byte LLC header that prefixes every APDU carried in an
// HDLC information field.
package llc

import (
	"fmt"

	"github.com/cybroslabs/libdlms-server-go/buffer"
)

var (
	RequestHeader = []byte{0xe6, 0xe6, 0x00}
	ReplyHeader   = []byte{0xe6, 0xe7, 0x00}
)

// Strip consumes the request header from the cursor of src.
func Strip(src *buffer.ByteBuffer) error {
	if !src.Compare(RequestHeader) {
		return fmt.Errorf("invalid LLC request header")
	}
	return nil
}

// Wrap prefixes apdu with the reply header.
func Wrap(apdu []byte) []byte {
	ret := make([]byte, 0, len(ReplyHeader)+len(apdu))
	ret = append(ret, ReplyHeader...)
	return append(ret, apdu...)
}
