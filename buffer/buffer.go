// Package buffer implements ByteBuffer, the growable byte container every encoder and
// decoder of the server reads from and writes to.
//
// Writers append at the logical end (Size) and never move the read cursor; readers consume
// from Position. All multi-byte values are big-endian. Reading past Size fails with an
// error of kind base.KindInsufficientData, which the handlers treat as an incomplete PDU.
package buffer

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
	"unicode/utf16"

	"github.com/cybroslabs/libdlms-server-go/base"
)

// ArrayCapacity is the minimal growth margin added when a write does not fit.
const ArrayCapacity = 10

type ByteBuffer struct {
	data     []byte
	size     int
	position int
}

func New() *ByteBuffer {
	return &ByteBuffer{}
}

func NewWithCapacity(capacity int) *ByteBuffer {
	return &ByteBuffer{data: make([]byte, capacity)}
}

// NewFrom copies src into a new buffer positioned at 0.
func NewFrom(src []byte) *ByteBuffer {
	b := &ByteBuffer{data: make([]byte, len(src)), size: len(src)}
	copy(b.data, src)
	return b
}

func (b *ByteBuffer) Capacity() int {
	return len(b.data)
}

// SetCapacity reallocates the storage to exactly capacity bytes. Shrinking below Size
// drops the tail and clamps Size and Position.
func (b *ByteBuffer) SetCapacity(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	if capacity == len(b.data) {
		return
	}
	nd := make([]byte, capacity)
	if b.size > capacity {
		b.size = capacity
	}
	if b.position > b.size {
		b.position = b.size
	}
	copy(nd, b.data[:b.size])
	b.data = nd
}

func (b *ByteBuffer) Size() int {
	return b.size
}

// SetSize moves the logical end; growing past capacity reallocates.
func (b *ByteBuffer) SetSize(size int) error {
	if size < 0 {
		return base.NewError(base.KindRange, "negative size %d", size)
	}
	if size > len(b.data) {
		b.SetCapacity(size)
	}
	b.size = size
	if b.position > size {
		b.position = size
	}
	return nil
}

func (b *ByteBuffer) Position() int {
	return b.position
}

func (b *ByteBuffer) SetPosition(pos int) error {
	if pos < 0 || pos > b.size {
		return base.NewError(base.KindRange, "position %d outside of 0..%d", pos, b.size)
	}
	b.position = pos
	return nil
}

// Available is the count of unread bytes.
func (b *ByteBuffer) Available() int {
	return b.size - b.position
}

// Clear empties the buffer without releasing storage.
func (b *ByteBuffer) Clear() {
	b.size = 0
	b.position = 0
}

// Array returns the live bytes [0,size); the slice aliases the buffer.
func (b *ByteBuffer) Array() []byte {
	return b.data[:b.size]
}

// Bytes returns the unread bytes [position,size); the slice aliases the buffer.
func (b *ByteBuffer) Bytes() []byte {
	return b.data[b.position:b.size]
}

func (b *ByteBuffer) grow(n int) {
	if b.size+n <= len(b.data) {
		return
	}
	margin := ArrayCapacity
	if len(b.data)/2 > margin {
		margin = len(b.data) / 2
	}
	b.SetCapacity(b.size + n + margin)
}

func (b *ByteBuffer) SetUInt8(v byte) {
	b.grow(1)
	b.data[b.size] = v
	b.size++
}

func (b *ByteBuffer) SetInt8(v int8) {
	b.SetUInt8(byte(v))
}

// SetAt overwrites one already written byte.
func (b *ByteBuffer) SetAt(index int, v byte) error {
	if index < 0 || index >= b.size {
		return base.NewError(base.KindRange, "index %d outside of 0..%d", index, b.size)
	}
	b.data[index] = v
	return nil
}

func (b *ByteBuffer) SetUInt16(v uint16) {
	b.grow(2)
	binary.BigEndian.PutUint16(b.data[b.size:], v)
	b.size += 2
}

func (b *ByteBuffer) SetInt16(v int16) {
	b.SetUInt16(uint16(v))
}

// SetUInt16At overwrites two already written bytes, used for back-patched lengths.
func (b *ByteBuffer) SetUInt16At(index int, v uint16) error {
	if index < 0 || index+2 > b.size {
		return base.NewError(base.KindRange, "index %d outside of 0..%d", index, b.size-2)
	}
	binary.BigEndian.PutUint16(b.data[index:], v)
	return nil
}

func (b *ByteBuffer) SetUInt24(v uint32) {
	b.grow(3)
	b.data[b.size] = byte(v >> 16)
	b.data[b.size+1] = byte(v >> 8)
	b.data[b.size+2] = byte(v)
	b.size += 3
}

func (b *ByteBuffer) SetUInt32(v uint32) {
	b.grow(4)
	binary.BigEndian.PutUint32(b.data[b.size:], v)
	b.size += 4
}

func (b *ByteBuffer) SetInt32(v int32) {
	b.SetUInt32(uint32(v))
}

// SetUInt32At overwrites four already written bytes.
func (b *ByteBuffer) SetUInt32At(index int, v uint32) error {
	if index < 0 || index+4 > b.size {
		return base.NewError(base.KindRange, "index %d outside of 0..%d", index, b.size-4)
	}
	binary.BigEndian.PutUint32(b.data[index:], v)
	return nil
}

func (b *ByteBuffer) SetUInt64(v uint64) {
	b.grow(8)
	binary.BigEndian.PutUint64(b.data[b.size:], v)
	b.size += 8
}

func (b *ByteBuffer) SetInt64(v int64) {
	b.SetUInt64(uint64(v))
}

func (b *ByteBuffer) SetFloat(v float32) {
	b.SetUInt32(math.Float32bits(v))
}

func (b *ByteBuffer) SetDouble(v float64) {
	b.SetUInt64(math.Float64bits(v))
}

// Set appends src at the logical end.
func (b *ByteBuffer) Set(src []byte) {
	if len(src) == 0 {
		return
	}
	b.grow(len(src))
	copy(b.data[b.size:], src)
	b.size += len(src)
}

// SetBuffer appends up to count unread bytes of src and advances src's position.
// A negative count moves everything src has left.
func (b *ByteBuffer) SetBuffer(src *ByteBuffer, count int) {
	if src == nil {
		return
	}
	if count < 0 || count > src.Available() {
		count = src.Available()
	}
	b.Set(src.data[src.position : src.position+count])
	src.position += count
}

func (b *ByteBuffer) need(n int) error {
	if b.position+n > b.size {
		return base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	return nil
}

func (b *ByteBuffer) GetUInt8() (byte, error) {
	if err := b.need(1); err != nil {
		return 0, err
	}
	v := b.data[b.position]
	b.position++
	return v, nil
}

func (b *ByteBuffer) GetInt8() (int8, error) {
	v, err := b.GetUInt8()
	return int8(v), err
}

// PeekUInt8 returns the byte at index without moving the cursor.
func (b *ByteBuffer) PeekUInt8(index int) (byte, error) {
	if index < 0 || index >= b.size {
		return 0, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	return b.data[index], nil
}

func (b *ByteBuffer) GetUInt16() (uint16, error) {
	if err := b.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.data[b.position:])
	b.position += 2
	return v, nil
}

func (b *ByteBuffer) GetInt16() (int16, error) {
	v, err := b.GetUInt16()
	return int16(v), err
}

func (b *ByteBuffer) GetUInt24() (uint32, error) {
	if err := b.need(3); err != nil {
		return 0, err
	}
	d := b.data[b.position:]
	v := uint32(d[0])<<16 | uint32(d[1])<<8 | uint32(d[2])
	b.position += 3
	return v, nil
}

func (b *ByteBuffer) GetUInt32() (uint32, error) {
	if err := b.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.data[b.position:])
	b.position += 4
	return v, nil
}

func (b *ByteBuffer) GetInt32() (int32, error) {
	v, err := b.GetUInt32()
	return int32(v), err
}

func (b *ByteBuffer) GetUInt64() (uint64, error) {
	if err := b.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.data[b.position:])
	b.position += 8
	return v, nil
}

func (b *ByteBuffer) GetInt64() (int64, error) {
	v, err := b.GetUInt64()
	return int64(v), err
}

func (b *ByteBuffer) GetFloat() (float32, error) {
	v, err := b.GetUInt32()
	return math.Float32frombits(v), err
}

func (b *ByteBuffer) GetDouble() (float64, error) {
	v, err := b.GetUInt64()
	return math.Float64frombits(v), err
}

// Get fills target from the cursor.
func (b *ByteBuffer) Get(target []byte) error {
	if err := b.need(len(target)); err != nil {
		return err
	}
	copy(target, b.data[b.position:])
	b.position += len(target)
	return nil
}

// GetBytes returns a copy of the next n bytes.
func (b *ByteBuffer) GetBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, base.NewError(base.KindRange, "negative count %d", n)
	}
	ret := make([]byte, n)
	if err := b.Get(ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// Move relocates count bytes from srcPos to destPos, growing the buffer when the
// destination range ends past Size.
func (b *ByteBuffer) Move(srcPos, destPos, count int) error {
	if srcPos < 0 || destPos < 0 || count < 0 || srcPos+count > b.size {
		return base.NewError(base.KindRange, "invalid move %d->%d (%d), size %d", srcPos, destPos, count, b.size)
	}
	if count == 0 {
		return nil
	}
	if destPos+count > len(b.data) {
		b.SetCapacity(destPos + count)
	}
	copy(b.data[destPos:destPos+count], b.data[srcPos:srcPos+count])
	if destPos+count > b.size {
		b.size = destPos + count
	}
	return nil
}

// Trim discards the consumed prefix [0,position).
func (b *ByteBuffer) Trim() {
	if b.position == 0 {
		return
	}
	if b.position == b.size {
		b.Clear()
		return
	}
	rem := b.size - b.position
	_ = b.Move(b.position, 0, rem)
	b.size = rem
	b.position = 0
}

// Compare consumes expected when the next bytes equal it; otherwise the cursor stays.
func (b *ByteBuffer) Compare(expected []byte) bool {
	if b.Available() < len(expected) {
		return false
	}
	for i, v := range expected {
		if b.data[b.position+i] != v {
			return false
		}
	}
	b.position += len(expected)
	return true
}

// GetString reads count bytes starting at index as text, not moving the cursor.
func (b *ByteBuffer) GetString(index, count int) (string, error) {
	if index < 0 || count < 0 || index+count > b.size {
		return "", base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	return string(b.data[index : index+count]), nil
}

// GetStringUnicode decodes count bytes of big-endian UTF-16 starting at index.
func (b *ByteBuffer) GetStringUnicode(index, count int) (string, error) {
	if index < 0 || count < 0 || index+count > b.size || count&1 != 0 {
		return "", base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	u := make([]uint16, count/2)
	for i := range u {
		u[i] = binary.BigEndian.Uint16(b.data[index+2*i:])
	}
	return string(utf16.Decode(u)), nil
}

// IsAsciiString reports whether every byte is printable ASCII, CR, LF, TAB or NUL.
func IsAsciiString(value []byte) bool {
	for _, c := range value {
		if (c < 32 || c > 127) && c != '\r' && c != '\n' && c != '\t' && c != 0 {
			return false
		}
	}
	return true
}

// ToHex renders count bytes from index as space separated upper case hex.
func (b *ByteBuffer) ToHex(addSpace bool, index, count int) string {
	if index < 0 || index > b.size {
		return ""
	}
	if count < 0 || index+count > b.size {
		count = b.size - index
	}
	return ToHex(b.data[index:index+count], addSpace)
}

func ToHex(data []byte, addSpace bool) string {
	if !addSpace {
		return strings.ToUpper(hex.EncodeToString(data))
	}
	var sb strings.Builder
	for i, c := range data {
		if i != 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return sb.String()
}

// HexToBytes accepts hex with or without separating spaces.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

// String renders the unread part as text when printable, hex otherwise.
func (b *ByteBuffer) String() string {
	d := b.data[b.position:b.size]
	if IsAsciiString(d) {
		return string(d)
	}
	return ToHex(d, true)
}
