package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Layout of the mapped file:
//
//	header: magic (8) | slot count (4) | slot size (4)
//	slot:   key length (1) | key (63) | value length (2) | value (slot size - 66)
//
// A slot with key length 0 is free.
const (
	magic         = "DLMSSTO1"
	headerSize    = 16
	maxKeyLength  = 63
	slotOverhead  = 1 + maxKeyLength + 2
	DefaultSlots  = 1024
	DefaultSlotSz = 512
)

// Mmap is a Store backed by a memory mapped file.
type Mmap struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	data     mmap.MMap
	slots    int
	slotSize int
	index    map[string]int
}

// OpenMmap maps path, creating it with slots of slotSize bytes when it does not exist.
// An existing file keeps its own geometry.
func OpenMmap(path string, slots int, slotSize int) (*Mmap, error) {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if slotSize <= slotOverhead {
		slotSize = DefaultSlotSz
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open store file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	fresh := fi.Size() == 0
	if fresh {
		if err := f.Truncate(int64(headerSize + slots*slotSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to size store file: %w", err)
		}
	}
	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	m := &Mmap{path: path, file: f, data: data, index: make(map[string]int)}
	if fresh {
		copy(data, magic)
		binary.BigEndian.PutUint32(data[8:], uint32(slots))
		binary.BigEndian.PutUint32(data[12:], uint32(slotSize))
	}
	if err := m.scan(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mmap) scan() error {
	if len(m.data) < headerSize || !bytes.Equal(m.data[:8], []byte(magic)) {
		return fmt.Errorf("%s is not a value store", m.path)
	}
	m.slots = int(binary.BigEndian.Uint32(m.data[8:]))
	m.slotSize = int(binary.BigEndian.Uint32(m.data[12:]))
	if m.slotSize <= slotOverhead || len(m.data) < headerSize+m.slots*m.slotSize {
		return fmt.Errorf("%s has an invalid geometry %d/%d", m.path, m.slots, m.slotSize)
	}
	for i := range m.slots {
		slot := m.slot(i)
		if n := int(slot[0]); n != 0 && n <= maxKeyLength {
			m.index[string(slot[1:1+n])] = i
		}
	}
	return nil
}

func (m *Mmap) slot(i int) []byte {
	off := headerSize + i*m.slotSize
	return m.data[off : off+m.slotSize]
}

func (m *Mmap) Load(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil, ErrClosed
	}
	i, ok := m.index[key]
	if !ok {
		return nil, ErrNotFound
	}
	slot := m.slot(i)
	n := int(binary.BigEndian.Uint16(slot[1+maxKeyLength:]))
	if n > m.slotSize-slotOverhead {
		return nil, fmt.Errorf("corrupted slot %d", i)
	}
	return append([]byte(nil), slot[slotOverhead:slotOverhead+n]...), nil
}

func (m *Mmap) Save(key string, value []byte) error {
	if len(key) == 0 || len(key) > maxKeyLength {
		return fmt.Errorf("invalid key %q", key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return ErrClosed
	}
	if len(value) > m.slotSize-slotOverhead {
		return fmt.Errorf("%w: %d bytes for %s", ErrTooLarge, len(value), key)
	}
	i, ok := m.index[key]
	if !ok {
		if i = m.free(); i < 0 {
			return ErrFull
		}
		m.index[key] = i
	}
	slot := m.slot(i)
	slot[0] = byte(len(key))
	copy(slot[1:1+maxKeyLength], key)
	binary.BigEndian.PutUint16(slot[1+maxKeyLength:], uint16(len(value)))
	copy(slot[slotOverhead:], value)
	return m.data.Flush()
}

func (m *Mmap) free() int {
	for i := range m.slots {
		if m.slot(i)[0] == 0 {
			return i
		}
	}
	return -1
}

// Close unmaps and closes the file.
func (m *Mmap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.data != nil {
		if e := m.data.Unmap(); e != nil {
			err = e
		}
		m.data = nil
	}
	if m.file != nil {
		if e := m.file.Close(); e != nil {
			err = e
		}
		m.file = nil
	}
	return err
}
