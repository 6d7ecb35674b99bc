package cosem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/dlmsal"
	"go.uber.org/zap"
)

const (
	selectorRange = 1
	selectorEntry = 2

	sortFifo = 1
)

// CaptureObject names one column of a profile or one entry of a push object list.
type CaptureObject struct {
	ClassId   uint16
	LN        dlmsal.DlmsObis
	Attribute int8
	DataIndex uint16
}

func (c CaptureObject) encode() dlmsal.DlmsData {
	return dlmsal.EncodeCaptureObject(c.ClassId, c.LN, c.Attribute, c.DataIndex)
}

func decodeCaptureObjects(v dlmsal.DlmsData) ([]CaptureObject, error) {
	var raw []struct {
		ClassId   uint16
		LN        dlmsal.DlmsObis
		Attribute int8
		DataIndex uint16
	}
	if err := dlmsal.Cast(&raw, v); err != nil {
		return nil, err
	}
	ret := make([]CaptureObject, len(raw))
	for i, r := range raw {
		ret[i] = CaptureObject(r)
	}
	return ret, nil
}

func encodeCaptureObjects(list []CaptureObject) dlmsal.Array {
	ret := make(dlmsal.Array, len(list))
	for i, c := range list {
		ret[i] = c.encode()
	}
	return ret
}

// ProfileGeneric is interface class 7, a FIFO buffer of captured rows. The buffer is
// served row by row, so large profiles go out in blocks without being encoded at once.
type ProfileGeneric struct {
	header
	resolver dlmsal.ObjectResolver
	captures []CaptureObject
	period   uint32 // seconds, 0 disables the capture goroutine
	entries  uint32 // capacity
	rows     [][]dlmsal.DlmsData

	logger *zap.SugaredLogger
}

func NewProfileGeneric(ln dlmsal.DlmsObis, captures []CaptureObject, period uint32, entries uint32) *ProfileGeneric {
	if entries == 0 {
		entries = 1
	}
	p := &ProfileGeneric{
		header:   header{class: dlmsal.ClassProfileGeneric, version: 1, ln: ln},
		captures: captures,
		period:   period,
		entries:  entries,
	}
	for _, i := range []int{2, 3, 5, 6, 7} {
		p.SetAttributeAccess(i, base.AccessRead)
	}
	p.SetAttributeAccess(4, base.AccessReadWrite)
	p.SetAttributeAccess(8, base.AccessReadWrite)
	p.SetMethodAccess(1, base.MethodAccessAuthenticated)
	p.SetMethodAccess(2, base.MethodAccessAllowed)
	return p
}

func (p *ProfileGeneric) SetLogger(logger *zap.SugaredLogger) {
	p.logger = logger
}

func (p *ProfileGeneric) logf(format string, v ...any) {
	if p.logger != nil {
		p.logger.Infof(format, v...)
	}
}

// Bind sets the resolver used to find captured objects.
func (p *ProfileGeneric) Bind(resolver dlmsal.ObjectResolver) {
	p.resolver = resolver
}

func (p *ProfileGeneric) AttributeCount() int { return 8 }
func (p *ProfileGeneric) MethodCount() int    { return 2 }

func (p *ProfileGeneric) AttributeType(index int) dlmsal.DataTag {
	switch index {
	case 1:
		return dlmsal.TagOctetString
	case 4, 7, 8:
		return dlmsal.TagDoubleLongUnsigned
	case 5:
		return dlmsal.TagEnum
	}
	return dlmsal.TagNull
}

// Capture reads every capture object and appends the row, dropping the oldest one when
// the buffer is full.
func (p *ProfileGeneric) Capture() error {
	p.mu.Lock()
	captures := p.captures
	p.mu.Unlock()

	row := make([]dlmsal.DlmsData, len(captures))
	for i, c := range captures {
		v, err := readCaptured(p.resolver, c)
		if err != nil {
			return fmt.Errorf("capture of %v: %w", p.ln, err)
		}
		row[i] = v
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.captures) != len(row) {
		return fmt.Errorf("capture objects of %v changed during capture", p.ln)
	}
	p.rows = append(p.rows, row)
	if over := len(p.rows) - int(p.entries); over > 0 {
		p.rows = append(p.rows[:0:0], p.rows[over:]...)
	}
	return nil
}

// readCaptured reads the attribute named by c, or one element of it when DataIndex is set.
func readCaptured(resolver dlmsal.ObjectResolver, c CaptureObject) (dlmsal.DlmsData, error) {
	if resolver == nil {
		return nil, fmt.Errorf("no resolver bound")
	}
	obj := resolver.FindByLogicalName(c.ClassId, c.LN)
	if obj == nil {
		return nil, fmt.Errorf("object %d/%v not found", c.ClassId, c.LN)
	}
	if c.Attribute <= 0 || int(c.Attribute) > obj.AttributeCount() {
		return nil, fmt.Errorf("attribute %d of %v out of range", c.Attribute, c.LN)
	}
	v, err := obj.GetValue(nil, &dlmsal.ValueEventArgs{Target: obj, Index: int(c.Attribute)})
	if err != nil {
		return nil, err
	}
	if c.DataIndex == 0 {
		return v, nil
	}
	var items []dlmsal.DlmsData
	switch x := v.(type) {
	case dlmsal.Array:
		items = x
	case dlmsal.Structure:
		items = x
	}
	if int(c.DataIndex) > len(items) {
		return nil, fmt.Errorf("data index %d out of range for %v", c.DataIndex, c.LN)
	}
	return items[c.DataIndex-1], nil
}

// Run captures every period until ctx is done.
func (p *ProfileGeneric) Run(ctx context.Context, wg *sync.WaitGroup) {
	p.mu.Lock()
	period := p.period
	p.mu.Unlock()
	if period == 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Duration(period) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Capture(); err != nil {
					p.logf("capture failed: %v", err)
				}
			}
		}
	}()
}

// Reset empties the buffer.
func (p *ProfileGeneric) Reset() {
	p.mu.Lock()
	p.rows = nil
	p.mu.Unlock()
}

// EntriesInUse is the count of captured rows.
func (p *ProfileGeneric) EntriesInUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rows)
}

func (p *ProfileGeneric) GetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	if e.Index == 2 {
		n, err := p.Rows(s, e)
		if err != nil {
			return nil, err
		}
		e.RowBegin, e.RowEnd = 0, n
		rows, err := p.AppendRows(s, e, make([]dlmsal.DlmsData, 0, n))
		return dlmsal.Array(rows), err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Index {
	case 1:
		return p.lnValue(), nil
	case 3:
		return encodeCaptureObjects(p.captures), nil
	case 4:
		return dlmsal.DoubleLongUnsigned(p.period), nil
	case 5:
		return dlmsal.Enum(sortFifo), nil
	case 6:
		return CaptureObject{}.encode(), nil
	case 7:
		return dlmsal.DoubleLongUnsigned(len(p.rows)), nil
	case 8:
		return dlmsal.DoubleLongUnsigned(p.entries), nil
	}
	return nil, base.TagResultObjectUndefined
}

func (p *ProfileGeneric) SetValue(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Index {
	case 3:
		list, err := decodeCaptureObjects(e.Value)
		if err != nil {
			return base.TagResultTypeUnmatched
		}
		p.captures = list
		p.rows = nil
	case 4:
		if err := dlmsal.Cast(&p.period, e.Value); err != nil {
			return base.TagResultTypeUnmatched
		}
	case 8:
		var n uint32
		if err := dlmsal.Cast(&n, e.Value); err != nil || n == 0 {
			return base.TagResultTypeUnmatched
		}
		p.entries = n
		if over := len(p.rows) - int(n); over > 0 {
			p.rows = append(p.rows[:0:0], p.rows[over:]...)
		}
	default:
		return base.TagResultReadWriteDenied
	}
	return nil
}

// Invoke runs reset (1) and capture (2).
func (p *ProfileGeneric) Invoke(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (dlmsal.DlmsData, error) {
	switch e.Index {
	case 1:
		p.Reset()
		return nil, nil
	case 2:
		if err := p.Capture(); err != nil {
			p.logf("capture failed: %v", err)
			return nil, base.TagResultTemporaryFailure
		}
		return nil, nil
	}
	return nil, base.TagResultObjectUndefined
}

// selection is the snapshot of rows and columns a selective access picked. It lives in
// ValueEventArgs.State while blocks are sent.
type selection struct {
	rows    [][]dlmsal.DlmsData
	columns []int // nil for every column
}

// Rows applies the selective access of e to a snapshot of the buffer.
func (p *ProfileGeneric) Rows(s *dlmsal.Settings, e *dlmsal.ValueEventArgs) (int, error) {
	if e.Index != 2 {
		return -1, nil
	}
	p.mu.Lock()
	rows := p.rows[:len(p.rows):len(p.rows)]
	captures := p.captures
	p.mu.Unlock()

	sel := &selection{rows: rows}
	var err error
	switch e.Selector {
	case 0:
	case selectorRange:
		err = sel.byRange(captures, e.Parameters)
	case selectorEntry:
		err = sel.byEntry(len(captures), e.Parameters)
	default:
		err = base.NewError(base.KindRange, "selector %d not supported", e.Selector)
	}
	if err != nil {
		return 0, err
	}
	e.State = sel
	return len(sel.rows), nil
}

func (p *ProfileGeneric) AppendRows(s *dlmsal.Settings, e *dlmsal.ValueEventArgs, dst []dlmsal.DlmsData) ([]dlmsal.DlmsData, error) {
	sel, ok := e.State.(*selection)
	if !ok {
		return dst, fmt.Errorf("rows read without a selection")
	}
	for _, row := range sel.rows[e.RowBegin:e.RowEnd] {
		if sel.columns == nil {
			dst = append(dst, dlmsal.Structure(row))
			continue
		}
		r := make(dlmsal.Structure, len(sel.columns))
		for i, c := range sel.columns {
			r[i] = row[c]
		}
		dst = append(dst, r)
	}
	return dst, nil
}

// byRange keeps rows whose restricting column lies within [from, to].
func (sel *selection) byRange(captures []CaptureObject, params dlmsal.DlmsData) error {
	var rd struct {
		Restricting dlmsal.Structure
		From        dlmsal.DlmsData
		To          dlmsal.DlmsData
		Selected    dlmsal.Array
	}
	if err := dlmsal.Cast(&rd, params); err != nil {
		return base.WrapError(base.KindRange, fmt.Errorf("invalid range descriptor: %w", err))
	}
	restricting, err := decodeCaptureObjects(dlmsal.Array{rd.Restricting})
	if err != nil {
		return base.WrapError(base.KindRange, err)
	}
	column := indexOf(captures, restricting[0])
	if column < 0 {
		return base.NewError(base.KindRange, "restricting object %v is not captured", restricting[0].LN)
	}
	var out [][]dlmsal.DlmsData
	for _, row := range sel.rows {
		lo, err := compareValues(row[column], rd.From)
		if err != nil {
			return err
		}
		hi, err := compareValues(row[column], rd.To)
		if err != nil {
			return err
		}
		if lo >= 0 && hi <= 0 {
			out = append(out, row)
		}
	}
	sel.rows = out

	if len(rd.Selected) != 0 {
		selected, err := decodeCaptureObjects(rd.Selected)
		if err != nil {
			return base.WrapError(base.KindRange, err)
		}
		for _, c := range selected {
			i := indexOf(captures, c)
			if i < 0 {
				return base.NewError(base.KindRange, "selected object %v is not captured", c.LN)
			}
			sel.columns = append(sel.columns, i)
		}
	}
	return nil
}

// byEntry keeps rows and columns by 1-based position, a 0 upper bound means the last one.
func (sel *selection) byEntry(columns int, params dlmsal.DlmsData) error {
	var ed struct {
		FromEntry uint32
		ToEntry   uint32
		FromValue uint16
		ToValue   uint16
	}
	if err := dlmsal.Cast(&ed, params); err != nil {
		return base.WrapError(base.KindRange, fmt.Errorf("invalid entry descriptor: %w", err))
	}
	n := uint32(len(sel.rows))
	from, to := max(ed.FromEntry, 1), ed.ToEntry
	if to == 0 || to > n {
		to = n
	}
	if from > to {
		sel.rows = nil
	} else {
		sel.rows = sel.rows[from-1 : to]
	}

	fromc, toc := int(max(ed.FromValue, 1)), int(ed.ToValue)
	if toc == 0 || toc > columns {
		toc = columns
	}
	if fromc == 1 && toc == columns {
		return nil
	}
	if fromc > toc {
		return base.NewError(base.KindRange, "empty column range %d-%d", ed.FromValue, ed.ToValue)
	}
	for i := fromc - 1; i < toc; i++ {
		sel.columns = append(sel.columns, i)
	}
	return nil
}

func indexOf(captures []CaptureObject, c CaptureObject) int {
	for i, x := range captures {
		if x.ClassId == c.ClassId && x.LN == c.LN && x.Attribute == c.Attribute && x.DataIndex == c.DataIndex {
			return i
		}
	}
	return -1
}

// compareValues orders two captured values, times by instant and numbers by value.
func compareValues(a dlmsal.DlmsData, b dlmsal.DlmsData) (int, error) {
	if ta, err := dateTimeOf(a); err == nil {
		tb, err := dateTimeOf(b)
		if err != nil {
			return 0, base.WrapError(base.KindRange, err)
		}
		return ta.Compare(tb), nil
	}
	fa, err := dlmsal.AsFloat(a)
	if err != nil {
		return 0, base.WrapError(base.KindRange, err)
	}
	fb, err := dlmsal.AsFloat(b)
	if err != nil {
		return 0, base.WrapError(base.KindRange, err)
	}
	switch {
	case fa < fb:
		return -1, nil
	case fa > fb:
		return 1, nil
	}
	return 0, nil
}
