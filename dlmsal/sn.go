package dlmsal

import (
	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

// SN requests carry no invoke id, every response starts with the tag and the result count.

func (h *Handler) snError(tag base.CosemTag, result base.DlmsResultTag) *buffer.ByteBuffer {
	h.settings.ResetBlockIndex()
	reply := buffer.NewWithCapacity(8)
	reply.SetUInt8(byte(tag))
	reply.SetUInt8(1)
	reply.SetUInt8(1) // data-access-error choice, same value for read and write
	reply.SetUInt8(byte(result))
	return reply
}

// resolveShortName fills target, index and kind of an SN address.
func (h *Handler) resolveShortName(sn uint16) *ValueEventArgs {
	e := &ValueEventArgs{}
	obj, index, isAction, ok := h.snindex.Find(sn)
	if !ok {
		h.logf("short name %04X not found", sn)
		e.Error = base.TagResultObjectUndefined
		return e
	}
	e.Target = obj
	e.Index = index
	e.IsAction = isAction
	return e
}

// readVariableAccess reads one variable-name or parameterised-access specification.
func (h *Handler) readVariableAccess(src *buffer.ByteBuffer, kind VariableAccessTag) (*ValueEventArgs, error) {
	sn, err := src.GetUInt16()
	if err != nil {
		return nil, err
	}
	e := h.resolveShortName(sn)
	if kind == TagParameterisedAccess {
		if e.Selector, err = src.GetUInt8(); err != nil {
			return nil, err
		}
		if e.Parameters, err = DecodeData(src); err != nil {
			return nil, err
		}
		if !e.IsAction && h.settings.NegotiatedConformance&base.ConformanceBlockParametrizedAccess == 0 {
			return nil, base.NewError(base.KindAccessDenied, "parameterized access not negotiated")
		}
	}
	return e, nil
}

// readBlockAccess reads last-block and block-number of a block transferred SN request.
func readBlockAccess(src *buffer.ByteBuffer) (bool, uint16, error) {
	last, err := src.GetUInt8()
	if err != nil {
		return false, 0, err
	}
	blockNo, err := src.GetUInt16()
	return last != 0, blockNo, err
}

// collectBlock appends one block of a request the client sends in pieces. It returns the
// transaction to keep and whether the request body is complete.
func (h *Handler) collectBlock(command base.CosemTag, tx *AwaitingBlock, blockNo uint16, raw []byte, last bool) (*AwaitingBlock, error) {
	s := h.settings
	if tx == nil || tx.Command != command || !tx.Receiving {
		s.ResetBlockIndex()
		tx = &AwaitingBlock{Command: command, Data: buffer.New(), Receiving: true}
	}
	if uint32(blockNo) != s.BlockIndex() {
		s.ResetBlockIndex()
		return nil, base.NewError(base.KindInvalidBlockNumber, "block %d, expected %d", blockNo, s.BlockIndex())
	}
	tx.Data.Set(raw)
	if last {
		s.ResetBlockIndex()
	} else {
		s.IncreaseBlockIndex()
	}
	return tx, nil
}

func (h *Handler) blockAck(tag base.CosemTag, choice byte, blockNo uint16) *buffer.ByteBuffer {
	reply := buffer.NewWithCapacity(6)
	reply.SetUInt8(byte(tag))
	reply.SetUInt8(1)
	reply.SetUInt8(choice)
	reply.SetUInt16(blockNo)
	return reply
}

// ---- read

func (h *Handler) handleRead(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock, error) {
	s := h.settings
	count, err := decodelength(src)
	if err != nil || count == 0 {
		return nil, nil, base.NewError(base.KindMalformed, "malformed read request")
	}
	k, err := src.PeekUInt8(src.Position())
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}

	switch VariableAccessTag(k) {
	case TagBlockNumberAccess:
		_, _ = src.GetUInt8()
		blockNo, err := src.GetUInt16()
		if err != nil {
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
		if tx == nil || tx.Command != base.TagReadRequest || tx.Receiving {
			h.logf("read block %d without long read", blockNo)
			return h.snError(base.TagReadResponse, base.TagResultNoLongGetInProgress), nil, nil
		}
		if uint32(blockNo) != s.BlockIndex() {
			h.logf("invalid block number %d, expected %d", blockNo, s.BlockIndex())
			return h.snError(base.TagReadResponse, base.TagResultDataBlockNumberInvalid), nil, nil
		}
		s.IncreaseBlockIndex()
		r, tx := h.readBlock(tx)
		return r, tx, nil
	case TagReadDataBlockAccess:
		_, _ = src.GetUInt8()
		last, blockNo, err := readBlockAccess(src)
		var raw []byte
		if err == nil {
			raw, err = readRaw(src)
		}
		if err != nil {
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
		tx, err = h.collectBlock(base.TagReadRequest, tx, blockNo, raw, last)
		if err != nil {
			h.logf("read request block: %v", err)
			return h.snError(base.TagReadResponse, resultOf(err)), nil, nil
		}
		if !last {
			return h.blockAck(base.TagReadResponse, TagReadResponseBlockNum, blockNo), tx, nil
		}
		// the reassembled body starts with its own count
		body := tx.Data
		if count, err = decodelength(body); err != nil {
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
		src = body
	}

	s.ResetBlockIndex()
	targets := make([]*ValueEventArgs, 0, min(count, 64))
	for range count {
		k, err := src.GetUInt8()
		if err != nil {
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
		switch VariableAccessTag(k) {
		case TagVariableName, TagParameterisedAccess:
		default:
			return nil, nil, base.NewError(base.KindMalformed, "unsupported variable access %d", k)
		}
		e, err := h.readVariableAccess(src, VariableAccessTag(k))
		if err != nil {
			if base.KindOf(err) == base.KindAccessDenied {
				return h.snError(base.TagReadResponse, base.TagResultReadWriteDenied), nil, nil
			}
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
		targets = append(targets, e)
	}

	for _, e := range targets {
		if e.Error != base.TagResultSuccess {
			continue
		}
		if e.IsAction {
			h.invoke(e)
		} else {
			h.read(e, false)
		}
	}

	data := buffer.New()
	encodelength(data, uint(len(targets)))
	for _, e := range targets {
		if e.Error == base.TagResultSuccess {
			mark := data.Size()
			data.SetUInt8(TagReadResponseData)
			if err := EncodeData(data, e.Value); err == nil {
				continue
			}
			_ = data.SetSize(mark)
			e.Error = base.TagResultHardwareFault
		}
		data.SetUInt8(TagReadResponseError)
		data.SetUInt8(byte(e.Error))
	}

	if 1+data.Available() <= h.pduRoom() {
		reply := buffer.NewWithCapacity(1 + data.Available())
		reply.SetUInt8(byte(base.TagReadResponse))
		reply.SetBuffer(data, -1)
		return reply, nil, nil
	}
	r, tx := h.readBlock(&AwaitingBlock{Command: base.TagReadRequest, Targets: targets, Data: data, List: len(targets) > 1})
	return r, tx, nil
}

// readBlock sends the next data-block-result of a long read.
func (h *Handler) readBlock(tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	room := h.blockRoom(6)
	n := min(room, tx.Data.Available())
	last := tx.Data.Available() <= room

	reply := buffer.NewWithCapacity(int(s.MaxPduSize()))
	reply.SetUInt8(byte(base.TagReadResponse))
	reply.SetUInt8(1)
	reply.SetUInt8(TagReadResponseBlock)
	putbool(reply, last)
	reply.SetUInt16(uint16(s.BlockIndex()))
	encodelength(reply, uint(n))
	reply.SetBuffer(tx.Data, n)
	tx.Data.Trim()
	if last {
		s.ResetBlockIndex()
		return reply, nil
	}
	return reply, tx
}

// ---- write

func (h *Handler) handleWrite(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock, error) {
	count, err := decodelength(src)
	if err != nil || count == 0 {
		return nil, nil, base.NewError(base.KindMalformed, "malformed write request")
	}
	k, err := src.PeekUInt8(src.Position())
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}

	if VariableAccessTag(k) == TagWriteDataBlockAccess {
		_, _ = src.GetUInt8()
		last, blockNo, err := readBlockAccess(src)
		var values []DlmsData
		if err == nil {
			values, err = readValues(src)
		}
		if err != nil {
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
		var raw OctetString
		if len(values) == 1 {
			raw, _ = values[0].(OctetString)
		}
		if raw == nil {
			return nil, nil, base.NewError(base.KindMalformed, "write data block without raw data")
		}
		tx, err = h.collectBlock(base.TagWriteRequest, tx, blockNo, raw, last)
		if err != nil {
			h.logf("write request block: %v", err)
			return h.snError(base.TagWriteResponse, resultOf(err)), nil, nil
		}
		if !last {
			return h.blockAck(base.TagWriteResponse, TagWriteResponseBlockNum, blockNo), tx, nil
		}
		src = tx.Data
		if count, err = decodelength(src); err != nil {
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
	}

	h.settings.ResetBlockIndex()
	targets := make([]*ValueEventArgs, 0, min(count, 64))
	for range count {
		k, err := src.GetUInt8()
		if err != nil {
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
		switch VariableAccessTag(k) {
		case TagVariableName, TagParameterisedAccess:
		default:
			return nil, nil, base.NewError(base.KindMalformed, "unsupported variable access %d", k)
		}
		e, err := h.readVariableAccess(src, VariableAccessTag(k))
		if err != nil {
			if base.KindOf(err) == base.KindAccessDenied {
				return h.snError(base.TagWriteResponse, base.TagResultReadWriteDenied), nil, nil
			}
			return nil, nil, base.WrapError(base.KindMalformed, err)
		}
		targets = append(targets, e)
	}
	values, err := readValues(src)
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}

	for i, e := range targets {
		if e.Error != base.TagResultSuccess {
			continue
		}
		if i >= len(values) {
			e.Error = base.TagResultReadWriteDenied
			continue
		}
		if e.IsAction {
			e.Parameters = values[i]
			h.invoke(e)
			continue
		}
		e.Value = values[i]
		h.write(e)
	}

	reply := buffer.NewWithCapacity(2 + 2*len(targets))
	reply.SetUInt8(byte(base.TagWriteResponse))
	encodelength(reply, uint(len(targets)))
	for _, e := range targets {
		if e.Error == base.TagResultSuccess {
			reply.SetUInt8(TagWriteResponseSuccess)
			continue
		}
		reply.SetUInt8(TagWriteResponseError)
		reply.SetUInt8(byte(e.Error))
	}
	return reply, nil, nil
}
