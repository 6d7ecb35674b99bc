package dlmsal

import (
	"github.com/cybroslabs/libdlms-server-go/base"
	"github.com/cybroslabs/libdlms-server-go/buffer"
)

// readDescriptor reads class id, logical name and attribute or method id.
func (h *Handler) readDescriptor(src *buffer.ByteBuffer) (*ValueEventArgs, error) {
	classId, err := src.GetUInt16()
	if err != nil {
		return nil, err
	}
	ln, err := readobis(src)
	if err != nil {
		return nil, err
	}
	index, err := src.GetUInt8()
	if err != nil {
		return nil, err
	}
	e := &ValueEventArgs{
		Target:   h.config.Resolver.FindByLogicalName(classId, ln),
		Index:    int(index),
		InvokeId: h.settings.InvokeId(),
	}
	if e.Target == nil {
		h.logf("object %d/%v not found", classId, ln)
		e.Error = base.TagResultObjectUndefined
	}
	return e, nil
}

// readDataBlock reads last-block, block-number and raw-data of a DataBlock-SA.
func readDataBlock(src *buffer.ByteBuffer) (last bool, blockNo uint32, raw []byte, err error) {
	l, err := src.GetUInt8()
	if err != nil {
		return
	}
	if blockNo, err = src.GetUInt32(); err != nil {
		return
	}
	raw, err = readRaw(src)
	return l != 0, blockNo, raw, err
}

func (h *Handler) header(tag base.CosemTag, sub byte) *buffer.ByteBuffer {
	reply := buffer.NewWithCapacity(int(h.settings.MaxPduSize()))
	reply.SetUInt8(byte(tag))
	reply.SetUInt8(sub)
	reply.SetUInt8(h.settings.InvokeIdAndPriority())
	return reply
}

func exceptionBuffer(state base.ExceptionStateError, service base.ExceptionServiceError) *buffer.ByteBuffer {
	return buffer.NewFrom(exceptionResponse(state, service))
}

// ---- get

func (h *Handler) handleGet(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock, error) {
	st, err := src.GetUInt8()
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}
	inv, err := src.GetUInt8()
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}
	h.settings.UpdateInvokeId(inv)

	switch GetRequestTag(st) {
	case TagGetRequestNormal:
		r, tx := h.getNormal(src)
		return r, tx, nil
	case TagGetRequestNext:
		r, tx := h.getNext(src, tx)
		return r, tx, nil
	case TagGetRequestWithList:
		r, tx := h.getWithList(src)
		return r, tx, nil
	}
	h.logf("unknown get request type %d", st)
	return exceptionBuffer(base.ExceptionStateServiceUnknown, base.ExceptionServiceNotSupported), tx, nil
}

func (h *Handler) getError(result base.DlmsResultTag) *buffer.ByteBuffer {
	reply := h.header(base.TagGetResponse, byte(TagGetResponseNormal))
	reply.SetUInt8(1)
	reply.SetUInt8(byte(result))
	return reply
}

// getBlockError is a final data block carrying a result instead of raw data.
func (h *Handler) getBlockError(blockNo uint32, result base.DlmsResultTag) *buffer.ByteBuffer {
	h.settings.ResetBlockIndex()
	reply := h.header(base.TagGetResponse, byte(TagGetResponseWithDataBlock))
	reply.SetUInt8(1)
	reply.SetUInt32(blockNo)
	reply.SetUInt8(1)
	reply.SetUInt8(byte(result))
	return reply
}

func (h *Handler) getNormal(src *buffer.ByteBuffer) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	s.ResetBlockIndex()
	e, err := h.readDescriptor(src)
	if err == nil {
		err = h.readSelection(src, e)
	}
	if err != nil {
		h.logf("malformed get request: %v", err)
		return h.getError(resultOf(err)), nil
	}
	if e.Error != base.TagResultSuccess {
		return h.getError(e.Error), nil
	}
	paged := h.read(e, true)
	if e.Error != base.TagResultSuccess {
		return h.getError(e.Error), nil
	}

	tx := &AwaitingBlock{Command: base.TagGetRequest, Targets: []*ValueEventArgs{e}, Data: buffer.New()}
	if err := encodeTarget(tx.Data, e, paged); err != nil {
		h.logf("unable to encode value of %v: %v", e.Target.LogicalName(), err)
		return h.getError(base.TagResultHardwareFault), nil
	}
	if err := h.fillRows(tx, h.pduRoom()); err != nil {
		h.logf("unable to read rows of %v: %v", e.Target.LogicalName(), err)
		return h.getError(resultOf(err)), nil
	}
	if !tx.pendingRows() && 4+tx.Data.Available() <= h.pduRoom() {
		reply := h.header(base.TagGetResponse, byte(TagGetResponseNormal))
		reply.SetUInt8(0)
		reply.SetBuffer(tx.Data, -1)
		return reply, nil
	}
	return h.getBlock(tx)
}

func (h *Handler) getNext(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	blockNo, err := src.GetUInt32()
	if err != nil {
		h.logf("malformed get next request: %v", err)
		return h.getBlockError(0, base.TagResultReadWriteDenied), nil
	}
	if tx == nil || tx.Command != base.TagGetRequest {
		h.logf("get next block %d without long get", blockNo)
		return h.getBlockError(blockNo, base.TagResultNoLongGetInProgress), nil
	}
	if blockNo != s.BlockIndex() {
		h.logf("invalid block number %d, expected %d", blockNo, s.BlockIndex())
		return h.getBlockError(blockNo, base.TagResultDataBlockNumberInvalid), nil
	}
	s.IncreaseBlockIndex()
	return h.getBlock(tx)
}

// getBlock sends the next slice of the transaction.
func (h *Handler) getBlock(tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	room := h.blockRoom(9)
	if err := h.fillRows(tx, room+1); err != nil {
		h.logf("unable to read rows: %v", err)
		return h.getBlockError(s.BlockIndex(), base.TagResultDataBlockUnavailable), nil
	}
	n := min(room, tx.Data.Available())
	last := !tx.pendingRows() && tx.Data.Available() <= room

	reply := h.header(base.TagGetResponse, byte(TagGetResponseWithDataBlock))
	putbool(reply, last)
	reply.SetUInt32(s.BlockIndex())
	reply.SetUInt8(0)
	encodelength(reply, uint(n))
	reply.SetBuffer(tx.Data, n)
	tx.Data.Trim()
	if last {
		s.ResetBlockIndex()
		return reply, nil
	}
	return reply, tx
}

func (h *Handler) getWithList(src *buffer.ByteBuffer) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	s.ResetBlockIndex()
	count, err := decodelength(src)
	if err != nil {
		return h.getError(resultOf(err)), nil
	}
	targets := make([]*ValueEventArgs, 0, min(count, 64))
	for range count {
		e, err := h.readDescriptor(src)
		if err == nil {
			err = h.readSelection(src, e)
		}
		if err != nil {
			h.logf("malformed get with list request: %v", err)
			return h.getError(resultOf(err)), nil
		}
		targets = append(targets, e)
	}

	for _, e := range targets {
		if e.Error == base.TagResultSuccess {
			h.read(e, false)
		}
	}
	data := buffer.New()
	encodelength(data, uint(len(targets)))
	for _, e := range targets {
		if e.Error == base.TagResultSuccess {
			mark := data.Size()
			data.SetUInt8(0)
			if err := EncodeData(data, e.Value); err == nil {
				continue
			}
			_ = data.SetSize(mark)
			e.Error = base.TagResultHardwareFault
		}
		data.SetUInt8(1)
		data.SetUInt8(byte(e.Error))
	}

	if 3+data.Available() <= h.pduRoom() {
		reply := h.header(base.TagGetResponse, byte(TagGetResponseWithList))
		reply.SetBuffer(data, -1)
		return reply, nil
	}
	return h.getBlock(&AwaitingBlock{Command: base.TagGetRequest, Targets: targets, Data: data, List: true})
}

// ---- set

func (h *Handler) handleSet(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock, error) {
	st, err := src.GetUInt8()
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}
	inv, err := src.GetUInt8()
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}
	h.settings.UpdateInvokeId(inv)

	switch SetRequestTag(st) {
	case TagSetRequestNormal:
		return h.setNormal(src), nil, nil
	case TagSetRequestWithFirstDataBlock:
		r, tx := h.setFirstBlock(src, false)
		return r, tx, nil
	case TagSetRequestWithDataBlock:
		r, tx := h.setNextBlock(src, tx)
		return r, tx, nil
	case TagSetRequestWithList:
		return h.setWithList(src), nil, nil
	case TagSetRequestWithListAndFirstDataBlock:
		r, tx := h.setFirstBlock(src, true)
		return r, tx, nil
	}
	h.logf("unknown set request type %d", st)
	return exceptionBuffer(base.ExceptionStateServiceUnknown, base.ExceptionServiceNotSupported), tx, nil
}

func (h *Handler) setResult(result base.DlmsResultTag) *buffer.ByteBuffer {
	reply := h.header(base.TagSetResponse, byte(TagSetResponseNormal))
	reply.SetUInt8(byte(result))
	return reply
}

func (h *Handler) setLastBlockResult(result base.DlmsResultTag, blockNo uint32) *buffer.ByteBuffer {
	reply := h.header(base.TagSetResponse, byte(TagSetResponseLastDataBlock))
	reply.SetUInt8(byte(result))
	reply.SetUInt32(blockNo)
	return reply
}

func (h *Handler) setNormal(src *buffer.ByteBuffer) *buffer.ByteBuffer {
	h.settings.ResetBlockIndex()
	e, err := h.readDescriptor(src)
	if err == nil {
		err = h.readSelection(src, e)
	}
	if err == nil {
		e.Value, err = DecodeData(src)
	}
	if err != nil {
		h.logf("malformed set request: %v", err)
		return h.setResult(resultOf(err))
	}
	if e.Error == base.TagResultSuccess {
		h.write(e)
	}
	return h.setResult(e.Error)
}

// readTargets reads a list of descriptors, access selection included when withSelection.
func (h *Handler) readTargets(src *buffer.ByteBuffer, withSelection bool) ([]*ValueEventArgs, error) {
	count, err := decodelength(src)
	if err != nil {
		return nil, err
	}
	targets := make([]*ValueEventArgs, 0, min(count, 64))
	for range count {
		e, err := h.readDescriptor(src)
		if err != nil {
			return nil, err
		}
		if withSelection {
			if err := h.readSelection(src, e); err != nil {
				return nil, err
			}
		}
		targets = append(targets, e)
	}
	return targets, nil
}

// readValues reads a length prefixed list of data.
func readValues(src *buffer.ByteBuffer) ([]DlmsData, error) {
	count, err := decodelength(src)
	if err != nil {
		return nil, err
	}
	if count > uint(src.Available()) {
		return nil, base.WrapError(base.KindInsufficientData, base.ErrInsufficientData)
	}
	ret := make([]DlmsData, count)
	for i := range ret {
		if ret[i], err = DecodeData(src); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (h *Handler) writeList(targets []*ValueEventArgs, values []DlmsData) {
	for i, e := range targets {
		if e.Error != base.TagResultSuccess {
			continue
		}
		if i >= len(values) {
			e.Error = base.TagResultReadWriteDenied
			continue
		}
		e.Value = values[i]
		h.write(e)
	}
}

func putresults(dst *buffer.ByteBuffer, targets []*ValueEventArgs) {
	encodelength(dst, uint(len(targets)))
	for _, e := range targets {
		dst.SetUInt8(byte(e.Error))
	}
}

func (h *Handler) setWithList(src *buffer.ByteBuffer) *buffer.ByteBuffer {
	h.settings.ResetBlockIndex()
	targets, err := h.readTargets(src, true)
	var values []DlmsData
	if err == nil {
		values, err = readValues(src)
	}
	if err != nil {
		h.logf("malformed set with list request: %v", err)
		return h.setResult(resultOf(err))
	}
	h.writeList(targets, values)
	reply := h.header(base.TagSetResponse, byte(TagSetResponseWithList))
	putresults(reply, targets)
	return reply
}

func (h *Handler) setFirstBlock(src *buffer.ByteBuffer, list bool) (*buffer.ByteBuffer, *AwaitingBlock) {
	h.settings.ResetBlockIndex()
	var targets []*ValueEventArgs
	var err error
	if list {
		targets, err = h.readTargets(src, true)
	} else {
		var e *ValueEventArgs
		if e, err = h.readDescriptor(src); err == nil {
			err = h.readSelection(src, e)
			targets = []*ValueEventArgs{e}
		}
	}
	if err != nil {
		h.logf("malformed set request: %v", err)
		return h.setResult(resultOf(err)), nil
	}
	last, blockNo, raw, err := readDataBlock(src)
	if err != nil {
		h.logf("malformed set data block: %v", err)
		return h.setResult(resultOf(err)), nil
	}
	tx := &AwaitingBlock{Command: base.TagSetRequest, Targets: targets, Data: buffer.New(), List: list, Receiving: true}
	return h.setBlock(tx, last, blockNo, raw)
}

func (h *Handler) setNextBlock(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock) {
	last, blockNo, raw, err := readDataBlock(src)
	if err != nil {
		h.logf("malformed set data block: %v", err)
		h.settings.ResetBlockIndex()
		return h.setLastBlockResult(resultOf(err), blockNo), nil
	}
	if tx == nil || tx.Command != base.TagSetRequest {
		h.logf("set data block %d without long set", blockNo)
		h.settings.ResetBlockIndex()
		return h.setLastBlockResult(base.TagResultNoLongSetInProgress, blockNo), nil
	}
	return h.setBlock(tx, last, blockNo, raw)
}

// setBlock appends one received block and performs the write when it was the last one.
func (h *Handler) setBlock(tx *AwaitingBlock, last bool, blockNo uint32, raw []byte) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	if blockNo != s.BlockIndex() {
		h.logf("invalid block number %d, expected %d", blockNo, s.BlockIndex())
		s.ResetBlockIndex()
		return h.setLastBlockResult(base.TagResultDataBlockNumberInvalid, blockNo), nil
	}
	tx.Data.Set(raw)
	if !last {
		s.IncreaseBlockIndex()
		reply := h.header(base.TagSetResponse, byte(TagSetResponseDataBlock))
		reply.SetUInt32(blockNo)
		return reply, tx
	}

	s.ResetBlockIndex()
	if !tx.List {
		e := tx.Targets[0]
		v, err := DecodeData(tx.Data)
		switch {
		case err != nil:
			h.logf("unable to decode reassembled value: %v", err)
			e.Error = resultOf(err)
		case e.Error == base.TagResultSuccess:
			e.Value = v
			h.write(e)
		}
		return h.setLastBlockResult(e.Error, blockNo), nil
	}

	values, err := readValues(tx.Data)
	if err != nil {
		h.logf("unable to decode reassembled values: %v", err)
		for _, e := range tx.Targets {
			if e.Error == base.TagResultSuccess {
				e.Error = resultOf(err)
			}
		}
	} else {
		h.writeList(tx.Targets, values)
	}
	reply := h.header(base.TagSetResponse, byte(TagSetResponseLastDataBlockWithList))
	putresults(reply, tx.Targets)
	reply.SetUInt32(blockNo)
	return reply, nil
}

// ---- action

func (h *Handler) handleAction(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock, error) {
	st, err := src.GetUInt8()
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}
	inv, err := src.GetUInt8()
	if err != nil {
		return nil, nil, base.WrapError(base.KindMalformed, err)
	}
	h.settings.UpdateInvokeId(inv)

	switch ActionRequestTag(st) {
	case TagActionRequestNormal:
		r, tx := h.actionNormal(src)
		return r, tx, nil
	case TagActionRequestNextPBlock:
		r, tx := h.actionNext(src, tx)
		return r, tx, nil
	case TagActionRequestWithList:
		return h.actionWithList(src), nil, nil
	case TagActionRequestWithFirstPBlock:
		r, tx := h.actionFirstBlock(src, false)
		return r, tx, nil
	case TagActionRequestWithListAndFirstPBlock:
		r, tx := h.actionFirstBlock(src, true)
		return r, tx, nil
	case TagActionRequestWithPBlock:
		r, tx := h.actionNextBlock(src, tx)
		return r, tx, nil
	}
	h.logf("unknown action request type %d", st)
	return exceptionBuffer(base.ExceptionStateServiceUnknown, base.ExceptionServiceNotSupported), tx, nil
}

func (h *Handler) actionError(result base.DlmsResultTag) *buffer.ByteBuffer {
	h.settings.ResetBlockIndex()
	reply := h.header(base.TagActionResponse, byte(TagActionResponseNormal))
	reply.SetUInt8(byte(result))
	reply.SetUInt8(0)
	return reply
}

// readParameters reads the optional method invocation parameters.
func readParameters(src *buffer.ByteBuffer) (DlmsData, error) {
	has, err := src.GetUInt8()
	if err != nil || has == 0 {
		return nil, err
	}
	return DecodeData(src)
}

func (h *Handler) actionNormal(src *buffer.ByteBuffer) (*buffer.ByteBuffer, *AwaitingBlock) {
	h.settings.ResetBlockIndex()
	e, err := h.readDescriptor(src)
	if err == nil {
		e.IsAction = true
		e.Parameters, err = readParameters(src)
	}
	if err != nil {
		h.logf("malformed action request: %v", err)
		return h.actionError(resultOf(err)), nil
	}
	if e.Error == base.TagResultSuccess {
		h.invoke(e)
	}
	return h.actionResult(e)
}

// actionResult answers a single invocation, in blocks when the return data is too long.
func (h *Handler) actionResult(e *ValueEventArgs) (*buffer.ByteBuffer, *AwaitingBlock) {
	if e.Error != base.TagResultSuccess || e.Value == nil {
		reply := h.header(base.TagActionResponse, byte(TagActionResponseNormal))
		reply.SetUInt8(byte(e.Error))
		reply.SetUInt8(0)
		return reply, nil
	}
	data := buffer.New()
	if err := EncodeData(data, e.Value); err != nil {
		h.logf("unable to encode action result: %v", err)
		return h.actionError(base.TagResultHardwareFault), nil
	}
	if 6+data.Available() <= h.pduRoom() {
		reply := h.header(base.TagActionResponse, byte(TagActionResponseNormal))
		reply.SetUInt8(0)
		reply.SetUInt8(1)
		reply.SetUInt8(0)
		reply.SetBuffer(data, -1)
		return reply, nil
	}
	return h.actionBlock(&AwaitingBlock{Command: base.TagActionRequest, Targets: []*ValueEventArgs{e}, Data: data})
}

func (h *Handler) actionBlock(tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	room := h.blockRoom(8)
	n := min(room, tx.Data.Available())
	last := tx.Data.Available() <= room
	reply := h.header(base.TagActionResponse, byte(TagActionResponseWithPBlock))
	putbool(reply, last)
	reply.SetUInt32(s.BlockIndex())
	encodelength(reply, uint(n))
	reply.SetBuffer(tx.Data, n)
	tx.Data.Trim()
	if last {
		s.ResetBlockIndex()
		return reply, nil
	}
	return reply, tx
}

func (h *Handler) actionNext(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	blockNo, err := src.GetUInt32()
	if err != nil {
		h.logf("malformed action next block: %v", err)
		return h.actionError(base.TagResultReadWriteDenied), nil
	}
	if tx == nil || tx.Command != base.TagActionRequest || tx.Receiving {
		h.logf("action next block %d without long action", blockNo)
		return h.actionError(base.DlmsResultTag(base.TagActionNoLongActionProgress)), nil
	}
	if blockNo != s.BlockIndex() {
		h.logf("invalid block number %d, expected %d", blockNo, s.BlockIndex())
		return h.actionError(base.DlmsResultTag(base.TagActionLongActionAborted)), nil
	}
	s.IncreaseBlockIndex()
	return h.actionBlock(tx)
}

func (h *Handler) actionFirstBlock(src *buffer.ByteBuffer, list bool) (*buffer.ByteBuffer, *AwaitingBlock) {
	h.settings.ResetBlockIndex()
	var targets []*ValueEventArgs
	var err error
	if list {
		targets, err = h.readTargets(src, false)
	} else {
		var e *ValueEventArgs
		if e, err = h.readDescriptor(src); err == nil {
			targets = []*ValueEventArgs{e}
		}
	}
	if err != nil {
		h.logf("malformed action request: %v", err)
		return h.actionError(resultOf(err)), nil
	}
	for _, e := range targets {
		e.IsAction = true
	}
	last, blockNo, raw, err := readDataBlock(src)
	if err != nil {
		h.logf("malformed action parameter block: %v", err)
		return h.actionError(resultOf(err)), nil
	}
	tx := &AwaitingBlock{Command: base.TagActionRequest, Targets: targets, Data: buffer.New(), List: list, Receiving: true}
	return h.actionParamBlock(tx, last, blockNo, raw)
}

func (h *Handler) actionNextBlock(src *buffer.ByteBuffer, tx *AwaitingBlock) (*buffer.ByteBuffer, *AwaitingBlock) {
	last, blockNo, raw, err := readDataBlock(src)
	if err != nil {
		h.logf("malformed action parameter block: %v", err)
		return h.actionError(resultOf(err)), nil
	}
	if tx == nil || tx.Command != base.TagActionRequest || !tx.Receiving {
		h.logf("action parameter block %d without long action", blockNo)
		return h.actionError(base.DlmsResultTag(base.TagActionNoLongActionProgress)), nil
	}
	return h.actionParamBlock(tx, last, blockNo, raw)
}

// actionParamBlock collects invocation parameters and invokes once complete.
func (h *Handler) actionParamBlock(tx *AwaitingBlock, last bool, blockNo uint32, raw []byte) (*buffer.ByteBuffer, *AwaitingBlock) {
	s := h.settings
	if blockNo != s.BlockIndex() {
		h.logf("invalid block number %d, expected %d", blockNo, s.BlockIndex())
		return h.actionError(base.DlmsResultTag(base.TagActionLongActionAborted)), nil
	}
	tx.Data.Set(raw)
	if !last {
		s.IncreaseBlockIndex()
		reply := h.header(base.TagActionResponse, byte(TagActionResponseNextPBlock))
		reply.SetUInt32(blockNo)
		return reply, tx
	}

	s.ResetBlockIndex()
	if !tx.List {
		e := tx.Targets[0]
		p, err := DecodeData(tx.Data)
		if err != nil {
			h.logf("unable to decode reassembled parameters: %v", err)
			return h.actionError(resultOf(err)), nil
		}
		if e.Error == base.TagResultSuccess {
			e.Parameters = p
			h.invoke(e)
		}
		return h.actionResult(e)
	}
	params, err := readValues(tx.Data)
	if err != nil {
		h.logf("unable to decode reassembled parameters: %v", err)
		return h.actionError(resultOf(err)), nil
	}
	return h.actionList(tx.Targets, params), nil
}

func (h *Handler) actionWithList(src *buffer.ByteBuffer) *buffer.ByteBuffer {
	h.settings.ResetBlockIndex()
	targets, err := h.readTargets(src, false)
	var params []DlmsData
	if err == nil {
		params, err = readValues(src)
	}
	if err != nil {
		h.logf("malformed action with list request: %v", err)
		return h.actionError(resultOf(err))
	}
	return h.actionList(targets, params)
}

func (h *Handler) actionList(targets []*ValueEventArgs, params []DlmsData) *buffer.ByteBuffer {
	for i, e := range targets {
		e.IsAction = true
		if e.Error != base.TagResultSuccess {
			continue
		}
		if i < len(params) {
			e.Parameters = params[i]
		}
		h.invoke(e)
	}
	reply := h.header(base.TagActionResponse, byte(TagActionResponseWithList))
	encodelength(reply, uint(len(targets)))
	for _, e := range targets {
		if e.Error != base.TagResultSuccess || e.Value == nil {
			reply.SetUInt8(byte(e.Error))
			reply.SetUInt8(0)
			continue
		}
		mark := reply.Size()
		reply.SetUInt8(0)
		reply.SetUInt8(1)
		reply.SetUInt8(0)
		if err := EncodeData(reply, e.Value); err != nil {
			_ = reply.SetSize(mark)
			reply.SetUInt8(byte(base.TagResultHardwareFault))
			reply.SetUInt8(0)
		}
	}
	return reply
}

// ---- access

func (h *Handler) handleAccess(src *buffer.ByteBuffer) (*buffer.ByteBuffer, error) {
	s := h.settings
	s.ResetBlockIndex()
	inv, err := src.GetUInt32()
	if err != nil {
		return nil, base.WrapError(base.KindMalformed, err)
	}
	s.LongInvokeId = inv
	if _, err = readRaw(src); err != nil { // date-time, not used
		return nil, base.WrapError(base.KindMalformed, err)
	}

	count, err := decodelength(src)
	if err != nil {
		return nil, base.WrapError(base.KindMalformed, err)
	}
	kinds := make([]AccessServiceTag, 0, min(count, 64))
	targets := make([]*ValueEventArgs, 0, min(count, 64))
	for range count {
		k, err := src.GetUInt8()
		if err != nil {
			return nil, base.WrapError(base.KindMalformed, err)
		}
		e, err := h.readDescriptor(src)
		if err != nil {
			return nil, base.WrapError(base.KindMalformed, err)
		}
		switch k {
		case 4, 5: // get and set with selection
			if e.Selector, err = src.GetUInt8(); err == nil {
				e.Parameters, err = DecodeData(src)
			}
			if err != nil {
				return nil, base.WrapError(base.KindMalformed, err)
			}
			k -= 3
		case 1, 2, 3:
		default:
			return nil, base.NewError(base.KindMalformed, "unknown access request specification %d", k)
		}
		kinds = append(kinds, AccessServiceTag(k))
		targets = append(targets, e)
	}
	values, err := readValues(src)
	if err != nil {
		return nil, base.WrapError(base.KindMalformed, err)
	}

	for i, e := range targets {
		var v DlmsData
		if i < len(values) {
			v = values[i]
		}
		if e.Error != base.TagResultSuccess {
			continue
		}
		switch kinds[i] {
		case TagAccessGet:
			h.read(e, false)
		case TagAccessSet:
			e.Value = v
			h.write(e)
			e.Value = nil
		case TagAccessAction:
			e.Parameters = v
			h.invoke(e)
		}
	}

	reply := buffer.NewWithCapacity(int(s.MaxPduSize()))
	reply.SetUInt8(byte(base.TagAccessResponse))
	reply.SetUInt32(inv)
	reply.SetUInt8(0) // date-time
	reply.SetUInt8(0) // no specification echo
	encodelength(reply, uint(len(targets)))
	for _, e := range targets {
		v := e.Value
		if e.Error != base.TagResultSuccess {
			v = nil
		}
		if err := EncodeData(reply, v); err != nil {
			e.Error = base.TagResultHardwareFault
			reply.SetUInt8(byte(TagNull))
		}
	}
	encodelength(reply, uint(len(targets)))
	for i, e := range targets {
		reply.SetUInt8(byte(kinds[i]))
		reply.SetUInt8(byte(e.Error))
	}
	return reply, nil
}
