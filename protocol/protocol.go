// Package protocol defines the fixed-size wire message shared by launcher,
// function-worker and engine connections, plus the FuncCall identifier it
// carries.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FuncCall identifies a single function invocation. ClientId==0 means the
// call originated from an external caller (the gateway) rather than from a
// function worker making a nested call.
type FuncCall struct {
	FuncId   uint16
	ClientId uint16
	CallId   uint32
}

const (
	FuncIdBits   = 16
	ClientIdBits = 16
	CallIdBits   = 32
)

// FullCallId packs FuncCall into the 64-bit identifier used as map keys and
// in shared-memory region names: (func_id:16, client_id:16, call_id:32).
func (fc FuncCall) FullCallId() uint64 {
	return uint64(fc.FuncId) |
		uint64(fc.ClientId)<<FuncIdBits |
		uint64(fc.CallId)<<(FuncIdBits+ClientIdBits)
}

func FuncCallFromFullCallId(fullCallId uint64) FuncCall {
	return FuncCall{
		FuncId:   uint16(fullCallId & (1<<FuncIdBits - 1)),
		ClientId: uint16((fullCallId >> FuncIdBits) & (1<<ClientIdBits - 1)),
		CallId:   uint32(fullCallId >> (FuncIdBits + ClientIdBits)),
	}
}

func (fc FuncCall) String() string {
	return fmt.Sprintf("(func=%d,client=%d,call=%d)", fc.FuncId, fc.ClientId, fc.CallId)
}

// Message types carried in the fixed header.
const (
	MessageTypeInvalid          uint16 = 0
	MessageTypeLauncherHandshake uint16 = 1
	MessageTypeFuncWorkerHandshake uint16 = 2
	MessageTypeHandshakeResponse uint16 = 3
	MessageTypeInvokeFunc        uint16 = 4
	MessageTypeDispatchFuncCall  uint16 = 5
	MessageTypeFuncCallComplete  uint16 = 6
	MessageTypeFuncCallFailed    uint16 = 7
	MessageTypeSharedLogOp       uint16 = 8
)

// SharedLogOpType values, carried in the log-op extension fields of a
// MessageTypeSharedLogOp message.
const (
	SharedLogOpInvalid  uint16 = 0x00
	SharedLogOpAppend   uint16 = 0x01
	SharedLogOpReadNext uint16 = 0x02
	SharedLogOpReadPrev uint16 = 0x03
	SharedLogOpSetAux   uint16 = 0x04
)

const (
	SharedLogResultInvalid   uint16 = 0x00
	SharedLogResultAppendOK  uint16 = 0x20
	SharedLogResultReadOK    uint16 = 0x21
	SharedLogResultAuxDataOK uint16 = 0x22
	SharedLogResultBadArgs   uint16 = 0x40
	SharedLogResultDiscarded uint16 = 0x41
	SharedLogResultEmpty     uint16 = 0x42
)

// Flag bits.
const (
	FlagUseFifoForNestedCall uint32 = 1 << 0
	FlagResponseContinue     uint32 = 1 << 1
)

const (
	MaxLogSeqnum     = uint64(0xffff000000000000)
	InvalidLogLocalId = math.MaxUint64
	InvalidLogSeqNum  = math.MaxUint64
)

// MessageHeaderByteSize is 80 bytes. It holds the core dispatch fields
// (offsets 0-40) plus a shared-log extension used only by
// MessageTypeSharedLogOp messages (offsets 40-72); the last 8 bytes
// (offsets 72-80) carry the tag of a shared-log read request.
const MessageHeaderByteSize = 80

// PipeBufSize is the size of one atomic pipe write (POSIX PIPE_BUF on
// Linux). A full message is sized to exactly one such write so that a
// single read/write syscall always transfers a whole message.
const PipeBufSize = 4096

const MessageFullByteSize = PipeBufSize
const MessageInlineDataSize = MessageFullByteSize - MessageHeaderByteSize

const SharedLogTagByteSize = 8

// Header byte offsets.
const (
	offMessageType    = 0
	offFlags          = 2
	offFuncId         = 4
	offClientId       = 6
	offCallId         = 8
	offParentCallId   = 12
	offPayloadSize    = 20
	offProcessingTime = 24
	offDispatchDelay  = 28
	offSendTimestamp  = 32
	offLogSeqNum      = 40
	offLogClientData  = 48
	offLogLocalId     = 56
	offLogOpType      = 64
	offLogResultType  = 66
	offLogNumTags     = 68
	offLogAuxDataSize = 70
)

func NewEmptyMessage() []byte {
	buf := make([]byte, MessageFullByteSize)
	binary.LittleEndian.PutUint64(buf[offLogSeqNum:], InvalidLogSeqNum)
	binary.LittleEndian.PutUint64(buf[offLogLocalId:], InvalidLogSeqNum)
	return buf
}

func GetMessageType(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[offMessageType:])
}

func setMessageType(buf []byte, t uint16) {
	binary.LittleEndian.PutUint16(buf[offMessageType:], t)
}

func GetFlags(buf []byte) uint32 {
	return uint32(binary.LittleEndian.Uint16(buf[offFlags:]))
}

func SetFlags(buf []byte, flags uint32) {
	binary.LittleEndian.PutUint16(buf[offFlags:], uint16(flags))
}

func GetFuncCall(buf []byte) FuncCall {
	return FuncCall{
		FuncId:   binary.LittleEndian.Uint16(buf[offFuncId:]),
		ClientId: binary.LittleEndian.Uint16(buf[offClientId:]),
		CallId:   binary.LittleEndian.Uint32(buf[offCallId:]),
	}
}

func setFuncCall(buf []byte, fc FuncCall) {
	binary.LittleEndian.PutUint16(buf[offFuncId:], fc.FuncId)
	binary.LittleEndian.PutUint16(buf[offClientId:], fc.ClientId)
	binary.LittleEndian.PutUint32(buf[offCallId:], fc.CallId)
}

func GetParentCallId(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[offParentCallId:])
}

func SetParentCallId(buf []byte, id uint64) {
	binary.LittleEndian.PutUint64(buf[offParentCallId:], id)
}

func GetPayloadSize(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offPayloadSize:]))
}

func SetPayloadSize(buf []byte, size int32) {
	binary.LittleEndian.PutUint32(buf[offPayloadSize:], uint32(size))
}

func GetProcessingTime(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offProcessingTime:]))
}

func SetProcessingTime(buf []byte, us int32) {
	binary.LittleEndian.PutUint32(buf[offProcessingTime:], uint32(us))
}

func GetDispatchDelay(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offDispatchDelay:]))
}

func SetDispatchDelay(buf []byte, us int32) {
	binary.LittleEndian.PutUint32(buf[offDispatchDelay:], uint32(us))
}

func GetSendTimestamp(buf []byte) int64 {
	return int64(binary.LittleEndian.Uint64(buf[offSendTimestamp:]))
}

func SetSendTimestamp(buf []byte, ts int64) {
	binary.LittleEndian.PutUint64(buf[offSendTimestamp:], uint64(ts))
}

func FillInlineData(buf []byte, data []byte) {
	n := copy(buf[MessageHeaderByteSize:], data)
	SetPayloadSize(buf, int32(n))
}

func GetInlineData(buf []byte) []byte {
	size := GetPayloadSize(buf)
	if size > 0 {
		return buf[MessageHeaderByteSize : int(MessageHeaderByteSize)+int(size)]
	}
	return nil
}

// ComputeMessageDelay returns the microsecond delay since SendTimestamp was
// stamped, or -1 if the timestamp was never set.
func ComputeMessageDelay(buf []byte, nowMicros int64) int32 {
	ts := GetSendTimestamp(buf)
	if ts <= 0 {
		return -1
	}
	return int32(nowMicros - ts)
}

func IsLauncherHandshake(buf []byte) bool { return GetMessageType(buf) == MessageTypeLauncherHandshake }
func IsFuncWorkerHandshake(buf []byte) bool {
	return GetMessageType(buf) == MessageTypeFuncWorkerHandshake
}
func IsHandshakeResponse(buf []byte) bool { return GetMessageType(buf) == MessageTypeHandshakeResponse }
func IsInvokeFunc(buf []byte) bool        { return GetMessageType(buf) == MessageTypeInvokeFunc }
func IsDispatchFuncCall(buf []byte) bool  { return GetMessageType(buf) == MessageTypeDispatchFuncCall }
func IsFuncCallComplete(buf []byte) bool  { return GetMessageType(buf) == MessageTypeFuncCallComplete }
func IsFuncCallFailed(buf []byte) bool    { return GetMessageType(buf) == MessageTypeFuncCallFailed }
func IsSharedLogOp(buf []byte) bool       { return GetMessageType(buf) == MessageTypeSharedLogOp }

func NewLauncherHandshakeMessage(funcId uint16, containerId string) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeLauncherHandshake)
	setFuncCall(buf, FuncCall{FuncId: funcId})
	FillInlineData(buf, []byte(containerId))
	return buf
}

func NewFuncWorkerHandshakeMessage(funcId uint16, clientId uint16) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeFuncWorkerHandshake)
	setFuncCall(buf, FuncCall{FuncId: funcId, ClientId: clientId})
	return buf
}

func NewHandshakeResponseMessage(flags uint32) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeHandshakeResponse)
	SetFlags(buf, flags)
	return buf
}

func NewInvokeFuncCallMessage(funcCall FuncCall, parentCallId uint64) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeInvokeFunc)
	setFuncCall(buf, funcCall)
	SetParentCallId(buf, parentCallId)
	return buf
}

func NewDispatchFuncCallMessage(funcCall FuncCall, parentCallId uint64) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeDispatchFuncCall)
	setFuncCall(buf, funcCall)
	SetParentCallId(buf, parentCallId)
	return buf
}

func NewFuncCallCompleteMessage(funcCall FuncCall, processingTime int32) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeFuncCallComplete)
	setFuncCall(buf, funcCall)
	SetProcessingTime(buf, processingTime)
	return buf
}

func NewFuncCallFailedMessage(funcCall FuncCall) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeFuncCallFailed)
	setFuncCall(buf, funcCall)
	return buf
}

// --- shared-log op extension, used by slib/worker for function-level
// shared-log access; layered onto the same fixed frame. ---

func GetLogSeqNum(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf[offLogSeqNum:]) }
func SetLogSeqNum(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf[offLogSeqNum:], v)
}

func GetLogClientData(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf[offLogClientData:]) }
func SetLogClientData(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf[offLogClientData:], v)
}

func GetLogLocalId(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf[offLogLocalId:]) }
func SetLogLocalId(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf[offLogLocalId:], v)
}

func GetLogOpType(buf []byte) uint16 { return binary.LittleEndian.Uint16(buf[offLogOpType:]) }
func SetLogOpType(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf[offLogOpType:], v)
}

func GetLogResultType(buf []byte) uint16 { return binary.LittleEndian.Uint16(buf[offLogResultType:]) }
func SetLogResultType(buf []byte, v uint16) {
	binary.LittleEndian.PutUint16(buf[offLogResultType:], v)
}

func GetLogNumTags(buf []byte) int { return int(binary.LittleEndian.Uint16(buf[offLogNumTags:])) }
func SetLogNumTags(buf []byte, v int) {
	binary.LittleEndian.PutUint16(buf[offLogNumTags:], uint16(v))
}

func GetLogAuxDataSize(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[offLogAuxDataSize:]))
}
func SetLogAuxDataSize(buf []byte, v int) {
	binary.LittleEndian.PutUint16(buf[offLogAuxDataSize:], uint16(v))
}

func GetLogTag(buf []byte, index int) uint64 {
	start := MessageHeaderByteSize + index*SharedLogTagByteSize
	return binary.LittleEndian.Uint64(buf[start : start+SharedLogTagByteSize])
}

func BuildLogTagsBuffer(tags []uint64) []byte {
	buf := make([]byte, len(tags)*SharedLogTagByteSize)
	for i, tag := range tags {
		binary.LittleEndian.PutUint64(buf[i*SharedLogTagByteSize:], tag)
	}
	return buf
}

func NewSharedLogAppendMessage(currentCallId uint64, clientId uint16, numTags int, clientData uint64) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeSharedLogOp)
	SetLogOpType(buf, SharedLogOpAppend)
	SetParentCallId(buf, currentCallId)
	setFuncCall(buf, FuncCall{ClientId: clientId})
	SetLogNumTags(buf, numTags)
	SetLogClientData(buf, clientData)
	return buf
}

func NewSharedLogReadMessage(currentCallId uint64, clientId uint16, tag uint64, seqNum uint64, direction int, clientData uint64) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeSharedLogOp)
	if direction > 0 {
		SetLogOpType(buf, SharedLogOpReadNext)
	} else {
		SetLogOpType(buf, SharedLogOpReadPrev)
	}
	SetParentCallId(buf, currentCallId)
	setFuncCall(buf, FuncCall{ClientId: clientId})
	SetLogSeqNum(buf, seqNum)
	SetLogClientData(buf, clientData)
	if tag != 0 {
		binary.LittleEndian.PutUint64(buf[offLogAuxDataSize+2:], tag) // spare 8 bytes right after the extension header
	}
	return buf
}

// GetResponseId returns the ordering key a worker's ResponseBuffer uses to
// replay shared-log responses in request order; it rides in the same slot
// as LogClientData since a given call only ever plays one role at a time.
func GetResponseId(buf []byte) uint64 { return GetLogClientData(buf) }

func SetResponseId(buf []byte, id uint64) { SetLogClientData(buf, id) }

func GetSharedLogOpFlags(buf []byte) uint32 { return GetFlags(buf) }

func InspectMessage(buf []byte) string {
	return fmt.Sprintf("type=%d funcCall=%v logOp=%d seqnum=%d respId=%d flags=%#x",
		GetMessageType(buf), GetFuncCall(buf), GetLogOpType(buf), GetLogSeqNum(buf),
		GetResponseId(buf), GetFlags(buf))
}

func NewSharedLogSetAuxDataMessage(currentCallId uint64, clientId uint16, seqNum uint64, clientData uint64) []byte {
	buf := NewEmptyMessage()
	setMessageType(buf, MessageTypeSharedLogOp)
	SetLogOpType(buf, SharedLogOpSetAux)
	SetParentCallId(buf, currentCallId)
	setFuncCall(buf, FuncCall{ClientId: clientId})
	SetLogSeqNum(buf, seqNum)
	SetLogClientData(buf, clientData)
	return buf
}
