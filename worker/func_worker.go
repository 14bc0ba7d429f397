// Package worker is the function-worker side of the engine protocol: it
// handshakes over a Unix socket plus a pair of named FIFOs, receives
// dispatched calls, runs the registered handler, and proxies shared-log
// operations back through the engine.
package worker

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faas-core/engine/ipc"
	"github.com/faas-core/engine/protocol"
	"github.com/faas-core/engine/types"
)

func monotonicMicros() int64 {
	return time.Now().UnixNano() / int64(time.Microsecond)
}

// FuncWorker owns the engine connection, the per-call response fan-out
// maps, and dispatches DispatchFuncCall messages to a single registered
// handler.
type FuncWorker struct {
	funcId               uint16
	clientId             uint16
	handler              types.FuncHandler
	useFifoForNestedCall bool

	engineConn net.Conn
	inputPipe  *os.File
	outputPipe *os.File

	newFuncCallChan chan []byte

	mux               sync.Mutex
	outgoingFuncCalls map[uint64]chan []byte
	outgoingLogOps    map[uint64]chan []byte

	nextLogOpId        uint64
	currentCall        uint64
	uidHighHalf        uint32
	nextUidLowHalf     uint32
	sharedLogReadCount int32
}

func NewFuncWorker(funcId uint16, clientId uint16, handler types.FuncHandler) (*FuncWorker, error) {
	engineId := uint32(0)
	if parsed, err := strconv.Atoi(os.Getenv("FAAS_ENGINE_ID")); err == nil {
		log.Printf("[INFO] parsed FAAS_ENGINE_ID=%d", parsed)
		engineId = uint32(parsed)
	}
	w := &FuncWorker{
		funcId:            funcId,
		clientId:          clientId,
		handler:           handler,
		newFuncCallChan:   make(chan []byte, 4),
		outgoingFuncCalls: make(map[uint64]chan []byte),
		outgoingLogOps:    make(map[uint64]chan []byte),
		uidHighHalf:       (engineId << protocol.ClientIdBits) + uint32(clientId),
	}
	return w, nil
}

func (w *FuncWorker) Run() {
	log.Printf("[INFO] starting FuncWorker client=%d func=%d", w.clientId, w.funcId)
	if err := w.doHandshake(); err != nil {
		log.Fatalf("[FATAL] handshake failed: %v", err)
	}
	log.Printf("[INFO] handshake with engine done")

	go w.servingLoop()
	for {
		message := protocol.NewEmptyMessage()
		n, err := w.inputPipe.Read(message)
		if err != nil {
			log.Fatalf("[FATAL] failed to read engine message: %v", err)
		} else if n != protocol.MessageFullByteSize {
			log.Fatalf("[FATAL] short read of engine message: nread=%d", n)
		}
		w.dispatchIncoming(message)
	}
}

func (w *FuncWorker) dispatchIncoming(message []byte) {
	switch {
	case protocol.IsDispatchFuncCall(message):
		w.newFuncCallChan <- message
	case protocol.IsFuncCallComplete(message), protocol.IsFuncCallFailed(message):
		funcCall := protocol.GetFuncCall(message)
		w.mux.Lock()
		if ch, ok := w.outgoingFuncCalls[funcCall.FullCallId()]; ok {
			ch <- message
			delete(w.outgoingFuncCalls, funcCall.FullCallId())
		}
		w.mux.Unlock()
	case protocol.IsSharedLogOp(message):
		id := protocol.GetLogClientData(message)
		w.mux.Lock()
		if ch, ok := w.outgoingLogOps[id]; ok {
			ch <- message
			delete(w.outgoingLogOps, id)
		} else {
			log.Printf("[WARN] unexpected log op id=%d", id)
		}
		w.mux.Unlock()
	default:
		log.Fatalf("[FATAL] unknown message type %d", protocol.GetMessageType(message))
	}
}

func (w *FuncWorker) doHandshake() error {
	conn, err := net.Dial("unix", ipc.GetEngineUnixSocketPath())
	if err != nil {
		return err
	}
	w.engineConn = conn

	inputPipe, err := ipc.FifoOpenForRead(ipc.GetFuncWorkerInputFifoName(w.clientId), true)
	if err != nil {
		return err
	}
	w.inputPipe = inputPipe

	message := protocol.NewFuncWorkerHandshakeMessage(w.funcId, w.clientId)
	if _, err := w.engineConn.Write(message); err != nil {
		return err
	}
	response := protocol.NewEmptyMessage()
	n, err := w.engineConn.Read(response)
	if err != nil {
		return err
	} else if n != protocol.MessageFullByteSize {
		return fmt.Errorf("unexpected handshake response size %d", n)
	} else if !protocol.IsHandshakeResponse(response) {
		return fmt.Errorf("unexpected handshake response type %d", protocol.GetMessageType(response))
	}
	if protocol.GetFlags(response)&protocol.FlagUseFifoForNestedCall != 0 {
		log.Printf("[INFO] using FIFO for nested calls")
		w.useFifoForNestedCall = true
	}

	outputPipe, err := ipc.FifoOpenForWrite(ipc.GetFuncWorkerOutputFifoName(w.clientId), false)
	if err != nil {
		return err
	}
	w.outputPipe = outputPipe
	return nil
}

func (w *FuncWorker) servingLoop() {
	for message := range w.newFuncCallChan {
		w.executeFunc(message)
	}
}

func (w *FuncWorker) executeFunc(dispatchMessage []byte) {
	dispatchDelay := monotonicMicros() - protocol.GetSendTimestamp(dispatchMessage)
	funcCall := protocol.GetFuncCall(dispatchMessage)

	var input []byte
	if protocol.GetPayloadSize(dispatchMessage) < 0 {
		shmName := ipc.GetFuncCallInputShmName(funcCall.FullCallId())
		region, err := ipc.ShmOpen(shmName)
		if err != nil {
			log.Printf("[ERROR] shm open %s failed: %v", shmName, err)
			w.sendResponse(protocol.NewFuncCallFailedMessage(funcCall))
			return
		}
		input = append([]byte(nil), region.Data()...)
		region.Close()
	} else {
		input = protocol.GetInlineData(dispatchMessage)
	}

	atomic.StoreInt32(&w.sharedLogReadCount, 0)
	atomic.StoreUint64(&w.currentCall, funcCall.FullCallId())
	start := monotonicMicros()
	output, callErr := w.handler.Call(context.Background(), input)
	processingTime := int32(monotonicMicros() - start)
	atomic.StoreUint64(&w.currentCall, 0)
	if callErr != nil {
		log.Printf("[ERROR] func call failed: %v", callErr)
	}

	var response []byte
	if w.useFifoForNestedCall {
		response = w.fifoFuncCallFinished(funcCall, callErr == nil, output, processingTime)
	} else {
		response = w.funcCallFinished(funcCall, callErr == nil, output, processingTime)
	}
	protocol.SetDispatchDelay(response, int32(dispatchDelay))
	w.sendResponse(response)
}

func (w *FuncWorker) sendResponse(response []byte) {
	protocol.SetSendTimestamp(response, monotonicMicros())
	w.mux.Lock()
	defer w.mux.Unlock()
	if _, err := w.outputPipe.Write(response); err != nil {
		log.Fatalf("[FATAL] failed to write engine response: %v", err)
	}
}

func (w *FuncWorker) funcCallFinished(funcCall protocol.FuncCall, success bool, output []byte, processingTime int32) []byte {
	if err := w.writeOutputToShm(funcCall, output); err != nil {
		log.Printf("[ERROR] write output to shm failed: %v", err)
		success = false
	}
	if success {
		return protocol.NewFuncCallCompleteMessage(funcCall, processingTime)
	}
	return protocol.NewFuncCallFailedMessage(funcCall)
}

func (w *FuncWorker) fifoFuncCallFinished(funcCall protocol.FuncCall, success bool, output []byte, processingTime int32) []byte {
	if err := w.writeOutputToFifo(funcCall, output); err != nil {
		log.Printf("[ERROR] write output to fifo failed: %v", err)
		success = false
	}
	if success {
		return protocol.NewFuncCallCompleteMessage(funcCall, processingTime)
	}
	return protocol.NewFuncCallFailedMessage(funcCall)
}

func (w *FuncWorker) writeOutputToShm(funcCall protocol.FuncCall, output []byte) error {
	shmName := ipc.GetFuncCallOutputShmName(funcCall.FullCallId())
	region, err := ipc.ShmCreate(shmName, int64(len(output)))
	if err != nil {
		return err
	}
	defer region.Close()
	copy(region.Data(), output)
	return nil
}

func (w *FuncWorker) writeOutputToFifo(funcCall protocol.FuncCall, output []byte) error {
	fifoName := ipc.GetFuncCallOutputFifoName(funcCall.FullCallId())
	fifo, err := ipc.FifoOpenForWrite(fifoName, false)
	if err != nil {
		return err
	}
	defer fifo.Close()
	_, err = fifo.Write(output)
	return err
}

// GenerateUniqueID mints a globally unique 64-bit id: high half identifies
// the (engine, client) pair, low half is a per-worker monotonic counter.
func (w *FuncWorker) GenerateUniqueID() uint64 {
	low := atomic.AddUint32(&w.nextUidLowHalf, 1)
	return uint64(w.uidHighHalf)<<32 | uint64(low)
}

func checkAndDuplicateTags(tags []uint64) ([]uint64, error) {
	out := make([]uint64, 0, len(tags)+1)
	out = append(out, 0) // implicit "any tag" entry, matching the engine's convention
	for _, tag := range tags {
		if tag == 0 {
			return nil, fmt.Errorf("tag 0 is reserved")
		}
		out = append(out, tag)
	}
	return out, nil
}

func (w *FuncWorker) nextLogOpIdAndChan() (uint64, chan []byte) {
	w.mux.Lock()
	defer w.mux.Unlock()
	w.nextLogOpId++
	id := w.nextLogOpId
	ch := make(chan []byte, 1)
	w.outgoingLogOps[id] = ch
	return id, ch
}

func (w *FuncWorker) sendLogOpAndWait(ctx context.Context, message []byte) ([]byte, error) {
	if _, err := w.outputPipe.Write(message); err != nil {
		return nil, err
	}
	id := protocol.GetLogClientData(message)
	w.mux.Lock()
	ch, ok := w.outgoingLogOps[id]
	w.mux.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pending channel for log op %d", id)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *FuncWorker) SharedLogAppend(ctx context.Context, tags []uint64, data []byte) (uint64, error) {
	dedupedTags, err := checkAndDuplicateTags(tags)
	if err != nil {
		return 0, err
	}
	id, _ := w.nextLogOpIdAndChan()
	message := protocol.NewSharedLogAppendMessage(w.currentCall, w.clientId, len(dedupedTags), id)
	tagsBuf := protocol.BuildLogTagsBuffer(dedupedTags)
	payload := append(tagsBuf, data...)
	protocol.FillInlineData(message, payload)
	resp, err := w.sendLogOpAndWait(ctx, message)
	if err != nil {
		return 0, err
	}
	if protocol.GetLogResultType(resp) != protocol.SharedLogResultAppendOK {
		return 0, fmt.Errorf("append failed, result=%d", protocol.GetLogResultType(resp))
	}
	return protocol.GetLogSeqNum(resp), nil
}

func buildLogEntryFromReadResponse(response []byte) *types.LogEntry {
	if protocol.GetLogResultType(response) != protocol.SharedLogResultReadOK {
		return nil
	}
	data := protocol.GetInlineData(response)
	numTags := protocol.GetLogNumTags(response)
	tags := make([]uint64, numTags)
	for i := 0; i < numTags; i++ {
		tags[i] = protocol.GetLogTag(response, i)
	}
	return &types.LogEntry{
		SeqNum: protocol.GetLogSeqNum(response),
		Tags:   tags,
		Data:   data,
	}
}

func (w *FuncWorker) sharedLogReadCommon(ctx context.Context, message []byte) (*types.LogEntry, error) {
	resp, err := w.sendLogOpAndWait(ctx, message)
	if err != nil {
		return nil, err
	}
	if protocol.GetLogResultType(resp) == protocol.SharedLogResultEmpty {
		return nil, nil
	}
	return buildLogEntryFromReadResponse(resp), nil
}

func (w *FuncWorker) sharedLogRead(ctx context.Context, tag uint64, seqNum uint64, direction int) (*types.LogEntry, error) {
	id, _ := w.nextLogOpIdAndChan()
	message := protocol.NewSharedLogReadMessage(w.currentCall, w.clientId, tag, seqNum, direction, id)
	return w.sharedLogReadCommon(ctx, message)
}

func (w *FuncWorker) SharedLogReadNext(ctx context.Context, tag uint64, seqNum uint64) (*types.LogEntry, error) {
	return w.sharedLogRead(ctx, tag, seqNum, 1)
}

func (w *FuncWorker) SharedLogReadPrev(ctx context.Context, tag uint64, seqNum uint64) (*types.LogEntry, error) {
	return w.sharedLogRead(ctx, tag, seqNum, -1)
}

func (w *FuncWorker) SharedLogCheckTail(ctx context.Context, tag uint64) (*types.LogEntry, error) {
	return w.SharedLogReadPrev(ctx, tag, protocol.MaxLogSeqnum)
}

func (w *FuncWorker) SharedLogSetAuxData(ctx context.Context, seqNum uint64, auxData []byte) error {
	id, _ := w.nextLogOpIdAndChan()
	message := protocol.NewSharedLogSetAuxDataMessage(w.currentCall, w.clientId, seqNum, id)
	protocol.FillInlineData(message, auxData)
	resp, err := w.sendLogOpAndWait(ctx, message)
	if err != nil {
		return err
	}
	if protocol.GetLogResultType(resp) != protocol.SharedLogResultAuxDataOK {
		return fmt.Errorf("set aux data failed, result=%d", protocol.GetLogResultType(resp))
	}
	return nil
}

// InvokeFunc issues a nested synchronous call to another registered
// function through the engine, blocking until the response arrives.
func (w *FuncWorker) InvokeFunc(ctx context.Context, funcId uint16, input []byte) ([]byte, error) {
	callId := uint32(w.GenerateUniqueID())
	funcCall := protocol.FuncCall{FuncId: funcId, ClientId: w.clientId, CallId: callId}
	ch := make(chan []byte, 1)
	w.mux.Lock()
	w.outgoingFuncCalls[funcCall.FullCallId()] = ch
	w.mux.Unlock()

	message := protocol.NewInvokeFuncCallMessage(funcCall, w.currentCall)
	protocol.FillInlineData(message, input)
	if _, err := w.outputPipe.Write(message); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if protocol.IsFuncCallFailed(resp) {
			return nil, fmt.Errorf("nested call to func %d failed", funcId)
		}
		return protocol.GetInlineData(resp), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
