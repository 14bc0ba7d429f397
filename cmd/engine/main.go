// Command engine is the process entrypoint that wires the dispatch,
// logengine and sequencer packages together behind one Unix socket. The
// launcher, HTTP/gRPC gateway, shared-memory allocator and cluster
// coordination service remain out-of-scope collaborators, referenced here
// only through the interfaces those packages already expose.
package main

import (
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/faas-core/engine/dispatch"
	"github.com/faas-core/engine/fsm"
	"github.com/faas-core/engine/ipc"
	"github.com/faas-core/engine/logengine"
	"github.com/faas-core/engine/protocol"
	"github.com/faas-core/engine/sequencer"
)

// config is populated from environment variables once at startup, the
// way func_worker.go reads FAAS_ENGINE_ID: no flag-parsing library exists
// anywhere in the retrieved pack for this side of the process.
type config struct {
	nodeId        fsm.NodeId
	ipcRootPath   string
	engineNodeIds []fsm.NodeId
	threadCpusets map[string]string
}

func loadConfig() config {
	cfg := config{ipcRootPath: ipc.RootPathForIpc()}
	if v, err := strconv.Atoi(os.Getenv("FAAS_ENGINE_ID")); err == nil {
		cfg.nodeId = fsm.NodeId(v)
	} else {
		log.Fatalf("[FATAL] FAAS_ENGINE_ID not set or invalid: %v", err)
	}
	if path := os.Getenv("FAAS_IPC_ROOT_PATH"); path != "" {
		cfg.ipcRootPath = path
		ipc.SetRootPathForIpc(path)
	}
	cfg.engineNodeIds = parseNodeList(os.Getenv("FAAS_ENGINE_NODE_IDS"))
	cfg.threadCpusets = parseCpusetEnv()
	return cfg
}

func parseNodeList(s string) []fsm.NodeId {
	if s == "" {
		return nil
	}
	var ids []fsm.NodeId
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			log.Fatalf("[FATAL] invalid node id %q in FAAS_ENGINE_NODE_IDS: %v", part, err)
		}
		ids = append(ids, fsm.NodeId(v))
	}
	return ids
}

// parseCpusetEnv collects every FAAS_<CATEGORY>_THREAD_CPUSET variable
// into a lookup table. Actual sched_setaffinity is a Linux syscall
// original_source only calls from C++; this Go engine logs the intended
// affinity rather than enforcing it (see DESIGN.md).
func parseCpusetEnv() map[string]string {
	table := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, "FAAS_") || !strings.HasSuffix(k, "_THREAD_CPUSET") {
			continue
		}
		category := strings.TrimSuffix(strings.TrimPrefix(k, "FAAS_"), "_THREAD_CPUSET")
		table[category] = v
	}
	return table
}

// loggingSink logs completions; a real gateway process would implement
// dispatch.CompletionSink to ship results back to waiting clients.
type loggingSink struct{}

func (loggingSink) FuncCallFinished(call protocol.FuncCall, success, discarded bool, output []byte, processingTime int32) {
	log.Printf("[INFO] call %d finished success=%v discarded=%v bytes=%d took=%dus",
		call.FullCallId(), success, discarded, len(output), processingTime)
}

func main() {
	cfg := loadConfig()
	log.Printf("[INFO] engine starting: node=%d ipc_root=%s cpusets=%v",
		cfg.nodeId, cfg.ipcRootPath, cfg.threadCpusets)

	viewManager := fsm.NewViewManager()
	core := logengine.NewEngineCore(cfg.nodeId)
	seq := sequencer.NewSequencer(cfg.nodeId)

	viewManager.Subscribe(func(v *fsm.View) {
		core.OnFsmNewView(v)
		seq.OnViewCreated(v)
	})

	seq.OnPropagateMetaLog(func(v *fsm.View, record sequencer.MetaLogRecord) {
		log.Printf("[INFO] metalog cut logspace=%d seqnum_start=%d", record.LogSpaceId, record.StartSeqNum)
		// Each dirty shard's run occupies a contiguous slice of the cut's
		// seqnum range in view.Engines order (the same order MarkNextCut
		// assigned them in), so the per-shard start must be computed by
		// walking that order rather than ranging the ShardDeltas map.
		seqCursor := record.StartSeqNum
		for _, engineId := range v.Engines {
			delta := record.ShardDeltas[engineId]
			if delta == 0 {
				continue
			}
			startLocalId := fsm.BuildLocalId(v.ViewId, engineId, uint32(record.ShardStarts[engineId]))
			core.OnFsmLogReplicated(startLocalId, seqCursor, uint32(delta))
			seqCursor += delta
		}
		core.OnFsmGlobalCut(record.MetalogSeqNum, record.StartSeqNum, seqCursor)
	})

	if len(cfg.engineNodeIds) > 0 {
		viewManager.InstallView(fsm.NewView(1, cfg.engineNodeIds, []fsm.NodeId{cfg.nodeId}, nil))
	}

	dispatchEngine := dispatch.NewEngine(loggingSink{})

	listener, err := net.Listen("unix", ipc.GetEngineUnixSocketPath())
	if err != nil {
		log.Fatalf("[FATAL] failed to listen on engine socket: %v", err)
	}
	defer listener.Close()
	log.Printf("[INFO] engine listening on %s", ipc.GetEngineUnixSocketPath())

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("[ERROR] accept failed: %v", err)
			continue
		}
		go handleConnection(dispatchEngine, conn)
	}
}

func handleConnection(e *dispatch.Engine, conn net.Conn) {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		log.Printf("[ERROR] failed to read handshake: %v", err)
		conn.Close()
		return
	}
	_, response, err := e.OnNewHandshake(conn, buf[:n])
	if err != nil {
		log.Printf("[ERROR] handshake rejected: %v", err)
		conn.Close()
		return
	}
	if _, err := conn.Write(response); err != nil {
		log.Printf("[ERROR] failed to write handshake response: %v", err)
		conn.Close()
		return
	}
}
