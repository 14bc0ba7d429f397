package worker

import (
	"testing"

	"github.com/faas-core/engine/protocol"
)

func makeReorderTestMessage(responseId uint64, continued bool) []byte {
	buf := protocol.NewEmptyMessage()
	protocol.SetResponseId(buf, responseId)
	if continued {
		protocol.SetFlags(buf, protocol.FlagResponseContinue)
	}
	return buf
}

func TestResponseBuffer(t *testing.T) {
	dummyMessage0 := makeReorderTestMessage(0, true)
	dummyMessage1 := makeReorderTestMessage(1, true)
	dummyMessage2 := makeReorderTestMessage(2, false)

	orderings := [][]int{
		{0, 1, 2},
		{1, 0, 2},
		{2, 1, 0},
		{2, 0, 1},
	}
	messages := []([]byte){dummyMessage0, dummyMessage1, dummyMessage2}

	for _, ordering := range orderings {
		rb := NewResponseBuffer(3)
		for _, idx := range ordering {
			rb.Enqueue(messages[idx])
		}
		for want := uint64(0); want < 3; want++ {
			msg := rb.Dequeue()
			if rc := protocol.GetResponseId(msg); rc != want {
				t.Fatalf("response id=%v, need=%v", rc, want)
			}
		}
	}
}
