package types

import (
	"reflect"
	"testing"

	"github.com/faas-core/engine/protocol"
)

func TestCondPropagate(t *testing.T) {
	var rawData []byte
	future := NewFuture(1 /*localid*/, func() (uint64, error) {
		return 2 /*seqnum*/, nil
	})
	_ = protocol.MaxLogSeqnum
	{
		cond := NewCond()
		cond.WithDeps([]uint64{future.GetLocalId()})
		cond.WithTagMetas([]TagMeta{{FsmType: 1, TagKeys: []string{"k"}}})
		rawData = cond.Build([]byte{})
	}
	{
		restored, restData, err := UnwrapData(rawData)
		if err != nil {
			t.Fatalf("deserialize op error: %v", err)
		}
		if !reflect.DeepEqual(restData, []byte{}) {
			t.Fatalf("expected empty data, got %v", restData)
		}
		if !reflect.DeepEqual(restored.Deps, []uint64{future.GetLocalId()}) {
			t.Fatalf("unexpected deps: %+v, expected %+v", restored.Deps, []uint64{future.GetLocalId()})
		}
		if len(restored.TagBuildMetas) != 1 || restored.TagBuildMetas[0].FsmType != 1 {
			t.Fatalf("unexpected tag build metas: %+v", restored.TagBuildMetas)
		}
	}
}
