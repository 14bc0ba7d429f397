package objectview

import (
	"strings"
	"testing"

	"github.com/faas-core/engine/types"
)

func TestJSONObjectViewUpdateAndEncodeRoundTrip(t *testing.T) {
	v := NewJSONObjectView(42)
	entry := &types.LogEntryWithMeta{
		LogEntry: types.LogEntry{
			SeqNum: 1,
			Tags:   []uint64{42},
			Data:   []byte(`{"count":1}`),
		},
	}
	tags, view := v.UpdateView(nil, entry)
	if len(tags) != 1 || tags[0] != 42 {
		t.Fatalf("expected returned tags to match entry tags, got %v", tags)
	}

	encoded, err := v.EncodeView(view)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if !strings.Contains(string(encoded), `"count":1`) {
		t.Fatalf("expected encoded view to contain count field, got %s", encoded)
	}

	decoded, err := v.DecodeView(encoded)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	_, second := v.UpdateView(decoded, &types.LogEntryWithMeta{
		LogEntry: types.LogEntry{SeqNum: 2, Tags: []uint64{42}, Data: []byte(`{"count":2}`)},
	})
	reEncoded, err := v.EncodeView(second)
	if err != nil {
		t.Fatalf("unexpected encode error on merged view: %v", err)
	}
	if !strings.Contains(string(reEncoded), `"count":2`) {
		t.Fatalf("expected merge to overwrite count with the later entry's value, got %s", reEncoded)
	}
}

func TestJSONObjectViewHandlesNonJSONPayload(t *testing.T) {
	v := NewJSONObjectView(7)
	entry := &types.LogEntryWithMeta{
		LogEntry: types.LogEntry{Tags: []uint64{7}, Data: []byte("not json")},
	}
	_, view := v.UpdateView(nil, entry)
	encoded, err := v.EncodeView(view)
	if err != nil {
		t.Fatalf("unexpected error encoding raw-fallback view: %v", err)
	}
	if !strings.Contains(string(encoded), "not json") {
		t.Fatalf("expected raw payload preserved under fallback key, got %s", encoded)
	}
}
