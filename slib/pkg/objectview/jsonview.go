package objectview

import (
	"github.com/Jeffail/gabs/v2"

	"github.com/faas-core/engine/types"
)

// JSONObjectView is a generic ObjectView that materializes a log stream
// into a gabs JSON tree: each log entry's data is parsed as a JSON
// document and merged into the root of the tree, the later entry's value
// winning on a conflicting key, giving user functions a ready-made object
// view without having to hand-roll their own EncodeView/DecodeView pair.
type JSONObjectView struct {
	Tag uint64
}

func NewJSONObjectView(tag uint64) *JSONObjectView {
	return &JSONObjectView{Tag: tag}
}

func (v *JSONObjectView) GetTag() uint64 { return v.Tag }

// UpdateView merges one log entry's JSON payload into the running view,
// returning the tags the merged document now reaches (the entry's own
// tags, so subsequent reads addressed by any of them see this update).
func (v *JSONObjectView) UpdateView(view interface{}, logEntry *types.LogEntryWithMeta) ([]uint64, interface{}) {
	container, ok := view.(*gabs.Container)
	if !ok || container == nil {
		container = gabs.New()
	}
	patch, err := gabs.ParseJSON(logEntry.Data)
	if err != nil {
		// Non-JSON payloads are stored verbatim under a raw key rather
		// than dropped, so a malformed entry doesn't corrupt the view.
		container.Set(string(logEntry.Data), "raw")
		return logEntry.Tags, container
	}
	merged := gabs.Wrap(container.Data())
	if err := merged.MergeFn(patch, func(dst, src interface{}) interface{} { return src }); err != nil {
		merged = patch
	}
	return logEntry.Tags, merged
}

func (v *JSONObjectView) EncodeView(view interface{}) ([]byte, error) {
	container, ok := view.(*gabs.Container)
	if !ok || container == nil {
		return []byte("{}"), nil
	}
	return container.Bytes(), nil
}

func (v *JSONObjectView) DecodeView(rawViewData []byte) (interface{}, error) {
	return gabs.ParseJSON(rawViewData)
}

var _ ObjectView = (*JSONObjectView)(nil)
