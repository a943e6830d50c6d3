package checkpoint

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dshills/graphflow/graph/state"
)

// Format selects the serialization of the checkpoint record.
type Format uint8

// Supported formats.
const (
	FormatJSON        Format = 1
	FormatBinary      Format = 2 // encoding/gob
	FormatMessagePack Format = 3
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatBinary:
		return "binary"
	case FormatMessagePack:
		return "msgpack"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// ParseFormat accepts "json", "binary"/"gob" and "msgpack"/"messagepack".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "binary", "gob":
		return FormatBinary, nil
	case "msgpack", "messagepack", "message-pack":
		return FormatMessagePack, nil
	}
	return 0, fmt.Errorf("unknown checkpoint format %q", s)
}

// metaEntry is one Metadata pair; the wire record stores metadata as a
// sorted slice so every format encodes it deterministically.
type metaEntry struct {
	Key   string `json:"k" msgpack:"k"`
	Value string `json:"v" msgpack:"v"`
}

// wireCheckpoint is the serialized form of a Checkpoint. It only uses types
// with a deterministic encoding in all three formats: context and state are
// embedded as canonical JSON bytes and maps are flattened to sorted slices.
type wireCheckpoint struct {
	ID          string      `json:"id" msgpack:"id"`
	ExecutionID string      `json:"execution_id" msgpack:"execution_id"`
	Timestamp   int64       `json:"timestamp" msgpack:"timestamp"` // unix nanos
	Version     int         `json:"version" msgpack:"version"`
	Context     []byte      `json:"context" msgpack:"context"`
	State       []byte      `json:"state" msgpack:"state"`
	Completed   []string    `json:"completed" msgpack:"completed"`
	Failed      []string    `json:"failed" msgpack:"failed"`
	Pending     []string    `json:"pending" msgpack:"pending"`
	Metadata    []metaEntry `json:"metadata" msgpack:"metadata"`
	Checksum    string      `json:"checksum" msgpack:"checksum"`
}

func toWire(cp *Checkpoint) (*wireCheckpoint, error) {
	ctxJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution context: %w", err)
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	meta := make([]metaEntry, 0, len(cp.Metadata))
	for k, v := range cp.Metadata {
		meta = append(meta, metaEntry{Key: k, Value: v})
	}
	sort.Slice(meta, func(i, j int) bool { return meta[i].Key < meta[j].Key })

	return &wireCheckpoint{
		ID:          cp.ID,
		ExecutionID: cp.ExecutionID,
		Timestamp:   cp.Timestamp.UnixNano(),
		Version:     cp.Version,
		Context:     ctxJSON,
		State:       stateJSON,
		Completed:   nonNil(cp.Completed),
		Failed:      nonNil(cp.Failed),
		Pending:     nonNil(cp.Pending),
		Metadata:    meta,
		Checksum:    cp.Checksum,
	}, nil
}

func fromWire(w *wireCheckpoint) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:          w.ID,
		ExecutionID: w.ExecutionID,
		Timestamp:   time.Unix(0, w.Timestamp).UTC(),
		Version:     w.Version,
		Completed:   nonNil(w.Completed),
		Failed:      nonNil(w.Failed),
		Pending:     nonNil(w.Pending),
		Metadata:    make(map[string]string, len(w.Metadata)),
		Checksum:    w.Checksum,
	}
	for _, e := range w.Metadata {
		cp.Metadata[e.Key] = e.Value
	}

	if len(w.Context) > 0 && string(w.Context) != "null" {
		var ectx state.ExecutionContext
		dec := json.NewDecoder(bytes.NewReader(w.Context))
		dec.UseNumber()
		if err := dec.Decode(&ectx); err != nil {
			return nil, fmt.Errorf("%w: execution context: %v", ErrCorrupt, err)
		}
		if ectx.Path == nil {
			ectx.Path = []string{}
		}
		cp.Context = &ectx
	}
	if len(w.State) > 0 && string(w.State) != "null" {
		st, err := state.FromJSON(w.State)
		if err != nil {
			return nil, fmt.Errorf("%w: state: %v", ErrCorrupt, err)
		}
		cp.State = st
	}
	return cp, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func marshalPayload(w *wireCheckpoint, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.Marshal(w)
	case FormatBinary:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(w); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatMessagePack:
		return msgpack.Marshal(w)
	}
	return nil, fmt.Errorf("unsupported checkpoint format %s", f)
}

func unmarshalPayload(data []byte, f Format) (*wireCheckpoint, error) {
	var w wireCheckpoint
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, &w)
	case FormatBinary:
		err = gob.NewDecoder(bytes.NewReader(data)).Decode(&w)
	case FormatMessagePack:
		err = msgpack.Unmarshal(data, &w)
	default:
		return nil, fmt.Errorf("%w: unsupported format %s", ErrCorrupt, f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &w, nil
}
