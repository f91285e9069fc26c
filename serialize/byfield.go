package serialize

import (
	"encoding/json"

	"github.com/mna/rbus"
)

// Reserved field names carrying the message's identity; every other
// field in an encoded entry is one of the message's Args, JSON-encoded
// individually so redis stream consumers that only care about a
// subset of fields can read them without decoding the whole entry.
const (
	fieldID   = "__id"
	fieldAPI  = "__api"
	fieldName = "__name"
	fieldMeta = "__meta"
)

func encodeByField(m *rbus.Message) (map[string]any, error) {
	fields := make(map[string]any, len(m.Args)+4)
	fields[fieldID] = m.ID
	fields[fieldAPI] = m.API
	fields[fieldName] = m.Name

	if len(m.Meta) > 0 {
		b, err := json.Marshal(m.Meta)
		if err != nil {
			return nil, err
		}
		fields[fieldMeta] = string(b)
	}

	for k, v := range m.Args {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fields[k] = string(b)
	}
	return fields, nil
}

// isNoopFields reports whether fields is the synthetic stream-seed
// entry written only to force stream creation before XGROUP CREATE: a
// single field of empty name and empty value.
func isNoopFields(fields map[string]string) bool {
	if len(fields) != 1 {
		return false
	}
	v, ok := fields[""]
	return ok && v == ""
}

// decodeByField decodes a stream entry's field/value mapping back
// into a Message. It returns (nil, nil) for the noop seed entry: the
// caller (Event transport) recognizes this and skips it without
// yielding anything, never surfacing it as an error.
func decodeByField(fields map[string]string, nativeID string) (*rbus.Message, error) {
	if isNoopFields(fields) {
		return nil, nil
	}

	m := &rbus.Message{
		NativeID: nativeID,
		Args:     map[string]any{},
		Meta:     map[string]string{},
	}
	for k, v := range fields {
		switch k {
		case fieldID:
			m.ID = v
		case fieldAPI:
			m.API = v
		case fieldName:
			m.Name = v
		case fieldMeta:
			if err := json.Unmarshal([]byte(v), &m.Meta); err != nil {
				return nil, err
			}
		default:
			var val any
			if err := json.Unmarshal([]byte(v), &val); err != nil {
				return nil, err
			}
			m.Args[k] = val
		}
	}
	return m, nil
}
