package rbus

import "github.com/google/uuid"

// Message is the common shape carried by every transport: a unique id,
// the API it belongs to, a procedure or event name, a set of
// keyword-style arguments and a small metadata mapping.
//
// NativeID is empty for every message except one read off an event
// stream, where it holds the id redis assigned the entry (its "ms-seq"
// form).
type Message struct {
	ID       string
	API      string
	Name     string
	Args     map[string]any
	Meta     map[string]string
	NativeID string
}

// NewMessage builds a Message with a freshly generated id and empty
// metadata. Callers that need request-scoped metadata (trace ids,
// deadlines forwarded out of band, ...) should set Meta after
// construction.
func NewMessage(api, name string, args map[string]any) *Message {
	return &Message{
		ID:   uuid.NewString(),
		API:  api,
		Name: name,
		Args: args,
		Meta: map[string]string{},
	}
}

// Clone returns a deep-enough copy of m: the Args and Meta maps are
// copied, their values are not. RPC.InvokeAndStoreResult calls this to
// build a reply from a call without mutating the call itself.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Args != nil {
		cp.Args = make(map[string]any, len(m.Args))
		for k, v := range m.Args {
			cp.Args[k] = v
		}
	}
	if m.Meta != nil {
		cp.Meta = make(map[string]string, len(m.Meta))
		for k, v := range m.Meta {
			cp.Meta[k] = v
		}
	}
	return &cp
}
