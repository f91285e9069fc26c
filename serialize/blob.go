package serialize

import (
	"encoding/json"

	"github.com/mna/rbus"
)

// wireMessage is the JSON shape used by the blob codec. It is kept
// separate from rbus.Message so that the wire format is stable even
// if the in-memory type grows fields that should not round-trip.
type wireMessage struct {
	ID   string            `json:"id"`
	API  string            `json:"api"`
	Name string            `json:"name"`
	Args map[string]any    `json:"args"`
	Meta map[string]string `json:"meta"`
}

func encodeBlob(m *rbus.Message) ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:   m.ID,
		API:  m.API,
		Name: m.Name,
		Args: m.Args,
		Meta: m.Meta,
	})
}

func decodeBlob(b []byte) (*rbus.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, err
	}
	return &rbus.Message{
		ID:   w.ID,
		API:  w.API,
		Name: w.Name,
		Args: w.Args,
		Meta: w.Meta,
	}, nil
}
