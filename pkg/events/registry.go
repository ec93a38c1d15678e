package events

import (
	"encoding/json"
	"fmt"
	"sync"
)

// DataCodec decodes the payload of a named data fragment.
type DataCodec func(json.RawMessage) (interface{}, error)

var (
	registryOnce sync.Once
	reg          *dataRegistry
)

type dataRegistry struct {
	mu       sync.RWMutex
	decoders map[FragmentType]DataCodec
}

func ensureRegistry() {
	registryOnce.Do(func() {
		reg = &dataRegistry{
			decoders: make(map[FragmentType]DataCodec),
		}
		// the two names the session controller understands
		reg.decoders[DataConversationID] = decodeString
		reg.decoders[DataMessageID] = decodeMessageID
	})
}

// RegisterDataCodec registers a decoder for a "data-<name>" fragment type.
// It returns an error if a decoder is already registered for the type.
func RegisterDataCodec(t FragmentType, dec DataCodec) error {
	if !t.IsData() {
		return fmt.Errorf("%q is not a data fragment type", t)
	}
	ensureRegistry()
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.decoders[t]; exists {
		return fmt.Errorf("decoder already registered for type %q", t)
	}
	reg.decoders[t] = dec
	return nil
}

// RegisterDataFactory registers a decoder based on standard json.Unmarshal into a fresh value.
func RegisterDataFactory(t FragmentType, factory func() interface{}) error {
	return RegisterDataCodec(t, func(b json.RawMessage) (interface{}, error) {
		v := factory()
		if err := json.Unmarshal(b, v); err != nil {
			return nil, err
		}
		return v, nil
	})
}

func lookupDataCodec(t FragmentType) DataCodec {
	ensureRegistry()
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.decoders[t]
}

func decodeString(b json.RawMessage) (interface{}, error) {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// MessageIDData is the payload of data-message-id: the client id of a message and the id the
// backend persisted it under. A bare string means the streaming assistant message.
type MessageIDData struct {
	ClientID    string `json:"clientId,omitempty"`
	PersistedID string `json:"id"`
}

func decodeMessageID(b json.RawMessage) (interface{}, error) {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return &MessageIDData{PersistedID: s}, nil
	}
	ret := &MessageIDData{}
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, err
	}
	return ret, nil
}
