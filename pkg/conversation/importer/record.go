package importer

import (
	"encoding/json"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"gopkg.in/yaml.v3"
)

// Record is one message as delivered by a transport or a history fetch.
//
// A nil ParentID means the lineage is unknown and will be resolved by the importer. A ParentID
// pointing at conversation.RootID attaches the message at the root.
type Record struct {
	ID        conversation.NodeID
	ParentID  *conversation.NodeID
	Sequence  *int64
	Message   *conversation.Message
	CreatedAt time.Time
	Usage     *conversation.Usage
}

// NewRecord wraps a message, taking lineage and ordering from its metadata when present.
func NewRecord(msg *conversation.Message) Record {
	ret := Record{
		ID:      msg.ID,
		Message: msg,
	}
	if parent, ok := msg.ParentIDFromMetadata(); ok {
		ret.ParentID = &parent
	}
	if seq, ok := msg.Sequence(); ok {
		ret.Sequence = &seq
	}
	if s, ok := msg.MetadataString(conversation.MetadataKeyCreatedAt); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ret.CreatedAt = t
		}
	}
	return ret
}

func (r Record) WithParent(parentID conversation.NodeID) Record {
	r.ParentID = &parentID
	return r
}

func (r Record) WithSequence(seq int64) Record {
	r.Sequence = &seq
	return r
}

type recordJSON struct {
	ID        conversation.NodeID   `json:"id"`
	ParentID  json.RawMessage       `json:"parentId,omitempty"`
	Sequence  *int64                `json:"sequence,omitempty"`
	Message   *conversation.Message `json:"message"`
	CreatedAt time.Time             `json:"createdAt,omitempty"`
	Usage     *conversation.Usage   `json:"usage,omitempty"`
}

// UnmarshalJSON tells an explicit `"parentId": null` (root) apart from an absent parentId (unknown).
func (r *Record) UnmarshalJSON(data []byte) error {
	var rj recordJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	*r = Record{
		ID:        rj.ID,
		Sequence:  rj.Sequence,
		Message:   rj.Message,
		CreatedAt: rj.CreatedAt,
		Usage:     rj.Usage,
	}
	if len(rj.ParentID) > 0 {
		var parent *string
		if err := json.Unmarshal(rj.ParentID, &parent); err != nil {
			return err
		}
		id := conversation.RootID
		if parent != nil {
			id = conversation.NodeID(*parent)
		}
		r.ParentID = &id
	}
	r.fillFromMessage()
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	rj := recordJSON{
		ID:        r.ID,
		Sequence:  r.Sequence,
		Message:   r.Message,
		CreatedAt: r.CreatedAt,
		Usage:     r.Usage,
	}
	if r.ParentID != nil {
		if *r.ParentID == conversation.RootID {
			rj.ParentID = json.RawMessage("null")
		} else {
			b, err := json.Marshal(string(*r.ParentID))
			if err != nil {
				return nil, err
			}
			rj.ParentID = b
		}
	}
	return json.Marshal(rj)
}

func (r *Record) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID        conversation.NodeID   `yaml:"id"`
		ParentID  yaml.Node             `yaml:"parent_id"`
		Sequence  *int64                `yaml:"sequence"`
		Message   *conversation.Message `yaml:"message"`
		CreatedAt time.Time             `yaml:"created_at"`
		Usage     *conversation.Usage   `yaml:"usage"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*r = Record{
		ID:        raw.ID,
		Sequence:  raw.Sequence,
		Message:   raw.Message,
		CreatedAt: raw.CreatedAt,
		Usage:     raw.Usage,
	}
	if raw.ParentID.Kind == yaml.ScalarNode {
		id := conversation.RootID
		if raw.ParentID.ShortTag() != "!!null" {
			id = conversation.NodeID(raw.ParentID.Value)
		}
		r.ParentID = &id
	}
	r.fillFromMessage()
	return nil
}

func (r *Record) fillFromMessage() {
	if r.Message == nil {
		return
	}
	if r.ID == conversation.RootID {
		r.ID = r.Message.ID
	}
	if r.Message.ID == conversation.RootID {
		r.Message.ID = r.ID
	}
	fromMessage := NewRecord(r.Message)
	if r.ParentID == nil {
		r.ParentID = fromMessage.ParentID
	}
	if r.Sequence == nil {
		r.Sequence = fromMessage.Sequence
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = fromMessage.CreatedAt
	}
}
