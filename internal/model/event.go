package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reserved event keys. Everything else lands in Event.Extra.
const (
	keyTime     = "time"
	keySelfID   = "self_id"
	keyPostType = "post_type"
)

// Common OneBot post types.
const (
	PostTypeMessage   = "message"
	PostTypeNotice    = "notice"
	PostTypeRequest   = "request"
	PostTypeMetaEvent = "meta_event"
)

// ErrMissingPostType is returned by ParseEvent for payloads without post_type.
var ErrMissingPostType = errors.New("event has no post_type")

// Event is an asynchronous notification broadcast to every session.
//
// Events are immutable once published. An event parsed from bytes
// serializes back to those bytes until Time, SelfID, PostType or the set of
// Extra keys is changed, after which it is re-encoded from its fields.
type Event struct {
	Time     int64
	SelfID   int64
	PostType string

	// Extra is shared by every subscriber. Replace a value by assigning a new
	// map entry on a copy of the map, never by editing its bytes in place.
	Extra map[string]json.RawMessage

	raw    json.RawMessage
	origin eventHeader
}

// eventHeader is what raw was decoded into.
type eventHeader struct {
	time     int64
	selfID   int64
	postType string
	extra    int
}

func (e Event) header() eventHeader {
	return eventHeader{time: e.Time, selfID: e.SelfID, postType: e.PostType, extra: len(e.Extra)}
}

// NewEvent builds an event stamped with the current time.
func NewEvent(postType string, selfID int64, fields map[string]any) (Event, error) {
	ev := Event{
		Time:     time.Now().Unix(),
		SelfID:   selfID,
		PostType: postType,
	}
	if len(fields) > 0 {
		ev.Extra = make(map[string]json.RawMessage, len(fields))
		for k, v := range fields {
			b, err := json.Marshal(v)
			if err != nil {
				return Event{}, fmt.Errorf("marshal event field %q: %w", k, err)
			}
			ev.Extra[k] = b
		}
	}
	return ev, nil
}

// ParseEvent decodes a JSON event and keeps the original bytes.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	if ev.PostType == "" {
		return Event{}, ErrMissingPostType
	}
	return ev, nil
}

// Field returns an extra field decoded into v.
func (e Event) Field(key string, v any) error {
	raw, ok := e.Extra[key]
	if !ok {
		return fmt.Errorf("event field %q not present", key)
	}
	return json.Unmarshal(raw, v)
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) > 0 && e.header() == e.origin {
		return e.raw, nil
	}

	fields := make(map[string]any, len(e.Extra)+3)
	for k, v := range e.Extra {
		fields[k] = v
	}
	fields[keyTime] = e.Time
	fields[keySelfID] = e.SelfID
	fields[keyPostType] = e.PostType
	return json.Marshal(fields)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if fields == nil {
		return errors.New("decode event: not a json object")
	}

	var ev Event
	if v, ok := fields[keyTime]; ok {
		if err := json.Unmarshal(v, &ev.Time); err != nil {
			return fmt.Errorf("decode event time: %w", err)
		}
		delete(fields, keyTime)
	}
	if v, ok := fields[keySelfID]; ok {
		if err := json.Unmarshal(v, &ev.SelfID); err != nil {
			return fmt.Errorf("decode event self_id: %w", err)
		}
		delete(fields, keySelfID)
	}
	if v, ok := fields[keyPostType]; ok {
		if err := json.Unmarshal(v, &ev.PostType); err != nil {
			return fmt.Errorf("decode event post_type: %w", err)
		}
		delete(fields, keyPostType)
	}
	if len(fields) > 0 {
		ev.Extra = fields
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	ev.raw = compact.Bytes()
	ev.origin = ev.header()

	*e = ev
	return nil
}
