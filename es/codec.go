package es

import (
	"encoding/json"
	"fmt"
)

// Codec maps the type tags of an event union to decoders. Codecs are built at startup and are
// read-only afterwards.
type Codec[E Event] struct {
	decoders          map[string]func(json.RawMessage) (E, error)
	forwardCompatible bool
}

func NewCodec[E Event]() *Codec[E] {
	return &Codec[E]{decoders: make(map[string]func(json.RawMessage) (E, error))}
}

// ForwardCompatible makes Decode skip unknown tags instead of failing.
func (c *Codec[E]) ForwardCompatible() *Codec[E] {
	c.forwardCompatible = true
	return c
}

// Register adds the variant V under the tag returned by its EventType.
func Register[E Event, V Event](c *Codec[E]) {
	var zero V
	if _, ok := any(zero).(E); !ok {
		panic(fmt.Sprintf("es: %T is not part of the event union", zero))
	}
	tag := zero.EventType()
	if _, dup := c.decoders[tag]; dup {
		panic(fmt.Sprintf("es: event tag %q registered twice", tag))
	}
	c.decoders[tag] = func(raw json.RawMessage) (E, error) {
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			var none E
			return none, err
		}
		return any(v).(E), nil
	}
}

func (c *Codec[E]) Knows(tag string) bool {
	_, ok := c.decoders[tag]
	return ok
}

func (c *Codec[E]) Encode(event E) (string, json.RawMessage, error) {
	tag := event.EventType()
	if !c.Knows(tag) {
		return "", nil, fmt.Errorf("es: encode unregistered event %q", tag)
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("es: encode %s: %w", tag, err)
	}
	return tag, raw, nil
}

// Decode returns ok=false for an unknown tag on a forward compatible codec.
func (c *Codec[E]) Decode(tag string, raw json.RawMessage) (event E, ok bool, err error) {
	dec, known := c.decoders[tag]
	if !known {
		if c.forwardCompatible {
			return event, false, nil
		}
		return event, false, fmt.Errorf("%w: unknown event type %q", ErrReconstruction, tag)
	}
	event, err = dec(raw)
	if err != nil {
		return event, false, fmt.Errorf("%w: decode %s: %v", ErrReconstruction, tag, err)
	}
	return event, true, nil
}
