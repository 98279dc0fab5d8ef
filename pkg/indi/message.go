package indi

import (
	"time"
)

// TimestampLayout is the timestamp format drivers put on vector elements:
// ISO-8601 truncated to tenths of a second.
const TimestampLayout = "2006-01-02T15:04:05.0"

// Element is one member of a property vector. Values stay in their wire
// spelling: numbers keep the driver's formatting, switches are "On"/"Off",
// lights are state names.
type Element struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
	Value string `json:"value"`

	// Number definition attributes, only present on define operations.
	Format string `json:"format,omitempty"`
	Min    string `json:"min,omitempty"`
	Max    string `json:"max,omitempty"`
	Step   string `json:"step,omitempty"`
}

// Blob is a binary attachment carried by a BLOB vector update.
type Blob struct {
	Name   string `json:"name"`
	Format string `json:"format,omitempty"` // file extension, e.g. ".fits"
	Size   int    `json:"size"`             // decoded payload size in bytes
	Data   []byte `json:"data,omitempty"`
}

// Message is the envelope exchanged on the bus: one protocol element,
// decoded. Messages are immutable once published; a state change is always a
// new Message.
type Message struct {
	Device   string        `json:"device"`
	Property string        `json:"property,omitempty"`
	Op       Op            `json:"op"`
	Type     PropertyType  `json:"type"`
	State    PropertyState `json:"state"`

	// Definition metadata, set on define operations.
	Perm  Perm       `json:"perm"`
	Rule  SwitchRule `json:"rule,omitempty"`
	Label string     `json:"label,omitempty"`
	Group string     `json:"group,omitempty"`

	Elements []Element `json:"elements,omitempty"`
	Blob     *Blob     `json:"blob,omitempty"`

	// Text carries the message attribute of any element, and is the whole
	// payload for OpMessage.
	Text string `json:"text,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Seq is assigned by the bus at publish time and orders messages within
	// one (device, property) stream.
	Seq uint64 `json:"seq"`
}

// Topic returns the bus topic the message is published under.
func (m *Message) Topic() string {
	if m.Op == OpMessage || m.Property == "" {
		return m.Device + "/message"
	}
	return m.Device + "/" + m.Property
}

// CommandTopic returns the bus topic commands for a property are sent to.
func CommandTopic(device, property string) string {
	return device + "/" + property + "/set"
}

// Element returns the member with the given name, or nil.
func (m *Message) Element(name string) *Element {
	for i := range m.Elements {
		if m.Elements[i].Name == name {
			return &m.Elements[i]
		}
	}
	return nil
}
