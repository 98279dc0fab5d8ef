package indi

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is sent in getProperties to request property definitions.
const ProtocolVersion = "1.7"

// ErrUnhandled is returned by Parse for well-formed elements that are not
// bridged onto the bus (for example a driver snooping with getProperties).
var ErrUnhandled = errors.New("unhandled protocol element")

// getPropertiesXML is the probe written to a driver's stdin after start.
var getPropertiesXML = []byte("<getProperties version=\"" + ProtocolVersion + "\" />\n")

// GetProperties returns the wire form of the property-definition probe.
func GetProperties() []byte {
	return getPropertiesXML
}

// EnableBLOB returns the element that asks a driver to interleave BLOB
// traffic with normal updates for one device. Without it drivers stay
// silent about captures.
func EnableBLOB(device string) []byte {
	var buf strings.Builder
	buf.WriteString(`<enableBLOB device="`)
	xml.EscapeText(&buf, []byte(device))
	buf.WriteString(`">Also</enableBLOB>` + "\n")
	return []byte(buf.String())
}

type wireVector struct {
	XMLName   xml.Name
	Device    string       `xml:"device,attr,omitempty"`
	Name      string       `xml:"name,attr,omitempty"`
	Label     string       `xml:"label,attr,omitempty"`
	Group     string       `xml:"group,attr,omitempty"`
	State     string       `xml:"state,attr,omitempty"`
	Perm      string       `xml:"perm,attr,omitempty"`
	Rule      string       `xml:"rule,attr,omitempty"`
	Timestamp string       `xml:"timestamp,attr,omitempty"`
	Message   string       `xml:"message,attr,omitempty"`
	Members   []wireMember `xml:",any"`
}

type wireMember struct {
	XMLName xml.Name
	Name    string `xml:"name,attr,omitempty"`
	Label   string `xml:"label,attr,omitempty"`
	Format  string `xml:"format,attr,omitempty"`
	Min     string `xml:"min,attr,omitempty"`
	Max     string `xml:"max,attr,omitempty"`
	Step    string `xml:"step,attr,omitempty"`
	Size    int    `xml:"size,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// vectorTags maps a top-level element name to the operation and property
// type it carries. newLightVector does not exist in the protocol.
var vectorTags = map[string]struct {
	Op   Op
	Type PropertyType
}{
	"defTextVector":   {OpDefine, TypeText},
	"defNumberVector": {OpDefine, TypeNumber},
	"defSwitchVector": {OpDefine, TypeSwitch},
	"defLightVector":  {OpDefine, TypeLight},
	"defBLOBVector":   {OpDefine, TypeBLOB},
	"setTextVector":   {OpSet, TypeText},
	"setNumberVector": {OpSet, TypeNumber},
	"setSwitchVector": {OpSet, TypeSwitch},
	"setLightVector":  {OpSet, TypeLight},
	"setBLOBVector":   {OpSet, TypeBLOB},
	"newTextVector":   {OpNew, TypeText},
	"newNumberVector": {OpNew, TypeNumber},
	"newSwitchVector": {OpNew, TypeSwitch},
	"newBLOBVector":   {OpNew, TypeBLOB},
}

// Parse decodes one complete protocol element into a Message.
func Parse(data []byte) (*Message, error) {
	var v wireVector
	if err := xml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse element: %v", err)
	}

	switch v.XMLName.Local {
	case "message":
		if v.Device == "" {
			return nil, fmt.Errorf("message element without device")
		}
		return &Message{
			Device:    v.Device,
			Op:        OpMessage,
			Text:      v.Message,
			Timestamp: parseTimestamp(v.Timestamp),
		}, nil

	case "delProperty":
		if v.Device == "" {
			return nil, fmt.Errorf("delProperty without device")
		}
		return &Message{
			Device:    v.Device,
			Property:  v.Name, // empty means the whole device
			Op:        OpDelete,
			Text:      v.Message,
			Timestamp: parseTimestamp(v.Timestamp),
		}, nil

	case "getProperties":
		return nil, ErrUnhandled
	}

	kind, ok := vectorTags[v.XMLName.Local]
	if !ok {
		return nil, fmt.Errorf("unknown element <%s>", v.XMLName.Local)
	}
	if v.Device == "" || v.Name == "" {
		return nil, fmt.Errorf("<%s> missing device or name", v.XMLName.Local)
	}

	m := Message{
		Device:    v.Device,
		Property:  v.Name,
		Op:        kind.Op,
		Type:      kind.Type,
		Label:     v.Label,
		Group:     v.Group,
		Text:      v.Message,
		Timestamp: parseTimestamp(v.Timestamp),
	}

	if v.State != "" {
		state, err := ParseState(v.State)
		if err != nil {
			return nil, fmt.Errorf("<%s %s.%s>: %v", v.XMLName.Local, v.Device, v.Name, err)
		}
		m.State = state
	}
	if kind.Op == OpDefine {
		if kind.Type == TypeLight {
			// Lights carry no perm attribute; they are always read-only.
			m.Perm = PermRO
		} else {
			perm, err := ParsePerm(v.Perm)
			if err != nil {
				return nil, fmt.Errorf("<%s %s.%s>: %v", v.XMLName.Local, v.Device, v.Name, err)
			}
			m.Perm = perm
		}
		if kind.Type == TypeSwitch {
			rule, err := ParseRule(v.Rule)
			if err != nil {
				return nil, fmt.Errorf("<%s %s.%s>: %v", v.XMLName.Local, v.Device, v.Name, err)
			}
			m.Rule = rule
		}
	}

	for _, member := range v.Members {
		if kind.Type == TypeBLOB {
			// BLOB members on define carry no payload.
			if kind.Op == OpDefine {
				m.Elements = append(m.Elements, Element{Name: member.Name, Label: member.Label})
				continue
			}
			if m.Blob != nil {
				// One attachment per message; extra members are dropped.
				continue
			}
			data, err := decodeBase64(member.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decode BLOB %s.%s: %v", v.Device, v.Name, err)
			}
			m.Blob = &Blob{
				Name:   member.Name,
				Format: member.Format,
				Size:   len(data),
				Data:   data,
			}
			continue
		}

		m.Elements = append(m.Elements, Element{
			Name:   member.Name,
			Label:  member.Label,
			Value:  strings.TrimSpace(member.Value),
			Format: member.Format,
			Min:    member.Min,
			Max:    member.Max,
			Step:   member.Step,
		})
	}

	return &m, nil
}

// Render encodes a Message back into its wire element. The inverse of Parse
// up to attribute normalization.
func Render(m *Message) ([]byte, error) {
	v := wireVector{
		Device:    m.Device,
		Timestamp: FormatTimestamp(m.Timestamp),
		Message:   m.Text,
	}

	switch m.Op {
	case OpMessage:
		v.XMLName.Local = "message"
		return marshalElement(&v)

	case OpDelete:
		v.XMLName.Local = "delProperty"
		v.Name = m.Property
		return marshalElement(&v)

	case OpDefine, OpSet, OpNew:
		// handled below
	default:
		return nil, fmt.Errorf("cannot render operation %v", m.Op)
	}

	if m.Device == "" || m.Property == "" {
		return nil, fmt.Errorf("cannot render %v without device and property", m.Op)
	}

	v.XMLName.Local = vectorTag(m.Op, m.Type)
	v.Name = m.Property

	switch m.Op {
	case OpDefine:
		v.Label = m.Label
		v.Group = m.Group
		v.State = m.State.String()
		if m.Type != TypeLight {
			v.Perm = m.Perm.String()
		}
		if m.Type == TypeSwitch {
			v.Rule = m.Rule.String()
		}
	case OpSet:
		v.State = m.State.String()
	case OpNew:
		// new vectors carry no state; the driver decides the outcome.
	}

	member := memberTag(m.Op, m.Type)
	for _, e := range m.Elements {
		v.Members = append(v.Members, wireMember{
			XMLName: xml.Name{Local: member},
			Name:    e.Name,
			Label:   e.Label,
			Format:  e.Format,
			Min:     e.Min,
			Max:     e.Max,
			Step:    e.Step,
			Value:   e.Value,
		})
	}
	if m.Type == TypeBLOB && m.Blob != nil && m.Op != OpDefine {
		v.Members = append(v.Members, wireMember{
			XMLName: xml.Name{Local: member},
			Name:    m.Blob.Name,
			Format:  m.Blob.Format,
			Size:    len(m.Blob.Data),
			Value:   base64.StdEncoding.EncodeToString(m.Blob.Data),
		})
	}

	return marshalElement(&v)
}

func marshalElement(v *wireVector) ([]byte, error) {
	out, err := xml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to render element: %v", err)
	}
	return append(out, '\n'), nil
}

func vectorTag(op Op, t PropertyType) string {
	switch op {
	case OpDefine:
		return "def" + t.String() + "Vector"
	case OpSet:
		return "set" + t.String() + "Vector"
	default:
		return "new" + t.String() + "Vector"
	}
}

func memberTag(op Op, t PropertyType) string {
	if op == OpDefine {
		return "def" + t.String()
	}
	return "one" + t.String()
}

// decodeBase64 tolerates the whitespace drivers interleave in BLOB payloads.
func decodeBase64(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	return base64.StdEncoding.DecodeString(clean)
}

// FormatTimestamp renders a timestamp the way drivers do.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(TimestampLayout)
}

// parseTimestamp is forgiving: drivers disagree about fractional digits and
// zone suffixes, and a missing or broken timestamp falls back to receipt
// time. The bare layout accepts any fractional precision when parsing.
func parseTimestamp(s string) time.Time {
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
