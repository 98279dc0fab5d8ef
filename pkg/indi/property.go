package indi

import (
	"encoding/json"
	"fmt"
)

// PropertyState is the driver-reported state of a property vector.
type PropertyState int

const (
	StateIdle PropertyState = iota
	StateOk
	StateBusy
	StateAlert
)

func (s PropertyState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOk:
		return "Ok"
	case StateBusy:
		return "Busy"
	case StateAlert:
		return "Alert"
	}
	return fmt.Sprintf("PropertyState(%d)", int(s))
}

// ParseState parses a state attribute value.
func ParseState(s string) (PropertyState, error) {
	switch s {
	case "Idle":
		return StateIdle, nil
	case "Ok":
		return StateOk, nil
	case "Busy":
		return StateBusy, nil
	case "Alert":
		return StateAlert, nil
	}
	return StateIdle, fmt.Errorf("unknown property state %q", s)
}

// Perm is a property's client-side permission.
type Perm int

const (
	PermRO Perm = iota
	PermWO
	PermRW
)

func (p Perm) String() string {
	switch p {
	case PermRO:
		return "ro"
	case PermWO:
		return "wo"
	case PermRW:
		return "rw"
	}
	return fmt.Sprintf("Perm(%d)", int(p))
}

// Writable reports whether clients may send new values for the property.
func (p Perm) Writable() bool {
	return p == PermWO || p == PermRW
}

// ParsePerm parses a perm attribute value.
func ParsePerm(s string) (Perm, error) {
	switch s {
	case "ro":
		return PermRO, nil
	case "wo":
		return PermWO, nil
	case "rw":
		return PermRW, nil
	}
	return PermRO, fmt.Errorf("unknown permission %q", s)
}

// SwitchRule constrains how many members of a switch vector may be On.
type SwitchRule int

const (
	RuleOneOfMany SwitchRule = iota
	RuleAtMostOne
	RuleAnyOfMany
)

func (r SwitchRule) String() string {
	switch r {
	case RuleOneOfMany:
		return "OneOfMany"
	case RuleAtMostOne:
		return "AtMostOne"
	case RuleAnyOfMany:
		return "AnyOfMany"
	}
	return fmt.Sprintf("SwitchRule(%d)", int(r))
}

// ParseRule parses a rule attribute value.
func ParseRule(s string) (SwitchRule, error) {
	switch s {
	case "OneOfMany":
		return RuleOneOfMany, nil
	case "AtMostOne":
		return RuleAtMostOne, nil
	case "AnyOfMany":
		return RuleAnyOfMany, nil
	}
	return RuleOneOfMany, fmt.Errorf("unknown switch rule %q", s)
}

// PropertyType identifies the value kind a vector carries.
type PropertyType int

const (
	TypeNumber PropertyType = iota
	TypeText
	TypeSwitch
	TypeLight
	TypeBLOB
)

func (t PropertyType) String() string {
	switch t {
	case TypeNumber:
		return "Number"
	case TypeText:
		return "Text"
	case TypeSwitch:
		return "Switch"
	case TypeLight:
		return "Light"
	case TypeBLOB:
		return "BLOB"
	}
	return fmt.Sprintf("PropertyType(%d)", int(t))
}

// ParseType parses a property type name.
func ParseType(s string) (PropertyType, error) {
	switch s {
	case "Number":
		return TypeNumber, nil
	case "Text":
		return TypeText, nil
	case "Switch":
		return TypeSwitch, nil
	case "Light":
		return TypeLight, nil
	case "BLOB":
		return TypeBLOB, nil
	}
	return TypeNumber, fmt.Errorf("unknown property type %q", s)
}

// Op is the protocol operation a Message represents.
type Op int

const (
	OpDefine Op = iota
	OpSet
	OpNew
	OpDelete
	OpMessage
)

func (o Op) String() string {
	switch o {
	case OpDefine:
		return "define"
	case OpSet:
		return "set"
	case OpNew:
		return "new"
	case OpDelete:
		return "delete"
	case OpMessage:
		return "message"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// ParseOp parses an operation name.
func ParseOp(s string) (Op, error) {
	switch s {
	case "define":
		return OpDefine, nil
	case "set":
		return OpSet, nil
	case "new":
		return OpNew, nil
	case "delete":
		return OpDelete, nil
	case "message":
		return OpMessage, nil
	}
	return OpDefine, fmt.Errorf("unknown operation %q", s)
}

// The enums cross process boundaries as their protocol spellings, not as
// bare integers.

func (s PropertyState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *PropertyState) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (p Perm) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Perm) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParsePerm(v)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (r SwitchRule) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

func (r *SwitchRule) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseRule(v)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (t PropertyType) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *PropertyType) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseType(v)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (o Op) MarshalJSON() ([]byte, error) { return json.Marshal(o.String()) }

func (o *Op) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseOp(v)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
