package record

import (
	"encoding/json"
	"math"
	"strconv"
	"unicode/utf8"

	"github.com/teranos/cellsync/errors"
)

// ValueType tags the variant held by a Value.
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeString
	TypeNumber
	TypeBool
)

var typeNames = [...]string{
	TypeNull:   "null",
	TypeString: "string",
	TypeNumber: "number",
	TypeBool:   "bool",
}

func (t ValueType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "ValueType(" + strconv.Itoa(int(t)) + ")"
}

// ParseValueType accepts the names produced by ValueType.String.
func ParseValueType(s string) (ValueType, error) {
	for i, name := range typeNames {
		if name == s {
			return ValueType(i), nil
		}
	}
	return 0, errors.NewInvalidRequestError("unknown value type %q", s)
}

// Value is a cell payload. Exactly one of its fields is meaningful, selected by
// its type; the zero Value is null.
type Value struct {
	typ ValueType
	str string
	num float64
	b   bool
}

func Null() Value { return Value{} }

func String(s string) Value { return Value{typ: TypeString, str: s} }

// Number holds f; negative zero is stored as zero so equal numbers hash equally.
func Number(f float64) Value {
	if f == 0 {
		f = 0
	}
	return Value{typ: TypeNumber, num: f}
}

func Bool(b bool) Value { return Value{typ: TypeBool, b: b} }

func (v Value) Type() ValueType { return v.typ }
func (v Value) IsNull() bool    { return v.typ == TypeNull }

func (v Value) AsString() (string, bool) { return v.str, v.typ == TypeString }
func (v Value) AsNumber() (float64, bool) { return v.num, v.typ == TypeNumber }
func (v Value) AsBool() (bool, bool)      { return v.b, v.typ == TypeBool }

// Equal compares type and payload.
func (v Value) Equal(o Value) bool {
	return v.typ == o.typ && v.Payload() == o.Payload()
}

// Validate rejects values that have no canonical payload.
func (v Value) Validate() error {
	if v.typ > TypeBool {
		return errors.NewInvalidRequestError("unknown value type %d", v.typ)
	}
	if v.typ == TypeNumber && (math.IsNaN(v.num) || math.IsInf(v.num, 0)) {
		return errors.NewInvalidRequestError("number %v has no canonical form", v.num)
	}
	if v.typ == TypeString && !utf8.ValidString(v.str) {
		return errors.NewInvalidRequestError("string value %q is not valid UTF-8", v.str)
	}
	return nil
}

// Payload is the canonical text form stored in the value column and fed to
// the content hash.
func (v Value) Payload() string {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// ParseValue is the inverse of Payload.
func ParseValue(t ValueType, payload string) (Value, error) {
	switch t {
	case TypeNull:
		return Null(), nil
	case TypeString:
		return String(payload), nil
	case TypeNumber:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return Value{}, errors.Wrapf(errors.ErrInvalidRequest, "number payload %q: %v", payload, err)
		}
		v := Number(f)
		return v, v.Validate()
	case TypeBool:
		b, err := strconv.ParseBool(payload)
		if err != nil {
			return Value{}, errors.Wrapf(errors.ErrInvalidRequest, "bool payload %q: %v", payload, err)
		}
		return Bool(b), nil
	}
	return Value{}, errors.NewInvalidRequestError("unknown value type %d", t)
}

// String renders the value for logs and the CLI.
func (v Value) String() string {
	switch v.typ {
	case TypeString:
		return strconv.Quote(v.str)
	case TypeNull:
		return "null"
	}
	return v.Payload()
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	out := valueJSON{Type: v.typ.String()}
	var err error
	switch v.typ {
	case TypeString:
		out.Value, err = json.Marshal(v.str)
	case TypeNumber:
		out.Value, err = json.Marshal(v.num)
	case TypeBool:
		out.Value, err = json.Marshal(v.b)
	}
	if err != nil {
		return nil, errors.Wrap(err, "marshal value")
	}
	return json.Marshal(out)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	var in valueJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return errors.Wrap(err, "unmarshal value")
	}
	t, err := ParseValueType(in.Type)
	if err != nil {
		return err
	}

	switch t {
	case TypeNull:
		*v = Null()
	case TypeString:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return errors.Wrapf(errors.ErrInvalidRequest, "string value: %v", err)
		}
		*v = String(s)
	case TypeNumber:
		var f float64
		if err := json.Unmarshal(in.Value, &f); err != nil {
			return errors.Wrapf(errors.ErrInvalidRequest, "number value: %v", err)
		}
		*v = Number(f)
	case TypeBool:
		var b bool
		if err := json.Unmarshal(in.Value, &b); err != nil {
			return errors.Wrapf(errors.ErrInvalidRequest, "bool value: %v", err)
		}
		*v = Bool(b)
	}
	return nil
}
