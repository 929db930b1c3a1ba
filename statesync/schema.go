package statesync

import (
	"errors"
	"fmt"
	"strings"
)

var ErrDuplicateField = errors.New("duplicate field")
var ErrUnknownField = errors.New("unknown field")

type FieldKind int

const (
	// any transmissible value, merged as decoded
	KindAny FieldKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindRecord
	// actions and other callables stored in state. Never synchronized.
	KindFunc
)

var fieldKindNames = map[FieldKind]string{
	KindAny:    "any",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBytes:  "bytes",
	KindList:   "list",
	KindRecord: "record",
	KindFunc:   "func",
}

func (self FieldKind) String() string {
	if name, ok := fieldKindNames[self]; ok {
		return name
	}
	return fmt.Sprintf("FieldKind(%d)", int(self))
}

func ParseFieldKind(kindStr string) (FieldKind, error) {
	kindStr = strings.ToLower(strings.TrimSpace(kindStr))
	if kindStr == "" {
		return KindAny, nil
	}
	for kind, name := range fieldKindNames {
		if name == kindStr {
			return kind, nil
		}
	}
	return KindAny, fmt.Errorf("Unknown field kind: %s", kindStr)
}

type Field struct {
	Name string
	Kind FieldKind
}

// the declared top level fields of a state object.
// Only declared fields are considered for synchronization.
type Schema struct {
	fields       []Field
	fieldIndexes map[string]int
}

func NewSchema(fields ...Field) (*Schema, error) {
	fieldIndexes := map[string]int{}
	for i, field := range fields {
		if field.Name == "" {
			return nil, fmt.Errorf("Field %d has no name", i)
		}
		if _, ok := fieldIndexes[field.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateField, field.Name)
		}
		fieldIndexes[field.Name] = i
	}
	return &Schema{
		fields:       append([]Field{}, fields...),
		fieldIndexes: fieldIndexes,
	}, nil
}

func RequireSchema(fields ...Field) *Schema {
	schema, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return schema
}

// declaration order
func (self *Schema) Fields() []Field {
	return append([]Field{}, self.fields...)
}

func (self *Schema) Field(name string) (Field, bool) {
	i, ok := self.fieldIndexes[name]
	if !ok {
		return Field{}, false
	}
	return self.fields[i], true
}

func (self *Schema) Names() []string {
	names := make([]string, len(self.fields))
	for i, field := range self.fields {
		names[i] = field.Name
	}
	return names
}
