package schema

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Field type IDs.
const (
	TypeU32    uint8 = 1
	TypeBinary uint8 = 2
)

// Row field names, in wire order.
const (
	FieldSrcBlockStart = "src_block_start"
	FieldDstBlockStart = "dst_block_start"
	FieldSrcBlockLen   = "src_block_len"
	FieldDstBlockLen   = "dst_block_len"
	FieldDurationsMS   = "durations_ms"
)

var (
	ErrShortDescriptor    = errors.New("schema: short descriptor")
	ErrTrailingDescriptor = errors.New("schema: trailing descriptor bytes")
	ErrNameTooLong        = errors.New("schema: field name too long")
)

type Field struct {
	Name string
	Type uint8
}

type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s", e.Reason)
	}
	return fmt.Sprintf("schema: field[%d]=%s: %s", e.Index, e.Field, e.Reason)
}

// tileRow is the only row shape carried by a block.
var tileRow = []Field{
	{FieldSrcBlockStart, TypeU32},
	{FieldDstBlockStart, TypeU32},
	{FieldSrcBlockLen, TypeU32},
	{FieldDstBlockLen, TypeU32},
	{FieldDurationsMS, TypeBinary},
}

var tileRowDescriptor = mustEncode(tileRow)

// TileRow returns a copy of the tile row schema.
func TileRow() []Field {
	out := make([]Field, len(tileRow))
	copy(out, tileRow)
	return out
}

// TileRowDescriptor returns the encoded tile row schema.
func TileRowDescriptor() []byte {
	out := make([]byte, len(tileRowDescriptor))
	copy(out, tileRowDescriptor)
	return out
}

// Encode serializes fields as u8 count, then u8 type, u8 name_len, name per field.
func Encode(fields []Field) ([]byte, error) {
	if len(fields) > 0xff {
		return nil, fmt.Errorf("schema: too many fields: %d", len(fields))
	}
	out := make([]byte, 0, 1+len(fields)*16)
	out = append(out, byte(len(fields)))
	for _, f := range fields {
		if len(f.Name) > 0xff {
			return nil, fmt.Errorf("%w: %q", ErrNameTooLong, f.Name)
		}
		out = append(out, f.Type, byte(len(f.Name)))
		out = append(out, f.Name...)
	}
	return out, nil
}

func Decode(b []byte) ([]Field, error) {
	if len(b) < 1 {
		return nil, ErrShortDescriptor
	}
	n := int(b[0])
	fields := make([]Field, 0, n)
	i := 1
	for range n {
		if len(b)-i < 2 {
			return nil, ErrShortDescriptor
		}
		typ, nameLen := b[i], int(b[i+1])
		i += 2
		if len(b)-i < nameLen {
			return nil, ErrShortDescriptor
		}
		fields = append(fields, Field{Name: string(b[i : i+nameLen]), Type: typ})
		i += nameLen
	}
	if i != len(b) {
		return nil, ErrTrailingDescriptor
	}
	return fields, nil
}

// Validate checks that fields describe exactly the tile row shape.
func Validate(fields []Field) error {
	if len(fields) != len(tileRow) {
		log.Trace().Int("fields", len(fields)).Msg("schema.Validate field count mismatch")
		return ValidationError{Index: -1, Reason: fmt.Sprintf("field count %d, want %d", len(fields), len(tileRow))}
	}
	for i, want := range tileRow {
		got := fields[i]
		if got.Name != want.Name {
			return ValidationError{Index: i, Field: got.Name, Reason: "unexpected field name, want " + want.Name}
		}
		if got.Type != want.Type {
			return ValidationError{Index: i, Field: got.Name, Reason: fmt.Sprintf("type %d, want %d", got.Type, want.Type)}
		}
	}
	return nil
}

// ValidateDescriptor decodes and validates an encoded schema.
// The canonical encoding is compared first since it is the common case.
func ValidateDescriptor(b []byte) error {
	if string(b) == string(tileRowDescriptor) {
		return nil
	}
	fields, err := Decode(b)
	if err != nil {
		return err
	}
	return Validate(fields)
}

func mustEncode(fields []Field) []byte {
	b, err := Encode(fields)
	if err != nil {
		panic(err)
	}
	return b
}
