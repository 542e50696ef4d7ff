package config

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count that accepts plain integers or human readable
// sizes such as "10MB" or "1 MiB".
type ByteSize uint64

// ParseByteSize parses a human readable size.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// String formats the size with SI units.
func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	v, err := ParseByteSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.text(), nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (b *ByteSize) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return fmt.Errorf("byte size must not be negative: %d", x)
		}
		*b = ByteSize(x)
		return nil
	case string:
		parsed, err := ParseByteSize(x)
		if err != nil {
			return err
		}
		*b = parsed
		return nil
	default:
		return fmt.Errorf("byte size must be an integer or string, got %T", v)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.text()), nil
}

// text returns the human readable form when it parses back to b, and the
// plain integer otherwise.
func (b ByteSize) text() string {
	s := b.String()
	if v, err := ParseByteSize(s); err == nil && v == b {
		return s
	}
	return strconv.FormatUint(uint64(b), 10)
}
