// Package bytesize parses and formats byte sizes for configuration files.
//
// Sizes use binary units: "10GB" is 10 * 1024^3 bytes. The explicit IEC
// spellings ("10GiB") and SI spellings with a trailing "B" after a decimal
// unit are accepted too, but plain KB/MB/GB/TB always mean powers of 1024.
package bytesize

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Common byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// binaryAliases maps the short spellings to their IEC form.
var binaryAliases = map[string]string{
	"k": "ki", "kb": "kib",
	"m": "mi", "mb": "mib",
	"g": "gi", "gb": "gib",
	"t": "ti", "tb": "tib",
}

// Size is a byte count that reads and writes as a human-readable string.
type Size int64

// Parse parses a byte size string like "100MB", "1.5GB", or "1024" into bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative size not allowed: %q", s)
	}

	i := strings.IndexFunc(s, unicode.IsLetter)
	if i >= 0 {
		num, unit := s[:i], strings.ToLower(s[i:])
		if alias, ok := binaryAliases[unit]; ok {
			unit = alias
		}
		s = strings.TrimSpace(num) + " " + unit
	}

	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(v), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) int64 {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format formats a byte count into a human-readable string, e.g. "10 GiB".
func Format(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

// Int64 returns the size in bytes.
func (s Size) Int64() int64 { return int64(s) }

func (s Size) String() string { return Format(int64(s)) }

// UnmarshalYAML accepts either a bare integer byte count or a size string.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	v, err := Parse(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = Size(v)
	return nil
}

// MarshalYAML writes the size in its human-readable form.
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}
