// Package keycodec maps the user-visible folder hierarchy onto flat object keys.
//
// Key layout:
//
//	{owner}/{parent...}/{stamp}-{name}          # file
//	{owner}/{parent...}/{name}/.foldermarker    # folder
//
// The stamp is a decimal integer that keeps file keys unique when the same
// name is uploaded more than once into the same folder.
package keycodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MarkerSuffix is the final segment of every folder marker key.
const MarkerSuffix = ".foldermarker"

// Separator joins key segments.
const Separator = "/"

// ErrInvalidName is returned for empty names, names containing a separator,
// and keys the codec cannot decode.
var ErrInvalidName = errors.New("invalid name")

// Path is an ordered list of folder names from the owner root.
// The zero value is the root.
type Path []string

// Root is the owner's top-level folder.
var Root = Path(nil)

// ParsePath splits a slash separated folder path and validates each segment.
// Leading and trailing slashes are ignored; "" and "/" yield Root.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(s, Separator)
	if s == "" {
		return Root, nil
	}
	parts := strings.Split(s, Separator)
	for _, p := range parts {
		if err := ValidateName(p); err != nil {
			return nil, fmt.Errorf("path %q: %w", s, err)
		}
	}
	return Path(parts), nil
}

// MustParsePath is like ParsePath but panics on error.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String joins the path with slashes. Root renders as "".
func (p Path) String() string {
	return strings.Join(p, Separator)
}

// IsRoot reports whether p names the owner root.
func (p Path) IsRoot() bool {
	return len(p) == 0
}

// Child returns a new path with name appended.
func (p Path) Child(name string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, name)
}

// Equal reports whether both paths name the same folder.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether p equals prefix or lies beneath it.
func (p Path) HasPrefix(prefix Path) bool {
	if len(p) < len(prefix) {
		return false
	}
	return prefix.Equal(p[:len(prefix)])
}

// ValidateName checks a single file, folder or owner name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	case strings.Contains(name, Separator) || strings.Contains(name, "\\"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: null bytes not allowed", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// ValidateOwner checks an owner ID. Owners may not start with a dot, which
// keeps the owner namespace apart from internal prefixes such as ".share/".
func ValidateOwner(owner string) error {
	if err := ValidateName(owner); err != nil {
		return err
	}
	if strings.HasPrefix(owner, ".") {
		return fmt.Errorf("%w: owner %q may not start with a dot", ErrInvalidName, owner)
	}
	return nil
}

// OwnerPrefix returns the key prefix under which every object of owner lives.
func OwnerPrefix(owner string) string {
	return owner + Separator
}

// FolderPrefix returns the key prefix shared by every descendant of folder.
func FolderPrefix(owner string, folder Path) string {
	if folder.IsRoot() {
		return OwnerPrefix(owner)
	}
	return owner + Separator + folder.String() + Separator
}

// EncodeFileKey builds the storage key of a file.
func EncodeFileKey(owner string, parent Path, name string, stamp uint64) string {
	return FolderPrefix(owner, parent) + strconv.FormatUint(stamp, 10) + "-" + name
}

// EncodeFolderMarkerKey builds the key of the marker object for folder name
// inside parent.
func EncodeFolderMarkerKey(owner string, parent Path, name string) string {
	return FolderPrefix(owner, parent) + name + Separator + MarkerSuffix
}

// Decoded is the hierarchy information recovered from a key.
type Decoded struct {
	Owner    string
	Parent   Path
	Name     string
	IsFolder bool
}

// Path returns the full logical path of the decoded entry.
func (d Decoded) Path() Path {
	return d.Parent.Child(d.Name)
}

// DecodeKey reverses EncodeFileKey and EncodeFolderMarkerKey.
func DecodeKey(key string) (Decoded, error) {
	parts := strings.Split(key, Separator)
	if len(parts) < 2 {
		return Decoded{}, fmt.Errorf("%w: key has no owner segment", ErrInvalidName)
	}
	for _, p := range parts {
		if p == "" {
			return Decoded{}, fmt.Errorf("%w: key contains an empty segment", ErrInvalidName)
		}
	}

	d := Decoded{Owner: parts[0]}
	last := parts[len(parts)-1]

	if last == MarkerSuffix {
		if len(parts) < 3 {
			return Decoded{}, fmt.Errorf("%w: marker without folder segment", ErrInvalidName)
		}
		d.IsFolder = true
		d.Name = parts[len(parts)-2]
		d.Parent = pathOf(parts[1 : len(parts)-2])
		return d, nil
	}

	d.Name = StripStamp(last)
	d.Parent = pathOf(parts[1 : len(parts)-1])
	return d, nil
}

// StripStamp removes a leading "{digits}-" prefix from a stored file name.
// Names without such a prefix are returned unchanged.
func StripStamp(segment string) string {
	i := 0
	for i < len(segment) && segment[i] >= '0' && segment[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(segment) || segment[i] != '-' {
		return segment
	}
	return segment[i+1:]
}

func pathOf(segs []string) Path {
	if len(segs) == 0 {
		return Root
	}
	out := make(Path, len(segs))
	copy(out, segs)
	return out
}
