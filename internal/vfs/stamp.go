package vfs

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// StampSource produces the numeric prefix that keeps file keys unique.
type StampSource interface {
	Stamp() (uint64, error)
}

// RandomStamp draws 64 random bits per upload. Keys carry no timing
// information and collide with negligible probability.
type RandomStamp struct {
	Reader io.Reader // defaults to crypto/rand
}

func (s RandomStamp) Stamp() (uint64, error) {
	r := s.Reader
	if r == nil {
		r = rand.Reader
	}
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read stamp entropy: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// TimeStamp uses the upload time in milliseconds since the epoch.
type TimeStamp struct {
	Now func() time.Time // defaults to time.Now
}

func (s TimeStamp) Stamp() (uint64, error) {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	ms := now().UnixMilli()
	if ms < 0 {
		return 0, fmt.Errorf("clock before epoch: %d", ms)
	}
	return uint64(ms), nil
}

// Stamp source names accepted by ParseStampSource.
const (
	StampRandom = "random"
	StampTime   = "time"
)

// ParseStampSource returns the stamp source named by name.
func ParseStampSource(name string) (StampSource, error) {
	switch name {
	case "", StampRandom:
		return RandomStamp{}, nil
	case StampTime:
		return TimeStamp{}, nil
	}
	return nil, fmt.Errorf("unknown stamp source %q", name)
}
