package objstore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/tunnelmesh/meshdrive/internal/metrics"
)

// Instrumented wraps a Store and records a metric for every call.
type Instrumented struct {
	next    Store
	metrics *metrics.Metrics
}

// NewInstrumented returns next wrapped with call metrics.
func NewInstrumented(next Store, m *metrics.Metrics) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

func (s *Instrumented) record(call string, start time.Time, err error) {
	s.metrics.RecordStoreCall(call, callStatus(err), time.Since(start).Seconds())
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return metrics.StatusOK
	case errors.Is(err, ErrNotFound):
		return metrics.StatusNotFound
	case errors.Is(err, ErrInvalidKey):
		return metrics.StatusInvalid
	case errors.Is(err, ErrUnavailable):
		return metrics.StatusUnavailable
	default:
		return metrics.StatusError
	}
}

func (s *Instrumented) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (ObjectInfo, error) {
	start := time.Now()
	info, err := s.next.Put(ctx, key, r, size, contentType, metadata)
	s.record("put", start, err)
	return info, err
}

func (s *Instrumented) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	start := time.Now()
	rc, info, err := s.next.Get(ctx, key)
	s.record("get", start, err)
	return rc, info, err
}

func (s *Instrumented) Head(ctx context.Context, key string) (ObjectInfo, error) {
	start := time.Now()
	info, err := s.next.Head(ctx, key)
	s.record("head", start, err)
	return info, err
}

func (s *Instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.next.Delete(ctx, key)
	s.record("delete", start, err)
	return err
}

func (s *Instrumented) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	objs, err := s.next.List(ctx, prefix)
	s.record("list", start, err)
	return objs, err
}
