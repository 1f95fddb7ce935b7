package vfs

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/meshdrive/internal/keycodec"
	"github.com/tunnelmesh/meshdrive/internal/metadata"
	"github.com/tunnelmesh/meshdrive/internal/metrics"
	"github.com/tunnelmesh/meshdrive/internal/objstore"
	"github.com/tunnelmesh/meshdrive/internal/quota"
	"github.com/tunnelmesh/meshdrive/internal/share"
)

// shareNotFound is the single error text for every failed share lookup.
const shareNotFound = "share not found"

// Share returns a public token for the file at key. A token already recorded
// in the metadata index is returned again; otherwise a new one is issued.
func (s *Service) Share(ctx context.Context, owner, key string) (token string, err error) {
	const op = "share"
	start := time.Now()
	defer func() {
		s.metrics.RecordOp(op, statusOf(err), time.Since(start).Seconds())
		s.audit.LogShareIssue(owner, key, resultOf(err), detailsOf(err))
	}()

	d, err := ownedKey(op, owner, key)
	if err != nil {
		return "", err
	}
	if d.IsFolder {
		return "", newError(KindInvalidName, op, "folders cannot be shared")
	}
	if _, err := s.store.Head(ctx, key); err != nil {
		return "", classify(op, err)
	}

	if s.index != nil {
		existing, err := s.index.TokenFor(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("metadata index token lookup failed")
		} else if existing != "" {
			return existing, nil
		}
	}

	token, err = s.shares.Issue(ctx, key)
	if err != nil {
		return "", classify(op, err)
	}
	if s.index != nil {
		if err := s.index.SetToken(ctx, key, token); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("metadata index token update failed")
		}
	}
	return token, nil
}

// Resolve returns the key a share token points to. Unknown, malformed and
// dangling tokens all fail with the same KindNotFound error.
func (s *Service) Resolve(ctx context.Context, token string) (key string, err error) {
	const op = "resolve"
	start := time.Now()
	defer func() {
		s.metrics.RecordOp(op, statusOf(err), time.Since(start).Seconds())
		s.audit.LogShareAccess(op, resultOf(err))
	}()

	return s.resolve(ctx, op, token)
}

func (s *Service) resolve(ctx context.Context, op, token string) (string, error) {
	key, err := s.shares.Resolve(ctx, token)
	if errors.Is(err, share.ErrNotFound) {
		return "", newError(KindNotFound, op, shareNotFound)
	}
	if err != nil {
		return "", &Error{Kind: KindStoreUnavailable, Op: op, Msg: "share lookup failed"}
	}
	return key, nil
}

// Open streams the content of a file owned by owner. The caller must close
// the returned reader.
func (s *Service) Open(ctx context.Context, owner, key string) (rc io.ReadCloser, entry Entry, err error) {
	const op = "open"
	start := time.Now()
	defer func() { s.observe(op, owner, key, start, err) }()

	d, err := ownedKey(op, owner, key)
	if err != nil {
		return nil, Entry{}, err
	}
	return s.open(ctx, op, key, d)
}

// OpenShared streams the file a share token points to.
func (s *Service) OpenShared(ctx context.Context, token string) (rc io.ReadCloser, entry Entry, err error) {
	const op = "open_shared"
	start := time.Now()
	defer func() {
		s.metrics.RecordOp(op, statusOf(err), time.Since(start).Seconds())
		s.audit.LogShareAccess(op, resultOf(err))
	}()

	key, err := s.resolve(ctx, op, token)
	if err != nil {
		return nil, Entry{}, err
	}
	d, err := keycodec.DecodeKey(key)
	if err != nil {
		return nil, Entry{}, newError(KindNotFound, op, shareNotFound)
	}
	rc, entry, err = s.open(ctx, op, key, d)
	if KindOf(err) == KindNotFound || KindOf(err) == KindInvalidName {
		return nil, Entry{}, newError(KindNotFound, op, shareNotFound)
	}
	return rc, entry, err
}

func (s *Service) open(ctx context.Context, op, key string, d keycodec.Decoded) (io.ReadCloser, Entry, error) {
	if d.IsFolder {
		return nil, Entry{}, newError(KindInvalidName, op, "cannot open a folder")
	}
	rc, info, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, Entry{}, classify(op, err)
	}
	if name := info.Metadata[objstore.MetaDisplayName]; name != "" {
		d.Name = name
	}
	s.metrics.RecordDownload(info.Size)
	return rc, s.entryFromObject(info, d), nil
}

// Usage reports the owner's storage use against their quota.
func (s *Service) Usage(ctx context.Context, owner string) (st quota.Stats, err error) {
	const op = "usage"
	start := time.Now()
	defer func() { s.observe(op, owner, "", start, err) }()

	if err := validateOwner(op, owner); err != nil {
		return quota.Stats{}, err
	}
	st, err = s.quota.Usage(ctx, owner)
	if err != nil {
		return quota.Stats{}, classify(op, err)
	}
	return st, nil
}

// UsageSnapshot implements metrics.UsageReporter.
func (s *Service) UsageSnapshot(ctx context.Context, owner string) (metrics.UsageSnapshot, error) {
	st, err := s.quota.Usage(ctx, owner)
	if err != nil {
		return metrics.UsageSnapshot{}, err
	}
	return metrics.UsageSnapshot{UsedBytes: st.UsedBytes, LimitBytes: st.MaxBytes}, nil
}

// Reindex rebuilds the metadata index for owner from the object store
// listing and returns the number of entries indexed.
func (s *Service) Reindex(ctx context.Context, owner string) (n int, err error) {
	const op = "reindex"
	start := time.Now()
	defer func() { s.observe(op, owner, "", start, err) }()

	if s.index == nil {
		return 0, errors.New("reindex: metadata index is not configured")
	}
	if err := validateOwner(op, owner); err != nil {
		return 0, err
	}

	objs, err := s.store.List(ctx, keycodec.OwnerPrefix(owner))
	if err != nil {
		return 0, classify(op, err)
	}

	var (
		mu   sync.Mutex
		recs []metadata.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, obj := range objs {
		d, err := keycodec.DecodeKey(obj.Key)
		if err != nil || d.Owner != owner {
			log.Debug().Str("key", obj.Key).Msg("skipping undecodable key")
			continue
		}

		obj := obj
		g.Go(func() error {
			// Listings carry no content type or display name.
			if !d.IsFolder {
				info, err := s.store.Head(gctx, obj.Key)
				if errors.Is(err, objstore.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				obj.ContentType = info.ContentType
				if name := info.Metadata[objstore.MetaDisplayName]; name != "" {
					d.Name = name
				}
			}
			rec := recordFromEntry(s.entryFromObject(obj, d))

			mu.Lock()
			recs = append(recs, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, classify(op, err)
	}

	if err := s.index.ReplaceOwner(ctx, owner, recs); err != nil {
		return 0, &Error{Kind: KindStoreUnavailable, Op: op, Msg: "metadata index", Err: err}
	}

	log.Info().Str("owner", owner).Int("entries", len(recs)).Msg("metadata index rebuilt")
	return len(recs), nil
}
