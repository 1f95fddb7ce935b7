// Package vfs implements hierarchical folders and files on top of a flat
// object store. Folders are zero-byte marker objects; files are keyed by
// owner, parent path and a stamp-prefixed name (see package keycodec).
package vfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/meshdrive/internal/keycodec"
	"github.com/tunnelmesh/meshdrive/internal/logging/audit"
	"github.com/tunnelmesh/meshdrive/internal/metadata"
	"github.com/tunnelmesh/meshdrive/internal/metrics"
	"github.com/tunnelmesh/meshdrive/internal/objstore"
	"github.com/tunnelmesh/meshdrive/internal/quota"
	"github.com/tunnelmesh/meshdrive/internal/share"
)

// DefaultDeleteConcurrency bounds parallel descendant deletes.
const DefaultDeleteConcurrency = 8

// sniffLen is how much of an upload is inspected to guess its content type.
const sniffLen = 3072

// PublicURL builds public object URLs as https://{Container}.{Endpoint}/{key}.
type PublicURL struct {
	Container string
	Endpoint  string
}

// Options configures a Service.
type Options struct {
	Store             objstore.Store   // required
	Quota             *quota.Ledger    // nil means unlimited
	Shares            *share.Index     // defaults to an index in Store
	Index             *metadata.Index  // optional metadata index
	Stamps            StampSource      // defaults to RandomStamp
	MaxUploadSize     int64            // 0 = unlimited
	DeleteConcurrency int              // defaults to DefaultDeleteConcurrency
	PublicURL         PublicURL        // empty Container disables URLs
	Metrics           *metrics.Metrics // defaults to unregistered metrics
	Audit             *audit.Logger    // defaults to a no-op logger
}

// Service is the virtual filesystem. It holds no per-owner state and is safe
// for concurrent use.
type Service struct {
	store       objstore.Store
	quota       *quota.Ledger
	shares      *share.Index
	index       *metadata.Index
	stamps      StampSource
	maxUpload   int64
	concurrency int
	publicURLs  PublicURL
	metrics     *metrics.Metrics
	audit       *audit.Logger
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("vfs: object store is required")
	}

	s := &Service{
		store:       opts.Store,
		quota:       opts.Quota,
		shares:      opts.Shares,
		index:       opts.Index,
		stamps:      opts.Stamps,
		maxUpload:   opts.MaxUploadSize,
		concurrency: opts.DeleteConcurrency,
		publicURLs:  opts.PublicURL,
		metrics:     opts.Metrics,
		audit:       opts.Audit,
	}
	if s.quota == nil {
		s.quota = quota.NewLedger(s.usageSource(), 0, nil)
	}
	if s.shares == nil {
		s.shares = share.NewIndex(opts.Store)
	}
	if s.stamps == nil {
		s.stamps = RandomStamp{}
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultDeleteConcurrency
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.audit == nil {
		s.audit = audit.NewLogger(zerolog.Nop())
	}
	return s, nil
}

// usageSource returns the metadata index when configured, otherwise a store
// listing scan.
func (s *Service) usageSource() quota.UsageSource {
	if s.index != nil {
		return s.index
	}
	return quota.StoreUsage{Store: s.store}
}

// observe records metrics and an audit entry for a finished operation.
func (s *Service) observe(op, owner, key string, start time.Time, err error) {
	s.metrics.RecordOp(op, statusOf(err), time.Since(start).Seconds())
	s.audit.LogFileOp(owner, op, key, resultOf(err), detailsOf(err))
}

func statusOf(err error) string {
	if err == nil {
		return metrics.StatusOK
	}
	switch KindOf(err) {
	case KindNotFound:
		return metrics.StatusNotFound
	case KindQuotaExceeded:
		return metrics.StatusQuota
	case KindInvalidName:
		return metrics.StatusInvalid
	case KindTooLarge:
		return metrics.StatusTooLarge
	case KindStoreUnavailable:
		return metrics.StatusUnavailable
	}
	return metrics.StatusError
}

func resultOf(err error) string {
	switch KindOf(err) {
	case KindUnknown:
		if err == nil {
			return audit.ResultAllowed
		}
		return audit.ResultFailed
	case KindStoreUnavailable:
		return audit.ResultFailed
	}
	return audit.ResultDenied
}

func detailsOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func validateOwner(op, owner string) error {
	if err := keycodec.ValidateOwner(owner); err != nil {
		return &Error{Kind: KindInvalidName, Op: op, Err: err}
	}
	return nil
}

func validatePath(op string, p keycodec.Path) error {
	for _, seg := range p {
		if err := keycodec.ValidateName(seg); err != nil {
			return &Error{Kind: KindInvalidName, Op: op, Err: err}
		}
	}
	return nil
}

// requireFolder fails with KindNotFound unless folder is the root or its
// marker exists.
func (s *Service) requireFolder(ctx context.Context, op, owner string, folder keycodec.Path) error {
	if folder.IsRoot() {
		return nil
	}
	marker := keycodec.EncodeFolderMarkerKey(owner, folder[:len(folder)-1], folder[len(folder)-1])
	if _, err := s.store.Head(ctx, marker); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return newError(KindNotFound, op, fmt.Sprintf("folder %q does not exist", folder.String()))
		}
		return classify(op, err)
	}
	return nil
}

// ownedKey decodes key and checks it lies in owner's namespace. Keys of other
// owners are reported as not found.
func ownedKey(op, owner, key string) (keycodec.Decoded, error) {
	if err := validateOwner(op, owner); err != nil {
		return keycodec.Decoded{}, err
	}
	if !strings.HasPrefix(key, keycodec.OwnerPrefix(owner)) {
		return keycodec.Decoded{}, newError(KindNotFound, op, "entry not found")
	}
	d, err := keycodec.DecodeKey(key)
	if err != nil {
		return keycodec.Decoded{}, &Error{Kind: KindInvalidName, Op: op, Err: err}
	}
	return d, nil
}

func (s *Service) publicURL(key string) string {
	if s.publicURLs.Container == "" || s.publicURLs.Endpoint == "" {
		return ""
	}
	segs := strings.Split(key, keycodec.Separator)
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return "https://" + s.publicURLs.Container + "." + s.publicURLs.Endpoint + "/" + strings.Join(segs, "/")
}

// mirror writes e into the metadata index. Failures are logged only; the
// index can be rebuilt with Reindex.
func (s *Service) mirror(ctx context.Context, e Entry) {
	if s.index == nil {
		return
	}
	if err := s.index.Upsert(ctx, recordFromEntry(e)); err != nil {
		log.Warn().Err(err).Str("key", e.Key).Msg("metadata index update failed")
	}
}

// UploadRequest describes a file upload.
type UploadRequest struct {
	Owner       string
	ParentPath  keycodec.Path
	Name        string
	Content     io.Reader
	Size        int64
	ContentType string // sniffed from the content when empty
}

// Upload stores a new file and returns its entry.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (entry Entry, err error) {
	const op = "upload"
	start := time.Now()
	defer func() { s.observe(op, req.Owner, entry.Key, start, err) }()

	if err := validateOwner(op, req.Owner); err != nil {
		return Entry{}, err
	}
	if err := validatePath(op, req.ParentPath); err != nil {
		return Entry{}, err
	}
	if err := keycodec.ValidateName(req.Name); err != nil {
		return Entry{}, &Error{Kind: KindInvalidName, Op: op, Err: err}
	}
	if req.Size < 0 {
		return Entry{}, newError(KindInvalidName, op, "content size must not be negative")
	}
	if s.maxUpload > 0 && req.Size > s.maxUpload {
		return Entry{}, newError(KindTooLarge, op, fmt.Sprintf("%d bytes exceeds the %d byte limit", req.Size, s.maxUpload))
	}
	if err := s.requireFolder(ctx, op, req.Owner, req.ParentPath); err != nil {
		return Entry{}, err
	}

	ok, err := s.quota.Reserve(ctx, req.Owner, req.Size)
	if err != nil {
		return Entry{}, classify(op, err)
	}
	if !ok {
		s.audit.LogQuota(req.Owner, req.Size, s.quota.Limit(req.Owner), audit.ResultDenied)
		return Entry{}, newError(KindQuotaExceeded, op, fmt.Sprintf("%d more bytes would exceed the quota", req.Size))
	}

	stamp, err := s.stamps.Stamp()
	if err != nil {
		return Entry{}, &Error{Kind: KindUnknown, Op: op, Msg: "stamp", Err: err}
	}
	key := keycodec.EncodeFileKey(req.Owner, req.ParentPath, req.Name, stamp)

	body := req.Content
	contentType := req.ContentType
	if contentType == "" {
		contentType, body, err = sniff(body)
		if err != nil {
			return Entry{}, &Error{Kind: KindUnknown, Op: op, Msg: "read content", Err: err}
		}
	}

	meta := map[string]string{
		objstore.MetaDisplayName:        req.Name,
		objstore.MetaContentDisposition: mime.FormatMediaType("attachment", map[string]string{"filename": req.Name}),
	}
	info, err := s.store.Put(ctx, key, body, req.Size, contentType, meta)
	if err != nil {
		return Entry{}, classify(op, err)
	}
	if info.LastModified.IsZero() {
		info.LastModified = time.Now().UTC()
	}
	info.Size = req.Size
	info.ContentType = contentType

	entry = s.entryFromObject(info, keycodec.Decoded{Owner: req.Owner, Parent: req.ParentPath, Name: req.Name})
	s.mirror(ctx, entry)
	s.metrics.RecordUpload(req.Size)

	log.Debug().Str("owner", req.Owner).Str("key", key).Int64("size", req.Size).Msg("uploaded file")
	return entry, nil
}

// sniff detects the content type from the first bytes of r and returns a
// reader that still yields the full content.
func sniff(r io.Reader) (string, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", nil, err
	}
	head = head[:n]
	return mimetype.Detect(head).String(), io.MultiReader(bytes.NewReader(head), r), nil
}

// List returns the direct children of parent, folders first, then by name.
func (s *Service) List(ctx context.Context, owner string, parent keycodec.Path) (entries []Entry, err error) {
	const op = "list"
	start := time.Now()
	defer func() { s.observe(op, owner, "", start, err) }()

	if err := validateOwner(op, owner); err != nil {
		return nil, err
	}
	if err := validatePath(op, parent); err != nil {
		return nil, err
	}

	if s.index != nil {
		recs, err := s.index.Children(ctx, owner, parent.String())
		if err != nil {
			return nil, &Error{Kind: KindStoreUnavailable, Op: op, Msg: "metadata index", Err: err}
		}
		for _, r := range recs {
			entries = append(entries, s.entryFromRecord(r))
		}
	} else {
		objs, err := s.store.List(ctx, keycodec.FolderPrefix(owner, parent))
		if err != nil {
			return nil, classify(op, err)
		}
		for _, obj := range objs {
			d, err := keycodec.DecodeKey(obj.Key)
			if err != nil {
				log.Debug().Err(err).Str("key", obj.Key).Msg("skipping undecodable key")
				continue
			}
			if d.Owner != owner || !d.Parent.Equal(parent) {
				continue
			}
			entries = append(entries, s.entryFromObject(obj, d))
		}
	}

	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsFolder != entries[j].IsFolder {
			return entries[i].IsFolder
		}
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Key < entries[j].Key
	})
}

// CreateFolder writes the folder marker for name inside parent. Creating an
// existing folder rewrites the same marker and succeeds.
func (s *Service) CreateFolder(ctx context.Context, owner string, parent keycodec.Path, name string) (entry Entry, err error) {
	const op = "create_folder"
	start := time.Now()
	defer func() { s.observe(op, owner, entry.Key, start, err) }()

	if err := validateOwner(op, owner); err != nil {
		return Entry{}, err
	}
	if err := validatePath(op, parent); err != nil {
		return Entry{}, err
	}
	if err := keycodec.ValidateName(name); err != nil {
		return Entry{}, &Error{Kind: KindInvalidName, Op: op, Err: err}
	}
	if err := s.requireFolder(ctx, op, owner, parent); err != nil {
		return Entry{}, err
	}

	key := keycodec.EncodeFolderMarkerKey(owner, parent, name)
	info, err := s.store.Put(ctx, key, bytes.NewReader(nil), 0, FolderContentType, nil)
	if err != nil {
		return Entry{}, classify(op, err)
	}
	if info.LastModified.IsZero() {
		info.LastModified = time.Now().UTC()
	}

	entry = s.entryFromObject(info, keycodec.Decoded{Owner: owner, Parent: parent, Name: name, IsFolder: true})
	s.mirror(ctx, entry)
	return entry, nil
}

// DeleteEntry removes a file, or a folder with everything beneath it.
//
// Folder descendants are deleted independently with bounded concurrency;
// individual failures are logged and counted but do not stop the delete. The
// marker goes last, and only a marker failure is returned, so a failed
// delete can simply be retried.
func (s *Service) DeleteEntry(ctx context.Context, owner, key string) (err error) {
	const op = "delete"
	start := time.Now()
	defer func() { s.observe(op, owner, key, start, err) }()

	d, err := ownedKey(op, owner, key)
	if err != nil {
		return err
	}

	if !d.IsFolder {
		return s.deleteObject(ctx, op, key)
	}

	folder := d.Path()
	deleted, failed, err := s.deleteDescendants(ctx, owner, folder)
	if err != nil {
		return classify(op, err)
	}
	// Only rows whose objects are confirmed gone leave the index; survivors
	// keep listing and counting against quota.
	for _, k := range deleted {
		s.unindex(ctx, k)
	}
	if failed > 0 {
		s.metrics.RecordDeleteFailures(failed)
		log.Warn().Str("owner", owner).Str("folder", folder.String()).Int("failed", failed).
			Msg("some folder contents could not be deleted")
	}

	return s.deleteObject(ctx, op, key)
}

// deleteObject removes one object and its index row. A missing object also
// drops the row, since the store decides existence.
func (s *Service) deleteObject(ctx context.Context, op, key string) error {
	err := s.store.Delete(ctx, key)
	if err == nil || errors.Is(err, objstore.ErrNotFound) {
		s.unindex(ctx, key)
	}
	if err != nil {
		return classify(op, err)
	}
	return nil
}

// deleteDescendants removes every entry beneath folder. It returns the keys
// that are gone (already missing counts) and the number of deletes that
// failed. A listing failure aborts before anything is deleted.
func (s *Service) deleteDescendants(ctx context.Context, owner string, folder keycodec.Path) ([]string, int, error) {
	objs, err := s.store.List(ctx, keycodec.FolderPrefix(owner, folder))
	if err != nil {
		return nil, 0, err
	}

	var (
		failed  atomic.Int64
		mu      sync.Mutex
		deleted []string
	)
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, obj := range objs {
		d, err := keycodec.DecodeKey(obj.Key)
		if err != nil {
			log.Debug().Err(err).Str("key", obj.Key).Msg("skipping undecodable key")
			continue
		}
		if d.Owner != owner || !d.Parent.HasPrefix(folder) {
			continue
		}

		key := obj.Key
		g.Go(func() error {
			err := s.store.Delete(ctx, key)
			if err != nil && !errors.Is(err, objstore.ErrNotFound) {
				failed.Add(1)
				log.Warn().Err(err).Str("key", key).Msg("failed to delete folder content")
				return nil
			}
			mu.Lock()
			deleted = append(deleted, key)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return deleted, int(failed.Load()), nil
}

func (s *Service) unindex(ctx context.Context, key string) {
	if s.index == nil {
		return
	}
	if err := s.index.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("metadata index delete failed")
	}
}
