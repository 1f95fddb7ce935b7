package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// diskMeta is the sidecar metadata stored next to each object body.
type diskMeta struct {
	ObjectInfo
	Compressed bool `json:"compressed,omitempty"`
}

// Disk is a Store backed by a local directory.
// Directory structure:
//
//	{dataDir}/
//	  meta/
//	    {key}.json    # object metadata
//	  data/
//	    {key}.obj     # object body, optionally zstd compressed
type Disk struct {
	dataDir  string
	compress bool
	mu       sync.RWMutex
}

// DiskOptions configures a Disk store.
type DiskOptions struct {
	Compress bool // zstd-compress object bodies at rest
}

// NewDisk creates a disk store rooted at dataDir.
func NewDisk(dataDir string, opts DiskOptions) (*Disk, error) {
	for _, sub := range []string{"meta", "data"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &Disk{dataDir: dataDir, compress: opts.Compress}, nil
}

// DataDir returns the data directory path.
func (d *Disk) DataDir() string {
	return d.dataDir
}

// validateKey rejects keys that could escape the data directory.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: null bytes not allowed", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") || filepath.IsAbs(key) {
		return fmt.Errorf("%w: absolute paths not allowed", ErrInvalidKey)
	}
	for _, sep := range []string{"/", "\\"} {
		for _, part := range strings.Split(key, sep) {
			if part == ".." || part == "." {
				return fmt.Errorf("%w: path traversal not allowed", ErrInvalidKey)
			}
		}
	}
	return nil
}

func (d *Disk) metaPath(key string) string {
	return filepath.Join(d.dataDir, "meta", filepath.FromSlash(key)+".json")
}

func (d *Disk) dataPath(key string) string {
	return filepath.Join(d.dataDir, "data", filepath.FromSlash(key)+".obj")
}

// Put writes the object body to a temp file, then renames it into place and
// writes the metadata sidecar.
func (d *Disk) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return ObjectInfo{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dataPath := d.dataPath(key)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return ObjectInfo{}, unavailable("put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(d.metaPath(key)), 0755); err != nil {
		return ObjectInfo{}, unavailable("put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dataPath), ".upload-*")
	if err != nil {
		return ObjectInfo{}, unavailable("put", key, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	hasher := md5.New()
	written, err := d.writeBody(ctx, tmp, io.TeeReader(r, hasher))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return ObjectInfo{}, unavailable("put", key, err)
	}
	if size >= 0 && written != size {
		return ObjectInfo{}, fmt.Errorf("put %q: short body: wrote %d of %d bytes", key, written, size)
	}

	if err := os.Rename(tmpName, dataPath); err != nil {
		return ObjectInfo{}, unavailable("put", key, err)
	}

	meta := diskMeta{
		ObjectInfo: ObjectInfo{
			Key:          key,
			Size:         written,
			ContentType:  contentType,
			ETag:         fmt.Sprintf("\"%s\"", hex.EncodeToString(hasher.Sum(nil))),
			LastModified: time.Now().UTC(),
			Metadata:     metadata,
		},
		Compressed: d.compress,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("marshal object meta: %w", err)
	}
	if err := os.WriteFile(d.metaPath(key), data, 0644); err != nil {
		return ObjectInfo{}, unavailable("put", key, err)
	}

	return meta.ObjectInfo, nil
}

// writeBody copies r into w, compressing when configured, and returns the
// number of plaintext bytes consumed.
func (d *Disk) writeBody(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	src := &ctxReader{ctx: ctx, r: r}
	if !d.compress {
		return io.Copy(w, src)
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return 0, fmt.Errorf("create zstd encoder: %w", err)
	}
	n, err := io.Copy(enc, src)
	if err != nil {
		_ = enc.Close()
		return n, err
	}
	return n, enc.Close()
}

// ctxReader aborts a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Get opens the object body for reading.
func (d *Disk) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, ObjectInfo{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	meta, err := d.readMeta(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	f, err := os.Open(d.dataPath(key))
	if os.IsNotExist(err) {
		return nil, ObjectInfo{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, ObjectInfo{}, unavailable("get", key, err)
	}
	if !meta.Compressed {
		return f, meta.ObjectInfo, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, ObjectInfo{}, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &decodingReader{dec: dec, f: f}, meta.ObjectInfo, nil
}

// decodingReader closes both the decoder and the underlying file.
type decodingReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *decodingReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *decodingReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// Head returns object metadata without the body.
func (d *Disk) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return ObjectInfo{}, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	meta, err := d.readMeta(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return meta.ObjectInfo, nil
}

// readMeta reads object metadata (caller must hold lock).
func (d *Disk) readMeta(key string) (*diskMeta, error) {
	data, err := os.ReadFile(d.metaPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("read meta", key, err)
	}

	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal object meta: %w", err)
	}
	return &meta, nil
}

// Delete removes an object and prunes directories left empty.
func (d *Disk) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	metaPath := d.metaPath(key)
	if err := os.Remove(metaPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %q: %w", key, ErrNotFound)
		}
		return unavailable("delete", key, err)
	}
	dataPath := d.dataPath(key)
	if err := os.Remove(dataPath); err != nil && !os.IsNotExist(err) {
		return unavailable("delete", key, err)
	}

	d.pruneEmptyDirs(filepath.Dir(metaPath), filepath.Join(d.dataDir, "meta"))
	d.pruneEmptyDirs(filepath.Dir(dataPath), filepath.Join(d.dataDir, "data"))
	return nil
}

// pruneEmptyDirs removes dir and its parents up to (not including) stop
// while they are empty.
func (d *Disk) pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// List returns every object whose key starts with prefix.
func (d *Disk) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	metaRoot := filepath.Join(d.dataDir, "meta")

	// Start walking at the deepest directory the prefix names.
	walkRoot := metaRoot
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		walkRoot = filepath.Join(metaRoot, filepath.FromSlash(prefix[:i]))
	}

	var objects []ObjectInfo
	err := filepath.Walk(walkRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		rel, err := filepath.Rel(metaRoot, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(strings.TrimSuffix(rel, ".json"))
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// Deleted between the directory read and here.
				return nil
			}
			return err
		}
		var meta diskMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		objects = append(objects, meta.ObjectInfo)
		return nil
	})
	if err != nil {
		return nil, unavailable("list", prefix, err)
	}

	return objects, nil
}
