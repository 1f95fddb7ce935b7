// Package share maps opaque public tokens to object keys. Each token is an
// index object at ".share/{token}" whose body is the target key.
package share

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tunnelmesh/meshdrive/internal/objstore"
)

// Prefix holds every share index object.
const Prefix = ".share/"

// tokenBytes is the amount of entropy in a token.
const tokenBytes = 32

// issueAttempts bounds regeneration when a token is already taken.
const issueAttempts = 3

// maxKeyLen caps how much of an index object is read back.
const maxKeyLen = 4096

// ErrNotFound is returned for every token that cannot be resolved.
var ErrNotFound = errors.New("share not found")

// Index issues and resolves share tokens.
type Index struct {
	store objstore.Store
	rand  io.Reader
}

// NewIndex creates an index backed by store.
func NewIndex(store objstore.Store) *Index {
	return &Index{store: store, rand: rand.Reader}
}

// Issue creates a new token for key. Tokens whose index object already
// exists are discarded and regenerated.
func (x *Index) Issue(ctx context.Context, key string) (string, error) {
	for i := 0; i < issueAttempts; i++ {
		token, err := x.newToken()
		if err != nil {
			return "", err
		}

		_, err = x.store.Head(ctx, indexKey(token))
		if err == nil {
			continue
		}
		if !errors.Is(err, objstore.ErrNotFound) {
			return "", fmt.Errorf("check share token: %w", err)
		}

		if _, err := x.store.Put(ctx, indexKey(token), strings.NewReader(key), int64(len(key)), "text/plain", nil); err != nil {
			return "", fmt.Errorf("write share index: %w", err)
		}
		return token, nil
	}
	return "", errors.New("could not allocate an unused share token")
}

func (x *Index) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(x.rand, b); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Resolve returns the key token points to. Malformed tokens, missing index
// objects and deleted targets all return ErrNotFound.
func (x *Index) Resolve(ctx context.Context, token string) (string, error) {
	if !ValidToken(token) {
		return "", ErrNotFound
	}

	rc, _, err := x.store.Get(ctx, indexKey(token))
	if errors.Is(err, objstore.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read share index: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxKeyLen))
	_ = rc.Close()
	if err != nil {
		return "", fmt.Errorf("read share index: %w", err)
	}

	key := string(data)
	if key == "" {
		return "", ErrNotFound
	}
	if _, err := x.store.Head(ctx, key); err != nil {
		if errors.Is(err, objstore.ErrNotFound) || errors.Is(err, objstore.ErrInvalidKey) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("check share target: %w", err)
	}
	return key, nil
}

// ValidToken reports whether token has the shape Issue produces.
func ValidToken(token string) bool {
	b, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(b) == tokenBytes
}

func indexKey(token string) string {
	return Prefix + token
}
