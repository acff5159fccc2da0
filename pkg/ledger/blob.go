package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BlobRef is the canonical reference to a spilled blob, stored in place of
// the original text: "blob:<relative/path> sha256:<hex> bytes:<n>".
type BlobRef struct {
	Path   string // relative to the blob dir
	SHA256 string
	Bytes  int64
}

// String renders the canonical reference form.
func (r BlobRef) String() string {
	return fmt.Sprintf("blob:%s sha256:%s bytes:%d", r.Path, r.SHA256, r.Bytes)
}

// ParseBlobRef parses the canonical reference form. ok is false when the
// string is not a blob reference at all.
func ParseBlobRef(s string) (BlobRef, bool) {
	if !strings.HasPrefix(s, "blob:") {
		return BlobRef{}, false
	}
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return BlobRef{}, false
	}
	ref := BlobRef{Path: strings.TrimPrefix(fields[0], "blob:")}
	if !strings.HasPrefix(fields[1], "sha256:") || !strings.HasPrefix(fields[2], "bytes:") {
		return BlobRef{}, false
	}
	ref.SHA256 = strings.TrimPrefix(fields[1], "sha256:")
	n, err := strconv.ParseInt(strings.TrimPrefix(fields[2], "bytes:"), 10, 64)
	if err != nil {
		return BlobRef{}, false
	}
	ref.Bytes = n
	return ref, true
}

// BlobStore is a content-addressed store for spilled event text and chat
// attachments, sharded by the first two hex digits of the sha256.
type BlobStore struct {
	dir string
}

// NewBlobStore returns a blob store rooted at dir.
func NewBlobStore(dir string) *BlobStore {
	return &BlobStore{dir: dir}
}

// Put stores content and returns its reference. Content-addressing makes
// Put idempotent: an existing blob with the same hash is reused.
func (b *BlobStore) Put(data []byte) (BlobRef, error) {
	sum := sha256.Sum256(data)
	hexSum := hex.EncodeToString(sum[:])
	rel := filepath.Join(hexSum[:2], hexSum)
	abs := filepath.Join(b.dir, rel)

	ref := BlobRef{Path: rel, SHA256: hexSum, Bytes: int64(len(data))}
	if _, err := os.Stat(abs); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return BlobRef{}, fmt.Errorf("create blob shard: %w", err)
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return BlobRef{}, fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		return BlobRef{}, fmt.Errorf("commit blob: %w", err)
	}
	return ref, nil
}

// Read returns the content a reference points at.
func (b *BlobStore) Read(ref BlobRef) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, ref.Path))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref.Path, err)
	}
	return data, nil
}

// Resolve returns the original text for a value that may be a blob
// reference; non-references pass through unchanged.
func (b *BlobStore) Resolve(text string) (string, error) {
	ref, ok := ParseBlobRef(text)
	if !ok {
		return text, nil
	}
	data, err := b.Read(ref)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Remove deletes a blob. Used to roll back a spill whose event append
// failed; otherwise blobs are only removed by garbage collection.
func (b *BlobStore) Remove(ref BlobRef) {
	_ = os.Remove(filepath.Join(b.dir, ref.Path))
}
