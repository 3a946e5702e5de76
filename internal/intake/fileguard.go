package intake

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
)

// DefaultMaxAttachmentBytes is the largest accepted attachment (5 MiB).
const DefaultMaxAttachmentBytes int64 = 5 * 1024 * 1024

// DefaultAllowedExtensions lists the image extensions accepted by default.
var DefaultAllowedExtensions = []string{"png", "jpg", "jpeg", "gif", "webp"}

// Attachment is an uploaded file as received from the client.
// DeclaredSize is what the client claimed; it is never trusted.
type Attachment struct {
	OriginalName string
	Content      io.Reader
	DeclaredSize int64
}

// StoredAttachment is an accepted attachment with its on-disk name.
// The payload has been read into memory but not yet written.
type StoredAttachment struct {
	StoredName string
	Path       string

	payload []byte
}

// Size returns the measured payload length.
func (s *StoredAttachment) Size() int64 { return int64(len(s.payload)) }

// Guard checks attachments and places accepted ones under a directory.
type Guard struct {
	dir      string
	maxBytes int64
	allowed  map[string]bool
	now      func() time.Time

	mu      sync.Mutex
	entropy io.Reader
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithMaxBytes overrides DefaultMaxAttachmentBytes.
func WithMaxBytes(n int64) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.maxBytes = n
		}
	}
}

// WithExtensions replaces the allowed extension set. Extensions are
// matched case-insensitively, with or without the leading dot. An empty
// list keeps DefaultAllowedExtensions.
func WithExtensions(exts ...string) GuardOption {
	return func(g *Guard) {
		if set := extensionSet(exts); len(set) > 0 {
			g.allowed = set
		}
	}
}

// NewGuard returns a Guard that stores attachments in dir.
func NewGuard(dir string, opts ...GuardOption) *Guard {
	g := &Guard{
		dir:      filepath.Clean(dir),
		maxBytes: DefaultMaxAttachmentBytes,
		allowed:  extensionSet(DefaultAllowedExtensions),
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func extensionSet(exts []string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			m[e] = true
		}
	}
	return m
}

// Dir returns the directory attachments are stored in.
func (g *Guard) Dir() string { return g.dir }

// MaxBytes returns the attachment size limit.
func (g *Guard) MaxBytes() int64 { return g.maxBytes }

// Accept checks a and returns where it would be stored. A nil attachment
// or one with an empty name is not an error; both return (nil, nil).
// Type is checked before size, and size is measured from the payload.
func (g *Guard) Accept(a *Attachment) (*StoredAttachment, error) {
	if a == nil || a.OriginalName == "" {
		return nil, nil
	}

	base, ext, ok := splitName(a.OriginalName)
	if !ok || !g.allowed[strings.ToLower(ext)] {
		return nil, ErrInvalidFileType
	}

	var payload []byte
	if a.Content != nil {
		var err error
		payload, err = io.ReadAll(io.LimitReader(a.Content, g.maxBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
	}
	if int64(len(payload)) > g.maxBytes {
		return nil, ErrFileTooLarge
	}

	stem := sanitizeName(strings.TrimSuffix(base, "."+ext))
	if stem == "" {
		stem = "file"
	}
	storedName := g.token() + "_" + stem + "." + strings.ToLower(ext)

	p := filepath.Join(g.dir, storedName)
	if filepath.Dir(p) != g.dir {
		return nil, ErrInvalidFileType
	}

	return &StoredAttachment{StoredName: storedName, Path: p, payload: payload}, nil
}

// Write puts the payload on disk. It never overwrites an existing file.
func (g *Guard) Write(s *StoredAttachment) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	if _, err := f.Write(s.payload); err != nil {
		f.Close()
		os.Remove(s.Path)
		return fmt.Errorf("write attachment: %w", err)
	}
	return f.Close()
}

// Discard removes a written attachment. A missing file is not an error.
func (g *Guard) Discard(s *StoredAttachment) error {
	if s == nil {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove attachment: %w", err)
	}
	return nil
}

func (g *Guard) token() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

// splitName returns the base name of a client-supplied path and its final
// extension. ok is false for hidden-file names and names without an
// extension.
func splitName(name string) (base, ext string, ok bool) {
	if strings.HasPrefix(name, ".") {
		return "", "", false
	}
	base = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if strings.HasPrefix(base, ".") {
		return "", "", false
	}
	i := strings.LastIndex(base, ".")
	if i < 0 || i == len(base)-1 {
		return "", "", false
	}
	return base, base[i+1:], true
}

// sanitizeName reduces s to [A-Za-z0-9._-], dropping control characters,
// collapsing runs of '_' and trimming leading dots and underscores.
func sanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if !isSafeRune(r) {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}
	return strings.TrimLeft(b.String(), "._")
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}
