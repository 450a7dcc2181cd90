package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for keys that could escape the storage root
	// or that name hidden and temporary files.
	ErrInvalidKey = errors.New("invalid object key")
)

// File is an open stored object. *os.File satisfies it.
type File interface {
	io.Reader
	io.ReaderAt
	io.Seeker
	io.Closer
	Stat() (fs.FileInfo, error)
}

// Object describes one stored file
type Object struct {
	Key     string    `json:"filename"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Store keeps audio bytes under flat keys and hands out URLs for them.
type Store interface {
	Put(key string, r io.Reader) (int64, error)
	Open(key string) (File, error)
	Stat(key string) (fs.FileInfo, error)
	List() ([]Object, error)
	Remove(key string) error
	UniqueKey(name string) (string, error)
	URL(key string) string
	SignedURL(key string, ttl time.Duration) string
	VerifySignature(key, expires, signature string) bool
}

// Local is a Store backed by a directory on the local filesystem
type Local struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
}

// NewLocal creates the upload root if needed and returns a store for it.
// baseURL is prefixed to the /stream/ URLs it produces.
func NewLocal(root, baseURL string, secret []byte) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload root: %w", err)
	}
	return &Local{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		now:     time.Now,
	}, nil
}

// path maps a key onto the filesystem, refusing anything but a plain name.
func (l *Local) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || IsTemporary(key) ||
		strings.ContainsAny(key, `/\`) || key != filepath.Base(key) {
		return "", ErrInvalidKey
	}
	return filepath.Join(l.root, key), nil
}

// Put writes r under key, replacing any existing object. Bytes land in a
// hidden temp file first so a reader never sees a partial object.
func (l *Local) Put(key string, r io.Reader) (int64, error) {
	dest, err := l.path(key)
	if err != nil {
		return 0, err
	}

	tmp := filepath.Join(l.root, ".upload-"+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp) // Clean up on error
		return 0, fmt.Errorf("failed to write object: %w", err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to move object into place: %w", err)
	}
	return n, nil
}

// Open opens the object stored under key for reading
func (l *Local) Open(key string) (File, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, ErrNotFound
	}

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// Stat returns file info for the object under key
func (l *Local) Stat(key string) (fs.FileInfo, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, ErrNotFound
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && !info.Mode().IsRegular()) {
		return nil, ErrNotFound
	}
	return info, err
}

// List returns every stored object sorted by key, skipping hidden and
// temporary files.
func (l *Local) List() ([]Object, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload root: %w", err)
	}

	objects := make([]Object, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || IsTemporary(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		objects = append(objects, Object{Key: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Remove deletes the object under key
func (l *Local) Remove(key string) error {
	p, err := l.path(key)
	if err != nil {
		return ErrNotFound
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// UniqueKey sanitizes name and appends a counter until it does not collide
// with an existing object.
func (l *Local) UniqueKey(name string) (string, error) {
	key := SanitizeKey(name)
	ext := filepath.Ext(key)
	base := strings.TrimSuffix(key, ext)

	for counter := 1; ; counter++ {
		p, err := l.path(key)
		if err != nil {
			return "", err
		}
		if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
			return key, nil
		} else if err != nil {
			return "", err
		}
		key = fmt.Sprintf("%s_%d%s", base, counter, ext)
	}
}

// URL returns the public stream URL for key
func (l *Local) URL(key string) string {
	return l.baseURL + "/stream/" + url.PathEscape(key)
}

// SignedURL returns a stream URL that is valid without a session until ttl
// elapses.
func (l *Local) SignedURL(key string, ttl time.Duration) string {
	expires := strconv.FormatInt(l.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", l.sign(key, expires))
	return l.URL(key) + "?" + q.Encode()
}

// VerifySignature checks a signature produced by SignedURL.
func (l *Local) VerifySignature(key, expires, signature string) bool {
	if len(l.secret) == 0 || signature == "" {
		return false
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || l.now().Unix() > exp {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(l.sign(key, expires)))
}

func (l *Local) sign(key, expires string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(key + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// SanitizeKey reduces an uploaded filename to a safe flat key
func SanitizeKey(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))

	unsafe := []string{":", "*", "?", "\"", "<", ">", "|"}
	for _, char := range unsafe {
		name = strings.ReplaceAll(name, char, "_")
	}

	name = strings.TrimLeft(strings.TrimRight(name, ". "), " ")
	if name == "" || name == "/" {
		return "upload"
	}
	// A leading dot would hide the object from listings
	if strings.HasPrefix(name, ".") {
		name = "upload" + name
	}
	return name
}

// IsTemporary reports whether name is a hidden or in-progress file.
func IsTemporary(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}

var _ Store = (*Local)(nil)
