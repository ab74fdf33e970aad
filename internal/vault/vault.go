package vault

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vonshlovens/vaultcal/internal/parser"
)

var (
	// ErrOutsideVault is returned for paths that escape the vault root
	ErrOutsideVault = errors.New("path is outside the vault")
	// ErrExists is returned by Create when the document already exists
	ErrExists = errors.New("document already exists")
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
)

// Vault reads and writes documents below a root directory. Paths are always
// vault-relative and slash separated.
type Vault struct {
	root string
	mu   sync.Mutex
}

// New creates a Vault rooted at root
func New(root string) *Vault {
	return &Vault{root: root}
}

// Root returns the absolute root directory
func (v *Vault) Root() string {
	return v.root
}

// Abs resolves a vault-relative path
func (v *Vault) Abs(rel string) (string, error) {
	clean := path.Clean(filepath.ToSlash(rel))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", fmt.Errorf("%q: %w", rel, ErrOutsideVault)
	}
	return filepath.Join(v.root, filepath.FromSlash(clean)), nil
}

// Read returns the raw content of a document
func (v *Vault) Read(rel string) ([]byte, error) {
	abs, err := v.Abs(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	return data, err
}

// Exists reports whether a document is present
func (v *Vault) Exists(rel string) bool {
	abs, err := v.Abs(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// ModTime returns the modification time of a document
func (v *Vault) ModTime(rel string) (time.Time, error) {
	abs, err := v.Abs(rel)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Write replaces the document content atomically, creating parent folders
func (v *Vault) Write(rel string, content []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.write(rel, content)
}

// Create writes a new document and fails with ErrExists if one is present
func (v *Vault) Create(rel string, content []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	abs, err := v.Abs(rel)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); err == nil {
		return fmt.Errorf("%s: %w", rel, ErrExists)
	}
	return v.write(rel, content)
}

// Delete removes a document
func (v *Vault) Delete(rel string) error {
	abs, err := v.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return err
	}
	return nil
}

// Patch applies a frontmatter patch and returns the previous content so the
// caller can restore it.
func (v *Vault) Patch(rel string, set parser.Metadata, remove []string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	abs, err := v.Abs(rel)
	if err != nil {
		return nil, err
	}
	before, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return nil, err
	}

	patched, err := parser.PatchFrontmatter(string(before), set, remove)
	if err != nil {
		return nil, fmt.Errorf("patch %s: %w", rel, err)
	}
	if patched == string(before) {
		return before, nil
	}
	if err := v.write(rel, []byte(patched)); err != nil {
		return nil, err
	}
	return before, nil
}

// UniquePath returns a free document path for title inside folder. A numeric
// suffix is added when the name is taken.
func (v *Vault) UniquePath(folder, title string) string {
	name := SanitizeFilename(title)
	if name == "" {
		name = "Untitled"
	}
	folder = strings.Trim(filepath.ToSlash(folder), "/")

	candidate := path.Join(folder, name+".md")
	for i := 2; v.Exists(candidate); i++ {
		candidate = path.Join(folder, name+" "+strconv.Itoa(i)+".md")
	}
	return candidate
}

// write performs an atomic write: temp file in the same directory, then rename
func (v *Vault) write(rel string, content []byte) error {
	abs, err := v.Abs(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".vaultcal-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, abs)
}

// SanitizeFilename strips characters that are unsafe in file names
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '#', '^', '[', ']':
			b.WriteRune(' ')
		default:
			if r >= 0x20 {
				b.WriteRune(r)
			}
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
