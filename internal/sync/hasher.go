package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/vonshlovens/vaultcal/internal/parser"
)

// HashDocument hashes document content without its sync block, so that
// bookkeeping written by the sync engine (etag, timestamps) does not read as
// a local edit.
func HashDocument(content []byte, syncKey string) string {
	stripped, err := parser.PatchFrontmatter(string(content), nil, []string{syncKey})
	if err != nil {
		return HashContent(content)
	}
	return HashString(stripped)
}

// HashContent computes SHA256 hash of content bytes
func HashContent(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// HashString computes SHA256 hash of a string
func HashString(content string) string {
	return HashContent([]byte(content))
}

// HashSeries folds the hashes of a template's physical instances into the
// template's own hash. A template without instances keeps its document hash.
func HashSeries(templateHash string, instanceHashes []string) string {
	if len(instanceHashes) == 0 {
		return templateHash
	}
	sorted := append([]string(nil), instanceHashes...)
	sort.Strings(sorted)
	return HashString(templateHash + "\n" + strings.Join(sorted, "\n"))
}
