package parser

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// frontmatterRegex matches YAML frontmatter between --- delimiters
	frontmatterRegex = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n?---[ \t]*(?:\r?\n|$)`)
)

// Metadata holds every key of a document's frontmatter block
type Metadata map[string]any

// Clone returns a shallow copy of m
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the metadata keys in sorted order
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseError reports a document whose metadata block could not be decoded
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse frontmatter: %v", e.Err)
	}
	return fmt.Sprintf("parse frontmatter %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SplitFrontmatter separates the raw YAML block from the body.
// found is false when content has no frontmatter.
func SplitFrontmatter(content string) (raw string, body string, found bool) {
	match := frontmatterRegex.FindStringSubmatch(content)
	if match == nil {
		return "", content, false
	}
	return match[1], content[len(match[0]):], true
}

// ParseFrontmatter extracts and parses YAML frontmatter from content
func ParseFrontmatter(content string) (Metadata, string, error) {
	raw, body, found := SplitFrontmatter(content)
	if !found || strings.TrimSpace(raw) == "" {
		return Metadata{}, body, nil
	}

	var fields map[string]any
	if err := yaml.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, content, &ParseError{Err: err}
	}
	if fields == nil {
		fields = make(map[string]any)
	}

	return Metadata(fields), body, nil
}

// HasFrontmatter checks if content has YAML frontmatter
func HasFrontmatter(content string) bool {
	return frontmatterRegex.MatchString(content)
}

// PatchFrontmatter rewrites the frontmatter of content, setting the keys in
// set and deleting the keys in remove. Existing keys keep their position,
// new keys are appended in sorted order and the body is left untouched.
func PatchFrontmatter(content string, set Metadata, remove []string) (string, error) {
	raw, body, found := SplitFrontmatter(content)

	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if found && strings.TrimSpace(raw) != "" {
		var doc yaml.Node
		if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
			return "", &ParseError{Err: err}
		}
		if len(doc.Content) > 0 {
			if doc.Content[0].Kind != yaml.MappingNode {
				return "", &ParseError{Err: fmt.Errorf("frontmatter is not a mapping")}
			}
			mapping = doc.Content[0]
		}
	}

	for _, key := range remove {
		deleteKey(mapping, key)
	}

	for _, key := range set.Keys() {
		var value yaml.Node
		if err := value.Encode(set[key]); err != nil {
			return "", fmt.Errorf("encode %q: %w", key, err)
		}
		setKey(mapping, key, &value)
	}

	return RenderDocument(mapping, body)
}

// NewDocument renders a document with the given metadata and body
func NewDocument(meta Metadata, body string) (string, error) {
	return PatchFrontmatter(body, meta, nil)
}

// RenderDocument serializes a frontmatter mapping followed by body
func RenderDocument(mapping *yaml.Node, body string) (string, error) {
	var sb strings.Builder
	sb.WriteString("---\n")
	if len(mapping.Content) > 0 {
		out, err := yaml.Marshal(mapping)
		if err != nil {
			return "", fmt.Errorf("marshal frontmatter: %w", err)
		}
		sb.Write(out)
	}
	sb.WriteString("---\n")
	sb.WriteString(body)
	return sb.String(), nil
}

func setKey(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

func deleteKey(mapping *yaml.Node, key string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content = append(mapping.Content[:i], mapping.Content[i+2:]...)
			return
		}
	}
}
