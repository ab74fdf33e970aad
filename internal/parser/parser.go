package parser

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/vonshlovens/vaultcal/internal/config"
)

var errInvalidUTF8 = errors.New("content is not valid UTF-8")

// Document is a fully parsed event document
type Document struct {
	Event      ParsedEvent
	Body       string
	RawContent string
}

// Parser turns vault documents into events using a field mapping
type Parser struct {
	fields config.FieldsConfig
}

// NewParser creates a new Parser instance
func NewParser(fields config.FieldsConfig) *Parser {
	return &Parser{fields: fields}
}

// Fields returns the frontmatter key mapping in use
func (p *Parser) Fields() config.FieldsConfig {
	return p.fields
}

// ParseFile reads and parses the document at root/relPath
func (p *Parser) ParseFile(root, relPath string) (*Document, error) {
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, err
	}

	return p.ParseContent(relPath, string(content))
}

// ParseContent parses document content. Only malformed frontmatter is an
// error; every well-formed document yields an event.
func (p *Parser) ParseContent(relPath string, content string) (*Document, error) {
	if !utf8.ValidString(content) {
		return nil, &ParseError{Path: relPath, Err: errInvalidUTF8}
	}

	meta, body, err := ParseFrontmatter(content)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = relPath
		}
		return nil, err
	}

	return &Document{
		Event:      Parse(relPath, meta, p.fields),
		Body:       body,
		RawContent: content,
	}, nil
}

// HasUserContent reports whether a document carries data beyond what the
// calendar fields describe: a non-empty body or frontmatter keys that are not
// part of the field mapping.
func (p *Parser) HasUserContent(doc *Document) bool {
	if strings.TrimSpace(doc.Body) != "" {
		return true
	}
	known := p.knownKeys()
	for key := range doc.Event.Metadata {
		if !known[key] {
			return true
		}
	}
	return false
}

func (p *Parser) knownKeys() map[string]bool {
	f := p.fields
	return map[string]bool{
		f.Start: true, f.End: true, f.Date: true, f.AllDay: true,
		f.Title: true, f.Skip: true, f.RecurrenceType: true,
		f.RecurrenceSpec: true, f.RecurrenceGroupID: true,
		f.InstanceDate: true, f.FutureInstances: true,
		f.RecurrenceOff: true, f.Source: true, f.CalendarSync: true,
	}
}

// IsEventDocument reports whether relPath names a markdown document
func IsEventDocument(relPath string) bool {
	return strings.EqualFold(filepath.Ext(relPath), ".md")
}
