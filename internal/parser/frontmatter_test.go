package parser

import (
	"errors"
	"strings"
	"testing"
)

func TestParseFrontmatter_Basic(t *testing.T) {
	content := `---
title: Standup
start: 2025-01-06T09:00:00
tags:
  - work
---
Notes for the meeting.
`

	meta, body, err := ParseFrontmatter(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if meta["title"] != "Standup" {
		t.Errorf("expected title 'Standup', got %v", meta["title"])
	}

	// yaml.v3 keeps timestamp-like scalars as strings when decoding into any
	if meta["start"] != "2025-01-06T09:00:00" {
		t.Errorf("expected raw start string, got %#v", meta["start"])
	}

	if _, ok := meta["tags"].([]any); !ok {
		t.Errorf("expected tags to be a sequence, got %T", meta["tags"])
	}

	expected := "Notes for the meeting.\n"
	if body != expected {
		t.Errorf("expected body %q, got %q", expected, body)
	}
}

func TestParseFrontmatter_NoFrontmatter(t *testing.T) {
	content := "Just some content without frontmatter."

	meta, body, err := ParseFrontmatter(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(meta) != 0 {
		t.Errorf("expected empty metadata, got %v", meta)
	}

	if body != content {
		t.Errorf("expected body %q, got %q", content, body)
	}
}

func TestParseFrontmatter_Empty(t *testing.T) {
	meta, body, err := ParseFrontmatter("---\n---\nbody\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(meta) != 0 {
		t.Errorf("expected empty metadata, got %v", meta)
	}
	if body != "body\n" {
		t.Errorf("expected body %q, got %q", "body\n", body)
	}
}

func TestParseFrontmatter_Malformed(t *testing.T) {
	content := "---\ntitle: [unclosed\n---\nbody\n"

	_, _, err := ParseFrontmatter(content)
	if err == nil {
		t.Fatal("expected parse error")
	}

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Errorf("expected *ParseError, got %T", err)
	}
}

func TestHasFrontmatter(t *testing.T) {
	tests := []struct {
		content  string
		expected bool
	}{
		{"---\ntitle: test\n---\nbody", true},
		{"no frontmatter here", false},
		{"---\ntitle: test\n---", true},
		{"--- not frontmatter", false},
		{"---\r\ntitle: test\r\n---\r\nbody", true},
	}

	for _, tt := range tests {
		result := HasFrontmatter(tt.content)
		if result != tt.expected {
			t.Errorf("HasFrontmatter(%q) = %v, want %v", tt.content, result, tt.expected)
		}
	}
}

func TestPatchFrontmatter_PreservesOrderAndBody(t *testing.T) {
	content := `---
title: Standup
start: "2025-01-06T09:00:00"
custom: keep me
---
Body text
`

	out, err := PatchFrontmatter(content, Metadata{"start": "2025-01-06T10:00:00", "end": "2025-01-06T11:00:00"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	titleIdx := strings.Index(out, "title:")
	startIdx := strings.Index(out, "start:")
	customIdx := strings.Index(out, "custom:")
	endIdx := strings.Index(out, "end:")
	if !(titleIdx < startIdx && startIdx < customIdx && customIdx < endIdx) {
		t.Errorf("expected existing keys in place and new keys appended, got:\n%s", out)
	}

	if !strings.HasSuffix(out, "---\nBody text\n") {
		t.Errorf("expected body to be preserved, got:\n%s", out)
	}

	meta, _, err := ParseFrontmatter(out)
	if err != nil {
		t.Fatalf("patched document does not parse: %v", err)
	}
	if meta["start"] != "2025-01-06T10:00:00" {
		t.Errorf("expected start to be updated, got %v", meta["start"])
	}
}

func TestPatchFrontmatter_Remove(t *testing.T) {
	content := "---\ntitle: A\nskip: true\n---\n"

	out, err := PatchFrontmatter(content, nil, []string{"skip", "missing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	meta, _, _ := ParseFrontmatter(out)
	if _, ok := meta["skip"]; ok {
		t.Errorf("expected skip to be removed, got %v", meta)
	}
	if meta["title"] != "A" {
		t.Errorf("expected title to survive, got %v", meta["title"])
	}
}

func TestNewDocument(t *testing.T) {
	out, err := NewDocument(Metadata{"title": "New", "date": "2025-02-01"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !HasFrontmatter(out) {
		t.Fatalf("expected frontmatter, got %q", out)
	}

	meta, body, err := ParseFrontmatter(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta["title"] != "New" || meta["date"] != "2025-02-01" {
		t.Errorf("unexpected metadata: %v", meta)
	}
	if body != "" {
		t.Errorf("expected empty body, got %q", body)
	}
}
