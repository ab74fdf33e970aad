package watcher

import "testing"

func TestFilter(t *testing.T) {
	f := Filter{
		Ignore:  []string{".obsidian", "**/.trash", "Templates/**"},
		Include: []string{"**/*.md"},
	}

	tests := []struct {
		path    string
		allowed bool
	}{
		{"Events/a.md", true},
		{"a.md", true},
		{".obsidian/workspace.md", false},
		{"Archive/.trash/old.md", false},
		{"Templates/event.md", false},
		{"Events/image.png", false},
	}

	for _, tt := range tests {
		if got := f.Allows(tt.path); got != tt.allowed {
			t.Errorf("Allows(%q) = %v, want %v", tt.path, got, tt.allowed)
		}
	}
}

func TestFilter_EmptyIncludeTakesAll(t *testing.T) {
	f := Filter{}
	if !f.Allows("anything/at/all.txt") {
		t.Error("empty filter should allow every path")
	}
}
