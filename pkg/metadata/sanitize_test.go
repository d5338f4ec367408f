package metadata

import (
	"reflect"
	"testing"
)

func TestSanitizeVersionSentinels(t *testing.T) {
	tests := []struct {
		name  string
		entry map[string]any
		field string
		want  any
	}{
		{
			name:  "object field becomes empty object",
			entry: map[string]any{"require": "__unset"},
			field: "require",
			want:  map[string]any{},
		},
		{
			name:  "autoload-dev becomes empty object",
			entry: map[string]any{"autoload-dev": "__unset"},
			field: "autoload-dev",
			want:  map[string]any{},
		},
		{
			name:  "array field becomes empty array",
			entry: map[string]any{"license": "__unset"},
			field: "license",
			want:  []any{},
		},
		{
			name:  "keywords becomes empty array",
			entry: map[string]any{"keywords": "__unset"},
			field: "keywords",
			want:  []any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SanitizeVersion(tt.entry)
			if got := tt.entry[tt.field]; !reflect.DeepEqual(got, tt.want) {
				t.Errorf("%s = %#v, want %#v", tt.field, got, tt.want)
			}
		})
	}
}

func TestSanitizeVersionDropsUnknownSentinel(t *testing.T) {
	entry := map[string]any{
		"description": "__unset",
		"version":     "1.0.0",
	}
	SanitizeVersion(entry)
	if _, ok := entry["description"]; ok {
		t.Error("sentinel on a non-collection field should drop the key")
	}
	if entry["version"] != "1.0.0" {
		t.Error("unrelated field modified")
	}
}

func TestSanitizeVersionSource(t *testing.T) {
	tests := []struct {
		name   string
		source any
		keep   bool
	}{
		{name: "valid object kept", source: map[string]any{"type": "git", "url": "https://example.com/r.git"}, keep: true},
		{name: "string removed", source: "__unset", keep: false},
		{name: "null removed", source: nil, keep: false},
		{name: "number removed", source: 42.0, keep: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := map[string]any{"source": tt.source}
			SanitizeVersion(entry)
			_, ok := entry["source"]
			if ok != tt.keep {
				t.Errorf("source present = %v, want %v", ok, tt.keep)
			}
		})
	}
}

func TestSanitizeVersionLeavesRealValues(t *testing.T) {
	entry := map[string]any{
		"require":  map[string]any{"php": ">=8.1"},
		"license":  []any{"MIT"},
		"keywords": []any{"cache"},
	}
	SanitizeVersion(entry)
	if !reflect.DeepEqual(entry["require"], map[string]any{"php": ">=8.1"}) {
		t.Error("real require clobbered")
	}
	if !reflect.DeepEqual(entry["license"], []any{"MIT"}) {
		t.Error("real license clobbered")
	}
}
