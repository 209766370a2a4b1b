package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name   string `yaml:"name"`
	Worker string `yaml:"worker"`
}

var errNoName = errors.New("name is required")

func (s *sample) Validate() error {
	if s.Name == "" {
		return errNoName
	}
	return nil
}

func TestExpand(t *testing.T) {
	t.Setenv("KILN_SET", "value")
	t.Setenv("KILN_EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"${KILN_SET}", "value"},
		{"$KILN_SET/x", "value/x"},
		{"${KILN_UNSET_FOR_TEST}", ""},
		{"${KILN_UNSET_FOR_TEST:-main}", "main"},
		{"${KILN_EMPTY:-main}", "main"},
		{"${KILN_SET:-main}", "value"},
		{"$${slug}", "${slug}"},
		{"$.nodes[*]", "$.nodes[*]"},
	}
	for _, tc := range tests {
		if got := Expand(tc.in); got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("KILN_TEST_NAME", "site")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("name: ${KILN_TEST_NAME}\nworker: ${KILN_TEST_WORKER:-main}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got sample
	if err := Load(path, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "site" || got.Worker != "main" {
		t.Errorf("loaded %+v", got)
	}
}

func TestDecode_UnknownField(t *testing.T) {
	var got sample
	err := Decode([]byte("name: a\nnmae: b\n"), &got)
	if err == nil || !strings.Contains(err.Error(), "nmae") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestDecode_RunsValidator(t *testing.T) {
	var got sample
	if err := Decode([]byte("worker: w\n"), &got); !errors.Is(err, errNoName) {
		t.Fatalf("err = %v, want %v", err, errNoName)
	}
}

func TestDecode_EmptyDocumentKeepsDefaults(t *testing.T) {
	got := sample{Name: "default"}
	if err := Decode([]byte(""), &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "default" {
		t.Errorf("name = %q", got.Name)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	dir := t.TempDir()
	def := filepath.Join(dir, "default.yaml")
	if err := os.WriteFile(def, []byte("name: fallback\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got sample
	if err := LoadWithDefaults(filepath.Join(dir, "missing.yaml"), def, &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "fallback" {
		t.Errorf("name = %q", got.Name)
	}

	if err := LoadWithDefaults(filepath.Join(dir, "missing.yaml"), "", &got); err == nil {
		t.Error("expected error without default file")
	}
}
