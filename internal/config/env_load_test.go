package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\n\n  C = spaced \n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	m := make(map[string]string)
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			t.Fatalf("malformed pair %q", kv)
		}
		m[k] = v
	}
	if m["A"] != "1" || m["B"] != "two" || m["C"] != "spaced" {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if _, err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestGlobalEnv_Precedence(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.env")
	second := filepath.Join(dir, "second.env")
	if err := os.WriteFile(first, []byte("SHARED=from-first\nORDER=1\nFIRST_ONLY=f\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := os.WriteFile(second, []byte("SHARED=from-second\nORDER=2\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	file := writeConfig(t, `
env = ["SHARED=from-top", "TOP_ONLY=t"]
env_files = ["`+first+`", "`+second+`"]
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m, err := c.GlobalEnv()
	if err != nil {
		t.Fatalf("GlobalEnv: %v", err)
	}
	// Files apply in order, top-level env overrides last.
	if m["FIRST_ONLY"] != "f" || m["TOP_ONLY"] != "t" {
		t.Fatalf("missing entries: %+v", m)
	}
	if m["ORDER"] != "2" {
		t.Fatalf("later file should win: %q", m["ORDER"])
	}
	if m["SHARED"] != "from-top" {
		t.Fatalf("expected top-level override, got %q", m["SHARED"])
	}
}

func TestGlobalEnv_MissingFileFails(t *testing.T) {
	file := writeConfig(t, `
env_files = ["/nonexistent/kodegend.env"]
`)
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.GlobalEnv(); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}
