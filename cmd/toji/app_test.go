package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/weaver/Toji/internal/config"
)

const accountSchema = `type: record
name: Account
fields:
  - {name: username, type: string, unique: true, not_empty: true}
  - {name: age, type: [int, "null"], index: true}
`

func newApp(t *testing.T, in string) (*app, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "account.yaml")
	if err := os.WriteFile(path, []byte(accountSchema), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.Backend = "jsonl"
	cfg.DataDir = t.TempDir()
	cfg.Schemas = []string{path}
	cfg.Metrics = true
	out := &bytes.Buffer{}
	a := &app{
		cfg: &cfg,
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		in:  strings.NewReader(in),
		out: out,
	}
	return a, out
}

func TestApp(t *testing.T) {
	ctx := t.Context()
	a, out := newApp(t, "{\"username\":\"bob\",\"age\":30,\"id\":\"b1\"}\n\n{\"username\":\"ann\",\"id\":\"a1\"}\n")
	if err := a.run(ctx, []string{"put", "Account"}); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "Account/b1\nAccount/a1\n" {
		t.Errorf("put = %q", got)
	}

	out.Reset()
	if err := a.get(ctx, []string{"Account/b1"}); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["username"] != "bob" || got["age"] != float64(30) || got["id"] != "b1" {
		t.Errorf("get = %v", got)
	}

	out.Reset()
	if err := a.dump(ctx, "%Account."); err != nil {
		t.Fatal(err)
	}
	if want := "%Account.username{ann}\tAccount/a1\n%Account.username{bob}\tAccount/b1\n"; out.String() != want {
		t.Errorf("dump = %q", out.String())
	}

	a.in = strings.NewReader(`{"username":"bob"}`)
	if err := a.put(ctx, "Account"); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("duplicate username: %v", err)
	}
	if err := a.put(ctx, "Nope"); err == nil {
		t.Error("unknown type should fail")
	}
	if err := a.run(ctx, []string{"rm", "Account/a1"}); err != nil {
		t.Fatal(err)
	}
	if err := a.get(ctx, []string{"Account/a1"}); err == nil {
		t.Error("removed record is still readable")
	}
	if err := a.run(ctx, []string{"compact"}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(a.cfg.DataDir, "toji.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if s := string(data); strings.Contains(s, `"d":true`) || strings.Contains(s, "Account/a1") {
		t.Errorf("journal after compaction = %s", s)
	}
	if err := a.close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestSchema(t *testing.T) {
	a, out := newApp(t, "")
	if err := a.schema(a.cfg.Schemas); err != nil {
		t.Fatal(err)
	}
	var s map[string]any
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatal(err)
	}
	if s["name"] != "Account" {
		t.Errorf("schema = %v", s)
	}

	out.Reset()
	a.jsonSchema = true
	if err := a.schema(a.cfg.Schemas); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "json-schema.org") {
		t.Errorf("jsonschema = %s", out.String())
	}
	if err := a.schema(nil); err == nil {
		t.Error("expected error without files")
	}
	if err := a.run(t.Context(), []string{"frobnicate"}); err == nil {
		t.Error("unknown command should fail")
	}
}
