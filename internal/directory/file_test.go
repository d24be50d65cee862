package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

func newFileStore(t *testing.T) (Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st, path
}

func TestFileRoundTrip(t *testing.T) {
	st, path := newFileStore(t)
	ctx := context.Background()

	in := Directory{
		"alice":   telegram.ChatID("111"),
		"bob":     telegram.ChatID("-100222"),
		"channel": telegram.ChatID("@news"),
		"josé":    telegram.ChatID("333"),
	}
	if err := st.Save(ctx, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	doc := string(raw)
	for _, want := range []string{`    "alice": 111`, `"bob": -100222`, `"channel": "@news"`, `"josé": 333`} {
		if !strings.Contains(doc, want) {
			t.Fatalf("document missing %q:\n%s", want, doc)
		}
	}
}

func TestFileLoadTreatsBadDocumentsAsEmpty(t *testing.T) {
	cases := []struct {
		name    string
		content *string
	}{
		{"missing", nil},
		{"empty", ptr("")},
		{"whitespace", ptr("  \n")},
		{"malformed", ptr(`{"alice": 1`)},
		{"wrong shape", ptr(`[1,2,3]`)},
		{"null", ptr(`null`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, path := newFileStore(t)
			if tc.content != nil {
				if err := os.WriteFile(path, []byte(*tc.content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			got, err := st.Load(context.Background())
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Fatalf("Load = %v, want empty non-nil map", got)
			}
		})
	}
}

func TestFileInitCreatesAndRepairs(t *testing.T) {
	ctx := context.Background()

	st, path := newFileStore(t)
	if err := st.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if b, err := os.ReadFile(path); err != nil || strings.TrimSpace(string(b)) != "{}" {
		t.Fatalf("created document = %q, %v", b, err)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := st.Init(ctx); err != nil {
		t.Fatalf("Init over malformed: %v", err)
	}
	if b, _ := os.ReadFile(path); strings.TrimSpace(string(b)) != "{}" {
		t.Fatalf("repaired document = %q", b)
	}

	// A valid document is left untouched.
	if err := st.Save(ctx, Directory{"alice": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Init(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := st.Load(ctx)
	if got["alice"] != "1" {
		t.Fatalf("Init clobbered valid document: %v", got)
	}
}

func TestFileKeepsGoodEntriesOfMixedDocument(t *testing.T) {
	ctx := context.Background()
	st, path := newFileStore(t)
	doc := `{"alice": 111, "bob": 222, "eve": 1.5, "mallory": true, "oscar": {"id": 1}, "zed": "007"}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	want := Directory{
		"alice":   telegram.ChatID("111"),
		"bob":     telegram.ChatID("222"),
		"eve":     telegram.ChatID("1.5"),
		"mallory": telegram.ChatID("true"),
		"zed":     telegram.ChatID("007"),
	}
	got, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Load mismatch (-want +got):\n%s", diff)
	}

	if err := st.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if b, _ := os.ReadFile(path); string(b) != doc {
		t.Fatalf("Init rewrote a valid object:\n%s", b)
	}

	// Entries that only parse as integers with a non-canonical spelling
	// must not break later saves.
	got.Upsert("carol", telegram.ChatID("333"))
	if err := st.Save(ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}
	want["carol"] = telegram.ChatID("333")
	back, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if diff := cmp.Diff(want, back); diff != "" {
		t.Fatalf("reload mismatch (-want +got):\n%s", diff)
	}
}

func TestFileSaveLeavesNoTempFiles(t *testing.T) {
	st, path := newFileStore(t)
	for i := 0; i < 3; i++ {
		if err := st.Save(context.Background(), Directory{"u": telegram.ChatIDFromInt(int64(i))}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "users.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("unexpected files: %v", names)
	}
}

func TestDirectoryHelpers(t *testing.T) {
	d := Directory{}
	if !d.Upsert("bob", "2") || !d.Upsert("alice", "1") {
		t.Fatal("new entries must report change")
	}
	if d.Upsert("alice", "1") {
		t.Fatal("identical upsert must not report change")
	}
	if !d.Upsert("alice", "9") {
		t.Fatal("address change must report change")
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, d.Usernames()); diff != "" {
		t.Fatalf("Usernames (-want +got):\n%s", diff)
	}
	name, addr, ok := d.First()
	if !ok || name != "alice" || addr != "9" {
		t.Fatalf("First = %q %q %v", name, addr, ok)
	}
	if _, _, ok := (Directory{}).First(); ok {
		t.Fatal("First on empty directory must report false")
	}

	c := d.Clone()
	c["carol"] = "3"
	if _, ok := d["carol"]; ok {
		t.Fatal("Clone must not alias")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("err = %v, want ErrUnknownDriver", err)
	}
}

func ptr(s string) *string { return &s }
