//go:build !no_scenario

package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scenarios")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{
			Name:    "Payload Latch",
			Enabled: true,
			Tags:    []string{"eps"},
			Timeout: "10s",
		},
		LuaCode: `harness.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "payload_latch" {
		t.Errorf("id = %q, want payload_latch", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Payload Latch" || !got.Meta.Enabled {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.Meta.Timeout != "10s" || len(got.Meta.Tags) != 1 {
		t.Errorf("meta = %+v", got.Meta)
	}
	if strings.TrimSpace(got.LuaCode) != `harness.log("hello")` {
		t.Errorf("code = %q", got.LuaCode)
	}
}

func TestManagerUniqueIDs(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Save(&Script{Meta: ScriptMeta{Name: "dup"}})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Save(&Script{Meta: ScriptMeta{Name: "dup"}})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Errorf("ids collide: %q", a.ID)
	}
	if b.ID != "dup_1" {
		t.Errorf("second id = %q, want dup_1", b.ID)
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"c", "a", "b"} {
		if _, err := m.Save(&Script{ID: name, Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-lua files are ignored.
	if err := os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 3 {
		t.Fatalf("list count = %d, want 3", len(scripts))
	}
	for i, want := range []string{"a", "b", "c"} {
		if scripts[i].ID != want {
			t.Errorf("scripts[%d] = %q, want %q", i, scripts[i].ID, want)
		}
	}
}

func TestManagerPlainLuaFile(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(filepath.Join(m.Dir(), "plain.lua"), []byte("harness.log(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := m.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "plain" || s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if s.LuaCode != "harness.log(1)\n" {
		t.Errorf("code = %q", s.LuaCode)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Error("expected error after delete")
	}
	if err := m.Delete(s.ID); err == nil {
		t.Error("expected error deleting twice")
	}
}

func TestManagerInvalidIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "../x", "a/b", `a\b`} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) should fail", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q) should fail", id)
		}
		if _, err := m.Save(&Script{ID: id}); err == nil {
			t.Errorf("Save(%q) should fail", id)
		}
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Payload Latch":     "payload_latch",
		"  EPS / cycle!!  ": "eps_cycle",
		"":                  "",
		"a" + strings.Repeat("b", 60): "a" + strings.Repeat("b", 39),
	}
	for in, want := range tests {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManagerHeaderFormat(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "EPS cycle", Enabled: true, Tags: []string{"eps", "latch"}},
		LuaCode: "--- not a header\nharness.log(1)\n",
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "--- name: EPS cycle\n--- enabled: true\n--- tags: [eps, latch]\n\n") {
		t.Errorf("file = %q", data)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LuaCode != "--- not a header\nharness.log(1)\n" {
		t.Errorf("code = %q", got.LuaCode)
	}
}

func TestManagerBadHeader(t *testing.T) {
	m := newTestManager(t)
	if err := os.WriteFile(filepath.Join(m.Dir(), "broken.lua"), []byte("--- name: [x\n\nharness.log(1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("broken"); err == nil {
		t.Error("expected header parse error")
	}
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("broken scenario should be skipped, got %d", len(scripts))
	}
}

func TestManagerListTagged(t *testing.T) {
	m := newTestManager(t)
	for _, s := range []*Script{
		{ID: "a", Meta: ScriptMeta{Tags: []string{"eps"}}},
		{ID: "b", Meta: ScriptMeta{Tags: []string{"comm"}}},
		{ID: "c", Meta: ScriptMeta{Tags: []string{"comm", "eps"}}},
	} {
		if _, err := m.Save(s); err != nil {
			t.Fatal(err)
		}
	}
	scripts, err := m.ListTagged("eps")
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 2 || scripts[0].ID != "a" || scripts[1].ID != "c" {
		t.Errorf("tagged = %+v", scripts)
	}
}

func TestManagerNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get err = %v, want ErrNotFound", err)
	}
	if err := m.Delete("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete err = %v, want ErrNotFound", err)
	}
}
