package db

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("creating test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordFragment(t *testing.T) {
	db := testDB(t)

	a := &Fragment{Group: "core::fmt::Debug", Source: "/docs/a.js", ContentHash: "aa", Crates: 2, Records: 3, LoadID: "load-1"}
	b := &Fragment{Group: "core::clone::Clone", Source: "/docs/b.js", ContentHash: "bb", Crates: 1, Records: 0, LoadID: "load-1", RegisteredReady: true}
	for _, f := range []*Fragment{a, b} {
		if err := db.RecordFragment(f); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("list_in_order", func(t *testing.T) {
		got, err := db.ListFragments()
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 rows, got %d", len(got))
		}
		if got[0].Group != a.Group || got[1].Group != b.Group {
			t.Errorf("unexpected order: %s, %s", got[0].Group, got[1].Group)
		}
		if got[0].Crates != 2 || got[0].Records != 3 || got[0].RegisteredReady {
			t.Errorf("unexpected row %+v", got[0])
		}
		if !got[1].RegisteredReady {
			t.Error("expected registered_ready for second row")
		}
		if got[0].RegisteredAt.IsZero() {
			t.Error("registered_at not populated")
		}
	})

	t.Run("get", func(t *testing.T) {
		f, err := db.GetFragment("core::fmt::Debug")
		if err != nil {
			t.Fatal(err)
		}
		if f == nil || f.ContentHash != "aa" {
			t.Fatalf("unexpected fragment %+v", f)
		}
		missing, err := db.GetFragment("core::Missing")
		if err != nil {
			t.Fatal(err)
		}
		if missing != nil {
			t.Error("expected nil for unknown group")
		}
	})

	t.Run("rerecord_replaces", func(t *testing.T) {
		a2 := *a
		a2.ContentHash = "cc"
		a2.LoadID = "load-2"
		if err := db.RecordFragment(&a2); err != nil {
			t.Fatal(err)
		}
		n, err := db.CountFragments()
		if err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("count = %d, want 2", n)
		}
		f, _ := db.GetFragment(a.Group)
		if f.ContentHash != "cc" || f.LoadID != "load-2" {
			t.Errorf("row not replaced: %+v", f)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := db.DeleteFragments(); err != nil {
			t.Fatal(err)
		}
		n, _ := db.CountFragments()
		if n != 0 {
			t.Errorf("count after delete = %d", n)
		}
	})
}
