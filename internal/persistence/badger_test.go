package persistence

import (
	"testing"

	"verity/internal/testutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })

	db, err := Open(sb.Root, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	<-db.Ready()
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if err := db.Put("aa", []byte("cube-a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := db.Get("aa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "cube-a" {
		t.Fatalf("got %q", got)
	}
}

func TestGetMissingKeyReturnsNilNoError(t *testing.T) {
	db := openTestDB(t)
	got, err := db.Get("ff")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing key, got %v", got)
	}
}

func TestDel(t *testing.T) {
	db := openTestDB(t)
	_ = db.Put("bb", []byte("x"))
	if err := db.Del("bb"); err != nil {
		t.Fatalf("del: %v", err)
	}
	got, _ := db.Get("bb")
	if got != nil {
		t.Fatalf("expected nil after delete, got %v", got)
	}
}

func TestIterateRangeAndLimit(t *testing.T) {
	db := openTestDB(t)
	keys := []string{"10", "20", "30", "40", "50"}
	for _, k := range keys {
		if err := db.Put(k, []byte("v-"+k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var seen []string
	err := db.Iterate("20", "50", 0, func(keyHex string, data []byte) bool {
		seen = append(seen, keyHex)
		return true
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	want := []string{"20", "30", "40"}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen[%d] = %s, want %s", i, seen[i], want[i])
		}
	}

	var limited []string
	err = db.Iterate("", "", 2, func(keyHex string, data []byte) bool {
		limited = append(limited, keyHex)
		return true
	})
	if err != nil {
		t.Fatalf("iterate limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 keys under limit, got %d", len(limited))
	}
}

func TestSucceedingKeysWraparound(t *testing.T) {
	db := openTestDB(t)
	for _, k := range []string{"10", "20", "30"} {
		_ = db.Put(k, []byte("v"))
	}

	next, err := db.SucceedingKeys("20", 5, true)
	if err != nil {
		t.Fatalf("succeeding keys: %v", err)
	}
	want := []string{"30", "10", "20"}
	if len(next) != len(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	for i := range want {
		if next[i] != want[i] {
			t.Fatalf("next[%d] = %s, want %s", i, next[i], want[i])
		}
	}

	noWrap, err := db.SucceedingKeys("20", 5, false)
	if err != nil {
		t.Fatalf("succeeding keys no-wrap: %v", err)
	}
	if len(noWrap) != 1 || noWrap[0] != "30" {
		t.Fatalf("noWrap = %v", noWrap)
	}
}

func TestKeyAtPosition(t *testing.T) {
	db := openTestDB(t)
	for _, k := range []string{"cc", "aa", "bb"} {
		_ = db.Put(k, []byte("v"))
	}
	got, err := db.KeyAtPosition(1)
	if err != nil {
		t.Fatalf("key at position: %v", err)
	}
	if got != "bb" {
		t.Fatalf("got %s, want bb", got)
	}

	if _, err := db.KeyAtPosition(99); err == nil {
		t.Fatalf("expected out-of-range error")
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	db := openTestDB(t)
	_ = db.Put("aa", []byte("v"))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := db.Get("aa"); err == nil {
		t.Fatalf("expected error reading from closed db")
	}
	if err := db.Put("bb", []byte("v")); err == nil {
		t.Fatalf("expected error writing to closed db")
	}
}

func TestSchemaHeaderSurvivesReopen(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("new sandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })

	db, err := Open(sb.Root, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = db.Put("aa", []byte("v"))
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := Open(sb.Root, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	var sawSchemaKey bool
	_ = db2.Iterate("", "", 0, func(keyHex string, data []byte) bool {
		if keyHex == schemaHeaderKey {
			sawSchemaKey = true
		}
		return true
	})
	if sawSchemaKey {
		t.Fatalf("schema header key must never surface through Iterate")
	}

	got, err := db2.Get("aa")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected prior data to survive reopen, got %q err=%v", got, err)
	}
}
