package logstore

import (
	"path/filepath"
	"testing"
)

func ptr(n int64) *int64 { return &n }

func TestApplyLimit(t *testing.T) {
	cases := []struct {
		l, seek  int64
		limit    *int64
		wantSeek int64
		wantLen  int64
	}{
		{10, 0, nil, 0, 10},
		{10, 5, ptr(-3), 7, 3},
		{10, 5, ptr(-17), 5, 5},
		{10, 5, ptr(3), 5, 3},
	}
	for _, c := range cases {
		gotSeek, gotLen := ApplyLimit(c.l, c.seek, c.limit)
		if gotSeek != c.wantSeek || gotLen != c.wantLen {
			t.Errorf("ApplyLimit(%d,%d,%v) = (%d,%d), want (%d,%d)", c.l, c.seek, c.limit, gotSeek, gotLen, c.wantSeek, c.wantLen)
		}
	}
}

func TestAppendAndReadAndDelete(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	relLog := filepath.Join("test-user", "job", "2026", "7", "30", "2026-07-30T00-00-00.000Z", "log")

	for _, chunk := range []string{"Some text. ", "Some more text.\n", "Even more text.\n"} {
		if err := s.Append(relLog, []byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}

	data, total, err := s.Read(relLog, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := "Some text. Some more text.\nEven more text.\n"
	if string(data) != want {
		t.Fatalf("got %q, want %q", data, want)
	}
	if total != int64(len(want)) {
		t.Fatalf("total = %d, want %d", total, len(want))
	}

	entries, err := s.ReadProgressEntries(relLog)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d progress entries", len(entries))
	}

	if err := s.Delete(relLog); err != nil {
		t.Fatal(err)
	}
	if _, total, err := s.Read(relLog, 0, nil); err != nil || total != 0 {
		t.Fatalf("expected log gone after delete, got total=%d err=%v", total, err)
	}
}
