package catalog

import (
	"context"
	"path/filepath"
	"testing"
)

func testRow(seq int64, dir string) Row {
	return Row{
		Sequence:      seq,
		Path:          filepath.Join(dir, "chunk.flr"),
		StartNanos:    seq * 1000,
		DurationNanos: 500,
		SizeBytes:     100 * seq,
		Records:       10,
		UserBytes:     80 * seq,
		LostDropped:   seq,
		LostDiscarded: 2 * seq,
	}
}

func TestCatalog_AppendAndReload(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := int64(1); i <= 3; i++ {
		row := testRow(i, dir)
		row.Path = filepath.Join(dir, string(rune('a'+i))+".flr")
		if err := c.Append(row); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	c.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rows := reopened.Rows()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows after reload, got %d", len(rows))
	}
	if rows[2].SizeBytes != 300 || rows[0].Sequence != 1 {
		t.Errorf("unexpected rows %+v", rows)
	}

	if err := reopened.Forget([]string{rows[0].Path}); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if got := len(reopened.Rows()); got != 2 {
		t.Errorf("expected 2 rows after Forget, got %d", got)
	}
}

func TestCatalog_Query(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if res, err := c.Query(ctx, "SELECT * FROM chunks"); err != nil || res != nil {
		t.Fatalf("empty catalog query should return nothing, got %v %v", res, err)
	}

	for i := int64(1); i <= 4; i++ {
		if err := c.Append(testRow(i, dir)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	totals, err := c.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	want := Totals{Chunks: 4, SizeBytes: 1000, UserBytes: 800, LostDropped: 10, LostDiscarded: 20}
	if totals != want {
		t.Errorf("Totals = %+v, want %+v", totals, want)
	}

	res, err := c.Query(ctx, "SELECT sequence FROM chunks WHERE size_bytes > ? ORDER BY sequence", 250)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(res))
	}
	if asInt64(res[0]["sequence"]) != 3 {
		t.Errorf("expected sequence 3 first, got %v", res[0]["sequence"])
	}
}

func TestCatalog_FindEscapesPattern(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	names := []string{"a_b.flr", "axb.flr", "100%.flr", "1000.flr"}
	for i, name := range names {
		row := testRow(int64(i+1), dir)
		row.Path = filepath.Join(dir, name)
		if err := c.Append(row); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	ctx := context.Background()
	tests := []struct {
		match string
		want  []int64
	}{
		{"a_b", []int64{1}},
		{"100%", []int64{3}},
		{".flr", []int64{1, 2, 3, 4}},
		{"missing", nil},
	}
	for _, tt := range tests {
		rows, err := c.Find(ctx, tt.match)
		if err != nil {
			t.Fatalf("Find(%q): %v", tt.match, err)
		}
		if len(rows) != len(tt.want) {
			t.Errorf("Find(%q) = %d rows, want %d", tt.match, len(rows), len(tt.want))
			continue
		}
		for i, r := range rows {
			if r.Sequence != tt.want[i] {
				t.Errorf("Find(%q)[%d] = %d, want %d", tt.match, i, r.Sequence, tt.want[i])
			}
		}
	}
}
