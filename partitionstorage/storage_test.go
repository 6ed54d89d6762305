package partitionstorage

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/toga4/tablepoll"
)

func testOffsetStorageRoundTrip(t *testing.T, ctx context.Context, storage tablepoll.OffsetStorage) {
	t.Helper()

	got, err := storage.ReadOffsets(ctx, []string{"incident", "problem"})
	if err != nil {
		t.Fatalf("ReadOffsets() on empty storage: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadOffsets() on empty storage = %v, want empty", got)
	}

	first := map[string]tablepoll.Watermark{
		"incident": {Timestamp: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Identifier: "a1"},
		"problem":  {Timestamp: time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	if err := storage.WriteOffsets(ctx, first); err != nil {
		t.Fatalf("WriteOffsets(%v): %v", first, err)
	}

	second := map[string]tablepoll.Watermark{
		"incident": {Timestamp: time.Date(2023, 1, 1, 0, 0, 10, 0, time.UTC), Identifier: "b2"},
	}
	if err := storage.WriteOffsets(ctx, second); err != nil {
		t.Fatalf("WriteOffsets(%v): %v", second, err)
	}

	got, err = storage.ReadOffsets(ctx, []string{"incident", "problem", "change"})
	if err != nil {
		t.Fatalf("ReadOffsets(): %v", err)
	}
	want := map[string]tablepoll.Watermark{
		"incident": second["incident"],
		"problem":  first["problem"],
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadOffsets(): (-want, +got)\n%s", diff)
	}

	got, err = storage.ReadOffsets(ctx, []string{"problem"})
	if err != nil {
		t.Fatalf("ReadOffsets(): %v", err)
	}
	if diff := cmp.Diff(map[string]tablepoll.Watermark{"problem": first["problem"]}, got); diff != "" {
		t.Errorf("ReadOffsets(problem): (-want, +got)\n%s", diff)
	}
}
