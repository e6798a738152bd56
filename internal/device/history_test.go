package device

import (
	"context"
	"testing"
	"time"
)

func TestHistoryRepository(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if err := NewSQLiteRepository(db).Create(ctx, testRecord("sys-1", "a")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	hist := NewHistoryRepository(db)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	changes := []PowerChange{
		{SystemID: "sys-1", From: PowerOff, To: PowerOn, Source: SourcePending, At: base},
		{SystemID: "sys-1", From: PowerOn, To: PowerOff, Source: SourceProbe, At: base.Add(500 * time.Millisecond)},
		{SystemID: "sys-1", From: PowerOff, To: PowerUnknown, Source: SourceProbe, At: base.Add(2 * time.Second)},
	}
	for _, c := range changes {
		if err := hist.PowerChanged(ctx, c); err != nil {
			t.Fatalf("PowerChanged() error = %v", err)
		}
	}

	entries, err := hist.History(ctx, "sys-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(History()) = %d, want 2", len(entries))
	}
	if entries[0].PowerState != PowerUnknown || entries[1].PowerState != PowerOff {
		t.Errorf("History() not newest first: %+v", entries)
	}
	if entries[1].Source != SourceProbe {
		t.Errorf("entries[1].Source = %q, want probe", entries[1].Source)
	}

	hist.now = func() time.Time { return base.Add(time.Hour) }
	n, err := hist.Prune(ctx, 59*time.Minute)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Prune() removed %d, want 3", n)
	}
}

func TestHistoryRepository_RequiresSystemID(t *testing.T) {
	hist := NewHistoryRepository(setupTestDB(t))

	if err := hist.PowerChanged(context.Background(), PowerChange{To: PowerOn}); err == nil {
		t.Error("PowerChanged() error = nil, want missing id error")
	}
	if _, err := hist.Prune(context.Background(), 0); err == nil {
		t.Error("Prune(0) error = nil, want error")
	}
}
