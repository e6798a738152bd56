package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	checked := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	rec := testRecord("sys-1", "rack-a-node1")
	rec.LastCheckedAt = timePtr(checked)
	rec.Pending = &PendingTransition{Target: PowerOn, ApplyAt: checked.Add(time.Second)}
	rec.BootDevice = "Pxe"
	rec.SecureBoot = true
	rec.BootImages = map[string]BootImage{"Cd": {Image: "http://img/boot.iso", WriteProtected: true, Inserted: true}}
	rec.NICs = []NIC{{Address: "aa:bb:cc:dd:ee:01"}}
	rec.CreatedAt = checked
	rec.UpdatedAt = checked

	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetByID(ctx, "sys-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	if got.Name != rec.Name || got.Backend != BackendPlug || got.PowerState != PowerOff {
		t.Errorf("GetByID() = %+v, want round trip of %+v", got, rec)
	}
	if got.Credentials != rec.Credentials {
		t.Errorf("Credentials = %+v, want %+v", got.Credentials, rec.Credentials)
	}
	if got.LastCheckedAt == nil || !got.LastCheckedAt.Equal(checked) {
		t.Errorf("LastCheckedAt = %v, want %v (sub-second precision kept)", got.LastCheckedAt, checked)
	}
	if got.Pending == nil || got.Pending.Target != PowerOn || !got.Pending.ApplyAt.Equal(checked.Add(time.Second)) {
		t.Errorf("Pending = %+v, want On at %v", got.Pending, checked.Add(time.Second))
	}
	if got.BootDevice != "Pxe" || got.BootMode != "" || !got.SecureBoot {
		t.Errorf("boot fields = (%q, %q, %v)", got.BootDevice, got.BootMode, got.SecureBoot)
	}
	if img := got.BootImages["Cd"]; img.Image != "http://img/boot.iso" || !img.WriteProtected || !img.Inserted {
		t.Errorf("BootImages[Cd] = %+v", img)
	}
	if len(got.NICs) != 1 || got.NICs[0].Address != "aa:bb:cc:dd:ee:01" {
		t.Errorf("NICs = %+v", got.NICs)
	}
}

func TestSQLiteRepository_CreateDuplicate(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	if err := repo.Create(ctx, testRecord("sys-1", "a")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name string
		rec  *Record
	}{
		{"same id", testRecord("sys-1", "b")},
		{"same name", testRecord("sys-2", "a")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Create(ctx, tt.rec); !errors.Is(err, ErrExists) {
				t.Errorf("Create() error = %v, want ErrExists", err)
			}
		})
	}
}

func TestSQLiteRepository_GetByIDNotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteRepository_UpsertReplacesAndClears(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	rec := testRecord("sys-1", "a")
	rec.Pending = &PendingTransition{Target: PowerOn, ApplyAt: time.Now()}
	rec.LastCheckedAt = timePtr(time.Now())
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() insert error = %v", err)
	}

	rec.Pending = nil
	rec.LastCheckedAt = nil
	rec.PowerState = PowerUnknown
	if err := repo.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() update error = %v", err)
	}

	got, err := repo.GetByID(ctx, "sys-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Pending != nil {
		t.Errorf("Pending = %+v, want nil", got.Pending)
	}
	if got.LastCheckedAt != nil {
		t.Errorf("LastCheckedAt = %v, want nil", got.LastCheckedAt)
	}
	if got.PowerState != PowerUnknown {
		t.Errorf("PowerState = %q, want Unknown", got.PowerState)
	}
}

func TestSQLiteRepository_List(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	for _, rec := range []*Record{testRecord("2", "bravo"), testRecord("1", "alpha")} {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "bravo" {
		t.Errorf("List() = %+v, want alpha then bravo", got)
	}
}
