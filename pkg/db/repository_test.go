package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/isoflash/isoflash/pkg/errors"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "isoflash.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGetBurn(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	burn := &Burn{
		ImagePath:  "/isos/debian.iso",
		DevicePath: "/dev/sdb",
		Strategy:   "raw-block",
	}
	if err := repo.CreateBurn(ctx, burn); err != nil {
		t.Fatalf("failed to create burn: %v", err)
	}
	if burn.ID == "" || burn.Status != StatusPending {
		t.Fatalf("create did not assign id/status: %+v", burn)
	}

	got, err := repo.GetBurn(ctx, burn.ID)
	if err != nil {
		t.Fatalf("failed to get burn: %v", err)
	}
	if got.ImagePath != burn.ImagePath || got.DevicePath != burn.DevicePath || got.Status != StatusPending {
		t.Errorf("retrieved burn mismatch: got %+v, want %+v", got, burn)
	}
	if got.FinishedAt != "" {
		t.Errorf("pending burn has finished_at %q", got.FinishedAt)
	}

	missing, err := repo.GetBurn(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetBurn(missing) = %v, %v, want nil, nil", missing, err)
	}
}

func TestRepository_UpdateBurnStatus(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	burn := &Burn{ImagePath: "/a.iso", DevicePath: "/dev/sdb", Strategy: "raw-block"}
	if err := repo.CreateBurn(ctx, burn); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		status   string
		message  string
		finished bool
	}{
		{StatusWriting, "", false},
		{StatusVerifying, "", false},
		{StatusFailed, "verify: first difference at offset 5000", true},
	}

	for _, tt := range tests {
		if err := repo.UpdateBurnStatus(ctx, burn.ID, tt.status, tt.message); err != nil {
			t.Fatalf("failed to update status to %s: %v", tt.status, err)
		}
		got, _ := repo.GetBurn(ctx, burn.ID)
		if got.Status != tt.status || got.ErrorMessage != tt.message {
			t.Errorf("status %s: got %+v", tt.status, got)
		}
		if (got.FinishedAt != "") != tt.finished {
			t.Errorf("status %s: finished_at = %q", tt.status, got.FinishedAt)
		}
	}

	if err := repo.UpdateBurnStatus(ctx, "nope", StatusFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateBurnStatus(missing) = %v, want ErrNotFound", err)
	}
}

func TestRepository_UpdateBurn(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	burn := &Burn{ImagePath: "/a.iso", DevicePath: "/dev/sdb", Strategy: "raw-block"}
	if err := repo.CreateBurn(ctx, burn); err != nil {
		t.Fatal(err)
	}

	burn.ImageSHA256 = "abc123"
	burn.Status = StatusCompleted
	burn.BytesWritten = 4 << 20
	burn.Verified = true
	if err := repo.UpdateBurn(ctx, burn); err != nil {
		t.Fatalf("failed to update burn: %v", err)
	}

	got, _ := repo.GetBurn(ctx, burn.ID)
	if got.ImageSHA256 != "abc123" || got.BytesWritten != 4<<20 || !got.Verified || got.FinishedAt == "" {
		t.Errorf("updated burn mismatch: %+v", got)
	}
}

func TestRepository_ListAndPruneBurns(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	statuses := []string{StatusCompleted, StatusFailed, StatusWriting, StatusCancelled, StatusCompleted}
	var ids []string
	for _, s := range statuses {
		b := &Burn{ImagePath: "/a.iso", DevicePath: "/dev/sdb", Strategy: "raw-block", Status: s}
		if err := repo.CreateBurn(ctx, b); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, b.ID)
	}

	burns, err := repo.ListBurns(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list burns: %v", err)
	}
	if len(burns) != 5 {
		t.Fatalf("expected 5 burns, got %d", len(burns))
	}
	if burns[0].ID != ids[4] {
		t.Errorf("newest burn first: got %s, want %s", burns[0].ID, ids[4])
	}

	limited, _ := repo.ListBurns(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("expected 2 burns with limit, got %d", len(limited))
	}

	n, err := repo.PruneBurns(ctx, StatusCompleted)
	if err != nil || n != 2 {
		t.Errorf("PruneBurns(completed) = %d, %v, want 2", n, err)
	}
	n, err = repo.PruneBurns(ctx, "")
	if err != nil || n != 2 {
		t.Errorf("PruneBurns(all finished) = %d, %v, want 2", n, err)
	}

	remaining, _ := repo.ListBurns(ctx, 0)
	if len(remaining) != 1 || remaining[0].Status != StatusWriting {
		t.Errorf("remaining burns = %+v", remaining)
	}

	if err := repo.DeleteBurn(ctx, remaining[0].ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := repo.GetBurn(ctx, remaining[0].ID); got != nil {
		t.Errorf("burn still present after delete: %+v", got)
	}
}

func TestRepository_FailInterrupted(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	running := &Burn{ImagePath: "/a.iso", DevicePath: "/dev/sdb", Strategy: "raw-block", Status: StatusWriting}
	done := &Burn{ImagePath: "/a.iso", DevicePath: "/dev/sdc", Strategy: "raw-block", Status: StatusCompleted}
	repo.CreateBurn(ctx, running)
	repo.CreateBurn(ctx, done)

	n, err := repo.FailInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("FailInterrupted() = %d, %v, want 1", n, err)
	}

	got, _ := repo.GetBurn(ctx, running.ID)
	if got.Status != StatusFailed || got.ErrorMessage != "interrupted" {
		t.Errorf("interrupted burn = %+v", got)
	}
	got, _ = repo.GetBurn(ctx, done.ID)
	if got.Status != StatusCompleted {
		t.Errorf("completed burn changed: %+v", got)
	}
}

func TestRepository_UpsertImage(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	img := &Image{Path: "/isos/arch.iso", SizeBytes: 1 << 30, Source: SourceFetch, S3Key: "isos/arch.iso"}
	if err := repo.UpsertImage(ctx, img); err != nil {
		t.Fatalf("failed to upsert image: %v", err)
	}
	firstID := img.ID

	again := &Image{Path: "/isos/arch.iso", SizeBytes: 1 << 30, SHA256: "ff00", IsBootable: true, IsHybrid: true, Source: SourceScan}
	if err := repo.UpsertImage(ctx, again); err != nil {
		t.Fatalf("failed to upsert image: %v", err)
	}
	if again.ID != firstID {
		t.Errorf("upsert changed id: %d != %d", again.ID, firstID)
	}

	got, err := repo.GetImageByPath(ctx, "/isos/arch.iso")
	if err != nil {
		t.Fatal(err)
	}
	if got.SHA256 != "ff00" || !got.IsBootable || !got.IsHybrid || got.IsUEFI || got.Source != SourceScan {
		t.Errorf("upserted image mismatch: %+v", got)
	}
	if got.S3Key != "isos/arch.iso" {
		t.Errorf("s3 key lost on upsert: %q", got.S3Key)
	}

	repo.UpsertImage(ctx, &Image{Path: "/isos/other.iso", Source: SourceWatch})
	images, err := repo.ListImages(ctx)
	if err != nil || len(images) != 2 {
		t.Fatalf("ListImages() = %d, %v, want 2", len(images), err)
	}

	if err := repo.DeleteImage(ctx, firstID); err != nil {
		t.Fatal(err)
	}
	if got, _ := repo.GetImageByPath(ctx, "/isos/arch.iso"); got != nil {
		t.Errorf("image still present after delete: %+v", got)
	}
}

func TestRepository_RejectsUnknownStatus(t *testing.T) {
	repo := newTestRepository(t)
	err := repo.CreateBurn(context.Background(), &Burn{ImagePath: "/a.iso", DevicePath: "/dev/sdb", Strategy: "raw-block", Status: "exploded"})
	if err == nil {
		t.Error("expected check constraint failure")
	}
}
