package mediastore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikey-austin/glassroll/internal/gallery"
)

func writeMedia(t *testing.T, root string, rel string, modified time.Time) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte("media "+rel), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(p, modified, modified); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return p
}

func openStore(t *testing.T, root string, mode Mode) *Store {
	t.Helper()
	store, err := Open(context.Background(), Options{Path: ":memory:", Root: root, Mode: mode})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	base := time.Unix(1700000000, 0)
	writeMedia(t, root, "DCIM/Camera/IMG_1.jpg", base.Add(1*time.Minute))
	writeMedia(t, root, "DCIM/Camera/IMG_2.png", base.Add(3*time.Minute))
	writeMedia(t, root, "DCIM/CameraRoll/IMG_3.jpg", base.Add(4*time.Minute))
	writeMedia(t, root, "Movies/Camera/VID_1.mp4", base.Add(2*time.Minute))
	writeMedia(t, root, "Movies/Camera/VID_1.txt", base.Add(2*time.Minute))
	writeMedia(t, root, "Android/data/app/Pictures/hidden.jpg", base)
	writeMedia(t, root, "Private/a.jpg", base)
	if err := os.WriteFile(filepath.Join(root, "Private", ".nomedia"), nil, 0o644); err != nil {
		t.Fatalf("write nomedia: %v", err)
	}
	return root
}

func TestScanIndexesMedia(t *testing.T) {
	root := seed(t)
	store := openStore(t, root, ModeModern)

	stats, err := store.Scan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if stats.Indexed != 5 {
		t.Fatalf("expected 5 indexed, got %+v", stats)
	}

	images, err := store.Query(context.Background(), gallery.KindImage, "DCIM/Camera")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images, got %d", len(images))
	}
	if images[0].DisplayName != "IMG_2.png" || images[1].DisplayName != "IMG_1.jpg" {
		t.Fatalf("unexpected order %+v", images)
	}
	if images[0].CapturedAt <= images[1].CapturedAt {
		t.Fatalf("expected newest first")
	}

	videos, err := store.Query(context.Background(), gallery.KindVideo, "Movies")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(videos) != 1 || videos[0].Kind != gallery.KindVideo {
		t.Fatalf("unexpected videos %+v", videos)
	}
}

func TestLegacyModeMatchesModern(t *testing.T) {
	root := seed(t)
	modern := openStore(t, root, ModeModern)
	legacy := openStore(t, root, ModeLegacy)
	for _, store := range []*Store{modern, legacy} {
		if _, err := store.Scan(context.Background()); err != nil {
			t.Fatalf("scan: %v", err)
		}
	}

	for _, dir := range []string{"DCIM/Camera", "Pictures", "Movies", "DCIM"} {
		m, err := modern.Query(context.Background(), gallery.KindImage, dir)
		if err != nil {
			t.Fatalf("modern query: %v", err)
		}
		l, err := legacy.Query(context.Background(), gallery.KindImage, dir)
		if err != nil {
			t.Fatalf("legacy query: %v", err)
		}
		if len(m) != len(l) {
			t.Fatalf("dir %s: modern %d legacy %d", dir, len(m), len(l))
		}
		for i := range m {
			if m[i].DisplayName != l[i].DisplayName {
				t.Fatalf("dir %s: mismatch at %d", dir, i)
			}
		}
	}

	// Pictures nested under Android/data must not leak into the legacy query.
	pics, _ := legacy.Query(context.Background(), gallery.KindImage, "Pictures")
	if len(pics) != 0 {
		t.Fatalf("expected no pictures, got %+v", pics)
	}
}

func TestOpenForReadAndResolve(t *testing.T) {
	root := seed(t)
	store := openStore(t, root, ModeModern)
	if _, err := store.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	images, _ := store.Query(context.Background(), gallery.KindImage, "DCIM/Camera")
	loc := images[0].Locator

	rc, err := store.OpenForRead(context.Background(), loc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "media DCIM/Camera/IMG_2.png" {
		t.Fatalf("unexpected content %q", data)
	}

	p, err := store.ResolvePath(context.Background(), loc)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.Remove(p); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.OpenForRead(context.Background(), loc); !errors.Is(err, gallery.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.ResolvePath(context.Background(), "content://media/external/images/media/999"); !errors.Is(err, gallery.ErrNotFound) {
		t.Fatalf("expected not found for missing row, got %v", err)
	}
}

func TestLocatorAddressesOwnCollectionOnly(t *testing.T) {
	root := seed(t)
	store := openStore(t, root, ModeModern)
	if _, err := store.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	videos, _ := store.Query(context.Background(), gallery.KindVideo, "Movies/Camera")
	if len(videos) != 1 {
		t.Fatalf("expected one video, got %+v", videos)
	}
	_, id, err := ParseLocator(videos[0].Locator)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	wrong := LocatorFor(gallery.KindImage, id)
	if _, err := store.ResolvePath(context.Background(), wrong); !errors.Is(err, gallery.ErrNotFound) {
		t.Fatalf("expected not found for %s, got %v", wrong, err)
	}
	if _, err := store.OpenForRead(context.Background(), wrong); !errors.Is(err, gallery.ErrNotFound) {
		t.Fatalf("expected open of %s to fail, got %v", wrong, err)
	}
	if _, err := store.ResolvePath(context.Background(), videos[0].Locator); err != nil {
		t.Fatalf("resolve video: %v", err)
	}
}

func TestDeleteAndNotify(t *testing.T) {
	root := seed(t)
	store := openStore(t, root, ModeModern)
	if _, err := store.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	videos, _ := store.Query(context.Background(), gallery.KindVideo, "Movies/Camera")
	p, err := store.ResolvePath(context.Background(), videos[0].Locator)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := store.Delete(context.Background(), p); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.NotifyChanged(context.Background(), p); err != nil {
		t.Fatalf("notify: %v", err)
	}
	videos, _ = store.Query(context.Background(), gallery.KindVideo, "Movies/Camera")
	if len(videos) != 0 {
		t.Fatalf("expected row dropped, got %+v", videos)
	}

	if err := store.Delete(context.Background(), p); !errors.Is(err, gallery.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.Delete(context.Background(), "/etc/passwd"); !errors.Is(err, gallery.ErrPermissionDenied) {
		t.Fatalf("expected permission denied outside root, got %v", err)
	}
}

func TestNotifyIndexesNewFile(t *testing.T) {
	root := t.TempDir()
	store := openStore(t, root, ModeModern)
	p := writeMedia(t, root, "Pictures/new.jpg", time.Unix(1700000000, 0))

	if err := store.NotifyChanged(context.Background(), p); err != nil {
		t.Fatalf("notify: %v", err)
	}
	pics, _ := store.Query(context.Background(), gallery.KindImage, "Pictures")
	if len(pics) != 1 || pics[0].CapturedAt != 1700000000000 {
		t.Fatalf("unexpected pictures %+v", pics)
	}
}

func TestScanPrunesVanishedFiles(t *testing.T) {
	root := seed(t)
	store := openStore(t, root, ModeModern)
	if _, err := store.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "DCIM", "Camera", "IMG_1.jpg")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	stats, err := store.Scan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if stats.Pruned != 1 {
		t.Fatalf("expected 1 pruned, got %+v", stats)
	}
}

func TestQueryEscapesLikePatterns(t *testing.T) {
	root := t.TempDir()
	writeMedia(t, root, "A_B/x.jpg", time.Unix(1, 0))
	writeMedia(t, root, "AxB/y.jpg", time.Unix(2, 0))
	store := openStore(t, root, ModeModern)
	if _, err := store.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	got, _ := store.Query(context.Background(), gallery.KindImage, "A_B")
	if len(got) != 1 || got[0].DisplayName != "x.jpg" {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestParseLocator(t *testing.T) {
	kind, id, err := ParseLocator(LocatorFor(gallery.KindVideo, 42))
	if err != nil || kind != gallery.KindVideo || id != 42 {
		t.Fatalf("unexpected parse %v %d %v", kind, id, err)
	}
	if _, _, err := ParseLocator("file:///sdcard/a.jpg"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseMode(t *testing.T) {
	if mode, err := ParseMode(""); err != nil || mode != ModeModern {
		t.Fatalf("expected modern default")
	}
	if _, err := ParseMode("ancient"); err == nil {
		t.Fatalf("expected error")
	}
}
