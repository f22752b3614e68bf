package gallerynode

import (
	"bytes"
	"image"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/mikey-austin/glassroll/internal/gallery"
	"go.uber.org/zap"
)

func httpModule(t *testing.T, store *fakeStore) *Module {
	t.Helper()
	module, err := newModule(zap.NewNop(), newFakeMQTTClient(), store, nil, Config{NodeID: "roll:gallery:test:main", ThumbSize: 16})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	return module
}

func TestServeMedia(t *testing.T) {
	module := httpModule(t, sampleStore())
	server := httptest.NewServer(module.httpHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/media/" + encodeLocator("loc:b"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "bbbb" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("unexpected content type %q", got)
	}

	req, _ := http.NewRequest(http.MethodGet, server.URL+"/media/"+encodeLocator("loc:b"), nil)
	req.Header.Set("Range", "bytes=1-2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("range get: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent || string(body) != "bb" {
		t.Fatalf("unexpected range response %d %q", resp.StatusCode, body)
	}
}

func TestServeMediaErrors(t *testing.T) {
	module := httpModule(t, sampleStore())
	server := httptest.NewServer(module.httpHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/media/" + encodeLocator("loc:missing"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/media/%%%")
	if err == nil {
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	}
}

func TestServeThumb(t *testing.T) {
	src := imaging.New(64, 32, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src, imaging.PNG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	store := &fakeStore{items: []fakeItem{{
		rec:  gallery.Record{Locator: "loc:png", Kind: gallery.KindImage, CapturedAt: 1, DisplayName: "p.png"},
		rel:  "Pictures/p.png",
		data: buf.Bytes(),
		mime: "image/png",
	}}}
	module := httpModule(t, store)
	server := httptest.NewServer(module.httpHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/thumb/" + encodeLocator("loc:png"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	img, format, err := image.Decode(resp.Body)
	if err != nil || format != "jpeg" {
		t.Fatalf("decode thumb: %v %s", err, format)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 8 {
		t.Fatalf("unexpected thumb size %v", img.Bounds())
	}
}

func TestServeThumbRejectsVideo(t *testing.T) {
	module := httpModule(t, sampleStore())
	server := httptest.NewServer(module.httpHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/thumb/" + encodeLocator("loc:b"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestLocatorEncoding(t *testing.T) {
	loc := gallery.Locator("content://media/external/images/media/12")
	decoded, err := decodeLocator(encodeLocator(loc))
	if err != nil || decoded != loc {
		t.Fatalf("unexpected round trip %q %v", decoded, err)
	}
}
