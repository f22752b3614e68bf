package gallerynode

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mikey-austin/glassroll/internal/gallery"
	"go.uber.org/zap"

	_ "golang.org/x/image/webp"
)

func encodeLocator(locator gallery.Locator) string {
	return base64.RawURLEncoding.EncodeToString([]byte(locator))
}

func decodeLocator(value string) (gallery.Locator, error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", err
	}
	return gallery.Locator(raw), nil
}

func (m *Module) mediaURL(locator gallery.Locator) string {
	return m.urlFor("media", locator)
}

func (m *Module) thumbURL(locator gallery.Locator) string {
	return m.urlFor("thumb", locator)
}

func (m *Module) urlFor(route string, locator gallery.Locator) string {
	m.mu.RLock()
	baseURL := m.baseURL
	m.mu.RUnlock()
	if baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(baseURL, "/"), route, encodeLocator(locator))
}

func (m *Module) startHTTPServer() error {
	ln, err := net.Listen("tcp", m.config.HTTPListen)
	if err != nil {
		return err
	}
	baseURL := strings.TrimSpace(m.config.PublicURL)
	if baseURL == "" {
		host, port, err := net.SplitHostPort(ln.Addr().String())
		if err != nil {
			_ = ln.Close()
			return err
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		baseURL = fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
	}

	server := &http.Server{Handler: m.httpHandler(), ReadHeaderTimeout: 10 * time.Second}

	m.mu.Lock()
	m.baseURL = baseURL
	m.server = server
	m.ln = ln
	m.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Warn("http server stopped", zap.Error(err))
		}
	}()
	m.log.Info("http server started", zap.String("base_url", baseURL))
	return nil
}

func (m *Module) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/media/", m.serveMedia)
	mux.HandleFunc("/thumb/", m.serveThumb)
	return mux
}

func (m *Module) shutdownHTTPServer() {
	m.mu.Lock()
	server := m.server
	m.server = nil
	ln := m.ln
	m.ln = nil
	m.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = server.Shutdown(ctx)
		cancel()
	}
}

func (m *Module) openRequested(w http.ResponseWriter, r *http.Request, prefix string) (gallery.Locator, io.ReadCloser, bool) {
	locator, err := decodeLocator(strings.TrimPrefix(r.URL.Path, prefix))
	if err != nil || locator == "" {
		http.Error(w, "invalid locator", http.StatusBadRequest)
		return "", nil, false
	}
	rc, err := m.store.OpenForRead(r.Context(), locator)
	if err != nil {
		switch {
		case errors.Is(err, gallery.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, gallery.ErrPermissionDenied):
			http.Error(w, "forbidden", http.StatusForbidden)
		default:
			m.log.Warn("open media failed", zap.String("locator", string(locator)), zap.Error(err))
			http.Error(w, "unavailable", http.StatusInternalServerError)
		}
		return "", nil, false
	}
	return locator, rc, true
}

func (m *Module) serveMedia(w http.ResponseWriter, r *http.Request) {
	locator, rc, ok := m.openRequested(w, r, "/media/")
	if !ok {
		return
	}
	defer rc.Close()

	if mimeType, err := m.store.MimeType(r.Context(), locator); err == nil && mimeType != "" {
		w.Header().Set("Content-Type", mimeType)
	}
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", time.Time{}, rs)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		m.log.Debug("media stream interrupted", zap.Error(err))
	}
}

func (m *Module) serveThumb(w http.ResponseWriter, r *http.Request) {
	locator, rc, ok := m.openRequested(w, r, "/thumb/")
	if !ok {
		return
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		m.log.Debug("thumbnail decode failed", zap.String("locator", string(locator)), zap.Error(err))
		http.Error(w, "unsupported media", http.StatusUnsupportedMediaType)
		return
	}
	size := m.config.ThumbSize
	thumb := imaging.Fit(img, size, size, imaging.Lanczos)

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "max-age=3600")
	if err := imaging.Encode(w, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		m.log.Debug("thumbnail write failed", zap.Error(err))
	}
}
