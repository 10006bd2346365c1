package agent

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// maxFetchBytes is the safety limit for remote media fetches (32MB).
const maxFetchBytes = 32 << 20

// SaveMedia spools inbound attachment bytes to the local media directory and
// returns the stored path plus a public URL when a base URL is configured.
func (b *Bridge) SaveMedia(ctx context.Context, name, contentType string, data []byte) (SavedMedia, error) {
	if err := os.MkdirAll(b.mediaDir, 0o755); err != nil {
		return SavedMedia{}, fmt.Errorf("media dir: %w", err)
	}
	filename := uuid.NewString()[:8] + "_" + safeMediaName(name, contentType)
	path := filepath.Join(b.mediaDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return SavedMedia{}, fmt.Errorf("write media: %w", err)
	}
	saved := SavedMedia{Path: path}
	if b.mediaBaseURL != "" {
		saved.URL = strings.TrimRight(b.mediaBaseURL, "/") + "/" + filename
	}
	return saved, nil
}

// FetchMedia downloads a remote URL the agent referenced in a block.
func (b *Bridge) FetchMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("fetch media: %w", err)
	}
	if len(data) > maxFetchBytes {
		return nil, "", fmt.Errorf("fetch media: larger than %d bytes", maxFetchBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	return data, contentType, nil
}

// safeMediaName flattens a client-supplied filename to a single safe path
// segment, deriving an extension from the content type when the name is
// empty. Non-ASCII runes pass through so Chinese filenames survive.
func safeMediaName(name, contentType string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		name = "media" + extByContentType(contentType)
	}
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_', r > 127:
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func extByContentType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mt {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	case "text/plain":
		return ".txt"
	case "application/pdf":
		return ".pdf"
	default:
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			return exts[0]
		}
		return ".bin"
	}
}
