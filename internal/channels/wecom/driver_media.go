package wecom

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom/protocol"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
)

const (
	// Inline stream images above this size are downscaled before the
	// base64 framing; WeCom rejects oversized passive payloads.
	streamImageMaxBytes = 2 << 20
	streamImageMaxDim   = 1920
)

// inboundMedia is a decrypted, saved attachment from the triggering
// message, passed to the agent by path and URL.
type inboundMedia struct {
	path      string
	url       string
	mediaType string
}

// ingestInboundMedia downloads and decrypts the message's attachment, if
// any, and spools it through the runtime's media sink. Mixed messages
// surface only their first media item. Failures degrade to a text-only
// dispatch.
func (r *streamRun) ingestInboundMedia(ctx context.Context) *inboundMedia {
	rawURL, kind := firstMediaRef(r.msg)
	if rawURL == "" {
		return nil
	}
	d := r.d

	data, err := d.downloadEncryptedMedia(ctx, r.acct, rawURL)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			d.store.AppendContent(r.streamID, textMediaTooLarge+"\n")
		}
		slog.Warn("inbound media download failed", "stream", r.streamID, "kind", kind, "error", err)
		return nil
	}

	ctype := http.DetectContentType(data)
	saved, err := d.runtime.SaveMedia(ctx, kind+extForMime(ctype), ctype, data)
	if err != nil {
		slog.Warn("inbound media save failed", "stream", r.streamID, "error", err)
		return nil
	}
	return &inboundMedia{path: saved.Path, url: saved.URL, mediaType: ctype}
}

// firstMediaRef returns the first downloadable media URL on the message.
func firstMediaRef(msg *protocol.IncomingMessage) (url, kind string) {
	switch msg.MsgType {
	case "image":
		if msg.Image != nil {
			return msg.Image.URL, "image"
		}
	case "file":
		if msg.File != nil {
			return msg.File.URL, "file"
		}
	case "mixed":
		if msg.Mixed == nil {
			return "", ""
		}
		for _, item := range msg.Mixed.MsgItem {
			switch {
			case item.Image != nil && item.Image.URL != "":
				return item.Image.URL, "image"
			case item.File != nil && item.File.URL != "":
				return item.File.URL, "file"
			}
		}
	}
	return "", ""
}

// downloadEncryptedMedia fetches a Bot-channel media blob and opens it
// with the account's envelope codec; the bytes behind these URLs are
// sealed with the same AES key as the callbacks.
func (d *Driver) downloadEncryptedMedia(ctx context.Context, acct *Account, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("media request: %w", err)
	}
	resp, err := d.fetcher.Do(req, d.proxy())
	if err != nil {
		return nil, fmt.Errorf("media download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media download: unexpected status %d", resp.StatusCode)
	}
	cipher, err := ReadCapped(resp.Body, mediaMaxBytesFor(d.cfg))
	if err != nil {
		return nil, err
	}
	plain, err := acct.codec.DecryptBytes(cipher)
	if err != nil {
		return nil, fmt.Errorf("media decrypt: %w", err)
	}
	return plain, nil
}

func extForMime(ctype string) string {
	switch {
	case strings.Contains(ctype, "png"):
		return ".png"
	case strings.Contains(ctype, "jpeg"):
		return ".jpg"
	case strings.Contains(ctype, "gif"):
		return ".gif"
	case strings.Contains(ctype, "pdf"):
		return ".pdf"
	case strings.HasPrefix(ctype, "text/"):
		return ".txt"
	}
	return ".bin"
}

// handleMediaItem routes one agent-produced media reference: local images
// and image URLs join the stream's inline frames, everything else falls
// back to an Application DM.
func (r *streamRun) handleMediaItem(item string) {
	switch {
	case isLocalPath(item):
		if isImageExt(item) {
			data, err := os.ReadFile(item)
			if err != nil {
				slog.Warn("local image unreadable", "path", item, "error", err)
				return
			}
			r.attachImage(data, "img:"+item)
			return
		}
		r.fileFallbackLocal(item)
	case isHTTPURL(item):
		r.handleRemoteMedia(item)
	default:
		slog.Debug("unrecognized media item skipped", "item", item)
	}
}

func (r *streamRun) handleRemoteMedia(item string) {
	ctx, cancel := context.WithTimeout(context.Background(), mediaTimeout)
	defer cancel()

	data, ctype, err := r.d.runtime.FetchMedia(ctx, item)
	if err != nil {
		slog.Warn("remote media fetch failed", "url", item, "error", err)
		return
	}
	if strings.HasPrefix(ctype, "image/") || isImageExt(item) {
		r.attachImage(data, "img:"+item)
		return
	}
	r.fileFallbackData("url:"+item, fileNameFromURL(item), data)
}

// attachImage adds an inline frame to the stream, deduplicated by key.
func (r *streamRun) attachImage(data []byte, key string) {
	d := r.d
	normalized, err := normalizeStreamImage(data)
	if err != nil {
		slog.Warn("image not attachable", "stream", r.streamID, "error", err)
		return
	}
	if !d.store.MarkMediaKey(r.streamID, key) {
		return
	}
	sum := md5.Sum(normalized)
	d.store.AddImage(r.streamID, streamq.Image{
		Base64: base64.StdEncoding.EncodeToString(normalized),
		MD5:    hex.EncodeToString(sum[:]),
	})
}

// normalizeStreamImage downscales oversized images and re-encodes them as
// JPEG so the inline frame stays within the passive-reply size limit.
func normalizeStreamImage(data []byte) ([]byte, error) {
	if len(data) <= streamImageMaxBytes {
		return data, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode oversized image: %w", err)
	}
	img = imaging.Fit(img, streamImageMaxDim, streamImageMaxDim, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("re-encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *streamRun) fileFallbackLocal(p string) {
	data, err := os.ReadFile(p)
	if err != nil {
		slog.Warn("fallback file unreadable", "path", p, "error", err)
		return
	}
	r.fileFallbackData("file:"+p, filepath.Base(p), data)
}

// fileFallbackData closes the stream with the media-fallback prompt (once)
// and DMs the file through the Application channel, deduplicated per
// stream.
func (r *streamRun) fileFallbackData(key, name string, data []byte) {
	d := r.d
	r.enterMediaFallback()
	if !r.acct.appConfigured() {
		return
	}
	if !d.store.MarkMediaKey(r.streamID, "dm:"+key) {
		return
	}
	st, ok := d.store.Get(r.streamID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mediaTimeout)
	defer cancel()

	mediaType := uploadTypeForName(name)
	mediaID, err := r.acct.client.UploadMedia(ctx, mediaType, name, data)
	if err != nil {
		slog.Error("fallback upload failed", "stream", r.streamID, "file", name, "error", err)
		return
	}
	if err := r.acct.client.SendMedia(ctx, Target{Kind: TargetUser, ID: st.UserID}, mediaType, mediaID); err != nil {
		slog.Error("fallback dm failed", "stream", r.streamID, "file", name, "error", err)
	}
}

// enterMediaFallback closes the stream behind the media prompt on first
// entry; later calls are no-ops.
func (r *streamRun) enterMediaFallback() {
	d := r.d
	first := false
	d.store.Update(r.streamID, func(s *streamq.StreamState) {
		if s.FallbackMode != streamq.FallbackNone {
			return
		}
		s.FallbackMode = streamq.FallbackMedia
		first = true
	})
	if !first {
		return
	}

	prompt := textMediaFallbackPrompt
	if !r.acct.appConfigured() {
		prompt = textAppUnconfigured
	}
	d.store.Update(r.streamID, func(s *streamq.StreamState) {
		s.Content = prompt
		s.Finished = true
	})
	r.emitFailover(string(streamq.FallbackMedia))
	r.pushPromptOnce(prompt)
}

func uploadTypeForName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp4":
		return "video"
	case ".amr":
		return "voice"
	default:
		return "file"
	}
}

// Local paths the agent runs on: the sandbox spools under /tmp, macOS
// user dirs under /Users.
func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/Users/") || strings.HasPrefix(p, "/tmp/")
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true,
	".gif": true, ".webp": true, ".bmp": true,
}

func isImageExt(p string) bool {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	return imageExts[strings.ToLower(filepath.Ext(p))]
}

func isHTTPURL(p string) bool {
	return strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://")
}

func fileNameFromURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	name := path.Base(u)
	if name == "" || name == "." || name == "/" {
		return "file.bin"
	}
	return name
}

var localImagePathRe = regexp.MustCompile(`/(?:Users|tmp)/[^\s"'()\[\]<>，。！？；：、]+\.(?i:png|jpe?g|gif|webp|bmp)`)

// inferredLocalImages extracts local image paths the model wrote into its
// text. A path is honored only when it appeared verbatim in the user's
// message and exists on disk — the model cannot mint paths the user never
// named.
func inferredLocalImages(text, rawBody string) []string {
	if text == "" || rawBody == "" {
		return nil
	}
	var out []string
	for _, p := range localImagePathRe.FindAllString(text, -1) {
		if !strings.Contains(rawBody, p) {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}
