package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom/protocol"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
)

const (
	apiBase = "https://qyapi.weixin.qq.com/cgi-bin"

	// Inbound media download cap when the config leaves it unset.
	DefaultMediaMaxBytes = 80 << 20
)

// ErrChatTarget is returned for chat-id targets: WeCom's appchat/send is
// unreliable for bot-initiated pushes, so group delivery stays on the Bot
// channel's passive stream.
var ErrChatTarget = errors.New("chat target not supported for outbound push")

// ErrAppUnconfigured is returned by token-gated calls when the account has
// no corpsecret. Bot-only accounts still serve webhooks; only the
// Application channel (send, upload, download) is unavailable.
var ErrAppUnconfigured = errors.New("application channel not configured: account has no secret")

// APIError is a non-zero errcode from the WeCom API.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wecom api errcode %d: %s", e.Code, e.Msg)
}

// PartialSendError reports recipients WeCom rejected while accepting the
// rest of a send.
type PartialSendError struct {
	InvalidUsers   []string
	InvalidParties []string
	InvalidTags    []string
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("wecom partial send failure: users=%v parties=%v tags=%v",
		e.InvalidUsers, e.InvalidParties, e.InvalidTags)
}

// Stale-token errcodes: 40014 invalid, 42001 expired.
func isTokenErrcode(code int) bool { return code == 40014 || code == 42001 }

type apiResult struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (r *apiResult) apiErr() error {
	if r.ErrCode != 0 {
		return &APIError{Code: r.ErrCode, Msg: r.ErrMsg}
	}
	return nil
}

type errChecker interface{ apiErr() error }

// Client talks to the WeCom corp API for one account. All requests go
// through the shared Fetcher so proxy routing and timeouts are uniform.
type Client struct {
	account config.AccountConfig
	fetcher *Fetcher
	tokens  *TokenCache
	proxy   func() string // current egress proxy, re-read per call for hot reload
	limiter *rate.Limiter
	baseURL string
}

func NewClient(account config.AccountConfig, fetcher *Fetcher, tokens *TokenCache, proxy func() string) *Client {
	c := &Client{
		account: account,
		fetcher: fetcher,
		tokens:  tokens,
		proxy:   proxy,
		baseURL: apiBase,
	}
	if account.RateLimitQPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(account.RateLimitQPS), 1)
	}
	return c
}

// Account returns the account this client serves.
func (c *Client) Account() config.AccountConfig { return c.account }

func (c *Client) proxyURL() string {
	if c.proxy == nil {
		return ""
	}
	return c.proxy()
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// token resolves the cached access token, refreshing via gettoken.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.account.Secret == "" {
		return "", ErrAppUnconfigured
	}
	return c.tokens.Get(ctx, c.account.CorpID, c.account.AppID, c.fetchToken)
}

func (c *Client) fetchToken(ctx context.Context) (string, int, error) {
	q := url.Values{"corpid": {c.account.CorpID}, "corpsecret": {c.account.Secret}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gettoken?"+q.Encode(), nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.fetcher.Do(req, c.proxyURL())
	if err != nil {
		return "", 0, fmt.Errorf("gettoken: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		apiResult
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("gettoken decode: %w", err)
	}
	if result.AccessToken == "" {
		if err := result.apiErr(); err != nil {
			return "", 0, err
		}
		return "", 0, fmt.Errorf("gettoken: response carries no access_token")
	}
	return result.AccessToken, result.ExpiresIn, nil
}

// retryStale runs call and repeats it once after invalidating the cached
// token when WeCom reports the token stale ahead of its expiry.
func (c *Client) retryStale(call func() error) error {
	err := call()
	var apiErr *APIError
	if errors.As(err, &apiErr) && isTokenErrcode(apiErr.Code) {
		c.tokens.Invalidate(c.account.CorpID, c.account.AppID)
		err = call()
	}
	return err
}

// postJSON performs a token-authenticated POST and decodes into out,
// surfacing non-zero errcodes as *APIError.
func (c *Client) postJSON(ctx context.Context, apiPath string, body interface{}, out errChecker) error {
	return c.retryStale(func() error {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+apiPath+"?access_token="+url.QueryEscape(token), bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		resp, err := c.fetcher.Do(req, c.proxyURL())
		if err != nil {
			return fmt.Errorf("wecom api %s: %w", apiPath, err)
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("wecom api %s decode: %w", apiPath, err)
		}
		return out.apiErr()
	})
}

// --- message/send ---

type sendMessageRequest struct {
	ToUser  string      `json:"touser,omitempty"`
	ToParty string      `json:"toparty,omitempty"`
	ToTag   string      `json:"totag,omitempty"`
	MsgType string      `json:"msgtype"`
	AgentID interface{} `json:"agentid"`

	Text  *protocol.TextContent `json:"text,omitempty"`
	Image *mediaRef             `json:"image,omitempty"`
	Voice *mediaRef             `json:"voice,omitempty"`
	Video *videoRef             `json:"video,omitempty"`
	File  *mediaRef             `json:"file,omitempty"`
}

type mediaRef struct {
	MediaID string `json:"media_id"`
}

type videoRef struct {
	MediaID     string `json:"media_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type sendMessageResponse struct {
	apiResult
	InvalidUser  string `json:"invaliduser"`
	InvalidParty string `json:"invalidparty"`
	InvalidTag   string `json:"invalidtag"`
	MsgID        string `json:"msgid"`
}

func (r *sendMessageResponse) partialErr() error {
	p := &PartialSendError{
		InvalidUsers:   splitPipeList(r.InvalidUser),
		InvalidParties: splitPipeList(r.InvalidParty),
		InvalidTags:    splitPipeList(r.InvalidTag),
	}
	if len(p.InvalidUsers) == 0 && len(p.InvalidParties) == 0 && len(p.InvalidTags) == 0 {
		return nil
	}
	return p
}

func splitPipeList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}

func (r *sendMessageRequest) address(t Target) error {
	switch t.Kind {
	case TargetUser:
		r.ToUser = t.ID
	case TargetParty:
		r.ToParty = t.ID
	case TargetTag:
		r.ToTag = t.ID
	case TargetChat:
		return fmt.Errorf("%w: %s", ErrChatTarget, t.ID)
	default:
		return fmt.Errorf("unknown target kind %q", t.Kind)
	}
	return nil
}

// agentIDValue sends agentid as a number when the configured app id is
// numeric, which is what the API documents.
func agentIDValue(appID string) interface{} {
	if n, err := strconv.ParseInt(appID, 10, 64); err == nil {
		return n
	}
	return appID
}

// SendText pushes a text message to a user, department, or tag target.
// Rejected recipients surface as *PartialSendError.
func (c *Client) SendText(ctx context.Context, target Target, content string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	body := sendMessageRequest{
		MsgType: "text",
		AgentID: agentIDValue(c.account.AppID),
		Text:    &protocol.TextContent{Content: content},
	}
	if err := body.address(target); err != nil {
		return err
	}
	var resp sendMessageResponse
	if err := c.postJSON(ctx, "/message/send", &body, &resp); err != nil {
		return err
	}
	return resp.partialErr()
}

// SendMedia pushes an uploaded media id as an image/voice/video/file
// message. Videos get the documented default title.
func (c *Client) SendMedia(ctx context.Context, target Target, mediaType, mediaID string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	body := sendMessageRequest{
		MsgType: mediaType,
		AgentID: agentIDValue(c.account.AppID),
	}
	switch mediaType {
	case "image":
		body.Image = &mediaRef{MediaID: mediaID}
	case "voice":
		body.Voice = &mediaRef{MediaID: mediaID}
	case "video":
		body.Video = &videoRef{MediaID: mediaID, Title: "Video", Description: ""}
	case "file":
		body.File = &mediaRef{MediaID: mediaID}
	default:
		return fmt.Errorf("unsupported media type %q", mediaType)
	}
	if err := body.address(target); err != nil {
		return err
	}
	var resp sendMessageResponse
	if err := c.postJSON(ctx, "/message/send", &body, &resp); err != nil {
		return err
	}
	return resp.partialErr()
}

// --- media/upload ---

type uploadMediaResponse struct {
	apiResult
	Type      string `json:"type"`
	MediaID   string `json:"media_id"`
	CreatedAt string `json:"created_at"`
}

// UploadMedia uploads data as temporary media and returns the media id.
// mediaType must be one of image, voice, video, file.
func (c *Client) UploadMedia(ctx context.Context, mediaType, filename string, data []byte) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	switch mediaType {
	case "image", "voice", "video", "file":
	default:
		return "", fmt.Errorf("unsupported media type %q", mediaType)
	}
	body, contentType, err := buildMediaForm(filename, data)
	if err != nil {
		return "", err
	}

	var resp uploadMediaResponse
	err = c.retryStale(func() error {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		q := url.Values{"access_token": {token}, "type": {mediaType}, "debug": {"1"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/media/upload?"+q.Encode(), bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)
		httpResp, err := c.fetcher.Do(req, c.proxyURL())
		if err != nil {
			return fmt.Errorf("media upload: %w", err)
		}
		defer httpResp.Body.Close()
		resp = uploadMediaResponse{}
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return fmt.Errorf("media upload decode: %w", err)
		}
		return resp.apiErr()
	})
	if err != nil {
		return "", err
	}
	if resp.MediaID == "" {
		return "", fmt.Errorf("media upload: response carries no media_id")
	}
	return resp.MediaID, nil
}

// buildMediaForm assembles the multipart body by hand: WeCom requires a
// non-standard filelength parameter inside the Content-Disposition, which
// CreateFormFile cannot emit.
func buildMediaForm(filename string, data []byte) (body []byte, contentType string, err error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="media"; filename="%s"; filelength=%d`,
		escapeQuotes(filename), len(data)))
	h.Set("Content-Type", mimeByExt(filename))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create media part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write media part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close media form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeQuotes(s string) string { return quoteEscaper.Replace(s) }

// mimeByExt maps the upload extension to the content type WeCom's media
// endpoint expects. The jpg entry is deliberately image/jpg.
func mimeByExt(filename string) string {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(filename), ".")) {
	case "jpg":
		return "image/jpg"
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "amr":
		return "voice/amr"
	case "mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// --- media/get ---

// MediaDownload is a fetched media blob plus what the server said about it.
type MediaDownload struct {
	Data        []byte
	ContentType string
	Filename    string
}

// DownloadMedia fetches a media blob, failing on JSON error bodies and on
// downloads larger than maxBytes (<= 0 uses DefaultMediaMaxBytes).
func (c *Client) DownloadMedia(ctx context.Context, mediaID string, maxBytes int64) (*MediaDownload, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMediaMaxBytes
	}

	var out *MediaDownload
	err := c.retryStale(func() error {
		token, err := c.token(ctx)
		if err != nil {
			return err
		}
		q := url.Values{"access_token": {token}, "media_id": {mediaID}}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/media/get?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := c.fetcher.Do(req, c.proxyURL())
		if err != nil {
			return fmt.Errorf("media download: %w", err)
		}
		defer resp.Body.Close()

		data, err := ReadCapped(resp.Body, maxBytes)
		if err != nil {
			return fmt.Errorf("media download: %w", err)
		}

		// Errors come back as a JSON body instead of the blob; a real blob
		// arrives with a Content-Disposition.
		cd := resp.Header.Get("Content-Disposition")
		if cd == "" && len(data) > 0 && data[0] == '{' {
			var result apiResult
			if json.Unmarshal(data, &result) == nil && result.ErrCode != 0 {
				return result.apiErr()
			}
		}

		contentType := resp.Header.Get("Content-Type")
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			contentType = mt
		}
		out = &MediaDownload{
			Data:        data,
			ContentType: contentType,
			Filename:    filenameFromDisposition(cd),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// filenameFromDisposition extracts the original file name from a
// Content-Disposition header, preferring the RFC 5987 filename* form.
func filenameFromDisposition(cd string) string {
	if cd == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	// Manual scan for headers ParseMediaType rejects (unquoted UTF-8 names).
	parts := strings.Split(cd, ";")
	for _, part := range parts {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "filename*="); ok {
			if enc, ok := strings.CutPrefix(v, "UTF-8''"); ok {
				if name, err := url.PathUnescape(enc); err == nil {
					return name
				}
			}
		}
	}
	for _, part := range parts {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "filename="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// --- response_url push ---

// PushResponseURL posts a reply payload to a Bot-channel response URL.
// These pushes are token-free; WeCom scopes the URL to one callback.
func (c *Client) PushResponseURL(ctx context.Context, responseURL string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal response_url payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	resp, err := c.fetcher.Do(req, c.proxyURL())
	if err != nil {
		return fmt.Errorf("response_url push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := ReadCapped(resp.Body, 4<<10)
		return fmt.Errorf("response_url push: status %d: %s", resp.StatusCode, body)
	}
	var result apiResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if apiErr := result.apiErr(); apiErr != nil {
			return fmt.Errorf("response_url push: %w", apiErr)
		}
	}
	return nil
}
