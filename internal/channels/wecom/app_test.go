package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wecomclaw/internal/agent"
	"github.com/nextlevelbuilder/wecomclaw/internal/channels/wecom/protocol"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
)

// corpAPIRecorder fakes the corp API endpoints the Application channel
// talks to and records what was sent.
type corpAPIRecorder struct {
	mu          sync.Mutex
	texts       []string
	mediaSends  []string // msgtype of non-text sends
	uploadTypes []string

	mediaBody    []byte
	mediaHeaders map[string]string
}

func (rec *corpAPIRecorder) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/gettoken", serveToken(nil))
	mux.HandleFunc("/message/send", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MsgType string `json:"msgtype"`
			Text    struct {
				Content string `json:"content"`
			} `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		if body.MsgType == "text" {
			rec.texts = append(rec.texts, body.Text.Content)
		} else {
			rec.mediaSends = append(rec.mediaSends, body.MsgType)
		}
		rec.mu.Unlock()
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	})
	mux.HandleFunc("/media/upload", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.uploadTypes = append(rec.uploadTypes, r.URL.Query().Get("type"))
		rec.mu.Unlock()
		w.Write([]byte(`{"errcode":0,"errmsg":"ok","media_id":"MUP1"}`))
	})
	mux.HandleFunc("/media/get", func(w http.ResponseWriter, r *http.Request) {
		for k, v := range rec.mediaHeaders {
			w.Header().Set(k, v)
		}
		w.Write(rec.mediaBody)
	})
	return mux
}

func (rec *corpAPIRecorder) textCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.texts)
}

func (rec *corpAPIRecorder) allTexts() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.texts...)
}

func (rec *corpAPIRecorder) uploadCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.uploadTypes)
}

func (rec *corpAPIRecorder) mediaSendCount() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.mediaSends)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newAppChannel wires a Channel whose corp-API calls hit rec's fake.
func newAppChannel(t *testing.T, rt agent.Runtime, rec *corpAPIRecorder, accounts ...config.AccountConfig) (*Channel, *Account) {
	t.Helper()
	ch, _ := newTestChannel(t, rt, nil, accounts...)
	acct := botAccount(t, ch)
	if rec != nil {
		srv := httptest.NewServer(rec.mux())
		t.Cleanup(srv.Close)
		acct.client.baseURL = srv.URL
	}
	return ch, acct
}

// postApp seals an inner XML payload and posts it to the Application
// surface.
func postApp(t *testing.T, ch *Channel, acct *Account, inner string) *httptest.ResponseRecorder {
	t.Helper()
	encrypted, err := acct.codec.Encrypt([]byte(inner))
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}
	ts, nonce := "1700000100", "appn"
	q := url.Values{
		"msg_signature": {acct.codec.Signature(ts, nonce, encrypted)},
		"timestamp":     {ts},
		"nonce":         {nonce},
	}
	envelope := fmt.Sprintf("<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>", encrypted)
	req := httptest.NewRequest(http.MethodPost, "/wecom/agent?"+q.Encode(), strings.NewReader(envelope))
	w := httptest.NewRecorder()
	ch.ServeHTTP(w, req)
	return w
}

func appTextXML(msgID, from, content string) string {
	return fmt.Sprintf(`<xml><ToUserName><![CDATA[ww_corp]]></ToUserName><FromUserName><![CDATA[%s]]></FromUserName><CreateTime>1700000000</CreateTime><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[%s]]></Content><MsgId>%s</MsgId><AgentID>1000002</AgentID></xml>`, from, content, msgID)
}

func requireSuccess(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	if w.Code != http.StatusOK || w.Body.String() != "success" {
		t.Fatalf("status=%d body=%q, want 200 %q", w.Code, w.Body.String(), "success")
	}
}

func TestAppEchoVerification(t *testing.T) {
	ch, acct := newAppChannel(t, nil, nil)

	echo := "verify-9921"
	encrypted, err := acct.codec.Encrypt([]byte(echo))
	if err != nil {
		t.Fatal(err)
	}
	ts, nonce := "1700000100", "appn"
	q := url.Values{
		"msg_signature": {acct.codec.Signature(ts, nonce, encrypted)},
		"timestamp":     {ts},
		"nonce":         {nonce},
		"echostr":       {encrypted},
	}
	req := httptest.NewRequest(http.MethodGet, "/wecom/agent?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	ch.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != echo {
		t.Errorf("echo = %d %q", w.Code, w.Body.String())
	}
}

func TestAppMessageRoundTrip(t *testing.T) {
	rec := &corpAPIRecorder{}
	dispatched := make(chan agent.Request, 1)
	rt := &fakeRuntime{
		dispatch: func(req agent.Request, onBlock func(agent.Block)) (agent.Result, error) {
			dispatched <- req
			return agent.Result{Content: "在的，请讲。"}, nil
		},
	}
	ch, acct := newAppChannel(t, rt, rec)

	requireSuccess(t, postApp(t, ch, acct, appTextXML("am1", "zhang", "你好")))

	var req agent.Request
	select {
	case req = <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}
	if req.Surface != "app" || req.Provider != "wecom" {
		t.Errorf("surface/provider = %q/%q", req.Surface, req.Provider)
	}
	if req.Body != "[wecom direct] from=zhang\n\n你好" {
		t.Errorf("body = %q", req.Body)
	}
	if req.SessionKey != "sess:zhang" {
		t.Errorf("session key = %q", req.SessionKey)
	}

	waitFor(t, "reply send", func() bool { return rec.textCount() == 1 })
	if texts := rec.allTexts(); texts[0] != "在的，请讲。" {
		t.Errorf("reply = %q", texts[0])
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.inbound) != 1 || rt.inbound[0].Body != "你好" {
		t.Errorf("inbound = %+v", rt.inbound)
	}
}

func TestAppDuplicateCallbackDropped(t *testing.T) {
	rec := &corpAPIRecorder{}
	rt := &fakeRuntime{}
	ch, acct := newAppChannel(t, rt, rec)

	requireSuccess(t, postApp(t, ch, acct, appTextXML("dup1", "zhang", "第一次")))
	waitFor(t, "first dispatch", func() bool { return rt.dispatchCount() == 1 })

	requireSuccess(t, postApp(t, ch, acct, appTextXML("dup1", "zhang", "第一次")))
	time.Sleep(50 * time.Millisecond)
	if n := rt.dispatchCount(); n != 1 {
		t.Errorf("dispatch count after retry = %d, want 1", n)
	}
}

func TestAppRejectsBadSignature(t *testing.T) {
	ch, acct := newAppChannel(t, nil, nil)

	encrypted, err := acct.codec.Encrypt([]byte(appTextXML("am1", "zhang", "你好")))
	if err != nil {
		t.Fatal(err)
	}
	envelope := fmt.Sprintf("<xml><Encrypt><![CDATA[%s]]></Encrypt></xml>", encrypted)
	req := httptest.NewRequest(http.MethodPost, "/wecom/agent?msg_signature=bad&timestamp=1&nonce=n",
		strings.NewReader(envelope))
	w := httptest.NewRecorder()
	ch.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAppRejectsMalformedEnvelope(t *testing.T) {
	ch, _ := newAppChannel(t, nil, nil)

	for _, body := range []string{"<xml>", "<xml></xml>", ""} {
		req := httptest.NewRequest(http.MethodPost, "/wecom/agent", strings.NewReader(body))
		w := httptest.NewRecorder()
		ch.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestAppUnparseablePayloadSoftSuccess(t *testing.T) {
	rt := &fakeRuntime{}
	ch, acct := newAppChannel(t, rt, nil)

	// The envelope verifies, so WeCom gets its ack; the broken inner XML
	// is logged and dropped without a retry-provoking error.
	requireSuccess(t, postApp(t, ch, acct, "this is not xml"))
	time.Sleep(50 * time.Millisecond)
	if n := rt.dispatchCount(); n != 0 {
		t.Errorf("dispatch count = %d, want 0", n)
	}
}

func TestAppEventIgnored(t *testing.T) {
	rt := &fakeRuntime{}
	ch, acct := newAppChannel(t, rt, nil)

	inner := `<xml><ToUserName><![CDATA[ww_corp]]></ToUserName><FromUserName><![CDATA[zhang]]></FromUserName><CreateTime>1700000000</CreateTime><MsgType><![CDATA[event]]></MsgType><Event><![CDATA[subscribe]]></Event><AgentID>1000002</AgentID></xml>`
	requireSuccess(t, postApp(t, ch, acct, inner))
	time.Sleep(50 * time.Millisecond)
	if n := rt.dispatchCount(); n != 0 {
		t.Errorf("dispatch count = %d, want 0", n)
	}
}

func TestAppUnauthorizedCommand(t *testing.T) {
	rec := &corpAPIRecorder{}
	rt := &fakeRuntime{deny: true}

	locked := testAccountConfig("test")
	locked.DMPolicy = "allowlist"
	ch, acct := newAppChannel(t, rt, rec, locked)

	requireSuccess(t, postApp(t, ch, acct, appTextXML("cmd1", "zhang", "/restart")))

	waitFor(t, "rejection reply", func() bool { return rec.textCount() == 1 })
	if texts := rec.allTexts(); texts[0] != textUnauthorizedCommand {
		t.Errorf("reply = %q", texts[0])
	}
	if n := rt.dispatchCount(); n != 0 {
		t.Errorf("dispatch count = %d, want 0", n)
	}
}

func TestAppVoiceUsesRecognition(t *testing.T) {
	rec := &corpAPIRecorder{
		mediaBody:    []byte("AMRNBAMRNBAMRNB"),
		mediaHeaders: map[string]string{"Content-Type": "audio/amr", "Content-Disposition": `attachment; filename="memo.amr"`},
	}
	dispatched := make(chan agent.Request, 1)
	rt := &fakeRuntime{
		dispatch: func(req agent.Request, onBlock func(agent.Block)) (agent.Result, error) {
			dispatched <- req
			return agent.Result{Content: "好的。"}, nil
		},
	}
	ch, acct := newAppChannel(t, rt, rec)

	inner := `<xml><ToUserName><![CDATA[ww_corp]]></ToUserName><FromUserName><![CDATA[zhang]]></FromUserName><CreateTime>1700000000</CreateTime><MsgType><![CDATA[voice]]></MsgType><MediaId><![CDATA[MEDIA1]]></MediaId><Format><![CDATA[amr]]></Format><Recognition><![CDATA[明天上午十点开会]]></Recognition><MsgId>v1</MsgId><AgentID>1000002</AgentID></xml>`
	requireSuccess(t, postApp(t, ch, acct, inner))

	var req agent.Request
	select {
	case req = <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("voice message never dispatched")
	}
	if req.RawBody != "明天上午十点开会" {
		t.Errorf("raw body = %q, want the recognition text", req.RawBody)
	}
	if req.MediaPath != "/tmp/media/memo.amr" || req.MediaType != "audio/amr" {
		t.Errorf("media = %q %q", req.MediaPath, req.MediaType)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.saved) != 1 || rt.saved[0].name != "memo.amr" {
		t.Errorf("saved = %+v", rt.saved)
	}
}

func TestAppTextFileInlinePreview(t *testing.T) {
	fileBody := "line one\nline two\nline three\n"
	rec := &corpAPIRecorder{
		mediaBody:    []byte(fileBody),
		mediaHeaders: map[string]string{"Content-Type": "application/octet-stream", "Content-Disposition": `attachment; filename="notes.txt"`},
	}
	dispatched := make(chan agent.Request, 1)
	rt := &fakeRuntime{
		dispatch: func(req agent.Request, onBlock func(agent.Block)) (agent.Result, error) {
			dispatched <- req
			return agent.Result{Content: "看完了。"}, nil
		},
	}
	ch, acct := newAppChannel(t, rt, rec)

	inner := `<xml><ToUserName><![CDATA[ww_corp]]></ToUserName><FromUserName><![CDATA[zhang]]></FromUserName><CreateTime>1700000000</CreateTime><MsgType><![CDATA[file]]></MsgType><MediaId><![CDATA[MEDIA2]]></MediaId><FileName><![CDATA[notes.txt]]></FileName><MsgId>f1</MsgId><AgentID>1000002</AgentID></xml>`
	requireSuccess(t, postApp(t, ch, acct, inner))

	var req agent.Request
	select {
	case req = <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("file message never dispatched")
	}
	if !strings.HasPrefix(req.RawBody, "[file] notes.txt (") {
		t.Errorf("raw body = %q", req.RawBody)
	}
	if !strings.Contains(req.RawBody, fileBody) {
		t.Errorf("raw body missing inline preview: %q", req.RawBody)
	}
	if req.MediaType != "text/plain" {
		t.Errorf("media type = %q, want text/plain despite the octet-stream header", req.MediaType)
	}
}

func TestAppBinaryFileNotice(t *testing.T) {
	rec := &corpAPIRecorder{
		mediaBody:    []byte{0x1f, 0x8b, 0x08, 0x00, 0xff, 0xfe, 0x00, 0x01},
		mediaHeaders: map[string]string{"Content-Type": "application/octet-stream", "Content-Disposition": `attachment; filename="data.gz"`},
	}
	dispatched := make(chan agent.Request, 1)
	rt := &fakeRuntime{
		dispatch: func(req agent.Request, onBlock func(agent.Block)) (agent.Result, error) {
			dispatched <- req
			return agent.Result{Content: "收到。"}, nil
		},
	}
	ch, acct := newAppChannel(t, rt, rec)

	inner := `<xml><ToUserName><![CDATA[ww_corp]]></ToUserName><FromUserName><![CDATA[zhang]]></FromUserName><CreateTime>1700000000</CreateTime><MsgType><![CDATA[file]]></MsgType><MediaId><![CDATA[MEDIA3]]></MediaId><FileName><![CDATA[data.gz]]></FileName><MsgId>f2</MsgId><AgentID>1000002</AgentID></xml>`
	requireSuccess(t, postApp(t, ch, acct, inner))

	var req agent.Request
	select {
	case req = <-dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("file message never dispatched")
	}
	if !strings.Contains(req.RawBody, textBinaryFileNotice) {
		t.Errorf("raw body missing binary notice: %q", req.RawBody)
	}
	if strings.Contains(req.RawBody, "\x1f\x8b") {
		t.Error("binary bytes leaked into the agent body")
	}
}

func TestAppChunkedReply(t *testing.T) {
	long := strings.Repeat("长", 7000) // 21 KB, splits into two DM chunks
	rec := &corpAPIRecorder{}
	rt := &fakeRuntime{
		dispatch: func(req agent.Request, onBlock func(agent.Block)) (agent.Result, error) {
			return agent.Result{Content: long}, nil
		},
	}
	ch, acct := newAppChannel(t, rt, rec)

	requireSuccess(t, postApp(t, ch, acct, appTextXML("long1", "zhang", "写长文")))

	waitFor(t, "chunked reply", func() bool { return rec.textCount() == 2 })
	texts := rec.allTexts()
	if texts[0]+texts[1] != long {
		t.Errorf("chunks do not rebuild the reply: %d + %d bytes", len(texts[0]), len(texts[1]))
	}
	if len(texts[0]) > dmChunkBytes {
		t.Errorf("first chunk %d bytes exceeds cap", len(texts[0]))
	}
}

func TestAppBlockMediaDM(t *testing.T) {
	img := filepath.Join(t.TempDir(), "shot.png")
	if err := os.WriteFile(img, []byte("\x89PNG\r\n\x1a\npixels"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &corpAPIRecorder{}
	rt := &fakeRuntime{}
	rt.dispatch = func(req agent.Request, onBlock func(agent.Block)) (agent.Result, error) {
		onBlock(agent.Block{Text: "图在这", MediaURL: img})
		onBlock(agent.Block{MediaURL: img}) // duplicate must not resend
		return agent.Result{}, nil
	}
	ch, acct := newAppChannel(t, rt, rec)

	requireSuccess(t, postApp(t, ch, acct, appTextXML("bm1", "zhang", "截个图")))

	waitFor(t, "media dm", func() bool {
		return rec.uploadCount() == 1 && rec.mediaSendCount() == 1 && rec.textCount() == 1
	})
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.uploadTypes[0] != "image" {
		t.Errorf("upload type = %q", rec.uploadTypes[0])
	}
	if rec.mediaSends[0] != "image" {
		t.Errorf("send msgtype = %q", rec.mediaSends[0])
	}
	if rec.texts[0] != "图在这" {
		t.Errorf("text reply = %q", rec.texts[0])
	}
}

func TestAppResetAck(t *testing.T) {
	rec := &corpAPIRecorder{}
	rt := &fakeRuntime{
		dispatch: func(req agent.Request, onBlock func(agent.Block)) (agent.Result, error) {
			return agent.Result{Content: "New session started."}, nil
		},
	}
	ch, acct := newAppChannel(t, rt, rec)

	requireSuccess(t, postApp(t, ch, acct, appTextXML("rst1", "zhang", "/new")))

	waitFor(t, "reset ack", func() bool { return rec.textCount() == 1 })
	if texts := rec.allTexts(); texts[0] != textResetAck {
		t.Errorf("reply = %q, want the Chinese reset ack", texts[0])
	}
}

func TestAppBuildBodyNonMedia(t *testing.T) {
	h := &AppHandler{}
	tests := []struct {
		name string
		msg  protocol.AppMessage
		want string
	}{
		{"text trimmed", protocol.AppMessage{MsgType: "text", Content: "  你好  "}, "你好"},
		{"location", protocol.AppMessage{MsgType: "location", Label: "公司", LocationX: 31.2, LocationY: 121.5}, "[location] 公司 (31.2,121.5)"},
		{"link", protocol.AppMessage{MsgType: "link", Title: "周报", URL: "https://doc"}, "[link] 周报 https://doc"},
		{"unknown", protocol.AppMessage{MsgType: "miniprogram"}, "[miniprogram]"},
		{"image without media id", protocol.AppMessage{MsgType: "image"}, "[image]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, media := h.buildBody(context.Background(), nil, &tt.msg)
			if body != tt.want {
				t.Errorf("buildBody = %q, want %q", body, tt.want)
			}
			if media != nil {
				t.Errorf("unexpected media %+v", media)
			}
		})
	}
}

func TestSniffText(t *testing.T) {
	binary := append([]byte(strings.Repeat("a", 97)), 0x00, 0x01, 0x02)
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"empty", nil, false},
		{"ascii", []byte("hello world\nsecond line\n"), true},
		{"tabs and cr", []byte("a\tb\r\nc"), true},
		{"three percent binary", binary, false},
		{"chinese utf8", []byte("中文内容都是多字节"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sniffText(tt.data); got != tt.want {
				t.Errorf("sniffText = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreviewText(t *testing.T) {
	if got := previewText([]byte("short"), 100); got != "short" {
		t.Errorf("short preview = %q", got)
	}
	got := previewText([]byte("abcdefgh"), 5)
	if got != "abcde\n…（已截断）" {
		t.Errorf("truncated preview = %q", got)
	}
	// Rune-safe: multibyte content is cut on character boundaries.
	got = previewText([]byte("一二三四五六"), 3)
	if got != "一二三\n…（已截断）" {
		t.Errorf("multibyte preview = %q", got)
	}
}

func TestTextMIMEByName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"README.md", "text/markdown"},
		{"guide.MARKDOWN", "text/markdown"},
		{"notes.txt", "text/plain"},
		{"data.csv", "text/plain"},
	}
	for _, tt := range tests {
		if got := textMIMEByName(tt.name); got != tt.want {
			t.Errorf("textMIMEByName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
