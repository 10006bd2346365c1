package wecom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/wecomclaw/internal/agent"
	"github.com/nextlevelbuilder/wecomclaw/internal/config"
	"github.com/nextlevelbuilder/wecomclaw/internal/streamq"
)

// corpRecorder scripts a corp API that captures message/send bodies and
// media uploads in arrival order.
type corpRecorder struct {
	mu      sync.Mutex
	sends   []map[string]interface{}
	uploads []string // "<type> <filename>"
}

func (rec *corpRecorder) mux(t *testing.T) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gettoken", serveToken(nil))
	mux.HandleFunc("/message/send", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode send body: %v", err)
		}
		rec.mu.Lock()
		rec.sends = append(rec.sends, body)
		rec.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"errcode": 0, "errmsg": "ok"})
	})
	mux.HandleFunc("/media/upload", func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("multipart reader: %v", err)
			return
		}
		part, err := mr.NextPart()
		if err != nil {
			t.Errorf("next part: %v", err)
			return
		}
		io.Copy(io.Discard, part)
		rec.mu.Lock()
		rec.uploads = append(rec.uploads, r.URL.Query().Get("type")+" "+part.FileName())
		n := len(rec.uploads)
		rec.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"errcode": 0, "errmsg": "ok", "media_id": fmt.Sprintf("MID%d", n),
		})
	})
	return mux
}

// recordCorpAPI points acct's client at a fresh recorder server.
func recordCorpAPI(t *testing.T, acct *Account) *corpRecorder {
	t.Helper()
	rec := &corpRecorder{}
	srv := httptest.NewServer(rec.mux(t))
	t.Cleanup(srv.Close)
	acct.client.baseURL = srv.URL
	return rec
}

func TestSendOutboundDeliversTextAndMedia(t *testing.T) {
	img := filepath.Join(t.TempDir(), "chart.png")
	if err := os.WriteFile(img, []byte("pngdata"), 0o644); err != nil {
		t.Fatal(err)
	}

	rt := &fakeRuntime{fetch: func(url string) ([]byte, string, error) {
		if url != "https://files.example.com/report.pdf" {
			return nil, "", errors.New("unexpected fetch " + url)
		}
		return []byte("%PDF-1.7"), "application/pdf", nil
	}}
	ch, _ := newTestChannel(t, rt, nil)
	rec := recordCorpAPI(t, botAccount(t, ch))

	err := ch.SendOutbound(context.Background(), agent.SendRequest{
		To:       "ep:zhangsan",
		Content:  "deploy finished",
		MediaURL: img,
		MediaURLs: []string{
			"https://files.example.com/report.pdf",
			img,               // duplicate, delivered once
			"ftp://elsewhere", // neither local nor http(s), skipped
		},
	})
	if err != nil {
		t.Fatalf("SendOutbound: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sends) != 3 {
		t.Fatalf("message/send calls = %d, want text + 2 media", len(rec.sends))
	}
	text := rec.sends[0]
	if text["msgtype"] != "text" || text["touser"] != "zhangsan" {
		t.Errorf("text send = %v", text)
	}
	content, ok := text["text"].(map[string]interface{})
	if !ok || content["content"] != "deploy finished" {
		t.Errorf("text payload = %v", text["text"])
	}

	if !reflect.DeepEqual(rec.uploads, []string{"image chart.png", "file report.pdf"}) {
		t.Errorf("uploads = %v", rec.uploads)
	}
	if rec.sends[1]["msgtype"] != "image" || rec.sends[2]["msgtype"] != "file" {
		t.Errorf("media msgtypes = %v, %v", rec.sends[1]["msgtype"], rec.sends[2]["msgtype"])
	}
	ref, ok := rec.sends[1]["image"].(map[string]interface{})
	if !ok || ref["media_id"] != "MID1" {
		t.Errorf("image ref = %v", rec.sends[1]["image"])
	}
}

func TestSendOutboundRefusesChatTargets(t *testing.T) {
	ch, _ := newTestChannel(t, nil, nil)
	acct := botAccount(t, ch)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	acct.client.baseURL = srv.URL

	for _, to := range []string{"group:wr123", "chat:roomX", "wrOgQhDgAA"} {
		err := ch.SendOutbound(context.Background(), agent.SendRequest{To: to, Content: "hi"})
		if !errors.Is(err, ErrChatTarget) {
			t.Errorf("SendOutbound(%q) = %v, want ErrChatTarget", to, err)
		}
	}
}

func TestSendOutboundAccountSelection(t *testing.T) {
	def := testAccountConfig("default")
	ops := testAccountConfig("ops")
	ops.BasePath = "/ops"
	ch, _ := newTestChannel(t, nil, nil, def, ops)

	recs := map[string]*corpRecorder{}
	for _, acct := range ch.Accounts() {
		recs[acct.Name()] = recordCorpAPI(t, acct)
	}

	// Empty account name falls back to the one literally named "default".
	if err := ch.SendOutbound(context.Background(), agent.SendRequest{To: "li", Content: "a"}); err != nil {
		t.Fatalf("SendOutbound default: %v", err)
	}
	if err := ch.SendOutbound(context.Background(), agent.SendRequest{Account: "ops", To: "li", Content: "b"}); err != nil {
		t.Fatalf("SendOutbound ops: %v", err)
	}
	for name, want := range map[string]int{"default": 1, "ops": 1} {
		recs[name].mu.Lock()
		if got := len(recs[name].sends); got != want {
			t.Errorf("account %s sends = %d, want %d", name, got, want)
		}
		recs[name].mu.Unlock()
	}

	err := ch.SendOutbound(context.Background(), agent.SendRequest{Account: "ghost", To: "li", Content: "c"})
	if err == nil || !strings.Contains(err.Error(), "unknown account") {
		t.Errorf("unknown account error = %v", err)
	}

	// Two accounts and none named "default": an empty name cannot resolve.
	two, _ := newTestChannel(t, nil, nil, testAccountConfig("a"), testAccountConfig("b"))
	if err := two.SendOutbound(context.Background(), agent.SendRequest{To: "li", Content: "d"}); err == nil {
		t.Error("ambiguous empty account name resolved")
	}

	empty, err := NewChannel(&config.Config{}, streamq.New(), &fakeRuntime{}, nil)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	if err := empty.SendOutbound(context.Background(), agent.SendRequest{To: "li"}); err == nil {
		t.Error("send with no accounts succeeded")
	}
}

func TestSendOutboundRequiresAppChannel(t *testing.T) {
	botOnly := testAccountConfig("test")
	botOnly.Secret = ""
	ch, _ := newTestChannel(t, nil, nil, botOnly)

	err := ch.SendOutbound(context.Background(), agent.SendRequest{To: "li", Content: "hi"})
	if !errors.Is(err, ErrAppUnconfigured) {
		t.Fatalf("SendOutbound = %v, want ErrAppUnconfigured", err)
	}
}

func TestSendOutboundMediaFetchFailure(t *testing.T) {
	ch, _ := newTestChannel(t, nil, nil) // fakeRuntime with no fetch scripted
	rec := recordCorpAPI(t, botAccount(t, ch))

	err := ch.SendOutbound(context.Background(), agent.SendRequest{To: "li", MediaURL: "https://files.example.com/x.bin"})
	if err == nil || !strings.Contains(err.Error(), "fetch media") {
		t.Fatalf("SendOutbound = %v, want fetch error", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.sends) != 0 {
		t.Errorf("sends = %d, want none", len(rec.sends))
	}
}

func TestMediaItems(t *testing.T) {
	tests := []struct {
		name string
		one  string
		many []string
		want []string
	}{
		{"merge keeps order", "a", []string{"b", "c"}, []string{"a", "b", "c"}},
		{"dedupe", "a", []string{"a", "b", "a"}, []string{"a", "b"}},
		{"blanks dropped", " ", []string{"", "  b  "}, []string{"b"}},
		{"empty", "", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mediaItems(tt.one, tt.many); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mediaItems = %v, want %v", got, tt.want)
			}
		})
	}
}
