package wecom

import (
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Chinese verbs that read as "send this file". Anything subtler goes to
// the agent.
var sendVerbs = []string{"发送", "发给", "帮我发", "发一下", "发到"}

var localPathRe = regexp.MustCompile(`/(?:Users|tmp)/[^\s"'()\[\]<>，。！？；：、]+`)

// detectSendIntent spots "send this local file" requests that need no
// agent round-trip: a Chinese send verb plus at least one local path that
// actually exists.
func detectSendIntent(raw string) []string {
	hasVerb := false
	for _, verb := range sendVerbs {
		if strings.Contains(raw, verb) {
			hasVerb = true
			break
		}
	}
	if !hasVerb {
		return nil
	}
	var paths []string
	for _, p := range dedupeStrings(localPathRe.FindAllString(raw, -1)) {
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

// trySendIntent short-circuits the agent when the user just wants a local
// file delivered. Images ride the stream's inline frames; anything else
// goes out as an Application DM behind the standard media prompt.
func (r *streamRun) trySendIntent() bool {
	paths := detectSendIntent(r.rawBody)
	if len(paths) == 0 {
		return false
	}
	slog.Info("send intent short-circuits agent", "stream", r.streamID, "paths", len(paths))

	var files []string
	for _, p := range paths {
		if !isImageExt(p) {
			files = append(files, p)
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("send intent image unreadable", "path", p, "error", err)
			continue
		}
		r.attachImage(data, "img:"+p)
	}

	d := r.d
	if len(files) == 0 {
		d.store.SetContent(r.streamID, textImagesSent)
		d.store.MarkFinished(r.streamID)
		st, _ := d.store.Get(r.streamID)
		r.pushFrame(textImagesSent, true, imageItems(st.Images))
		return true
	}

	for _, p := range files {
		r.fileFallbackLocal(p)
	}
	return true
}
