package wecom

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/wecomclaw/internal/agent"
)

var _ agent.Sender = (*Channel)(nil)

// SendOutbound delivers an upstream-initiated send (the agent's message
// tool) through the named account's corp API. The recipient string is
// classified by ResolveTarget; chat ids are refused by the client since
// group delivery belongs to the Bot channel's passive stream.
func (c *Channel) SendOutbound(ctx context.Context, req agent.SendRequest) error {
	acct, err := c.accountByName(req.Account)
	if err != nil {
		return err
	}
	if !acct.appConfigured() {
		return fmt.Errorf("account %s: %w", acct.Name(), ErrAppUnconfigured)
	}

	target := ResolveTarget(req.To)
	if strings.TrimSpace(req.Content) != "" {
		for _, chunk := range chunkUTF8(req.Content, dmChunkBytes) {
			if err := acct.client.SendText(ctx, target, chunk); err != nil {
				return fmt.Errorf("send to %s: %w", target, err)
			}
		}
	}

	for _, item := range mediaItems(req.MediaURL, req.MediaURLs) {
		if err := pushMediaItem(ctx, c.runtime, acct, target, item); err != nil {
			return fmt.Errorf("send media to %s: %w", target, err)
		}
	}
	return nil
}

// accountByName resolves the account a send addresses. An empty name picks
// the sole account, or the one literally named "default".
func (c *Channel) accountByName(name string) (*Account, error) {
	accounts := c.Accounts()
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}
	if name == "" {
		if len(accounts) == 1 {
			return accounts[0], nil
		}
		name = "default"
	}
	for _, acct := range accounts {
		if acct.Name() == name {
			return acct, nil
		}
	}
	return nil, fmt.Errorf("unknown account %q", name)
}

// mediaItems merges the single and plural media fields, dropping blanks
// and duplicates while keeping order.
func mediaItems(one string, many []string) []string {
	var out []string
	seen := make(map[string]bool, len(many)+1)
	for _, item := range append([]string{one}, many...) {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

// pushMediaItem delivers one agent-produced attachment to target: local
// files read from disk, remote ones fetched through the runtime, then
// uploaded as temporary media and sent by id. Items that are neither a
// local path nor an http(s) URL are skipped without error.
func pushMediaItem(ctx context.Context, runtime agent.Runtime, acct *Account, target Target, item string) error {
	var data []byte
	var name string
	switch {
	case isLocalPath(item):
		b, err := os.ReadFile(item)
		if err != nil {
			return fmt.Errorf("read media %s: %w", item, err)
		}
		data, name = b, filepath.Base(item)
	case isHTTPURL(item):
		if runtime == nil {
			return fmt.Errorf("fetch media %s: no runtime wired", item)
		}
		b, _, err := runtime.FetchMedia(ctx, item)
		if err != nil {
			return fmt.Errorf("fetch media %s: %w", item, err)
		}
		data, name = b, fileNameFromURL(item)
	default:
		return nil
	}

	mediaType := uploadTypeForName(name)
	if isImageExt(name) {
		mediaType = "image"
	}
	mediaID, err := acct.client.UploadMedia(ctx, mediaType, name, data)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return acct.client.SendMedia(ctx, target, mediaType, mediaID)
}
