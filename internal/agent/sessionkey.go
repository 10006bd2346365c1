package agent

import (
	"fmt"
	"strings"
)

// Session keys follow the canonical format:
//
//	agent:{agentId}:wecom:{kind}:{peerId}
//
// DM conversations use kind "direct" with the sender's user id; group
// conversations use kind "group" with the chat id. Example:
//
//	agent:default:wecom:direct:zhangsan
//	agent:default:wecom:group:wrOgQhDgAA

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

const channelName = "wecom"

// BuildSessionKey builds the canonical agent session key for a conversation.
func BuildSessionKey(agentID string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channelName, kind, peerID)
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// PeerKindFromChatType maps the wire chat type ("group", anything else is a
// DM) onto a PeerKind.
func PeerKindFromChatType(chatType string) PeerKind {
	if chatType == "group" {
		return PeerGroup
	}
	return PeerDirect
}
