package protocol

import "encoding/json"

// EncryptedRequest is the JSON body of a Bot-channel POST callback.
type EncryptedRequest struct {
	Encrypt string `json:"encrypt"`
}

// EncryptedReply is the sealed reply written back to a callback. WeCom
// expects it as the response body with Content-Type text/plain.
type EncryptedReply struct {
	Encrypt      string `json:"encrypt"`
	MsgSignature string `json:"msgsignature"`
	Timestamp    string `json:"timestamp"`
	Nonce        string `json:"nonce"`
}

// StreamReply is the passive stream frame returned to Bot callbacks and
// pushed to response URLs. Finish=false keeps WeCom polling; Finish=true
// ends the stream with the final content and optional image items.
type StreamReply struct {
	MsgType string     `json:"msgtype"`
	Stream  StreamBody `json:"stream"`
}

type StreamBody struct {
	ID      string       `json:"id"`
	Finish  bool         `json:"finish"`
	Content string       `json:"content,omitempty"`
	MsgItem []StreamItem `json:"msg_item,omitempty"`
}

type StreamItem struct {
	MsgType string     `json:"msgtype"`
	Image   *ImageItem `json:"image,omitempty"`
}

// ImageItem embeds an image into a finished stream frame.
type ImageItem struct {
	Base64 string `json:"base64"`
	MD5    string `json:"md5"`
}

// NewStreamReply builds a content-only stream frame.
func NewStreamReply(id, content string, finish bool) StreamReply {
	return StreamReply{
		MsgType: "stream",
		Stream:  StreamBody{ID: id, Finish: finish, Content: content},
	}
}

// WithImages attaches image items to the frame. WeCom only renders them on
// finished frames.
func (r StreamReply) WithImages(images []ImageItem) StreamReply {
	items := make([]StreamItem, 0, len(images))
	for i := range images {
		img := images[i]
		items = append(items, StreamItem{MsgType: "image", Image: &img})
	}
	r.Stream.MsgItem = items
	return r
}

// TextReply is the active-reply shape for plain text pushes to a response
// URL.
type TextReply struct {
	MsgType string      `json:"msgtype"`
	Text    TextContent `json:"text"`
}

func NewTextReply(content string) TextReply {
	return TextReply{MsgType: "text", Text: TextContent{Content: content}}
}

// TemplateCardReply wraps an agent-produced template card for a response-URL
// push. The card is forwarded verbatim.
type TemplateCardReply struct {
	MsgType      string          `json:"msgtype"`
	TemplateCard json.RawMessage `json:"template_card"`
}

func NewTemplateCardReply(card json.RawMessage) TemplateCardReply {
	return TemplateCardReply{MsgType: "template_card", TemplateCard: card}
}
