package protocol

// IncomingMessage is the decrypted JSON body of a Bot-channel callback.
// Only the msgtype payload pointer matching MsgType is populated.
type IncomingMessage struct {
	MsgID       string `json:"msgid"`
	AIBotID     string `json:"aibotid"`
	ChatID      string `json:"chatid"`
	ChatType    string `json:"chattype"` // "single" or "group"
	ResponseURL string `json:"response_url"`
	MsgType     string `json:"msgtype"`

	From *Sender `json:"from,omitempty"`
	// Some payloads flatten the sender into a top-level key; all observed
	// spellings are accepted and resolved by UserID.
	FromUserID      string `json:"fromuserid,omitempty"`
	FromUserIDSnake string `json:"from_userid,omitempty"`
	FromUserIDCamel string `json:"fromUserId,omitempty"`

	Text     *TextContent     `json:"text,omitempty"`
	Voice    *VoiceContent    `json:"voice,omitempty"`
	Image    *ImageContent    `json:"image,omitempty"`
	File     *FileContent     `json:"file,omitempty"`
	Stream   *StreamRef       `json:"stream,omitempty"`
	Event    *EventContent    `json:"event,omitempty"`
	Mixed    *MixedContent    `json:"mixed,omitempty"`
	Link     *LinkContent     `json:"link,omitempty"`
	Location *LocationContent `json:"location,omitempty"`
	Quote    *Quote           `json:"quote,omitempty"`
}

// Sender identifies the message author.
type Sender struct {
	UserID string `json:"userid"`
}

// TextContent carries plain text. Voice callbacks reuse the same shape with
// the speech recognition result in Content.
type TextContent struct {
	Content string `json:"content"`
}

type VoiceContent struct {
	Content string `json:"content"`
}

// ImageContent and FileContent point at an encrypted blob; the bytes behind
// URL are AES-encrypted with the account's envelope key.
type ImageContent struct {
	URL string `json:"url"`
}

type FileContent struct {
	URL string `json:"url"`
}

// StreamRef is the poll cursor WeCom sends while it refreshes a passive
// stream reply.
type StreamRef struct {
	ID string `json:"id"`
}

// EventContent carries system events such as enter_chat and
// template_card_event.
type EventContent struct {
	EventType    string             `json:"eventtype"`
	TemplateCard *TemplateCardEvent `json:"template_card_event,omitempty"`
}

// TemplateCardEvent describes a user interaction with a previously sent
// template card: which button was pressed and which options were selected.
type TemplateCardEvent struct {
	CardType      string         `json:"card_type,omitempty"`
	EventKey      string         `json:"event_key,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	SelectedItems []SelectedItem `json:"selected_items,omitempty"`
}

type SelectedItem struct {
	QuestionKey string   `json:"question_key"`
	OptionIDs   []string `json:"option_ids,omitempty"`
}

// MixedContent is an ordered list of text and media items sent as one
// message.
type MixedContent struct {
	MsgItem []MixedItem `json:"msg_item"`
}

type MixedItem struct {
	MsgType string        `json:"msgtype"`
	Text    *TextContent  `json:"text,omitempty"`
	Image   *ImageContent `json:"image,omitempty"`
	File    *FileContent  `json:"file,omitempty"`
}

type LinkContent struct {
	Title  string `json:"title"`
	Desc   string `json:"desc"`
	URL    string `json:"url"`
	PicURL string `json:"pic_url"`
}

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

// Quote is the message the user replied to, attached alongside the new
// content.
type Quote struct {
	MsgType string        `json:"msgtype"`
	Text    *TextContent  `json:"text,omitempty"`
	Image   *ImageContent `json:"image,omitempty"`
	File    *FileContent  `json:"file,omitempty"`
}

// UserID resolves the sender id across the spellings WeCom has used.
func (m *IncomingMessage) UserID() string {
	if m.From != nil && m.From.UserID != "" {
		return m.From.UserID
	}
	if m.FromUserID != "" {
		return m.FromUserID
	}
	if m.FromUserIDSnake != "" {
		return m.FromUserIDSnake
	}
	return m.FromUserIDCamel
}

// IsGroup reports whether the message came from a group chat.
func (m *IncomingMessage) IsGroup() bool {
	return m.ChatType == "group"
}

// PeerID returns the conversation peer: the chat id for group chats, the
// sender id otherwise.
func (m *IncomingMessage) PeerID() string {
	if m.IsGroup() && m.ChatID != "" {
		return m.ChatID
	}
	return m.UserID()
}
