package protocol

import (
	"encoding/json"
	"testing"
)

func TestIncomingMessageUserIDAliases(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"nested from object", `{"from":{"userid":"alice"}}`, "alice"},
		{"flat fromuserid", `{"fromuserid":"bob"}`, "bob"},
		{"flat from_userid", `{"from_userid":"carol"}`, "carol"},
		{"flat fromUserId", `{"fromUserId":"dave"}`, "dave"},
		{"nested wins over flat", `{"from":{"userid":"alice"},"fromuserid":"bob"}`, "alice"},
		{"absent", `{"msgtype":"text"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg IncomingMessage
			if err := json.Unmarshal([]byte(tt.body), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.UserID(); got != tt.want {
				t.Errorf("UserID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIncomingMessageText(t *testing.T) {
	body := `{
		"msgid": "MSG001",
		"aibotid": "BOT9",
		"chattype": "single",
		"response_url": "https://qyapi.weixin.qq.com/resp/abc",
		"from": {"userid": "zhangsan"},
		"msgtype": "text",
		"text": {"content": "帮我看看这个问题"}
	}`
	var msg IncomingMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.MsgID != "MSG001" || msg.AIBotID != "BOT9" {
		t.Errorf("ids = (%q, %q)", msg.MsgID, msg.AIBotID)
	}
	if msg.IsGroup() {
		t.Error("IsGroup() = true for single chat")
	}
	if got := msg.PeerID(); got != "zhangsan" {
		t.Errorf("PeerID() = %q, want sender for single chat", got)
	}
	if msg.Text == nil || msg.Text.Content != "帮我看看这个问题" {
		t.Errorf("text payload = %+v", msg.Text)
	}
	if msg.ResponseURL != "https://qyapi.weixin.qq.com/resp/abc" {
		t.Errorf("ResponseURL = %q", msg.ResponseURL)
	}
}

func TestIncomingMessageGroupPeer(t *testing.T) {
	body := `{
		"msgid": "MSG002",
		"chattype": "group",
		"chatid": "wrOgQhDgAA",
		"from": {"userid": "lisi"},
		"msgtype": "text",
		"text": {"content": "hi"}
	}`
	var msg IncomingMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !msg.IsGroup() {
		t.Error("IsGroup() = false for group chat")
	}
	if got := msg.PeerID(); got != "wrOgQhDgAA" {
		t.Errorf("PeerID() = %q, want chat id for group chat", got)
	}
}

func TestIncomingMessageMixedAndQuote(t *testing.T) {
	body := `{
		"msgid": "MSG003",
		"chattype": "single",
		"from": {"userid": "u1"},
		"msgtype": "mixed",
		"mixed": {"msg_item": [
			{"msgtype": "text", "text": {"content": "看下这张图"}},
			{"msgtype": "image", "image": {"url": "https://wework.qpic.cn/enc/img1"}}
		]},
		"quote": {"msgtype": "text", "text": {"content": "昨天的报表"}}
	}`
	var msg IncomingMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Mixed == nil || len(msg.Mixed.MsgItem) != 2 {
		t.Fatalf("mixed payload = %+v", msg.Mixed)
	}
	if msg.Mixed.MsgItem[0].Text == nil || msg.Mixed.MsgItem[0].Text.Content != "看下这张图" {
		t.Errorf("mixed item 0 = %+v", msg.Mixed.MsgItem[0])
	}
	if msg.Mixed.MsgItem[1].Image == nil || msg.Mixed.MsgItem[1].Image.URL != "https://wework.qpic.cn/enc/img1" {
		t.Errorf("mixed item 1 = %+v", msg.Mixed.MsgItem[1])
	}
	if msg.Quote == nil || msg.Quote.Text == nil || msg.Quote.Text.Content != "昨天的报表" {
		t.Errorf("quote = %+v", msg.Quote)
	}
}

func TestIncomingMessageTemplateCardEvent(t *testing.T) {
	body := `{
		"msgid": "MSG004",
		"chattype": "single",
		"from": {"userid": "u1"},
		"msgtype": "event",
		"event": {
			"eventtype": "template_card_event",
			"template_card_event": {
				"card_type": "button_interaction",
				"event_key": "approve",
				"task_id": "task-77",
				"selected_items": [
					{"question_key": "env", "option_ids": ["prod", "staging"]}
				]
			}
		}
	}`
	var msg IncomingMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Event == nil || msg.Event.EventType != "template_card_event" {
		t.Fatalf("event = %+v", msg.Event)
	}
	card := msg.Event.TemplateCard
	if card == nil {
		t.Fatal("template_card_event payload missing")
	}
	if card.EventKey != "approve" || card.TaskID != "task-77" {
		t.Errorf("card = %+v", card)
	}
	if len(card.SelectedItems) != 1 || len(card.SelectedItems[0].OptionIDs) != 2 {
		t.Errorf("selected items = %+v", card.SelectedItems)
	}
}

func TestStreamReplyJSON(t *testing.T) {
	reply := NewStreamReply("s1", "partial answer", false)
	raw, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"msgtype":"stream","stream":{"id":"s1","finish":false,"content":"partial answer"}}`
	if string(raw) != want {
		t.Errorf("stream frame = %s, want %s", raw, want)
	}

	final := NewStreamReply("s1", "done", true).WithImages([]ImageItem{{Base64: "aGk=", MD5: "abc123"}})
	raw, err = json.Marshal(final)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want = `{"msgtype":"stream","stream":{"id":"s1","finish":true,"content":"done",` +
		`"msg_item":[{"msgtype":"image","image":{"base64":"aGk=","md5":"abc123"}}]}}`
	if string(raw) != want {
		t.Errorf("final frame = %s, want %s", raw, want)
	}
}

func TestTemplateCardReplyPassesCardThrough(t *testing.T) {
	card := json.RawMessage(`{"card_type":"text_notice","main_title":{"title":"部署完成"}}`)
	raw, err := json.Marshal(NewTemplateCardReply(card))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"msgtype":"template_card","template_card":{"card_type":"text_notice","main_title":{"title":"部署完成"}}}`
	if string(raw) != want {
		t.Errorf("card reply = %s, want %s", raw, want)
	}
}

func TestParseAppEnvelope(t *testing.T) {
	body := []byte(`<xml><ToUserName><![CDATA[ww52b7dcb54]]></ToUserName><Encrypt><![CDATA[b64cipher==]]></Encrypt><AgentID><![CDATA[1000002]]></AgentID></xml>`)
	env, err := ParseAppEnvelope(body)
	if err != nil {
		t.Fatalf("ParseAppEnvelope: %v", err)
	}
	if env.Encrypt != "b64cipher==" {
		t.Errorf("Encrypt = %q", env.Encrypt)
	}

	plain := []byte(`<xml><Encrypt>nocdata</Encrypt></xml>`)
	env, err = ParseAppEnvelope(plain)
	if err != nil {
		t.Fatalf("ParseAppEnvelope plain: %v", err)
	}
	if env.Encrypt != "nocdata" {
		t.Errorf("Encrypt = %q", env.Encrypt)
	}

	if _, err := ParseAppEnvelope([]byte("not xml")); err == nil {
		t.Error("ParseAppEnvelope accepted junk")
	}
}

func TestParseAppMessage(t *testing.T) {
	text := []byte(`<xml>
		<ToUserName><![CDATA[ww52b7dcb54]]></ToUserName>
		<FromUserName><![CDATA[WangWu]]></FromUserName>
		<CreateTime>1700000123</CreateTime>
		<MsgType><![CDATA[text]]></MsgType>
		<Content><![CDATA[查询库存]]></Content>
		<MsgId>7123456789012345678</MsgId>
		<AgentID>1000002</AgentID>
	</xml>`)
	msg, err := ParseAppMessage(text)
	if err != nil {
		t.Fatalf("ParseAppMessage: %v", err)
	}
	if msg.MsgType != "text" || msg.Content != "查询库存" {
		t.Errorf("text message = %+v", msg)
	}
	if msg.MsgID != "7123456789012345678" || msg.FromUserName != "WangWu" {
		t.Errorf("ids = (%q, %q)", msg.MsgID, msg.FromUserName)
	}
	if msg.IsMedia() {
		t.Error("IsMedia() = true for text")
	}

	file := []byte(`<xml>
		<FromUserName><![CDATA[WangWu]]></FromUserName>
		<MsgType><![CDATA[file]]></MsgType>
		<MediaId><![CDATA[MEDIA42]]></MediaId>
		<FileName><![CDATA[季度报告.pdf]]></FileName>
		<MsgId>7123456789012345679</MsgId>
	</xml>`)
	msg, err = ParseAppMessage(file)
	if err != nil {
		t.Fatalf("ParseAppMessage file: %v", err)
	}
	if !msg.IsMedia() {
		t.Error("IsMedia() = false for file")
	}
	if msg.MediaID != "MEDIA42" || msg.DisplayName() != "季度报告.pdf" {
		t.Errorf("file message = %+v", msg)
	}

	video := []byte(`<xml><MsgType>video</MsgType><MediaId>M1</MediaId><Title>demo.mp4</Title></xml>`)
	msg, err = ParseAppMessage(video)
	if err != nil {
		t.Fatalf("ParseAppMessage video: %v", err)
	}
	if msg.DisplayName() != "demo.mp4" {
		t.Errorf("DisplayName() = %q, want Title fallback", msg.DisplayName())
	}
}
