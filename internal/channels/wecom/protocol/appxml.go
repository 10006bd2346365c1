package protocol

import "encoding/xml"

// AppEnvelope is the outer XML the Application channel posts to the
// callback URL; only the Encrypt element matters.
type AppEnvelope struct {
	XMLName xml.Name `xml:"xml"`
	Encrypt string   `xml:"Encrypt"`
}

// ParseAppEnvelope extracts the ciphertext from the raw callback body.
func ParseAppEnvelope(body []byte) (AppEnvelope, error) {
	var env AppEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return AppEnvelope{}, err
	}
	return env, nil
}

// AppMessage is the decrypted XML payload of an Application-channel
// callback. WeCom uses PascalCase element names; fields not present for a
// given MsgType stay zero.
type AppMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	AgentID      string   `xml:"AgentID"`

	// text
	Content string `xml:"Content"`

	// media (image/voice/video/file)
	MediaID      string `xml:"MediaId"`
	PicURL       string `xml:"PicUrl"`
	Format       string `xml:"Format"`
	Recognition  string `xml:"Recognition"`
	ThumbMediaID string `xml:"ThumbMediaId"`
	FileName     string `xml:"FileName"`
	Title        string `xml:"Title"`
	Description  string `xml:"Description"`
	URL          string `xml:"Url"`

	// location
	LocationX float64 `xml:"Location_X"`
	LocationY float64 `xml:"Location_Y"`
	Scale     int     `xml:"Scale"`
	Label     string  `xml:"Label"`

	// event
	Event    string `xml:"Event"`
	EventKey string `xml:"EventKey"`
}

// ParseAppMessage decodes a decrypted Application-channel payload.
func ParseAppMessage(plain []byte) (AppMessage, error) {
	var msg AppMessage
	if err := xml.Unmarshal(plain, &msg); err != nil {
		return AppMessage{}, err
	}
	return msg, nil
}

// IsMedia reports whether the message carries a downloadable MediaId.
func (m *AppMessage) IsMedia() bool {
	switch m.MsgType {
	case "image", "voice", "video", "file":
		return m.MediaID != ""
	}
	return false
}

// DisplayName returns the best available original file name for a media
// message: FileName for files, Title for videos, empty otherwise.
func (m *AppMessage) DisplayName() string {
	if m.FileName != "" {
		return m.FileName
	}
	return m.Title
}
