package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DefaultImagePrompt is used as the text part when a turn carries only images.
const DefaultImagePrompt = "What's in this image?"

// Content is either TextContent or MultipartContent.
type Content interface {
	isContent()
}

// Part is either TextPart or ImagePart.
type Part interface {
	isPart()
}

// TextContent is a plain string message body.
type TextContent struct {
	Text string
}

// MultipartContent is an ordered list of text and image parts.
type MultipartContent struct {
	Parts []Part
}

// TextPart is a text fragment inside a multipart message.
type TextPart struct {
	Text string
}

// ImagePart references an image, usually as a base64 data URI.
type ImagePart struct {
	URL string
}

func (TextContent) isContent()      {}
func (MultipartContent) isContent() {}
func (TextPart) isPart()            {}
func (ImagePart) isPart()           {}

// Message is one entry of a conversation. It marshals to the chat
// completions wire shape, which is also how it is persisted.
type Message struct {
	Role    Role
	Content Content
}

// NewTextMessage builds a message with plain text content.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: TextContent{Text: text}}
}

// NewUserTurn builds the user message for a turn. Without images the content
// is plain text; with images it becomes multipart with the text first.
func NewUserTurn(text string, images []ImagePart) Message {
	if len(images) == 0 {
		return NewTextMessage(RoleUser, text)
	}
	if strings.TrimSpace(text) == "" {
		text = DefaultImagePrompt
	}
	parts := make([]Part, 0, len(images)+1)
	parts = append(parts, TextPart{Text: text})
	for _, img := range images {
		parts = append(parts, img)
	}
	return Message{Role: RoleUser, Content: MultipartContent{Parts: parts}}
}

// Text returns the concatenated text of the message, ignoring images.
func (m Message) Text() string {
	return ContentText(m.Content)
}

// ContentText returns the text carried by c.
func ContentText(c Content) string {
	switch v := c.(type) {
	case TextContent:
		return v.Text
	case MultipartContent:
		var texts []string
		for _, p := range v.Parts {
			if tp, ok := p.(TextPart); ok {
				texts = append(texts, tp.Text)
			}
		}
		return strings.Join(texts, " ")
	default:
		return ""
	}
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if mc, ok := m.Content.(MultipartContent); ok {
		parts := make([]Part, len(mc.Parts))
		copy(parts, mc.Parts)
		return Message{Role: m.Role, Content: MultipartContent{Parts: parts}}
	}
	return m
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	var content any
	switch v := m.Content.(type) {
	case nil:
		content = ""
	case TextContent:
		content = v.Text
	case MultipartContent:
		parts := make([]wirePart, 0, len(v.Parts))
		for _, p := range v.Parts {
			switch pv := p.(type) {
			case TextPart:
				parts = append(parts, wirePart{Type: "text", Text: pv.Text})
			case ImagePart:
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: pv.URL}})
			default:
				return nil, fmt.Errorf("unsupported message part %T", p)
			}
		}
		content = parts
	default:
		return nil, fmt.Errorf("unsupported message content %T", m.Content)
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Role: m.Role, Content: raw})
}

// UnmarshalJSON implements json.Unmarshaler. Content may be a string or an
// array of typed parts.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return err
	}
	m.Role = wm.Role

	raw := bytes.TrimSpace(wm.Content)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		m.Content = TextContent{}
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		m.Content = TextContent{Text: s}
	case raw[0] == '[':
		var wps []wirePart
		if err := json.Unmarshal(raw, &wps); err != nil {
			return err
		}
		parts := make([]Part, 0, len(wps))
		for _, wp := range wps {
			switch wp.Type {
			case "text":
				parts = append(parts, TextPart{Text: wp.Text})
			case "image_url":
				if wp.ImageURL == nil {
					return errors.New("image_url part without url")
				}
				parts = append(parts, ImagePart{URL: wp.ImageURL.URL})
			default:
				return fmt.Errorf("unknown content part type %q", wp.Type)
			}
		}
		m.Content = MultipartContent{Parts: parts}
	default:
		return fmt.Errorf("unsupported content encoding %q", raw[0])
	}
	return nil
}
