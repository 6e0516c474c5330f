// Package channel speaks the chat channel's wire format: inbound activities
// posted to the bot, and outbound reply activities posted back to the
// channel's service URL.
package channel

import (
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetbot/internal/bot"
)

// Activity types the bot distinguishes.
const (
	TypeMessage            = "message"
	TypeConversationUpdate = "conversationUpdate"
)

// Activity is the JSON envelope of every channel event.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Timestamp    *time.Time          `json:"timestamp,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
}

type ChannelAccount struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// Attachment is a file or card carried by an activity. Inline cards use
// Content; files use ContentURL.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Content     any    `json:"content,omitempty"`
}

// IsMessage reports whether the bot should answer a.
func (a *Activity) IsMessage() bool {
	return a.Type == TypeMessage
}

// ToMessage extracts what the workflow needs from a message activity.
func (a *Activity) ToMessage() bot.Message {
	msg := bot.Message{
		ConversationID: a.Conversation.ID,
		Text:           a.Text,
	}
	for _, att := range a.Attachments {
		msg.Attachments = append(msg.Attachments, bot.Attachment{
			Name:        att.Name,
			ContentType: att.ContentType,
			ContentURL:  att.ContentURL,
		})
	}
	return msg
}

// NewReply builds the message activity answering a.
func (a *Activity) NewReply(r bot.Reply) Activity {
	now := time.Now().UTC()
	out := Activity{
		Type:         TypeMessage,
		ID:           uuid.NewString(),
		Timestamp:    &now,
		ServiceURL:   a.ServiceURL,
		ChannelID:    a.ChannelID,
		From:         a.Recipient,
		Recipient:    a.From,
		Conversation: a.Conversation,
		Text:         r.Text,
		TextFormat:   "markdown",
		ReplyToID:    a.ID,
	}
	for _, att := range r.Attachments {
		out.Attachments = append(out.Attachments, Attachment{
			Name:        att.Name,
			ContentType: att.ContentType,
			ContentURL:  att.ContentURL,
		})
	}
	return out
}
