package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentTypes lists the bodies a BlockMessage may carry on the wire.
var ContentTypes = []string{
	"text/plain",
	"text/html",
	"multipart/alternative",
	"application/json",
}

// ValidContentType reports whether ct is one of ContentTypes.
func ValidContentType(ct string) bool {
	for _, c := range ContentTypes {
		if c == ct {
			return true
		}
	}
	return false
}

// Message is the base block for every notification payload.
type Message struct {
	Name     string    `json:"name"`
	Body     any       `json:"body,omitempty"` // string or map
	Content  string    `json:"content,omitempty"`
	Sent     time.Time `json:"sent"`
	Template string    `json:"template,omitempty"`
}

// NewMessage builds a Message with a generated name and current timestamp.
func NewMessage(body any) *Message {
	return &Message{
		Name: uuid.NewString(),
		Body: body,
		Sent: time.Now(),
	}
}

// Attachment is a generic payload attachment.
type Attachment struct {
	Name        string `json:"name"`
	Content     []byte `json:"content,omitempty"`
	ContentType string `json:"content_type"`
	Type        string `json:"type"`
}

// MailAttachment extends Attachment with mail envelope details.
type MailAttachment struct {
	Attachment
	Filename           string `json:"filename"`
	ContentDisposition string `json:"content_disposition"`
	Size               int    `json:"size"`
	Subject            string `json:"subject,omitempty"`
}

// BlockMessage carries sender/recipient envelope data and attachments.
type BlockMessage struct {
	Message
	Sender      *Actor       `json:"sender,omitempty"`
	Recipients  []*Actor     `json:"recipient,omitempty"`
	ContentType string       `json:"content_type,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Flags       []string     `json:"flags,omitempty"`
}

// Validate checks the content type against ContentTypes.
func (b *BlockMessage) Validate() error {
	if b.ContentType != "" && !ValidContentType(b.ContentType) {
		return fmt.Errorf("message: unsupported content type %q", b.ContentType)
	}
	return nil
}

// MailMessage represents an email object with its attachments.
type MailMessage struct {
	BlockMessage
	Subject     string           `json:"subject,omitempty"`
	Directory   string           `json:"directory,omitempty"`
	Attachments []MailAttachment `json:"attachments,omitempty"`
}

// AttachmentNames returns the attachment filenames.
func (m *MailMessage) AttachmentNames() []string {
	names := make([]string, 0, len(m.Attachments))
	for _, at := range m.Attachments {
		names = append(names, at.Filename)
	}
	return names
}
