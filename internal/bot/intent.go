// Package bot implements the conversation workflow: classify each inbound
// message, then ingest a spreadsheet, apply a header row to the staged
// spreadsheet, or reply with usage help.
package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// headerDirective is the lower-cased marker of an apply-header message.
const headerDirective = "header row:"

// Message is an inbound chat message reduced to what the workflow needs.
type Message struct {
	ConversationID string
	Text           string
	Attachments    []Attachment
}

// Attachment is an inbound file reference.
type Attachment struct {
	Name        string
	ContentType string
	ContentURL  string
}

// Intent is what a message asks for. It is one of IngestIntent,
// ApplyHeaderIntent or HelpIntent.
type Intent interface {
	Kind() string
	isIntent()
}

// IngestIntent asks to stage a newly uploaded file.
type IngestIntent struct {
	Name       string
	ContentURL string
}

// ApplyHeaderIntent asks to re-read the staged file with a header row.
// Raw is the full message text; see ParseHeaderRow.
type ApplyHeaderIntent struct {
	Raw string
}

// HelpIntent asks for nothing the bot understands.
type HelpIntent struct{}

func (IngestIntent) Kind() string      { return "ingest" }
func (ApplyHeaderIntent) Kind() string { return "apply_header" }
func (HelpIntent) Kind() string        { return "help" }

func (IngestIntent) isIntent()      {}
func (ApplyHeaderIntent) isIntent() {}
func (HelpIntent) isIntent()        {}

// Classify picks the intent of msg. An attachment always wins; otherwise
// text containing "header row:" (any case) is a directive; anything else
// gets help. Attachments without a content URL (inline cards, html copies of
// the text) are not files and are skipped.
func Classify(msg Message) Intent {
	for _, att := range msg.Attachments {
		if strings.TrimSpace(att.ContentURL) == "" {
			continue
		}
		return IngestIntent{Name: att.Name, ContentURL: att.ContentURL}
	}
	if strings.Contains(strings.ToLower(msg.Text), headerDirective) {
		return ApplyHeaderIntent{Raw: msg.Text}
	}
	return HelpIntent{}
}

var (
	errNoColon     = errors.New("no ':' in directive")
	errNegativeRow = errors.New("row number must not be negative")
)

// DirectiveFormatError means a header-row directive did not carry a
// non-negative integer.
type DirectiveFormatError struct {
	Raw string
	Err error
}

func (e *DirectiveFormatError) Error() string {
	return fmt.Sprintf("invalid header row directive %q: %v", e.Raw, e.Err)
}

func (e *DirectiveFormatError) Unwrap() error { return e.Err }

// ParseHeaderRow reads the row index from a directive: the text after the
// first colon, trimmed, as a base-10 integer of 0 or more.
//
//	"Header row: 4"  -> 4
//	"header ROW:0"   -> 0
//	"header row: -1" -> *DirectiveFormatError
func ParseHeaderRow(text string) (int, error) {
	_, value, ok := strings.Cut(text, ":")
	if !ok {
		return 0, &DirectiveFormatError{Raw: text, Err: errNoColon}
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, &DirectiveFormatError{Raw: text, Err: err}
	}
	if n < 0 {
		return 0, &DirectiveFormatError{Raw: text, Err: errNegativeRow}
	}
	return n, nil
}
