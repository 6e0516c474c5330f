package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/JonMunkholm/sheetbot/internal/fetch"
	"github.com/JonMunkholm/sheetbot/internal/logging"
	"github.com/JonMunkholm/sheetbot/internal/sheet"
	"github.com/JonMunkholm/sheetbot/internal/staging"
	"github.com/JonMunkholm/sheetbot/internal/state"
)

// Reply texts.
const (
	helpText       = "Send me an Excel (.xlsx) file. Then send the header row (e.g., `Header row: 4`)."
	directiveHint  = "Please enter header row in format: `Header row: 4`"
	uploadFirst    = "Please send an Excel file first."
	cleanedReady   = "🧹 Cleaned file is ready. Download below:"
	receivedFormat = "✅ Received file: **%s**\nNumber of rows: %d\n\n" +
		"Please enter the header row number (starting from 0), e.g.: `Header row: 4`"

	ingestFetchFailed = "Failed to process file"
	ingestParseFailed = "Error reading Excel file"
	applyFailed       = "Failed to clean/process file"
)

// defaultFileName stands in for attachments that arrive without a name.
const defaultFileName = "upload.xlsx"

// Reply is the bot's answer to one message.
type Reply struct {
	Text        string
	Attachments []sheet.Attachment
}

// UnexpectedError wraps any failure the workflow has no user message for,
// including recovered panics. It is the only error Handle returns.
type UnexpectedError struct {
	Err   error
	Stack []byte
}

func (e *UnexpectedError) Error() string {
	return "unexpected error: " + e.Err.Error()
}

func (e *UnexpectedError) Unwrap() error { return e.Err }

// Fetcher downloads the bytes behind an attachment's content URL.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Stager keeps uploaded bytes until the header row arrives.
type Stager interface {
	Stage(ctx context.Context, key, name string, data []byte) (staging.Ref, error)
	Open(ctx context.Context, ref staging.Ref) ([]byte, error)
	Discard(ctx context.Context, ref staging.Ref) error
}

// Controller runs the workflow for every conversation.
type Controller struct {
	fetcher Fetcher
	staged  Stager
	store   state.Store
}

func NewController(fetcher Fetcher, staged Stager, store state.Store) *Controller {
	return &Controller{fetcher: fetcher, staged: staged, store: store}
}

// errNoFile aborts an apply-header update when nothing is staged.
var errNoFile = errors.New("no staged file")

// Handle answers msg. Expected failures (download, parse, directive) become
// reply text with a nil error. Anything else is returned as
// *UnexpectedError alongside a generic failure reply.
func (c *Controller) Handle(ctx context.Context, msg Message) (reply Reply, err error) {
	intent := Classify(msg)
	ctx = logging.WithConversation(ctx, msg.ConversationID)
	log := logging.WithFields(ctx, "intent", intent.Kind())

	defer func() {
		if r := recover(); r != nil {
			err = &UnexpectedError{Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
		if err == nil {
			return
		}
		var ue *UnexpectedError
		if !errors.As(err, &ue) {
			err = &UnexpectedError{Err: err}
		}
		log.Error("message handling failed", "error", err)
		reply = failureReply("Something went wrong", err)
	}()

	switch in := intent.(type) {
	case IngestIntent:
		return c.ingest(ctx, msg.ConversationID, in)
	case ApplyHeaderIntent:
		return c.applyHeader(ctx, msg.ConversationID, in)
	default:
		return Reply{Text: helpText}, nil
	}
}

func (c *Controller) ingest(ctx context.Context, key string, in IngestIntent) (Reply, error) {
	log := logging.FromContext(ctx)
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = defaultFileName
	}

	data, err := c.fetcher.Fetch(ctx, in.ContentURL)
	if err != nil {
		var fe *fetch.Error
		if !errors.As(err, &fe) {
			err = &fetch.Error{Kind: fetch.KindTransport, Ref: in.ContentURL, Err: err}
		}
		log.Warn("attachment download failed", "file", name, "error", err)
		return failureReply(ingestFetchFailed, err), nil
	}

	tbl, err := sheet.Parse(data, sheet.FormatFromName(name), sheet.NoHeader)
	if err != nil {
		log.Warn("attachment unreadable", "file", name, "error", err)
		return failureReply(ingestParseFailed, err), nil
	}

	ref, err := c.staged.Stage(ctx, key, name, data)
	if err != nil {
		return Reply{}, fmt.Errorf("stage %s: %w", name, err)
	}

	var previous staging.Ref
	err = c.store.Update(ctx, key, func(st *state.ConversationState) error {
		previous = staging.Ref(st.LastFileRef)
		st.LastFileRef = string(ref)
		st.LastFileName = name
		return nil
	})
	if err != nil {
		if derr := c.staged.Discard(ctx, ref); derr != nil {
			log.Warn("discard staged file failed", "ref", ref, "error", derr)
		}
		return Reply{}, fmt.Errorf("save conversation state: %w", err)
	}

	if previous != "" && previous != ref {
		if err := c.staged.Discard(ctx, previous); err != nil {
			log.Warn("discard previous file failed", "ref", previous, "error", err)
		}
	}

	log.Info("file ingested", "file", name, "rows", tbl.RowCount(), "columns", tbl.ColumnCount())
	return Reply{Text: fmt.Sprintf(receivedFormat, name, tbl.RowCount())}, nil
}

func (c *Controller) applyHeader(ctx context.Context, key string, in ApplyHeaderIntent) (Reply, error) {
	log := logging.FromContext(ctx)

	n, err := ParseHeaderRow(in.Raw)
	if err != nil {
		log.Info("malformed directive", "error", err)
		return Reply{Text: directiveHint}, nil
	}

	var reply Reply
	err = c.store.Update(ctx, key, func(st *state.ConversationState) error {
		if !st.HasFile() {
			return errNoFile
		}

		data, err := c.staged.Open(ctx, staging.Ref(st.LastFileRef))
		if errors.Is(err, staging.ErrNotFound) {
			// The bytes are gone; forget them so the next directive asks
			// for a fresh upload.
			log.Warn("staged file missing", "ref", st.LastFileRef)
			reply = failureReply(applyFailed, err)
			*st = state.ConversationState{}
			return nil
		}
		if err != nil {
			return fmt.Errorf("open staged file: %w", err)
		}

		tbl, err := sheet.Parse(data, sheet.FormatFromName(st.LastFileName), sheet.AtRow(n))
		if err != nil {
			return err
		}
		out, err := sheet.Encode(tbl)
		if err != nil {
			return fmt.Errorf("encode cleaned file: %w", err)
		}

		cleaned := sheet.CleanedName(st.LastFileName)
		log.Info("file cleaned", "file", cleaned, "header_row", n, "rows", tbl.RowCount())
		reply = Reply{
			Text:        cleanedReady,
			Attachments: []sheet.Attachment{sheet.ToAttachment(out, cleaned)},
		}
		return nil
	})

	var pe *sheet.ParseError
	switch {
	case err == nil:
		return reply, nil
	case errors.Is(err, errNoFile):
		return Reply{Text: uploadFirst}, nil
	case errors.As(err, &pe):
		log.Warn("header row rejected", "header_row", n, "error", err)
		return failureReply(applyFailed, err), nil
	default:
		return Reply{}, err
	}
}

func failureReply(prefix string, err error) Reply {
	return Reply{Text: fmt.Sprintf("❌ %s: %s", prefix, FormatUserError(err))}
}
