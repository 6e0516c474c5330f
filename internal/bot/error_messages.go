package bot

// error_messages.go maps workflow errors to the text users see.
//
// Codes, for support reference:
//
//	FETCH001  download timed out
//	FETCH002  download failed (status, network, bad or empty reference)
//	FETCH003  file over the size limit
//	FETCH004  too many downloads in flight
//	PARSE001  bytes are not a readable workbook or csv
//	PARSE002  header row beyond the end of the file
//	PARSE003  staged file no longer available
//	PARSE004  data does not fit in an xlsx worksheet
//	DIR001    header row directive is not a non-negative integer
//	ERR000    anything else; check the logs for the request id
//
// Rules are checked in order and the first match wins, so specific rules
// come before the catch-all for their error type.

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/sheetbot/internal/fetch"
	"github.com/JonMunkholm/sheetbot/internal/sheet"
	"github.com/JonMunkholm/sheetbot/internal/staging"
)

// UserMessage is the user-facing description of an error.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Support reference
}

type errorRule struct {
	match func(error) bool
	msg   UserMessage
}

func fetchKind(kind fetch.Kind) func(error) bool {
	return func(err error) bool {
		var fe *fetch.Error
		return errors.As(err, &fe) && fe.Kind == kind
	}
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

var errorRules = []errorRule{
	{
		match: fetchKind(fetch.KindTimeout),
		msg: UserMessage{
			Message: "The file download timed out",
			Action:  "Please send the file again",
			Code:    "FETCH001",
		},
	},
	{
		match: fetchKind(fetch.KindTooLarge),
		msg: UserMessage{
			Message: "The file is too large",
			Action:  "Split it into smaller workbooks and send them one at a time",
			Code:    "FETCH003",
		},
	},
	{
		match: fetchKind(fetch.KindBusy),
		msg: UserMessage{
			Message: "The bot is busy with other files",
			Action:  "Please wait a moment and send the file again",
			Code:    "FETCH004",
		},
	},
	{
		match: isType[*fetch.Error],
		msg: UserMessage{
			Message: "The file could not be downloaded",
			Action:  "Please send the file again",
			Code:    "FETCH002",
		},
	},
	{
		match: is(sheet.ErrHeaderOutOfRange),
		msg: UserMessage{
			Message: "The header row is past the end of the file",
			Action:  "Send a smaller row number (rows start at 0)",
			Code:    "PARSE002",
		},
	},
	{
		match: is(staging.ErrNotFound),
		msg: UserMessage{
			Message: "The uploaded file has expired",
			Action:  "Please send the file again",
			Code:    "PARSE003",
		},
	},
	{
		match: is(sheet.ErrExceedsLimits),
		msg: UserMessage{
			Message: "The file is bigger than a worksheet can hold",
			Action:  "Split it into smaller files with shorter cells and send them one at a time",
			Code:    "PARSE004",
		},
	},
	{
		match: isType[*sheet.ParseError],
		msg: UserMessage{
			Message: "The file is not a readable Excel workbook",
			Action:  "Save it as .xlsx and send it again",
			Code:    "PARSE001",
		},
	},
	{
		match: isType[*DirectiveFormatError],
		msg: UserMessage{
			Message: "The header row must be a whole number of 0 or more",
			Action:  directiveHint,
			Code:    "DIR001",
		},
	},
}

// defaultMessage covers everything without a rule (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError returns the user message for err, or the zero value for nil.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, rule := range errorRules {
		if rule.match(err) {
			return rule.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders err as "Message (Code: X). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
