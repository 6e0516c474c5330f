package bot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/afs"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/sheetbot/internal/fetch"
	"github.com/JonMunkholm/sheetbot/internal/sheet"
	"github.com/JonMunkholm/sheetbot/internal/staging"
	"github.com/JonMunkholm/sheetbot/internal/state"
)

const conv = "conv-1"

// recordingStager counts reads and discards on a real staging store.
type recordingStager struct {
	*staging.Store
	mu        sync.Mutex
	opens     int
	discarded []staging.Ref
}

func (r *recordingStager) Open(ctx context.Context, ref staging.Ref) ([]byte, error) {
	r.mu.Lock()
	r.opens++
	r.mu.Unlock()
	return r.Store.Open(ctx, ref)
}

func (r *recordingStager) Discard(ctx context.Context, ref staging.Ref) error {
	r.mu.Lock()
	r.discarded = append(r.discarded, ref)
	r.mu.Unlock()
	return r.Store.Discard(ctx, ref)
}

type harness struct {
	ctrl   *Controller
	store  *state.MemoryStore
	staged *recordingStager
	srv    *httptest.Server

	mu    sync.Mutex
	files map[string][]byte
}

func (h *harness) serve(name string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[name] = data
}

func newHarness(t *testing.T, opts fetch.Options) *harness {
	t.Helper()
	h := &harness{files: map[string][]byte{}}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		data, ok := h.files[strings.TrimPrefix(r.URL.Path, "/files/")]
		h.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(h.srv.Close)

	h.store = state.NewMemoryStore(state.MemoryOptions{})
	t.Cleanup(func() { _ = h.store.Close() })
	h.staged = &recordingStager{Store: staging.New(afs.New(), "mem://localhost/bot-test/"+uuid.NewString())}
	h.ctrl = NewController(fetch.New(opts), h.staged, h.store)
	return h
}

func (h *harness) upload(t *testing.T, name string, data []byte) Reply {
	t.Helper()
	h.serve(name, data)
	reply, err := h.ctrl.Handle(context.Background(), Message{
		ConversationID: conv,
		Attachments: []Attachment{{
			Name:        name,
			ContentType: sheet.ContentType,
			ContentURL:  h.srv.URL + "/files/" + name,
		}},
	})
	require.NoError(t, err)
	return reply
}

func (h *harness) say(t *testing.T, text string) Reply {
	t.Helper()
	reply, err := h.ctrl.Handle(context.Background(), Message{ConversationID: conv, Text: text})
	require.NoError(t, err)
	return reply
}

func (h *harness) current(t *testing.T) state.ConversationState {
	t.Helper()
	st, err := h.store.Load(context.Background(), conv)
	require.NoError(t, err)
	return st
}

// tenRowWorkbook has two preamble rows, a header on row 2 and seven data rows.
func tenRowWorkbook(t *testing.T) []byte {
	t.Helper()
	rows := [][]any{
		{"Sales export", nil, nil},
		{"do not edit", nil, nil},
		{"Region", "Units", "Closed"},
	}
	for i := 0; i < 7; i++ {
		rows = append(rows, []any{fmt.Sprintf("R%d", i), i + 1, time.Date(2024, time.March, i+1, 0, 0, 0, 0, time.UTC)})
	}
	return workbook(t, rows)
}

func workbook(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		row := row
		ref, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", ref, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

// decode parses an attachment's data: URL with header row 0.
func decode(t *testing.T, att sheet.Attachment) *sheet.Table {
	t.Helper()
	prefix := "data:" + sheet.ContentType + ";base64,"
	require.True(t, strings.HasPrefix(att.ContentURL, prefix), "content url %.60q", att.ContentURL)
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(att.ContentURL, prefix))
	require.NoError(t, err)
	tbl, err := sheet.Parse(data, sheet.FormatXLSX, sheet.AtRow(0))
	require.NoError(t, err)
	return tbl
}

func TestController_IngestReportsRowCount(t *testing.T) {
	h := newHarness(t, fetch.Options{})

	reply := h.upload(t, "data.xlsx", tenRowWorkbook(t))

	assert.Equal(t, "✅ Received file: **data.xlsx**\nNumber of rows: 10\n\n"+
		"Please enter the header row number (starting from 0), e.g.: `Header row: 4`", reply.Text)
	assert.Empty(t, reply.Attachments)

	st := h.current(t)
	assert.True(t, st.HasFile())
	assert.Equal(t, "data.xlsx", st.LastFileName)
}

func TestController_ApplyHeaderReturnsCleanedFile(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	h.upload(t, "data.xlsx", tenRowWorkbook(t))

	reply := h.say(t, "Header row: 2")

	assert.Equal(t, cleanedReady, reply.Text)
	require.Len(t, reply.Attachments, 1)
	att := reply.Attachments[0]
	assert.Equal(t, "cleaned_data.xlsx", att.Name)
	assert.Equal(t, sheet.ContentType, att.ContentType)

	tbl := decode(t, att)
	assert.Equal(t, []string{"Region", "Units", "Closed"}, tbl.Columns)
	require.Equal(t, 7, tbl.RowCount())
	assert.Equal(t, []sheet.Value{"R0", 1.0, time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)}, tbl.Rows[0])

	assert.True(t, h.current(t).HasFile(), "state is kept after cleaning")
}

func TestController_ApplyHeaderIsIdempotent(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	h.upload(t, "data.xlsx", tenRowWorkbook(t))

	first := h.say(t, "Header row: 2")
	second := h.say(t, "header row:2")

	require.Len(t, first.Attachments, 1)
	require.Len(t, second.Attachments, 1)
	assert.Equal(t, decode(t, first.Attachments[0]), decode(t, second.Attachments[0]))

	other := h.say(t, "Header row: 0")
	require.Len(t, other.Attachments, 1)
	assert.Equal(t, 9, decode(t, other.Attachments[0]).RowCount())
}

func TestController_NoStagedFile(t *testing.T) {
	h := newHarness(t, fetch.Options{})

	for _, text := range []string{"Header row: 3", "header row: 0"} {
		reply := h.say(t, text)
		assert.Equal(t, uploadFirst, reply.Text)
		assert.Empty(t, reply.Attachments)
	}

	assert.Zero(t, h.staged.opens, "nothing may be parsed without a staged file")
	assert.Zero(t, h.store.Len(), "no state record is created")
}

func TestController_SecondIngestReplacesFirst(t *testing.T) {
	h := newHarness(t, fetch.Options{})

	h.upload(t, "first.xlsx", tenRowWorkbook(t))
	firstRef := staging.Ref(h.current(t).LastFileRef)

	reply := h.upload(t, "second.xlsx", workbook(t, [][]any{{"a", "b"}, {1, 2}}))
	assert.Contains(t, reply.Text, "**second.xlsx**")
	assert.Contains(t, reply.Text, "Number of rows: 2")

	out := h.say(t, "Header row: 0")
	require.Len(t, out.Attachments, 1)
	assert.Equal(t, "cleaned_second.xlsx", out.Attachments[0].Name)
	assert.Equal(t, []string{"a", "b"}, decode(t, out.Attachments[0]).Columns)

	assert.Contains(t, h.staged.discarded, firstRef)
	_, err := h.staged.Store.Open(context.Background(), firstRef)
	assert.ErrorIs(t, err, staging.ErrNotFound)
}

func TestController_HeaderOutOfRangeKeepsFile(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	h.upload(t, "data.xlsx", tenRowWorkbook(t))
	before := h.current(t)

	for _, text := range []string{"Header row: 10", "Header row: 1000"} {
		reply := h.say(t, text)
		assert.True(t, strings.HasPrefix(reply.Text, "❌ Failed to clean/process file: "), reply.Text)
		assert.Contains(t, reply.Text, "PARSE002")
		assert.Empty(t, reply.Attachments)
	}

	after := h.current(t)
	assert.Equal(t, before.LastFileRef, after.LastFileRef)
	assert.Equal(t, before.LastFileName, after.LastFileName)

	reply := h.say(t, "Header row: 9")
	require.Len(t, reply.Attachments, 1)
	assert.Equal(t, 0, decode(t, reply.Attachments[0]).RowCount())
}

func TestController_MalformedDirective(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	h.upload(t, "data.xlsx", tenRowWorkbook(t))
	before := h.current(t)

	for _, text := range []string{"header row: abc", "Header row: -1", "header row:"} {
		reply := h.say(t, text)
		assert.Equal(t, directiveHint, reply.Text, text)
	}
	assert.Equal(t, before, h.current(t))
}

func TestController_MalformedDirectiveWithoutFile(t *testing.T) {
	h := newHarness(t, fetch.Options{})

	reply := h.say(t, "header row: abc")
	assert.Equal(t, directiveHint, reply.Text)
	assert.Zero(t, h.store.Len())
}

func TestController_Help(t *testing.T) {
	h := newHarness(t, fetch.Options{})

	assert.Equal(t, helpText, h.say(t, "hello").Text)
	assert.Zero(t, h.store.Len())

	h.upload(t, "data.xlsx", tenRowWorkbook(t))
	before := h.current(t)
	assert.Equal(t, helpText, h.say(t, "what now?").Text)
	assert.Equal(t, before, h.current(t))
}

func TestController_FetchFailureKeepsState(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	h.upload(t, "data.xlsx", tenRowWorkbook(t))
	before := h.current(t)

	reply, err := h.ctrl.Handle(context.Background(), Message{
		ConversationID: conv,
		Attachments:    []Attachment{{Name: "missing.xlsx", ContentURL: h.srv.URL + "/files/missing.xlsx"}},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Text, "❌ Failed to process file: "), reply.Text)
	assert.Contains(t, reply.Text, "FETCH002")
	assert.Equal(t, before, h.current(t))
}

func TestController_FetchTimeout(t *testing.T) {
	h := newHarness(t, fetch.Options{Timeout: 50 * time.Millisecond})

	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(block)

	reply, err := h.ctrl.Handle(context.Background(), Message{
		ConversationID: conv,
		Attachments:    []Attachment{{Name: "data.xlsx", ContentURL: slow.URL + "/data.xlsx"}},
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "FETCH001")
	assert.False(t, h.current(t).HasFile())
}

func TestController_UnreadableUpload(t *testing.T) {
	h := newHarness(t, fetch.Options{})

	reply := h.upload(t, "notes.xlsx", []byte("this is not a workbook"))

	assert.True(t, strings.HasPrefix(reply.Text, "❌ Error reading Excel file: "), reply.Text)
	assert.Contains(t, reply.Text, "PARSE001")
	assert.False(t, h.current(t).HasFile())
}

func TestController_CSVUploadFromDataURL(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	csv := "exported today,\nname,qty\nbolt,3\nnut,4\n"

	reply, err := h.ctrl.Handle(context.Background(), Message{
		ConversationID: conv,
		Attachments: []Attachment{{
			Name:       "parts.csv",
			ContentURL: "data:text/csv;base64," + base64.StdEncoding.EncodeToString([]byte(csv)),
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Number of rows: 4")

	out := h.say(t, "Header row: 1")
	require.Len(t, out.Attachments, 1)
	assert.Equal(t, "cleaned_parts.xlsx", out.Attachments[0].Name)
	tbl := decode(t, out.Attachments[0])
	assert.Equal(t, []string{"name", "qty"}, tbl.Columns)
	assert.Equal(t, [][]sheet.Value{{"bolt", 3.0}, {"nut", 4.0}}, tbl.Rows)
}

func TestController_CSVTooWideForWorksheet(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	csv := strings.Repeat("c,", excelize.MaxColumns) + "c\n1\n"

	reply, err := h.ctrl.Handle(context.Background(), Message{
		ConversationID: conv,
		Attachments: []Attachment{{
			Name:       "wide.csv",
			ContentURL: "data:text/csv;base64," + base64.StdEncoding.EncodeToString([]byte(csv)),
		}},
	})
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "PARSE004")
	assert.Empty(t, h.current(t).LastFileRef)
}

func TestController_ExpiredStagedFile(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	h.upload(t, "data.xlsx", tenRowWorkbook(t))
	require.NoError(t, h.staged.Store.Discard(context.Background(), staging.Ref(h.current(t).LastFileRef)))

	reply := h.say(t, "Header row: 2")
	assert.Contains(t, reply.Text, "PARSE003")
	assert.Empty(t, reply.Attachments)

	assert.Equal(t, uploadFirst, h.say(t, "Header row: 2").Text)
}

type panicFetcher struct{}

func (panicFetcher) Fetch(context.Context, string) ([]byte, error) {
	panic("fetcher exploded")
}

func TestController_PanicBecomesUnexpectedError(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	ctrl := NewController(panicFetcher{}, h.staged, h.store)

	reply, err := ctrl.Handle(context.Background(), Message{
		ConversationID: conv,
		Attachments:    []Attachment{{Name: "x.xlsx", ContentURL: "https://example.invalid/x.xlsx"}},
	})

	var ue *UnexpectedError
	require.True(t, errors.As(err, &ue))
	assert.Contains(t, ue.Error(), "fetcher exploded")
	assert.NotEmpty(t, ue.Stack)
	assert.Contains(t, reply.Text, "ERR000")
}

func TestController_StoreFailureDiscardsStagedBytes(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	require.NoError(t, h.store.Close())
	h.serve("data.xlsx", tenRowWorkbook(t))

	reply, err := h.ctrl.Handle(context.Background(), Message{
		ConversationID: conv,
		Attachments:    []Attachment{{Name: "data.xlsx", ContentURL: h.srv.URL + "/files/data.xlsx"}},
	})

	var ue *UnexpectedError
	require.True(t, errors.As(err, &ue))
	assert.ErrorIs(t, err, state.ErrClosed)
	assert.Contains(t, reply.Text, "ERR000")

	require.Len(t, h.staged.discarded, 1)
	_, openErr := h.staged.Store.Open(context.Background(), h.staged.discarded[0])
	assert.ErrorIs(t, openErr, staging.ErrNotFound)
}

func TestController_ConversationsAreIndependent(t *testing.T) {
	h := newHarness(t, fetch.Options{})
	h.upload(t, "data.xlsx", tenRowWorkbook(t))

	reply, err := h.ctrl.Handle(context.Background(), Message{ConversationID: "someone-else", Text: "Header row: 2"})
	require.NoError(t, err)
	assert.Equal(t, uploadFirst, reply.Text)
}
