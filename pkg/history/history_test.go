package history

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/conversation/importer"
	"github.com/go-go-golems/branchchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(records []importer.Record) []conversation.NodeID {
	ret := make([]conversation.NodeID, 0, len(records))
	for _, r := range records {
		ret = append(ret, r.ID)
	}
	return ret
}

const historyYAML = `
- id: u1
  parent_id: null
  sequence: 1
  message: {role: user, text: hello}
- id: a2
  parent_id: u1
  sequence: 2
  message: {role: assistant, text: hi}
- id: u3
  parent_id: a2
  sequence: 3
  message: {role: user, text: how are you}
- id: a5
  parent_id: u3
  sequence: 5
  message: {role: assistant, text: fine}
- id: a4
  parent_id: u3
  sequence: 4
  message: {role: assistant, text: good}
`

func writeHistory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.yaml")
	require.NoError(t, os.WriteFile(path, []byte(historyYAML), 0o600))
	return path
}

func TestFileFetcherPagesNewestFirst(t *testing.T) {
	f := NewFileFetcher(writeHistory(t))
	ctx := context.Background()

	p0, err := f.Fetch(ctx, "", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{"a4", "a5"}, ids(p0.Records))
	assert.True(t, p0.HasMore)

	p2, err := f.Fetch(ctx, "", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{"u1"}, ids(p2.Records))
	assert.False(t, p2.HasMore)

	p3, err := f.Fetch(ctx, "", 3, 2)
	require.NoError(t, err)
	assert.Empty(t, p3.Records)

	_, err = f.Fetch(ctx, "", 0, 0)
	assert.Error(t, err)
}

func TestFileFetcherMissingFile(t *testing.T) {
	_, err := NewFileFetcher(filepath.Join(t.TempDir(), "nope.json")).Fetch(context.Background(), "", 0, 10)
	assert.Error(t, err)
}

func TestLoadPagesMergesOldestFirst(t *testing.T) {
	f := NewFileFetcher(writeHistory(t))

	records, hasMore, err := LoadPages(context.Background(), f, "", 5, 2)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, []conversation.NodeID{"u1", "a2", "u3", "a4", "a5"}, ids(records))

	records, hasMore, err = LoadPages(context.Background(), f, "", 1, 2)
	require.NoError(t, err)
	assert.True(t, hasMore)
	assert.Len(t, records, 2)

	repo := importer.NewRepository()
	all, _, err := LoadPages(context.Background(), f, "", 3, 2)
	require.NoError(t, err)
	_, err = repo.ImportFull(all, true)
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{"u1", "a2", "u3", "a5"}, repo.ActivePath().IDs())
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("X-Token"))
		switch r.URL.Query().Get("page") {
		case "0":
			_, _ = fmt.Fprint(w, `{"messages":[
				{"id":"a2","parentId":"u1","sequence":2,"message":{"role":"assistant","parts":[{"type":"text","text":"hi"}]}},
				{"id":"u1","parentId":null,"sequence":1,"message":{"role":"user","parts":[{"type":"text","text":"hello"}]}}
			],"hasMore":false}`)
		default:
			http.Error(w, "gone", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := &HTTPFetcher{BaseURL: srv.URL + "/conversations/", Headers: map[string]string{"X-Token": "tok"}}
	p, err := f.Fetch(context.Background(), "c1", 0, 50)
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{"u1", "a2"}, ids(p.Records))
	require.NotNil(t, p.Records[0].ParentID)
	assert.Equal(t, conversation.RootID, *p.Records[0].ParentID)
	assert.Equal(t, "hello", p.Records[0].Message.Text())

	_, err = f.Fetch(context.Background(), "c1", 1, 50)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrHTTPStatus))
}

func TestDecodePageBareArray(t *testing.T) {
	p, err := decodePage([]byte(` [{"id":"x","message":{"role":"user","parts":[]},"sequence":1}]`))
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{"x"}, ids(p.Records))
	assert.False(t, p.HasMore)
}
