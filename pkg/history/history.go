package history

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation/importer"
	"github.com/go-go-golems/branchchat/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Page is one page of persisted messages, ascending by sequence. Page 0 holds the newest messages,
// higher pages go further back in time.
type Page struct {
	Records []importer.Record `json:"messages" yaml:"messages"`
	HasMore bool              `json:"hasMore" yaml:"has_more"`
}

// Fetcher loads persisted messages of a conversation.
type Fetcher interface {
	Fetch(ctx context.Context, conversationID string, page int, pageSize int) (*Page, error)
}

// HTTPFetcher reads pages from GET <BaseURL>/<conversationID>/messages?page=N&pageSize=M.
type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	Headers map[string]string
}

func (h *HTTPFetcher) Fetch(ctx context.Context, conversationID string, page int, pageSize int) (*Page, error) {
	u, err := url.Parse(strings.TrimRight(h.BaseURL, "/") + "/" + url.PathEscape(conversationID) + "/messages")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch page %d of %s", page, conversationID)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &transport.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ret, err := decodePage(body)
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode page %d of %s", page, conversationID)
	}
	log.Debug().
		Str("conversation_id", conversationID).
		Int("page", page).
		Int("records", len(ret.Records)).
		Bool("has_more", ret.HasMore).
		Msg("fetched history page")
	return ret, nil
}

// decodePage accepts a page object or a bare array of records.
func decodePage(body []byte) (*Page, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var records []importer.Record
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, err
		}
		sortRecords(records)
		return &Page{Records: records}, nil
	}
	var p Page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	sortRecords(p.Records)
	return &p, nil
}

// FileFetcher pages through an exported conversation file (a JSON or YAML list of records).
// The conversation id is ignored, a file holds a single conversation.
type FileFetcher struct {
	Path string

	once    sync.Once
	records []importer.Record
	err     error
}

func NewFileFetcher(path string) *FileFetcher {
	return &FileFetcher{Path: path}
}

func (f *FileFetcher) load() {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		f.err = err
		return
	}
	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &f.records)
	default:
		err = json.Unmarshal(b, &f.records)
	}
	if err != nil {
		f.err = errors.Wrapf(err, "could not parse %s", f.Path)
		return
	}
	sortRecords(f.records)
}

func (f *FileFetcher) Fetch(ctx context.Context, conversationID string, page int, pageSize int) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if page < 0 || pageSize <= 0 {
		return nil, errors.Errorf("invalid page %d of size %d", page, pageSize)
	}
	f.once.Do(f.load)
	if f.err != nil {
		return nil, f.err
	}

	end := len(f.records) - page*pageSize
	if end <= 0 {
		return &Page{}, nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	records := make([]importer.Record, end-start)
	copy(records, f.records[start:end])
	return &Page{Records: records, HasMore: start > 0}, nil
}

// sortRecords orders by sequence. Records without one keep their position.
func sortRecords(records []importer.Record) {
	keys := make([]int64, len(records))
	for i, r := range records {
		keys[i] = int64(i)
		if r.Sequence != nil {
			keys[i] = *r.Sequence
		}
	}
	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return keys[idx[a]] < keys[idx[b]]
	})
	sorted := make([]importer.Record, len(records))
	for i, j := range idx {
		sorted[i] = records[j]
	}
	copy(records, sorted)
}

// LoadPages fetches pages 0..pages-1 concurrently and returns their records oldest first.
// It stops early at the first page that reports no more history.
func LoadPages(ctx context.Context, fetcher Fetcher, conversationID string, pages int, pageSize int) ([]importer.Record, bool, error) {
	if pages <= 0 {
		return nil, false, errors.Errorf("invalid page count %d", pages)
	}
	results := make([]*Page, pages)
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < pages; i++ {
		i := i
		eg.Go(func() error {
			p, err := fetcher.Fetch(ctx, conversationID, i, pageSize)
			if err != nil {
				return err
			}
			results[i] = p
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, false, err
	}

	last := pages - 1
	for i, p := range results {
		if !p.HasMore {
			last = i
			break
		}
	}
	var ret []importer.Record
	for i := last; i >= 0; i-- {
		ret = append(ret, results[i].Records...)
	}
	return ret, results[last].HasMore, nil
}
