package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/feedback-cli/internal/store"
)

const reviewsRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>App Reviews</title>
  <link>https://example.com</link>
  <item>
    <title>Love it</title>
    <guid>review-1</guid>
    <description><![CDATA[<p>Works <b>great</b> on my phone</p>]]></description>
    <pubDate>Mon, 02 Mar 2026 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Crashes</title>
    <link>https://example.com/reviews/2</link>
    <description>Crashes on login</description>
    <pubDate>Tue, 03 Mar 2026 10:00:00 GMT</pubDate>
  </item>
  <item>
    <title>No id</title>
    <description>dropped</description>
  </item>
</channel>
</rss>`

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestParseFeeds(t *testing.T) {
	feeds, err := ParseFeeds([]byte(`
feeds:
  - name: app_store
    url: https://example.com/a.rss
  - name: Play reviews
    source: play_store
    url: https://example.com/b.rss
    max_items: 10
`))
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, "app_store", feeds[0].SourceTag())
	assert.Equal(t, "play_store", feeds[1].SourceTag())
	assert.Equal(t, 10, feeds[1].MaxItems)
}

func TestParseFeeds_Invalid(t *testing.T) {
	_, err := ParseFeeds([]byte("feeds:\n  - name: x\n"))
	assert.ErrorContains(t, err, "has no url")

	_, err = ParseFeeds([]byte("feeds:\n  - url: https://example.com/a.rss\n"))
	assert.ErrorContains(t, err, "needs a name or source")

	_, err = ParseFeeds([]byte("feeds: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feeds:\n  - name: forum\n    url: https://example.com/f.atom\n"), 0o600))

	feeds, err := LoadFeeds(path)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "forum", feeds[0].Name)

	_, err = LoadFeeds(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFeedItems(t *testing.T) {
	feed, err := gofeed.NewParser().ParseString(reviewsRSS)
	require.NoError(t, err)

	items := FeedItems(feed, "app_store", 0)
	require.Len(t, items, 2)

	assert.Equal(t, "review-1", items[0].ExternalID)
	assert.Equal(t, "Works great on my phone", items[0].Content)
	assert.Equal(t, "Love it", items[0].Metadata["title"])
	assert.Equal(t, "App Reviews", items[0].Metadata["feed"])
	assert.Equal(t, 2026, items[0].CreatedAt.Year())

	assert.Equal(t, "https://example.com/reviews/2", items[1].ExternalID)
	assert.Equal(t, "Crashes on login", items[1].Content)

	assert.Len(t, FeedItems(feed, "app_store", 1), 1)
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "a b c", stripHTML("<p>a</p><br/>b  \n c"))
	assert.Equal(t, "plain", stripHTML("plain"))
	assert.Equal(t, "", stripHTML("<img src='x'>"))
	assert.Equal(t, "Works great on my phone", stripHTML("<p>Works <b>great</b> on my phone</p>"))
	assert.Equal(t, "ok", stripHTML("<script>alert(1)</script><p>ok</p>"))
}

func TestIngester_IngestAll(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken.rss" {
			w.Write([]byte("not a feed")) //nolint:errcheck
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(reviewsRSS)) //nolint:errcheck
	}))
	defer ts.Close()

	st := newTestStore(t)
	ctx := context.Background()
	in := NewIngester(st)
	feeds := []Feed{
		{Name: "app_store", URL: ts.URL + "/reviews.rss"},
		{Name: "broken", URL: ts.URL + "/broken.rss"},
	}

	stats, err := in.IngestAll(ctx, feeds)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Feeds)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Read)
	assert.Equal(t, int64(2), stats.Inserted)

	// Polling again adds nothing.
	stats, err = in.IngestAll(ctx, feeds[:1])
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Inserted)

	items, err := st.SelectUnprocessed(ctx, "app_store")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestReadCSV(t *testing.T) {
	in := `Source,Content,External_ID,Rating
app_store,Great app,r-1,5
twitter,  ,t-1,
email,Slow support,,2
,orphan,,
`
	items, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "app_store", items[0].Source)
	assert.Equal(t, "r-1", items[0].ExternalID)
	assert.Equal(t, "5", items[0].Metadata["rating"])
	assert.Equal(t, "email", items[1].Source)
	assert.Empty(t, items[1].ExternalID)
}

func TestReadCSV_MissingColumns(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("content\nhello\n"))
	assert.ErrorContains(t, err, "no source column")

	_, err = ReadCSV(strings.NewReader("source\nx\n"))
	assert.ErrorContains(t, err, "no content column")

	items, err := ReadCSV(strings.NewReader("source,content\n"))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestImportFile_CSV(t *testing.T) {
	st := newTestStore(t)
	path := filepath.Join(t.TempDir(), "feedback.csv")
	require.NoError(t, os.WriteFile(path, []byte("source,content,external_id\nx,one,a\nx,two,b\nx,one again,a\n"), 0o600))

	n, err := ImportFile(context.Background(), st, path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func writeXLSX(t *testing.T, sheet string, rows [][]string) string {
	t.Helper()
	f := xlsx.NewFile()
	sh, err := f.AddSheet(sheet)
	require.NoError(t, err)
	for _, r := range rows {
		row := sh.AddRow()
		for _, v := range r {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "feedback.xlsx")
	require.NoError(t, f.Save(path))
	return path
}

func TestReadXLSX(t *testing.T) {
	path := writeXLSX(t, "Responses", [][]string{
		{"source", "content", "channel"},
		{"survey", "Needs dark mode", "web"},
		{"survey", "", "web"},
	})

	items, err := ReadXLSX(path, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Needs dark mode", items[0].Content)
	assert.Equal(t, "web", items[0].Metadata["channel"])

	items, err = ReadXLSX(path, "Responses")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = ReadXLSX(path, "Missing")
	assert.ErrorContains(t, err, `sheet "Missing" not found`)
}

func TestImportFile_XLSX(t *testing.T) {
	st := newTestStore(t)
	path := writeXLSX(t, "Sheet1", [][]string{
		{"source", "content"},
		{"survey", "first"},
		{"survey", "second"},
	})

	n, err := ImportFile(context.Background(), st, path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestImportFile_Unsupported(t *testing.T) {
	_, err := ImportFile(context.Background(), newTestStore(t), "feedback.json")
	assert.ErrorContains(t, err, "unsupported file type")
}
