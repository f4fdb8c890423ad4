package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

const defaultMaxPerFeed = 100

// Stats summarizes one ingestion pass.
type Stats struct {
	Feeds    int
	Failed   int
	Read     int
	Inserted int64
}

// Ingester polls feeds into the store. Items are deduplicated by source and
// GUID (or link), so polling the same feed again only adds new entries.
type Ingester struct {
	store      store.Store
	parser     *gofeed.Parser
	maxPerFeed int
}

// NewIngester creates an Ingester.
func NewIngester(st store.Store) *Ingester {
	return &Ingester{store: st, parser: gofeed.NewParser(), maxPerFeed: defaultMaxPerFeed}
}

// IngestAll polls every feed. A feed that fails to parse is logged and
// skipped; store errors abort.
func (in *Ingester) IngestAll(ctx context.Context, feeds []Feed) (Stats, error) {
	var stats Stats
	for _, f := range feeds {
		stats.Feeds++
		read, inserted, err := in.IngestFeed(ctx, f)
		if err != nil {
			var perr *parseError
			if errors.As(err, &perr) {
				stats.Failed++
				zap.L().Warn("ingest: feed failed", zap.String("feed", f.URL), zap.Error(err))
				continue
			}
			return stats, err
		}
		stats.Read += read
		stats.Inserted += inserted
	}
	return stats, nil
}

type parseError struct{ err error }

func (e *parseError) Error() string { return e.err.Error() }
func (e *parseError) Unwrap() error { return e.err }

// IngestFeed polls one feed and returns how many entries were read and how
// many were new.
func (in *Ingester) IngestFeed(ctx context.Context, f Feed) (int, int64, error) {
	feed, err := in.parser.ParseURLWithContext(f.URL, ctx)
	if err != nil {
		return 0, 0, &parseError{err: eris.Wrapf(err, "ingest: parse feed %s", f.URL)}
	}

	limit := f.MaxItems
	if limit <= 0 {
		limit = in.maxPerFeed
	}
	items := FeedItems(feed, f.SourceTag(), limit)
	if len(items) == 0 {
		return 0, 0, nil
	}

	inserted, err := in.store.BulkInsertFeedback(ctx, items)
	if err != nil {
		return len(items), 0, eris.Wrapf(err, "ingest: store feed %s", f.URL)
	}
	zap.L().Info("ingest: feed polled",
		zap.String("source", f.SourceTag()),
		zap.Int("read", len(items)),
		zap.Int64("inserted", inserted),
	)
	return len(items), inserted, nil
}

// FeedItems converts up to limit feed entries into feedback items. Entries
// with neither a GUID nor a link, or with no text, are skipped.
func FeedItems(feed *gofeed.Feed, source string, limit int) []model.FeedbackItem {
	var out []model.FeedbackItem
	for _, it := range feed.Items {
		if limit > 0 && len(out) >= limit {
			break
		}
		extID := strings.TrimSpace(it.GUID)
		if extID == "" {
			extID = strings.TrimSpace(it.Link)
		}
		if extID == "" {
			continue
		}

		content := entryText(it)
		if content == "" {
			continue
		}

		meta := map[string]any{"feed": feed.Title}
		if it.Title != "" {
			meta["title"] = strings.TrimSpace(it.Title)
		}
		if it.Link != "" {
			meta["link"] = it.Link
		}
		if it.Author != nil && it.Author.Name != "" {
			meta["author"] = it.Author.Name
		}

		item := model.FeedbackItem{
			Source:     source,
			Content:    content,
			ExternalID: extID,
			Metadata:   meta,
		}
		switch {
		case it.PublishedParsed != nil:
			item.CreatedAt = it.PublishedParsed.UTC()
		case it.UpdatedParsed != nil:
			item.CreatedAt = it.UpdatedParsed.UTC()
		default:
			item.CreatedAt = time.Now().UTC()
		}
		out = append(out, item)
	}
	return out
}

// entryText prefers the full content, then the description, then the title.
func entryText(it *gofeed.Item) string {
	for _, s := range []string{it.Content, it.Description, it.Title} {
		if t := strings.TrimSpace(stripHTML(s)); t != "" {
			return t
		}
	}
	return ""
}

// stripHTML returns the text nodes of an HTML fragment joined by single
// spaces. Script and style bodies are dropped.
func stripHTML(text string) string {
	if !strings.ContainsRune(text, '<') {
		return strings.Join(strings.Fields(text), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return strings.Join(strings.Fields(text), " ")
	}
	var parts []string
	collectText(doc.Selection, &parts)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func collectText(s *goquery.Selection, parts *[]string) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		switch goquery.NodeName(c) {
		case "#text":
			*parts = append(*parts, c.Text())
		case "script", "style":
		default:
			collectText(c, parts)
		}
	})
}
