// Package ingest loads feedback into the store from RSS/Atom review feeds
// and CSV exports.
package ingest

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Feed is one entry of the feeds file.
type Feed struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// Source tags the created feedback items. Defaults to Name.
	Source string `yaml:"source"`
	// MaxItems caps items read per poll. Zero uses the ingester default.
	MaxItems int `yaml:"max_items"`
}

// SourceTag returns the source tag for items from this feed.
func (f Feed) SourceTag() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}

type feedsFile struct {
	Feeds []Feed `yaml:"feeds"`
}

// LoadFeeds reads and validates a YAML feeds file:
//
//	feeds:
//	  - name: app_store
//	    url: https://example.com/reviews.rss
func LoadFeeds(path string) ([]Feed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read feeds file %s", path)
	}
	return ParseFeeds(data)
}

// ParseFeeds decodes and validates feeds file content.
func ParseFeeds(data []byte) ([]Feed, error) {
	var ff feedsFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, eris.Wrap(err, "ingest: parse feeds file")
	}
	for i, f := range ff.Feeds {
		if strings.TrimSpace(f.URL) == "" {
			return nil, eris.Errorf("ingest: feed %d has no url", i)
		}
		if f.SourceTag() == "" {
			return nil, eris.Errorf("ingest: feed %s needs a name or source", f.URL)
		}
	}
	return ff.Feeds, nil
}
