package trigger

import (
	"context"
	"encoding/xml"
	"net/http"
	"strings"

	apperrors "fuse/internal/errors"
	"fuse/internal/httpclient"
)

// FeedItems polls an RSS 2.0 or Atom feed for new entries. Feeds carry no
// OAuth; the feed URL is owner input and is validated before dialing.
type FeedItems struct {
	client  *http.Client
	urlOpts httpclient.URLValidationOptions
}

// NewFeedItems returns a source polling RSS and Atom feeds.
func NewFeedItems(client *http.Client, opts httpclient.URLValidationOptions) *FeedItems {
	if client == nil {
		client = httpclient.New(0)
	}
	return &FeedItems{client: client, urlOpts: opts}
}

// Service implements Source.
func (f *FeedItems) Service() string { return "rss" }

// RequiresToken implements Source.
func (f *FeedItems) RequiresToken() bool { return false }

// feedDocument decodes both RSS 2.0 (<rss><channel><item>) and Atom
// (<feed><entry>) with a single unmarshal.
type feedDocument struct {
	Channel *feedChannel `xml:"channel"`
	Entries []atomEntry  `xml:"entry"`
}

type feedChannel struct {
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	GUID    string `xml:"guid"`
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	PubDate string `xml:"pubDate"`
}

type atomEntry struct {
	ID      string     `xml:"id"`
	Title   string     `xml:"title"`
	Links   []atomLink `xml:"link"`
	Updated string     `xml:"updated"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type feedEntry struct {
	id        string
	title     string
	link      string
	published string
}

// Poll fetches the feed and returns entries that appear before the cursor
// id in document order, oldest first. Feeds list newest entries first; the
// cursor is the id of the newest entry seen on the previous cycle. The
// first poll records a baseline instead of replaying the feed's history.
func (f *FeedItems) Poll(ctx context.Context, q Query) (Page, error) {
	feedURL, err := configString(q.Automation.ActionConfig, "feed_url")
	if err != nil {
		return Page{}, err
	}
	if _, err := httpclient.ValidateOutboundURL(feedURL, f.urlOpts); err != nil {
		return Page{}, apperrors.NewInvalidConfigError(err, "feed_url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return Page{}, apperrors.NewPermanentError(err, "build feed request")
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return Page{}, apperrors.NewTransientError(err, "fetch feed")
	}
	body, err := httpclient.ReadBody(resp, maxSourceBody)
	if err != nil {
		return Page{}, apperrors.NewTransientError(err, "read feed")
	}
	if apiErr := apperrors.FromHTTPStatus(resp.StatusCode, "fetch feed", string(body)); apiErr != nil {
		return Page{}, apiErr
	}

	entries, err := parseFeed(body)
	if err != nil {
		return Page{}, apperrors.NewPermanentError(err, "parse feed")
	}
	if len(entries) == 0 {
		return Page{NextCursor: q.Cursor}, nil
	}
	if q.Cursor == "" {
		return Page{NextCursor: entries[0].id}, nil
	}

	var fresh []feedEntry
	for _, entry := range entries {
		if entry.id == q.Cursor {
			break
		}
		fresh = append(fresh, entry)
	}

	page := Page{NextCursor: entries[0].id}
	for i := len(fresh) - 1; i >= 0; i-- {
		entry := fresh[i]
		page.Items = append(page.Items, Item{
			ID: entry.id,
			Data: map[string]any{
				"feed_url":  feedURL,
				"title":     entry.title,
				"link":      entry.link,
				"published": entry.published,
			},
		})
	}
	return page, nil
}

func parseFeed(body []byte) ([]feedEntry, error) {
	var doc feedDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	if doc.Channel != nil {
		entries := make([]feedEntry, 0, len(doc.Channel.Items))
		for _, item := range doc.Channel.Items {
			id := strings.TrimSpace(item.GUID)
			if id == "" {
				id = strings.TrimSpace(item.Link)
			}
			if id == "" {
				continue
			}
			entries = append(entries, feedEntry{
				id:        id,
				title:     strings.TrimSpace(item.Title),
				link:      strings.TrimSpace(item.Link),
				published: strings.TrimSpace(item.PubDate),
			})
		}
		return entries, nil
	}

	entries := make([]feedEntry, 0, len(doc.Entries))
	for _, entry := range doc.Entries {
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			continue
		}
		entries = append(entries, feedEntry{
			id:        id,
			title:     strings.TrimSpace(entry.Title),
			link:      atomAlternate(entry.Links),
			published: strings.TrimSpace(entry.Updated),
		})
	}
	return entries, nil
}

// atomAlternate picks the entry's page link: rel="alternate" wins, then the
// first link without a rel.
func atomAlternate(links []atomLink) string {
	var fallback string
	for _, link := range links {
		switch link.Rel {
		case "alternate":
			return strings.TrimSpace(link.Href)
		case "":
			if fallback == "" {
				fallback = strings.TrimSpace(link.Href)
			}
		}
	}
	return fallback
}
