// Package pagectx keeps the most recent page context pushed by each tab's
// content script.
package pagectx

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/patrickmn/go-cache"

	"tabmind/internal/domain"
)

const (
	DefaultTTL = 30 * time.Second

	MaxTextRunes         = 15000
	minTextRunes         = 50
	NoContentText        = "No substantial content found on this page."
	ExtractionFailedText = "Failed to extract page content"
)

var ErrNoContext = errors.New("no page context available for this tab")

type Registry struct {
	entries *cache.Cache
	now     func() time.Time
}

// NewRegistry returns a registry whose entries expire after ttl. A
// non-positive ttl keeps entries until they are replaced or forgotten.
func NewRegistry(ttl time.Duration) *Registry {
	expiration := ttl
	cleanup := ttl * 2
	if ttl <= 0 {
		expiration = cache.NoExpiration
		cleanup = 0
	}
	return &Registry{
		entries: cache.New(expiration, cleanup),
		now:     time.Now,
	}
}

// Put processes ctx and stores the result for tabID.
func (r *Registry) Put(tabID int, ctx domain.PageContext) domain.PageContext {
	processed := Process(ctx)
	if processed.Timestamp == 0 {
		processed.Timestamp = r.now().UnixMilli()
	}
	r.entries.SetDefault(tabKey(tabID), processed)
	return processed.Clone()
}

func (r *Registry) Get(tabID int) (domain.PageContext, error) {
	v, ok := r.entries.Get(tabKey(tabID))
	if !ok {
		return domain.PageContext{}, fmt.Errorf("tab %d: %w", tabID, ErrNoContext)
	}
	return v.(domain.PageContext).Clone(), nil
}

func (r *Registry) Forget(tabID int) {
	r.entries.Delete(tabKey(tabID))
}

func (r *Registry) Len() int {
	return r.entries.ItemCount()
}

func tabKey(tabID int) string {
	return strconv.Itoa(tabID)
}

// Process returns a filtered copy of ctx with a summary attached.
func Process(ctx domain.PageContext) domain.PageContext {
	out := ctx.Clone()

	if out.Text != "" && out.Text != ExtractionFailedText && utf8.RuneCountInString(out.Text) < minTextRunes {
		out.Text = NoContentText
	}
	out.Text = truncateRunes(out.Text, MaxTextRunes)

	headings := out.Headings[:0]
	for _, h := range out.Headings {
		if runeLen(h.Text) > 5 {
			headings = append(headings, h)
		}
	}
	out.Headings = headings

	links := out.Links[:0]
	for _, l := range out.Links {
		if runeLen(l.Text) > 3 && len(l.URL) > 10 {
			links = append(links, l)
		}
	}
	out.Links = links

	images := out.Images[:0]
	for _, img := range out.Images {
		if runeLen(img.Alt) > 3 && len(img.Src) > 10 {
			images = append(images, img)
		}
	}
	out.Images = images

	out.Summary = Summarize(out)
	return out
}

func Summarize(ctx domain.PageContext) string {
	parts := make([]string, 0, 6)
	if ctx.Title != "" {
		parts = append(parts, "Page title: "+ctx.Title)
	}
	if ctx.Domain != "" {
		parts = append(parts, "Domain: "+ctx.Domain)
	}
	if ctx.Readability != nil && ctx.Readability.WordCount > 0 {
		parts = append(parts, fmt.Sprintf("Content length: %d words", ctx.Readability.WordCount))
	}
	if n := len(ctx.Headings); n > 0 {
		parts = append(parts, fmt.Sprintf("Headings: %d sections", n))
	}
	if n := len(ctx.Links); n > 0 {
		parts = append(parts, fmt.Sprintf("Links: %d available", n))
	}
	if n := len(ctx.Images); n > 0 {
		parts = append(parts, fmt.Sprintf("Images: %d with alt text", n))
	}
	return strings.Join(parts, "; ")
}

// Fallback is the minimal context used when the content script cannot
// deliver one.
func Fallback(rawURL, title string) domain.PageContext {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}
	return domain.PageContext{
		URL:         rawURL,
		Title:       title,
		Domain:      host,
		Text:        ExtractionFailedText,
		Metadata:    map[string]string{},
		Readability: &domain.Readability{},
	}
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
