package cache

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/Neeleshn20/spokensense/pkg/types"
)

// ErrEmptyQuery is returned by [Cache.Search] for a blank query.
var ErrEmptyQuery = errors.New("cache: empty search query")

// searchContext is the number of characters kept on each side of a hit.
const searchContext = 50

// Hit is one occurrence of a search query in a document.
type Hit struct {
	// Page is the 0-based page of the match.
	Page int `json:"page"`

	// Unit is the index of the unit the match starts in.
	Unit int `json:"unit"`

	// Offset is the match position in the page text, in characters.
	Offset int `json:"offset"`

	// Context is the page text around the match.
	Context string `json:"context"`

	// Match is the matched text as it appears on the page.
	Match string `json:"match"`
}

// Position returns the point playback resumes from to read the hit.
func (h Hit) Position() types.Position {
	return types.Position{Page: h.Page, Unit: h.Unit}
}

// Search finds every case-insensitive occurrence of query in the page texts
// of doc, in page order. Matches may overlap. Pages that no engine could
// extract are logged and skipped.
func (c *Cache) Search(ctx context.Context, doc *Document, query string) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	pages, err := c.readable(ctx, doc)
	if err != nil {
		return nil, err
	}

	needle := fold([]rune(query))
	var hits []Hit
	for _, p := range pages {
		text, starts := pageText(p)
		hay := fold(text)
		for pos := indexFrom(hay, needle, 0); pos >= 0; pos = indexFrom(hay, needle, pos+1) {
			unit, found := slices.BinarySearch(starts, pos)
			if !found {
				unit--
			}
			end := pos + len(needle)
			hits = append(hits, Hit{
				Page:    p.Index,
				Unit:    p.Units[unit].Index,
				Offset:  pos,
				Context: string(text[max(0, pos-searchContext):min(len(text), end+searchContext)]),
				Match:   string(text[pos:end]),
			})
		}
	}
	return hits, nil
}

// FullText returns the text of every readable page of doc, separated by
// blank lines. Pages that no engine could extract are left out.
func (c *Cache) FullText(ctx context.Context, doc *Document) (string, error) {
	pages, err := c.readable(ctx, doc)
	if err != nil {
		return "", err
	}
	texts := make([]string, 0, len(pages))
	for _, p := range pages {
		text, _ := pageText(p)
		texts = append(texts, string(text))
	}
	return strings.Join(texts, "\n\n"), nil
}

// readable loads every page of doc through [Cache.Page], in parallel, and
// returns those that extracted.
func (c *Cache) readable(ctx context.Context, doc *Document) ([]types.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pages := make([]types.Page, doc.pages)
	ok := make([]bool, doc.pages)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.prefetchWorkers)
	for i := range doc.pages {
		g.Go(func() error {
			p, err := c.Page(gctx, doc, i)
			switch {
			case err == nil:
				pages[i], ok[i] = p, true
			case errors.Is(err, ErrExtractionFailed):
				slog.Warn("cache: skipping unreadable page", "fingerprint", doc.fp.Short(), "page", i, "err", err)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := pages[:0]
	for i, p := range pages {
		if ok[i] {
			out = append(out, p)
		}
	}
	return out, nil
}

// pageText lays out the units of p as text and returns it with the offset
// at which each unit starts. Units on a lower line than their predecessor
// start a new line.
func pageText(p types.Page) (text []rune, starts []int) {
	starts = make([]int, len(p.Units))
	for i, u := range p.Units {
		if i > 0 {
			prev := p.Units[i-1].Box
			if u.Box.Y > prev.Y+prev.Height/2 {
				text = append(text, '\n')
			} else {
				text = append(text, ' ')
			}
		}
		starts[i] = len(text)
		text = append(text, []rune(u.Text)...)
	}
	return text, starts
}

func fold(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func indexFrom(hay, needle []rune, from int) int {
	for i := from; i+len(needle) <= len(hay); i++ {
		if slices.Equal(hay[i:i+len(needle)], needle) {
			return i
		}
	}
	return -1
}
