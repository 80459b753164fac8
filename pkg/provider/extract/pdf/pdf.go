// Package pdf implements [extract.Extractor] with the pure Go
// github.com/ledongthuc/pdf reader.
//
// The reader yields positioned glyph runs. They are grouped into lines by
// baseline (within a tolerance), ordered left to right, and split into words
// on whitespace or horizontal gaps. Coordinates are converted to a top-left
// origin using the page MediaBox.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"

	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

const (
	// defaultLineTolerance is the maximum baseline difference, in points,
	// for two glyphs to share a line.
	defaultLineTolerance = 5.0

	// defaultGapRatio is the horizontal gap, as a fraction of the font size,
	// that separates two words without an explicit space.
	defaultGapRatio = 0.25

	// defaultMinContent is the decoded content stream length below which a
	// page is considered empty.
	defaultMinContent = 32
)

// Option is a functional option for [Extractor].
type Option func(*Extractor)

// WithLineTolerance sets the baseline tolerance in points.
func WithLineTolerance(pt float64) Option {
	return func(e *Extractor) { e.lineTolerance = pt }
}

// WithGapRatio sets the word gap as a fraction of the font size.
func WithGapRatio(r float64) Option {
	return func(e *Extractor) { e.gapRatio = r }
}

// WithMinContent sets the content stream length below which HasContent
// reports false.
func WithMinContent(n int) Option {
	return func(e *Extractor) { e.minContent = n }
}

// Extractor reads text units from PDF documents.
type Extractor struct {
	lineTolerance float64
	gapRatio      float64
	minContent    int
}

var (
	_ extract.Extractor     = (*Extractor)(nil)
	_ extract.ContentProber = (*Extractor)(nil)
)

// New returns an Extractor with the given options applied.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		lineTolerance: defaultLineTolerance,
		gapRatio:      defaultGapRatio,
		minContent:    defaultMinContent,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements [extract.Extractor].
func (e *Extractor) Name() string { return "pdf" }

// PageCount implements [extract.Extractor].
func (e *Extractor) PageCount(_ context.Context, src extract.Source) (n int, err error) {
	defer recoverPanic(&err)
	r, err := open(src)
	if err != nil {
		return 0, err
	}
	return r.NumPage(), nil
}

// ExtractPage implements [extract.Extractor].
func (e *Extractor) ExtractPage(ctx context.Context, src extract.Source, page int) (units []types.TextUnit, err error) {
	defer recoverPanic(&err)
	p, err := e.page(src, page)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	box := mediaBox(p.V)
	glyphs := make([]glyph, 0, 256)
	for _, t := range p.Content().Text {
		glyphs = append(glyphs, glyph{x: t.X, y: t.Y, w: t.W, size: t.FontSize, s: t.S})
	}
	return extract.Number(e.words(glyphs, box), page), nil
}

// HasContent implements [extract.ContentProber].
func (e *Extractor) HasContent(_ context.Context, src extract.Source, page int) (ok bool, err error) {
	defer recoverPanic(&err)
	p, err := e.page(src, page)
	if err != nil {
		return false, err
	}
	n, err := contentLength(p.V.Key("Contents"))
	if err != nil {
		return false, fmt.Errorf("pdf: read content stream of page %d: %w", page, err)
	}
	return n >= e.minContent, nil
}

func (e *Extractor) page(src extract.Source, page int) (pdf.Page, error) {
	r, err := open(src)
	if err != nil {
		return pdf.Page{}, err
	}
	if page < 0 || page >= r.NumPage() {
		return pdf.Page{}, fmt.Errorf("%w: %d of %d in %s", extract.ErrPageOutOfRange, page, r.NumPage(), src.Name)
	}
	p := r.Page(page + 1)
	if p.V.IsNull() {
		return pdf.Page{}, fmt.Errorf("pdf: page %d of %s has no page object", page, src.Name)
	}
	return p, nil
}

func open(src extract.Source) (*pdf.Reader, error) {
	r, err := pdf.NewReader(bytes.NewReader(src.Data), int64(len(src.Data)))
	if err != nil {
		return nil, fmt.Errorf("pdf: open %s: %w", src.Name, err)
	}
	return r, nil
}

// recoverPanic turns a reader panic on malformed input into an error.
func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("pdf: malformed document: %v", r)
	}
}

type glyph struct {
	x, y, w, size float64
	s             string
}

// rect is a MediaBox in PDF user space.
type rect struct {
	llx, lly, urx, ury float64
}

func mediaBox(page pdf.Value) rect {
	for v := page; !v.IsNull(); v = v.Key("Parent") {
		mb := v.Key("MediaBox")
		if mb.Kind() == pdf.Array && mb.Len() == 4 {
			return rect{
				llx: mb.Index(0).Float64(),
				lly: mb.Index(1).Float64(),
				urx: mb.Index(2).Float64(),
				ury: mb.Index(3).Float64(),
			}
		}
	}
	// US Letter.
	return rect{urx: 612, ury: 792}
}

func contentLength(v pdf.Value) (int, error) {
	switch v.Kind() {
	case pdf.Stream:
		rc := v.Reader()
		defer rc.Close()
		n, err := io.Copy(io.Discard, rc)
		return int(n), err
	case pdf.Array:
		total := 0
		for i := 0; i < v.Len(); i++ {
			n, err := contentLength(v.Index(i))
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	default:
		return 0, nil
	}
}

// words groups glyphs into lines and lines into words.
func (e *Extractor) words(glyphs []glyph, box rect) []types.TextUnit {
	if len(glyphs) == 0 {
		return []types.TextUnit{}
	}
	// Top of page first, then left to right.
	sort.SliceStable(glyphs, func(i, j int) bool {
		if glyphs[i].y != glyphs[j].y {
			return glyphs[i].y > glyphs[j].y
		}
		return glyphs[i].x < glyphs[j].x
	})

	var lines [][]glyph
	var lineY float64
	for _, g := range glyphs {
		if len(lines) == 0 || math.Abs(g.y-lineY) > e.lineTolerance {
			lines = append(lines, nil)
			lineY = g.y
		}
		lines[len(lines)-1] = append(lines[len(lines)-1], g)
	}

	var units []types.TextUnit
	for _, line := range lines {
		sort.SliceStable(line, func(i, j int) bool { return line[i].x < line[j].x })
		var cur wordBuilder
		flush := func() {
			if u, ok := cur.unit(box); ok {
				units = append(units, u)
			}
			cur = wordBuilder{}
		}
		for i, g := range line {
			if strings.TrimSpace(g.s) == "" {
				flush()
				continue
			}
			if i > 0 && cur.n > 0 {
				prev := line[i-1]
				gap := g.x - (prev.x + prev.w)
				if gap > e.gapRatio*math.Max(g.size, 1) {
					flush()
				}
			}
			for _, part := range splitSpaces(g.s) {
				if part == "" {
					flush()
					continue
				}
				cur.add(g, part)
			}
		}
		flush()
	}
	if units == nil {
		return []types.TextUnit{}
	}
	return units
}

// splitSpaces splits s on whitespace, keeping empty markers where spaces
// were so callers can end the current word.
func splitSpaces(s string) []string {
	if !strings.ContainsFunc(s, unicode.IsSpace) {
		return []string{s}
	}
	var parts []string
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) {
			if b.Len() > 0 {
				parts = append(parts, b.String())
				b.Reset()
			}
			parts = append(parts, "")
			continue
		}
		b.WriteRune(r)
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

type wordBuilder struct {
	text       strings.Builder
	n          int
	x0, x1     float64
	base, size float64
}

func (w *wordBuilder) add(g glyph, s string) {
	if w.n == 0 {
		w.x0, w.x1, w.base, w.size = g.x, g.x+g.w, g.y, g.size
	} else {
		w.x0 = math.Min(w.x0, g.x)
		w.x1 = math.Max(w.x1, g.x+g.w)
		w.base = math.Min(w.base, g.y)
		w.size = math.Max(w.size, g.size)
	}
	w.text.WriteString(s)
	w.n++
}

func (w *wordBuilder) unit(box rect) (types.TextUnit, bool) {
	if w.n == 0 {
		return types.TextUnit{}, false
	}
	return types.TextUnit{
		Text: w.text.String(),
		Box: types.Rect{
			X:      w.x0 - box.llx,
			Y:      box.ury - (w.base + w.size),
			Width:  w.x1 - w.x0,
			Height: w.size,
		},
	}, true
}
