// Package poppler implements [extract.Extractor] by running the poppler
// command line tools (pdftotext and pdfinfo) as external processes.
//
// It is slower than the in-process reader but copes with documents whose
// fonts or content streams the pure Go reader cannot decode, which makes it
// the usual fallback engine.
package poppler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

const (
	defaultPdftotext = "pdftotext"
	defaultPdfinfo   = "pdfinfo"
)

// Option is a functional option for [Extractor].
type Option func(*Extractor)

// WithPdftotext sets the command line used to invoke pdftotext. The string is
// split with shell quoting rules, so wrappers such as "nice -n 10 pdftotext"
// work.
func WithPdftotext(command string) Option {
	return func(e *Extractor) { e.pdftotext = command }
}

// WithPdfinfo sets the command line used to invoke pdfinfo.
func WithPdfinfo(command string) Option {
	return func(e *Extractor) { e.pdfinfo = command }
}

// WithTempDir sets the directory for spooled document files.
func WithTempDir(dir string) Option {
	return func(e *Extractor) { e.tempDir = dir }
}

// Extractor runs poppler utilities.
type Extractor struct {
	pdftotext string
	pdfinfo   string
	tempDir   string

	textArgs []string
	infoArgs []string
}

var _ extract.Extractor = (*Extractor)(nil)

// New parses the configured command lines and returns an Extractor.
func New(opts ...Option) (*Extractor, error) {
	e := &Extractor{pdftotext: defaultPdftotext, pdfinfo: defaultPdfinfo}
	for _, o := range opts {
		o(e)
	}
	var err error
	if e.textArgs, err = parseCommand(e.pdftotext); err != nil {
		return nil, fmt.Errorf("poppler: pdftotext command: %w", err)
	}
	if e.infoArgs, err = parseCommand(e.pdfinfo); err != nil {
		return nil, fmt.Errorf("poppler: pdfinfo command: %w", err)
	}
	return e, nil
}

func parseCommand(command string) ([]string, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command empty")
	}
	return args, nil
}

// Name implements [extract.Extractor].
func (e *Extractor) Name() string { return "poppler" }

// PageCount implements [extract.Extractor].
func (e *Extractor) PageCount(ctx context.Context, src extract.Source) (int, error) {
	path, cleanup, err := e.spool(src)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	out, err := run(ctx, e.infoArgs, path)
	if err != nil {
		return 0, fmt.Errorf("poppler: pdfinfo %s: %w", src.Name, err)
	}
	return parsePageCount(out)
}

// ExtractPage implements [extract.Extractor].
func (e *Extractor) ExtractPage(ctx context.Context, src extract.Source, page int) ([]types.TextUnit, error) {
	if page < 0 {
		return nil, fmt.Errorf("%w: %d", extract.ErrPageOutOfRange, page)
	}
	path, cleanup, err := e.spool(src)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	n := strconv.Itoa(page + 1)
	out, err := run(ctx, e.textArgs, "-bbox", "-f", n, "-l", n, path, "-")
	if err != nil {
		return nil, fmt.Errorf("poppler: pdftotext %s page %d: %w", src.Name, page, err)
	}
	pages, err := parseBBox(out)
	if err != nil {
		return nil, fmt.Errorf("poppler: parse %s page %d: %w", src.Name, page, err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%w: %d in %s", extract.ErrPageOutOfRange, page, src.Name)
	}
	return extract.Number(pages[0], page), nil
}

func (e *Extractor) spool(src extract.Source) (string, func(), error) {
	f, err := os.CreateTemp(e.tempDir, "spokensense-*.pdf")
	if err != nil {
		return "", nil, fmt.Errorf("poppler: spool %s: %w", src.Name, err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(src.Data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("poppler: spool %s: %w", src.Name, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("poppler: spool %s: %w", src.Name, err)
	}
	return f.Name(), cleanup, nil
}

func run(ctx context.Context, base []string, extra ...string) ([]byte, error) {
	args := append(append([]string{}, base[1:]...), extra...)
	cmd := exec.CommandContext(ctx, base[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func parsePageCount(out []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Pages" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("poppler: page count %q: %w", value, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("poppler: no page count in pdfinfo output")
}

type bboxHTML struct {
	Pages []bboxPage `xml:"body>doc>page"`
}

type bboxPage struct {
	Words []bboxWord `xml:"word"`
}

type bboxWord struct {
	XMin float64 `xml:"xMin,attr"`
	YMin float64 `xml:"yMin,attr"`
	XMax float64 `xml:"xMax,attr"`
	YMax float64 `xml:"yMax,attr"`
	Text string  `xml:",chardata"`
}

// parseBBox decodes the XHTML written by pdftotext -bbox. Coordinates are
// already relative to the top-left corner.
func parseBBox(out []byte) ([][]types.TextUnit, error) {
	var doc bboxHTML
	d := xml.NewDecoder(bytes.NewReader(out))
	d.Strict = false
	d.AutoClose = xml.HTMLAutoClose
	d.Entity = xml.HTMLEntity
	if err := d.Decode(&doc); err != nil {
		return nil, err
	}
	pages := make([][]types.TextUnit, len(doc.Pages))
	for i, p := range doc.Pages {
		units := make([]types.TextUnit, 0, len(p.Words))
		for _, w := range p.Words {
			text := strings.TrimSpace(w.Text)
			if text == "" {
				continue
			}
			units = append(units, types.TextUnit{
				Text: text,
				Box: types.Rect{
					X:      w.XMin,
					Y:      w.YMin,
					Width:  w.XMax - w.XMin,
					Height: w.YMax - w.YMin,
				},
			})
		}
		pages[i] = units
	}
	return pages, nil
}
