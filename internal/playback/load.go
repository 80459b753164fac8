package playback

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Neeleshn20/spokensense/internal/cache"
	"github.com/Neeleshn20/spokensense/internal/observe"
	"github.com/Neeleshn20/spokensense/internal/timing"
	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

// loadRequest carries everything the loader needs, copied out of the
// command loop so the loader never touches loop state.
type loadRequest struct {
	gen    uint64
	doc    *cache.Document
	text   string
	page   int
	next   int // page to prefetch, or -1
	resume int // first unit to speak on this page
	model  timing.RateModel
	voice  tts.VoiceProfile
}

type loading struct {
	gen    uint64
	page   int
	result chan loadResult
}

type loadResult struct {
	gen      uint64
	page     int
	empty    bool
	units    []types.TextUnit
	timeline *timing.Timeline
	stream   tts.Stream
	sink     audio.Sink
	ctx      context.Context
	cancel   context.CancelFunc
	begun    time.Time
	err      *Error
}

// release frees whatever a result holds. Used for results that arrive after
// their play was stopped.
func (r loadResult) release() {
	if r.stream != nil {
		r.stream.Cancel()
	}
	if r.sink != nil {
		_ = r.sink.Close()
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// prepare extracts the page, estimates timing, starts synthesis and opens
// the device. It runs on its own goroutine.
func (c *Controller) prepare(ctx context.Context, req loadRequest) (res loadResult) {
	var fp string
	if req.doc != nil {
		fp = string(req.doc.Fingerprint())
	}
	ctx, span := observe.StartPageSpan(ctx, "playback.prepare", fp, req.page)
	span.SetAttributes(
		observe.AttrVoice.String(req.voice.ID),
		observe.AttrProvider.String(req.voice.Provider),
	)
	defer func() {
		span.SetAttributes(observe.AttrUnits.Int(len(res.units)))
		var err error
		if res.err != nil {
			err = res.err
		}
		observe.EndSpan(span, err)
	}()

	res = loadResult{gen: req.gen, page: req.page}

	units, err := c.units(ctx, req)
	if err != nil {
		res.err = &Error{Kind: KindExtractionFailed, Op: "extract", Page: req.page, Err: err}
		return res
	}
	if req.next >= 0 && req.doc != nil {
		go func() {
			_ = c.pages.Prefetch(ctx, req.doc, req.next)
		}()
	}
	if req.resume > 0 {
		if req.resume >= len(units) {
			units = nil
		} else {
			units = units[req.resume:]
		}
	}
	if len(units) == 0 {
		res.empty = true
		return res
	}

	words := make([]string, len(units))
	for i, u := range units {
		words[i] = u.Text
	}
	res.units = units
	res.timeline = timing.NewTimeline(timing.Estimate(units, req.model))

	uctx, cancel := context.WithCancel(ctx)
	res.begun = time.Now()
	stream, err := c.tts.Begin(uctx, tts.Request{Words: words, Voice: req.voice})
	if err != nil {
		cancel()
		res.err = &Error{Kind: KindSynthesisFailed, Op: "synthesize", Page: req.page, Err: err}
		return res
	}
	sink, err := c.device.Open(uctx, stream.Format())
	if err != nil {
		stream.Cancel()
		cancel()
		res.err = &Error{Kind: KindDeviceError, Op: "open", Page: req.page, Err: err}
		return res
	}
	res.stream, res.sink, res.ctx, res.cancel = stream, sink, uctx, cancel
	return res
}

func (c *Controller) units(ctx context.Context, req loadRequest) ([]types.TextUnit, error) {
	if req.doc == nil {
		fields := strings.Fields(req.text)
		units := make([]types.TextUnit, len(fields))
		for i, w := range fields {
			units[i] = types.TextUnit{Index: i, Text: w, Page: types.NoPage}
		}
		return units, nil
	}
	page, err := c.pages.Page(ctx, req.doc, req.page)
	if err != nil {
		return nil, err
	}
	if page.Fallback {
		slog.Debug("page served by fallback extractor", "page", req.page, "engine", page.Engine)
	}
	return page.Units, nil
}
