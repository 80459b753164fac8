// Package playback drives one reading session: it turns pages into
// utterances, plays their audio, and keeps the highlighted word in step with
// the audio clock.
//
// A [Controller] is a state machine (see [State]) owned by a single command
// loop goroutine. Transport handlers call [Controller.Play],
// [Controller.Pause] and friends; each call is queued, applied in arrival
// order, and answered once the transition is done. Every utterance has its
// own audio task which feeds the device and publishes the audio clock back to
// the loop, so pause, seek and stop never wait on synthesis.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Neeleshn20/spokensense/internal/cache"
	"github.com/Neeleshn20/spokensense/internal/highlight"
	"github.com/Neeleshn20/spokensense/internal/observe"
	"github.com/Neeleshn20/spokensense/internal/timing"
	"github.com/Neeleshn20/spokensense/pkg/audio"
	"github.com/Neeleshn20/spokensense/pkg/provider/tts"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

// DefaultChunk is the amount of audio handed to the device per write, and
// so the granularity of the audio clock.
const DefaultChunk = 20 * time.Millisecond

// Pages is the page source. *cache.Cache satisfies it.
type Pages interface {
	Page(ctx context.Context, doc *cache.Document, page int) (types.Page, error)
	Prefetch(ctx context.Context, doc *cache.Document, pages ...int) error
}

// Publisher receives highlight events. *highlight.Bus satisfies it.
type Publisher interface {
	Publish(ev highlight.Event) highlight.Event
}

// Option configures a [Controller].
type Option func(*Controller)

// WithPublisher sets where highlight events go. Without one, events are
// dropped.
func WithPublisher(p Publisher) Option {
	return func(c *Controller) { c.bus = p }
}

// WithCalibrator sets the rate calibrator used for estimates. Defaults to
// one seeded with [timing.DefaultRateModel].
func WithCalibrator(cal *timing.Calibrator) Option {
	return func(c *Controller) { c.calib = cal }
}

// WithVoice sets the initial voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(c *Controller) { c.voice = v }
}

// WithChunk sets the write granularity. Values below one millisecond are
// ignored.
func WithChunk(d time.Duration) Option {
	return func(c *Controller) {
		if d >= time.Millisecond {
			c.chunk = d
		}
	}
}

// WithErrorHandler registers a callback for terminal playback errors. It runs
// on its own goroutine.
func WithErrorHandler(fn func(*Error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

type cmdKind int

const (
	cmdPlay cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
	cmdSkip
)

var cmdNames = [...]string{"play", "pause", "resume", "stop", "skip"}

type command struct {
	kind   cmdKind
	target Target
	index  int
	reply  chan error
}

// session is one accepted Play.
type session struct {
	target Target
	queue  []int
	loaded bool // a page of this session has been loaded
	ctx    context.Context
	cancel context.CancelFunc
}

// utterance is the audio being spoken now. Only the command loop touches it.
type utterance struct {
	id        string
	gen       uint64
	page      int
	units     []types.TextUnit
	timeline  *timing.Timeline
	highlight bool
	active    int // position in units, -1 before the first word
	stream    tts.Stream
	timings   <-chan tts.Timing
	sink      audio.Sink
	player    *player
	cancel    context.CancelFunc
	audio     time.Duration // real length once synthesis ended
	seeked    bool
}

// Controller is the playback state machine. It is safe for concurrent use.
type Controller struct {
	pages   Pages
	tts     tts.Provider
	device  audio.Device
	bus     Publisher
	calib   *timing.Calibrator
	chunk   time.Duration
	onError func(*Error)
	metrics *observe.Metrics

	cmds      chan command
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned.
	state State
	gen   uint64
	play  *session
	load  *loading
	cur   *utterance

	// Guarded by mu, read by Snapshot.
	mu      sync.Mutex
	snap    Snapshot
	current *player
	voice   tts.VoiceProfile
}

// New creates a controller and starts its command loop. Call
// [Controller.Close] to stop it.
func New(pages Pages, provider tts.Provider, device audio.Device, opts ...Option) *Controller {
	c := &Controller{
		pages:  pages,
		tts:    provider,
		device: device,
		chunk:  DefaultChunk,
		cmds:   make(chan command, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		snap:   Snapshot{State: Idle, Page: types.NoPage, Active: -1},
	}
	for _, o := range opts {
		o(c)
	}
	if c.calib == nil {
		c.calib = timing.NewCalibrator(timing.DefaultRateModel())
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	go c.run()
	return c
}

// Play stops whatever is playing and starts t.
func (c *Controller) Play(ctx context.Context, t Target) error {
	return c.do(ctx, command{kind: cmdPlay, target: t})
}

// Pause suspends the audio and freezes the clock. Valid while playing.
func (c *Controller) Pause(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdPause})
}

// Resume continues from the frozen clock. Valid while paused.
func (c *Controller) Resume(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdResume})
}

// Stop cancels synthesis, releases the device and drops queued pages. It
// returns once the controller is idle. Stopping an idle controller is a
// no-op.
func (c *Controller) Stop(ctx context.Context) error {
	return c.do(ctx, command{kind: cmdStop})
}

// Skip seeks to the start of the unit with the given index in the current
// utterance and continues playing from there.
func (c *Controller) Skip(ctx context.Context, index int) error {
	return c.do(ctx, command{kind: cmdSkip, index: index})
}

// SetVoice changes the voice used from the next utterance on.
func (c *Controller) SetVoice(v tts.VoiceProfile) {
	c.mu.Lock()
	c.voice = v
	c.mu.Unlock()
}

// Voice returns the voice used for new utterances.
func (c *Controller) Voice() tts.VoiceProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// Calibrator returns the rate calibrator so configuration reloads can
// replace its base model.
func (c *Controller) Calibrator() *timing.Calibrator { return c.calib }

// Snapshot returns the current state. It never blocks on the command loop.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.snap
	s.QueuedPages = append([]int(nil), c.snap.QueuedPages...)
	if c.current != nil && (s.State == Playing || s.State == Paused) {
		s.Elapsed = c.current.Elapsed()
	}
	if s.Position != nil {
		pos := *s.Position
		s.Position = &pos
	}
	return s
}

// Close stops playback and the command loop.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

func (c *Controller) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		var (
			loadCh   chan loadResult
			tickCh   chan struct{}
			endCh    chan time.Duration
			exitCh   chan playerExit
			timingCh <-chan tts.Timing
		)
		if c.load != nil {
			loadCh = c.load.result
		}
		if u := c.cur; u != nil {
			tickCh, endCh, exitCh = u.player.ticks, u.player.ended, u.player.exit
			timingCh = u.timings
		}

		select {
		case <-c.quit:
			c.halt()
			return
		case cmd := <-c.cmds:
			cmd.reply <- c.apply(cmd)
		case res := <-loadCh:
			c.load = nil
			c.loaded(res)
		case <-tickCh:
			c.tick()
		case tm, ok := <-timingCh:
			if !ok {
				c.cur.timings = nil
				continue
			}
			c.confirm(tm)
		case total := <-endCh:
			c.synthesisEnded(total)
		case ex := <-exitCh:
			c.finished(ex)
		}
	}
}

func (c *Controller) apply(cmd command) error {
	switch cmd.kind {
	case cmdPlay:
		if err := cmd.target.Validate(); err != nil {
			return err
		}
		if c.state != Idle {
			c.halt()
		}
		c.start(cmd.target)
		return nil

	case cmdPause:
		if c.state != Playing {
			return c.invalid(cmd)
		}
		if err := c.cur.sink.Pause(); err != nil {
			c.fail(c.errorf(KindDeviceError, "pause", err))
			return c.lastError()
		}
		c.setState(Paused)
		return nil

	case cmdResume:
		if c.state != Paused {
			return c.invalid(cmd)
		}
		if err := c.cur.sink.Resume(); err != nil {
			c.fail(c.errorf(KindDeviceError, "resume", err))
			return c.lastError()
		}
		c.setState(Playing)
		return nil

	case cmdStop:
		if c.state == Idle {
			return nil
		}
		c.halt()
		return nil

	case cmdSkip:
		if c.state != Playing && c.state != Paused {
			return c.invalid(cmd)
		}
		u := c.cur
		pos := cmd.index - u.units[0].Index
		if pos < 0 || pos >= len(u.units) {
			return c.invalid(cmd)
		}
		if err := c.seek(pos); err != nil {
			c.fail(c.errorf(KindDeviceError, "flush", err))
			return c.lastError()
		}
		if c.state == Paused {
			if err := u.sink.Resume(); err != nil {
				c.fail(c.errorf(KindDeviceError, "resume", err))
				return c.lastError()
			}
			c.setState(Playing)
		}
		return nil
	}
	return c.invalid(cmd)
}

func (c *Controller) invalid(cmd command) error {
	return &Error{
		Kind:        KindInvalidCommand,
		Op:          cmdNames[cmd.kind],
		State:       c.state,
		UtteranceID: c.utteranceID(),
		FirstPage:   -1,
		LastPage:    -1,
		Page:        -1,
	}
}

// start accepts a validated target and begins loading its first page.
func (c *Controller) start(t Target) {
	ctx, cancel := context.WithCancel(context.Background())
	c.play = &session{target: t, queue: t.pages(), ctx: ctx, cancel: cancel}
	var fp string
	if t.Document != nil {
		fp = string(t.Document.Fingerprint())
	}
	c.updateSnap(func(sn *Snapshot) {
		sn.Fingerprint = fp
		sn.Position = nil
	})
	c.startLoad()
}

// startLoad loads the next queued page, or ends the session when the queue
// is empty.
func (c *Controller) startLoad() {
	s := c.play
	if len(s.queue) == 0 {
		c.endSession()
		return
	}
	page := s.queue[0]
	s.queue = s.queue[1:]
	c.gen++

	req := loadRequest{
		gen:   c.gen,
		doc:   s.target.Document,
		text:  s.target.Text,
		page:  page,
		next:  -1,
		model: c.calib.Model(),
		voice: c.Voice(),
	}
	if len(s.queue) > 0 {
		req.next = s.queue[0]
	}
	if r := s.target.Resume; r != nil && !s.loaded && r.Page == page {
		req.resume = r.Unit
	}

	l := &loading{gen: c.gen, page: page, result: make(chan loadResult, 1)}
	c.load = l
	c.setState(Loading)
	c.updateSnap(func(sn *Snapshot) {
		sn.Page = page
		sn.UtteranceID = ""
		sn.Active = -1
		sn.Units = 0
		sn.QueuedPages = append([]int(nil), s.queue...)
	})
	ctx := s.ctx
	go func() { l.result <- c.prepare(ctx, req) }()
}

func (c *Controller) loaded(res loadResult) {
	s := c.play
	if s == nil || res.gen != c.gen {
		res.release()
		return
	}
	first := !s.loaded
	s.loaded = true

	if res.err != nil {
		if res.err.Kind == KindExtractionFailed && !first {
			slog.Warn("skipping unreadable page", "page", res.page, "error", res.err.Err)
			c.startLoad()
			return
		}
		c.fail(res.err)
		return
	}
	if res.empty {
		slog.Debug("skipping empty page", "page", res.page)
		c.startLoad()
		return
	}

	u := &utterance{
		id:        uuid.NewString(),
		gen:       res.gen,
		page:      res.page,
		units:     res.units,
		timeline:  res.timeline,
		highlight: s.target.Document != nil,
		active:    -1,
		stream:    res.stream,
		timings:   res.stream.Timings(),
		sink:      res.sink,
		cancel:    res.cancel,
	}
	u.player = newPlayer(res.ctx, res.gen, res.stream, res.sink, c.chunk, c.metrics)
	u.player.begun = res.begun
	c.cur = u
	c.metrics.ActiveUtterances.Add(context.Background(), 1)

	c.mu.Lock()
	c.current = u.player
	c.mu.Unlock()
	c.updateSnap(func(sn *Snapshot) {
		sn.UtteranceID = u.id
		sn.Units = len(u.units)
		sn.Active = -1
		sn.Position = c.position(u)
	})
	c.publish(u, highlight.Start, -1)
	c.setState(Playing)
	go u.player.run()
}

func (c *Controller) tick() {
	u := c.cur
	c.advanceTo(u, u.player.Elapsed())
}

// advanceTo emits one Advance for every unit between the active one and the
// unit at elapsed. The active unit never moves backwards here.
func (c *Controller) advanceTo(u *utterance, elapsed time.Duration) {
	i := u.timeline.IndexAt(elapsed)
	if i <= u.active {
		return
	}
	for k := u.active + 1; k <= i; k++ {
		c.publish(u, highlight.Advance, k)
	}
	u.active = i
	c.updateSnap(func(sn *Snapshot) {
		sn.Active = u.units[i].Index
		sn.Position = c.position(u)
	})
}

func (c *Controller) confirm(tm tts.Timing) {
	u := c.cur
	if err := u.timeline.Confirm(tm.Index, tm.Start, tm.End); err != nil {
		slog.Debug("ignoring word timing", "utterance", u.id, "index", tm.Index, "error", err)
	}
}

func (c *Controller) synthesisEnded(total time.Duration) {
	u := c.cur
	u.audio = total
	if u.timeline.FitTo(total, u.active+1) {
		slog.Debug("rescaled estimates to audio length", "utterance", u.id, "audio", total)
	}
}

// seek discards audio queued on the device and restarts the clock at unit
// pos. Nothing changes when the device refuses the flush.
func (c *Controller) seek(pos int) error {
	u := c.cur
	if err := u.sink.Flush(); err != nil {
		return err
	}
	start := u.timeline.Unit(pos).Start
	u.player.Seek(start)
	u.active = pos
	u.seeked = true
	c.publish(u, highlight.Jump, pos)
	c.updateSnap(func(sn *Snapshot) {
		sn.Active = u.units[pos].Index
		sn.Position = c.position(u)
	})
	return nil
}

// finished handles the end of the audio task.
func (c *Controller) finished(ex playerExit) {
	u := c.cur
	if u == nil || ex.gen != u.gen {
		return
	}
	if ex.kind != 0 {
		c.fail(c.errorf(ex.kind, ex.op, ex.err))
		return
	}
	// The end of synthesis is always reported before the exit.
	select {
	case total := <-u.player.ended:
		c.synthesisEnded(total)
	default:
	}

	c.advanceTo(u, u.player.Elapsed())
	if u.audio > 0 && !u.seeked {
		chars := timing.CharCount(u.timeline.Units())
		c.calib.Observe(chars, len(u.units), u.audio)
	}
	c.releaseUtterance(false)
	c.startLoad()
}

// releaseUtterance stops the current audio task and frees the device.
func (c *Controller) releaseUtterance(stopping bool) {
	u := c.cur
	if u == nil {
		return
	}
	u.cancel()
	u.stream.Cancel()
	if stopping {
		_ = u.sink.Flush()
	}
	if err := u.sink.Close(); err != nil {
		slog.Warn("closing audio sink", "utterance", u.id, "error", err)
	}
	<-u.player.stopped
	c.publish(u, highlight.Clear, -1)
	c.metrics.ActiveUtterances.Add(context.Background(), -1)

	c.cur = nil
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// halt takes the controller to Idle from any state.
func (c *Controller) halt() {
	if c.state == Idle {
		return
	}
	c.setState(Stopping)
	if c.play != nil {
		c.play.cancel()
	}
	if l := c.load; l != nil {
		(<-l.result).release()
		c.load = nil
	}
	c.releaseUtterance(true)
	c.play = nil
	c.setState(Idle)
	c.updateSnap(func(sn *Snapshot) {
		sn.UtteranceID = ""
		sn.Page = types.NoPage
		sn.Active = -1
		sn.Units = 0
		sn.QueuedPages = nil
	})
}

// endSession is the normal end of a play.
func (c *Controller) endSession() {
	if c.play != nil {
		c.play.cancel()
		c.play = nil
	}
	c.setState(Idle)
	c.updateSnap(func(sn *Snapshot) {
		sn.UtteranceID = ""
		sn.Page = types.NoPage
		sn.Active = -1
		sn.Units = 0
		sn.QueuedPages = nil
		sn.Position = nil
	})
}

// fail reports a terminal error and leaves the controller idle with no
// resources held.
func (c *Controller) fail(e *Error) {
	if s := c.play; s != nil {
		e.FirstPage, e.LastPage = -1, -1
		if s.target.Document != nil {
			e.FirstPage, e.LastPage = s.target.FirstPage, s.target.LastPage
		}
	}
	e.State = c.state
	if u := c.cur; u != nil {
		e.UtteranceID = u.id
		e.Elapsed = u.player.Elapsed()
		e.Page = u.page
	}
	c.halt()

	c.updateSnap(func(sn *Snapshot) { sn.LastError = e })
	c.metrics.RecordPlaybackError(context.Background(), e.Kind.String())
	slog.Error("playback failed", "kind", e.Kind.String(), "op", e.Op, "page", e.Page, "error", e.Err)
	if c.onError != nil {
		go c.onError(e)
	}
}

func (c *Controller) errorf(kind ErrorKind, op string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Page: -1, FirstPage: -1, LastPage: -1, Err: err}
	if u := c.cur; u != nil {
		e.Page = u.page
	}
	return e
}

func (c *Controller) lastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap.LastError == nil {
		return errors.New("playback: unknown failure")
	}
	return c.snap.LastError
}

func (c *Controller) publish(u *utterance, kind highlight.Kind, pos int) {
	if c.bus == nil || !u.highlight {
		return
	}
	ev := highlight.Event{
		Kind:        kind,
		UtteranceID: u.id,
		Page:        u.page,
		Index:       -1,
		Elapsed:     u.player.Elapsed(),
	}
	if pos >= 0 {
		ev.Unit = u.units[pos]
		ev.Index = ev.Unit.Index
	}
	c.bus.Publish(ev)
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	from := c.state
	c.state = s
	c.updateSnap(func(sn *Snapshot) { sn.State = s })
	c.metrics.RecordTransition(context.Background(), from.String(), s.String())
	slog.Debug("playback state", "from", from, "to", s)
}

func (c *Controller) updateSnap(fn func(*Snapshot)) {
	c.mu.Lock()
	fn(&c.snap)
	c.mu.Unlock()
}

func (c *Controller) utteranceID() string {
	if c.cur != nil {
		return c.cur.id
	}
	return ""
}

// position is where a later play of the same document would pick up: the
// active unit, or the first unit before any has been spoken.
func (c *Controller) position(u *utterance) *types.Position {
	if !u.highlight {
		return nil
	}
	pos := max(u.active, 0)
	return &types.Position{Page: u.page, Unit: u.units[pos].Index}
}
