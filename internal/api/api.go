// Package api is the HTTP surface of the reader: document registration, page
// inspection, playback commands and a websocket stream of highlight events.
//
//	POST /v1/documents                               register a PDF by path or body
//	GET  /v1/documents                               recently opened documents (with a Library)
//	GET  /v1/documents/{fingerprint}/pages/{page}    extracted units of one page
//	GET  /v1/documents/{fingerprint}/search?q=       case-insensitive text search
//	GET  /v1/documents/{fingerprint}/text            text of every readable page
//	POST /v1/playback/play                           start a document range or free text
//	POST /v1/playback/{pause,resume,stop}            transport controls
//	POST /v1/playback/skip                           jump to a unit of the active page
//	GET  /v1/playback                                controller snapshot
//	GET  /v1/highlights                              websocket event stream
//
// Every handler answers JSON. Commands rejected by the controller's state
// machine return 409, malformed input 400 and unknown documents 404.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Neeleshn20/spokensense/internal/cache"
	"github.com/Neeleshn20/spokensense/internal/highlight"
	"github.com/Neeleshn20/spokensense/internal/observe"
	"github.com/Neeleshn20/spokensense/internal/playback"
	"github.com/Neeleshn20/spokensense/pkg/provider/extract"
	"github.com/Neeleshn20/spokensense/pkg/types"
)

const (
	defaultMaxUpload    = 64 << 20
	defaultWriteTimeout = 5 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Documents is the part of the extraction cache the API needs.
type Documents interface {
	Open(ctx context.Context, path string) (*cache.Document, error)
	Load(ctx context.Context, name string, data []byte) (*cache.Document, error)
	Document(fp cache.Fingerprint) (*cache.Document, bool)
	Page(ctx context.Context, doc *cache.Document, page int) (types.Page, error)
	Search(ctx context.Context, doc *cache.Document, query string) ([]cache.Hit, error)
	FullText(ctx context.Context, doc *cache.Document) (string, error)
}

// Player is the part of the playback controller the API drives.
type Player interface {
	Play(ctx context.Context, t playback.Target) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Skip(ctx context.Context, index int) error
	Snapshot() playback.Snapshot
}

var (
	_ Documents = (*cache.Cache)(nil)
	_ Player    = (*playback.Controller)(nil)
)

// Library reports the documents opened so far and where reading stopped.
type Library interface {
	Recent() []RecentDocument
}

// RecentDocument is one entry of a [Library].
type RecentDocument struct {
	Fingerprint cache.Fingerprint `json:"fingerprint"`
	Name        string            `json:"name"`
	Path        string            `json:"path,omitempty"`
	Pages       int               `json:"pages"`
	Position    *types.Position   `json:"position,omitempty"`
	OpenedAt    time.Time         `json:"opened_at"`
	ReadAt      time.Time         `json:"read_at,omitzero"`
}

// Option configures a [Server].
type Option func(*Server)

// WithMaxUpload caps the size of a PDF posted as the request body.
func WithMaxUpload(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithWriteTimeout bounds a single websocket write to a highlight observer.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithPingInterval sets how often idle highlight streams are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithLibrary serves GET /v1/documents from l.
func WithLibrary(l Library) Option {
	return func(s *Server) { s.library = l }
}

// WithStreamBuffer overrides the bus queue bound for websocket subscribers.
func WithStreamBuffer(n int) Option {
	return func(s *Server) { s.streamBuffer = n }
}

// Server holds the handlers. It keeps no per-request state and is safe for
// concurrent use.
type Server struct {
	docs    Documents
	player  Player
	bus     *highlight.Bus
	library Library

	maxUpload    int64
	writeTimeout time.Duration
	pingInterval time.Duration
	streamBuffer int
}

// New creates a Server over the given cache, controller and bus.
func New(docs Documents, player Player, bus *highlight.Bus, opts ...Option) *Server {
	s := &Server{
		docs:         docs,
		player:       player,
		bus:          bus,
		maxUpload:    defaultMaxUpload,
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/documents", s.handleOpen)
	if s.library != nil {
		mux.HandleFunc("GET /v1/documents", s.handleRecent)
	}
	mux.HandleFunc("GET /v1/documents/{fingerprint}/pages/{page}", s.handlePage)
	mux.HandleFunc("GET /v1/documents/{fingerprint}/search", s.handleSearch)
	mux.HandleFunc("GET /v1/documents/{fingerprint}/text", s.handleText)
	mux.HandleFunc("POST /v1/playback/play", s.handlePlay)
	mux.HandleFunc("POST /v1/playback/pause", s.command(Player.Pause))
	mux.HandleFunc("POST /v1/playback/resume", s.command(Player.Resume))
	mux.HandleFunc("POST /v1/playback/stop", s.command(Player.Stop))
	mux.HandleFunc("POST /v1/playback/skip", s.handleSkip)
	mux.HandleFunc("GET /v1/playback", s.handleSnapshot)
	mux.HandleFunc("GET /v1/highlights", s.handleHighlights)
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

type openRequest struct {
	Path string `json:"path"`
}

type documentResponse struct {
	Fingerprint cache.Fingerprint `json:"fingerprint"`
	Name        string            `json:"name"`
	Pages       int               `json:"pages"`
}

// handleOpen registers a document. A JSON body names a file on the server;
// an application/pdf body is the document itself, named by ?name=.
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var (
		doc *cache.Document
		err error
	)
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/pdf" {
		data, rerr := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
		if rerr != nil {
			var tooBig *http.MaxBytesError
			if errors.As(rerr, &tooBig) {
				writeError(w, http.StatusRequestEntityTooLarge, rerr)
				return
			}
			writeError(w, http.StatusBadRequest, rerr)
			return
		}
		name := r.URL.Query().Get("name")
		if name == "" {
			name = "upload.pdf"
		}
		doc, err = s.docs.Load(r.Context(), name, data)
	} else {
		var req openRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, errors.New("path is required"))
			return
		}
		doc, err = s.docs.Open(r.Context(), req.Path)
	}
	if err != nil {
		s.fail(w, r, "open document", err)
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{
		Fingerprint: doc.Fingerprint(),
		Name:        doc.Name(),
		Pages:       doc.PageCount(),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, _ *http.Request) {
	docs := s.library.Recent()
	if docs == nil {
		docs = []RecentDocument{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r.PathValue("fingerprint"))
	if !ok {
		return
	}
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("page must be an integer"))
		return
	}
	p, err := s.docs.Page(r.Context(), doc, page)
	if err != nil {
		s.fail(w, r, "page", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type searchResponse struct {
	Query string      `json:"query"`
	Hits  []cache.Hit `json:"hits"`
}

// handleSearch answers the hits of ?q= in document order. Each hit's page
// and unit can be passed back as a play request's resume position.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r.PathValue("fingerprint"))
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	hits, err := s.docs.Search(r.Context(), doc, q)
	if err != nil {
		s.fail(w, r, "search", err)
		return
	}
	if hits == nil {
		hits = []cache.Hit{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Hits: hits})
}

type textResponse struct {
	Fingerprint cache.Fingerprint `json:"fingerprint"`
	Text        string            `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r.PathValue("fingerprint"))
	if !ok {
		return
	}
	text, err := s.docs.FullText(r.Context(), doc)
	if err != nil {
		s.fail(w, r, "text", err)
		return
	}
	writeJSON(w, http.StatusOK, textResponse{Fingerprint: doc.Fingerprint(), Text: text})
}

type playRequest struct {
	Fingerprint string          `json:"fingerprint"`
	FirstPage   int             `json:"first_page"`
	LastPage    *int            `json:"last_page"`
	Text        string          `json:"text"`
	Resume      *types.Position `json:"resume"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if !decode(w, r, &req) {
		return
	}
	t := playback.Target{Text: req.Text, FirstPage: req.FirstPage, Resume: req.Resume}
	if req.Fingerprint != "" {
		doc, ok := s.document(w, req.Fingerprint)
		if !ok {
			return
		}
		t.Document = doc
		t.LastPage = req.FirstPage
		if req.LastPage != nil {
			t.LastPage = *req.LastPage
		}
	}
	if err := s.player.Play(r.Context(), t); err != nil {
		s.fail(w, r, "play", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.player.Snapshot())
}

type skipRequest struct {
	Index *int `json:"index"`
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	var req skipRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Index == nil {
		writeError(w, http.StatusBadRequest, errors.New("index is required"))
		return
	}
	if err := s.player.Skip(r.Context(), *req.Index); err != nil {
		s.fail(w, r, "skip", err)
		return
	}
	writeJSON(w, http.StatusOK, s.player.Snapshot())
}

func (s *Server) command(fn func(Player, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(s.player, r.Context()); err != nil {
			s.fail(w, r, "command", err)
			return
		}
		writeJSON(w, http.StatusOK, s.player.Snapshot())
	}
}

type snapshotResponse struct {
	playback.Snapshot
	LastError *errorBody `json:"last_error,omitempty"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap := s.player.Snapshot()
	res := snapshotResponse{Snapshot: snap}
	if e := snap.LastError; e != nil {
		res.LastError = &errorBody{Error: e.Error(), Kind: e.Kind.String()}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) document(w http.ResponseWriter, raw string) (*cache.Document, bool) {
	fp := cache.Fingerprint(raw)
	if !fp.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("malformed fingerprint"))
		return nil, false
	}
	doc, ok := s.docs.Document(fp)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown document "+fp.Short()))
		return nil, false
	}
	return doc, true
}

// fail maps err to a status code and logs server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api request failed", "op", op, "err", err)
	}
	body := errorBody{Error: err.Error()}
	if k := playback.KindOf(err); k != 0 {
		body.Kind = k.String()
	}
	writeJSON(w, status, body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, playback.ErrInvalidCommand):
		return http.StatusConflict
	case errors.Is(err, playback.ErrInvalidTarget), errors.Is(err, cache.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, playback.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, os.ErrNotExist), errors.Is(err, extract.ErrPageOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrExtractionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}
