package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcdickinson/implindex/internal/cas"
	"github.com/jcdickinson/implindex/internal/config"
	"github.com/jcdickinson/implindex/internal/db"
	"github.com/jcdickinson/implindex/internal/fragment"
	"github.com/jcdickinson/implindex/internal/index"
	md "github.com/jcdickinson/implindex/internal/markdown"
	"github.com/jcdickinson/implindex/internal/rpc"
)

// Journal records every fragment the daemon registers so a restarted daemon can
// rebuild the same index.
type Journal interface {
	RecordFragment(f *db.Fragment) error
	ListFragments() ([]db.Fragment, error)
	Close() error
}

type loadIDKey struct{}

type Server struct {
	cfg        *config.Config
	store      *index.Store
	journal    Journal
	blobs      *cas.Store
	loader     *fragment.Loader
	socketPath string
	httpServer *http.Server
	listener   net.Listener

	mu         sync.Mutex
	expTimer   *time.Timer
	expiration time.Duration
}

func NewServer(cfg *config.Config, store *index.Store, journal Journal, blobs *cas.Store, socketPath string) *Server {
	expSec := cfg.Daemon.ExpirationSeconds
	if expSec <= 0 {
		expSec = 600
	}

	s := &Server{
		cfg:        cfg,
		store:      store,
		journal:    journal,
		blobs:      blobs,
		socketPath: socketPath,
		expiration: time.Duration(expSec) * time.Second,
	}

	opts := []fragment.Option{
		fragment.WithConcurrency(cfg.Loader.Concurrency),
		fragment.WithSink(s.record),
	}
	if cfg.Loader.TimeoutSeconds > 0 {
		opts = append(opts, fragment.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Loader.TimeoutSeconds) * time.Second,
		}))
	}
	s.loader = fragment.NewLoader(store, opts...)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	n, err := s.Restore()
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("daemon: restored %d fragments from journal", n)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}

	s.mu.Lock()
	s.expTimer = time.AfterFunc(s.expiration, s.expire)
	s.mu.Unlock()

	go s.Bootstrap(ctx)

	log.Printf("daemon: listening on %s (expires after %s of inactivity)", s.socketPath, s.expiration)

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

// Handler returns the daemon's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /load", s.withExpReset(s.handleLoad))
	mux.HandleFunc("POST /initialize", s.withExpReset(s.handleInitialize))
	mux.HandleFunc("POST /lookup", s.withExpReset(s.handleLookup))
	mux.HandleFunc("GET /groups", s.withExpReset(s.handleGroups))
	mux.HandleFunc("POST /render", s.withExpReset(s.handleRender))
	mux.HandleFunc("GET /status", s.withExpReset(s.handleStatus))
	mux.HandleFunc("POST /shutdown", s.handleShutdown)
	return mux
}

func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("daemon: shutdown error: %v", err)
			errs = append(errs, err)
		}
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("daemon: listener close error: %v", err)
			errs = append(errs, err)
		}
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		log.Printf("daemon: socket remove error: %v", err)
		errs = append(errs, err)
	}
	if err := s.journal.Close(); err != nil {
		log.Printf("daemon: journal close error: %v", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) expire() {
	log.Printf("daemon: expiring due to inactivity")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	os.Exit(0)
}

func (s *Server) resetExpiration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expTimer != nil {
		s.expTimer.Stop()
		s.expTimer.Reset(s.expiration)
	}
}

func (s *Server) withExpReset(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.resetExpiration()
		handler(w, r)
	}
}

// Restore replays the journal into the store. Restored fragments go through the normal
// registration path, so before initialization they wait in the pending buffer. The
// loader remembers each restored source, and delivering it again unchanged is a no-op.
func (s *Server) Restore() (int, error) {
	rows, err := s.journal.ListFragments()
	if err != nil {
		return 0, fmt.Errorf("reading journal: %w", err)
	}

	restored := 0
	for _, row := range rows {
		if !s.blobs.Has(row.ContentHash) {
			log.Printf("daemon: journal entry %s: payload %s missing", row.Group, row.ContentHash)
			continue
		}
		data, err := s.blobs.Read(row.ContentHash)
		if err != nil {
			log.Printf("daemon: journal entry %s: %v", row.Group, err)
			continue
		}
		f, err := fragment.ParseAs(row.Group, row.Source, data)
		if err != nil {
			log.Printf("daemon: journal entry %s: %v", row.Group, err)
			continue
		}
		if err := s.store.RegisterFragment(f.Group, f.Implementors); err != nil {
			log.Printf("daemon: journal entry %s: %v", row.Group, err)
			continue
		}
		s.loader.MarkLoaded(row.Source, f.Hash)
		restored++
	}
	return restored, nil
}

// Bootstrap loads the configured fragment sources, then initializes the index when
// configured to. Initialization waits for the loads so the first lookups see them.
func (s *Server) Bootstrap(ctx context.Context) {
	idx := s.cfg.Index
	ctx = context.WithValue(ctx, loadIDKey{}, uuid.NewString())
	progress := func(msg string) { log.Printf("daemon: bootstrap: %s", msg) }

	for _, dir := range idx.FragmentDirs {
		if _, err := s.loader.LoadDir(ctx, dir, progress); err != nil {
			log.Printf("daemon: loading %s: %v", dir, err)
		}
	}
	if len(idx.FragmentURLs) > 0 {
		if _, err := s.loader.LoadURLs(ctx, idx.FragmentURLs, progress); err != nil {
			log.Printf("daemon: loading fragment URLs: %v", err)
		}
	}

	if !idx.InitializeOnStart {
		return
	}
	if err := s.store.Initialize(); err != nil {
		if !errors.Is(err, index.ErrAlreadyInitialized) {
			log.Printf("daemon: initializing index: %v", err)
		}
		return
	}
	log.Printf("daemon: index ready with %d groups", s.store.Stats().Groups)
}

// record is the loader's sink: it keeps the payload in the CAS and journals it.
func (s *Server) record(ctx context.Context, f *fragment.Fragment) {
	if !s.blobs.Has(f.Hash) {
		if _, err := s.blobs.Write(f.Raw); err != nil {
			log.Printf("daemon: failed to write CAS for %s: %v", f.Group, err)
			return
		}
	}
	loadID, _ := ctx.Value(loadIDKey{}).(string)
	err := s.journal.RecordFragment(&db.Fragment{
		Group:           f.Group,
		Source:          f.Source,
		ContentHash:     f.Hash,
		Crates:          f.Implementors.Len(),
		Records:         f.Implementors.Records(),
		LoadID:          loadID,
		RegisteredReady: !f.Buffered,
	})
	if err != nil {
		log.Printf("daemon: failed to journal %s: %v", f.Group, err)
	}
}

func toLoadResult(r fragment.Result) rpc.LoadResult {
	out := rpc.LoadResult{
		Source:  r.Source,
		Group:   r.Group,
		Crates:  r.Crates,
		Records: r.Records,
		Skipped: r.Skipped,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req rpc.LoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Dirs) == 0 && len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "nothing to load")
		return
	}

	loadID := uuid.NewString()
	ctx := context.WithValue(r.Context(), loadIDKey{}, loadID)

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	send := func(line rpc.ProgressLine) bool {
		if line.Message != "" {
			log.Printf("daemon: %s", line.Message)
		}
		if err := enc.Encode(line); err != nil {
			log.Printf("daemon: client disconnected: %v", err)
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}
	progress := func(msg string) {
		send(rpc.ProgressLine{Type: "progress", Message: msg})
	}
	finish := func(results []fragment.Result, err error) bool {
		for _, res := range results {
			lr := toLoadResult(res)
			if !send(rpc.ProgressLine{Type: "result", Result: &lr}) {
				return false
			}
		}
		if err != nil {
			send(rpc.ProgressLine{Type: "done", LoadID: loadID, Error: err.Error()})
			return false
		}
		return true
	}

	for _, dir := range req.Dirs {
		if !finish(s.loader.LoadDir(ctx, dir, progress)) {
			return
		}
	}
	if len(req.URLs) > 0 {
		if !finish(s.loader.LoadURLs(ctx, req.URLs, progress)) {
			return
		}
	}
	send(rpc.ProgressLine{Type: "done", LoadID: loadID})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Initialize(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, index.ErrAlreadyInitialized) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	groups := s.store.Stats().Groups
	log.Printf("daemon: index ready with %d groups", groups)
	writeJSON(w, http.StatusOK, rpc.InitializeResponse{Groups: groups})
}

// lookup resolves req.Group, writing the error response itself when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (rpc.LookupRequest, *index.Contribution, bool) {
	var req rpc.LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, nil, false
	}
	if req.Group == "" {
		writeError(w, http.StatusBadRequest, "missing group")
		return req, nil, false
	}

	c, ok := s.store.Lookup(req.Group)
	if !ok {
		msg := fmt.Sprintf("no implementors registered for %s", req.Group)
		if !s.store.IsReady() {
			msg = fmt.Sprintf("index not initialized; %s not available yet", req.Group)
		}
		writeError(w, http.StatusNotFound, msg)
		return req, nil, false
	}
	return req, c, true
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	req, c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rpc.LookupResponse{Group: req.Group, Implementors: c})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	req, c, ok := s.lookup(w, r)
	if !ok {
		return
	}

	body := md.RenderImplementors(req.Group, c, s.cfg.Index.BaseURL())
	resp := rpc.RenderResponse{Group: req.Group, Format: req.Format}
	switch req.Format {
	case "", "markdown":
		resp.Format = "markdown"
		resp.Content = md.AddFrontMatter(body, map[string]string{
			"group":        req.Group,
			"crates":       strconv.Itoa(c.Len()),
			"implementors": strconv.Itoa(c.Records()),
		})
	case "html":
		resp.Content = md.ToHTML(body)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", req.Format))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	groups := []string{}
	for _, g := range s.store.Groups() {
		if strings.HasPrefix(g, prefix) {
			groups = append(groups, g)
		}
	}
	sort.Strings(groups)
	writeJSON(w, http.StatusOK, rpc.GroupsResponse{Groups: groups})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	rows, err := s.journal.ListFragments()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := rpc.StatusResponse{Ready: stats.Ready, Groups: stats.Groups, Pending: stats.Pending}
	for _, row := range rows {
		resp.Fragments = append(resp.Fragments, rpc.FragmentStatus{
			Group:              row.Group,
			Source:             row.Source,
			Crates:             row.Crates,
			Records:            row.Records,
			ArrivedBeforeReady: !row.RegisteredReady,
			Pending:            !row.RegisteredReady && !stats.Ready,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting down"})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
		os.Exit(0)
	}()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
