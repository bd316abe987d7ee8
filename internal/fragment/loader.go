package fragment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/jcdickinson/implindex/internal/index"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const defaultConcurrency = 8

// Result describes what happened to one fragment source.
type Result struct {
	Source  string
	Group   string
	Crates  int
	Records int
	Skipped bool // already delivered with identical content
	Err     error
}

// Loader delivers fragments to a Registrar. Sources are read and parsed concurrently,
// so registrations reach the Registrar in no particular order.
type Loader struct {
	reg         index.Registrar
	client      *http.Client
	concurrency int
	sink        func(context.Context, *Fragment)

	flight singleflight.Group

	mu     sync.Mutex
	loaded map[string]string // source → content hash
}

// bufferingRegistrar is a Registrar that can report whether a registration was held
// back until initialization. *index.Store is one.
type bufferingRegistrar interface {
	Register(group string, c *index.Contribution) (bool, error)
}

type Option func(*Loader)

func WithConcurrency(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithSink sets a callback invoked for every fragment after it has been registered. It
// receives the context of the load that delivered the fragment.
func WithSink(fn func(context.Context, *Fragment)) Option {
	return func(l *Loader) { l.sink = fn }
}

func NewLoader(reg index.Registrar, opts ...Option) *Loader {
	l := &Loader{
		reg:         reg,
		client:      defaultHTTPClient,
		concurrency: defaultConcurrency,
		loaded:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MarkLoaded records that source was delivered with the given content hash, so an
// identical re-delivery is skipped instead of being reported as a duplicate group.
func (l *Loader) MarkLoaded(source, hash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded[source] = hash
}

type source struct {
	name string // identity, used for dedup and reporting
	path string // used to derive the group key and encoding
	read func(ctx context.Context) ([]byte, error)
}

// LoadDir loads every fragment under root.
func (l *Loader) LoadDir(ctx context.Context, root string, progress func(string)) ([]Result, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", root, err)
	}
	return l.LoadFS(ctx, os.DirFS(abs), abs, progress)
}

// LoadFS loads every fragment in fsys. prefix is prepended to file names to form
// source identities.
func (l *Loader) LoadFS(ctx context.Context, fsys fs.FS, prefix string, progress func(string)) ([]Result, error) {
	names, err := Discover(fsys)
	if err != nil {
		return nil, err
	}

	sources := make([]source, len(names))
	for i, name := range names {
		name := name
		sources[i] = source{
			name: filepath.ToSlash(filepath.Join(prefix, name)),
			path: name,
			read: func(context.Context) ([]byte, error) { return ReadFile(fsys, name) },
		}
	}
	return l.load(ctx, sources, progress)
}

// LoadURLs fetches and loads each URL.
func (l *Loader) LoadURLs(ctx context.Context, urls []string, progress func(string)) ([]Result, error) {
	sources := make([]source, len(urls))
	for i, u := range urls {
		u := u
		sources[i] = source{
			name: u,
			path: urlPath(u),
			read: func(ctx context.Context) ([]byte, error) { return Fetch(ctx, l.client, u) },
		}
	}
	return l.load(ctx, sources, progress)
}

// load processes sources concurrently. Per-source read and parse failures are reported
// in the results; a duplicate group aborts the whole load, since it means the fragment
// set itself is inconsistent.
func (l *Loader) load(ctx context.Context, sources []source, progress func(string)) ([]Result, error) {
	var progressMu sync.Mutex
	report := func(format string, args ...any) {
		if progress == nil {
			return
		}
		progressMu.Lock()
		defer progressMu.Unlock()
		progress(fmt.Sprintf(format, args...))
	}

	results := make([]Result, len(sources))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result{Source: src.name, Err: err}
				return nil
			}

			// Concurrent deliveries of the same source share one registration.
			v, err, _ := l.flight.Do(src.name, func() (interface{}, error) {
				return l.loadOne(ctx, src)
			})
			res := v.(Result)
			results[i] = res

			switch {
			case errors.Is(err, index.ErrDuplicateGroup):
				log.Printf("fragment: %s: %v", src.name, err)
				report("%s: %v", src.name, err)
				return err
			case res.Err != nil:
				log.Printf("fragment: %s: %v", src.name, res.Err)
				report("%s: error: %v", src.name, res.Err)
			case res.Skipped:
				report("%s: already loaded", src.name)
			default:
				report("registered %s (%d crates, %d implementors)", res.Group, res.Crates, res.Records)
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// loadOne reads, parses and registers a single source. The returned error is non-nil
// only for failures that must abort the load.
func (l *Loader) loadOne(ctx context.Context, src source) (Result, error) {
	res := Result{Source: src.name}

	data, err := src.read(ctx)
	if err != nil {
		res.Err = err
		return res, nil
	}

	f, err := Parse(src.path, data)
	if err != nil {
		res.Err = err
		return res, nil
	}
	f.Source = src.name
	res.Group = f.Group
	res.Crates = f.Implementors.Len()
	res.Records = f.Implementors.Records()

	l.mu.Lock()
	prev, seen := l.loaded[src.name]
	l.mu.Unlock()
	if seen && prev == f.Hash {
		res.Skipped = true
		return res, nil
	}

	if br, ok := l.reg.(bufferingRegistrar); ok {
		f.Buffered, err = br.Register(f.Group, f.Implementors)
	} else {
		err = l.reg.RegisterFragment(f.Group, f.Implementors)
	}
	if err != nil {
		res.Err = err
		if errors.Is(err, index.ErrDuplicateGroup) {
			return res, err
		}
		return res, nil
	}

	l.MarkLoaded(src.name, f.Hash)
	if l.sink != nil {
		l.sink(ctx, f)
	}
	return res, nil
}
