// Package file consumes files dropped into a directory and writes exchange
// bodies to files.
//
// Consumer uri parameters: delete=true removes processed files, otherwise they
// are moved to the move directory (default .done); include=<glob> filters names.
// Producer uri parameters: fileName=<name> fixes the target name, otherwise the
// FileName header or a generated name is used.
package file

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/glimte/mmate-bridge/router"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// Scheme is the uri scheme of the component
const Scheme = "file"

// Header names set on exchanges
const (
	HeaderFileName = "FileName"
	HeaderFilePath = "FilePath"
	HeaderLength   = "FileLength"
)

const defaultMoveDir = ".done"

// Component creates file endpoints
type Component struct {
	logger *slog.Logger
}

// Option configures the component
type Option func(*Component)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		c.logger = logger
	}
}

// NewComponent creates the component
func NewComponent(options ...Option) *Component {
	c := &Component{logger: slog.Default()}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// CreateEndpoint implements router.Component
func (c *Component) CreateEndpoint(rctx *router.Context, uri *router.URI) (router.Endpoint, error) {
	if uri.Path == "" {
		return nil, fmt.Errorf("file: directory is required")
	}
	include := uri.Param("include", "")
	if include != "" {
		if _, err := filepath.Match(include, "x"); err != nil {
			return nil, fmt.Errorf("file: invalid include pattern %q: %w", include, err)
		}
	}
	return &Endpoint{
		BaseEndpoint: router.NewBaseEndpoint(rctx, uri.String()),
		logger:       c.logger,
		dir:          filepath.Clean(uri.Path),
		delete:       uri.BoolParam("delete", false),
		moveDir:      uri.Param("move", defaultMoveDir),
		include:      include,
		fileName:     uri.Param("fileName", ""),
	}, nil
}

// Endpoint is a file endpoint bound to a directory
type Endpoint struct {
	*router.BaseEndpoint
	logger   *slog.Logger
	dir      string
	delete   bool
	moveDir  string
	include  string
	fileName string
}

// Dir returns the directory of the endpoint
func (e *Endpoint) Dir() string { return e.dir }

// CreateConsumer implements router.Endpoint
func (e *Endpoint) CreateConsumer(processor router.Processor) (router.Consumer, error) {
	return &consumer{endpoint: e, processor: processor, inflight: make(map[string]bool)}, nil
}

// CreateProducer implements router.Endpoint
func (e *Endpoint) CreateProducer() (router.Producer, error) {
	return &producer{endpoint: e}, nil
}

type consumer struct {
	endpoint  *Endpoint
	processor router.Processor

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	inflight map[string]bool
}

func (c *consumer) Endpoint() router.Endpoint { return c.endpoint }

func (c *consumer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(c.endpoint.dir, 0o755); err != nil {
		return fmt.Errorf("file: creating %s: %w", c.endpoint.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file: fsnotify.NewWatcher: %w", err)
	}
	if err := watcher.Add(c.endpoint.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("file: watch directory %s: %w", c.endpoint.dir, err)
	}

	c.watcher = watcher
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.watch(watcher, c.done)

	// files present before the watcher was added
	entries, err := os.ReadDir(c.endpoint.dir)
	if err != nil {
		return fmt.Errorf("file: reading %s: %w", c.endpoint.dir, err)
	}
	for _, entry := range entries {
		c.pick(filepath.Join(c.endpoint.dir, entry.Name()))
	}
	return nil
}

func (c *consumer) Stop(context.Context) error {
	c.mu.Lock()
	watcher := c.watcher
	done := c.done
	c.watcher = nil
	c.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(done)
	err := watcher.Close()
	c.wg.Wait()
	return err
}

func (c *consumer) watch(watcher *fsnotify.Watcher, done <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				c.mu.Lock()
				c.pick(event.Name)
				c.mu.Unlock()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.endpoint.logger.Warn("fsnotify watcher error", "dir", c.endpoint.dir, "error", err)
		}
	}
}

// pick schedules path for processing; must be called with c.mu held
func (c *consumer) pick(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || c.inflight[path] {
		return
	}
	if c.endpoint.include != "" {
		if ok, _ := filepath.Match(c.endpoint.include, name); !ok {
			return
		}
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	c.inflight[path] = true
	c.wg.Add(1)
	go c.process(path)
}

func (c *consumer) process(path string) {
	defer c.wg.Done()
	logger := c.endpoint.logger.With("file", path)

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		logger.Warn("reading file failed", "error", err)
		c.release(path)
		return
	}

	ex := c.endpoint.CreateExchange(router.InOnly)
	ex.In().SetBody(bytes.NewBuffer(data))
	ex.In().SetHeader(HeaderFileName, filepath.Base(path))
	ex.In().SetHeader(HeaderFilePath, path)
	ex.In().SetHeader(HeaderLength, len(data))

	completion := c.processor.Process(ex)
	<-completion.Done()

	if ex.Failed() {
		// left in place; picked up again after a restart
		logger.Error("processing file failed", "error", ex.Err())
		return
	}

	if err := c.commit(path); err != nil {
		logger.Error("committing file failed", "error", err)
	}
	c.release(path)
}

// commit deletes or moves a processed file
func (c *consumer) commit(path string) error {
	if c.endpoint.delete {
		return os.Remove(path)
	}
	target := filepath.Join(c.endpoint.dir, c.endpoint.moveDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(target, filepath.Base(path)))
}

func (c *consumer) release(path string) {
	c.mu.Lock()
	delete(c.inflight, path)
	c.mu.Unlock()
}

type producer struct {
	endpoint *Endpoint
}

func (p *producer) Endpoint() router.Endpoint { return p.endpoint }

func (p *producer) Start(context.Context) error {
	return os.MkdirAll(p.endpoint.dir, 0o755)
}

func (p *producer) Stop(context.Context) error { return nil }

func (p *producer) Process(ex *router.Exchange) *router.Completion {
	if err := p.write(ex); err != nil {
		ex.SetErr(err)
	}
	return router.Completed()
}

func (p *producer) write(ex *router.Exchange) error {
	data, err := router.ConvertTo[[]byte](ex.Router().TypeConverter(), ex.In().Body())
	if err != nil {
		return err
	}

	name := p.endpoint.fileName
	if name == "" {
		if h, ok := ex.In().Header(HeaderFileName).(string); ok && h != "" {
			name = h
		}
	}
	if name == "" {
		name = uuid.New().String()
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("file: invalid file name %q", name)
	}

	path := filepath.Join(p.endpoint.dir, name)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("file: writing %s: %w", path, err)
	}
	ex.In().SetHeader(HeaderFilePath, path)
	return nil
}
