// Package http exposes routes over HTTP and calls remote HTTP services.
//
// The same uri serves both roles: a consumer on http://host:port/path serves
// POST requests on that path as InOut exchanges, a producer POSTs the In body
// to that url and stores the response as the Out message.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-bridge/router"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Scheme is the uri scheme of the component
const Scheme = "http"

// Header names set on exchanges
const (
	HeaderMethod       = "HttpMethod"
	HeaderPath         = "HttpPath"
	HeaderQuery        = "HttpQuery"
	HeaderResponseCode = "HttpResponseCode"
)

const defaultMaxBodySize = 10 << 20

// OperationFailedError is set on exchanges whose remote call returned a non-2xx status
type OperationFailedError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("http: %s returned status %d: %s", e.URL, e.StatusCode, strings.TrimSpace(e.Body))
}

// Component creates http endpoints and owns the listening servers
type Component struct {
	client      *http.Client
	logger      *slog.Logger
	maxBodySize int64
	readTimeout time.Duration
	rateLimit   int
	rateWindow  time.Duration

	mu      sync.Mutex
	servers map[string]*server
}

// Option configures the component
type Option func(*Component)

// WithClient sets the client used by producers
func WithClient(client *http.Client) Option {
	return func(c *Component) {
		c.client = client
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		c.logger = logger
	}
}

// WithMaxBodySize bounds accepted request bodies
func WithMaxBodySize(n int64) Option {
	return func(c *Component) {
		c.maxBodySize = n
	}
}

// WithRateLimit limits consumers to requests per window and client ip
func WithRateLimit(requests int, window time.Duration) Option {
	return func(c *Component) {
		c.rateLimit = requests
		c.rateWindow = window
	}
}

// NewComponent creates the component
func NewComponent(options ...Option) *Component {
	c := &Component{
		client:      &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:      slog.Default(),
		maxBodySize: defaultMaxBodySize,
		readTimeout: 10 * time.Second,
		servers:     make(map[string]*server),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// CreateEndpoint implements router.Component
func (c *Component) CreateEndpoint(rctx *router.Context, uri *router.URI) (router.Endpoint, error) {
	hostPort, path, _ := strings.Cut(uri.Path, "/")
	if hostPort == "" {
		return nil, fmt.Errorf("http: host is required in %s", uri)
	}
	if _, _, err := net.SplitHostPort(hostPort); err != nil {
		hostPort = net.JoinHostPort(hostPort, "80")
	}
	return &Endpoint{
		BaseEndpoint: router.NewBaseEndpoint(rctx, uri.String()),
		component:    c,
		hostPort:     hostPort,
		path:         "/" + path,
		query:        uri.Params.Encode(),
	}, nil
}

// Start implements router.Service. Servers start with their first consumer.
func (c *Component) Start(context.Context) error {
	return nil
}

// Stop shuts down every server still running
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	servers := c.servers
	c.servers = make(map[string]*server)
	c.mu.Unlock()

	var errs []error
	for _, s := range servers {
		if err := s.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Endpoint is an http endpoint
type Endpoint struct {
	*router.BaseEndpoint
	component *Component
	hostPort  string
	path      string
	query     string
}

// URL returns the url producers call
func (e *Endpoint) URL() string {
	u := "http://" + e.hostPort + e.path
	if e.query != "" {
		u += "?" + e.query
	}
	return u
}

// CreateConsumer implements router.Endpoint
func (e *Endpoint) CreateConsumer(processor router.Processor) (router.Consumer, error) {
	return &Consumer{endpoint: e, processor: processor}, nil
}

// CreateProducer implements router.Endpoint
func (e *Endpoint) CreateProducer() (router.Producer, error) {
	return &producer{endpoint: e}, nil
}

// Consumer serves POST requests on the endpoint path
type Consumer struct {
	endpoint  *Endpoint
	processor router.Processor

	mu     sync.Mutex
	server *server
}

// Endpoint implements router.Consumer
func (c *Consumer) Endpoint() router.Endpoint { return c.endpoint }

// Addr returns the address the server listens on, nil before Start
func (c *Consumer) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server.listener.Addr()
}

// Start implements router.Service
func (c *Consumer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		return nil
	}
	s, err := c.endpoint.component.acquire(c.endpoint.hostPort)
	if err != nil {
		return err
	}
	if err := s.register(c.endpoint.path, c); err != nil {
		c.endpoint.component.release(c.endpoint.hostPort, s)
		return err
	}
	c.server = s
	return nil
}

// Stop implements router.Service
func (c *Consumer) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server == nil {
		return nil
	}
	c.server.unregister(c.endpoint.path)
	c.endpoint.component.release(c.endpoint.hostPort, c.server)
	c.server = nil
	return nil
}

// acquire returns the server for hostPort, starting it if needed
func (c *Component) acquire(hostPort string) (*server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.servers[hostPort]; ok {
		s.refs++
		return s, nil
	}

	s, err := newServer(hostPort, c)
	if err != nil {
		return nil, err
	}
	s.refs = 1
	c.servers[hostPort] = s
	return s, nil
}

// release stops the server once its last consumer is gone
func (c *Component) release(hostPort string, s *server) {
	c.mu.Lock()
	s.refs--
	last := s.refs <= 0
	if last && c.servers[hostPort] == s {
		delete(c.servers, hostPort)
	}
	c.mu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdown(ctx); err != nil {
			c.logger.Warn("http server shutdown failed", "addr", hostPort, "error", err)
		}
	}
}

type server struct {
	component *Component
	listener  net.Listener
	srv       *http.Server
	refs      int

	mu     sync.RWMutex
	routes map[string]*Consumer
}

func newServer(hostPort string, component *Component) (*server, error) {
	ln, err := net.Listen("tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("http: listen on %s: %w", hostPort, err)
	}

	s := &server{
		component: component,
		listener:  ln,
		routes:    make(map[string]*Consumer),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if component.rateLimit > 0 {
		r.Use(httprate.Limit(component.rateLimit, component.rateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	r.Post("/*", s.serve)

	s.srv = &http.Server{
		Handler:           otelhttp.NewHandler(r, "mmate-bridge.http"),
		ReadHeaderTimeout: component.readTimeout,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			component.logger.Error("http server stopped", "addr", hostPort, "error", err)
		}
	}()

	component.logger.Info("http server listening", "addr", ln.Addr().String())
	return s, nil
}

func (s *server) register(path string, c *Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.routes[path]; exists {
		return fmt.Errorf("http: path %s already has a consumer", path)
	}
	s.routes[path] = c
	return nil
}

func (s *server) unregister(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, path)
}

func (s *server) shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	consumer, ok := s.routes[r.URL.Path]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.component.maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ex := consumer.endpoint.CreateExchange(router.InOut)
	ex.WithContext(r.Context())
	ex.In().SetBody(body)
	for name, values := range r.Header {
		if len(values) == 1 {
			ex.In().SetHeader(name, values[0])
		} else {
			ex.In().SetHeader(name, append([]string(nil), values...))
		}
	}
	ex.In().SetHeader(HeaderMethod, r.Method)
	ex.In().SetHeader(HeaderPath, r.URL.Path)
	if r.URL.RawQuery != "" {
		ex.In().SetHeader(HeaderQuery, r.URL.RawQuery)
	}

	if err := consumer.processor.Process(ex).Wait(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if ex.Failed() {
		http.Error(w, ex.Err().Error(), http.StatusInternalServerError)
		return
	}

	result := ex.Result()
	var payload []byte
	if result.Body() != nil {
		payload, err = router.ConvertTo[[]byte](consumer.endpoint.Router().TypeConverter(), result.Body())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	for name, value := range result.Headers() {
		if strings.HasPrefix(name, "Http") {
			continue
		}
		switch v := value.(type) {
		case string:
			w.Header().Set(name, v)
		case []string:
			for _, item := range v {
				w.Header().Add(name, item)
			}
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type producer struct {
	endpoint *Endpoint
}

func (p *producer) Endpoint() router.Endpoint   { return p.endpoint }
func (p *producer) Start(context.Context) error { return nil }
func (p *producer) Stop(context.Context) error  { return nil }

func (p *producer) Process(ex *router.Exchange) *router.Completion {
	done := router.NewCompletion()
	go func() {
		defer done.Complete()
		if err := p.call(ex); err != nil {
			ex.SetErr(err)
		}
	}()
	return done
}

func (p *producer) call(ex *router.Exchange) error {
	var payload []byte
	if body := ex.In().Body(); body != nil {
		b, err := router.ConvertTo[[]byte](p.endpoint.Router().TypeConverter(), body)
		if err != nil {
			return err
		}
		payload = b
	}

	url := p.endpoint.URL()
	req, err := http.NewRequestWithContext(ex.Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("http: building request for %s: %w", url, err)
	}
	for name, value := range ex.In().Headers() {
		switch v := value.(type) {
		case string:
			req.Header.Set(name, v)
		case []string:
			for _, item := range v {
				req.Header.Add(name, item)
			}
		}
	}

	resp, err := p.endpoint.component.client.Do(req)
	if err != nil {
		return fmt.Errorf("http: calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.endpoint.component.maxBodySize))
	if err != nil {
		return fmt.Errorf("http: reading response from %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &OperationFailedError{URL: url, StatusCode: resp.StatusCode, Body: string(data)}
	}

	out := router.NewMessage(data)
	for name, values := range resp.Header {
		if len(values) == 1 {
			out.SetHeader(name, values[0])
		} else {
			out.SetHeader(name, append([]string(nil), values...))
		}
	}
	out.SetHeader(HeaderResponseCode, strconv.Itoa(resp.StatusCode))
	ex.SetOut(out)
	return nil
}
