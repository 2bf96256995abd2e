package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultEventLoops is the number of event loops of a LocalBus
const DefaultEventLoops = 2

const replyAddressPrefix = "__mmate.reply."

// LocalBus is an in-process Bus
type LocalBus struct {
	logger         *slog.Logger
	loops          []*eventLoop
	nextLoop       atomic.Uint64
	handlers       map[string]*handlerList
	mu             sync.RWMutex
	pending        map[string]*pendingReply
	pendingMu      sync.Mutex
	codecs         *codecRegistry
	pool           *WorkerPool
	defaultTimeout time.Duration
	closed         atomic.Bool
}

type handlerList struct {
	registrations []*registration
	next          uint64
}

type registration struct {
	bus          *LocalBus
	address      string
	handler      Handler
	loop         *eventLoop
	unregistered atomic.Bool
}

type pendingReply struct {
	address string
	handler ReplyHandler
	loop    *eventLoop
	timer   *time.Timer
}

// LocalBusConfig holds configuration for a LocalBus
type LocalBusConfig struct {
	EventLoops     int
	WorkerPoolSize int
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// LocalBusOption configures a LocalBus
type LocalBusOption func(*LocalBusConfig)

// WithEventLoops sets the number of event loops
func WithEventLoops(n int) LocalBusOption {
	return func(c *LocalBusConfig) {
		c.EventLoops = n
	}
}

// WithWorkerPoolSize sets the size of the shared blocking pool
func WithWorkerPoolSize(size int) LocalBusOption {
	return func(c *LocalBusConfig) {
		c.WorkerPoolSize = size
	}
}

// WithDefaultTimeout sets the request timeout used when none is given
func WithDefaultTimeout(timeout time.Duration) LocalBusOption {
	return func(c *LocalBusConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) LocalBusOption {
	return func(c *LocalBusConfig) {
		c.Logger = logger
	}
}

// NewLocalBus creates and starts an in-process bus
func NewLocalBus(options ...LocalBusOption) *LocalBus {
	cfg := &LocalBusConfig{
		EventLoops:     DefaultEventLoops,
		WorkerPoolSize: DefaultWorkerPoolSize,
		DefaultTimeout: DefaultRequestTimeout,
		Logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.EventLoops < 1 {
		cfg.EventLoops = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRequestTimeout
	}

	b := &LocalBus{
		logger:         cfg.Logger,
		handlers:       make(map[string]*handlerList),
		pending:        make(map[string]*pendingReply),
		codecs:         newCodecRegistry(),
		pool:           NewWorkerPool("mmate-blocking", cfg.WorkerPoolSize, WithPoolLogger(cfg.Logger)),
		defaultTimeout: cfg.DefaultTimeout,
	}
	for i := 0; i < cfg.EventLoops; i++ {
		b.loops = append(b.loops, newEventLoop(i, cfg.Logger))
	}

	return b
}

// RegisterDefaultCodec registers the codec used for bodies of type t
func (b *LocalBus) RegisterDefaultCodec(t reflect.Type, codec Codec) error {
	if t == nil || codec == nil {
		return fmt.Errorf("eventbus: type and codec must not be nil")
	}
	return b.codecs.register(t, codec)
}

// UnregisterDefaultCodec removes the codec for bodies of type t
func (b *LocalBus) UnregisterDefaultCodec(t reflect.Type) {
	b.codecs.unregister(t)
}

// WorkerPool implements Bus
func (b *LocalBus) WorkerPool() *WorkerPool {
	return b.pool
}

// Consumer implements Bus
func (b *LocalBus) Consumer(address string, handler Handler) (Subscription, error) {
	if address == "" {
		return nil, ErrEmptyAddress
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	reg := &registration{
		bus:     b,
		address: address,
		handler: handler,
		loop:    b.pickLoop(),
	}

	b.mu.Lock()
	list, ok := b.handlers[address]
	if !ok {
		list = &handlerList{}
		b.handlers[address] = list
	}
	list.registrations = append(list.registrations, reg)
	b.mu.Unlock()

	b.logger.Debug("consumer registered", "address", address, "loop", reg.loop.id)
	return reg, nil
}

// ConsumerCount returns the number of consumers registered on address
func (b *LocalBus) ConsumerCount(address string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if list, ok := b.handlers[address]; ok {
		return len(list.registrations)
	}
	return 0
}

// Send implements Bus
func (b *LocalBus) Send(address string, body any, opts DeliveryOptions) error {
	if err := b.checkSend(address); err != nil {
		return err
	}
	prepared, err := b.codecs.prepare(body)
	if err != nil {
		return err
	}

	reg := b.nextRegistration(address)
	if reg == nil {
		b.logger.Debug("no handlers for address, message dropped", "address", address)
		return nil
	}
	b.deliver(reg, b.newMessage(address, "", prepared, opts.Headers))
	return nil
}

// Request implements Bus
func (b *LocalBus) Request(address string, body any, opts DeliveryOptions, handler ReplyHandler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if err := b.checkSend(address); err != nil {
		return err
	}
	prepared, err := b.codecs.prepare(body)
	if err != nil {
		return err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	replyAddress := replyAddressPrefix + uuid.New().String()
	pending := &pendingReply{
		address: address,
		handler: handler,
		loop:    b.pickLoop(),
	}

	b.pendingMu.Lock()
	b.pending[replyAddress] = pending
	pending.timer = time.AfterFunc(timeout, func() {
		b.completeReply(replyAddress, nil, newTimeoutError(address, timeout))
	})
	b.pendingMu.Unlock()

	reg := b.nextRegistration(address)
	if reg == nil {
		b.completeReply(replyAddress, nil, newNoHandlersError(address))
		return nil
	}
	b.deliver(reg, b.newMessage(address, replyAddress, prepared, opts.Headers))
	return nil
}

// Publish implements Bus
func (b *LocalBus) Publish(address string, body any, opts DeliveryOptions) error {
	if err := b.checkSend(address); err != nil {
		return err
	}
	if _, err := b.codecs.prepare(body); err != nil {
		return err
	}

	b.mu.RLock()
	var regs []*registration
	if list, ok := b.handlers[address]; ok {
		regs = append(regs, list.registrations...)
	}
	b.mu.RUnlock()

	for _, reg := range regs {
		// every consumer gets its own copy of the body
		prepared, _ := b.codecs.prepare(body)
		b.deliver(reg, b.newMessage(address, "", prepared, opts.Headers))
	}
	return nil
}

// Close stops the event loops and the shared worker pool. Pending requests
// fail with an Error failure carrying ErrBusClosed.
func (b *LocalBus) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.pendingMu.Lock()
	abandoned := make([]*pendingReply, 0, len(b.pending))
	for addr, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, addr)
		abandoned = append(abandoned, p)
	}
	b.pendingMu.Unlock()

	for _, loop := range b.loops {
		loop.stop()
	}

	for _, p := range abandoned {
		b.callReplyHandler(p, nil, newClosedError())
	}

	return b.pool.Close(ctx)
}

func (b *LocalBus) checkSend(address string) error {
	if address == "" {
		return ErrEmptyAddress
	}
	if b.closed.Load() {
		return ErrBusClosed
	}
	return nil
}

func (b *LocalBus) pickLoop() *eventLoop {
	n := b.nextLoop.Add(1) - 1
	return b.loops[n%uint64(len(b.loops))]
}

// nextRegistration picks the consumer for a point-to-point delivery
func (b *LocalBus) nextRegistration(address string) *registration {
	b.mu.Lock()
	defer b.mu.Unlock()

	list, ok := b.handlers[address]
	if !ok || len(list.registrations) == 0 {
		return nil
	}
	reg := list.registrations[list.next%uint64(len(list.registrations))]
	list.next++
	return reg
}

func (b *LocalBus) newMessage(address, replyAddress string, body any, headers *Headers) *message {
	return &message{
		bus:          b,
		address:      address,
		replyAddress: replyAddress,
		body:         body,
		headers:      headers.Clone(),
	}
}

func (b *LocalBus) deliver(reg *registration, msg *message) {
	ok := reg.loop.execute(func() {
		if reg.unregistered.Load() {
			if msg.replyAddress != "" {
				b.completeReply(msg.replyAddress, nil, newNoHandlersError(msg.address))
			}
			return
		}
		reg.handler(msg)
	})
	if !ok {
		b.logger.Warn("event loop stopped, message dropped", "address", msg.address)
	}
}

// completeReply resolves a pending request exactly once
func (b *LocalBus) completeReply(replyAddress string, reply Message, err error) bool {
	b.pendingMu.Lock()
	pending, ok := b.pending[replyAddress]
	if ok {
		delete(b.pending, replyAddress)
	}
	b.pendingMu.Unlock()

	if !ok {
		return false
	}
	pending.timer.Stop()

	if !pending.loop.execute(func() { pending.handler(reply, err) }) {
		b.callReplyHandler(pending, reply, err)
	}
	return true
}

// callReplyHandler runs a reply handler on the calling goroutine, for when
// the event loops are gone
func (b *LocalBus) callReplyHandler(pending *pendingReply, reply Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in reply handler", "address", pending.address, "panic", r)
		}
	}()
	pending.handler(reply, err)
}

func (b *LocalBus) unregister(reg *registration) {
	if !reg.unregistered.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list, ok := b.handlers[reg.address]
	if !ok {
		return
	}
	for i, r := range list.registrations {
		if r == reg {
			list.registrations = append(list.registrations[:i], list.registrations[i+1:]...)
			break
		}
	}
	if len(list.registrations) == 0 {
		delete(b.handlers, reg.address)
	}
	b.logger.Debug("consumer unregistered", "address", reg.address)
}

// Address implements Subscription
func (r *registration) Address() string {
	return r.address
}

// Unregister implements Subscription
func (r *registration) Unregister() error {
	r.bus.unregister(r)
	return nil
}

type message struct {
	bus          *LocalBus
	address      string
	replyAddress string
	body         any
	headers      *Headers
}

func (m *message) Address() string      { return m.address }
func (m *message) Body() any            { return m.body }
func (m *message) Headers() *Headers    { return m.headers }
func (m *message) ReplyAddress() string { return m.replyAddress }

func (m *message) Reply(body any, opts DeliveryOptions) error {
	if m.replyAddress == "" {
		return nil
	}
	prepared, err := m.bus.codecs.prepare(body)
	if err != nil {
		m.bus.completeReply(m.replyAddress, nil, &ReplyError{Failure: Error, Code: -1, Message: err.Error()})
		return err
	}
	reply := m.bus.newMessage(m.replyAddress, "", prepared, opts.Headers)
	m.bus.completeReply(m.replyAddress, reply, nil)
	return nil
}

func (m *message) Fail(code int, msg string) {
	if m.replyAddress == "" {
		return
	}
	m.bus.completeReply(m.replyAddress, nil, &ReplyError{Failure: RecipientFailure, Code: code, Message: msg})
}

var _ Bus = (*LocalBus)(nil)
