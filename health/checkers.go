package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-bridge/bridge"
	"github.com/glimte/mmate-bridge/internal/rabbitmq"
	"github.com/glimte/mmate-bridge/router"
	"github.com/redis/go-redis/v9"
)

func newResult(name string, start time.Time) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]any),
	}
}

// BridgeChecker reports the lifecycle state of the bridge units
type BridgeChecker struct {
	name   string
	bridge *bridge.Bridge
}

// NewBridgeChecker creates a checker for b registered under name
func NewBridgeChecker(name string, b *bridge.Bridge) *BridgeChecker {
	return &BridgeChecker{name: name, bridge: b}
}

func (c *BridgeChecker) Name() string {
	return c.name
}

// Check is unhealthy when a unit failed or stopped and degraded while the
// units are not attached or not started yet
func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	counts := make(map[string]int)
	var failed []string
	for _, u := range c.bridge.Units() {
		counts[u.State.String()]++
		if u.State == bridge.StateFailed {
			failed = append(failed, fmt.Sprintf("%s %s", u.Direction, u.URI))
		}
	}
	for state, n := range counts {
		result.Details[state] = n
	}
	result.Details["attached"] = c.bridge.Attached()

	switch {
	case len(failed) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d unit(s) failed", len(failed))
		result.Details["failed_units"] = failed
	case counts[bridge.StateStopped.String()] > 0:
		result.Status = StatusUnhealthy
		result.Message = "bridge is stopped"
	case !c.bridge.Attached() || counts[bridge.StateCreated.String()] > 0:
		result.Status = StatusDegraded
		result.Message = "bridge is not started"
	default:
		result.Status = StatusHealthy
		result.Message = "all units started"
	}

	result.Duration = time.Since(start)
	return result
}

// RouterChecker reports whether the router context is started
type RouterChecker struct {
	router *router.Context
}

// NewRouterChecker creates a checker for rctx
func NewRouterChecker(rctx *router.Context) *RouterChecker {
	return &RouterChecker{router: rctx}
}

func (c *RouterChecker) Name() string {
	return "router"
}

func (c *RouterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)
	result.Details["context"] = c.router.Name()
	result.Details["routes"] = len(c.router.Routes())

	if c.router.IsStarted() {
		result.Status = StatusHealthy
		result.Message = "router context is started"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "router context is not started"
	}
	result.Duration = time.Since(start)
	return result
}

// ConnectionSource exposes a RabbitMQ connection manager, nil while not
// connected. The rabbitmq router component implements it.
type ConnectionSource interface {
	Connection() *rabbitmq.ConnectionManager
}

// RabbitMQChecker checks RabbitMQ connection health
type RabbitMQChecker struct {
	source ConnectionSource
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(source ConnectionSource) *RabbitMQChecker {
	return &RabbitMQChecker{source: source}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	manager := c.source.Connection()
	if manager == nil {
		result.Status = StatusUnhealthy
		result.Message = "component is not started"
		result.Duration = time.Since(start)
		return result
	}
	result.Details["state"] = manager.State().String()

	conn, err := manager.GetConnection()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to get connection"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	ch, err := conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive("amq.direct", "direct", true, false, false, false, nil); err != nil {
		result.Status = StatusDegraded
		result.Message = "exchange check failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ClientSource exposes a redis client, nil while not connected. The redis
// router component implements it.
type ClientSource interface {
	Client() redis.UniversalClient
}

// RedisChecker pings the redis server
type RedisChecker struct {
	source ClientSource
}

// NewRedisChecker creates a redis health checker
func NewRedisChecker(source ClientSource) *RedisChecker {
	return &RedisChecker{source: source}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	client := c.source.Client()
	if client == nil {
		result.Status = StatusUnhealthy
		result.Message = "component is not started"
		result.Duration = time.Since(start)
		return result
	}

	if err := client.Ping(ctx).Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "ping succeeded"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// GoroutineChecker flags runaway goroutine counts
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a checker that is degraded above warning and
// unhealthy above critical goroutines
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["goroutines"] = goroutines
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}
