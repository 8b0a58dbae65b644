// Package natsbus publishes engine events on NATS and serves order and swap
// requests over NATS request/reply.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/luxfi/liquidity/pkg/lx"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

// DefaultPrefix is the subject root used when none is configured
const DefaultPrefix = "lqx"

// Conn is the subset of *nats.Conn used for publishing
type Conn interface {
	Publish(subj string, data []byte) error
}

// Engine executes requests received over the bus
type Engine interface {
	SubmitOrder(ctx context.Context, req lx.OrderRequest) (lx.OrderResult, error)
	Swap(ctx context.Context, req lx.SwapRequest) (lx.SwapResult, error)
}

// Reply is the response body for bus requests
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   lx.ErrorKind    `json:"kind,omitempty"`
}

// Bus is an lx.EventPublisher that emits each event on
// <prefix>.<type>.<resource>
type Bus struct {
	nc     *nats.Conn
	conn   Conn
	prefix string
	logger log.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials NATS and keeps reconnecting for the life of the process
func Connect(url, prefix string, logger log.Logger) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.Name("lqxd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	b := New(nc, prefix, logger)
	b.nc = nc
	logger.Info("NATS event bus connected", "url", url, "prefix", b.prefix)
	return b, nil
}

// New wraps an existing connection
func New(conn Conn, prefix string, logger log.Logger) *Bus {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.Root().New("module", "natsbus")
	}
	return &Bus{conn: conn, prefix: prefix, logger: logger}
}

// token makes s safe as a single subject token
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Subject returns the subject an event is published on
func (b *Bus) Subject(ev lx.Event) string {
	return b.prefix + "." + token(string(ev.Type)) + "." + token(ev.Resource())
}

// Publish encodes ev as JSON and publishes it
func (b *Bus) Publish(_ context.Context, ev lx.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	if err := b.conn.Publish(b.Subject(ev), data); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	b.published.Add(1)
	return nil
}

// Stats returns published and failed event counts
func (b *Bus) Stats() (published, failed uint64) {
	return b.published.Load(), b.failed.Load()
}

// ServeRequests answers <prefix>.req.order and <prefix>.req.swap in the
// given queue group until ctx is done. It needs a live NATS connection.
func (b *Bus) ServeRequests(ctx context.Context, engine Engine, queue string) error {
	if b.nc == nil {
		return fmt.Errorf("request serving needs a NATS connection")
	}
	handlers := map[string]func(context.Context, []byte) Reply{
		b.prefix + ".req.order": func(ctx context.Context, data []byte) Reply { return handleOrder(ctx, engine, data) },
		b.prefix + ".req.swap":  func(ctx context.Context, data []byte) Reply { return handleSwap(ctx, engine, data) },
	}

	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for subject, handle := range handlers {
		handle := handle
		sub, err := b.nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
			data, _ := json.Marshal(handle(ctx, m.Data))
			if err := m.Respond(data); err != nil {
				b.logger.Warn("NATS reply failed", "subject", m.Subject, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	b.logger.Info("NATS request handlers ready", "queue", queue)
	<-ctx.Done()
	return nil
}

func reply(result interface{}, err error) Reply {
	if err != nil {
		return Reply{Error: err.Error(), Kind: lx.KindOf(err)}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return Reply{Error: err.Error()}
	}
	return Reply{Result: data}
}

func handleOrder(ctx context.Context, engine Engine, data []byte) Reply {
	var req lx.OrderRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Reply{Error: err.Error(), Kind: lx.KindValidation}
	}
	return reply(engine.SubmitOrder(ctx, req))
}

func handleSwap(ctx context.Context, engine Engine, data []byte) Reply {
	var req lx.SwapRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Reply{Error: err.Error(), Kind: lx.KindValidation}
	}
	return reply(engine.Swap(ctx, req))
}

// Close drains the connection if the bus owns one
func (b *Bus) Close() {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
}
