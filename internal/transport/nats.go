package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"avena/internal/hlc"
)

// Reconnection policy (spec sec 4.C): initial 250ms, factor 2, cap 30s,
// jitter +-20%.
const (
	reconnectInitial = 250 * time.Millisecond
	reconnectFactor  = 2.0
	reconnectCap     = 30 * time.Second
	reconnectJitter  = 0.20
)

// NATSAdapter implements Adapter over a NATS connection with JetStream KV
// buckets. It is grounded on the teacher's convergence.Broker: a thin
// owning layer in front of the wire client that the reconciler and
// discovery subscribe through, never touching the connection directly.
type NATSAdapter struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	clock  *hlc.Clock
	nodeID string

	kvMu sync.RWMutex
	kv   map[string]jetstream.KeyValue

	leafMu  sync.Mutex
	leaves  []leafRemote
	leafDir string
}

type leafRemote struct {
	URL   string
	Creds []byte
}

// Config carries the connection parameters for Connect.
type Config struct {
	BrokerURL    string
	CredsFile    string
	Clock        *hlc.Clock
	NodeID       string
	LeafDir      string // where leaf-remote records are persisted for the broker to pick up
	KVHistory    uint8  // not read; buckets always keep defaultKVHistory (10)
}

// Connect dials the local broker and wraps it as an Adapter. Reconnects
// use the exact backoff policy from sec 4.C; NATS's own resubscription
// on reconnect satisfies "subscriptions are re-established, the caller's
// stream is paused not closed".
func Connect(ctx context.Context, cfg Config) (*NATSAdapter, error) {
	attempt := 0
	opts := []nats.Option{
		nats.Name("avena-device-" + cfg.NodeID),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelayFunc(func(_ int) time.Duration {
			d := time.Duration(float64(reconnectInitial) * pow(reconnectFactor, float64(attempt)))
			if d > reconnectCap {
				d = reconnectCap
			}
			attempt++
			jitter := 1 + (rand.Float64()*2-1)*reconnectJitter
			return time.Duration(float64(d) * jitter)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			attempt = 0
			slog.Info("transport reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("transport disconnected", "err", err)
			}
		}),
	}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	nc, err := nats.Connect(cfg.BrokerURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	return &NATSAdapter{
		nc:      nc,
		js:      js,
		clock:   cfg.Clock,
		nodeID:  cfg.NodeID,
		kv:      make(map[string]jetstream.KeyValue),
		leafDir: cfg.LeafDir,
	}, nil
}

func pow(base, exp float64) float64 {
	r := 1.0
	for i := 0; i < int(exp); i++ {
		r *= base
	}
	return r
}

func (a *NATSAdapter) Close() error {
	a.nc.Close()
	return nil
}

// outboundHeader renders application headers plus the Avena-HLC stamp.
func (a *NATSAdapter) outboundHeader(extra map[string][]string) nats.Header {
	h := nats.Header{}
	for k, vs := range extra {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if a.clock != nil {
		h.Set(HLCHeader, EncodeHLC(a.clock.Now()))
	}
	return h
}

func (a *NATSAdapter) Publish(_ context.Context, subject string, payload []byte, headers map[string][]string) error {
	msg := &nats.Msg{Subject: subject, Data: payload, Header: a.outboundHeader(headers)}
	if err := a.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (a *NATSAdapter) Request(ctx context.Context, subject string, payload []byte, headers map[string][]string, timeout time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg := &nats.Msg{Subject: subject, Data: payload, Header: a.outboundHeader(headers)}
	reply, err := a.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return a.toMessage(reply), nil
}

func (a *NATSAdapter) Subscribe(ctx context.Context, subjectPattern string) (<-chan *Message, error) {
	out := make(chan *Message, 64)
	sub, err := a.nc.Subscribe(subjectPattern, func(m *nats.Msg) {
		msg := a.toMessage(m)
		select {
		case out <- msg:
		default:
			slog.Warn("subscriber channel full, dropping message", "subject", m.Subject)
		}
	})
	if err != nil {
		close(out)
		return nil, fmt.Errorf("subscribe %s: %w", subjectPattern, err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}

func (a *NATSAdapter) toMessage(m *nats.Msg) *Message {
	missing := true
	if raw := m.Header.Get(HLCHeader); raw != "" {
		if ts, err := DecodeHLC(raw); err == nil {
			if a.clock != nil {
				a.clock.Observe(ts)
			}
			missing = false
		}
	}
	headers := make(map[string][]string, len(m.Header))
	for k, v := range m.Header {
		headers[k] = v
	}
	return &Message{
		Subject:    m.Subject,
		Data:       m.Data,
		Headers:    headers,
		MissingHLC: missing,
		reply: func(data []byte, hdrs map[string][]string) error {
			rh := a.outboundHeader(hdrs)
			return a.nc.PublishMsg(&nats.Msg{Subject: m.Reply, Data: data, Header: rh})
		},
	}
}
