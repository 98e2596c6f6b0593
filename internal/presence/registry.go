// Package presence tracks which guards are listening on the bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-guard/internal/bus"
	"github.com/loqalabs/loqa-guard/internal/config"
	"github.com/loqalabs/loqa-guard/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-guard/internal/presence"

// Peer is the last known state of one guard, local or remote.
type Peer struct {
	protocol.Presence
	LastSeen time.Time
	Alive    bool
}

// Reporter snapshots the local guard for each heartbeat.
type Reporter func() protocol.Presence

type Registry struct {
	sessionID string
	heartbeat time.Duration
	timeout   time.Duration
	report    Reporter
	conn      *nats.Conn
	log       *slog.Logger

	mu    sync.RWMutex
	peers map[string]*Peer
	subs  []*nats.Subscription

	reg    metric.Registration
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRegistry subscribes to presence traffic, announces the local guard and
// starts heartbeating until Close.
func NewRegistry(ctx context.Context, cfg config.GuardConfig, sessionID string, busClient *bus.Client, report Reporter, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		sessionID: sessionID,
		heartbeat: time.Duration(cfg.HeartbeatMS) * time.Millisecond,
		timeout:   time.Duration(cfg.HeartbeatTimeoutMS) * time.Millisecond,
		report:    report,
		conn:      busClient.Conn(),
		log:       log.With(slog.String("component", "presence")),
		peers:     make(map[string]*Peer),
		cancel:    cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.publish(protocol.SubjectPresenceAnnounce, r.snapshot()); err != nil {
		r.log.Warn("failed to announce guard", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

// Close publishes a final unhealthy heartbeat and stops.
func (r *Registry) Close() {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()
		if r.report != nil && r.conn != nil && !r.conn.IsClosed() {
			p := r.snapshot()
			p.Healthy = false
			_ = r.publish(protocol.PresenceHeartbeatSubject(r.sessionID), p)
		}
		for _, sub := range r.subs {
			_ = sub.Unsubscribe()
		}
		if r.reg != nil {
			_ = r.reg.Unregister()
		}
	})
}

func (r *Registry) subscribe() error {
	for _, subject := range []string{
		protocol.SubjectPresenceAnnounce,
		protocol.SubjectPresenceHeartbeatPrefix + ".*",
	} {
		sub, err := r.conn.Subscribe(subject, r.handle)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	beat := time.NewTicker(r.heartbeat)
	defer beat.Stop()
	sweep := time.NewTicker(min(time.Second, r.timeout/2))
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if err := r.publish(protocol.PresenceHeartbeatSubject(r.sessionID), r.snapshot()); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-sweep.C:
			r.evaluate(time.Now())
		}
	}
}

func (r *Registry) snapshot() protocol.Presence {
	p := r.report()
	p.SessionID = r.sessionID
	p.Timestamp = time.Now().UTC()
	return p
}

func (r *Registry) publish(subject string, p protocol.Presence) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.conn.Publish(subject, payload)
}

func (r *Registry) handle(msg *nats.Msg) {
	var p protocol.Presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
		return
	}
	if p.SessionID == "" {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	r.update(p)
}

func (r *Registry) update(p protocol.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[p.SessionID]
	if !ok {
		peer = &Peer{}
		r.peers[p.SessionID] = peer
		r.log.Info("guard joined", slog.String("peer", p.SessionID), slog.String("source", p.Source))
	}
	peer.Presence = p
	peer.LastSeen = p.Timestamp
	peer.Alive = p.Healthy
}

// evaluate marks peers whose last heartbeat is older than the timeout.
func (r *Registry) evaluate(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, peer := range r.peers {
		if peer.Alive && now.Sub(peer.LastSeen) > r.timeout {
			peer.Alive = false
			r.log.Warn("guard heartbeat lost", slog.String("peer", id), slog.Time("last_seen", peer.LastSeen))
		}
	}
}

// Healthy reports whether the local guard has seen its own heartbeat.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[r.sessionID]
	return ok && peer.Alive
}

// Peers returns known guards matching filter, ordered by session id.
func (r *Registry) Peers(filter func(Peer) bool) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Peer
	for _, peer := range r.peers {
		p := *peer
		if filter == nil || filter(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func Alive(p Peer) bool { return p.Alive }

func (r *Registry) initMetrics() error {
	meter := otel.Meter(meterName)
	peers, err := meter.Int64ObservableGauge("guard.presence.peers",
		metric.WithDescription("Guards with a fresh heartbeat"))
	if err != nil {
		return err
	}
	r.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(peers, int64(len(r.Peers(Alive))))
		return nil
	}, peers)
	return err
}
