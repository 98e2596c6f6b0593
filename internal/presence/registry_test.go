package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-guard/internal/bus"
	"github.com/loqalabs/loqa-guard/internal/config"
	"github.com/loqalabs/loqa-guard/internal/natsserver"
	"github.com/loqalabs/loqa-guard/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func guardConfig() config.GuardConfig {
	cfg := config.Default().Guard
	cfg.HeartbeatMS = 50
	cfg.HeartbeatTimeoutMS = 200
	return cfg
}

func reporter(source string, outputs uint64) Reporter {
	return func() protocol.Presence {
		return protocol.Presence{Source: source, Outputs: outputs, Healthy: true}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegistryTracksPeers(t *testing.T) {
	client := connect(t)

	hall, err := NewRegistry(context.Background(), guardConfig(), "hall", client, reporter("mic", 3), newLogger())
	if err != nil {
		t.Fatalf("hall registry: %v", err)
	}
	defer hall.Close()
	kitchen, err := NewRegistry(context.Background(), guardConfig(), "kitchen", client, reporter("bus", 0), newLogger())
	if err != nil {
		t.Fatalf("kitchen registry: %v", err)
	}

	eventually(t, "both guards alive", func() bool { return len(hall.Peers(Alive)) == 2 })
	if !hall.Healthy() || !kitchen.Healthy() {
		t.Fatal("expected both registries to see their own heartbeat")
	}
	peers := hall.Peers(nil)
	if peers[0].SessionID != "hall" || peers[0].Source != "mic" || peers[0].Outputs != 3 {
		t.Fatalf("unexpected local peer %+v", peers[0])
	}
	if peers[1].SessionID != "kitchen" || peers[1].Source != "bus" {
		t.Fatalf("unexpected remote peer %+v", peers[1])
	}

	kitchen.Close()
	eventually(t, "kitchen marked down", func() bool {
		alive := hall.Peers(Alive)
		return len(alive) == 1 && alive[0].SessionID == "hall"
	})
}

func TestRegistryExpiresSilentPeers(t *testing.T) {
	client := connect(t)
	r, err := NewRegistry(context.Background(), guardConfig(), "hall", client, reporter("mic", 0), newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer r.Close()

	r.update(protocol.Presence{SessionID: "garage", Healthy: true, Timestamp: time.Now().Add(-time.Minute)})
	r.evaluate(time.Now())
	for _, p := range r.Peers(nil) {
		if p.SessionID == "garage" && p.Alive {
			t.Fatal("stale peer must be marked down")
		}
	}
}

func TestRegistryIgnoresMalformedMessages(t *testing.T) {
	client := connect(t)
	r, err := NewRegistry(context.Background(), guardConfig(), "hall", client, reporter("mic", 0), newLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer r.Close()

	if err := client.Conn().Publish(protocol.SubjectPresenceAnnounce, []byte("not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.PublishJSON(protocol.SubjectPresenceAnnounce, protocol.Presence{Healthy: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, "local heartbeat", r.Healthy)
	if n := len(r.Peers(nil)); n != 1 {
		t.Fatalf("expected only the local guard, got %d peers", n)
	}
}
