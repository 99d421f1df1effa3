package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natstest "github.com/nats-io/nats-server/v2/test"

	"github.com/loqalabs/loqa-signs/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type ping struct {
	Signs []string `json:"signs"`
}

type pong struct {
	Count int `json:"count"`
}

func TestRequestJSONRoundTrip(t *testing.T) {
	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("expected connected client")
	}

	sub, err := client.Conn().Subscribe("signs.test.count", func(msg *nats.Msg) {
		_ = RespondJSON(msg, pong{Count: len(msg.Data)})
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var resp pong
	if err := client.RequestJSON(ctx, "signs.test.count", ping{Signs: []string{"hola"}}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != len(`{"signs":["hola"]}`) {
		t.Fatalf("unexpected reply %+v", resp)
	}
}

func TestConnectHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Connect(ctx, config.BusConfig{Servers: []string{"nats://127.0.0.1:1"}}, newLogger()); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestRespondJSONIgnoresMissingReply(t *testing.T) {
	if err := RespondJSON(&nats.Msg{Subject: "signs.event"}, pong{}); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
