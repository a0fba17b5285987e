// Package loadgen drives synthetic websocket traffic against a
// running server: each simulated client subscribes a handful of
// queries, then issues mutations and measures round-trip latency.
package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/wirepulse/wirepulse/internal/protocol"
)

type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Sessions is how many concurrent clients to simulate.
	Sessions int
	// SubsPerSession standing queries are registered per client.
	SubsPerSession int
	// WriteEvery is the per-client mutation interval.
	WriteEvery time.Duration
	// Duration bounds the whole run.
	Duration time.Duration
	Seed     int64
}

type Result struct {
	Dialed       int
	DialFailures int
	Mutations    int
	Responses    int
	Updates      int
	Errors       int

	P50 time.Duration
	P95 time.Duration
	Max time.Duration
}

type sessionStats struct {
	mutations int
	responses int
	updates   int
	errors    int
	latencies []time.Duration
}

func normalize(cfg Config) Config {
	if cfg.Sessions <= 0 {
		cfg.Sessions = 4
	}
	if cfg.SubsPerSession <= 0 {
		cfg.SubsPerSession = 2
	}
	if cfg.WriteEvery <= 0 {
		cfg.WriteEvery = 250 * time.Millisecond
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	return cfg
}

// Run executes one load run and aggregates per-session stats.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg = normalize(cfg)
	if cfg.URL == "" {
		return nil, fmt.Errorf("loadgen: target url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	res := &Result{}
	var mu sync.Mutex
	var all []time.Duration

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Sessions; i++ {
		seed := cfg.Seed + int64(i)
		g.Go(func() error {
			stats, err := runSession(gctx, cfg, rand.New(rand.NewSource(seed)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.DialFailures++
				return nil
			}
			res.Dialed++
			res.Mutations += stats.mutations
			res.Responses += stats.responses
			res.Updates += stats.updates
			res.Errors += stats.errors
			all = append(all, stats.latencies...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.P50 = percentile(all, 0.50)
	res.P95 = percentile(all, 0.95)
	res.Max = percentile(all, 1.0)
	return res, nil
}

func runSession(ctx context.Context, cfg Config, rng *rand.Rand) (*sessionStats, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stats := &sessionStats{}
	inbound := make(chan protocol.ServerMessage, 256)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg protocol.ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	// await drains inbound until a message matches by kind or request
	// id, counting invalidation pushes seen along the way.
	await := func(kind, id string) (protocol.ServerMessage, error) {
		for {
			select {
			case <-ctx.Done():
				return protocol.ServerMessage{}, ctx.Err()
			case err := <-readErr:
				return protocol.ServerMessage{}, err
			case msg := <-inbound:
				if msg.Kind == protocol.KindUpd || msg.Kind == protocol.KindPropUpd {
					stats.updates++
					continue
				}
				if kind != "" && msg.Kind == kind {
					return msg, nil
				}
				if id != "" && msg.ID == id {
					return msg, nil
				}
			}
		}
	}

	// The server opens with CON.
	if _, err := await(protocol.KindCon, ""); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.SubsPerSession; i++ {
		id := uuid.NewString()
		sub := protocol.ClientMessage{Kind: protocol.KindSub, ID: id}
		sub.Data = mustMarshal(protocol.SubRequest{
			SQL:    "SELECT * FROM load_items WHERE bucket = ?",
			Params: []any{i},
		})
		if err := conn.WriteJSON(sub); err != nil {
			return stats, nil
		}
		if _, err := await("", id); err != nil {
			return stats, nil
		}
	}

	ticker := time.NewTicker(cfg.WriteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return stats, nil
		case <-ticker.C:
			id := uuid.NewString()
			msg := protocol.ClientMessage{Kind: protocol.KindSQL, ID: id}
			msg.Data = mustMarshal(protocol.SQLRequest{
				SQL:    "INSERT INTO load_items (bucket, payload) VALUES (?, ?)",
				Params: []any{rng.Intn(cfg.SubsPerSession), rng.Int63()},
			})
			start := time.Now()
			if err := conn.WriteJSON(msg); err != nil {
				return stats, nil
			}
			stats.mutations++
			reply, err := await("", id)
			if err != nil {
				return stats, nil
			}
			if reply.Kind == protocol.KindErr {
				stats.errors++
				continue
			}
			stats.responses++
			stats.latencies = append(stats.latencies, time.Since(start))
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx]
}
