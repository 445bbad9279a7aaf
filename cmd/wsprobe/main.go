package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Payload sizes straddling every length encoding boundary.
var probeSizes = []int{0, 1, 125, 126, 65535, 65536}

type latencySample struct {
	size int
	dur  time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8888/ws", "websocket address to target")
	room := flag.String("room", "probe", "room prefix; each client joins its own room")
	clients := flag.Int("clients", 4, "number of concurrent websocket clients")
	iterations := flag.Int("iterations", 10, "round trips per payload size and message type")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("target", *addr).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	u, err := url.Parse(*addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid websocket address")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	samples := make(chan latencySample, *clients**iterations*len(probeSizes)*2)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			target := *u
			q := target.Query()
			q.Set("room", fmt.Sprintf("%s-%d", *room, id))
			q.Set("client_id", fmt.Sprintf("probe-%d", id))
			target.RawQuery = q.Encode()

			if err := probe(ctx, dialer, target.String(), *iterations, samples); err != nil {
				logger.Error().Err(err).Int("client", id).Msg("probe failed")
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(samples)
	}()

	report(samples, logger)
	if failures > 0 {
		logger.Error().Int("failures", failures).Msg("some clients failed")
		os.Exit(1)
	}
}

func probe(ctx context.Context, dialer websocket.Dialer, target string, iterations int, samples chan<- latencySample) error {
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	for i := 0; i < iterations; i++ {
		for _, size := range probeSizes {
			for _, kind := range []int{websocket.TextMessage, websocket.BinaryMessage} {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				payload := makePayload(kind, size)
				start := time.Now()
				if err := conn.WriteMessage(kind, payload); err != nil {
					return fmt.Errorf("write %d bytes: %w", size, err)
				}
				gotKind, got, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("read %d bytes: %w", size, err)
				}
				if gotKind != kind || !bytes.Equal(got, payload) {
					return fmt.Errorf("echo mismatch for %d byte message (type %d, got type %d len %d)", size, kind, gotKind, len(got))
				}
				samples <- latencySample{size: size, dur: time.Since(start)}
			}
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("send close: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return errors.Join(errors.New("close handshake not echoed"), err)
	}
	return nil
}

func makePayload(kind, size int) []byte {
	payload := make([]byte, size)
	if kind == websocket.TextMessage {
		for i := range payload {
			payload[i] = 'a' + byte(i%26)
		}
		return payload
	}
	_, _ = rand.Read(payload)
	return payload
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	bySize := make(map[int][]time.Duration)
	var count int
	for s := range samples {
		bySize[s.size] = append(bySize[s.size], s.dur)
		count++
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	fmt.Fprintf(os.Stdout, "Samples: %d\n", count)
	for _, size := range probeSizes {
		durs := bySize[size]
		if len(durs) == 0 {
			continue
		}
		sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })
		var total time.Duration
		for _, d := range durs {
			total += d
		}
		avg := time.Duration(int64(math.Round(float64(total) / float64(len(durs)))))
		p95 := durs[(len(durs)*95-1)/100]
		fmt.Fprintf(os.Stdout, "%6d bytes: n=%d avg=%s p95=%s max=%s\n", size, len(durs), avg, p95, durs[len(durs)-1])
	}
	logger.Info().Int("samples", count).Msg("probe complete")
}
