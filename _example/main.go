package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/jkbrsn/settle"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(zerolog.DebugLevel).With().Timestamp().Logger()

	// A local backend with a slow endpoint, a telemetry endpoint and a WebSocket echo
	backend := httptest.NewServer(backendHandler())
	defer backend.Close()

	// Create the manager, excluding the telemetry endpoint from tracking
	manager := settle.New(
		settle.WithQuietTime(500*time.Millisecond),
		settle.WithBeaconEndpoint(backend.URL+"/rum"),
		settle.WithLogger(logger),
		settle.WithMetricsSink(settle.NewJSONSink(os.Stdout)),
	)
	manager.Start()
	defer manager.Stop()

	client := manager.HTTPClient(backend.Client())

	// Measure a "navigation" that loads a few resources, one of which triggers a follow-up call
	start := time.Now()
	measurement := manager.WaitForPageLoad(start)

	var wg sync.WaitGroup
	for _, path := range []string{"/api/user", "/api/feed?delay=300ms", "/rum"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fetch(client, backend.URL+path)
			if strings.HasPrefix(path, "/api/feed") {
				fetch(client, backend.URL+"/api/feed/images?delay=200ms")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		wsURL := "ws" + strings.TrimPrefix(backend.URL, "http") + "/ws"
		conn, _, err := manager.DialWebSocket(context.Background(), nil, wsURL, nil)
		if err != nil {
			fmt.Printf("Error dialing websocket: %v\n", err)
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		_, _, _ = conn.ReadMessage()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := measurement.Wait(ctx)
	if err != nil {
		fmt.Printf("Page did not settle: %v\n", err)
		return
	}
	wg.Wait()

	fmt.Println()
	fmt.Printf("Measurement %v\n", measurement.ID())
	fmt.Printf("  Load time:     %v\n", result.LoadTime)
	fmt.Printf("  Last resource: %v\n", result.TimestampOfLastLoadedResource.Format(time.StampMilli))
	fmt.Printf("  Resolved by:   %v\n", result.Reason)
}

func fetch(client *http.Client, url string) {
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("Error fetching %s: %v\n", url, err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}

func backendHandler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, msg)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if d, err := time.ParseDuration(r.URL.Query().Get("delay")); err == nil {
			time.Sleep(d)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	})
	return mux
}
