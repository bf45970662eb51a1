package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Configuration flags
var (
	serverURL = flag.String("url", "ws://localhost:3001/ws", "WebSocket endpoint")
	numUsers  = flag.Int("users", 50, "Number of concurrent users")
	duration  = flag.Duration("duration", 30*time.Second, "Test duration")
	rate      = flag.Int("rate", 5, "Messages per second per user (approx)")
)

// Global Stats
var (
	totalSent    int64
	totalEchoed  int64
	failedUsers  int64
	totalLatency int64 // Microseconds
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func main() {
	flag.Parse()
	fmt.Printf("Starting load test: %d users for %v against %s\n", *numUsers, *duration, *serverURL)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *numUsers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runUser(id)
		}(i)
		time.Sleep(50 * time.Millisecond) // Stagger connects
	}

	wg.Wait()
	printStats(time.Since(start))
}

func runUser(id int) {
	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		fmt.Printf("User %d failed to connect: %v\n", id, err)
		atomic.AddInt64(&failedUsers, 1)
		return
	}
	defer conn.Close()

	userID := fmt.Sprintf("load-%d-%d", id, rand.Intn(100000))
	username := fmt.Sprintf("loaduser%d%d", id, rand.Intn(100000))

	send(conn, "register", map[string]any{
		"id":          userID,
		"username":    username,
		"displayName": "Load Test User",
	})

	// Drain until the snapshot confirms the bind
	if !awaitType(conn, "register_success", 5*time.Second) {
		fmt.Printf("User %d never got register_success\n", id)
		atomic.AddInt64(&failedUsers, 1)
		return
	}

	// Reader: count our own message_sent echoes to measure round trips
	done := make(chan struct{})
	pending := sync.Map{}
	go func() {
		defer close(done)
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != "message_sent" {
				continue
			}
			var data struct {
				Message struct {
					ID string `json:"id"`
				} `json:"message"`
			}
			if err := json.Unmarshal(env.Data, &data); err != nil {
				continue
			}
			if sentAt, ok := pending.LoadAndDelete(data.Message.ID); ok {
				atomic.AddInt64(&totalEchoed, 1)
				atomic.AddInt64(&totalLatency, time.Since(sentAt.(time.Time)).Microseconds())
			}
		}
	}()

	// Main loop: message ourselves (the self-chat needs no second account)
	endTime := time.Now().Add(*duration)
	seq := 0
	for time.Now().Before(endTime) {
		seq++
		msgID := fmt.Sprintf("%s-m%d", userID, seq)
		pending.Store(msgID, time.Now())
		send(conn, "send_message", map[string]any{
			"id":         msgID,
			"senderId":   userID,
			"receiverId": userID,
			"text":       fmt.Sprintf("load message %d", seq),
		})
		atomic.AddInt64(&totalSent, 1)
		time.Sleep(time.Duration(1000 / *rate) * time.Millisecond)
	}

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

func send(conn *websocket.Conn, typ string, data map[string]any) {
	conn.WriteJSON(map[string]any{"type": typ, "data": data})
}

func awaitType(conn *websocket.Conn, want string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for time.Now().Before(deadline) {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return false
		}
		if env.Type == want {
			return true
		}
	}
	return false
}

func printStats(elapsed time.Duration) {
	sent := atomic.LoadInt64(&totalSent)
	echoed := atomic.LoadInt64(&totalEchoed)
	failed := atomic.LoadInt64(&failedUsers)
	totalLat := atomic.LoadInt64(&totalLatency)

	fmt.Println("\nLoad Test Results")
	fmt.Println("====================")
	fmt.Printf("Duration:    %v\n", elapsed)
	fmt.Printf("Sent:        %d\n", sent)
	fmt.Printf("Echoed:      %d\n", echoed)
	fmt.Printf("Failed:      %d users\n", failed)
	if echoed > 0 {
		fmt.Printf("Avg Latency: %.2f ms\n", float64(totalLat)/float64(echoed)/1000.0)
		fmt.Printf("MPS:         %.2f\n", float64(sent)/elapsed.Seconds())
	}
}
