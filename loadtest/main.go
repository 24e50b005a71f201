package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "server base URL")
	pairCount = flag.Int("pairs", 250, "number of case channels, two staff members each")
	msgCount  = flag.Int("messages", 20, "messages per staff member")
)

var received atomic.Int64

type loginResponse struct {
	Token string `json:"access_token"`
	EmpID string `json:"empId"`
}

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d staff, %d messages each...", *pairCount*2, *msgCount)
	start := time.Now()
	var wg sync.WaitGroup

	// Pair 0 shares channel lt-0, pair 1 shares lt-1...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s, %d chat frames received", time.Since(start).Round(time.Millisecond), received.Load())
}

func runPair(pairID int) {
	empA := fmt.Sprintf("lt_%d_a", pairID)
	empB := fmt.Sprintf("lt_%d_b", pairID)
	pass := "password123"

	tokenA := authenticate(empA, pass)
	tokenB := authenticate(empB, pass)
	if tokenA == "" || tokenB == "" {
		return
	}

	channel := fmt.Sprintf("lt-%d", pairID)
	var wsWg sync.WaitGroup
	wsWg.Add(2)
	go spamChannel(&wsWg, tokenA, channel, empA)
	go spamChannel(&wsWg, tokenB, channel, empB)
	wsWg.Wait()
}

// authenticate registers (ignoring a conflict) and logs in.
func authenticate(empID, password string) string {
	if resp, err := postJSON("/register", map[string]string{"empId": empID, "username": "Load " + empID, "password": password}); err == nil {
		resp.Body.Close()
	}

	resp, err := postJSON("/login", map[string]string{"empId": empID, "password": password})
	if err != nil {
		log.Printf("❌ Login Failed [%s]: %v", empID, err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("❌ Login Failed [%s]: %s", empID, resp.Status)
		return ""
	}

	var data loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ""
	}
	return data.Token
}

func spamChannel(wg *sync.WaitGroup, token, channel, empID string) {
	defer wg.Done()

	wsURL := strings.Replace(*baseURL, "http", "ws", 1) + "/ws?token=" + url.QueryEscape(token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		log.Printf("❌ WS Connect Fail [%s]: %v", empID, err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var frame struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == "message" {
				received.Add(1)
			}
		}
	}()

	frames := []map[string]any{
		{"type": "identity", "empId": empID, "username": "Load " + empID},
		{"type": "join", "channelId": channel},
	}
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			log.Printf("❌ Setup Fail [%s]: %v", empID, err)
			return
		}
	}

	for i := 0; i < *msgCount; i++ {
		msg := map[string]any{
			"type":      "message",
			"channelId": channel,
			"content":   fmt.Sprintf("LoadTest Msg %d from %s", i, empID),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("❌ Send Fail [%s]: %v", empID, err)
			break
		}
		// Small sleep to simulate a real network instead of a localhost burst.
		time.Sleep(10 * time.Millisecond)
	}

	// Give the partner's last frames time to arrive before hanging up.
	time.Sleep(500 * time.Millisecond)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	<-done
	log.Printf("✅ %s finished sending %d msgs", empID, *msgCount)
}

func postJSON(endpoint string, data any) (*http.Response, error) {
	jsonData, _ := json.Marshal(data)
	return http.Post(*baseURL+endpoint, "application/json", bytes.NewBuffer(jsonData))
}
