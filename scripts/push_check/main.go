package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"overwatch/internal/auth"
)

// push_check/main.go
//
// Acts as one bot against a running server: pulls the bot config, then pushes
// a heartbeat and a price sample, each signed with the next nonce.
//
// Usage:
//
//   PUSH_BOT_NAME=alpha PUSH_BOT_EXCHANGE=bittrex PUSH_BOT_SECRET=<uuid> \
//     go run ./scripts/push_check
//
// Environment:
//   OVERWATCH_URL      (default "http://localhost:8080")
//   PUSH_NONCE_START   (default unix millis, so reruns stay increasing)
//   PUSH_PRICE         (default "0") when > 0 a price sample is pushed

type pusher struct {
	base     string
	name     string
	exchange string
	secret   string
	nonce    int64
	client   *http.Client
}

func main() {
	_ = godotenv.Load()
	log.Println("=== Push check starting ===")

	p := &pusher{
		base:     getenv("OVERWATCH_URL", "http://localhost:8080"),
		name:     os.Getenv("PUSH_BOT_NAME"),
		exchange: os.Getenv("PUSH_BOT_EXCHANGE"),
		secret:   os.Getenv("PUSH_BOT_SECRET"),
		nonce:    time.Now().UnixMilli(),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	if p.name == "" || p.exchange == "" || p.secret == "" {
		log.Fatal("PUSH_BOT_NAME, PUSH_BOT_EXCHANGE and PUSH_BOT_SECRET are required")
	}
	if v := os.Getenv("PUSH_NONCE_START"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Fatalf("PUSH_NONCE_START: %v", err)
		}
		p.nonce = n
	}

	failed := false
	check := func(label, path string, fields map[string]any, want int) {
		status, body, err := p.push(path, fields)
		if err != nil {
			log.Printf("[%s] error: %v", label, err)
			failed = true
			return
		}
		if status != want {
			log.Printf("[%s] HTTP %d: %s", label, status, body)
			failed = true
			return
		}
		log.Printf("[%s] ok: %s", label, body)
	}

	check("config", "/bot/config", nil, http.StatusOK)
	check("heartbeat", "/bot/heartbeat", nil, http.StatusCreated)

	if price, _ := strconv.ParseFloat(getenv("PUSH_PRICE", "0"), 64); price > 0 {
		check("price", "/bot/prices", map[string]any{
			"price":     price,
			"bid_price": price * 0.99,
			"ask_price": price * 1.01,
		}, http.StatusCreated)
	}

	if failed {
		log.Println("=== Push check finished with failures ===")
		os.Exit(1)
	}
	log.Println("=== Push check finished ===")
}

func (p *pusher) push(path string, fields map[string]any) (int, string, error) {
	p.nonce++
	body := map[string]any{
		"name":     p.name,
		"exchange": p.exchange,
		"nonce":    p.nonce,
		"hash":     auth.Sign(p.secret, p.name, p.exchange, p.nonce),
	}
	for k, v := range fields {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, "", err
	}

	resp, err := p.client.Post(p.base+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return 0, "", fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(out), nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
