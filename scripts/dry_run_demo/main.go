package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mtf-executor/internal/api"
	"mtf-executor/pkg/config"
)

// dry_run_demo drives a running executor (DRY_RUN=true) through one full cycle:
//   1. long on 1m, 3m and 5m, which confirms and enters;
//   2. the 5m bar is re-delivered, which must come back as a duplicate;
//   3. 5m flips short, which exits;
//   4. the resulting positions are printed through the operator API.
//
// Usage:
//   go run ./scripts/dry_run_demo -url http://localhost:8080 -ticker SOLUSDT -price 142.5

func main() {
	base := flag.String("url", "http://localhost:8080", "executor base URL")
	ticker := flag.String("ticker", "SOLUSDT", "TradingView ticker")
	price := flag.Float64("price", 142.5, "bar close to send")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config error: %v", err)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	now := time.Now().Unix()

	send := func(tf, position, nonce string) {
		body := map[string]any{
			"signal":     "entry",
			"position":   position,
			"ticker":     *ticker,
			"price":      *price,
			"time":       now,
			"timeframe":  tf,
			"strength":   80,
			"nonce":      nonce,
			"passphrase": cfg.WebhookPassphrase,
		}
		raw, _ := json.Marshal(body)
		resp, err := client.Post(*base+"/webhook", "application/json", bytes.NewReader(raw))
		if err != nil {
			log.Fatalf("post webhook: %v", err)
		}
		defer resp.Body.Close()
		out, _ := io.ReadAll(resp.Body)
		log.Printf("%s %-5s -> %d %s", tf, position, resp.StatusCode, out)
	}

	log.Println("=== DRY-RUN demo starting ===")
	fiveMin := uuid.NewString()
	send("1m", "long", uuid.NewString())
	send("3m", "long", uuid.NewString())
	send("5m", "long", fiveMin)
	send("5m", "long", fiveMin)
	send("5m", "short", uuid.NewString())

	token, err := api.IssueToken("dry-run-demo", cfg.JWTSecret, time.Minute)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, *base+"/api/positions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("get positions: %v", err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println(string(out))
	log.Println("=== DRY-RUN demo done ===")
}
