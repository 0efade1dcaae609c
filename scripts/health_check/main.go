package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"overwatch/internal/api"
	"overwatch/pkg/config"
	"overwatch/pkg/db"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	fmt.Println("Overwatch Health Check")
	fmt.Println("======================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	base := getenv("OVERWATCH_URL", "http://localhost:"+cfg.Port)

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0),
	}
	report.Services = append(report.Services,
		checkDatabase(ctx, cfg),
		checkHTTP(ctx, "API Server", base+"/health"),
		checkHTTP(ctx, "Prometheus", base+"/metrics"),
		checkLive(cfg, base),
	)

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" && report.Overall != "UNHEALTHY" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "ok"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "!!"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "~~"
		}
		fmt.Printf("%s %-20s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}

	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "Database",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()

	var pending int
	for _, kind := range db.EnrichableKinds {
		stats, err := database.PendingSummary(ctx, kind)
		if err != nil {
			status.Status = "UNHEALTHY"
			status.Message = fmt.Sprintf("Query failed: %v", err)
			return status
		}
		pending += stats.Count
	}
	status.Message = fmt.Sprintf("Connected (%d records awaiting enrichment)", pending)
	if pending > 10000 {
		status.Status = "DEGRADED"
	}
	return status
}

func checkHTTP(ctx context.Context, name, url string) HealthStatus {
	status := HealthStatus{
		Service:   name,
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	status.Message = "Running"
	return status
}

// checkLive opens a live session with a short-lived viewer token and waits
// for the subscription snapshot.
func checkLive(cfg *config.Config, base string) HealthStatus {
	status := HealthStatus{
		Service:   "Live View",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	owner := os.Getenv("HEALTH_CHECK_OWNER")
	if owner == "" {
		status.Status = "DEGRADED"
		status.Message = "HEALTH_CHECK_OWNER not set, skipped"
		return status
	}
	token, err := api.GenerateToken(owner, cfg.JWTSecret, time.Now().Add(time.Minute))
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Token failed: %v", err)
		return status
	}

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws?token=" + token
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Dial failed: %v", err)
		return status
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"message_type": "subscribe", "scope": "list"}); err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Subscribe failed: %v", err)
		return status
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg struct {
		Type string `json:"message_type"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("No snapshot: %v", err)
		return status
	}

	status.Message = fmt.Sprintf("Subscribed (first message %s)", msg.Type)
	return status
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
