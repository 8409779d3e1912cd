package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"trading-control/internal/notify"
	"trading-control/internal/research"
	"trading-control/pkg/config"
	"trading-control/pkg/db"
	"trading-control/pkg/exchanges/binance/spot"
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
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Println("Trading Control Health Check")
	fmt.Println("============================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{Overall: "HEALTHY"}
	report.Services = append(report.Services,
		checkDatabase(ctx, cfg),
		checkMarketData(ctx, cfg),
		checkResearch(ctx, cfg),
		checkRedis(ctx, cfg),
		checkAPIServer(ctx, cfg),
	)

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
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

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: "HEALTHY", Timestamp: time.Now()}
}

func (s HealthStatus) fail(status, format string, args ...any) HealthStatus {
	s.Status = status
	s.Message = fmt.Sprintf(format, args...)
	return s
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")

	database, err := db.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return status.fail("UNHEALTHY", "Connection failed: %v", err)
	}
	defer database.Close()

	if err := database.DB.PingContext(ctx); err != nil {
		return status.fail("UNHEALTHY", "Ping failed: %v", err)
	}
	var users int
	if err := database.DB.GetContext(ctx, &users, "SELECT COUNT(*) FROM users"); err != nil {
		return status.fail("DEGRADED", "Schema not applied: %v", err)
	}

	status.Message = fmt.Sprintf("%s connected (%d users)", cfg.DBDriver, users)
	return status
}

func checkMarketData(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Binance market data")

	client := spot.New(spot.Config{Testnet: cfg.BinanceTestnet})
	book, err := client.GetOrderbook(ctx, "BTC"+cfg.QuoteAsset, 5)
	if err != nil {
		return status.fail("UNHEALTHY", "Orderbook failed: %v", err)
	}
	bid, ask, ok := book.Best()
	if !ok {
		return status.fail("DEGRADED", "Empty book for BTC%s", cfg.QuoteAsset)
	}

	network := "MAINNET"
	if cfg.BinanceTestnet {
		network = "TESTNET"
	}
	status.Message = fmt.Sprintf("%s bid=%.2f ask=%.2f", network, bid, ask)
	return status
}

func checkResearch(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Research provider")

	client, err := research.NewGRPCClient(cfg.ResearchAddr, cfg.ResearchMethod, cfg.ResearchTimeout)
	if err != nil {
		return status.fail("UNHEALTHY", "Client failed: %v", err)
	}
	defer client.Close()

	res, err := client.Run(ctx, "BTC"+cfg.QuoteAsset, "health-check")
	if err != nil {
		return status.fail("DEGRADED", "%s: %v", cfg.ResearchAddr, err)
	}
	status.Message = fmt.Sprintf("%s signal=%s accuracy=%.2f", cfg.ResearchAddr, res.Signal, res.Accuracy)
	return status
}

func checkRedis(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Redis")
	if cfg.RedisAddr == "" {
		return status.fail("DEGRADED", "Not configured, notifications stay in-process")
	}

	sink := notify.NewRedisSink(notify.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Channel:  cfg.RedisChannel,
	})
	defer sink.Close()
	if err := sink.Ping(ctx); err != nil {
		return status.fail("DEGRADED", "Ping failed: %v", err)
	}
	status.Message = fmt.Sprintf("%s channel=%s", cfg.RedisAddr, cfg.RedisChannel)
	return status
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("API Server")

	url := fmt.Sprintf("http://localhost:%s/health", cfg.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return status.fail("UNHEALTHY", "%v", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return status.fail("UNHEALTHY", "Not reachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return status.fail("DEGRADED", "HTTP %d", resp.StatusCode)
	}
	status.Message = "Running"
	return status
}
