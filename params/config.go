package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Router bounds applied to every market that does not override them.
type Router struct {
	MaxIterations int
	MaxChunk      float64
	AMMTimeout    time.Duration
}

type Admission struct {
	Shards          int
	LaneConcurrency int64
	TickInterval    time.Duration
	MaxAttempts     int
	// LatencyCeiling is the batch latency the adaptive sizer defends.
	LatencyCeiling time.Duration
}

type Settlement struct {
	PebblePath      string
	KafkaBrokers    []string // empty disables the kafka writer
	KafkaTopic      string
	GossipListen    string // empty disables gossip
	GossipBootstrap []string
}

type Node struct {
	APIAddr        string
	AllowedOrigins []string
	LogFile        string
	LogLevel       string
	Markets        []string
	// AMM pools are seeded with this much base at each market's reference price.
	PoolBaseReserve float64
	PoolFeeBps      float64
	OrderGen        bool
	OrderGenMode    string // "default" | "high"
}

type Config struct {
	Router     Router
	Admission  Admission
	Settlement Settlement
	Node       Node
}

func Default() Config {
	return Config{
		Router: Router{
			MaxIterations: 100,
			MaxChunk:      1000,
			AMMTimeout:    2 * time.Second,
		},
		Admission: Admission{
			Shards:          4,
			LaneConcurrency: 8,
			TickInterval:    10 * time.Millisecond,
			MaxAttempts:     3,
			LatencyCeiling:  250 * time.Millisecond,
		},
		Settlement: Settlement{
			PebblePath: "data/fills",
			KafkaTopic: "fills",
		},
		Node: Node{
			APIAddr:         ":8080",
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:3001"},
			LogFile:         "data/node.log",
			LogLevel:        "info",
			Markets:         []string{"ETH-USDC", "BTC-USDC"},
			PoolBaseReserve: 10_000,
			PoolFeeBps:      30,
			OrderGenMode:    "default",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Router.MaxIterations = envInt("ROUTER_MAX_ITERATIONS", cfg.Router.MaxIterations)
	cfg.Router.MaxChunk = envFloat("ROUTER_MAX_CHUNK", cfg.Router.MaxChunk)
	cfg.Router.AMMTimeout = envMillis("ROUTER_AMM_TIMEOUT_MS", cfg.Router.AMMTimeout)

	cfg.Admission.Shards = envInt("ADMISSION_SHARDS", cfg.Admission.Shards)
	cfg.Admission.LaneConcurrency = int64(envInt("ADMISSION_LANE_CONCURRENCY", int(cfg.Admission.LaneConcurrency)))
	cfg.Admission.TickInterval = envMillis("ADMISSION_TICK_MS", cfg.Admission.TickInterval)
	cfg.Admission.MaxAttempts = envInt("ADMISSION_MAX_ATTEMPTS", cfg.Admission.MaxAttempts)
	cfg.Admission.LatencyCeiling = envMillis("ADMISSION_LATENCY_CEILING_MS", cfg.Admission.LatencyCeiling)

	cfg.Settlement.PebblePath = getEnv("PEBBLE_PATH", cfg.Settlement.PebblePath)
	cfg.Settlement.KafkaBrokers = envList("KAFKA_BROKERS", cfg.Settlement.KafkaBrokers)
	cfg.Settlement.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Settlement.KafkaTopic)
	cfg.Settlement.GossipListen = getEnv("GOSSIP_LISTEN", cfg.Settlement.GossipListen)
	cfg.Settlement.GossipBootstrap = envList("GOSSIP_BOOTSTRAP", cfg.Settlement.GossipBootstrap)

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.AllowedOrigins = envList("API_ALLOWED_ORIGINS", cfg.Node.AllowedOrigins)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.Markets = envList("MARKETS", cfg.Node.Markets)
	cfg.Node.PoolBaseReserve = envFloat("AMM_BASE_RESERVE", cfg.Node.PoolBaseReserve)
	cfg.Node.PoolFeeBps = envFloat("AMM_FEE_BPS", cfg.Node.PoolFeeBps)
	if v := os.Getenv("ENABLE_ORDERGEN"); v != "" {
		cfg.Node.OrderGen = v == "true"
	}
	cfg.Node.OrderGenMode = getEnv("ORDERGEN_MODE", cfg.Node.OrderGenMode)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Malformed numbers keep the default.
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

// envList splits a comma-separated value, dropping blanks.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
