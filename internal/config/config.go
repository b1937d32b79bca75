package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Режимы запуска процесса.
const (
	ModeServe      = "serve"
	ModeSync       = "sync"
	ModeHistorical = "historical"
	ModeOpen       = "open"
	ModeToken      = "token"
)

// MaxBatchSize - предел шлюза на число id в одном запросе деталей.
const MaxBatchSize = 200

const dateLayout = "2006-01-02"

// Config содержит конфигурацию приложения.
type Config struct {
	Mode        string
	RunAddress  string
	DatabaseURI string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Gateway GatewayConfig
	Sync    SyncConfig
	Run     RunConfig

	JWTSecret       string
	TokenExpiration time.Duration
}

// GatewayConfig - доступ к удалённой системе заказов.
type GatewayConfig struct {
	AuthURL       string
	AppID         string
	AppSecret     string
	Token         string
	RatePerMinute int
	Timeout       time.Duration
}

// SyncConfig - параметры периодической синхронизации.
type SyncConfig struct {
	Interval          time.Duration
	OpenInterval      time.Duration
	BatchSize         int
	PageSize          int
	DefaultLookback   time.Duration
	DateField         string
	LockTTL           time.Duration
	CacheLookbackDays int
}

// RunConfig - параметры одиночного запуска из командной строки.
type RunConfig struct {
	From        string
	To          string
	Days        int
	DryRun      bool
	Force       bool
	OnlyMissing bool
	StartPage   int
	Concurrency int
	Operator    string
	Scopes      string
}

// Window разбирает -from/-to. Допускаются даты 2006-01-02 и RFC 3339.
func (r RunConfig) Window() (from, to *time.Time, err error) {
	if from, err = parseDate(r.From); err != nil {
		return nil, nil, fmt.Errorf("invalid -from: %w", err)
	}
	if to, err = parseDate(r.To); err != nil {
		return nil, nil, fmt.Errorf("invalid -to: %w", err)
	}
	return from, to, nil
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Load загружает конфигурацию из .env, флагов командной строки и переменных окружения.
// Приоритет: переменные окружения > флаги > значения по умолчанию.
// Режим задаётся флагом -mode или первым позиционным аргументом.
func Load() *Config {
	// .env необязателен
	_ = godotenv.Load()

	cfg := &Config{}

	flag.StringVar(&cfg.Mode, "mode", ModeServe, "режим: serve, sync, historical, open, token")
	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "адрес и порт запуска сервиса")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "строка подключения к PostgreSQL")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "адрес Redis для блокировок и сигналов")

	flag.StringVar(&cfg.Gateway.AuthURL, "gateway-auth", "", "адрес авторизации удалённой системы")
	flag.IntVar(&cfg.Gateway.RatePerMinute, "gateway-rate", 150, "лимит запросов к шлюзу в минуту")

	flag.DurationVar(&cfg.Sync.Interval, "sync-interval", 15*time.Minute, "период инкрементальной синхронизации")
	flag.DurationVar(&cfg.Sync.OpenInterval, "open-interval", 5*time.Minute, "период синхронизации открытых заказов")
	flag.IntVar(&cfg.Sync.BatchSize, "batch-size", MaxBatchSize, "размер пакета деталей (не больше 200)")
	flag.IntVar(&cfg.Sync.PageSize, "page-size", 200, "размер страницы поиска id")
	flag.DurationVar(&cfg.Sync.DefaultLookback, "lookback", 7*24*time.Hour, "глубина первого инкрементального окна")
	flag.StringVar(&cfg.Sync.DateField, "date-field", "received", "поле даты инкрементального поиска: received или processed")
	flag.DurationVar(&cfg.Sync.LockTTL, "lock-ttl", time.Hour, "время жизни блокировки потока")
	flag.IntVar(&cfg.Sync.CacheLookbackDays, "cache-lookback-days", 730, "окно кэша аналитики в днях")

	flag.StringVar(&cfg.Run.From, "from", "", "начало окна исторической загрузки")
	flag.StringVar(&cfg.Run.To, "to", "", "конец окна исторической загрузки")
	flag.IntVar(&cfg.Run.Days, "days", 0, "глубина исторической загрузки в днях")
	flag.BoolVar(&cfg.Run.DryRun, "dry-run", false, "только чтение, без записи и сигналов")
	flag.BoolVar(&cfg.Run.Force, "force", false, "пересоздать позиции существующих заказов")
	flag.BoolVar(&cfg.Run.OnlyMissing, "only-missing", false, "обновлять только заказы с недостающими полями")
	flag.IntVar(&cfg.Run.StartPage, "start-page", 0, "страница, с которой продолжить историческую загрузку")
	flag.IntVar(&cfg.Run.Concurrency, "concurrency", 4, "число параллельных задач импорта открытых заказов")
	flag.StringVar(&cfg.Run.Operator, "operator", "", "имя оператора для выпуска токена")
	flag.StringVar(&cfg.Run.Scopes, "scopes", "sync:read,sync:run", "права токена оператора через запятую")
	flag.Parse()

	if arg := flag.Arg(0); arg != "" {
		cfg.Mode = arg
	}

	if envRunAddr := os.Getenv("RUN_ADDRESS"); envRunAddr != "" {
		cfg.RunAddress = envRunAddr
	}
	if envDBURI := os.Getenv("DATABASE_URI"); envDBURI != "" {
		cfg.DatabaseURI = envDBURI
	}

	// Redis
	envString("REDIS_ADDR", &cfg.RedisAddr)
	envString("REDIS_PASSWORD", &cfg.RedisPassword)
	envInt("REDIS_DB", &cfg.RedisDB)

	// Шлюз
	envString("GATEWAY_AUTH_URL", &cfg.Gateway.AuthURL)
	envString("GATEWAY_APP_ID", &cfg.Gateway.AppID)
	envString("GATEWAY_APP_SECRET", &cfg.Gateway.AppSecret)
	envString("GATEWAY_TOKEN", &cfg.Gateway.Token)
	envInt("GATEWAY_RATE_PER_MINUTE", &cfg.Gateway.RatePerMinute)
	cfg.Gateway.Timeout = 30 * time.Second

	// Синхронизация
	envDuration("SYNC_INTERVAL", &cfg.Sync.Interval)
	envDuration("OPEN_SYNC_INTERVAL", &cfg.Sync.OpenInterval)
	envInt("SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	envInt("SYNC_PAGE_SIZE", &cfg.Sync.PageSize)
	envDuration("SYNC_DEFAULT_LOOKBACK", &cfg.Sync.DefaultLookback)
	envString("SYNC_DATE_FIELD", &cfg.Sync.DateField)
	envDuration("SYNC_LOCK_TTL", &cfg.Sync.LockTTL)
	envInt("CACHE_LOOKBACK_DAYS", &cfg.Sync.CacheLookbackDays)

	if cfg.Sync.BatchSize <= 0 || cfg.Sync.BatchSize > MaxBatchSize {
		cfg.Sync.BatchSize = MaxBatchSize
	}
	if cfg.Sync.DateField != "processed" {
		cfg.Sync.DateField = "received"
	}

	// JWT секрет
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default-secret-change-in-production"
	}

	// Время жизни токена оператора
	cfg.TokenExpiration = 24 * time.Hour
	envDuration("TOKEN_EXPIRATION", &cfg.TokenExpiration)

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Некорректные числа и длительности игнорируются, остаётся значение флага.
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
