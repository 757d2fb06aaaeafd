package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/brandon/mailhub/pkg/types"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CachePath         string `env:"CACHE_PATH" envDefault:"/data/mailhub.db"`
	SearchResultLimit int    `env:"SEARCH_RESULT_LIMIT" envDefault:"50"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server
	HTTPAddr          string        `env:"HTTP_ADDR" envDefault:":8080"`
	RemoteTimeout     time.Duration `env:"REMOTE_TIMEOUT" envDefault:"10s"`
	InitialSyncBatch  int           `env:"INITIAL_SYNC_BATCH" envDefault:"100"`
	ProviderCacheSize int           `env:"PROVIDER_CACHE_SIZE" envDefault:"64"`

	Google    GoogleConfig    `envPrefix:"GOOGLE_"`
	Embedding EmbeddingConfig `envPrefix:"EMBEDDING_"`

	SummaryModel string `env:"SUMMARY_MODEL"`

	// Accounts
	Accounts []AccountConfig `env:"-"`
}

// GoogleConfig holds the OAuth client used to refresh Gmail tokens
type GoogleConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"`
}

// EmbeddingConfig holds the embedding backend settings. An empty URL
// disables semantic search and the indexer.
type EmbeddingConfig struct {
	URL       string  `env:"URL"`
	Model     string  `env:"MODEL" envDefault:"nomic-embed-text"`
	APIKey    string  `env:"API_KEY"`
	BatchSize int     `env:"BATCH_SIZE" envDefault:"32"`
	Schedule  string  `env:"SCHEDULE" envDefault:"@every 5m"`
	Rate      float64 `env:"RATE" envDefault:"5"`
}

// Enabled reports whether an embedding backend is configured.
func (e EmbeddingConfig) Enabled() bool {
	return e.URL != ""
}

// AccountConfig holds the seed configuration for a single email account
type AccountConfig struct {
	Name    string        `env:"NAME"`
	Email   string        `env:"EMAIL"`
	Backend types.Backend `env:"BACKEND" envDefault:"imap-smtp"`

	// IMAP settings
	IMAPHost     string `env:"IMAP_HOST"`
	IMAPPort     int    `env:"IMAP_PORT" envDefault:"993"`
	IMAPUsername string `env:"IMAP_USERNAME"`
	IMAPPassword string `env:"IMAP_PASSWORD"`

	// SMTP settings
	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	// OAuth settings for the remote-api backend
	AccessToken  string    `env:"ACCESS_TOKEN"`
	RefreshToken string    `env:"REFRESH_TOKEN"`
	TokenExpiry  time.Time `env:"TOKEN_EXPIRY"`
}

// maxAccounts bounds the ACCOUNT_N_* scan.
const maxAccounts = 64

// LoadConfig loads configuration from the environment and an optional .env file
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts
	return cfg, nil
}

// loadAccounts loads the single-account variables or ACCOUNT_N_* blocks
func loadAccounts() ([]AccountConfig, error) {
	if hasSingleAccount() {
		acc, err := parseAccount("")
		if err != nil {
			return nil, err
		}
		if acc.Name == "" {
			acc.Name = os.Getenv("ACCOUNT_NAME")
		}
		if acc.Name == "" {
			acc.Name = "default"
		}
		return []AccountConfig{*acc}, nil
	}

	var accounts []AccountConfig
	for n := 1; n <= maxAccounts; n++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", n)
		if os.Getenv(prefix+"NAME") == "" {
			break
		}
		acc, err := parseAccount(prefix)
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", n, err)
		}
		accounts = append(accounts, *acc)
	}
	return accounts, nil
}

// hasSingleAccount checks if single account configuration exists
func hasSingleAccount() bool {
	return os.Getenv("IMAP_HOST") != "" || os.Getenv("ACCESS_TOKEN") != ""
}

func parseAccount(prefix string) (*AccountConfig, error) {
	acc := &AccountConfig{}
	if err := env.ParseWithOptions(acc, env.Options{Prefix: prefix}); err != nil {
		return nil, err
	}
	if acc.Email == "" {
		if acc.Backend == types.BackendIMAPSMTP {
			acc.Email = acc.SMTPUsername
		}
	}
	return acc, nil
}

// GetAccountByName finds an account by name
func (c *Config) GetAccountByName(name string) (*AccountConfig, error) {
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, fmt.Errorf("account not found: %s", name)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CachePath == "" {
		return fmt.Errorf("CACHE_PATH is required")
	}

	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}

	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be positive")
	}

	if c.InitialSyncBatch < 1 {
		return fmt.Errorf("INITIAL_SYNC_BATCH must be at least 1")
	}

	if c.Embedding.Enabled() && c.Embedding.BatchSize < 1 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be at least 1")
	}

	for i := range c.Accounts {
		if err := c.Accounts[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the credentials required by the account's backend.
func (a *AccountConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("account NAME is required")
	}
	switch a.Backend {
	case types.BackendIMAPSMTP:
		if a.IMAPHost == "" {
			return fmt.Errorf("account %s: IMAP_HOST is required", a.Name)
		}
		if a.SMTPHost == "" {
			return fmt.Errorf("account %s: SMTP_HOST is required", a.Name)
		}
		if a.IMAPPort < 1 || a.IMAPPort > 65535 {
			return fmt.Errorf("account %s: invalid IMAP_PORT", a.Name)
		}
		if a.SMTPPort < 1 || a.SMTPPort > 65535 {
			return fmt.Errorf("account %s: invalid SMTP_PORT", a.Name)
		}
		if a.IMAPUsername == "" || a.IMAPPassword == "" {
			return fmt.Errorf("account %s: IMAP_USERNAME and IMAP_PASSWORD are required", a.Name)
		}
	case types.BackendRemoteAPI:
		if a.AccessToken == "" || a.RefreshToken == "" {
			return fmt.Errorf("account %s: ACCESS_TOKEN and REFRESH_TOKEN are required", a.Name)
		}
	default:
		return fmt.Errorf("account %s: unknown BACKEND %q", a.Name, a.Backend)
	}
	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
