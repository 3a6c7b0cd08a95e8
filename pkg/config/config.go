package config

import (
	"strings"
	"time"

	"remittance_back/models"
	"remittance_back/pkg/eligibility"
	"remittance_back/pkg/evmclient"
	"remittance_back/pkg/pricing"
	"remittance_back/pkg/ratefeed"
	"remittance_back/pkg/repository"
	"remittance_back/pkg/settlement"
	"remittance_back/pkg/tronclient"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

type QuotesConfig struct {
	Store         string
	TTL           time.Duration
	Grace         time.Duration
	MaxReads      int
	SweepInterval time.Duration
}

type RateFeedConfig struct {
	ratefeed.Config
	Enabled  bool
	MaxAge   time.Duration
	Schedule string
}

type SettlementConfig struct {
	Executor              string
	EstimatedCompletion   time.Duration
	Orchestrator          settlement.Config
	MaxAttempts           int
	Workers               int
	QueueBuffer           int
	Prefetch              int
	SimulatedConfirmAfter time.Duration
	EVM                   evmclient.Config
	Tron                  tronclient.Config
}

type ReconcileConfig struct {
	settlement.ReconcilerConfig
	Schedule string
}

type RateLimitConfig struct {
	TransfersPerHour int
	QuotesPerMinute  int
}

type MailConfig struct {
	Provider         string
	FromEmail        string
	FromName         string
	MailjetAPIKey    string
	MailjetSecretKey string
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string
}

type Config struct {
	Port        string
	LogLevel    string
	CORSOrigins []string
	Storage     string
	DB          repository.Config
	RedisURL    string
	RabbitMQURL string

	JWTSecret     string
	WebhookSecret string

	Pricing    pricing.Config
	Limits     eligibility.LimitTable
	Quotes     QuotesConfig
	RateFeed   RateFeedConfig
	Settlement SettlementConfig
	Reconcile  ReconcileConfig
	RateLimit  RateLimitConfig
	Mail       MailConfig
}

// secrets come from these environment variables and are kept out of config.yaml
var secrets = map[string]string{
	"db.password":            "DB_PASSWORD",
	"auth.jwt_secret":        "JWT_SECRET",
	"settlement.private_key": "SETTLEMENT_PRIVATE_KEY",
	"tron.api_key":           "TRON_API_KEY",
	"rate_feed.api_key":      "RATE_FEED_API_KEY",
	"webhook.secret":         "WEBHOOK_SECRET",
	"mail.mailjet_api_key":   "MAILJET_API_KEY",
	"mail.mailjet_secret":    "MAILJET_SECRET_KEY",
	"mail.smtp_password":     "SMTP_PASSWORD",
	"redis.url":              "REDIS_URL",
	"rabbitmq.url":           "RABBITMQ_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8000")
	v.SetDefault("log.level", "info")
	v.SetDefault("cors.origins", []string{"*"})
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("pricing.unknown_pair", string(pricing.PolicyParity))
	v.SetDefault("pricing.precision", 2)

	v.SetDefault("quotes.store", "memory")
	v.SetDefault("quotes.ttl", 15*time.Minute)
	v.SetDefault("quotes.grace", 10*time.Minute)
	v.SetDefault("quotes.max_reads", 20)
	v.SetDefault("quotes.sweep_interval", time.Minute)

	v.SetDefault("rate_feed.enabled", false)
	v.SetDefault("rate_feed.base", "USD")
	v.SetDefault("rate_feed.timeout", 10*time.Second)
	v.SetDefault("rate_feed.max_age", 10*time.Minute)
	v.SetDefault("rate_feed.schedule", "@every 5m")

	v.SetDefault("settlement.executor", "simulated")
	v.SetDefault("settlement.estimated_completion", 30*time.Minute)
	v.SetDefault("settlement.timeout", 2*time.Minute)
	v.SetDefault("settlement.poll_interval", 5*time.Second)
	v.SetDefault("settlement.max_attempts", 10)
	v.SetDefault("settlement.workers", 4)
	v.SetDefault("settlement.queue_buffer", 256)
	v.SetDefault("settlement.prefetch", 4)
	v.SetDefault("settlement.simulated.confirm_after", 10*time.Second)
	v.SetDefault("evm.token_decimals", 18)
	v.SetDefault("evm.confirmations", 1)
	v.SetDefault("tron.base_url", "https://api.shasta.trongrid.io")
	v.SetDefault("tron.token_decimals", 6)
	v.SetDefault("tron.fee_limit", 100_000_000)

	v.SetDefault("reconcile.schedule", "@every 1m")
	v.SetDefault("reconcile.stale_after", 5*time.Minute)
	v.SetDefault("reconcile.batch_size", 100)

	v.SetDefault("rate_limit.transfers_per_hour", 10)
	v.SetDefault("rate_limit.quotes_per_minute", 30)

	v.SetDefault("mail.provider", "none")
	v.SetDefault("mail.smtp_port", 587)
}

// Load reads .env (if present), then configs/config.yaml under dir, then the environment.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Infof("no .env file loaded: %s", err)
	}

	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	for key, env := range secrets {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", env)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
		logrus.Warn("config.yaml not found, using defaults")
	}
	return build(v)
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:        v.GetString("port"),
		LogLevel:    v.GetString("log.level"),
		CORSOrigins: v.GetStringSlice("cors.origins"),
		Storage:     strings.ToLower(v.GetString("storage.driver")),
		DB: repository.Config{
			Host:     v.GetString("db.host"),
			Port:     v.GetString("db.port"),
			Username: v.GetString("db.username"),
			Password: v.GetString("db.password"),
			DBName:   v.GetString("db.dbname"),
			SSLMode:  v.GetString("db.sslmode"),
		},
		RedisURL:      v.GetString("redis.url"),
		RabbitMQURL:   v.GetString("rabbitmq.url"),
		JWTSecret:     v.GetString("auth.jwt_secret"),
		WebhookSecret: v.GetString("webhook.secret"),
		Quotes: QuotesConfig{
			Store:         strings.ToLower(v.GetString("quotes.store")),
			TTL:           v.GetDuration("quotes.ttl"),
			Grace:         v.GetDuration("quotes.grace"),
			MaxReads:      v.GetInt("quotes.max_reads"),
			SweepInterval: v.GetDuration("quotes.sweep_interval"),
		},
		RateFeed: RateFeedConfig{
			Config: ratefeed.Config{
				URL:     v.GetString("rate_feed.url"),
				APIKey:  v.GetString("rate_feed.api_key"),
				Base:    v.GetString("rate_feed.base"),
				Timeout: v.GetDuration("rate_feed.timeout"),
			},
			Enabled:  v.GetBool("rate_feed.enabled"),
			MaxAge:   v.GetDuration("rate_feed.max_age"),
			Schedule: v.GetString("rate_feed.schedule"),
		},
		Settlement: SettlementConfig{
			Executor:            strings.ToLower(v.GetString("settlement.executor")),
			EstimatedCompletion: v.GetDuration("settlement.estimated_completion"),
			Orchestrator: settlement.Config{
				Timeout:      v.GetDuration("settlement.timeout"),
				PollInterval: v.GetDuration("settlement.poll_interval"),
				LeaseTTL:     v.GetDuration("settlement.lease_ttl"),
			},
			MaxAttempts:           v.GetInt("settlement.max_attempts"),
			Workers:               v.GetInt("settlement.workers"),
			QueueBuffer:           v.GetInt("settlement.queue_buffer"),
			Prefetch:              v.GetInt("settlement.prefetch"),
			SimulatedConfirmAfter: v.GetDuration("settlement.simulated.confirm_after"),
			EVM: evmclient.Config{
				RPCURL:            v.GetString("evm.rpc_url"),
				PrivateKey:        v.GetString("settlement.private_key"),
				ChainID:           v.GetInt64("evm.chain_id"),
				ContractAddress:   v.GetString("evm.contract_address"),
				StablecoinAddress: v.GetString("evm.stablecoin_address"),
				RecipientAddress:  v.GetString("evm.recipient_address"),
				TokenDecimals:     v.GetInt32("evm.token_decimals"),
				Confirmations:     v.GetUint64("evm.confirmations"),
				GasLimit:          v.GetUint64("evm.gas_limit"),
			},
			Tron: tronclient.Config{
				BaseURL:           v.GetString("tron.base_url"),
				APIKey:            v.GetString("tron.api_key"),
				PrivateKey:        v.GetString("settlement.private_key"),
				ContractAddress:   v.GetString("tron.contract_address"),
				StablecoinAddress: v.GetString("tron.stablecoin_address"),
				RecipientAddress:  v.GetString("tron.recipient_address"),
				TokenDecimals:     v.GetInt32("tron.token_decimals"),
				FeeLimit:          v.GetInt64("tron.fee_limit"),
				Timeout:           v.GetDuration("tron.timeout"),
			},
		},
		Reconcile: ReconcileConfig{
			ReconcilerConfig: settlement.ReconcilerConfig{
				StaleAfter:  v.GetDuration("reconcile.stale_after"),
				MaxAttempts: v.GetInt("settlement.max_attempts"),
				BatchSize:   v.GetInt("reconcile.batch_size"),
			},
			Schedule: v.GetString("reconcile.schedule"),
		},
		RateLimit: RateLimitConfig{
			TransfersPerHour: v.GetInt("rate_limit.transfers_per_hour"),
			QuotesPerMinute:  v.GetInt("rate_limit.quotes_per_minute"),
		},
		Mail: MailConfig{
			Provider:         strings.ToLower(v.GetString("mail.provider")),
			FromEmail:        v.GetString("mail.from_email"),
			FromName:         v.GetString("mail.from_name"),
			MailjetAPIKey:    v.GetString("mail.mailjet_api_key"),
			MailjetSecretKey: v.GetString("mail.mailjet_secret"),
			SMTPHost:         v.GetString("mail.smtp_host"),
			SMTPPort:         v.GetInt("mail.smtp_port"),
			SMTPUsername:     v.GetString("mail.smtp_username"),
			SMTPPassword:     v.GetString("mail.smtp_password"),
		},
	}

	var err error
	if cfg.Pricing, err = buildPricing(v); err != nil {
		return nil, err
	}
	if cfg.Limits, err = buildLimits(v); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildPricing(v *viper.Viper) (pricing.Config, error) {
	pc := pricing.DefaultConfig()
	if v.IsSet("pricing.currencies") {
		pc.Currencies = v.GetStringSlice("pricing.currencies")
	}
	if v.IsSet("pricing.base_fee_rate") {
		rate, err := toDecimal(v.Get("pricing.base_fee_rate"))
		if err != nil {
			return pc, errors.Wrap(err, "pricing.base_fee_rate")
		}
		pc.BaseFeeRate = rate
	}
	if v.IsSet("pricing.rates") {
		pc.Rates = map[string]decimal.Decimal{}
		for pair, raw := range v.GetStringMap("pricing.rates") {
			rate, err := toDecimal(raw)
			if err != nil {
				return pc, errors.Wrapf(err, "pricing.rates.%s", pair)
			}
			pc.Rates[strings.ToUpper(pair)] = rate
		}
	}
	if v.IsSet("pricing.fee_bounds") {
		pc.FeeBounds = map[string]pricing.FeeBounds{}
		for cur := range v.GetStringMap("pricing.fee_bounds") {
			b, err := feeBounds(v.GetStringMap("pricing.fee_bounds." + cur))
			if err != nil {
				return pc, errors.Wrapf(err, "pricing.fee_bounds.%s", cur)
			}
			pc.FeeBounds[strings.ToUpper(cur)] = b
		}
	}
	if v.IsSet("pricing.default_fee_bounds") {
		b, err := feeBounds(v.GetStringMap("pricing.default_fee_bounds"))
		if err != nil {
			return pc, errors.Wrap(err, "pricing.default_fee_bounds")
		}
		pc.DefaultFeeBounds = b
	}
	pc.UnknownPair = pricing.UnknownPairPolicy(strings.ToLower(v.GetString("pricing.unknown_pair")))
	pc.Precision = v.GetInt32("pricing.precision")
	return pc, nil
}

func feeBounds(m map[string]interface{}) (pricing.FeeBounds, error) {
	lo, err := toDecimal(m["min"])
	if err != nil {
		return pricing.FeeBounds{}, errors.Wrap(err, "min")
	}
	hi, err := toDecimal(m["max"])
	if err != nil {
		return pricing.FeeBounds{}, errors.Wrap(err, "max")
	}
	return pricing.FeeBounds{Min: lo, Max: hi}, nil
}

func buildLimits(v *viper.Viper) (eligibility.LimitTable, error) {
	table := eligibility.DefaultLimitTable()
	if v.IsSet("limits.default") {
		table.Default = map[string]models.Limits{}
		for cur, raw := range v.GetStringMap("limits.default") {
			l, err := limits(raw)
			if err != nil {
				return table, errors.Wrapf(err, "limits.default.%s", cur)
			}
			table.Default[strings.ToUpper(cur)] = l
		}
	}
	if v.IsSet("limits.tiers") {
		table.Tiers = map[string]map[string]models.Limits{}
		for tier, raw := range v.GetStringMap("limits.tiers") {
			byCurrency := map[string]models.Limits{}
			for cur, rawLimits := range cast.ToStringMap(raw) {
				l, err := limits(rawLimits)
				if err != nil {
					return table, errors.Wrapf(err, "limits.tiers.%s.%s", tier, cur)
				}
				byCurrency[strings.ToUpper(cur)] = l
			}
			table.Tiers[strings.ToUpper(tier)] = byCurrency
		}
	}
	if v.IsSet("limits.fallback") {
		l, err := limits(v.Get("limits.fallback"))
		if err != nil {
			return table, errors.Wrap(err, "limits.fallback")
		}
		table.Fallback = l
	}
	return table, nil
}

func limits(raw interface{}) (models.Limits, error) {
	m := cast.ToStringMap(raw)
	var out models.Limits
	var err error
	if out.PerTransaction, err = toDecimal(m["per_transaction"]); err != nil {
		return out, errors.Wrap(err, "per_transaction")
	}
	if out.Daily, err = toDecimal(m["daily"]); err != nil {
		return out, errors.Wrap(err, "daily")
	}
	if out.Monthly, err = toDecimal(m["monthly"]); err != nil {
		return out, errors.Wrap(err, "monthly")
	}
	return out, nil
}

// toDecimal goes through the string form so YAML floats keep their written digits.
func toDecimal(raw interface{}) (decimal.Decimal, error) {
	if raw == nil {
		return decimal.Zero, nil
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
