package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Policy struct {
	MaxNotionalPerTrade    float64  `yaml:"max_notional_per_trade"`
	MaxPositionFraction    float64  `yaml:"max_position_fraction"`
	PositionWarningMargin  float64  `yaml:"position_warning_margin"`
	MaxOpenPositions       int      `yaml:"max_open_positions"`
	DailyLossLimitFraction float64  `yaml:"daily_loss_limit_fraction"`
	LossCooldownMinutes    int      `yaml:"loss_cooldown_minutes"`
	AllowedOrderTypes      []string `yaml:"allowed_order_types"`
	AllowSymbols           []string `yaml:"allow_symbols"`
	DenySymbols            []string `yaml:"deny_symbols"`
	AllowExtendedHours     bool     `yaml:"allow_extended_hours"`
	AllowShortSelling      bool     `yaml:"allow_short_selling"`
	AllowMargin            bool     `yaml:"allow_margin"` // false = cash-only funding
}

type Aggregator struct {
	MinWeightedVolume float64            `yaml:"min_weighted_volume"`
	SourceWeights     map[string]float64 `yaml:"source_weights"`
}

type Entry struct {
	BuyThreshold           float64 `yaml:"buy_threshold"`
	VeryPositive           float64 `yaml:"very_positive"`
	VeryPositiveMultiplier float64 `yaml:"very_positive_multiplier"`
	MinSources             int     `yaml:"min_sources"`
	MaxNewPerCycle         int     `yaml:"max_new_per_cycle"`
	BaseNotional           float64 `yaml:"base_notional"`
	QuantityPrecision      int32   `yaml:"quantity_precision"`
	OrderType              string  `yaml:"order_type"`
	TimeInForce            string  `yaml:"time_in_force"`
	AssetClass             string  `yaml:"asset_class"`
}

type Staleness struct {
	MidHoldMinutes   int     `yaml:"mid_hold_minutes"`
	MidGainFraction  float64 `yaml:"mid_gain_fraction"`
	MaxHoldMinutes   int     `yaml:"max_hold_minutes"`
	MinGainFraction  float64 `yaml:"min_gain_fraction"`
	NoMentionMinutes int     `yaml:"no_mention_minutes"`
	VolumeDecay      float64 `yaml:"volume_decay"`
	ConvictionDecay  float64 `yaml:"conviction_decay"`
	DecayCycles      int     `yaml:"decay_cycles"`
}

type Exits struct {
	TakeProfitFraction   float64   `yaml:"take_profit_fraction"`
	StopLossFraction     float64   `yaml:"stop_loss_fraction"`
	TrailingStopFraction float64   `yaml:"trailing_stop_fraction"`
	Staleness            Staleness `yaml:"staleness"`
}

type Scheduler struct {
	OpenSeconds             int  `yaml:"open_seconds"`
	ExtendedSeconds         int  `yaml:"extended_seconds"`
	OvernightSeconds        int  `yaml:"overnight_seconds"`
	ClosedSeconds           int  `yaml:"closed_seconds"`
	ContinuousAssetsEnabled bool `yaml:"continuous_assets_enabled"`
	ContinuousSeconds       int  `yaml:"continuous_seconds"`
}

type Approval struct {
	TTLSeconds    int    `yaml:"ttl_seconds"`
	Issuer        string `yaml:"issuer"`
	SigningKeyEnv string `yaml:"signing_key_env"`
	SigningKey    string `yaml:"-"`
}

type Advisor struct {
	Enabled       bool    `yaml:"enabled"`
	MinConfidence float64 `yaml:"min_confidence"`
}

type Store struct {
	Driver                 string `yaml:"driver"` // file | sqlite | redis
	Path                   string `yaml:"path"`
	RedisAddr              string `yaml:"redis_addr"`
	RedisDB                int    `yaml:"redis_db"`
	RedisPasswordEnv       string `yaml:"redis_password_env"`
	RedisPassword          string `yaml:"-"`
	KeyPrefix              string `yaml:"key_prefix"`
	ConsumedRetentionHours int    `yaml:"consumed_retention_hours"`
}

type Paper struct {
	OutboxPath     string  `yaml:"outbox_path"`
	StartingCash   float64 `yaml:"starting_cash"`
	SlippageBpsMin int     `yaml:"slippage_bps_min"`
	SlippageBpsMax int     `yaml:"slippage_bps_max"`
	PricesPath     string  `yaml:"prices_path"`
	// resting orders older than this are canceled; sells are then retried
	PendingOrderMaxAgeSeconds int `yaml:"pending_order_max_age_seconds"`
}

type Source struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // file
	Path string `yaml:"path"`
}

type Calls struct {
	TimeoutMs     int     `yaml:"timeout_ms"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type Root struct {
	TradingMode string     `yaml:"trading_mode"` // paper | dry-run
	Timezone    string     `yaml:"timezone"`
	LogLevel    string     `yaml:"log_level"`
	KillSwitch  bool       `yaml:"kill_switch"`
	Holidays    []string   `yaml:"holidays"`
	Policy      Policy     `yaml:"policy"`
	Aggregator  Aggregator `yaml:"aggregator"`
	Entry       Entry      `yaml:"entry"`
	Exits       Exits      `yaml:"exits"`
	Scheduler   Scheduler  `yaml:"scheduler"`
	Approval    Approval   `yaml:"approval"`
	Advisor     Advisor    `yaml:"advisor"`
	Store       Store      `yaml:"store"`
	Paper       Paper      `yaml:"paper"`
	Sources     []Source   `yaml:"sources"`
	Calls       Calls      `yaml:"calls"`
}

// ValidationError lists every constraint a configuration failed. A config
// that fails validation is never partially applied.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// LoadEnv loads .env files into the process environment. Missing files are
// not an error, existing variables win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads, defaults, applies env overrides and validates a YAML config.
func Load(path string) (Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Root{}, err
	}
	return Parse(b)
}

// Parse is Load without the file read. Unknown keys are rejected.
func Parse(b []byte) (Root, error) {
	var c Root
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Root{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&c)
	applyEnv(&c)
	if err := c.Validate(); err != nil {
		return Root{}, err
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.TradingMode == "" {
		c.TradingMode = "paper"
	}
	if c.Timezone == "" {
		c.Timezone = "America/New_York"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	p := &c.Policy
	if p.MaxNotionalPerTrade == 0 {
		p.MaxNotionalPerTrade = 5000
	}
	if p.MaxPositionFraction == 0 {
		p.MaxPositionFraction = 0.20
	}
	if p.PositionWarningMargin == 0 {
		p.PositionWarningMargin = 0.02
	}
	if p.MaxOpenPositions == 0 {
		p.MaxOpenPositions = 10
	}
	if p.DailyLossLimitFraction == 0 {
		p.DailyLossLimitFraction = 0.03
	}
	if p.LossCooldownMinutes == 0 {
		p.LossCooldownMinutes = 60
	}
	if len(p.AllowedOrderTypes) == 0 {
		p.AllowedOrderTypes = []string{"market", "limit"}
	}

	if c.Aggregator.MinWeightedVolume == 0 {
		c.Aggregator.MinWeightedVolume = 1.0
	}

	e := &c.Entry
	if e.BuyThreshold == 0 {
		e.BuyThreshold = 0.35
	}
	if e.VeryPositive == 0 {
		e.VeryPositive = 0.65
	}
	if e.VeryPositiveMultiplier == 0 {
		e.VeryPositiveMultiplier = 2
	}
	if e.MinSources == 0 {
		e.MinSources = 1
	}
	if e.MaxNewPerCycle == 0 {
		e.MaxNewPerCycle = 3
	}
	if e.BaseNotional == 0 {
		e.BaseNotional = 2000
	}
	if e.OrderType == "" {
		e.OrderType = "market"
	}
	if e.TimeInForce == "" {
		e.TimeInForce = "day"
	}
	if e.AssetClass == "" {
		e.AssetClass = "us_equity"
	}

	x := &c.Exits
	if x.TakeProfitFraction == 0 {
		x.TakeProfitFraction = 0.15
	}
	if x.StopLossFraction == 0 {
		x.StopLossFraction = 0.07
	}
	if x.TrailingStopFraction == 0 {
		x.TrailingStopFraction = 0.08
	}
	st := &x.Staleness
	if st.MidHoldMinutes == 0 {
		st.MidHoldMinutes = 3 * 24 * 60
	}
	if st.MaxHoldMinutes == 0 {
		st.MaxHoldMinutes = 10 * 24 * 60
	}
	if st.NoMentionMinutes == 0 {
		st.NoMentionMinutes = 2 * 24 * 60
	}
	if st.VolumeDecay == 0 {
		st.VolumeDecay = 0.25
	}
	if st.ConvictionDecay == 0 {
		st.ConvictionDecay = 0.5
	}
	if st.DecayCycles == 0 {
		st.DecayCycles = 3
	}

	s := &c.Scheduler
	if s.OpenSeconds == 0 {
		s.OpenSeconds = 60
	}
	if s.ExtendedSeconds == 0 {
		s.ExtendedSeconds = 300
	}
	if s.OvernightSeconds == 0 {
		s.OvernightSeconds = 1800
	}
	if s.ClosedSeconds == 0 {
		s.ClosedSeconds = 3600
	}
	if s.ContinuousSeconds == 0 {
		s.ContinuousSeconds = 120
	}

	a := &c.Approval
	if a.TTLSeconds == 0 {
		a.TTLSeconds = 120
	}
	if a.Issuer == "" {
		a.Issuer = "signal-trader"
	}
	if a.SigningKeyEnv == "" {
		a.SigningKeyEnv = "APPROVAL_SIGNING_KEY"
	}

	if c.Advisor.MinConfidence == 0 {
		c.Advisor.MinConfidence = 0.6
	}

	st2 := &c.Store
	if st2.Driver == "" {
		st2.Driver = "file"
	}
	if st2.Path == "" {
		switch st2.Driver {
		case "sqlite":
			st2.Path = "data/trader.db"
		default:
			st2.Path = "data/trader_state.json"
		}
	}
	if st2.RedisPasswordEnv == "" {
		st2.RedisPasswordEnv = "REDIS_PASSWORD"
	}
	if st2.KeyPrefix == "" {
		st2.KeyPrefix = "trader"
	}
	if st2.ConsumedRetentionHours == 0 {
		st2.ConsumedRetentionHours = 72
	}

	if c.Paper.OutboxPath == "" {
		c.Paper.OutboxPath = "data/outbox.jsonl"
	}
	if c.Paper.StartingCash == 0 {
		c.Paper.StartingCash = 50000
	}
	if c.Paper.SlippageBpsMax == 0 {
		c.Paper.SlippageBpsMax = 5
	}
	if c.Paper.PendingOrderMaxAgeSeconds == 0 {
		c.Paper.PendingOrderMaxAgeSeconds = 900
	}

	if c.Calls.TimeoutMs == 0 {
		c.Calls.TimeoutMs = 5000
	}
	if c.Calls.RatePerSecond == 0 {
		c.Calls.RatePerSecond = 5
	}
	if c.Calls.Burst == 0 {
		c.Calls.Burst = 2
	}
}

func applyEnv(c *Root) {
	if v := os.Getenv("TRADING_MODE"); v != "" {
		c.TradingMode = v
	}
	if v := os.Getenv("KILL_SWITCH"); v != "" {
		c.KillSwitch = v == "true"
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	c.Approval.SigningKey = os.Getenv(c.Approval.SigningKeyEnv)
	c.Store.RedisPassword = os.Getenv(c.Store.RedisPasswordEnv)
}

var validOrderTypes = map[string]bool{"market": true, "limit": true, "stop": true, "stop_limit": true}

// Validate checks every constraint and reports all failures at once.
func (c Root) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch c.TradingMode {
	case "paper", "dry-run":
	default:
		add("trading_mode must be paper or dry-run, got %q", c.TradingMode)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		add("timezone %q: %v", c.Timezone, err)
	}
	for _, h := range c.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			add("holiday %q is not YYYY-MM-DD", h)
		}
	}

	p := c.Policy
	if p.MaxNotionalPerTrade <= 0 {
		add("policy.max_notional_per_trade must be > 0")
	}
	if p.MaxPositionFraction <= 0 || p.MaxPositionFraction > 1 {
		add("policy.max_position_fraction must be in (0,1]")
	}
	if p.PositionWarningMargin < 0 || p.PositionWarningMargin >= p.MaxPositionFraction {
		add("policy.position_warning_margin must be in [0, max_position_fraction)")
	}
	if p.MaxOpenPositions < 1 {
		add("policy.max_open_positions must be >= 1")
	}
	if p.DailyLossLimitFraction <= 0 || p.DailyLossLimitFraction > 1 {
		add("policy.daily_loss_limit_fraction must be in (0,1]")
	}
	if p.LossCooldownMinutes < 0 {
		add("policy.loss_cooldown_minutes must be >= 0")
	}
	for _, t := range p.AllowedOrderTypes {
		if !validOrderTypes[t] {
			add("policy.allowed_order_types: unknown order type %q", t)
		}
	}
	deny := map[string]bool{}
	for _, s := range p.DenySymbols {
		deny[strings.ToUpper(strings.TrimSpace(s))] = true
	}
	for _, s := range p.AllowSymbols {
		if deny[strings.ToUpper(strings.TrimSpace(s))] {
			add("symbol %q is on both allow_symbols and deny_symbols", s)
		}
	}

	if c.Aggregator.MinWeightedVolume < 0 {
		add("aggregator.min_weighted_volume must be >= 0")
	}
	for src, w := range c.Aggregator.SourceWeights {
		if w < 0 || w > 1 {
			add("aggregator.source_weights[%s] must be in [0,1]", src)
		}
	}

	e := c.Entry
	if e.BuyThreshold <= 0 || e.BuyThreshold > 1 {
		add("entry.buy_threshold must be in (0,1]")
	}
	if e.VeryPositive < e.BuyThreshold || e.VeryPositive > 1 {
		add("entry.very_positive must be in [buy_threshold,1]")
	}
	if e.VeryPositiveMultiplier < 1 {
		add("entry.very_positive_multiplier must be >= 1")
	}
	if e.MinSources < 1 {
		add("entry.min_sources must be >= 1")
	}
	if e.MaxNewPerCycle < 1 {
		add("entry.max_new_per_cycle must be >= 1")
	}
	if e.BaseNotional <= 0 {
		add("entry.base_notional must be > 0")
	}
	if e.QuantityPrecision < 0 || e.QuantityPrecision > 8 {
		add("entry.quantity_precision must be in [0,8]")
	}
	if !validOrderTypes[e.OrderType] {
		add("entry.order_type: unknown order type %q", e.OrderType)
	}
	switch e.TimeInForce {
	case "day", "gtc", "ioc":
	default:
		add("entry.time_in_force must be day, gtc or ioc")
	}
	switch e.AssetClass {
	case "us_equity", "crypto":
	default:
		add("entry.asset_class must be us_equity or crypto")
	}

	x := c.Exits
	if x.TakeProfitFraction < 0 {
		add("exits.take_profit_fraction must be >= 0")
	}
	if x.StopLossFraction < 0 || x.StopLossFraction >= 1 {
		add("exits.stop_loss_fraction must be in [0,1)")
	}
	if x.TrailingStopFraction < 0 || x.TrailingStopFraction >= 1 {
		add("exits.trailing_stop_fraction must be in [0,1)")
	}
	st := x.Staleness
	if st.MidHoldMinutes < 0 || st.MaxHoldMinutes < 0 || st.NoMentionMinutes < 0 {
		add("exits.staleness durations must be >= 0")
	}
	if st.MidHoldMinutes > 0 && st.MaxHoldMinutes > 0 && st.MidHoldMinutes > st.MaxHoldMinutes {
		add("exits.staleness.mid_hold_minutes must not exceed max_hold_minutes")
	}
	if st.VolumeDecay < 0 || st.VolumeDecay > 1 || st.ConvictionDecay < 0 || st.ConvictionDecay > 1 {
		add("exits.staleness decay fractions must be in [0,1]")
	}
	if st.DecayCycles < 1 {
		add("exits.staleness.decay_cycles must be >= 1")
	}

	s := c.Scheduler
	if s.OpenSeconds <= 0 || s.ExtendedSeconds <= 0 || s.OvernightSeconds <= 0 || s.ClosedSeconds <= 0 || s.ContinuousSeconds <= 0 {
		add("scheduler delays must be > 0")
	}
	if s.OpenSeconds > s.ExtendedSeconds || s.ExtendedSeconds > s.OvernightSeconds || s.OvernightSeconds > s.ClosedSeconds {
		add("scheduler delays must satisfy open <= extended <= overnight <= closed")
	}

	if c.Approval.TTLSeconds <= 0 || c.Approval.TTLSeconds > 3600 {
		add("approval.ttl_seconds must be in (0,3600]")
	}
	if len(c.Approval.SigningKey) < 32 {
		add("approval signing key from $%s must be at least 32 bytes", c.Approval.SigningKeyEnv)
	}

	if c.Advisor.MinConfidence < 0 || c.Advisor.MinConfidence > 1 {
		add("advisor.min_confidence must be in [0,1]")
	}

	switch c.Store.Driver {
	case "file", "sqlite":
		if c.Store.Path == "" {
			add("store.path is required for driver %s", c.Store.Driver)
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			add("store.redis_addr is required for driver redis")
		}
	default:
		add("store.driver must be file, sqlite or redis, got %q", c.Store.Driver)
	}
	if c.Store.ConsumedRetentionHours < 1 {
		add("store.consumed_retention_hours must be >= 1")
	}

	if c.Paper.StartingCash <= 0 {
		add("paper.starting_cash must be > 0")
	}
	if c.Paper.SlippageBpsMin < 0 || c.Paper.SlippageBpsMax < c.Paper.SlippageBpsMin {
		add("paper slippage bounds must satisfy 0 <= min <= max")
	}
	if c.Paper.PendingOrderMaxAgeSeconds < 0 {
		add("paper.pending_order_max_age_seconds must be > 0")
	}

	for i, src := range c.Sources {
		if src.Name == "" {
			add("sources[%d].name is required", i)
		}
		if src.Kind != "file" {
			add("sources[%d].kind must be file", i)
		}
		if src.Path == "" {
			add("sources[%d].path is required", i)
		}
	}

	if c.Calls.TimeoutMs <= 0 {
		add("calls.timeout_ms must be > 0")
	}
	if c.Calls.RatePerSecond <= 0 || c.Calls.Burst < 1 {
		add("calls.rate_per_second must be > 0 and calls.burst >= 1")
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}

// Location returns the trading-day timezone. Validate guarantees it loads.
func (c Root) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CallTimeout is the bound on any single collaborator call.
func (c Root) CallTimeout() time.Duration {
	return time.Duration(c.Calls.TimeoutMs) * time.Millisecond
}
