// Package config loads and validates the engine's YAML configuration.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/sevenquant/auto-trader/internal/broker"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid duration %q", v)
		}

		*d = Duration(parsed)
	case int:
		*d = Duration(v)
	default:
		return errors.Newf(errors.ErrCodeInvalidConfiguration, "invalid duration value %v", raw)
	}

	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SymbolConfig declares one monitored symbol and its timeframes.
type SymbolConfig struct {
	Symbol     string            `yaml:"symbol" json:"symbol" jsonschema:"title=Symbol,description=Ticker or trading pair to monitor" validate:"required"`
	Timeframes []types.Timeframe `yaml:"timeframes" json:"timeframes" jsonschema:"title=Timeframes,description=Bar timeframes to monitor for this symbol" validate:"required,min=1"`
}

// BreakerConfig tunes the order circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold" jsonschema:"title=Failure Threshold,description=Consecutive broker failures before the breaker opens,minimum=1" validate:"gte=1"`
	ResetTimeout     Duration `yaml:"reset_timeout" json:"reset_timeout" jsonschema:"title=Reset Timeout,description=How long the breaker stays open before a probe is allowed"`
}

// ExecutionConfig tunes order placement.
type ExecutionConfig struct {
	SimulationMode     bool     `yaml:"simulation_mode" json:"simulation_mode" jsonschema:"title=Simulation Mode,description=Fill orders internally instead of routing to a broker"`
	BrokerTimeout      Duration `yaml:"broker_timeout" json:"broker_timeout" jsonschema:"title=Broker Timeout,description=Deadline for a single broker call"`
	InitialBalance     float64  `yaml:"initial_balance" json:"initial_balance" jsonschema:"title=Initial Balance,description=Account balance used for position sizing,minimum=0" validate:"gte=0"`
	StatePath          string   `yaml:"state_path" json:"state_path" jsonschema:"title=State Path,description=DuckDB file for order state and audit trail; empty runs in memory"`
	StopLossPercent    float64  `yaml:"stop_loss_percent" json:"stop_loss_percent" jsonschema:"title=Stop Loss Percent,description=Default protective stop distance from entry,minimum=0" validate:"gte=0,lte=100"`
	TakeProfitPercent  float64  `yaml:"take_profit_percent" json:"take_profit_percent" jsonschema:"title=Take Profit Percent,description=Default profit target distance from entry,minimum=0" validate:"gte=0,lte=100"`
	MaxExposurePercent float64  `yaml:"max_exposure_percent" json:"max_exposure_percent" jsonschema:"title=Max Exposure Percent,description=Cap on notional exposure per order as a percentage of balance,minimum=0" validate:"gte=0,lte=100"`
}

// MarketDataConfig tunes the bar ingestion path.
type MarketDataConfig struct {
	BufferSize   int      `yaml:"buffer_size" json:"buffer_size" jsonschema:"title=Buffer Size,description=Historical bars retained per symbol and timeframe,minimum=1" validate:"gte=1"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval" jsonschema:"title=Poll Interval,description=How often the Binance kline endpoint is polled"`
}

// EngineConfig is the root configuration document.
type EngineConfig struct {
	Symbols    []SymbolConfig         `yaml:"symbols" json:"symbols" jsonschema:"title=Symbols,description=Symbols and timeframes to monitor" validate:"required,min=1,dive"`
	Functions  []types.FunctionConfig `yaml:"functions" json:"functions" jsonschema:"title=Functions,description=Execution functions to register" validate:"dive"`
	Breaker    BreakerConfig          `yaml:"breaker" json:"breaker" jsonschema:"title=Breaker,description=Circuit breaker settings"`
	Execution  ExecutionConfig        `yaml:"execution" json:"execution" jsonschema:"title=Execution,description=Order execution settings"`
	MarketData MarketDataConfig       `yaml:"market_data" json:"market_data" jsonschema:"title=Market Data,description=Bar ingestion settings"`
	Binance    broker.Config          `yaml:"binance" json:"binance" jsonschema:"title=Binance,description=Binance credentials and endpoints; ignored in simulation mode"`
}

// DefaultConfig returns a simulation-mode configuration with sane
// operational defaults and no symbols.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     Duration(60 * time.Second),
		},
		Execution: ExecutionConfig{
			SimulationMode:     true,
			BrokerTimeout:      Duration(5 * time.Second),
			InitialBalance:     100000,
			StopLossPercent:    5,
			TakeProfitPercent:  10,
			MaxExposurePercent: 25,
		},
		MarketData: MarketDataConfig{
			BufferSize:   200,
			PollInterval: Duration(5 * time.Second),
		},
	}
}

// Load reads and validates a YAML config file. Missing operational
// fields fall back to the defaults.
func Load(path string) (EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to read config file", err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes over the defaults and validates the
// result.
func Parse(data []byte) (EngineConfig, error) {
	config := DefaultConfig()

	if err := yaml.Unmarshal(data, &config); err != nil {
		return EngineConfig{}, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to parse config file", err)
	}

	if err := config.Validate(); err != nil {
		return EngineConfig{}, err
	}

	return config, nil
}

// Validate checks the document and every function entry.
func (c *EngineConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid engine config", err)
	}

	for i := range c.Functions {
		if err := c.Functions[i].Validate(); err != nil {
			return errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "invalid function config %q", c.Functions[i].Name)
		}
	}

	for _, symbol := range c.Symbols {
		for _, timeframe := range symbol.Timeframes {
			if !timeframe.IsValid() {
				return errors.Newf(errors.ErrCodeInvalidTimeframe, "invalid timeframe %q for symbol %s", string(timeframe), symbol.Symbol)
			}
		}
	}

	if !c.Execution.SimulationMode && c.Binance.APIKey == "" {
		return errors.New(errors.ErrCodeInvalidConfiguration, "binance credentials are required outside simulation mode")
	}

	return nil
}

// GenerateSchemaJSON emits a JSON schema for the config document, used
// by editors to validate config files.
func GenerateSchemaJSON() (string, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
	}

	schema := reflector.Reflect(&EngineConfig{})
	schema.Title = "auto-trader-engine-config"
	schema.Description = "Configuration schema for the execution engine"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schemaBytes, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}

	return string(schemaBytes), nil
}
