package registry

import (
	"testing"

	"github.com/sevenquant/auto-trader/internal/engine/fn"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	suite.Suite
	registry *Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (suite *RegistryTestSuite) SetupTest() {
	suite.registry = NewDefaultRegistry(fn.Deps{Logger: logger.NewNopLogger()}, logger.NewNopLogger())
}

func config(name, functionType string, timeframe types.Timeframe, params map[string]any) types.FunctionConfig {
	return types.FunctionConfig{
		Name:         name,
		FunctionType: functionType,
		Timeframe:    timeframe,
		Parameters:   params,
		Enabled:      true,
		LookbackBars: 20,
	}
}

func (suite *RegistryTestSuite) TestBuiltInTypesRegistered() {
	suite.ElementsMatch(
		[]string{fn.TypeCloseAbove, fn.TypeCloseBelow, fn.TypeTrailingStop},
		suite.registry.RegisteredTypes(),
	)
}

func (suite *RegistryTestSuite) TestRegisterDuplicateTypeFails() {
	err := suite.registry.Register(fn.TypeCloseAbove, func(config types.FunctionConfig, deps fn.Deps) (fn.Function, error) {
		return fn.NewCloseAbove(config, deps)
	})
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeFunctionAlreadyExists))
}

func (suite *RegistryTestSuite) TestCreateAndGetFunction() {
	created, err := suite.registry.CreateFunction(config(
		"aapl_breakout", fn.TypeCloseAbove, types.Timeframe15Min,
		map[string]any{"threshold_price": 180.0},
	))
	suite.Require().NoError(err)
	suite.Equal("aapl_breakout", created.Name())

	got, err := suite.registry.GetFunction("aapl_breakout")
	suite.NoError(err)
	suite.Same(created, got)
	suite.Equal(1, suite.registry.Count())
}

func (suite *RegistryTestSuite) TestCreateDuplicateNameRejected() {
	_, err := suite.registry.CreateFunction(config(
		"aapl_breakout", fn.TypeCloseAbove, types.Timeframe15Min,
		map[string]any{"threshold_price": 180.0},
	))
	suite.Require().NoError(err)

	_, err = suite.registry.CreateFunction(config(
		"aapl_breakout", fn.TypeCloseBelow, types.Timeframe5Min,
		map[string]any{"threshold_price": 175.0},
	))
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeFunctionAlreadyExists))
	suite.Contains(err.Error(), "aapl_breakout")
	suite.Equal(1, suite.registry.Count())
}

func (suite *RegistryTestSuite) TestCreateUnknownTypeFails() {
	_, err := suite.registry.CreateFunction(config(
		"mystery", "fibonacci_wave", types.Timeframe1Min,
		map[string]any{},
	))
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeFunctionNotFound))
}

func (suite *RegistryTestSuite) TestCreateInvalidConfigFails() {
	cfg := config("", fn.TypeCloseAbove, types.Timeframe1Min, map[string]any{"threshold_price": 180.0})

	_, err := suite.registry.CreateFunction(cfg)
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func (suite *RegistryTestSuite) TestCreateInvalidParamsFails() {
	_, err := suite.registry.CreateFunction(config(
		"bad_params", fn.TypeCloseAbove, types.Timeframe1Min,
		map[string]any{"threshold_price": -5.0},
	))
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
}

func (suite *RegistryTestSuite) TestGetFunctionNotFound() {
	_, err := suite.registry.GetFunction("nope")
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeFunctionNotFound))
}

func (suite *RegistryTestSuite) TestGetFunctionsByTimeframe() {
	_, err := suite.registry.CreateFunction(config(
		"breakout_15m", fn.TypeCloseAbove, types.Timeframe15Min,
		map[string]any{"threshold_price": 180.0},
	))
	suite.Require().NoError(err)

	_, err = suite.registry.CreateFunction(config(
		"stop_15m", fn.TypeCloseBelow, types.Timeframe15Min,
		map[string]any{"threshold_price": 175.0},
	))
	suite.Require().NoError(err)

	_, err = suite.registry.CreateFunction(config(
		"trail_1h", fn.TypeTrailingStop, types.Timeframe1Hour,
		map[string]any{"trail_percentage": 2.0},
	))
	suite.Require().NoError(err)

	fifteen := suite.registry.GetFunctionsByTimeframe(types.Timeframe15Min)
	suite.Len(fifteen, 2)

	hourly := suite.registry.GetFunctionsByTimeframe(types.Timeframe1Hour)
	suite.Len(hourly, 1)
	suite.Equal("trail_1h", hourly[0].Name())

	suite.Empty(suite.registry.GetFunctionsByTimeframe(types.Timeframe1Day))
}

func (suite *RegistryTestSuite) TestTimeframeIndexIsACopy() {
	_, err := suite.registry.CreateFunction(config(
		"breakout_15m", fn.TypeCloseAbove, types.Timeframe15Min,
		map[string]any{"threshold_price": 180.0},
	))
	suite.Require().NoError(err)

	functions := suite.registry.GetFunctionsByTimeframe(types.Timeframe15Min)
	functions[0] = nil

	suite.NotNil(suite.registry.GetFunctionsByTimeframe(types.Timeframe15Min)[0])
}

func (suite *RegistryTestSuite) TestRemoveFunction() {
	_, err := suite.registry.CreateFunction(config(
		"breakout_15m", fn.TypeCloseAbove, types.Timeframe15Min,
		map[string]any{"threshold_price": 180.0},
	))
	suite.Require().NoError(err)

	suite.NoError(suite.registry.RemoveFunction("breakout_15m"))
	suite.Equal(0, suite.registry.Count())
	suite.Empty(suite.registry.GetFunctionsByTimeframe(types.Timeframe15Min))

	err = suite.registry.RemoveFunction("breakout_15m")
	suite.True(errors.HasCode(err, errors.ErrCodeFunctionNotFound))
}

func (suite *RegistryTestSuite) TestClearAll() {
	_, err := suite.registry.CreateFunction(config(
		"breakout_15m", fn.TypeCloseAbove, types.Timeframe15Min,
		map[string]any{"threshold_price": 180.0},
	))
	suite.Require().NoError(err)

	suite.registry.ClearAll()
	suite.Equal(0, suite.registry.Count())
	suite.Empty(suite.registry.GetFunctionsByTimeframe(types.Timeframe15Min))

	// Types survive a clear
	_, err = suite.registry.CreateFunction(config(
		"breakout_15m", fn.TypeCloseAbove, types.Timeframe15Min,
		map[string]any{"threshold_price": 180.0},
	))
	suite.NoError(err)
}
