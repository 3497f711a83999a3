package risk

import (
	"testing"

	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type SizerTestSuite struct {
	suite.Suite
	sizer *Sizer
}

func TestSizerSuite(t *testing.T) {
	suite.Run(t, new(SizerTestSuite))
}

func (suite *SizerTestSuite) SetupTest() {
	suite.sizer = NewSizer(DefaultConfig(), logger.NewNopLogger())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (suite *SizerTestSuite) TestRiskBasedSizing() {
	// 1% of 100k = 1000 risked; 5.00 stop distance -> 200 shares
	shares, err := suite.sizer.Shares(d("100000"), d("100"), d("95"), types.RiskCategoryNormal)
	suite.NoError(err)
	suite.Equal(int64(200), shares)
}

func (suite *SizerTestSuite) TestCategoryScalesRisk() {
	small, err := suite.sizer.Shares(d("100000"), d("100"), d("95"), types.RiskCategorySmall)
	suite.NoError(err)

	large, err := suite.sizer.Shares(d("100000"), d("100"), d("95"), types.RiskCategoryLarge)
	suite.NoError(err)

	suite.Equal(int64(100), small)
	suite.Equal(int64(250), large, "large sizing hits the 25%% exposure cap")
}

func (suite *SizerTestSuite) TestExposureCapBindsTightStops() {
	// 2.5 cent stop would allow 40000 shares; the 25% cap limits it
	shares, err := suite.sizer.Shares(d("100000"), d("100"), d("99.975"), types.RiskCategoryNormal)
	suite.NoError(err)
	suite.Equal(int64(250), shares)
}

func (suite *SizerTestSuite) TestNoStopFallsBackToCap() {
	shares, err := suite.sizer.Shares(d("100000"), d("100"), decimal.Zero, types.RiskCategoryNormal)
	suite.NoError(err)
	suite.Equal(int64(250), shares)
}

func (suite *SizerTestSuite) TestRejectsNonPositiveInputs() {
	_, err := suite.sizer.Shares(decimal.Zero, d("100"), d("95"), types.RiskCategoryNormal)
	suite.Error(err)

	_, err = suite.sizer.Shares(d("100000"), decimal.Zero, d("95"), types.RiskCategoryNormal)
	suite.Error(err)

	_, err = suite.sizer.Shares(d("100000"), d("100"), d("95"), types.RiskCategory("HUGE"))
	suite.Error(err)
}
