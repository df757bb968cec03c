package provider

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/polygon-io/client-go/rest/models"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/rxtech-lab/gapflow/mocks"
)

// PolygonClientTestSuite covers the download plumbing that runs before any
// network call is made.
type PolygonClientTestSuite struct {
	suite.Suite
	ctx   context.Context
	start time.Time
	end   time.Time
}

// SetupTest runs before each test
func (suite *PolygonClientTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.start = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	suite.end = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
}

// TestPolygonClientSuite runs the test suite
func TestPolygonClientSuite(t *testing.T) {
	suite.Run(t, new(PolygonClientTestSuite))
}

func (suite *PolygonClientTestSuite) TestNewMarketDataProviderRejectsUnknownType() {
	_, err := NewMarketDataProvider("alpaca", "key")
	suite.Require().Error(err)
	suite.Contains(err.Error(), "unsupported market data provider")
}

func (suite *PolygonClientTestSuite) TestNewMarketDataProviderRequiresStringConfig() {
	_, err := NewMarketDataProvider(ProviderPolygon, 42)
	suite.Require().Error(err)
	suite.Contains(err.Error(), "API key")
}

func (suite *PolygonClientTestSuite) TestNewPolygonClientRequiresAPIKey() {
	_, err := NewPolygonClient("")
	suite.Require().Error(err)
}

// TestDownloadRequiresWriter verifies a download without a configured writer
// fails before reaching the network.
func (suite *PolygonClientTestSuite) TestDownloadRequiresWriter() {
	client, err := NewPolygonClient("test-key")
	suite.Require().NoError(err)

	_, err = client.Download(suite.ctx, "GAP", suite.start, suite.end, 5, models.Minute, func(float64, float64, string) {})
	suite.Require().Error(err)
	suite.Contains(err.Error(), "no writer configured")
}

// TestDownloadFailsWhenWriterInitializeFails verifies a writer that cannot
// open its store aborts the download before any request is issued.
func (suite *PolygonClientTestSuite) TestDownloadFailsWhenWriterInitializeFails() {
	ctrl := gomock.NewController(suite.T())

	w := mocks.NewMockBarWriter(ctrl)
	w.EXPECT().Initialize().Return(fmt.Errorf("database locked"))

	client, err := NewPolygonClient("test-key")
	suite.Require().NoError(err)
	client.ConfigWriter(w)

	_, err = client.Download(suite.ctx, "GAP", suite.start, suite.end, 5, models.Minute, func(float64, float64, string) {})
	suite.Require().Error(err)
	suite.Contains(err.Error(), "failed to initialize writer")
}
