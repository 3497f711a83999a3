// Package marketstream feeds minute bars into the execution engine,
// either polled live from Binance or replayed from a recorded slice.
package marketstream

import (
	"context"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BarHandler receives each completed minute bar.
type BarHandler func(ctx context.Context, bar types.Bar) error

// KlinesService mirrors the Binance kline query builder.
type KlinesService interface {
	Symbol(symbol string) KlinesService
	Interval(interval string) KlinesService
	Limit(limit int) KlinesService
	Do(ctx context.Context) ([]*binance.Kline, error)
}

// KlineClient abstracts the Binance client for testing.
type KlineClient interface {
	NewKlinesService() KlinesService
}

type realKlineClient struct {
	client *binance.Client
}

func (r *realKlineClient) NewKlinesService() KlinesService {
	return &realKlinesService{service: r.client.NewKlinesService()}
}

type realKlinesService struct {
	service *binance.KlinesService
}

func (s *realKlinesService) Symbol(symbol string) KlinesService {
	s.service = s.service.Symbol(symbol)

	return s
}

func (s *realKlinesService) Interval(interval string) KlinesService {
	s.service = s.service.Interval(interval)

	return s
}

func (s *realKlinesService) Limit(limit int) KlinesService {
	s.service = s.service.Limit(limit)

	return s
}

func (s *realKlinesService) Do(ctx context.Context) ([]*binance.Kline, error) {
	return s.service.Do(ctx)
}

// BinanceStream polls Binance spot klines and forwards each newly
// completed minute bar to the handler. The in-progress kline is always
// skipped; only closed bars reach the engine.
type BinanceStream struct {
	client       Client
	symbols      []string
	pollInterval time.Duration
	handler      BarHandler
	logger       *logger.Logger

	mu       sync.Mutex
	lastOpen map[string]int64
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
}

// Client is the subset of the Binance client the stream needs.
type Client = KlineClient

// NewBinanceStream builds a stream over the public kline endpoint.
// No credentials are needed for market data.
func NewBinanceStream(symbols []string, pollInterval time.Duration, handler BarHandler, log *logger.Logger) *BinanceStream {
	return newBinanceStreamWithClient(&realKlineClient{client: binance.NewClient("", "")}, symbols, pollInterval, handler, log)
}

func newBinanceStreamWithClient(client Client, symbols []string, pollInterval time.Duration, handler BarHandler, log *logger.Logger) *BinanceStream {
	if log == nil {
		log = logger.NewNopLogger()
	}

	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}

	return &BinanceStream{
		client:       client,
		symbols:      symbols,
		pollInterval: pollInterval,
		handler:      handler,
		logger:       log,
		lastOpen:     make(map[string]int64),
	}
}

// Start begins polling. Safe to call once; returns an error if already
// running or no handler is configured.
func (s *BinanceStream) Start(ctx context.Context) error {
	if s.handler == nil {
		return errors.New(errors.ErrCodeInvalidConfiguration, "bar handler is not configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New(errors.ErrCodeInvalidConfiguration, "stream already started")
	}

	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)

	return nil
}

// Stop halts polling and waits for the poll loop to exit.
func (s *BinanceStream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	s.wg.Wait()
}

func (s *BinanceStream) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.pollAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAll(ctx)
		}
	}
}

func (s *BinanceStream) pollAll(ctx context.Context) {
	for _, symbol := range s.symbols {
		if err := s.poll(ctx, symbol); err != nil {
			s.logger.Warn("kline poll failed",
				zap.String("symbol", symbol),
				zap.Error(err),
			)
		}
	}
}

func (s *BinanceStream) poll(ctx context.Context, symbol string) error {
	klines, err := s.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		Limit(2).
		Do(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeMarketDataFetchFailed, "failed to fetch klines from Binance", err)
	}

	// The last kline is still forming; the one before it is closed.
	if len(klines) < 2 {
		return nil
	}

	closed := klines[len(klines)-2]

	s.mu.Lock()
	seen := s.lastOpen[symbol] == closed.OpenTime
	if !seen {
		s.lastOpen[symbol] = closed.OpenTime
	}
	s.mu.Unlock()

	if seen {
		return nil
	}

	bar, err := barFromKline(symbol, closed)
	if err != nil {
		return err
	}

	if err := s.handler(ctx, bar); err != nil {
		return errors.Wrapf(errors.ErrCodeCallbackFailed, err, "bar handler rejected %s bar", symbol)
	}

	return nil
}

func barFromKline(symbol string, kline *binance.Kline) (types.Bar, error) {
	open, err := decimal.NewFromString(kline.Open)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeMarketDataParseFailed, "invalid open price in kline", err)
	}

	high, err := decimal.NewFromString(kline.High)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeMarketDataParseFailed, "invalid high price in kline", err)
	}

	low, err := decimal.NewFromString(kline.Low)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeMarketDataParseFailed, "invalid low price in kline", err)
	}

	closePrice, err := decimal.NewFromString(kline.Close)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeMarketDataParseFailed, "invalid close price in kline", err)
	}

	volume, err := decimal.NewFromString(kline.Volume)
	if err != nil {
		return types.Bar{}, errors.Wrap(errors.ErrCodeMarketDataParseFailed, "invalid volume in kline", err)
	}

	// Bar timestamps are close times; a 1-minute kline closes one minute
	// after it opens.
	return types.Bar{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(kline.OpenTime).UTC().Add(time.Minute),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume.IntPart(),
		Timeframe: types.Timeframe1Min,
	}, nil
}

// ReplaySource pushes a recorded slice of bars through the handler in
// order, used for simulation runs and tests.
type ReplaySource struct {
	bars    []types.Bar
	handler BarHandler
	logger  *logger.Logger
}

// NewReplaySource builds a replay over pre-recorded bars.
func NewReplaySource(bars []types.Bar, handler BarHandler, log *logger.Logger) *ReplaySource {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &ReplaySource{bars: bars, handler: handler, logger: log}
}

// Run replays every bar, stopping early if the context is cancelled.
// Handler errors are logged and skipped so one bad bar does not end
// the replay.
func (r *ReplaySource) Run(ctx context.Context) error {
	if r.handler == nil {
		return errors.New(errors.ErrCodeInvalidConfiguration, "bar handler is not configured")
	}

	for _, bar := range r.bars {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.handler(ctx, bar); err != nil {
			r.logger.Warn("replay bar rejected",
				zap.String("symbol", bar.Symbol),
				zap.Time("timestamp", bar.Timestamp),
				zap.Error(err),
			)
		}
	}

	return nil
}
