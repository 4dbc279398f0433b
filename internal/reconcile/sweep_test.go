package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"stbbot/internal/exchange"
	"stbbot/internal/model"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) ActiveBots(ctx context.Context) ([]model.BotConfig, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.BotConfig), args.Error(1)
}

func (m *MockRepository) BotConfig(ctx context.Context, id int64) (model.BotConfig, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.BotConfig), args.Error(1)
}

func (m *MockRepository) InsertOrder(ctx context.Context, order model.Order) error {
	args := m.Called(ctx, order)
	return args.Error(0)
}

func (m *MockRepository) MarkOrderExecuted(ctx context.Context, orderID string, price, filledSize float64) error {
	args := m.Called(ctx, orderID, price, filledSize)
	return args.Error(0)
}

func (m *MockRepository) TouchOrder(ctx context.Context, orderID string) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *MockRepository) OldestUnresolvedOrders(ctx context.Context, symbol, strategy string, limit int) ([]model.Order, error) {
	args := m.Called(ctx, symbol, strategy, limit)
	return args.Get(0).([]model.Order), args.Error(1)
}

func (m *MockRepository) CycleOrders(ctx context.Context, cycleID string) ([]model.Order, error) {
	args := m.Called(ctx, cycleID)
	return args.Get(0).([]model.Order), args.Error(1)
}

func (m *MockRepository) UpsertProfit(ctx context.Context, rec model.ProfitRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, size float64) (string, error) {
	args := m.Called(ctx, symbol, side, size)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, size, price float64) (string, error) {
	args := m.Called(ctx, symbol, side, size, price)
	return args.String(0), args.Error(1)
}

func (m *MockGateway) OrderStatus(ctx context.Context, orderID string) (exchange.OrderState, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).(exchange.OrderState), args.Error(1)
}

func testSweeper(repo *MockRepository, gw exchange.Gateway) *Sweeper {
	return &Sweeper{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		repo:   repo,
		dial: func(ctx context.Context, creds model.Credentials) (exchange.Gateway, error) {
			return gw, nil
		},
		interval:  time.Hour,
		batchSize: 5,
	}
}

func stbBot() model.BotConfig {
	return model.BotConfig{ID: 1, Symbol: "HONEY-USDT", Amount: 100, Strategy: model.SellThenBuy, Active: true}
}

func pendingSell(orderID, cycleID string, age time.Duration) model.Order {
	return model.Order{
		OrderID: orderID, CycleID: cycleID, Symbol: "HONEY-USDT",
		Side: model.SideSell, Status: model.StatusPending, Strategy: "STB",
		LastUpdated: time.Now().UTC().Add(-age),
	}
}

func TestSweeper_ConvergesStuckOrderAndFinalizesProfit(t *testing.T) {
	repo := new(MockRepository)
	gw := new(MockGateway)
	sweeper := testSweeper(repo, gw)

	stuck := pendingSell("sell-1", "cycle-1", 2*time.Hour)
	opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	repo.On("ActiveBots", mock.Anything).Return([]model.BotConfig{stbBot()}, nil).Once()
	repo.On("OldestUnresolvedOrders", mock.Anything, "HONEY-USDT", "STB", 5).
		Return([]model.Order{stuck}, nil).Once()
	gw.On("OrderStatus", mock.Anything, "sell-1").
		Return(exchange.OrderState{Status: "done", Size: 100, DealSize: 100, DealFunds: 200}, nil).Once()
	repo.On("MarkOrderExecuted", mock.Anything, "sell-1", 2.0, 100.0).Return(nil).Once()

	// After the update both legs of the cycle read back executed.
	repo.On("CycleOrders", mock.Anything, "cycle-1").Return([]model.Order{
		{OrderID: "sell-1", CycleID: "cycle-1", Symbol: "HONEY-USDT", Side: model.SideSell,
			Price: 2.0, FilledSize: 100, Status: model.StatusExecuted, LastUpdated: opened},
		{OrderID: "buy-1", CycleID: "cycle-1", Symbol: "HONEY-USDT", Side: model.SideBuy,
			Price: 1.9, FilledSize: 100, Status: model.StatusExecuted, LastUpdated: opened.Add(time.Hour)},
	}, nil).Once()

	var rec model.ProfitRecord
	repo.On("UpsertProfit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { rec = args.Get(1).(model.ProfitRecord) }).
		Return(nil).Once()

	sweeper.SweepOnce(context.Background())

	repo.AssertExpectations(t)
	gw.AssertExpectations(t)
	repo.AssertNumberOfCalls(t, "UpsertProfit", 1)

	assert.Equal(t, "cycle-1", rec.CycleID)
	assert.Equal(t, 2.0, rec.SellPrice)
	assert.Equal(t, 1.9, rec.BuyPrice)
	assert.InDelta(t, 5.0, rec.ProfitPercent, 1e-9)
	assert.InDelta(t, 10.0, rec.ProfitAbsolute, 1e-9)
	assert.Equal(t, time.Hour, rec.Duration)
}

func TestSweeper_UnfilledOrderIsRestamped(t *testing.T) {
	repo := new(MockRepository)
	gw := new(MockGateway)
	sweeper := testSweeper(repo, gw)

	repo.On("ActiveBots", mock.Anything).Return([]model.BotConfig{stbBot()}, nil).Once()
	repo.On("OldestUnresolvedOrders", mock.Anything, "HONEY-USDT", "STB", 5).
		Return([]model.Order{pendingSell("sell-1", "cycle-1", time.Hour)}, nil).Once()
	gw.On("OrderStatus", mock.Anything, "sell-1").
		Return(exchange.OrderState{Status: "open", Size: 100, DealSize: 0}, nil).Once()
	repo.On("TouchOrder", mock.Anything, "sell-1").Return(nil).Once()

	sweeper.SweepOnce(context.Background())

	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "MarkOrderExecuted")
	repo.AssertNotCalled(t, "UpsertProfit")
}

func TestSweeper_StatusFetchFailureLeavesOrderUntouched(t *testing.T) {
	repo := new(MockRepository)
	gw := new(MockGateway)
	sweeper := testSweeper(repo, gw)

	first := pendingSell("sell-1", "cycle-1", 2*time.Hour)
	second := pendingSell("sell-2", "cycle-2", time.Hour)

	repo.On("ActiveBots", mock.Anything).Return([]model.BotConfig{stbBot()}, nil).Once()
	repo.On("OldestUnresolvedOrders", mock.Anything, "HONEY-USDT", "STB", 5).
		Return([]model.Order{first, second}, nil).Once()

	gw.On("OrderStatus", mock.Anything, "sell-1").
		Return(exchange.OrderState{}, &exchange.TransientError{Err: errors.New("timeout")}).Once()
	gw.On("OrderStatus", mock.Anything, "sell-2").
		Return(exchange.OrderState{Status: "open", Size: 100}, nil).Once()
	repo.On("TouchOrder", mock.Anything, "sell-2").Return(nil).Once()

	sweeper.SweepOnce(context.Background())

	// The failed order is neither refreshed nor advanced; the next sweep
	// retries it. The rest of the batch still ran.
	repo.AssertExpectations(t)
	gw.AssertExpectations(t)
	repo.AssertNotCalled(t, "TouchOrder", mock.Anything, "sell-1")
}

func TestSweeper_BotFailureDoesNotAbortOthers(t *testing.T) {
	repo := new(MockRepository)
	gw := new(MockGateway)
	sweeper := testSweeper(repo, gw)
	sweeper.dial = func(ctx context.Context, creds model.Credentials) (exchange.Gateway, error) {
		if creds.Key == "bad" {
			return nil, &exchange.AuthError{Code: "400004", Msg: "invalid KC-API-KEY"}
		}
		return gw, nil
	}

	badBot := stbBot()
	badBot.Credentials.Key = "bad"
	goodBot := stbBot()
	goodBot.ID = 2
	goodBot.Symbol = "BTC-USDT"

	repo.On("ActiveBots", mock.Anything).Return([]model.BotConfig{badBot, goodBot}, nil).Once()
	repo.On("OldestUnresolvedOrders", mock.Anything, "BTC-USDT", "STB", 5).
		Return([]model.Order{}, nil).Once()

	sweeper.SweepOnce(context.Background())

	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "OldestUnresolvedOrders", mock.Anything, "HONEY-USDT", "STB", 5)
}

func TestSweeper_IncompleteCycleProducesNoProfit(t *testing.T) {
	repo := new(MockRepository)
	gw := new(MockGateway)
	sweeper := testSweeper(repo, gw)

	repo.On("ActiveBots", mock.Anything).Return([]model.BotConfig{stbBot()}, nil).Once()
	repo.On("OldestUnresolvedOrders", mock.Anything, "HONEY-USDT", "STB", 5).
		Return([]model.Order{pendingSell("sell-1", "cycle-1", time.Hour)}, nil).Once()
	gw.On("OrderStatus", mock.Anything, "sell-1").
		Return(exchange.OrderState{Status: "done", Size: 100, DealSize: 100, DealFunds: 200}, nil).Once()
	repo.On("MarkOrderExecuted", mock.Anything, "sell-1", 2.0, 100.0).Return(nil).Once()

	// Only the opening leg exists: the closing leg was never placed.
	repo.On("CycleOrders", mock.Anything, "cycle-1").Return([]model.Order{
		{OrderID: "sell-1", CycleID: "cycle-1", Side: model.SideSell,
			Price: 2.0, FilledSize: 100, Status: model.StatusExecuted},
	}, nil).Once()

	sweeper.SweepOnce(context.Background())

	repo.AssertExpectations(t)
	repo.AssertNotCalled(t, "UpsertProfit")
}

func TestSweeper_ProfitFinalizationIsIdempotent(t *testing.T) {
	repo := new(MockRepository)
	sweeper := testSweeper(repo, new(MockGateway))
	opened := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cycle := []model.Order{
		{OrderID: "sell-1", CycleID: "cycle-1", Symbol: "HONEY-USDT", Side: model.SideSell,
			Price: 2.0, FilledSize: 100, Status: model.StatusExecuted, LastUpdated: opened},
		{OrderID: "buy-1", CycleID: "cycle-1", Symbol: "HONEY-USDT", Side: model.SideBuy,
			Price: 1.9, FilledSize: 100, Status: model.StatusExecuted, LastUpdated: opened.Add(time.Hour)},
	}
	repo.On("CycleOrders", mock.Anything, "cycle-1").Return(cycle, nil).Twice()

	var recs []model.ProfitRecord
	repo.On("UpsertProfit", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { recs = append(recs, args.Get(1).(model.ProfitRecord)) }).
		Return(nil).Twice()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper.finalizeCycle(context.Background(), logger, model.SellThenBuy, "cycle-1")
	sweeper.finalizeCycle(context.Background(), logger, model.SellThenBuy, "cycle-1")

	repo.AssertExpectations(t)
	assert.Len(t, recs, 2)
	assert.Equal(t, recs[0], recs[1])
}
