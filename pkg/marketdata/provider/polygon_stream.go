package provider

import (
	"context"
	"fmt"
	"iter"
	"time"

	polygonws "github.com/polygon-io/client-go/websocket"
	wsmodels "github.com/polygon-io/client-go/websocket/models"

	"github.com/rxtech-lab/gapflow/internal/types"
)

// PolygonWebSocketService abstracts the Polygon WebSocket client for testing.
type PolygonWebSocketService interface {
	Connect() error
	Subscribe(topic polygonws.Topic, tickers ...string) error
	Unsubscribe(topic polygonws.Topic, tickers ...string) error
	Output() <-chan any
	Error() <-chan error
	Close()
}

// realPolygonWebSocket wraps the actual polygonws.Client.
type realPolygonWebSocket struct {
	client *polygonws.Client
}

func (r *realPolygonWebSocket) Connect() error {
	return r.client.Connect()
}

func (r *realPolygonWebSocket) Subscribe(topic polygonws.Topic, tickers ...string) error {
	return r.client.Subscribe(topic, tickers...)
}

func (r *realPolygonWebSocket) Unsubscribe(topic polygonws.Topic, tickers ...string) error {
	return r.client.Unsubscribe(topic, tickers...)
}

func (r *realPolygonWebSocket) Output() <-chan any {
	return r.client.Output()
}

func (r *realPolygonWebSocket) Error() <-chan error {
	return r.client.Error()
}

func (r *realPolygonWebSocket) Close() {
	r.client.Close()
}

// Stream yields minute aggregates for the given symbols until the context is
// cancelled or the connection fails. Non-aggregate events are skipped.
func (c *PolygonClient) Stream(ctx context.Context, symbols []string, interval string) iter.Seq2[types.Bar, error] {
	return func(yield func(types.Bar, error) bool) {
		ws := c.ws
		if ws == nil {
			client, err := polygonws.New(polygonws.Config{
				APIKey: c.apiKey,
				Feed:   polygonws.RealTime,
				Market: polygonws.Stocks,
			})
			if err != nil {
				yield(types.Bar{}, fmt.Errorf("failed to create polygon websocket client: %w", err))

				return
			}

			ws = &realPolygonWebSocket{client: client}
		}

		if err := ws.Connect(); err != nil {
			yield(types.Bar{}, fmt.Errorf("failed to connect to polygon websocket: %w", err))

			return
		}

		defer ws.Close()

		if err := ws.Subscribe(polygonws.StocksMinAggs, symbols...); err != nil {
			yield(types.Bar{}, fmt.Errorf("failed to subscribe: %w", err))

			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-ws.Error():
				if !ok {
					return
				}

				if !yield(types.Bar{}, err) {
					return
				}
			case event, ok := <-ws.Output():
				if !ok {
					return
				}

				agg, isAgg := event.(wsmodels.EquityAgg)
				if !isAgg {
					continue
				}

				bar := types.Bar{
					Symbol:        agg.Symbol,
					IntervalStart: time.UnixMilli(agg.StartTimestamp),
					Open:          agg.Open,
					High:          agg.High,
					Low:           agg.Low,
					Close:         agg.Close,
					Volume:        agg.Volume,
				}

				if !yield(bar, nil) {
					return
				}
			}
		}
	}
}
