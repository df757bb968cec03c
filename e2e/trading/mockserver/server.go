// Package mockserver provides a mock Binance spot server for end-to-end
// adapter tests, plus a websocket bar feed used to drive paper sessions.
// Order matching is deterministic: market orders fill at the current mark
// price, resting orders fill when SetPrice crosses them.
package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rxtech-lab/gapflow/internal/types"
)

// Order is the server-side state of one submitted order.
type Order struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          string
	Type          string
	Price         float64
	StopPrice     float64
	OrigQty       float64
	ExecutedQty   float64
	CumQuote      float64
	Status        string
	Created       time.Time
	Updated       time.Time
}

// MockBinanceServer mimics the subset of the Binance spot REST API the
// execution adapter talks to.
type MockBinanceServer struct {
	mu sync.RWMutex

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	orders     map[string]*Order
	orderIDSeq int64
	prices     map[string]float64

	wsMu          sync.Mutex
	wsConnections map[*websocket.Conn]bool
}

// NewMockBinanceServer creates a stopped server. Call Start to bind it.
func NewMockBinanceServer() *MockBinanceServer {
	return &MockBinanceServer{
		upgrader:      websocket.Upgrader{},
		orders:        make(map[string]*Order),
		prices:        make(map[string]float64),
		wsConnections: make(map[*websocket.Conn]bool),
	}
}

// Start binds the server to an ephemeral port and returns its base URL.
func (s *MockBinanceServer) Start() (string, error) {
	router := mux.NewRouter()
	router.HandleFunc("/api/v3/order", s.handleCreateOrder).Methods(http.MethodPost)
	router.HandleFunc("/api/v3/order", s.handleGetOrder).Methods(http.MethodGet)
	router.HandleFunc("/api/v3/order", s.handleCancelOrder).Methods(http.MethodDelete)
	router.HandleFunc("/ws/bars", s.handleBarStream)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: router}

	go func() {
		_ = s.httpServer.Serve(listener)
	}()

	return "http://" + listener.Addr().String(), nil
}

// URL returns the base URL of a started server.
func (s *MockBinanceServer) URL() string {
	return "http://" + s.listener.Addr().String()
}

// WebSocketURL returns the bar stream endpoint of a started server.
func (s *MockBinanceServer) WebSocketURL() string {
	return "ws://" + s.listener.Addr().String() + "/ws/bars"
}

// Stop shuts the server down and closes every streaming connection.
func (s *MockBinanceServer) Stop() error {
	s.wsMu.Lock()
	for conn := range s.wsConnections {
		_ = conn.Close()
	}

	s.wsConnections = make(map[*websocket.Conn]bool)
	s.wsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// SetPrice sets the mark price for a symbol and runs the matching pass, so
// resting stop and limit orders can fill.
func (s *MockBinanceServer) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[symbol] = price

	for _, order := range s.orders {
		if order.Symbol != symbol || order.Status != "NEW" {
			continue
		}

		if fillPrice, ok := crossed(order, price); ok {
			fillLocked(order, fillPrice)
		}
	}
}

// OpenOrders returns the client order IDs of every NEW order, for test
// assertions.
func (s *MockBinanceServer) OpenOrders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string

	for id, order := range s.orders {
		if order.Status == "NEW" {
			ids = append(ids, id)
		}
	}

	return ids
}

// PushBar broadcasts a bar to every connected stream client.
func (s *MockBinanceServer) PushBar(bar types.Bar) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	for conn := range s.wsConnections {
		if err := conn.WriteJSON(bar); err != nil {
			_ = conn.Close()
			delete(s.wsConnections, conn)
		}
	}
}

// crossed reports whether the mark price fills the resting order, and at
// what price. Stops fill at the stop price, limits at the limit price.
func crossed(order *Order, price float64) (float64, bool) {
	switch order.Type {
	case "STOP_LOSS_LIMIT":
		if order.Side == "SELL" && price <= order.StopPrice {
			return order.StopPrice, true
		}

		if order.Side == "BUY" && price >= order.StopPrice {
			return order.StopPrice, true
		}
	case "LIMIT":
		if order.Side == "SELL" && price >= order.Price {
			return order.Price, true
		}

		if order.Side == "BUY" && price <= order.Price {
			return order.Price, true
		}
	}

	return 0, false
}

func fillLocked(order *Order, price float64) {
	order.ExecutedQty = order.OrigQty
	order.CumQuote = order.OrigQty * price
	order.Status = "FILLED"
	order.Updated = time.Now()
}

func (s *MockBinanceServer) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, -1100, "malformed request")

		return
	}

	symbol := r.Form.Get("symbol")
	clientOrderID := r.Form.Get("newClientOrderId")
	side := r.Form.Get("side")
	orderType := r.Form.Get("type")
	quantity, _ := strconv.ParseFloat(r.Form.Get("quantity"), 64)
	price, _ := strconv.ParseFloat(r.Form.Get("price"), 64)
	stopPrice, _ := strconv.ParseFloat(r.Form.Get("stopPrice"), 64)

	if symbol == "" || side == "" || orderType == "" || quantity <= 0 {
		writeError(w, http.StatusBadRequest, -1102, "mandatory parameter missing")

		return
	}

	s.mu.Lock()

	if _, exists := s.orders[clientOrderID]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusBadRequest, -2010, "duplicate order sent")

		return
	}

	s.orderIDSeq++

	order := &Order{
		Symbol:        symbol,
		OrderID:       s.orderIDSeq,
		ClientOrderID: clientOrderID,
		Side:          side,
		Type:          orderType,
		Price:         price,
		StopPrice:     stopPrice,
		OrigQty:       quantity,
		Status:        "NEW",
		Created:       time.Now(),
		Updated:       time.Now(),
	}

	if orderType == "MARKET" {
		mark, ok := s.prices[symbol]
		if !ok {
			s.mu.Unlock()
			writeError(w, http.StatusBadRequest, -2010, "no mark price for symbol")

			return
		}

		fillLocked(order, mark)
	}

	s.orders[clientOrderID] = order
	response := orderJSON(order)
	s.mu.Unlock()

	writeJSON(w, response)
}

func (s *MockBinanceServer) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	clientOrderID := r.URL.Query().Get("origClientOrderId")

	s.mu.RLock()
	order, ok := s.orders[clientOrderID]

	var response map[string]any
	if ok {
		response = orderJSON(order)
	}
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusBadRequest, -2013, "order does not exist")

		return
	}

	writeJSON(w, response)
}

func (s *MockBinanceServer) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, -1100, "malformed request")

		return
	}

	clientOrderID := r.Form.Get("origClientOrderId")
	if clientOrderID == "" {
		// ParseForm only reads the body for POST/PUT/PATCH; the Binance
		// client sends DELETE params form-encoded in the body.
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, -1100, "malformed request")

			return
		}

		values, err := url.ParseQuery(string(body))
		if err != nil {
			writeError(w, http.StatusBadRequest, -1100, "malformed request")

			return
		}

		clientOrderID = values.Get("origClientOrderId")
	}

	s.mu.Lock()
	order, ok := s.orders[clientOrderID]

	var response map[string]any

	if ok {
		if order.Status == "NEW" {
			order.Status = "CANCELED"
			order.Updated = time.Now()
		}

		response = orderJSON(order)
		response["origClientOrderId"] = clientOrderID
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusBadRequest, -2011, "unknown order sent")

		return
	}

	writeJSON(w, response)
}

// handleBarStream upgrades the connection and registers it for PushBar
// broadcasts.
func (s *MockBinanceServer) handleBarStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.wsMu.Lock()
	s.wsConnections[conn] = true
	s.wsMu.Unlock()
}

func orderJSON(order *Order) map[string]any {
	return map[string]any{
		"symbol":              order.Symbol,
		"orderId":             order.OrderID,
		"clientOrderId":       order.ClientOrderID,
		"transactTime":        order.Created.UnixMilli(),
		"time":                order.Created.UnixMilli(),
		"updateTime":          order.Updated.UnixMilli(),
		"price":               strconv.FormatFloat(order.Price, 'f', -1, 64),
		"stopPrice":           strconv.FormatFloat(order.StopPrice, 'f', -1, 64),
		"origQty":             strconv.FormatFloat(order.OrigQty, 'f', -1, 64),
		"executedQty":         strconv.FormatFloat(order.ExecutedQty, 'f', -1, 64),
		"cummulativeQuoteQty": strconv.FormatFloat(order.CumQuote, 'f', -1, 64),
		"status":              order.Status,
		"timeInForce":         "GTC",
		"type":                order.Type,
		"side":                order.Side,
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code": code,
		"msg":  message,
	})
}
