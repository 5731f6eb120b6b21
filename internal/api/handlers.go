package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/coreexchange/internal/auth"
	"github.com/xtrntr/coreexchange/internal/core"
	"github.com/xtrntr/coreexchange/internal/models"
	"github.com/xtrntr/coreexchange/internal/submission"
	"github.com/xtrntr/coreexchange/internal/xerr"
)

type ctxKey string

const userIDKey ctxKey = "user_id"

// Handler exposes the core exchange over HTTP. It is a thin adapter:
// every handler does request decoding, a single Core call, and
// response encoding — no domain logic lives here.
type Handler struct {
	Core *core.Core
	Auth *auth.AuthService
}

// NewHandler creates a new handler.
func NewHandler(c *core.Core, authService *auth.AuthService) *Handler {
	return &Handler{Core: c, Auth: authService}
}

// Register handles user registration.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies the bearer token and attaches the caller's
// user ID to the request context.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.Auth.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFromContext(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value(userIDKey).(int64)
	return userID, ok
}

// writeDomainError maps a Kind-tagged core error to an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case xerr.Is(err, xerr.Validation):
		status = http.StatusBadRequest
	case xerr.Is(err, xerr.Authorization):
		status = http.StatusForbidden
	case xerr.Is(err, xerr.NotFound):
		status = http.StatusNotFound
	case xerr.Is(err, xerr.InsufficientFunds), xerr.Is(err, xerr.InsufficientShares):
		status = http.StatusUnprocessableEntity
	case xerr.Is(err, xerr.Conflict):
		status = http.StatusConflict
	case xerr.Is(err, xerr.Invariant):
		status = http.StatusInternalServerError
	default:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// PlaceOrder submits a new order.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Method     string `json:"method"`
		LimitPrice string `json:"limit_price,omitempty"`
		Quantity   int64  `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	in := submission.Input{
		UserID:   userID,
		Symbol:   req.Symbol,
		Side:     models.OrderSide(req.Side),
		Method:   models.OrderMethod(req.Method),
		Quantity: req.Quantity,
	}
	if req.LimitPrice != "" {
		price, err := decimal.NewFromString(req.LimitPrice)
		if err != nil {
			http.Error(w, `{"error": "Invalid limit price"}`, http.StatusBadRequest)
			return
		}
		in.LimitPrice = decimal.NewNullDecimal(price)
	}

	result, err := h.Core.SubmitOrder(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"order_id": result.OrderID,
		"status":   result.Status,
	})
}

// GetUserOrders retrieves the caller's orders.
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orders, err := h.Core.ListMyOrders(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	json.NewEncoder(w).Encode(orders)
}

// GetUserTrades retrieves the caller's trade history.
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	trades, err := h.Core.ListMyTrades(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	json.NewEncoder(w).Encode(trades)
}

// GetAccount retrieves the caller's cash position and holdings.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	account, positions, err := h.Core.GetAccount(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account":   account,
		"positions": positions,
	})
}

// GetCandles retrieves recent OHLCV candles for a symbol and period.
func (h *Handler) GetCandles(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	period := models.CandlePeriod(r.URL.Query().Get("period"))
	if period == "" {
		period = models.Period1m
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	candles, err := h.Core.GetCandles(r.Context(), symbol, period, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	json.NewEncoder(w).Encode(candles)
}

// CancelOrder cancels a non-terminal order owned by the caller.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.Core.CancelOrder(r.Context(), orderID, userID); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeDomainError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "Order canceled"})
}
