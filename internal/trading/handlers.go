package trading

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-router/internal/auth"
	"github.com/ksred/klear-router/internal/exposure"
	"github.com/ksred/klear-router/internal/types"
	"github.com/ksred/klear-router/pkg/response"
)

// Exposure returns the cached positions of an account.
func (s *Service) Exposure(account string) []exposure.Position {
	return s.cache.AccountPositions(account)
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func clientIDFrom(c *gin.Context) (string, bool) {
	claims, exists := c.Get("claims")
	if !exists {
		response.Unauthorized(c, "Missing authentication claims")
		return "", false
	}
	clientID := auth.GetClientID(claims)
	if clientID == "" {
		response.Unauthorized(c, "Invalid client ID in token")
		return "", false
	}
	return clientID, true
}

// CreateOrderHandler handles POST requests to create new orders
// Requires a valid JWT token and idempotency key in headers
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := clientIDFrom(c)
		if !ok {
			return
		}

		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, err.Error())
			return
		}
		req.Account = clientID
		req.ClientOrderKey = idempotencyKey

		order, replayed, err := h.service.Submit(c.Request.Context(), req)
		if errors.Is(err, ErrInvalidRequest) {
			response.ValidationFailed(c, err.Error())
			return
		}
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		body := types.SubmitResponse{Order: order, Replayed: replayed}
		switch {
		case order.Status == types.StatusRejected:
			response.Rejected(c, body, string(order.RejectCode), order.RejectReason)
		case replayed:
			c.JSON(http.StatusOK, response.Response{Success: true, Data: body})
		default:
			response.Success(c, body)
		}
	}
}

// GetOrderStatusHandler handles GET requests to retrieve order status
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := clientIDFrom(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID)
		if err != nil || order.Account != clientID {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

// ListOrdersHandler handles GET requests listing the caller's orders.
// Query parameters: status, limit
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := clientIDFrom(c)
		if !ok {
			return
		}

		limit := 100
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = n
		}

		orders, err := h.service.ListOrders(clientID, types.OrderStatus(c.Query("status")), limit)
		response.Handle(c, orders, err)
	}
}

// CancelOrderHandler handles DELETE requests cancelling an order
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID, ok := clientIDFrom(c)
		if !ok {
			return
		}

		orderID := c.Param("order_id")
		order, err := h.service.GetOrder(orderID)
		if err != nil || order.Account != clientID {
			response.NotFound(c, "Order not found")
			return
		}

		outcome, order, err := h.service.Cancel(c.Request.Context(), orderID)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, types.CancelResponse{
			OrderID: orderID,
			Outcome: outcome,
			Order:   order,
		})
	}
}

// ExposureHandler returns the cached positions of an account.
// URL parameter: account
func (h *GinHandlers) ExposureHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Exposure(c.Param("account")))
	}
}
