package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cimillas/storefront-core/internal/domain"
)

// OrderCanceller is the minimal interface needed to cancel an order.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID string) error
}

// HandleCancelOrder returns an HTTP handler for cancelling unpaid orders.
func HandleCancelOrder(svc OrderCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		orderID, ok := parseCancelOrderPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		if err := svc.Cancel(r.Context(), orderID); err != nil {
			switch err {
			case domain.ErrInvalidID:
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			case domain.ErrOrderNotFound:
				writeError(w, http.StatusNotFound, codeOrderNotFound, err.Error())
			case domain.ErrOrderNotCancellable:
				writeError(w, http.StatusConflict, codeOrderNotCancellable, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		resp := cancelOrderResponse{OrderID: orderID, Status: string(domain.OrderStatusClosed)}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// parseCancelOrderPath matches /orders/{id}/cancel and returns the id.
func parseCancelOrderPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 {
		return "", false
	}
	if parts[0] != "orders" || parts[2] != "cancel" {
		return "", false
	}
	if parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

type cancelOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}
