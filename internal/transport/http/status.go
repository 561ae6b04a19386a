package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cimillas/storefront-core/internal/app"
	"github.com/cimillas/storefront-core/internal/domain"
)

// StatusReader is the minimal interface needed to report order progress.
type StatusReader interface {
	Status(ctx context.Context, orderID string) (app.OrderStatusView, error)
}

// HandleOrderStatus returns an HTTP handler for polling order progress.
func HandleOrderStatus(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		orderID, ok := parseOrderPath(r.URL.Path)
		if !ok {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		view, err := svc.Status(r.Context(), orderID)
		if err != nil {
			switch err {
			case domain.ErrInvalidID:
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			case domain.ErrOrderNotFound:
				writeError(w, http.StatusNotFound, codeOrderNotFound, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		resp := orderStatusResponse{
			OrderID: view.OrderID,
			Status:  string(view.Status),
		}
		if view.DeliveryStatus != "" {
			resp.DeliveryStatus = string(view.DeliveryStatus)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// parseOrderPath matches /orders/{id} and returns the id.
func parseOrderPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		return "", false
	}
	if parts[0] != "orders" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

type orderStatusResponse struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	DeliveryStatus string `json:"delivery_status,omitempty"`
}
