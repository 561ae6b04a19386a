package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cimillas/storefront-core/internal/app"
	"github.com/cimillas/storefront-core/internal/domain"
)

// PurchaseStarter is the minimal interface needed to open an order.
type PurchaseStarter interface {
	StartPurchase(ctx context.Context, in app.StartPurchaseInput) (app.StartPurchaseResult, error)
}

// HandleCheckout returns an HTTP handler for opening orders.
func HandleCheckout(svc PurchaseStarter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req checkoutRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if code, msg, ok := req.validate(); !ok {
			writeError(w, http.StatusBadRequest, code, msg)
			return
		}

		items := make([]app.PurchaseItemInput, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, app.PurchaseItemInput{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
			})
		}

		result, err := svc.StartPurchase(r.Context(), app.StartPurchaseInput{
			BuyerID:   req.BuyerID,
			Recipient: req.Recipient,
			Items:     items,
		})
		if err != nil {
			switch err {
			case domain.ErrInvalidQuantity:
				writeError(w, http.StatusBadRequest, codeInvalidQuantity, err.Error())
			case domain.ErrInvalidID:
				writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
			case domain.ErrProductNotFound:
				writeError(w, http.StatusNotFound, codeProductNotFound, err.Error())
			case domain.ErrStockUnavailable:
				// Definitive business outcome; the caller must not retry.
				writeError(w, http.StatusConflict, codeStockUnavailable, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
			}
			return
		}

		resp := checkoutResponse{
			OrderID:        result.OrderID,
			PaymentAddress: result.PaymentAddress,
			Amount:         result.Amount.String(),
			ExpiresAt:      result.ExpiresAt,
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type checkoutItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type checkoutRequest struct {
	BuyerID   string         `json:"buyer_id"`
	Recipient string         `json:"recipient"`
	Items     []checkoutItem `json:"items"`
}

func (r checkoutRequest) validate() (code, msg string, ok bool) {
	if r.BuyerID == "" {
		return codeBuyerRequired, "buyer_id is required", false
	}
	if r.Recipient == "" {
		return codeRecipientRequired, "recipient is required", false
	}
	if len(r.Items) == 0 {
		return codeItemsRequired, "at least one item is required", false
	}
	for _, item := range r.Items {
		if item.ProductID == "" {
			return codeInvalidID, "product_id is required", false
		}
		if item.Quantity <= 0 {
			return codeInvalidQuantity, "quantity must be positive", false
		}
	}
	return "", "", true
}

type checkoutResponse struct {
	OrderID        string    `json:"order_id"`
	PaymentAddress string    `json:"payment_address"`
	Amount         string    `json:"amount"`
	ExpiresAt      time.Time `json:"expires_at"`
}
