package http

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cimillas/storefront-core/internal/app"
	"github.com/cimillas/storefront-core/internal/domain"
)

func TestHandleCheckout(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	successResult := app.StartPurchaseResult{
		OrderID:        "order-123",
		PaymentAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Amount:         decimal.RequireFromString("1.25"),
		ExpiresAt:      now.Add(20 * time.Minute),
	}

	tests := []struct {
		name           string
		body           string
		serviceErr     error
		expectedStatus int
		expectedSubstr string
	}{
		{
			name:           "success",
			body:           `{"buyer_id":"b1","recipient":"100200300","items":[{"product_id":"p1","quantity":2}]}`,
			expectedStatus: http.StatusCreated,
			expectedSubstr: `"order_id":"order-123"`,
		},
		{
			name:           "invalid json",
			body:           `{"buyer_id":`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown field",
			body:           `{"buyer_id":"b1","recipient":"r1","items":[],"coupon":"x"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing buyer",
			body:           `{"recipient":"r1","items":[{"product_id":"p1","quantity":1}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: `"code":"buyer_required"`,
		},
		{
			name:           "missing recipient",
			body:           `{"buyer_id":"b1","items":[{"product_id":"p1","quantity":1}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: `"code":"recipient_required"`,
		},
		{
			name:           "no items",
			body:           `{"buyer_id":"b1","recipient":"r1","items":[]}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: `"code":"items_required"`,
		},
		{
			name:           "zero quantity",
			body:           `{"buyer_id":"b1","recipient":"r1","items":[{"product_id":"p1","quantity":0}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedSubstr: `"code":"invalid_quantity"`,
		},
		{
			name:           "product not found",
			body:           `{"buyer_id":"b1","recipient":"r1","items":[{"product_id":"p1","quantity":1}]}`,
			serviceErr:     domain.ErrProductNotFound,
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "stock unavailable",
			body:           `{"buyer_id":"b1","recipient":"r1","items":[{"product_id":"p1","quantity":1}]}`,
			serviceErr:     domain.ErrStockUnavailable,
			expectedStatus: http.StatusConflict,
			expectedSubstr: `"code":"stock_unavailable"`,
		},
		{
			name:           "internal error",
			body:           `{"buyer_id":"b1","recipient":"r1","items":[{"product_id":"p1","quantity":1}]}`,
			serviceErr:     errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc := &stubPurchaseService{
				result: successResult,
				err:    tt.serviceErr,
			}
			req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()

			handler := HandleCheckout(svc)
			handler.ServeHTTP(rec, req)

			res := rec.Result()
			if res.StatusCode != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, res.StatusCode)
			}
			if tt.expectedSubstr != "" {
				body := rec.Body.String()
				if !strings.Contains(body, tt.expectedSubstr) {
					t.Fatalf("expected response to contain %q, got %q", tt.expectedSubstr, body)
				}
			}
		})
	}
}

func TestHandleCheckoutMethodNotAllowed(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()

	HandleCheckout(&stubPurchaseService{}).ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

type stubPurchaseService struct {
	result app.StartPurchaseResult
	err    error
	in     app.StartPurchaseInput
}

func (s *stubPurchaseService) StartPurchase(_ context.Context, in app.StartPurchaseInput) (app.StartPurchaseResult, error) {
	s.in = in
	return s.result, s.err
}
