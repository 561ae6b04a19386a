package http

import "net/http"

// HandleOrderRoutes dispatches the /orders/{id} subtree: the cancel
// action when the path names one, the status view otherwise.
func HandleOrderRoutes(status StatusReader, canceller OrderCanceller) http.HandlerFunc {
	statusHandler := HandleOrderStatus(status)
	cancelHandler := HandleCancelOrder(canceller)
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := parseCancelOrderPath(r.URL.Path); ok {
			cancelHandler(w, r)
			return
		}
		statusHandler(w, r)
	}
}
