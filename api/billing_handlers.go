package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"custos/billing"
	"custos/core"
)

type checkoutRequest struct {
	CustomerID string `json:"customer_id" validate:"required,max=255"`
	Plan       string `json:"plan" validate:"required,max=100"`
}

// writeBillingError maps provider errors to HTTP statuses. Breaker
// rejections surface as 503 so callers know to back off.
func (a *API) writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrBreakerOpen), errors.Is(err, billing.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Payment provider is unavailable", err, a.logger)
	case errors.Is(err, billing.ErrRequestRejected):
		writeError(w, http.StatusBadGateway, "Payment provider rejected the request", err, a.logger)
	default:
		writeError(w, http.StatusInternalServerError, "Payment operation failed", err, a.logger)
	}
}

// createCheckoutSession starts a hosted checkout with the payment
// provider.
//
// POST /api/billing/checkout
func (a *API) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if a.payments == nil {
		writeError(w, http.StatusNotImplemented, "Billing is not enabled", nil, a.logger)
		return
	}

	var req checkoutRequest
	if err := a.decodeJSONBodyWithLimit(w, r, &req, int64(a.config.API.JSONBodyLimit)); err != nil {
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "customer_id and plan are required", err, a.logger)
		return
	}

	session, err := a.payments.CreateCheckoutSession(r.Context(), req.CustomerID, req.Plan)
	if err != nil {
		a.writeBillingError(w, err)
		return
	}

	a.recordAudit(r, "billing.checkout", "checkout_session", session.ID, req.Plan)
	respondJSON(w, http.StatusCreated, session, a.logger)
}

// getSubscription returns the provider's view of a subscription.
//
// GET /api/billing/subscriptions/{id}
func (a *API) getSubscription(w http.ResponseWriter, r *http.Request) {
	if a.payments == nil {
		writeError(w, http.StatusNotImplemented, "Billing is not enabled", nil, a.logger)
		return
	}

	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, "Subscription ID is required", nil, a.logger)
		return
	}

	sub, err := a.payments.GetSubscription(r.Context(), id)
	if err != nil {
		a.writeBillingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sub, a.logger)
}

// cancelSubscription cancels a subscription with the provider.
//
// DELETE /api/billing/subscriptions/{id}
func (a *API) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	if a.payments == nil {
		writeError(w, http.StatusNotImplemented, "Billing is not enabled", nil, a.logger)
		return
	}

	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, http.StatusBadRequest, "Subscription ID is required", nil, a.logger)
		return
	}

	if err := a.payments.CancelSubscription(r.Context(), id); err != nil {
		a.writeBillingError(w, err)
		return
	}

	a.recordAudit(r, "billing.cancel", "subscription", id, "")
	w.WriteHeader(http.StatusNoContent)
}
