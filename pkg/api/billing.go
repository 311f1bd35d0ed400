package api

import (
	"context"
	"net/http"
)

// CreateCheckoutSession starts a subscription checkout. The caller follows
// URL when set; otherwise Message describes an in-place plan change.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutResponse, error) {
	var resp CheckoutResponse
	if err := c.do(ctx, "create_checkout_session", http.MethodPost, "/billing/create-checkout-session", req, &resp); err != nil {
		return CheckoutResponse{}, err
	}
	return resp, nil
}

// CreatePortalSession returns the customer billing-portal URL
func (c *Client) CreatePortalSession(ctx context.Context, returnURL string) (PortalResponse, error) {
	var resp PortalResponse
	req := map[string]string{"return_url": returnURL}
	if err := c.do(ctx, "create_portal_session", http.MethodPost, "/billing/create-portal-session", req, &resp); err != nil {
		return PortalResponse{}, err
	}
	return resp, nil
}

// CancelSubscription schedules cancellation at the end of the period
func (c *Client) CancelSubscription(ctx context.Context) (SubscriptionActionResponse, error) {
	var resp SubscriptionActionResponse
	if err := c.do(ctx, "cancel_subscription", http.MethodPost, "/billing/cancel-subscription", struct{}{}, &resp); err != nil {
		return SubscriptionActionResponse{}, err
	}
	return resp, nil
}

// ReactivateSubscription undoes a scheduled cancellation
func (c *Client) ReactivateSubscription(ctx context.Context) (SubscriptionActionResponse, error) {
	var resp SubscriptionActionResponse
	if err := c.do(ctx, "reactivate_subscription", http.MethodPost, "/billing/reactivate-subscription", struct{}{}, &resp); err != nil {
		return SubscriptionActionResponse{}, err
	}
	return resp, nil
}

// GetSubscription returns the current subscription status
func (c *Client) GetSubscription(ctx context.Context) (SubscriptionStatus, error) {
	var resp SubscriptionStatus
	if err := c.do(ctx, "get_subscription", http.MethodGet, "/billing/subscription", nil, &resp); err != nil {
		return SubscriptionStatus{}, err
	}
	return resp, nil
}
