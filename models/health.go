package models

import "time"

const (
	SaleMethodBuyNow   = "buy_now"
	SaleMethodAuction  = "auction"
	SaleMethodProposed = "proposed"
	SaleMethodTender   = "tender"
	SaleMethodEnquire  = "enquire"
)

type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// VendorHealthRecord is the per-vendor view exposed by the health registry.
type VendorHealthRecord struct {
	LastSuccess       *time.Time   `json:"last_success_ts"`
	TotalErrors       int          `json:"total_error_count"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	Breaker           BreakerState `json:"breaker_state"`
	LastError         string       `json:"last_error,omitempty"`
}
