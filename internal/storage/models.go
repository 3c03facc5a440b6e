package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type ConfirmedAssignment struct {
	ExperimentID string
	VariantID    string
	ConfirmedAt  time.Time
}

// Product is a store product registered by the host app. Prices are kept in
// micro-units of the currency to avoid float rounding in storage.
type Product struct {
	ID              string
	PriceMicros     int64
	CurrencyCode    string
	Period          string // "", "day", "week", "month", "year"
	TrialPeriodDays int
	TrialConsumed   bool
	UpdatedAt       time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
