package models

import "time"

// Point is a geographic position with an optional street address.
type Point struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

type BikeType string

const (
	BikeAnalog  BikeType = "analog"
	BikeEbike   BikeType = "ebike"
	BikeCargo   BikeType = "cargo"
	BikeFolding BikeType = "folding"
)

// ValidBikeTypes lists every accepted bike type for request validation.
var ValidBikeTypes = []BikeType{BikeAnalog, BikeEbike, BikeCargo, BikeFolding}

type RideStatus string

const (
	StatusRequested            RideStatus = "requested"
	StatusAccepted             RideStatus = "accepted"
	StatusEnRoute              RideStatus = "en_route"
	StatusArrived              RideStatus = "arrived"
	StatusInTransit            RideStatus = "in_transit"
	StatusCompleted            RideStatus = "completed"
	StatusCancelled            RideStatus = "cancelled"
	StatusCancelledRiderNoShow RideStatus = "cancelled_rider_noshow"
	StatusCancelledSafety      RideStatus = "cancelled_safety"
	StatusRejectedGeofence     RideStatus = "rejected_geofence"
)

// Terminal reports whether a ride in this status can never transition again.
func (s RideStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusCancelledRiderNoShow,
		StatusCancelledSafety, StatusRejectedGeofence:
		return true
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

type WtpResponse string

const (
	WtpYes WtpResponse = "YES"
	WtpNo  WtpResponse = "NO"
)

// Ride is the persisted ride record. RiderPhone is denormalized at
// creation so inbound SMS matching works even if the rider record
// changes later; PriceCents is fixed at creation and never recomputed.
type Ride struct {
	ID                 string        `json:"id"`
	RiderID            string        `json:"rider_id"`
	RiderPhone         string        `json:"rider_phone"`
	DriverID           string        `json:"driver_id,omitempty"`
	Pickup             Point         `json:"pickup"`
	Dropoff            Point         `json:"dropoff"`
	BikeType           BikeType      `json:"bike_type"`
	DistanceMiles      float64       `json:"distance_miles"`
	PriceCents         int64         `json:"price_cents"`
	Status             RideStatus    `json:"status"`
	CancellationReason string        `json:"cancellation_reason,omitempty"`
	DriverEtaMinutes   *int          `json:"driver_eta_minutes,omitempty"`
	Notes              string        `json:"notes,omitempty"`
	PaymentIntentID    string        `json:"payment_intent_id,omitempty"`
	PaymentChargeID    string        `json:"payment_charge_id,omitempty"`
	PaymentStatus      PaymentStatus `json:"payment_status,omitempty"`
	PaymentCapturedAt  *time.Time    `json:"payment_captured_at,omitempty"`
	LastPaymentError   string        `json:"last_payment_error,omitempty"`
	WtpAsked           bool          `json:"wtp_asked"`
	WtpResponse        WtpResponse   `json:"wtp_response,omitempty"`
	WtpAmountUsd       *float64      `json:"wtp_amount_usd,omitempty"`
	AssistRequired     bool          `json:"assist_required"`
	AssistReason       string        `json:"assist_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Clone returns a copy safe to hand to subscribers.
func (r *Ride) Clone() *Ride {
	cp := *r
	return &cp
}

type Availability string

const (
	DriverOffline   Availability = "offline"
	DriverAvailable Availability = "available"
	DriverBusy      Availability = "busy"
)

// DriverLocation is the dispatch-engine view of a driver. Availability
// is owned exclusively by the reservation/release pair once a driver
// opts active: a driver is available or busy, never both.
type DriverLocation struct {
	DriverID            string       `json:"driver_id"`
	Location            Point        `json:"location"`
	Active              bool         `json:"active"`
	Availability        Availability `json:"availability"`
	LastRideCompletedAt *time.Time   `json:"last_ride_completed_at,omitempty"`
	Rating              float64      `json:"rating"` // 0..5
	TotalRides          int          `json:"total_rides"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// DriverPing is the wire shape for driver telemetry published to Kafka
// by the API and applied to the driver store by cmd/consumer.
type DriverPing struct {
	DriverID string    `json:"driver_id"`
	Location Point     `json:"location"`
	Active   bool      `json:"active"`
	SentAt   time.Time `json:"sent_at"`
}
