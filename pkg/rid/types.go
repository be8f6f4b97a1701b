// Package rid defines the ASTM F3411 remote identification wire types
// exchanged with the DSS and peer USSes.
package rid

// LatLngPoint is a WGS84 vertex.
type LatLngPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Polygon is a closed outline of vertices.
type Polygon struct {
	Vertices []LatLngPoint `json:"vertices"`
}

// Altitude is a referenced altitude value.
type Altitude struct {
	Value     float64 `json:"value"`
	Reference string  `json:"reference"`
	Units     string  `json:"units"`
}

// Time is a formatted timestamp. Format is always "RFC3339" on the wire.
type Time struct {
	Value  string `json:"value"`
	Format string `json:"format"`
}

// NewTime wraps an RFC3339 string.
func NewTime(value string) Time {
	return Time{Value: value, Format: "RFC3339"}
}

// Volume3D is a polygon extruded between two altitudes.
type Volume3D struct {
	OutlinePolygon Polygon  `json:"outline_polygon"`
	AltitudeLower  Altitude `json:"altitude_lower"`
	AltitudeUpper  Altitude `json:"altitude_upper"`
}

// Volume4D is a Volume3D bounded in time.
type Volume4D struct {
	Volume    Volume3D `json:"volume"`
	TimeStart Time     `json:"time_start"`
	TimeEnd   Time     `json:"time_end"`
}

// IdentificationServiceArea advertises that RID data is available inside a
// bounded volume.
type IdentificationServiceArea struct {
	ID         string `json:"id"`
	USSBaseURL string `json:"uss_base_url"`
	Owner      string `json:"owner"`
	TimeStart  Time   `json:"time_start"`
	TimeEnd    Time   `json:"time_end"`
	Version    string `json:"version"`
}

// SubscriptionState carries the notification counter for one subscription.
type SubscriptionState struct {
	SubscriptionID    string `json:"subscription_id"`
	NotificationIndex int    `json:"notification_index"`
}

// SubscriberToNotify names a peer that must be told about an ISA change.
type SubscriberToNotify struct {
	URL           string              `json:"url"`
	Subscriptions []SubscriptionState `json:"subscriptions"`
}

// Subscription is the DSS's record of our interest in an area.
type Subscription struct {
	ID                string `json:"id"`
	USSBaseURL        string `json:"uss_base_url"`
	Owner             string `json:"owner"`
	NotificationIndex int    `json:"notification_index"`
	TimeStart         Time   `json:"time_start"`
	TimeEnd           Time   `json:"time_end"`
	Version           string `json:"version"`
}

// FlightsRecord pairs a subscription with the service areas to poll for it.
type FlightsRecord struct {
	ServiceAreas []IdentificationServiceArea `json:"service_areas"`
	Subscription Subscription                `json:"subscription"`
}

// ISACreationRequest is the body of a DSS ISA PUT.
type ISACreationRequest struct {
	Extents    Volume4D `json:"extents"`
	USSBaseURL string   `json:"uss_base_url"`
}

// ISACreationResponse reports the outcome of creating an ISA.
type ISACreationResponse struct {
	Created     bool                       `json:"created"`
	ServiceArea *IdentificationServiceArea `json:"service_area"`
	Subscribers []SubscriberToNotify       `json:"subscribers"`
}

// SubscriptionRequest is the body of a DSS subscription PUT.
type SubscriptionRequest struct {
	Extents    Volume4D `json:"extents"`
	USSBaseURL string   `json:"uss_base_url"`
}

// SubscriptionResponse reports the outcome of creating a subscription.
type SubscriptionResponse struct {
	Created           bool   `json:"created"`
	DSSSubscriptionID string `json:"dss_subscription_id,omitempty"`
	NotificationIndex int    `json:"notification_index"`
}

// ISANotification is the body POSTed to each subscriber after an ISA change.
type ISANotification struct {
	ServiceArea   IdentificationServiceArea `json:"service_area"`
	Subscriptions []SubscriptionState       `json:"subscriptions"`
	Extents       Volume4D                  `json:"extents"`
}

// Observation is a single air-traffic observation derived from a polled
// peer flight.
type Observation struct {
	SessionID     string         `json:"session_id"`
	ICAOAddress   string         `json:"icao_address"`
	TrafficSource int            `json:"traffic_source"`
	SourceType    int            `json:"source_type"`
	LatDD         float64        `json:"lat_dd"`
	LonDD         float64        `json:"lon_dd"`
	AltitudeMM    float64        `json:"altitude_mm"`
	Metadata      map[string]any `json:"metadata"`
}
