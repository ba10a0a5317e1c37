package cloudevents

import (
	"encoding/json"
	"fmt"
	"time"
)

// SpecVersion is the CloudEvents version every envelope is stamped with
const SpecVersion = "1.0"

// Source constants for event producers in this module
const (
	SourceStockEngine = "/commerce/stock-engine"
	SourceReaper      = "/commerce/stock-engine/reaper"
)

// Extension attribute names carried next to the standard attributes
const (
	ExtCorrelationID = "commercecorrelationid"
	ExtReservationID = "commercereservationid"
	ExtStockItemID   = "commercestockitemid"
)

// StockCloudEvent is a CloudEvents v1.0 envelope for stock engine events
type StockCloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject,omitempty"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            any            `json:"data"`
	Extensions      map[string]any `json:"-"`

	CorrelationID string `json:"commercecorrelationid,omitempty"`
	ReservationID string `json:"commercereservationid,omitempty"`
	StockItemID   string `json:"commercestockitemid,omitempty"`
}

// Validate checks the attributes CloudEvents 1.0 marks as required
func (e *StockCloudEvent) Validate() error {
	switch {
	case e.SpecVersion != SpecVersion:
		return fmt.Errorf("unsupported specversion %q", e.SpecVersion)
	case e.ID == "":
		return fmt.Errorf("event id is required")
	case e.Type == "":
		return fmt.Errorf("event type is required")
	case e.Source == "":
		return fmt.Errorf("event source is required")
	}
	return nil
}

// Headers returns the binary-mode attribute headers used by the brokers
func (e *StockCloudEvent) Headers() map[string]string {
	h := map[string]string{
		"ce_specversion": e.SpecVersion,
		"ce_type":        e.Type,
		"ce_source":      e.Source,
		"ce_id":          e.ID,
		"ce_time":        e.Time.Format(time.RFC3339Nano),
		"content-type":   e.DataContentType,
	}
	if e.Subject != "" {
		h["ce_subject"] = e.Subject
	}
	if e.CorrelationID != "" {
		h["ce_"+ExtCorrelationID] = e.CorrelationID
	}
	if e.ReservationID != "" {
		h["ce_"+ExtReservationID] = e.ReservationID
	}
	if e.StockItemID != "" {
		h["ce_"+ExtStockItemID] = e.StockItemID
	}
	for k, v := range e.Extensions {
		h["ce_"+k] = fmt.Sprint(v)
	}
	return h
}

// Marshal encodes the event in structured JSON mode
func (e *StockCloudEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a structured JSON event
func Unmarshal(b []byte) (*StockCloudEvent, error) {
	var e StockCloudEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cloud event: %w", err)
	}
	return &e, nil
}
