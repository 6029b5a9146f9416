package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

var (
	// ErrInvalidPayload is returned when the body is not a JSON object
	ErrInvalidPayload = errors.New("event: payload is not a JSON object")

	// ErrInvalidType is returned when the type field is missing, not a string or unknown
	ErrInvalidType = errors.New("event: unknown event type")
)

// TypeField is the payload field naming the event type
const TypeField = "type"

// Event is a validated gateway payload
type Event struct {
	Type    string
	Command bool
	Fields  map[string]any
}

// Topic returns the bus topic a notification is published to
func (e Event) Topic() string {
	return "/" + e.Type
}

// Validator checks payloads against a catalog. It is safe for concurrent use.
type Validator struct {
	catalog *Catalog
}

// NewValidator creates a validator. A nil catalog means DefaultCatalog.
func NewValidator(catalog *Catalog) *Validator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Validator{catalog: catalog}
}

// Catalog returns the catalog in use
func (v *Validator) Catalog() *Catalog {
	return v.catalog
}

// Validate parses body and classifies it. Numbers are kept as json.Number so
// they are forwarded without float rounding.
func (v *Validator) Validate(body []byte) (Event, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return Event{}, ErrInvalidPayload
	}

	eventType, ok := fields[TypeField].(string)
	if !ok {
		return Event{}, ErrInvalidType
	}

	def, ok := v.catalog.Lookup(eventType)
	if !ok {
		return Event{}, ErrInvalidType
	}

	return Event{
		Type:    def.Type,
		Command: def.Command,
		Fields:  fields,
	}, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		// literal null
		return nil, ErrInvalidPayload
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrInvalidPayload
	}
	return fields, nil
}
