// Package entity defines the ERP collections the agent synchronizes and the
// generic record shape they share. The agent never interprets domain fields;
// every record is an opaque JSON document keyed by a server-assigned id.
package entity

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Collection names, one per domain entity.
const (
	Staff            = "staff"
	Products         = "products"
	RawMaterials     = "raw_materials"
	Customers        = "customers"
	Warehouses       = "warehouses"
	SalesOrders      = "sales_orders"
	ProductionOrders = "production_orders"
	Attendance       = "attendance"
	StockLevels      = "stock_levels"
)

// endpoints maps each collection to its REST collection endpoint.
var endpoints = map[string]string{
	Staff:            "/api/staff/",
	Products:         "/api/products/",
	RawMaterials:     "/api/raw-materials/",
	Customers:        "/api/customers/",
	Warehouses:       "/api/warehouses/",
	SalesOrders:      "/api/sales-orders/",
	ProductionOrders: "/api/production-orders/",
	Attendance:       "/api/attendance/",
	StockLevels:      "/api/stock-levels/",
}

// All returns every known collection name in stable order.
func All() []string {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Known reports whether name is a registered collection.
func Known(name string) bool {
	_, ok := endpoints[name]
	return ok
}

// Endpoint returns the collection endpoint for a registered collection.
func Endpoint(name string) (string, error) {
	ep, ok := endpoints[name]
	if !ok {
		return "", fmt.Errorf("unknown collection %q", name)
	}
	return ep, nil
}

// Record is one domain record: a server-assigned id plus the full JSON
// document (which itself contains the id field).
type Record struct {
	ID   string
	Data json.RawMessage
}

// DecodeRecord extracts the id from a raw JSON document.
func DecodeRecord(data json.RawMessage) (Record, error) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if len(probe.ID) == 0 || string(probe.ID) == "null" {
		return Record{}, fmt.Errorf("record missing id")
	}
	id, err := idString(probe.ID)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Data: data}, nil
}

// idString normalizes an id value to a string. Servers return both string
// and numeric ids depending on the entity.
func idString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("record has empty id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("record id is neither string nor number: %s", raw)
}

// DecodeCollection parses a collection response body. The API returns either
// a bare JSON array or an {"items": [...]} envelope.
func DecodeCollection(body []byte) ([]Record, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		var envelope struct {
			Items []json.RawMessage `json:"items"`
		}
		if envErr := json.Unmarshal(body, &envelope); envErr != nil || envelope.Items == nil {
			return nil, fmt.Errorf("decode collection: neither array nor envelope: %w", err)
		}
		items = envelope.Items
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		rec, err := DecodeRecord(item)
		if err != nil {
			return nil, fmt.Errorf("decode collection item %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Action is a mutation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is one of create, update, delete.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Method returns the HTTP method used to replay this action.
func (a Action) Method() string {
	switch a {
	case ActionCreate:
		return "POST"
	case ActionUpdate:
		return "PUT"
	case ActionDelete:
		return "DELETE"
	}
	return ""
}
