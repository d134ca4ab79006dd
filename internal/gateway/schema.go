package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/opspipe/internal/dispatch"
	"github.com/basket/opspipe/internal/persistence"
)

// dispatchRequestSchema rejects malformed dispatch bodies before the engine
// sees them; the engine still enforces its own semantic invariants.
const dispatchRequestSchema = `{
	"type": "object",
	"required": ["destinations"],
	"properties": {
		"destinations": {
			"type": "object",
			"properties": {
				"estimation": {"type": "boolean"},
				"operations": {"type": "boolean"}
			},
			"additionalProperties": false
		},
		"operations_details": {
			"type": "object",
			"properties": {
				"assigned_to": {"type": "string"},
				"delivery_address": {"type": "string"},
				"delivery_instructions": {"type": "string"},
				"priority": {"type": "integer", "minimum": 0},
				"due_date": {"type": "string", "format": "date-time"},
				"steps": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["step_type"],
						"properties": {
							"step_type": {
								"type": "string",
								"enum": ["collect", "deliver_to_supplier", "deliver_to_client", "supplier_to_supplier"]
							},
							"supplier_name": {"type": "string"},
							"location_address": {"type": "string"},
							"location_notes": {"type": "string"},
							"origin_supplier": {"type": "string"},
							"origin_address": {"type": "string"},
							"due_date": {"type": "string", "format": "date-time"},
							"products": {
								"type": "array",
								"items": {
									"type": "object",
									"required": ["product_name"],
									"properties": {
										"product_name": {"type": "string", "minLength": 1},
										"quantity": {"type": "number", "minimum": 0},
										"unit": {"type": "string"},
										"supplier_name": {"type": "string"},
										"estimated_price": {"type": "number", "minimum": 0}
									}
								}
							}
						}
					}
				}
			}
		}
	}
}`

type dispatchValidator struct {
	schema *jsonschema.Schema
}

func newDispatchValidator() (*dispatchValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(dispatchRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal dispatch schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("dispatch.json", doc); err != nil {
		return nil, fmt.Errorf("add dispatch schema resource: %w", err)
	}
	schema, err := c.Compile("dispatch.json")
	if err != nil {
		return nil, fmt.Errorf("compile dispatch schema: %w", err)
	}
	return &dispatchValidator{schema: schema}, nil
}

type dispatchRequest struct {
	Destinations struct {
		Estimation bool `json:"estimation"`
		Operations bool `json:"operations"`
	} `json:"destinations"`
	OperationsDetails *struct {
		AssignedTo      string     `json:"assigned_to"`
		DeliveryAddress string     `json:"delivery_address"`
		DeliveryNotes   string     `json:"delivery_instructions"`
		Priority        int        `json:"priority"`
		DueDate         *time.Time `json:"due_date"`
		Steps           []struct {
			StepType        string     `json:"step_type"`
			SupplierName    string     `json:"supplier_name"`
			LocationAddress string     `json:"location_address"`
			LocationNotes   string     `json:"location_notes"`
			OriginSupplier  string     `json:"origin_supplier"`
			OriginAddress   string     `json:"origin_address"`
			DueDate         *time.Time `json:"due_date"`
			Products        []struct {
				ProductName    string  `json:"product_name"`
				Quantity       float64 `json:"quantity"`
				Unit           string  `json:"unit"`
				SupplierName   string  `json:"supplier_name"`
				EstimatedPrice float64 `json:"estimated_price"`
			} `json:"products"`
		} `json:"steps"`
	} `json:"operations_details"`
}

// parse validates the raw body against the schema, then decodes it.
func (v *dispatchValidator) parse(body io.Reader) (*dispatchRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid dispatch request: %v", err)
	}
	var req dispatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode dispatch request: %w", err)
	}
	return &req, nil
}

func (r *dispatchRequest) destinations() dispatch.Destinations {
	return dispatch.Destinations{
		Estimation: r.Destinations.Estimation,
		Operations: r.Destinations.Operations,
	}
}

func (r *dispatchRequest) operationsDetails() *dispatch.OperationsDetails {
	if r.OperationsDetails == nil {
		return nil
	}
	od := &dispatch.OperationsDetails{
		AssignedTo:      r.OperationsDetails.AssignedTo,
		DeliveryAddress: r.OperationsDetails.DeliveryAddress,
		DeliveryNotes:   r.OperationsDetails.DeliveryNotes,
		Priority:        r.OperationsDetails.Priority,
		DueDate:         r.OperationsDetails.DueDate,
	}
	for _, st := range r.OperationsDetails.Steps {
		ns := persistence.NewStep{
			StepType:        persistence.StepType(st.StepType),
			SupplierName:    st.SupplierName,
			LocationAddress: st.LocationAddress,
			LocationNotes:   st.LocationNotes,
			OriginSupplier:  st.OriginSupplier,
			OriginAddress:   st.OriginAddress,
			DueDate:         st.DueDate,
		}
		for _, p := range st.Products {
			ns.Products = append(ns.Products, persistence.NewProduct{
				ProductName:    p.ProductName,
				Quantity:       p.Quantity,
				Unit:           p.Unit,
				SupplierName:   p.SupplierName,
				EstimatedPrice: p.EstimatedPrice,
			})
		}
		od.Steps = append(od.Steps, ns)
	}
	return od
}
