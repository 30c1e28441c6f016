package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Dimensions holds exact physical measurements of a piece at one stage.
type Dimensions struct {
	Height *decimal.Decimal `json:"height,omitempty"`
	Width  *decimal.Decimal `json:"width,omitempty"`
	Depth  *decimal.Decimal `json:"depth,omitempty"`
	Weight *decimal.Decimal `json:"weight,omitempty"`
}

// IsZero reports whether no measurement was recorded.
func (d *Dimensions) IsZero() bool {
	return d == nil || (d.Height == nil && d.Width == nil && d.Depth == nil && d.Weight == nil)
}

func (d *Dimensions) fields() map[string]*decimal.Decimal {
	return map[string]*decimal.Decimal{
		"height": d.Height,
		"width":  d.Width,
		"depth":  d.Depth,
		"weight": d.Weight,
	}
}

// Measurements tracks how a piece shrinks across firing stages.
// Stored as a JSON text column; the zero value persists as NULL.
type Measurements struct {
	Greenware *Dimensions `json:"greenware,omitempty"`
	Bisque    *Dimensions `json:"bisque,omitempty"`
	Final     *Dimensions `json:"final,omitempty"`
}

// IsZero reports whether every stage is empty.
func (m Measurements) IsZero() bool {
	return m.Greenware.IsZero() && m.Bisque.IsZero() && m.Final.IsZero()
}

// Normalize drops empty stages so equality checks stay stable.
func (m Measurements) Normalize() Measurements {
	out := Measurements{}
	if !m.Greenware.IsZero() {
		out.Greenware = m.Greenware
	}
	if !m.Bisque.IsZero() {
		out.Bisque = m.Bisque
	}
	if !m.Final.IsZero() {
		out.Final = m.Final
	}
	return out
}

// Validate rejects negative values. It returns the offending field path.
func (m Measurements) Validate() (string, error) {
	stages := map[string]*Dimensions{
		"greenware": m.Greenware,
		"bisque":    m.Bisque,
		"final":     m.Final,
	}
	for stage, dims := range stages {
		if dims.IsZero() {
			continue
		}
		for name, value := range dims.fields() {
			if value != nil && value.IsNegative() {
				path := stage + "." + name
				return path, fmt.Errorf("measurements: %s must not be negative", path)
			}
		}
	}
	return "", nil
}

// Equal compares two measurement sets value by value.
func (m Measurements) Equal(other Measurements) bool {
	return dimensionsEqual(m.Greenware, other.Greenware) &&
		dimensionsEqual(m.Bisque, other.Bisque) &&
		dimensionsEqual(m.Final, other.Final)
}

func dimensionsEqual(a, b *Dimensions) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	return decimalEqual(a.Height, b.Height) &&
		decimalEqual(a.Width, b.Width) &&
		decimalEqual(a.Depth, b.Depth) &&
		decimalEqual(a.Weight, b.Weight)
}

func decimalEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Value marshals Measurements into JSON text.
func (m Measurements) Value() (driver.Value, error) {
	if m.IsZero() {
		return nil, nil
	}
	raw, err := json.Marshal(m.Normalize())
	if err != nil {
		return nil, fmt.Errorf("measurements: marshal: %w", err)
	}
	return string(raw), nil
}

// Scan decodes the JSON text column.
func (m *Measurements) Scan(value interface{}) error {
	if value == nil {
		*m = Measurements{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("measurements: unsupported scan type %T", value)
	}
	if len(raw) == 0 {
		*m = Measurements{}
		return nil
	}

	var decoded Measurements
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("measurements: unmarshal: %w", err)
	}
	*m = decoded.Normalize()
	return nil
}
