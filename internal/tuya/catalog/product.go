package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nerrad567/tuyable/internal/tuya/datapoint"
)

// DefaultManufacturer is used when a product does not name one.
const DefaultManufacturer = "Tuya"

// Field is one named datapoint in a product schema.
type Field struct {
	Name     string         `toml:"name" json:"name"`
	ID       uint8          `toml:"id" json:"id"`
	Type     datapoint.Type `toml:"type" json:"type"`
	Width    uint8          `toml:"width" json:"width,omitempty"` // bitmap width in bytes
	ReadOnly bool           `toml:"read_only" json:"read_only,omitempty"`
}

// Fingerbot maps the fingerbot functions of a product to datapoint ids.
// A zero ManualControl or Program means the product lacks that function.
type Fingerbot struct {
	Switch           uint8 `toml:"switch"`
	Mode             uint8 `toml:"mode"`
	UpPosition       uint8 `toml:"up_position"`
	DownPosition     uint8 `toml:"down_position"`
	HoldTime         uint8 `toml:"hold_time"`
	ReversePositions uint8 `toml:"reverse_positions"`
	ManualControl    uint8 `toml:"manual_control"`
	Program          uint8 `toml:"program"`
}

// HasManualControl reports whether pressing the bot by hand is reported.
func (f *Fingerbot) HasManualControl() bool {
	return f != nil && f.ManualControl != 0
}

// fields returns the schema implied by the fingerbot mapping.
func (f *Fingerbot) fields() []Field {
	out := []Field{
		{Name: "switch", ID: f.Switch, Type: datapoint.TypeBool},
		{Name: "mode", ID: f.Mode, Type: datapoint.TypeEnum},
		{Name: "up_position", ID: f.UpPosition, Type: datapoint.TypeValue},
		{Name: "down_position", ID: f.DownPosition, Type: datapoint.TypeValue},
		{Name: "hold_time", ID: f.HoldTime, Type: datapoint.TypeValue},
		{Name: "reverse_positions", ID: f.ReversePositions, Type: datapoint.TypeBool},
	}
	if f.ManualControl != 0 {
		out = append(out, Field{Name: "manual_control", ID: f.ManualControl, Type: datapoint.TypeBool})
	}
	if f.Program != 0 {
		out = append(out, Field{Name: "program", ID: f.Program, Type: datapoint.TypeRaw})
	}
	return out
}

// Product describes one Tuya BLE product.
type Product struct {
	Category     string     `toml:"category" json:"category"`
	ProductID    string     `toml:"product_id" json:"product_id,omitempty"` // empty for the category fallback
	Name         string     `toml:"name" json:"name"`
	Manufacturer string     `toml:"manufacturer" json:"manufacturer"`
	Fingerbot    *Fingerbot `toml:"fingerbot" json:"-"`
	Datapoints   []Field    `toml:"datapoint" json:"datapoints,omitempty"`
}

// Schema returns the product's datapoint schema. Explicit datapoint fields
// take precedence over names implied by the fingerbot mapping.
func (p Product) Schema() Schema {
	var fields []Field
	if p.Fingerbot != nil {
		fields = append(fields, p.Fingerbot.fields()...)
	}
	fields = append(fields, p.Datapoints...)
	return NewSchema(fields)
}

// validate checks one product from a catalog file.
func (p Product) validate() []string {
	var errs []string
	label := p.Category + "/" + p.ProductID
	if strings.TrimSpace(p.Category) == "" {
		errs = append(errs, "product without category")
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, fmt.Sprintf("%s: name is required", label))
	}

	names := make(map[string]bool)
	for _, f := range p.Datapoints {
		if f.Name == "" {
			errs = append(errs, fmt.Sprintf("%s: datapoint %d has no name", label, f.ID))
		}
		if names[f.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate datapoint %q", label, f.Name))
		}
		names[f.Name] = true
		if !f.Type.Valid() {
			errs = append(errs, fmt.Sprintf("%s: datapoint %q has unknown type", label, f.Name))
		}
		if f.Type == datapoint.TypeBitmap {
			switch f.Width {
			case 0, datapoint.BitmapWidth8, datapoint.BitmapWidth16, datapoint.BitmapWidth32:
			default:
				errs = append(errs, fmt.Sprintf("%s: datapoint %q bitmap width must be 1, 2 or 4", label, f.Name))
			}
		}
	}
	return errs
}

// Schema maps datapoint names to fields.
type Schema struct {
	byName map[string]Field
	byID   map[uint8]Field
}

// NewSchema builds a schema. A later field replaces an earlier one with the
// same name.
func NewSchema(fields []Field) Schema {
	s := Schema{
		byName: make(map[string]Field, len(fields)),
		byID:   make(map[uint8]Field, len(fields)),
	}
	for _, f := range fields {
		if old, ok := s.byName[f.Name]; ok {
			delete(s.byID, old.ID)
		}
		if f.Type == datapoint.TypeBitmap && f.Width == 0 {
			f.Width = datapoint.BitmapWidth32
		}
		s.byName[f.Name] = f
		s.byID[f.ID] = f
	}
	return s
}

// Field looks a datapoint up by name.
func (s Schema) Field(name string) (Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// FieldByID looks a datapoint up by id.
func (s Schema) FieldByID(id uint8) (Field, bool) {
	f, ok := s.byID[id]
	return f, ok
}

// Name returns the schema name of id, or "dp<id>" for unnamed datapoints.
func (s Schema) Name(id uint8) string {
	if f, ok := s.byID[id]; ok {
		return f.Name
	}
	return "dp" + strconv.Itoa(int(id))
}

// Resolve maps a name to a datapoint id. Besides schema names it accepts
// "dp<N>" and a bare decimal id, which address datapoints the schema does
// not describe.
//
// Returns:
//   - uint8: Datapoint id
//   - *Field: Schema field, nil when the id is not in the schema
//   - error: ErrUnknownDatapoint
func (s Schema) Resolve(name string) (uint8, *Field, error) {
	if f, ok := s.byName[name]; ok {
		return f.ID, &f, nil
	}
	raw := strings.TrimPrefix(name, "dp")
	n, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %q", ErrUnknownDatapoint, name)
	}
	id := uint8(n)
	if f, ok := s.byID[id]; ok {
		return id, &f, nil
	}
	return id, nil, nil
}

// Fields returns every field ordered by id.
func (s Schema) Fields() []Field {
	out := make([]Field, 0, len(s.byName))
	for _, f := range s.byName {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of fields.
func (s Schema) Len() int {
	return len(s.byName)
}
