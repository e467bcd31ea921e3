package device

import "time"

// Device is one inventory record.
type Device struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Address         string     `json:"address"`
	Category        string     `json:"category"`
	ProductID       string     `json:"product_id,omitempty"`
	ProtocolVersion int        `json:"protocol_version"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with d.
func (d *Device) Clone() *Device {
	c := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		c.LastSeenAt = &t
	}
	return &c
}

// sameBinding reports whether two records describe the same configuration,
// ignoring timestamps.
func (d *Device) sameBinding(o *Device) bool {
	return d.Name == o.Name &&
		d.Address == o.Address &&
		d.Category == o.Category &&
		d.ProductID == o.ProductID &&
		d.ProtocolVersion == o.ProtocolVersion
}
