package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nerrad567/tuyable/internal/tuya/catalog"
)

// Validation constants.
const (
	maxNameLength = 100
	maxIDLength   = 64
	idPattern     = `^[A-Za-z0-9][A-Za-z0-9_.-]*$`
)

var (
	idRegex  = regexp.MustCompile(idPattern)
	macRegex = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)
)

// Validate checks d and normalises its address to the colon form.
// An unset protocol version becomes 3.
func Validate(d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: nil device", ErrInvalidDevice)
	}
	if len(d.ID) > maxIDLength || !idRegex.MatchString(d.ID) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalidDevice, d.ID, idPattern)
	}
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: %d characters, max %d", ErrInvalidName, len(d.Name), maxNameLength)
	}

	addr := catalog.FullAddress(strings.TrimSpace(d.Address))
	if !macRegex.MatchString(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, d.Address)
	}
	d.Address = addr

	if d.Category == "" {
		return fmt.Errorf("%w: category is required", ErrInvalidDevice)
	}

	switch d.ProtocolVersion {
	case 0:
		d.ProtocolVersion = 3
	case 2, 3:
	default:
		return fmt.Errorf("%w: protocol version %d", ErrInvalidDevice, d.ProtocolVersion)
	}
	return nil
}
