package catalog

import "strings"

// FullAddress normalises a BLE address to upper-case colon form. Dashes
// and the bare twelve-digit form are accepted.
func FullAddress(address string) string {
	a := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(address), "-", ":"))
	if len(a) != 12 || strings.Contains(a, ":") { //nolint:mnd // six octets, no separators
		return a
	}
	var b strings.Builder
	for i := 0; i < len(a); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(a[i : i+2])
	}
	return b.String()
}

// ShortAddress returns the last three bytes of a BLE address, e.g.
// "AA:BB:CC:DD:EE:FF" becomes "DD:EE:FF".
func ShortAddress(address string) string {
	parts := strings.Split(FullAddress(address), ":")
	if len(parts) <= 3 { //nolint:mnd // three trailing octets
		return strings.Join(parts, ":")
	}
	return strings.Join(parts[len(parts)-3:], ":")
}

// DisplayName combines a product name with both address forms for logs
// and inventory listings.
func DisplayName(name, address string) string {
	return name + " [" + FullAddress(address) + ", short " + ShortAddress(address) + "]"
}
