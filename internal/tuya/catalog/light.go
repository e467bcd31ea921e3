package catalog

// Light control opcodes carried in a raw light command datapoint.
const (
	LightOff        byte = 0x00
	LightOn         byte = 0x01
	LightBrightness byte = 0x02
	LightColorTemp  byte = 0x03
)

// Colour temperature range of Tuya BLE lights, in mireds.
const (
	MinColorTempMireds = 153
	MaxColorTempMireds = 500
)

// LightFieldName is the schema name of the raw light command datapoint.
const LightFieldName = "light_control"

// LightCommand describes a light state change. Nil fields are left
// unchanged.
type LightCommand struct {
	On         bool
	Brightness *uint8 // 0-255
	ColorTemp  *int   // mireds
}

// Encode returns the raw light command bytes. Brightness and colour
// temperature are only sent when turning the light on.
func (c LightCommand) Encode() []byte {
	if !c.On {
		return []byte{LightOff}
	}
	out := []byte{LightOn}
	if c.Brightness != nil {
		out = append(out, LightBrightness, BrightnessToPercent(*c.Brightness))
	}
	if c.ColorTemp != nil {
		out = append(out, LightColorTemp, ColorTempToPercent(*c.ColorTemp))
	}
	return out
}

// BrightnessToPercent scales 0-255 brightness to the 0-100 wire range.
func BrightnessToPercent(b uint8) uint8 {
	return uint8(int(b) * 100 / 255) //nolint:gosec,mnd // result is 0-100
}

// PercentToBrightness is the inverse of BrightnessToPercent.
func PercentToBrightness(p uint8) uint8 {
	return uint8(min(int(p), 100) * 255 / 100) //nolint:gosec,mnd // result is 0-255
}

// ColorTempToPercent scales mireds to the 0-100 wire range, clamping to
// the supported range.
func ColorTempToPercent(mireds int) uint8 {
	m := min(max(mireds, MinColorTempMireds), MaxColorTempMireds)
	return uint8((m - MinColorTempMireds) * 100 / (MaxColorTempMireds - MinColorTempMireds)) //nolint:gosec,mnd // result is 0-100
}

// PercentToColorTemp is the inverse of ColorTempToPercent.
func PercentToColorTemp(p uint8) int {
	return int(min(p, 100))*(MaxColorTempMireds-MinColorTempMireds)/100 + MinColorTempMireds //nolint:mnd // percent
}
