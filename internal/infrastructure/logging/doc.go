// Package logging builds the slog logger every tuyable component writes to.
//
// New reads the logging section of the config (level, json or text
// format, stdout or stderr) and stamps each record with the service name
// and build version. Components take the *Logger, or any value with the
// same Debug/Info/Warn/Error methods, so tests can pass a recorder.
//
// Devices are logged by id and address. Local keys and API tokens never
// appear in log attributes.
package logging
