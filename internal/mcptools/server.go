package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nerrad567/tuyable/internal/tuya"
	"github.com/nerrad567/tuyable/internal/tuya/catalog"
)

// DefaultWriteTimeout bounds set_datapoint and refresh_device calls.
const DefaultWriteTimeout = 30 * time.Second

// serverName is reported to MCP clients during initialisation.
const serverName = "tuyable"

// ErrMissingDependency is returned by New when Devices is nil.
var ErrMissingDependency = errors.New("mcptools: missing dependency")

// Devices is the device access the tools need. *tuya.Manager satisfies it.
type Devices interface {
	Device(id string) (*tuya.Device, error)
	Devices() []*tuya.Device
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Server.
type Options struct {
	Devices Devices
	Version string

	// WriteTimeout bounds device round trips; 0 selects DefaultWriteTimeout.
	WriteTimeout time.Duration

	Logger Logger
}

// Server is an MCP server with the device tools registered.
type Server struct {
	mcp     *server.MCPServer
	devices Devices
	timeout time.Duration
	logger  Logger
}

// New creates a Server and registers its tools.
func New(opts Options) (*Server, error) {
	if opts.Devices == nil {
		return nil, fmt.Errorf("%w: devices", ErrMissingDependency)
	}
	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		mcp:     server.NewMCPServer(serverName, version, server.WithToolCapabilities(false), server.WithRecovery()),
		devices: opts.Devices,
		timeout: timeout,
		logger:  opts.Logger,
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying MCP server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve speaks MCP over in and out until ctx is cancelled or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logInfo("MCP stdio server started")
	defer s.logInfo("MCP stdio server stopped")

	err := server.NewStdioServer(s.mcp).Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("serving mcp: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_devices",
		mcp.WithDescription("List the Tuya BLE devices managed by this gateway with their connection state"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListDevices)

	s.mcp.AddTool(mcp.NewTool("get_device",
		mcp.WithDescription("Get one device with its datapoint schema and the datapoints it has reported"),
		mcp.WithString("device_id", mcp.Required(), mcp.Description("Device id from list_devices")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleGetDevice)

	s.mcp.AddTool(mcp.NewTool("get_datapoint",
		mcp.WithDescription("Read the last reported value of a datapoint"),
		mcp.WithString("device_id", mcp.Required(), mcp.Description("Device id from list_devices")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Datapoint name such as switch, or a numeric id")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleGetDatapoint)

	s.mcp.AddTool(mcp.NewTool("set_datapoint",
		mcp.WithDescription("Write a datapoint and wait until the device acknowledges it"),
		mcp.WithString("device_id", mcp.Required(), mcp.Description("Device id from list_devices")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Datapoint name such as switch, or a numeric id")),
		mcp.WithString("value", mcp.Required(), mcp.Description("New value as JSON, e.g. true, 42 or \"text\"")),
		mcp.WithDestructiveHintAnnotation(false),
	), s.handleSetDatapoint)

	s.mcp.AddTool(mcp.NewTool("refresh_device",
		mcp.WithDescription("Ask a device to report every datapoint"),
		mcp.WithString("device_id", mcp.Required(), mcp.Description("Device id from list_devices")),
	), s.handleRefreshDevice)
}

// deviceSummary is one list_devices entry.
type deviceSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Product   string `json:"product"`
	Category  string `json:"category"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// datapointResult is the JSON form of one datapoint.
type datapointResult struct {
	Name            string    `json:"name"`
	ID              uint8     `json:"id"`
	Type            string    `json:"type"`
	Value           any       `json:"value"`
	ChangedByDevice bool      `json:"changed_by_device"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newDatapointResult(v tuya.Value) datapointResult {
	return datapointResult{
		Name:            v.Name,
		ID:              v.ID,
		Type:            v.Type.String(),
		Value:           tuya.Plain(v.Value),
		ChangedByDevice: v.ChangedByDevice,
		UpdatedAt:       v.UpdatedAt,
	}
}

func (s *Server) handleListDevices(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices := s.devices.Devices()
	out := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		st := d.Status()
		out = append(out, deviceSummary{
			ID:        st.ID,
			Name:      st.Name,
			Product:   st.Product,
			Category:  st.Category,
			State:     st.State,
			Connected: st.Connected,
		})
	}
	return jsonResult(out)
}

func (s *Server) handleGetDevice(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, result := s.device(request)
	if result != nil {
		return result, nil
	}

	state := d.State()
	values := make([]datapointResult, 0, len(state))
	for _, v := range state {
		values = append(values, newDatapointResult(v))
	}
	return jsonResult(struct {
		deviceSummary
		Address    string            `json:"address"`
		Schema     []catalog.Field   `json:"schema"`
		Datapoints []datapointResult `json:"datapoints"`
	}{
		deviceSummary: deviceSummary{
			ID:        d.ID(),
			Name:      d.Name(),
			Product:   d.Product().Name,
			Category:  d.Product().Category,
			State:     d.Status().State,
			Connected: d.Connected(),
		},
		Address:    d.Address(),
		Schema:     d.Schema().Fields(),
		Datapoints: values,
	})
}

func (s *Server) handleGetDatapoint(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, result := s.device(request)
	if result != nil {
		return result, nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	id, _, err := d.Schema().Resolve(name)
	if err != nil {
		return errorResult(fmt.Errorf("%w: %s.%s", tuya.ErrUnknownDatapoint, d.ID(), name)), nil
	}
	for _, v := range d.State() {
		if v.ID == id {
			return jsonResult(newDatapointResult(v))
		}
	}
	return mcp.NewToolResultErrorf("not_reported: %s.%s has not been reported yet; try refresh_device", d.ID(), name), nil
}

func (s *Server) handleSetDatapoint(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, result := s.device(request)
	if result != nil {
		return result, nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, ok := request.GetArguments()["value"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("required argument \"value\" not found"), nil
	}
	value := decodeValue(raw)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := d.SetDatapoint(ctx, name, value); err != nil {
		s.logWarn("mcp datapoint write failed", "device_id", d.ID(), "datapoint", name, "error", err)
		return errorResult(err), nil
	}

	current, _ := d.GetDatapoint(name)
	return jsonResult(map[string]any{
		"device_id": d.ID(),
		"datapoint": name,
		"status":    "completed",
		"value":     tuya.Plain(current),
	})
}

func (s *Server) handleRefreshDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d, result := s.device(request)
	if result != nil {
		return result, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := d.Refresh(ctx); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("refresh requested for %s", d.ID())), nil
}

// device resolves the device_id argument. A non-nil result is an error
// result to return as is.
func (s *Server) device(request mcp.CallToolRequest) (*tuya.Device, *mcp.CallToolResult) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	d, err := s.devices.Device(id)
	if err != nil {
		return nil, errorResult(err)
	}
	return d, nil
}

// decodeValue parses string arguments as JSON so "true" and "42" reach the
// device as a bool and a number. Anything else is passed through.
func decodeValue(raw any) any {
	str, ok := raw.(string)
	if !ok {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(str), &v); err != nil || v == nil {
		return str
	}
	return v
}

func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultErrorf("%s: %v", tuya.ErrorCode(err), err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *Server) logInfo(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Info(msg, keysAndValues...)
	}
}

func (s *Server) logWarn(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, keysAndValues...)
	}
}
