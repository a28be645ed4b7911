package monitoring

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"barcodegate/barcode"
	"barcodegate/capture"
	"barcodegate/config"
	"barcodegate/forward"
	"barcodegate/output"
	"barcodegate/serial"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeController struct {
	mu        sync.Mutex
	bound     map[barcode.Role]string
	selectErr error
	pending   map[barcode.Role][]barcode.Record

	recordHandlers []func(barcode.Record)
	eventHandlers  []output.EventCallback
}

func newFakeController() *fakeController {
	return &fakeController{
		bound:   make(map[barcode.Role]string),
		pending: make(map[barcode.Role][]barcode.Record),
	}
}

func (f *fakeController) ListPorts() []serial.PortInfo {
	return []serial.PortInfo{{Name: "/dev/ttyUSB0", IsUSB: true}, {Name: "/dev/ttyUSB1"}}
}

func (f *fakeController) Status() []capture.ChannelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]capture.ChannelStatus, 0, len(barcode.Roles))
	for _, role := range barcode.Roles {
		st := capture.ChannelStatus{Role: role.String(), State: capture.StateUnbound}
		if port := f.bound[role]; port != "" {
			st.Port = port
			st.State = "listening"
			st.Pending = len(f.pending[role])
		}
		out = append(out, st)
	}
	return out
}

func (f *fakeController) Select(role barcode.Role, port string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return f.selectErr
	}
	if port == "" {
		return capture.ErrEmptyPort
	}
	f.bound[role] = port
	return nil
}

func (f *fakeController) Clear(role barcode.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bound, role)
	return nil
}

func (f *fakeController) LatestRecords(role barcode.Role) ([]barcode.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs := f.pending[role]
	delete(f.pending, role)
	if recs == nil {
		recs = []barcode.Record{}
	}
	return recs, nil
}

func (f *fakeController) LatestAll() []barcode.Record {
	entry, _ := f.LatestRecords(barcode.RoleEntry)
	exit, _ := f.LatestRecords(barcode.RoleExit)
	return append(entry, exit...)
}

func (f *fakeController) AddRecordHandler(fn func(barcode.Record)) {
	f.recordHandlers = append(f.recordHandlers, fn)
}

func (f *fakeController) AddEventHandler(fn output.EventCallback) {
	f.eventHandlers = append(f.eventHandlers, fn)
}

func (f *fakeController) InstanceID() string           { return "test-01" }
func (f *fakeController) Uptime() time.Duration        { return 90 * time.Second }
func (f *fakeController) NATSConnected() bool          { return false }
func (f *fakeController) ForwarderStats() forward.Stats { return forward.Stats{} }

// scan stores rec and notifies handlers the way the manager does
func (f *fakeController) scan(rec barcode.Record) {
	f.mu.Lock()
	f.pending[rec.Role] = append(f.pending[rec.Role], rec)
	f.mu.Unlock()
	for _, fn := range f.recordHandlers {
		fn(rec)
	}
}

func (f *fakeController) event(ev output.Event) {
	for _, fn := range f.eventHandlers {
		fn(ev)
	}
}

func newTestServer(t *testing.T, cfg *config.MonitoringConfig) (*Server, *fakeController) {
	t.Helper()
	if cfg == nil {
		cfg = &config.MonitoringConfig{Port: 8080}
	}
	ctl := newFakeController()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(cfg, ctl, logger)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, ctl
}

func serve(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to parse response %q: %v", rr.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(t, s, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var response map[string]any
	decode(t, rr, &response)

	if response["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", response["status"])
	}
	if response["instance_id"] != "test-01" {
		t.Errorf("instance_id = %v, want test-01", response["instance_id"])
	}
	if response["uptime_seconds"] != float64(90) {
		t.Errorf("uptime_seconds = %v, want 90", response["uptime_seconds"])
	}
	if _, ok := response["timestamp"]; !ok {
		t.Error("Response should include timestamp")
	}
}

func TestHandlePortsMarksBoundPorts(t *testing.T) {
	s, ctl := newTestServer(t, nil)
	ctl.Select(barcode.RoleExit, "/dev/ttyUSB1")

	rr := serve(t, s, http.MethodGet, "/api/ports", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var response struct {
		Ports []struct {
			Name  string `json:"name"`
			IsUSB bool   `json:"is_usb"`
			InUse string `json:"in_use"`
		} `json:"ports"`
	}
	decode(t, rr, &response)

	if len(response.Ports) != 2 {
		t.Fatalf("ports = %+v, want 2", response.Ports)
	}
	if response.Ports[0].Name != "/dev/ttyUSB0" || !response.Ports[0].IsUSB || response.Ports[0].InUse != "" {
		t.Errorf("ports[0] = %+v", response.Ports[0])
	}
	if response.Ports[1].InUse != "exit" {
		t.Errorf("ports[1].in_use = %q, want exit", response.Ports[1].InUse)
	}
}

func TestSelectAndClearChannel(t *testing.T) {
	s, ctl := newTestServer(t, nil)

	rr := serve(t, s, http.MethodPut, "/api/channels/entry", `{"port":"/dev/ttyUSB0"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rr.Code, rr.Body.String())
	}
	var st capture.ChannelStatus
	decode(t, rr, &st)
	if st.Role != "entry" || st.Port != "/dev/ttyUSB0" || st.State != "listening" {
		t.Errorf("PUT response = %+v", st)
	}

	rr = serve(t, s, http.MethodGet, "/api/channels", "")
	var all struct {
		Channels []capture.ChannelStatus `json:"channels"`
	}
	decode(t, rr, &all)
	if len(all.Channels) != 2 || all.Channels[0].Port != "/dev/ttyUSB0" || all.Channels[1].State != capture.StateUnbound {
		t.Errorf("GET channels = %+v", all.Channels)
	}

	rr = serve(t, s, http.MethodDelete, "/api/channels/ENTRY", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d", rr.Code)
	}
	decode(t, rr, &st)
	if st.State != capture.StateUnbound {
		t.Errorf("DELETE response State = %q, want unbound", st.State)
	}
	if ctl.bound[barcode.RoleEntry] != "" {
		t.Error("entry still bound after DELETE")
	}
}

func TestSelectChannelErrors(t *testing.T) {
	connErr := &capture.ConnectionError{Role: barcode.RoleEntry, Port: "COM9", Err: errors.New("access denied")}

	tests := []struct {
		name      string
		target    string
		body      string
		selectErr error
		want      int
	}{
		{"unknown role", "/api/channels/lobby", `{"port":"COM3"}`, nil, http.StatusBadRequest},
		{"invalid json", "/api/channels/entry", `{"port":`, nil, http.StatusBadRequest},
		{"empty port", "/api/channels/entry", `{"port":""}`, nil, http.StatusBadRequest},
		{"connection failure", "/api/channels/entry", `{"port":"COM9"}`, connErr, http.StatusBadGateway},
		{"port in use", "/api/channels/exit", `{"port":"COM3"}`, fmt.Errorf("COM3: %w (entry)", capture.ErrPortInUse), http.StatusConflict},
		{"engine closed", "/api/channels/exit", `{"port":"COM3"}`, capture.ErrEngineClosed, http.StatusServiceUnavailable},
		{"unexpected", "/api/channels/exit", `{"port":"COM3"}`, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ctl := newTestServer(t, nil)
			ctl.selectErr = tt.selectErr

			rr := serve(t, s, http.MethodPut, tt.target, tt.body)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body.String())
			}

			var response map[string]string
			decode(t, rr, &response)
			if response["error"] == "" {
				t.Error("error response should carry a message")
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(t, s, http.MethodPost, "/api/channels/entry", `{"port":"COM3"}`)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleRecordsDrains(t *testing.T) {
	s, ctl := newTestServer(t, nil)
	ts := time.Date(2025, 12, 3, 15, 4, 5, 0, time.UTC)
	ctl.scan(barcode.Record{ID: "a", Seq: 1, Role: barcode.RoleEntry, Port: "COM3", Payload: "ABC123", Timestamp: ts})
	ctl.scan(barcode.Record{ID: "b", Seq: 2, Role: barcode.RoleExit, Port: "COM4", Payload: "XYZ", Timestamp: ts})

	type recordsResponse struct {
		Role    string           `json:"role"`
		Records []barcode.Record `json:"records"`
		Count   int              `json:"count"`
	}

	var resp recordsResponse
	decode(t, serve(t, s, http.MethodGet, "/api/records?role=entry", ""), &resp)
	if resp.Role != "entry" || resp.Count != 1 || resp.Records[0].Payload != "ABC123" {
		t.Errorf("entry records = %+v", resp)
	}

	resp = recordsResponse{}
	decode(t, serve(t, s, http.MethodGet, "/api/records", ""), &resp)
	if resp.Role != "all" || resp.Count != 1 || resp.Records[0].Role != barcode.RoleExit {
		t.Errorf("all records = %+v, want only the exit record left", resp)
	}

	resp = recordsResponse{}
	decode(t, serve(t, s, http.MethodGet, "/api/records?role=all", ""), &resp)
	if resp.Count != 0 || resp.Records == nil {
		t.Errorf("drained records = %+v, want an empty list", resp)
	}

	rr := serve(t, s, http.MethodGet, "/api/records?role=both", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown role status = %d, want 400", rr.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	s, _ := newTestServer(t, &config.MonitoringConfig{Port: 8080, Username: "admin", Password: "secret"})

	rr := serve(t, s, http.MethodGet, "/api/health", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 should carry WWW-Authenticate")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.SetBasicAuth("admin", "wrong")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.SetBasicAuth("admin", "secret")
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid credentials: status = %d, want 200", rr.Code)
	}

	// Scrapers are not asked for credentials
	rr = serve(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Errorf("/metrics status = %d, want 200", rr.Code)
	}
}

func TestMetricsCounters(t *testing.T) {
	s, ctl := newTestServer(t, nil)

	ctl.scan(barcode.Record{ID: "a", Seq: 1, Role: barcode.RoleEntry, Payload: "A"})
	ctl.scan(barcode.Record{ID: "b", Seq: 2, Role: barcode.RoleEntry, Payload: "B"})
	ctl.event(output.Event{Type: output.EventReadFailed, Role: "exit"})
	ctl.event(output.Event{Type: output.EventChannelSelected, Role: "exit"})

	m := s.Metrics()
	if got := testutil.ToFloat64(m.records.WithLabelValues("entry")); got != 2 {
		t.Errorf("entry records = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.records.WithLabelValues("exit")); got != 0 {
		t.Errorf("exit records = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("exit", "read")); got != 1 {
		t.Errorf("exit read failures = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.failures); got != 1 {
		t.Errorf("failure series = %d, want 1", got)
	}
}

func TestStatusCollector(t *testing.T) {
	ctl := newFakeController()
	ctl.Select(barcode.RoleEntry, "/dev/ttyUSB0")

	c := newStatusCollector(ctl)
	// Eight metrics per role
	if got := testutil.CollectAndCount(c); got != 16 {
		t.Errorf("CollectAndCount() = %d, want 16", got)
	}

	expected := `
# HELP barcodegate_channel_listening 1 if the role has a listening port, 0 otherwise
# TYPE barcodegate_channel_listening gauge
barcodegate_channel_listening{port="",role="exit",state="unbound"} 0
barcodegate_channel_listening{port="/dev/ttyUSB0",role="entry",state="listening"} 1
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "barcodegate_channel_listening"); err != nil {
		t.Error(err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, ctl := newTestServer(t, nil)
	ctl.scan(barcode.Record{ID: "a", Seq: 1, Role: barcode.RoleExit, Payload: "A"})

	rr := serve(t, s, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`barcodegate_records_total{role="exit"} 1`,
		`barcodegate_store_pending_records{role="entry"} 0`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}
}

func TestStreamDeliversRecords(t *testing.T) {
	s, ctl := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream?role=exit", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	expect := func(prefix string) string {
		t.Helper()
		timeout := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed waiting for %q", prefix)
				}
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-timeout:
				t.Fatalf("timed out waiting for %q", prefix)
			}
		}
	}

	expect("event: connected")

	// Entry records are filtered out of an exit stream
	ctl.scan(barcode.Record{ID: "a", Seq: 1, Role: barcode.RoleEntry, Payload: "IGNORED"})
	ctl.scan(barcode.Record{ID: "b", Seq: 2, Role: barcode.RoleExit, Port: "COM4", Payload: "XYZ"})

	expect("event: record")
	data := strings.TrimPrefix(expect("data: "), "data: ")

	var rec barcode.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		t.Fatalf("record data %q: %v", data, err)
	}
	if rec.Payload != "XYZ" || rec.Role != barcode.RoleExit {
		t.Errorf("streamed record = %+v", rec)
	}
}

func TestStreamRejectsUnknownRole(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := serve(t, s, http.MethodGet, "/api/stream?role=lobby", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestStopWithoutStart(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
