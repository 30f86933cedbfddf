package prober

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a fake device API that remembers the paths it was asked for.
type recorder struct {
	mu      sync.Mutex
	paths   []string
	accepts []string
	handle  func(w http.ResponseWriter, r *http.Request)
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.mu.Lock()
	rec.paths = append(rec.paths, r.URL.Path)
	rec.accepts = append(rec.accepts, r.Header.Get("Accept"))
	rec.mu.Unlock()
	rec.handle(w, r)
}

func (rec *recorder) requested() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.paths...)
}

func startServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) (*recorder, int) {
	t.Helper()
	rec := &recorder{handle: handle}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)
	return rec, portOf(t, srv.URL)
}

func portOf(t *testing.T, raw string) int {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func deviceArray(n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = `{"_id":"dev-` + strconv.Itoa(i) + `"}`
	}
	return "[" + strings.Join(items, ",") + "]"
}

func TestProbeFallsBackToThirdCandidate(t *testing.T) {
	rec, port := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/devices":
			http.Error(w, "not here", http.StatusNotFound)
		case "/api/v1/devices":
			w.Write([]byte("<html>login</html>"))
		case "/api/devices":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(deviceArray(7)))
		}
	})

	p := New(zerolog.Nop(), WithAPIPort(port))
	res := p.Probe(context.Background(), Target{Name: "isp-a", Address: "https://127.0.0.1:3000/"})

	assert.True(t, res.Reachable)
	assert.Equal(t, 7, res.Count)
	assert.Equal(t, 7, res.DeviceCount())
	assert.Equal(t, []string{"/devices", "/api/v1/devices", "/api/devices"}, rec.requested())
	require.Len(t, res.Attempts, 3)
	assert.Equal(t, http.StatusNotFound, res.Attempts[0].Status)
	assert.NotEmpty(t, res.Attempts[1].Error)
	assert.Empty(t, res.Attempts[2].Error)
	assert.True(t, strings.HasSuffix(res.URL, "/api/devices"))
	for _, accept := range rec.accepts {
		assert.Equal(t, "application/json", accept)
	}
}

func TestProbeStopsAtFirstSuccess(t *testing.T) {
	rec, port := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"devices":[{},{}],"total":2}`))
	})

	res := New(zerolog.Nop(), WithAPIPort(port)).Probe(context.Background(), Target{Name: "isp-b", Address: "127.0.0.1"})

	assert.True(t, res.Reachable)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, []string{"/devices"}, rec.requested())
}

func TestProbeUnexpectedShapeEverywhere(t *testing.T) {
	rec, port := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[1,2,3]}`))
	})

	res := New(zerolog.Nop(), WithAPIPort(port)).Probe(context.Background(), Target{Name: "isp-c", Address: "127.0.0.1"})

	assert.False(t, res.Reachable)
	assert.Equal(t, 0, res.DeviceCount())
	assert.Len(t, rec.requested(), 3)
	assert.Contains(t, res.LastError(), "unexpected response shape")
}

func TestProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p := New(zerolog.Nop(), WithAPIPort(port), WithTimeout(2*time.Second))

	var res Result
	assert.NotPanics(t, func() {
		res = p.Probe(context.Background(), Target{Name: "isp-dead", Address: "http://127.0.0.1"})
	})
	assert.False(t, res.Reachable)
	assert.Equal(t, 0, res.DeviceCount())
	require.Len(t, res.Attempts, 3)
	for i, a := range res.Attempts {
		assert.True(t, strings.HasSuffix(a.URL, CandidatePaths[i]))
		assert.NotEmpty(t, a.Error)
	}
}

func TestProbeHostlessAddressNeverDialsLocal(t *testing.T) {
	rec, port := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(deviceArray(42)))
	})
	p := New(zerolog.Nop(), WithAPIPort(port), WithTimeout(2*time.Second))

	for _, addr := range []string{"http://", "https:///", "http://:3000"} {
		t.Run(addr, func(t *testing.T) {
			res := p.Probe(context.Background(), Target{Name: "isp-blank", Address: addr})
			assert.False(t, res.Reachable)
			assert.Equal(t, 0, res.DeviceCount())
			require.Len(t, res.Attempts, 3)
			assert.Equal(t, errNoHost.Error(), res.LastError())
		})
	}
	assert.Empty(t, rec.requested())
}

func TestProbeTimeoutMovesOn(t *testing.T) {
	rec, port := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/devices" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.Write([]byte(deviceArray(3)))
	})

	p := New(zerolog.Nop(), WithAPIPort(port), WithTimeout(100*time.Millisecond))
	res := p.Probe(context.Background(), Target{Name: "isp-slow", Address: "127.0.0.1"})

	assert.True(t, res.Reachable)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, []string{"/devices", "/api/v1/devices"}, rec.requested())
}

func TestProbeCancelledContext(t *testing.T) {
	rec, port := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(deviceArray(1)))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(zerolog.Nop(), WithAPIPort(port)).Probe(ctx, Target{Name: "isp-x", Address: "127.0.0.1"})

	assert.False(t, res.Reachable)
	assert.Empty(t, rec.requested())
}

func TestCountDevices(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{name: "empty-array", body: `[]`, want: 0},
		{name: "array", body: ` [{"a":1},{"b":2},3] `, want: 3},
		{name: "object-with-devices", body: `{"devices":[{},{},{},{}]}`, want: 4},
		{name: "object-with-empty-devices", body: `{"devices":[]}`, want: 0},
		{name: "devices-not-a-list", body: `{"devices":{"a":1}}`, wantErr: true},
		{name: "devices-null", body: `{"devices":null}`, wantErr: true},
		{name: "capitalised-key", body: `{"Devices":[1]}`, wantErr: true},
		{name: "scalar", body: `42`, wantErr: true},
		{name: "not-json", body: `<html></html>`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CountDevices([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
