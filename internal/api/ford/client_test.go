package ford

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
	codes  []int
}

func (o *recordingObserver) ObserveStatus(endpoint string, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, endpoint)
	o.codes = append(o.codes, code)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *recordingObserver) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(zap.NewNop(), srv.Client(), testRegion(t), Hosts{Guard: srv.URL, Autonomic: srv.URL})
	obs := &recordingObserver{}
	c.SetObserver(obs)
	return c, obs
}

func TestTelemetry(t *testing.T) {
	appID := testRegion(t).AppID
	c, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/telemetry/sources/fordpass/vehicles/VIN1", r.URL.Path)
		assert.Equal(t, "Bearer auto", r.Header.Get("Authorization"))
		assert.Equal(t, appID, r.Header.Get("Application-Id"))
		_, _ = w.Write([]byte(`{"metrics":{"odometer":{"value":1234.5}},"states":{}}`))
	})

	data, err := c.Telemetry(context.Background(), "auto", "VIN1")
	require.NoError(t, err)
	assert.Contains(t, data, "metrics")
	assert.Equal(t, []string{EndpointTelemetry}, obs.events)
}

func TestTelemetry_Unauthorized(t *testing.T) {
	c, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.Telemetry(context.Background(), "auto", "VIN1")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, []int{http.StatusUnauthorized}, obs.codes)
}

func TestMessagesAndDashboard(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cat", r.Header.Get("Auth-Token"))
		switch r.URL.Path {
		case "/messagecenter/v3/messages":
			_, _ = w.Write([]byte(`{"result":{"messages":[{"messageId":1},{"messageId":2}]}}`))
		case "/expdashboard/v1/details/":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "DEU", r.Header.Get("Countrycode"))
			assert.Equal(t, "en-US", r.Header.Get("Locale"))
			var body map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "All", body["dashboardRefreshRequest"])
			w.WriteHeader(http.StatusMultiStatus)
			_, _ = w.Write([]byte(`{"vehicleProfile":[{"VIN":"VIN1","engineType":"BEV"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	msgs, err := c.Messages(context.Background(), "cat")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	dash, err := c.Dashboard(context.Background(), "cat")
	require.NoError(t, err)
	assert.Contains(t, dash, "vehicleProfile")
}

func TestGuardStatus(t *testing.T) {
	var licensed atomic.Bool
	licensed.Store(true)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/guardmode/v1/VIN1/session", r.URL.Path)
		assert.Equal(t, []string{"cat"}, r.Header["auth-token"])
		if licensed.Load() {
			_, _ = w.Write([]byte(`{"returnCode":200,"session":{"gmStatus":"enable"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"returnCode":404}`))
	})

	data, err := c.GuardStatus(context.Background(), "cat", "VIN1")
	require.NoError(t, err)
	assert.Contains(t, data, "session")

	licensed.Store(false)
	_, err = c.GuardStatus(context.Background(), "cat", "VIN1")
	assert.True(t, errors.Is(err, ErrNotLicensed))
}

func TestSendCommand(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/command/vehicles/VIN1/commands", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "remoteStart", body["type"])
		assert.Equal(t, true, body["wakeUp"])
		assert.Equal(t, map[string]any{}, body["tags"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"cmd-1","currentStatus":"REQUESTED"}`))
	})

	id, err := c.SendCommand(context.Background(), "auto", "VIN1", "remoteStart", nil)
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", id)
}

func TestSendCommand_Rejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.SendCommand(context.Background(), "auto", "VIN1", "lock", nil)
	assert.True(t, errors.Is(err, ErrForbidden))

	// 200 也不是命令端点的成功码
	c, _ = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x"}`))
	})
	_, err = c.SendCommand(context.Background(), "auto", "VIN1", "lock", nil)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
}

func TestSendURLCommand(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fordconnect/v1/vehicles/VIN1/startCharge", r.URL.Path)
		assert.Equal(t, "DEU", r.Header.Get("Countrycode"))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"commandId":"url-1"}`))
	})

	id, err := c.SendURLCommand(context.Background(), "cat", "VIN1", "startCharge")
	require.NoError(t, err)
	assert.Equal(t, "url-1", id)
}
