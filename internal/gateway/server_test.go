package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/broadcast"
	"github.com/charging-platform/ocpp-gateway/internal/business/authorization"
	"github.com/charging-platform/ocpp-gateway/internal/business/chargepoint"
	"github.com/charging-platform/ocpp-gateway/internal/business/transaction"
	"github.com/charging-platform/ocpp-gateway/internal/config"
	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/message"
	protocol "github.com/charging-platform/ocpp-gateway/internal/protocol/ocpp16"
	"github.com/charging-platform/ocpp-gateway/internal/transport/websocket"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testGateway struct {
	server       *Server
	http         *httptest.Server
	registry     *chargepoint.Registry
	hub          *broadcast.Hub
	transactions *transaction.Manager
}

func newTestGateway(t *testing.T, bootConfig ...protocol.ConfigurationKey) *testGateway {
	t.Helper()

	policy, err := authorization.NewStaticPolicy([]config.AllowedTag{{IdTag: "kevin09"}})
	require.NoError(t, err)

	hub := broadcast.NewHub(nil, nil)
	transactions := transaction.NewManager(policy, nil, hub, nil, nil)
	correlation := protocol.NewCorrelationTable(&protocol.CorrelationConfig{CallTimeout: 2 * time.Second}, nil)

	processorConfig := protocol.DefaultProcessorConfig()
	processorConfig.BootConfiguration = bootConfig
	processor := protocol.NewProcessor(correlation, transactions, policy, hub, processorConfig, nil)

	registry := chargepoint.NewRegistry(nil, nil, nil)

	wsConfig := websocket.DefaultConfig()
	wsConfig.PingInterval = 0
	wsConfig.ReadTimeout = 5 * time.Second
	wsConfig.WriteTimeout = time.Second
	ws := websocket.NewManager(wsConfig, nil)

	server := NewServer(nil, ws, processor, registry, transactions, hub, nil)
	httpServer := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		httpServer.Close()
	})

	return &testGateway{
		server:       server,
		http:         httpServer,
		registry:     registry,
		hub:          hub,
		transactions: transactions,
	}
}

func (g *testGateway) url(path string) string {
	return "ws" + strings.TrimPrefix(g.http.URL, "http") + path
}

func (g *testGateway) dialChargePoint(t *testing.T, identity string) *gws.Conn {
	t.Helper()
	dialer := gws.Dialer{Subprotocols: []string{websocket.SubprotocolOCPP16}, HandshakeTimeout: time.Second}
	conn, _, err := dialer.Dial(g.url("/ocpp/"+identity), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		found, err := g.registry.Lookup(identity)
		return err == nil && found.Info().RemoteAddr != ""
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func (g *testGateway) dialObserver(t *testing.T) *gws.Conn {
	t.Helper()
	before := g.hub.Len()
	conn, _, err := gws.DefaultDialer.Dial(g.url("/observers"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return g.hub.Len() == before+1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// readFrame 读取一帧并拆成数组元素
func readFrame(t *testing.T, conn *gws.Conn) []json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame), "frame: %s", data)
	return frame
}

func call(t *testing.T, conn *gws.Conn, uniqueID string, action ocpp16.Action, payload string) []json.RawMessage {
	t.Helper()
	msg := fmt.Sprintf(`[2,%q,%q,%s]`, uniqueID, action, payload)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(msg)))

	frame := readFrame(t, conn)
	require.GreaterOrEqual(t, len(frame), 3)
	assert.JSONEq(t, fmt.Sprintf("%q", uniqueID), string(frame[1]))
	return frame
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v), "payload: %s", raw)
}

// readEventOfType 读取观察者事件直到出现指定类型
func readEventOfType(t *testing.T, conn *gws.Conn, eventType events.EventType) map[string]interface{} {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", eventType)

		var event map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &event))
		if event["type"] == string(eventType) {
			return event
		}
	}
}

const bootPayload = `{"chargePointVendor":"X","chargePointModel":"Y"}`

func startPayload(meterStart int) string {
	return fmt.Sprintf(`{"connectorId":1,"idTag":"kevin09","meterStart":%d,"timestamp":"2025-03-01T12:00:00Z"}`, meterStart)
}

func stopPayload(transactionID int64, meterStop int) string {
	return fmt.Sprintf(`{"transactionId":%d,"meterStop":%d,"timestamp":"2025-03-01T13:00:00Z"}`, transactionID, meterStop)
}

func TestGateway_BootNotification(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dialChargePoint(t, "CP1")

	frame := call(t, conn, "1", ocpp16.ActionBootNotification, bootPayload)
	require.Len(t, frame, 3)
	assert.Equal(t, "3", string(frame[0]))

	var resp ocpp16.BootNotificationResponse
	decode(t, frame[2], &resp)
	assert.Equal(t, ocpp16.RegistrationStatusAccepted, resp.Status)
	assert.Equal(t, 1, resp.Interval)
	assert.False(t, resp.CurrentTime.IsZero())

	sessions := g.server.GetActiveSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "CP1", sessions[0].Identity)
	assert.Equal(t, string(protocol.StateBooted), sessions[0].State)
}

func TestGateway_TransactionScenario(t *testing.T) {
	g := newTestGateway(t)
	observer := g.dialObserver(t)
	conn := g.dialChargePoint(t, "CP1")

	call(t, conn, "1", ocpp16.ActionBootNotification, bootPayload)

	frame := call(t, conn, "2", ocpp16.ActionStartTransaction, startPayload(100))
	var started ocpp16.StartTransactionResponse
	decode(t, frame[2], &started)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, started.IdTagInfo.Status)
	require.NotZero(t, started.TransactionId)
	t1 := started.TransactionId

	event := readEventOfType(t, observer, events.EventTypeTransactionStarted)
	assert.Equal(t, "CP1", event["charge_point_id"])
	assert.Contains(t, event["message"], "meter_start=100")
	info := event["transaction_info"].(map[string]interface{})
	assert.EqualValues(t, t1, info["transaction_id"])
	assert.EqualValues(t, 100, info["meter_start"])

	frame = call(t, conn, "3", ocpp16.ActionStopTransaction, stopPayload(t1, 150))
	var stopped ocpp16.StopTransactionResponse
	decode(t, frame[2], &stopped)
	require.NotNil(t, stopped.IdTagInfo)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, stopped.IdTagInfo.Status)

	event = readEventOfType(t, observer, events.EventTypeTransactionStopped)
	info = event["transaction_info"].(map[string]interface{})
	assert.EqualValues(t, t1, info["transaction_id"])
	assert.EqualValues(t, 150, info["meter_stop"])

	frame = call(t, conn, "4", ocpp16.ActionStopTransaction, stopPayload(t1, 150))
	decode(t, frame[2], &stopped)
	require.NotNil(t, stopped.IdTagInfo)
	assert.Equal(t, ocpp16.AuthorizationStatusInvalid, stopped.IdTagInfo.Status)

	tx, err := g.server.GetTransaction(t1)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusStopped, tx.Status)
	require.NotNil(t, tx.MeterStop)
	assert.Equal(t, 150, *tx.MeterStop)

	_, err = g.server.GetTransaction(t1 + 1000)
	assert.ErrorIs(t, err, transaction.ErrNotFound)
}

func TestGateway_AuthorizeAndProtocolErrors(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dialChargePoint(t, "CP1")

	frame := call(t, conn, "1", ocpp16.ActionAuthorize, `{"idTag":"kevin09"}`)
	var auth ocpp16.AuthorizeResponse
	decode(t, frame[2], &auth)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, auth.IdTagInfo.Status)

	frame = call(t, conn, "2", ocpp16.ActionAuthorize, `{"idTag":"stranger"}`)
	decode(t, frame[2], &auth)
	assert.Equal(t, ocpp16.AuthorizationStatusBlocked, auth.IdTagInfo.Status)

	frame = call(t, conn, "3", "Reset", `{"type":"Hard"}`)
	assert.Equal(t, "4", string(frame[0]))
	assert.JSONEq(t, `"NotImplemented"`, string(frame[2]))

	frame = call(t, conn, "4", ocpp16.ActionStartTransaction, `{"connectorId":1}`)
	assert.Equal(t, "4", string(frame[0]))
	assert.JSONEq(t, `"FormationViolation"`, string(frame[2]))

	// 未匹配的响应被忽略，连接保持可用
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`[3,"never-sent",{}]`)))
	frame = call(t, conn, "5", ocpp16.ActionHeartbeat, `{}`)
	assert.Equal(t, "3", string(frame[0]))
}

func TestGateway_RejectsInvalidIdentity(t *testing.T) {
	g := newTestGateway(t)

	dialer := gws.Dialer{Subprotocols: []string{websocket.SubprotocolOCPP16}, HandshakeTimeout: time.Second}
	for _, path := range []string{"/ocpp/", "/ocpp/bad%20id"} {
		_, resp, err := dialer.Dial(g.url(path), nil)
		require.Error(t, err, path)
		require.NotNil(t, resp, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
	assert.Equal(t, 0, g.registry.Count())
}

func TestGateway_ReconnectEvictsOldConnection(t *testing.T) {
	g := newTestGateway(t)
	observer := g.dialObserver(t)

	first := g.dialChargePoint(t, "CP1")
	firstInfo, err := g.registry.Lookup("CP1")
	require.NoError(t, err)
	firstConnection := firstInfo.ConnectionID()

	second := g.dialChargePoint(t, "CP1")
	require.Eventually(t, func() bool {
		current, err := g.registry.Lookup("CP1")
		return err == nil && current.ConnectionID() != firstConnection
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = first.ReadMessage()
	assert.Error(t, err)

	event := readEventOfType(t, observer, events.EventTypeChargePointDisconnected)
	assert.Equal(t, "CP1", event["charge_point_id"])

	// 旧连接的清理不会移除新会话
	assert.Equal(t, 1, g.registry.Count())
	frame := call(t, second, "1", ocpp16.ActionHeartbeat, `{}`)
	assert.Equal(t, "3", string(frame[0]))
}

func TestGateway_CallAndDisconnect(t *testing.T) {
	g := newTestGateway(t)
	cp1 := g.dialChargePoint(t, "CP1")
	cp2 := g.dialChargePoint(t, "CP2")

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	results := map[string]chan outcome{"CP1": make(chan outcome, 1), "CP2": make(chan outcome, 1)}
	for identity, ch := range results {
		go func(identity string, ch chan outcome) {
			payload, err := g.server.Call(context.Background(), identity, ocpp16.ActionChangeConfiguration,
				ocpp16.ChangeConfigurationRequest{Key: "HeartbeatInterval", Value: "60"})
			ch <- outcome{payload, err}
		}(identity, ch)
	}

	frame1 := readFrame(t, cp1)
	assert.JSONEq(t, `"ChangeConfiguration"`, string(frame1[2]))
	frame2 := readFrame(t, cp2)
	require.Eventually(t, func() bool { return g.server.processor.Correlation().Len() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, cp1.Close())

	select {
	case res := <-results["CP1"]:
		assert.ErrorIs(t, res.err, protocol.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call to CP1 was not resolved on disconnect")
	}
	require.Eventually(t, func() bool {
		_, err := g.registry.Lookup("CP1")
		return errors.Is(err, chargepoint.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	// CP2 的请求不受影响
	select {
	case <-results["CP2"]:
		t.Fatal("CP2 call must still be pending")
	default:
	}
	var uniqueID string
	decode(t, frame2[1], &uniqueID)
	require.NoError(t, cp2.WriteMessage(gws.TextMessage, []byte(fmt.Sprintf(`[3,%q,{"status":"Accepted"}]`, uniqueID))))

	select {
	case res := <-results["CP2"]:
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"status":"Accepted"}`, string(res.payload))
	case <-time.After(2 * time.Second):
		t.Fatal("CP2 call was not resolved")
	}
}

func TestGateway_CallUnknownChargePoint(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.server.Call(context.Background(), "CP404", ocpp16.ActionChangeConfiguration, struct{}{})
	assert.ErrorIs(t, err, chargepoint.ErrNotFound)
}

func TestGateway_BootConfigurationPushed(t *testing.T) {
	g := newTestGateway(t, protocol.ConfigurationKey{Key: "MeterValueSampleInterval", Value: "1"})
	conn := g.dialChargePoint(t, "CP1")

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(`[2,"1","BootNotification",`+bootPayload+`]`)))

	reply := readFrame(t, conn)
	assert.Equal(t, "3", string(reply[0]))
	assert.Equal(t, `"1"`, string(reply[1]))

	configCall := readFrame(t, conn)
	require.Equal(t, "2", string(configCall[0]))
	assert.JSONEq(t, `"ChangeConfiguration"`, string(configCall[2]))
	assert.JSONEq(t, `{"key":"MeterValueSampleInterval","value":"1"}`, string(configCall[3]))

	var uniqueID string
	decode(t, configCall[1], &uniqueID)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte(fmt.Sprintf(`[3,%q,{"status":"Accepted"}]`, uniqueID))))
	require.Eventually(t, func() bool { return g.server.processor.Correlation().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_HandleCommand(t *testing.T) {
	g := newTestGateway(t)

	err := g.server.HandleCommand(context.Background(), &message.Command{ChargePointID: "CP1", CommandName: "Reset"})
	assert.ErrorIs(t, err, chargepoint.ErrNotFound)

	conn := g.dialChargePoint(t, "CP1")
	require.NoError(t, g.server.HandleCommand(context.Background(), &message.Command{
		ChargePointID: "CP1",
		CommandName:   "Reset",
		MessageID:     "cmd-1",
		Payload:       json.RawMessage(`{"type":"Soft"}`),
	}))

	frame := readFrame(t, conn)
	require.Len(t, frame, 4)
	assert.Equal(t, "2", string(frame[0]))
	assert.JSONEq(t, `"Reset"`, string(frame[2]))
	assert.JSONEq(t, `{"type":"Soft"}`, string(frame[3]))
}

func TestGateway_ConcurrentChargePoints(t *testing.T) {
	g := newTestGateway(t)

	const n = 10
	conns := make([]*gws.Conn, n)
	for i := range conns {
		conns[i] = g.dialChargePoint(t, fmt.Sprintf("CP%02d", i))
	}

	var mu sync.Mutex
	ids := make(map[int64]bool)
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *gws.Conn) {
			defer wg.Done()
			msg := fmt.Sprintf(`[2,"s%d","StartTransaction",%s]`, i, startPayload(i))
			if err := conn.WriteMessage(gws.TextMessage, []byte(msg)); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame []json.RawMessage
			var resp ocpp16.StartTransactionResponse
			if json.Unmarshal(data, &frame) != nil || len(frame) != 3 || json.Unmarshal(frame[2], &resp) != nil {
				return
			}
			mu.Lock()
			ids[resp.TransactionId] = true
			mu.Unlock()
		}(i, conn)
	}
	wg.Wait()

	assert.Len(t, ids, n)
	assert.Equal(t, n, len(g.server.GetActiveSessions()))
}

func TestGateway_Health(t *testing.T) {
	g := newTestGateway(t)
	g.dialChargePoint(t, "CP1")
	g.dialObserver(t)

	resp, err := http.Get(g.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "healthy", status["status"])
	assert.EqualValues(t, 1, status["charge_points"])
	assert.EqualValues(t, 1, status["observers"])
	assert.EqualValues(t, 2, status["connections"])
}

func TestGateway_Shutdown(t *testing.T) {
	g := newTestGateway(t)
	conn := g.dialChargePoint(t, "CP1")

	done := make(chan error, 1)
	go func() {
		_, err := g.server.Call(context.Background(), "CP1", ocpp16.ActionChangeConfiguration,
			ocpp16.ChangeConfigurationRequest{Key: "HeartbeatInterval", Value: "60"})
		done <- err
	}()
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, g.server.Shutdown(ctx))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not resolved on shutdown")
	}

	assert.ErrorIs(t, g.server.HandleCommand(context.Background(), &message.Command{ChargePointID: "CP1", CommandName: "Reset"}), ErrShuttingDown)

	resp, err := http.Get(g.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
