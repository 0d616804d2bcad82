package ocpp16

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/charging-platform/ocpp-gateway/internal/business/authorization"
	"github.com/charging-platform/ocpp-gateway/internal/business/transaction"
	"github.com/charging-platform/ocpp-gateway/internal/config"
	"github.com/charging-platform/ocpp-gateway/internal/domain/events"
	"github.com/charging-platform/ocpp-gateway/internal/domain/ocpp16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn 记录会话发出的帧
type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	reason  string
	sendErr error
	notify  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{notify: make(chan struct{}, 64)}
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
}

func (c *fakeConn) RemoteAddr() string { return "10.0.0.1:5555" }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// last 返回最后一帧并解析为JSON数组
func (c *fakeConn) last(t *testing.T) []json.RawMessage {
	t.Helper()
	frames := c.frames()
	require.NotEmpty(t, frames, "no frame sent")
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &parts))
	return parts
}

// waitFrames 等待至少n帧被发送
func (c *fakeConn) waitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if frames := c.frames(); len(frames) >= n {
			return frames
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("expected %d frame(s), got %d", n, len(c.frames()))
		}
	}
}

type collectingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *collectingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *collectingPublisher) ofType(eventType events.EventType) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []events.Event
	for _, e := range p.events {
		if e.GetType() == eventType {
			result = append(result, e)
		}
	}
	return result
}

type testEnv struct {
	processor    *Processor
	transactions *transaction.Manager
	publisher    *collectingPublisher
}

func newTestEnv(t *testing.T, bootConfig ...ConfigurationKey) *testEnv {
	t.Helper()
	policy, err := authorization.NewStaticPolicy([]config.AllowedTag{{IdTag: "kevin09"}})
	require.NoError(t, err)

	publisher := &collectingPublisher{}
	transactions := transaction.NewManager(policy, nil, publisher, nil, nil)
	processor := NewProcessor(
		NewCorrelationTable(&CorrelationConfig{CallTimeout: time.Second}, nil),
		transactions,
		policy,
		publisher,
		&ProcessorConfig{HeartbeatInterval: time.Second, BootConfiguration: bootConfig, BootConfigurationTimeout: 5 * time.Second},
		nil,
	)
	return &testEnv{processor: processor, transactions: transactions, publisher: publisher}
}

func (e *testEnv) newSession(identity string) (*Session, *fakeConn) {
	conn := newFakeConn()
	return e.processor.NewSession(identity, identity+"-conn", conn), conn
}

func decodeInto(t *testing.T, raw json.RawMessage, target interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, target))
}

func TestSession_BootNotification(t *testing.T) {
	env := newTestEnv(t)
	session, conn := env.newSession("CP1")
	assert.Equal(t, StateConnecting, session.State())

	session.HandleMessage(context.Background(), []byte(`[2,"1","BootNotification",{"chargePointVendor":"X","chargePointModel":"Y"}]`))

	parts := conn.last(t)
	require.Len(t, parts, 3)
	assert.Equal(t, "3", string(parts[0]))
	assert.Equal(t, `"1"`, string(parts[1]))

	var resp struct {
		CurrentTime string `json:"currentTime"`
		Interval    int    `json:"interval"`
		Status      string `json:"status"`
	}
	decodeInto(t, parts[2], &resp)
	assert.Equal(t, "Accepted", resp.Status)
	assert.Equal(t, 1, resp.Interval)
	_, err := time.Parse(time.RFC3339, resp.CurrentTime)
	assert.NoError(t, err)

	assert.Equal(t, StateBooted, session.State())
	require.Len(t, env.publisher.ofType(events.EventTypeChargePointRegistered), 1)
}

func TestSession_StateTransitions(t *testing.T) {
	env := newTestEnv(t)
	session, conn := env.newSession("CP1")
	ctx := context.Background()

	// Connecting 状态下心跳只应答不迁移
	session.HandleMessage(ctx, []byte(`[2,"h0","Heartbeat",{}]`))
	assert.Equal(t, "3", string(conn.last(t)[0]))
	assert.Equal(t, StateConnecting, session.State())

	session.HandleMessage(ctx, []byte(`[2,"b1","BootNotification",{"chargePointVendor":"X","chargePointModel":"Y"}]`))
	assert.Equal(t, StateBooted, session.State())

	session.HandleMessage(ctx, []byte(`[2,"h1","Heartbeat",{}]`))
	assert.Equal(t, StateReady, session.State())

	session.HandleMessage(ctx, []byte(`[2,"s1","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Available"}]`))
	parts := conn.last(t)
	assert.JSONEq(t, `{}`, string(parts[2]))
	assert.Equal(t, StateReady, session.State())

	// Authorize 不改变状态
	session.HandleMessage(ctx, []byte(`[2,"a1","Authorize",{"idTag":"kevin09"}]`))
	assert.Equal(t, StateReady, session.State())

	session.HandleMessage(ctx, []byte(`[2,"t1","StartTransaction",{"connectorId":1,"idTag":"kevin09","meterStart":100,"timestamp":"2024-01-01T10:00:00Z"}]`))
	assert.Equal(t, StateTransactionActive, session.State())
	assert.Equal(t, []int64{1}, session.ActiveTransactions())

	session.HandleMessage(ctx, []byte(`[2,"t2","StopTransaction",{"transactionId":1,"meterStop":150,"timestamp":"2024-01-01T11:00:00Z"}]`))
	assert.Equal(t, StateReady, session.State())
	assert.Empty(t, session.ActiveTransactions())

	session.Close("test")
	assert.Equal(t, StateClosed, session.State())

	// 关闭后不再处理任何帧
	sent := len(conn.frames())
	session.HandleMessage(ctx, []byte(`[2,"h2","Heartbeat",{}]`))
	assert.Len(t, conn.frames(), sent)
}

func TestSession_Authorize(t *testing.T) {
	env := newTestEnv(t)
	session, conn := env.newSession("CP1")

	tests := []struct {
		idTag  string
		status string
	}{
		{idTag: "kevin09", status: "Accepted"},
		{idTag: "nobody", status: "Blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.idTag, func(t *testing.T) {
			session.HandleMessage(context.Background(), []byte(`[2,"a","Authorize",{"idTag":"`+tt.idTag+`"}]`))
			var resp ocpp16.AuthorizeResponse
			decodeInto(t, conn.last(t)[2], &resp)
			assert.Equal(t, ocpp16.AuthorizationStatus(tt.status), resp.IdTagInfo.Status)
		})
	}
}

func TestSession_TransactionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	session, conn := env.newSession("CP1")
	ctx := context.Background()

	session.HandleMessage(ctx, []byte(`[2,"1","BootNotification",{"chargePointVendor":"X","chargePointModel":"Y"}]`))
	session.HandleMessage(ctx, []byte(`[2,"2","StartTransaction",{"connectorId":1,"idTag":"kevin09","meterStart":100,"timestamp":"2024-01-01T10:00:00Z"}]`))

	var started ocpp16.StartTransactionResponse
	decodeInto(t, conn.last(t)[2], &started)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, started.IdTagInfo.Status)
	assert.Equal(t, int64(1), started.TransactionId)

	startedEvents := env.publisher.ofType(events.EventTypeTransactionStarted)
	require.Len(t, startedEvents, 1)
	assert.Contains(t, startedEvents[0].GetMessage(), "transaction_id=1")

	session.HandleMessage(ctx, []byte(`[2,"3","StopTransaction",{"transactionId":1,"meterStop":150,"timestamp":"2024-01-01T11:00:00Z"}]`))
	var stopped ocpp16.StopTransactionResponse
	decodeInto(t, conn.last(t)[2], &stopped)
	require.NotNil(t, stopped.IdTagInfo)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, stopped.IdTagInfo.Status)

	// 第二次停止回复Invalid，连接保持
	session.HandleMessage(ctx, []byte(`[2,"4","StopTransaction",{"transactionId":1,"meterStop":150,"timestamp":"2024-01-01T11:00:00Z"}]`))
	parts := conn.last(t)
	assert.Equal(t, "3", string(parts[0]))
	decodeInto(t, parts[2], &stopped)
	assert.Equal(t, ocpp16.AuthorizationStatusInvalid, stopped.IdTagInfo.Status)

	// 从未分配的交易ID
	session.HandleMessage(ctx, []byte(`[2,"5","StopTransaction",{"transactionId":999,"meterStop":1,"timestamp":"2024-01-01T11:00:00Z"}]`))
	decodeInto(t, conn.last(t)[2], &stopped)
	assert.Equal(t, ocpp16.AuthorizationStatusInvalid, stopped.IdTagInfo.Status)

	assert.NotEqual(t, StateClosed, session.State())
	require.Len(t, env.publisher.ofType(events.EventTypeTransactionStopped), 1)
}

func TestSession_StartTransactionRejected(t *testing.T) {
	env := newTestEnv(t)
	session, conn := env.newSession("CP1")

	session.HandleMessage(context.Background(), []byte(`[2,"1","StartTransaction",{"connectorId":1,"idTag":"stranger","meterStart":0,"timestamp":"2024-01-01T10:00:00Z"}]`))

	var resp ocpp16.StartTransactionResponse
	decodeInto(t, conn.last(t)[2], &resp)
	assert.Equal(t, ocpp16.AuthorizationStatusBlocked, resp.IdTagInfo.Status)
	assert.Zero(t, resp.TransactionId)
	assert.Empty(t, session.ActiveTransactions())
	assert.Zero(t, env.transactions.GetStats().TotalStarted)
}

func TestSession_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantReply bool
		wantCode  string
		wantID    string
	}{
		{name: "unknown action", input: `[2,"1","DataTransfer",{}]`, wantReply: true, wantCode: "NotImplemented", wantID: "1"},
		{name: "missing required field", input: `[2,"2","BootNotification",{"chargePointVendor":"X"}]`, wantReply: true, wantCode: "FormationViolation", wantID: "2"},
		{name: "wrong field type", input: `[2,"3","StartTransaction",{"connectorId":"one","idTag":"kevin09","meterStart":0,"timestamp":"2024-01-01T10:00:00Z"}]`, wantReply: true, wantCode: "FormationViolation", wantID: "3"},
		{name: "invalid enum", input: `[2,"4","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Sleeping"}]`, wantReply: true, wantCode: "FormationViolation", wantID: "4"},
		{name: "call without payload", input: `[2,"5","Heartbeat"]`, wantReply: true, wantCode: "FormationViolation", wantID: "5"},
		{name: "not json", input: `hello`},
		{name: "unmatched call result", input: `[3,"nope",{}]`},
		{name: "unmatched call error", input: `[4,"nope","GenericError","",{}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			session, conn := env.newSession("CP1")

			assert.NotPanics(t, func() {
				session.HandleMessage(context.Background(), []byte(tt.input))
			})

			if !tt.wantReply {
				assert.Empty(t, conn.frames())
				return
			}
			parts := conn.last(t)
			require.Len(t, parts, 5)
			assert.Equal(t, "4", string(parts[0]))
			assert.Equal(t, `"`+tt.wantID+`"`, string(parts[1]))
			assert.Equal(t, `"`+tt.wantCode+`"`, string(parts[2]))
			assert.NotEqual(t, StateClosed, session.State())
		})
	}
}

func TestSession_HandlerPanicBecomesInternalError(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.processor.Router().Register("DataTransfer", Route{
		NewRequest: func() interface{} { return &struct{}{} },
		Handle: func(context.Context, *Session, interface{}) (interface{}, error) {
			panic("boom")
		},
	}))
	session, conn := env.newSession("CP1")

	session.HandleMessage(context.Background(), []byte(`[2,"9","DataTransfer",{}]`))

	parts := conn.last(t)
	assert.Equal(t, `"InternalError"`, string(parts[2]))

	// 会话继续处理后续帧
	session.HandleMessage(context.Background(), []byte(`[2,"10","Heartbeat",{}]`))
	assert.Equal(t, "3", string(conn.last(t)[0]))
}

func TestSession_Call(t *testing.T) {
	env := newTestEnv(t)
	session, conn := env.newSession("CP1")

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	results := make(chan outcome, 1)
	go func() {
		payload, err := session.Call(context.Background(), ocpp16.ActionChangeConfiguration,
			ocpp16.ChangeConfigurationRequest{Key: "HeartbeatInterval", Value: "60"})
		results <- outcome{payload, err}
	}()

	frames := conn.waitFrames(t, 1)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(frames[0], &parts))
	require.Len(t, parts, 4)
	assert.Equal(t, "2", string(parts[0]))
	assert.Equal(t, `"ChangeConfiguration"`, string(parts[2]))
	assert.JSONEq(t, `{"key":"HeartbeatInterval","value":"60"}`, string(parts[3]))

	var uniqueID string
	require.NoError(t, json.Unmarshal(parts[1], &uniqueID))
	session.HandleMessage(context.Background(), []byte(`[3,"`+uniqueID+`",{"status":"Accepted"}]`))

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"status":"Accepted"}`, string(res.payload))
	case <-time.After(2 * time.Second):
		t.Fatal("call was not resolved")
	}
	assert.Zero(t, env.processor.Correlation().Len())
}

func TestSession_CallReceivesCallError(t *testing.T) {
	env := newTestEnv(t)
	session, conn := env.newSession("CP1")

	errs := make(chan error, 1)
	go func() {
		_, err := session.Call(context.Background(), ocpp16.ActionChangeConfiguration,
			ocpp16.ChangeConfigurationRequest{Key: "Unknown", Value: "1"})
		errs <- err
	}()

	frames := conn.waitFrames(t, 1)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(frames[0], &parts))
	var uniqueID string
	require.NoError(t, json.Unmarshal(parts[1], &uniqueID))

	session.HandleMessage(context.Background(), []byte(`[4,"`+uniqueID+`","NotSupported","unknown key",{}]`))

	err := <-errs
	var callErr *CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, ocpp16.ErrorCodeNotSupported, callErr.Code)
}

func TestSession_CloseResolvesOnlyOwnCalls(t *testing.T) {
	env := newTestEnv(t)
	cp1, conn1 := env.newSession("CP1")
	cp2, conn2 := env.newSession("CP2")

	errs1 := make(chan error, 1)
	errs2 := make(chan error, 1)
	go func() {
		_, err := cp1.Call(context.Background(), ocpp16.ActionChangeConfiguration, ocpp16.ChangeConfigurationRequest{Key: "a", Value: "1"})
		errs1 <- err
	}()
	go func() {
		_, err := cp2.Call(context.Background(), ocpp16.ActionChangeConfiguration, ocpp16.ChangeConfigurationRequest{Key: "a", Value: "1"})
		errs2 <- err
	}()
	conn1.waitFrames(t, 1)
	conn2.waitFrames(t, 1)
	require.Equal(t, 2, env.processor.Correlation().Len())

	cp1.Close("disconnected")

	select {
	case err := <-errs1:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call on closed session was not resolved")
	}
	select {
	case err := <-errs2:
		t.Fatalf("call on other session resolved unexpectedly: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, env.processor.Correlation().PendingFor("CP2"))
	assert.True(t, conn1.isClosed())

	_, err := cp1.Call(context.Background(), ocpp16.ActionChangeConfiguration, ocpp16.ChangeConfigurationRequest{Key: "a", Value: "1"})
	assert.ErrorIs(t, err, ErrConnectionClosed)

	cp2.Close("test")
	assert.ErrorIs(t, <-errs2, ErrConnectionClosed)
}

func TestSession_CallSendFailure(t *testing.T) {
	env := newTestEnv(t)
	session, conn := env.newSession("CP1")
	conn.mu.Lock()
	conn.sendErr = errors.New("send queue full")
	conn.mu.Unlock()

	_, err := session.Call(context.Background(), ocpp16.ActionChangeConfiguration, ocpp16.ChangeConfigurationRequest{Key: "a", Value: "1"})
	assert.ErrorContains(t, err, "send queue full")
	assert.Zero(t, env.processor.Correlation().Len())
}

func TestSession_BootConfigurationPushed(t *testing.T) {
	env := newTestEnv(t, ConfigurationKey{Key: "MeterValueSampleInterval", Value: "1"})
	session, conn := env.newSession("CP1")

	session.HandleMessage(context.Background(), []byte(`[2,"1","BootNotification",{"chargePointVendor":"X","chargePointModel":"Y"}]`))

	frames := conn.waitFrames(t, 2)
	var reply, call []json.RawMessage
	require.NoError(t, json.Unmarshal(frames[0], &reply))
	require.NoError(t, json.Unmarshal(frames[1], &call))
	assert.Equal(t, `3`, string(reply[0]))
	assert.Equal(t, `"1"`, string(reply[1]))
	assert.Equal(t, `2`, string(call[0]))
	assert.Equal(t, `"ChangeConfiguration"`, string(call[2]))
	assert.JSONEq(t, `{"key":"MeterValueSampleInterval","value":"1"}`, string(call[3]))

	var uniqueID string
	require.NoError(t, json.Unmarshal(call[1], &uniqueID))
	session.HandleMessage(context.Background(), []byte(`[3,"`+uniqueID+`",{"status":"Accepted"}]`))

	assert.Eventually(t, func() bool {
		return env.processor.Correlation().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_BootConfigurationFollowsBootReply(t *testing.T) {
	env := newTestEnv(t, ConfigurationKey{Key: "MeterValueSampleInterval", Value: "1"})

	for i := 0; i < 200; i++ {
		session, conn := env.newSession(fmt.Sprintf("CP%d", i))
		session.HandleMessage(context.Background(), []byte(`[2,"1","BootNotification",{"chargePointVendor":"X","chargePointModel":"Y"}]`))

		frames := conn.waitFrames(t, 2)
		var first []json.RawMessage
		require.NoError(t, json.Unmarshal(frames[0], &first))
		require.Equal(t, `3`, string(first[0]), "iteration %d: boot reply must be the first frame", i)
		session.Close("done")
	}
}

func TestSession_DeferredActionDroppedOnCallError(t *testing.T) {
	env := newTestEnv(t, ConfigurationKey{Key: "MeterValueSampleInterval", Value: "1"})
	session, conn := env.newSession("CP1")

	session.deferUntilReplied(func() { t.Error("deferred action ran after CALLERROR") })
	session.HandleMessage(context.Background(), []byte(`[2,"1","BootNotification",{"chargePointModel":"Y"}]`))

	frames := conn.waitFrames(t, 1)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(frames[0], &parts))
	assert.Equal(t, `4`, string(parts[0]))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, conn.frames(), 1)
	assert.Zero(t, env.processor.Correlation().Len())
}

func TestSession_StopTransactionFromOtherChargePoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	owner, _ := env.newSession("CP1")
	owner.HandleMessage(ctx, []byte(`[2,"1","BootNotification",{"chargePointVendor":"X","chargePointModel":"Y"}]`))
	owner.HandleMessage(ctx, []byte(`[2,"2","StartTransaction",{"connectorId":1,"idTag":"kevin09","meterStart":0,"timestamp":"2024-01-01T10:00:00Z"}]`))
	require.Equal(t, []int64{1}, owner.ActiveTransactions())

	other, otherConn := env.newSession("CP2")
	other.HandleMessage(ctx, []byte(`[2,"1","StopTransaction",{"transactionId":1,"meterStop":50,"timestamp":"2024-01-01T11:00:00Z"}]`))
	var resp ocpp16.StopTransactionResponse
	decodeInto(t, otherConn.last(t)[2], &resp)
	require.NotNil(t, resp.IdTagInfo)
	assert.Equal(t, ocpp16.AuthorizationStatusInvalid, resp.IdTagInfo.Status)

	tx, err := env.transactions.Get(1)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusActive, tx.Status)
	assert.Equal(t, []int64{1}, owner.ActiveTransactions())
	assert.Equal(t, StateTransactionActive, owner.State())
	assert.Empty(t, env.publisher.ofType(events.EventTypeTransactionStopped))
}

func TestSession_ResumesActiveTransactions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _ := env.newSession("CP1")
	first.HandleMessage(ctx, []byte(`[2,"1","StartTransaction",{"connectorId":2,"idTag":"kevin09","meterStart":10,"timestamp":"2024-01-01T10:00:00Z"}]`))
	first.Close("reconnect")

	second, _ := env.newSession("CP1")
	assert.Equal(t, []int64{1}, second.ActiveTransactions())
	assert.Equal(t, StateConnecting, second.State())

	second.HandleMessage(ctx, []byte(`[2,"2","BootNotification",{"chargePointVendor":"X","chargePointModel":"Y"}]`))
	assert.Equal(t, StateTransactionActive, second.State())

	second.HandleMessage(ctx, []byte(`[2,"3","StopTransaction",{"transactionId":1,"meterStop":20,"timestamp":"2024-01-01T11:00:00Z"}]`))
	assert.Equal(t, StateReady, second.State())
}

func TestSession_Info(t *testing.T) {
	env := newTestEnv(t)
	session, _ := env.newSession("CP1")

	info := session.Info()
	assert.Equal(t, "CP1", info.Identity)
	assert.Equal(t, "CP1-conn", info.ConnectionID)
	assert.Equal(t, "Connecting", info.State)
	assert.Equal(t, "10.0.0.1:5555", info.RemoteAddr)
	assert.False(t, info.LastSeenAt.IsZero())
}

func TestSession_ConcurrentStartsAcrossSessions(t *testing.T) {
	env := newTestEnv(t)
	const n = 50

	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	conns := make([]*fakeConn, n)
	for i := 0; i < n; i++ {
		sessions[i], conns[i] = env.newSession("CP-" + string(rune('A'+i%26)) + string(rune('a'+i/26)))
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i].HandleMessage(context.Background(), []byte(`[2,"1","StartTransaction",{"connectorId":1,"idTag":"kevin09","meterStart":0,"timestamp":"2024-01-01T10:00:00Z"}]`))
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		var resp ocpp16.StartTransactionResponse
		decodeInto(t, conns[i].last(t)[2], &resp)
		assert.False(t, seen[resp.TransactionId], "duplicate transaction id %d", resp.TransactionId)
		seen[resp.TransactionId] = true
	}
	assert.Len(t, seen, n)
}
