package operator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.viam.com/test"

	"github.com/rideseat/seatmotion/audit"
	"github.com/rideseat/seatmotion/control"
	"github.com/rideseat/seatmotion/kinematics"
	"github.com/rideseat/seatmotion/logging"
	"github.com/rideseat/seatmotion/robotlink/fake"
	"github.com/rideseat/seatmotion/safety"
)

type statusJSON struct {
	State                string `json:"state"`
	HardwareEStopEngaged bool   `json:"hardware_estop_engaged"`
	Fault                *struct {
		Reason string `json:"reason"`
		Source string `json:"source"`
		Detail string `json:"detail"`
	} `json:"fault"`
}

type snapshotJSON struct {
	Safety     statusJSON     `json:"safety"`
	Loop       *control.Stats `json:"loop"`
	Transition *struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"transition"`
}

type responseJSON struct {
	OK     bool       `json:"ok"`
	Error  string     `json:"error"`
	Status statusJSON `json:"status"`
}

type fakeStats struct{}

func (fakeStats) Stats() control.Stats {
	return control.Stats{Ticks: 42, BufferCap: 5}
}

type fixture struct {
	server *Server
	sup    *safety.Supervisor
	link   *fake.Link
	trail  *audit.Trail
	events *audit.MemoryRecorder
	clk    *clock.Mock
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewTestLogger(t)
	clk := clock.NewMock()
	clk.Add(time.Minute)
	link := fake.NewLink(logger)
	sup, err := safety.NewSupervisor(safety.DefaultConfig(), kinematics.NewIRB6600Model().Limits, link, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	events := audit.NewMemoryRecorder(0)
	trail := audit.NewTrail(logger, events)
	cfg := DefaultConfig()
	cfg.Address = ""
	s, err := NewServer(cfg, Deps{Supervisor: sup, Loop: fakeStats{}, Trail: trail, Events: events}, clk, logger)
	test.That(t, err, test.ShouldBeNil)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{server: s, sup: sup, link: link, trail: trail, events: events, clk: clk, http: srv}
}

func (f *fixture) post(t *testing.T, path, body string) (int, responseJSON) {
	t.Helper()
	resp, err := http.Post(f.http.URL+path, "application/json", strings.NewReader(body))
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	var out responseJSON
	if resp.StatusCode != http.StatusBadRequest {
		test.That(t, json.NewDecoder(resp.Body).Decode(&out), test.ShouldBeNil)
	}
	return resp.StatusCode, out
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/status")
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Header.Get("Content-Type"), test.ShouldEqual, "application/json")

	var snap snapshotJSON
	test.That(t, json.NewDecoder(resp.Body).Decode(&snap), test.ShouldBeNil)
	test.That(t, snap.Safety.State, test.ShouldEqual, "INIT")
	test.That(t, snap.Safety.Fault, test.ShouldBeNil)
	test.That(t, snap.Loop, test.ShouldNotBeNil)
	test.That(t, snap.Loop.Ticks, test.ShouldEqual, uint64(42))
	test.That(t, snap.Transition, test.ShouldBeNil)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/status", nil)
	test.That(t, err, test.ShouldBeNil)
	req.Header.Set("Origin", "http://panel.local")
	resp, err := http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.Header.Get("Access-Control-Allow-Origin"), test.ShouldEqual, "*")
}

func TestCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.trail.Start(ctx)

	code, resp := f.post(t, "/arm", `{"operator":"bob"}`)
	test.That(t, code, test.ShouldEqual, http.StatusConflict)
	test.That(t, resp.OK, test.ShouldBeFalse)
	test.That(t, resp.Error, test.ShouldContainSubstring, "arm refused")
	test.That(t, resp.Status.State, test.ShouldEqual, "INIT")

	test.That(t, f.sup.SelfCheck(ctx), test.ShouldBeNil)
	f.sup.ObserveValidPose()
	code, resp = f.post(t, "/arm", `{"operator":"bob"}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.OK, test.ShouldBeTrue)
	test.That(t, resp.Status.State, test.ShouldEqual, "ARMED")

	code, resp = f.post(t, "/estop", `{"operator":"bob","detail":"guest stood up"}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Status.State, test.ShouldEqual, "ESTOP")
	test.That(t, resp.Status.Fault, test.ShouldNotBeNil)
	test.That(t, resp.Status.Fault.Reason, test.ShouldEqual, "software e-stop")
	test.That(t, resp.Status.Fault.Source, test.ShouldEqual, "operator bob")
	test.That(t, resp.Status.Fault.Detail, test.ShouldEqual, "guest stood up")

	// an e-stop needs no body
	code, _ = f.post(t, "/estop", "")
	test.That(t, code, test.ShouldEqual, http.StatusOK)

	code, resp = f.post(t, "/recover", `{}`)
	test.That(t, code, test.ShouldEqual, http.StatusConflict)
	test.That(t, resp.Error, test.ShouldContainSubstring, "operator name is required")

	code, _ = f.post(t, "/recover", `{"operator":`)
	test.That(t, code, test.ShouldEqual, http.StatusBadRequest)

	code, resp = f.post(t, "/recover", `{"operator":"bob"}`)
	test.That(t, code, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Status.State, test.ShouldEqual, "SAFE_IDLE")

	test.That(t, f.trail.Close(), test.ShouldBeNil)
	var commands []audit.Event
	for _, ev := range f.events.Events() {
		if ev.Kind == audit.KindCommand {
			commands = append(commands, ev)
		}
	}
	// the malformed request never reached the supervisor
	test.That(t, commands, test.ShouldHaveLength, 6)
	test.That(t, commands[0].Command, test.ShouldEqual, "arm")
	test.That(t, commands[0].Operator, test.ShouldEqual, "bob")
	test.That(t, commands[0].Error, test.ShouldNotBeEmpty)
	test.That(t, commands[1].Error, test.ShouldBeEmpty)
	test.That(t, commands[5].Command, test.ShouldEqual, "recover")
	test.That(t, commands[5].Error, test.ShouldBeEmpty)
}

func TestAudit(t *testing.T) {
	f := newFixture(t)
	test.That(t, f.events.Record(context.Background(), audit.CommandEvent(f.clk.Now(), "bob", "arm", nil)), test.ShouldBeNil)

	resp, err := http.Get(f.http.URL + "/audit")
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	var events []audit.Event
	test.That(t, json.NewDecoder(resp.Body).Decode(&events), test.ShouldBeNil)
	test.That(t, events, test.ShouldHaveLength, 1)
	test.That(t, events[0].Operator, test.ShouldEqual, "bob")

	noEvents, err := NewServer(Config{StatusInterval: time.Second}, Deps{Supervisor: f.sup}, f.clk, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	rec := httptest.NewRecorder()
	noEvents.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNotFound)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/arm", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNotFound)
}

func readSnapshot(t *testing.T, conn *websocket.Conn) snapshotJSON {
	t.Helper()
	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	_, msg, err := conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	var snap snapshotJSON
	test.That(t, json.Unmarshal(msg, &snap), test.ShouldBeNil)
	return snap
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	test.That(t, f.server.Start(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, f.server.Close(ctx), test.ShouldBeNil)
	}()
	test.That(t, f.server.Addr(), test.ShouldBeNil)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	defer resp.Body.Close()

	snap := readSnapshot(t, conn)
	test.That(t, snap.Safety.State, test.ShouldEqual, "INIT")
	test.That(t, snap.Transition, test.ShouldBeNil)

	test.That(t, f.sup.SelfCheck(ctx), test.ShouldBeNil)
	snap = readSnapshot(t, conn)
	test.That(t, snap.Transition, test.ShouldNotBeNil)
	test.That(t, snap.Transition.From, test.ShouldEqual, "INIT")
	test.That(t, snap.Transition.To, test.ShouldEqual, "SAFE_IDLE")
	test.That(t, snap.Safety.State, test.ShouldEqual, "SAFE_IDLE")

	f.sup.HardwareEStop("panel")
	snap = readSnapshot(t, conn)
	test.That(t, snap.Transition.To, test.ShouldEqual, "ESTOP")
	test.That(t, snap.Safety.HardwareEStopEngaged, test.ShouldBeTrue)

	// periodic status while a client is connected
	f.clk.Add(DefaultConfig().StatusInterval)
	snap = readSnapshot(t, conn)
	test.That(t, snap.Transition, test.ShouldBeNil)
	test.That(t, snap.Safety.State, test.ShouldEqual, "ESTOP")
}

func TestStreamRequiresStart(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, resp, test.ShouldNotBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusServiceUnavailable)
}

func TestListen(t *testing.T) {
	logger := logging.NewTestLogger(t)
	sup, err := safety.NewSupervisor(safety.DefaultConfig(), kinematics.NewIRB6600Model().Limits, fake.NewLink(logger), nil, logger)
	test.That(t, err, test.ShouldBeNil)
	s, err := NewServer(Config{Address: "localhost:0", StatusInterval: time.Second}, Deps{Supervisor: sup}, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()
	test.That(t, s.Start(ctx), test.ShouldBeNil)
	test.That(t, s.Start(ctx), test.ShouldNotBeNil)

	addr := s.Addr()
	test.That(t, addr, test.ShouldNotBeNil)
	resp, err := http.Get("http://" + addr.String() + "/status")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, s.Close(ctx), test.ShouldBeNil)
	test.That(t, s.Addr(), test.ShouldBeNil)
}

func TestConfigValidate(t *testing.T) {
	test.That(t, DefaultConfig().Validate("operator"), test.ShouldBeNil)
	test.That(t, Config{StatusInterval: time.Second}.Validate("operator"), test.ShouldBeNil)
	err := Config{Address: "nope", StatusInterval: time.Second}.Validate("operator")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "operator.address")
	err = Config{Address: ":80"}.Validate("operator")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "operator.status_interval")
}
