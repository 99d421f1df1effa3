package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/classifier"
	"github.com/loqalabs/loqa-signs/internal/config"
	"github.com/loqalabs/loqa-signs/internal/landmarks"
	"github.com/loqalabs/loqa-signs/internal/protocol"
	"github.com/loqalabs/loqa-signs/internal/session"
	"github.com/loqalabs/loqa-signs/internal/smoother"
	"github.com/loqalabs/loqa-signs/internal/window"
)

const waitTimeout = 3 * time.Second

var testLabels = []string{"adios", "hola", "yo"}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func peak(seq []window.Vector) float32 {
	var p float32
	for _, v := range seq[len(seq)-1] {
		if v > p {
			p = v
		}
	}
	return p
}

// handBackend reads "hola" for hands at x=0.5 and "yo" for hands further
// right, always with 0.9.
func handBackend(_ context.Context, seq []window.Vector) ([]float32, error) {
	if peak(seq) >= 0.75 {
		return []float32{0.05, 0.05, 0.9}, nil
	}
	return []float32{0.05, 0.9, 0.05}, nil
}

// stallBackend hangs on hands at x>=0.9 until its context ends and reports
// how the call ended on released. Other frames score like handBackend.
type stallBackend struct {
	entered  chan struct{}
	released chan error
}

func newStallBackend() *stallBackend {
	return &stallBackend{entered: make(chan struct{}, 4), released: make(chan error, 4)}
}

func (b *stallBackend) Score(ctx context.Context, seq []window.Vector) ([]float32, error) {
	if peak(seq) < 0.9 {
		return handBackend(ctx, seq)
	}
	b.entered <- struct{}{}
	select {
	case <-ctx.Done():
		b.released <- ctx.Err()
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		b.released <- nil
		return nil, errors.New("stalled")
	}
}

type harness struct {
	svc   *Service
	conn  *nats.Conn
	clock *fakeClock
}

func startService(t *testing.T, sessions config.SessionsConfig) *harness {
	t.Helper()
	return startServiceWith(t, sessions, classifier.BackendFunc(handBackend))
}

func startServiceWith(t *testing.T, sessions config.SessionsConfig, backend classifier.Backend) *harness {
	t.Helper()
	logger := newLogger()

	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	vz, err := landmarks.NewVectorizer(landmarks.DefaultLayout())
	if err != nil {
		t.Fatal(err)
	}
	loader := classifier.NewLoader(func(context.Context) (*classifier.Model, error) {
		return classifier.NewModel(classifier.Options{
			Name:           "test",
			Labels:         testLabels,
			SequenceLength: 30,
			FeatureDim:     vz.Dim(),
			Backend:        backend,
		})
	})

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	svc := NewService(context.Background(), Options{
		Sessions:    sessions,
		DefaultMode: smoother.Discrete,
		Profiles: session.Profiles{
			Discrete:   smoother.Profile{WindowSize: 3, SmoothWindow: 1, Threshold: 0.7},
			Continuous: smoother.Profile{WindowSize: 2, SmoothWindow: 1, Threshold: 0.55, Cooldown: time.Second, Stride: 1, LabelHold: time.Second},
		},
		MaxSigns:     20,
		IdleCooldown: 2 * time.Second,
		Loader:       loader,
		Extractor:    landmarks.NewMockExtractor(),
		Vectorizer:   vz,
		Clock:        clock.Now,
	}, client, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return &harness{svc: svc, conn: conn, clock: clock}
}

func defaultSessions() config.SessionsConfig {
	return config.SessionsConfig{MaxSessions: 4, InboxSize: 16, HousekeepingMS: 20}
}

func hands(x float32) *landmarks.Set {
	pts := make([]landmarks.Point, 21)
	for i := range pts {
		pts[i] = landmarks.Point{X: x, Y: 0.5}
	}
	return &landmarks.Set{Groups: map[string][]landmarks.Point{landmarks.GroupRightHand: pts}}
}

func (h *harness) subscribe(t *testing.T, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 64)
	sub, err := h.conn.ChanSubscribe(subject, ch)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.conn.Flush(); err != nil {
		t.Fatal(err)
	}
	return ch
}

func (h *harness) sendFrame(t *testing.T, frame protocol.Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.conn.Publish(protocol.FrameSubject(frame.SessionID), data); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) control(t *testing.T, subject string, req protocol.ControlRequest) protocol.ControlResponse {
	t.Helper()
	data, _ := json.Marshal(req)
	msg, err := h.conn.Request(subject, data, waitTimeout)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var resp protocol.ControlResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func receive[T any](t *testing.T, ch chan *nats.Msg) T {
	t.Helper()
	var v T
	select {
	case msg := <-ch:
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			t.Fatalf("decode %s: %v", msg.Subject, err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %T", v)
	}
	return v
}

func TestFramesProduceSignsAndIdleSentence(t *testing.T) {
	h := startService(t, defaultSessions())
	detections := h.subscribe(t, protocol.DetectionSubject("s1"))
	events := h.subscribe(t, protocol.SubjectSignEvent)
	sentences := h.subscribe(t, protocol.SubjectSentence)

	for i := 1; i <= 3; i++ {
		h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: i, Landmarks: hands(0.5)})
	}
	var det protocol.Detection
	for i := 0; i < 3; i++ {
		det = receive[protocol.Detection](t, detections)
	}
	if det.Sign != "hola" || det.State != "HOLD_RESULT" || det.Sequence != 3 {
		t.Fatalf("expected hola held on frame 3, got %+v", det)
	}
	if ev := receive[protocol.SignEvent](t, events); ev.Label != "hola" || ev.TraceID == "" {
		t.Fatalf("unexpected sign event %+v", ev)
	}

	h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: 4, Landmarks: &landmarks.Set{}})
	if det = receive[protocol.Detection](t, detections); det.HandDetected || det.State != "WAIT_HANDS" {
		t.Fatalf("expected hands lost, got %+v", det)
	}
	for i := 5; i <= 7; i++ {
		h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: i, Landmarks: hands(0.8)})
	}
	for i := 0; i < 3; i++ {
		det = receive[protocol.Detection](t, detections)
	}
	if det.Sign != "yo" || det.Sentence.RawSigns != "hola yo" || !det.Sentence.ReadyToBuild {
		t.Fatalf("expected yo buffered after hola, got %+v", det)
	}

	h.clock.Advance(2100 * time.Millisecond)
	st := receive[protocol.Sentence](t, sentences)
	if st.Text != "Hola yo" || st.Trigger != protocol.TriggerIdle || st.SessionID != "s1" {
		t.Fatalf("unexpected idle sentence %+v", st)
	}

	resp := h.control(t, protocol.SubjectCtrlSentenceStatus, protocol.ControlRequest{SessionID: "s1"})
	if resp.Sentence == nil || resp.Sentence.CurrentSentence != "Hola yo" || resp.Mode != "discrete" {
		t.Fatalf("unexpected status %+v", resp)
	}
}

func TestSentenceControls(t *testing.T) {
	h := startService(t, defaultSessions())
	detections := h.subscribe(t, protocol.DetectionSubject("s1"))
	sentences := h.subscribe(t, protocol.SubjectSentence)

	for i := 1; i <= 3; i++ {
		h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: i, Landmarks: hands(0.5)})
	}
	for i := 0; i < 3; i++ {
		receive[protocol.Detection](t, detections)
	}

	resp := h.control(t, protocol.SubjectCtrlSentenceBuild, protocol.ControlRequest{SessionID: "s1"})
	if resp.Built != "Hola" || resp.SessionID != "s1" {
		t.Fatalf("unexpected build %+v", resp)
	}
	if st := receive[protocol.Sentence](t, sentences); st.Trigger != protocol.TriggerForce || st.Text != "Hola" {
		t.Fatalf("unexpected forced sentence %+v", st)
	}

	resp = h.control(t, protocol.SubjectCtrlSentenceRemoveLast, protocol.ControlRequest{SessionID: "s1"})
	if resp.Removed != "hola" || resp.Sentence.Count != 0 {
		t.Fatalf("unexpected remove %+v", resp)
	}
	resp = h.control(t, protocol.SubjectCtrlSentenceRemoveLast, protocol.ControlRequest{SessionID: "s1"})
	if resp.Removed != "" || resp.Error != "" {
		t.Fatalf("remove on empty buffer must be a no-op, got %+v", resp)
	}
	resp = h.control(t, protocol.SubjectCtrlSentenceClear, protocol.ControlRequest{SessionID: "s1"})
	if resp.Sentence == nil || resp.Sentence.CurrentSentence != "" {
		t.Fatalf("unexpected clear %+v", resp)
	}

	resp = h.control(t, protocol.SubjectCtrlSigns, protocol.ControlRequest{})
	if len(resp.Signs) != len(testLabels) || resp.Signs[1] != "hola" {
		t.Fatalf("unexpected signs %+v", resp)
	}

	resp = h.control(t, protocol.SubjectCtrlSentenceStatus, protocol.ControlRequest{SessionID: "nobody"})
	if !strings.Contains(resp.Error, ErrUnknownSession.Error()) {
		t.Fatalf("expected unknown session error, got %+v", resp)
	}
	resp = h.control(t, protocol.SubjectCtrlSentenceStatus, protocol.ControlRequest{})
	if resp.Error == "" {
		t.Fatal("expected missing session id error")
	}
}

func TestModeSwitchAndSessionLifecycle(t *testing.T) {
	h := startService(t, config.SessionsConfig{MaxSessions: 2, InboxSize: 16, HousekeepingMS: 20})

	opened := h.control(t, protocol.SubjectSessionOpen, protocol.ControlRequest{})
	if opened.SessionID == "" || opened.Mode != "discrete" || len(opened.Signs) != len(testLabels) {
		t.Fatalf("unexpected open response %+v", opened)
	}

	continuous := true
	resp := h.control(t, protocol.SubjectCtrlMode, protocol.ControlRequest{SessionID: "s1", Continuous: &continuous})
	if resp.Mode != "continuous" {
		t.Fatalf("expected continuous mode, got %+v", resp)
	}
	if got := h.svc.ActiveSessions(); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}

	denied := h.subscribe(t, protocol.DetectionSubject("s3"))
	h.sendFrame(t, protocol.Frame{SessionID: "s3", Sequence: 1, Landmarks: hands(0.5)})
	if det := receive[protocol.Detection](t, denied); det.Error != ErrTooManySessions.Error() {
		t.Fatalf("expected session limit error, got %+v", det)
	}

	detections := h.subscribe(t, protocol.DetectionSubject("s1"))
	h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: 1, Landmarks: hands(0.5)})
	h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: 2, Landmarks: hands(0.5), Final: true})
	receive[protocol.Detection](t, detections)
	if det := receive[protocol.Detection](t, detections); det.Sign != "hola" || det.Mode != "continuous" {
		t.Fatalf("expected continuous emission on final frame, got %+v", det)
	}
	waitFor(t, func() bool { return h.svc.ActiveSessions() == 1 })

	if _, err := h.conn.Request(protocol.CloseSubject(opened.SessionID), nil, waitTimeout); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := h.svc.ActiveSessions(); got != 0 {
		t.Fatalf("expected no sessions, got %d", got)
	}
}

func TestInvalidFrameReportsError(t *testing.T) {
	h := startService(t, defaultSessions())
	detections := h.subscribe(t, protocol.DetectionSubject("s1"))

	bad := &landmarks.Set{Groups: map[string][]landmarks.Point{landmarks.GroupLeftHand: make([]landmarks.Point, 4)}}
	h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: 1, Landmarks: bad})
	det := receive[protocol.Detection](t, detections)
	if det.Error == "" || det.State != "WAIT_HANDS" {
		t.Fatalf("expected invalid frame error, got %+v", det)
	}

	h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: 2, Image: []byte("not json")})
	if det = receive[protocol.Detection](t, detections); det.Error == "" {
		t.Fatalf("expected extractor error, got %+v", det)
	}

	h.sendFrame(t, protocol.Frame{SessionID: "s1", Sequence: 3, Landmarks: hands(0.5)})
	if det = receive[protocol.Detection](t, detections); det.BufferStatus != "1/3 frames" || det.Error != "" {
		t.Fatalf("invalid frames must not touch the window, got %+v", det)
	}
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	h := startService(t, config.SessionsConfig{MaxSessions: 4, InboxSize: 16, HousekeepingMS: 20, IdleTimeoutMS: 1000})
	h.control(t, protocol.SubjectSessionOpen, protocol.ControlRequest{SessionID: "s1"})
	if h.svc.ActiveSessions() != 1 {
		t.Fatal("expected open session")
	}
	h.clock.Advance(2 * time.Second)
	waitFor(t, func() bool { return h.svc.ActiveSessions() == 0 })
}

func TestModelLoadFailureRejectsSession(t *testing.T) {
	logger := newLogger()
	srv := natstest.RunServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	vz, _ := landmarks.NewVectorizer(landmarks.DefaultLayout())
	svc := NewService(context.Background(), Options{
		Sessions:   defaultSessions(),
		Loader:     classifier.NewLoader(func(context.Context) (*classifier.Model, error) { return nil, errors.New("weights missing") }),
		Vectorizer: vz,
	}, client, logger)
	if _, err := svc.session(context.Background(), "s1", true); !errors.Is(err, classifier.ErrClassifierUnavailable) {
		t.Fatalf("expected classifier unavailable, got %v", err)
	}
	if svc.ActiveSessions() != 0 {
		t.Fatal("failed open must not register a session")
	}
}

func TestCloseCancelsInFlightCall(t *testing.T) {
	stall := newStallBackend()
	// No housekeeping ticks, so the inbox holds only what the test queues.
	h := startServiceWith(t, config.SessionsConfig{MaxSessions: 4, InboxSize: 16, HousekeepingMS: 60_000}, stall)
	detections := h.subscribe(t, protocol.DetectionSubject("slow"))

	for i := 1; i <= 3; i++ {
		h.sendFrame(t, protocol.Frame{SessionID: "slow", Sequence: i, Landmarks: hands(0.95)})
	}
	receive[protocol.Detection](t, detections)
	receive[protocol.Detection](t, detections)
	select {
	case <-stall.entered:
	case <-time.After(waitTimeout):
		t.Fatal("classifier was never called")
	}

	// A control request queued behind the stalled frame.
	h.svc.mu.Lock()
	w := h.svc.workers["slow"]
	h.svc.mu.Unlock()
	type reply struct {
		msg *nats.Msg
		err error
	}
	queued := make(chan reply, 1)
	go func() {
		data, _ := json.Marshal(protocol.ControlRequest{SessionID: "slow"})
		msg, err := h.conn.Request(protocol.SubjectCtrlSentenceStatus, data, waitTimeout)
		queued <- reply{msg, err}
	}()
	waitFor(t, func() bool { return len(w.inbox) == 1 })

	if _, err := h.conn.Request(protocol.CloseSubject("slow"), nil, waitTimeout); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-stall.released:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the in-flight call to be cancelled, got %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("in-flight classifier call outlived its session")
	}

	r := <-queued
	if r.err != nil {
		t.Fatalf("queued request got no reply: %v", r.err)
	}
	var resp protocol.ControlResponse
	if err := json.Unmarshal(r.msg.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, ErrUnknownSession.Error()) {
		t.Fatalf("expected unknown session for queued request, got %+v", resp)
	}

	select {
	case det := <-detections:
		t.Fatalf("no detection expected after close, got %s", det.Data)
	case <-time.After(100 * time.Millisecond):
	}
	if got := h.svc.ActiveSessions(); got != 0 {
		t.Fatalf("expected no sessions, got %d", got)
	}
}

func TestSlowSessionDoesNotStallOthers(t *testing.T) {
	stall := newStallBackend()
	h := startServiceWith(t, defaultSessions(), stall)
	events := h.subscribe(t, protocol.SubjectSignEvent)
	fast := h.subscribe(t, protocol.DetectionSubject("fast"))

	for i := 1; i <= 3; i++ {
		h.sendFrame(t, protocol.Frame{SessionID: "slow", Sequence: i, Landmarks: hands(0.95)})
	}
	select {
	case <-stall.entered:
	case <-time.After(waitTimeout):
		t.Fatal("classifier was never called")
	}

	for i := 1; i <= 3; i++ {
		h.sendFrame(t, protocol.Frame{SessionID: "fast", Sequence: i, Landmarks: hands(0.5)})
	}
	var det protocol.Detection
	for i := 0; i < 3; i++ {
		det = receive[protocol.Detection](t, fast)
	}
	if det.Sign != "hola" || det.Sequence != 3 {
		t.Fatalf("expected hola on the fast session, got %+v", det)
	}
	if ev := receive[protocol.SignEvent](t, events); ev.SessionID != "fast" || ev.Label != "hola" {
		t.Fatalf("unexpected sign event %+v", ev)
	}
	resp := h.control(t, protocol.SubjectCtrlSentenceStatus, protocol.ControlRequest{SessionID: "fast"})
	if resp.Sentence == nil || resp.Sentence.Count != 1 {
		t.Fatalf("unexpected fast session status %+v", resp)
	}

	select {
	case err := <-stall.released:
		t.Fatalf("slow call ended early: %v", err)
	default:
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
