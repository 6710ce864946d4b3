package manager

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"speakingbot/hostapi"
	"speakingbot/protocol"
	"speakingbot/relay"
	"speakingbot/session"
	"speakingbot/supervisor"
)

type fakeHost struct {
	mu        sync.Mutex
	created   []hostapi.CreateBotRequest
	left      []string
	createErr error
	nextBotID string
}

func (h *fakeHost) CreateBot(ctx context.Context, req hostapi.CreateBotRequest) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return "", h.createErr
	}
	h.created = append(h.created, req)
	if h.nextBotID == "" {
		return "bot-1", nil
	}
	return h.nextBotID, nil
}

func (h *fakeHost) LeaveBot(ctx context.Context, botID, apiKey string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.left = append(h.left, botID)
	return nil
}

func (h *fakeHost) leftBots() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.left...)
}

type fakeLauncher struct {
	mu       sync.Mutex
	started  []supervisor.LaunchSpec
	stops    map[string]int
	done     map[string]chan struct{}
	startErr error
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		stops: make(map[string]int),
		done:  make(map[string]chan struct{}),
	}
}

func (l *fakeLauncher) Start(spec supervisor.LaunchSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	l.started = append(l.started, spec)
	l.done[spec.SessionID] = make(chan struct{})
	return nil
}

func (l *fakeLauncher) Stop(sessionID string, timeout time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops[sessionID]++
	if done, ok := l.done[sessionID]; ok {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	return true
}

func (l *fakeLauncher) Watch(sessionID string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	done, ok := l.done[sessionID]
	if !ok {
		return nil
	}
	return done
}

func (l *fakeLauncher) stopCount(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops[sessionID]
}

func (l *fakeLauncher) crash(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if done, ok := l.done[sessionID]; ok {
		close(done)
	}
}

type fakeConn struct {
	mu     sync.Mutex
	binary [][]byte
	text   [][]byte
	closed bool
}

func (c *fakeConn) WriteBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.binary = append(c.binary, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = append(c.text, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.binary...)
}

func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.text))
	for _, msg := range c.text {
		out = append(out, string(msg))
	}
	return out
}

type testRig struct {
	mgr      *Manager
	store    session.Store
	registry *relay.Registry
	router   *relay.Router
	codec    *protocol.Codec
	host     *fakeHost
	launcher *fakeLauncher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store, err := session.NewStore(session.StoreTypeMemory)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return newTestRigWithStore(t, store)
}

func newTestRigWithStore(t *testing.T, store session.Store) *testRig {
	t.Helper()
	codec := protocol.NewCodec(protocol.DefaultSampleRate, 1, nil)
	registry := relay.NewRegistry(nil)
	router := relay.NewRouter(registry, codec, nil)
	host := &fakeHost{}
	launcher := newFakeLauncher()
	mgr := New(Config{
		PublicWSBase: "ws://relay.test:8766",
		DrainDelay:   time.Millisecond,
		StopTimeout:  100 * time.Millisecond,
	}, store, registry, router, codec, host, launcher, nil)
	return &testRig{mgr: mgr, store: store, registry: registry, router: router, codec: codec, host: host, launcher: launcher}
}

func createSession(t *testing.T, rig *testRig, freq string) *CreateResult {
	t.Helper()
	result, err := rig.mgr.Create(context.Background(), CreateRequest{
		MeetingURL:     "https://meet.example.com/abc",
		PersonaName:    "tester",
		APIKey:         "key-1",
		AudioFrequency: freq,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return result
}

func TestCreateAttachAndRelayThreeChunks(t *testing.T) {
	rig := newTestRig(t)
	result := createSession(t, rig, "24khz")

	worker := &fakeConn{}
	client := &fakeConn{}
	ctx := context.Background()
	if err := rig.mgr.Attach(ctx, result.SessionID, relay.SideWorker, worker); err != nil {
		t.Fatalf("worker attach: %v", err)
	}
	if err := rig.mgr.Attach(ctx, result.SessionID, relay.SideClient, client); err != nil {
		t.Fatalf("client attach: %v", err)
	}

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, chunk := range chunks {
		rig.router.SendAudioToWorker(chunk, result.SessionID)
	}

	frames := worker.frames()
	if len(frames) != 3 {
		t.Fatalf("worker received %d envelopes, want 3", len(frames))
	}
	for i, envelope := range frames {
		frame, err := protocol.ParseAudioEnvelope(envelope)
		if err != nil {
			t.Fatalf("envelope %d malformed: %v", i, err)
		}
		if frame == nil || !bytes.Equal(frame.Payload, chunks[i]) {
			t.Errorf("envelope %d payload mismatch", i)
		}
		if frame.SampleRate != 24000 {
			t.Errorf("envelope %d sample rate = %d, want 24000", i, frame.SampleRate)
		}
	}
}

func TestCreateSixteenKHzSessionSetsRate(t *testing.T) {
	rig := newTestRig(t)
	createSession(t, rig, "16khz")
	if rate := rig.codec.SampleRate(); rate != 16000 {
		t.Errorf("codec sample rate = %d, want 16000", rate)
	}
}

func TestCreateHostFailureLeavesNothingBehind(t *testing.T) {
	rig := newTestRig(t)
	rig.host.createErr = errors.New("host down")

	_, err := rig.mgr.Create(context.Background(), CreateRequest{
		MeetingURL: "https://meet.example.com/abc",
		APIKey:     "key-1",
	})
	if err == nil {
		t.Fatal("Create should fail when the host rejects the bot")
	}

	all, _ := rig.store.List(context.Background())
	if len(all) != 0 {
		t.Errorf("store holds %d sessions after failed create, want 0", len(all))
	}
	if len(rig.launcher.started) != 0 {
		t.Error("no worker should have been launched")
	}
}

func TestCreateLaunchFailureRollsBack(t *testing.T) {
	rig := newTestRig(t)
	rig.launcher.startErr = errors.New("no such binary")

	_, err := rig.mgr.Create(context.Background(), CreateRequest{
		MeetingURL: "https://meet.example.com/abc",
		APIKey:     "key-1",
	})
	if err == nil {
		t.Fatal("Create should surface a worker launch failure")
	}

	if left := rig.host.leftBots(); len(left) != 1 {
		t.Errorf("host leave called %d times, want 1", len(left))
	}
	all, _ := rig.store.List(context.Background())
	if len(all) != 0 {
		t.Errorf("store holds %d sessions after rollback, want 0", len(all))
	}
}

func TestAttachUnknownSessionRejected(t *testing.T) {
	rig := newTestRig(t)

	err := rig.mgr.Attach(context.Background(), "nope", relay.SideClient, &fakeConn{})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Attach error = %v, want ErrUnknownSession", err)
	}
	if rig.registry.Lookup("nope", relay.SideClient) != nil {
		t.Error("rejected socket must never be inserted into the registry")
	}
}

func TestAttachClosingSessionRejected(t *testing.T) {
	rig := newTestRig(t)
	result := createSession(t, rig, "")
	rig.router.MarkClosing(result.SessionID)

	err := rig.mgr.Attach(context.Background(), result.SessionID, relay.SideWorker, &fakeConn{})
	if !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Attach error = %v, want ErrUnknownSession", err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	result := createSession(t, rig, "")
	ctx := context.Background()

	worker := &fakeConn{}
	client := &fakeConn{}
	rig.mgr.Attach(ctx, result.SessionID, relay.SideWorker, worker)
	rig.mgr.Attach(ctx, result.SessionID, relay.SideClient, client)

	req := RemoveRequest{SessionID: result.SessionID, APIKey: "key-1"}
	if err := rig.mgr.Remove(ctx, req); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := rig.mgr.Remove(ctx, req); err != nil {
		t.Fatalf("second Remove: %v", err)
	}

	if !worker.isClosed() || !client.isClosed() {
		t.Error("both sockets should be closed")
	}
	if rig.registry.Lookup(result.SessionID, relay.SideWorker) != nil ||
		rig.registry.Lookup(result.SessionID, relay.SideClient) != nil {
		t.Error("registry should hold no stale entries")
	}
	all, _ := rig.store.List(ctx)
	if len(all) != 0 {
		t.Errorf("store holds %d sessions after removal, want 0", len(all))
	}
	if rig.launcher.stopCount(result.SessionID) == 0 {
		t.Error("worker should have been stopped")
	}
}

func TestConcurrentRemoval(t *testing.T) {
	rig := newTestRig(t)
	result := createSession(t, rig, "")
	ctx := context.Background()

	worker := &fakeConn{}
	client := &fakeConn{}
	rig.mgr.Attach(ctx, result.SessionID, relay.SideWorker, worker)
	rig.mgr.Attach(ctx, result.SessionID, relay.SideClient, client)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = rig.mgr.Remove(ctx, RemoveRequest{SessionID: result.SessionID, APIKey: "key-1"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: Remove error: %v", i, err)
		}
	}
	if !worker.isClosed() || !client.isClosed() {
		t.Error("both sockets should be closed")
	}
	all, _ := rig.store.List(ctx)
	if len(all) != 0 {
		t.Errorf("store holds %d sessions after concurrent removal, want 0", len(all))
	}
}

func TestRemoveByExternalBotID(t *testing.T) {
	rig := newTestRig(t)
	result := createSession(t, rig, "")

	err := rig.mgr.Remove(context.Background(), RemoveRequest{
		ExternalBotID: result.ExternalBotID,
		APIKey:        "key-1",
	})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if left := rig.host.leftBots(); len(left) != 1 || left[0] != result.ExternalBotID {
		t.Errorf("host leave calls = %v, want [%s]", left, result.ExternalBotID)
	}
	all, _ := rig.store.List(context.Background())
	if len(all) != 0 {
		t.Error("session should be removed")
	}
}

func TestRemoveUnknownSessionIsNotAnError(t *testing.T) {
	rig := newTestRig(t)
	if err := rig.mgr.Remove(context.Background(), RemoveRequest{SessionID: "ghost"}); err != nil {
		t.Fatalf("Remove(ghost): %v", err)
	}
}

func TestWorkerExitTriggersTeardown(t *testing.T) {
	rig := newTestRig(t)
	result := createSession(t, rig, "")

	rig.launcher.crash(result.SessionID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := rig.store.Get(context.Background(), result.SessionID)
		if data == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker exit did not tear the session down")
}

// staleReadStore hands Attach one pre-teardown snapshot, reproducing a
// metadata lookup that raced a concurrent removal.
type staleReadStore struct {
	session.Store
	mu    sync.Mutex
	stale map[string]*session.Data
}

func newStaleReadStore(t *testing.T) *staleReadStore {
	t.Helper()
	inner, err := session.NewStore(session.StoreTypeMemory)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return &staleReadStore{Store: inner, stale: make(map[string]*session.Data)}
}

func (s *staleReadStore) arm(data *session.Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *data
	s.stale[data.ID] = &copied
}

func (s *staleReadStore) Get(ctx context.Context, id string) (*session.Data, error) {
	s.mu.Lock()
	if data, ok := s.stale[id]; ok {
		delete(s.stale, id)
		s.mu.Unlock()
		return data, nil
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, id)
}

func TestAttachRacingRemovalLeavesNoStaleSocket(t *testing.T) {
	store := newStaleReadStore(t)
	rig := newTestRigWithStore(t, store)
	result := createSession(t, rig, "")
	ctx := context.Background()

	snapshot, err := store.Get(ctx, result.SessionID)
	if err != nil || snapshot == nil {
		t.Fatalf("snapshot: %v %v", snapshot, err)
	}

	if err := rig.mgr.Remove(ctx, RemoveRequest{SessionID: result.SessionID, APIKey: "key-1"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// The attach's admission lookup sees the pre-teardown record even
	// though removal has fully completed.
	store.arm(snapshot)
	conn := &fakeConn{}
	if err := rig.mgr.Attach(ctx, result.SessionID, relay.SideClient, conn); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Attach error = %v, want ErrUnknownSession", err)
	}

	if rig.registry.Lookup(result.SessionID, relay.SideClient) != nil {
		t.Error("registry retains a socket for a fully removed session")
	}
	if !conn.isClosed() {
		t.Error("the late socket must be closed, not left open")
	}
}

// trackingStore records the state of every Update and whether Delete has
// already run when it happens.
type trackingStore struct {
	session.Store
	mu             sync.Mutex
	states         []session.State
	deleted        bool
	closedAfterDel bool
}

func newTrackingStore(t *testing.T) *trackingStore {
	t.Helper()
	inner, err := session.NewStore(session.StoreTypeMemory)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return &trackingStore{Store: inner}
}

func (s *trackingStore) Update(ctx context.Context, data *session.Data) error {
	s.mu.Lock()
	s.states = append(s.states, data.State)
	if data.State == session.StateClosed && s.deleted {
		s.closedAfterDel = true
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, data)
}

func (s *trackingStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	return s.Store.Delete(ctx, id)
}

func TestRemoveMarksClosedBeforeDelete(t *testing.T) {
	store := newTrackingStore(t)
	rig := newTestRigWithStore(t, store)
	result := createSession(t, rig, "")

	if err := rig.mgr.Remove(context.Background(), RemoveRequest{SessionID: result.SessionID, APIKey: "key-1"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	var sawClosing, sawClosed bool
	for _, state := range store.states {
		switch state {
		case session.StateClosing:
			sawClosing = true
		case session.StateClosed:
			sawClosed = true
		}
	}
	if !sawClosing || !sawClosed {
		t.Errorf("recorded states = %v, want closing then closed", store.states)
	}
	if store.closedAfterDel {
		t.Error("closed state must be recorded before the metadata delete")
	}
}

func TestRemoveNotifiesClientBeforeClose(t *testing.T) {
	rig := newTestRig(t)
	result := createSession(t, rig, "")
	ctx := context.Background()

	client := &fakeConn{}
	if err := rig.mgr.Attach(ctx, result.SessionID, relay.SideClient, client); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := rig.mgr.Remove(ctx, RemoveRequest{SessionID: result.SessionID, APIKey: "key-1"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	var notified bool
	for _, msg := range client.texts() {
		if strings.Contains(msg, string(protocol.MsgShutdown)) {
			notified = true
		}
	}
	if !notified {
		t.Errorf("client messages = %v, want a shutdown notice", client.texts())
	}
	if !client.isClosed() {
		t.Error("client socket should be closed after removal")
	}
}

// failingDeleteStore rejects deletes, exercising the create rollback path
// when even discarding the metadata fails.
type failingDeleteStore struct {
	session.Store
}

func (s *failingDeleteStore) Delete(ctx context.Context, id string) error {
	return errors.New("store unavailable")
}

func TestCreateRollbackSurvivesDeleteFailure(t *testing.T) {
	inner, err := session.NewStore(session.StoreTypeMemory)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rig := newTestRigWithStore(t, &failingDeleteStore{Store: inner})
	rig.host.createErr = errors.New("host down")

	_, err = rig.mgr.Create(context.Background(), CreateRequest{
		MeetingURL: "https://meet.example.com/abc",
		APIKey:     "key-1",
	})
	if err == nil || !strings.Contains(err.Error(), "host down") {
		t.Fatalf("Create error = %v, want the host failure as the cause", err)
	}
}
