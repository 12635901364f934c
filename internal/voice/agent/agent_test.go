package agent_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	brokermock "github.com/pranicsoil/fieldvoice/internal/broker/mock"
	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/internal/voice/agent"
	"github.com/pranicsoil/fieldvoice/internal/voice/lock"
	"github.com/pranicsoil/fieldvoice/pkg/audio"
	audiomock "github.com/pranicsoil/fieldvoice/pkg/audio/mock"
)

// ── Remote agent stub ─────────────────────────────────────────────────────────

// peer is the server side of one accepted transport session.
type peer struct {
	conn *websocket.Conn
	in   chan []byte
}

func (p *peer) send(t *testing.T, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("peer write: %v", err)
	}
}

func (p *peer) sendAudio(t *testing.T, pcm []byte) {
	t.Helper()
	p.send(t, fmt.Sprintf(`{"type":"audio","audio_event":{"audio_base_64":%q,"event_id":1}}`,
		base64.StdEncoding.EncodeToString(pcm)))
}

// recv returns the next client message decoded as a JSON object.
func (p *peer) recv(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-p.in:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("client sent invalid JSON %q: %v", data, err)
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a client message")
		return nil
	}
}

// recvType skips client messages until one with the given type arrives.
func (p *peer) recvType(t *testing.T, typ string) map[string]any {
	t.Helper()
	for {
		m := p.recv(t)
		if m["type"] == typ {
			return m
		}
	}
}

type remote struct {
	srv     *httptest.Server
	accepts atomic.Int32
	peers   chan *peer
}

func startRemote(t *testing.T) *remote {
	t.Helper()
	r := &remote{peers: make(chan *peer, 8)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		r.accepts.Add(1)
		p := &peer{conn: conn, in: make(chan []byte, 256)}
		r.peers <- p
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			select {
			case p.in <- data:
			default:
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *remote) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *remote) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case p := <-r.peers:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("no transport session was opened")
		return nil
	}
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	remote *remote
	broker *brokermock.Broker
	mic    *audiomock.Microphone
	spk    *audiomock.Speaker
	lock   *lock.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := startRemote(t)
	return &harness{
		remote: r,
		broker: &brokermock.Broker{Descriptor: voice.Descriptor{
			EndpointURL:  r.url(),
			ContextLabel: "You are a friendly agricultural consultant.",
		}},
		mic:  &audiomock.Microphone{},
		spk:  &audiomock.Speaker{},
		lock: lock.NewMemory(),
	}
}

func (h *harness) newAgent(t *testing.T, mutate func(*agent.Config)) *agent.Agent {
	t.Helper()
	cfg := agent.Config{
		Microphone:   h.mic,
		Output:       h.spk,
		Broker:       h.broker,
		Lock:         h.lock,
		Origin:       "http://localhost:54321",
		MaxJitter:    -1,
		ChunkSamples: 160,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := agent.New(cfg)
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func connectPublic(t *testing.T, a *agent.Agent) {
	t.Helper()
	ok, err := a.Connect(context.Background(), agent.ConnectRequest{Context: voice.ContextPublic})
	if err != nil || !ok {
		t.Fatalf("Connect = (%v, %v), want (true, nil)", ok, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, a *agent.Agent, want voice.Status) {
	t.Helper()
	waitFor(t, "status "+want.String(), func() bool { return a.Status() == want })
}

func pcm(level float32, n int) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = level
	}
	return audio.FloatToPCM16(samples)
}

func lockFree(t *testing.T, l *lock.Memory) {
	t.Helper()
	waitFor(t, "lock release", func() bool {
		_, held := l.Holder()
		return !held
	})
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_Lifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var (
		mu       sync.Mutex
		statuses []voice.Status
	)
	a := h.newAgent(t, func(c *agent.Config) {
		c.OnStatus = func(s voice.Status) {
			mu.Lock()
			statuses = append(statuses, s)
			mu.Unlock()
		}
	})

	connectPublic(t, a)
	if got := a.Status(); got != voice.StatusListening {
		t.Fatalf("Status = %v, want listening", got)
	}
	if !a.IsConnected() {
		t.Error("IsConnected = false")
	}

	p := h.remote.accept(t)
	first := p.recv(t)
	if first["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first message type = %v", first["type"])
	}
	session := a.Session()
	vars, _ := first["dynamic_variables"].(map[string]any)
	if vars["session_id"] != session.ID || vars["context_type"] != "public" {
		t.Errorf("dynamic_variables = %v, want session %s", vars, session.ID)
	}
	override, _ := first["conversation_config_override"].(map[string]any)
	if !strings.Contains(fmt.Sprint(override), "agricultural consultant") {
		t.Errorf("override = %v, want broker context label", override)
	}

	calls := h.broker.DescriptorCalls()
	if len(calls) != 1 || calls[0].Kind != voice.ContextPublic || calls[0].SessionID != session.ID {
		t.Errorf("descriptor calls = %+v", calls)
	}

	// Capture flows to the remote as user_audio_chunk messages.
	h.mic.Opened()[0].Push(make([]float32, 160))
	chunk := p.recv(t)
	if _, ok := chunk["user_audio_chunk"].(string); !ok {
		t.Errorf("capture message = %v, want user_audio_chunk", chunk)
	}

	a.Disconnect()
	if got := a.Status(); got != voice.StatusIdle {
		t.Errorf("Status after Disconnect = %v, want idle", got)
	}
	if h.mic.Live() {
		t.Error("microphone still running after Disconnect")
	}
	if _, held := h.lock.Holder(); held {
		t.Error("lock still held after Disconnect")
	}
	waitFor(t, "end report", func() bool { return len(h.broker.EndCalls()) == 1 })
	if got := h.broker.EndCalls()[0].SessionID; got != session.ID {
		t.Errorf("end report session = %q, want %q", got, session.ID)
	}
	if a.Session().EndedAt.IsZero() {
		t.Error("ended session has no EndedAt")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []voice.Status{voice.StatusConnecting, voice.StatusConnected, voice.StatusListening, voice.StatusIdle}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("status sequence = %v, want %v", statuses, want)
	}
}

func TestConnect_RecordsResolvedContext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		resolved    voice.ContextKind
		wantKind    voice.ContextKind
		wantSubject string
	}{
		{name: "authenticated kept", resolved: voice.ContextAuthenticated, wantKind: voice.ContextAuthenticated, wantSubject: "profile-1"},
		{name: "fell back to public", resolved: voice.ContextPublic, wantKind: voice.ContextPublic},
		{name: "broker silent", resolved: "", wantKind: voice.ContextAuthenticated, wantSubject: "profile-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.broker.Descriptor.ContextKind = tt.resolved
			a := h.newAgent(t, nil)

			ok, err := a.Connect(context.Background(), agent.ConnectRequest{
				Context:   voice.ContextAuthenticated,
				SubjectID: "profile-1",
			})
			if err != nil || !ok {
				t.Fatalf("Connect = (%v, %v), want (true, nil)", ok, err)
			}

			first := h.remote.accept(t).recv(t)
			vars, _ := first["dynamic_variables"].(map[string]any)
			if vars["context_type"] != string(tt.wantKind) {
				t.Errorf("context_type = %v, want %s", vars["context_type"], tt.wantKind)
			}
			s := a.Session()
			if s.Context != tt.wantKind || s.SubjectID != tt.wantSubject {
				t.Errorf("session context = (%s, %q), want (%s, %q)", s.Context, s.SubjectID, tt.wantKind, tt.wantSubject)
			}
			if calls := h.broker.DescriptorCalls(); len(calls) != 1 || calls[0].Kind != voice.ContextAuthenticated {
				t.Errorf("descriptor calls = %+v", calls)
			}
			a.Disconnect()
		})
	}
}

func TestConnect_RejectsBeforeAnyDeviceOrNetworkCall(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     agent.ConnectRequest
		origin  string
		wantErr error
	}{
		{
			name:    "authenticated without subject",
			req:     agent.ConnectRequest{Context: voice.ContextAuthenticated},
			origin:  "https://broker.example.com",
			wantErr: voice.ErrConfiguration,
		},
		{
			name:    "public with subject",
			req:     agent.ConnectRequest{Context: voice.ContextPublic, SubjectID: "user-1"},
			origin:  "https://broker.example.com",
			wantErr: voice.ErrConfiguration,
		},
		{
			name:    "unknown context",
			req:     agent.ConnectRequest{Context: "private"},
			origin:  "https://broker.example.com",
			wantErr: voice.ErrConfiguration,
		},
		{
			name:    "plain http on a public host",
			req:     agent.ConnectRequest{Context: voice.ContextPublic},
			origin:  "http://broker.example.com",
			wantErr: voice.ErrInsecureContext,
		},
		{
			name:    "missing origin",
			req:     agent.ConnectRequest{Context: voice.ContextPublic},
			origin:  "",
			wantErr: voice.ErrConfiguration,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			a := h.newAgent(t, func(c *agent.Config) { c.Origin = tt.origin })

			ok, err := a.Connect(context.Background(), tt.req)
			if ok || !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect = (%v, %v), want (false, %v)", ok, err, tt.wantErr)
			}
			if h.mic.OpenCalls != 0 {
				t.Errorf("microphone opened %d times", h.mic.OpenCalls)
			}
			if n := len(h.broker.DescriptorCalls()); n != 0 {
				t.Errorf("broker called %d times", n)
			}
			if n := h.remote.accepts.Load(); n != 0 {
				t.Errorf("transport opened %d times", n)
			}
			if got := a.Status(); got != voice.StatusError {
				t.Errorf("Status = %v, want error", got)
			}
			if !errors.Is(a.Err(), tt.wantErr) {
				t.Errorf("Err = %v, want %v", a.Err(), tt.wantErr)
			}
		})
	}
}

func TestConnect_NoMicrophone(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.newAgent(t, func(c *agent.Config) { c.Microphone = nil })

	_, err := a.Connect(context.Background(), agent.ConnectRequest{Context: voice.ContextPublic})
	if !errors.Is(err, voice.ErrUnsupportedEnvironment) {
		t.Fatalf("err = %v, want ErrUnsupportedEnvironment", err)
	}
}

func TestConnect_MicrophoneErrors(t *testing.T) {
	t.Parallel()

	for _, want := range []error{voice.ErrPermissionDenied, voice.ErrNoMicrophone, voice.ErrMicrophoneBusy} {
		t.Run(want.Error(), func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			h.mic.OpenErr = fmt.Errorf("filedev: open: %w", want)
			a := h.newAgent(t, nil)

			ok, err := a.Connect(context.Background(), agent.ConnectRequest{Context: voice.ContextPublic})
			if ok || !errors.Is(err, want) {
				t.Fatalf("Connect = (%v, %v), want (false, %v)", ok, err, want)
			}
			if got := a.Status(); got != voice.StatusError {
				t.Errorf("Status = %v, want error", got)
			}
			if n := len(h.broker.DescriptorCalls()); n != 0 {
				t.Errorf("broker called %d times", n)
			}
			if _, held := h.lock.Holder(); held {
				t.Error("lock taken after a device error")
			}
		})
	}
}

func TestConnect_LockBusy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if ok, _ := h.lock.TryAcquire(context.Background(), "other-tab"); !ok {
		t.Fatal("could not pre-acquire lock")
	}
	a := h.newAgent(t, nil)

	ok, err := a.Connect(context.Background(), agent.ConnectRequest{Context: voice.ContextPublic})
	if ok || err != nil {
		t.Fatalf("Connect = (%v, %v), want (false, nil)", ok, err)
	}
	if h.mic.Live() {
		t.Error("microphone left running after losing the lock")
	}
	if n := len(h.broker.DescriptorCalls()); n != 0 {
		t.Errorf("broker called %d times", n)
	}
	if n := h.remote.accepts.Load(); n != 0 {
		t.Errorf("transport opened %d times", n)
	}
	if got := a.Status(); got != voice.StatusIdle {
		t.Errorf("Status = %v, want idle", got)
	}
	if holder, _ := h.lock.Holder(); holder.Owner != "other-tab" {
		t.Errorf("holder = %q, want other-tab", holder.Owner)
	}
}

func TestConnect_ConcurrentCallersSingleWinner(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	const n = 6
	agents := make([]*agent.Agent, n)
	mics := make([]*audiomock.Microphone, n)
	for i := range agents {
		mics[i] = &audiomock.Microphone{}
		agents[i] = h.newAgent(t, func(c *agent.Config) {
			c.Microphone = mics[i]
			c.MaxJitter = 0 // default jitter
		})
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, a := range agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := a.Connect(context.Background(), agent.ConnectRequest{Context: voice.ContextPublic})
			if err != nil {
				t.Errorf("Connect: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
	if got := h.remote.accepts.Load(); got != 1 {
		t.Errorf("transport sessions = %d, want 1", got)
	}
	active := 0
	for i, a := range agents {
		if a.IsConnected() {
			active++
			continue
		}
		if mics[i].Live() {
			t.Errorf("agent %d lost the race but kept its microphone", i)
		}
	}
	if active != 1 {
		t.Errorf("connected agents = %d, want 1", active)
	}
}

func TestConnect_SecondCallOnSameAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.newAgent(t, nil)
	connectPublic(t, a)

	ok, err := a.Connect(context.Background(), agent.ConnectRequest{Context: voice.ContextPublic})
	if ok || err != nil {
		t.Fatalf("second Connect = (%v, %v), want (false, nil)", ok, err)
	}
	if n := len(h.broker.DescriptorCalls()); n != 1 {
		t.Errorf("broker called %d times, want 1", n)
	}
	if got := a.Status(); got != voice.StatusListening {
		t.Errorf("Status = %v, want listening", got)
	}
}

func TestConnect_ReleasesOnSetupFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(h *harness)
		wantErr error
	}{
		{
			name:    "broker failure",
			setup:   func(h *harness) { h.broker.DescriptorErr = errors.New("status 500") },
			wantErr: voice.ErrBrokerRequestFailed,
		},
		{
			name:    "empty endpoint",
			setup:   func(h *harness) { h.broker.Descriptor.EndpointURL = "" },
			wantErr: voice.ErrBrokerRequestFailed,
		},
		{
			name: "dial failure",
			setup: func(h *harness) {
				dead := httptest.NewServer(http.NotFoundHandler())
				dead.Close()
				h.broker.Descriptor.EndpointURL = "ws" + strings.TrimPrefix(dead.URL, "http")
			},
			wantErr: voice.ErrTransport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			tt.setup(h)
			a := h.newAgent(t, nil)

			ok, err := a.Connect(context.Background(), agent.ConnectRequest{Context: voice.ContextPublic})
			if ok || !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect = (%v, %v), want (false, %v)", ok, err, tt.wantErr)
			}
			if got := a.Status(); got != voice.StatusError {
				t.Errorf("Status = %v, want error", got)
			}
			if h.mic.Live() {
				t.Error("microphone left running")
			}
			if _, held := h.lock.Holder(); held {
				t.Error("lock left held")
			}
			if n := len(h.broker.EndCalls()); n != 0 {
				t.Errorf("end reported %d times for a session that never started", n)
			}
		})
	}
}

// ── Inbound messages ──────────────────────────────────────────────────────────

func TestAbnormalCloseWhileSpeaking(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.spk.Hold = true
	started := h.spk.Started()
	a := h.newAgent(t, nil)
	connectPublic(t, a)
	p := h.remote.accept(t)
	p.recvType(t, "conversation_initiation_client_data")

	for range 3 {
		p.sendAudio(t, pcm(0.5, 2400))
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("playback never started")
	}
	waitStatus(t, a, voice.StatusSpeaking)

	// Drop the TCP connection without a close frame.
	_ = p.conn.CloseNow()

	waitStatus(t, a, voice.StatusIdle)
	if !errors.Is(a.Err(), voice.ErrTransport) {
		t.Errorf("Err = %v, want ErrTransport", a.Err())
	}
	if h.mic.Live() {
		t.Error("microphone still running")
	}
	waitFor(t, "playback stopped", func() bool { return h.spk.Active() == 0 })
	if got := h.spk.Cancelled(); got != 1 {
		t.Errorf("cancelled plays = %d, want 1", got)
	}
	if got := len(h.spk.Played()); got != 1 {
		t.Errorf("frames played = %d, want 1 (queue cleared)", got)
	}
	if got := a.Volume(); got != 0 {
		t.Errorf("Volume = %v, want 0", got)
	}
	lockFree(t, h.lock)
	waitFor(t, "end report", func() bool { return len(h.broker.EndCalls()) == 1 })
}

func TestNormalRemoteClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.newAgent(t, nil)
	connectPublic(t, a)
	p := h.remote.accept(t)
	p.recvType(t, "conversation_initiation_client_data")

	p.send(t, `{"type":"conversation_ended","reason":"agent hung up"}`)
	_ = p.conn.Close(websocket.StatusNormalClosure, "bye")

	waitStatus(t, a, voice.StatusIdle)
	if err := a.Err(); err != nil {
		t.Errorf("Err = %v, want nil after a normal close", err)
	}
	if h.mic.Live() {
		t.Error("microphone still running")
	}
	lockFree(t, h.lock)
}

func TestInterruption(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.spk.Hold = true
	started := h.spk.Started()
	a := h.newAgent(t, nil)
	connectPublic(t, a)
	p := h.remote.accept(t)
	p.recvType(t, "conversation_initiation_client_data")

	for range 4 {
		p.sendAudio(t, pcm(0.5, 2400))
	}
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("playback never started")
	}
	waitStatus(t, a, voice.StatusSpeaking)

	p.send(t, `{"type":"interruption","interruption_event":{"event_id":7}}`)
	waitStatus(t, a, voice.StatusListening)
	waitFor(t, "cancelled play", func() bool { return h.spk.Cancelled() == 1 })
	if got := a.Volume(); got != 0 {
		t.Errorf("Volume = %v, want 0", got)
	}

	// Later audio plays normally.
	p.sendAudio(t, pcm(0.25, 240))
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("playback did not resume after interruption")
	}
	h.spk.Finish()
	waitStatus(t, a, voice.StatusListening)
	if got := len(h.spk.Played()); got != 2 {
		t.Errorf("frames played = %d, want 2", got)
	}
}

func TestPingAnsweredThroughAgent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.newAgent(t, nil)
	connectPublic(t, a)
	p := h.remote.accept(t)
	p.recvType(t, "conversation_initiation_client_data")

	p.send(t, `{"type":"ping","ping_event":{"event_id":"abc","ping_ms":20}}`)
	pong := p.recvType(t, "pong")
	if pong["event_id"] != "abc" {
		t.Errorf("pong event_id = %v, want abc", pong["event_id"])
	}

	select {
	case extra := <-p.in:
		if strings.Contains(string(extra), `"pong"`) {
			t.Errorf("second pong sent: %s", extra)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.newAgent(t, nil)
	connectPublic(t, a)
	p := h.remote.accept(t)
	p.recvType(t, "conversation_initiation_client_data")

	p.send(t, `{"type":"error","message":"quota exceeded"}`)
	waitStatus(t, a, voice.StatusError)
	if err := a.Err(); !errors.Is(err, voice.ErrTransport) || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Err = %v", err)
	}

	// Audio after an error does not flip the status back.
	p.sendAudio(t, pcm(0.1, 240))
	waitFor(t, "frame played", func() bool { return len(h.spk.Played()) == 1 })
	if got := a.Status(); got != voice.StatusError {
		t.Errorf("Status = %v, want error", got)
	}

	_ = p.conn.Close(websocket.StatusNormalClosure, "")
	waitStatus(t, a, voice.StatusIdle)
	if err := a.Err(); err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("Err after close = %v, want the remote error kept", err)
	}
}

func TestMetadataSetsPlaybackRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.newAgent(t, nil)
	connectPublic(t, a)
	p := h.remote.accept(t)
	p.recvType(t, "conversation_initiation_client_data")

	p.send(t, `{"type":"conversation_initiation_metadata","conversation_initiation_metadata_event":{"conversation_id":"c1","agent_output_audio_format":"pcm_16000","user_input_audio_format":"pcm_16000"}}`)
	p.sendAudio(t, pcm(0.1, 160))

	waitFor(t, "frame played", func() bool { return len(h.spk.Played()) == 1 })
	if got := h.spk.Played()[0].SampleRate; got != 16000 {
		t.Errorf("playback rate = %d, want 16000", got)
	}
}

func TestBinaryFramesAndTranscripts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	var (
		mu    sync.Mutex
		lines []string
	)
	a := h.newAgent(t, func(c *agent.Config) {
		c.OnTranscript = func(who agent.Speaker, text string) {
			mu.Lock()
			lines = append(lines, string(who)+": "+text)
			mu.Unlock()
		}
	})
	connectPublic(t, a)
	p := h.remote.accept(t)
	p.recvType(t, "conversation_initiation_client_data")

	p.send(t, `{"type":"user_transcript","user_transcription_event":{"user_transcript":"my tomatoes are wilting"}}`)
	p.send(t, `{"type":"agent_response","agent_response_event":{"agent_response":"Check the soil moisture."}}`)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.conn.Write(ctx, websocket.MessageBinary, pcm(0.2, 240)); err != nil {
		t.Fatalf("binary write: %v", err)
	}

	waitFor(t, "binary frame played", func() bool { return len(h.spk.Played()) == 1 })
	mu.Lock()
	defer mu.Unlock()
	want := []string{"user: my tomatoes are wilting", "agent: Check the soil moisture."}
	if fmt.Sprint(lines) != fmt.Sprint(want) {
		t.Errorf("transcripts = %q, want %q", lines, want)
	}
}

func TestLockLostEndsSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.newAgent(t, func(c *agent.Config) { c.KeepAlive = 10 * time.Millisecond })
	connectPublic(t, a)
	h.remote.accept(t)

	// Another instance takes over, as if this one had gone stale.
	if err := h.lock.Release(context.Background(), a.InstanceID()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := h.lock.TryAcquire(context.Background(), "other-tab"); !ok {
		t.Fatal("takeover failed")
	}

	waitStatus(t, a, voice.StatusError)
	if h.mic.Live() {
		t.Error("microphone still running")
	}
	if holder, _ := h.lock.Holder(); holder.Owner != "other-tab" {
		t.Errorf("holder = %q, want other-tab untouched", holder.Owner)
	}
}

func TestKeepAliveHoldsLock(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lock = lock.NewMemory(lock.WithStaleAfter(60 * time.Millisecond))
	a := h.newAgent(t, func(c *agent.Config) { c.KeepAlive = 15 * time.Millisecond })
	connectPublic(t, a)
	h.remote.accept(t)

	time.Sleep(200 * time.Millisecond)
	if ok, _ := h.lock.TryAcquire(context.Background(), "other-tab"); ok {
		t.Fatal("a live session's lock was reclaimed")
	}
	if !a.IsConnected() {
		t.Errorf("Status = %v, want connected", a.Status())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a := h.newAgent(t, nil)
	a.Disconnect()
	connectPublic(t, a)
	a.Disconnect()
	a.Disconnect()

	if got := a.Status(); got != voice.StatusIdle {
		t.Errorf("Status = %v, want idle", got)
	}
	if got := h.mic.Opened()[0].StopCalls(); got != 1 {
		t.Errorf("microphone stopped %d times, want 1", got)
	}
	waitFor(t, "end report", func() bool { return len(h.broker.EndCalls()) == 1 })

	// A fresh session can start after disconnecting.
	connectPublic(t, a)
	if got := len(h.broker.DescriptorCalls()); got != 2 {
		t.Errorf("descriptor calls = %d, want 2", got)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := agent.New(agent.Config{})
	if !errors.Is(err, voice.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	for _, part := range []string{"broker", "lock", "speaker"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("error %q does not mention %s", err, part)
		}
	}
}
