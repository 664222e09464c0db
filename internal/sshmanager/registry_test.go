package sshmanager_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/claworc/webssh/internal/sshmanager"
	"github.com/gluk-w/claworc/webssh/internal/sshmanager/sshmanagertest"
	"github.com/gluk-w/claworc/webssh/internal/sshterminal"
)

func newTestRegistry(dialer sshmanager.Dialer, max int) *sshmanager.Registry {
	return sshmanager.NewRegistry(dialer, sshmanager.Options{
		MaxConnections:    max,
		ConnectTimeout:    time.Second,
		DisconnectTimeout: 200 * time.Millisecond,
		PollInterval:      time.Millisecond,
	})
}

// createConnected creates and connects a connection, failing the test on error.
func createConnected(t *testing.T, reg *sshmanager.Registry, target sshterminal.Target) *sshmanager.Connection {
	t.Helper()
	c, err := reg.Create(target)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Connect(context.Background(), c); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

// eventLog records registry events.
type eventLog struct {
	mu     sync.Mutex
	events []sshmanager.Event
}

func (l *eventLog) listen(e sshmanager.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []sshmanager.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]sshmanager.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func TestRegistry_CreateConnectGet(t *testing.T) {
	dialer := &sshmanagertest.Dialer{}
	reg := newTestRegistry(dialer, 0)
	defer reg.CloseAll()

	c, err := reg.Create(testTarget())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID() == "" {
		t.Fatal("expected a generated ID")
	}
	if _, ok := reg.Get(c.ID()); ok {
		t.Error("pending connection must not be visible")
	}
	if n := len(reg.List()); n != 0 {
		t.Errorf("List before connect = %d entries, want 0", n)
	}

	if err := reg.Connect(context.Background(), c); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	got, ok := reg.Get(c.ID())
	if !ok || got != c {
		t.Fatal("connected connection not found")
	}
	if ids := reg.List(); len(ids) != 1 || ids[0] != c.ID() {
		t.Errorf("List = %v", ids)
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
}

func TestRegistry_UniqueIDs(t *testing.T) {
	reg := newTestRegistry(&sshmanagertest.Dialer{}, 0)
	defer reg.CloseAll()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		c := createConnected(t, reg, testTarget())
		if seen[c.ID()] {
			t.Fatalf("duplicate ID %s", c.ID())
		}
		seen[c.ID()] = true
	}
	if reg.Len() != 50 {
		t.Errorf("Len = %d, want 50", reg.Len())
	}
}

func TestRegistry_FailedConnectNeverObservable(t *testing.T) {
	dialer := &sshmanagertest.Dialer{Reject: sshmanagertest.RejectPassword("wrong")}
	reg := newTestRegistry(dialer, 0)
	defer reg.CloseAll()
	events := &eventLog{}
	reg.AddListener(events.listen)

	target := testTarget()
	target.Password = "wrong"
	c, err := reg.Create(target)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Connect(context.Background(), c); err == nil {
		t.Fatal("expected connect failure")
	}

	if _, ok := reg.Get(c.ID()); ok {
		t.Error("failed connection visible via Get")
	}
	if ids := reg.List(); len(ids) != 0 {
		t.Errorf("failed connection visible via List: %v", ids)
	}
	if reg.Remove(c.ID()) {
		t.Error("failed connection should already be gone from the table")
	}
	if got := events.types(); len(got) != 1 || got[0] != sshmanager.EventConnectFailed {
		t.Errorf("events = %v, want [connect_failed]", got)
	}
}

func TestRegistry_CreateRejectsInvalidTarget(t *testing.T) {
	reg := newTestRegistry(&sshmanagertest.Dialer{}, 0)
	if _, err := reg.Create(sshterminal.Target{Port: 22, Username: "root"}); !errors.Is(err, sshterminal.ErrInvalidTarget) {
		t.Errorf("Create with empty host = %v, want ErrInvalidTarget", err)
	}
}

func TestRegistry_MaxConnections(t *testing.T) {
	reg := newTestRegistry(&sshmanagertest.Dialer{}, 2)
	defer reg.CloseAll()

	first := createConnected(t, reg, testTarget())
	createConnected(t, reg, testTarget())

	if _, err := reg.Create(testTarget()); !errors.Is(err, sshmanager.ErrTooManyConnections) {
		t.Fatalf("third Create = %v, want ErrTooManyConnections", err)
	}

	reg.Remove(first.ID())
	if _, err := reg.Create(testTarget()); err != nil {
		t.Errorf("Create after Remove = %v, want room for one more", err)
	}
}

func TestRegistry_Remove(t *testing.T) {
	dialer := &sshmanagertest.Dialer{}
	reg := newTestRegistry(dialer, 0)
	events := &eventLog{}
	reg.AddListener(events.listen)

	c := createConnected(t, reg, testTarget())
	c.SetOwner("chan-1")

	if !reg.Remove(c.ID()) {
		t.Fatal("Remove returned false for a present connection")
	}
	if reg.Remove(c.ID()) {
		t.Error("second Remove should return false")
	}
	if reg.Remove("no-such-id") {
		t.Error("Remove of unknown ID should return false")
	}
	if _, ok := reg.Get(c.ID()); ok {
		t.Error("removed connection still visible")
	}
	if !dialer.Last().Closed() {
		t.Error("Remove must disconnect the connection")
	}

	got := events.types()
	if len(got) != 2 || got[0] != sshmanager.EventConnected || got[1] != sshmanager.EventRemoved {
		t.Errorf("events = %v, want [connected removed]", got)
	}
	events.mu.Lock()
	removed := events.events[1]
	events.mu.Unlock()
	if removed.ChannelID != "chan-1" || removed.ConnectionID != c.ID() || removed.Host != "10.0.0.5" {
		t.Errorf("removed event = %+v", removed)
	}
}

func TestRegistry_CleanupEvictsDead(t *testing.T) {
	dialer := &sshmanagertest.Dialer{}
	reg := newTestRegistry(dialer, 0)
	defer reg.CloseAll()
	events := &eventLog{}
	reg.AddListener(events.listen)

	alive := createConnected(t, reg, testTarget())
	dead := createConnected(t, reg, testTarget())
	shells := dialer.Shells()
	shells[1].Kill()

	evicted := reg.Cleanup()
	if len(evicted) != 1 || evicted[0] != dead.ID() {
		t.Fatalf("evicted = %v, want [%s]", evicted, dead.ID())
	}
	if _, ok := reg.Get(dead.ID()); ok {
		t.Error("dead connection still present")
	}
	if _, ok := reg.Get(alive.ID()); !ok {
		t.Error("live connection was evicted")
	}
	if !shells[1].Closed() {
		t.Error("evicted connection must be disconnected")
	}
	if again := reg.Cleanup(); len(again) != 0 {
		t.Errorf("second Cleanup evicted %v", again)
	}

	got := events.types()
	if got[len(got)-1] != sshmanager.EventEvicted {
		t.Errorf("last event = %s, want evicted", got[len(got)-1])
	}
}

func TestRegistry_CleanupEvictsStreamFailure(t *testing.T) {
	dialer := &sshmanagertest.Dialer{}
	reg := newTestRegistry(dialer, 0)
	defer reg.CloseAll()

	c := createConnected(t, reg, testTarget())
	dialer.Last().FailReads(errors.New("EOF"))
	waitFor(t, time.Second, "stream failure", func() bool { return !c.Running() })

	// Still listed until the sweep runs.
	if _, ok := reg.Get(c.ID()); !ok {
		t.Fatal("connection with a failed stream should remain until swept")
	}
	if evicted := reg.Cleanup(); len(evicted) != 1 {
		t.Errorf("evicted = %v, want the failed connection", evicted)
	}
}

func TestRegistry_CleanupPanickingProbe(t *testing.T) {
	dialer := &sshmanagertest.Dialer{}
	reg := newTestRegistry(dialer, 0)
	defer reg.CloseAll()

	healthy := createConnected(t, reg, testTarget())
	broken := createConnected(t, reg, testTarget())
	dialer.Shells()[1].PanicOnProbe()

	evicted := reg.Cleanup()
	if len(evicted) != 1 || evicted[0] != broken.ID() {
		t.Fatalf("evicted = %v, want [%s]", evicted, broken.ID())
	}
	if _, ok := reg.Get(healthy.ID()); !ok {
		t.Error("healthy connection evicted because of a sibling's probe panic")
	}
}

func TestRegistry_CleanupSkipsPending(t *testing.T) {
	dialer := &sshmanagertest.Dialer{Delay: 200 * time.Millisecond}
	reg := newTestRegistry(dialer, 0)
	defer reg.CloseAll()

	c, err := reg.Create(testTarget())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- reg.Connect(context.Background(), c) }()

	time.Sleep(20 * time.Millisecond)
	if evicted := reg.Cleanup(); len(evicted) != 0 {
		t.Errorf("Cleanup evicted a pending connection: %v", evicted)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, ok := reg.Get(c.ID()); !ok {
		t.Error("connection not visible after connect")
	}
}

func TestRegistry_RemoveCleanupRace(t *testing.T) {
	for round := 0; round < 20; round++ {
		dialer := &sshmanagertest.Dialer{}
		reg := newTestRegistry(dialer, 0)
		var evictedEvents, removedEvents atomic.Int32
		reg.AddListener(func(e sshmanager.Event) {
			switch e.Type {
			case sshmanager.EventEvicted:
				evictedEvents.Add(1)
			case sshmanager.EventRemoved:
				removedEvents.Add(1)
			}
		})

		c := createConnected(t, reg, testTarget())
		dialer.Last().Kill()

		var wg sync.WaitGroup
		var removed bool
		var evicted []string
		wg.Add(2)
		go func() {
			defer wg.Done()
			removed = reg.Remove(c.ID())
		}()
		go func() {
			defer wg.Done()
			evicted = reg.Cleanup()
		}()
		wg.Wait()

		wins := len(evicted)
		if removed {
			wins++
		}
		if wins != 1 {
			t.Fatalf("round %d: removed=%v evicted=%v, want exactly one winner", round, removed, evicted)
		}
		if evictedEvents.Load()+removedEvents.Load() != 1 {
			t.Fatalf("round %d: %d evicted + %d removed events, want 1", round, evictedEvents.Load(), removedEvents.Load())
		}
		if dialer.Last().CloseCount() != 1 {
			t.Fatalf("round %d: shell closed %d times", round, dialer.Last().CloseCount())
		}
	}
}

func TestRegistry_ConcurrentCreateConnect(t *testing.T) {
	reg := newTestRegistry(&sshmanagertest.Dialer{}, 0)
	defer reg.CloseAll()

	const n = 30
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := reg.Create(testTarget())
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			if err := reg.Connect(context.Background(), c); err != nil {
				t.Errorf("Connect: %v", err)
				return
			}
			ids[i] = c.ID()
		}(i)
	}
	wg.Wait()

	listed := reg.List()
	sort.Strings(listed)
	sort.Strings(ids)
	if len(listed) != n {
		t.Fatalf("List has %d entries, want %d", len(listed), n)
	}
	for i := range ids {
		if ids[i] != listed[i] {
			t.Fatalf("List mismatch at %d: %s vs %s", i, listed[i], ids[i])
		}
	}
}

func TestRegistry_SnapshotOrdered(t *testing.T) {
	reg := newTestRegistry(&sshmanagertest.Dialer{}, 0)
	defer reg.CloseAll()

	first := createConnected(t, reg, testTarget())
	time.Sleep(2 * time.Millisecond)
	second := createConnected(t, reg, sshterminal.Target{Host: "db.internal", Port: 2222, Username: "admin", Password: "x"})

	infos := reg.Snapshot()
	if len(infos) != 2 {
		t.Fatalf("Snapshot = %d entries, want 2", len(infos))
	}
	if infos[0].ID != first.ID() || infos[1].ID != second.ID() {
		t.Errorf("Snapshot order = [%s %s]", infos[0].ID, infos[1].ID)
	}
	if infos[1].Host != "db.internal" || infos[1].Port != 2222 || infos[1].Username != "admin" {
		t.Errorf("second info = %+v", infos[1])
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	dialer := &sshmanagertest.Dialer{}
	reg := newTestRegistry(dialer, 0)
	for i := 0; i < 5; i++ {
		createConnected(t, reg, testTarget())
	}

	reg.CloseAll()

	if reg.Len() != 0 {
		t.Errorf("Len after CloseAll = %d", reg.Len())
	}
	for i, s := range dialer.Shells() {
		if !s.Closed() {
			t.Errorf("shell %d not closed", i)
		}
	}
}

func TestRegistry_PanickingListenerDoesNotStrandEvictions(t *testing.T) {
	dialer := &sshmanagertest.Dialer{}
	reg := newTestRegistry(dialer, 0)
	defer reg.CloseAll()
	reg.AddListener(func(e sshmanager.Event) {
		if e.Type == sshmanager.EventEvicted {
			panic("listener bug")
		}
	})
	events := &eventLog{}
	reg.AddListener(events.listen)

	a := createConnected(t, reg, testTarget())
	b := createConnected(t, reg, testTarget())
	for _, s := range dialer.Shells() {
		s.Kill()
	}

	var reported []string
	sw := sshmanager.NewSweeper(reg, time.Minute, func(ids []string) { reported = ids })
	evicted := sw.RunOnce()
	sort.Strings(evicted)
	want := []string{a.ID(), b.ID()}
	sort.Strings(want)
	if len(evicted) != 2 || evicted[0] != want[0] || evicted[1] != want[1] {
		t.Fatalf("RunOnce = %v, want %v", evicted, want)
	}
	if len(reported) != 2 {
		t.Errorf("onEvicted got %v, want both IDs", reported)
	}
	for _, c := range []*sshmanager.Connection{a, b} {
		if c.Running() || c.Connected() {
			t.Errorf("%s still running after eviction", c.ID())
		}
	}
	for i, s := range dialer.Shells() {
		if !s.Closed() {
			t.Errorf("shell %d left open", i)
		}
	}

	n := 0
	for _, typ := range events.types() {
		if typ == sshmanager.EventEvicted {
			n++
		}
	}
	if n != 2 {
		t.Errorf("later listener saw %d evicted events, want 2", n)
	}
}

func TestRegistry_PanickingListenerOnConnect(t *testing.T) {
	reg := newTestRegistry(&sshmanagertest.Dialer{}, 0)
	defer reg.CloseAll()
	reg.AddListener(func(sshmanager.Event) { panic("listener bug") })

	c := createConnected(t, reg, testTarget())
	if _, ok := reg.Get(c.ID()); !ok {
		t.Fatal("connection missing after Connect")
	}
	if !reg.Remove(c.ID()) {
		t.Error("Remove returned false")
	}
}

func TestRegistry_OwnedBy(t *testing.T) {
	reg := newTestRegistry(&sshmanagertest.Dialer{}, 0)
	defer reg.CloseAll()

	a := createConnected(t, reg, testTarget())
	a.SetOwner("ch1")
	b := createConnected(t, reg, testTarget())
	b.SetOwner("ch1")
	createConnected(t, reg, testTarget()).SetOwner("ch2")
	createConnected(t, reg, testTarget())

	pending, err := reg.Create(testTarget())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	pending.SetOwner("ch1")

	got := reg.OwnedBy("ch1")
	want := []string{a.ID(), b.ID()}
	sort.Strings(want)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("OwnedBy(ch1) = %v, want %v", got, want)
	}
	if got := reg.OwnedBy(""); got != nil {
		t.Errorf("OwnedBy(\"\") = %v, want nil", got)
	}
	if got := reg.OwnedBy("ch3"); len(got) != 0 {
		t.Errorf("OwnedBy(ch3) = %v", got)
	}
}
