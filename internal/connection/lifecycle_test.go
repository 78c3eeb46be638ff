package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeFactory hands out one fakeTransport per machine.
type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
}

func (f *fakeFactory) New(kind Kind) (Transport, error) {
	if kind == "bogus" {
		return nil, ErrUnknownTransport
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tr := &fakeTransport{}
	f.transports = append(f.transports, tr)
	return tr, nil
}

func (f *fakeFactory) At(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[i]
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory, *transitionRecorder) {
	t.Helper()
	factory := &fakeFactory{}
	rec := &transitionRecorder{}
	mg := NewManager(ManagerConfig{
		Transports: factory.New,
		Observers:  []Observer{rec},
	})
	return mg, factory, rec
}

func TestNewManager(t *testing.T) {
	mg := NewManager(ManagerConfig{})
	if mg == nil {
		t.Fatal("NewManager() returned nil")
	}
	if len(mg.List()) != 0 {
		t.Errorf("new manager should have no connections, got %d", len(mg.List()))
	}

	m, err := mg.GetOrCreate("default", KindTCP)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if m.transport.Kind() != KindTCP {
		t.Errorf("default factory built %q, want %q", m.transport.Kind(), KindTCP)
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	mg, _, _ := newTestManager(t)

	m1, err := mg.GetOrCreate("a", KindTCP)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	m2, _ := mg.GetOrCreate("a", KindTCP)
	if m1 != m2 {
		t.Error("GetOrCreate() should return the existing machine")
	}
	if mg.Get("a") != m1 {
		t.Error("Get() should return the created machine")
	}
	if mg.Get("missing") != nil {
		t.Error("Get() for unknown name should be nil")
	}

	if _, err := mg.GetOrCreate("b", "bogus"); !errors.Is(err, ErrUnknownTransport) {
		t.Errorf("GetOrCreate() with bad kind = %v, want %v", err, ErrUnknownTransport)
	}
	if mg.Get("b") != nil {
		t.Error("failed create should not register a machine")
	}
}

func TestManager_ConnectAndCount(t *testing.T) {
	mg, factory, rec := newTestManager(t)
	ctx := context.Background()

	if _, err := mg.Connect(ctx, "a", testEndpoint); err != nil {
		t.Fatalf("Connect(a) error = %v", err)
	}
	if _, err := mg.Connect(ctx, "b", testEndpoint); err != nil {
		t.Fatalf("Connect(b) error = %v", err)
	}

	factory.At(0).Last().ev.OnSuccess(&mockLink{})
	factory.At(1).Last().ev.OnFailure(errors.New("refused"))

	if got := mg.CountByState(StateConnected); got != 1 {
		t.Errorf("CountByState(connected) = %d, want 1", got)
	}
	if got := mg.ListByState(StateErrored); len(got) != 1 || got[0] != "b" {
		t.Errorf("ListByState(errored) = %v, want [b]", got)
	}
	if got := mg.List(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("List() = %v, want [a b]", got)
	}

	// Global observer saw both machines
	if got := len(rec.Transitions()); got != 4 {
		t.Errorf("global observer saw %d transitions, want 4", got)
	}

	// Retrying an errored connection is refused
	if _, err := mg.Connect(ctx, "b", testEndpoint); !errors.Is(err, ErrConnectInErrorState) {
		t.Errorf("Connect(b) again = %v, want %v", err, ErrConnectInErrorState)
	}
}

func TestManager_AddObserverAttachesToExisting(t *testing.T) {
	mg, factory, _ := newTestManager(t)

	_, _ = mg.Connect(context.Background(), "a", testEndpoint)

	late := &transitionRecorder{}
	mg.AddObserver(late)

	factory.At(0).Last().ev.OnSuccess(&mockLink{})

	if got := len(late.Transitions()); got != 1 {
		t.Errorf("late observer saw %d transitions, want 1", got)
	}
}

func TestManager_CloseRemoveCloseAll(t *testing.T) {
	mg, factory, _ := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := mg.Connect(ctx, name, testEndpoint); err != nil {
			t.Fatalf("Connect(%s) error = %v", name, err)
		}
	}
	links := []*mockLink{{}, {}, {}}
	for i, l := range links {
		factory.At(i).Last().ev.OnSuccess(l)
	}

	if err := mg.Close("a"); err != nil {
		t.Fatalf("Close(a) error = %v", err)
	}
	if mg.Get("a").State() != StateClosed {
		t.Error("closed machine should stay managed in Closed state")
	}
	if !links[0].IsClosed() {
		t.Error("Close(a) should close its link")
	}
	if err := mg.Close("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Close(missing) = %v, want %v", err, ErrNotFound)
	}

	b := mg.Get("b")
	mg.Remove("b")
	if mg.Get("b") != nil {
		t.Error("Remove() should forget the machine")
	}
	if b.State() != StateClosed || !links[1].IsClosed() {
		t.Error("Remove() should close the machine")
	}

	c := mg.Get("c")
	mg.CloseAll()
	if len(mg.List()) != 0 {
		t.Errorf("CloseAll() left %d machines", len(mg.List()))
	}
	if c.State() != StateClosed || !links[2].IsClosed() {
		t.Error("CloseAll() should close every machine")
	}
}

func TestManager_AllInfo(t *testing.T) {
	mg, factory, _ := newTestManager(t)

	_, _ = mg.Connect(context.Background(), "z", testEndpoint)
	_, _ = mg.GetOrCreate("a", KindTCP)
	factory.At(0).Last().ev.OnSuccess(&mockLink{})

	infos := mg.AllInfo()
	if len(infos) != 2 {
		t.Fatalf("AllInfo() returned %d entries, want 2", len(infos))
	}
	if infos[0].Name != "a" || infos[0].State != StateReady {
		t.Errorf("infos[0] = %+v, want a in ready", infos[0])
	}
	if infos[1].Name != "z" || infos[1].State != StateConnected || !infos[1].HasLink {
		t.Errorf("infos[1] = %+v, want z connected with link", infos[1])
	}
}
