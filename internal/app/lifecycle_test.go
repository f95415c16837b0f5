package app

import (
	"errors"
	"testing"
)

type fakeService struct {
	name        string
	startErr    error
	stopErr     error
	startCalled bool
	stopCalled  bool
}

func (f *fakeService) Name() string { return f.name }
func (f *fakeService) Start() error { f.startCalled = true; return f.startErr }
func (f *fakeService) Stop() error  { f.stopCalled = true; return f.stopErr }

func TestLifecycle_StartsInAscendingPriorityOrder(t *testing.T) {
	var order []string
	l := NewLifecycle()
	l.Register(recordingService{"third", 20, &order}, 20)
	l.Register(recordingService{"first", 0, &order}, 0)
	l.Register(recordingService{"second", 10, &order}, 10)

	if err := l.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLifecycle_StopsInDescendingPriorityOrder(t *testing.T) {
	var order []string
	l := NewLifecycle()
	l.Register(recordingService{"first", 0, &order}, 0)
	l.Register(recordingService{"second", 10, &order}, 10)

	if err := l.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	order = nil // reset, only care about stop order now

	l.StopAll()
	want := []string{"second", "first"}
	if len(order) != len(want) {
		t.Fatalf("stop order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("stop order = %v, want %v", order, want)
		}
	}
}

func TestLifecycle_StartFailureUnwindsStartedServices(t *testing.T) {
	l := NewLifecycle()
	a := &fakeService{name: "a"}
	b := &fakeService{name: "b", startErr: errors.New("boom")}
	l.Register(a, 0)
	l.Register(b, 10)

	if err := l.StartAll(); err == nil {
		t.Fatal("expected StartAll to fail")
	}
	if !a.startCalled {
		t.Fatal("a should have started before b failed")
	}
	if !a.stopCalled {
		t.Fatal("a should be stopped during unwind")
	}
	if b.stopCalled {
		t.Fatal("b never started, should not be stopped")
	}
}

func TestLifecycle_StopAllCollectsErrors(t *testing.T) {
	l := NewLifecycle()
	a := &fakeService{name: "a", stopErr: errors.New("a failed")}
	b := &fakeService{name: "b", stopErr: errors.New("b failed")}
	l.Register(a, 0)
	l.Register(b, 10)

	if err := l.StartAll(); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	errs := l.StopAll()
	if len(errs) != 2 {
		t.Fatalf("StopAll() errors = %v, want 2", errs)
	}
}

type recordingService struct {
	name     string
	priority int
	order    *[]string
}

func (r recordingService) Name() string { return r.name }
func (r recordingService) Start() error { *r.order = append(*r.order, r.name); return nil }
func (r recordingService) Stop() error  { *r.order = append(*r.order, r.name); return nil }
