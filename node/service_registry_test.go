package node

import (
	"errors"
	"testing"
)

// registryTestSvc implements Service for service registry testing.
type registryTestSvc struct {
	svcName  string
	wasStart bool
	wasStop  bool
	startErr error
	stopErr  error
}

func (s *registryTestSvc) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.wasStart = true
	return nil
}

func (s *registryTestSvc) Stop() error {
	if s.stopErr != nil {
		return s.stopErr
	}
	s.wasStop = true
	return nil
}

func (s *registryTestSvc) Name() string { return s.svcName }

func TestNewServiceRegistry(t *testing.T) {
	r := NewServiceRegistry(10)
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestRegistryRegisterAndGetService(t *testing.T) {
	r := NewServiceRegistry(10)
	svc := &registryTestSvc{svcName: "finalizer"}

	err := r.Register(&ServiceDescriptor{
		Name:     "finalizer",
		Service:  svc,
		Priority: 0,
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	desc, err := r.GetService("finalizer")
	if err != nil {
		t.Fatalf("GetService error: %v", err)
	}
	if desc.Name != "finalizer" {
		t.Errorf("Name = %q, want finalizer", desc.Name)
	}
	if desc.state != StateCreated {
		t.Errorf("state = %v, want created", desc.state)
	}
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewServiceRegistry(10)
	svc := &registryTestSvc{svcName: "connhandler"}

	r.Register(&ServiceDescriptor{Name: "connhandler", Service: svc, Priority: 1})
	err := r.Register(&ServiceDescriptor{Name: "connhandler", Service: svc, Priority: 2})
	if err != ErrServiceExists {
		t.Errorf("expected ErrServiceExists, got %v", err)
	}
}

func TestRegistryRegisterMaxCapacity(t *testing.T) {
	r := NewServiceRegistry(2)
	r.Register(&ServiceDescriptor{Name: "finalizer", Service: &registryTestSvc{svcName: "finalizer"}, Priority: 0})
	r.Register(&ServiceDescriptor{Name: "connhandler", Service: &registryTestSvc{svcName: "connhandler"}, Priority: 1})

	err := r.Register(&ServiceDescriptor{Name: "adminapi", Service: &registryTestSvc{svcName: "adminapi"}, Priority: 1})
	if err != ErrRegistryMaxReached {
		t.Errorf("expected ErrRegistryMaxReached, got %v", err)
	}
}

func TestRegistryGetServiceNotFound(t *testing.T) {
	r := NewServiceRegistry(10)
	_, err := r.GetService("nonexistent")
	if err != ErrServiceNotFound {
		t.Errorf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestRegistryStartAndStop(t *testing.T) {
	r := NewServiceRegistry(10)

	fin := &registryTestSvc{svcName: "finalizer"}
	conn := &registryTestSvc{svcName: "connhandler"}

	r.Register(&ServiceDescriptor{Name: "finalizer", Service: fin, Priority: 0})
	r.Register(&ServiceDescriptor{Name: "connhandler", Service: conn, Priority: 1})

	errs := r.Start()
	if len(errs) != 0 {
		t.Fatalf("Start errors: %v", errs)
	}

	if !fin.wasStart {
		t.Error("finalizer should be started")
	}
	if !conn.wasStart {
		t.Error("connhandler should be started")
	}
	if r.RunningCount() != 2 {
		t.Errorf("RunningCount() = %d, want 2", r.RunningCount())
	}

	errs = r.Stop()
	if len(errs) != 0 {
		t.Fatalf("Stop errors: %v", errs)
	}

	if !fin.wasStop {
		t.Error("finalizer should be stopped")
	}
	if !conn.wasStop {
		t.Error("connhandler should be stopped")
	}
}

func TestRegistryStartWithDependencies(t *testing.T) {
	r := NewServiceRegistry(10)

	fin := &registryTestSvc{svcName: "finalizer"}
	conn := &registryTestSvc{svcName: "connhandler"}
	admin := &registryTestSvc{svcName: "adminapi"}

	// Gateway startup order: the finalizer's block-consumption loop
	// must be running before either public listener starts accepting
	// connections, so admitted entries always have a consumer.
	r.Register(&ServiceDescriptor{Name: "finalizer", Service: fin, Priority: 0})
	r.Register(&ServiceDescriptor{Name: "connhandler", Service: conn, Priority: 1, Dependencies: []string{"finalizer"}})
	r.Register(&ServiceDescriptor{Name: "adminapi", Service: admin, Priority: 1, Dependencies: []string{"finalizer"}})

	errs := r.Start()
	if len(errs) != 0 {
		t.Fatalf("Start errors: %v", errs)
	}

	if !fin.wasStart || !conn.wasStart || !admin.wasStart {
		t.Error("all services should be started")
	}
}

func TestRegistryStartFailedDependency(t *testing.T) {
	r := NewServiceRegistry(10)

	fin := &registryTestSvc{svcName: "finalizer", startErr: errors.New("gas price query failed")}
	conn := &registryTestSvc{svcName: "connhandler"}

	r.Register(&ServiceDescriptor{Name: "finalizer", Service: fin, Priority: 0})
	r.Register(&ServiceDescriptor{Name: "connhandler", Service: conn, Priority: 1, Dependencies: []string{"finalizer"}})

	errs := r.Start()
	// Should get errors for both finalizer (start failed) and connhandler (dep failed).
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}

	if r.GetState("finalizer") != StateFailed {
		t.Errorf("finalizer state = %v, want failed", r.GetState("finalizer"))
	}
	if r.GetState("connhandler") != StateFailed {
		t.Errorf("connhandler state = %v, want failed", r.GetState("connhandler"))
	}
}

func TestRegistryStartFailure(t *testing.T) {
	r := NewServiceRegistry(10)
	svc := &registryTestSvc{svcName: "failing", startErr: errors.New("boom")}

	r.Register(&ServiceDescriptor{Name: "failing", Service: svc, Priority: 1})

	errs := r.Start()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if r.GetState("failing") != StateFailed {
		t.Errorf("state = %v, want failed", r.GetState("failing"))
	}
}

func TestRegistryStopFailure(t *testing.T) {
	r := NewServiceRegistry(10)
	svc := &registryTestSvc{svcName: "stubborn", stopErr: errors.New("won't stop")}

	r.Register(&ServiceDescriptor{Name: "stubborn", Service: svc, Priority: 1})
	r.Start()

	errs := r.Stop()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if r.GetState("stubborn") != StateFailed {
		t.Errorf("state = %v, want failed", r.GetState("stubborn"))
	}
}

func TestRegistryHealthCheck(t *testing.T) {
	r := NewServiceRegistry(10)

	healthy := &registryTestSvc{svcName: "connhandler"}
	unhealthy := &registryTestSvc{svcName: "adminapi"}

	r.Register(&ServiceDescriptor{Name: "connhandler", Service: healthy, Priority: 1})
	r.Register(&ServiceDescriptor{
		Name:     "adminapi",
		Service:  unhealthy,
		Priority: 2,
		HealthFn: func() bool { return false },
	})

	r.Start()

	health := r.HealthCheck()
	if !health["connhandler"] {
		t.Error("connhandler should be healthy")
	}
	if health["adminapi"] {
		t.Error("adminapi should report unhealthy via HealthFn")
	}
}

func TestRegistryHealthCheckCustomFn(t *testing.T) {
	r := NewServiceRegistry(10)

	counter := int32(0)
	svc := &registryTestSvc{svcName: "finalizer"}

	// Models a health probe that degrades after repeated checks, e.g.
	// a finalizer whose postingBatch flag has been stuck too long.
	r.Register(&ServiceDescriptor{
		Name:     "finalizer",
		Service:  svc,
		Priority: 0,
		HealthFn: func() bool {
			counter++
			return counter < 3
		},
	})

	r.Start()

	h1 := r.HealthCheck()
	if !h1["finalizer"] {
		t.Error("first check should be healthy")
	}
	h2 := r.HealthCheck()
	if !h2["finalizer"] {
		t.Error("second check should be healthy")
	}
	h3 := r.HealthCheck()
	if h3["finalizer"] {
		t.Error("third check should be unhealthy")
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewServiceRegistry(10)
	r.Register(&ServiceDescriptor{Name: "finalizer", Service: &registryTestSvc{svcName: "finalizer"}, Priority: 0})
	r.Register(&ServiceDescriptor{Name: "connhandler", Service: &registryTestSvc{svcName: "connhandler"}, Priority: 1})
	r.Register(&ServiceDescriptor{Name: "adminapi", Service: &registryTestSvc{svcName: "adminapi"}, Priority: 1})

	names := r.Names()
	if len(names) != 3 {
		t.Fatalf("Names() len = %d, want 3", len(names))
	}
	if names[0] != "finalizer" || names[1] != "connhandler" || names[2] != "adminapi" {
		t.Errorf("Names() = %v, want [finalizer connhandler adminapi]", names)
	}
}

func TestRegistryRegisterAfterStop(t *testing.T) {
	r := NewServiceRegistry(10)
	r.Register(&ServiceDescriptor{Name: "finalizer", Service: &registryTestSvc{svcName: "finalizer"}, Priority: 0})
	r.Start()
	r.Stop()

	err := r.Register(&ServiceDescriptor{Name: "connhandler", Service: &registryTestSvc{svcName: "connhandler"}, Priority: 1})
	if err != ErrRegistryClosed {
		t.Errorf("expected ErrRegistryClosed, got %v", err)
	}
}

func TestRegistryDependencyCycle(t *testing.T) {
	r := NewServiceRegistry(10)

	r.Register(&ServiceDescriptor{Name: "connhandler", Service: &registryTestSvc{svcName: "connhandler"}, Priority: 1, Dependencies: []string{"adminapi"}})
	r.Register(&ServiceDescriptor{Name: "adminapi", Service: &registryTestSvc{svcName: "adminapi"}, Priority: 1, Dependencies: []string{"connhandler"}})

	errs := r.Start()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if !errors.Is(errs[0], ErrDependencyCycle) {
		t.Errorf("expected ErrDependencyCycle, got %v", errs[0])
	}
}

func TestRegistryMissingDependency(t *testing.T) {
	r := NewServiceRegistry(10)

	r.Register(&ServiceDescriptor{Name: "connhandler", Service: &registryTestSvc{svcName: "connhandler"}, Priority: 1, Dependencies: []string{"missing"}})

	errs := r.Start()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errs))
	}
	if !errors.Is(errs[0], ErrDependencyMissing) {
		t.Errorf("expected ErrDependencyMissing, got %v", errs[0])
	}
}

func TestRegistryGetStateNotFound(t *testing.T) {
	r := NewServiceRegistry(10)
	state := r.GetState("nonexistent")
	if state != StateFailed {
		t.Errorf("GetState for unknown = %v, want StateFailed", state)
	}
}

func TestRegistryStopReverseOrder(t *testing.T) {
	r := NewServiceRegistry(10)

	fin := &registryTestSvc{svcName: "finalizer"}
	conn := &registryTestSvc{svcName: "connhandler"}
	admin := &registryTestSvc{svcName: "adminapi"}

	r.Register(&ServiceDescriptor{Name: "finalizer", Service: fin, Priority: 0})
	r.Register(&ServiceDescriptor{Name: "connhandler", Service: conn, Priority: 1, Dependencies: []string{"finalizer"}})
	r.Register(&ServiceDescriptor{Name: "adminapi", Service: admin, Priority: 1, Dependencies: []string{"finalizer"}})

	r.Start()
	r.Stop()

	for _, name := range []string{"finalizer", "connhandler", "adminapi"} {
		state := r.GetState(name)
		if state != StateStopped {
			t.Errorf("%s state = %v, want stopped", name, state)
		}
	}
}

func TestRegistryUnlimitedCapacity(t *testing.T) {
	r := NewServiceRegistry(0) // 0 = unlimited, as cmd/gateway uses it

	for i := 0; i < 100; i++ {
		name := string(rune('A'+i/26)) + string(rune('a'+i%26))
		r.Register(&ServiceDescriptor{
			Name:     name,
			Service:  &registryTestSvc{svcName: name},
			Priority: i,
		})
	}

	if r.Count() != 100 {
		t.Errorf("Count() = %d, want 100", r.Count())
	}
}

func TestRegistryHealthCheckBeforeStart(t *testing.T) {
	r := NewServiceRegistry(10)
	r.Register(&ServiceDescriptor{Name: "svc", Service: &registryTestSvc{svcName: "svc"}, Priority: 1})

	health := r.HealthCheck()
	if health["svc"] {
		t.Error("service should not be healthy before Start()")
	}
}
