package contracts

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	errspkg "github.com/avral-io/corebus/internal/runtime/errors"
	loggingpkg "github.com/avral-io/corebus/internal/runtime/logging"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func createUserContract() Definition {
	return Definition{
		MessageType: "CreateUser",
		Kind:        KindCommand,
		ServiceName: "users",
		Version:     "1",
		InputSchema: Schema{Fields: map[string]FieldSpec{
			"email": {Type: FieldString, Required: true},
			"name":  {Type: FieldString},
		}},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	if err := reg.Register(createUserContract()); err != nil {
		t.Fatalf("register: %v", err)
	}

	def, err := reg.Resolve("CreateUser")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if def.ServiceName != "users" || def.Kind != KindCommand {
		t.Fatalf("unexpected definition: %+v", def)
	}
}

func TestResolveUnknownType(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	_, err := reg.Resolve("Nope")
	var unknown *errspkg.UnknownMessageTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownMessageTypeError, got %v", err)
	}
}

func TestRegisterBatchIsAtomic(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	good := createUserContract()
	bad := Definition{
		MessageType: "BrokenContract",
		Kind:        Kind("nonsense"),
		ServiceName: "users",
	}

	err := reg.Register(good, bad)
	var cve *errspkg.ContractValidationError
	if !errors.As(err, &cve) {
		t.Fatalf("expected ContractValidationError, got %v", err)
	}

	// The valid definition in the failed batch must not have landed.
	if _, err := reg.Resolve("CreateUser"); err == nil {
		t.Fatal("partial registration happened despite batch failure")
	}
}

func TestRegisterRejectsCrossServiceConflict(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	if err := reg.Register(createUserContract()); err != nil {
		t.Fatalf("register: %v", err)
	}

	conflicting := createUserContract()
	conflicting.ServiceName = "identity"
	err := reg.Register(conflicting)
	var cve *errspkg.ContractValidationError
	if !errors.As(err, &cve) {
		t.Fatalf("expected conflict rejection, got %v", err)
	}
}

func TestReRegistrationIdempotentAndSuperseding(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())

	var mu sync.Mutex
	var changes []Change
	reg.Subscribe(ChangeListenerFunc(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	}))

	def := createUserContract()
	if err := reg.Register(def); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// Same checksum: no new notification.
	if err := reg.Register(def); err != nil {
		t.Fatalf("idempotent register: %v", err)
	}
	// Changed schema: supersedes.
	changed := createUserContract()
	changed.InputSchema.Fields["locale"] = FieldSpec{Type: FieldString}
	if err := reg.Register(changed); err != nil {
		t.Fatalf("superseding register: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(changes)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 change notifications, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if changes[0].Kind != ChangeRegistered || changes[1].Kind != ChangeSuperseded {
		t.Fatalf("unexpected change kinds: %+v", changes)
	}
}

func TestConcurrentResolveDuringRegistration(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	if err := reg.Register(createUserContract()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if _, err := reg.Resolve("CreateUser"); err != nil {
					t.Error("resolve failed during concurrent registration")
					return
				}
			}
		}()
	}

	for i := 0; i < 50; i++ {
		changed := createUserContract()
		changed.Version = "1"
		changed.InputSchema.Fields["iteration"] = FieldSpec{Type: FieldNumber}
		if err := reg.Register(changed); err != nil {
			t.Fatalf("register iteration %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestEventContractMustBroadcast(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(testLogger())
	err := reg.Register(Definition{
		MessageType: "UserCreated",
		Kind:        KindEvent,
		ServiceName: "users",
		Broadcast:   false,
	})
	var cve *errspkg.ContractValidationError
	if !errors.As(err, &cve) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestTopicNaming(t *testing.T) {
	t.Parallel()

	if got := CommandTopic("orders", "CreateOrder"); got != "service.orders.commands.CreateOrder" {
		t.Fatalf("command topic: %q", got)
	}
	if got := QueryTopic("orders", "GetOrder"); got != "service.orders.queries.GetOrder" {
		t.Fatalf("query topic: %q", got)
	}
	if got := EventTopic("billing", "UserCreated"); got != "exchange.platform.events.billing.usercreated" {
		t.Fatalf("event topic: %q", got)
	}
	if got := ReplyTopic("orders"); got != "service.orders.replies" {
		t.Fatalf("reply topic: %q", got)
	}
}

func TestChecksumSensitivity(t *testing.T) {
	t.Parallel()

	a := createUserContract()
	b := createUserContract()
	if a.Checksum() != b.Checksum() {
		t.Fatal("identical contracts must share a checksum")
	}

	b.RequiredPermissions = []string{"users:write"}
	if a.Checksum() == b.Checksum() {
		t.Fatal("permission change must alter the checksum")
	}
}
