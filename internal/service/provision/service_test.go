package provision

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemordp/nemordp/internal/config"
	"github.com/nemordp/nemordp/internal/entity"
	"github.com/nemordp/nemordp/internal/jobqueue"
	"github.com/nemordp/nemordp/internal/notifier"
	"github.com/nemordp/nemordp/internal/provider"
	instancerepo "github.com/nemordp/nemordp/internal/repository/instance"
	"github.com/nemordp/nemordp/pkg/errorbank"
)

type fakeOrderStore struct {
	mu       sync.Mutex
	orders   map[string]*entity.Order
	failNext error
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[string]*entity.Order)}
}

func (s *fakeOrderStore) Create(ctx context.Context, order *entity.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if _, ok := s.orders[order.ID]; ok {
		return nil
	}
	s.orders[order.ID] = order
	return nil
}

type fakeInstanceStore struct {
	mu         sync.Mutex
	nextID     int64
	byID       map[int64]*entity.Instance
	byProvider map[string]int64
}

func newFakeInstanceStore() *fakeInstanceStore {
	return &fakeInstanceStore{
		byID:       make(map[int64]*entity.Instance),
		byProvider: make(map[string]int64),
	}
}

func (s *fakeInstanceStore) CreateIfAbsent(ctx context.Context, inst *entity.Instance) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byProvider[inst.ProviderID]; ok {
		return false, nil
	}
	s.nextID++
	inst.ID = s.nextID
	inst.CreatedAt = time.Now().UTC()
	clone := *inst
	s.byID[inst.ID] = &clone
	s.byProvider[inst.ProviderID] = inst.ID
	return true, nil
}

func (s *fakeInstanceStore) GetByID(ctx context.Context, id int64) (*entity.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[id]
	if !ok {
		return nil, instancerepo.ErrNotFound
	}
	clone := *inst
	return &clone, nil
}

func (s *fakeInstanceStore) Finalize(ctx context.Context, id int64, providerID, ip, username, password string, status entity.InstanceStatus, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[id]
	if !ok {
		return instancerepo.ErrNotFound
	}
	delete(s.byProvider, inst.ProviderID)
	inst.ProviderID = providerID
	inst.IPAddress = ip
	inst.Username = username
	inst.Password = password
	inst.Status = status
	inst.ExpiresAt = expiresAt
	s.byProvider[providerID] = id
	return nil
}

func (s *fakeInstanceStore) UpdateStatusIf(ctx context.Context, id int64, from, to entity.InstanceStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[id]
	if !ok || inst.Status != from {
		return false, nil
	}
	inst.Status = to
	return true, nil
}

func (s *fakeInstanceStore) ListExpired(ctx context.Context, now time.Time) ([]entity.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Instance
	for _, inst := range s.byID {
		if inst.Status == entity.StatusActive && inst.ExpiresAt != nil && inst.ExpiresAt.Before(now) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (s *fakeInstanceStore) ListByUser(ctx context.Context, userID int64) ([]entity.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Instance
	for _, inst := range s.byID {
		if inst.UserID == userID {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (s *fakeInstanceStore) put(inst *entity.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	inst.ID = s.nextID
	s.byID[inst.ID] = inst
	s.byProvider[inst.ProviderID] = inst.ID
}

type queuedJob struct {
	job   jobqueue.Job
	delay time.Duration
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
}

func (q *recordingQueue) Enqueue(ctx context.Context, job jobqueue.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, queuedJob{job: job, delay: delay})
	return nil
}

func (q *recordingQueue) Dequeue(ctx context.Context) (*jobqueue.Job, error) {
	return nil, nil
}

func (q *recordingQueue) byType(jobType string) []queuedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queuedJob
	for _, j := range q.jobs {
		if j.job.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifier.CredentialsReadyEvent
}

func (n *recordingNotifier) CredentialsReady(ctx context.Context, event notifier.CredentialsReadyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type fakeCache struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{keys: make(map[string]bool)}
}

func (c *fakeCache) Get(ctx context.Context, key string) ([]byte, error) { return nil, nil }
func (c *fakeCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}
func (c *fakeCache) Delete(ctx context.Context, key string) error { return nil }

func (c *fakeCache) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, nil
}

type serviceFixture struct {
	service   *Service
	orders    *fakeOrderStore
	instances *fakeInstanceStore
	queue     *recordingQueue
	notifier  *recordingNotifier
}

// newFixture builds a Service against synthetic vendor clients (no
// credentials configured) unless a router is supplied.
func newFixture(t *testing.T, router *provider.Router) *serviceFixture {
	t.Helper()

	if router == nil {
		logger := zap.NewNop()
		router = provider.NewRouter(
			provider.NewVultrClient(config.Provider{}, logger),
			provider.NewContaboClient(config.Provider{}, logger),
		)
	}

	f := &serviceFixture{
		orders:    newFakeOrderStore(),
		instances: newFakeInstanceStore(),
		queue:     &recordingQueue{},
		notifier:  &recordingNotifier{},
	}
	f.service = NewService(Params{
		Orders:    f.orders,
		Instances: f.instances,
		Queue:     f.queue,
		Router:    router,
		Notifier:  f.notifier,
		Dedup:     newFakeCache(),
		Logger:    zap.NewNop(),
		Config: config.Config{
			Provision: config.Provision{
				MaxAttempts:    3,
				RetryBaseDelay: time.Minute,
				InstancePeriod: 720 * time.Hour,
			},
		},
	})
	return f
}

func windowsEvent(orderID string) PaymentConfirmed {
	return PaymentConfirmed{
		OrderID:   orderID,
		UserID:    42,
		OSFamily:  entity.OSWindows,
		Plan:      "standard",
		UserEmail: "buyer@example.com",
	}
}

func TestEnqueueProvisioning(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-1")))

	jobs := f.queue.byType(jobqueue.TypeProvision)
	require.Len(t, jobs, 1)
	assert.Zero(t, jobs[0].delay)

	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProvisioning, inst.Status)
	assert.Equal(t, provider.NameVultr, inst.Provider)
	assert.Equal(t, "ord-1", inst.ProviderID, "order id is the uniqueness key until the vendor assigns one")
}

func TestEnqueueProvisioningDuplicateEvent(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-1")))
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-1")))

	assert.Len(t, f.queue.byType(jobqueue.TypeProvision), 1, "duplicate payment must not enqueue a second job")
	assert.Len(t, f.instances.byID, 1)
}

func TestEnqueueProvisioningRedeliveryAfterTransientFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.orders.failNext = assert.AnError

	// First delivery marks the dedup key but dies before any durable write.
	err := f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-retry"))
	require.Error(t, err)
	assert.Empty(t, f.queue.byType(jobqueue.TypeProvision))

	// The bus redelivers. The stale dedup key must not swallow the order.
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-retry")))

	assert.Len(t, f.queue.byType(jobqueue.TypeProvision), 1, "redelivered event must still provision")
	assert.Len(t, f.instances.byID, 1, "an instance must exist for the paid order")
}

func TestEnqueueProvisioningConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-race"))
		}()
	}
	wg.Wait()

	assert.Len(t, f.queue.byType(jobqueue.TypeProvision), 1)
	assert.Len(t, f.instances.byID, 1)
}

func TestEnqueueProvisioningRejectsUnknownOS(t *testing.T) {
	f := newFixture(t, nil)

	evt := windowsEvent("ord-x")
	evt.OSFamily = entity.OSFamily("beos")

	err := f.service.EnqueueProvisioning(context.Background(), evt)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
	assert.Empty(t, f.queue.byType(jobqueue.TypeProvision))
}

func TestRunProvisionWindowsSuccess(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-1")))

	job := ProvisionJob{InstanceID: 1, OrderID: "ord-1", UserID: 42, OSFamily: entity.OSWindows, Plan: "standard", UserEmail: "buyer@example.com"}
	require.NoError(t, f.service.RunProvision(context.Background(), job, 0))

	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, inst.Status)
	assert.Equal(t, "mock-vultr-ord-1", inst.ProviderID)
	assert.Equal(t, "192.168.1.100", inst.IPAddress)
	assert.Equal(t, "Administrator", inst.Username)
	require.NotNil(t, inst.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(720*time.Hour), *inst.ExpiresAt, time.Minute)

	require.Len(t, f.notifier.events, 1)
	event := f.notifier.events[0]
	assert.Equal(t, "buyer@example.com", event.Recipient)
	assert.Equal(t, "192.168.1.100", event.IPAddress)
	assert.Equal(t, "MockPassword123!", event.Password)
}

func TestRunProvisionLinuxStaysProvisioning(t *testing.T) {
	f := newFixture(t, nil)

	evt := windowsEvent("ord-2")
	evt.OSFamily = entity.OSLinux
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), evt))

	job := ProvisionJob{InstanceID: 1, OrderID: "ord-2", UserID: 42, OSFamily: entity.OSLinux, Plan: "standard", UserEmail: "buyer@example.com"}
	require.NoError(t, f.service.RunProvision(context.Background(), job, 0))

	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusProvisioning, inst.Status)
	assert.Equal(t, "mock-contabo-ord-2", inst.ProviderID)
	assert.Equal(t, "ubuntu", inst.Username)
	assert.Nil(t, inst.ExpiresAt, "expiry only starts once the instance is active")
}

// failingVultrRouter routes Windows to a Vultr client whose control plane
// rejects every create.
func failingVultrRouter(t *testing.T, createCalls *atomic.Int32) *provider.Router {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/instances" {
			createCalls.Add(1)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	logger := zap.NewNop()
	return provider.NewRouter(
		provider.NewVultrClient(config.Provider{
			Vultr: config.Vultr{
				APIKey:          "test-key",
				BaseURL:         srv.URL,
				Region:          "ewr",
				OSID:            477,
				RequestTimeout:  5 * time.Second,
				PollInterval:    time.Millisecond,
				PollMaxAttempts: 2,
			},
		}, logger),
		provider.NewContaboClient(config.Provider{}, logger),
	)
}

func TestRunProvisionFailureSchedulesRetry(t *testing.T) {
	var createCalls atomic.Int32
	f := newFixture(t, failingVultrRouter(t, &createCalls))
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-3")))

	job := ProvisionJob{InstanceID: 1, OrderID: "ord-3", UserID: 42, OSFamily: entity.OSWindows, Plan: "standard", UserEmail: "buyer@example.com"}
	require.NoError(t, f.service.RunProvision(context.Background(), job, 0))

	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, inst.Status)

	retries := f.queue.byType(jobqueue.TypeProvision)
	require.Len(t, retries, 2, "initial job plus one retry")
	assert.Equal(t, 1, retries[1].job.Attempt)
	assert.Equal(t, time.Minute, retries[1].delay)
}

func TestRunProvisionRetryBackoffDoubles(t *testing.T) {
	var createCalls atomic.Int32
	f := newFixture(t, failingVultrRouter(t, &createCalls))
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-4")))

	job := ProvisionJob{InstanceID: 1, OrderID: "ord-4", UserID: 42, OSFamily: entity.OSWindows, Plan: "standard", UserEmail: "buyer@example.com"}
	require.NoError(t, f.service.RunProvision(context.Background(), job, 1))

	retries := f.queue.byType(jobqueue.TypeProvision)
	require.Len(t, retries, 2)
	assert.Equal(t, 2, retries[1].job.Attempt)
	assert.Equal(t, 2*time.Minute, retries[1].delay)
}

func TestRunProvisionRecoversOnRetry(t *testing.T) {
	var createCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/instances" {
			if createCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"instance":{"id":"vid-ok"}}`)
			return
		}
		fmt.Fprint(w, `{"instance":{"id":"vid-ok","main_ip":"45.76.1.2","server_status":"ok","default_password":"s3cret"}}`)
	}))
	defer srv.Close()

	logger := zap.NewNop()
	router := provider.NewRouter(
		provider.NewVultrClient(config.Provider{
			Vultr: config.Vultr{
				APIKey:          "test-key",
				BaseURL:         srv.URL,
				Region:          "ewr",
				OSID:            477,
				RequestTimeout:  5 * time.Second,
				PollInterval:    time.Millisecond,
				PollMaxAttempts: 3,
			},
		}, logger),
		provider.NewContaboClient(config.Provider{}, logger),
	)

	f := newFixture(t, router)
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-r")))

	job := ProvisionJob{InstanceID: 1, OrderID: "ord-r", UserID: 42, OSFamily: entity.OSWindows, Plan: "standard", UserEmail: "buyer@example.com"}

	require.NoError(t, f.service.RunProvision(context.Background(), job, 0))
	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, entity.StatusFailed, inst.Status)

	// The retry re-enters through the failed state and completes.
	require.NoError(t, f.service.RunProvision(context.Background(), job, 1))
	inst, err = f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, inst.Status)
	assert.Equal(t, "vid-ok", inst.ProviderID)
	assert.Equal(t, "45.76.1.2", inst.IPAddress)
	assert.EqualValues(t, 2, createCalls.Load())
	require.Len(t, f.notifier.events, 1)
}

func TestRunProvisionTerminalAfterAttemptBudget(t *testing.T) {
	var createCalls atomic.Int32
	f := newFixture(t, failingVultrRouter(t, &createCalls))
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-5")))

	job := ProvisionJob{InstanceID: 1, OrderID: "ord-5", UserID: 42, OSFamily: entity.OSWindows, Plan: "standard", UserEmail: "buyer@example.com"}

	// Attempt 2 is the third and final Create call.
	err := f.service.RunProvision(context.Background(), job, 2)
	require.Error(t, err)

	inst, gerr := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, gerr)
	assert.Equal(t, entity.StatusFailed, inst.Status)

	assert.Len(t, f.queue.byType(jobqueue.TypeProvision), 1, "no fourth attempt may be scheduled")
	assert.EqualValues(t, 1, createCalls.Load())
	assert.Empty(t, f.notifier.events)
}

func TestRunProvisionPollTimeoutReclaimsOrphan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/instances" {
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, `{"instance":{"id":"vid-stuck"}}`)
			return
		}
		// Status checks report an instance that never gets an address.
		fmt.Fprint(w, `{"instance":{"id":"vid-stuck","main_ip":"0.0.0.0","server_status":"ok"}}`)
	}))
	defer srv.Close()

	logger := zap.NewNop()
	router := provider.NewRouter(
		provider.NewVultrClient(config.Provider{
			Vultr: config.Vultr{
				APIKey:          "test-key",
				BaseURL:         srv.URL,
				Region:          "ewr",
				OSID:            477,
				RequestTimeout:  5 * time.Second,
				PollInterval:    time.Millisecond,
				PollMaxAttempts: 2,
			},
		}, logger),
		provider.NewContaboClient(config.Provider{}, logger),
	)

	f := newFixture(t, router)
	require.NoError(t, f.service.EnqueueProvisioning(context.Background(), windowsEvent("ord-6")))

	job := ProvisionJob{InstanceID: 1, OrderID: "ord-6", UserID: 42, OSFamily: entity.OSWindows, Plan: "standard", UserEmail: "buyer@example.com"}
	require.NoError(t, f.service.RunProvision(context.Background(), job, 0))

	cleanups := f.queue.byType(jobqueue.TypeTerminate)
	require.Len(t, cleanups, 1, "unreachable vendor resource must be scheduled for reclaim")
}

func TestRebootUnknownInstance(t *testing.T) {
	f := newFixture(t, nil)

	err := f.service.Reboot(context.Background(), 404)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestTerminateUnknownInstance(t *testing.T) {
	f := newFixture(t, nil)

	err := f.service.Terminate(context.Background(), 404)
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestTerminateActiveInstance(t *testing.T) {
	f := newFixture(t, nil)
	f.instances.put(&entity.Instance{
		UserID:     42,
		Provider:   provider.NameVultr,
		ProviderID: "vid-1",
		Status:     entity.StatusActive,
	})

	require.NoError(t, f.service.Terminate(context.Background(), 1))

	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusTerminated, inst.Status)
}

func TestTerminateProvisioningInstance(t *testing.T) {
	f := newFixture(t, nil)
	f.instances.put(&entity.Instance{
		UserID:     42,
		Provider:   provider.NameContabo,
		ProviderID: "cid-1",
		Status:     entity.StatusProvisioning,
	})

	// Contabo instances never leave provisioning on their own, so owner
	// termination has to work from that state too.
	require.NoError(t, f.service.Terminate(context.Background(), 1))

	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusTerminated, inst.Status)
}

func TestTerminateAlreadyTerminated(t *testing.T) {
	f := newFixture(t, nil)
	f.instances.put(&entity.Instance{
		Provider:   provider.NameVultr,
		ProviderID: "vid-2",
		Status:     entity.StatusTerminated,
	})

	require.NoError(t, f.service.Terminate(context.Background(), 1))
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, nil)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	f.instances.put(&entity.Instance{Provider: provider.NameVultr, ProviderID: "vid-old", Status: entity.StatusActive, ExpiresAt: &past})
	f.instances.put(&entity.Instance{Provider: provider.NameContabo, ProviderID: "cid-old", Status: entity.StatusActive, ExpiresAt: &past})
	f.instances.put(&entity.Instance{Provider: provider.NameVultr, ProviderID: "vid-new", Status: entity.StatusActive, ExpiresAt: &future})

	terminated, err := f.service.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, terminated)

	still, err := f.instances.GetByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, still.Status, "unexpired instances must be untouched")
}

func TestSweepExpiredIssuesOneDeletePerInstance(t *testing.T) {
	var deleteCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && r.URL.Path == "/instances/vid-expired" {
			deleteCalls.Add(1)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := zap.NewNop()
	router := provider.NewRouter(
		provider.NewVultrClient(config.Provider{
			Vultr: config.Vultr{
				APIKey:         "test-key",
				BaseURL:        srv.URL,
				RequestTimeout: 5 * time.Second,
			},
		}, logger),
		provider.NewContaboClient(config.Provider{}, logger),
	)

	f := newFixture(t, router)

	past := time.Now().UTC().Add(-time.Hour)
	f.instances.put(&entity.Instance{Provider: provider.NameVultr, ProviderID: "vid-expired", Status: entity.StatusActive, ExpiresAt: &past})

	terminated, err := f.service.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, terminated)
	assert.EqualValues(t, 1, deleteCalls.Load(), "each expired instance gets exactly one vendor delete")

	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusTerminated, inst.Status)

	// A second pass finds nothing expired and leaves the vendor alone.
	terminated, err = f.service.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, terminated)
	assert.EqualValues(t, 1, deleteCalls.Load())
}

func TestSweepExpiredVendorFailureLeavesActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := zap.NewNop()
	router := provider.NewRouter(
		provider.NewVultrClient(config.Provider{
			Vultr: config.Vultr{
				APIKey:         "test-key",
				BaseURL:        srv.URL,
				RequestTimeout: 5 * time.Second,
			},
		}, logger),
		provider.NewContaboClient(config.Provider{}, logger),
	)

	f := newFixture(t, router)

	past := time.Now().UTC().Add(-time.Hour)
	f.instances.put(&entity.Instance{Provider: provider.NameVultr, ProviderID: "vid-stuck", Status: entity.StatusActive, ExpiresAt: &past})

	terminated, err := f.service.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, terminated)

	inst, err := f.instances.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusActive, inst.Status, "failed delete stays active for the next sweep")
}

func TestRunTerminateOrphanCleanup(t *testing.T) {
	f := newFixture(t, nil)

	err := f.service.RunTerminate(context.Background(), TerminateJob{
		Provider:   provider.NameVultr,
		ProviderID: "vid-orphan",
		Reason:     "unreachable after provisioning",
	})
	require.NoError(t, err)
}
