package admission

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/domain/sequence"
	"github.com/hms/hms/internal/domain/ward"
)

// -- Admission repository --

type mockRepo struct {
	mu         sync.Mutex
	admissions map[uuid.UUID]*Admission
	movements  []*Movement

	failCreate error
	failMove   error
}

func newMockRepo() *mockRepo {
	return &mockRepo{admissions: make(map[uuid.UUID]*Admission)}
}

func cloneAdmission(a *Admission) *Admission {
	cp := *a
	return &cp
}

func (m *mockRepo) Create(_ context.Context, a *Admission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	for _, other := range m.admissions {
		if other.PatientID == a.PatientID && other.IsActive() {
			return fmt.Errorf("%w: patient %s already has an active admission", ErrInvalidState, a.PatientID)
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.admissions[a.ID] = cloneAdmission(a)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admissions[id]
	if !ok {
		return nil, ErrAdmissionNotFound
	}
	return cloneAdmission(a), nil
}

func (m *mockRepo) FindActiveByPatient(_ context.Context, patientID string) (*Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.admissions {
		if a.PatientID == patientID && a.IsActive() {
			return cloneAdmission(a), nil
		}
	}
	return nil, ErrAdmissionNotFound
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Admission, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Admission
	for _, a := range m.admissions {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.PatientID != "" && a.PatientID != f.PatientID {
			continue
		}
		out = append(out, cloneAdmission(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdmissionNumber < out[j].AdmissionNumber })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) ListActive(ctx context.Context) ([]*Admission, error) {
	items, _, err := m.List(ctx, ListFilter{Status: StatusAdmitted}, 1<<30, 0)
	return items, err
}

func (m *mockRepo) MoveBed(_ context.Context, id uuid.UUID, from, to Location, mv *Movement) (*Admission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMove != nil {
		return nil, m.failMove
	}
	a, ok := m.admissions[id]
	if !ok {
		return nil, ErrAdmissionNotFound
	}
	if !a.IsActive() {
		return nil, ErrAlreadyDischarged
	}
	if !a.Location().SameBed(from) {
		return nil, fmt.Errorf("%w: moved concurrently", ErrConflict)
	}
	a.setLocation(to)
	a.UpdatedAt = time.Now()
	mv.AdmissionID = id
	m.movements = append(m.movements, mv)
	return cloneAdmission(a), nil
}

func (m *mockRepo) MarkDischarged(_ context.Context, id uuid.UUID, at time.Time, summary *string, mv *Movement) (*Admission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.admissions[id]
	if !ok {
		return nil, false, ErrAdmissionNotFound
	}
	if !a.IsActive() {
		return cloneAdmission(a), false, nil
	}
	a.Status = StatusDischarged
	a.DischargeDate = &at
	a.DischargeSummary = summary
	a.UpdatedAt = time.Now()
	if mv != nil {
		mv.AdmissionID = id
		m.movements = append(m.movements, mv)
	}
	return cloneAdmission(a), true, nil
}

func (m *mockRepo) AddMovement(_ context.Context, mv *Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mv.ID = uuid.New()
	m.movements = append(m.movements, mv)
	return nil
}

func (m *mockRepo) Movements(_ context.Context, admissionID uuid.UUID) ([]*Movement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Movement
	for _, mv := range m.movements {
		if mv.AdmissionID == admissionID {
			out = append(out, mv)
		}
	}
	return out, nil
}

// -- Ward repository backing a real ward.Service --

type wardRepo struct {
	mu    sync.Mutex
	wards map[uuid.UUID]*ward.Ward
}

func newWardRepo() *wardRepo {
	return &wardRepo{wards: make(map[uuid.UUID]*ward.Ward)}
}

func cloneWard(w *ward.Ward) *ward.Ward {
	cp := *w
	cp.Beds = make([]ward.Bed, len(w.Beds))
	for i, b := range w.Beds {
		cp.Beds[i] = b
		if b.Patient != nil {
			p := *b.Patient
			cp.Beds[i].Patient = &p
		}
	}
	return &cp
}

func (r *wardRepo) Create(_ context.Context, w *ward.Ward) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.wards {
		if strings.EqualFold(other.Name, w.Name) {
			return ward.ErrDuplicateWardName
		}
	}
	w.ID = uuid.New()
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt
	r.wards[w.ID] = cloneWard(w)
	return nil
}

func (r *wardRepo) GetByID(_ context.Context, id uuid.UUID) (*ward.Ward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wards[id]
	if !ok {
		return nil, ward.ErrWardNotFound
	}
	return cloneWard(w), nil
}

func (r *wardRepo) All(_ context.Context) ([]*ward.Ward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ward.Ward
	for _, w := range r.wards {
		out = append(out, cloneWard(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *wardRepo) List(ctx context.Context, limit, offset int) ([]*ward.Ward, int, error) {
	all, _ := r.All(ctx)
	return all, len(all), nil
}

func (r *wardRepo) Mutate(_ context.Context, id uuid.UUID, fn func(w *ward.Ward) error) (*ward.Ward, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.wards[id]
	if !ok {
		return nil, ward.ErrWardNotFound
	}
	w := cloneWard(stored)
	if err := fn(w); err != nil {
		return nil, err
	}
	w.UpdatedAt = time.Now()
	r.wards[id] = cloneWard(w)
	return w, nil
}

func (r *wardRepo) DeleteIf(_ context.Context, id uuid.UUID, check func(w *ward.Ward) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wards[id]
	if !ok {
		return ward.ErrWardNotFound
	}
	if err := check(cloneWard(w)); err != nil {
		return err
	}
	delete(r.wards, id)
	return nil
}

// flakyBeds wraps the real registry so tests can fail releases.
type flakyBeds struct {
	*ward.Service
	mu          sync.Mutex
	failRelease error
	releases    int
}

func (f *flakyBeds) Release(ctx context.Context, wardID, bedID uuid.UUID, patientID string, reason ward.ReleaseReason) error {
	f.mu.Lock()
	fail := f.failRelease
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	if err := f.Service.Release(ctx, wardID, bedID, patientID, reason); err != nil {
		return err
	}
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
	return nil
}

func (f *flakyBeds) setFailRelease(err error) {
	f.mu.Lock()
	f.failRelease = err
	f.mu.Unlock()
}

// -- Sequence repository --

// counterRepo discards the increment when the paired write fails, like
// the counter transaction rolling back.
type counterRepo struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
}

func newCounterRepo() *counterRepo {
	return &counterRepo{counters: make(map[string]map[string]int64)}
}

func (r *counterRepo) Next(ctx context.Context, scope, period string, then func(ctx context.Context, n int64) error) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.counters[scope][period] + 1
	if then != nil {
		if err := then(ctx, next); err != nil {
			return 0, err
		}
	}
	if r.counters[scope] == nil {
		r.counters[scope] = map[string]int64{}
	}
	r.counters[scope][period] = next
	return next, nil
}

func (r *counterRepo) Get(_ context.Context, scope string) (*sequence.Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.counters[scope]
	if !ok {
		return nil, sequence.ErrCounterNotFound
	}
	return &sequence.Counter{Scope: scope, Periods: p}, nil
}

func (r *counterRepo) List(_ context.Context) ([]*sequence.Counter, error) {
	return nil, nil
}

// -- Metrics --

type recordingMetrics struct {
	mu            sync.Mutex
	outcomes      map[string]int
	compensations map[string]int
	drift         map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		outcomes:      map[string]int{},
		compensations: map[string]int{},
		drift:         map[string]int{},
	}
}

func (r *recordingMetrics) Orchestration(op, outcome string) {
	r.mu.Lock()
	r.outcomes[op+":"+outcome]++
	r.mu.Unlock()
}

func (r *recordingMetrics) Compensation(op string, ok bool) {
	r.mu.Lock()
	r.compensations[fmt.Sprintf("%s:%t", op, ok)]++
	r.mu.Unlock()
}

func (r *recordingMetrics) DriftObserved(kind string, count int) {
	r.mu.Lock()
	r.drift[kind] = count
	r.mu.Unlock()
}

// gatedBeds holds the first Reserve after it returns until resume is
// closed, so a test can run a second call in between.
type gatedBeds struct {
	BedRegistry
	once     sync.Once
	reserved chan struct{}
	resume   chan struct{}
}

func newGatedBeds(inner BedRegistry) *gatedBeds {
	return &gatedBeds{
		BedRegistry: inner,
		reserved:    make(chan struct{}),
		resume:      make(chan struct{}),
	}
}

func (g *gatedBeds) Reserve(ctx context.Context, wardID, bedID uuid.UUID, patient ward.PatientRef) (*ward.Reservation, error) {
	res, err := g.BedRegistry.Reserve(ctx, wardID, bedID, patient)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.reserved)
		<-g.resume
	}
	return res, err
}
