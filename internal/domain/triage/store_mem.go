package triage

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Guiloteman/CI-CD-Back/internal/domain/staff"
)

// claimItem is a pending admission's position in the claim heap.
type claimItem struct {
	id       uuid.UUID
	priority int
	arrived  time.Time
}

type claimHeap []claimItem

func (h claimHeap) Len() int { return len(h) }
func (h claimHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].arrived.Equal(h[j].arrived) {
		return h[i].arrived.Before(h[j].arrived)
	}
	return compareUUID(h[i].id, h[j].id) < 0
}
func (h claimHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *claimHeap) Push(x any)   { *h = append(*h, x.(claimItem)) }
func (h *claimHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// rowLock is a lease on one admission or doctor held by a unit of work. The
// token is the owning unit; released is closed when the unit ends.
type rowLock struct {
	token    uint64
	released chan struct{}
}

// memUnit buffers the writes of one unit of work until commit. A unit is
// confined to the goroutine running the Atomic callback.
type memUnit struct {
	token      uint64
	admissions map[uuid.UUID]*Admission
	treatments map[uuid.UUID]*Treatment
	claimed    []claimItem
	locked     []uuid.UUID
}

type memUnitKey struct{}

func unitFrom(ctx context.Context) *memUnit {
	u, _ := ctx.Value(memUnitKey{}).(*memUnit)
	return u
}

// MemoryStore keeps admissions in process. Claims pop a mutex-guarded
// priority heap and lease the row to the claiming unit; a rollback puts the
// row back on the heap.
type MemoryStore struct {
	patients   staff.PatientRepository
	clinicians staff.ClinicianRepository
	levels     []SeverityLevel
	categories map[int]EmergencyCategory

	mu         sync.Mutex
	seq        uint64
	admissions map[uuid.UUID]*Admission
	treatments map[uuid.UUID]*Treatment
	queue      claimHeap
	locks      map[uuid.UUID]*rowLock
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(patients staff.PatientRepository, clinicians staff.ClinicianRepository, levels []SeverityLevel, categories []EmergencyCategory) *MemoryStore {
	byID := make(map[int]SeverityLevel, len(levels))
	for _, l := range levels {
		byID[l.ID] = l
	}
	cats := make(map[int]EmergencyCategory, len(categories))
	for _, c := range categories {
		c.Level = byID[c.LevelID]
		cats[c.ID] = c
	}
	sorted := append([]SeverityLevel(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	return &MemoryStore{
		patients:   patients,
		clinicians: clinicians,
		levels:     sorted,
		categories: cats,
		admissions: make(map[uuid.UUID]*Admission),
		treatments: make(map[uuid.UUID]*Treatment),
		locks:      make(map[uuid.UUID]*rowLock),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// -- Unit of work --

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if unitFrom(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	s.seq++
	u := &memUnit{
		token:      s.seq,
		admissions: make(map[uuid.UUID]*Admission),
		treatments: make(map[uuid.UUID]*Treatment),
	}
	s.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			s.rollback(u)
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, memUnitKey{}, u)); err != nil {
		s.rollback(u)
		return err
	}
	return s.commit(u)
}

func (s *MemoryStore) commit(u *memUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for aid := range u.treatments {
		if _, exists := s.treatments[aid]; exists {
			s.rollbackLocked(u)
			return ErrDuplicateTreatment
		}
	}

	for id, a := range u.admissions {
		_, existed := s.admissions[id]
		s.admissions[id] = a
		if !existed && a.Status == StatusPending {
			heap.Push(&s.queue, s.itemFor(a))
		}
	}
	for aid, t := range u.treatments {
		s.treatments[aid] = t
	}
	s.release(u)
	return nil
}

func (s *MemoryStore) rollback(u *memUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackLocked(u)
}

func (s *MemoryStore) rollbackLocked(u *memUnit) {
	for _, it := range u.claimed {
		heap.Push(&s.queue, it)
	}
	s.release(u)
}

func (s *MemoryStore) release(u *memUnit) {
	for _, id := range u.locked {
		if l := s.locks[id]; l != nil && l.token == u.token {
			close(l.released)
			delete(s.locks, id)
		}
	}
	u.claimed, u.locked = nil, nil
}

func (s *MemoryStore) itemFor(a *Admission) claimItem {
	return claimItem{id: a.ID, priority: s.categories[a.CategoryID].Level.Priority, arrived: a.ArrivedAt}
}

// visible returns the admission as seen by u. Callers hold s.mu.
func (s *MemoryStore) visible(u *memUnit, id uuid.UUID) *Admission {
	if u != nil {
		if a, ok := u.admissions[id]; ok {
			return a
		}
	}
	return s.admissions[id]
}

// snapshot copies every admission visible to u that matches keep.
func (s *MemoryStore) snapshot(u *memUnit, keep func(*Admission) bool) []*Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Admission
	for id, a := range s.admissions {
		if u != nil {
			if staged, ok := u.admissions[id]; ok {
				a = staged
			}
		}
		if keep(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	if u != nil {
		for id, a := range u.admissions {
			if _, committed := s.admissions[id]; !committed && keep(a) {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	return out
}

// -- Reference data and staff --

func (s *MemoryStore) FindPatientByNationalID(ctx context.Context, nationalID string) (*staff.Patient, error) {
	p, err := s.patients.GetByNationalID(ctx, nationalID)
	if errors.Is(err, staff.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (s *MemoryStore) ClinicianExists(ctx context.Context, role staff.Role, id uuid.UUID) (bool, error) {
	_, err := s.clinicians.GetByID(ctx, role, id)
	if errors.Is(err, staff.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStore) ListLevels(context.Context) ([]SeverityLevel, error) {
	return append([]SeverityLevel(nil), s.levels...), nil
}

func (s *MemoryStore) ListCategories(context.Context) ([]EmergencyCategory, error) {
	out := make([]EmergencyCategory, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetCategory(_ context.Context, id int) (*EmergencyCategory, error) {
	c, ok := s.categories[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// -- Admissions --

func (s *MemoryStore) detail(ctx context.Context, a *Admission) (*AdmissionDetail, error) {
	d := &AdmissionDetail{Admission: *a, Category: s.categories[a.CategoryID]}

	p, err := s.patients.GetByID(ctx, a.PatientID)
	if err != nil {
		return nil, fmt.Errorf("resolve patient %s: %w", a.PatientID, err)
	}
	d.Patient = *p

	if n, err := s.clinicians.GetByID(ctx, staff.RoleNurse, a.NurseID); err == nil {
		d.Nurse = n
	} else if !errors.Is(err, staff.ErrNotFound) {
		return nil, fmt.Errorf("resolve nurse %s: %w", a.NurseID, err)
	}
	if a.DoctorID != nil {
		if doc, err := s.clinicians.GetByID(ctx, staff.RoleDoctor, *a.DoctorID); err == nil {
			d.Doctor = doc
		} else if !errors.Is(err, staff.ErrNotFound) {
			return nil, fmt.Errorf("resolve doctor %s: %w", *a.DoctorID, err)
		}
	}
	return d, nil
}

func (s *MemoryStore) details(ctx context.Context, items []*Admission) ([]*AdmissionDetail, error) {
	out := make([]*AdmissionDetail, 0, len(items))
	for _, a := range items {
		d, err := s.detail(ctx, a)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *MemoryStore) CreateAdmission(ctx context.Context, a *Admission) error {
	u := unitFrom(ctx)
	if u == nil {
		return s.Atomic(ctx, func(ctx context.Context) error { return s.CreateAdmission(ctx, a) })
	}
	if _, ok := s.categories[a.CategoryID]; !ok {
		return fmt.Errorf("category %d does not exist", a.CategoryID)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	u.admissions[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAdmission(ctx context.Context, id uuid.UUID) (*AdmissionDetail, error) {
	s.mu.Lock()
	a := s.visible(unitFrom(ctx), id)
	var cp Admission
	if a != nil {
		cp = *a
	}
	s.mu.Unlock()

	if a == nil {
		return nil, nil
	}
	return s.detail(ctx, &cp)
}

// acquire leases key to u, waiting while another unit holds it.
func (s *MemoryStore) acquire(ctx context.Context, u *memUnit, key uuid.UUID) error {
	for {
		s.mu.Lock()
		l := s.locks[key]
		if l == nil {
			s.locks[key] = &rowLock{token: u.token, released: make(chan struct{})}
			u.locked = append(u.locked, key)
			s.mu.Unlock()
			return nil
		}
		if l.token == u.token {
			s.mu.Unlock()
			return nil
		}
		wait := l.released
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *MemoryStore) LockAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	u := unitFrom(ctx)
	if u != nil {
		if err := s.acquire(ctx, u, id); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.visible(u, id)
	if a == nil {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// LockDoctor leases the doctor to the current unit. Outside a unit there is
// nothing to hold the lease, so it returns immediately.
func (s *MemoryStore) LockDoctor(ctx context.Context, doctorID uuid.UUID) error {
	u := unitFrom(ctx)
	if u == nil {
		return nil
	}
	return s.acquire(ctx, u, doctorID)
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*AdmissionDetail, error) {
	items := s.snapshot(unitFrom(ctx), func(a *Admission) bool { return a.Status == StatusPending })
	out, err := s.details(ctx, items)
	if err != nil {
		return nil, err
	}
	SortQueue(out)
	return out, nil
}

func (s *MemoryStore) ListAdmissions(ctx context.Context, f AdmissionFilter, limit, offset int) ([]*AdmissionDetail, int, error) {
	items := s.snapshot(unitFrom(ctx), func(a *Admission) bool {
		switch {
		case f.PatientID != nil && a.PatientID != *f.PatientID:
			return false
		case f.NurseID != nil && a.NurseID != *f.NurseID:
			return false
		case f.DoctorID != nil && (a.DoctorID == nil || *a.DoctorID != *f.DoctorID):
			return false
		case f.Status != "" && a.Status != f.Status:
			return false
		}
		return true
	})
	sort.Slice(items, func(i, j int) bool {
		if !items[i].ArrivedAt.Equal(items[j].ArrivedAt) {
			return items[i].ArrivedAt.After(items[j].ArrivedAt)
		}
		return compareUUID(items[i].ID, items[j].ID) < 0
	})

	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out, err := s.details(ctx, items[offset:end])
	return out, total, err
}

func (s *MemoryStore) ClaimNext(ctx context.Context, doctorID uuid.UUID, at time.Time) (*AdmissionDetail, error) {
	u := unitFrom(ctx)
	if u == nil {
		var d *AdmissionDetail
		err := s.Atomic(ctx, func(ctx context.Context) error {
			var err error
			d, err = s.ClaimNext(ctx, doctorID, at)
			return err
		})
		return d, err
	}

	s.mu.Lock()
	var (
		claimed *Admission
		skipped []claimItem
	)
	for s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(claimItem)
		a := s.admissions[it.id]
		if a == nil || a.Status != StatusPending {
			continue
		}
		l := s.locks[it.id]
		if l != nil && l.token != u.token {
			skipped = append(skipped, it)
			continue
		}
		if l == nil {
			s.locks[it.id] = &rowLock{token: u.token, released: make(chan struct{})}
			u.locked = append(u.locked, it.id)
		}
		u.claimed = append(u.claimed, it)

		cp := *a
		cp.Status = StatusInProgress
		cp.DoctorID = &doctorID
		cp.ClaimedAt = &at
		u.admissions[cp.ID] = &cp
		claimed = &cp
		break
	}
	for _, it := range skipped {
		heap.Push(&s.queue, it)
	}
	s.mu.Unlock()

	if claimed == nil {
		return nil, nil
	}
	cp := *claimed
	return s.detail(ctx, &cp)
}

func (s *MemoryStore) CountActiveClaims(ctx context.Context, doctorID uuid.UUID) (int, error) {
	items := s.snapshot(unitFrom(ctx), func(a *Admission) bool {
		return a.Status == StatusInProgress && a.DoctorID != nil && *a.DoctorID == doctorID
	})
	return len(items), nil
}

func (s *MemoryStore) MarkFinalized(ctx context.Context, id uuid.UUID, at time.Time) error {
	u := unitFrom(ctx)
	if u == nil {
		return s.Atomic(ctx, func(ctx context.Context) error { return s.MarkFinalized(ctx, id, at) })
	}

	s.mu.Lock()
	a := s.visible(u, id)
	var cp Admission
	if a != nil {
		cp = *a
	}
	s.mu.Unlock()

	if a == nil {
		return fmt.Errorf("admission %s does not exist", id)
	}
	cp.Status = StatusFinalized
	cp.FinalizedAt = &at
	u.admissions[id] = &cp
	return nil
}

// -- Treatments --

func (s *MemoryStore) GetTreatment(ctx context.Context, admissionID uuid.UUID) (*Treatment, error) {
	if u := unitFrom(ctx); u != nil {
		if t, ok := u.treatments[admissionID]; ok {
			cp := *t
			return &cp, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.treatments[admissionID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) CreateTreatment(ctx context.Context, t *Treatment) error {
	u := unitFrom(ctx)
	if u == nil {
		return s.Atomic(ctx, func(ctx context.Context) error { return s.CreateTreatment(ctx, t) })
	}
	if existing, err := s.GetTreatment(ctx, t.AdmissionID); err != nil {
		return err
	} else if existing != nil {
		return ErrDuplicateTreatment
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cp := *t
	u.treatments[t.AdmissionID] = &cp
	return nil
}

func (s *MemoryStore) ListTreatmentsByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	s.mu.Lock()
	var items []*Treatment
	for _, t := range s.treatments {
		if t.DoctorID == doctorID {
			cp := *t
			items = append(items, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].PerformedAt.After(items[j].PerformedAt) })
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}
