package staff

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process staff store used by STORAGE_DRIVER=memory and tests.
type Memory struct {
	mu         sync.RWMutex
	nationalID map[string]uuid.UUID
	patients   map[uuid.UUID]*Patient
	clinicians map[Role]map[uuid.UUID]*Clinician
	insurers   map[uuid.UUID]*Insurer
}

func NewMemory(insurers ...Insurer) *Memory {
	m := &Memory{
		nationalID: make(map[string]uuid.UUID),
		patients:   make(map[uuid.UUID]*Patient),
		clinicians: map[Role]map[uuid.UUID]*Clinician{
			RoleNurse:  {},
			RoleDoctor: {},
		},
		insurers: make(map[uuid.UUID]*Insurer),
	}
	for i := range insurers {
		ins := insurers[i]
		if ins.ID == uuid.Nil {
			ins.ID = uuid.New()
		}
		m.insurers[ins.ID] = &ins
	}
	return m
}

func (m *Memory) Patients() PatientRepository     { return memPatients{m} }
func (m *Memory) Clinicians() ClinicianRepository { return memClinicians{m} }
func (m *Memory) Insurers() InsurerRepository     { return memInsurers{m} }

func (m *Memory) NationalIDExists(_ context.Context, nationalID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nationalID[nationalID]
	return ok, nil
}

func (m *Memory) claimPerson(p *Person) error {
	if _, taken := m.nationalID[p.NationalID]; taken {
		return ErrDuplicate
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	m.nationalID[p.NationalID] = p.ID
	return nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func byName(a, b Person) bool {
	if a.LastName != b.LastName {
		return a.LastName < b.LastName
	}
	if a.FirstName != b.FirstName {
		return a.FirstName < b.FirstName
	}
	return a.ID.String() < b.ID.String()
}

type memPatients struct{ m *Memory }

func (r memPatients) Create(_ context.Context, p *Patient) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.claimPerson(&p.Person); err != nil {
		return err
	}
	cp := *p
	r.m.patients[p.ID] = &cp
	return nil
}

func (r memPatients) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	p, ok := r.m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r memPatients) GetByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	r.m.mu.RLock()
	id, ok := r.m.nationalID[nationalID]
	r.m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r memPatients) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	all := make([]*Patient, 0, len(r.m.patients))
	for _, p := range r.m.patients {
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return byName(all[i].Person, all[j].Person) })
	return window(all, limit, offset), len(all), nil
}

type memClinicians struct{ m *Memory }

func (r memClinicians) Create(_ context.Context, c *Clinician) error {
	if _, err := table(c.Role); err != nil {
		return err
	}
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, other := range r.m.clinicians[c.Role] {
		if other.License == c.License {
			return ErrDuplicate
		}
	}
	if err := r.m.claimPerson(&c.Person); err != nil {
		return err
	}
	cp := *c
	r.m.clinicians[c.Role][c.ID] = &cp
	return nil
}

func (r memClinicians) GetByID(_ context.Context, role Role, id uuid.UUID) (*Clinician, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.clinicians[role][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r memClinicians) GetByLicense(_ context.Context, role Role, license string) (*Clinician, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, c := range r.m.clinicians[role] {
		if c.License == license {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r memClinicians) List(_ context.Context, role Role, limit, offset int) ([]*Clinician, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	all := make([]*Clinician, 0, len(r.m.clinicians[role]))
	for _, c := range r.m.clinicians[role] {
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return byName(all[i].Person, all[j].Person) })
	return window(all, limit, offset), len(all), nil
}

type memInsurers struct{ m *Memory }

func (r memInsurers) GetByID(_ context.Context, id uuid.UUID) (*Insurer, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	ins, ok := r.m.insurers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ins
	return &cp, nil
}

func (r memInsurers) List(_ context.Context) ([]*Insurer, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	out := make([]*Insurer, 0, len(r.m.insurers))
	for _, ins := range r.m.insurers {
		cp := *ins
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
