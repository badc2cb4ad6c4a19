package memstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

type references struct{ d *DB }

func cloneRef(r *model.FileReference) *model.FileReference {
	c := *r
	c.Owners = slices.Clone(r.Owners)
	return &c
}

func (s *references) find(storageID, checksum string) *model.FileReference {
	for _, r := range s.d.refs {
		if r.StorageID == storageID && r.Checksum == checksum {
			return r
		}
	}
	return nil
}

func (s *references) Get(_ context.Context, storageID, checksum string) (*model.FileReference, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r := s.find(storageID, checksum)
	if r == nil {
		return nil, repository.ErrNotFound
	}
	return cloneRef(r), nil
}

func (s *references) GetByID(_ context.Context, id int64) (*model.FileReference, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.refs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRef(r), nil
}

func (s *references) ListByChecksum(_ context.Context, checksum string) ([]*model.FileReference, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.FileReference
	for _, r := range sortedByID(s.d.refs, func(r *model.FileReference) int64 { return r.ID }) {
		if r.Checksum == checksum {
			out = append(out, cloneRef(r))
		}
	}
	return out, nil
}

func (s *references) Create(_ context.Context, ref *model.FileReference) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.find(ref.StorageID, ref.Checksum) != nil {
		return fmt.Errorf("%w: ссылка %s/%s уже существует", repository.ErrConflict, ref.StorageID, ref.Checksum)
	}
	now := s.d.now()
	ref.ID = s.d.nextID()
	ref.CreatedAt, ref.UpdatedAt = now, now
	if ref.Owners == nil {
		ref.Owners = []string{}
	}
	s.d.refs[ref.ID] = cloneRef(ref)
	return nil
}

func (s *references) AddOwner(_ context.Context, id int64, owner string) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.refs[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if r.HasOwner(owner) {
		return false, nil
	}
	r.Owners = append(r.Owners, owner)
	r.UpdatedAt = s.d.now()
	return true, nil
}

func (s *references) RemoveOwner(_ context.Context, id int64, owner string) (int, bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.refs[id]
	if !ok {
		return 0, false, repository.ErrNotFound
	}
	idx := slices.Index(r.Owners, owner)
	if idx < 0 {
		return len(r.Owners), false, nil
	}
	r.Owners = slices.Delete(r.Owners, idx, idx+1)
	r.UpdatedAt = s.d.now()
	return len(r.Owners), true, nil
}

func (s *references) DeleteIfOrphan(_ context.Context, id int64) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.refs[id]
	if !ok || len(r.Owners) > 0 {
		return false, nil
	}
	s.d.deleteRef(id)
	return true, nil
}

func (s *references) Delete(_ context.Context, id int64) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.refs[id]; !ok {
		return repository.ErrNotFound
	}
	s.d.deleteRef(id)
	return nil
}

func (s *references) UsageByStorage(_ context.Context) (map[string]repository.StorageUsage, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	out := make(map[string]repository.StorageUsage)
	for _, r := range s.d.refs {
		if r.Referenced {
			continue
		}
		u := out[r.StorageID]
		u.Files++
		u.Size += r.Size
		out[r.StorageID] = u
	}
	return out, nil
}

// deleteRef удаляет ссылку вместе с зависимыми запросами (ON DELETE CASCADE).
func (d *DB) deleteRef(id int64) {
	delete(d.refs, id)
	for k, r := range d.deletion {
		if r.FileRefID == id {
			delete(d.deletion, k)
		}
	}
	for k, r := range d.cache {
		if r.FileRefID == id {
			delete(d.cache, k)
		}
	}
}
