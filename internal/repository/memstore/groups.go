package memstore

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// --- Файлы кэша ---

type cacheFiles struct{ d *DB }

func cloneCacheFile(f *model.CacheFile) *model.CacheFile {
	c := *f
	return &c
}

func (s *cacheFiles) Get(_ context.Context, checksum string) (*model.CacheFile, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	f, ok := s.d.cacheFiles[checksum]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneCacheFile(f), nil
}

func (s *cacheFiles) Upsert(_ context.Context, f *model.CacheFile) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if cur, ok := s.d.cacheFiles[f.Checksum]; ok {
		cur.CachedURI = f.CachedURI
		cur.Size = f.Size
		if f.Expiration.After(cur.Expiration) {
			cur.Expiration = f.Expiration
		}
		f.Expiration, f.CreatedAt = cur.Expiration, cur.CreatedAt
		return nil
	}
	f.CreatedAt = s.d.now()
	s.d.cacheFiles[f.Checksum] = cloneCacheFile(f)
	return nil
}

func (s *cacheFiles) Extend(_ context.Context, checksum string, expiration time.Time) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	f, ok := s.d.cacheFiles[checksum]
	if !ok {
		return false, nil
	}
	if expiration.After(f.Expiration) {
		f.Expiration = expiration
	}
	return true, nil
}

func (s *cacheFiles) ListExpired(_ context.Context, now time.Time, n int) ([]*model.CacheFile, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.CacheFile
	for _, f := range s.d.cacheFiles {
		if f.Expired(now) {
			out = append(out, cloneCacheFile(f))
		}
	}
	slices.SortFunc(out, func(a, b *model.CacheFile) int { return a.Expiration.Compare(b.Expiration) })
	return limit(out, n), nil
}

func (s *cacheFiles) Delete(_ context.Context, checksum string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.cacheFiles[checksum]; !ok {
		return repository.ErrNotFound
	}
	delete(s.d.cacheFiles, checksum)
	return nil
}

func (s *cacheFiles) TotalSize(_ context.Context) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var size int64
	for _, f := range s.d.cacheFiles {
		size += f.Size
	}
	return size, nil
}

// --- Группы запросов ---

type groups struct{ d *DB }

func cloneGroup(g *model.RequestGroup) *model.RequestGroup {
	c := *g
	return &c
}

// grant создаёт группу при необходимости и регистрирует новые элементы.
func (s *groups) grant(groupID string, typ model.RequestType, items []model.GroupItem) *model.RequestGroup {
	now := s.d.now()
	g, ok := s.d.groups[groupID]
	if !ok {
		g = &model.RequestGroup{ID: groupID, Type: typ, CreatedAt: now}
		s.d.groups[groupID] = g
		s.d.items[groupID] = make(map[string]model.GroupItem)
	}
	registered := s.d.items[groupID]
	for _, it := range items {
		if _, ok := registered[it.Key()]; ok {
			continue
		}
		registered[it.Key()] = it
		g.Expected++
	}
	g.UpdatedAt = now
	return g
}

func (s *groups) Grant(_ context.Context, groupID string, typ model.RequestType, items []model.GroupItem) (*model.RequestGroup, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return cloneGroup(s.grant(groupID, typ, items)), nil
}

func (s *groups) Reopen(_ context.Context, groupID string, typ model.RequestType, items []model.GroupItem) (*model.RequestGroup, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	g := s.grant(groupID, typ, items)
	reopen := make(map[string]struct{}, len(items))
	for _, it := range items {
		reopen[it.Key()] = struct{}{}
	}
	s.d.results[groupID] = slices.DeleteFunc(s.d.results[groupID], func(res model.GroupResult) bool {
		if _, ok := reopen[res.Item().Key()]; !ok {
			return false
		}
		if res.Success {
			g.Successes--
		} else {
			g.Errors--
		}
		return true
	})
	return cloneGroup(g), nil
}

func (s *groups) Get(_ context.Context, groupID string) (*model.RequestGroup, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	g, ok := s.d.groups[groupID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneGroup(g), nil
}

// record добавляет результат, если у элемента его ещё нет.
func (s *groups) record(g *model.RequestGroup, res model.GroupResult) {
	key := res.Item().Key()
	for _, cur := range s.d.results[g.ID] {
		if cur.Item().Key() == key {
			return
		}
	}
	if res.Success {
		g.Successes++
	} else {
		g.Errors++
	}
	now := s.d.now()
	g.UpdatedAt = now
	res.CreatedAt = now
	s.d.results[g.ID] = append(s.d.results[g.ID], res)
}

func (s *groups) Record(_ context.Context, res model.GroupResult) (*model.RequestGroup, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	g, ok := s.d.groups[res.GroupID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	s.record(g, res)
	return cloneGroup(g), nil
}

func (s *groups) FailUnresolved(_ context.Context, groupID, cause string) (*model.RequestGroup, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	g, ok := s.d.groups[groupID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	items := make([]model.GroupItem, 0, len(s.d.items[groupID]))
	for _, it := range s.d.items[groupID] {
		items = append(items, it)
	}
	slices.SortFunc(items, func(a, b model.GroupItem) int { return strings.Compare(a.Key(), b.Key()) })
	for _, it := range items {
		s.record(g, model.GroupResult{
			GroupID:   groupID,
			Checksum:  it.Checksum,
			StorageID: it.StorageID,
			Owner:     it.Owner,
			Cause:     cause,
		})
	}
	return cloneGroup(g), nil
}

func (s *groups) ClaimCompletion(_ context.Context, groupID string) (*model.RequestGroup, []model.GroupResult, bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	g, ok := s.d.groups[groupID]
	if !ok || g.Completed || !g.Done() {
		return nil, nil, false, nil
	}
	g.Completed = true
	results := slices.Clone(s.d.results[groupID])
	s.d.dropGroup(groupID)
	return cloneGroup(g), results, true, nil
}

func (s *groups) Results(_ context.Context, groupID string) ([]model.GroupResult, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return slices.Clone(s.d.results[groupID]), nil
}

func (s *groups) ListExpired(_ context.Context, before time.Time, n int) ([]*model.RequestGroup, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.RequestGroup
	for _, g := range s.d.groups {
		if !g.Completed && g.CreatedAt.Before(before) {
			out = append(out, cloneGroup(g))
		}
	}
	slices.SortFunc(out, func(a, b *model.RequestGroup) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return limit(out, n), nil
}

func (s *groups) Delete(_ context.Context, groupID string) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.groups[groupID]; !ok {
		return repository.ErrNotFound
	}
	s.d.dropGroup(groupID)
	return nil
}
