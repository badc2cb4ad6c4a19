package memstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/repository"
)

// --- Запросы на сохранение ---

type storageRequests struct{ d *DB }

func cloneStorage(r *model.StorageRequest) *model.StorageRequest {
	c := *r
	if r.DelayedUntil != nil {
		t := *r.DelayedUntil
		c.DelayedUntil = &t
	}
	return &c
}

func storageID(r *model.StorageRequest) int64 { return r.ID }

func (s *storageRequests) Create(_ context.Context, req *model.StorageRequest) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	for _, r := range s.d.storage {
		if r.Checksum == req.Checksum && r.StorageID == req.StorageID && r.Owner == req.Owner {
			return fmt.Errorf("%w: запрос сохранения %s/%s/%s", repository.ErrConflict, req.Checksum, req.StorageID, req.Owner)
		}
	}
	if req.Status == "" {
		req.Status = model.StatusToDo
	}
	now := s.d.now()
	req.ID = s.d.nextID()
	req.CreatedAt, req.UpdatedAt = now, now
	if req.DelayedUntil != nil && req.DelayedUntil.IsZero() {
		req.DelayedUntil = nil
	}
	s.d.storage[req.ID] = cloneStorage(req)
	return nil
}

func (s *storageRequests) GetByKey(_ context.Context, checksum, storage, owner string) (*model.StorageRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	for _, r := range s.d.storage {
		if r.Checksum == checksum && r.StorageID == storage && r.Owner == owner {
			return cloneStorage(r), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *storageRequests) ListInFlight(_ context.Context, checksum, storage string) ([]*model.StorageRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.StorageRequest
	for _, r := range sortedByID(s.d.storage, storageID) {
		if r.Checksum == checksum && r.StorageID == storage && r.Status != model.StatusError {
			out = append(out, cloneStorage(r))
		}
	}
	return out, nil
}

func (s *storageRequests) Reopen(_ context.Context, req *model.StorageRequest) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.storage[req.ID]
	if !ok || r.Status != model.StatusError {
		return false, nil
	}
	r.Status = model.StatusToDo
	r.ErrorCause = ""
	r.RetryCount++
	r.OriginURI, r.Algorithm, r.Filename, r.MimeType, r.Size = req.OriginURI, req.Algorithm, req.Filename, req.MimeType, req.Size
	r.SessionOwner, r.Session, r.GroupID = req.SessionOwner, req.Session, req.GroupID
	r.DelayedUntil = nil
	if req.DelayedUntil != nil && !req.DelayedUntil.IsZero() {
		t := *req.DelayedUntil
		r.DelayedUntil = &t
	}
	r.Postponed = 0
	r.UpdatedAt = s.d.now()

	req.Status, req.ErrorCause, req.RetryCount, req.Postponed, req.UpdatedAt = r.Status, "", r.RetryCount, 0, r.UpdatedAt
	return true, nil
}

func (s *storageRequests) SelectRunnable(_ context.Context, storage string, now time.Time, n int) ([]*model.StorageRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.StorageRequest
	for _, r := range sortedByID(s.d.storage, storageID) {
		if r.StorageID != storage || r.Status != model.StatusToDo {
			continue
		}
		if r.DelayedUntil != nil && r.DelayedUntil.After(now) {
			continue
		}
		out = append(out, cloneStorage(r))
	}
	return limit(out, n), nil
}

func (s *storageRequests) ClaimRunning(_ context.Context, ids []int64) ([]int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return claim(ids, s.d.now(), func(id int64) (*model.RequestStatus, *time.Time) {
		if r, ok := s.d.storage[id]; ok {
			return &r.Status, &r.UpdatedAt
		}
		return nil, nil
	}), nil
}

func (s *storageRequests) Postpone(_ context.Context, id int64, until time.Time) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.storage[id]
	if !ok || r.Status != model.StatusToDo {
		return nil
	}
	r.DelayedUntil = &until
	r.Postponed++
	r.UpdatedAt = s.d.now()
	return nil
}

func (s *storageRequests) MarkError(_ context.Context, id int64, cause string) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.storage[id]
	if !ok {
		return false, nil
	}
	return markError(&r.Status, &r.ErrorCause, cause), nil
}

func (s *storageRequests) Delete(_ context.Context, id int64) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.storage[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.d.storage, id)
	return nil
}

func (s *storageRequests) ReopenErrors(_ context.Context, f repository.RequestFilter) ([]*model.StorageRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	f.Status = model.StatusError
	var out []*model.StorageRequest
	for _, r := range sortedByID(s.d.storage, storageID) {
		if !matchFilter(f, []string{r.GroupID}, r.Owner, r.StorageID, r.Status) {
			continue
		}
		r.Status = model.StatusToDo
		r.ErrorCause = ""
		r.RetryCount++
		r.DelayedUntil = nil
		r.Postponed = 0
		r.UpdatedAt = s.d.now()
		out = append(out, cloneStorage(r))
	}
	return out, nil
}

func (s *storageRequests) FailPending(_ context.Context, groupID, cause string) ([]*model.StorageRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.StorageRequest
	for _, r := range sortedByID(s.d.storage, storageID) {
		if r.GroupID == groupID && r.Status == model.StatusToDo {
			r.Status = model.StatusError
			r.ErrorCause = cause
			r.UpdatedAt = s.d.now()
			out = append(out, cloneStorage(r))
		}
	}
	return out, nil
}

func (s *storageRequests) FailStale(_ context.Context, before time.Time, cause string) ([]*model.StorageRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.StorageRequest
	for _, r := range sortedByID(s.d.storage, storageID) {
		if stale(r.Status, r.UpdatedAt, before) {
			r.Status, r.ErrorCause, r.UpdatedAt = model.StatusError, cause, s.d.now()
			out = append(out, cloneStorage(r))
		}
	}
	return out, nil
}

func (s *storageRequests) List(_ context.Context, f repository.RequestFilter) ([]*model.StorageRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.StorageRequest
	for _, r := range sortedByID(s.d.storage, storageID) {
		if matchFilter(f, []string{r.GroupID}, r.Owner, r.StorageID, r.Status) {
			out = append(out, cloneStorage(r))
		}
	}
	return limit(out, f.Limit), nil
}

// --- Запросы на удаление ---

type deletionRequests struct{ d *DB }

func cloneDeletion(r *model.DeletionRequest) *model.DeletionRequest {
	c := *r
	return &c
}

func deletionID(r *model.DeletionRequest) int64 { return r.ID }

func (s *deletionRequests) byRef(fileRefID int64) *model.DeletionRequest {
	for _, r := range s.d.deletion {
		if r.FileRefID == fileRefID {
			return r
		}
	}
	return nil
}

func (s *deletionRequests) Create(_ context.Context, req *model.DeletionRequest) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.byRef(req.FileRefID) != nil {
		return fmt.Errorf("%w: запрос удаления ссылки %d", repository.ErrConflict, req.FileRefID)
	}
	if _, ok := s.d.refs[req.FileRefID]; !ok {
		return fmt.Errorf("ссылка %d не существует", req.FileRefID)
	}
	if req.Status == "" {
		req.Status = model.StatusToDo
	}
	now := s.d.now()
	req.ID = s.d.nextID()
	req.CreatedAt, req.UpdatedAt = now, now
	s.d.deletion[req.ID] = cloneDeletion(req)
	return nil
}

func (s *deletionRequests) GetByFileRef(_ context.Context, fileRefID int64) (*model.DeletionRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r := s.byRef(fileRefID)
	if r == nil {
		return nil, repository.ErrNotFound
	}
	return cloneDeletion(r), nil
}

func (s *deletionRequests) Reopen(_ context.Context, req *model.DeletionRequest) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.deletion[req.ID]
	if !ok || r.Status != model.StatusError {
		return false, nil
	}
	r.Status = model.StatusToDo
	r.ErrorCause = ""
	r.RetryCount++
	r.Owner, r.Force, r.SessionOwner, r.Session, r.GroupID = req.Owner, req.Force, req.SessionOwner, req.Session, req.GroupID
	r.UpdatedAt = s.d.now()

	req.Status, req.ErrorCause, req.RetryCount, req.UpdatedAt = r.Status, "", r.RetryCount, r.UpdatedAt
	return true, nil
}

func (s *deletionRequests) Cancel(_ context.Context, fileRefID int64) (*model.DeletionRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r := s.byRef(fileRefID)
	if r == nil {
		return nil, repository.ErrNotFound
	}
	if r.Status == model.StatusRunning {
		return nil, repository.ErrBusy
	}
	delete(s.d.deletion, r.ID)
	return cloneDeletion(r), nil
}

func (s *deletionRequests) SelectRunnable(_ context.Context, storage string, n int) ([]*model.DeletionRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.DeletionRequest
	for _, r := range sortedByID(s.d.deletion, deletionID) {
		if r.StorageID == storage && r.Status == model.StatusToDo {
			out = append(out, cloneDeletion(r))
		}
	}
	return limit(out, n), nil
}

func (s *deletionRequests) ClaimRunning(_ context.Context, ids []int64) ([]int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return claim(ids, s.d.now(), func(id int64) (*model.RequestStatus, *time.Time) {
		if r, ok := s.d.deletion[id]; ok {
			return &r.Status, &r.UpdatedAt
		}
		return nil, nil
	}), nil
}

func (s *deletionRequests) MarkError(_ context.Context, id int64, cause string) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.deletion[id]
	if !ok {
		return false, nil
	}
	return markError(&r.Status, &r.ErrorCause, cause), nil
}

func (s *deletionRequests) Delete(_ context.Context, id int64) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.deletion[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.d.deletion, id)
	return nil
}

func (s *deletionRequests) ReopenErrors(_ context.Context, f repository.RequestFilter) ([]*model.DeletionRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	f.Status = model.StatusError
	var out []*model.DeletionRequest
	for _, r := range sortedByID(s.d.deletion, deletionID) {
		if !matchFilter(f, []string{r.GroupID}, r.Owner, r.StorageID, r.Status) {
			continue
		}
		r.Status = model.StatusToDo
		r.ErrorCause = ""
		r.RetryCount++
		r.UpdatedAt = s.d.now()
		out = append(out, cloneDeletion(r))
	}
	return out, nil
}

func (s *deletionRequests) FailPending(_ context.Context, groupID, cause string) ([]*model.DeletionRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.DeletionRequest
	for _, r := range sortedByID(s.d.deletion, deletionID) {
		if r.GroupID == groupID && r.Status == model.StatusToDo {
			r.Status = model.StatusError
			r.ErrorCause = cause
			r.UpdatedAt = s.d.now()
			out = append(out, cloneDeletion(r))
		}
	}
	return out, nil
}

func (s *deletionRequests) FailStale(_ context.Context, before time.Time, cause string) ([]*model.DeletionRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.DeletionRequest
	for _, r := range sortedByID(s.d.deletion, deletionID) {
		if stale(r.Status, r.UpdatedAt, before) {
			r.Status, r.ErrorCause, r.UpdatedAt = model.StatusError, cause, s.d.now()
			out = append(out, cloneDeletion(r))
		}
	}
	return out, nil
}

func (s *deletionRequests) List(_ context.Context, f repository.RequestFilter) ([]*model.DeletionRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.DeletionRequest
	for _, r := range sortedByID(s.d.deletion, deletionID) {
		if matchFilter(f, []string{r.GroupID}, r.Owner, r.StorageID, r.Status) {
			out = append(out, cloneDeletion(r))
		}
	}
	return limit(out, f.Limit), nil
}

// --- Запросы на восстановление в кэш ---

type cacheRequests struct{ d *DB }

func cloneCache(r *model.CacheRequest) *model.CacheRequest {
	c := *r
	c.GroupIDs = slices.Clone(r.GroupIDs)
	return &c
}

func cacheID(r *model.CacheRequest) int64 { return r.ID }

func (s *cacheRequests) byChecksum(checksum string) *model.CacheRequest {
	for _, r := range s.d.cache {
		if r.Checksum == checksum {
			return r
		}
	}
	return nil
}

func (s *cacheRequests) Create(_ context.Context, req *model.CacheRequest) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if s.byChecksum(req.Checksum) != nil {
		return fmt.Errorf("%w: запрос восстановления %s", repository.ErrConflict, req.Checksum)
	}
	if _, ok := s.d.refs[req.FileRefID]; !ok {
		return fmt.Errorf("ссылка %d не существует", req.FileRefID)
	}
	if req.Status == "" {
		req.Status = model.StatusToDo
	}
	if req.GroupIDs == nil {
		req.GroupIDs = []string{}
	}
	now := s.d.now()
	req.ID = s.d.nextID()
	req.CreatedAt, req.UpdatedAt = now, now
	s.d.cache[req.ID] = cloneCache(req)
	return nil
}

func (s *cacheRequests) GetByChecksum(_ context.Context, checksum string) (*model.CacheRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r := s.byChecksum(checksum)
	if r == nil {
		return nil, repository.ErrNotFound
	}
	return cloneCache(r), nil
}

func (s *cacheRequests) Merge(_ context.Context, checksum, groupID string, expiration time.Time) (*model.CacheRequest, bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r := s.byChecksum(checksum)
	if r == nil {
		return nil, false, repository.ErrNotFound
	}
	if !slices.Contains(r.GroupIDs, groupID) {
		r.GroupIDs = append(r.GroupIDs, groupID)
	}
	if expiration.After(r.Expiration) {
		r.Expiration = expiration
	}
	reopened := r.Status == model.StatusError
	if reopened {
		r.Status = model.StatusToDo
		r.ErrorCause = ""
		r.RetryCount++
	}
	r.UpdatedAt = s.d.now()
	return cloneCache(r), reopened, nil
}

func (s *cacheRequests) SelectRunnable(_ context.Context, storage string, n int) ([]*model.CacheRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.CacheRequest
	for _, r := range sortedByID(s.d.cache, cacheID) {
		if r.StorageID == storage && r.Status == model.StatusToDo {
			out = append(out, cloneCache(r))
		}
	}
	return limit(out, n), nil
}

func (s *cacheRequests) ClaimRunning(_ context.Context, ids []int64) ([]int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	return claim(ids, s.d.now(), func(id int64) (*model.RequestStatus, *time.Time) {
		if r, ok := s.d.cache[id]; ok {
			return &r.Status, &r.UpdatedAt
		}
		return nil, nil
	}), nil
}

func (s *cacheRequests) RunningSize(_ context.Context) (int64, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var size int64
	for _, r := range s.d.cache {
		if r.Status == model.StatusRunning {
			size += r.Size
		}
	}
	return size, nil
}

func (s *cacheRequests) MarkError(_ context.Context, id int64, cause string) (bool, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	r, ok := s.d.cache[id]
	if !ok {
		return false, nil
	}
	return markError(&r.Status, &r.ErrorCause, cause), nil
}

func (s *cacheRequests) Delete(_ context.Context, id int64) error {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, ok := s.d.cache[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.d.cache, id)
	return nil
}

func (s *cacheRequests) ReopenErrors(_ context.Context, f repository.RequestFilter) ([]*model.CacheRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	f.Status = model.StatusError
	var out []*model.CacheRequest
	for _, r := range sortedByID(s.d.cache, cacheID) {
		if !matchFilter(f, r.GroupIDs, "", r.StorageID, r.Status) {
			continue
		}
		r.Status = model.StatusToDo
		r.ErrorCause = ""
		r.RetryCount++
		r.UpdatedAt = s.d.now()
		out = append(out, cloneCache(r))
	}
	return out, nil
}

func (s *cacheRequests) DetachGroup(_ context.Context, groupID string) ([]*model.CacheRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.CacheRequest
	for _, r := range sortedByID(s.d.cache, cacheID) {
		idx := slices.Index(r.GroupIDs, groupID)
		if idx < 0 {
			continue
		}
		r.GroupIDs = slices.Delete(r.GroupIDs, idx, idx+1)
		r.UpdatedAt = s.d.now()
		out = append(out, cloneCache(r))
	}
	for id, r := range s.d.cache {
		if len(r.GroupIDs) == 0 && r.Status != model.StatusRunning {
			delete(s.d.cache, id)
		}
	}
	return out, nil
}

func (s *cacheRequests) FailStale(_ context.Context, before time.Time, cause string) ([]*model.CacheRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.CacheRequest
	for _, r := range sortedByID(s.d.cache, cacheID) {
		if stale(r.Status, r.UpdatedAt, before) {
			r.Status, r.ErrorCause, r.UpdatedAt = model.StatusError, cause, s.d.now()
			out = append(out, cloneCache(r))
		}
	}
	return out, nil
}

func (s *cacheRequests) List(_ context.Context, f repository.RequestFilter) ([]*model.CacheRequest, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	var out []*model.CacheRequest
	for _, r := range sortedByID(s.d.cache, cacheID) {
		if matchFilter(f, r.GroupIDs, "", r.StorageID, r.Status) {
			out = append(out, cloneCache(r))
		}
	}
	return limit(out, f.Limit), nil
}

// claim переводит TO_DO → RUNNING для найденных запросов.
func claim(ids []int64, now time.Time, row func(id int64) (*model.RequestStatus, *time.Time)) []int64 {
	claimed := make([]int64, 0, len(ids))
	for _, id := range ids {
		st, updated := row(id)
		if st == nil || *st != model.StatusToDo {
			continue
		}
		*st = model.StatusRunning
		*updated = now
		claimed = append(claimed, id)
	}
	return claimed
}

// stale проверяет, что запрос RUNNING не обновлялся с before.
func stale(status model.RequestStatus, updated, before time.Time) bool {
	return status == model.StatusRunning && updated.Before(before)
}

// markError переводит запрос TO_DO/RUNNING → ERROR.
func markError(status *model.RequestStatus, errorCause *string, cause string) bool {
	if !model.CanTransition(*status, model.StatusError) {
		return false
	}
	*status = model.StatusError
	*errorCause = cause
	return true
}
