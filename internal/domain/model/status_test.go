package model

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RequestStatus
		want     bool
	}{
		{StatusToDo, StatusRunning, true},
		{StatusToDo, StatusError, true},
		{StatusRunning, StatusError, true},
		{StatusError, StatusToDo, true},
		{StatusRunning, StatusToDo, false},
		{StatusError, StatusRunning, false},
		{StatusToDo, StatusToDo, false},
		{RequestStatus("DONE"), StatusToDo, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, ожидается %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCheckTransition_Error(t *testing.T) {
	err := CheckTransition(StatusRunning, StatusToDo)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("ожидается *TransitionError, получено %v", err)
	}
	if te.From != StatusRunning || te.To != StatusToDo {
		t.Errorf("TransitionError = %+v", te)
	}
}

func TestParseRequestStatus(t *testing.T) {
	if _, err := ParseRequestStatus("RUNNING"); err != nil {
		t.Errorf("ParseRequestStatus(RUNNING): %v", err)
	}
	if _, err := ParseRequestStatus("DONE"); err == nil {
		t.Error("ParseRequestStatus(DONE) должен вернуть ошибку")
	}
}

func TestParseRequestType(t *testing.T) {
	for _, s := range []string{"STORAGE", "DELETION", "AVAILABILITY"} {
		if _, err := ParseRequestType(s); err != nil {
			t.Errorf("ParseRequestType(%s): %v", s, err)
		}
	}
	if _, err := ParseRequestType("REFERENCE"); err == nil {
		t.Error("REFERENCE не является типом записи журнала")
	}
}

func TestRequestGroup_Done(t *testing.T) {
	g := &RequestGroup{Expected: 3, Successes: 2}
	if g.Done() {
		t.Error("группа 2/3 не должна быть завершена")
	}
	g.Errors = 1
	if !g.Done() {
		t.Error("группа 2+1/3 должна быть завершена")
	}
	if g.Status() != GroupError {
		t.Errorf("Status() = %s, ожидается ERROR", g.Status())
	}

	empty := &RequestGroup{}
	if !empty.Done() || empty.Status() != GroupSuccess {
		t.Error("пустая группа завершается успешно")
	}
}

func TestFileReference_HasOwner(t *testing.T) {
	ref := &FileReference{Owners: []string{"a", "b"}}
	if !ref.HasOwner("b") || ref.HasOwner("c") {
		t.Errorf("HasOwner неверен для %v", ref.Owners)
	}
}

func TestCacheFile_Expired(t *testing.T) {
	now := time.Now()
	f := &CacheFile{Expiration: now.Add(time.Minute)}
	if f.Expired(now) {
		t.Error("файл не должен быть просрочен")
	}
	if !f.Expired(now.Add(time.Minute)) {
		t.Error("файл должен быть просрочен в момент истечения")
	}
}

func TestBatchKinds(t *testing.T) {
	batches := []Batch{
		ReferenceBatch{Items: make([]ReferenceFlowItem, 1)},
		StoreBatch{Items: make([]StoreFlowItem, 2)},
		DeletionBatch{},
		AvailabilityBatch{},
		RetryBatch{},
	}
	want := []RequestType{RequestReference, RequestStorage, RequestDeletion, RequestAvailability, RequestRetry}
	for i, b := range batches {
		if b.Kind() != want[i] {
			t.Errorf("Kind() = %s, ожидается %s", b.Kind(), want[i])
		}
	}
	if batches[1].Len() != 2 {
		t.Errorf("Len() = %d, ожидается 2", batches[1].Len())
	}
}
