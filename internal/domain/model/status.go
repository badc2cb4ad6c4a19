package model

import "fmt"

// validTransitions — матрица допустимых переходов статусов запросов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
// Успешное завершение запроса удаляет запись и в матрицу не входит.
var validTransitions = map[RequestStatus]map[RequestStatus]bool{
	StatusToDo:    {StatusRunning: true, StatusError: true}, // TO_DO → ERROR — истечение группы
	StatusRunning: {StatusError: true},
	StatusError:   {StatusToDo: true}, // Повтор
}

// Valid проверяет, что статус известен.
func (s RequestStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransition проверяет, допустим ли переход статуса.
func CanTransition(from, to RequestStatus) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// TransitionError — ошибка недопустимого перехода статуса.
type TransitionError struct {
	From RequestStatus
	To   RequestStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("переход %s → %s недопустим", e.From, e.To)
}

// CheckTransition возвращает *TransitionError, если переход недопустим.
func CheckTransition(from, to RequestStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// ParseRequestStatus разбирает статус из строки.
func ParseRequestStatus(s string) (RequestStatus, error) {
	st := RequestStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("недопустимый статус запроса: %q", s)
	}
	return st, nil
}

// ParseRequestType разбирает тип запроса журнала (STORAGE, DELETION, AVAILABILITY).
func ParseRequestType(s string) (RequestType, error) {
	switch t := RequestType(s); t {
	case RequestStorage, RequestDeletion, RequestAvailability:
		return t, nil
	default:
		return "", fmt.Errorf("недопустимый тип запроса: %q", s)
	}
}
