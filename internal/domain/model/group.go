package model

import "time"

// GroupStatus — итоговый статус группы запросов.
type GroupStatus string

const (
	GroupSuccess GroupStatus = "SUCCESS"
	GroupError   GroupStatus = "ERROR"
	GroupDenied  GroupStatus = "DENIED"
)

// RequestGroup — группа запросов одного пакета (groupId задаёт отправитель).
// Expected — число зарегистрированных элементов группы; каждый элемент даёт
// не больше одного результата. Группа завершена, когда successes + errors >= expected.
type RequestGroup struct {
	ID        string
	Type      RequestType
	Expected  int
	Successes int
	Errors    int
	Completed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Done проверяет, что все ожидаемые элементы группы достигли конечного состояния.
func (g *RequestGroup) Done() bool {
	return g.Successes+g.Errors >= g.Expected
}

// Status возвращает итоговый статус завершённой группы.
func (g *RequestGroup) Status() GroupStatus {
	if g.Errors > 0 {
		return GroupError
	}
	return GroupSuccess
}

// GroupItem — элемент группы. Повторная регистрация элемента и повторный
// результат того же элемента не меняют счётчики группы.
// У элементов доступности заполнен только Checksum.
type GroupItem struct {
	Checksum  string
	StorageID string
	Owner     string
}

// Key возвращает ключ элемента внутри группы.
func (i GroupItem) Key() string {
	return i.Checksum + "|" + i.StorageID + "|" + i.Owner
}

// GroupResult — результат обработки одного элемента группы.
type GroupResult struct {
	GroupID   string
	Checksum  string
	StorageID string
	Owner     string
	Success   bool
	Cause     string
	CreatedAt time.Time
}

// Item возвращает элемент группы, к которому относится результат.
func (r GroupResult) Item() GroupItem {
	return GroupItem{Checksum: r.Checksum, StorageID: r.StorageID, Owner: r.Owner}
}
