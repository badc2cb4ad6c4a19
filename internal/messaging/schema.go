package messaging

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrMalformed — тело сообщения не соответствует схеме потока.
var ErrMalformed = errors.New("некорректное сообщение")

// schemaFiles — JSON-схема каждого потока.
var schemaFiles = map[model.RequestType]string{
	model.RequestReference:    "file_flow.json",
	model.RequestStorage:      "file_flow.json",
	model.RequestDeletion:     "deletion.json",
	model.RequestAvailability: "availability.json",
	model.RequestRetry:        "retry.json",
}

// Validator проверяет тела сообщений потоков по встроенным JSON-схемам
// и декодирует их в элементы потоков.
type Validator struct {
	schemas map[model.RequestType]*jsonschema.Schema
}

// NewValidator компилирует встроенные схемы.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	loaded := make(map[string]bool)
	for _, name := range schemaFiles {
		if loaded[name] {
			continue
		}
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("чтение схемы %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("разбор схемы %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("регистрация схемы %s: %w", name, err)
		}
		loaded[name] = true
	}

	v := &Validator{schemas: make(map[model.RequestType]*jsonschema.Schema, len(schemaFiles))}
	for kind, name := range schemaFiles {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("компиляция схемы %s: %w", name, err)
		}
		v.schemas[kind] = sch
	}
	return v, nil
}

// Validate проверяет тело сообщения потока kind.
func (v *Validator) Validate(kind model.RequestType, body []byte) error {
	sch, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: неизвестный поток %s", ErrMalformed, kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Decode проверяет тело сообщения и декодирует его в элемент потока kind.
func (v *Validator) Decode(kind model.RequestType, body []byte) (any, error) {
	if err := v.Validate(kind, body); err != nil {
		return nil, err
	}
	switch kind {
	case model.RequestReference:
		return decodeItem[model.ReferenceFlowItem](body)
	case model.RequestStorage:
		return decodeItem[model.StoreFlowItem](body)
	case model.RequestDeletion:
		return decodeItem[model.DeletionFlowItem](body)
	case model.RequestAvailability:
		return decodeItem[model.AvailabilityFlowItem](body)
	case model.RequestRetry:
		return decodeItem[model.RetryFlowItem](body)
	default:
		return nil, fmt.Errorf("%w: неизвестный поток %s", ErrMalformed, kind)
	}
}

func decodeItem[T any](body []byte) (T, error) {
	var item T
	if err := json.Unmarshal(body, &item); err != nil {
		return item, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return item, nil
}

// NewBatch собирает пакет потока kind из декодированных элементов.
// Элементы другого типа пропускаются.
func NewBatch(kind model.RequestType, tenant string, items []any) (model.Batch, error) {
	switch kind {
	case model.RequestReference:
		return model.ReferenceBatch{Tenant: tenant, Items: collect[model.ReferenceFlowItem](items)}, nil
	case model.RequestStorage:
		return model.StoreBatch{Tenant: tenant, Items: collect[model.StoreFlowItem](items)}, nil
	case model.RequestDeletion:
		return model.DeletionBatch{Tenant: tenant, Items: collect[model.DeletionFlowItem](items)}, nil
	case model.RequestAvailability:
		return model.AvailabilityBatch{Tenant: tenant, Items: collect[model.AvailabilityFlowItem](items)}, nil
	case model.RequestRetry:
		return model.RetryBatch{Tenant: tenant, Items: collect[model.RetryFlowItem](items)}, nil
	default:
		return nil, fmt.Errorf("неизвестный поток %s", kind)
	}
}

func collect[T any](items []any) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if v, ok := it.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
