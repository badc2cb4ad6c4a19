package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
	"github.com/arturkryukov/artstore/file-orchestrator/internal/messaging"
)

// flowKinds — имена подкоманд send и типы потоков.
var flowKinds = map[string]model.RequestType{
	"reference":    model.RequestReference,
	"store":        model.RequestStorage,
	"deletion":     model.RequestDeletion,
	"availability": model.RequestAvailability,
	"retry":        model.RequestRetry,
}

// readFlowItem читает элемент потока (JSON-объект) из файла или stdin ("-").
// Для потоков с группой пустой group_id заменяется новым UUID.
func readFlowItem(kind model.RequestType, path string, stdin io.Reader) (map[string]any, error) {
	var r io.Reader = stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("открытие %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	var item map[string]any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&item); err != nil {
		return nil, fmt.Errorf("разбор элемента потока: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("элемент потока должен быть JSON-объектом")
	}

	if kind != model.RequestRetry {
		if id, _ := item["group_id"].(string); id == "" {
			item["group_id"] = uuid.NewString()
		}
	}
	return item, nil
}

// sendFlowItem отправляет элемент в очередь потока и возвращает group_id.
func sendFlowItem(ctx context.Context, opts *globalOptions, kind model.RequestType, item map[string]any) (string, error) {
	validator, err := messaging.NewValidator()
	if err != nil {
		return "", err
	}
	conn, err := messaging.Dial(opts.amqpURL, discardLogger())
	if err != nil {
		return "", err
	}
	defer conn.Close()

	sender := messaging.NewFlowPublisher(conn, opts.queuePrefix, validator)
	if err := sender.Send(ctx, kind, opts.tenant, item); err != nil {
		return "", err
	}
	groupID, _ := item["group_id"].(string)
	return groupID, nil
}
