package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// channelOpener открывает канал AMQP (реализуется *Connection).
type channelOpener interface {
	Channel() (*amqp.Channel, error)
}

// Publisher публикует события оркестратора в topic exchange.
// Ключи маршрутизации: file.<type>, group.<status>, session.<metric>.
type Publisher struct {
	conn     channelOpener
	exchange string
	logger   *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher объявляет exchange событий (topic, durable) и возвращает издателя.
func NewPublisher(conn *Connection, exchange string, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With(slog.String("component", "event_publisher")),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.channel(); err != nil {
		return nil, err
	}
	return p, nil
}

// channel возвращает открытый канал, переоткрывая его при необходимости.
// Вызывается под мьютексом.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("объявление exchange %s: %w", p.exchange, err)
	}
	p.ch = ch
	return ch, nil
}

// PublishFile публикует событие жизненного цикла файла.
func (p *Publisher) PublishFile(ctx context.Context, ev model.FileEvent) error {
	return p.publish(ctx, FileRoutingKey(ev.Type), ev.Tenant, ev)
}

// PublishGroup публикует событие завершения группы.
func (p *Publisher) PublishGroup(ctx context.Context, ev model.GroupEvent) error {
	return p.publish(ctx, GroupRoutingKey(ev.Status), ev.Tenant, ev)
}

// PublishSession публикует приращение счётчика сессии.
func (p *Publisher) PublishSession(ctx context.Context, ev model.SessionEvent) error {
	return p.publish(ctx, SessionRoutingKey(ev.Metric), ev.Tenant, ev)
}

func (p *Publisher) publish(ctx context.Context, routingKey, tenant string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("сериализация события %s: %w", routingKey, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{HeaderTenant: tenant},
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.logger.Warn("Ошибка публикации события",
			slog.String("routing_key", routingKey),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("публикация события %s: %w", routingKey, err)
	}
	return nil
}

// Close закрывает канал издателя.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}

// FileRoutingKey — ключ маршрутизации события файла.
func FileRoutingKey(t model.FileEventType) string {
	return "file." + strings.ToLower(string(t))
}

// GroupRoutingKey — ключ маршрутизации события группы.
func GroupRoutingKey(s model.GroupStatus) string {
	return "group." + strings.ToLower(string(s))
}

// SessionRoutingKey — ключ маршрутизации события сессии.
func SessionRoutingKey(m model.SessionMetric) string {
	return "session." + strings.ToLower(string(m))
}

// FlowPublisher отправляет элементы потоков в очереди оркестратора
// (используется foctl). Тело проверяется по схеме до отправки.
type FlowPublisher struct {
	conn      channelOpener
	prefix    string
	validator *Validator
}

// NewFlowPublisher создаёт отправителя элементов потоков.
func NewFlowPublisher(conn *Connection, prefix string, validator *Validator) *FlowPublisher {
	return &FlowPublisher{conn: conn, prefix: prefix, validator: validator}
}

// Send отправляет элемент потока kind в очередь <prefix>.<kind>.
func (f *FlowPublisher) Send(ctx context.Context, kind model.RequestType, tenant string, item any) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("сериализация элемента потока: %w", err)
	}
	if err := f.validator.Validate(kind, body); err != nil {
		return err
	}

	ch, err := f.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	queue := QueueName(f.prefix, kind)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("объявление очереди %s: %w", queue, err)
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{HeaderTenant: tenant},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("отправка в очередь %s: %w", queue, err)
	}
	return nil
}
