// Пакет messaging — шина сообщений AMQP (RabbitMQ): очереди входящих
// потоков, публикация событий и проверка сообщений по JSON-схемам.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// HeaderTenant — заголовок сообщения с идентификатором арендатора.
const HeaderTenant = "x-tenant"

// ErrClosed — соединение закрыто вызовом Close.
var ErrClosed = errors.New("соединение AMQP закрыто")

// queueSuffix — суффиксы очередей потоков.
var queueSuffix = map[model.RequestType]string{
	model.RequestReference:    "reference",
	model.RequestStorage:      "store",
	model.RequestDeletion:     "deletion",
	model.RequestAvailability: "availability",
	model.RequestRetry:        "retry",
}

// FlowKinds — типы входящих потоков в порядке объявления очередей.
var FlowKinds = []model.RequestType{
	model.RequestReference,
	model.RequestStorage,
	model.RequestDeletion,
	model.RequestAvailability,
	model.RequestRetry,
}

// QueueName возвращает имя очереди потока: <prefix>.<kind>.
func QueueName(prefix string, kind model.RequestType) string {
	suffix, ok := queueSuffix[kind]
	if !ok {
		suffix = strings.ToLower(string(kind))
	}
	return prefix + "." + suffix
}

// Connection — соединение с брокером с повторным подключением по требованию.
// Каналы открываются через Channel; разорванное соединение восстанавливается
// при следующем вызове.
type Connection struct {
	url    string
	dial   func(url string) (*amqp.Connection, error)
	logger *slog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// Dial устанавливает соединение с брокером.
func Dial(url string, logger *slog.Logger) (*Connection, error) {
	c := &Connection{
		url:    url,
		dial:   amqp.Dial,
		logger: logger.With(slog.String("component", "amqp")),
	}
	if _, err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// connect возвращает живое соединение, при необходимости переподключаясь.
// Вызывается под мьютексом или до публикации Connection.
func (c *Connection) connect() (*amqp.Connection, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("подключение к RabbitMQ: %w", err)
	}
	c.conn = conn
	c.logger.Info("Подключение к RabbitMQ установлено")
	return conn, nil
}

// Channel открывает новый канал.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("открытие канала RabbitMQ: %w", err)
	}
	return ch, nil
}

// Close закрывает соединение. Повторные вызовы Channel вернут ErrClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// Name возвращает имя проверки готовности.
func (c *Connection) Name() string {
	return "rabbitmq"
}

// CheckReady проверяет, что соединение с брокером открыто.
func (c *Connection) CheckReady() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "fail", "соединение закрыто"
	}
	if c.conn == nil || c.conn.IsClosed() {
		if _, err := c.connect(); err != nil {
			return "fail", fmt.Sprintf("RabbitMQ недоступен: %v", err)
		}
	}
	return "ok", "RabbitMQ доступен"
}
