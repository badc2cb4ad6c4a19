package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/domain/model"
)

// BatchHandler обрабатывает пакет элементов одного потока.
// Ошибка означает, что пакет нужно вернуть в очередь.
type BatchHandler interface {
	Handle(ctx context.Context, batch model.Batch) error
}

// ConsumerConfig — параметры потребителя очереди потока.
type ConsumerConfig struct {
	// Kind — тип потока очереди
	Kind model.RequestType
	// Queue — имя очереди
	Queue string
	// Tenant — арендатор экземпляра; сообщения других арендаторов отклоняются
	Tenant string
	// BatchSize — максимум сообщений в пакете
	BatchSize int
	// BatchWait — максимальное ожидание накопления пакета
	BatchWait time.Duration
	// Prefetch — лимит неподтверждённых сообщений (basic.qos)
	Prefetch int
	// ReconnectDelay — пауза перед повторным открытием канала
	ReconnectDelay time.Duration
}

// errDeliveriesClosed — канал доставок закрыт брокером.
var errDeliveriesClosed = errors.New("канал доставок закрыт")

// Consumer читает очередь потока, накапливает пакеты и передаёт их обработчику.
// Успех — ack, ошибка обработчика — nack с возвратом в очередь,
// некорректное сообщение — reject без возврата.
type Consumer struct {
	conn      channelOpener
	cfg       ConsumerConfig
	validator *Validator
	handler   BatchHandler
	logger    *slog.Logger
}

// NewConsumer создаёт потребителя очереди потока.
func NewConsumer(conn *Connection, cfg ConsumerConfig, validator *Validator, handler BatchHandler, logger *slog.Logger) *Consumer {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	return &Consumer{
		conn:      conn,
		cfg:       cfg,
		validator: validator,
		handler:   handler,
		logger: logger.With(
			slog.String("component", "flow_consumer"),
			slog.String("queue", cfg.Queue),
		),
	}
}

// Run потребляет очередь до отмены ctx, переоткрывая канал при разрывах.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.logger.Warn("Потребитель очереди остановлен, повторное подключение",
			slog.String("error", err.Error()),
			slog.Duration("delay", c.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("установка prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("объявление очереди %s: %w", c.cfg.Queue, err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("подписка на очередь %s: %w", c.cfg.Queue, err)
	}

	c.logger.Info("Потребитель очереди запущен",
		slog.Int("batch_size", c.cfg.BatchSize),
		slog.Duration("batch_wait", c.cfg.BatchWait),
	)
	return c.run(ctx, deliveries)
}

// pendingBatch — накапливаемый пакет доставок.
type pendingBatch struct {
	deliveries []amqp.Delivery
	items      []any
}

// run накапливает доставки в пакеты по размеру или времени ожидания.
// Возвращает nil при отмене ctx и errDeliveriesClosed при закрытии канала.
func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var (
		batch pendingBatch
		timer *time.Timer
		wait  <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			wait = nil
		}
	}
	defer stopTimer()

	flush := func() {
		stopTimer()
		if len(batch.deliveries) > 0 {
			c.flush(ctx, batch)
		}
		batch = pendingBatch{}
	}

	for {
		select {
		case <-ctx.Done():
			// Недообработанные доставки вернёт брокер при закрытии канала.
			return nil
		case <-wait:
			flush()
		case d, ok := <-deliveries:
			if !ok {
				flush()
				return errDeliveriesClosed
			}
			item, accepted := c.accept(d)
			if !accepted {
				continue
			}
			batch.deliveries = append(batch.deliveries, d)
			batch.items = append(batch.items, item)
			if len(batch.deliveries) >= c.cfg.BatchSize {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(c.cfg.BatchWait)
				wait = timer.C
			}
		}
	}
}

// accept проверяет арендатора и тело доставки; некорректные отклоняются без возврата.
func (c *Consumer) accept(d amqp.Delivery) (any, bool) {
	tenant, _ := d.Headers[HeaderTenant].(string)
	if tenant != "" && c.cfg.Tenant != "" && tenant != c.cfg.Tenant {
		c.reject(d, fmt.Sprintf("чужой арендатор %q", tenant))
		return nil, false
	}
	item, err := c.validator.Decode(c.cfg.Kind, d.Body)
	if err != nil {
		c.reject(d, err.Error())
		return nil, false
	}
	return item, true
}

func (c *Consumer) reject(d amqp.Delivery, reason string) {
	c.logger.Warn("Сообщение отклонено",
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.String("reason", reason),
	)
	if err := d.Reject(false); err != nil {
		c.logger.Error("Ошибка reject",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.String("error", err.Error()),
		)
	}
}

// flush передаёт пакет обработчику и подтверждает доставки по результату.
func (c *Consumer) flush(ctx context.Context, b pendingBatch) {
	batch, err := NewBatch(c.cfg.Kind, c.cfg.Tenant, b.items)
	if err == nil {
		start := time.Now()
		err = c.handler.Handle(ctx, batch)
		c.logger.Debug("Пакет обработан",
			slog.Int("size", batch.Len()),
			slog.Duration("duration", time.Since(start)),
		)
	}

	if err != nil {
		c.logger.Warn("Пакет возвращён в очередь",
			slog.Int("size", len(b.deliveries)),
			slog.String("error", err.Error()),
		)
		for _, d := range b.deliveries {
			if nackErr := d.Nack(false, true); nackErr != nil {
				c.logger.Error("Ошибка nack",
					slog.Uint64("delivery_tag", d.DeliveryTag),
					slog.String("error", nackErr.Error()),
				)
			}
		}
		return
	}

	for _, d := range b.deliveries {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("Ошибка ack",
				slog.Uint64("delivery_tag", d.DeliveryTag),
				slog.String("error", ackErr.Error()),
			)
		}
	}
}
