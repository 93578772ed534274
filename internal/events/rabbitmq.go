package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const dialTimeout = 10 * time.Second

// RabbitPublisher publishes events as JSON to a durable topic exchange.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	genID    *snowflake.Node
	log      *zap.Logger
}

func NewRabbitPublisher(rawURL, exchange string, genID *snowflake.Node, log *zap.Logger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &RabbitPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		genID:    genID,
		log:      log.Named("events.rabbitmq"),
	}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	if event.ID == 0 && p.genID != nil {
		event.ID = p.genID.Generate()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID.String(),
		Timestamp:    event.OccurredAt,
		Type:         event.Type,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg)
	if err == nil {
		return nil
	}
	p.log.Warn("publish failed; reopening channel",
		zap.String("type", event.Type),
		zap.Error(err),
	)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return err
	}
	if declErr := declare(ch, p.exchange); declErr != nil {
		ch.Close()
		return declErr
	}
	p.channel = ch
	return p.channel.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg)
}

func (p *RabbitPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

func declare(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("invalid_amqp_scheme")
	}
	return clean, nil
}

// NopPublisher drops events. It is used when no broker is configured.
type NopPublisher struct {
	log *zap.Logger
}

func NewNopPublisher(log *zap.Logger) *NopPublisher {
	return &NopPublisher{log: log.Named("events.nop")}
}

func (p *NopPublisher) Publish(_ context.Context, event Event) error {
	p.log.Debug("event publish skipped", zap.String("type", event.Type), zap.String("shop", event.ShopID))
	return nil
}

func (p *NopPublisher) Close() {}
