package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Broker fans text messages out to the tunnels subscribed to a topic.
// Deliveries are posted to each tunnel's own goroutine.
type Broker struct {
	mu        sync.Mutex
	topicSubs map[string][]*Tunnel
}

type Message struct {
	// operation: subscribe, unsubscribe, publish
	Operation string `json:"operation"`
	// topic name
	Topic string `json:"topic"`
	// message
	Message string `json:"message"`
}

func NewBroker() *Broker {
	return &Broker{
		topicSubs: make(map[string][]*Tunnel),
	}
}

func (b *Broker) AddSubscriber(topicName string, t *Tunnel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.topicSubs[topicName] {
		if sub == t {
			return
		}
	}
	b.topicSubs[topicName] = append(b.topicSubs[topicName], t)
}

func (b *Broker) RemoveSubscriber(topicName string, t *Tunnel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topicSubs[topicName]
	if !ok {
		return fmt.Errorf("topic %s does not exist", topicName)
	}
	for i, sub := range subs {
		if sub == t {
			subs = append(subs[:i:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(b.topicSubs, topicName)
			} else {
				b.topicSubs[topicName] = subs
			}
			return nil
		}
	}
	return fmt.Errorf("tunnel %s not found in topic %s", t.ID, topicName)
}

// RemoveAll drops t from every topic.
func (b *Broker) RemoveAll(t *Tunnel) {
	b.mu.Lock()
	topics := make([]string, 0, len(b.topicSubs))
	for topic := range b.topicSubs {
		topics = append(topics, topic)
	}
	b.mu.Unlock()
	for _, topic := range topics {
		_ = b.RemoveSubscriber(topic, t)
	}
}

func (b *Broker) Subscribers(topicName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topicSubs[topicName])
}

// SendMessageToTopic queues message on every subscriber and returns how many
// accepted it.
func (b *Broker) SendMessageToTopic(topicName string, message string) (int, error) {
	b.mu.Lock()
	subs := append([]*Tunnel(nil), b.topicSubs[topicName]...)
	b.mu.Unlock()
	if len(subs) == 0 {
		return 0, fmt.Errorf("topic %s does not exist", topicName)
	}
	delivered := 0
	for _, sub := range subs {
		if sub.Post(deliver(message)) {
			delivered++
			continue
		}
		sub.Logger().Warn("subscriber inbox full, dropping message", zap.String("topic", topicName))
	}
	return delivered, nil
}

func deliver(message string) func(*Tunnel) error {
	return func(t *Tunnel) error {
		if !t.IsOperational() {
			return nil
		}
		return t.QueueText(message)
	}
}

// Handle reads Message commands from t until it closes.
func (b *Broker) Handle(ctx context.Context, t *Tunnel) {
	defer b.RemoveAll(t)
	t.Events.On(EventPickProcessor, func(ev *Event) error {
		ev.Sink = NewBufferSink(t.Config().TempSpillSize, func(_ *Processor, _, app DataSource) error {
			return b.dispatch(t, app)
		})
		return nil
	})
	if err := t.Loop(ctx, 0); err != nil {
		t.Logger().Info("loop ended", zap.Error(err))
	}
}

func (b *Broker) dispatch(t *Tunnel, app DataSource) error {
	data, err := ReadAll(app)
	if err != nil {
		return err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return t.QueueJSON(map[string]string{"error": "invalid message"})
	}
	switch msg.Operation {
	case "subscribe":
		b.AddSubscriber(msg.Topic, t)
	case "unsubscribe":
		if err := b.RemoveSubscriber(msg.Topic, t); err != nil {
			return t.QueueJSON(map[string]string{"error": err.Error()})
		}
	case "publish":
		if _, err := b.SendMessageToTopic(msg.Topic, msg.Message); err != nil {
			return t.QueueJSON(map[string]string{"error": err.Error()})
		}
	default:
		return t.QueueJSON(map[string]string{"error": "unknown operation " + msg.Operation})
	}
	return nil
}
