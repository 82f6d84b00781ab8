package events

import (
	"context"

	"neuroflow/internal/common/mq"
)

const DefaultTopic = "neuroflow.sandbox.lifecycle"

// KafkaRecorder publishes every event as JSON keyed by sandbox id.
type KafkaRecorder struct {
	producer mq.Producer
	topic    string
}

// NewKafkaRecorder wraps producer. The recorder owns producer and closes it on Close.
func NewKafkaRecorder(producer mq.Producer, topic string) *KafkaRecorder {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaRecorder{producer: producer, topic: topic}
}

func (k *KafkaRecorder) Record(ctx context.Context, ev Event) error {
	body, err := ev.marshal()
	if err != nil {
		return err
	}
	msg := mq.NewMessage(ev.Key(), body)
	msg.Timestamp = ev.At
	msg.SetHeader("kind", string(ev.Kind))
	msg.SetHeader("agent_id", ev.AgentID)
	return k.producer.Publish(ctx, k.topic, msg)
}

func (k *KafkaRecorder) Close() error {
	return k.producer.Close()
}

var _ Recorder = (*KafkaRecorder)(nil)
