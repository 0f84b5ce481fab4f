package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	KafkaReadTimeout  = 10 * time.Second
	KafkaWriteTimeout = 3 * time.Second

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5

	feedValueMaxBytes = 1024
)

// kafka message value.
type feedEvent struct {
	RoomID string `json:"room"`
	Time   int64  `json:"ts"` // unix millis of the publisher
}

// KafkaFeed shares room changes between processes through a kafka topic.
// Every process reads the topic from its tail, without consumer group, and
// wakes its local watchers for each event.
type KafkaFeed struct {
	local  *LocalFeed
	reader IKafkaReader
	writer IKafkaWriter
	wg     sync.WaitGroup
}

func NewKafkaFeed(reader IKafkaReader, writer IKafkaWriter) *KafkaFeed {
	return &KafkaFeed{
		local:  NewLocalFeed(),
		reader: reader,
		writer: writer,
	}
}

// DialKafkaFeed creates the reader and writer for the topic.
func DialKafkaFeed(brokers []string, topic string) *KafkaFeed {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		StartOffset: kafka.LastOffset,
		Dialer: &kafka.Dialer{
			Timeout:   KafkaReadTimeout,
			DualStack: true,
		},
	})
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   KafkaWriteTimeout,
			DualStack: true,
		},
	})
	return NewKafkaFeed(reader, writer)
}

// Publish writes the change to kafka. Local watchers are woken directly
// when the write fails, the local append must still become visible.
func (f *KafkaFeed) Publish(ctx context.Context, roomID string) error {
	value, err := json.Marshal(&feedEvent{RoomID: roomID, Time: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("error marshal feed event: %w", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, KafkaWriteTimeout)
	defer cancel()
	if err := f.writer.WriteMessages(ctx2, kafka.Message{Key: []byte(roomID), Value: value}); err != nil {
		_ = f.local.Publish(ctx, roomID)
		return fmt.Errorf("error write to kafka: %w", err)
	}
	return nil
}

func (f *KafkaFeed) Watch(roomID string) (<-chan struct{}, func()) {
	return f.local.Watch(roomID)
}

// Run consumes the topic until ctx is done, then closes kafka clients and all
// watchers.
func (f *KafkaFeed) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("kafka feed: starting")

	f.wg.Add(1)
	go f.consumeLoop(ctx)

	<-ctx.Done()

	glog.Info("kafka feed: stopping")
	_ = f.reader.Close() // slow: take about 7s
	f.wg.Wait()
	if err := f.writer.Close(); err != nil {
		glog.Errorf("kafka feed: close writer error: %v", err)
	}
	f.local.Close()

	glog.Info("kafka feed: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (f *KafkaFeed) consumeLoop(ctx context.Context) {
	glog.Info("kafka feed: consume loop enter")
	defer func() {
		glog.Info("kafka feed: consume loop exited")
		f.wg.Done()
	}()

	var sleep time.Duration

	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err == nil {
			sleep = 0
			if ev := decodeFeedEvent(&msg); ev != nil {
				glog.V(5).Infof("kafka feed: room %s changed, offset: %d", ev.RoomID, msg.Offset)
				_ = f.local.Publish(ctx, ev.RoomID)
			}
			continue
		}

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			glog.V(5).Info("kafka feed: fetch was cancelled")
			return
		}
		glog.Errorf("kafka feed: fetch from kafka err: %v", err)
		backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

func decodeFeedEvent(msg *kafka.Message) *feedEvent {
	if len(msg.Value) > feedValueMaxBytes {
		glog.Errorf("kafka feed: value out of limit, offset: %d, size: %d", msg.Offset, len(msg.Value))
		return nil
	}
	var v feedEvent
	if err := json.Unmarshal(msg.Value, &v); err != nil {
		glog.Errorf("kafka feed: failed to unmarshal value: `%s`, error: %v", msg.Value, err)
		return nil
	}
	if v.RoomID == "" {
		glog.Errorf("kafka feed: ignore event without room, offset: %d", msg.Offset)
		return nil
	}
	return &v
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
		return
	}
	*d = time.Duration(float64(*d) * BackoffMultiplier).Truncate(time.Millisecond)
	if *d > BackoffMaxInterval {
		*d = BackoffMaxInterval
	}
}
