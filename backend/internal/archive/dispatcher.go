package archive

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/IBM/sarama"
)

// RoomEventRecord 归档到 kafka 的房间事件（审计/回放流，不参与实时链路）
type RoomEventRecord struct {
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  int64           `json:"sentAt"`
}

// Dispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞中继的广播转发（Enqueue 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan RoomEventRecord

	// gate 限制并发的 SendMessage 数量
	gate *Gate

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewDispatcher(producer sarama.SyncProducer, topic string, gate *Gate, opt DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan RoomEventRecord, opt.QueueSize),
		gate:        gate,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.Start()
	return d
}

// Enqueue 把事件放入本地队列。队列满就丢弃——归档流不要求强一致，
// 绝不能反压实时转发。
func (d *Dispatcher) Enqueue(evt RoomEventRecord) {
	select {
	case d.queue <- evt:
	default:
		log.Printf("archive queue full, drop event room=%s event=%s", evt.Room, evt.Event)
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt RoomEventRecord) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.gate != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.gate.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.gate != nil {
			_ = d.gate.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event room=%s event=%s worker=%d err=%v",
				evt.Room, evt.Event, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt RoomEventRecord) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.Room),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
