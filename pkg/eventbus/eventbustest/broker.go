// Package eventbustest provides an in-memory Kafka stand-in with consumer group offsets.
package eventbustest

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Broker stores every topic as a fixed number of partition logs. Readers created for the same
// group resume from the group's committed offsets, so closing a reader without committing
// leads to redelivery as with a real broker.
type Broker struct {
	mu         sync.Mutex
	partitions int
	logs       map[string][][]kafka.Message
	committed  map[string]map[int]int64
	writeErr   error
	changed    chan struct{}
}

func NewBroker(partitions int) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		logs:       make(map[string][][]kafka.Message),
		committed:  make(map[string]map[int]int64),
		changed:    make(chan struct{}),
	}
}

// FailWrites makes every write return err until it is called again with nil.
func (b *Broker) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

func (b *Broker) Writer() *Writer {
	return &Writer{broker: b}
}

func (b *Broker) Reader(topic, group string) *Reader {
	return &Reader{broker: b, topic: topic, group: group, closed: make(chan struct{})}
}

// Messages returns a copy of every message written to topic, partition by partition.
func (b *Broker) Messages(topic string) []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []kafka.Message
	for _, log := range b.logs[topic] {
		out = append(out, log...)
	}
	return out
}

// Committed returns the next offset group will read from partition of topic.
func (b *Broker) Committed(topic, group string, partition int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committed[groupKey(topic, group)][partition]
}

// WaitFor polls until cond holds or timeout elapses, and reports whether it held.
func (b *Broker) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (b *Broker) write(msgs []kafka.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	for _, msg := range msgs {
		if msg.Topic == "" {
			return errors.New("eventbustest: message has no topic")
		}
		log, ok := b.logs[msg.Topic]
		if !ok {
			log = make([][]kafka.Message, b.partitions)
			b.logs[msg.Topic] = log
		}
		partition := b.partitionFor(msg.Key)
		msg.Partition = partition
		msg.Offset = int64(len(log[partition]))
		if msg.Time.IsZero() {
			msg.Time = time.Now()
		}
		log[partition] = append(log[partition], msg)
	}
	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

func (b *Broker) partitionFor(key []byte) int {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(b.partitions))
}

func groupKey(topic, group string) string {
	return topic + "\x00" + group
}

type Writer struct {
	broker *Broker
	closed bool
}

func (w *Writer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.closed {
		return io.ErrClosedPipe
	}
	return w.broker.write(msgs)
}

func (w *Writer) Close() error {
	w.closed = true
	return nil
}

type Reader struct {
	broker    *Broker
	topic     string
	group     string
	positions map[int]int64
	next      int
	closeOnce sync.Once
	closed    chan struct{}
}

// FetchMessage returns the next unread message, cycling over partitions.
func (r *Reader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		msg, ok, changed := r.poll()
		if ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-r.closed:
			return kafka.Message{}, io.EOF
		case <-changed:
		}
	}
}

func (r *Reader) poll() (kafka.Message, bool, <-chan struct{}) {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.positions == nil {
		r.positions = make(map[int]int64)
		for partition, offset := range b.committed[groupKey(r.topic, r.group)] {
			r.positions[partition] = offset
		}
	}

	log := b.logs[r.topic]
	for i := 0; i < len(log); i++ {
		partition := (r.next + i) % len(log)
		position := r.positions[partition]
		if position < int64(len(log[partition])) {
			r.positions[partition] = position + 1
			r.next = partition + 1
			return log[partition][position], true, nil
		}
	}
	return kafka.Message{}, false, b.changed
}

func (r *Reader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	b := r.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	key := groupKey(r.topic, r.group)
	offsets, ok := b.committed[key]
	if !ok {
		offsets = make(map[int]int64)
		b.committed[key] = offsets
	}
	for _, msg := range msgs {
		if msg.Offset+1 > offsets[msg.Partition] {
			offsets[msg.Partition] = msg.Offset + 1
		}
	}
	return nil
}

func (r *Reader) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}
