package pipeline

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/plogd/plogd/internal/config"
	"github.com/plogd/plogd/internal/stats"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	topicTagPrefix = "kt:"
	nullTopic      = "null"

	// keyRotation is how many messages share one partition key.
	keyRotation = 1000
)

// kafkaWriter is the subset of *kafka.Writer the handler uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka forwards messages to Kafka topics. A message goes to every topic
// named by a "kt:<topic>" tag, or to the default topic if it has none. The
// topic "null" discards.
type Kafka struct {
	defaultTopic string
	propagate    bool
	block        cipher.Block // nil without encryption
	reporter     stats.Reporter
	writer       kafkaWriter

	seen   atomic.Int64
	failed atomic.Int64

	keyMu sync.Mutex
	key   []byte
}

var _ Terminal = (*Kafka)(nil)

// NewKafka creates a Kafka handler with an asynchronous writer. Delivery
// failures are reported to reporter.
func NewKafka(cfg config.KafkaConfig, reporter stats.Reporter) (*Kafka, error) {
	k, err := newKafka(cfg, reporter)
	if err != nil {
		return nil, err
	}

	compression, err := kafkaCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	batchTimeout := cfg.BatchTimeout.D()
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		Compression:  compression,
		Async:        true,
		Completion:   k.completed,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("default_topic", cfg.DefaultTopic).
		Str("compression", cfg.Compression).
		Bool("encrypted", k.block != nil).
		Msg("kafka handler started")
	return k, nil
}

func newKafka(cfg config.KafkaConfig, reporter stats.Reporter) (*Kafka, error) {
	k := &Kafka{
		defaultTopic: cfg.DefaultTopic,
		propagate:    cfg.Propagate,
		reporter:     reporter,
		key:          newPartitionKey(),
	}

	key, err := cfg.AESKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		if k.block, err = aes.NewCipher(key); err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
	}
	return k, nil
}

func kafkaCompression(name string) (kafka.Compression, error) {
	switch name {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("invalid compression type: %s", name)
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Propagate() bool { return k.propagate }

func (k *Kafka) Handle(ctx context.Context, msg *Message) error {
	n := k.seen.Add(1)

	payload := msg.Payload
	if k.block != nil {
		encrypted, err := encryptCBC(k.block, payload)
		if err != nil {
			// the plaintext is never sent in place of ciphertext
			return fmt.Errorf("encrypt: %w", err)
		}
		payload = encrypted
	}

	topics := topicsFor(msg.Tags, k.defaultTopic)
	if len(topics) == 0 {
		return nil
	}

	key := k.messageKey(n)
	out := make([]kafka.Message, len(topics))
	for i, topic := range topics {
		out[i] = kafka.Message{Topic: topic, Key: key, Value: payload}
	}

	if err := k.writer.WriteMessages(ctx, out...); err != nil {
		log.Warn().Err(err).Strs("topics", topics).Msg("failed to send to kafka")
		k.recordFailures(len(out))
	}
	return nil
}

// completed is the asynchronous writer's delivery callback.
func (k *Kafka) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	log.Warn().Err(err).Int("messages", len(messages)).Msg("kafka delivery failed")
	k.recordFailures(len(messages))
}

func (k *Kafka) recordFailures(n int) {
	k.failed.Add(int64(n))
	for i := 0; i < n; i++ {
		k.reporter.FailedToSend()
	}
}

// messageKey returns the partition key for the nth message. Keys change
// every keyRotation messages to spread load without hurting batching.
func (k *Kafka) messageKey(n int64) []byte {
	k.keyMu.Lock()
	defer k.keyMu.Unlock()
	if n%keyRotation == 0 {
		k.key = newPartitionKey()
	}
	return k.key
}

func (k *Kafka) Stats() map[string]any {
	return map[string]any{
		"default_topic":  k.defaultTopic,
		"seen_messages":  k.seen.Load(),
		"failed_to_send": k.failed.Load(),
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func newPartitionKey() []byte {
	id := uuid.New()
	return id[:]
}

// topicsFor returns the destination topics for a message with tags.
func topicsFor(tags []string, defaultTopic string) []string {
	var topics []string
	sawTopicTag := false
	for _, tag := range tags {
		topic, ok := strings.CutPrefix(tag, topicTagPrefix)
		if !ok {
			continue
		}
		sawTopicTag = true
		if topic != nullTopic {
			topics = append(topics, topic)
		}
	}
	if !sawTopicTag && defaultTopic != nullTopic {
		topics = append(topics, defaultTopic)
	}
	return topics
}

// encryptCBC encrypts plaintext with PKCS#7 padding and prefixes the random
// IV.
func encryptCBC(block cipher.Block, plaintext []byte) ([]byte, error) {
	size := block.BlockSize()
	pad := size - len(plaintext)%size
	padded := make([]byte, len(plaintext)+pad)
	copy(padded, plaintext)
	copy(padded[len(plaintext):], bytes.Repeat([]byte{byte(pad)}, pad))

	out := make([]byte, size+len(padded))
	iv := out[:size]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[size:], padded)
	return out, nil
}
