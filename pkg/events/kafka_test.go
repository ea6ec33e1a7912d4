// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := DefaultKafkaConfig([]string{"localhost:9092"})

	assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	assert.Equal(t, "dirauth.login", cfg.Topic)
	assert.Equal(t, 1, cfg.RequiredAcks)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
}

func TestNewKafkaPublisher_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewKafkaPublisher(KafkaConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one Kafka broker is required")

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, SASLMechanism: "GSSAPI"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported SASL mechanism")
}

func TestSaramaConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       KafkaConfig
		acks      sarama.RequiredAcks
		mechanism sarama.SASLMechanism
		scram     bool
	}{
		{name: "defaults", cfg: KafkaConfig{RequiredAcks: 1}, acks: sarama.WaitForLocal},
		{name: "no acks", cfg: KafkaConfig{RequiredAcks: 0}, acks: sarama.NoResponse},
		{name: "all acks", cfg: KafkaConfig{RequiredAcks: -1}, acks: sarama.WaitForAll},
		{name: "unknown acks", cfg: KafkaConfig{RequiredAcks: 99}, acks: sarama.WaitForLocal},
		{
			name:      "plain",
			cfg:       KafkaConfig{RequiredAcks: 1, SASLMechanism: "PLAIN", SASLUsername: "u", SASLPassword: "p"},
			acks:      sarama.WaitForLocal,
			mechanism: sarama.SASLTypePlaintext,
		},
		{
			name:      "scram 256",
			cfg:       KafkaConfig{RequiredAcks: 1, SASLMechanism: "SCRAM-SHA-256"},
			acks:      sarama.WaitForLocal,
			mechanism: sarama.SASLTypeSCRAMSHA256,
			scram:     true,
		},
		{
			name:      "scram 512",
			cfg:       KafkaConfig{RequiredAcks: 1, SASLMechanism: "SCRAM-SHA-512"},
			acks:      sarama.WaitForLocal,
			mechanism: sarama.SASLTypeSCRAMSHA512,
			scram:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			config, err := saramaConfig(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.acks, config.Producer.RequiredAcks)
			assert.True(t, config.Producer.Return.Successes)
			if tt.mechanism != "" {
				assert.True(t, config.Net.SASL.Enable)
				assert.Equal(t, tt.mechanism, config.Net.SASL.Mechanism)
			} else {
				assert.False(t, config.Net.SASL.Enable)
			}
			if tt.scram {
				require.NotNil(t, config.Net.SASL.SCRAMClientGeneratorFunc)
				client := config.Net.SASL.SCRAMClientGeneratorFunc()
				require.NoError(t, client.Begin("user", "pencil", ""))
				first, err := client.Step("")
				require.NoError(t, err)
				assert.Contains(t, first, "n=user")
				assert.False(t, client.Done())
			}
		})
	}
}

func TestKafkaPublisher_Publish(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "jdoe@example.com" {
			return errors.New("expected key to be the folded identifier")
		}
		if msg.Topic != "dirauth.login" {
			return errors.New("expected default topic")
		}
		return nil
	})

	pub := NewKafkaPublisherWithProducer(producer, "")
	assert.Equal(t, "kafka", pub.Name())

	err := pub.Publish(context.Background(), "jdoe@example.com", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_PublishError(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))

	pub := NewKafkaPublisherWithProducer(producer, "audit")
	err := pub.Publish(context.Background(), "jdoe", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka publish")
	assert.Contains(t, err.Error(), "broker unavailable")
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_CloseNil(t *testing.T) {
	t.Parallel()

	assert.NoError(t, (&KafkaPublisher{}).Close())
}
