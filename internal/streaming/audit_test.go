package streaming

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestKafkaAuditorNilReceiverPublishIsNoop(t *testing.T) {
	var a *KafkaAuditor
	require.NotPanics(t, func() {
		a.Publish(context.Background(), TurnAuditEvent{SessionID: "s1"})
	})
}

func TestKafkaAuditorNilReceiverCloseIsNoop(t *testing.T) {
	var a *KafkaAuditor
	require.NoError(t, a.Close())
}

func TestNewKafkaAuditorFromCSVParsesAndTrimsBrokers(t *testing.T) {
	a := NewKafkaAuditorFromCSV(" broker1:9092 , broker2:9092,,broker3:9092 ", "turn-audit")
	require.NotNil(t, a)
	require.Equal(t, "turn-audit", a.topic)
	require.NotNil(t, a.writer)
	require.Equal(t, kafka.TCP("broker1:9092", "broker2:9092", "broker3:9092"), a.writer.Addr)
}

func TestNewKafkaAuditorFromCSVEmptyStringYieldsNoBrokers(t *testing.T) {
	a := NewKafkaAuditorFromCSV("", "turn-audit")
	require.NotNil(t, a)
	require.Equal(t, "turn-audit", a.topic)
	require.Equal(t, kafka.TCP(), a.writer.Addr)
}
