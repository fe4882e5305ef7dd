package kafka

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
)

func TestCreateChannel_RequiresBrokers(t *testing.T) {
	tests := []struct {
		name    string
		brokers []string
	}{
		{name: "nil", brokers: nil},
		{name: "blank entries", brokers: []string{"", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub, sub, err := CreateChannel(watermill.NopLogger{}, Config{Brokers: tt.brokers, ServiceName: "nodeflow"})
			assert.Error(t, err)
			assert.Nil(t, pub)
			assert.Nil(t, sub)
		})
	}
}
