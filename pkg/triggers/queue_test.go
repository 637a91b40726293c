package triggers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeQueuePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message string
		want    map[string]any
	}{
		{
			name:    "json object",
			message: `{"order_id": 42}`,
			want:    map[string]any{"order_id": float64(42)},
		},
		{
			name:    "plain text wraps as message",
			message: "hello",
			want:    map[string]any{"message": "hello"},
		},
		{
			name:    "json null wraps as message",
			message: "null",
			want:    map[string]any{"message": "null"},
		},
		{
			name:    "json array wraps as message",
			message: "[1,2]",
			want:    map[string]any{"message": "[1,2]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := decodeQueuePayload(tt.message)

			require.NotNil(t, data)
			assert.NotEmpty(t, data["timestamp"])

			for key, want := range tt.want {
				assert.Equal(t, want, data[key])
			}
		})
	}
}

func TestDecodeQueuePayload_KeepsExistingTimestamp(t *testing.T) {
	t.Parallel()

	data := decodeQueuePayload(`{"timestamp": "2026-01-02T03:04:05Z"}`)
	assert.Equal(t, "2026-01-02T03:04:05Z", data["timestamp"])
}
