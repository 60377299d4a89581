package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("send transaction: %w", context.DeadlineExceeded), true},
		{"rpc timeout", errors.New("rpc call failed: timeout awaiting response"), true},
		{"blockhash expired", errors.New("Transaction simulation failed: Blockhash not found"), true},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"connection refused", errors.New("dial tcp 127.0.0.1:8899: connection refused"), true},
		{"program rejection", errors.New("custom program error: 0x1771"), false},
		{"invalid instruction data", errors.New("invalid instruction data"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
