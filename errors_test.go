package luffybot

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ErrUnknownScript{Key: "ghost"}, "unknown script: ghost"},
		{&ErrAlreadyActive{Key: "welcome"}, "script welcome already running or queued"},
		{&ErrParallelLimit{Limit: 4}, "parallel run limit reached (4)"},
		{&ErrCooldown{Remain: 90 * time.Second}, "cooldown active, retry in 90s"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestErrSpawnUnwraps(t *testing.T) {
	cause := errors.New("no such file")
	err := fmt.Errorf("launch: %w", &ErrSpawn{Key: "welcome", Err: cause})

	var spawn *ErrSpawn
	if !errors.As(err, &spawn) || spawn.Key != "welcome" {
		t.Fatalf("ErrSpawn not recoverable from %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
}
