package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThreadStateTransitions(t *testing.T) {
	tests := []struct {
		from    ThreadState
		to      ThreadState
		allowed bool
	}{
		{StateOpen, StateAwaitingReply, true},
		{StateOpen, StateClosed, true},
		{StateOpen, StateReplied, false},
		{StateAwaitingReply, StateReplied, true},
		{StateAwaitingReply, StateClosed, true},
		{StateAwaitingReply, StateOpen, false},
		{StateReplied, StateAwaitingReply, true},
		{StateReplied, StateClosed, true},
		{StateReplied, StateOpen, false},
		{StateClosed, StateOpen, false},
		{StateClosed, StateAwaitingReply, false},
		{StateClosed, StateReplied, false},
		{StateClosed, StateClosed, false},
	}

	for _, tt := range tests {
		got := tt.from.CanTransitionTo(tt.to)
		assert.Equal(t, tt.allowed, got, "%s -> %s", tt.from, tt.to)
	}
}
