package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionIsExit(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		exit   bool
	}{
		{name: "buy is an entry", action: ActionBuy, exit: false},
		{name: "sell is an exit", action: ActionSell, exit: true},
		{name: "close is an exit", action: ActionClose, exit: true},
		{name: "modify counts as an exit", action: ActionModify, exit: true},
		{name: "unknown action is not an exit", action: Action("HOLD"), exit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.exit, tt.action.IsExit())
		})
	}
}
