package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalKindPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     SignalKind
		approval bool
		undo     bool
	}{
		{SignalApproved, true, false},
		{SignalApprovedEdited, true, false},
		{SignalRejected, false, false},
		{SignalExpired, false, false},
		{SignalUndone, false, true},
		{SignalAutoExecuted, false, false},
		{SignalAutoUndone, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			assert.True(t, tt.kind.Valid())
			assert.Equal(t, tt.approval, tt.kind.IsApproval())
			assert.Equal(t, tt.undo, tt.kind.IsUndo())
		})
	}
	assert.False(t, SignalKind("maybe").Valid())
}

func TestSignalIsCleanApproval(t *testing.T) {
	t.Parallel()

	assert.True(t, Signal{Kind: SignalApproved}.IsCleanApproval())
	assert.False(t, Signal{Kind: SignalApproved, RubberStamp: true}.IsCleanApproval())
	assert.False(t, Signal{Kind: SignalApprovedEdited}.IsCleanApproval())
	assert.False(t, Signal{Kind: SignalRejected}.IsCleanApproval())
}

func TestSignalValidate(t *testing.T) {
	t.Parallel()

	neg := -time.Second
	valid := Signal{UserID: "u1", OrgID: "o1", ActionType: "send_email", Kind: SignalApproved}

	tests := []struct {
		name    string
		mutate  func(s *Signal)
		wantErr bool
	}{
		{"valid", func(*Signal) {}, false},
		{"missing user", func(s *Signal) { s.UserID = "" }, true},
		{"missing org", func(s *Signal) { s.OrgID = "" }, true},
		{"missing action", func(s *Signal) { s.ActionType = "" }, true},
		{"unknown kind", func(s *Signal) { s.Kind = "maybe" }, true},
		{"negative response", func(s *Signal) { s.TimeToRespond = &neg }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSignal))
		})
	}
}
