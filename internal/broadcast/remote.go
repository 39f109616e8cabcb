// ABOUTME: Allow-list decoding of actions submitted by operator consoles
// ABOUTME: Only status, capacity and accepts-customers changes are admitted

package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/switchboard/internal/state"
)

// ErrNotAllowed is returned for any remote action outside the allow-list.
var ErrNotAllowed = errors.New("Remote dispatch not allowed") //nolint:staticcheck // message is part of the console protocol

// remoteActions maps each allowed action type to a decoder.
var remoteActions = map[string]func([]byte) (state.RemoteAction, error){
	state.TypeSetOperatorStatus: func(raw []byte) (state.RemoteAction, error) {
		var a state.SetOperatorStatus
		err := json.Unmarshal(raw, &a)
		return a, err
	},
	state.TypeSetOperatorCapacity: func(raw []byte) (state.RemoteAction, error) {
		var a state.SetOperatorCapacity
		err := json.Unmarshal(raw, &a)
		return a, err
	},
	state.TypeSetAcceptsCustomers: func(raw []byte) (state.RemoteAction, error) {
		var a state.SetAcceptsCustomers
		err := json.Unmarshal(raw, &a)
		return a, err
	},
}

// AllowedActions lists the action types consoles may dispatch.
func AllowedActions() []string {
	return []string{
		state.TypeSetOperatorStatus,
		state.TypeSetOperatorCapacity,
		state.TypeSetAcceptsCustomers,
	}
}

// DecodeRemote parses a console action of the form {"type": ..., ...}.
// Unknown or malformed types yield ErrNotAllowed.
func DecodeRemote(raw []byte) (state.RemoteAction, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	decode, ok := remoteActions[envelope.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotAllowed, envelope.Type)
	}
	action, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", envelope.Type, err)
	}
	return action, nil
}
