//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

package selector

import "go.uber.org/atomic"

// Phase is the phantom phase carried by a Token.
type Phase uint8

// Token phases.
const (
	PhaseRegistering Phase = iota
	PhaseArmed
)

// tokenState is the one-shot "has this token been consumed" flag that lets
// a language without move semantics still catch double-use at runtime
// (spec §9: "runtime checks (token consumed?)").
type tokenState struct {
	consumed atomic.Bool
}

// Token is a move-only capability carrying a registration ID and a phantom
// phase. Go has no affine types, so Token is a small copyable value whose
// single backing tokenState is what actually enforces single-use: the
// first successful consume wins, every later one — including a copy made
// before the first consume — observes ErrTokenMisuse.
type Token struct {
	id    ID
	phase Phase
	state *tokenState
}

func newToken(id ID, phase Phase) Token {
	return Token{id: id, phase: phase, state: &tokenState{}}
}

// ID returns the registration ID the token names.
func (t Token) ID() ID { return t.id }

// Phase returns the token's current phantom phase.
func (t Token) Phase() Phase { return t.phase }

// consume marks the token used exactly once, requiring its phase to be in
// wantAny. Returns ErrTokenMisuse on double-use or wrong phase.
func (t Token) consume(wantAny ...Phase) error {
	ok := false
	for _, w := range wantAny {
		if t.phase == w {
			ok = true
			break
		}
	}
	if !ok {
		return ErrTokenMisuse
	}
	if t.state == nil || !t.state.consumed.CompareAndSwap(false, true) {
		return ErrTokenMisuse
	}
	return nil
}

// advance returns a new Armed token for the same registration, sharing no
// state with t (t remains consumed; this models "arm consumes R|A and
// yields a fresh A").
func (t Token) advance() Token {
	return newToken(t.id, PhaseArmed)
}

// Split consumes a Registering-phase token and returns two independent
// Registering-phase tokens for the same registration ID, each with its own
// backing tokenState. A facade channel calls this once, right after
// Register, to get one token for its read direction's arm cycle and one
// for its write direction's — the registration's per-interest-bit waiter
// slots (see registry.go) already let read and write wait independently,
// but a single Token can only be in flight through one arm cycle at a
// time, so two directions arming concurrently need two tokens. Neither
// half remembers the other; both still satisfy Deregister, which accepts
// either phase.
func (t Token) Split() (Token, Token, error) {
	if err := t.consume(PhaseRegistering); err != nil {
		return Token{}, Token{}, err
	}
	return newToken(t.id, PhaseRegistering), newToken(t.id, PhaseRegistering), nil
}
