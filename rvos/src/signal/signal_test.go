package signal

import (
	"testing"

	"trapctx"
)

func TestNewStateHasNoHandlingInProgress(t *testing.T) {
	s := NewState()
	if s.Handling != -1 {
		t.Fatalf("Handling = %d, want -1", s.Handling)
	}
	if s.Pending != 0 || s.Mask != 0 {
		t.Fatalf("fresh state has pending=%d mask=%d, want both 0", s.Pending, s.Mask)
	}
}

func TestPendingUnmaskedPicksLowestNumberedBit(t *testing.T) {
	s := NewState()
	s.Raise(20)
	s.Raise(5)
	s.Raise(30)
	if got := s.pendingUnmasked(); got != 5 {
		t.Fatalf("pendingUnmasked() = %d, want 5", got)
	}
}

func TestPendingUnmaskedSkipsMaskedSignals(t *testing.T) {
	s := NewState()
	s.Raise(5)
	s.Mask = 1 << 5
	if got := s.pendingUnmasked(); got != -1 {
		t.Fatalf("pendingUnmasked() = %d, want -1 (masked)", got)
	}
}

func TestHandleSignalsSigKillSetsKilledAndOutcome(t *testing.T) {
	s := NewState()
	s.Raise(SigKill)
	tc := &trapctx.TrapContext{}
	out := s.HandleSignals(tc)
	if !s.Killed {
		t.Fatal("SigKill should set Killed")
	}
	if !out.Kill {
		t.Fatal("Outcome.Kill should be set after SigKill")
	}
}

func TestHandleSignalsSigStopFreezesAndSuspends(t *testing.T) {
	s := NewState()
	s.Raise(SigStop)
	tc := &trapctx.TrapContext{}
	out := s.HandleSignals(tc)
	if !s.Frozen {
		t.Fatal("SigStop should set Frozen")
	}
	if !out.Suspend {
		t.Fatal("Outcome.Suspend should be set after SigStop")
	}
}

func TestHandleSignalsSigContUnfreezes(t *testing.T) {
	s := NewState()
	s.Frozen = true
	s.Raise(SigCont)
	tc := &trapctx.TrapContext{}
	out := s.HandleSignals(tc)
	if s.Frozen {
		t.Fatal("SigCont should clear Frozen")
	}
	if out.Kill || out.Suspend {
		t.Fatalf("unexpected outcome after SigCont: %+v", out)
	}
}

func TestHandleSignalsSigDefIsNoOp(t *testing.T) {
	s := NewState()
	s.Raise(SigDef)
	tc := &trapctx.TrapContext{}
	out := s.HandleSignals(tc)
	if out.Kill || out.Suspend || s.Killed || s.Frozen {
		t.Fatalf("SigDef should have no effect, got outcome %+v", out)
	}
}

func TestHandleSignalsWithNoHandlerLeavesTrapContextAlone(t *testing.T) {
	s := NewState()
	const userSig = 10
	s.Raise(userSig) // no Actions[userSig] installed: HandlerVa == 0
	tc := &trapctx.TrapContext{Sepc: 0x1000}
	s.HandleSignals(tc)
	if tc.Sepc != 0x1000 {
		t.Fatalf("Sepc mutated with no handler installed: got %#x", tc.Sepc)
	}
	if s.Handling != -1 {
		t.Fatalf("Handling = %d, want -1 (no delivery happened)", s.Handling)
	}
}

func TestHandleSignalsDeliversToUserHandler(t *testing.T) {
	s := NewState()
	const userSig = 10
	s.Actions[userSig] = Action{HandlerVa: 0x4000, Mask: 0xff}
	s.Mask = 0x1
	s.Raise(userSig)

	tc := &trapctx.TrapContext{Sepc: 0x1000}
	tc.X[10] = 0xdeadbeef
	s.HandleSignals(tc)

	if tc.Sepc != 0x4000 {
		t.Fatalf("Sepc = %#x, want handler VA %#x", tc.Sepc, 0x4000)
	}
	if tc.X[10] != uint64(userSig) {
		t.Fatalf("a0 = %d, want signal number %d", tc.X[10], userSig)
	}
	if s.Mask != 0xff {
		t.Fatalf("Mask = %#x, want the handler's installed mask %#x", s.Mask, 0xff)
	}
	if s.savedMask != 0x1 {
		t.Fatalf("savedMask = %#x, want the pre-delivery mask %#x", s.savedMask, 0x1)
	}
	if s.Handling != userSig {
		t.Fatalf("Handling = %d, want %d", s.Handling, userSig)
	}
	if s.TrapCtxBackup == nil || s.TrapCtxBackup.Sepc != 0x1000 {
		t.Fatal("TrapCtxBackup should preserve the pre-delivery trap context")
	}
}

func TestSigreturnRestoresTrapContextAndMask(t *testing.T) {
	s := NewState()
	const userSig = 10
	s.Actions[userSig] = Action{HandlerVa: 0x4000, Mask: 0xff}
	s.Mask = 0x1
	s.Raise(userSig)

	tc := &trapctx.TrapContext{Sepc: 0x1000}
	tc.X[10] = 0x77
	s.HandleSignals(tc)

	s.Sigreturn(tc)
	if tc.Sepc != 0x1000 {
		t.Fatalf("Sepc after Sigreturn = %#x, want restored %#x", tc.Sepc, 0x1000)
	}
	if tc.X[10] != 0x77 {
		t.Fatalf("a0 after Sigreturn = %#x, want restored %#x", tc.X[10], 0x77)
	}
	if s.Mask != 0x1 {
		t.Fatalf("Mask after Sigreturn = %#x, want pre-delivery mask %#x", s.Mask, 0x1)
	}
	if s.Handling != -1 {
		t.Fatalf("Handling after Sigreturn = %d, want -1", s.Handling)
	}
	if s.TrapCtxBackup != nil {
		t.Fatal("TrapCtxBackup should be cleared after Sigreturn")
	}
}

func TestSigreturnWithoutDeliveryPanics(t *testing.T) {
	s := NewState()
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic calling Sigreturn with no delivery in progress")
		}
	}()
	s.Sigreturn(&trapctx.TrapContext{})
}
