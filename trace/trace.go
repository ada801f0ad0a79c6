// Package trace defines the observable record of an execution: the
// sequence of (Decision, alternatives, ThreadAction) triples described in
// spec.md §4.7/§6, plus the nested transactional trace STM actions embed.
//
// Grounded on the teacher's trace package (trace/event.go, trace/state.go),
// which records one EventState per archetype step; here a Step plays the
// same role for one scheduled thread action.
package trace

import (
	"fmt"
	"strings"

	"github.com/gip/dejafu/idsrc"
)

// Decision records how the scheduler's choice at a step relates to the
// prior step's thread, per spec.md §4.7.
type Decision struct {
	Kind DecisionKind
	// Thread is populated for Start and SwitchTo.
	Thread idsrc.ThreadId
}

type DecisionKind int

const (
	Start DecisionKind = iota
	Continue
	SwitchTo
)

func (d Decision) String() string {
	switch d.Kind {
	case Start:
		return fmt.Sprintf("Start(%s)", d.Thread)
	case Continue:
		return "Continue"
	case SwitchTo:
		return fmt.Sprintf("SwitchTo(%s)", d.Thread)
	default:
		return "?Decision"
	}
}

// LookaheadKind is a cheap summary of a thread's next action, sufficient
// for bpor to decide dependence without executing it (spec.md §4.7, §GLOSSARY).
type LookaheadKind int

const (
	WillFork LookaheadKind = iota
	WillYield
	WillPutMVar
	WillTryPutMVar
	WillReadMVar
	WillTakeMVar
	WillTryTakeMVar
	WillNewMVar
	WillNewIORef
	WillReadIORef
	WillWriteIORef
	WillModIORef
	WillCasIORef
	WillCommitIORef
	WillSTM
	WillThrow
	WillThrowTo
	WillCatching
	WillPopCatching
	WillSetMasking
	WillLift
	WillSubconcurrency
	WillDontCheck
	WillStop
	WillReturn
	WillMyThreadId
	WillGetNumCapabilities
	WillSetNumCapabilities
	WillIsCurrentThreadBound
	WillThreadDelay
)

// Lookahead summarizes a thread's pending action.
type Lookahead struct {
	Kind   LookaheadKind
	MVar   idsrc.MVarId
	IORef  idsrc.IORefId
	TVars  []idsrc.TVarId
	Target idsrc.ThreadId
}

func (l Lookahead) String() string {
	switch l.Kind {
	case WillPutMVar, WillTryPutMVar, WillReadMVar, WillTakeMVar, WillTryTakeMVar:
		return fmt.Sprintf("%s(%s)", lookaheadName(l.Kind), l.MVar)
	case WillReadIORef, WillWriteIORef, WillModIORef, WillCasIORef, WillCommitIORef:
		return fmt.Sprintf("%s(%s)", lookaheadName(l.Kind), l.IORef)
	case WillThrowTo:
		return fmt.Sprintf("WillThrowTo(%s)", l.Target)
	default:
		return lookaheadName(l.Kind)
	}
}

func lookaheadName(k LookaheadKind) string {
	names := map[LookaheadKind]string{
		WillFork: "WillFork", WillYield: "WillYield", WillPutMVar: "WillPutMVar",
		WillTryPutMVar: "WillTryPutMVar", WillReadMVar: "WillReadMVar", WillTakeMVar: "WillTakeMVar",
		WillTryTakeMVar: "WillTryTakeMVar", WillNewMVar: "WillNewMVar", WillNewIORef: "WillNewIORef",
		WillReadIORef: "WillReadIORef", WillWriteIORef: "WillWriteIORef", WillModIORef: "WillModIORef",
		WillCasIORef: "WillCasIORef", WillCommitIORef: "WillCommitIORef", WillSTM: "WillSTM",
		WillThrow: "WillThrow", WillThrowTo: "WillThrowTo", WillCatching: "WillCatching",
		WillPopCatching: "WillPopCatching", WillSetMasking: "WillSetMasking", WillLift: "WillLift",
		WillSubconcurrency: "WillSubconcurrency", WillDontCheck: "WillDontCheck", WillStop: "WillStop",
		WillReturn: "WillReturn", WillMyThreadId: "WillMyThreadId",
		WillGetNumCapabilities: "WillGetNumCapabilities", WillSetNumCapabilities: "WillSetNumCapabilities",
		WillIsCurrentThreadBound: "WillIsCurrentThreadBound", WillThreadDelay: "WillThreadDelay",
	}
	if n, ok := names[k]; ok {
		return n
	}
	return "?Lookahead"
}

// TAction is one step of the nested STM trace (spec.md §4.5).
type TAction struct {
	Kind  TActionKind
	TVar  idsrc.TVarId
	Value interface{}
	Inner []TAction // not filled by stm.Run, which records catch/orElse bodies inline in the flat trace
}

type TActionKind int

const (
	TRead TActionKind = iota
	TWrite
	TNew
	TCatch
	TOrElse
	TRetry
	TThrow
	TStop
)

// Alternative is an unchosen runnable thread recorded at a step, per
// spec.md §4.7/§4.8 (the basis for BPOR backtrack points).
type Alternative struct {
	Thread    idsrc.ThreadId
	Lookahead Lookahead
}

// ActionKind enumerates every primitive step outbound interface in
// spec.md §6.
type ActionKind int

const (
	AFork ActionKind = iota
	AForkOS
	AMyThreadId
	AIsCurrentThreadBound
	AGetNumCapabilities
	ASetNumCapabilities
	AYield
	AThreadDelay
	ANewMVar
	APutMVar
	ABlockedPutMVar
	ATryPutMVar
	AReadMVar
	ABlockedReadMVar
	ATryReadMVar
	ATakeMVar
	ABlockedTakeMVar
	ATryTakeMVar
	ANewIORef
	AReadIORef
	AReadForCAS
	AWriteIORef
	AModIORef
	ACasIORef
	ACommitIORef
	ASTM
	ABlockedSTM
	AThrow
	AThrowTo
	ABlockedThrowTo
	ACatching
	APopCatching
	ASetMasking
	AResetMasking
	ALiftIO
	ASubconcurrency
	AStopSubconcurrency
	ADontCheck
	AReturn
	AStop
)

// ThreadAction is the concrete action performed at one scheduling step,
// matching the enumeration in spec.md §6.
type ThreadAction struct {
	Kind ActionKind

	Thread idsrc.ThreadId // for Fork/ForkOS: the newly created thread
	MVar   idsrc.MVarId
	IORef  idsrc.IORefId

	Woken   []idsrc.ThreadId // threads unblocked by this action, sorted ascending
	Success bool             // for TryPutMVar/TryTakeMVar/CasIORef/IsCurrentThreadBound
	N       int              // GetNumCapabilities/SetNumCapabilities/ThreadDelay

	STM []TAction // nested transactional trace, for ASTM/ABlockedSTM

	Target    idsrc.ThreadId // ThrowTo target
	Delivered bool           // whether ThrowTo was delivered immediately

	PrevMasking, NewMasking int // SetMasking/ResetMasking

	Nested *Trace // Subconcurrency/DontCheck nested trace
}

func (a ThreadAction) String() string {
	return actionName(a.Kind) + actionDetail(a)
}

func actionDetail(a ThreadAction) string {
	switch a.Kind {
	case AFork, AForkOS:
		return fmt.Sprintf(" %s", a.Thread)
	case APutMVar, ABlockedPutMVar, AReadMVar, ABlockedReadMVar, ATakeMVar, ABlockedTakeMVar, ANewMVar:
		return fmt.Sprintf(" %s woken=%v", a.MVar, a.Woken)
	case ATryPutMVar, ATryTakeMVar, ATryReadMVar:
		return fmt.Sprintf(" %s success=%v woken=%v", a.MVar, a.Success, a.Woken)
	case ANewIORef, AReadIORef, AReadForCAS, AWriteIORef, AModIORef:
		return fmt.Sprintf(" %s", a.IORef)
	case ACasIORef:
		return fmt.Sprintf(" %s success=%v", a.IORef, a.Success)
	case ACommitIORef:
		return fmt.Sprintf(" %s->%s", a.Thread, a.IORef)
	case ASTM, ABlockedSTM:
		return fmt.Sprintf(" woken=%v", a.Woken)
	case AThrowTo, ABlockedThrowTo:
		return fmt.Sprintf(" %s delivered=%v", a.Target, a.Delivered)
	default:
		return ""
	}
}

func actionName(k ActionKind) string {
	names := [...]string{
		"Fork", "ForkOS", "MyThreadId", "IsCurrentThreadBound", "GetNumCapabilities",
		"SetNumCapabilities", "Yield", "ThreadDelay", "NewMVar", "PutMVar", "BlockedPutMVar",
		"TryPutMVar", "ReadMVar", "BlockedReadMVar", "TryReadMVar", "TakeMVar", "BlockedTakeMVar",
		"TryTakeMVar", "NewIORef", "ReadIORef", "ReadForCAS", "WriteIORef", "ModIORef", "CasIORef",
		"CommitIORef", "STM", "BlockedSTM", "Throw", "ThrowTo", "BlockedThrowTo", "Catching",
		"PopCatching", "SetMasking", "ResetMasking", "LiftIO", "Subconcurrency", "StopSubconcurrency",
		"DontCheck", "Return", "Stop",
	}
	if int(k) >= 0 && int(k) < len(names) {
		return names[k]
	}
	return "?Action"
}

// Step is one entry of a Trace: the scheduler's decision, the runnable
// alternatives it passed over, and the action actually performed.
type Step struct {
	Decision     Decision
	Alternatives []Alternative
	Action       ThreadAction
}

func (s Step) String() string {
	alts := make([]string, len(s.Alternatives))
	for i, a := range s.Alternatives {
		alts[i] = fmt.Sprintf("%s:%s", a.Thread, a.Lookahead)
	}
	return fmt.Sprintf("%s [%s] %s", s.Decision, strings.Join(alts, ","), s.Action)
}

// Trace is the ordered record of one execution, per spec.md §6.
type Trace []Step

func (t Trace) String() string {
	lines := make([]string, len(t))
	for i, s := range t {
		lines[i] = s.String()
	}
	return strings.Join(lines, "\n")
}
