package conc

import (
	"github.com/gip/dejafu/cellstore"
	"github.com/gip/dejafu/idsrc"
	"github.com/gip/dejafu/threadtbl"
	"github.com/gip/dejafu/wbuffer"
)

// Context is the execution context of spec.md §3: everything needed to
// take the next step of any runnable thread, threaded purely-functionally
// so that taking a step never mutates state another branch of the search
// still holds a reference to.
type Context struct {
	IdSrc   idsrc.Source
	Threads threadtbl.Table
	MVars   cellstore.MVarStore
	IORefs  cellstore.IORefStore
	TVars   cellstore.TVarStore
	WBuf    wbuffer.Buffer

	Capabilities int

	// InitialThread and StepsTaken together let the stepper enforce
	// dontCheck's "only as the very first action of the program"
	// restriction (spec.md §4.6): legal only when tid == InitialThread and
	// StepsTaken == 0.
	InitialThread idsrc.ThreadId
	StepsTaken    int
}

// NewContext returns the initial context for a fresh execution under the
// given memory model and capability count (spec.md §3, §6).
func NewContext(mt wbuffer.MemType, capabilities int) Context {
	return Context{
		IdSrc:        idsrc.New(),
		Threads:      threadtbl.New(),
		MVars:        cellstore.NewMVarStore(),
		IORefs:       cellstore.NewIORefStore(),
		TVars:        cellstore.NewTVarStore(),
		WBuf:         wbuffer.New(mt),
		Capabilities: capabilities,
	}
}
