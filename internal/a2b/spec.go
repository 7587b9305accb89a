package a2b

import "github.com/memcachedproxy/memcachedproxy/internal/binprot"

// VerbSpec binds one ASCII verb to its binary opcode pair and shape, the
// "Spec table (immutable, built once)" from spec.md §4.5: "Each row binds
// an ASCII verb to (binary opcode, quiet opcode, ... whether noreply is
// allowed, whether it is a broadcast command)."
type VerbSpec struct {
	Opcode    binprot.Opcode
	Quiet     binprot.Opcode
	HasQuiet  bool
	Storage   bool // set-family command carrying an item body (§4.5.4)
	Broadcast bool // sent to every downstream socket (§4.5.3)
	IsGet     bool // get/gets: multiget path (§4.5.2)
}

// specTable is the immutable verb table. Built once at package init, per
// spec.md's "built once" note — never mutated after this var initializer
// runs.
var specTable = map[string]VerbSpec{
	"set":       {Opcode: binprot.OpSet, Quiet: binprot.OpSetQ, HasQuiet: true, Storage: true},
	"add":       {Opcode: binprot.OpAdd, Quiet: binprot.OpAddQ, HasQuiet: true, Storage: true},
	"replace":   {Opcode: binprot.OpReplace, Quiet: binprot.OpReplaceQ, HasQuiet: true, Storage: true},
	"append":    {Opcode: binprot.OpAppend, Quiet: binprot.OpAppendQ, HasQuiet: true, Storage: true},
	"prepend":   {Opcode: binprot.OpPrepend, Quiet: binprot.OpPrependQ, HasQuiet: true, Storage: true},
	"cas":       {Opcode: binprot.OpSet, Quiet: binprot.OpSetQ, HasQuiet: true, Storage: true}, // CAS header left unset: see spec.md §9
	"delete":    {Opcode: binprot.OpDelete, Quiet: binprot.OpDeleteQ, HasQuiet: true},
	"incr":      {Opcode: binprot.OpIncr, Quiet: binprot.OpIncrQ, HasQuiet: true},
	"decr":      {Opcode: binprot.OpDecr, Quiet: binprot.OpDecrQ, HasQuiet: true},
	"flush_all": {Opcode: binprot.OpFlush, Quiet: binprot.OpFlushQ, HasQuiet: true, Broadcast: true},
	"get":       {Opcode: binprot.OpGetK, Quiet: binprot.OpGetKQ, HasQuiet: true, IsGet: true},
	"gets":      {Opcode: binprot.OpGetK, Quiet: binprot.OpGetKQ, HasQuiet: true, IsGet: true},
	"stats":     {Opcode: binprot.OpStat, Broadcast: true},
}

// Lookup returns the VerbSpec for verb.
func Lookup(verb string) (VerbSpec, bool) {
	v, ok := specTable[verb]
	return v, ok
}

// opcodeFor picks cmd vs cmdq based on upstream noreply (spec.md §4.5.1).
func opcodeFor(spec VerbSpec, noReply bool) binprot.Opcode {
	if noReply && spec.HasQuiet {
		return spec.Quiet
	}
	return spec.Opcode
}
