package conversation

import (
	"strings"

	"github.com/gadgetcore/runtime/parser"
)

// RenderInvocationBlock reconstructs the live marker-protocol block for a
// completed invocation, used to seed the synthetic assistant half of the
// history pair. It replays the exact parameter body the model produced
// (inv.ParametersRaw) rather than re-deriving it from the decoded
// Parameters map, so the parameter body in history is byte-for-byte what the
// model originally wrote. The header line is rebuilt from GadgetName,
// InvocationID and Dependencies, so an id the parser assigned appears in it
// even where the model wrote none.
func RenderInvocationBlock(cfg parser.Config, inv parser.Invocation) string {
	var b strings.Builder
	b.WriteString(cfg.StartPrefix)
	b.WriteString(inv.GadgetName)
	if inv.InvocationID != "" {
		b.WriteByte(':')
		b.WriteString(inv.InvocationID)
	}
	if len(inv.Dependencies) > 0 {
		if inv.InvocationID == "" {
			b.WriteByte(':')
		}
		b.WriteByte(':')
		b.WriteString(strings.Join(inv.Dependencies, ","))
	}
	b.WriteByte('\n')
	b.WriteString(inv.ParametersRaw)
	b.WriteString(cfg.EndPrefix)
	b.WriteByte('\n')
	return b.String()
}
