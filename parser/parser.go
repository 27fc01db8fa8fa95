// Package parser implements the incremental streaming state machine that
// recovers gadget invocations from a token stream while emitting interleaved
// prose. The parser is recreated once per LLM response (see Config and New)
// and tolerates markers split across arbitrarily small chunk boundaries.
package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// Config carries the three configurable marker prefixes plus a Strict flag.
// A dangling, never-closed invocation at end of stream is always captured
// with a parseError instead of discarded, so the model sees that its last
// invocation didn't parse; Close does not consult Strict.
type Config struct {
	StartPrefix string
	EndPrefix   string
	ArgPrefix   string
	Strict      bool
}

// DefaultConfig returns the wire-exact default marker prefixes.
func DefaultConfig() Config {
	return Config{
		StartPrefix: "!!!GADGET_START:",
		EndPrefix:   "!!!GADGET_END:",
		ArgPrefix:   "!!!ARG:",
	}
}

// Invocation is the parsed gadget call (ParsedGadgetCall in the design).
type Invocation struct {
	GadgetName       string
	InvocationID     string
	Dependencies     []string
	ParametersRaw    string
	Parameters       map[string]any
	ParseError       error
	ParentResponseID string
}

type mode int

const (
	modeProse mode = iota
	modeAwaitingHeader
	modeInBody
	modeInArg
)

// Parser is the per-response state machine. Zero value is not usable; build
// one with New.
type Parser struct {
	cfg         Config
	responseID  string
	onProse     func(string)
	mode        mode
	pending     string
	nextID      int
	invocations []Invocation
	cur         *pendingInvocation
	prose       strings.Builder
}

type pendingInvocation struct {
	name          string
	id            string
	deps          []string
	rawBody       strings.Builder
	params        map[string]any
	parseError    error
	argOpen       bool
	curPath       string
	curValueLines []string
}

func (pi *pendingInvocation) flushArg() {
	if !pi.argOpen {
		return
	}
	value := stripFence(strings.Join(pi.curValueLines, "\n"))
	setPointer(pi.params, pi.curPath, value)
	pi.argOpen = false
	pi.curPath = ""
	pi.curValueLines = nil
}

// New creates a parser for one LLM response. onProse is invoked
// incrementally as prose is recovered from the stream; it may be nil.
func New(cfg Config, responseID string, onProse func(string)) *Parser {
	if cfg.StartPrefix == "" {
		cfg = DefaultConfig()
	}
	return &Parser{cfg: cfg, responseID: responseID, onProse: onProse}
}

// Feed processes one chunk of arbitrary, unaligned length.
func (p *Parser) Feed(chunk string) {
	p.pending += chunk
	p.drain()
}

func (p *Parser) drain() {
	for {
		var progressed bool
		switch p.mode {
		case modeProse:
			progressed = p.stepProse()
		case modeAwaitingHeader:
			progressed = p.stepHeader()
		case modeInBody, modeInArg:
			progressed = p.stepBodyLine()
		}
		if !progressed {
			return
		}
	}
}

func (p *Parser) stepProse() bool {
	idx := strings.Index(p.pending, p.cfg.StartPrefix)
	if idx >= 0 {
		if idx > 0 {
			p.emitProse(p.pending[:idx])
		}
		p.pending = p.pending[idx+len(p.cfg.StartPrefix):]
		p.mode = modeAwaitingHeader
		p.cur = &pendingInvocation{params: map[string]any{}}
		return true
	}

	hold := overlapSuffixPrefix(p.pending, p.cfg.StartPrefix)
	safe := len(p.pending) - hold
	if safe > 0 {
		p.emitProse(p.pending[:safe])
		p.pending = p.pending[safe:]
	}
	return false
}

func (p *Parser) stepHeader() bool {
	idx := strings.IndexByte(p.pending, '\n')
	if idx < 0 {
		return false
	}
	header := p.pending[:idx]
	p.pending = p.pending[idx+1:]
	p.parseHeader(header)
	p.mode = modeInBody
	return true
}

func (p *Parser) stepBodyLine() bool {
	idx := strings.IndexByte(p.pending, '\n')
	if idx < 0 {
		return false
	}
	line := p.pending[:idx]
	p.pending = p.pending[idx+1:]
	p.dispatchBodyLine(line)
	return true
}

func (p *Parser) dispatchBodyLine(line string) {
	p.cur.rawBody.WriteString(line)
	p.cur.rawBody.WriteString("\n")

	switch {
	case strings.HasPrefix(line, p.cfg.ArgPrefix):
		p.cur.flushArg()
		p.cur.curPath = line[len(p.cfg.ArgPrefix):]
		p.cur.argOpen = true
		p.cur.curValueLines = nil
		p.mode = modeInArg
	case line == p.cfg.EndPrefix:
		p.cur.flushArg()
		p.finalizeInvocation()
		p.mode = modeProse
	default:
		if p.mode == modeInArg {
			p.cur.curValueLines = append(p.cur.curValueLines, line)
		}
		// stray line inside the body before any ARG: tolerated, ignored.
	}
}

func (p *Parser) parseHeader(header string) {
	parts := strings.SplitN(header, ":", 3)
	name := strings.TrimSpace(parts[0])

	if name == "" {
		p.cur.parseError = fmt.Errorf("malformed gadget header: %q", header)
	}
	p.cur.name = name

	if len(parts) >= 2 && parts[1] != "" {
		p.cur.id = parts[1]
	} else {
		p.nextID++
		p.cur.id = fmt.Sprintf("gc_%d", p.nextID)
	}

	if len(parts) == 3 && parts[2] != "" {
		for _, d := range strings.Split(parts[2], ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				p.cur.deps = append(p.cur.deps, d)
			}
		}
	}
}

func (p *Parser) finalizeInvocation() {
	inv := Invocation{
		GadgetName:       p.cur.name,
		InvocationID:     p.cur.id,
		Dependencies:     p.cur.deps,
		ParametersRaw:    p.cur.rawBody.String(),
		ParentResponseID: p.responseID,
	}
	if p.cur.parseError != nil {
		inv.ParseError = p.cur.parseError
	} else {
		inv.Parameters = p.cur.params
	}
	p.invocations = append(p.invocations, inv)
	p.cur = nil
}

func (p *Parser) emitProse(s string) {
	if s == "" {
		return
	}
	p.prose.WriteString(s)
	if p.onProse != nil {
		p.onProse(s)
	}
}

// Close finalizes the stream. Any invocation left open at EOF is captured
// with a parseError rather than silently discarded; any trailing buffered
// text is flushed as prose. Close returns every invocation recovered over
// the lifetime of the parser, in textual order.
func (p *Parser) Close() []Invocation {
	if p.mode == modeProse {
		if p.pending != "" {
			p.emitProse(p.pending)
			p.pending = ""
		}
		return p.invocations
	}

	if p.cur != nil {
		p.cur.flushArg()
		inv := Invocation{
			GadgetName:       p.cur.name,
			InvocationID:     p.cur.id,
			Dependencies:     p.cur.deps,
			ParametersRaw:    p.cur.rawBody.String() + p.pending,
			ParseError:       fmt.Errorf("unterminated invocation at end of stream"),
			ParentResponseID: p.responseID,
		}
		p.invocations = append(p.invocations, inv)
		p.cur = nil
	}
	p.pending = ""
	p.mode = modeProse
	return p.invocations
}

// Prose returns all prose text emitted over the parser's lifetime.
func (p *Parser) Prose() string { return p.prose.String() }

// overlapSuffixPrefix returns the length of the longest suffix of s that is
// also a prefix of marker — the longest possible marker-in-progress a
// trailing chunk boundary could be hiding.
func overlapSuffixPrefix(s, marker string) int {
	max := len(s)
	if len(marker) < max {
		max = len(marker)
	}
	for l := max; l >= 1; l-- {
		if strings.HasSuffix(s, marker[:l]) {
			return l
		}
	}
	return 0
}

func stripFence(value string) string {
	lines := strings.Split(value, "\n")
	if len(lines) >= 2 &&
		strings.HasPrefix(strings.TrimSpace(lines[0]), "```") &&
		strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return strings.Join(lines[1:len(lines)-1], "\n")
	}
	return value
}

func asIndex(seg string) (int, bool) {
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// setPointer assigns value at a forward-slash JSON-pointer path within
// params, creating nested maps/slices as needed. A second call with the same
// path replaces the first.
func setPointer(params map[string]any, path string, value any) {
	path = strings.Trim(path, "/")
	if path == "" {
		return
	}
	segs := strings.Split(path, "/")
	first := segs[0]
	var cur any = params[first]
	setAtPath(&cur, segs[1:], value)
	params[first] = cur
}

func setAtPath(cur *any, segs []string, value any) {
	if len(segs) == 0 {
		*cur = value
		return
	}
	seg := segs[0]
	rest := segs[1:]

	if idx, ok := asIndex(seg); ok {
		arr, _ := (*cur).([]any)
		for len(arr) <= idx {
			arr = append(arr, nil)
		}
		child := arr[idx]
		setAtPath(&child, rest, value)
		arr[idx] = child
		*cur = arr
		return
	}

	obj, _ := (*cur).(map[string]any)
	if obj == nil {
		obj = map[string]any{}
	}
	child := obj[seg]
	setAtPath(&child, rest, value)
	obj[seg] = child
	*cur = obj
}
