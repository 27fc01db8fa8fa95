// Package tree implements the execution tree: the append-only, in-memory,
// thread-safe DAG of LLM-call, gadget, and text nodes that is the single
// source of truth for observers, cost roll-ups, and subagent composition.
package tree

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gadgetcore/runtime/gadget"
)

// Kind discriminates the three node variants.
type Kind int

const (
	KindLLMCall Kind = iota
	KindGadget
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindLLMCall:
		return "llm_call"
	case KindGadget:
		return "gadget"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

// Usage is the token accounting a completed LLM call reports.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Node is one entry in the execution tree. Completion mutates only
// Response/Result/Usage/Cost/CompletedAt (and, for gadgets, StartedAt,
// Err, Skipped and Media) —
// nodes are never removed or reparented after insertion.
type Node struct {
	ID          string
	ParentID    string // "" for the root
	Kind        Kind
	Depth       int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// LLMCall fields.
	Iteration int
	Model     string
	Request   string
	Response  string
	Usage     *Usage
	Cost      float64

	// Gadget fields.
	InvocationID string
	Name         string
	Parameters   map[string]any
	Dependencies []string
	Result       string
	Err          error
	Skipped      bool
	Media        []gadget.Media

	// Text fields.
	Content    string
	AttachedTo string
}

// GadgetOutcome is the terminal state passed to CompleteGadget.
type GadgetOutcome struct {
	Result  string
	Err     error
	Skipped bool
	Cost    float64
	Media   []gadget.Media
}

// Delta is what subscribers receive: a point-in-time copy of a node at the
// moment it was added or mutated.
type Delta struct {
	Node Node
}

// Tree is the shared, concurrency-safe execution tree. The zero value is not
// usable; build one with New.
type Tree struct {
	mu          sync.Mutex
	nodes       []*Node
	byID        map[string]*Node
	children    map[string][]string
	byInvoc     map[string]map[string]*Node // parentLLMID -> invocationId -> node
	subscribers map[int]chan Delta
	nextSub     int
}

// New builds an empty execution tree.
func New() *Tree {
	return &Tree{
		byID:        make(map[string]*Node),
		children:    make(map[string][]string),
		byInvoc:     make(map[string]map[string]*Node),
		subscribers: make(map[int]chan Delta),
	}
}

// AddLLMCall inserts a new LLM-call node. parentID is "" for the tree root,
// or the gadget node id that spawned this subagent.
func (t *Tree) AddLLMCall(parentID string, iteration int, model string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := &Node{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Kind:      KindLLMCall,
		Depth:     t.depthOfLocked(parentID),
		CreatedAt: time.Now(),
		Iteration: iteration,
		Model:     model,
	}
	t.insertLocked(n)
	return n.ID
}

// CompleteLLMCall records the model's response, usage, and cost against nodeID.
func (t *Tree) CompleteLLMCall(nodeID string, usage Usage, cost float64, responseText string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byID[nodeID]
	if !ok {
		return fmt.Errorf("tree: unknown node %q", nodeID)
	}
	now := time.Now()
	n.Response = responseText
	n.Usage = &usage
	n.Cost = cost
	n.CompletedAt = &now
	t.broadcastLocked(*n)
	return nil
}

// AddGadget inserts a new gadget node as a child of parentLLMID. invocationID
// is unique within that LLM call's children, not globally.
func (t *Tree) AddGadget(parentLLMID, invocationID, name string, params map[string]any, deps []string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := &Node{
		ID:           uuid.NewString(),
		ParentID:     parentLLMID,
		Kind:         KindGadget,
		Depth:        t.depthOfLocked(parentLLMID),
		CreatedAt:    time.Now(),
		InvocationID: invocationID,
		Name:         name,
		Parameters:   params,
		Dependencies: deps,
	}
	t.insertLocked(n)

	byInv, ok := t.byInvoc[parentLLMID]
	if !ok {
		byInv = make(map[string]*Node)
		t.byInvoc[parentLLMID] = byInv
	}
	byInv[invocationID] = n
	return n.ID
}

// StartGadget marks a gadget node as dispatched.
func (t *Tree) StartGadget(nodeID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byID[nodeID]
	if !ok {
		return fmt.Errorf("tree: unknown node %q", nodeID)
	}
	now := time.Now()
	n.StartedAt = &now
	t.broadcastLocked(*n)
	return nil
}

// CompleteGadget records the terminal outcome of a gadget execution.
func (t *Tree) CompleteGadget(nodeID string, outcome GadgetOutcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.byID[nodeID]
	if !ok {
		return fmt.Errorf("tree: unknown node %q", nodeID)
	}
	now := time.Now()
	n.Result = outcome.Result
	n.Err = outcome.Err
	n.Skipped = outcome.Skipped
	n.Cost = outcome.Cost
	n.Media = outcome.Media
	n.CompletedAt = &now
	t.broadcastLocked(*n)
	return nil
}

// AddText inserts a text node attached to parentLLMID.
func (t *Tree) AddText(parentLLMID, text string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	n := &Node{
		ID:          uuid.NewString(),
		ParentID:    parentLLMID,
		Kind:        KindText,
		Depth:       t.depthOfLocked(parentLLMID),
		CreatedAt:   now,
		CompletedAt: &now,
		Content:     text,
		AttachedTo:  parentLLMID,
	}
	t.insertLocked(n)
	return n.ID
}

// GetSubtreeCost returns node.cost + the sum of every descendant's cost, with
// no double-counting: subagent nodes are ordinary children of the gadget
// that spawned them.
func (t *Tree) GetSubtreeCost(nodeID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subtreeCostLocked(nodeID)
}

// GetSubtreeMedia collects every Media item attached to nodeID or any
// descendant, depth-first with each node's children in insertion order.
func (t *Tree) GetSubtreeMedia(nodeID string) []gadget.Media {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []gadget.Media
	t.walkLocked(nodeID, func(n *Node) {
		out = append(out, n.Media...)
	})
	return out
}

// GetNodeByInvocationID looks up a gadget node within a single LLM call's
// children — invocation ids are not unique across the whole tree.
func (t *Tree) GetNodeByInvocationID(parentLLMID, invocationID string) (Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byInv, ok := t.byInvoc[parentLLMID]
	if !ok {
		return Node{}, false
	}
	n, ok := byInv[invocationID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Snapshot returns a point-in-time copy of every node, safe to range over
// without holding the tree's lock.
func (t *Tree) Snapshot() []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Node, len(t.nodes))
	for i, n := range t.nodes {
		out[i] = *n
	}
	return out
}

// Subscribe registers an observer and returns a receive-only delta channel
// plus an unsubscribe function. Delivery is best-effort: a subscriber that
// falls behind has the oldest pending delta dropped rather than blocking
// the writer that is serializing tree appends.
func (t *Tree) Subscribe() (<-chan Delta, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	ch := make(chan Delta, 256)
	t.subscribers[id] = ch

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subscribers[id]; ok {
			delete(t.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

func (t *Tree) insertLocked(n *Node) {
	t.nodes = append(t.nodes, n)
	t.byID[n.ID] = n
	if n.ParentID != "" {
		t.children[n.ParentID] = append(t.children[n.ParentID], n.ID)
	}
	t.broadcastLocked(*n)
}

func (t *Tree) broadcastLocked(n Node) {
	d := Delta{Node: n}
	for _, ch := range t.subscribers {
		select {
		case ch <- d:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- d:
			default:
			}
		}
	}
}

func (t *Tree) depthOfLocked(parentID string) int {
	if parentID == "" {
		return 0
	}
	if parent, ok := t.byID[parentID]; ok {
		return parent.Depth + 1
	}
	return 0
}

func (t *Tree) subtreeCostLocked(id string) float64 {
	n, ok := t.byID[id]
	if !ok {
		return 0
	}
	total := n.Cost
	for _, c := range t.children[id] {
		total += t.subtreeCostLocked(c)
	}
	return total
}

func (t *Tree) walkLocked(id string, visit func(*Node)) {
	n, ok := t.byID[id]
	if !ok {
		return
	}
	visit(n)
	for _, c := range t.children[id] {
		t.walkLocked(c, visit)
	}
}
