// Package planner turns an executor result into the fixed task graph of a
// proving job: one Prove task per segment, a binary Join reduction, the
// optional Keccak/Union coprocessor subgraph, then Resolve, Finalize and an
// optional Snark.
package planner

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/proofflow/taskdef"
	"github.com/BaSui01/proofflow/types"
)

// Well-known task ids.
const (
	ExecutorTaskID = "init"
	ResolveTaskID  = "resolve"
	FinalizeTaskID = "finalize"
	SnarkTaskID    = "snark"
)

// ProveTaskID names the Prove task of segment i.
func ProveTaskID(i int) string { return fmt.Sprintf("prove-%d", i) }

// JoinTaskID names the k-th Join task.
func JoinTaskID(k int) string { return fmt.Sprintf("join-%d", k) }

// KeccakTaskID names the Keccak task of request i.
func KeccakTaskID(i int) string { return fmt.Sprintf("keccak-%d", i) }

// UnionTaskID names the k-th Union task.
func UnionTaskID(k int) string { return fmt.Sprintf("union-%d", k) }

// Node is one task of a plan.
type Node struct {
	ID            string           `json:"id"`
	Type          taskdef.TaskType `json:"type"`
	Prerequisites []string         `json:"prerequisites,omitempty"`
	Definition    json.RawMessage  `json:"definition"`
}

// Plan is the downstream graph of a job. The executor task itself is not
// part of it.
type Plan struct {
	Nodes    []Node `json:"nodes"`
	Terminal string `json:"terminal"`
}

// Merge is one pairwise reduction step.
type Merge struct {
	Index int
	ID    string
	Left  string
	Right string
}

// Reduce pairs leaves sequentially: (0,1), (2,3), ... and carries an odd
// tail to the next level unchanged. It yields exactly len(leaves)-1 merges
// and returns the id of the single remaining output.
func Reduce(leaves []string, name func(k int) string) ([]Merge, string) {
	if len(leaves) == 0 {
		return nil, ""
	}

	level := append([]string(nil), leaves...)
	var merges []Merge
	k := 0
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			m := Merge{Index: k, ID: name(k), Left: level[i], Right: level[i+1]}
			merges = append(merges, m)
			next = append(next, m.ID)
			k++
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return merges, level[0]
}

// Build computes the plan that follows a completed executor task.
func Build(jobID string, req taskdef.ExecutorReq, resp taskdef.ExecutorResp) (*Plan, error) {
	if req.ExecuteOnly {
		return &Plan{Terminal: ExecutorTaskID}, nil
	}
	if resp.Segments <= 0 {
		return nil, types.NewValidationError("executor produced %d segments", resp.Segments)
	}
	if resp.KeccakCount < 0 {
		return nil, types.NewValidationError("executor produced %d keccak requests", resp.KeccakCount)
	}

	b := &builder{}
	execDep := []string{ExecutorTaskID}

	proves := make([]string, resp.Segments)
	for i := range proves {
		proves[i] = ProveTaskID(i)
		b.add(proves[i], taskdef.ProveReq{Index: i}, execDep...)
	}
	joins, root := Reduce(proves, JoinTaskID)
	for _, m := range joins {
		b.add(m.ID, taskdef.JoinReq{Index: m.Index, Left: m.Left, Right: m.Right}, m.Left, m.Right)
	}

	resolvePrereqs := []string{root}
	resolve := taskdef.ResolveReq{Root: root, Assumptions: req.Assumptions}
	if resp.KeccakCount > 0 {
		keccaks := make([]string, resp.KeccakCount)
		for i := range keccaks {
			keccaks[i] = KeccakTaskID(i)
			b.add(keccaks[i], taskdef.KeccakReq{Index: i}, execDep...)
		}
		unions, unionRoot := Reduce(keccaks, UnionTaskID)
		for _, m := range unions {
			b.add(m.ID, taskdef.UnionReq{Index: m.Index, Left: m.Left, Right: m.Right}, m.Left, m.Right)
		}
		resolve.Union = unionRoot
		resolvePrereqs = append(resolvePrereqs, unionRoot)
	}

	b.add(ResolveTaskID, resolve, resolvePrereqs...)
	b.add(FinalizeTaskID, taskdef.FinalizeReq{Root: ResolveTaskID, Image: req.Image}, ResolveTaskID)
	terminal := FinalizeTaskID
	if req.WantsSnark() {
		b.add(SnarkTaskID, taskdef.SnarkReq{Receipt: jobID, CompressType: taskdef.CompressGroth16}, FinalizeTaskID)
		terminal = SnarkTaskID
	}
	if b.err != nil {
		return nil, b.err
	}
	return &Plan{Nodes: b.nodes, Terminal: terminal}, nil
}

// Single is the plan of a job made of one task, such as a standalone Snark
// wrapping job.
func Single(taskID string) *Plan {
	return &Plan{Terminal: taskID}
}

type builder struct {
	nodes []Node
	err   error
}

func (b *builder) add(id string, def taskdef.Definition, prereqs ...string) {
	if b.err != nil {
		return
	}
	raw, err := taskdef.Encode(def)
	if err != nil {
		b.err = err
		return
	}
	b.nodes = append(b.nodes, Node{
		ID:            id,
		Type:          def.Type(),
		Prerequisites: append([]string(nil), prereqs...),
		Definition:    raw,
	})
}

// Dependents returns the nodes that list taskID as a direct prerequisite.
func (p *Plan) Dependents(taskID string) []Node {
	if p == nil {
		return nil
	}
	var out []Node
	for _, n := range p.Nodes {
		for _, pre := range n.Prerequisites {
			if pre == taskID {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Node looks up a node by task id.
func (p *Plan) Node(taskID string) (Node, bool) {
	if p == nil {
		return Node{}, false
	}
	for _, n := range p.Nodes {
		if n.ID == taskID {
			return n, true
		}
	}
	return Node{}, false
}

// Count returns the number of nodes of the given type.
func (p *Plan) Count(t taskdef.TaskType) int {
	if p == nil {
		return 0
	}
	c := 0
	for _, n := range p.Nodes {
		if n.Type == t {
			c++
		}
	}
	return c
}

// Encode serializes the plan for storage on the job.
func (p *Plan) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Decode parses a stored plan. An empty input yields a nil plan.
func Decode(data []byte) (*Plan, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}
