package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/proofflow/taskdef"
)

func ids(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestReduce_SequentialPairingWithCarry(t *testing.T) {
	leaves := []string{"p0", "p1", "p2"}
	merges, root := Reduce(leaves, JoinTaskID)

	require.Len(t, merges, 2)
	assert.Equal(t, Merge{Index: 0, ID: "join-0", Left: "p0", Right: "p1"}, merges[0])
	assert.Equal(t, Merge{Index: 1, ID: "join-1", Left: "join-0", Right: "p2"}, merges[1])
	assert.Equal(t, "join-1", root)
}

func TestReduce_Edges(t *testing.T) {
	merges, root := Reduce(nil, JoinTaskID)
	assert.Empty(t, merges)
	assert.Empty(t, root)

	merges, root = Reduce([]string{"only"}, JoinTaskID)
	assert.Empty(t, merges)
	assert.Equal(t, "only", root)

	merges, root = Reduce([]string{"a", "b", "c", "d", "e"}, JoinTaskID)
	require.Len(t, merges, 4)
	// level 1: (a,b) (c,d) carry e; level 2: (j0,j1) carry e; level 3: (j2,e)
	assert.Equal(t, "join-2", merges[2].ID)
	assert.Equal(t, []string{"join-0", "join-1"}, []string{merges[2].Left, merges[2].Right})
	assert.Equal(t, []string{"join-2", "e"}, []string{merges[3].Left, merges[3].Right})
	assert.Equal(t, "join-3", root)
}

func TestBuild_ThreeSegments(t *testing.T) {
	plan, err := Build("job-1",
		taskdef.ExecutorReq{Image: "img", Input: "in"},
		taskdef.ExecutorResp{Segments: 3},
	)
	require.NoError(t, err)

	afterExec := plan.Dependents(ExecutorTaskID)
	assert.Equal(t, []string{"prove-0", "prove-1", "prove-2"}, ids(afterExec))
	for _, n := range afterExec {
		assert.Equal(t, []string{ExecutorTaskID}, n.Prerequisites)
	}

	assert.Equal(t, 2, plan.Count(taskdef.TypeJoin))
	assert.Equal(t, []string{"join-0"}, ids(plan.Dependents("prove-0")))
	assert.Equal(t, []string{"join-1"}, ids(plan.Dependents("prove-2")))
	assert.Equal(t, []string{ResolveTaskID}, ids(plan.Dependents("join-1")))
	assert.Equal(t, []string{FinalizeTaskID}, ids(plan.Dependents(ResolveTaskID)))
	assert.Empty(t, plan.Dependents(FinalizeTaskID))
	assert.Equal(t, FinalizeTaskID, plan.Terminal)

	node, ok := plan.Node("join-1")
	require.True(t, ok)
	def, err := taskdef.Decode(node.Definition)
	require.NoError(t, err)
	assert.Equal(t, taskdef.JoinReq{Index: 1, Left: "join-0", Right: "prove-2"}, def)

	node, ok = plan.Node(FinalizeTaskID)
	require.True(t, ok)
	def, err = taskdef.Decode(node.Definition)
	require.NoError(t, err)
	assert.Equal(t, taskdef.FinalizeReq{Root: ResolveTaskID, Image: "img"}, def)
}

func TestBuild_SingleSegmentResolvesProveDirectly(t *testing.T) {
	plan, err := Build("job", taskdef.ExecutorReq{}, taskdef.ExecutorResp{Segments: 1})
	require.NoError(t, err)

	assert.Zero(t, plan.Count(taskdef.TypeJoin))
	assert.Equal(t, []string{ResolveTaskID}, ids(plan.Dependents("prove-0")))
}

func TestBuild_KeccakAndSnark(t *testing.T) {
	plan, err := Build("job-9",
		taskdef.ExecutorReq{Compress: taskdef.CompressGroth16, Assumptions: []string{"a1"}},
		taskdef.ExecutorResp{Segments: 2, KeccakCount: 3},
	)
	require.NoError(t, err)

	assert.Equal(t, 3, plan.Count(taskdef.TypeKeccak))
	assert.Equal(t, 2, plan.Count(taskdef.TypeUnion))
	assert.Equal(t, SnarkTaskID, plan.Terminal)

	resolve, ok := plan.Node(ResolveTaskID)
	require.True(t, ok)
	assert.Equal(t, []string{"join-0", "union-1"}, resolve.Prerequisites)

	def, err := taskdef.Decode(resolve.Definition)
	require.NoError(t, err)
	assert.Equal(t, taskdef.ResolveReq{Root: "join-0", Union: "union-1", Assumptions: []string{"a1"}}, def)

	snark, ok := plan.Node(SnarkTaskID)
	require.True(t, ok)
	def, err = taskdef.Decode(snark.Definition)
	require.NoError(t, err)
	assert.Equal(t, taskdef.SnarkReq{Receipt: "job-9", CompressType: taskdef.CompressGroth16}, def)
}

func TestBuild_ExecuteOnlyAndInvalid(t *testing.T) {
	plan, err := Build("job", taskdef.ExecutorReq{ExecuteOnly: true}, taskdef.ExecutorResp{Segments: 4})
	require.NoError(t, err)
	assert.Empty(t, plan.Nodes)
	assert.Equal(t, ExecutorTaskID, plan.Terminal)

	_, err = Build("job", taskdef.ExecutorReq{}, taskdef.ExecutorResp{Segments: 0})
	assert.Error(t, err)
}

func TestPlan_EncodeDecode(t *testing.T) {
	plan, err := Build("job", taskdef.ExecutorReq{}, taskdef.ExecutorResp{Segments: 4})
	require.NoError(t, err)

	data, err := plan.Encode()
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ids(plan.Nodes), ids(got.Nodes))
	assert.Equal(t, plan.Terminal, got.Terminal)

	empty, err := Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
	assert.Nil(t, empty.Dependents("init"))
}
