package protocolhandlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/queue"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/registry"
	"github.com/tarsy-ai/tarsy-ai/pkg/balancer"
	"github.com/tarsy-ai/tarsy-ai/pkg/wire"
)

// fakeApplier is a scriptable CommandApplier stand-in so handler tests don't
// need a live scheduler's tick loop.
type fakeApplier struct {
	success bool
	errKind string
	control bool
	calls   []string
}

func (f *fakeApplier) ApplyCommand(agentID string, act action.Action) (bool, string) {
	f.calls = append(f.calls, agentID+":"+string(act.Kind))
	return f.success, f.errKind
}

func (f *fakeApplier) SystemControl(directive string) bool {
	f.calls = append(f.calls, "control:"+directive)
	return f.control
}

func newTestHandlers(t *testing.T) (*Handlers, *registry.Registry, *queue.Queue, *fakeApplier) {
	t.Helper()
	bal := balancer.New(balancer.Config{Shards: []balancer.ShardConfig{{ID: 1, Capacity: 100, Enabled: true}}})
	reg := registry.New(bal)
	q := queue.New(queue.DefaultCapacity)
	t.Cleanup(q.Close)
	applier := &fakeApplier{success: true, control: true}
	return New(reg, q, applier), reg, q, applier
}

func spawnRequest(id string, count int) wire.Message {
	data, err := wire.NewData(SpawnAIRequest{
		DisplayName: "Bot1",
		Academy:     int(agentmodel.AcademyShengMen),
		Department:  int(agentmodel.DepartmentSword),
		Count:       count,
		MaxHP:       100,
		MaxMP:       50,
	})
	if err != nil {
		panic(err)
	}
	return wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdSpawnAI, RequestID: id, Timestamp: time.Now().Unix(), Data: data}
}

func TestSpawnAICreatesAgentSynchronously(t *testing.T) {
	h, reg, _, _ := newTestHandlers(t)

	resp := h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-1", 1))
	require.Equal(t, wire.StatusOK, resp.Status)

	var out SpawnAIResponse
	require.NoError(t, resp.DecodeData(&out))
	require.Equal(t, 1, out.Count)
	require.Len(t, out.AIList, 1)
	require.Equal(t, 1, out.AIList[0].ShardID)

	snap, err := reg.Get(out.AIList[0].ID)
	require.NoError(t, err)
	require.Equal(t, "Bot1", snap.DisplayName)
}

// TestSpawnAICreatesCountAgents exercises S1: spawn_ai with count:3 must
// create three agents and return them all in ai_list.
func TestSpawnAICreatesCountAgents(t *testing.T) {
	h, reg, _, _ := newTestHandlers(t)

	resp := h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-1", 3))
	require.Equal(t, wire.StatusOK, resp.Status)

	var out SpawnAIResponse
	require.NoError(t, resp.DecodeData(&out))
	require.Equal(t, 3, out.Count)
	require.Len(t, out.AIList, 3)
	require.Equal(t, 3, reg.Count())

	seen := make(map[string]bool)
	for _, ai := range out.AIList {
		require.False(t, seen[ai.ID])
		seen[ai.ID] = true
		require.Equal(t, int(agentmodel.AcademyShengMen), ai.Academy)
		require.Equal(t, int(agentmodel.DepartmentSword), ai.Department)
	}
}

func TestSpawnAIRejectsUnknownAcademy(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)
	data, _ := wire.NewData(SpawnAIRequest{DisplayName: "Bot1", Academy: 99, Department: int(agentmodel.DepartmentSword)})
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdSpawnAI, RequestID: "r1", Data: data}

	resp := h.SpawnAI(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusError, resp.Status)
	require.NotEmpty(t, resp.Error)
}

// TestAICommandAttackSucceeds matches S2: a well-formed attack resolves
// synchronously and reports success.
func TestAICommandAttackSucceeds(t *testing.T) {
	h, reg, _, applier := newTestHandlers(t)
	spawnResp := h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-1", 1))
	var spawned SpawnAIResponse
	require.NoError(t, spawnResp.DecodeData(&spawned))
	attackerID := spawned.AIList[0].ID

	data, err := wire.NewData(AICommandRequest{AIID: attackerID, Action: action.KindAttack, Params: action.Params{TargetID: "target-1"}})
	require.NoError(t, err)
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdAICommand, RequestID: "r2", Data: data}

	resp := h.AICommand(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)

	var out AICommandResponse
	require.NoError(t, resp.DecodeData(&out))
	require.True(t, out.Success)
	require.Equal(t, attackerID, out.AIID)
	require.Equal(t, action.KindAttack, out.Action)
	require.Contains(t, applier.calls, attackerID+":attack")
	_ = reg
}

// TestAICommandReportsDomainFailure matches S3: a rejected action surfaces
// the domain error kind verbatim, with no appended detail.
func TestAICommandReportsDomainFailure(t *testing.T) {
	h, _, _, applier := newTestHandlers(t)
	applier.success = false
	applier.errKind = "invariant_violation"

	spawnResp := h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-1", 1))
	var spawned SpawnAIResponse
	require.NoError(t, spawnResp.DecodeData(&spawned))

	data, err := wire.NewData(AICommandRequest{AIID: spawned.AIList[0].ID, Action: action.KindUseSkill, Params: action.Params{SkillID: "x"}})
	require.NoError(t, err)
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdAICommand, RequestID: "r2", Data: data}

	resp := h.AICommand(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusError, resp.Status)
	require.Equal(t, "invariant_violation", resp.Error)
}

func TestAICommandRejectsMissingAgentID(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)
	data, _ := wire.NewData(AICommandRequest{Action: "move"})
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdAICommand, RequestID: "r1", Data: data}

	resp := h.AICommand(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusError, resp.Status)
}

func TestAssignTeamEnqueuesUpdateCommand(t *testing.T) {
	h, _, q, _ := newTestHandlers(t)
	spawnResp := h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-1", 1))
	var spawned SpawnAIResponse
	require.NoError(t, spawnResp.DecodeData(&spawned))

	data, _ := wire.NewData(AssignTeamRequest{AgentID: spawned.AIList[0].ID, TeamID: 7})
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdAssignTeam, RequestID: "r2", Data: data}

	resp := h.AssignTeam(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)
	require.Equal(t, 1, q.Len())
}

func TestGetStatusReturnsSpawnedAgent(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)
	spawnResp := h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-1", 1))
	var spawned SpawnAIResponse
	require.NoError(t, spawnResp.DecodeData(&spawned))

	data, _ := wire.NewData(GetStatusRequest{AgentID: spawned.AIList[0].ID})
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdGetStatus, RequestID: "r2", Data: data}

	resp := h.GetStatus(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)

	var out GetStatusResponse
	require.NoError(t, resp.DecodeData(&out))
	require.Len(t, out.AIStatus, 1)
	require.Equal(t, spawned.AIList[0].ID, out.AIStatus[0].ID)
}

func TestGetStatusListsAllAgentsWhenNoAgentIDGiven(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)
	h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-1", 1))
	h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-2", 1))

	data, _ := wire.NewData(GetStatusRequest{})
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdGetStatus, RequestID: "r3", Data: data}

	resp := h.GetStatus(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)

	var out GetStatusResponse
	require.NoError(t, resp.DecodeData(&out))
	require.Len(t, out.AIStatus, 2)
}

func TestDeleteAIEnqueuesDeleteCommand(t *testing.T) {
	h, _, q, _ := newTestHandlers(t)
	spawnResp := h.SpawnAI(context.Background(), "sess-1", spawnRequest("req-1", 1))
	var spawned SpawnAIResponse
	require.NoError(t, spawnResp.DecodeData(&spawned))

	data, _ := wire.NewData(DeleteAIRequest{AgentID: spawned.AIList[0].ID})
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdDeleteAI, RequestID: "r2", Data: data}

	resp := h.DeleteAI(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)
	require.Equal(t, 1, q.Len())
}

// TestBatchOperationFansOutSubOperations exercises the generic
// {operations}->{results} shape, dispatching heterogeneous sub-commands.
func TestBatchOperationFansOutSubOperations(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)
	var ids []string
	for i := 0; i < 2; i++ {
		resp := h.SpawnAI(context.Background(), "sess-1", spawnRequest("req", 1))
		var out SpawnAIResponse
		require.NoError(t, resp.DecodeData(&out))
		ids = append(ids, out.AIList[0].ID)
	}

	deleteData, _ := wire.NewData(DeleteAIRequest{AgentID: ids[0]})
	assignData, _ := wire.NewData(AssignTeamRequest{AgentID: ids[1], TeamID: 3})
	req := wire.Message{
		Kind: wire.KindRequest, Cmd: wire.CmdBatchOperation, RequestID: "r3",
		Data: mustData(t, BatchOperationRequest{Operations: []wire.Message{
			{Kind: wire.KindRequest, Cmd: wire.CmdDeleteAI, RequestID: "sub-1", Data: deleteData},
			{Kind: wire.KindRequest, Cmd: wire.CmdAssignTeam, RequestID: "sub-2", Data: assignData},
		}}),
	}

	resp := h.BatchOperation(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)

	var out BatchOperationResponse
	require.NoError(t, resp.DecodeData(&out))
	require.Len(t, out.Results, 2)
	require.Equal(t, wire.StatusOK, out.Results[0].Status)
	require.Equal(t, wire.StatusOK, out.Results[1].Status)
}

func mustData(t *testing.T, v any) []byte {
	t.Helper()
	data, err := wire.NewData(v)
	require.NoError(t, err)
	return data
}

func TestSystemControlAppliesDirectiveSynchronously(t *testing.T) {
	h, _, _, applier := newTestHandlers(t)
	data, _ := wire.NewData(SystemControlRequest{Action: "pause_all"})
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdSystemControl, RequestID: "r1", Data: data}

	resp := h.SystemControl(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)

	var out SystemControlResponse
	require.NoError(t, resp.DecodeData(&out))
	require.True(t, out.Success)
	require.Contains(t, applier.calls, "control:pause_all")
}

func TestSystemControlReportsFailure(t *testing.T) {
	h, _, _, applier := newTestHandlers(t)
	applier.control = false
	data, _ := wire.NewData(SystemControlRequest{Action: "bogus"})
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdSystemControl, RequestID: "r1", Data: data}

	resp := h.SystemControl(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)

	var out SystemControlResponse
	require.NoError(t, resp.DecodeData(&out))
	require.False(t, out.Success)
}

func TestHeartbeatRespondsOK(t *testing.T) {
	h, _, _, _ := newTestHandlers(t)
	req := wire.Message{Kind: wire.KindRequest, Cmd: wire.CmdHeartbeat, RequestID: "r1"}
	resp := h.Heartbeat(context.Background(), "sess-1", req)
	require.Equal(t, wire.StatusOK, resp.Status)
}
