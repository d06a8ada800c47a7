// Package protocolhandlers implements the wire protocol's command table
// (spec.md §4.G/§4.H: spawn_ai, ai_command, assign_team, get_status,
// delete_ai, batch_operation, system_control, heartbeat), translating each
// wire.Message into the corresponding registry/queue/scheduler call and back
// into a response Message whose data shape matches spec.md §4.G exactly.
//
// This lives in its own package, not pkg/wire/server, because the protocol
// server is intentionally ignorant of agentmodel/registry/scheduler (see
// pkg/wire/server's own design note). cmd/tarsy-ai registers every handler
// built here onto the server with Server.Handle at wiring time, the same
// separation the teacher keeps between its transport layer (pkg/events) and
// its business logic (pkg/services).
package protocolhandlers

import (
	"context"
	"fmt"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/action"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/queue"
	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/registry"
	"github.com/tarsy-ai/tarsy-ai/pkg/wire"
	wireserver "github.com/tarsy-ai/tarsy-ai/pkg/wire/server"
)

// CommandApplier resolves an ai_command action and a system_control
// directive synchronously. Implemented by *scheduler.Scheduler; this
// interface exists so protocolhandlers never imports scheduler's worker-pool
// machinery, only the two operations it needs a synchronous answer from.
type CommandApplier interface {
	ApplyCommand(agentID string, act action.Action) (success bool, errKind string)
	SystemControl(directive string) bool
}

// Handlers wires the protocol server's command table to the AI core.
type Handlers struct {
	registry *registry.Registry
	queue    *queue.Queue
	applier  CommandApplier
}

// New builds the handler set over reg, q, and applier.
func New(reg *registry.Registry, q *queue.Queue, applier CommandApplier) *Handlers {
	return &Handlers{registry: reg, queue: q, applier: applier}
}

// Register installs every command handler onto server's command table.
func (h *Handlers) Register(server *wireserver.Server) {
	server.Handle(wire.CmdSpawnAI, h.SpawnAI)
	server.Handle(wire.CmdAICommand, h.AICommand)
	server.Handle(wire.CmdAssignTeam, h.AssignTeam)
	server.Handle(wire.CmdGetStatus, h.GetStatus)
	server.Handle(wire.CmdDeleteAI, h.DeleteAI)
	server.Handle(wire.CmdBatchOperation, h.BatchOperation)
	server.Handle(wire.CmdSystemControl, h.SystemControl)
	server.Handle(wire.CmdHeartbeat, h.Heartbeat)
}

// operationTable returns the cmd -> Handler mapping batch_operation dispatches
// each of its sub-operations through. batch_operation itself is excluded to
// avoid unbounded recursion.
func (h *Handlers) operationTable() map[string]wireserver.Handler {
	return map[string]wireserver.Handler{
		wire.CmdSpawnAI:       h.SpawnAI,
		wire.CmdAICommand:     h.AICommand,
		wire.CmdAssignTeam:    h.AssignTeam,
		wire.CmdGetStatus:     h.GetStatus,
		wire.CmdDeleteAI:      h.DeleteAI,
		wire.CmdSystemControl: h.SystemControl,
		wire.CmdHeartbeat:     h.Heartbeat,
	}
}

func errorResponse(req wire.Message, kind string, err error) wire.Message {
	return wire.Message{
		Kind:      wire.KindResponse,
		Cmd:       req.Cmd,
		RequestID: req.RequestID,
		Status:    wire.StatusError,
		Error:     fmt.Sprintf("%s: %v", kind, err),
	}
}

// domainErrorResponse reports kind verbatim as the error field, with no
// appended detail, matching spec.md's literal scenario expectations (e.g.
// S3's error:"invariant_violation").
func domainErrorResponse(req wire.Message, kind string) wire.Message {
	return wire.Message{
		Kind:      wire.KindResponse,
		Cmd:       req.Cmd,
		RequestID: req.RequestID,
		Status:    wire.StatusError,
		Error:     kind,
	}
}

func okResponse(req wire.Message, payload any) wire.Message {
	data, err := wire.NewData(payload)
	if err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}
	return wire.Message{
		Kind:      wire.KindResponse,
		Cmd:       req.Cmd,
		RequestID: req.RequestID,
		Status:    wire.StatusOK,
		Data:      data,
	}
}

// SpawnAIRequest is spawn_ai's request payload (spec.md §4.G).
type SpawnAIRequest struct {
	Academy     int                 `json:"academy"`
	Department  int                 `json:"department"`
	TeamID      int                 `json:"team_id"`
	Count       int                 `json:"count"`
	DisplayName string              `json:"display_name,omitempty"`
	Pos         agentmodel.Position `json:"pos,omitempty"`
	Traits      agentmodel.Traits   `json:"traits,omitempty"`
	MaxHP       int                 `json:"max_hp,omitempty"`
	MaxMP       int                 `json:"max_mp,omitempty"`
}

// SpawnedAI is one entry of spawn_ai's ai_list response field.
type SpawnedAI struct {
	ID         string `json:"id"`
	ShardID    int    `json:"shard_id"`
	Academy    int    `json:"academy"`
	Department int    `json:"department"`
}

// SpawnAIResponse is spawn_ai's response payload (spec.md S1).
type SpawnAIResponse struct {
	Count  int         `json:"count"`
	AIList []SpawnedAI `json:"ai_list"`
}

// SpawnAI applies registry.Create synchronously, count times. Per the
// scheduler's own dispatchCommand comment, a create reaching the queue is
// only for out-of-band observability: the protocol server's handler is the
// real synchronous path.
func (h *Handlers) SpawnAI(_ context.Context, _ string, req wire.Message) wire.Message {
	var in SpawnAIRequest
	if err := req.DecodeData(&in); err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}

	academy := agentmodel.Academy(in.Academy)
	if !academy.Valid() {
		return errorResponse(req, wire.ErrMalformedPayload, fmt.Errorf("unknown academy %d", in.Academy))
	}
	department := agentmodel.Department(in.Department)
	if !department.Valid() {
		return errorResponse(req, wire.ErrMalformedPayload, fmt.Errorf("unknown department %d", in.Department))
	}
	count := in.Count
	if count <= 0 {
		count = 1
	}
	maxHP, maxMP := in.MaxHP, in.MaxMP
	if maxHP <= 0 {
		maxHP = 100
	}
	if maxMP <= 0 {
		maxMP = 100
	}

	list := make([]SpawnedAI, 0, count)
	for i := 0; i < count; i++ {
		id, err := h.registry.Create(agentmodel.Agent{
			DisplayName: in.DisplayName,
			Academy:     academy,
			Department:  department,
			TeamID:      in.TeamID,
			HP:          maxHP,
			MaxHP:       maxHP,
			MP:          maxMP,
			MaxMP:       maxMP,
			Pos:         in.Pos,
			Traits:      in.Traits,
			State:       agentmodel.StateIdle,
		})
		if err != nil {
			if len(list) == 0 {
				return errorResponse(req, wire.ErrMalformedPayload, err)
			}
			break // return what was created so far rather than failing the whole batch
		}
		snap, err := h.registry.Get(id)
		if err != nil {
			break
		}
		list = append(list, SpawnedAI{ID: id, ShardID: snap.ShardID, Academy: in.Academy, Department: in.Department})
	}
	return okResponse(req, SpawnAIResponse{Count: len(list), AIList: list})
}

// AICommandRequest is ai_command's request payload (spec.md §4.G).
type AICommandRequest struct {
	AIID   string        `json:"ai_id"`
	Action action.Kind   `json:"action"`
	Params action.Params `json:"params"`
}

// AICommandResponse is ai_command's response payload (spec.md §4.G, S2/S3).
type AICommandResponse struct {
	AIID    string      `json:"ai_id"`
	Action  action.Kind `json:"action"`
	Success bool        `json:"success"`
}

// AICommand resolves act against the target agent synchronously via the
// scheduler's ApplyCommand, so success/failure (e.g. S3's insufficient-mp
// rejection) is known before this handler returns.
func (h *Handlers) AICommand(_ context.Context, _ string, req wire.Message) wire.Message {
	var in AICommandRequest
	if err := req.DecodeData(&in); err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}
	if in.AIID == "" {
		return errorResponse(req, wire.ErrMalformedPayload, fmt.Errorf("ai_id is required"))
	}

	act := action.Action{Kind: in.Action, Params: in.Params, Confidence: 1, Priority: int(queue.PriorityNormal), Valid: true}
	if err := act.Validate(); err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}

	success, errKind := h.applier.ApplyCommand(in.AIID, act)
	if !success {
		return domainErrorResponse(req, errKind)
	}
	return okResponse(req, AICommandResponse{AIID: in.AIID, Action: in.Action, Success: true})
}

// AssignTeamRequest is assign_team's request payload.
type AssignTeamRequest struct {
	AgentID string `json:"agent_id"`
	TeamID  int    `json:"team_id"`
}

// AssignTeam queues a registry update mutating TeamID; registry.Update moves
// the agent out of its previous team's roster, keeping membership exclusive (I4).
func (h *Handlers) AssignTeam(_ context.Context, _ string, req wire.Message) wire.Message {
	var in AssignTeamRequest
	if err := req.DecodeData(&in); err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}
	if in.AgentID == "" {
		return errorResponse(req, wire.ErrMalformedPayload, fmt.Errorf("agent_id is required"))
	}

	teamID := in.TeamID
	mutator := func(a *agentmodel.Agent) error {
		a.TeamID = teamID
		return nil
	}
	err := h.queue.Enqueue(queue.Command{
		Type:     queue.CommandUpdate,
		TargetID: in.AgentID,
		Payload:  mutator,
		Priority: queue.PriorityNormal,
	})
	if err != nil {
		return errorResponse(req, "queue_full", err)
	}
	return okResponse(req, nil)
}

// GetStatusRequest is get_status's request payload. AgentID alone returns
// one agent; an empty AgentID returns every agent on ShardID (0 means all
// shards).
type GetStatusRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	ShardID int     `json:"shard_id,omitempty"`
}

// AgentStatus is the status payload returned for one agent.
type AgentStatus struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"display_name"`
	Academy     string             `json:"academy"`
	Department  string             `json:"department"`
	TeamID      int                `json:"team_id"`
	ShardID     int                `json:"shard_id"`
	HP          int                `json:"hp"`
	MaxHP       int                `json:"max_hp"`
	MP          int                `json:"mp"`
	MaxMP       int                `json:"max_mp"`
	Level       int                `json:"level"`
	State       string             `json:"state"`
	Pos         agentmodel.Position `json:"pos"`
}

func statusFromSnapshot(s agentmodel.Snapshot) AgentStatus {
	return AgentStatus{
		ID: s.ID, DisplayName: s.DisplayName, Academy: s.Academy.String(), Department: s.Department.String(),
		TeamID: s.TeamID, ShardID: s.ShardID, HP: s.HP, MaxHP: s.MaxHP, MP: s.MP, MaxMP: s.MaxMP,
		Level: s.Level, State: s.State.String(), Pos: s.Pos,
	}
}

// GetStatusResponse is get_status's response payload (spec.md §4.G).
type GetStatusResponse struct {
	AIStatus []AgentStatus `json:"ai_status"`
}

// GetStatus answers synchronously from the registry: reads never need
// scheduler involvement.
func (h *Handlers) GetStatus(_ context.Context, _ string, req wire.Message) wire.Message {
	var in GetStatusRequest
	if err := req.DecodeData(&in); err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}

	if in.AgentID != "" {
		snap, err := h.registry.Get(in.AgentID)
		if err != nil {
			return errorResponse(req, wire.ErrMalformedPayload, err)
		}
		return okResponse(req, GetStatusResponse{AIStatus: []AgentStatus{statusFromSnapshot(snap)}})
	}

	filter := registry.Filter{ShardID: in.ShardID}
	snaps := h.registry.List(filter)
	agents := make([]AgentStatus, len(snaps))
	for i, s := range snaps {
		agents[i] = statusFromSnapshot(s)
	}
	return okResponse(req, GetStatusResponse{AIStatus: agents})
}

// DeleteAIRequest is delete_ai's request payload.
type DeleteAIRequest struct {
	AgentID string `json:"agent_id"`
}

// DeleteAI queues a delete command; the scheduler's dispatchCommand handles
// registry.Delete, balancer.NoteRelease, and dropping the runtime together.
func (h *Handlers) DeleteAI(_ context.Context, _ string, req wire.Message) wire.Message {
	var in DeleteAIRequest
	if err := req.DecodeData(&in); err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}
	if in.AgentID == "" {
		return errorResponse(req, wire.ErrMalformedPayload, fmt.Errorf("agent_id is required"))
	}

	err := h.queue.Enqueue(queue.Command{
		Type:     queue.CommandDelete,
		TargetID: in.AgentID,
		Priority: queue.PriorityHigh,
	})
	if err != nil {
		return errorResponse(req, "queue_full", err)
	}
	return okResponse(req, nil)
}

// BatchOperationRequest is batch_operation's request payload: a list of
// full sub-requests, each dispatched through the same command table as a
// top-level request (spec.md §4.G).
type BatchOperationRequest struct {
	Operations []wire.Message `json:"operations"`
}

// BatchOperationResponse carries the sub-response for every sub-operation,
// in the same order as the request (spec.md §4.G).
type BatchOperationResponse struct {
	Results []wire.Message `json:"results"`
}

// BatchOperation dispatches each operation through operationTable and
// collects the results; one sub-operation failing does not stop the rest
// from running.
func (h *Handlers) BatchOperation(ctx context.Context, sessionID string, req wire.Message) wire.Message {
	var in BatchOperationRequest
	if err := req.DecodeData(&in); err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}

	table := h.operationTable()
	results := make([]wire.Message, len(in.Operations))
	for i, op := range in.Operations {
		fn, ok := table[op.Cmd]
		if !ok {
			results[i] = errorResponse(op, wire.ErrUnknownCommand, fmt.Errorf("unrecognized cmd %q", op.Cmd))
			continue
		}
		results[i] = fn(ctx, sessionID, op)
	}
	return okResponse(req, BatchOperationResponse{Results: results})
}

// SystemControlRequest is system_control's request payload (spec.md §4.G).
type SystemControlRequest struct {
	Action string `json:"action"`
}

// SystemControlResponse is system_control's response payload.
type SystemControlResponse struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
}

// SystemControl applies a pause_all/resume_all/reset_all directive
// synchronously against the scheduler and reports success.
func (h *Handlers) SystemControl(_ context.Context, _ string, req wire.Message) wire.Message {
	var in SystemControlRequest
	if err := req.DecodeData(&in); err != nil {
		return errorResponse(req, wire.ErrMalformedPayload, err)
	}

	if !h.applier.SystemControl(in.Action) {
		return okResponse(req, SystemControlResponse{Action: in.Action, Success: false})
	}
	return okResponse(req, SystemControlResponse{Action: in.Action, Success: true})
}

// Heartbeat answers a request-framed heartbeat with an immediate ok; the
// transport-level heartbeat ticker (wire/server, wire/client) handles the
// unsolicited idle-timeout case separately.
func (h *Handlers) Heartbeat(_ context.Context, _ string, req wire.Message) wire.Message {
	return okResponse(req, nil)
}
