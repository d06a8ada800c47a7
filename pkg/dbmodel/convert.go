package dbmodel

import (
	"time"

	"github.com/tarsy-ai/tarsy-ai/pkg/aicore/agentmodel"
)

// FromSnapshot projects a registry snapshot into its persisted row form.
func FromSnapshot(s agentmodel.Snapshot) AgentRow {
	return AgentRow{
		ID:                s.ID,
		DisplayName:       s.DisplayName,
		Academy:           s.Academy.String(),
		Department:        s.Department.String(),
		TeamID:            s.TeamID,
		ShardID:           s.ShardID,
		HP:                s.HP,
		MaxHP:             s.MaxHP,
		MP:                s.MP,
		MaxMP:             s.MaxMP,
		Level:             s.Level,
		XP:                s.XP,
		PosX:              s.Pos.X,
		PosY:              s.Pos.Y,
		PosZ:              s.Pos.Z,
		FacingRad:         s.Pos.FacingRad,
		MapID:             s.Pos.MapID,
		TraitAggression:   s.Traits.Aggression,
		TraitIntelligence: s.Traits.Intelligence,
		TraitSociability:  s.Traits.Sociability,
		State:             s.State.String(),
		CreatedAt:         s.CreatedAt,
		LastTickAt:        s.LastTickAt,
		UpdatedAt:         time.Now(),
	}
}
