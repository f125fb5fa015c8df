package main

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

const maxChatLen = 256

// applyAction resolves one queued agent input into a data-model mutation.
// It runs at the top of the tick under the instance write lock. Unknown
// action types and malformed payloads return ErrInvalidInput and the action
// is dropped.
func (g *GameInstance) applyAction(a AgentAction) error {
	p, ok := g.players[a.AgentID]
	if !ok {
		return ErrNotFound
	}

	switch a.Type {
	case "move":
		return g.handleMove(p, a)
	case "jump":
		return g.handleJump(p)
	case "say":
		return g.handleSay(p, a)
	case "set_attribute":
		return g.handleSetAttribute(p, a)
	case "signal":
		return g.handleSignal(p, a)
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidInput, a.Type)
	}
}

// handleMove sets the humanoid's move target. The controller caps the
// resulting velocity at the walk speed, so the client cannot pick its pace.
func (g *GameInstance) handleMove(p *InstanceNode, a AgentAction) error {
	hum := characterHumanoid(p)
	if hum == nil {
		return fmt.Errorf("%w: no character", ErrNotFound)
	}
	x, okX := numField(a.Data, "x")
	y, okY := numField(a.Data, "y")
	z, okZ := numField(a.Data, "z")
	if !okX || !okZ {
		return fmt.Errorf("%w: move requires x and z", ErrInvalidInput)
	}
	if !okY {
		y = 0
	}
	target := mgl64.Vec3{x, y, z}
	hum.Humanoid.MoveTarget = &target
	return nil
}

func (g *GameInstance) handleJump(p *InstanceNode) error {
	hum := characterHumanoid(p)
	if hum == nil {
		return fmt.Errorf("%w: no character", ErrNotFound)
	}
	hum.Humanoid.JumpRequested = true
	return nil
}

func (g *GameInstance) handleSay(p *InstanceNode, a AgentAction) error {
	text, ok := a.Data["text"].(string)
	if !ok || text == "" {
		return fmt.Errorf("%w: say requires text", ErrInvalidInput)
	}
	if len(text) > maxChatLen {
		text = text[:maxChatLen]
	}
	g.appendChat(ChatMessage{
		AgentID: a.AgentID,
		Name:    p.Name,
		Text:    text,
		Tick:    g.tick,
	})
	return nil
}

// handleSetAttribute writes an attribute on the agent's own player node.
func (g *GameInstance) handleSetAttribute(p *InstanceNode, a AgentAction) error {
	key, ok := a.Data["key"].(string)
	if !ok || key == "" {
		return fmt.Errorf("%w: set_attribute requires key", ErrInvalidInput)
	}
	p.SetAttribute(key, a.Data["value"])
	return nil
}

// handleSignal fires a script-visible signal on the agent's player node so
// games can define their own verbs without engine changes.
func (g *GameInstance) handleSignal(p *InstanceNode, a AgentAction) error {
	name, ok := a.Data["name"].(string)
	if !ok || name == "" {
		return fmt.Errorf("%w: signal requires name", ErrInvalidInput)
	}
	var arg any
	if d, ok := a.Data["data"]; ok {
		arg = d
	}
	p.Signal(name).Fire(g.script, arg)
	return nil
}

func numField(data map[string]any, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
