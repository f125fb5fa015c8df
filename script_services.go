package main

import (
	"github.com/go-gl/mathgl/mgl64"
	lua "github.com/yuin/gopher-lua"
)

// Service nodes live directly under the data-model root and are resolved by
// name. The set mirrors the engine surface scripts expect: a player
// registry, the run-service tick signals, lighting globals, the persistence
// bridge, and the tween utility.
var serviceNames = []string{"Players", "RunService", "Lighting", "DataStoreService", "TweenService"}

// getService resolves game:GetService(name).
func (se *ScriptEngine) getService(L *lua.LState, n *InstanceNode) int {
	if n != se.inst.model.Root {
		L.ArgError(1, "GetService is only available on game")
		return 0
	}
	name := L.CheckString(2)
	svc := n.FindFirstChild(name)
	if svc == nil || svc.Class != "Service" {
		if name == "Workspace" {
			L.Push(se.wrapNode(se.inst.model.Workspace))
			return 1
		}
		L.RaiseError("unknown service %s", name)
		return 0
	}
	L.Push(se.wrapNode(svc))
	return 1
}

// serviceIndex serves reads on Service nodes; false when not a service key.
func (se *ScriptEngine) serviceIndex(L *lua.LState, n *InstanceNode, key string) bool {
	if n.Class != "Service" {
		return false
	}
	switch n.Name {
	case "Players":
		switch key {
		case "MaxPlayers":
			L.Push(lua.LNumber(se.inst.maxPlayers))
			return true
		case "PlayerAdded":
			L.Push(se.wrapSignal(n.Signal("PlayerAdded")))
			return true
		case "PlayerRemoving":
			L.Push(se.wrapSignal(n.Signal("PlayerRemoving")))
			return true
		}
	case "RunService":
		switch key {
		case "PrePhysics":
			L.Push(se.wrapSignal(n.Signal("PrePhysics")))
			return true
		case "PostPhysics":
			L.Push(se.wrapSignal(n.Signal("PostPhysics")))
			return true
		}
	case "Lighting":
		switch key {
		case "Ambient":
			L.Push(se.wrapColor3(se.inst.lighting.Ambient))
			return true
		case "OutdoorAmbient":
			L.Push(se.wrapColor3(se.inst.lighting.OutdoorAmbient))
			return true
		case "ClockTime":
			L.Push(lua.LNumber(se.inst.lighting.ClockTime))
			return true
		}
	}
	return false
}

// serviceNewIndex serves writes on Service nodes.
func (se *ScriptEngine) serviceNewIndex(L *lua.LState, n *InstanceNode, key string, val lua.LValue) bool {
	if n.Class != "Service" {
		return false
	}
	switch n.Name {
	case "Players":
		if key == "MaxPlayers" {
			L.RaiseError("MaxPlayers is read-only")
			return true
		}
	case "Lighting":
		switch key {
		case "Ambient", "OutdoorAmbient":
			ud, ok := val.(*lua.LUserData)
			if !ok {
				L.ArgError(3, "Color3 expected")
				return true
			}
			c, ok := ud.Value.([3]float64)
			if !ok {
				L.ArgError(3, "Color3 expected")
				return true
			}
			if key == "Ambient" {
				se.inst.lighting.Ambient = c
			} else {
				se.inst.lighting.OutdoorAmbient = c
			}
			return true
		case "ClockTime":
			se.inst.lighting.ClockTime = clampf(float64(lua.LVAsNumber(val)), 0, 24)
			return true
		}
	}
	return false
}

// playersGetPlayers serves Players:GetPlayers().
func (se *ScriptEngine) playersGetPlayers(L *lua.LState, n *InstanceNode) int {
	if n.Class != "Service" || n.Name != "Players" {
		L.ArgError(1, "GetPlayers is only available on Players")
		return 0
	}
	tbl := L.NewTable()
	i := 0
	for _, p := range se.inst.playerNodes() {
		i++
		tbl.RawSetInt(i, se.wrapNode(p))
	}
	L.Push(tbl)
	return 1
}

// ---- DataStoreService ----

// dsRef is the userdata payload for one named store.
type dsRef struct {
	name string
}

// getDataStore serves DataStoreService:GetDataStore(name).
func (se *ScriptEngine) getDataStore(L *lua.LState, n *InstanceNode) int {
	if n.Class != "Service" || n.Name != "DataStoreService" {
		L.ArgError(1, "GetDataStore is only available on DataStoreService")
		return 0
	}
	name := L.CheckString(2)
	ud := L.NewUserData()
	ud.Value = dsRef{name: name}
	L.SetMetatable(ud, L.GetTypeMetatable(typeDataStore))
	L.Push(ud)
	return 1
}

// datastoreIndex serves the synchronous store methods. The *Async spellings
// are what game scripts write; they are cache-backed and never yield.
func (se *ScriptEngine) datastoreIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	ref, ok := ud.Value.(dsRef)
	if !ok {
		L.ArgError(1, "DataStore expected")
		return 0
	}
	key := L.CheckString(2)
	switch key {
	case "Get", "GetAsync":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			k := L.CheckString(2)
			v, found := se.inst.stores.Get(ref.name, k)
			if !found {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(se.toLValue(v))
			return 1
		}))
	case "Set", "SetAsync":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			k := L.CheckString(2)
			v := fromLValue(L.Get(3))
			if err := se.inst.stores.Set(ref.name, k, v); err != nil {
				L.RaiseError("datastore set: %v", err)
			}
			return 0
		}))
	case "Remove", "RemoveAsync":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			se.inst.stores.Remove(ref.name, L.CheckString(2))
			return 0
		}))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// ---- TweenService ----

// activeTween interpolates properties over ticks. Tweens mutate state only
// through the same property path scripts use, so all changes flow through
// dirty flags and the normal sync stages.
type activeTween struct {
	node     *InstanceNode
	duration float64
	elapsed  float64
	playing  bool
	props    []tweenProp
}

type tweenProp struct {
	key      string
	from, to any
}

// tweenCreate serves TweenService:Create(instance, seconds, props).
func (se *ScriptEngine) tweenCreate(L *lua.LState, n *InstanceNode) int {
	if n.Class != "Service" || n.Name != "TweenService" {
		L.ArgError(1, "Create is only available on TweenService")
		return 0
	}
	target := se.checkNode(L, 2)
	seconds := float64(L.CheckNumber(3))
	if seconds <= 0 {
		L.ArgError(3, "duration must be positive")
		return 0
	}
	tbl := L.CheckTable(4)

	tw := &activeTween{node: target, duration: seconds}
	tbl.ForEach(func(k, v lua.LValue) {
		key := k.String()
		from, ok := tweenReadProp(target, key)
		if !ok {
			return
		}
		tw.props = append(tw.props, tweenProp{key: key, from: from, to: fromLValue(v)})
	})

	ud := L.NewUserData()
	ud.Value = tw
	L.SetMetatable(ud, L.GetTypeMetatable(typeTween))
	L.Push(ud)
	return 1
}

func (se *ScriptEngine) tweenIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	tw, ok := ud.Value.(*activeTween)
	if !ok {
		L.ArgError(1, "Tween expected")
		return 0
	}
	switch L.CheckString(2) {
	case "Play":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			if !tw.playing {
				tw.playing = true
				tw.elapsed = 0
				se.tweens = append(se.tweens, tw)
			}
			return 0
		}))
	case "Cancel":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			tw.playing = false
			return 0
		}))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// stepTweens advances every playing tween by one tick. Runs right before the
// pre-physics signal so tweened values behave like any other script write.
func (se *ScriptEngine) stepTweens(dt float64) {
	if len(se.tweens) == 0 {
		return
	}
	live := se.tweens[:0]
	for _, tw := range se.tweens {
		if !tw.playing {
			continue
		}
		tw.elapsed += dt
		alpha := clampf(tw.elapsed/tw.duration, 0, 1)
		for _, p := range tw.props {
			tweenWriteProp(tw.node, p.key, lerpValue(p.from, p.to, alpha))
		}
		if alpha < 1 {
			live = append(live, tw)
		} else {
			tw.playing = false
		}
	}
	se.tweens = live
}

// tweenReadProp snapshots the starting value of a tweenable property.
func tweenReadProp(n *InstanceNode, key string) (any, bool) {
	if n.Part != nil {
		switch key {
		case "Position":
			return n.Part.CF.Pos, true
		case "Size":
			return n.Part.Size, true
		case "Color":
			return n.Part.Color, true
		}
	}
	if n.Humanoid != nil {
		switch key {
		case "Health":
			return n.Humanoid.Health, true
		case "WalkSpeed":
			return n.Humanoid.WalkSpeed, true
		}
	}
	if n.Light != nil && key == "Brightness" {
		return n.Light.Brightness, true
	}
	return nil, false
}

// tweenWriteProp assigns through the dirty-flag path.
func tweenWriteProp(n *InstanceNode, key string, v any) {
	if n.Part != nil {
		switch key {
		case "Position":
			if vec, ok := v.(mgl64.Vec3); ok {
				n.Part.CF.Pos = vec
			}
			return
		case "Size":
			if vec, ok := v.(mgl64.Vec3); ok {
				n.Part.Size = vec
				n.Part.SizeDirty = true
			}
			return
		case "Color":
			if c, ok := v.([3]float64); ok {
				n.Part.Color = c
			}
			return
		}
	}
	if n.Humanoid != nil {
		if f, ok := v.(float64); ok {
			switch key {
			case "Health":
				n.Humanoid.Health = clampf(f, 0, n.Humanoid.MaxHealth)
			case "WalkSpeed":
				n.Humanoid.WalkSpeed = clampf(f, 0, 100)
			}
		}
		return
	}
	if n.Light != nil && key == "Brightness" {
		if f, ok := v.(float64); ok {
			n.Light.Brightness = clampf(f, 0, 10)
		}
	}
}

// lerpValue interpolates the value kinds tweens support.
func lerpValue(from, to any, alpha float64) any {
	switch f := from.(type) {
	case float64:
		if t, ok := to.(float64); ok {
			return f + (t-f)*alpha
		}
	case mgl64.Vec3:
		switch t := to.(type) {
		case mgl64.Vec3:
			return f.Add(t.Sub(f).Mul(alpha))
		case []any:
			if len(t) == 3 {
				tv := mgl64.Vec3{asFloat(t[0]), asFloat(t[1]), asFloat(t[2])}
				return f.Add(tv.Sub(f).Mul(alpha))
			}
		}
	case [3]float64:
		if t, ok := to.([3]float64); ok {
			return [3]float64{
				f[0] + (t[0]-f[0])*alpha,
				f[1] + (t[1]-f[1])*alpha,
				f[2] + (t[2]-f[2])*alpha,
			}
		}
	}
	if alpha >= 1 {
		return to
	}
	return from
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
