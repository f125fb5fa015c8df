package main

import (
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// callbackSoftBudget is the per-callback budget. Exceeding it logs a
// warning; the tick is never aborted for it.
const callbackSoftBudget = 5 * time.Millisecond

// ScriptEngine embeds one sandboxed Lua VM for one instance. The VM has no
// filesystem, network or process access; everything it can reach is
// registered here. The engine lives and dies with its instance and runs
// single-threaded inside the instance tick.
type ScriptEngine struct {
	L      *lua.LState
	logger *zap.SugaredLogger
	inst   *GameInstance

	udCache map[*InstanceNode]*lua.LUserData
	tweens  []*activeTween
}

// NewScriptEngine creates the sandboxed VM and registers the engine surface.
func NewScriptEngine(inst *GameInstance, logger *zap.SugaredLogger) *ScriptEngine {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	se := &ScriptEngine{
		L:       L,
		logger:  logger,
		inst:    inst,
		udCache: make(map[*InstanceNode]*lua.LUserData),
	}
	se.openSafeLibs()
	se.registerTypes()
	se.registerGlobals()
	return se
}

// Close releases the VM.
func (se *ScriptEngine) Close() {
	se.L.Close()
}

// openSafeLibs opens the pure computation libraries only: no io, no os, no
// package loading.
func (se *ScriptEngine) openSafeLibs() {
	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := se.L.CallByParam(lua.P{
			Fn:      se.L.NewFunction(pair.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(pair.name)); err != nil {
			se.logger.Errorf("open lua lib %q: %v", pair.name, err)
		}
	}
	// Base opens a few escape hatches; shut them.
	for _, g := range []string{"dofile", "loadfile", "load", "loadstring"} {
		se.L.SetGlobal(g, lua.LNil)
	}
	se.L.SetGlobal("print", se.L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]any, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.Get(i).String())
		}
		se.logger.Infof("script: %v", parts)
		return 0
	}))
}

// LoadScript compiles and runs the blueprint entry script. A load error is
// contained: it is logged and the instance keeps ticking with whatever the
// script managed to register.
func (se *ScriptEngine) LoadScript(name, source string) error {
	if err := se.L.DoString(source); err != nil {
		se.logger.Errorf("script %s: %v", name, err)
		scriptFaultsTotal.Inc()
		return fmt.Errorf("%w: script load: %v", ErrInvalidInput, err)
	}
	return nil
}

// CallFunction invokes a script callback under protection, converting the
// arguments to Lua values. Used by Signal.Fire.
func (se *ScriptEngine) CallFunction(fn *lua.LFunction, args ...any) error {
	lvs := make([]lua.LValue, len(args))
	for i, a := range args {
		lvs[i] = se.toLValue(a)
	}
	start := time.Now()
	err := se.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lvs...)
	if d := time.Since(start); d > callbackSoftBudget {
		se.logger.Warnf("script callback ran %s, budget %s", d, callbackSoftBudget)
	}
	return err
}

// ---- Type registration ----

const (
	typeInstance   = "Instance"
	typeSignal     = "Signal"
	typeConnection = "SignalConnection"
	typeVector3    = "Vector3"
	typeCFrame     = "CFrame"
	typeColor3     = "Color3"
	typeDataStore  = "DataStore"
	typeTween      = "Tween"
)

func (se *ScriptEngine) registerTypes() {
	L := se.L
	for _, t := range []struct {
		name    string
		index   lua.LGFunction
		newindx lua.LGFunction
	}{
		{typeInstance, se.nodeIndex, se.nodeNewIndex},
		{typeSignal, se.signalIndex, nil},
		{typeConnection, se.connectionIndex, nil},
		{typeVector3, se.vec3Index, nil},
		{typeCFrame, se.cframeIndex, nil},
		{typeColor3, se.color3Index, nil},
		{typeDataStore, se.datastoreIndex, nil},
		{typeTween, se.tweenIndex, nil},
	} {
		mt := L.NewTypeMetatable(t.name)
		L.SetField(mt, "__index", L.NewFunction(t.index))
		if t.newindx != nil {
			L.SetField(mt, "__newindex", L.NewFunction(t.newindx))
		}
	}

	// Arithmetic on Vector3 and composition on CFrame.
	vmt := L.GetTypeMetatable(typeVector3)
	L.SetField(vmt, "__add", L.NewFunction(se.vec3Add))
	L.SetField(vmt, "__sub", L.NewFunction(se.vec3Sub))
	L.SetField(vmt, "__mul", L.NewFunction(se.vec3Mul))
	L.SetField(vmt, "__unm", L.NewFunction(se.vec3Neg))
	L.SetField(vmt, "__eq", L.NewFunction(se.vec3Eq))
	L.SetField(vmt, "__tostring", L.NewFunction(se.vec3ToString))
	cmt := L.GetTypeMetatable(typeCFrame)
	L.SetField(cmt, "__mul", L.NewFunction(se.cframeMul))
}

func (se *ScriptEngine) registerGlobals() {
	L := se.L

	L.SetGlobal("game", se.wrapNode(se.inst.model.Root))
	L.SetGlobal("workspace", se.wrapNode(se.inst.model.Workspace))

	instTbl := L.NewTable()
	L.SetField(instTbl, "new", L.NewFunction(se.instanceNew))
	L.SetGlobal("Instance", instTbl)

	vecTbl := L.NewTable()
	L.SetField(vecTbl, "new", L.NewFunction(func(L *lua.LState) int {
		x := float64(L.OptNumber(1, 0))
		y := float64(L.OptNumber(2, 0))
		z := float64(L.OptNumber(3, 0))
		L.Push(se.wrapVec3(mgl64.Vec3{x, y, z}))
		return 1
	}))
	L.SetField(vecTbl, "zero", se.wrapVec3(mgl64.Vec3{}))
	L.SetGlobal("Vector3", vecTbl)

	cfTbl := L.NewTable()
	L.SetField(cfTbl, "new", L.NewFunction(func(L *lua.LState) int {
		if ud, ok := L.Get(1).(*lua.LUserData); ok {
			if v, ok := ud.Value.(mgl64.Vec3); ok {
				L.Push(se.wrapCFrame(CFrame{Pos: v, Rot: mgl64.Ident3()}))
				return 1
			}
		}
		x := float64(L.OptNumber(1, 0))
		y := float64(L.OptNumber(2, 0))
		z := float64(L.OptNumber(3, 0))
		L.Push(se.wrapCFrame(NewCFrame(x, y, z)))
		return 1
	}))
	L.SetField(cfTbl, "Angles", L.NewFunction(func(L *lua.LState) int {
		rx := float64(L.CheckNumber(1))
		ry := float64(L.CheckNumber(2))
		rz := float64(L.CheckNumber(3))
		L.Push(se.wrapCFrame(CFrame{Rot: CFrameAngles(rx, ry, rz)}))
		return 1
	}))
	L.SetGlobal("CFrame", cfTbl)

	colTbl := L.NewTable()
	L.SetField(colTbl, "new", L.NewFunction(func(L *lua.LState) int {
		r := clampf(float64(L.OptNumber(1, 0)), 0, 1)
		g := clampf(float64(L.OptNumber(2, 0)), 0, 1)
		b := clampf(float64(L.OptNumber(3, 0)), 0, 1)
		L.Push(se.wrapColor3([3]float64{r, g, b}))
		return 1
	}))
	L.SetField(colTbl, "fromRGB", L.NewFunction(func(L *lua.LState) int {
		r := clampf(float64(L.OptNumber(1, 0))/255, 0, 1)
		g := clampf(float64(L.OptNumber(2, 0))/255, 0, 1)
		b := clampf(float64(L.OptNumber(3, 0))/255, 0, 1)
		L.Push(se.wrapColor3([3]float64{r, g, b}))
		return 1
	}))
	L.SetGlobal("Color3", colTbl)
}

// ---- Wrapping ----

// wrapNode returns the cached userdata for a node, so identity comparisons
// in scripts behave.
func (se *ScriptEngine) wrapNode(n *InstanceNode) lua.LValue {
	if n == nil {
		return lua.LNil
	}
	if ud, ok := se.udCache[n]; ok {
		return ud
	}
	ud := se.L.NewUserData()
	ud.Value = n
	se.L.SetMetatable(ud, se.L.GetTypeMetatable(typeInstance))
	se.udCache[n] = ud
	return ud
}

func (se *ScriptEngine) wrapSignal(s *Signal) lua.LValue {
	ud := se.L.NewUserData()
	ud.Value = s
	se.L.SetMetatable(ud, se.L.GetTypeMetatable(typeSignal))
	return ud
}

func (se *ScriptEngine) wrapConnection(c *SignalConnection) lua.LValue {
	ud := se.L.NewUserData()
	ud.Value = c
	se.L.SetMetatable(ud, se.L.GetTypeMetatable(typeConnection))
	return ud
}

func (se *ScriptEngine) wrapVec3(v mgl64.Vec3) lua.LValue {
	ud := se.L.NewUserData()
	ud.Value = v
	se.L.SetMetatable(ud, se.L.GetTypeMetatable(typeVector3))
	return ud
}

func (se *ScriptEngine) wrapCFrame(cf CFrame) lua.LValue {
	ud := se.L.NewUserData()
	ud.Value = cf
	se.L.SetMetatable(ud, se.L.GetTypeMetatable(typeCFrame))
	return ud
}

func (se *ScriptEngine) wrapColor3(c [3]float64) lua.LValue {
	ud := se.L.NewUserData()
	ud.Value = c
	se.L.SetMetatable(ud, se.L.GetTypeMetatable(typeColor3))
	return ud
}

// checkNode extracts the Instance receiver for a method or property access.
func (se *ScriptEngine) checkNode(L *lua.LState, idx int) *InstanceNode {
	ud := L.CheckUserData(idx)
	n, ok := ud.Value.(*InstanceNode)
	if !ok {
		L.ArgError(idx, "Instance expected")
		return nil
	}
	return n
}

// ---- Value conversion, both directions ----

// toLValue converts a Go value into a Lua value, recursing through maps and
// slices.
func (se *ScriptEngine) toLValue(v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(v)
	case bool:
		return lua.LBool(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case mgl64.Vec3:
		return se.wrapVec3(v)
	case CFrame:
		return se.wrapCFrame(v)
	case [3]float64:
		return se.wrapColor3(v)
	case *InstanceNode:
		return se.wrapNode(v)
	case *Signal:
		return se.wrapSignal(v)
	case map[string]any:
		tbl := se.L.NewTable()
		for k, vv := range v {
			tbl.RawSetString(k, se.toLValue(vv))
		}
		return tbl
	case []any:
		tbl := se.L.NewTable()
		for i, vv := range v {
			tbl.RawSetInt(i+1, se.toLValue(vv))
		}
		return tbl
	default:
		se.logger.Debugf("script: converting unknown type to string: %T", v)
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// fromLValue converts a Lua value back to plain Go data, detecting
// array-like tables the same way values round-trip out of storage.
func fromLValue(v lua.LValue) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LUserData:
		return v.Value
	case *lua.LTable:
		maxIdx := 0
		isArray := true
		v.ForEach(func(k, _ lua.LValue) {
			if kn, ok := k.(lua.LNumber); ok {
				if int(kn) > maxIdx {
					maxIdx = int(kn)
				}
			} else {
				isArray = false
			}
		})
		if isArray && maxIdx > 0 {
			arr := make([]any, 0, maxIdx)
			for i := 1; i <= maxIdx; i++ {
				arr = append(arr, fromLValue(v.RawGetInt(i)))
			}
			return arr
		}
		m := make(map[string]any)
		v.ForEach(func(k, vv lua.LValue) {
			m[k.String()] = fromLValue(vv)
		})
		return m
	default:
		return v.String()
	}
}

// ---- Instance metatable ----

func (se *ScriptEngine) instanceNew(L *lua.LState) int {
	class := L.CheckString(1)
	m := se.inst.model
	var n *InstanceNode
	switch class {
	case "Part":
		n = m.NewPart("Part")
	case "Model":
		n = m.NewModel("Model")
	case "Folder":
		n = m.NewFolder("Folder")
	case "Light", "PointLight":
		n = m.NewLight("Light")
	case "Humanoid":
		n = m.NewHumanoid()
	case "BillboardText":
		n = m.NewBillboardText("BillboardText")
	default:
		L.ArgError(1, "unknown class "+class)
		return 0
	}
	if ud, ok := L.Get(2).(*lua.LUserData); ok {
		if parent, ok := ud.Value.(*InstanceNode); ok {
			n.SetParent(parent)
		}
	}
	L.Push(se.wrapNode(n))
	return 1
}

func (se *ScriptEngine) nodeIndex(L *lua.LState) int {
	n := se.checkNode(L, 1)
	key := L.CheckString(2)

	switch key {
	case "Name":
		L.Push(lua.LString(n.Name))
		return 1
	case "ClassName":
		L.Push(lua.LString(n.Class))
		return 1
	case "Parent":
		L.Push(se.wrapNode(n.Parent()))
		return 1
	case "Destroy", "FindFirstChild", "FindFirstChildOfClass", "GetChildren",
		"SetAttribute", "GetAttribute", "GetAttributes", "IsA", "GetService",
		"GetPlayers", "GetDataStore", "GetSignal", "Kick", "MoveTo", "Create":
		L.Push(L.NewFunction(se.nodeMethod(key)))
		return 1
	}

	if n.Part != nil {
		if se.partIndex(L, n, key) {
			return 1
		}
	}
	if n.Humanoid != nil {
		if se.humanoidIndex(L, n, key) {
			return 1
		}
	}
	if n.Player != nil {
		if se.playerIndex(L, n, key) {
			return 1
		}
	}
	if n.Light != nil {
		if se.lightIndex(L, n, key) {
			return 1
		}
	}
	if n.Gui != nil && key == "Text" {
		L.Push(lua.LString(n.Gui.Text))
		return 1
	}
	if se.serviceIndex(L, n, key) {
		return 1
	}

	// Child lookup by name mirrors the host tree access idiom.
	if c := n.FindFirstChild(key); c != nil {
		L.Push(se.wrapNode(c))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}

func (se *ScriptEngine) nodeNewIndex(L *lua.LState) int {
	n := se.checkNode(L, 1)
	key := L.CheckString(2)
	val := L.CheckAny(3)

	switch key {
	case "Name":
		n.Name = lua.LVAsString(val)
		return 0
	case "Parent":
		if val == lua.LNil {
			n.SetParent(nil)
			return 0
		}
		ud, ok := val.(*lua.LUserData)
		if !ok {
			L.ArgError(3, "Instance or nil expected")
			return 0
		}
		parent, ok := ud.Value.(*InstanceNode)
		if !ok {
			L.ArgError(3, "Instance or nil expected")
			return 0
		}
		n.SetParent(parent)
		return 0
	}

	if n.Part != nil && se.partNewIndex(L, n, key, val) {
		return 0
	}
	if n.Humanoid != nil && se.humanoidNewIndex(L, n, key, val) {
		return 0
	}
	if n.Light != nil && se.lightNewIndex(L, n, key, val) {
		return 0
	}
	if n.Gui != nil && key == "Text" {
		n.Gui.Text = lua.LVAsString(val)
		return 0
	}
	if se.serviceNewIndex(L, n, key, val) {
		return 0
	}

	L.RaiseError("cannot set %s on %s", key, n.Class)
	return 0
}

func (se *ScriptEngine) nodeMethod(name string) lua.LGFunction {
	return func(L *lua.LState) int {
		n := se.checkNode(L, 1)
		switch name {
		case "Destroy":
			n.Destroy()
			return 0
		case "FindFirstChild":
			L.Push(se.wrapNode(n.FindFirstChild(L.CheckString(2))))
			return 1
		case "FindFirstChildOfClass":
			L.Push(se.wrapNode(n.FindFirstChildOfClass(L.CheckString(2))))
			return 1
		case "GetChildren":
			tbl := L.NewTable()
			for i, c := range n.Children() {
				tbl.RawSetInt(i+1, se.wrapNode(c))
			}
			L.Push(tbl)
			return 1
		case "SetAttribute":
			n.SetAttribute(L.CheckString(2), fromLValue(L.Get(3)))
			return 0
		case "GetAttribute":
			L.Push(se.toLValue(n.GetAttribute(L.CheckString(2))))
			return 1
		case "GetAttributes":
			tbl := L.NewTable()
			for k, v := range n.Attributes() {
				tbl.RawSetString(k, se.toLValue(v))
			}
			L.Push(tbl)
			return 1
		case "IsA":
			L.Push(lua.LBool(n.IsA(L.CheckString(2))))
			return 1
		case "GetService":
			return se.getService(L, n)
		case "GetSignal":
			// Named signals let games define their own verbs; queued agent
			// actions of type "signal" fire them.
			L.Push(se.wrapSignal(n.Signal(L.CheckString(2))))
			return 1
		case "GetPlayers":
			return se.playersGetPlayers(L, n)
		case "GetDataStore":
			return se.getDataStore(L, n)
		case "Kick":
			if n.Player != nil {
				msg := L.OptString(2, "kicked")
				se.inst.queueKick(n.Player.AgentID, msg)
			}
			return 0
		case "MoveTo":
			if n.Humanoid != nil {
				if ud, ok := L.Get(2).(*lua.LUserData); ok {
					if v, ok := ud.Value.(mgl64.Vec3); ok {
						target := v
						n.Humanoid.MoveTarget = &target
					}
				}
			}
			return 0
		case "Create":
			return se.tweenCreate(L, n)
		}
		return 0
	}
}

// partIndex serves Part property reads; returns false when the key is not a
// Part property.
func (se *ScriptEngine) partIndex(L *lua.LState, n *InstanceNode, key string) bool {
	p := n.Part
	switch key {
	case "Position":
		L.Push(se.wrapVec3(p.CF.Pos))
	case "Size":
		L.Push(se.wrapVec3(p.Size))
	case "CFrame":
		L.Push(se.wrapCFrame(p.CF))
	case "Color":
		L.Push(se.wrapColor3(p.Color))
	case "Material":
		L.Push(lua.LString(p.Material))
	case "Anchored":
		L.Push(lua.LBool(p.Anchored))
	case "CanCollide":
		L.Push(lua.LBool(p.CanCollide))
	case "CanTouch":
		L.Push(lua.LBool(p.CanTouch))
	case "Velocity":
		L.Push(se.wrapVec3(p.Velocity))
	case "Shape":
		L.Push(lua.LString(p.Shape.String()))
	case "ModelUrl":
		L.Push(lua.LString(p.ModelURL))
	case "Touched":
		L.Push(se.wrapSignal(n.Signal("Touched")))
	case "TouchEnded":
		L.Push(se.wrapSignal(n.Signal("TouchEnded")))
	default:
		return false
	}
	return true
}

// partNewIndex serves Part property writes: validate, assign, mark dirty.
func (se *ScriptEngine) partNewIndex(L *lua.LState, n *InstanceNode, key string, val lua.LValue) bool {
	p := n.Part
	switch key {
	case "Position":
		v, ok := se.vec3Arg(val)
		if !ok {
			L.ArgError(3, "Vector3 expected")
		}
		p.CF.Pos = v
	case "Size":
		v, ok := se.vec3Arg(val)
		if !ok {
			L.ArgError(3, "Vector3 expected")
		}
		if v[0] <= 0 || v[1] <= 0 || v[2] <= 0 {
			L.ArgError(3, "Size components must be positive")
		}
		p.Size = v
		p.SizeDirty = true
	case "CFrame":
		ud, ok := val.(*lua.LUserData)
		if !ok {
			L.ArgError(3, "CFrame expected")
			return true
		}
		cf, ok := ud.Value.(CFrame)
		if !ok {
			L.ArgError(3, "CFrame expected")
			return true
		}
		p.CF = cf
		p.RotationDirty = true
	case "Color":
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
		p.Color = c
	case "Material":
		p.Material = lua.LVAsString(val)
	case "Anchored":
		p.Anchored = lua.LVAsBool(val)
		p.AnchoredDirty = true
	case "CanCollide":
		p.CanCollide = lua.LVAsBool(val)
		p.CanCollideDirty = true
	case "CanTouch":
		p.CanTouch = lua.LVAsBool(val)
	case "Velocity":
		v, ok := se.vec3Arg(val)
		if !ok {
			L.ArgError(3, "Vector3 expected")
		}
		p.Velocity = v
		p.VelocityDirty = true
	case "Shape":
		shape, ok := parseShape(lua.LVAsString(val))
		if !ok {
			L.ArgError(3, "unknown shape")
			return true
		}
		p.Shape = shape
		p.ShapeDirty = true
	case "ModelUrl":
		p.ModelURL = lua.LVAsString(val)
	default:
		return false
	}
	return true
}

func (se *ScriptEngine) humanoidIndex(L *lua.LState, n *InstanceNode, key string) bool {
	h := n.Humanoid
	switch key {
	case "Health":
		L.Push(lua.LNumber(h.Health))
	case "MaxHealth":
		L.Push(lua.LNumber(h.MaxHealth))
	case "WalkSpeed":
		L.Push(lua.LNumber(h.WalkSpeed))
	case "JumpPower":
		L.Push(lua.LNumber(h.JumpPower))
	case "Jump":
		L.Push(lua.LBool(h.JumpRequested))
	case "Grounded":
		L.Push(lua.LBool(h.Grounded))
	case "Died":
		L.Push(se.wrapSignal(n.Signal("Died")))
	default:
		return false
	}
	return true
}

func (se *ScriptEngine) humanoidNewIndex(L *lua.LState, n *InstanceNode, key string, val lua.LValue) bool {
	h := n.Humanoid
	switch key {
	case "Health":
		v := float64(lua.LVAsNumber(val))
		h.Health = clampf(v, 0, h.MaxHealth)
	case "MaxHealth":
		v := float64(lua.LVAsNumber(val))
		if v <= 0 {
			L.ArgError(3, "MaxHealth must be positive")
			return true
		}
		h.MaxHealth = v
		h.Health = clampf(h.Health, 0, v)
	case "WalkSpeed":
		h.WalkSpeed = clampf(float64(lua.LVAsNumber(val)), 0, 100)
	case "JumpPower":
		h.JumpPower = clampf(float64(lua.LVAsNumber(val)), 0, 250)
	case "Jump":
		h.JumpRequested = lua.LVAsBool(val)
	default:
		return false
	}
	return true
}

func (se *ScriptEngine) playerIndex(L *lua.LState, n *InstanceNode, key string) bool {
	switch key {
	case "AgentId", "UserId":
		L.Push(lua.LString(n.Player.AgentID))
	case "Character":
		L.Push(se.wrapNode(n.Player.Character))
	default:
		return false
	}
	return true
}

func (se *ScriptEngine) lightIndex(L *lua.LState, n *InstanceNode, key string) bool {
	l := n.Light
	switch key {
	case "Color":
		L.Push(se.wrapColor3(l.Color))
	case "Brightness":
		L.Push(lua.LNumber(l.Brightness))
	case "Range":
		L.Push(lua.LNumber(l.Range))
	default:
		return false
	}
	return true
}

func (se *ScriptEngine) lightNewIndex(L *lua.LState, n *InstanceNode, key string, val lua.LValue) bool {
	l := n.Light
	switch key {
	case "Color":
		if ud, ok := val.(*lua.LUserData); ok {
			if c, ok := ud.Value.([3]float64); ok {
				l.Color = c
				return true
			}
		}
		L.ArgError(3, "Color3 expected")
	case "Brightness":
		l.Brightness = clampf(float64(lua.LVAsNumber(val)), 0, 10)
	case "Range":
		l.Range = clampf(float64(lua.LVAsNumber(val)), 0, 512)
	default:
		return false
	}
	return true
}

func (se *ScriptEngine) vec3Arg(val lua.LValue) (mgl64.Vec3, bool) {
	ud, ok := val.(*lua.LUserData)
	if !ok {
		return mgl64.Vec3{}, false
	}
	v, ok := ud.Value.(mgl64.Vec3)
	return v, ok
}

// ---- Signal metatable ----

func (se *ScriptEngine) signalIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	s, ok := ud.Value.(*Signal)
	if !ok {
		L.ArgError(1, "Signal expected")
		return 0
	}
	key := L.CheckString(2)
	if key != "Connect" {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(2)
		conn := s.Connect(fn)
		L.Push(se.wrapConnection(conn))
		return 1
	}))
	return 1
}

func (se *ScriptEngine) connectionIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	c, ok := ud.Value.(*SignalConnection)
	if !ok {
		L.ArgError(1, "SignalConnection expected")
		return 0
	}
	key := L.CheckString(2)
	switch key {
	case "Disconnect":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			c.Disconnect()
			return 0
		}))
	case "Connected":
		L.Push(lua.LBool(c.Connected()))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

// ---- Vector3 metatable ----

func (se *ScriptEngine) vec3Index(L *lua.LState) int {
	ud := L.CheckUserData(1)
	v, ok := ud.Value.(mgl64.Vec3)
	if !ok {
		L.ArgError(1, "Vector3 expected")
		return 0
	}
	key := L.CheckString(2)
	switch key {
	case "X":
		L.Push(lua.LNumber(v[0]))
	case "Y":
		L.Push(lua.LNumber(v[1]))
	case "Z":
		L.Push(lua.LNumber(v[2]))
	case "Magnitude":
		L.Push(lua.LNumber(v.Len()))
	case "Unit":
		if v.Len() < 1e-12 {
			L.Push(se.wrapVec3(mgl64.Vec3{}))
		} else {
			L.Push(se.wrapVec3(v.Normalize()))
		}
	case "Dot":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			o, _ := se.vec3Arg(L.Get(2))
			L.Push(lua.LNumber(v.Dot(o)))
			return 1
		}))
	case "Cross":
		L.Push(L.NewFunction(func(L *lua.LState) int {
			o, _ := se.vec3Arg(L.Get(2))
			L.Push(se.wrapVec3(v.Cross(o)))
			return 1
		}))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func (se *ScriptEngine) vec3Pair(L *lua.LState) (mgl64.Vec3, mgl64.Vec3) {
	a, _ := se.vec3Arg(L.Get(1))
	b, _ := se.vec3Arg(L.Get(2))
	return a, b
}

func (se *ScriptEngine) vec3Add(L *lua.LState) int {
	a, b := se.vec3Pair(L)
	L.Push(se.wrapVec3(a.Add(b)))
	return 1
}

func (se *ScriptEngine) vec3Sub(L *lua.LState) int {
	a, b := se.vec3Pair(L)
	L.Push(se.wrapVec3(a.Sub(b)))
	return 1
}

func (se *ScriptEngine) vec3Mul(L *lua.LState) int {
	// Vector * scalar or scalar * Vector.
	if n, ok := L.Get(1).(lua.LNumber); ok {
		v, _ := se.vec3Arg(L.Get(2))
		L.Push(se.wrapVec3(v.Mul(float64(n))))
		return 1
	}
	v, _ := se.vec3Arg(L.Get(1))
	if n, ok := L.Get(2).(lua.LNumber); ok {
		L.Push(se.wrapVec3(v.Mul(float64(n))))
		return 1
	}
	L.ArgError(2, "number expected")
	return 0
}

func (se *ScriptEngine) vec3Neg(L *lua.LState) int {
	v, _ := se.vec3Arg(L.Get(1))
	L.Push(se.wrapVec3(v.Mul(-1)))
	return 1
}

func (se *ScriptEngine) vec3Eq(L *lua.LState) int {
	a, b := se.vec3Pair(L)
	L.Push(lua.LBool(a == b))
	return 1
}

func (se *ScriptEngine) vec3ToString(L *lua.LState) int {
	v, _ := se.vec3Arg(L.Get(1))
	L.Push(lua.LString(fmt.Sprintf("%g, %g, %g", v[0], v[1], v[2])))
	return 1
}

// ---- CFrame metatable ----

func (se *ScriptEngine) cframeIndex(L *lua.LState) int {
	ud := L.CheckUserData(1)
	cf, ok := ud.Value.(CFrame)
	if !ok {
		L.ArgError(1, "CFrame expected")
		return 0
	}
	key := L.CheckString(2)
	switch key {
	case "Position":
		L.Push(se.wrapVec3(cf.Pos))
	case "LookVector":
		L.Push(se.wrapVec3(cf.VectorToWorld(mgl64.Vec3{0, 0, -1})))
	default:
		L.Push(lua.LNil)
	}
	return 1
}

func (se *ScriptEngine) cframeMul(L *lua.LState) int {
	aud := L.CheckUserData(1)
	bud := L.CheckUserData(2)
	a, aok := aud.Value.(CFrame)
	b, bok := bud.Value.(CFrame)
	if !aok || !bok {
		L.ArgError(2, "CFrame expected")
		return 0
	}
	L.Push(se.wrapCFrame(a.Mul(b)))
	return 1
}

// ---- Color3 metatable ----

func (se *ScriptEngine) color3Index(L *lua.LState) int {
	ud := L.CheckUserData(1)
	c, ok := ud.Value.([3]float64)
	if !ok {
		L.ArgError(1, "Color3 expected")
		return 0
	}
	switch L.CheckString(2) {
	case "R":
		L.Push(lua.LNumber(c[0]))
	case "G":
		L.Push(lua.LNumber(c[1]))
	case "B":
		L.Push(lua.LNumber(c[2]))
	default:
		L.Push(lua.LNil)
	}
	return 1
}
