package main

import (
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// InstanceNode is the polymorphic scene-tree element. Parent pointers are
// non-owning back references; child lists own their members, so cycles are
// impossible by construction. Ids are stable for the node's lifetime and
// issued by the owning DataModel.
type InstanceNode struct {
	ID    uint64
	Class string
	Name  string

	parent   *InstanceNode
	children []*InstanceNode

	attributes map[string]any
	signals    map[string]*Signal

	Part     *PartData
	Humanoid *HumanoidData
	Player   *PlayerData
	Light    *LightData
	Gui      *GuiData

	// characterOf marks a Model as some player's character; parts under it
	// are moved by the character controller, not the part sync stage.
	characterOf *InstanceNode

	model *DataModel
}

// PartData carries the physics-backed geometry of a Part node. Writable
// properties record a dirty flag on change; the script→physics sync stage
// reads and clears them.
type PartData struct {
	Shape      PartShape
	Size       mgl64.Vec3
	CF         CFrame
	Color      [3]float64
	Material   string
	Anchored   bool
	CanCollide bool
	CanTouch   bool
	Velocity   mgl64.Vec3
	ModelURL   string

	SizeDirty       bool
	RotationDirty   bool
	AnchoredDirty   bool
	CanCollideDirty bool
	ShapeDirty      bool
	VelocityDirty   bool
}

// HumanoidData is the character controller state for one Humanoid node.
type HumanoidData struct {
	MaxHealth     float64
	Health        float64
	WalkSpeed     float64
	JumpPower     float64
	MoveTarget    *mgl64.Vec3
	JumpRequested bool
	Grounded      bool
	VerticalVel   float64
}

// PlayerData links a Player node to its agent and character.
type PlayerData struct {
	AgentID    string
	Character  *InstanceNode
	LastAction time.Time
}

// LightData is the renderable payload of a Light node.
type LightData struct {
	Color      [3]float64
	Brightness float64
	Range      float64
}

// GuiData is a BillboardText element attached to a part.
type GuiData struct {
	Text   string
	PartID uint64
}

// DataModel is the typed tree for one instance: the root, the Workspace
// whose descendants are synchronized with physics, the service nodes, and
// the id registry that makes detached-subtree cleanup trivial.
type DataModel struct {
	Root      *InstanceNode
	Workspace *InstanceNode

	registry map[uint64]*InstanceNode
	nextID   uint64

	// Structural changes since the last sync stage; kept so the tick's
	// script→physics sync stays O(changed) instead of O(tree).
	addedParts   []*InstanceNode
	removedParts []uint64
}

// NewDataModel builds the root tree with a Workspace.
func NewDataModel() *DataModel {
	m := &DataModel{registry: make(map[uint64]*InstanceNode)}
	m.Root = m.newNode("DataModel", "game")
	m.Workspace = m.newNode("Workspace", "Workspace")
	m.Workspace.parent = m.Root
	m.Root.children = append(m.Root.children, m.Workspace)
	return m
}

func (m *DataModel) newNode(class, name string) *InstanceNode {
	m.nextID++
	n := &InstanceNode{
		ID:         m.nextID,
		Class:      class,
		Name:       name,
		attributes: make(map[string]any),
		signals:    make(map[string]*Signal),
		model:      m,
	}
	m.registry[n.ID] = n
	return n
}

// NewPart creates an unparented Part with host-engine defaults.
func (m *DataModel) NewPart(name string) *InstanceNode {
	n := m.newNode("Part", name)
	n.Part = &PartData{
		Shape:      ShapeBox,
		Size:       mgl64.Vec3{4, 1, 2},
		CF:         NewCFrame(0, 0, 0),
		Color:      [3]float64{0.64, 0.64, 0.64},
		Material:   "Plastic",
		Anchored:   false,
		CanCollide: true,
		CanTouch:   true,
	}
	return n
}

// NewModel creates an unparented Model container.
func (m *DataModel) NewModel(name string) *InstanceNode { return m.newNode("Model", name) }

// NewFolder creates an unparented Folder.
func (m *DataModel) NewFolder(name string) *InstanceNode { return m.newNode("Folder", name) }

// NewLight creates an unparented point light.
func (m *DataModel) NewLight(name string) *InstanceNode {
	n := m.newNode("Light", name)
	n.Light = &LightData{Color: [3]float64{1, 1, 1}, Brightness: 1, Range: 16}
	return n
}

// NewHumanoid creates an unparented Humanoid controller.
func (m *DataModel) NewHumanoid() *InstanceNode {
	n := m.newNode("Humanoid", "Humanoid")
	n.Humanoid = &HumanoidData{
		MaxHealth: 100,
		Health:    100,
		WalkSpeed: 16,
		JumpPower: 50,
	}
	return n
}

// NewBillboardText creates an unparented GUI text element.
func (m *DataModel) NewBillboardText(name string) *InstanceNode {
	n := m.newNode("BillboardText", name)
	n.Gui = &GuiData{}
	return n
}

// NewPlayerNode creates a Player node for an agent.
func (m *DataModel) NewPlayerNode(agentID, name string) *InstanceNode {
	n := m.newNode("Player", name)
	n.Player = &PlayerData{AgentID: agentID, LastAction: time.Now()}
	return n
}

// Lookup resolves an id to its node, nil when the node was destroyed.
func (m *DataModel) Lookup(id uint64) *InstanceNode { return m.registry[id] }

// SetParent re-parents a node, keeping the physics tracking lists current.
// Passing nil detaches the node (and its subtree) from the tree.
func (n *InstanceNode) SetParent(parent *InstanceNode) {
	if n.parent == parent {
		return
	}
	wasTracked := n.model != nil && n.underWorkspace()
	if n.parent != nil {
		n.parent.removeChild(n)
	}
	n.parent = parent
	if parent != nil {
		parent.children = append(parent.children, n)
	}
	nowTracked := n.model != nil && n.underWorkspace()
	if wasTracked == nowTracked {
		return
	}
	n.walk(func(d *InstanceNode) {
		if d.Part == nil {
			return
		}
		if nowTracked {
			n.model.addedParts = append(n.model.addedParts, d)
		} else {
			n.model.removedParts = append(n.model.removedParts, d.ID)
		}
	})
}

// Destroy removes the node and its subtree from the tree and the registry.
func (n *InstanceNode) Destroy() {
	n.SetParent(nil)
	n.walk(func(d *InstanceNode) {
		delete(d.model.registry, d.ID)
		for _, s := range d.signals {
			s.DisconnectAll()
		}
	})
}

func (n *InstanceNode) removeChild(c *InstanceNode) {
	for i, ch := range n.children {
		if ch == c {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// walk visits the node and every descendant.
func (n *InstanceNode) walk(fn func(*InstanceNode)) {
	fn(n)
	for _, c := range n.children {
		c.walk(fn)
	}
}

// Parent returns the node's parent, nil at the root or when detached.
func (n *InstanceNode) Parent() *InstanceNode { return n.parent }

// Children returns the ordered child list.
func (n *InstanceNode) Children() []*InstanceNode { return n.children }

// FindFirstChild returns the first child with the given name, nil if absent.
func (n *InstanceNode) FindFirstChild(name string) *InstanceNode {
	for _, c := range n.children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// FindFirstChildOfClass returns the first child with the given class tag.
func (n *InstanceNode) FindFirstChildOfClass(class string) *InstanceNode {
	for _, c := range n.children {
		if c.Class == class {
			return c
		}
	}
	return nil
}

// IsA reports a class match; "Instance" matches everything.
func (n *InstanceNode) IsA(class string) bool {
	return class == "Instance" || strings.EqualFold(n.Class, class)
}

// underWorkspace reports whether the node's parent chain reaches Workspace.
func (n *InstanceNode) underWorkspace() bool {
	for p := n.parent; p != nil; p = p.parent {
		if p == n.model.Workspace {
			return true
		}
	}
	return n == n.model.Workspace
}

// characterOwner returns the Player whose character subtree contains the
// node, nil for world geometry.
func (n *InstanceNode) characterOwner() *InstanceNode {
	for p := n; p != nil; p = p.parent {
		if p.characterOf != nil {
			return p.characterOf
		}
	}
	return nil
}

// SetAttribute stores an attribute value; nil deletes it.
func (n *InstanceNode) SetAttribute(key string, v any) {
	if v == nil {
		delete(n.attributes, key)
		return
	}
	n.attributes[key] = v
}

// GetAttribute returns the attribute value, nil when unset.
func (n *InstanceNode) GetAttribute(key string) any { return n.attributes[key] }

// Attributes returns the live attribute map.
func (n *InstanceNode) Attributes() map[string]any { return n.attributes }

// Signal returns the named signal, creating it on first use.
func (n *InstanceNode) Signal(name string) *Signal {
	s, ok := n.signals[name]
	if !ok {
		s = NewSignal(name)
		n.signals[name] = s
	}
	return s
}

// WorkspaceParts collects every physics-eligible Part under Workspace that
// is not owned by a character.
func (m *DataModel) WorkspaceParts() []*InstanceNode {
	var out []*InstanceNode
	m.Workspace.walk(func(n *InstanceNode) {
		if n.Part != nil && n.characterOwner() == nil {
			out = append(out, n)
		}
	})
	return out
}

// drainStructuralChanges returns and clears the attach/detach lists.
func (m *DataModel) drainStructuralChanges() (added []*InstanceNode, removed []uint64) {
	added, removed = m.addedParts, m.removedParts
	m.addedParts = nil
	m.removedParts = nil
	return added, removed
}
