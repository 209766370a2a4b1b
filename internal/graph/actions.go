package graph

import "github.com/starford/kiln/internal/models"

// Action is a state transition applied by Store.Dispatch.
type Action interface {
	actionName() string
}

// CreateNode creates or updates a node on behalf of Owner.
type CreateNode struct {
	Node  *models.Node
	Owner string
}

// TouchNode marks an unchanged node as still produced by its owner.
type TouchNode struct {
	ID    string
	Owner string
}

// DeleteNode removes a node and its descendants.
type DeleteNode struct {
	ID string
}

// AddChildLink records Child in Parent's children list.
type AddChildLink struct {
	Parent string
	Child  string
}

func (CreateNode) actionName() string   { return "CREATE_NODE" }
func (TouchNode) actionName() string    { return "TOUCH_NODE" }
func (DeleteNode) actionName() string   { return "DELETE_NODE" }
func (AddChildLink) actionName() string { return "ADD_CHILD_NODE_TO_PARENT_NODE" }

// Outcome reports what a dispatched action did.
type Outcome struct {
	// Changed is false for create-with-same-digest and for deletes of
	// nodes that no longer exist.
	Changed bool
	// Node is a copy of the node after the action (nil after a delete).
	Node *models.Node
	// Deleted lists every node id removed by the action.
	Deleted []string
}
