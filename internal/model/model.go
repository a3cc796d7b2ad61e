// Package model holds the data types shared across the collaboration
// core: project identity, the origin tag carried through every write
// transaction, and the logical task-graph view read from the document.
package model

import "fmt"

// ProjectID identifies one project's document and update log.
type ProjectID string

// Validate rejects the empty project id, the one boundary case the
// registry and room layers must refuse before any state is touched.
func (p ProjectID) Validate() error {
	if p == "" {
		return fmt.Errorf("model: project id must not be empty")
	}
	return nil
}

func (p ProjectID) String() string { return string(p) }

// ActorKind discriminates who produced a write transaction.
type ActorKind int

const (
	ActorServer ActorKind = iota
	ActorUser
	ActorPlugin
)

// Actor describes the principal behind an Origin.
type Actor struct {
	Kind  ActorKind
	Email string // set when Kind == ActorUser
	Name  string // set when Kind == ActorUser or ActorPlugin
}

func ServerActor() Actor { return Actor{Kind: ActorServer} }

func UserActor(email, name string) Actor {
	return Actor{Kind: ActorUser, Email: email, Name: name}
}

func PluginActor(name string) Actor {
	return Actor{Kind: ActorPlugin, Name: name}
}

// Origin is attached to every write transaction and delivered to
// observers so downstream consumers know who produced an update.
type Origin struct {
	Who   string // session id or "server"
	ID    string // request id, for correlating request/response in logs
	Actor Actor
}

func ServerOrigin(who, id string) Origin {
	return Origin{Who: who, ID: id, Actor: ServerActor()}
}

// TaskView is the logical entity read from the document
// (docrdt.ReadTxn.GetTask). Fields are optional except ID, Num, and
// Name, which every task carries.
type TaskView struct {
	ID         string   `cbor:"id"`
	Num        string   `cbor:"num"`
	Name       string   `cbor:"name"`
	Children   []string `cbor:"children"`
	Assignee   string   `cbor:"assignee,omitempty"`
	Reporter   string   `cbor:"reporter,omitempty"`
	Status     string   `cbor:"status,omitempty"`
	StatusTime int64    `cbor:"status_time,omitempty"`
	Kind       string   `cbor:"kind,omitempty"`
	Desc       string   `cbor:"desc,omitempty"`
	URL        string   `cbor:"url,omitempty"`
}

// GraphRootKey names the well-known root key for the task graph.
// internal/docrdt keeps tasks in a flat per-task field map and does not
// store them under this key.
const GraphRootKey = "graph"
