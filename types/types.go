package types

import "time"

// NodeType classifies a node of the transport graph.
type NodeType string

const (
	NodeTypeFunction     NodeType = "function"
	NodeTypeParameter    NodeType = "parameter"
	NodeTypeAttribute    NodeType = "attribute"
	NodeTypeSubscript    NodeType = "subscript"
	NodeTypeGenerated    NodeType = "generated"
	NodeTypeElectronList NodeType = "electron_list"
	NodeTypeElectronDict NodeType = "electron_dict"
	NodeTypeSublattice   NodeType = "sublattice"

	// MaxNodeTypeLen is the width of the persisted node type column.
	MaxNodeTypeLen = 24
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeFunction, NodeTypeParameter, NodeTypeAttribute, NodeTypeSubscript,
		NodeTypeGenerated, NodeTypeElectronList, NodeTypeElectronDict, NodeTypeSublattice:
		return true
	}
	return false
}

// Storage backend kinds for artifact payloads.
const (
	StorageTypeLocal = "local"
	StorageTypeS3    = "s3"
)

// ArtifactKind names one of the externally stored payloads of a node.
type ArtifactKind string

const (
	ArtifactFunction       ArtifactKind = "serialized-function"
	ArtifactFunctionString ArtifactKind = "function-source-text"
	ArtifactExecutorData   ArtifactKind = "serialized-executor-config"
	ArtifactResult         ArtifactKind = "serialized-result"
	ArtifactValue          ArtifactKind = "serialized-input-value"
	ArtifactStdout         ArtifactKind = "standard-output"
	ArtifactStderr         ArtifactKind = "standard-error"
	ArtifactError          ArtifactKind = "error-detail"
	ArtifactDeps           ArtifactKind = "dependency-list"
	ArtifactCallBefore     ArtifactKind = "pre-execution-hooks"
	ArtifactCallAfter      ArtifactKind = "post-execution-hooks"
)

// ArtifactKinds lists every artifact kind in a stable order.
var ArtifactKinds = []ArtifactKind{
	ArtifactFunction,
	ArtifactFunctionString,
	ArtifactExecutorData,
	ArtifactResult,
	ArtifactValue,
	ArtifactStdout,
	ArtifactStderr,
	ArtifactError,
	ArtifactDeps,
	ArtifactCallBefore,
	ArtifactCallAfter,
}

// Valid reports whether k is a known artifact kind.
func (k ArtifactKind) Valid() bool {
	for _, known := range ArtifactKinds {
		if k == known {
			return true
		}
	}
	return false
}

// TaskNodeRecord is the persisted state of one node (electron) within one
// workflow instance (dispatch).
type TaskNodeRecord struct {
	ID                 uint64   `json:"id"`
	WorkflowInstanceID uint64   `json:"workflow_instance_id"`
	GraphNodeIndex     int      `json:"graph_node_index"`
	NodeType           NodeType `json:"node_type"`
	Name               string   `json:"name"`
	Status             Status   `json:"status"`

	StorageType   string `json:"storage_type,omitempty"` // "local", "s3"
	StoragePath   string `json:"storage_path,omitempty"` // bucket name, usually the dispatch id
	Executor      string `json:"executor,omitempty"`
	AttributeName string `json:"attribute_name,omitempty"` // attribute nodes
	Key           string `json:"key,omitempty"`            // subscript and generated nodes

	// Artifacts maps each produced artifact kind to its filename in the
	// storage backend. Unset kinds are absent.
	Artifacts map[ArtifactKind]string `json:"artifacts,omitempty"`

	Attempt  int  `json:"attempt"`
	IsActive bool `json:"is_active"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Artifact returns the reference stored for kind and whether it is set.
func (r TaskNodeRecord) Artifact(kind ArtifactKind) (string, bool) {
	ref, ok := r.Artifacts[kind]
	return ref, ok
}

// Clone returns a deep copy of r so callers cannot alias store-owned state.
func (r TaskNodeRecord) Clone() TaskNodeRecord {
	out := r
	if r.Artifacts != nil {
		out.Artifacts = make(map[ArtifactKind]string, len(r.Artifacts))
		for k, v := range r.Artifacts {
			out.Artifacts[k] = v
		}
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
