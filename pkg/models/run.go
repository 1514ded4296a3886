package models

// Result kinds of an enforcement action.
const (
	ResultSuccessful   = "successful_entities"
	ResultUnsuccessful = "unsuccessful_entities"
)

// Run conditions. Main holds a single action, the others hold ordered action lists.
const (
	ConditionMain    = "main"
	ConditionSuccess = "success"
	ConditionFailure = "failure"
	ConditionPost    = "post"
)

// EnforcementRun is a stored record of one enforcement execution.
type EnforcementRun struct {
	PrettyID int64     `bson:"pretty_id" json:"pretty_id"`
	Name     string    `bson:"name,omitempty" json:"name,omitempty"`
	Result   RunResult `bson:"result" json:"result"`
}

// RunResult groups action results by condition.
type RunResult struct {
	Main    *ActionResult  `bson:"main,omitempty" json:"main,omitempty"`
	Success []ActionResult `bson:"success,omitempty" json:"success,omitempty"`
	Failure []ActionResult `bson:"failure,omitempty" json:"failure,omitempty"`
	Post    []ActionResult `bson:"post,omitempty" json:"post,omitempty"`
}

// ActionResult references the entities an action succeeded and failed on.
type ActionResult struct {
	Action       ActionInfo `bson:"action" json:"action"`
	Successful   ChunkRef   `bson:"successful_entities" json:"successful_entities"`
	Unsuccessful ChunkRef   `bson:"unsuccessful_entities" json:"unsuccessful_entities"`
}

// ActionInfo names the action that ran.
type ActionInfo struct {
	Name string `bson:"name,omitempty" json:"name,omitempty"`
	Type string `bson:"type,omitempty" json:"type,omitempty"`
}

// ChunkRef points at a list stored in chunks outside the run document.
type ChunkRef struct {
	Collection string `bson:"collection,omitempty" json:"collection,omitempty"`
	ChunkID    string `bson:"chunk_id" json:"chunk_id"`
	Length     int64  `bson:"length,omitempty" json:"length,omitempty"`
}

// IsZero reports whether the reference points nowhere.
func (r ChunkRef) IsZero() bool {
	return r.ChunkID == ""
}

// Action returns the action result stored under condition. The index is ignored for main.
func (r RunResult) Action(condition string, index int) (ActionResult, bool) {
	var list []ActionResult
	switch condition {
	case ConditionMain:
		if r.Main == nil {
			return ActionResult{}, false
		}
		return *r.Main, true
	case ConditionSuccess:
		list = r.Success
	case ConditionFailure:
		list = r.Failure
	case ConditionPost:
		list = r.Post
	default:
		return ActionResult{}, false
	}
	if index < 0 || index >= len(list) {
		return ActionResult{}, false
	}
	return list[index], true
}

// Bucket returns the chunk reference for a result kind.
func (a ActionResult) Bucket(kind string) (ChunkRef, bool) {
	var ref ChunkRef
	switch kind {
	case ResultSuccessful:
		ref = a.Successful
	case ResultUnsuccessful:
		ref = a.Unsuccessful
	default:
		return ChunkRef{}, false
	}
	return ref, !ref.IsZero()
}
