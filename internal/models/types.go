package models

// TaskType identifies one stage of the content-indexing pipeline. The set
// is closed: handlers are registered per type at startup and a task whose
// type has no handler fails permanently.
type TaskType string

const (
	TypeScan TaskType = "scan"

	TypePreprocessImage TaskType = "preprocess-image"
	TypePreprocessVideo TaskType = "preprocess-video"
	TypePreprocessAudio TaskType = "preprocess-audio"
	TypeSliceVideo      TaskType = "slice-video"

	TypeExtractImage TaskType = "extract-features-image"
	TypeExtractVideo TaskType = "extract-features-video"
	TypeExtractAudio TaskType = "extract-features-audio"

	TypeGenerateThumbnail TaskType = "generate-thumbnail"
	TypeGeneratePreview   TaskType = "generate-preview"
)

// TaskClass partitions task types by how the scheduler treats them.
type TaskClass int

const (
	// ClassScan covers discovery work: never lock-protected, never shed as
	// auxiliary.
	ClassScan TaskClass = iota
	// ClassCore covers pipeline stages whose per-file execution continuity
	// is protected by the pipeline lock.
	ClassCore
	// ClassAuxiliary covers derivative generation that may run any time
	// after its dependencies, without lock protection.
	ClassAuxiliary
)

// typeTable holds the static priority inputs per task type. Lower weights
// dispatch earlier. Feature extraction outranks preprocessing, which
// outranks derivative generation.
var typeTable = map[TaskType]struct {
	class      TaskClass
	baseWeight int
	typeWeight int
}{
	TypeScan: {ClassScan, 1, 1},

	TypeExtractImage: {ClassCore, 2, 1},
	TypeExtractVideo: {ClassCore, 2, 2},
	TypeExtractAudio: {ClassCore, 2, 3},

	TypePreprocessImage: {ClassCore, 3, 1},
	TypePreprocessVideo: {ClassCore, 3, 2},
	TypePreprocessAudio: {ClassCore, 3, 3},
	TypeSliceVideo:      {ClassCore, 3, 4},

	TypeGenerateThumbnail: {ClassAuxiliary, 4, 1},
	TypeGeneratePreview:   {ClassAuxiliary, 4, 2},
}

// KnownType reports whether t is part of the closed task-type set.
func KnownType(t TaskType) bool {
	_, ok := typeTable[t]
	return ok
}

// Class returns the scheduling class for a task type. Unknown types are
// treated as auxiliary so a misconfigured submission can never displace
// core pipeline work.
func Class(t TaskType) TaskClass {
	if e, ok := typeTable[t]; ok {
		return e.class
	}
	return ClassAuxiliary
}

// BaseWeight returns the coarse priority band for a task type.
func BaseWeight(t TaskType) int {
	if e, ok := typeTable[t]; ok {
		return e.baseWeight
	}
	return 4
}

// TypeWeight returns the intra-band ordering weight for a task type.
func TypeWeight(t TaskType) int {
	if e, ok := typeTable[t]; ok {
		return e.typeWeight
	}
	return 9
}

// IsCore reports whether tasks of this type hold the file pipeline lock.
func IsCore(t TaskType) bool { return Class(t) == ClassCore }

// IsAuxiliary reports whether tasks of this type are shed first under
// resource pressure.
func IsAuxiliary(t TaskType) bool { return Class(t) == ClassAuxiliary }
