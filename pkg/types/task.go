package types

import (
	"fmt"
)

// TaskStatus is one of the eight states in the task lifecycle. The
// Rust lineage this is distilled from also carried a DataPreparing
// state between Staged and Running; this engine folds that into the
// Staged -> Running transition itself (the scheduler coupling marks a
// task Running only once every input has actually been staged for the
// worker), so DataPreparing is not a separate observable state here.
type TaskStatus string

const (
	TaskCreated      TaskStatus = "Created"
	TaskDataAssigned TaskStatus = "DataAssigned"
	TaskApproved     TaskStatus = "Approved"
	TaskStaged       TaskStatus = "Staged"
	TaskRunning      TaskStatus = "Running"
	TaskFinished     TaskStatus = "Finished"
	TaskFailed       TaskStatus = "Failed"
	TaskCanceled     TaskStatus = "Canceled"
)

// IsTerminal reports whether status is a terminal state. Task.Result
// is only meaningful once the task reaches a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskFinished, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// TaskOutputs is the successful result of a finished task.
type TaskOutputs struct {
	ReturnValue    []byte                 `json:"return_value"`
	OutputFileTags map[string]FileAuthTag `json:"output_file_tags"`
}

// TaskFailure is the failure detail of a failed task.
type TaskFailure struct {
	Reason string `json:"reason"`
}

func (f TaskFailure) Error() string { return fmt.Sprintf("task failure: %s", f.Reason) }

// Common failure reasons recorded by the scheduler coupling and by
// cancel-task.
const (
	FailureReasonExhaustedAttempts = "ExhaustedAttempts"
	FailureReasonWorkerReported    = "WorkerReported"
	FailureReasonCanceled          = "Canceled"
)

// ResultState distinguishes "no result yet" from the two terminal
// result shapes, mirroring the original TaskResult enum.
type ResultState string

const (
	ResultNotReady ResultState = "NotReady"
	ResultOk       ResultState = "Ok"
	ResultErr      ResultState = "Err"
)

// TaskResult is the tagged result of a task. At most one of Outputs or
// Failure is populated, selected by State; a NotReady result has neither.
type TaskResult struct {
	State   ResultState  `json:"state"`
	Outputs *TaskOutputs `json:"outputs,omitempty"`
	Failure *TaskFailure `json:"failure,omitempty"`
}

// Task is a single invocation of a Function by a set of participants.
type Task struct {
	TaskID            ExternalID            `json:"task_id"`
	Creator           UserID                `json:"creator"`
	FunctionID        ExternalID            `json:"function_id"`
	FunctionOwner     UserID                `json:"function_owner"`
	FunctionArguments map[string]string     `json:"function_arguments"`
	Executor          Executor              `json:"executor"`
	InputOwnersMap    map[string]OwnerList  `json:"input_owners_map"`
	OutputOwnersMap   map[string]OwnerList  `json:"output_owners_map"`
	Participants      OwnerList             `json:"participants"`
	ApprovedUsers     OwnerList             `json:"approved_users"`
	InputMap          map[string]ExternalID `json:"input_map"`
	OutputMap         map[string]ExternalID `json:"output_map"`
	Result            TaskResult            `json:"result"`
	Status            TaskStatus            `json:"status"`
	LeaseID           string                `json:"lease_id,omitempty"`
	Version           int64                 `json:"version"`
}

func (t *Task) KeyPrefix() string     { return string(PrefixTask) }
func (t *Task) ID() ExternalID        { return t.TaskID }
func (t *Task) CurrentVersion() int64 { return t.Version }
func (t *Task) SetVersion(v int64)    { t.Version = v }

// NewTask computes participants as requester ∪ function owner (when
// the function is not public) ∪ union(input owners) ∪ union(output
// owners), mirroring Task::new in the Rust lineage.
func NewTask(
	requester UserID,
	executor Executor,
	function *Function,
	functionArguments map[string]string,
	inputOwnersMap map[string]OwnerList,
	outputOwnersMap map[string]OwnerList,
) *Task {
	inputOwners := make([]OwnerList, 0, len(inputOwnersMap))
	for _, ol := range inputOwnersMap {
		inputOwners = append(inputOwners, ol)
	}
	outputOwners := make([]OwnerList, 0, len(outputOwnersMap))
	for _, ol := range outputOwnersMap {
		outputOwners = append(outputOwners, ol)
	}

	participants := Unions(Unions(inputOwners...), Unions(outputOwners...))
	participants = participants.Insert(requester)
	if !function.Public {
		participants = participants.Insert(function.Owner)
	}

	return &Task{
		TaskID:            NewExternalID(PrefixTask),
		Creator:           requester,
		FunctionID:        function.ExternalID,
		FunctionOwner:     function.Owner,
		FunctionArguments: functionArguments,
		Executor:          executor,
		InputOwnersMap:    inputOwnersMap,
		OutputOwnersMap:   outputOwnersMap,
		Participants:      participants,
		ApprovedUsers:     NewOwnerList(),
		InputMap:          map[string]ExternalID{},
		OutputMap:         map[string]ExternalID{},
		Result:            TaskResult{State: ResultNotReady},
		Status:            TaskCreated,
	}
}

// CheckFunctionCompatibility enforces that the task's declared
// argument names and input/output slot names exactly match the
// function's.
func (t *Task) CheckFunctionCompatibility(function *Function) error {
	argNames := make(map[string]struct{}, len(function.Arguments))
	for _, a := range function.Arguments {
		argNames[a] = struct{}{}
	}
	for k := range t.FunctionArguments {
		if _, ok := argNames[k]; !ok {
			return fmt.Errorf("function_arguments mismatch: unexpected key %q", k)
		}
	}
	for a := range argNames {
		if _, ok := t.FunctionArguments[a]; !ok {
			return fmt.Errorf("function_arguments mismatch: missing key %q", a)
		}
	}

	if err := matchNames(function.Inputs, t.InputOwnersMap, "input"); err != nil {
		return err
	}
	if err := matchNames(function.Outputs, t.OutputOwnersMap, "output"); err != nil {
		return err
	}
	return nil
}

func matchNames(declared []FunctionIO, provided map[string]OwnerList, kind string) error {
	declaredSet := make(map[string]struct{}, len(declared))
	for _, d := range declared {
		declaredSet[d.Name] = struct{}{}
	}
	if len(declaredSet) != len(provided) {
		return fmt.Errorf("%s keys mismatch", kind)
	}
	for name := range provided {
		if _, ok := declaredSet[name]; !ok {
			return fmt.Errorf("%s keys mismatch: unexpected key %q", kind, name)
		}
	}
	return nil
}

// AllDataAssigned reports whether every declared input and output slot
// has a bound file, the precondition for Created -> DataAssigned.
func (t *Task) AllDataAssigned() bool {
	if len(t.InputMap) != len(t.InputOwnersMap) {
		return false
	}
	for name := range t.InputOwnersMap {
		if _, ok := t.InputMap[name]; !ok {
			return false
		}
	}
	if len(t.OutputMap) != len(t.OutputOwnersMap) {
		return false
	}
	for name := range t.OutputOwnersMap {
		if _, ok := t.OutputMap[name]; !ok {
			return false
		}
	}
	return true
}

// AllApproved reports whether every participant has approved, the
// precondition for DataAssigned -> Approved.
func (t *Task) AllApproved() bool {
	return t.Participants.Equal(t.ApprovedUsers)
}

// AssignInput binds fname to file: the requester must be in the
// file's owner set, the owner set must exactly match what was
// declared for this slot, and the slot must not already be bound.
func (t *Task) AssignInput(requester UserID, fname string, file *InputFile) error {
	if !file.Owner.Contains(requester) {
		return fmt.Errorf("assign: requester %q is not in the owner list of %s", requester, file.ExternalID)
	}
	declared, ok := t.InputOwnersMap[fname]
	if !ok {
		return fmt.Errorf("assign: input name %q not declared for this task", fname)
	}
	if !declared.Equal(file.Owner) {
		return fmt.Errorf("assign: file ownership mismatch for %s", file.ExternalID)
	}
	if _, already := t.InputMap[fname]; already {
		return fmt.Errorf("assign: input %q already assigned", fname)
	}
	t.InputMap[fname] = file.ExternalID
	return nil
}

// AssignOutput is AssignInput's mirror for output slots.
func (t *Task) AssignOutput(requester UserID, fname string, file *OutputFile) error {
	if !file.Owner.Contains(requester) {
		return fmt.Errorf("assign: requester %q is not in the owner list of %s", requester, file.ExternalID)
	}
	declared, ok := t.OutputOwnersMap[fname]
	if !ok {
		return fmt.Errorf("assign: output name %q not declared for this task", fname)
	}
	if !declared.Equal(file.Owner) {
		return fmt.Errorf("assign: file ownership mismatch for %s", file.ExternalID)
	}
	if _, already := t.OutputMap[fname]; already {
		return fmt.Errorf("assign: output %q already assigned", fname)
	}
	t.OutputMap[fname] = file.ExternalID
	return nil
}
