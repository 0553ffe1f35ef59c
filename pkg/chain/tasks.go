package chain

import (
	"github.com/relves/groupchain/pkg/types"
)

// TaskRecord is a coordination task. Completed and failed tasks are final.
type TaskRecord struct {
	TaskID      string           `json:"task_id"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Creator     string           `json:"creator"`
	Assignee    string           `json:"assignee,omitempty"`
	Status      types.TaskStatus `json:"status"`
	Reward      int64            `json:"reward"`
	ResultHash  string           `json:"result_hash,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	CreatedMs   int64            `json:"created_ms"`
	UpdatedMs   int64            `json:"updated_ms"`
}

// loadTask fetches id and requires it to be in status want.
func loadTask(st *State, id string, want types.TaskStatus) (TaskRecord, error) {
	task, ok := st.Tasks[id]
	if !ok {
		return TaskRecord{}, reject(CodeNotFound, "task not found")
	}
	if task.Status.Terminal() {
		return TaskRecord{}, reject(CodeInvalidTransition, "task is %s and can no longer change", task.Status)
	}
	if task.Status != want {
		return TaskRecord{}, reject(CodeInvalidTransition, "task is %s, expected %s", task.Status, want)
	}
	return task, nil
}

func (s *State) updateTask(id string, ts int64, f func(*TaskRecord)) {
	task := s.Tasks[id]
	f(&task)
	task.UpdatedMs = ts
	s.Tasks[id] = task
}

// TaskCreate opens a task in the pending state.
type TaskCreate struct {
	TxMeta
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Reward      int64  `json:"reward"`
}

func (*TaskCreate) Type() TxType { return TxTaskCreate }

func (t *TaskCreate) check(st *State, tc *TxContext, _ *Rules) error {
	if !tc.isMember() {
		return reject(CodeNotMember, "task_create requires membership")
	}
	if t.TaskID == "" || len(t.TaskID) > 128 {
		return reject(CodeMalformed, "task_id must be 1-128 characters")
	}
	if _, ok := st.Tasks[t.TaskID]; ok {
		return reject(CodeDuplicate, "task already exists")
	}
	if t.Title == "" {
		return reject(CodeMalformed, "task title required")
	}
	if t.Reward < 0 {
		return reject(CodeInvalidAmount, "reward must be non-negative")
	}
	return nil
}

func (t *TaskCreate) apply(st *State, tc *TxContext, _ *Rules) {
	st.Tasks[t.TaskID] = TaskRecord{
		TaskID:      t.TaskID,
		Title:       t.Title,
		Description: t.Description,
		Creator:     tc.Author,
		Status:      types.TaskPending,
		Reward:      t.Reward,
		CreatedMs:   tc.BlockTs,
		UpdatedMs:   tc.BlockTs,
	}
}

// TaskAssign moves a pending task to assigned.
type TaskAssign struct {
	TxMeta
	TaskID   string `json:"task_id"`
	Assignee string `json:"assignee"`
}

func (*TaskAssign) Type() TxType { return TxTaskAssign }

func (t *TaskAssign) check(st *State, tc *TxContext, _ *Rules) error {
	task, err := loadTask(st, t.TaskID, types.TaskPending)
	if err != nil {
		return err
	}
	if tc.Author != task.Creator && !tc.isAdmin() {
		return reject(CodeUnauthorized, "only the creator or an admin may assign")
	}
	if st.Role(t.Assignee) == "" {
		return reject(CodeNotMember, "assignee is not a member")
	}
	return nil
}

func (t *TaskAssign) apply(st *State, tc *TxContext, _ *Rules) {
	st.updateTask(t.TaskID, tc.BlockTs, func(task *TaskRecord) {
		task.Assignee = t.Assignee
		task.Status = types.TaskAssigned
	})
}

// TaskStart moves an assigned task to in_progress.
type TaskStart struct {
	TxMeta
	TaskID string `json:"task_id"`
}

func (*TaskStart) Type() TxType { return TxTaskStart }

func (t *TaskStart) check(st *State, tc *TxContext, _ *Rules) error {
	task, err := loadTask(st, t.TaskID, types.TaskAssigned)
	if err != nil {
		return err
	}
	if tc.Author != task.Assignee {
		return reject(CodeUnauthorized, "only the assignee may start the task")
	}
	return nil
}

func (t *TaskStart) apply(st *State, tc *TxContext, _ *Rules) {
	st.updateTask(t.TaskID, tc.BlockTs, func(task *TaskRecord) {
		task.Status = types.TaskInProgress
	})
}

func checkFinish(st *State, tc *TxContext, id string) error {
	task, err := loadTask(st, id, types.TaskInProgress)
	if err != nil {
		return err
	}
	if tc.Author != task.Assignee && !tc.isAdmin() {
		return reject(CodeUnauthorized, "only the assignee or an admin may finish the task")
	}
	return nil
}

// TaskComplete finishes a task and pays its reward to the assignee when caps
// allow.
type TaskComplete struct {
	TxMeta
	TaskID     string `json:"task_id"`
	ResultHash string `json:"result_hash,omitempty"`
}

func (*TaskComplete) Type() TxType { return TxTaskComplete }

func (t *TaskComplete) check(st *State, tc *TxContext, _ *Rules) error {
	if t.ResultHash != "" && !isHash(t.ResultHash) {
		return reject(CodeMalformed, "result_hash must be 64 lowercase hex characters")
	}
	return checkFinish(st, tc, t.TaskID)
}

func (t *TaskComplete) apply(st *State, tc *TxContext, _ *Rules) {
	st.updateTask(t.TaskID, tc.BlockTs, func(task *TaskRecord) {
		task.Status = types.TaskCompleted
		task.ResultHash = t.ResultHash
	})
	task := st.Tasks[t.TaskID]
	st.mintIfAllowed(task.Assignee, task.Reward)
}

// TaskFail finishes a task without reward.
type TaskFail struct {
	TxMeta
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

func (*TaskFail) Type() TxType { return TxTaskFail }

func (t *TaskFail) check(st *State, tc *TxContext, _ *Rules) error {
	return checkFinish(st, tc, t.TaskID)
}

func (t *TaskFail) apply(st *State, tc *TxContext, _ *Rules) {
	st.updateTask(t.TaskID, tc.BlockTs, func(task *TaskRecord) {
		task.Status = types.TaskFailed
		task.Reason = t.Reason
	})
}
