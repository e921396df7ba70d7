package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"resume-feedback/internal/apperr"
)

// State 上传流水线的状态
type State string

const (
	StateIdle            State = "idle"
	StatePreflightCheck  State = "preflight_check"
	StateExtractText     State = "extract_text"
	StateUploadPdf       State = "upload_pdf"
	StateGeneratePreview State = "generate_preview"
	StatePersistRecord   State = "persist_record"
	StateAnalyzeWithAI   State = "analyze_with_ai"
	StatePersistFeedback State = "persist_feedback"
	StateComplete        State = "complete"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

// pipeline 顺序执行的状态，不允许回退
var pipeline = []State{
	StatePreflightCheck,
	StateExtractText,
	StateUploadPdf,
	StateGeneratePreview,
	StatePersistRecord,
	StateAnalyzeWithAI,
	StatePersistFeedback,
	StateComplete,
}

// TotalSteps 进度条的步数，与 pipeline 一一对应
var TotalSteps = len(pipeline)

var stepMessages = map[State]string{
	StatePreflightCheck:  "Checking connection...",
	StateExtractText:     "Extracting text from PDF...",
	StateUploadPdf:       "Uploading resume...",
	StateGeneratePreview: "Generating preview...",
	StatePersistRecord:   "Saving resume...",
	StateAnalyzeWithAI:   "Analyzing with AI...",
	StatePersistFeedback: "Saving feedback...",
	StateComplete:        "Analysis complete!",
}

// transitions 合法的状态迁移表
var transitions = buildTransitions()

func buildTransitions() map[State]map[State]bool {
	t := map[State]map[State]bool{
		StateIdle: {StatePreflightCheck: true},
	}
	for i, s := range pipeline {
		next := map[State]bool{}
		if i+1 < len(pipeline) {
			next[pipeline[i+1]] = true
		}
		if s != StateComplete {
			next[StateCancelled] = true
			next[StateFailed] = true
		}
		t[s] = next
	}
	// 终态只能回到空闲
	t[StateComplete][StateIdle] = true
	t[StateCancelled] = map[State]bool{StateIdle: true}
	t[StateFailed] = map[State]bool{StateIdle: true}
	return t
}

// Terminal 是否为终态
func (s State) Terminal() bool {
	return s == StateComplete || s == StateCancelled || s == StateFailed
}

// InProgress 流水线正在执行
func (s State) InProgress() bool {
	return s != StateIdle && !s.Terminal()
}

// StepMessage 进度提示文案
func (s State) StepMessage() string {
	return stepMessages[s]
}

// CanTransition 查表判断迁移是否合法
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// StateMachine 带迁移表检查的状态持有者
type StateMachine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewStateMachine 从 Idle 开始
func NewStateMachine(onChange func(from, to State)) *StateMachine {
	return &StateMachine{state: StateIdle, onChange: onChange}
}

// Current 当前状态
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition 非法迁移返回 ILLEGAL_TRANSITION，状态保持不变
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return apperr.New(apperr.CodeIllegalTransition, "stateMachine.transition",
			fmt.Sprintf("cannot move from %s to %s", from, to))
	}
	m.state = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// DefaultMaxDwell 每个状态的最长停留时间
func DefaultMaxDwell() map[State]time.Duration {
	return map[State]time.Duration{
		StatePreflightCheck:  10 * time.Second,
		StateExtractText:     45 * time.Second,
		StateUploadPdf:       2 * time.Minute,
		StateGeneratePreview: 90 * time.Second,
		StatePersistRecord:   45 * time.Second,
		StateAnalyzeWithAI:   3 * time.Minute,
		StatePersistFeedback: 45 * time.Second,
	}
}

// ParseMaxDwell 按状态名覆盖默认值，未知状态名返回错误
func ParseMaxDwell(overrides map[string]string) (map[State]time.Duration, error) {
	dwell := DefaultMaxDwell()
	for name, raw := range overrides {
		s := State(name)
		if _, ok := dwell[s]; !ok {
			return nil, fmt.Errorf("max_dwell 中的未知状态: %s", name)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("max_dwell.%s 无效: %w", name, err)
		}
		dwell[s] = d
	}
	return dwell, nil
}
