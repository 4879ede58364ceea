package trainer

import "fmt"

type State int32

const (
	Idle State = iota
	Running
	Checkpointing
	Interrupted
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Checkpointing:
		return "checkpointing"
	case Interrupted:
		return "interrupted"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
