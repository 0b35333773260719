package model

import "fmt"

// TriggerKind discriminates the two trigger sources.
type TriggerKind int

const (
	TriggerTimer TriggerKind = iota + 1
	TriggerMessage
)

func (k TriggerKind) String() string {
	switch k {
	case TriggerTimer:
		return "timer"
	case TriggerMessage:
		return "message"
	default:
		return fmt.Sprintf("TriggerKind(%d)", int(k))
	}
}

// TriggerEvent is one request to run the process script body. Created
// by a trigger source, handed to the execution serializer, consumed
// exactly once. Events are not persisted: a trigger firing while the
// process is down is lost.
type TriggerEvent struct {
	Kind     TriggerKind
	Sequence uint64 // timer triggers: per-process counter starting at 1
	Message  string // message triggers: the received line, byte for byte
}

func TimerEvent(sequence uint64) TriggerEvent {
	return TriggerEvent{Kind: TriggerTimer, Sequence: sequence}
}

func MessageEvent(text string) TriggerEvent {
	return TriggerEvent{Kind: TriggerMessage, Message: text}
}

func (e TriggerEvent) String() string {
	switch e.Kind {
	case TriggerTimer:
		return fmt.Sprintf("timer #%d", e.Sequence)
	case TriggerMessage:
		return fmt.Sprintf("message %q", e.Message)
	default:
		return e.Kind.String()
	}
}
