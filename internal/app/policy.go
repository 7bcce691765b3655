package app

import "fmt"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(m *Member) BackpressureAction
}

// DropPolicy loses the frame and keeps the member.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(*Member) BackpressureAction {
	return DropFrame
}

// KickPolicy disconnects members that cannot keep up.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(*Member) BackpressureAction {
	return KickMember
}

func PolicyFromString(name string) (Policy, error) {
	switch name {
	case "", "drop":
		return DropPolicy{}, nil
	case "kick":
		return KickPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown backpressure policy %q", name)
}
