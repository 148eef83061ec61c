package eventbus

import "strings"

// DefaultOrder normalizes a list order. Anything but "fifo" lists newest
// first.
func DefaultOrder(order string) string {
	if strings.EqualFold(strings.TrimSpace(order), "fifo") {
		return "fifo"
	}
	return "lifo"
}

// Terminal reports whether kind ends a run.
func (k Kind) Terminal() bool {
	switch k {
	case KindRunFinished, KindRunFailed, KindRunStopped, KindRunRepaired:
		return true
	}
	return false
}

func knownKind(k Kind) bool {
	return k == KindRunStarted || k.Terminal()
}
