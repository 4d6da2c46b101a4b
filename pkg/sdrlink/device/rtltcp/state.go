package rtltcp

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Ready
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}
