package longpoll

import "time"

const maxReconnectDelay = 30 * time.Second

// EndBackoff is the reconnect delay after the controller closed the stream.
func EndBackoff(disconnects int) time.Duration {
	ms := 500*disconnects - 300
	return clampDelay(time.Duration(ms) * time.Millisecond)
}

// ErrorBackoff is the reconnect delay after a transport error.
func ErrorBackoff(disconnects int) time.Duration {
	ms := 5000 * disconnects
	return clampDelay(time.Duration(ms) * time.Millisecond)
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
