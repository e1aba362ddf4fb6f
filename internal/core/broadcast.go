package core

import "errors"

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []SignalConnection
}

// Fanout offers data to every open target without blocking. Closed
// connections are skipped silently; full ones are reported as dropped.
func Fanout(targets []SignalConnection, data Frame) PublishResult {
	res := PublishResult{}
	for _, c := range targets {
		if c == nil || !c.IsOpen() {
			continue
		}
		if err := c.TrySend(data); err != nil {
			if errors.Is(err, ErrBackpressure) {
				res.Dropped = append(res.Dropped, c)
			}
			continue
		}
		res.SendTo++
	}
	return res
}
