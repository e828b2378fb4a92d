// Package metrics implements the calculation metrics collection, aggregation,
// and storage subsystem.
package metrics

// GlobalScope is the scope key for counters summed over every calc type.
const GlobalScope = ""

// CalcFinishedEvent reports one calculation reaching a terminal state.
type CalcFinishedEvent struct {
	CalcType   string
	Success    bool
	DurationNs int64
}
