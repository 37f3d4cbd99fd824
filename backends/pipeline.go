package backends

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/mixtex/util/safeconv"
)

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics // Get the pipeline running statistics
	Validate() error                   // Validate the pipeline for correctness
}

type PipelineStatistics struct {
	EncoderTotalTime      time.Duration
	EncoderExecutionCount uint64
	EncoderAvgQueryTime   time.Duration
	DecoderTotalTime      time.Duration
	DecoderExecutionCount uint64
	DecoderAvgStepTime    time.Duration
	TotalRequests         uint64
	FailedRequests        uint64
	RepeatedRequests      uint64
	TruncatedRequests     uint64
}

func (p *PipelineStatistics) ComputeEncoderStatistics(calls, totalNS uint64) {
	p.EncoderTotalTime = safeconv.U64ToDuration(totalNS)
	p.EncoderExecutionCount = calls
	p.EncoderAvgQueryTime = time.Duration(float64(totalNS) / math.Max(1, float64(calls)))
}

func (p *PipelineStatistics) ComputeDecoderStatistics(calls, totalNS uint64) {
	p.DecoderTotalTime = safeconv.U64ToDuration(totalNS)
	p.DecoderExecutionCount = calls
	p.DecoderAvgStepTime = time.Duration(float64(totalNS) / math.Max(1, float64(calls)))
}

func (p *PipelineStatistics) Print() {
	jsonData, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		fmt.Println(err)
	}
	fmt.Println(string(jsonData))
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath       string
	Name            string
	EncoderFilename string
	DecoderFilename string
	Options         []PipelineOption[T]
}

type timings struct {
	NumCalls atomic.Uint64
	TotalNS  atomic.Uint64
}

// track starts a timer; calling the returned func records one call.
func (t *timings) track() func() {
	start := time.Now()
	return func() {
		t.NumCalls.Add(1)
		t.TotalNS.Add(safeconv.DurationToU64(time.Since(start)))
	}
}

func (t *timings) snapshot() (uint64, uint64) {
	return t.NumCalls.Load(), t.TotalNS.Load()
}
