package lua

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// OutputCollectorMetrics provides lock-free metrics tracking for OutputCollector
type OutputCollectorMetrics struct {
	RecordsProcessed   int64
	ErrorsOccurred     int64
	RecordsOverwritten int64 // lost to buffer overflow, oldest first
}

func (m *OutputCollectorMetrics) incProcessed() { atomic.AddInt64(&m.RecordsProcessed, 1) }
func (m *OutputCollectorMetrics) incErrors()    { atomic.AddInt64(&m.ErrorsOccurred, 1) }
func (m *OutputCollectorMetrics) addOverwritten(n uint32) {
	atomic.AddInt64(&m.RecordsOverwritten, int64(n))
}

const (
	CollectorStateNotRunning uint32 = iota
	CollectorStateRunning
	CollectorStateStopping

	// MaxBufferSize guards against accidental misconfiguration
	MaxBufferSize uint32 = 64 * 1024
)

// OutputCollector drains an engine's output channel into a bounded ring buffer for the
// duration of one run. When the buffer is full the oldest lines are overwritten.
//
// All methods are thread-safe.
type OutputCollector struct {
	outputChan <-chan OutputRecord
	buffer     mpmc.RichOverlappedRingBuffer[OutputRecord]
	tap        func(OutputRecord) // sees every record as it arrives, may be nil
	stop       chan struct{}
	done       chan struct{}
	metrics    OutputCollectorMetrics
	state      uint32
}

// NewOutputCollector creates a collector holding at most bufferSize records
func NewOutputCollector(ch <-chan OutputRecord, bufferSize uint32, tap func(OutputRecord)) (*OutputCollector, error) {
	if ch == nil {
		return nil, fmt.Errorf("output channel cannot be nil")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}

	return &OutputCollector{
		outputChan: ch,
		buffer:     mpmc.NewOverlappedRingBuffer[OutputRecord](bufferSize),
		tap:        tap,
		state:      CollectorStateNotRunning,
	}, nil
}

// Start begins collecting output records
func (c *OutputCollector) Start() error {
	if !atomic.CompareAndSwapUint32(&c.state, CollectorStateNotRunning, CollectorStateRunning) {
		return fmt.Errorf("collector is not idle (state %d)", atomic.LoadUint32(&c.state))
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	started := make(chan struct{}, 1)

	go func() {
		started <- struct{}{}
		defer func() {
			close(c.done)
			atomic.StoreUint32(&c.state, CollectorStateNotRunning)
		}()

		for {
			select {
			case <-c.stop:
				// whatever the run printed before Stop still belongs to it
				for {
					select {
					case rec, ok := <-c.outputChan:
						if !ok || !c.collect(rec) {
							return
						}
					default:
						return
					}
				}
			case rec, ok := <-c.outputChan:
				if !ok || !c.collect(rec) {
					return
				}
			}
		}
	}()

	select {
	case <-started:
		return nil
	case <-time.After(time.Second):
		close(c.stop)
		<-c.done
		return fmt.Errorf("collector failed to start within 1s timeout")
	}
}

func (c *OutputCollector) collect(rec OutputRecord) bool {
	overwrites, err := c.buffer.EnqueueM(rec)
	if err != nil {
		c.metrics.incErrors()
		return false
	}
	c.metrics.addOverwritten(overwrites)
	c.metrics.incProcessed()
	if c.tap != nil {
		c.tap(rec)
	}
	return true
}

// Stop collects what is already queued and then stops
func (c *OutputCollector) Stop() error {
	if !atomic.CompareAndSwapUint32(&c.state, CollectorStateRunning, CollectorStateStopping) {
		if atomic.LoadUint32(&c.state) == CollectorStateNotRunning {
			return nil
		}
	} else {
		close(c.stop)
	}

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		<-c.done
		return fmt.Errorf("collector stop exceeded 5s")
	}
}

// GetMetrics returns a copy of the current metrics
func (c *OutputCollector) GetMetrics() OutputCollectorMetrics {
	return OutputCollectorMetrics{
		RecordsProcessed:   atomic.LoadInt64(&c.metrics.RecordsProcessed),
		ErrorsOccurred:     atomic.LoadInt64(&c.metrics.ErrorsOccurred),
		RecordsOverwritten: atomic.LoadInt64(&c.metrics.RecordsOverwritten),
	}
}

// Records drains the buffered records, oldest first
func (c *OutputCollector) Records() ([]OutputRecord, error) {
	var out []OutputRecord
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			return out, fmt.Errorf("buffer dequeue error: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ConsumePlainText drains the buffer and concatenates record contents
func (c *OutputCollector) ConsumePlainText() (string, error) {
	recs, err := c.Records()
	var b strings.Builder
	for _, r := range recs {
		b.WriteString(r.Content)
	}
	return b.String(), err
}
