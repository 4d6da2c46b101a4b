package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/influxdata/influxdb-client-go/api/write"
)

var (
	_ api.WriteAPI = (*MockWriteAPI)(nil)
	_ api.WriteAPI = (*RecordingWriteAPI)(nil)
)

// MockWriteAPI discards everything. It stands in when no InfluxDB is
// configured.
type MockWriteAPI struct{}

func (m *MockWriteAPI) WriteRecord(line string)       {}
func (m *MockWriteAPI) WritePoint(point *write.Point) {}
func (m *MockWriteAPI) Flush()                        {}
func (m *MockWriteAPI) Close()                        {}
func (m *MockWriteAPI) Errors() <-chan error          { return nil }

// RecordingWriteAPI keeps every point written, for tests.
type RecordingWriteAPI struct {
	mu     sync.Mutex
	points []*write.Point
}

func (r *RecordingWriteAPI) WriteRecord(line string) {}

func (r *RecordingWriteAPI) WritePoint(point *write.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, point)
}

func (r *RecordingWriteAPI) Flush()               {}
func (r *RecordingWriteAPI) Close()               {}
func (r *RecordingWriteAPI) Errors() <-chan error { return nil }

// Points returns the names of the points written so far, in order.
func (r *RecordingWriteAPI) Points() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]string, len(r.points))
	for i, p := range r.points {
		ret[i] = p.Name()
	}
	return ret
}
