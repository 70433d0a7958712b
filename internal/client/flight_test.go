package client

import (
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFlightServer struct {
	flight.BaseFlightServer

	mu      sync.Mutex
	paths   []string
	prompts []string
}

func (s *recordingFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	for rdr.Next() {
		rec := rdr.Record()
		col := rec.Column(0).(*array.String)
		s.mu.Lock()
		for i := 0; i < col.Len(); i++ {
			s.prompts = append(s.prompts, col.Value(i))
		}
		if desc != nil {
			s.paths = append(s.paths, desc.Path...)
		}
		s.mu.Unlock()
	}
	return rdr.Err()
}

func startFlightServer(t *testing.T) (*recordingFlightServer, string) {
	t.Helper()
	srv := &recordingFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(srv)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return srv, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	srv, addr := startFlightServer(t)

	c, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	rec, err := NewRecordBatchBuilder(memory.NewGoAllocator()).Strings([]StringColumn{
		{Name: "prompt", Values: []string{"a", "b"}},
		{Name: "output", Values: []string{"x", "y"}},
	})
	require.NoError(t, err)
	defer rec.Release()

	require.NoError(t, c.DoPut(context.Background(), "predictions/passkey", rec))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, srv.prompts)
	assert.Equal(t, []string{"predictions/passkey"}, srv.paths)
}
