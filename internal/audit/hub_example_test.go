package audit

import (
	"context"
	"fmt"
	"time"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Record) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting a record and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:      4,
		MaxBatchRecords: 1,
		MaxBatchWait:    time.Second,
	}, sink)

	hub.Emit(Record{
		RunID:  "00000000-0000-0000-0000-000000000001",
		TS:     time.Unix(0, 0),
		Stage:  StageProductSearch,
		Status: StatusSuccess,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("records forwarded: %d\n", sink.total)
	// Output:
	// records forwarded: 1
}
