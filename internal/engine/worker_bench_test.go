package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func BenchmarkWorkerPool(b *testing.B) {
	for _, size := range []int{1, 4, 16, 64} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			pool := NewWorkerPool(size)
			defer pool.Shutdown()
			ctx := context.Background()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				pool.Submit(ctx, func(ctx context.Context) error { return nil })
			}
			pool.Wait()
		})
	}
}

func BenchmarkRunTasksInParallel(b *testing.B) {
	for _, n := range []int{10, 100} {
		tasks := make([]Task, n)
		for i := range tasks {
			tasks[i] = Task{Name: fmt.Sprintf("t%d", i), Run: func(ctx context.Context) (any, error) {
				time.Sleep(time.Microsecond)
				return nil, nil
			}}
		}
		b.Run(fmt.Sprintf("tasks=%d", n), func(b *testing.B) {
			ctx := context.Background()
			for i := 0; i < b.N; i++ {
				if _, err := RunTasksInParallel(ctx, tasks, ParallelOptions{MaxConcurrent: 8, TaskTimeout: time.Second}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
