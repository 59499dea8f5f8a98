package domain

import "context"

// Task is a piece of periodic maintenance run on a cron schedule.
type Task struct {
	Name string
	Spec string // cron expression with a seconds field, or a descriptor such as "@every 30s"
	Run  func(ctx context.Context) error
}

type Schedular interface {
	Start(ctx context.Context) error

	AddTask(task Task) error
	RemoveTask(name string) error
}
