package queue

import "errors"

// ErrQueueFull 进程内队列已满
var ErrQueueFull = errors.New("queue: full")
