package tasks

import (
	"context"
	"fmt"
	"time"

	types "github.com/yungbote/memory-service/internal/domain"
	"github.com/yungbote/memory-service/internal/pkg/env"
	"github.com/yungbote/memory-service/internal/pkg/logger"
	"github.com/yungbote/memory-service/internal/store"
)

// Handler executes one task type. Returning nil deletes the task;
// returning an error releases the claim with backoff.
type Handler func(ctx context.Context, task *types.Task) error

// Processor is the claim-based worker loop. Multiple replicas run one
// each and share the queue safely: a claim sets processing_at, a crashed
// claim goes stale and is picked up again.
type Processor struct {
	store    store.Store
	log      *logger.Logger
	handlers map[string]Handler
	periodic map[string]time.Duration

	pollInterval time.Duration
	batchSize    int
	staleClaim   time.Duration
	taskTimeout  time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration
}

func NewProcessor(st store.Store, logg *logger.Logger) *Processor {
	return &Processor{
		store:    st,
		log:      logg.With("service", "TaskProcessor"),
		handlers: map[string]Handler{},
		periodic: map[string]time.Duration{},

		pollInterval: env.GetAsDuration("TASK_POLL_INTERVAL", time.Second, logg),
		batchSize:    env.GetAsInt("TASK_BATCH_SIZE", 10, logg),
		staleClaim:   env.GetAsDuration("TASK_STALE_CLAIM", 2*time.Minute, logg),
		taskTimeout:  env.GetAsDuration("TASK_TIMEOUT", time.Minute, logg),
		baseBackoff:  env.GetAsDuration("TASK_BASE_BACKOFF", 30*time.Second, logg),
		maxBackoff:   env.GetAsDuration("TASK_MAX_BACKOFF", time.Hour, logg),
	}
}

func (p *Processor) Register(taskType string, h Handler) {
	p.handlers[taskType] = h
}

// RegisterPeriodic registers a handler whose singleton task re-enqueues
// itself after each successful run.
func (p *Processor) RegisterPeriodic(taskType string, h Handler, interval time.Duration) {
	p.handlers[taskType] = h
	p.periodic[taskType] = interval
}

// Start launches the loop and returns. Periodic tasks are seeded first so
// they exist even on a fresh database.
func (p *Processor) Start(ctx context.Context) {
	for taskType := range p.periodic {
		p.enqueuePeriodic(ctx, taskType, 0)
	}
	go func() {
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

func (p *Processor) tick(ctx context.Context) {
	claimed, err := p.store.ClaimTasks(ctx, time.Now().UTC(), p.batchSize, p.staleClaim)
	if err != nil {
		p.log.Warn("task claim failed", "error", err)
		return
	}
	for _, task := range claimed {
		p.run(ctx, task)
	}
}

func (p *Processor) run(ctx context.Context, task *types.Task) {
	handler, ok := p.handlers[task.TaskType]
	if !ok {
		p.log.Warn("no handler for task type", "task_type", task.TaskType, "task_id", task.ID)
		p.fail(ctx, task, fmt.Errorf("no handler registered for %s", task.TaskType))
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, p.taskTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("task handler panic", "task_id", task.ID, "task_type", task.TaskType, "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return handler(taskCtx, task)
	}()

	if err != nil {
		p.fail(ctx, task, err)
		return
	}
	if cErr := p.store.CompleteTask(ctx, task.ID); cErr != nil {
		p.log.Warn("task completion failed", "task_id", task.ID, "error", cErr)
		return
	}
	if interval, ok := p.periodic[task.TaskType]; ok {
		p.enqueuePeriodic(ctx, task.TaskType, interval)
	}
}

func (p *Processor) fail(ctx context.Context, task *types.Task, cause error) {
	retryAt := time.Now().UTC().Add(p.backoff(task.RetryCount))
	if err := p.store.FailTask(ctx, task.ID, cause.Error(), retryAt); err != nil {
		p.log.Warn("task failure update failed", "task_id", task.ID, "error", err)
	}
}

// backoff doubles per attempt from the base, capped.
func (p *Processor) backoff(retryCount int) time.Duration {
	d := p.baseBackoff
	for i := 0; i < retryCount && d < p.maxBackoff; i++ {
		d *= 2
	}
	if d > p.maxBackoff {
		d = p.maxBackoff
	}
	return d
}

func (p *Processor) enqueuePeriodic(ctx context.Context, taskType string, delay time.Duration) {
	name := taskType
	_, err := p.store.CreateTask(ctx, &types.Task{
		TaskName: &name,
		TaskType: taskType,
		RetryAt:  time.Now().UTC().Add(delay),
	})
	if err != nil {
		p.log.Warn("periodic task enqueue failed", "task_type", taskType, "error", err)
	}
}
