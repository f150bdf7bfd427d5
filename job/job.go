package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrDuplicateJob is returned by Spawn when a job with the same id already exists.
	ErrDuplicateJob = errors.New("job: duplicate job id")
	// ErrUnknownType is returned when no initializer is registered for a job type.
	ErrUnknownType = errors.New("job: unknown job type")
	// ErrLeaseLost is returned when another poller reclaimed the job while it was running.
	ErrLeaseLost = errors.New("job: lease lost")
)

type Type string

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
)

// Config is implemented by the configuration of every job type.
type Config interface {
	JobType() Type
}

// Job is a persisted job record.
type Job struct {
	ID             uuid.UUID
	Type           Type
	UniqueKey      *string
	State          State
	Attempt        int
	NextRunAt      time.Time
	LastError      string
	config         json.RawMessage
	executionState json.RawMessage
}

// Config decodes the job configuration into v.
func (j *Job) Config(v any) error {
	if err := json.Unmarshal(j.config, v); err != nil {
		return fmt.Errorf("job: decode %s config: %w", j.Type, err)
	}
	return nil
}

// Runner executes one run of a job.
type Runner interface {
	Run(ctx context.Context, current *CurrentJob) (Completion, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, current *CurrentJob) (Completion, error)

func (f RunnerFunc) Run(ctx context.Context, current *CurrentJob) (Completion, error) {
	return f(ctx, current)
}

// Initializer builds runners for one job type.
type Initializer interface {
	Type() Type
	Init(job *Job) (Runner, error)
	RetryPolicy() RetryPolicy
}

// RetryPolicy decides what happens after a run returned an error. MaxAttempts zero repeats
// indefinitely; otherwise the job is marked errored once Attempt reaches MaxAttempts.
type RetryPolicy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, MinBackoff: time.Second, MaxBackoff: 10 * time.Minute}
}

func RepeatIndefinitely(min, max time.Duration) RetryPolicy {
	return RetryPolicy{MinBackoff: min, MaxBackoff: max}
}

func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Backoff doubles MinBackoff per attempt up to MaxBackoff, with up to 20% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.MinBackoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < attempt && (p.MaxBackoff <= 0 || d < p.MaxBackoff); i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d + rand.N(d/5+1)
}

type completionKind int

const (
	completeKind completionKind = iota
	rescheduleAtKind
	rescheduleNowKind
)

// Completion is the outcome of a successful run. The WithTx forms record the outcome inside a
// transaction the runner already started and commit it, keeping the runner's writes and the
// job state change atomic.
type Completion struct {
	kind completionKind
	at   time.Time
	tx   pgx.Tx
}

func Complete() Completion { return Completion{kind: completeKind} }

func CompleteWithTx(tx pgx.Tx) Completion { return Completion{kind: completeKind, tx: tx} }

func RescheduleAt(at time.Time) Completion { return Completion{kind: rescheduleAtKind, at: at} }

func RescheduleAtWithTx(tx pgx.Tx, at time.Time) Completion {
	return Completion{kind: rescheduleAtKind, at: at, tx: tx}
}

func RescheduleNow() Completion { return Completion{kind: rescheduleNowKind} }

func RescheduleNowWithTx(tx pgx.Tx) Completion { return Completion{kind: rescheduleNowKind, tx: tx} }

func (c Completion) String() string {
	switch c.kind {
	case rescheduleAtKind:
		return "reschedule_at " + c.at.UTC().Format(time.RFC3339)
	case rescheduleNowKind:
		return "reschedule_now"
	default:
		return "complete"
	}
}

// Registry maps job types to initializers. It is filled at startup and read-only afterwards.
type Registry struct {
	initializers map[Type]Initializer
}

func NewRegistry() *Registry {
	return &Registry{initializers: make(map[Type]Initializer)}
}

func (r *Registry) Register(init Initializer) {
	if _, dup := r.initializers[init.Type()]; dup {
		panic(fmt.Sprintf("job: type %q registered twice", init.Type()))
	}
	r.initializers[init.Type()] = init
}

func (r *Registry) lookup(t Type) (Initializer, bool) {
	init, ok := r.initializers[t]
	return init, ok
}
