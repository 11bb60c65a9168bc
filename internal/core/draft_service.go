package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/config"
	"github.com/keyton-weissinger/patchworkmcp/internal/repo"
	"github.com/keyton-weissinger/patchworkmcp/internal/store"
)

type Stage string

const (
	StagePending    Stage = "pending"
	StageScoring    Stage = "scoring_context"
	StageAssembling Stage = "assembling_context"
	StageGenerating Stage = "generating"
	StagePublishing Stage = "publishing"
	StageSucceeded  Stage = "succeeded"
	StageFailed     Stage = "failed"
)

const (
	StatusStarted   = "started"
	StatusProgress  = "progress"
	StatusCompleted = "completed"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// eventBuffer exceeds the number of events one attempt can emit, so the
// pipeline never blocks on a consumer that went away.
const eventBuffer = 32

// Event is one progress message of a draft attempt.
type Event struct {
	Stage     Stage          `json:"stage"`
	Status    string         `json:"status"`
	Detail    string         `json:"detail,omitempty"`
	PR        *store.DraftPR `json:"pr,omitempty"`
	ErrorKind apperr.Kind    `json:"error_kind,omitempty"`
	Message   string         `json:"message,omitempty"`
}

func (e Event) Terminal() bool {
	return e.Status == StatusSucceeded || e.Status == StatusFailed
}

// DraftAttempt describes one run of the pipeline for a feedback item.
type DraftAttempt struct {
	FeedbackID    string  `json:"feedback_id"`
	AttemptNumber int     `json:"attempt_number"`
	Status        Stage   `json:"status"`
	Events        []Event `json:"-"`
	Err           error   `json:"-"`
}

// Ledger is the part of the feedback store the pipeline needs.
type Ledger interface {
	Get(ctx context.Context, id string) (*store.FeedbackItem, error)
	Notes(ctx context.Context, feedbackID string) ([]store.Note, error)
	NextDraftAttempt(ctx context.Context, id string) (int, error)
	SetDraftPR(ctx context.Context, id string, pr store.DraftPR) error
}

// Toolchain is the set of external collaborators for one attempt.
type Toolchain struct {
	Repo      repo.Ref
	Publisher repo.Publisher
	Model     Model
	// Close releases per-attempt clients. May be nil.
	Close func()
}

// ToolchainProvider builds a Toolchain from the current settings. It returns a
// validation error when credentials are missing.
type ToolchainProvider interface {
	Toolchain(ctx context.Context) (*Toolchain, error)
}

type DraftOptions struct {
	Policy             config.ScoringPolicy
	Generator          GeneratorConfig
	MaxPublishAttempts int
	Debug              bool
}

func DefaultDraftOptions(policy config.ScoringPolicy) DraftOptions {
	return DraftOptions{
		Policy:             policy,
		Generator:          DefaultGeneratorConfig(),
		MaxPublishAttempts: 3,
	}
}

// DraftService runs draft attempts, allowing at most one in flight per item.
type DraftService struct {
	ledger Ledger
	tools  ToolchainProvider
	scorer *Scorer
	opts   DraftOptions
	now    func() time.Time

	mu       sync.Mutex
	inFlight map[string]int
	wg       sync.WaitGroup
}

func NewDraftService(ledger Ledger, tools ToolchainProvider, opts DraftOptions) *DraftService {
	if opts.MaxPublishAttempts < 1 {
		opts.MaxPublishAttempts = 1
	}
	return &DraftService{
		ledger:   ledger,
		tools:    tools,
		scorer:   NewScorer(opts.Policy),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]int),
	}
}

func (s *DraftService) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = 0
	return true
}

func (s *DraftService) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// InFlight reports whether an attempt for id has not reached a terminal state.
func (s *DraftService) InFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inFlight[id]
	return busy
}

// Wait blocks until every running attempt has finished.
func (s *DraftService) Wait() {
	s.wg.Wait()
}

// Start validates the request and launches the pipeline. Errors returned here
// happen before any event is produced. The returned channel is closed after
// the terminal event; it keeps running if the caller stops reading.
func (s *DraftService) Start(ctx context.Context, id string) (*DraftAttempt, <-chan Event, error) {
	if _, err := s.ledger.Get(ctx, id); err != nil {
		return nil, nil, err
	}
	if !s.acquire(id) {
		return nil, nil, apperr.New(apperr.KindAlreadyInProgress, "a draft for feedback %s is already in progress", id)
	}

	tc, err := s.tools.Toolchain(ctx)
	if err != nil {
		s.release(id)
		return nil, nil, err
	}
	number, err := s.ledger.NextDraftAttempt(ctx, id)
	if err != nil {
		s.release(id)
		if tc.Close != nil {
			tc.Close()
		}
		return nil, nil, err
	}

	s.mu.Lock()
	s.inFlight[id] = number
	s.mu.Unlock()

	run := &DraftAttempt{FeedbackID: id, AttemptNumber: number, Status: StagePending}
	snapshot := *run
	events := make(chan Event, eventBuffer)

	s.wg.Add(1)
	go s.run(context.WithoutCancel(ctx), run, tc, events)
	return &snapshot, events, nil
}

func (s *DraftService) run(ctx context.Context, run *DraftAttempt, tc *Toolchain, events chan<- Event) {
	defer s.wg.Done()
	defer close(events)
	if tc.Close != nil {
		defer tc.Close()
	}

	emit := func(e Event) {
		run.Events = append(run.Events, e)
		if s.opts.Debug {
			log.Printf("draft %s#%d: %s %s %s", run.FeedbackID, run.AttemptNumber, e.Stage, e.Status, e.Detail)
		}
		events <- e
	}

	var pr *store.DraftPR
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperr.New(apperr.KindInternal, "draft pipeline panicked: %v", r)
			}
		}()
		pr, err = s.pipeline(ctx, run, tc, emit)
		return err
	}()

	s.release(run.FeedbackID)
	if err != nil {
		run.Status, run.Err = StageFailed, err
		log.Printf("Draft for feedback %s (attempt %d) failed: %v", run.FeedbackID, run.AttemptNumber, err)
		emit(Event{Stage: StageFailed, Status: StatusFailed, ErrorKind: apperr.KindOf(err), Message: err.Error()})
		return
	}
	run.Status = StageSucceeded
	log.Printf("Draft for feedback %s (attempt %d) opened %s", run.FeedbackID, run.AttemptNumber, pr.URL)
	emit(Event{Stage: StageSucceeded, Status: StatusSucceeded, PR: pr})
}

func (s *DraftService) pipeline(ctx context.Context, run *DraftAttempt, tc *Toolchain, emit func(Event)) (*store.DraftPR, error) {
	id := run.FeedbackID
	enter := func(stage Stage, detail string) {
		run.Status = stage
		emit(Event{Stage: stage, Status: StatusStarted, Detail: detail})
	}

	item, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	notes, err := s.ledger.Notes(ctx, id)
	if err != nil {
		return nil, err
	}
	assembler := NewContextAssembler(tc.Publisher, s.opts.Policy)

	enter(StageScoring, "reading "+tc.Repo.String())
	tree, err := assembler.ReadTree(ctx, tc.Repo)
	if err != nil {
		return nil, err
	}
	candidates := s.scorer.Score(tree, item)
	emit(Event{Stage: StageScoring, Status: StatusCompleted,
		Detail: fmt.Sprintf("ranked %d of %d files", len(candidates), len(tree))})

	enter(StageAssembling, fmt.Sprintf("fetching %d files", len(candidates)))
	pc, err := assembler.Assemble(ctx, tc.Repo, candidates, item, notes, tree)
	if err != nil {
		return nil, err
	}
	if len(pc.Warnings) > 0 {
		emit(Event{Stage: StageAssembling, Status: StatusProgress,
			Detail: fmt.Sprintf("skipped %d files: %s", len(pc.Warnings), strings.Join(pc.Warnings, "; "))})
	}
	emit(Event{Stage: StageAssembling, Status: StatusCompleted,
		Detail: fmt.Sprintf("%d files, %d notes", len(pc.Files), len(notes))})

	enter(StageGenerating, "")
	patch, err := NewGenerator(tc.Model, s.opts.Generator).Generate(ctx, pc)
	if err != nil {
		return nil, err
	}
	emit(Event{Stage: StageGenerating, Status: StatusCompleted,
		Detail: fmt.Sprintf("%d file changes: %s", len(patch.Files), patch.PRTitle)})

	enter(StagePublishing, "")
	attempt := run.AttemptNumber
	var ref *repo.PRRef
	for i := 1; ; i++ {
		branch := repo.BranchName(id, attempt)
		ref, err = tc.Publisher.Publish(ctx, tc.Repo, branch, *patch)
		if err == nil {
			break
		}
		if !apperr.Is(err, apperr.KindConflict) || i >= s.opts.MaxPublishAttempts {
			return nil, err
		}
		if attempt, err = s.ledger.NextDraftAttempt(ctx, id); err != nil {
			return nil, err
		}
		emit(Event{Stage: StagePublishing, Status: StatusProgress,
			Detail: fmt.Sprintf("branch %s already exists, retrying as attempt %d", branch, attempt)})
	}
	run.AttemptNumber = attempt

	if err := tc.Publisher.UpdatePRDescription(ctx, tc.Repo, *ref, describe(patch, item, attempt)); err != nil {
		log.Printf("Could not update description of %s: %v", ref.URL, err)
		emit(Event{Stage: StagePublishing, Status: StatusProgress, Detail: "pull request description not updated"})
	}

	draft := store.DraftPR{URL: ref.URL, Branch: ref.Branch, Number: ref.Number, Attempt: attempt, CreatedAt: s.now()}
	if err := s.ledger.SetDraftPR(ctx, id, draft); err != nil {
		return nil, fmt.Errorf("pull request %s opened but not recorded: %w", ref.URL, err)
	}
	emit(Event{Stage: StagePublishing, Status: StatusCompleted, Detail: ref.URL})
	return &draft, nil
}

// describe appends traceability details to the model's PR body.
func describe(patch *StructuredPatch, item *store.FeedbackItem, attempt int) string {
	var b strings.Builder
	b.WriteString(patch.PRBody)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "Drafted by PatchworkMCP from feedback `%s` (attempt %d).\n", item.ID, attempt)
	if item.GapType != "" {
		fmt.Fprintf(&b, "Gap type: %s\n", item.GapType)
	}
	if item.DraftPR != nil {
		fmt.Fprintf(&b, "Supersedes %s\n", item.DraftPR.URL)
	}
	b.WriteString("\nThis is a draft. Review before merging.\n")
	return b.String()
}
