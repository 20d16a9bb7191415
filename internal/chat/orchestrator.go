// Package chat orchestrates one tutoring turn: validate the request, decide
// between a deterministic finish and a model-generated reply, relay output
// to the caller, and leave the transcript in a consistent end state no
// matter how the turn ends.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avaldes/ohmtutor/internal/llm"
	"github.com/avaldes/ohmtutor/internal/model"
	"github.com/avaldes/ohmtutor/internal/prompt"
	"github.com/avaldes/ohmtutor/internal/store"
	"github.com/avaldes/ohmtutor/internal/verify"
)

// DefaultHistoryTurns bounds how much history is replayed to the model each
// turn. The transcript keeps everything; the model sees the tail.
const DefaultHistoryTurns = 20

// deterministicAck is emitted when the verifier accepts the student's
// answer. It must end with the sentinel token the frontend watches for.
const deterministicAck = "¡Correcto! Has identificado las resistencias. " + prompt.SentinelToken

// finalizeTimeout bounds the store write that closes a turn. It runs on a
// detached context because the request context may already be gone.
const finalizeTimeout = 10 * time.Second

// ErrValidation marks a request rejected before any generation started.
var ErrValidation = errors.New("chat: invalid turn request")

// TurnRequest is one inbound student turn.
type TurnRequest struct {
	UserID        string `json:"userId"`
	ExerciseID    string `json:"exerciseId"`
	InteractionID string `json:"interactionId,omitempty"`
	Message       string `json:"message"`
	// Target optionally names the upstream model endpoint.
	Target string `json:"target,omitempty"`
}

// TurnResult is the outcome of a non-streaming turn.
type TurnResult struct {
	InteractionID    string       `json:"interactionId"`
	AssistantMessage string       `json:"assistantMessage"`
	Finished         bool         `json:"finished"`
	Resumed          bool         `json:"resumed"`
	FullHistory      []model.Turn `json:"fullHistory"`
}

// EventSink receives the orchestrator's outbound stream. Implementations
// must tolerate being called after the client went away; returning an error
// from Chunk aborts generation.
type EventSink interface {
	InteractionID(id string) error
	Chunk(text string) error
}

// Transcripts is the slice of the store the orchestrator needs.
type Transcripts interface {
	CreateInteraction(userID, exerciseID string) (string, error)
	AppendTurns(interactionID string, turns []model.Turn) error
	ReadTail(interactionID string, maxTurns int) ([]model.Turn, error)
	Finalize(interactionID string, assistantText string) error
	GetInteraction(id string) (*model.Interaction, error)
}

// ExerciseLoader loads the exercise a turn refers to.
type ExerciseLoader interface {
	GetExercise(id string) (*model.Exercise, error)
}

// Gateway streams a chat completion from the model server.
type Gateway interface {
	StreamChat(ctx context.Context, target string, msgs []llm.Message, onDelta func(string) error) (string, error)
}

// Orchestrator runs the per-turn state machine.
type Orchestrator struct {
	transcripts  Transcripts
	exercises    ExerciseLoader
	gateway      Gateway
	historyTurns int
	logger       *slog.Logger
}

// New wires an orchestrator. historyTurns <= 0 selects the default bound.
func New(transcripts Transcripts, exercises ExerciseLoader, gateway Gateway, historyTurns int, logger *slog.Logger) *Orchestrator {
	if historyTurns <= 0 {
		historyTurns = DefaultHistoryTurns
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		transcripts:  transcripts,
		exercises:    exercises,
		gateway:      gateway,
		historyTurns: historyTurns,
		logger:       logger,
	}
}

// Run executes one streamed turn. When the turn opens a new interaction the
// sink receives its id before any generation; then chunks follow, and the
// method returns when the turn is closed. Whatever happens after the student's turn was appended, the
// transcript is finalized exactly once; on abort or upstream failure the
// partial assistant text is persisted before the error is returned.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, sink EventSink) error {
	_, err := o.run(ctx, req, sink)
	return err
}

// RunOnce executes one turn without streaming and returns the full outcome,
// including the interaction's complete history.
func (o *Orchestrator) RunOnce(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	res, err := o.run(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	in, err := o.transcripts.GetInteraction(res.InteractionID)
	if err != nil {
		return nil, err
	}
	if in != nil {
		res.FullHistory = in.Turns
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, sink EventSink) (*TurnResult, error) {
	// Validating. Failures here return before anything was persisted, so
	// there is nothing to finalize.
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, fmt.Errorf("%w: empty message", ErrValidation)
	}
	if !store.ValidID(req.UserID) || !store.ValidID(req.ExerciseID) {
		return nil, fmt.Errorf("%w: malformed user or exercise id", ErrValidation)
	}

	ex, err := o.exercises.GetExercise(req.ExerciseID)
	if err != nil {
		return nil, err
	}
	if ex == nil {
		return nil, fmt.Errorf("%w: exercise %s", store.ErrNotFound, req.ExerciseID)
	}

	res := &TurnResult{}
	res.InteractionID, res.Resumed, err = o.resolveInteraction(req)
	if err != nil {
		return nil, err
	}
	if sink != nil && !res.Resumed {
		// Emitted before any generation so the client can resume this
		// interaction after a disconnect. A resumed turn emits nothing:
		// the caller already holds the id.
		if err := sink.InteractionID(res.InteractionID); err != nil {
			o.finalize(res.InteractionID, "")
			return nil, err
		}
	}

	if err := o.transcripts.AppendTurns(res.InteractionID, []model.Turn{
		{Role: model.RoleStudent, Content: req.Message},
	}); err != nil {
		o.finalize(res.InteractionID, "")
		return nil, err
	}

	// From here on the student's turn is on record: every exit path must
	// go through finalize, exactly once.
	if verify.IsCorrect(req.Message, ex.TutorContext.CorrectAnswer) {
		return o.deterministicFinish(res, sink)
	}
	return o.generate(ctx, req, *ex, res, sink)
}

// resolveInteraction reuses a supplied interaction when it still exists and
// belongs to the same user and exercise, otherwise creates a new one.
func (o *Orchestrator) resolveInteraction(req TurnRequest) (id string, resumed bool, err error) {
	if req.InteractionID != "" {
		in, err := o.transcripts.GetInteraction(req.InteractionID)
		if err != nil {
			return "", false, err
		}
		if in != nil && in.UserID == req.UserID && in.ExerciseID == req.ExerciseID {
			return in.ID, true, nil
		}
		o.logger.Info("stale interaction id, starting fresh",
			"interaction", req.InteractionID, "user", req.UserID)
	}
	id, err = o.transcripts.CreateInteraction(req.UserID, req.ExerciseID)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			err = fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return "", false, err
	}
	return id, false, nil
}

func (o *Orchestrator) deterministicFinish(res *TurnResult, sink EventSink) (*TurnResult, error) {
	res.AssistantMessage = deterministicAck
	res.Finished = true
	if sink != nil {
		if err := sink.Chunk(deterministicAck); err != nil {
			// The client is gone but the answer was correct; the
			// transcript still records the acknowledgement.
			o.finalize(res.InteractionID, deterministicAck)
			return nil, err
		}
	}
	if err := o.finalize(res.InteractionID, deterministicAck); err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) generate(ctx context.Context, req TurnRequest, ex model.Exercise, res *TurnResult, sink EventSink) (*TurnResult, error) {
	history, err := o.transcripts.ReadTail(res.InteractionID, o.historyTurns)
	if err != nil {
		o.finalize(res.InteractionID, "")
		return nil, err
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompt.Build(ex)})
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == model.RoleTutor {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}

	onDelta := func(string) error { return nil }
	if sink != nil {
		onDelta = sink.Chunk
	}
	text, streamErr := o.gateway.StreamChat(ctx, req.Target, msgs, onDelta)

	// Finalizing. Runs even when the stream failed or the client left,
	// so partial output is never lost.
	if err := o.finalize(res.InteractionID, text); err != nil && streamErr == nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}

	res.AssistantMessage = text
	res.Finished = strings.Contains(text, prompt.SentinelToken)
	return res, nil
}

// finalize closes the transcript on a context detached from the request:
// the outbound connection may already be gone, but the store write must
// still happen.
func (o *Orchestrator) finalize(interactionID, assistantText string) error {
	done := make(chan error, 1)
	go func() {
		done <- o.transcripts.Finalize(interactionID, assistantText)
	}()
	select {
	case err := <-done:
		if err != nil {
			o.logger.Error("finalize failed", "interaction", interactionID, "error", err)
		}
		return err
	case <-time.After(finalizeTimeout):
		o.logger.Error("finalize timed out", "interaction", interactionID)
		return fmt.Errorf("finalize interaction %s: timed out", interactionID)
	}
}
