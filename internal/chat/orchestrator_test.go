package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/avaldes/ohmtutor/internal/llm"
	"github.com/avaldes/ohmtutor/internal/model"
	"github.com/avaldes/ohmtutor/internal/prompt"
	"github.com/avaldes/ohmtutor/internal/store"
)

type fakeTranscripts struct {
	interactions  map[string]*model.Interaction
	nextID        int
	finalizeCalls []string
	finalizeTexts []string
	appendErr     error
}

func newFakeTranscripts() *fakeTranscripts {
	return &fakeTranscripts{interactions: map[string]*model.Interaction{}}
}

func (f *fakeTranscripts) CreateInteraction(userID, exerciseID string) (string, error) {
	if !store.ValidID(userID) || !store.ValidID(exerciseID) {
		return "", store.ErrValidation
	}
	f.nextID++
	id := "in-" + string(rune('0'+f.nextID))
	f.interactions[id] = &model.Interaction{ID: id, UserID: userID, ExerciseID: exerciseID}
	return id, nil
}

func (f *fakeTranscripts) AppendTurns(id string, turns []model.Turn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	in, ok := f.interactions[id]
	if !ok {
		return store.ErrNotFound
	}
	in.Turns = append(in.Turns, turns...)
	return nil
}

func (f *fakeTranscripts) ReadTail(id string, maxTurns int) ([]model.Turn, error) {
	in, ok := f.interactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	turns := in.Turns
	if maxTurns > 0 && len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

func (f *fakeTranscripts) Finalize(id string, assistantText string) error {
	f.finalizeCalls = append(f.finalizeCalls, id)
	f.finalizeTexts = append(f.finalizeTexts, assistantText)
	in, ok := f.interactions[id]
	if !ok {
		return store.ErrNotFound
	}
	if assistantText != "" {
		in.Turns = append(in.Turns, model.Turn{Role: model.RoleTutor, Content: assistantText})
	}
	return nil
}

func (f *fakeTranscripts) GetInteraction(id string) (*model.Interaction, error) {
	in, ok := f.interactions[id]
	if !ok {
		return nil, nil
	}
	cp := *in
	return &cp, nil
}

type fakeExercises struct {
	byID map[string]*model.Exercise
}

func (f *fakeExercises) GetExercise(id string) (*model.Exercise, error) {
	return f.byID[id], nil
}

type fakeGateway struct {
	deltas    []string
	err       error
	called    bool
	gotTarget string
	gotMsgs   []llm.Message
}

func (f *fakeGateway) StreamChat(ctx context.Context, target string, msgs []llm.Message, onDelta func(string) error) (string, error) {
	f.called = true
	f.gotTarget = target
	f.gotMsgs = msgs
	var text strings.Builder
	for _, d := range f.deltas {
		text.WriteString(d)
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				return text.String(), err
			}
		}
	}
	return text.String(), f.err
}

type recordingSink struct {
	ids      []string
	chunks   []string
	chunkErr error
}

func (r *recordingSink) InteractionID(id string) error {
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingSink) Chunk(text string) error {
	if r.chunkErr != nil {
		return r.chunkErr
	}
	r.chunks = append(r.chunks, text)
	return nil
}

func testExercise() *model.Exercise {
	return &model.Exercise{
		ID:    "ex-1",
		Title: "Serie simple",
		TutorContext: model.TutorContext{
			Objective:     "identificar resistencias",
			CorrectAnswer: []string{"R1", "R2"},
		},
	}
}

func newTestOrchestrator(ts *fakeTranscripts, gw *fakeGateway) *Orchestrator {
	exercises := &fakeExercises{byID: map[string]*model.Exercise{"ex-1": testExercise()}}
	return New(ts, exercises, gw, 0, nil)
}

func TestRunGeneratingPath(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{deltas: []string{"¿Qué ", "observas?"}}
	o := newTestOrchestrator(ts, gw)
	sink := &recordingSink{}

	err := o.Run(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", Message: "no lo sé",
	}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.ids) != 1 {
		t.Fatalf("interaction id emitted %d times, want 1", len(sink.ids))
	}
	if got := strings.Join(sink.chunks, ""); got != "¿Qué observas?" {
		t.Errorf("relayed chunks = %q", got)
	}
	if len(ts.finalizeCalls) != 1 {
		t.Fatalf("finalize called %d times, want 1", len(ts.finalizeCalls))
	}
	if ts.finalizeTexts[0] != "¿Qué observas?" {
		t.Errorf("finalized text = %q", ts.finalizeTexts[0])
	}

	in := ts.interactions[sink.ids[0]]
	if len(in.Turns) != 2 || in.Turns[0].Role != model.RoleStudent || in.Turns[1].Role != model.RoleTutor {
		t.Errorf("transcript = %+v", in.Turns)
	}
	// System prompt first, then the student's message.
	if gw.gotMsgs[0].Role != llm.RoleSystem || !strings.Contains(gw.gotMsgs[0].Content, prompt.SentinelToken) {
		t.Errorf("first message should be the system prompt: %+v", gw.gotMsgs[0])
	}
	if last := gw.gotMsgs[len(gw.gotMsgs)-1]; last.Role != llm.RoleUser || last.Content != "no lo sé" {
		t.Errorf("last message = %+v", last)
	}
}

func TestRunDeterministicFinish(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{}
	o := newTestOrchestrator(ts, gw)
	sink := &recordingSink{}

	err := o.Run(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", Message: "Son R1 y R2",
	}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.called {
		t.Error("gateway must not be invoked on a correct answer")
	}
	if len(sink.chunks) != 1 || !strings.HasSuffix(sink.chunks[0], prompt.SentinelToken) {
		t.Errorf("ack chunk = %v", sink.chunks)
	}
	if len(ts.finalizeCalls) != 1 || ts.finalizeTexts[0] != sink.chunks[0] {
		t.Errorf("finalize = %v / %v", ts.finalizeCalls, ts.finalizeTexts)
	}
}

func TestRunValidation(t *testing.T) {
	ts := newFakeTranscripts()
	o := newTestOrchestrator(ts, &fakeGateway{})

	tests := []struct {
		name string
		req  TurnRequest
	}{
		{"empty message", TurnRequest{UserID: "u1", ExerciseID: "ex-1", Message: "   "}},
		{"bad user id", TurnRequest{UserID: "u 1", ExerciseID: "ex-1", Message: "hola"}},
		{"bad exercise id", TurnRequest{UserID: "u1", ExerciseID: "", Message: "hola"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := o.Run(context.Background(), tt.req, &recordingSink{})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
	if len(ts.finalizeCalls) != 0 {
		t.Errorf("validation failures must not finalize, got %v", ts.finalizeCalls)
	}
}

func TestRunExerciseNotFound(t *testing.T) {
	ts := newFakeTranscripts()
	o := newTestOrchestrator(ts, &fakeGateway{})
	err := o.Run(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "missing", Message: "hola",
	}, &recordingSink{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(ts.finalizeCalls) != 0 {
		t.Errorf("nothing was created, nothing to finalize")
	}
}

func TestRunUpstreamErrorPersistsPartial(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{deltas: []string{"respuesta a med"}, err: llm.ErrUpstreamTimeout}
	o := newTestOrchestrator(ts, gw)
	sink := &recordingSink{}

	err := o.Run(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", Message: "hola",
	}, sink)
	if !errors.Is(err, llm.ErrUpstreamTimeout) {
		t.Fatalf("err = %v, want ErrUpstreamTimeout", err)
	}
	if len(ts.finalizeCalls) != 1 {
		t.Fatalf("finalize called %d times, want 1", len(ts.finalizeCalls))
	}
	if ts.finalizeTexts[0] != "respuesta a med" {
		t.Errorf("partial text not persisted: %q", ts.finalizeTexts[0])
	}
}

func TestRunClientDisconnectStillFinalizes(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{deltas: []string{"antes", " después"}}
	o := newTestOrchestrator(ts, gw)
	disconnect := errors.New("client gone")
	sink := &recordingSink{chunkErr: disconnect}

	err := o.Run(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", Message: "hola",
	}, sink)
	if !errors.Is(err, disconnect) {
		t.Fatalf("err = %v, want sink error", err)
	}
	if len(ts.finalizeCalls) != 1 || ts.finalizeTexts[0] != "antes" {
		t.Errorf("partial text must survive a disconnect: %v / %v", ts.finalizeCalls, ts.finalizeTexts)
	}
}

func TestRunResumesExistingInteraction(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{deltas: []string{"sigue"}}
	o := newTestOrchestrator(ts, gw)

	first, err := o.RunOnce(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", Message: "hola",
	})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if first.Resumed {
		t.Error("first turn should not be marked resumed")
	}

	second, err := o.RunOnce(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", InteractionID: first.InteractionID, Message: "sigo sin verlo",
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if !second.Resumed || second.InteractionID != first.InteractionID {
		t.Errorf("second turn should resume %s, got %+v", first.InteractionID, second)
	}
	if len(second.FullHistory) != 4 {
		t.Errorf("full history = %d turns, want 4", len(second.FullHistory))
	}
}

func TestRunResumedTurnEmitsNoInteractionID(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{deltas: []string{"sigue"}}
	o := newTestOrchestrator(ts, gw)

	first := &recordingSink{}
	if err := o.Run(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", Message: "hola",
	}, first); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if len(first.ids) != 1 {
		t.Fatalf("new interaction should emit its id once, got %v", first.ids)
	}

	second := &recordingSink{}
	if err := o.Run(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", InteractionID: first.ids[0], Message: "sigo",
	}, second); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if len(second.ids) != 0 {
		t.Errorf("resumed turn must not re-emit the id, got %v", second.ids)
	}
	if len(second.chunks) == 0 {
		t.Error("resumed turn should still stream chunks")
	}
}

func TestRunStaleInteractionStartsFresh(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{deltas: []string{"ok"}}
	o := newTestOrchestrator(ts, gw)

	res, err := o.RunOnce(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", InteractionID: "gone", Message: "hola",
	})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Resumed || res.InteractionID == "gone" {
		t.Errorf("stale id should yield a fresh interaction: %+v", res)
	}
}

func TestRunOnceDetectsModelFinish(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{deltas: []string{"¡Eso es! ", prompt.SentinelToken}}
	o := newTestOrchestrator(ts, gw)

	res, err := o.RunOnce(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", Message: "creo que R1 y R3",
	})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !res.Finished {
		t.Error("sentinel in model output should mark the turn finished")
	}
}

func TestRunBoundsHistory(t *testing.T) {
	ts := newFakeTranscripts()
	gw := &fakeGateway{deltas: []string{"ok"}}
	exercises := &fakeExercises{byID: map[string]*model.Exercise{"ex-1": testExercise()}}
	o := New(ts, exercises, gw, 2, nil)

	id, _ := ts.CreateInteraction("u1", "ex-1")
	for i := 0; i < 6; i++ {
		_ = ts.AppendTurns(id, []model.Turn{{Role: model.RoleStudent, Content: "m"}})
	}

	_, err := o.RunOnce(context.Background(), TurnRequest{
		UserID: "u1", ExerciseID: "ex-1", InteractionID: id, Message: "hola",
	})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// System prompt plus at most 2 history turns.
	if len(gw.gotMsgs) != 3 {
		t.Errorf("sent %d messages upstream, want 3", len(gw.gotMsgs))
	}
}
