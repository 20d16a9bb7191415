package prompt

import (
	"strings"
	"testing"

	"github.com/avaldes/ohmtutor/internal/model"
)

func sampleExercise() model.Exercise {
	return model.Exercise{
		ID:        "ex-1",
		Title:     "Resistencias en serie",
		Statement: "Identifica las resistencias que disipan potencia.",
		Subject:   "Física",
		Topic:     "Ley de Ohm",
		Level:     2,
		Image:     "/static/circuits/ex1.png",
		TutorContext: model.TutorContext{
			Objective:     "Que el estudiante identifique R1, R2 y R4.",
			Netlist:       "V1 1 0 10\nR1 1 2 100\nR2 2 3 200\nR4 3 0 50",
			ExpertMode:    "Recorre el circuito nodo a nodo.",
			ACRefs:        []string{"AC3", "AC7"},
			CorrectAnswer: []string{"R1", "R2", "R4"},
			Version:       3,
		},
	}
}

func TestBuildDeterministic(t *testing.T) {
	ex := sampleExercise()
	if Build(ex) != Build(ex) {
		t.Fatal("Build is not deterministic for identical input")
	}
}

func TestBuildSectionOrder(t *testing.T) {
	got := Build(sampleExercise())

	markers := []string{
		"tutor socrático",
		"OBJETIVO:",
		"NETLIST:",
		"MODO DE PENSAR EXPERTO:",
		"ACs RELEVANTES (IDs):",
		"RESPUESTA CORRECTA (RESISTENCIAS):",
		"VERSIÓN CONTEXTO:",
		"CRITERIO DE FIN",
		SentinelToken,
		"EJERCICIO ACTUAL:",
		"Título: Resistencias en serie",
		"Enunciado: Identifica las resistencias",
	}
	prev := -1
	for _, m := range markers {
		idx := strings.Index(got, m)
		if idx < 0 {
			t.Fatalf("prompt missing %q:\n%s", m, got)
		}
		if idx < prev {
			t.Fatalf("section %q appears out of order", m)
		}
		prev = idx
	}
}

func TestBuildVerbatimValues(t *testing.T) {
	ex := sampleExercise()
	got := Build(ex)

	for _, want := range []string{
		ex.TutorContext.Objective,
		ex.TutorContext.Netlist,
		ex.TutorContext.ExpertMode,
		"AC3, AC7",
		"R1, R2, R4",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt does not carry value verbatim: %q", want)
		}
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	ex := sampleExercise()
	ex.TutorContext.Netlist = ""
	ex.TutorContext.ACRefs = nil
	ex.Image = ""

	got := Build(ex)
	for _, absent := range []string{"NETLIST:", "ACs RELEVANTES", "Imagen asociada"} {
		if strings.Contains(got, absent) {
			t.Errorf("empty section %q should be omitted", absent)
		}
	}
	if !strings.Contains(got, "OBJETIVO:") {
		t.Error("non-empty sections must survive")
	}
}

func TestBuildFallbackWhenEmpty(t *testing.T) {
	got := Build(model.Exercise{ID: "ex-empty"})
	if got != fallback {
		t.Fatalf("empty exercise should yield the generic instruction, got:\n%s", got)
	}
}

func TestBuildNormalizesAnswerLabels(t *testing.T) {
	ex := sampleExercise()
	ex.TutorContext.CorrectAnswer = []string{" r1 ", "r 2", "R4"}

	got := Build(ex)
	if !strings.Contains(got, "R1, R2, R4") {
		t.Fatalf("answer labels should be uppercased and de-spaced:\n%s", got)
	}
}
