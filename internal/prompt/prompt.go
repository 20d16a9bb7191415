// Package prompt assembles the system prompt sent to the tutoring model.
// Build is deterministic and total: the same exercise always produces the
// same text, and an exercise with no structured context still yields a
// usable generic instruction.
package prompt

import (
	"strconv"
	"strings"

	"github.com/avaldes/ohmtutor/internal/model"
)

// SentinelToken is appended by the model (or the deterministic finish path)
// at the exact end of the message that closes an exercise. Downstream
// consumers detect completion by scanning for this token, so its spelling
// must never change.
const SentinelToken = "<FIN_EJERCICIO>"

// fallback is used when the exercise carries no tutor context at all.
const fallback = "Eres un tutor socrático. Responde en español. No des la solución: guía con preguntas."

const rules = `Eres un tutor socrático para ayudar al estudiante a razonar sobre circuitos (Ley de Ohm).
- Responde SIEMPRE en español.
- NO des la solución final directamente.
- No uses analogías.
- Si el estudiante se equivoca, guía con preguntas socráticas para que detecte el error y le guíen hacia el modo de pensar de un experto.
- Mantén un tono claro, paciente y técnico.`

const finRule = `CRITERIO DE FIN (MUY IMPORTANTE):
- En el momento que el estudiante da la respuesta correcta del ejercicio (diga exactamente las resistencias), indícalo brevemente y añade EXACTAMENTE el token ` + SentinelToken + ` al final de tu mensaje (sin espacios extra ni mostrarlo al usuario).
- La respuesta correcta se define por "RESPUESTA CORRECTA (RESISTENCIAS)".
- Considera correcta SOLO si el estudiante incluye TODAS esas resistencias y NO añade resistencias extra.
- Da por finalizado el ejercicio en el momento que el estudiante da la respuesta correcta, aunque haya errores previos en la conversación.`

// Build returns the full system prompt for an exercise. Field values are
// passed through verbatim; empty fields are omitted rather than emitted as
// empty labeled stubs. When the exercise has neither tutor context nor
// metadata, Build returns a minimal generic instruction.
func Build(ex model.Exercise) string {
	tc := ex.TutorContext
	tc.Normalize()

	var sections []string
	sections = append(sections, rules)

	if ctx := contextBlock(tc); ctx != "" {
		sections = append(sections, ctx)
	}
	sections = append(sections, finRule)
	if info := exerciseBlock(ex); info != "" {
		sections = append(sections, info)
	}

	if len(sections) == 2 { // rules and finRule only
		return fallback
	}
	return strings.Join(sections, "\n\n")
}

func contextBlock(tc model.TutorContext) string {
	var b strings.Builder
	section := func(label, value string) {
		if value == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(label)
		b.WriteString(":\n")
		b.WriteString(value)
	}

	section("OBJETIVO", tc.Objective)
	section("NETLIST", tc.Netlist)
	section("MODO DE PENSAR EXPERTO", tc.ExpertMode)
	section("ACs RELEVANTES (IDs)", strings.Join(tc.ACRefs, ", "))
	section("RESPUESTA CORRECTA (RESISTENCIAS)", strings.Join(tc.CorrectAnswer, ", "))
	if tc.Version > 0 {
		section("VERSIÓN CONTEXTO", strconv.Itoa(tc.Version))
	}
	return b.String()
}

func exerciseBlock(ex model.Exercise) string {
	var lines []string
	line := func(label, value string) {
		if v := strings.TrimSpace(value); v != "" {
			lines = append(lines, label+": "+v)
		}
	}

	line("Título", ex.Title)
	line("Asignatura", ex.Subject)
	line("Concepto", ex.Topic)
	if ex.Level > 0 {
		line("Nivel", strconv.Itoa(ex.Level))
	}
	line("Enunciado", ex.Statement)
	line("Imagen asociada (referencia)", ex.Image)
	if len(lines) == 0 {
		return ""
	}
	return "EJERCICIO ACTUAL:\n" + strings.Join(lines, "\n")
}
