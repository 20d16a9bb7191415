package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/avaldes/ohmtutor/internal/model"
)

// SaveResult records the outcome of a finished interaction and returns the
// result id.
func (s *Store) SaveResult(r model.Result) (string, error) {
	if !ValidID(r.UserID) || !ValidID(r.ExerciseID) || !ValidID(r.InteractionID) {
		return "", fmt.Errorf("%w: malformed id on result", ErrValidation)
	}
	acs, err := json.Marshal(r.ACs)
	if err != nil {
		return "", fmt.Errorf("marshal result acs: %w", err)
	}
	id := newID()
	_, err = s.db.Exec(
		`INSERT INTO results (id, user_id, exercise_id, interaction_id, solved_first_try, turn_count, analysis, advice, acs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.UserID, r.ExerciseID, r.InteractionID, r.SolvedFirstTry, r.TurnCount, r.Analysis, r.Advice, string(acs), time.Now(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// CompletedExerciseIDs returns the distinct exercise ids a user has a result
// for.
func (s *Store) CompletedExerciseIDs(userID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT exercise_id FROM results WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListResultsByUser returns a user's results, newest first.
func (s *Store) ListResultsByUser(userID string) ([]model.Result, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, exercise_id, interaction_id, solved_first_try, turn_count, analysis, advice, acs, created_at
		 FROM results WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Result
	for rows.Next() {
		var r model.Result
		var acs string
		if err := rows.Scan(&r.ID, &r.UserID, &r.ExerciseID, &r.InteractionID, &r.SolvedFirstTry,
			&r.TurnCount, &r.Analysis, &r.Advice, &acs, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(acs), &r.ACs); err != nil {
			return nil, fmt.Errorf("parse acs for result %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TopicEffort is the average turn count a user spends on one topic.
type TopicEffort struct {
	Topic    string  `json:"topic"`
	AvgTurns float64 `json:"avgTurns"`
}

// FrequentAC is a misconception and how often it appeared in a user's
// results.
type FrequentAC struct {
	Label string `json:"label"`
	Text  string `json:"text"`
	Count int    `json:"count"`
}

// LastSession summarizes a user's most recent result.
type LastSession struct {
	ExerciseTitle string `json:"exerciseTitle"`
	Analysis      string `json:"analysis"`
	Advice        string `json:"advice"`
}

// Recommendation points the student at the topic their history suggests
// needs the most work.
type Recommendation struct {
	Title      string `json:"title"`
	Reason     string `json:"reason"`
	ExerciseID string `json:"exerciseId,omitempty"`
	Topic      string `json:"topic"`
}

// Progress aggregates a user's activity for the dashboard.
type Progress struct {
	AvgTurns     float64        `json:"avgTurns"`
	TopicEfforts []TopicEffort  `json:"topicEfforts"`
	WeeklyDone   int            `json:"weeklyDone"`
	WeeklyTopics int            `json:"weeklyTopics"`
	LastSession  LastSession    `json:"lastSession"`
	FrequentACs  []FrequentAC   `json:"frequentAcs"`
	Recommended  Recommendation `json:"recommendation"`
	TotalResults int            `json:"totalResults"`
}

// GetProgress computes the dashboard aggregation for a user: average turns
// per exercise, per-topic effort, a weekly summary, the three most frequent
// misconceptions and a topic recommendation.
func (s *Store) GetProgress(userID string) (*Progress, error) {
	results, err := s.ListResultsByUser(userID)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		TopicEfforts: []TopicEffort{},
		FrequentACs:  []FrequentAC{},
		Recommended: Recommendation{
			Reason: "Haz un ejercicio para que el tutor pueda recomendarte una práctica personalizada.",
		},
		LastSession: LastSession{
			ExerciseTitle: "¡Bienvenido!",
			Analysis:      "Aún no has completado ningún ejercicio.",
			Advice:        "Empieza con uno para ver aquí tu progreso.",
		},
	}
	if len(results) == 0 {
		return p, nil
	}
	p.TotalResults = len(results)

	titles := make(map[string]string)
	topics := make(map[string]string)
	for _, r := range results {
		if _, ok := topics[r.ExerciseID]; ok {
			continue
		}
		ex, err := s.GetExercise(r.ExerciseID)
		if err != nil {
			return nil, err
		}
		if ex != nil {
			titles[r.ExerciseID] = ex.Title
			topics[r.ExerciseID] = ex.Topic
		}
	}

	totalTurns := 0
	type acc struct{ total, count int }
	byTopic := make(map[string]*acc)
	weekAgo := time.Now().AddDate(0, 0, -7)
	weeklyTopics := make(map[string]bool)
	acCounts := make(map[string]FrequentAC)

	for _, r := range results {
		totalTurns += r.TurnCount
		if topic := topics[r.ExerciseID]; topic != "" {
			a, ok := byTopic[topic]
			if !ok {
				a = &acc{}
				byTopic[topic] = a
			}
			a.total += r.TurnCount
			a.count++
		}
		if r.CreatedAt.After(weekAgo) {
			p.WeeklyDone++
			if topic := topics[r.ExerciseID]; topic != "" {
				weeklyTopics[topic] = true
			}
		}
		for _, ac := range r.ACs {
			if ac.Label == "" {
				continue
			}
			f := acCounts[ac.Label]
			f.Label = ac.Label
			if f.Text == "" {
				f.Text = ac.Text
			}
			f.Count++
			acCounts[ac.Label] = f
		}
	}

	p.AvgTurns = float64(totalTurns) / float64(len(results))
	p.WeeklyTopics = len(weeklyTopics)

	for topic, a := range byTopic {
		p.TopicEfforts = append(p.TopicEfforts, TopicEffort{
			Topic:    topic,
			AvgTurns: float64(a.total) / float64(a.count),
		})
	}
	sort.Slice(p.TopicEfforts, func(i, j int) bool {
		return p.TopicEfforts[i].AvgTurns > p.TopicEfforts[j].AvgTurns
	})

	last := results[0]
	p.LastSession = LastSession{
		ExerciseTitle: titles[last.ExerciseID],
		Analysis:      last.Analysis,
		Advice:        last.Advice,
	}
	if p.LastSession.ExerciseTitle == "" {
		p.LastSession.ExerciseTitle = "Ejercicio reciente"
	}
	if p.LastSession.Analysis == "" {
		p.LastSession.Analysis = "Análisis no disponible."
	}
	if p.LastSession.Advice == "" {
		p.LastSession.Advice = "Sigue practicando."
	}

	for _, f := range acCounts {
		p.FrequentACs = append(p.FrequentACs, f)
	}
	sort.Slice(p.FrequentACs, func(i, j int) bool {
		if p.FrequentACs[i].Count != p.FrequentACs[j].Count {
			return p.FrequentACs[i].Count > p.FrequentACs[j].Count
		}
		return p.FrequentACs[i].Label < p.FrequentACs[j].Label
	})
	if len(p.FrequentACs) > 3 {
		p.FrequentACs = p.FrequentACs[:3]
	}

	if len(p.TopicEfforts) > 0 {
		hardest := p.TopicEfforts[0].Topic
		p.Recommended = Recommendation{
			Title:  "Recomendación",
			Reason: "Te recomiendo reforzar este concepto según tu actividad reciente.",
			Topic:  hardest,
		}
		var exID, exTitle string
		err := s.db.QueryRow(
			`SELECT id, title FROM exercises WHERE topic = ? ORDER BY created_at LIMIT 1`, hardest,
		).Scan(&exID, &exTitle)
		if err == nil {
			p.Recommended.ExerciseID = exID
			p.Recommended.Title = exTitle
		} else if !isNoRows(err) {
			return nil, err
		}
	}

	return p, nil
}
