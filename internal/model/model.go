package model

import (
	"context"
	"strings"
	"time"
)

// DefaultPingInterval is how often SSE keep-alive comments are sent while a
// stream is open.
const DefaultPingInterval = 15 * time.Second

// UserRole represents a user's access level (distinct from Role which is chat turn roles).
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user. Students normally arrive through the
// institutional SSO collaborator or the demo login; the admin account is
// seeded locally with a password.
type User struct {
	ID           string     `json:"id"`
	Login        string     `json:"login"`
	Name         string     `json:"name"`
	Surname      string     `json:"surname"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         UserRole   `json:"role"`
	Active       bool       `json:"active"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Role represents a conversation turn role.
type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
)

// Turn is one message within an interaction. Immutable once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Interaction ties one user and one exercise to an ordered, append-only
// sequence of turns.
type Interaction struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	ExerciseID string    `json:"exerciseId"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Turns      []Turn    `json:"turns"`
}

// TutorContext is the structured pedagogical metadata attached to an
// exercise. The schema evolved over time in the source data; all reads go
// through this one typed struct, normalized once at load time.
type TutorContext struct {
	Objective     string   `json:"objective"`
	Netlist       string   `json:"netlist"`
	ExpertMode    string   `json:"expertMode"`
	ACRefs        []string `json:"acRefs"`
	CorrectAnswer []string `json:"correctAnswer"`
	Version       int      `json:"version"`
}

// Normalize uppercases and de-spaces component labels and AC ids, and trims
// the free-text fields. Called once when an exercise is loaded or stored.
func (tc *TutorContext) Normalize() {
	tc.Objective = strings.TrimSpace(tc.Objective)
	tc.Netlist = strings.TrimSpace(tc.Netlist)
	tc.ExpertMode = strings.TrimSpace(tc.ExpertMode)
	tc.ACRefs = normalizeLabels(tc.ACRefs)
	tc.CorrectAnswer = normalizeLabels(tc.CorrectAnswer)
}

func normalizeLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if n := NormalizeLabel(l); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// NormalizeLabel uppercases a component label and strips all whitespace.
func NormalizeLabel(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// Exercise is an immutable-per-session teaching unit authored by content
// creators. Read-only to the dialogue orchestrator.
type Exercise struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Statement    string       `json:"statement"`
	Subject      string       `json:"subject"`
	Topic        string       `json:"topic"`
	Level        int          `json:"level"`
	Image        string       `json:"image,omitempty"`
	TutorContext TutorContext `json:"tutorContext"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// ACFinding is one alternative-conception tag attached to a result.
type ACFinding struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Result records the outcome of a finished interaction: objective metrics
// plus the classifier's best-effort annotation.
type Result struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	ExerciseID     string      `json:"exerciseId"`
	InteractionID  string      `json:"interactionId"`
	SolvedFirstTry bool        `json:"solvedFirstTry"`
	TurnCount      int         `json:"turnCount"`
	Analysis       string      `json:"analysis,omitempty"`
	Advice         string      `json:"advice,omitempty"`
	ACs            []ACFinding `json:"acs"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// AppConfig holds runtime parameters set via CLI flags.
type AppConfig struct {
	DemoAuth      bool          // allow demo login without SSO
	SecureCookies bool          // Set Secure flag on cookies (disable for local dev)
	HistoryTurns  int           // bound on turns replayed to the model per request
	StaticDir     string        // directory served under /static (exercise images)
	PingInterval  time.Duration // SSE keep-alive cadence, DefaultPingInterval if zero
}
