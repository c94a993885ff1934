// Package events provides the typed change-event bus of the runtime.
// A ChangeEvent announces that some piece of domain state changed; feature
// code subscribes per category and the action dispatcher turns categories
// into work.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Category classifies a change event. Feature modules may use their own
// categories in addition to the well-known ones below.
type Category string

const (
	CategoryAuth                       Category = "AUTH"
	CategoryFtux                       Category = "FTUX"
	CategoryFtuxComplete               Category = "FTUX_COMPLETE"
	CategoryLogin                      Category = "LOGIN"
	CategorySignup                     Category = "SIGNUP"
	CategoryLogout                     Category = "LOGOUT"
	CategoryAppInitDone                Category = "APP_INIT_DONE"
	CategoryUserProfile                Category = "USER_PROFILE"
	CategoryUserAssessment             Category = "USER_ASSESSMENT"
	CategoryAssessmentUpdated          Category = "ASSESSMENT_UPDATED"
	CategoryAssessmentDeleted          Category = "ASSESSMENT_DELETED"
	CategoryUserProfileRefresh         Category = "USER_PROFILE_REFRESH"
	CategoryUserProfileGenerateSummary Category = "USER_PROFILE_GENERATE_SUMMARY"
	CategoryShortTermGoal              Category = "SHORT_TERM_GOAL"
	CategoryLongTermGoal               Category = "LONG_TERM_GOAL"
	CategoryMainInterest               Category = "MAIN_INTEREST"
	CategoryProfessionalDevelopment    Category = "PROFESSIONAL_DEVELOPMENT"
	CategoryDigDeeper                  Category = "DIG_DEEPER"
	CategoryChat                       Category = "CHAT"
	CategoryCoreValues                 Category = "CORE_VALUES"
	CategoryMotivations                Category = "MOTIVATIONS"
	CategoryWeaknesses                 Category = "WEAKNESSES"
	CategoryAboutYou                   Category = "ABOUT_YOU"
	CategoryTopQualities               Category = "TOP_QUALITIES"
	CategoryQuickInsight               Category = "QUICK_INSIGHT"
	CategoryInnerCircle                Category = "INNER_CIRCLE"
)

// AllCategories lists the well-known categories in declaration order.
func AllCategories() []Category {
	return []Category{
		CategoryAuth, CategoryFtux, CategoryFtuxComplete, CategoryLogin, CategorySignup,
		CategoryLogout, CategoryAppInitDone, CategoryUserProfile, CategoryUserAssessment,
		CategoryAssessmentUpdated, CategoryAssessmentDeleted, CategoryUserProfileRefresh,
		CategoryUserProfileGenerateSummary, CategoryShortTermGoal, CategoryLongTermGoal,
		CategoryMainInterest, CategoryProfessionalDevelopment, CategoryDigDeeper, CategoryChat,
		CategoryCoreValues, CategoryMotivations, CategoryWeaknesses, CategoryAboutYou,
		CategoryTopQualities, CategoryQuickInsight, CategoryInnerCircle,
	}
}

// Origin says who caused a change.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginSystem Origin = "system"
	OriginAPI    Origin = "api"
)

// ChangeEvent is a published change notification. Events are values; the
// bus never mutates one after Emit returns, and listeners must treat the
// payload as read-only.
type ChangeEvent struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Payload   any       `json:"payload,omitempty"`
	Origin    Origin    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// String returns a JSON representation.
func (e ChangeEvent) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Listener handles events of a category. A returned error (or a panic) is
// logged by the bus and never reaches other listeners.
type Listener func(ctx context.Context, evt ChangeEvent) error

// Context keys for tracing
type contextKey string

const traceIDKey contextKey = "trace_id"

// WithTraceID adds a trace ID to the context. Events emitted with
// EmitContext carry it and listeners receive it back on their context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from ctx.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(traceIDKey).(string); ok {
		return s
	}
	return ""
}
