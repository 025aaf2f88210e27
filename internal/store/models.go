package store

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrTurnNotFound    = errors.New("turn not found")
	ErrPersonaNotFound = errors.New("persona not found")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ChartType string

const (
	ChartNone    ChartType = "none"
	ChartBar     ChartType = "bar"
	ChartLine    ChartType = "line"
	ChartPie     ChartType = "pie"
	ChartArea    ChartType = "area"
	ChartBar3D   ChartType = "bar3d"
	ChartMindmap ChartType = "mindmap"
)

// ParseChartType maps a loosely written hint onto a ChartType. Unknown hints are ChartNone.
func ParseChartType(s string) ChartType {
	switch ChartType(normalizeHint(s)) {
	case ChartBar:
		return ChartBar
	case ChartLine:
		return ChartLine
	case ChartPie:
		return ChartPie
	case ChartArea:
		return ChartArea
	case ChartBar3D, "3dbar", "bar_3d", "3d":
		return ChartBar3D
	case ChartMindmap, "mind_map", "tree":
		return ChartMindmap
	default:
		return ChartNone
	}
}

// IsSeries reports whether the chart type renders a flat name/value series.
func (c ChartType) IsSeries() bool {
	switch c {
	case ChartBar, ChartLine, ChartPie, ChartArea, ChartBar3D:
		return true
	}
	return false
}

type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
	RatingNeutral  Rating = "neutral"
)

func ParseRating(s string) (Rating, bool) {
	switch Rating(normalizeHint(s)) {
	case RatingPositive, "up", "good":
		return RatingPositive, true
	case RatingNegative, "down", "bad":
		return RatingNegative, true
	case RatingNeutral:
		return RatingNeutral, true
	}
	return "", false
}

// ChartPoint is one entry of a flat chart series.
type ChartPoint struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type MindmapNode struct {
	Name     string         `json:"name"`
	Value    *float64       `json:"value,omitempty"`
	Children []*MindmapNode `json:"children,omitempty"`
	Color    string         `json:"color,omitempty"`
}

// Mindmap is the persisted mindmap payload. ExpandDepth is a display hint only.
type Mindmap struct {
	Root        *MindmapNode `json:"root"`
	NodeCount   int          `json:"nodeCount"`
	ExpandDepth int          `json:"expandDepth"`
}

// Turn is one persisted side of an exchange. Assistant turns carry at most one
// of ChartData and MindmapData.
type Turn struct {
	ID               string       `json:"id"`
	ConversationID   *string      `json:"conversationId,omitempty"`
	Role             Role         `json:"role"`
	Content          string       `json:"content"`
	SQLQuery         *string      `json:"sqlQuery"`
	ChartType        ChartType    `json:"chartType"`
	ChartData        []ChartPoint `json:"chartData"`
	MindmapData      *Mindmap     `json:"mindmapData"`
	UserQuery        *string      `json:"userQuery"`
	PersonaID        *string      `json:"personaId,omitempty"`
	RowCount         int          `json:"rowCount"`
	Truncated        bool         `json:"truncated"`
	ProcessingTimeMs int64        `json:"processingTimeMs"`
	SQLGenTimeMs     int64        `json:"sqlGenTimeMs"`
	SQLExecTimeMs    int64        `json:"sqlExecTimeMs"`
	ErrorMessage     *string      `json:"errorMessage"`
	ProjectID        *string      `json:"projectId"`
	CreatedAt        time.Time    `json:"createdAt"`
}

type Feedback struct {
	ID                string    `json:"id"`
	TurnID            string    `json:"turnId"`
	Rating            Rating    `json:"rating"`
	Comment           *string   `json:"comment"`
	IsSQLCorrect      *bool     `json:"isSqlCorrect"`
	IsResponseHelpful *bool     `json:"isResponseHelpful"`
	IsChartUseful     *bool     `json:"isChartUseful"`
	Tags              []string  `json:"tags"`
	CreatedAt         time.Time `json:"createdAt"`
}

type Persona struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description" yaml:"description"`
	Icon         string    `json:"icon" yaml:"icon"`
	SystemPrompt string    `json:"systemPrompt" yaml:"systemPrompt"`
	IsDefault    bool      `json:"isDefault" yaml:"isDefault"`
	CreatedAt    time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"-"`
}

// StatsFilter narrows ComputeStats. Nil fields do not filter.
type StatsFilter struct {
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	ProjectID *string    `json:"projectId,omitempty"`
	Rating    *Rating    `json:"rating,omitempty"`
}

type Stats struct {
	TotalFeedback       int     `json:"totalFeedback"`
	Positive            int     `json:"positive"`
	Negative            int     `json:"negative"`
	Neutral             int     `json:"neutral"`
	PositiveRate        float64 `json:"positiveRate"`
	AvgProcessingTimeMs float64 `json:"avgProcessingTimeMs"`
	AvgSQLGenTimeMs     float64 `json:"avgSqlGenTimeMs"`
	AvgSQLExecTimeMs    float64 `json:"avgSqlExecTimeMs"`
	TurnCount           int     `json:"turnCount"`
	ErrorCount          int     `json:"errorCount"`
}

// TurnFilter narrows ListTurns. A nil ProjectID lists every scope.
type TurnFilter struct {
	ProjectID      *string
	ConversationID *string
	Limit          int
	Offset         int
}

// SQLExample is a positively rated question/SQL pair with its question embedding.
type SQLExample struct {
	TurnID    string    `json:"turnId"`
	Question  string    `json:"question"`
	SQL       string    `json:"sql"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

func normalizeHint(s string) string {
	s = strings.Trim(strings.TrimSpace(s), "\"'`.")
	return strings.ToLower(strings.ReplaceAll(s, "-", "_"))
}
