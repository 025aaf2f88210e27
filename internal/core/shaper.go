package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"projecthub.io/assistant/internal/store"
)

type ShapeKind string

const (
	ShapeNarrative ShapeKind = "narrative"
	ShapeSeries    ShapeKind = "series"
	ShapeMindmap   ShapeKind = "mindmap"
)

const (
	NarrativeRowLimit   = 20
	LargeMindmapNodes   = 50
	mindmapDepthLarge   = 2
	mindmapDepthDefault = 3
	syntheticRootName   = "Root"
	noDataNarrative     = "No matching data was found."
	emptyLabel          = "(empty)"
)

var (
	nameColumns   = []string{"name", "label"}
	idColumns     = []string{"id", "node_id", "wbs_id", "code"}
	parentColumns = []string{"parent_id", "parent", "parent_code"}
	nodeNameCols  = []string{"name", "label", "title"}

	depthColors = []string{"#5470c6", "#91cc75", "#fac858", "#ee6666", "#73c0de", "#3ba272", "#fc8452"}
)

// ShapedResult is exactly one of a flat series, a mindmap tree, or narrative
// text, selected by Kind. Only the field matching Kind is set, except that
// Narrative may accompany a series or mindmap as a plain-text rendition.
type ShapedResult struct {
	Kind      ShapeKind
	ChartType store.ChartType
	Series    []store.ChartPoint
	Mindmap   *store.Mindmap
	Narrative string
}

type ResultShaper struct {
	logger *zap.Logger
}

func NewResultShaper(logger *zap.Logger) *ResultShaper {
	return &ResultShaper{logger: logger}
}

// Shape classifies rows and converts them for the suggested chart type. It
// falls back to narrative text whenever rows do not fit the requested shape.
func (s *ResultShaper) Shape(res *QueryResult, hint store.ChartType) ShapedResult {
	if res == nil || len(res.Rows) == 0 {
		return ShapedResult{Kind: ShapeNarrative, ChartType: store.ChartNone, Narrative: noDataNarrative}
	}
	narrative := markdownTable(res)
	fallback := ShapedResult{Kind: ShapeNarrative, ChartType: store.ChartNone, Narrative: narrative}

	// A one-bar chart says nothing a sentence would not.
	if len(res.Rows) == 1 && allNumeric(res) {
		return fallback
	}

	switch {
	case hint.IsSeries():
		series, ok := buildSeries(res)
		if !ok {
			s.logger.Debug("Rows do not fit a series, using narrative", zap.String("chart", string(hint)), zap.Strings("columns", res.Columns))
			return fallback
		}
		return ShapedResult{Kind: ShapeSeries, ChartType: hint, Series: series, Narrative: narrative}
	case hint == store.ChartMindmap:
		mindmap, ok := s.buildMindmap(res)
		if !ok {
			s.logger.Debug("Rows carry no parent/child columns, using narrative", zap.Strings("columns", res.Columns))
			return fallback
		}
		return ShapedResult{Kind: ShapeMindmap, ChartType: store.ChartMindmap, Mindmap: mindmap, Narrative: narrative}
	default:
		return fallback
	}
}

func buildSeries(res *QueryResult) ([]store.ChartPoint, bool) {
	numeric := numericColumns(res)

	nameIdx := columnIndex(res.Columns, nameColumns...)
	if nameIdx < 0 {
		for i := range res.Columns {
			if !numeric[i] {
				nameIdx = i
				break
			}
		}
	}
	valueIdx := columnIndex(res.Columns, "value")
	if valueIdx >= 0 && !numeric[valueIdx] {
		valueIdx = -1
	}
	if valueIdx < 0 {
		for i := range res.Columns {
			if numeric[i] && i != nameIdx {
				valueIdx = i
				break
			}
		}
	}
	if nameIdx < 0 || valueIdx < 0 || nameIdx == valueIdx {
		return nil, false
	}

	series := make([]store.ChartPoint, 0, len(res.Rows))
	for _, row := range res.Rows {
		v, _ := toFloat(row[valueIdx])
		series = append(series, store.ChartPoint{Name: labelOf(row[nameIdx]), Value: v})
	}
	return series, true
}

type mindmapRow struct {
	key    string
	parent string
	node   *store.MindmapNode
}

// buildMindmap groups rows by parent key. Rows whose parent is absent from the
// set, rows in a cycle with no way in from a real root, and additional
// top-level rows all end up under a synthetic root. Every row appears in the
// tree exactly once.
func (s *ResultShaper) buildMindmap(res *QueryResult) (*store.Mindmap, bool) {
	idIdx := columnIndex(res.Columns, idColumns...)
	parentIdx := columnIndex(res.Columns, parentColumns...)
	if idIdx < 0 || parentIdx < 0 {
		return nil, false
	}
	nameIdx := columnIndex(res.Columns, nodeNameCols...)
	if nameIdx < 0 {
		nameIdx = idIdx
	}
	valueIdx := columnIndex(res.Columns, "value")
	if valueIdx < 0 {
		numeric := numericColumns(res)
		for i := range res.Columns {
			if numeric[i] && i != idIdx && i != parentIdx {
				valueIdx = i
				break
			}
		}
	}

	rows := make([]mindmapRow, len(res.Rows))
	first := make(map[string]int, len(res.Rows))
	for i, r := range res.Rows {
		node := &store.MindmapNode{Name: labelOf(r[nameIdx])}
		if valueIdx >= 0 {
			if v, ok := toFloat(r[valueIdx]); ok {
				node.Value = &v
			}
		}
		key := keyOf(r[idIdx])
		rows[i] = mindmapRow{key: key, parent: keyOf(r[parentIdx]), node: node}
		if _, dup := first[key]; !dup {
			first[key] = i
		}
	}

	children := make(map[string][]int)
	var tops []int
	for i, row := range rows {
		if _, ok := first[row.parent]; row.parent == "" || !ok || row.parent == row.key {
			tops = append(tops, i)
			continue
		}
		children[row.parent] = append(children[row.parent], i)
	}

	visited := make([]bool, len(rows))
	onPath := make(map[string]bool)
	var descend func(i int)
	descend = func(i int) {
		visited[i] = true
		row := rows[i]
		if first[row.key] != i {
			return
		}
		onPath[row.key] = true
		for _, c := range children[row.key] {
			if onPath[rows[c].key] {
				s.logger.Warn("Cycle in mindmap rows, stopping descent", zap.String("node", rows[c].key))
				visited[c] = true
				continue
			}
			if visited[c] {
				continue
			}
			descend(c)
			row.node.Children = append(row.node.Children, rows[c].node)
		}
		delete(onPath, row.key)
	}

	var attached []*store.MindmapNode
	for _, i := range tops {
		descend(i)
		attached = append(attached, rows[i].node)
	}
	for i := range rows {
		if !visited[i] {
			descend(i)
			attached = append(attached, rows[i].node)
		}
	}

	// A single genuine top-level row is the root; anything else hangs off a
	// synthetic one.
	root := &store.MindmapNode{Name: syntheticRootName, Children: attached}
	if len(attached) == 1 && len(tops) == 1 && rows[tops[0]].parent == "" {
		root = attached[0]
	}
	count := paint(root, 0)

	depth := mindmapDepthDefault
	if count > LargeMindmapNodes {
		depth = mindmapDepthLarge
	}
	return &store.Mindmap{Root: root, NodeCount: count, ExpandDepth: depth}, true
}

// paint colors nodes by depth and returns the subtree size.
func paint(n *store.MindmapNode, depth int) int {
	n.Color = depthColors[depth%len(depthColors)]
	count := 1
	for _, c := range n.Children {
		count += paint(c, depth+1)
	}
	return count
}

func markdownTable(res *QueryResult) string {
	var sb strings.Builder
	sb.WriteString("|")
	for _, c := range res.Columns {
		sb.WriteString(" " + escapeCell(c) + " |")
	}
	sb.WriteString("\n|")
	for range res.Columns {
		sb.WriteString(" --- |")
	}
	for i, row := range res.Rows {
		if i == NarrativeRowLimit {
			break
		}
		sb.WriteString("\n|")
		for _, v := range row {
			sb.WriteString(" " + escapeCell(formatValue(v)) + " |")
		}
	}
	if extra := len(res.Rows) - NarrativeRowLimit; extra > 0 {
		fmt.Fprintf(&sb, "\n\n... and %d more rows", extra)
	}
	if res.Truncated {
		sb.WriteString("\n\n(result truncated)")
	}
	return sb.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

// numericColumns reports, per column, whether every non-null value is a
// number and at least one value is present.
func numericColumns(res *QueryResult) []bool {
	out := make([]bool, len(res.Columns))
	for i := range res.Columns {
		seen := false
		numeric := true
		for _, row := range res.Rows {
			if i >= len(row) || row[i] == nil {
				continue
			}
			seen = true
			if !isNumber(row[i]) {
				numeric = false
				break
			}
		}
		out[i] = seen && numeric
	}
	return out
}

func allNumeric(res *QueryResult) bool {
	for _, n := range numericColumns(res) {
		if !n {
			return false
		}
	}
	return len(res.Columns) > 0
}

func columnIndex(columns []string, names ...string) int {
	for _, name := range names {
		for i, c := range columns {
			if strings.EqualFold(c, name) {
				return i
			}
		}
	}
	return -1
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, int, int32, float64, float32:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func keyOf(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(formatValue(v))
}

func labelOf(v any) string {
	if s := formatValue(v); s != "" {
		return s
	}
	return emptyLabel
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(time.DateOnly)
		}
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
