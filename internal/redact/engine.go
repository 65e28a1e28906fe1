package redact

import (
	"regexp"
	"sort"
	"strings"
)

// ActionRedacted is the only action the engine ever reports for an event.
const ActionRedacted = "REDACTED"

// Match represents a detected PII span over one input. Offsets are byte
// offsets into the input of the call that produced it; they are meaningless
// after the rewrite because labels are not length-preserving.
type Match struct {
	Start    int
	End      int
	Category string
	Label    string

	priority int
}

// Event is the anonymized record of one redacted span.
// 零信任约束：事件只携带分类与固定的 action 标记，绝不携带命中的原文。
type Event struct {
	PIIType string `json:"pii_type"`
	Action  string `json:"action"`
}

// matcher is one compiled detection pattern. Immutable after NewEngine.
type matcher struct {
	re       *regexp.Regexp
	category string // reported as Event.PIIType
	label    string // substituted into the output text
	priority int    // registry order; lower wins ties
}

// Engine runs a fixed matcher list over text and rewrites detected spans
// into category labels. It holds no per-call state and is safe for
// concurrent use once constructed.
type Engine struct {
	matchers      []matcher
	globalReplace string
}

// Redact scans text and returns the rewritten text plus one event per
// surviving match, in left-to-right order. It never fails on well-formed
// input; all pattern validation happens at construction.
func (e *Engine) Redact(text string) (string, []Event) {
	winners := resolveOverlaps(e.findAll(text))
	return e.rewrite(text, winners)
}

// HasPII reports whether at least one match would survive redaction.
// No events are produced and nothing is dispatched.
//
// 必须与 Redact 的胜出集保持一致：某个 matcher 的首个命中可能因捕获组
// 为空而被丢弃，后续命中仍可能是良构 span，所以要扫完该 matcher 的全部
// 命中，不能只看第一个。
func (e *Engine) HasPII(text string) bool {
	for i := range e.matchers {
		m := &e.matchers[i]
		for _, loc := range m.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := spanFromLoc(loc)
			if start >= 0 && end <= len(text) && start < end {
				return true
			}
		}
	}
	return false
}

// findAll collects candidate matches from every matcher. A single matcher
// never reports overlapping hits of itself (FindAll semantics); overlaps
// across matchers are resolved later.
func (e *Engine) findAll(text string) []Match {
	var out []Match
	for i := range e.matchers {
		m := &e.matchers[i]
		locs := m.re.FindAllStringSubmatchIndex(text, -1)
		for _, loc := range locs {
			start, end := spanFromLoc(loc)
			// 零长度或越界的 span 直接丢弃：改写阶段假定所有候选都是良构的。
			if start < 0 || end > len(text) || start >= end {
				continue
			}
			out = append(out, Match{
				Start:    start,
				End:      end,
				Category: m.category,
				Label:    m.label,
				priority: m.priority,
			})
		}
	}
	return out
}

// spanFromLoc picks the replacement span from a submatch index slice.
// 若存在第一个捕获组，优先使用捕获组范围：例如 NAME 规则只替换姓名本体，
// 保留触发匹配的问候语（输出 "Hi PERSON_NAME" 而不是整段被吃掉）。
func spanFromLoc(loc []int) (int, int) {
	if len(loc) >= 4 && loc[2] >= 0 && loc[3] >= 0 {
		return loc[2], loc[3]
	}
	return loc[0], loc[1]
}

// resolveOverlaps picks a non-overlapping winning set from the candidates.
// Precedence: earlier start, then longer span, then registry priority.
// Losers are dropped outright: they produce no event and leave the
// original text untouched at their position.
func resolveOverlaps(cands []Match) []Match {
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Start != cands[j].Start {
			return cands[i].Start < cands[j].Start
		}
		li, lj := cands[i].End-cands[i].Start, cands[j].End-cands[j].Start
		if li != lj {
			return li > lj
		}
		return cands[i].priority < cands[j].priority
	})

	// 排序后贪心扫一遍即可：已接受区间按 start 升序且互不重叠，
	// 新候选只需和最右侧已接受边界 lastEnd 比较即可判定重叠。
	winners := make([]Match, 0, len(cands))
	lastEnd := 0
	for _, c := range cands {
		if c.Start >= lastEnd {
			winners = append(winners, c)
			lastEnd = c.End
		}
	}
	return winners
}

// rewrite builds the output text, substituting each winning span with its
// label (or the global override), and emits events in the same order.
func (e *Engine) rewrite(text string, winners []Match) (string, []Event) {
	if len(winners) == 0 {
		return text, nil
	}

	var b strings.Builder
	b.Grow(len(text))
	events := make([]Event, 0, len(winners))

	prev := 0
	for _, w := range winners {
		b.WriteString(text[prev:w.Start])
		if e.globalReplace != "" {
			b.WriteString(e.globalReplace)
		} else {
			b.WriteString(w.Label)
		}
		events = append(events, Event{PIIType: w.Category, Action: ActionRedacted})
		prev = w.End
	}
	b.WriteString(text[prev:])

	return b.String(), events
}
