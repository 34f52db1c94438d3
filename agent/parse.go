package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
)

type (
	// step is one parsed model turn: either an action to dispatch or a final
	// answer.
	step struct {
		Thought     string
		Action      string
		ActionInput string
		FinalAnswer string
		IsFinal     bool
	}

	// output is the extracted final payload.
	output struct {
		AnswerShort    string
		AnswerDetailed string
		ChartConfig    map[string]any
	}
)

var (
	thoughtRe = regexp.MustCompile(`(?s)Thought:\s*(.*?)(?:\n(?:Action|Final Answer):|$)`)
	actionRe  = regexp.MustCompile(`(?s)Action:\s*([\w-]+)\s*\nAction Input:\s*(.*?)(?:\nObservation:|\nThought:|$)`)
	finalRe   = regexp.MustCompile(`(?s)Final Answer:\s*(.*)$`)
	fenceRe   = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)```")
)

// chartTypes are the renderable Chart.js chart kinds.
var chartTypes = map[string]bool{
	"bar": true, "line": true, "pie": true, "doughnut": true,
	"scatter": true, "radar": true, "area": true,
}

// parseStep interprets one completion. A Final Answer wins over an Action
// when the model emits both.
func parseStep(text string) (*step, bool) {
	s := &step{}
	if m := thoughtRe.FindStringSubmatch(text); m != nil {
		s.Thought = strings.TrimSpace(m[1])
	}
	if m := finalRe.FindStringSubmatch(text); m != nil {
		s.IsFinal = true
		s.FinalAnswer = strings.TrimSpace(m[1])
		return s, true
	}
	if m := actionRe.FindStringSubmatch(text); m != nil {
		s.Action = strings.TrimSpace(m[1])
		s.ActionInput = strings.TrimSpace(m[2])
		return s, true
	}
	return nil, false
}

// extractOutput splits a final answer into the short line, the detailed text
// and an optional chart spec. When a valid chart block is present it wins:
// any narration around it is discarded per the agent's prompt contract.
func extractOutput(finalAnswer string) output {
	out := output{AnswerDetailed: strings.TrimSpace(finalAnswer)}
	if m := fenceRe.FindStringSubmatch(finalAnswer); m != nil {
		if chart := parseChart(m[1]); chart != nil {
			out.ChartConfig = chart
			rest := strings.TrimSpace(strings.Replace(finalAnswer, m[0], "", 1))
			out.AnswerDetailed = rest
		}
	}
	out.AnswerShort = firstLine(out.AnswerDetailed)
	if out.AnswerShort == "" && out.ChartConfig != nil {
		out.AnswerShort = "Chart generated."
		out.AnswerDetailed = out.AnswerShort
	}
	return out
}

// parseChart accepts a fenced JSON block as a chart spec when it names a
// known chart type and carries data.
func parseChart(raw string) map[string]any {
	repaired, err := jsonrepair.RepairJSON(raw)
	if err != nil {
		return nil
	}
	var spec map[string]any
	if err := json.Unmarshal([]byte(repaired), &spec); err != nil {
		return nil
	}
	typ, _ := spec["type"].(string)
	if !chartTypes[typ] {
		return nil
	}
	if _, ok := spec["data"]; !ok {
		return nil
	}
	return spec
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
