package agent

import (
	"fmt"
	"strings"

	"github.com/tablepilot/tablepilot/conversation"
	"github.com/tablepilot/tablepilot/model"
)

const systemTemplate = `You are a data analyst answering questions about the user's uploaded spreadsheets. You have these tools:

%s
Call tools with this exact format:

Thought: what you need to find out next
Action: tool_name
Action Input: pipe|delimited|arguments

After each Action you receive an Observation with the tool's JSON result. Repeat until you can answer, then reply:

Final Answer: the answer for the user

Rules:
- Arguments are positional and pipe-delimited; leave a field empty to use its default.
- Always discover files with list_user_files before other tools; never invent file ids or column names.
- Prefer aggregation tools over loading raw rows.
- Use calc_eval for any arithmetic; never compute numbers yourself.
- Numbers in observations may appear as JSON numbers or quoted decimal strings; treat both as numeric.
- If the question asks for a chart, graph, plot or trend visualization, the Final Answer must be a single fenced json code block containing a Chart.js config ({"type": ..., "data": ..., "options": ...}) with type one of bar, line, pie, doughnut, scatter, radar, area. Do not narrate the data alongside the chart block.
- Otherwise the Final Answer is plain prose: lead with the number or fact, then one or two sentences of context.`

// renderSystem builds the system preamble with the current tool catalogue.
func renderSystem(toolList string) string {
	return fmt.Sprintf(systemTemplate, toolList)
}

// renderMessages assembles the transcript for one completion: prior turns,
// the current question, and the scratchpad of steps taken so far.
func renderMessages(history []conversation.Message, question, scratchpad string) []model.Message {
	msgs := make([]model.Message, 0, len(history)+1)
	for _, m := range history {
		role := model.RoleUser
		if m.Role == "assistant" {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.Message{Role: role, Content: m.Content})
	}
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	if scratchpad != "" {
		b.WriteString("\n\nSteps so far:\n")
		b.WriteString(scratchpad)
		b.WriteString("\nContinue from the last observation. Use the exact format.")
	}
	msgs = append(msgs, model.Message{Role: model.RoleUser, Content: b.String()})
	return msgs
}

// appendStep adds one Thought/Action/Observation exchange to the scratchpad.
func appendStep(scratchpad string, s *step, observation string) string {
	var b strings.Builder
	b.WriteString(scratchpad)
	if s.Thought != "" {
		fmt.Fprintf(&b, "Thought: %s\n", s.Thought)
	}
	fmt.Fprintf(&b, "Action: %s\nAction Input: %s\nObservation: %s\n", s.Action, s.ActionInput, observation)
	return b.String()
}
