package compiler

import (
	"context"
	"fmt"
)

const describePromptTemplate = `Summarise in one plain-English sentence what this monitoring query checks.
Do not mention SQL. Respond with the sentence only.

User request: %q
Query: %s
Summary:`

// describeSQL asks the LLM for a one-line human-readable description of the
// compiled query, shown in the authoring UI. Best effort: a failure leaves
// the description empty rather than failing the compile.
func (c *Compiler) describeSQL(ctx context.Context, nlText, sqlText string) string {
	out, err := c.llm.Generate(ctx, fmt.Sprintf(describePromptTemplate, nlText, sqlText))
	if err != nil {
		return ""
	}
	return out
}
