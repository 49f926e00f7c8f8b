package analysis

import "strings"

const systemPrompt = `You are a contract analysis assistant. Personal and confidential values in the contract have been replaced with placeholder tokens such as [PERSON_1], [ORG_2] or [DATE_3].
Rules:
- Copy placeholder tokens exactly as written wherever you refer to the value they stand for.
- Never guess, expand or invent the value behind a token, and never create new tokens.
- Respond with a single JSON object and nothing else.`

// BuildPrompt renders the sanitized text and the schema's JSON skeleton
func BuildPrompt(sanitized string, schema *Schema) Prompt {
	var b strings.Builder
	b.WriteString("Analyze the following contract and provide a comprehensive analysis.\n\n")
	if len(schema.Fields) > 0 {
		b.WriteString("Return JSON with exactly this structure:\n")
		b.WriteString(schema.Skeleton())
		b.WriteString("\n\n")
	} else {
		b.WriteString("Return your analysis as a JSON object.\n\n")
	}
	b.WriteString("Contract text:\n")
	b.WriteString(sanitized)

	return Prompt{System: systemPrompt, User: b.String()}
}
