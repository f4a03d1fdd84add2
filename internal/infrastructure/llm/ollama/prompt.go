package ollama

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kirillkom/interpretation-engine/internal/core/domain"
)

// PromptVersion changes whenever the prompt text below changes meaningfully.
const PromptVersion = "interpretation-v1"

const maxSubjectBytes = 8000

func buildInterpretationPrompt(input domain.GenerationInput) (string, error) {
	subject := "{}"
	if len(input.SubjectData) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, input.SubjectData, "", "  "); err != nil {
			return "", fmt.Errorf("subject data is not valid json: %w", err)
		}
		subject = buf.String()
		subject = truncateUTF8(subject, maxSubjectBytes)
	}

	var passages strings.Builder
	for idx, doc := range input.Documents {
		passages.WriteString(fmt.Sprintf("[%d] source=%s score=%.3f\n%s\n\n", idx+1, doc.DocumentID, doc.Score, doc.Text))
	}
	if passages.Len() == 0 {
		passages.WriteString("(no reference passages)\n")
	}

	return fmt.Sprintf(`Write a %s interpretation in language %q for the subject below.
Ground every statement in the reference passages. Do not invent facts that contradict them.
Return plain prose without markdown headings.

Subject:
%s

Reference passages:
%s`, input.Kind, input.Language, subject, passages.String()), nil
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
