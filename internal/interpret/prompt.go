package interpret

import (
	"fmt"
	"strings"

	"github.com/roach88/truthlayer/internal/ir"
)

// systemPrompt is shared by every provider. Changing it changes PromptHash,
// which is recorded on each interpretation.
const systemPrompt = `You are a structuring system. You read one document and report the entities it describes.

Reply with a single JSON object and nothing else:
{"entities": [{"entity_type": "<type>", "fields": {"<field>": <value>}}]}

Rules:
- Prefer the entity types and field names listed under <schemas>. Use snake_case for anything else.
- Report only facts stated in the document. Omit a field rather than guess it.
- Use JSON strings for dates (YYYY-MM-DD) and datetimes (RFC 3339).
- Use plain JSON numbers for amounts, without currency symbols.
- If the document describes no entities, reply {"entities": []}.`

// PromptHash fingerprints the prompt template.
func PromptHash() string {
	return ir.ContentHash([]byte(systemPrompt))
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// userPrompt renders the document and schema hints. The document is escaped
// so its text cannot close the content tag.
func userPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("<schemas>\n")
	for _, s := range in.Schemas {
		fmt.Fprintf(&b, "%s:", s.EntityType)
		for _, f := range s.Fields {
			fmt.Fprintf(&b, " %s(%s)", f.Name, f.Type)
		}
		b.WriteByte('\n')
	}
	b.WriteString("</schemas>\n")
	fmt.Fprintf(&b, "<content mime_type=%q>\n%s\n</content>", in.MimeType, xmlEscaper.Replace(string(in.Data)))
	return b.String()
}
