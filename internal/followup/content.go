package followup

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wolfman30/vet-followup/internal/calls"
	"github.com/wolfman30/vet-followup/internal/retry"
)

// Content is what the follow-up says.
type Content struct {
	Script  string `json:"script,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

const systemPrompt = `You write post-discharge follow-ups for a veterinary clinic.
The owner's pet was recently seen. Be warm, brief, and specific to the visit.
Never give a diagnosis or change medication instructions; invite the owner to call the clinic with concerns.
Respond with a single JSON object and nothing else.`

// maxNoteChars bounds how much clinical text is sent to the model.
const maxNoteChars = 4000

func buildPrompt(c *Case, channel calls.Channel) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Clinic: %s\n", c.ClinicName)
	if c.PatientName != "" {
		fmt.Fprintf(&b, "Patient: %s", c.PatientName)
		if c.Demographics.Species != "" {
			fmt.Fprintf(&b, " (%s)", c.Demographics.Species)
		}
		b.WriteString("\n")
	}
	if c.OwnerName != "" {
		fmt.Fprintf(&b, "Owner: %s\n", c.OwnerName)
	}
	if c.ProviderName != "" {
		fmt.Fprintf(&b, "Seen by: %s\n", c.ProviderName)
	}
	b.WriteString("\nVisit notes:\n")
	b.WriteString(clip(visitNotes(c), maxNoteChars))
	b.WriteString("\n\n")

	switch channel {
	case calls.ChannelEmail:
		b.WriteString(`Write a follow-up email. Return {"subject": "...", "body": "..."} with a plain-text body under 150 words.`)
	default:
		b.WriteString(`Write what the voice assistant should say when the owner answers. Return {"script": "..."} with a script under 90 words.`)
	}
	return systemPrompt, b.String()
}

func visitNotes(c *Case) string {
	for _, s := range []string{c.ExternalNote, c.StructuredNote, c.Summary, c.Transcript} {
		if strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// parseContent extracts the JSON object from a model reply. Any reply that does not yield the
// fields the channel needs is malformed, which earns the generation one extra attempt.
func parseContent(raw string, channel calls.Channel) (Content, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Content{}, fmt.Errorf("followup: no JSON object in reply: %w", retry.ErrMalformed)
	}

	var out Content
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return Content{}, fmt.Errorf("followup: decode reply: %v: %w", err, retry.ErrMalformed)
	}
	out.Script = strings.TrimSpace(out.Script)
	out.Subject = strings.TrimSpace(out.Subject)
	out.Body = strings.TrimSpace(out.Body)

	switch channel {
	case calls.ChannelEmail:
		if out.Subject == "" || out.Body == "" {
			return Content{}, fmt.Errorf("followup: email reply missing subject or body: %w", retry.ErrMalformed)
		}
	default:
		if out.Script == "" {
			return Content{}, fmt.Errorf("followup: call reply missing script: %w", retry.ErrMalformed)
		}
	}
	return out, nil
}
