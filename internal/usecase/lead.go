package usecase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"lead-relay/internal/domain"
)

const (
	DefaultTriggerPhrase = "our sourcing agent will connect"
	DefaultLeadMarker    = "LEAD_DATA:"

	// leadAcknowledgement is shown when the assistant's message held nothing
	// but the structured payload.
	leadAcknowledgement = "Thank you! Our team will be in touch shortly."
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")

// Detection is the outcome of inspecting one assistant reply.
type Detection struct {
	Qualified bool
	Lead      domain.Lead
	// Reply is the text to show the user.
	Reply string
}

// LeadDetector decides whether a turn is lead-qualified. Implementations are
// pure: the same input always yields the same Detection.
type LeadDetector interface {
	Detect(reply string, transcript []domain.Message) Detection
}

// PhraseDetector qualifies a turn when the reply contains a trigger phrase and
// takes the contact email from the transcript.
type PhraseDetector struct {
	phrase string
}

func NewPhraseDetector(phrase string) *PhraseDetector {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		phrase = DefaultTriggerPhrase
	}
	return &PhraseDetector{phrase: phrase}
}

func (d *PhraseDetector) Detect(reply string, transcript []domain.Message) Detection {
	if !strings.Contains(strings.ToLower(reply), d.phrase) {
		return Detection{Reply: reply}
	}
	lead := domain.Lead{Email: latestEmail(transcript)}
	lead.Name = lead.EmailLocalPart()
	return Detection{Qualified: true, Lead: lead, Reply: reply}
}

// latestEmail prefers what the user typed over addresses the assistant echoed.
func latestEmail(chronological []domain.Message) string {
	fallback := ""
	for i := len(chronological) - 1; i >= 0; i-- {
		emails := domain.FindEmails(chronological[i].Text)
		if len(emails) == 0 {
			continue
		}
		last := emails[len(emails)-1]
		if chronological[i].Role == domain.RoleUser {
			return last
		}
		if fallback == "" {
			fallback = last
		}
	}
	return fallback
}

// PayloadDetector qualifies a turn when the assistant appends a JSON object
// with contact fields, either after a marker token or in a fenced code block.
// The payload is removed from the reply shown to the user.
type PayloadDetector struct {
	marker string
}

func NewPayloadDetector(marker string) *PayloadDetector {
	marker = strings.TrimSpace(marker)
	if marker == "" {
		marker = DefaultLeadMarker
	}
	return &PayloadDetector{marker: marker}
}

func (d *PayloadDetector) Detect(reply string, _ []domain.Message) Detection {
	if idx := strings.Index(reply, d.marker); idx >= 0 {
		payload := unfence(reply[idx+len(d.marker):])
		fields, _ := decodeLeadFields(payload) // a malformed payload still qualifies
		return Detection{
			Qualified: true,
			Lead:      fields.lead(),
			Reply:     visibleReply(reply[:idx], ""),
		}
	}

	loc := fencedBlock.FindStringSubmatchIndex(reply)
	if loc == nil {
		return Detection{Reply: reply}
	}
	fields, err := decodeLeadFields(reply[loc[2]:loc[3]])
	if err != nil || !fields.any() {
		return Detection{Reply: reply}
	}
	return Detection{
		Qualified: true,
		Lead:      fields.lead(),
		Reply:     visibleReply(reply[:loc[0]], reply[loc[1]:]),
	}
}

func visibleReply(before, after string) string {
	if s := strings.TrimSpace(before); s != "" {
		return s
	}
	if s := strings.TrimSpace(after); s != "" {
		return s
	}
	return leadAcknowledgement
}

// unfence strips an optional ``` / ```json wrapper around a marker payload.
func unfence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "json"), "JSON")
	if end := strings.Index(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

type leadFields struct {
	name, company, email, phone string
}

// leadKeys lists accepted JSON keys per field, most preferred first.
var leadKeys = struct {
	name, company, email, phone []string
}{
	name:    []string{"name", "full_name"},
	company: []string{"company", "company_name"},
	email:   []string{"email"},
	phone:   []string{"phone", "phone_number"},
}

// decodeLeadFields reads the first JSON object in raw; trailing text is
// ignored. Keys match case-insensitively and values of any JSON type are
// rendered as strings.
func decodeLeadFields(raw string) (leadFields, error) {
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return leadFields{}, fmt.Errorf("usecase: decode lead payload: %w", err)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	norm := make(map[string]string, len(obj))
	for _, k := range keys {
		nk := strings.ToLower(strings.TrimSpace(k))
		if _, seen := norm[nk]; seen || obj[k] == nil {
			continue
		}
		norm[nk] = strings.TrimSpace(fmt.Sprint(obj[k]))
	}

	pick := func(candidates []string) string {
		for _, c := range candidates {
			if v := norm[c]; v != "" {
				return v
			}
		}
		return ""
	}
	return leadFields{
		name:    pick(leadKeys.name),
		company: pick(leadKeys.company),
		email:   pick(leadKeys.email),
		phone:   pick(leadKeys.phone),
	}, nil
}

func (f leadFields) any() bool {
	return f.name != "" || f.company != "" || f.email != "" || f.phone != ""
}

func (f leadFields) lead() domain.Lead {
	return domain.Lead{
		Name:    orNotProvided(f.name),
		Company: orNotProvided(f.company),
		Email:   orNotProvided(f.email),
		Phone:   orNotProvided(f.phone),
	}
}

func orNotProvided(s string) string {
	if s == "" {
		return domain.NotProvided
	}
	return s
}
