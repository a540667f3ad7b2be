package service

import (
	"strings"
)

// MultilinePrompt cleans a prompt written as an indented raw string literal.
// Each line is trimmed, runs of spaces collapse to one, consecutive blank
// lines collapse to a single paragraph break and the result is trimmed.
func MultilinePrompt(prompt string) string {
	lines := strings.Split(strings.ReplaceAll(prompt, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

var (
	extractProcedureCodesPrompt = MultilinePrompt(`
		Extract the CPT codes for the requested procedure(s) from this medical record.

		Each CPT code is a 5 character code: 5 digits, or 4 digits followed by F or T.

		Give the CPT code(s) only with no additional explanation or information.

		Respond with JSON of the form {"cpt_codes": ["..."]}.
	`)

	priorTreatmentPrompt = MultilinePrompt(`
		Read the medical report which was sent to an American healthcare insurer for them to perform a Prior Authorization for a requested treatment.

		Has a conservative treatment already been attempted for the health issue in question prior to this request for treatment and if so, was it successful?

		Give your answer in JSON format with the following fields:
		- was_treatment_attempted
		- evidence_of_whether_treatment_was_attempted
		- was_treatment_successful
		- evidence_of_whether_treatment_was_successful

		Where:
		- "was_treatment_attempted" is true if conservative treatment was attempted.
		- "evidence_of_whether_treatment_was_attempted" is a short excerpt from the medical report that mentions whether treatment has already been attempted, or null if there is no mention of prior treatment.
		- "was_treatment_successful" is true if conservative treatment was attempted and successful, false if treatment was attempted but unsuccessful, or null if the report does not state whether the treatment was successful.
		- "evidence_of_whether_treatment_was_successful" is a short excerpt from the medical report that mentions whether or not the attempted treatment was successful, or null.
	`)
)
