// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import "strings"

// jsonInstructions is the canonical contract preamble inserted into
// structured prompts. Field names here must match llm.StructuredAnnotation.
const jsonInstructions = `
# Output Format (JSON)
You MUST output a JSON object with the following structure:
{
  "evidence": "The exact literal phrase or sentence from the note that supports this annotation. This will be used to highlight evidence in the text.",
  "reasoning": "Brief, concise explanation of the logic used to map the natural language to the standard value. Include: 1) Clinical Validation (current vs PMH vs suspicion), 2) Brief inference steps. Keep it concise and to the point.",
  "final_output": "The final annotation text following the exact template format specified in the prompt above.",
  "is_negated": false,
  "date": null
}

# Field Guidelines:
- **evidence**: Must be an exact quote or sentence from the note. Use empty string if no direct evidence found. If the required information is not available in the note, the evidence field should also be empty.
- **reasoning**: Provide a BRIEF, CONCISE explanation of your clinical validation and inference logic. Avoid verbosity. Focus on essential points only: (1) whether finding is current/PMH/suspicion, (2) key inference step. Maximum 2-3 sentences.
- **final_output**: Must match the template format exactly as specified in the prompt.

  **CRITICAL - Handling Missing Information**: If the required information is NOT available in the note (e.g., surgery hasn't occurred yet, information is not mentioned, or cannot be determined), you MUST follow this standardized format:

  * For structured annotations with a label (e.g., "Tumor depth: [value]"), output: "[Label]: Not applicable"
  * For annotations without a label, output: "Not applicable"
  * Alternative standardized phrases (use consistently): "Not applicable", "Not available", "Not specified", "Unknown", or "Information not available"

  **IMPORTANT**: Always use the SAME standardized phrase throughout. Do NOT mix different absence indicators. Do NOT fill in placeholder values like "[select result]", "[put date]", etc. when information is truly unavailable - instead use "Not applicable".
- **is_negated**: Set to true if the annotation indicates absence, negation, or negative finding (e.g., 'no evidence', 'absence of', 'ruled out', 'no', 'not', 'negative', 'none', 'without', 'excluded').
- **date**: ALWAYS provide date information. First, try to extract the date from the note text. If found, use {"date_value": "DD/MM/YYYY", "source": "extracted_from_text"}. If no date is found in the note text, you MUST use the CSV date provided: {"date_value": "DD/MM/YYYY", "source": "derived_from_csv", "csv_date": "DD/MM/YYYY"}. Never set date to null - always use either the extracted date or the CSV date.

IMPORTANT:
- Output ONLY valid JSON. Do not include any explanatory text before or after the JSON object.
- Be CONCISE in the reasoning field. Avoid lengthy explanations or repetition.
- CRITICAL: If the required information is NOT available in the note (e.g., surgery hasn't occurred, information is not mentioned, or cannot be determined), you MUST:
  * Set ` + "`final_output`" + ` to a STANDARDIZED absence format:
    - For annotations with labels (e.g., "Tumor depth: [value]"), use: "[Label]: Not applicable"
    - For annotations without labels, use: "Not applicable"
    - ALWAYS use "Not applicable" consistently (do NOT mix with "Not specified", "Unknown", etc.)
  * Set ` + "`evidence`" + ` to an empty string ''
  * In ` + "`reasoning`" + `, clearly state that the information is not available (e.g., "The note does not state...", "Information is not available...", "Cannot be determined from the note...")
  * Do NOT guess or fill in placeholder values like "[select result]", "[put date]" when information is truly unavailable - use "Not applicable" instead.
`

// WrapJSONFormat inserts the JSON contract into a template, ahead of its
// input section when one exists. It also swaps any verbose reasoning block
// for the concise canonical one and embeds the CSV date when provided.
func WrapJSONFormat(template, csvDate string) string {
	template = replaceVerboseReasoning(template)

	csvDateSection := ""
	if csvDate != "" {
		csvDateSection = "\n- CSV Date: " + csvDate + "\n"
	}

	if strings.Contains(template, "Now process the following note") || strings.Contains(template, "### Input:") {
		if parts := strings.Split(template, "### Input:"); len(parts) == 2 {
			wrapped := parts[0] + jsonInstructions + "\n---\n\n### Input:" + csvDateSection + parts[1]
			wrapped = strings.ReplaceAll(wrapped, "### Response:\nAnnotation: {{annotation}}", "### Response (JSON only, no other text):")
			wrapped = strings.ReplaceAll(wrapped, "### Response:", "### Response (JSON only, no other text):")
			return wrapped
		}
		if parts := strings.Split(template, "Now process the following note"); len(parts) == 2 {
			wrapped := parts[0] + jsonInstructions + "\n---\n\nNow process the following note" + csvDateSection + parts[1]
			return strings.ReplaceAll(wrapped, "Annotation: {{annotation}}", "")
		}
	}

	// No recognizable insertion point: append the contract.
	wrapped := template + "\n\n" + jsonInstructions
	if csvDate != "" {
		wrapped += "\n\nCSV Date: " + csvDate
	}
	return wrapped + "\n\n### Response (JSON only, no other text):"
}

// UpdatePlaceholders substitutes the note text and CSV date placeholders.
// All historical spellings of the note placeholder are honored.
func UpdatePlaceholders(prompt, noteText, csvDate string) string {
	prompt = strings.ReplaceAll(prompt, "{{note_original_text}}", noteText)
	prompt = strings.ReplaceAll(prompt, "{note}", noteText)
	prompt = strings.ReplaceAll(prompt, "{{note}}", noteText)
	if csvDate != "" {
		return strings.ReplaceAll(prompt, "{{csv_date}}", csvDate)
	}
	return strings.ReplaceAll(prompt, "{{csv_date}}", "Not provided")
}
