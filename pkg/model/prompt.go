package model

import "strings"

// codePlaceholder marks where the submitted source goes in the template.
const codePlaceholder = "{code}"

// AuditTemplate is the instruction sent to the model for every scan. The
// model is asked for one JSON object; report.Extract relies on that shape.
const AuditTemplate = `
You are a professional smart contract auditor.
Detect vulnerabilities in Solidity code.

Output MUST be a valid JSON object with the following structure:
{
    "name": "<contract_name.sol>",
    "pragma": "<solidity_version>",
    "vulnerabilities": [
        {
            "category": "<vulnerability_category>",
            "severity": "<low|medium|high|critical>",
            "explanation": "<short description>"
        }
    ]
}

Analyze this code:
{code}

Return ONLY the JSON object.
`

// AuditPrompt renders AuditTemplate with code. The code is inserted
// verbatim, once.
func AuditPrompt(code string) string {
	return RenderPrompt(AuditTemplate, code)
}

// RenderPrompt substitutes the first {code} placeholder in tmpl.
func RenderPrompt(tmpl, code string) string {
	return strings.Replace(tmpl, codePlaceholder, code, 1)
}
