package classify

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// targetCategories describes each category for the deep-analysis prompt.
const targetCategories = `1. dynamics - Microsoft Dynamics 365, CRM, Power Platform, Power Apps, Power Automate
2. ai - Artificial intelligence, machine learning, generative AI, chatbots, NLP
3. iot - Internet of Things, sensors, smart city and smart building systems
4. erp - Enterprise resource planning, financial systems, SAP, Oracle, data management
5. staff_augmentation - IT staffing, contract technical resources, professional IT services
6. cloud - Cloud migration, Azure, AWS, SaaS, hosting, contact center platforms
7. cybersecurity - Security assessments, infosec, risk management, identity
8. data_analytics - Business intelligence, Power BI, data warehousing, reporting`

const stage1Prompt = `You are a procurement analyst working for a technology services company.
You read public procurement listing pages and identify every solicitation on the page.

For each opportunity decide whether it is relevant to the company and assign exactly one category.

CORE FOCUS (relevant):
- Microsoft Dynamics 365, CRM, Power Platform -> "dynamics"
- Artificial intelligence, machine learning, chatbots -> "ai"
- Internet of Things, sensors, smart infrastructure -> "iot"
- ERP and financial systems -> "erp"
- IT staffing and staff augmentation -> "staff_augmentation"

ALSO RELEVANT:
- Cloud services and hosting -> "cloud"
- Data analytics, BI, reporting -> "data_analytics"
- Cybersecurity -> "cybersecurity"
- Other software development or IT services -> the closest category above, or "other"

NOT RELEVANT:
- Construction, renovation, janitorial and facilities maintenance
- Medical supplies and clinical services
- Vehicles, fleet parts and landscaping
- Food service, printing and office supplies
- Inspections and non-IT professional services

predicted_category MUST be one of these exact values:
%s

Mark an opportunity relevant when your confidence is at least 0.65. When unsure, lean toward relevant.

Return a JSON object with this shape and nothing else:
{
  "opportunities": [
    {
      "document_id": "the solicitation number shown on the page",
      "event_name": "the solicitation title",
      "document_url": "absolute URL of the solicitation document, or null",
      "event_start_date": "date posted, or null",
      "response_due_date": "response due date, or null",
      "last_updated": "last updated date, or null",
      "is_relevant": true,
      "predicted_category": "dynamics",
      "classification_confidence": 0.9,
      "classification_reason": "one sentence explaining the decision"
    }
  ],
  "total_found": 1,
  "relevant_count": 1,
  "page_summary": "one sentence describing the page"
}`

const stage2Prompt = `You are an RFP analyst. Read the solicitation document and extract the key facts.

TARGET CATEGORIES:
%s

RFP METADATA:
- Document ID: %s
- Event Name: %s
- Initial Category: %s
- Response Due: %s

Respond with a JSON object with this shape and nothing else:
{
  "confirmed_category": "%s",
  "category_confidence": 0.95,
  "summary": "two or three sentence summary",
  "scope_of_work": "description of the scope, or null",
  "estimated_value": 500000.00,
  "requires_prequalification": false,
  "prequalification_details": [{"requirement": "...", "mandatory": true}],
  "eligibility_requirements": "who may respond, or null",
  "certifications_required": ["ISO 27001"],
  "is_discretionary": false,
  "discretionary_reason": null,
  "contact_info": {"name": "...", "email": "...", "phone": "..."},
  "submission_deadline": "2026-02-20T17:00:00",
  "prequalification_deadline": null,
  "key_requirements": ["..."],
  "technology_stack": ["..."]
}`

func categoryList(sep string) string {
	parts := make([]string, len(crawler.Categories))
	for i, c := range crawler.Categories {
		parts[i] = string(c)
	}
	return strings.Join(parts, sep)
}

func stage1System(chunk, total int) string {
	prompt := fmt.Sprintf(stage1Prompt, categoryList(", "))
	if total > 1 {
		prompt += fmt.Sprintf("\n\nNOTE: This is chunk %d of %d. Extract every opportunity in this chunk.", chunk, total)
	}
	return prompt
}

func stage1User(sourceURL, content string) string {
	return fmt.Sprintf("Source URL: %s\n\nContent:\n%s", sourceURL, content)
}

func stage2System(c crawler.Candidate) string {
	due := c.DueDate
	if due == "" {
		due = "unknown"
	}
	return fmt.Sprintf(stage2Prompt,
		targetCategories,
		c.ExternalID,
		c.Title,
		c.Category,
		due,
		categoryList("|"),
	)
}

func stage2User(documentText string) string {
	return "RFP Document Content:\n\n" + documentText
}
