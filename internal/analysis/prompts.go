package analysis

const documentSystemPrompt = "You are a legal compliance expert specializing in GDPR, data protection, and contract analysis. Provide detailed, actionable insights."

const documentPrompt = `Analyze the following legal document for compliance and legal risks.
Document: %s
Type: legal

Content:
%s

Provide a comprehensive analysis including:
1. Document summary
2. Compliance score (0-100)
3. Key findings
4. Recommendations for improvement
5. Risk assessment
6. GDPR compliance analysis

Respond in JSON format with the following structure:
{
  "summary": "Brief summary of the document",
  "complianceScore": 85,
  "keyFindings": ["Finding 1", "Finding 2"],
  "recommendations": ["Recommendation 1", "Recommendation 2"],
  "risks": [{"type": "Data Protection", "severity": "medium", "description": "Risk description"}],
  "gdprCompliance": {"score": 78, "issues": ["Issue 1"], "recommendations": ["GDPR Recommendation 1"]}
}`

const chatSystemPrompt = "You are a professional legal AI assistant. Provide accurate, helpful information about legal compliance, GDPR, data protection, and contract management."

const chatPrompt = `You are an AI legal assistant specializing in compliance and legal automation.
User role: %s
Context: %s

User message: %s

Provide a helpful response with a main answer, relevant next-step suggestions and related documents or resources.

Respond in JSON format:
{
  "message": "Your helpful response here",
  "suggestions": ["Suggestion 1", "Suggestion 2"],
  "relatedDocuments": ["Document 1", "Document 2"]
}`

const contractSystemPrompt = "You are a legal contract specialist for %s. Generate professional, legally compliant contract templates."

const contractPrompt = `Generate a professional %s contract template for %s.

Requirements:
%s

The contract must be legally sound under local law, clear, complete with all necessary clauses and ready for customization.
Format it as a complete contract document with numbered sections and clauses.`

const complianceSystemPrompt = "You are a %s compliance expert. Provide detailed compliance analysis."

const compliancePrompt = `Perform a %s compliance check on the following document:

%s

Report a compliance score (0-100), the specific issues found and actionable recommendations.

Respond in JSON format:
{
  "score": 85,
  "issues": ["Issue 1", "Issue 2"],
  "recommendations": ["Recommendation 1", "Recommendation 2"]
}`
