package provider

// Built-in prompt templates, overridable per template through the
// [prompt_templates] config table. All responses are required to be JSON so
// they can be parsed without heuristics beyond code-fence stripping.

const defaultGeneratorSystem = `You are an expert TypeScript engineer generating an API test framework. ` +
	`Respond only with JSON. Do not include explanations outside the JSON payload.`

const defaultFixerSystem = `You are an expert TypeScript engineer repairing files in an API test framework. ` +
	`Respond only with JSON. Do not include explanations outside the JSON payload.`

const defaultModelGeneration = `Generate the TypeScript service model files for the API path {{.Path}}.

API definition for this path:
{{.Definition}}

Return a JSON array where each element has the shape
{"path": "<relative file path>", "fileContent": "<file contents>", "summary": "<one-line description>"}.
The paths must be relative to the framework root.`

const defaultTestGeneration = `Write the first test for the endpoint {{.Verb}} {{.Path}}.

Operation definition:
{{.Definition}}

Available service models:
{{.Models}}

Return a JSON array where each element has the shape
{"path": "<relative file path>", "fileContent": "<file contents>"}.
Cover the primary success case of the operation.`

const defaultAdditionalTests = `Extend the test file for the endpoint {{.Verb}} {{.Path}} with additional cases
(error responses, validation failures, auth behavior where applicable).

Operation definition:
{{.Definition}}

Available service models:
{{.Models}}

Current test files:
{{.Files}}

Return a JSON array where each element has the shape
{"path": "<relative file path>", "fileContent": "<complete updated file contents>"}.
Return the complete file contents, not a diff.`

const defaultFixTypeScript = `The following files fail to compile.

Files:
{{.Files}}

Compiler diagnostics:
{{.Diagnostics}}

Return a JSON object of the shape
{"files": [{"path": "...", "fileContent": "..."}], "changes": "<summary of what was changed>"}.
Only include files you changed, with their complete contents.`

const defaultFixExecution = `The following test files compile but fail when executed.

Files:
{{.Files}}

Test runner output:
{{.Diagnostics}}
{{if .History}}
Previously attempted changes:
{{.History}}
{{end}}
Return a JSON object of the shape
{"files": [{"path": "...", "fileContent": "..."}], "changes": "<summary>", "stop": <bool>, "reason": "<string>"}.
Set "stop" to true only when the failure cannot be fixed by editing these files
(for example a missing credential or an unreachable server), and explain in "reason".`
