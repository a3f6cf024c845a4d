package technique

const preamble = `You are a prompt engineer. Rewrite the user's prompt below so that an AI assistant will produce a better answer.
Do not answer the prompt yourself. Keep the user's intent and language.
`

const clarityTmpl = preamble + `
Technique: clarity.
- State the goal in one sentence.
- Make implicit constraints explicit (length, audience, scope).
- Replace vague words with concrete requirements.
- Say what the output should look like.

User prompt:
"""
{{PROMPT}}
"""`

const chainOfThoughtTmpl = preamble + `
Technique: chain of thought.
- Ask the assistant to work through the problem step by step.
- Ask it to show intermediate reasoning before the final answer.
- Ask it to check the final answer against the steps.

User prompt:
"""
{{PROMPT}}
"""`

const fewShotTmpl = preamble + `
Technique: few-shot.
- Add two or three short input/output examples that match the task.
- Keep the examples consistent in format with the expected answer.
- End with the user's actual input in the same format.

User prompt:
"""
{{PROMPT}}
"""`

const roleBasedTmpl = preamble + `
Technique: role-based.
- Open with an expert persona suited to the task ("You are a ...").
- Describe the persona's experience and priorities in one or two sentences.
- Keep the user's request as the task given to that persona.

User prompt:
"""
{{PROMPT}}
"""`

const treeOfThoughtTmpl = preamble + `
Technique: tree of thought.
- Ask the assistant to propose at least three distinct approaches.
- Ask it to evaluate the strengths and weaknesses of each.
- Ask it to pick the most promising one and develop it fully.

User prompt:
"""
{{PROMPT}}
"""`

const selfConsistencyTmpl = preamble + `
Technique: self-consistency.
- Ask the assistant to solve the problem several times independently.
- Ask it to compare the answers and explain any disagreement.
- Ask for a single final answer supported by the majority of attempts.

User prompt:
"""
{{PROMPT}}
"""`

const coStarTmpl = preamble + `
Technique: CO-STAR. Restructure the prompt under these headings:
# CONTEXT
# OBJECTIVE
# STYLE
# TONE
# AUDIENCE
# RESPONSE (format of the answer)
Infer reasonable values where the user left them out.

User prompt:
"""
{{PROMPT}}
"""`

const raceTmpl = preamble + `
Technique: RACE. Restructure the prompt as:
Role: who the assistant should act as.
Action: what it must do.
Context: background the assistant needs.
Expectation: what a good answer looks like.

User prompt:
"""
{{PROMPT}}
"""`

const persuasiveTmpl = preamble + `
Technique: persuasive writing.
- Identify the audience and what they currently believe.
- State the central claim.
- Ask for supporting evidence and anticipated objections.
- End with a clear call to action.

User prompt:
"""
{{PROMPT}}
"""`

const storytellingTmpl = preamble + `
Technique: storytelling.
- Specify the main characters and what they want.
- Specify setting, point of view and tone.
- Describe the central conflict and how the story should resolve.
- Give a target length.

User prompt:
"""
{{PROMPT}}
"""`

const codeGenerationTmpl = preamble + `
Technique: code generation.
- Name the language, version and any libraries allowed.
- Define inputs, outputs and function or type signatures.
- List edge cases and error handling expectations.
- Ask for tests alongside the implementation.

User prompt:
"""
{{PROMPT}}
"""`

const debuggingTmpl = preamble + `
Technique: debugging.
- Ask for the expected behaviour and the actual behaviour.
- Ask for the exact error message and stack trace.
- Ask for minimal reproduction steps and the environment.
- Ask the assistant to explain the root cause before proposing a fix.

User prompt:
"""
{{PROMPT}}
"""`

const codeReviewTmpl = preamble + `
Technique: code review.
- Ask the reviewer to check correctness first, then security and performance.
- Ask for concrete line-level suggestions.
- Ask the reviewer to rank findings by severity.

User prompt:
"""
{{PROMPT}}
"""`

const refactoringTmpl = preamble + `
Technique: refactoring.
- State the goal of the refactoring (readability, testability, performance).
- Require that external behaviour stays the same.
- Ask for the change in small, reviewable steps.
- Ask which tests prove behaviour was preserved.

User prompt:
"""
{{PROMPT}}
"""`
