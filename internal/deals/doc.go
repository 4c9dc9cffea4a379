// Package deals holds the external AI collaborators: a transcription client
// that turns a finalized recording into text via an OpenAI-style
// audio/transcriptions endpoint, and an extraction client that pulls
// structured deal records out of a transcript via a chat-completions
// endpoint. Both are optional at runtime; an unset endpoint disables the
// corresponding routes.
package deals
