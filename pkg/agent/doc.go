// Package agent turns an utterance into a model reply.
//
// A Runner loads the session transcript from the store, sends it to an
// LLMProvider together with the new utterance, and persists both sides of
// the exchange. Providers exist for Anthropic and OpenAI; which one a
// deployment uses is decided by its auth profile.
//
// Transcript entries are stored as JSON payloads validated against a
// schema on read. A payload that fails validation surfaces as a corrupted
// session, which callers recover from by clearing the transcript.
package agent
