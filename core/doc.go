// Package core defines the shared conversational data model: transcripts,
// role-tagged messages, streaming fragments and tool-call references. It has
// no behavior of its own beyond ordering and copy-on-read guarantees; the
// process, session and orchestrator packages build on these types.
package core
