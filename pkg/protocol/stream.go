package protocol

// ChunkType identifies one canonical streaming chunk.
type ChunkType string

const (
	ChunkText          ChunkType = "text"
	ChunkReasoning     ChunkType = "reasoning"
	ChunkToolCallStart ChunkType = "tool_call_start"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkToolCallStop  ChunkType = "tool_call_stop"
	ChunkDone          ChunkType = "done"
	ChunkError         ChunkType = "error"
)

// StreamChunk is one canonical streaming increment. Chunks for a single
// response are strictly ordered; tool-call argument deltas are append-only.
type StreamChunk struct {
	Type ChunkType

	Text string

	// ToolIndex orders concurrent tool-call blocks within one response.
	ToolIndex int
	// ToolCall carries id/name on start and the fully parsed call on stop.
	ToolCall *ToolCall
	// ArgsDelta is an append-only fragment of the tool-call argument JSON.
	ArgsDelta string

	FinishReason FinishReason
	Usage        *Usage
	Err          error
}
