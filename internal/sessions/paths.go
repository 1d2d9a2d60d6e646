// Package sessions implements the turn-level message/session store: local
// filesystem and cloud (DynamoDB) backends behind one interface, session
// buffering and cancellation, context-window compaction, the multimodal
// prompt builder, and attachment offload.
package sessions

import (
	"fmt"
	"path/filepath"
)

// defaultAgentDir and the file names below mirror the local-mode directory layout: one
// directory per session, with messages nested under a fixed default agent.
const (
	defaultAgentDir      = "agent_default"
	sessionMetadataFile  = "session-metadata.json"
	messageMetadataFile  = "message-metadata.json"
	costSummaryFile      = "cost-summary.json"
)

// SessionDir returns the root directory for one session under root.
func SessionDir(root, sessionID string) string {
	return filepath.Join(root, fmt.Sprintf("session_%s", sessionID))
}

// MessagesDir returns the directory holding a session's per-message JSON files.
func MessagesDir(root, sessionID string) string {
	return filepath.Join(SessionDir(root, sessionID), "agents", defaultAgentDir, "messages")
}

// MessagePath returns the deterministic file path for one message. sequence
// is the 0-based dense index within the session.
func MessagePath(root, sessionID string, sequence int) string {
	return filepath.Join(MessagesDir(root, sessionID), fmt.Sprintf("message_%d.json", sequence))
}

// SessionMetadataPath returns the path to the session-level metadata record.
func SessionMetadataPath(root, sessionID string) string {
	return filepath.Join(SessionDir(root, sessionID), sessionMetadataFile)
}

// MessageMetadataPath returns the path to the flat {message_id: metadata}
// index; entries are keyed by the message ID (see MessageID), not by the bare
// sequence number.
func MessageMetadataPath(root, sessionID string) string {
	return filepath.Join(SessionDir(root, sessionID), messageMetadataFile)
}

// CostSummaryPath returns the path to the session's running cost summary.
func CostSummaryPath(root, sessionID string) string {
	return filepath.Join(SessionDir(root, sessionID), costSummaryFile)
}

// MessageID returns the deterministic public identifier for one message.
func MessageID(sessionID string, sequence int) string {
	return fmt.Sprintf("msg-%s-%d", sessionID, sequence)
}
