package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edunexus/spool/internal/spool"
)

type CommandKind string

const (
	CommandConfirm CommandKind = "confirm"
	CommandReject  CommandKind = "reject"
)

// Command is one actionable instruction extracted from an inbound email.
type Command struct {
	Kind   CommandKind
	Token  string
	Reason string
}

// Confirm takes precedence over reject when a message matches both, so a
// forwarded approval link with "rejected" somewhere in the quoted thread
// still confirms.
var (
	confirmLinkRe = regexp.MustCompile(`(?i)/org-codes/confirm/([A-Za-z0-9_-]{6,64})`)
	confirmWordRe = regexp.MustCompile(`(?i)\b(?:confirm(?:ation)?|approve)\s*[:=]?\s+([A-Za-z0-9_-]{6,64})`)
	rejectLinkRe  = regexp.MustCompile(`(?i)/org-codes/reject/([A-Za-z0-9_-]{6,64})`)
	rejectWordRe  = regexp.MustCompile(`(?i)\breject\s*[:=]?\s+([A-Za-z0-9_-]{6,64})`)
	reasonRe      = regexp.MustCompile(`(?i)\breason\s*[:=]\s*([^\r\n]+)`)
)

// ParseCommand scans free-form email text for a confirm or reject command,
// in link form or keyword form.
func ParseCommand(text string) (Command, bool) {
	if m := confirmLinkRe.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandConfirm, Token: m[1]}, true
	}
	if m := confirmWordRe.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandConfirm, Token: m[1]}, true
	}
	reason := ""
	if m := reasonRe.FindStringSubmatch(text); m != nil {
		reason = strings.TrimSpace(m[1])
	}
	if m := rejectLinkRe.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandReject, Token: m[1], Reason: reason}, true
	}
	if m := rejectWordRe.FindStringSubmatch(text); m != nil {
		return Command{Kind: CommandReject, Token: m[1], Reason: reason}, true
	}
	return Command{}, false
}

// InboundSource hands new inbound messages to a deliver callback, one at a
// time, from wherever mail lands (IMAP poller, webhook relay, drop
// directory). A message is consumed from the source only after deliver
// returns nil; a failed handoff or a crash in between leaves it in place
// and it is redelivered on the next pass. Consumers tolerate duplicates.
type InboundSource interface {
	Drain(ctx context.Context, deliver func(spool.InboundMessage) error) (int, error)
}

// DropDirSource reads inbound messages from JSON files in a directory.
// Each file holds one message; files are deleted once parsed. This is the
// transport used by the local MTA hook and by the filesystem watcher.
type DropDirSource struct {
	dir    string
	logger *zap.SugaredLogger
}

func NewDropDirSource(dir string, logger *zap.SugaredLogger) *DropDirSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DropDirSource{dir: dir, logger: logger}
}

func (s *DropDirSource) Drain(ctx context.Context, deliver func(spool.InboundMessage) error) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	delivered := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warnw("reading inbound drop file failed", "path", path, "error", err)
			continue
		}
		var msg spool.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warnw("discarding malformed inbound drop file", "path", path, "error", err)
			_ = os.Remove(path)
			continue
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}
		// The file goes away only after the message is durably queued.
		// A crash between the two redelivers the same file next pass.
		if err := deliver(msg); err != nil {
			return delivered, err
		}
		delivered++
		if err := os.Remove(path); err != nil {
			s.logger.Warnw("removing consumed drop file failed", "path", path, "error", err)
		}
	}
	return delivered, nil
}

var _ InboundSource = (*DropDirSource)(nil)
