// Package chat adapts plain-text chat triggers to snapshot requests and
// shapes the replies a messaging host can send back.
package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/entrhq/charsnap/pkg/logging"
	"github.com/entrhq/charsnap/pkg/snapshot"
)

const (
	DefaultPrefix      = "爬取崩铁："
	DefaultHelpCommand = "崩铁快照帮助"
	DefaultTimeout     = 3 * time.Minute
	MaxNameRunes       = 5
)

// User-facing replies.
const (
	MsgNotFound     = "未找到该角色信息。"
	MsgInitializing = "渲染引擎正在初始化，请稍后再试。"
	MsgTimeout      = "获取角色快照超时，请稍后再试。"
	MsgFailed       = "获取角色快照失败。"
)

// CommandKind is what a trigger asks for.
type CommandKind int

const (
	CommandSnapshot CommandKind = iota
	CommandHelp
)

// Command is a parsed trigger.
type Command struct {
	Kind CommandKind
	Name string
}

// ReplyKind tells the host how to send a Reply.
type ReplyKind string

const (
	ReplyImage ReplyKind = "image"
	ReplyText  ReplyKind = "text"
)

// Reply is either a base64 image or a text message.
type Reply struct {
	Kind   ReplyKind `json:"kind"`
	Base64 string    `json:"base64,omitempty"`
	Text   string    `json:"text,omitempty"`

	// Cached reports whether the image came from the cache.
	Cached bool `json:"cached,omitempty"`
}

// Snapshotter produces a snapshot for a display name.
type Snapshotter interface {
	SnapshotByName(ctx context.Context, name string) (*snapshot.Artifact, error)
}

// Options configures a Bot.
type Options struct {
	Prefix      string
	HelpCommand string

	// Timeout bounds one snapshot request.
	Timeout time.Duration

	Logger *logging.Logger
}

// Bot answers chat triggers.
type Bot struct {
	snapshots Snapshotter
	opts      Options
	log       *logging.Logger
}

// NewBot creates a bot that serves snapshots from s.
func NewBot(s Snapshotter, opts Options) *Bot {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.HelpCommand == "" {
		opts.HelpCommand = DefaultHelpCommand
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("chat")
	}
	return &Bot{snapshots: s, opts: opts, log: opts.Logger}
}

// Parse recognises "<prefix><name>" with a name of 1 to 5 characters, or
// the help command. Anything else is not a trigger. A longer tail is
// rejected as a whole rather than cut down to its first 5 characters, so
// "爬取崩铁：忘归人的光锥推荐" never captures "忘归人的光".
func (b *Bot) Parse(text string) (Command, bool) {
	text = strings.TrimSpace(text)
	if text == b.opts.HelpCommand {
		return Command{Kind: CommandHelp}, true
	}

	rest, ok := strings.CutPrefix(text, b.opts.Prefix)
	if !ok {
		return Command{}, false
	}
	name := strings.TrimSpace(rest)
	n := utf8.RuneCountInString(name)
	if n < 1 || n > MaxNameRunes {
		return Command{}, false
	}
	return Command{Kind: CommandSnapshot, Name: name}, true
}

// Help is the usage text.
func (b *Bot) Help() string {
	var sb strings.Builder
	sb.WriteString("角色快照使用方法：\n")
	sb.WriteString("  " + b.opts.Prefix + "<角色名>  获取角色详情长图（角色名 1-5 个字）\n")
	sb.WriteString("  " + b.opts.HelpCommand + "  显示本帮助\n")
	sb.WriteString("快照缓存 24 小时，首次获取需要约一分钟。")
	return sb.String()
}

// Handle answers text. The second result is false when text is not a
// trigger and should be ignored.
func (b *Bot) Handle(ctx context.Context, text string) (Reply, bool) {
	cmd, ok := b.Parse(text)
	if !ok {
		return Reply{}, false
	}
	if cmd.Kind == CommandHelp {
		return Reply{Kind: ReplyText, Text: b.Help()}, true
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	b.log.Infof("snapshot requested for %q", cmd.Name)
	art, err := b.snapshots.SnapshotByName(ctx, cmd.Name)
	if err != nil {
		b.log.Warnf("snapshot for %q failed: %v", cmd.Name, err)
		return Reply{Kind: ReplyText, Text: FailureMessage(err)}, true
	}
	return Reply{Kind: ReplyImage, Base64: art.Base64(), Cached: art.FromCache}, true
}

// FailureMessage maps a pipeline error to the text shown to users.
func FailureMessage(err error) string {
	switch snapshot.Classify(err) {
	case snapshot.KindNotFound:
		return MsgNotFound
	case snapshot.KindInitializing:
		return MsgInitializing
	case snapshot.KindTransientIO:
		return MsgTimeout
	default:
		return MsgFailed
	}
}
