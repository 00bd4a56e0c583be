// Package protocol defines the typed messages exchanged between the shell
// and assistant processes, and the length-prefixed frame codec that carries
// them over a Unix domain socket.
package protocol

import "fmt"

// MessageType tags each wire message. Values are part of the wire format:
// new kinds are appended at the end, existing values are never reused or
// reordered.
type MessageType byte

const (
	// MsgPostQuery carries a user query from the shell to the assistant.
	MsgPostQuery MessageType = iota
	// MsgAskConnection is the first message on the reciprocal link; it names
	// the endpoint the assistant just opened so the shell can connect back.
	MsgAskConnection
	// MsgAskContext asks the shell for context (cwd, history, terminal, env).
	MsgAskContext
	// MsgPostContext answers MsgAskContext.
	MsgPostContext
	// MsgPostCode pushes code blocks from the assistant to the shell.
	MsgPostCode
	// MsgRunCommand asks the shell to execute a command.
	MsgRunCommand
	// MsgAskCommandOutput asks the shell for the output of an earlier command.
	MsgAskCommandOutput
	// MsgPostResult answers MsgRunCommand and MsgAskCommandOutput.
	MsgPostResult
)

// maxMessageType is the highest tag the decoder accepts. Bump when appending
// a new message kind.
const maxMessageType = MsgPostResult

var messageTypeNames = [...]string{
	"PostQuery", "AskConnection", "AskContext", "PostContext",
	"PostCode", "RunCommand", "AskCommandOutput", "PostResult",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

// ContextType identifies what kind of shell context is being requested.
type ContextType byte

const (
	// ContextCurrentLocation is the working directory and project surroundings.
	ContextCurrentLocation ContextType = iota
	// ContextCommandHistory is the recent (redacted) command history.
	ContextCommandHistory
	// ContextTerminalContent is the visible terminal text.
	ContextTerminalContent
	// ContextEnvironmentVariables is the environment, sensitive values redacted.
	ContextEnvironmentVariables
)

var contextTypeNames = [...]string{
	"CurrentLocation", "CommandHistory", "TerminalContent", "EnvironmentVariables",
}

func (t ContextType) String() string {
	if int(t) < len(contextTypeNames) {
		return contextTypeNames[t]
	}
	return fmt.Sprintf("ContextType(%d)", byte(t))
}

// Message is one wire message. Exactly one concrete type exists per
// MessageType value.
type Message interface {
	Type() MessageType
}

// PostQuery is sent from the shell to the assistant when the user submits a
// query.
type PostQuery struct {
	// Query is the user's query text.
	Query string `json:"query"`
	// Context is optional extra context attached by the shell. nil means none.
	Context *string `json:"context"`
	// Agent optionally overrides which agent should answer. nil means default.
	Agent *string `json:"agent"`
}

func (*PostQuery) Type() MessageType { return MsgPostQuery }

// AskConnection is the mandatory first message on the reciprocal link.
type AskConnection struct {
	// PipeName is the rendezvous name of the endpoint the sender just opened.
	PipeName string `json:"pipe_name"`
}

func (*AskConnection) Type() MessageType { return MsgAskConnection }

// AskContext is sent from the assistant to the shell to request context.
type AskContext struct {
	// Kind selects which context provider answers.
	Kind ContextType `json:"kind"`
	// Args are provider-specific arguments. nil means none.
	Args []string `json:"args"`
}

func (*AskContext) Type() MessageType { return MsgAskContext }

// PostContext is the shell's reply to AskContext.
type PostContext struct {
	// Context is the gathered context. nil means the shell has none.
	Context *string `json:"context"`
}

func (*PostContext) Type() MessageType { return MsgPostContext }

// PostCode pushes one or more code blocks from the assistant to the shell
// for insertion at the prompt.
type PostCode struct {
	// Blocks are the code fragments, in order.
	Blocks []string `json:"blocks"`
}

func (*PostCode) Type() MessageType { return MsgPostCode }

// RunCommand asks the shell to execute a command.
type RunCommand struct {
	// Command is the command text to execute.
	Command string `json:"command"`
	// Blocking selects whether the reply waits for the command to finish.
	// When false, the reply's Output carries the command id for a later
	// AskCommandOutput.
	Blocking bool `json:"blocking"`
}

func (*RunCommand) Type() MessageType { return MsgRunCommand }

// AskCommandOutput asks the shell for the output of a non-blocking command.
type AskCommandOutput struct {
	// CommandID is the opaque id minted by the shell for the command.
	CommandID string `json:"command_id"`
}

func (*AskCommandOutput) Type() MessageType { return MsgAskCommandOutput }

// PostResult is the shell's reply to RunCommand and AskCommandOutput.
type PostResult struct {
	// Output is the command output, or the command id for a non-blocking run.
	Output string `json:"output"`
	// HasError is true when the command failed.
	HasError bool `json:"has_error"`
	// UserCancelled is true when the user interrupted the command.
	UserCancelled bool `json:"user_cancelled"`
	// Exception carries internal error text when the shell itself failed.
	// nil means no internal error.
	Exception *string `json:"exception"`
}

func (*PostResult) Type() MessageType { return MsgPostResult }
