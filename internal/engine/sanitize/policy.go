// Package sanitize normalizes a transcript into a provider-safe shape
// before every model call.
//
// Provider quirks are not scattered call-site patches; they are a fixed,
// ordered pipeline of stages gated by a declarative per-(provider, modelAPI)
// Policy. The stage order is a contract — several stages assume the
// invariant established by the one before them (truncation runs before
// orphan re-pairing precisely so truncation-split pairs get cleaned up).
package sanitize

// IDMode selects the tool-call-id rewrite format.
type IDMode string

const (
	// IDModeNone leaves ids untouched.
	IDModeNone IDMode = "none"

	// IDModeAlphanumeric strips everything outside [A-Za-z0-9_-] and caps
	// length at 64. The Anthropic messages API rejects ids outside this
	// alphabet.
	IDModeAlphanumeric IDMode = "alphanumeric"
)

// TurnOrderingAction picks what to do with consecutive same-role turns when
// the provider validates ordering.
type TurnOrderingAction string

const (
	// TurnOrderingMerge concatenates consecutive same-role messages.
	TurnOrderingMerge TurnOrderingAction = "merge"

	// TurnOrderingFail rejects the transcript with a TranscriptError.
	TurnOrderingFail TurnOrderingAction = "fail"
)

// Policy is the immutable per-(provider, modelAPI) record of which stages
// run. Resolved once per run from the static table; never mutated.
type Policy struct {
	Provider string
	ModelAPI string

	// DropThinking strips persisted reasoning parts from assistant
	// messages. Providers that reject echoed reasoning blocks need this.
	DropThinking bool

	// SanitizeToolCallIDs rewrites ids per ToolCallIDMode, consistently
	// across a matching call/result pair.
	SanitizeToolCallIDs bool
	ToolCallIDMode      IDMode

	// ValidateTurnOrdering enforces role alternation per
	// TurnOrderingAction. Some providers reject consecutive same-role
	// turns outright.
	ValidateTurnOrdering bool
	TurnOrderingAction   TurnOrderingAction

	// RepairOrphanPairs re-pairs tool calls and results after truncation.
	RepairOrphanPairs bool

	// AllowSyntheticResults inserts a synthetic error result for a call
	// whose real result is missing, instead of dropping the call.
	AllowSyntheticResults bool

	// ToolResultBudgetShare is the fraction of the model's context window
	// a single tool result may occupy before being truncated.
	ToolResultBudgetShare float64
}

// DefaultToolResultBudgetShare caps one tool result at a quarter of the
// estimated context tokens.
const DefaultToolResultBudgetShare = 0.25

var policies = map[string]Policy{
	"anthropic-messages": {
		DropThinking:          true,
		SanitizeToolCallIDs:   true,
		ToolCallIDMode:        IDModeAlphanumeric,
		ValidateTurnOrdering:  true,
		TurnOrderingAction:    TurnOrderingMerge,
		RepairOrphanPairs:     true,
		AllowSyntheticResults: true,
		ToolResultBudgetShare: DefaultToolResultBudgetShare,
	},
	"google-generative-ai": {
		DropThinking:          true,
		SanitizeToolCallIDs:   true,
		ToolCallIDMode:        IDModeAlphanumeric,
		ValidateTurnOrdering:  true,
		TurnOrderingAction:    TurnOrderingMerge,
		RepairOrphanPairs:     true,
		AllowSyntheticResults: true,
		ToolResultBudgetShare: DefaultToolResultBudgetShare,
	},
	"openai-completions": {
		DropThinking:          true,
		SanitizeToolCallIDs:   false,
		ToolCallIDMode:        IDModeNone,
		ValidateTurnOrdering:  false,
		RepairOrphanPairs:     true,
		AllowSyntheticResults: true,
		ToolResultBudgetShare: DefaultToolResultBudgetShare,
	},
}

// PolicyFor returns the policy for a (provider, modelAPI) pair. Unknown
// model APIs get the permissive default: repair pairs, drop thinking,
// nothing provider-specific.
func PolicyFor(provider, modelAPI string) Policy {
	p, ok := policies[modelAPI]
	if !ok {
		p = Policy{
			DropThinking:          true,
			ToolCallIDMode:        IDModeNone,
			RepairOrphanPairs:     true,
			AllowSyntheticResults: true,
			ToolResultBudgetShare: DefaultToolResultBudgetShare,
		}
	}
	p.Provider = provider
	p.ModelAPI = modelAPI
	return p
}
